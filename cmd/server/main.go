package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"tourdebug-mcp-server/internal/config"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	workspaceDir string
	noWorkspace  bool
)

var rootCmd = &cobra.Command{
	Use:   "tourdebug",
	Short: "Inspect and drive product tours in a live browser",
	Long: `tourdebug attaches to Chrome, finds the PostHog SDK on the page and reports
which product tours would show, which would not, and why.

Run without a subcommand to start the MCP server on stdio.

Examples:
  tourdebug init
  tourdebug status --url http://localhost:3000
  tourdebug watch
  tourdebug act showTour tour-123
  tourdebug pick
  tourdebug serve --sse-port 8080`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file layered over the workspace config")
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace-dir", "", "Use this directory as the workspace root instead of searching upward")
	rootCmd.PersistentFlags().BoolVar(&noWorkspace, "no-workspace", false, "Skip .tourdebug workspace discovery")
	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		c.Flags().IntVar(&ssePort, "sse-port", 0, "Serve MCP over SSE on this port instead of stdio (overrides mcp.sse_port)")
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(actCmd)
	rootCmd.AddCommand(pickCmd)
	rootCmd.AddCommand(enableDebugCmd)
	rootCmd.AddCommand(initCmd)
}

// loadConfig layers defaults, workspace, --config and TOURDEBUG_* env.
func loadConfig() (config.Config, error) {
	cfg, _, err := config.LoadWithWorkspace(configPath, config.WorkspaceOptions{
		Disable:     noWorkspace,
		ExplicitDir: workspaceDir,
	})
	return cfg, err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
