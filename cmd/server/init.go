package main

import (
	"os"
	"path/filepath"

	"tourdebug-mcp-server/internal/config"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a .tourdebug workspace with a config template",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func runInit(_ *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return err
	}
	if err := config.InitWorkspace(abs); err != nil {
		return err
	}
	pterm.Success.Printfln("Created %s", filepath.Join(abs, config.WorkspaceDirName, config.WorkspaceConfigFile))
	return nil
}
