package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var ssePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server (stdio, or SSE with --sse-port)",
	Long: `Run the tour debugger as an MCP server.

In stdio mode the log goes to server.log_file, since anything written to
stderr would interleave with the protocol stream.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if ssePort != 0 {
		cfg.MCP.SSEPort = ssePort
	}

	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}

	ctx := cmd.Context()
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if cfg.Browser.AutoStart {
		if err := a.sessions.Start(ctx); err != nil {
			return err
		}
	} else {
		log.Printf("browser auto-start disabled; use launch-browser or attach-session")
	}

	server, err := a.server()
	if err != nil {
		return err
	}

	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting tour debugger MCP SSE server on port %d", cfg.MCP.SSEPort)
		err = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting tour debugger MCP stdio server")
		err = server.Start(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
