package main

import (
	"context"
	"fmt"
	"log"

	"tourdebug-mcp-server/internal/agent"
	"tourdebug-mcp-server/internal/browser"
	"tourdebug-mcp-server/internal/config"
	"tourdebug-mcp-server/internal/host"
	"tourdebug-mcp-server/internal/mangle"
	"tourdebug-mcp-server/internal/mcp"
	"tourdebug-mcp-server/internal/panel"
	"tourdebug-mcp-server/internal/recorder"
)

// app is the wired set of components shared by every command.
type app struct {
	cfg      config.Config
	engine   *mangle.Engine
	recorder *recorder.Recorder
	sessions *browser.SessionManager
	host     *host.Host
	panel    *panel.Controller
}

// newApp wires the components without touching the browser.
func newApp(cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.Mangle.Enable {
		engine, err := mangle.NewEngine(cfg.Mangle)
		if err != nil {
			return nil, fmt.Errorf("initialize mangle engine: %w", err)
		}
		a.engine = engine
	}

	if cfg.Recorder.Enable {
		rec, err := recorder.NewRecorder(cfg.Recorder.Dir)
		if err != nil {
			return nil, fmt.Errorf("initialize recorder: %w", err)
		}
		if err := rec.Start(cfg.Server.Name); err != nil {
			return nil, fmt.Errorf("start trace: %w", err)
		}
		a.recorder = rec
	}

	a.sessions = browser.NewSessionManager(cfg.Browser)
	if cfg.Agent.CapturesDebugInstance() {
		a.sessions.AddInitScript(agent.CaptureHookScript())
	}

	opts := host.OptionsFromConfig(&cfg)
	opts.Recorder = a.recorder
	opts.Engine = a.engine
	a.host = host.New(a.sessions, opts)
	a.sessions.SetListener(a.host)

	panelOpts := panel.Options{MinVersion: cfg.Panel.MinVersion()}
	if a.engine != nil {
		panelOpts.Sink = a.engine
	}
	a.panel = panel.NewController(a.host, a.host, panelOpts)
	return a, nil
}

// server builds the MCP server over the app.
func (a *app) server() (*mcp.Server, error) {
	return mcp.NewServer(a.cfg, mcp.Deps{
		Sessions: a.sessions,
		Host:     a.host,
		Panel:    a.panel,
		Engine:   a.engine,
		Recorder: a.recorder,
	})
}

// ensureTab connects to Chrome and makes sure a tab is active, opening url
// (or browser.start_url) when none is.
func (a *app) ensureTab(ctx context.Context, url string) error {
	if err := a.sessions.Start(ctx); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	if url == "" && a.sessions.ActiveSessionID() != "" {
		return nil
	}
	if url == "" {
		url = a.cfg.Browser.StartURL
	}
	if url == "" {
		return fmt.Errorf("no active tab: pass --url or set browser.start_url")
	}
	sess, err := a.sessions.CreateSession(ctx, url)
	if err != nil {
		return fmt.Errorf("open %s: %w", url, err)
	}
	log.Printf("[session:%s] opened %s", sess.ID, url)
	return nil
}

// close tears down links and the trace. The browser is left running when
// it was attached rather than launched.
func (a *app) close(ctx context.Context) {
	a.host.Close()
	if a.cfg.Browser.DebuggerURL == "" && a.sessions.IsConnected() {
		if err := a.sessions.Shutdown(ctx); err != nil {
			log.Printf("shutdown browser: %v", err)
		}
	}
	if a.recorder != nil {
		_ = a.recorder.Close()
	}
}
