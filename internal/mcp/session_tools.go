package mcp

import (
	"context"
	"errors"
	"fmt"

	"tourdebug-mcp-server/internal/browser"
)

var errNoBrowser = errors.New("browser sessions unavailable")

// LaunchBrowserTool starts Chrome using the configured launch command.
type LaunchBrowserTool struct {
	sessions *browser.SessionManager
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start the Chrome instance the tour debugger drives.

CALL THIS FIRST unless the server was started with browser auto-start.

WHAT IT DOES:
- Connects to browser.debugger_url or launches browser.launch
- Registers the SDK capture hook for every new tab
- Idempotent: safe to call if already running

TYPICAL WORKFLOW:
1. launch-browser
2. create-session(url)   -> opens the app under test
3. tour-status           -> SDK, tours and eligibility

Returns: {status: "started"|"already_connected", control_url}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	if t.sessions.IsConnected() {
		return map[string]interface{}{
			"status":      "already_connected",
			"control_url": t.sessions.ControlURL(),
		}, nil
	}

	if err := t.sessions.Start(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      "started",
		"control_url": t.sessions.ControlURL(),
	}, nil
}

// ShutdownBrowserTool stops the managed Chrome instance and clears sessions.
type ShutdownBrowserTool struct {
	sessions *browser.SessionManager
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Stop Chrome and close every tracked tab.

Pending page requests of closed tabs fail; facts and traces are kept.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	if err := t.sessions.Shutdown(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": "stopped",
	}, nil
}

type ListSessionsTool struct {
	sessions *browser.SessionManager
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List the browser tabs known to the debugger.

The active tab (marked active=true) receives every tour and selector action.
Detached entries come from a previous run and must be re-attached.

Returns: {sessions: [{id, target_id, url, title, status, active}], active}`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	return map[string]interface{}{
		"sessions": t.sessions.List(),
		"active":   t.sessions.ActiveSessionID(),
	}, nil
}

type CreateSessionTool struct {
	sessions *browser.SessionManager
	startURL string
}

func (t *CreateSessionTool) Name() string { return "create-session" }
func (t *CreateSessionTool) Description() string {
	return `Open a new tab and make it the active tab.

The SDK capture hook runs before the page's own scripts, so the SDK instance
is found even when it is not exposed on window.

Returns: {session: {id, url, title}}`
}
func (t *CreateSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to open (defaults to browser.start_url)",
			},
		},
	}
}
func (t *CreateSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	url := getStringArg(args, "url")
	if url == "" {
		url = t.startURL
	}

	sess, err := t.sessions.CreateSession(ctx, url)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{"session": sess}, nil
}

type AttachSessionTool struct {
	sessions *browser.SessionManager
}

func (t *AttachSessionTool) Name() string { return "attach-session" }
func (t *AttachSessionTool) Description() string {
	return `Attach to an existing Chrome tab by its CDP TargetID and make it active.

The page helpers are installed into the current document right away; the
capture hook only applies from the next navigation on.

Returns: {session: {id, url, title}}`
}
func (t *AttachSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target_id": map[string]interface{}{
				"type":        "string",
				"description": "CDP TargetID to attach",
			},
		},
		"required": []string{"target_id"},
	}
}
func (t *AttachSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	targetID := getStringArg(args, "target_id")
	if targetID == "" {
		return nil, fmt.Errorf("target_id is required")
	}

	sess, err := t.sessions.Attach(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session": sess}, nil
}

// SelectSessionTool switches the active tab.
type SelectSessionTool struct {
	sessions *browser.SessionManager
}

func (t *SelectSessionTool) Name() string { return "select-session" }
func (t *SelectSessionTool) Description() string {
	return `Make another tracked tab the active tab.

Returns: {active: session_id}`
}
func (t *SelectSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session to activate",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *SelectSessionTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if err := t.sessions.Select(sessionID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"active": sessionID}, nil
}

// CloseSessionTool closes one tab.
type CloseSessionTool struct {
	sessions *browser.SessionManager
}

func (t *CloseSessionTool) Name() string { return "close-session" }
func (t *CloseSessionTool) Description() string {
	return `Close a tracked tab. Requests still pending on it fail.

Returns: {closed: session_id, active}`
}
func (t *CloseSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session to close",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *CloseSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if err := t.sessions.CloseSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"closed": sessionID,
		"active": t.sessions.ActiveSessionID(),
	}, nil
}
