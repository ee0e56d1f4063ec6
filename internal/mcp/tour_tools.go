package mcp

import (
	"context"
	"errors"
	"fmt"

	"tourdebug-mcp-server/internal/panel"
	"tourdebug-mcp-server/internal/protocol"
)

var errNoPanel = errors.New("tour panel unavailable")

func actionNames(actions []protocol.Action) []string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	return names
}

// TourStatusTool refreshes the panel and returns its view.
type TourStatusTool struct {
	panel *panel.Controller
}

func (t *TourStatusTool) Name() string { return "tour-status" }
func (t *TourStatusTool) Description() string {
	return `Inspect the product tour SDK on the active tab.

USE THIS FIRST after opening the app under test.

WHAT IT RETURNS:
- status: SDK detection, version gate and Tours API availability
- activeTour: the tour on screen with its step, when any
- tours: every tour with badges, five eligibility judgments
  (launch, url, frequency, targeting flag, linked flag) and storage badges
- actions: buttons with the action name and tourId to pass to tour-action

When status.enableDebug is true the SDK was not found; call enable-debug and
then tour-status again.`
}
func (t *TourStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"filter": map[string]interface{}{
				"type":        "string",
				"description": "Only list tours whose id or name contains this text (case-insensitive)",
			},
			"refresh": map[string]interface{}{
				"type":        "boolean",
				"description": "Re-read the page before answering (default true)",
			},
		},
	}
}
func (t *TourStatusTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.panel == nil {
		return nil, errNoPanel
	}
	if _, ok := args["filter"]; ok {
		t.panel.SetFilter(getStringArg(args, "filter"))
	}
	if getBoolArg(args, "refresh", true) {
		t.panel.Refresh(ctx)
	}
	state := t.panel.State()
	return map[string]interface{}{
		"page_url": state.PageURL,
		"view":     t.panel.View(),
	}, nil
}

// TourActionTool triggers an SDK tour action and returns the refreshed view.
type TourActionTool struct {
	panel *panel.Controller
}

func (t *TourActionTool) Name() string { return "tour-action" }
func (t *TourActionTool) Description() string {
	return `Drive the product tour SDK on the active tab.

ACTIONS:
- showTour(tour_id), resetTour(tour_id)
- dismissTour, nextStep, previousStep: act on the tour on screen
- resetAllTours, clearCache

The panel refreshes after every action. SDK errors (missing API, thrown
exception, timeout) come back as tool errors.

Returns: {action, result, view}`
}
func (t *TourActionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        actionNames(panel.TourActions),
				"description": "SDK action to run",
			},
			"tour_id": map[string]interface{}{
				"type":        "string",
				"description": "Tour id for showTour and resetTour",
			},
		},
		"required": []string{"action"},
	}
}
func (t *TourActionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.panel == nil {
		return nil, errNoPanel
	}
	name := getStringArg(args, "action")
	action := protocol.Action(name)
	if !panel.IsTourAction(action) {
		return nil, fmt.Errorf("unsupported tour action: %q", name)
	}

	var payload protocol.Payload
	if panel.NeedsTourID(action) {
		tourID := getStringArg(args, "tour_id")
		if tourID == "" {
			return nil, fmt.Errorf("tour_id is required for %s", action)
		}
		payload = protocol.Payload{"tourId": tourID}
	}

	resp := t.panel.Do(ctx, action, payload)
	if resp.Failed() {
		return nil, errors.New(resp.ErrorText())
	}
	return map[string]interface{}{
		"action": action,
		"result": resp.Data,
		"view":   t.panel.View(),
	}, nil
}

// PollActiveTourTool re-reads the active tour record.
type PollActiveTourTool struct {
	panel *panel.Controller
}

func (t *PollActiveTourTool) Name() string { return "poll-active-tour" }
func (t *PollActiveTourTool) Description() string {
	return `Re-read only the active tour record from session storage.

Cheaper than tour-status; use it while stepping through a tour.

Returns: {changed, activeTour}`
}
func (t *PollActiveTourTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *PollActiveTourTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.panel == nil {
		return nil, errNoPanel
	}
	changed := t.panel.PollActiveTour(ctx)
	return map[string]interface{}{
		"changed":    changed,
		"activeTour": t.panel.View().Banner,
	}, nil
}

// EnableDebugTool reloads the active tab in SDK debug mode.
type EnableDebugTool struct {
	panel *panel.Controller
}

func (t *EnableDebugTool) Name() string { return "enable-debug" }
func (t *EnableDebugTool) Description() string {
	return `Reload the active tab with ?__posthog_debug=true.

In debug mode the SDK logs its instance at startup, which lets the debugger
find it even when it is not exposed on window. When the parameter is already
present the tab is simply reloaded.

Returns: {url}`
}
func (t *EnableDebugTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *EnableDebugTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.panel == nil {
		return nil, errNoPanel
	}
	target, err := t.panel.EnableDebug(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"url": target}, nil
}

// PageActionTool sends any action to the page agent and returns the raw
// response.
type PageActionTool struct {
	sender panel.Sender
}

func (t *PageActionTool) Name() string { return "page-action" }
func (t *PageActionTool) Description() string {
	return `Send a raw action to the page agent and return its {data, error} response.

Low-level escape hatch: detect, getTours, getActiveTours, getFlags and
getStorage return the SDK data unprocessed. Unknown actions are answered with
an "Unknown action" error rather than failing the tool.`
}
func (t *PageActionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "Action name, e.g. " + string(protocol.ActionGetActiveTours),
			},
			"payload": map[string]interface{}{
				"type":        "object",
				"description": "Optional action payload",
			},
		},
		"required": []string{"action"},
	}
}
func (t *PageActionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.sender == nil {
		return nil, errNoHost
	}
	name := getStringArg(args, "action")
	if name == "" {
		return nil, fmt.Errorf("action is required")
	}
	action, _ := protocol.ParseAction(name)
	var payload protocol.Payload
	if raw, ok := args["payload"].(map[string]interface{}); ok {
		payload = protocol.Payload(raw)
	}
	return t.sender.SendAction(ctx, action, payload), nil
}
