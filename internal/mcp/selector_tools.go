package mcp

import (
	"context"
	"errors"
	"fmt"

	"tourdebug-mcp-server/internal/panel"
	"tourdebug-mcp-server/internal/protocol"
)

var errNoHost = errors.New("page host unavailable")

// sendSelector runs a selector action and unwraps the response.
func sendSelector(ctx context.Context, sender panel.Sender, action protocol.Action, args map[string]interface{}) (interface{}, error) {
	if sender == nil {
		return nil, errNoHost
	}
	selector := getStringArg(args, "selector")
	if selector == "" {
		return nil, fmt.Errorf("selector is required")
	}
	return pageResult(sender.SendAction(ctx, action, protocol.Payload{"selector": selector}))
}

func selectorSchema(description string) map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"selector": map[string]interface{}{
				"type":        "string",
				"description": description,
			},
		},
		"required": []string{"selector"},
	}
}

// CheckSelectorTool counts the elements a selector matches.
type CheckSelectorTool struct {
	sender panel.Sender
}

func (t *CheckSelectorTool) Name() string { return "check-selector" }
func (t *CheckSelectorTool) Description() string {
	return `Check how many elements a CSS selector matches on the active tab.

Use it to verify the target of a tour step before showing the tour.

Returns: {data: {found, count, visible}}; an invalid selector is a tool error.`
}
func (t *CheckSelectorTool) InputSchema() map[string]interface{} {
	return selectorSchema("CSS selector of the tour step target")
}
func (t *CheckSelectorTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return sendSelector(ctx, t.sender, protocol.ActionCheckSelector, args)
}

// HighlightSelectorTool outlines matching elements for a short time.
type HighlightSelectorTool struct {
	sender panel.Sender
}

func (t *HighlightSelectorTool) Name() string { return "highlight-selector" }
func (t *HighlightSelectorTool) Description() string {
	return `Outline the elements a CSS selector matches on the active tab.

The outline is removed after agent.highlight_ttl (2s). A new highlight
replaces the previous one.

Returns: {data: {found, count, visible}}`
}
func (t *HighlightSelectorTool) InputSchema() map[string]interface{} {
	return selectorSchema("CSS selector to outline")
}
func (t *HighlightSelectorTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return sendSelector(ctx, t.sender, protocol.ActionHighlightSelector, args)
}

// PickSelectorTool lets a human click an element and returns its selectors.
type PickSelectorTool struct {
	sender panel.Sender
}

func (t *PickSelectorTool) Name() string { return "pick-selector" }
func (t *PickSelectorTool) Description() string {
	return `Arm the element picker on the active tab and wait for a click.

A person must click an element in the browser window (Escape cancels). Blocks
for up to bridge.pick_timeout (30s). Only one picker can be armed per tab.

Returns: {data: {selector, uniqueSelector, tagName}} or {data: {cancelled: true}}`
}
func (t *PickSelectorTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *PickSelectorTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sender == nil {
		return nil, errNoHost
	}
	return pageResult(t.sender.SendAction(ctx, protocol.ActionStartPickSelector, nil))
}

// CancelPickTool disarms a running picker.
type CancelPickTool struct {
	sender panel.Sender
}

func (t *CancelPickTool) Name() string { return "cancel-pick" }
func (t *CancelPickTool) Description() string {
	return `Disarm the element picker on the active tab.

Returns: {data: {cancelled}}; cancelled is false when no picker was armed.`
}
func (t *CancelPickTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *CancelPickTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sender == nil {
		return nil, errNoHost
	}
	return pageResult(t.sender.SendAction(ctx, protocol.ActionCancelPickSelector, nil))
}
