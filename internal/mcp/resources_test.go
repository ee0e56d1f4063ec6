package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readResource(t *testing.T, contents []mcp.ResourceContents) map[string]interface{} {
	t.Helper()
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, resourceMIMEJSON, text.MIMEType)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func TestAboutResource(t *testing.T) {
	server, _ := newTestServer(t, readySender())
	req := mcp.ReadResourceRequest{}
	req.Params.URI = "tourdebug://about"

	contents, err := server.handleAboutResource(context.Background(), req)
	require.NoError(t, err)
	out := readResource(t, contents)
	assert.Equal(t, "test-server", out["name"])
	assert.NotEmpty(t, out["notes"])
}

func TestPanelResource(t *testing.T) {
	sender := readySender()
	server, _ := newTestServer(t, sender)
	ctx := context.Background()
	server.deps.Panel.Refresh(ctx)
	calls := len(sender.calls)

	req := mcp.ReadResourceRequest{}
	req.Params.URI = "tourdebug://panel"
	contents, err := server.handlePanelResource(ctx, req)
	require.NoError(t, err)
	out := readResource(t, contents)
	assert.Equal(t, true, out["ready"])
	assert.Len(t, out["tours"], 1)
	assert.Equal(t, calls, len(sender.calls), "reading the resource must not touch the page")

	empty, _ := NewServer(setupTestServerConfig(), Deps{})
	_, err = empty.handlePanelResource(ctx, req)
	assert.ErrorIs(t, err, errNoPanel)
}

func TestFactsResource(t *testing.T) {
	server, engine := newTestServer(t, readySender())
	recordTestTours(t, engine)
	ctx := context.Background()

	req := mcp.ReadResourceRequest{}
	req.Params.URI = "tourdebug://facts?predicate=tour_seen&limit=1"
	req.Params.Arguments = map[string]interface{}{
		"predicate": []string{"tour_seen"},
		"limit":     []string{"1"},
	}
	contents, err := server.handleFactsResource(ctx, req)
	require.NoError(t, err)
	out := readResource(t, contents)
	assert.Equal(t, "tour_seen", out["predicate"])
	assert.Equal(t, float64(1), out["count"])

	req.Params.Arguments = map[string]interface{}{}
	contents, err = server.handleFactsResource(ctx, req)
	require.NoError(t, err)
	out = readResource(t, contents)
	assert.Equal(t, float64(25), out["limit"])
}

func TestArgString(t *testing.T) {
	assert.Equal(t, "a", argString("a"))
	assert.Equal(t, "b", argString([]string{"b", "c"}))
	assert.Equal(t, "1", argString([]interface{}{1}))
	assert.Equal(t, "", argString(nil))
	assert.Equal(t, 0, asInt("x"))
	assert.Equal(t, 42, asInt([]string{"42"}))
}
