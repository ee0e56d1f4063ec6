package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"tourdebug-mcp-server/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func highlightPage(clears *atomic.Int32) *fakePage {
	page := newFakePage().
		on("highlight", func(context.Context, []interface{}) (interface{}, error) {
			return map[string]int{"count": 2, "visible": 2}, nil
		}).
		on("clearHighlights", func(context.Context, []interface{}) (interface{}, error) {
			clears.Add(1)
			return 2, nil
		})
	page.installed = true
	return page
}

func TestHighlightRevertsAfterTTL(t *testing.T) {
	var clears atomic.Int32
	a := newTestAgent(highlightPage(&clears), Options{HighlightTTL: 30 * time.Millisecond})

	resp := a.Handle(context.Background(), protocol.ActionHighlightSelector, protocol.Payload{"selector": ".cta"})
	require.False(t, resp.Failed(), resp.ErrorText())
	assert.JSONEq(t, `{"found":true,"count":2,"visible":2}`, string(resp.Data))

	sel, active := a.Highlighter().Active()
	assert.True(t, active)
	assert.Equal(t, ".cta", sel)

	assert.Eventually(t, func() bool { return clears.Load() == 1 }, time.Second, 5*time.Millisecond)
	_, active = a.Highlighter().Active()
	assert.False(t, active)
}

func TestRepeatedHighlightKeepsSingleTimer(t *testing.T) {
	var clears atomic.Int32
	a := newTestAgent(highlightPage(&clears), Options{HighlightTTL: 40 * time.Millisecond})
	h := a.Highlighter()

	for i := 0; i < 5; i++ {
		_, err := h.Apply(context.Background(), ".cta")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), clears.Load())
}

func TestHighlightClearStopsTimer(t *testing.T) {
	var clears atomic.Int32
	a := newTestAgent(highlightPage(&clears), Options{HighlightTTL: 30 * time.Millisecond})
	h := a.Highlighter()

	_, err := h.Apply(context.Background(), "#hero")
	require.NoError(t, err)
	require.NoError(t, h.Clear(context.Background()))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), clears.Load())
}

func TestHighlightInvalidSelector(t *testing.T) {
	page := newFakePage().on("highlight", func(context.Context, []interface{}) (interface{}, error) {
		return nil, errors.New("'##' is not a valid selector")
	})
	page.installed = true
	a := newTestAgent(page, Options{})

	_, err := a.Highlighter().Apply(context.Background(), "##")
	var scriptErr *ScriptError
	require.ErrorAs(t, err, &scriptErr)
	_, active := a.Highlighter().Active()
	assert.False(t, active)
}
