package agent

import (
	"context"
	"log"
	"sync"
	"time"

	"tourdebug-mcp-server/internal/protocol"
)

// SelectorReport is the result of checkSelector and highlightSelector.
type SelectorReport struct {
	Found   bool `json:"found"`
	Count   int  `json:"count"`
	Visible int  `json:"visible"`
}

type selectorCounts struct {
	Count   int `json:"count"`
	Visible int `json:"visible"`
}

func (c selectorCounts) report() SelectorReport {
	return SelectorReport{Found: c.Count > 0, Count: c.Count, Visible: c.Visible}
}

// AnalyzeSelector counts matches of selector and how many of them are
// rendered. Invalid selector syntax comes back as a ScriptError.
func (a *Agent) AnalyzeSelector(ctx context.Context, selector string) (SelectorReport, error) {
	var counts selectorCounts
	if err := a.callInto(ctx, &counts, "analyze", selector); err != nil {
		return SelectorReport{}, err
	}
	return counts.report(), nil
}

func (a *Agent) checkSelector(ctx context.Context, selector string) protocol.Response {
	report, err := a.AnalyzeSelector(ctx, selector)
	if err != nil {
		return errorResponse(err)
	}
	return protocol.DataResponse(report)
}

func (a *Agent) highlightSelector(ctx context.Context, selector string) protocol.Response {
	report, err := a.highlighter.Apply(ctx, selector)
	if err != nil {
		return errorResponse(err)
	}
	return protocol.DataResponse(report)
}

// Highlighter owns the single highlighted element set of a page. Applying a
// new selector clears the previous set first; one timer reverts the live set
// after the TTL.
type Highlighter struct {
	agent *Agent
	ttl   time.Duration

	mu         sync.Mutex
	generation uint64
	selector   string
	timer      *time.Timer
}

func newHighlighter(a *Agent, ttl time.Duration) *Highlighter {
	return &Highlighter{agent: a, ttl: ttl}
}

// Apply highlights every element matching selector.
func (h *Highlighter) Apply(ctx context.Context, selector string) (SelectorReport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var counts selectorCounts
	if err := h.agent.callInto(ctx, &counts, "highlight", selector); err != nil {
		return SelectorReport{}, err
	}

	h.generation++
	gen := h.generation
	h.selector = selector
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(h.ttl, func() { h.expire(gen) })
	return counts.report(), nil
}

// expire clears the highlight set if it is still the one armed by gen.
func (h *Highlighter) expire(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if gen != h.generation || h.selector == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.agent.opts.CallTimeout)
	defer cancel()
	if err := h.clearLocked(ctx); err != nil {
		log.Printf("[agent] highlight expiry for %q failed: %v", h.selector, err)
	}
}

// Clear removes the live highlight set immediately.
func (h *Highlighter) Clear(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clearLocked(ctx)
}

func (h *Highlighter) clearLocked(ctx context.Context) error {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.selector = ""
	_, err := h.agent.call(ctx, "clearHighlights")
	return err
}

// Active returns the selector currently highlighted, if any.
func (h *Highlighter) Active() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.selector, h.selector != ""
}
