// Package agent answers bridge requests inside a page. It owns the only path
// into the page's analytics SDK and the per-page highlight and picker sessions.
package agent

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tourdebug-mcp-server/internal/protocol"
)

//go:embed scripts/helpers.js
var helpersScript string

//go:embed scripts/capture.js
var captureScript string

// CaptureHookScript returns the early-load script that records the SDK
// instance from its debug-mode startup log line. It must run before any page
// script, e.g. through Page.addScriptToEvaluateOnNewDocument.
func CaptureHookScript() string {
	return captureScript
}

// callJS invokes one helper by name. Helpers that return promises are awaited
// and every failure is folded into {ok:false, error}.
const callJS = `(name, args) => {
	const api = window.__PH_TOUR_DEBUGGER__;
	if (!api) return { missing: true };
	const fail = (e) => ({ ok: false, error: String((e && e.message) || e) });
	try {
		const out = api[name].apply(api, args || []);
		if (out && typeof out.then === 'function') {
			return out.then((data) => ({ ok: true, data: data === undefined ? null : data }), fail);
		}
		return { ok: true, data: out === undefined ? null : out };
	} catch (e) {
		return fail(e);
	}
}`

// Page evaluates a JavaScript function in the page's main world. Arguments are
// passed as JSON; promises are awaited and the result is returned by value.
type Page interface {
	Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error)
}

// ScriptError is an exception raised by page code, carried verbatim.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string { return e.Message }

// ErrHelpersUnavailable is returned when the helper script cannot be installed.
var ErrHelpersUnavailable = errors.New("page helpers unavailable")

// Options tunes an Agent.
type Options struct {
	HighlightTTL time.Duration
	PickTimeout  time.Duration
	CallTimeout  time.Duration
}

// DefaultOptions returns the stock timings.
func DefaultOptions() Options {
	return Options{
		HighlightTTL: 2 * time.Second,
		PickTimeout:  30 * time.Second,
		CallTimeout:  5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HighlightTTL <= 0 {
		o.HighlightTTL = d.HighlightTTL
	}
	if o.PickTimeout <= 0 {
		o.PickTimeout = d.PickTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = d.CallTimeout
	}
	return o
}

// Agent serves bridge requests for one page.
type Agent struct {
	page        Page
	bus         *protocol.Bus
	opts        Options
	highlighter *Highlighter
	picker      *Picker

	installMu sync.Mutex
}

// New creates an agent for page that listens on bus.
func New(page Page, bus *protocol.Bus, opts Options) *Agent {
	opts = opts.withDefaults()
	a := &Agent{
		page: page,
		bus:  bus,
		opts: opts,
	}
	a.highlighter = newHighlighter(a, opts.HighlightTTL)
	a.picker = newPicker(a, opts.PickTimeout)
	return a
}

// Highlighter returns the page's highlight session.
func (a *Agent) Highlighter() *Highlighter { return a.highlighter }

// Picker returns the page's picker session.
func (a *Agent) Picker() *Picker { return a.picker }

// Install evaluates the helper script in the current document. Installing
// twice is harmless.
func (a *Agent) Install(ctx context.Context) error {
	a.installMu.Lock()
	defer a.installMu.Unlock()
	if _, err := a.page.Eval(ctx, helpersScript); err != nil {
		return fmt.Errorf("install page helpers: %w", err)
	}
	return nil
}

// Attach subscribes to page-bound envelopes and answers each on its own
// goroutine until ctx ends or the returned detach function is called.
func (a *Agent) Attach(ctx context.Context) (detach func()) {
	requests, unsubscribe := a.bus.Subscribe(protocol.TypeToPage)
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-requests:
				if !ok {
					return
				}
				wg.Add(1)
				go func(env protocol.Envelope) {
					defer wg.Done()
					a.respond(ctx, env)
				}(env)
			}
		}
	}()

	return func() {
		cancel()
		unsubscribe()
		wg.Wait()
	}
}

// Serve blocks answering requests until ctx ends.
func (a *Agent) Serve(ctx context.Context) {
	detach := a.Attach(ctx)
	<-ctx.Done()
	detach()
}

func (a *Agent) respond(ctx context.Context, env protocol.Envelope) {
	resp := a.Handle(ctx, env.Action, env.Payload)
	a.bus.Publish(protocol.Envelope{
		Type:      protocol.TypeToContent,
		Action:    env.Action,
		RequestID: env.RequestID,
		Data:      resp.Data,
		Error:     resp.Error,
	})
}

// Handle runs one action and always produces a response. Panics inside a
// handler are converted into error responses.
func (a *Agent) Handle(ctx context.Context, action protocol.Action, payload protocol.Payload) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[agent] %s panicked: %v", action, r)
			resp = protocol.ErrorResponse(fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, a.timeoutFor(action))
	defer cancel()
	return a.dispatch(ctx, action, payload)
}

func (a *Agent) timeoutFor(action protocol.Action) time.Duration {
	if action == protocol.ActionStartPickSelector {
		return a.opts.PickTimeout + a.opts.CallTimeout
	}
	return a.opts.CallTimeout
}

func (a *Agent) dispatch(ctx context.Context, action protocol.Action, payload protocol.Payload) protocol.Response {
	switch action {
	case protocol.ActionDetect:
		return a.detect(ctx)
	case protocol.ActionGetTours:
		return a.getTours(ctx)
	case protocol.ActionGetActiveTours:
		return a.getActiveTours(ctx)
	case protocol.ActionGetFlags:
		return a.getFlags(ctx)
	case protocol.ActionGetStorage:
		return a.getStorage(ctx)
	case protocol.ActionShowTour:
		return a.sdkAction(ctx, "productTours.showProductTour", payload["tourId"])
	case protocol.ActionDismissTour:
		return a.sdkAction(ctx, "productTours.dismissProductTour")
	case protocol.ActionResetTour:
		return a.sdkAction(ctx, "productTours.resetTour", payload["tourId"])
	case protocol.ActionResetAllTours:
		return a.sdkAction(ctx, "productTours.resetAllTours")
	case protocol.ActionClearCache:
		return a.sdkAction(ctx, "productTours.clearCache")
	case protocol.ActionNextStep:
		return a.sdkAction(ctx, "productTours.nextStep")
	case protocol.ActionPreviousStep:
		return a.sdkAction(ctx, "productTours.previousStep")
	case protocol.ActionCheckSelector:
		return a.checkSelector(ctx, payload.String("selector"))
	case protocol.ActionHighlightSelector:
		return a.highlightSelector(ctx, payload.String("selector"))
	case protocol.ActionStartPickSelector:
		return a.startPick(ctx)
	case protocol.ActionCancelPickSelector:
		return a.cancelPick(ctx)
	default:
		return protocol.ErrorResponse(fmt.Sprintf("Unknown action: %s", action))
	}
}

type callResult struct {
	Missing bool            `json:"missing"`
	OK      bool            `json:"ok"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// call runs a named helper, installing the helpers first when the document
// does not have them yet (fresh navigation).
func (a *Agent) call(ctx context.Context, name string, args ...interface{}) (json.RawMessage, error) {
	if args == nil {
		args = []interface{}{}
	}
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := a.page.Eval(ctx, callJS, name, args)
		if err != nil {
			return nil, err
		}
		var res callResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", name, err)
		}
		if res.Missing {
			if err := a.Install(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if !res.OK {
			return nil, &ScriptError{Message: res.Error}
		}
		if len(res.Data) == 0 {
			return protocol.Null, nil
		}
		return res.Data, nil
	}
	return nil, ErrHelpersUnavailable
}

// callInto runs a helper and decodes its result into v.
func (a *Agent) callInto(ctx context.Context, v interface{}, name string, args ...interface{}) error {
	raw, err := a.call(ctx, name, args...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s result: %w", name, err)
	}
	return nil
}

func errorResponse(err error) protocol.Response {
	return protocol.ErrorResponse(err.Error())
}
