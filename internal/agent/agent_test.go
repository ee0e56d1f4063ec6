package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tourdebug-mcp-server/internal/bridge"
	"tourdebug-mcp-server/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type helperFunc func(ctx context.Context, args []interface{}) (interface{}, error)

// fakePage emulates the installed helper object without a browser.
type fakePage struct {
	mu        sync.Mutex
	installed bool
	installs  int
	calls     []string
	helpers   map[string]helperFunc
}

func newFakePage() *fakePage {
	return &fakePage{helpers: make(map[string]helperFunc)}
}

func (f *fakePage) on(name string, fn helperFunc) *fakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.helpers[name] = fn
	return f
}

// withSDK answers "has" for the given capability paths.
func (f *fakePage) withSDK(paths ...string) *fakePage {
	known := make(map[string]bool, len(paths))
	for _, p := range paths {
		known[p] = true
	}
	return f.on("has", func(_ context.Context, args []interface{}) (interface{}, error) {
		return known[args[0].(string)], nil
	})
}

func (f *fakePage) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakePage) Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	if js == helpersScript {
		f.mu.Lock()
		f.installed = true
		f.installs++
		f.mu.Unlock()
		return json.RawMessage("true"), nil
	}
	if js != callJS {
		return nil, fmt.Errorf("unexpected script")
	}

	name := args[0].(string)
	callArgs, _ := args[1].([]interface{})

	f.mu.Lock()
	installed := f.installed
	f.calls = append(f.calls, name)
	fn := f.helpers[name]
	f.mu.Unlock()

	if !installed {
		return json.RawMessage(`{"missing":true}`), nil
	}
	if fn == nil {
		return json.Marshal(callResult{Error: fmt.Sprintf("api.%s is not a function", name)})
	}
	v, err := fn(ctx, callArgs)
	if err != nil {
		return json.Marshal(callResult{Error: err.Error()})
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(callResult{OK: true, Data: data})
}

func newTestAgent(page Page, opts Options) *Agent {
	return New(page, protocol.NewBus("test-tab"), opts)
}

func TestUnknownActionIsReported(t *testing.T) {
	a := newTestAgent(newFakePage(), Options{})
	resp := a.Handle(context.Background(), protocol.Action("launchRockets"), nil)
	assert.Equal(t, "Unknown action: launchRockets", resp.ErrorText())
	assert.Equal(t, "null", string(resp.Data))
}

func TestHelpersInstalledOnDemand(t *testing.T) {
	page := newFakePage().on("detect", func(context.Context, []interface{}) (interface{}, error) {
		return map[string]interface{}{"found": false, "version": nil, "toursEnabled": false}, nil
	})
	a := newTestAgent(page, Options{})

	resp := a.Handle(context.Background(), protocol.ActionDetect, nil)
	require.False(t, resp.Failed(), resp.ErrorText())
	assert.JSONEq(t, `{"found":false,"version":null,"toursEnabled":false}`, string(resp.Data))
	assert.Equal(t, 1, page.installs)

	a.Handle(context.Background(), protocol.ActionDetect, nil)
	assert.Equal(t, 1, page.installs)
}

func TestCapabilityMissing(t *testing.T) {
	page := newFakePage().withSDK()
	page.installed = true
	a := newTestAgent(page, Options{})

	resp := a.Handle(context.Background(), protocol.ActionShowTour, protocol.Payload{"tourId": "t1"})
	assert.Equal(t, "productTours.showProductTour not available", resp.ErrorText())
	assert.Equal(t, 0, page.callCount("invoke"))

	resp = a.Handle(context.Background(), protocol.ActionGetTours, nil)
	assert.Equal(t, "productTours.getProductTours not available", resp.ErrorText())
}

func TestSDKActionsReportSuccess(t *testing.T) {
	var mu sync.Mutex
	var invoked []string
	var gotArgs []interface{}
	page := newFakePage().
		withSDK(
			"productTours.showProductTour",
			"productTours.dismissProductTour",
			"productTours.resetTour",
			"productTours.resetAllTours",
			"productTours.clearCache",
			"productTours.nextStep",
			"productTours.previousStep",
		).
		on("invoke", func(_ context.Context, args []interface{}) (interface{}, error) {
			mu.Lock()
			defer mu.Unlock()
			invoked = append(invoked, args[0].(string))
			if args[0] == "productTours.showProductTour" {
				gotArgs = args[1].([]interface{})
			}
			return nil, nil
		})
	page.installed = true
	a := newTestAgent(page, Options{})

	actions := []protocol.Action{
		protocol.ActionShowTour, protocol.ActionDismissTour, protocol.ActionResetTour,
		protocol.ActionResetAllTours, protocol.ActionClearCache, protocol.ActionNextStep,
		protocol.ActionPreviousStep,
	}
	for _, action := range actions {
		resp := a.Handle(context.Background(), action, protocol.Payload{"tourId": "t1"})
		require.False(t, resp.Failed(), "%s: %s", action, resp.ErrorText())
		assert.JSONEq(t, `{"success":true}`, string(resp.Data))
	}
	assert.Len(t, invoked, len(actions))
	assert.Equal(t, []interface{}{"t1"}, gotArgs)
}

func TestSDKThrowSurfacesVerbatim(t *testing.T) {
	page := newFakePage().
		withSDK("productTours.nextStep").
		on("invoke", func(context.Context, []interface{}) (interface{}, error) {
			return nil, errors.New("No active tour")
		})
	page.installed = true
	a := newTestAgent(page, Options{})

	resp := a.Handle(context.Background(), protocol.ActionNextStep, nil)
	assert.Equal(t, "No active tour", resp.ErrorText())
}

func TestGetToursUsesCallbackArguments(t *testing.T) {
	page := newFakePage().
		withSDK("productTours.getProductTours", "productTours.getActiveProductTours").
		on("invokeCallback", func(_ context.Context, args []interface{}) (interface{}, error) {
			if args[0] == "productTours.getProductTours" {
				assert.Equal(t, []interface{}{true}, args[1])
				return []interface{}{
					[]map[string]string{{"id": "t1", "name": "Welcome"}},
					map[string]bool{"isLoaded": true},
				}, nil
			}
			return []interface{}{[]map[string]string{{"id": "t1"}}}, nil
		})
	page.installed = true
	a := newTestAgent(page, Options{})

	resp := a.Handle(context.Background(), protocol.ActionGetTours, nil)
	require.False(t, resp.Failed(), resp.ErrorText())
	assert.JSONEq(t, `{"tours":[{"id":"t1","name":"Welcome"}],"context":{"isLoaded":true}}`, string(resp.Data))

	resp = a.Handle(context.Background(), protocol.ActionGetActiveTours, nil)
	require.False(t, resp.Failed(), resp.ErrorText())
	assert.JSONEq(t, `{"tours":[{"id":"t1"}]}`, string(resp.Data))
}

func TestGetFlags(t *testing.T) {
	variants := map[string]interface{}{"beta": true, "exp": "test"}

	t.Run("with details", func(t *testing.T) {
		page := newFakePage().
			withSDK("featureFlags.getFlagVariants", "featureFlags.getFeatureFlagDetails").
			on("invoke", func(context.Context, []interface{}) (interface{}, error) { return variants, nil }).
			on("invokeEach", func(_ context.Context, args []interface{}) (interface{}, error) {
				keys := args[1].([]string)
				out := map[string]interface{}{}
				for _, k := range keys {
					out[k] = map[string]interface{}{"reason": map[string]string{"code": "condition_match"}}
				}
				return out, nil
			})
		page.installed = true
		resp := newTestAgent(page, Options{}).Handle(context.Background(), protocol.ActionGetFlags, nil)
		require.False(t, resp.Failed(), resp.ErrorText())

		var out struct {
			Flags       map[string]interface{}            `json:"flags"`
			FlagDetails map[string]map[string]interface{} `json:"flagDetails"`
		}
		require.NoError(t, resp.Decode(&out))
		assert.Equal(t, variants, out.Flags)
		assert.Len(t, out.FlagDetails, 2)
	})

	t.Run("without details", func(t *testing.T) {
		page := newFakePage().
			withSDK("featureFlags.getFlagVariants").
			on("invoke", func(context.Context, []interface{}) (interface{}, error) { return variants, nil })
		page.installed = true
		resp := newTestAgent(page, Options{}).Handle(context.Background(), protocol.ActionGetFlags, nil)
		require.False(t, resp.Failed(), resp.ErrorText())
		assert.JSONEq(t, `{"flags":{"beta":true,"exp":"test"},"flagDetails":{}}`, string(resp.Data))
		assert.Equal(t, 0, page.callCount("invokeEach"))
	})
}

func TestGetStorageClassifiesRecords(t *testing.T) {
	page := newFakePage().on("storage", func(_ context.Context, args []interface{}) (interface{}, error) {
		assert.Equal(t, "ph_product_tour_", args[0])
		assert.Equal(t, "ph_active_product_tour", args[1])
		return map[string]interface{}{
			"local": map[string]string{
				"ph_product_tour_shown_t1":     "1",
				"ph_product_tour_dismissed_t2": "1",
			},
			"active": `{"tourId":"t1","stepIndex":0}`,
		}, nil
	})
	page.installed = true
	resp := newTestAgent(page, Options{}).Handle(context.Background(), protocol.ActionGetStorage, nil)
	require.False(t, resp.Failed(), resp.ErrorText())

	var out struct {
		Shown      map[string]string `json:"shown"`
		Completed  map[string]string `json:"completed"`
		Dismissed  map[string]string `json:"dismissed"`
		ActiveTour struct {
			TourID string `json:"tourId"`
		} `json:"activeTour"`
	}
	require.NoError(t, resp.Decode(&out))
	assert.Len(t, out.Shown, 1)
	assert.Empty(t, out.Completed)
	assert.Len(t, out.Dismissed, 1)
	assert.Equal(t, "t1", out.ActiveTour.TourID)
}

func TestCheckSelector(t *testing.T) {
	page := newFakePage().on("analyze", func(_ context.Context, args []interface{}) (interface{}, error) {
		if args[0] == "[[" {
			return nil, errors.New("Failed to execute 'querySelectorAll' on 'Document': '[[' is not a valid selector.")
		}
		return map[string]int{"count": 3, "visible": 1}, nil
	})
	page.installed = true
	a := newTestAgent(page, Options{})

	resp := a.Handle(context.Background(), protocol.ActionCheckSelector, protocol.Payload{"selector": ".btn"})
	require.False(t, resp.Failed(), resp.ErrorText())
	assert.JSONEq(t, `{"found":true,"count":3,"visible":1}`, string(resp.Data))

	resp = a.Handle(context.Background(), protocol.ActionCheckSelector, protocol.Payload{"selector": "[["})
	assert.Contains(t, resp.ErrorText(), "is not a valid selector")
}

func TestHandlerPanicBecomesErrorResponse(t *testing.T) {
	page := newFakePage().on("detect", func(context.Context, []interface{}) (interface{}, error) {
		panic("boom")
	})
	page.installed = true
	resp := newTestAgent(page, Options{}).Handle(context.Background(), protocol.ActionDetect, nil)
	assert.Equal(t, "boom", resp.ErrorText())
}

func TestAttachAnswersBridgeRequests(t *testing.T) {
	page := newFakePage().on("detect", func(context.Context, []interface{}) (interface{}, error) {
		return map[string]interface{}{"found": true, "version": "1.330.0", "toursEnabled": true, "pageUrl": "https://example.com"}, nil
	})
	bus := protocol.NewBus("tab-1")
	defer bus.Close()

	a := New(page, bus, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	detach := a.Attach(ctx)
	defer detach()

	responses, stop := bus.Subscribe(protocol.TypeToContent)
	defer stop()
	b := bridge.New(bridge.BusTransport{Bus: bus}, bridge.Timeouts{Default: time.Second})
	go b.Listen(ctx, responses)

	resp := b.Send(ctx, protocol.ActionDetect, nil)
	require.False(t, resp.Failed(), resp.ErrorText())

	var detect DetectResult
	require.NoError(t, resp.Decode(&detect))
	assert.True(t, detect.Found)
	require.NotNil(t, detect.Version)
	assert.Equal(t, "1.330.0", *detect.Version)

	resp = b.Send(ctx, protocol.Action("bogus"), nil)
	assert.Equal(t, "Unknown action: bogus", resp.ErrorText())
}

func TestCaptureHookScript(t *testing.T) {
	script := CaptureHookScript()
	require.NotEmpty(t, script)
	assert.Contains(t, script, "[PostHog.js]")
	assert.Contains(t, script, "Starting in debug mode")
	assert.Contains(t, script, "__POSTHOG_INSTANCE__")
	assert.Contains(t, script, "originalLog.apply")
}
