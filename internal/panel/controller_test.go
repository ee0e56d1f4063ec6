package panel

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"tourdebug-mcp-server/internal/eligibility"
	"tourdebug-mcp-server/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu        sync.Mutex
	responses map[protocol.Action]protocol.Response
	calls     []protocol.Action
	payloads  []protocol.Payload
}

func newFakeSender() *fakeSender {
	return &fakeSender{responses: make(map[protocol.Action]protocol.Response)}
}

func (f *fakeSender) set(action protocol.Action, data string) *fakeSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[action] = protocol.Response{Data: json.RawMessage(data)}
	return f
}

func (f *fakeSender) fail(action protocol.Action, msg string) *fakeSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[action] = protocol.ErrorResponse(msg)
	return f
}

func (f *fakeSender) SendAction(_ context.Context, action protocol.Action, payload protocol.Payload) protocol.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action)
	f.payloads = append(f.payloads, payload)
	resp, ok := f.responses[action]
	if !ok {
		return protocol.ErrorResponse("Empty response")
	}
	return resp
}

// sortedCalls returns the actions sent so far in a stable order; concurrent
// fetches arrive in any order.
func (f *fakeSender) sortedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.payloads = nil
}

type fakeSink struct {
	mu      sync.Mutex
	sdk     []string
	tours   []string
	active  []string
	kept    [][]string
	reports []eligibility.Report
}

func (s *fakeSink) RecordSDK(_ context.Context, found bool, version string, toursEnabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sdk = append(s.sdk, version)
	return nil
}

func (s *fakeSink) RecordTour(_ context.Context, tour eligibility.Tour, report eligibility.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tours = append(s.tours, tour.ID)
	s.reports = append(s.reports, report)
	return nil
}

func (s *fakeSink) RecordActiveTour(_ context.Context, tourID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = append(s.active, tourID)
	return nil
}

func (s *fakeSink) PruneTours(_ context.Context, keep []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kept = append(s.kept, keep)
	return nil, nil
}

type fakeNavigator struct {
	target string
	err    error
	calls  int
}

func (n *fakeNavigator) EnableDebug(context.Context) (string, error) {
	n.calls++
	return n.target, n.err
}

const (
	detectReady    = `{"found":true,"version":"1.330.0","toursEnabled":true,"pageUrl":"https://app.example.com/pricing"}`
	toursPayload   = `{"tours":[{"id":"tour-1","name":"Welcome","steps":[{"type":"modal"},{"type":"element"}],"start_date":"2024-05-01T00:00:00Z","conditions":{"url":"/pricing"}},{"id":"ann-1","name":"Launch","steps":[{"type":"modal"}]}],"context":{"source":"api"}}`
	flagsPayload   = `{"flags":{"beta":true},"flagDetails":{"beta":{"reason":{"code":"condition_match"}}}}`
	storagePayload = `{"shown":{"ph_product_tour_tour-1_shown":"1"},"completed":{},"dismissed":{},"activeTour":{"tourId":"tour-1","stepIndex":0}}`
)

func readySender() *fakeSender {
	return newFakeSender().
		set(protocol.ActionDetect, detectReady).
		set(protocol.ActionGetTours, toursPayload).
		set(protocol.ActionGetFlags, flagsPayload).
		set(protocol.ActionGetStorage, storagePayload)
}

func TestRefreshFetchesEverythingWhenReady(t *testing.T) {
	sender := readySender()
	sink := &fakeSink{}
	c := NewController(sender, nil, Options{Sink: sink})

	c.Refresh(context.Background())

	assert.Equal(t, []string{"detect", "getFlags", "getStorage", "getTours"}, sender.sortedCalls())
	s := c.State()
	assert.True(t, s.Ready())
	assert.False(t, s.Loading)
	assert.Equal(t, "1.330.0", s.Version)
	assert.Equal(t, "https://app.example.com/pricing", s.PageURL)
	require.Len(t, s.Tours, 2)
	assert.JSONEq(t, `{"source":"api"}`, string(s.ToursContext))
	assert.True(t, s.Flags.Enabled("beta"))
	require.NotNil(t, s.Storage.ActiveTour)
	assert.Equal(t, "tour-1", s.Storage.ActiveTour.TourID)

	assert.Equal(t, []string{"1.330.0"}, sink.sdk)
	assert.Equal(t, []string{"tour-1", "ann-1"}, sink.tours)
	assert.Equal(t, []string{"tour-1"}, sink.active)
	assert.Equal(t, [][]string{{"tour-1", "ann-1"}}, sink.kept)
	assert.Equal(t, eligibility.Pass, sink.reports[0].URL.Verdict)
}

func TestRefreshWithoutToursAPI(t *testing.T) {
	sender := readySender().set(protocol.ActionDetect, `{"found":true,"version":"1.330.0","toursEnabled":false}`)
	c := NewController(sender, nil, Options{})

	c.Refresh(context.Background())

	assert.Equal(t, []string{"detect", "getFlags", "getStorage"}, sender.sortedCalls())
	s := c.State()
	assert.False(t, s.Ready())
	assert.Empty(t, s.Tours)
	assert.True(t, s.Flags.Enabled("beta"))
}

func TestRefreshWithOldSDK(t *testing.T) {
	sender := readySender().set(protocol.ActionDetect, `{"found":true,"version":"1.200.0","toursEnabled":true}`)
	c := NewController(sender, nil, Options{})

	c.Refresh(context.Background())

	assert.Equal(t, []string{"detect"}, sender.sortedCalls())
	assert.False(t, c.State().VersionOK)
	assert.Equal(t, LevelError, c.View().Status.Level)
}

func TestRefreshWhenDetectFails(t *testing.T) {
	sender := readySender().fail(protocol.ActionDetect, "No active tab")
	c := NewController(sender, nil, Options{})

	c.Refresh(context.Background())

	assert.Equal(t, []string{"detect"}, sender.sortedCalls())
	s := c.State()
	assert.False(t, s.Detected)
	assert.Empty(t, s.Version)
	assert.NotNil(t, s.Storage.Shown)
}

func TestRefreshDegradesFailedFetches(t *testing.T) {
	sender := readySender().
		fail(protocol.ActionGetTours, "Timeout: no response from page script (5s)").
		fail(protocol.ActionGetFlags, "featureFlags.getFlagVariants not available").
		set(protocol.ActionGetStorage, `null`)
	c := NewController(sender, nil, Options{})

	c.Refresh(context.Background())

	s := c.State()
	assert.True(t, s.Ready())
	assert.NotNil(t, s.Tours)
	assert.Empty(t, s.Tours)
	assert.Empty(t, s.Flags.Values)
	assert.Nil(t, s.Storage.ActiveTour)
	assert.NotNil(t, s.Storage.Dismissed)
	assert.Equal(t, EmptyNoTours, c.View().Empty)
}

func TestRefreshKeepsFilter(t *testing.T) {
	c := NewController(readySender(), nil, Options{})
	c.SetFilter("  launch ")
	c.Refresh(context.Background())

	assert.Equal(t, "launch", c.State().Filter)
	v := c.View()
	require.Len(t, v.Cards, 1)
	assert.Equal(t, "ann-1", v.Cards[0].ID)
}

func TestDoRecordsToastAndRefreshes(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	sender := readySender().fail(protocol.ActionShowTour, "productTours.showProductTour not available")
	c := NewController(sender, nil, Options{Now: func() time.Time { return now }})

	resp := c.Do(context.Background(), protocol.ActionShowTour, protocol.Payload{"tourId": "tour-1"})
	assert.True(t, resp.Failed())
	assert.Equal(t, protocol.Payload{"tourId": "tour-1"}, sender.payloads[0])
	assert.Contains(t, sender.sortedCalls(), "detect")

	v := c.View()
	require.Len(t, v.Toasts, 1)
	assert.Equal(t, "productTours.showProductTour not available", v.Toasts[0].Message)
	assert.Equal(t, "error", v.Toasts[0].Level)

	now = now.Add(ToastTTL)
	assert.Empty(t, c.View().Toasts)
}

func TestDoSuccessLeavesNoToast(t *testing.T) {
	sender := readySender().set(protocol.ActionNextStep, `{"success":true}`)
	c := NewController(sender, nil, Options{})

	resp := c.Do(context.Background(), protocol.ActionNextStep, nil)
	assert.False(t, resp.Failed())
	assert.Empty(t, c.View().Toasts)
}

func TestPollActiveTourDetectsChanges(t *testing.T) {
	sender := readySender()
	sink := &fakeSink{}
	c := NewController(sender, nil, Options{Sink: sink})
	c.Refresh(context.Background())
	sink.active = nil

	assert.False(t, c.PollActiveTour(context.Background()), "same record")

	sender.set(protocol.ActionGetStorage, `{"shown":{},"completed":{},"dismissed":{},"activeTour":{"tourId":"tour-1","stepIndex":1}}`)
	assert.True(t, c.PollActiveTour(context.Background()))
	assert.Equal(t, 1, *c.State().Storage.ActiveTour.StepIndex)

	sender.set(protocol.ActionGetStorage, `{"shown":{},"completed":{},"dismissed":{},"activeTour":null}`)
	assert.True(t, c.PollActiveTour(context.Background()))
	assert.Nil(t, c.State().Storage.ActiveTour)

	assert.False(t, c.PollActiveTour(context.Background()))
	assert.Equal(t, []string{"tour-1", ""}, sink.active)
}

func TestWatchCallsOnChange(t *testing.T) {
	sender := readySender()
	c := NewController(sender, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	changed := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Watch(ctx, 5*time.Millisecond, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("watch never reported the new active tour")
	}
	cancel()
	<-done
}

func TestEnableDebug(t *testing.T) {
	c := NewController(newFakeSender(), nil, Options{})
	_, err := c.EnableDebug(context.Background())
	assert.ErrorIs(t, err, errNoNavigator)

	nav := &fakeNavigator{target: "https://example.com/?__posthog_debug=true"}
	c = NewController(newFakeSender(), nav, Options{})
	target, err := c.EnableDebug(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nav.target, target)

	nav.err = errors.New("No active tab")
	_, err = c.EnableDebug(context.Background())
	assert.Error(t, err)
	require.Len(t, c.View().Toasts, 1)
	assert.Equal(t, "No active tab", c.View().Toasts[0].Message)
}

func TestTourActions(t *testing.T) {
	for _, a := range TourActions {
		assert.True(t, IsTourAction(a), a)
		assert.True(t, a.Known(), a)
	}
	assert.False(t, IsTourAction(protocol.ActionGetTours))
	assert.False(t, IsTourAction(protocol.Action("fly")))

	assert.True(t, NeedsTourID(protocol.ActionShowTour))
	assert.True(t, NeedsTourID(protocol.ActionResetTour))
	assert.False(t, NeedsTourID(protocol.ActionDismissTour))
	assert.False(t, NeedsTourID(protocol.ActionResetAllTours))
}
