// Package panel holds the tour debugger's UI state. The controller issues
// actions through the host and folds the results into a State; View derives
// everything a renderer needs from that state.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"tourdebug-mcp-server/internal/agent"
	"tourdebug-mcp-server/internal/eligibility"
	"tourdebug-mcp-server/internal/protocol"
)

// ToastTTL is how long a toast stays in the view.
const ToastTTL = 2500 * time.Millisecond

var errNoNavigator = errors.New("debug reload not available")

// TourActions are the SDK actions a user can trigger from the panel.
var TourActions = []protocol.Action{
	protocol.ActionShowTour,
	protocol.ActionDismissTour,
	protocol.ActionResetTour,
	protocol.ActionResetAllTours,
	protocol.ActionClearCache,
	protocol.ActionNextStep,
	protocol.ActionPreviousStep,
}

// IsTourAction reports whether a is one of TourActions.
func IsTourAction(a protocol.Action) bool {
	for _, t := range TourActions {
		if t == a {
			return true
		}
	}
	return false
}

// NeedsTourID reports whether a acts on one named tour.
func NeedsTourID(a protocol.Action) bool {
	return a == protocol.ActionShowTour || a == protocol.ActionResetTour
}

// Sender delivers an action to the active tab.
type Sender interface {
	SendAction(ctx context.Context, action protocol.Action, payload protocol.Payload) protocol.Response
}

// Navigator reloads the active tab with SDK debug mode enabled.
type Navigator interface {
	EnableDebug(ctx context.Context) (string, error)
}

// FactSink receives the panel's observations. *mangle.Engine implements it.
type FactSink interface {
	RecordSDK(ctx context.Context, found bool, version string, toursEnabled bool) error
	RecordTour(ctx context.Context, tour eligibility.Tour, report eligibility.Report) error
	RecordActiveTour(ctx context.Context, tourID string) error
	PruneTours(ctx context.Context, keep []string) ([]string, error)
}

// State is the panel's knowledge of the active page.
type State struct {
	Detected     bool                     `json:"detected"`
	Version      string                   `json:"version,omitempty"`
	VersionOK    bool                     `json:"versionOk"`
	ToursEnabled bool                     `json:"toursEnabled"`
	PageURL      string                   `json:"pageUrl,omitempty"`
	Tours        []eligibility.Tour       `json:"tours"`
	ToursContext json.RawMessage          `json:"toursContext,omitempty"`
	Flags        eligibility.FlagState    `json:"flags"`
	Storage      eligibility.StorageState `json:"storage"`
	Filter       string                   `json:"filter,omitempty"`
	Loading      bool                     `json:"loading"`
}

// Ready reports whether the tour section can be shown.
func (s State) Ready() bool {
	return s.Detected && s.VersionOK && s.ToursEnabled
}

// Toast is a transient message shown after a failed action.
type Toast struct {
	Message string    `json:"message"`
	Level   string    `json:"level"`
	At      time.Time `json:"at"`
}

// Options tunes a Controller.
type Options struct {
	MinVersion string
	Sink       FactSink
	Now        func() time.Time
}

// Controller owns the panel state. All methods are safe for concurrent use.
type Controller struct {
	sender     Sender
	nav        Navigator
	minVersion string
	sink       FactSink
	now        func() time.Time

	mu     sync.RWMutex
	state  State
	toasts []Toast
}

// NewController creates a controller. nav may be nil when debug reloads are
// not supported.
func NewController(sender Sender, nav Navigator, opts Options) *Controller {
	if opts.MinVersion == "" {
		opts.MinVersion = eligibility.DefaultMinVersion
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		sender:     sender,
		nav:        nav,
		minVersion: opts.MinVersion,
		sink:       opts.Sink,
		now:        opts.Now,
		state:      State{Storage: eligibility.EmptyStorage()},
	}
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetFilter narrows the tour list to ids and names containing text.
func (c *Controller) SetFilter(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Filter = strings.TrimSpace(text)
}

// Refresh re-reads everything from the page. Individual failures leave the
// affected part empty; Refresh itself never fails.
func (c *Controller) Refresh(ctx context.Context) {
	c.mu.Lock()
	c.state.Loading = true
	c.mu.Unlock()

	next := c.detect(ctx)

	var wg sync.WaitGroup
	switch {
	case next.Detected && next.VersionOK && next.ToursEnabled:
		wg.Add(3)
		go func() { defer wg.Done(); next.Tours, next.ToursContext = c.fetchTours(ctx) }()
		go func() { defer wg.Done(); next.Flags = c.fetchFlags(ctx) }()
		go func() { defer wg.Done(); next.Storage = c.fetchStorage(ctx) }()
	case next.Detected && next.VersionOK:
		wg.Add(2)
		go func() { defer wg.Done(); next.Flags = c.fetchFlags(ctx) }()
		go func() { defer wg.Done(); next.Storage = c.fetchStorage(ctx) }()
	}
	wg.Wait()

	c.mu.Lock()
	next.Filter = c.state.Filter
	next.Loading = false
	c.state = next
	c.mu.Unlock()

	c.record(ctx, next)
}

func (c *Controller) detect(ctx context.Context) State {
	next := State{Storage: eligibility.EmptyStorage()}
	resp := c.sender.SendAction(ctx, protocol.ActionDetect, nil)
	var res agent.DetectResult
	if resp.Failed() || !resp.HasData() || resp.Decode(&res) != nil {
		return next
	}
	next.Detected = res.Found
	if res.Version != nil {
		next.Version = *res.Version
	}
	next.VersionOK = eligibility.MeetsMinVersion(next.Version, c.minVersion)
	next.ToursEnabled = res.ToursEnabled
	next.PageURL = res.PageURL
	return next
}

func (c *Controller) fetchTours(ctx context.Context) ([]eligibility.Tour, json.RawMessage) {
	resp := c.sender.SendAction(ctx, protocol.ActionGetTours, nil)
	var res agent.ToursResult
	if resp.Failed() || resp.Decode(&res) != nil {
		return []eligibility.Tour{}, nil
	}
	var tours []eligibility.Tour
	if len(res.Tours) == 0 || json.Unmarshal(res.Tours, &tours) != nil || tours == nil {
		tours = []eligibility.Tour{}
	}
	var tourCtx json.RawMessage
	if len(res.Context) > 0 && string(res.Context) != "null" {
		tourCtx = res.Context
	}
	return tours, tourCtx
}

func (c *Controller) fetchFlags(ctx context.Context) eligibility.FlagState {
	resp := c.sender.SendAction(ctx, protocol.ActionGetFlags, nil)
	var flags eligibility.FlagState
	if resp.Failed() || resp.Decode(&flags) != nil {
		flags = eligibility.FlagState{}
	}
	if flags.Values == nil {
		flags.Values = map[string]interface{}{}
	}
	if flags.Details == nil {
		flags.Details = map[string]eligibility.FlagDetail{}
	}
	return flags
}

func (c *Controller) fetchStorage(ctx context.Context) eligibility.StorageState {
	resp := c.sender.SendAction(ctx, protocol.ActionGetStorage, nil)
	if resp.Failed() || !resp.HasData() {
		return eligibility.EmptyStorage()
	}
	storage := eligibility.EmptyStorage()
	if err := resp.Decode(&storage); err != nil {
		return eligibility.EmptyStorage()
	}
	if storage.Shown == nil {
		storage.Shown = map[string]string{}
	}
	if storage.Completed == nil {
		storage.Completed = map[string]string{}
	}
	if storage.Dismissed == nil {
		storage.Dismissed = map[string]string{}
	}
	return storage
}

func (c *Controller) record(ctx context.Context, s State) {
	if c.sink == nil {
		return
	}
	if err := c.sink.RecordSDK(ctx, s.Detected, s.Version, s.ToursEnabled); err != nil {
		log.Printf("[panel] record sdk: %v", err)
	}
	snap := eligibility.Snapshot{PageURL: s.PageURL, Flags: s.Flags, Storage: s.Storage}
	listed := make([]string, 0, len(s.Tours))
	for _, tour := range s.Tours {
		listed = append(listed, tour.ID)
		if err := c.sink.RecordTour(ctx, tour, eligibility.Evaluate(tour, snap)); err != nil {
			log.Printf("[panel] record tour %s: %v", tour.ID, err)
		}
	}
	if dropped, err := c.sink.PruneTours(ctx, listed); err != nil {
		log.Printf("[panel] prune tours: %v", err)
	} else if len(dropped) > 0 {
		log.Printf("[panel] forgot %d unlisted tours", len(dropped))
	}
	c.recordActive(ctx, s.Storage.ActiveTour)
}

func (c *Controller) recordActive(ctx context.Context, active *eligibility.ActiveTour) {
	if c.sink == nil {
		return
	}
	id := ""
	if active != nil {
		id = active.TourID
	}
	if err := c.sink.RecordActiveTour(ctx, id); err != nil {
		log.Printf("[panel] record active tour: %v", err)
	}
}

// Do sends action, turns a failure into a toast and refreshes.
func (c *Controller) Do(ctx context.Context, action protocol.Action, payload protocol.Payload) protocol.Response {
	resp := c.sender.SendAction(ctx, action, payload)
	if resp.Failed() {
		log.Printf("[panel] action %s failed: %s", action, resp.ErrorText())
		c.toast(resp.ErrorText(), "error")
	}
	c.Refresh(ctx)
	return resp
}

// EnableDebug reloads the active tab in SDK debug mode.
func (c *Controller) EnableDebug(ctx context.Context) (string, error) {
	if c.nav == nil {
		return "", errNoNavigator
	}
	target, err := c.nav.EnableDebug(ctx)
	if err != nil {
		c.toast(err.Error(), "error")
		return "", err
	}
	return target, nil
}

// PollActiveTour re-reads storage and reports whether the active tour
// record changed.
func (c *Controller) PollActiveTour(ctx context.Context) bool {
	storage := c.fetchStorage(ctx)

	c.mu.Lock()
	prev, _ := json.Marshal(c.state.Storage.ActiveTour)
	c.state.Storage = storage
	c.mu.Unlock()

	cur, _ := json.Marshal(storage.ActiveTour)
	if string(prev) == string(cur) {
		return false
	}
	c.recordActive(ctx, storage.ActiveTour)
	return true
}

// Watch polls the active tour every interval until ctx ends, calling
// onChange after each change.
func (c *Controller) Watch(ctx context.Context, interval time.Duration, onChange func()) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.PollActiveTour(ctx) && onChange != nil {
				onChange()
			}
		}
	}
}

func (c *Controller) toast(msg, level string) {
	if msg == "" {
		msg = "Something went wrong"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toasts = append(c.toasts, Toast{Message: msg, Level: level, At: c.now()})
}

// liveToasts drops expired toasts and returns the rest. Callers hold c.mu.
func (c *Controller) liveToasts() []Toast {
	now := c.now()
	kept := c.toasts[:0]
	for _, t := range c.toasts {
		if now.Sub(t.At) < ToastTTL {
			kept = append(kept, t)
		}
	}
	c.toasts = kept
	return append([]Toast(nil), kept...)
}

// View derives the renderable view from the current state.
func (c *Controller) View() View {
	c.mu.Lock()
	state := c.state
	toasts := c.liveToasts()
	c.mu.Unlock()

	v := BuildView(state, c.minVersion)
	v.Toasts = toasts
	return v
}
