// Package host links every browser session to its page agent. Each tab gets
// its own bus, bridge and agent; callers address whichever tab is active.
package host

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"

	"tourdebug-mcp-server/internal/agent"
	"tourdebug-mcp-server/internal/bridge"
	"tourdebug-mcp-server/internal/browser"
	"tourdebug-mcp-server/internal/config"
	"tourdebug-mcp-server/internal/mangle"
	"tourdebug-mcp-server/internal/protocol"
	"tourdebug-mcp-server/internal/recorder"
)

// Error texts returned in place of a page response.
const (
	ErrNoActiveTab   = "No active tab"
	ErrEmptyResponse = "Empty response"
)

var errNoActiveTab = errors.New(ErrNoActiveTab)

// DebugParam is the query parameter that starts the SDK in debug mode.
const DebugParam = "__posthog_debug"

// Tabs is the part of the session manager the host drives.
type Tabs interface {
	ActiveSessionID() string
	CurrentURL(ctx context.Context, sessionID string) (string, error)
	Navigate(ctx context.Context, sessionID, url string) error
	Reload(ctx context.Context, sessionID string) error
}

// Options wires the host to its collaborators. Recorder and Engine are
// optional.
type Options struct {
	Agent    agent.Options
	Timeouts bridge.Timeouts
	Recorder *recorder.Recorder
	Engine   *mangle.Engine
}

// OptionsFromConfig derives agent and bridge timings from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Agent: agent.Options{
			HighlightTTL: cfg.Agent.Highlight(),
			PickTimeout:  cfg.Bridge.Pick(),
			CallTimeout:  cfg.Bridge.Default(),
		},
		Timeouts: bridge.Timeouts{
			Default: cfg.Bridge.Default(),
			Pick:    cfg.Bridge.Pick(),
		},
	}
}

type link struct {
	bus    *protocol.Bus
	bridge *bridge.Bridge
	agent  *agent.Agent
	ready  atomic.Bool
	cancel context.CancelFunc
	detach func()
	done   chan struct{}
}

// Host implements browser.Listener and routes actions to the active tab.
type Host struct {
	tabs Tabs
	opts Options

	mu    sync.Mutex
	links map[string]*link
}

var _ browser.Listener = (*Host)(nil)

// New creates a host over tabs.
func New(tabs Tabs, opts Options) *Host {
	return &Host{
		tabs:  tabs,
		opts:  opts,
		links: make(map[string]*link),
	}
}

// SessionOpened builds the tab's link and installs the page helpers when the
// current document accepts scripts.
func (h *Host) SessionOpened(ctx context.Context, sessionID string, page browser.Evaluator) {
	bus := protocol.NewBus(sessionID)
	observers := []bridge.Observer{}
	if h.opts.Recorder != nil {
		observers = append(observers, h.opts.Recorder.Observer(sessionID))
	}
	if h.opts.Engine != nil {
		observers = append(observers, mangle.NewBridgeObserver(h.opts.Engine))
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	l := &link{
		bus:    bus,
		bridge: bridge.New(bridge.BusTransport{Bus: bus}, h.opts.Timeouts, bridge.WithObserver(bridge.Observers(observers...))),
		agent:  agent.New(page, bus, h.opts.Agent),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.detach = l.agent.Attach(linkCtx)
	responses, unsubscribe := bus.Subscribe(protocol.TypeToContent)
	go func() {
		defer close(l.done)
		defer unsubscribe()
		l.bridge.Listen(linkCtx, responses)
	}()

	h.mu.Lock()
	old := h.links[sessionID]
	h.links[sessionID] = l
	h.mu.Unlock()
	if old != nil {
		old.close()
	}

	current := ""
	if h.tabs != nil {
		current, _ = h.tabs.CurrentURL(ctx, sessionID)
	}
	h.record(recorder.EventSessionOpened, sessionID, map[string]string{"url": current})
	h.install(ctx, sessionID, l, current)
}

// SessionLoaded reinstalls the page helpers after a completed navigation.
func (h *Host) SessionLoaded(ctx context.Context, sessionID, pageURL string) {
	l := h.link(sessionID)
	if l == nil {
		return
	}
	h.record(recorder.EventNavigation, sessionID, map[string]string{"url": pageURL})
	h.install(ctx, sessionID, l, pageURL)
}

// SessionClosed tears down the tab's link.
func (h *Host) SessionClosed(sessionID string) {
	h.mu.Lock()
	l := h.links[sessionID]
	delete(h.links, sessionID)
	h.mu.Unlock()
	if l == nil {
		return
	}
	l.close()
	h.record(recorder.EventSessionClosed, sessionID, nil)
}

// Close tears down every link.
func (h *Host) Close() {
	h.mu.Lock()
	links := h.links
	h.links = make(map[string]*link)
	h.mu.Unlock()
	for _, l := range links {
		l.close()
	}
}

func (h *Host) install(ctx context.Context, sessionID string, l *link, pageURL string) {
	if !browser.Injectable(pageURL) {
		l.ready.Store(false)
		return
	}
	if err := l.agent.Install(ctx); err != nil {
		log.Printf("[session:%s] install helpers: %v", sessionID, err)
		l.ready.Store(false)
		return
	}
	l.ready.Store(true)
}

func (h *Host) link(sessionID string) *link {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.links[sessionID]
}

func (h *Host) record(eventType, sessionID string, data interface{}) {
	if h.opts.Recorder != nil {
		h.opts.Recorder.Log(eventType, sessionID, data)
	}
}

func (l *link) close() {
	l.detach()
	l.cancel()
	l.bus.Close()
	<-l.done
}

// SendAction sends action to the active tab's agent and waits for its
// response. It never returns a Go error; failures are error responses.
func (h *Host) SendAction(ctx context.Context, action protocol.Action, payload protocol.Payload) protocol.Response {
	if h.tabs == nil {
		return protocol.ErrorResponse(ErrNoActiveTab)
	}
	sessionID := h.tabs.ActiveSessionID()
	if sessionID == "" {
		return protocol.ErrorResponse(ErrNoActiveTab)
	}
	l := h.link(sessionID)
	if l == nil {
		return protocol.ErrorResponse(ErrEmptyResponse)
	}
	if !l.ready.Load() {
		pageURL, err := h.tabs.CurrentURL(ctx, sessionID)
		if err != nil {
			return protocol.ErrorResponse(ErrEmptyResponse)
		}
		h.install(ctx, sessionID, l, pageURL)
		if !l.ready.Load() {
			return protocol.ErrorResponse(ErrEmptyResponse)
		}
	}
	return l.bridge.Send(ctx, action, payload)
}

// Pending reports the requests still waiting on the active tab's bridge.
func (h *Host) Pending() int {
	if h.tabs == nil {
		return 0
	}
	l := h.link(h.tabs.ActiveSessionID())
	if l == nil {
		return 0
	}
	return l.bridge.Pending()
}

// ActiveURL returns the URL of the active tab.
func (h *Host) ActiveURL(ctx context.Context) (string, error) {
	if h.tabs == nil {
		return "", errNoActiveTab
	}
	sessionID := h.tabs.ActiveSessionID()
	if sessionID == "" {
		return "", errNoActiveTab
	}
	return h.tabs.CurrentURL(ctx, sessionID)
}

// EnableDebug reloads the active tab with the SDK debug parameter set. When
// the parameter is already present the tab is reloaded as is.
func (h *Host) EnableDebug(ctx context.Context) (string, error) {
	current, err := h.ActiveURL(ctx)
	if err != nil {
		return "", err
	}
	sessionID := h.tabs.ActiveSessionID()
	target, changed, err := WithDebugParam(current)
	if err != nil {
		return "", err
	}
	if !changed {
		if err := h.tabs.Reload(ctx, sessionID); err != nil {
			return "", fmt.Errorf("reload: %w", err)
		}
		return current, nil
	}
	if err := h.tabs.Navigate(ctx, sessionID, target); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	return target, nil
}

// WithDebugParam returns pageURL with DebugParam=true. changed is false when
// the parameter was already set.
func WithDebugParam(pageURL string) (target string, changed bool, err error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", false, fmt.Errorf("parse url %q: %w", pageURL, err)
	}
	q := u.Query()
	if q.Has(DebugParam) {
		return pageURL, false, nil
	}
	q.Set(DebugParam, "true")
	u.RawQuery = q.Encode()
	return u.String(), true, nil
}
