package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tourdebug-mcp-server/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// ErrNoActiveSession is returned when an operation needs the active tab and
// none is selected.
var ErrNoActiveSession = errors.New("no active session")

// Session describes the public metadata for a tracked browser tab.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	Active     bool      `json:"active,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta   Session
	page   *rod.Page
	cancel context.CancelFunc
}

// Listener is told about the lifecycle of every tracked tab. Calls for one
// session arrive in order.
type Listener interface {
	// SessionOpened is called once the tab can evaluate scripts.
	SessionOpened(ctx context.Context, sessionID string, page Evaluator)
	// SessionLoaded is called after every completed top-level navigation.
	SessionLoaded(ctx context.Context, sessionID, url string)
	// SessionClosed is called when the tab is closed or the browser shuts down.
	SessionClosed(sessionID string)
}

// SessionManager owns the Chrome instance, the tabs it tracks and which of
// them is active.
type SessionManager struct {
	cfg        config.BrowserConfig
	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord
	active     string
	controlURL string

	listener    Listener
	initScripts []string
}

func NewSessionManager(cfg config.BrowserConfig) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		sessions: make(map[string]*sessionRecord),
	}
}

// SetListener registers the lifecycle listener. It must be called before
// sessions are created.
func (m *SessionManager) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// AddInitScript registers a script that runs in every new document of every
// session opened afterwards, before page scripts.
func (m *SessionManager) AddInitScript(js string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initScripts = append(m.initScripts, js)
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *SessionManager) Start(ctx context.Context) error {
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		log.Printf("Stale browser connection detected, reconnecting...")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		m.dropAllSessions()
	}

	if err := m.loadSessions(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		for _, rawFlag := range m.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Fallback: let Rod pick the port and defaults.
			fallback := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			url = alt
		}
		controlURL = url
	}

	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.mu.Lock()
	m.browser = browser
	m.controlURL = controlURL
	m.mu.Unlock()
	log.Printf("Browser connected at %s", controlURL)
	return nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes tracked pages and the underlying browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.dropAllSessions()

	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	log.Printf("Browser shutdown complete")
	return err
}

func (m *SessionManager) dropAllSessions() {
	m.mu.Lock()
	records := m.sessions
	m.sessions = make(map[string]*sessionRecord)
	m.active = ""
	listener := m.listener
	m.mu.Unlock()

	for id, rec := range records {
		if rec.cancel != nil {
			rec.cancel()
		}
		if rec.page != nil {
			_ = rec.page.Close()
			if listener != nil {
				listener.SessionClosed(id)
			}
		}
	}
}

// List returns lightweight metadata for all known sessions, oldest first.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.sessions))
	for id, record := range m.sessions {
		meta := record.meta
		meta.Active = id == m.active
		results = append(results, meta)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results
}

// CreateSession opens a new tab, installs init scripts, navigates to url and
// makes it the active session.
func (m *SessionManager) CreateSession(ctx context.Context, url string) (*Session, error) {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, errors.New("browser not connected")
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Printf("warning: failed to set viewport: %v", err)
	}

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		URL:        url,
		Status:     "active",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}
	m.track(ctx, meta, page)

	if url != "" && url != "about:blank" {
		if err := m.Navigate(ctx, meta.ID, url); err != nil {
			log.Printf("[session:%s] initial navigation to %s: %v", meta.ID, url, err)
		}
	}

	_ = m.persistSessions()
	return &meta, nil
}

// Attach binds to an existing target by TargetID and makes it active. Init
// scripts apply from the next navigation on.
func (m *SessionManager) Attach(ctx context.Context, targetID string) (*Session, error) {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, errors.New("browser not connected")
	}

	page, err := browser.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   targetID,
		Status:     "attached",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}
	if info, err := page.Info(); err == nil {
		meta.URL = info.URL
		meta.Title = info.Title
	}
	m.track(ctx, meta, page)

	_ = m.persistSessions()
	return &meta, nil
}

// track registers page, applies init scripts, starts the event stream and
// tells the listener the session is open.
func (m *SessionManager) track(ctx context.Context, meta Session, page *rod.Page) {
	streamCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	scripts := append([]string(nil), m.initScripts...)
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page, cancel: cancel}
	m.active = meta.ID
	listener := m.listener
	m.mu.Unlock()

	for _, js := range scripts {
		if _, err := page.EvalOnNewDocument(js); err != nil {
			log.Printf("[session:%s] init script: %v", meta.ID, err)
		}
	}

	m.startEventStream(streamCtx, meta.ID, page)
	if listener != nil {
		listener.SessionOpened(ctx, meta.ID, NewPageEvaluator(page))
	}
}

// Select makes sessionID the active session.
func (m *SessionManager) Select(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	if rec.page == nil {
		return fmt.Errorf("session %s is detached", sessionID)
	}
	m.active = sessionID
	rec.meta.LastActive = time.Now()
	return nil
}

// ActiveSessionID returns the active session, or "" when there is none.
func (m *SessionManager) ActiveSessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// CloseSession closes the tab behind sessionID.
func (m *SessionManager) CloseSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	delete(m.sessions, sessionID)
	if m.active == sessionID {
		m.active = ""
	}
	listener := m.listener
	m.mu.Unlock()

	if rec.cancel != nil {
		rec.cancel()
	}
	var err error
	if rec.page != nil {
		err = rec.page.Close()
		if listener != nil {
			listener.SessionClosed(sessionID)
		}
	}
	_ = m.persistSessions()
	return err
}

// Page returns the underlying Rod page for a session when present.
func (m *SessionManager) Page(sessionID string) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.page == nil {
		return nil, false
	}
	return rec.page, true
}

// UpdateMetadata allows tools to refresh metadata (e.g., URL/title after navigation).
func (m *SessionManager) UpdateMetadata(sessionID string, updater func(Session) Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.meta = updater(rec.meta)
}

// GetSession returns the current session metadata when available.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	meta := rec.meta
	meta.Active = sessionID == m.active
	return meta, true
}

// CurrentURL returns the live URL of the session's top frame.
func (m *SessionManager) CurrentURL(ctx context.Context, sessionID string) (string, error) {
	page, ok := m.Page(sessionID)
	if !ok {
		return "", fmt.Errorf("unknown session: %s", sessionID)
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		meta, _ := m.GetSession(sessionID)
		if meta.URL != "" {
			return meta.URL, nil
		}
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

// Navigate loads url in the session and waits for the load event.
func (m *SessionManager) Navigate(ctx context.Context, sessionID, url string) error {
	page, ok := m.Page(sessionID)
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	p := page.Context(ctx).Timeout(m.cfg.NavigationTimeout())
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", err)
	}
	return nil
}

// Reload reloads the session's page and waits for the load event.
func (m *SessionManager) Reload(ctx context.Context, sessionID string) error {
	page, ok := m.Page(sessionID)
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	p := page.Context(ctx).Timeout(m.cfg.NavigationTimeout())
	if err := p.Reload(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", err)
	}
	return nil
}

// startEventStream follows top-level navigations and load events of page
// until ctx ends.
func (m *SessionManager) startEventStream(ctx context.Context, sessionID string, page *rod.Page) {
	go func() {
		wait := page.Context(ctx).EachEvent(
			func(ev *proto.PageFrameNavigated) {
				if ev.Frame == nil || ev.Frame.ParentID != "" {
					return
				}
				now := time.Now()
				m.UpdateMetadata(sessionID, func(s Session) Session {
					s.URL = ev.Frame.URL
					s.LastActive = now
					return s
				})
			},
			func(ev *proto.PageLoadEventFired) {
				meta, ok := m.GetSession(sessionID)
				if !ok {
					return
				}
				if info, err := page.Context(ctx).Info(); err == nil {
					m.UpdateMetadata(sessionID, func(s Session) Session {
						s.URL = coalesceNonEmpty(info.URL, s.URL)
						s.Title = coalesceNonEmpty(info.Title, s.Title)
						return s
					})
					meta.URL = coalesceNonEmpty(info.URL, meta.URL)
				}

				m.mu.RLock()
				listener := m.listener
				m.mu.RUnlock()
				if listener != nil {
					listener.SessionLoaded(ctx, sessionID, meta.URL)
				}
			},
		)
		wait()
	}()
}

// persistSessions writes session metadata to disk for continuity across restarts.
func (m *SessionManager) persistSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	sessions := m.List()

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.cfg.SessionStore), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SessionStore, data, 0o644)
}

// loadSessions loads persisted metadata (does not auto-attach to pages).
func (m *SessionManager) loadSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	data, err := os.ReadFile(m.cfg.SessionStore)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var sessions []Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		if _, live := m.sessions[s.ID]; live {
			continue
		}
		// Mark as detached; a caller can use attach-session to bind to a live target.
		s.Status = "detached"
		s.Active = false
		m.sessions[s.ID] = &sessionRecord{meta: s}
	}
	return nil
}

func coalesceNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Injectable reports whether page scripts can run on url. Browser-internal
// pages never host the SDK.
func Injectable(url string) bool {
	internalPrefixes := []string{
		"chrome://",
		"chrome-extension://",
		"devtools://",
		"edge://",
		"about:",
		"data:",
		"blob:",
	}
	for _, prefix := range internalPrefixes {
		if strings.HasPrefix(url, prefix) {
			return false
		}
	}
	return true
}
