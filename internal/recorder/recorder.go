package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"tourdebug-mcp-server/internal/bridge"
	"tourdebug-mcp-server/internal/protocol"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "data/traces"
)

// Event types written to a trace.
const (
	EventRequestSent     = "request_sent"
	EventRequestResolved = "request_resolved"
	EventSessionOpened   = "session_opened"
	EventNavigation      = "navigation"
	EventSessionClosed   = "session_closed"
)

// Event represents a single record in the flight recorder.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// RequestRecord is the data of request_sent and request_resolved events.
type RequestRecord struct {
	RequestID string          `json:"request_id"`
	Action    protocol.Action `json:"action"`
	Outcome   bridge.Outcome  `json:"outcome,omitempty"`
	ElapsedMs int64           `json:"elapsed_ms,omitempty"`
}

// Recorder writes a rotating JSONL trace of bridge traffic and session
// lifecycle events.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	path     string
	basePath string
}

// NewRecorder creates a recorder instance.
// It ensures the directory exists.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{
		basePath: basePath,
	}, nil
}

// Start begins a new trace file for sessionID.
// It rotates old files to ensure we only keep the last N traces.
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	filename := fmt.Sprintf("trace_%s_%d.jsonl", sessionID, time.Now().UnixMilli())
	path := filepath.Join(r.basePath, filename)
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	r.file = f
	r.path = path
	r.encoder = json.NewEncoder(f)
	return nil
}

// Path returns the current trace file, or "" before Start.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ""
	}
	return r.path
}

// Log writes an event to the current trace file. Events logged before Start
// or after Close are dropped.
func (r *Recorder) Log(eventType, sessionID string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"error": err.Error()})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}

	_ = r.encoder.Encode(Event{
		Timestamp: time.Now(),
		Type:      eventType,
		SessionID: sessionID,
		Data:      raw,
	})
}

// Observer returns a bridge observer that logs the requests of sessionID.
func (r *Recorder) Observer(sessionID string) bridge.Observer {
	return &sessionObserver{recorder: r, sessionID: sessionID}
}

type sessionObserver struct {
	recorder  *Recorder
	sessionID string
}

func (o *sessionObserver) RequestSent(requestID string, action protocol.Action, at time.Time) {
	o.recorder.Log(EventRequestSent, o.sessionID, RequestRecord{RequestID: requestID, Action: action})
}

func (o *sessionObserver) RequestResolved(requestID string, action protocol.Action, outcome bridge.Outcome, elapsed time.Duration) {
	o.recorder.Log(EventRequestResolved, o.sessionID, RequestRecord{
		RequestID: requestID,
		Action:    action,
		Outcome:   outcome,
		ElapsedMs: elapsed.Milliseconds(),
	})
}

// ReadEvents decodes a trace file. With limit > 0 only the last limit events
// are returned.
func ReadEvents(path string, limit int) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return events, fmt.Errorf("decode trace line %d: %w", len(events)+1, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// rotate keeps only the newest MaxRotatedFiles.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].mod.After(traces[j].mod)
	})

	// Keep N-1 to make room for the new one.
	if len(traces) >= MaxRotatedFiles {
		for _, t := range traces[MaxRotatedFiles-1:] {
			_ = os.Remove(filepath.Join(r.basePath, t.name))
		}
	}
	return nil
}

// Close finishes the current recording.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}
