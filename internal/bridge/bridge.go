package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tourdebug-mcp-server/internal/protocol"

	"github.com/google/uuid"
)

// Transport forwards a request envelope into the page context.
type Transport interface {
	Post(ctx context.Context, env protocol.Envelope) error
}

// Observer is told about every request the bridge handles. Implementations
// must not block.
type Observer interface {
	RequestSent(requestID string, action protocol.Action, at time.Time)
	RequestResolved(requestID string, action protocol.Action, outcome Outcome, elapsed time.Duration)
}

// Observers fans lifecycle events out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	list := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	return list
}

type multiObserver []Observer

func (m multiObserver) RequestSent(requestID string, action protocol.Action, at time.Time) {
	for _, o := range m {
		o.RequestSent(requestID, action, at)
	}
}

func (m multiObserver) RequestResolved(requestID string, action protocol.Action, outcome Outcome, elapsed time.Duration) {
	for _, o := range m {
		o.RequestResolved(requestID, action, outcome, elapsed)
	}
}

// Outcome describes how a pending request was resolved.
type Outcome string

const (
	OutcomeResponse  Outcome = "response"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeSendError Outcome = "send_error"
)

// Timeouts controls how long a request may stay pending.
type Timeouts struct {
	Default time.Duration
	Pick    time.Duration
}

// DefaultTimeouts mirrors the page agent's expectations: interactive picking
// waits for a human, everything else should answer quickly.
func DefaultTimeouts() Timeouts {
	return Timeouts{Default: 5 * time.Second, Pick: 30 * time.Second}
}

// For returns the timeout applied to action.
func (t Timeouts) For(action protocol.Action) time.Duration {
	if action == protocol.ActionStartPickSelector {
		if t.Pick > 0 {
			return t.Pick
		}
		return DefaultTimeouts().Pick
	}
	if t.Default > 0 {
		return t.Default
	}
	return DefaultTimeouts().Default
}

type pendingRequest struct {
	action  protocol.Action
	started time.Time
	timer   *time.Timer
	result  chan protocol.Response
}

// Bridge correlates requests sent into the page with the responses that come
// back. It owns the pending collection exclusively.
type Bridge struct {
	transport Transport
	timeouts  Timeouts
	observer  Observer
	newID     func() string

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// Option customises a Bridge.
type Option func(*Bridge)

// WithObserver attaches an observer for request lifecycle events.
func WithObserver(o Observer) Option {
	return func(b *Bridge) { b.observer = o }
}

// WithIDGenerator replaces the correlation id generator.
func WithIDGenerator(fn func() string) Option {
	return func(b *Bridge) { b.newID = fn }
}

// New creates a bridge that posts through transport.
func New(transport Transport, timeouts Timeouts, opts ...Option) *Bridge {
	b := &Bridge{
		transport: transport,
		timeouts:  timeouts,
		newID:     uuid.NewString,
		pending:   make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Send dispatches action into the page and waits for exactly one result: the
// correlated response, a timeout, a transport error or ctx cancellation.
func (b *Bridge) Send(ctx context.Context, action protocol.Action, payload protocol.Payload) protocol.Response {
	id := b.newID()
	timeout := b.timeouts.For(action)
	req := &pendingRequest{
		action:  action,
		started: time.Now(),
		result:  make(chan protocol.Response, 1),
	}

	b.mu.Lock()
	if _, dup := b.pending[id]; dup {
		b.mu.Unlock()
		return protocol.ErrorResponse(fmt.Sprintf("duplicate request id %s", id))
	}
	b.pending[id] = req
	req.timer = time.AfterFunc(timeout, func() {
		msg := fmt.Sprintf("Timeout: no response from page script (%s)", formatTimeout(timeout))
		b.resolve(id, protocol.ErrorResponse(msg), OutcomeTimeout)
	})
	b.mu.Unlock()

	if b.observer != nil {
		b.observer.RequestSent(id, action, req.started)
	}

	env := protocol.Envelope{
		Type:      protocol.TypeToPage,
		Action:    action,
		Payload:   payload,
		RequestID: id,
	}
	if err := b.transport.Post(ctx, env); err != nil {
		b.resolve(id, protocol.ErrorResponse(err.Error()), OutcomeSendError)
	}

	select {
	case resp := <-req.result:
		return resp
	case <-ctx.Done():
		b.resolve(id, protocol.ErrorResponse(ctx.Err().Error()), OutcomeCancelled)
		return <-req.result
	}
}

// Deliver routes a response envelope to its waiting caller. It reports false
// when the envelope is not a response or nobody is waiting for it anymore.
func (b *Bridge) Deliver(env protocol.Envelope) bool {
	if env.Type != protocol.TypeToContent {
		return false
	}
	return b.resolve(env.RequestID, protocol.ResponseFrom(env), OutcomeResponse)
}

// resolve removes id from the pending set and hands resp to the caller. Only
// the first resolution for an id has any effect.
func (b *Bridge) resolve(id string, resp protocol.Response, outcome Outcome) bool {
	b.mu.Lock()
	req, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
		if req.timer != nil {
			req.timer.Stop()
		}
	}
	b.mu.Unlock()

	if !ok {
		return false
	}

	if outcome != OutcomeResponse {
		log.Printf("[bridge] %s %s resolved by %s: %s", req.action, id, outcome, resp.ErrorText())
	}
	if b.observer != nil {
		b.observer.RequestResolved(id, req.action, outcome, time.Since(req.started))
	}
	req.result <- resp
	return true
}

func formatTimeout(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return d.String()
}

// Pending returns the number of requests still waiting for a result.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Listen delivers every response from the given channel until it closes or
// ctx ends.
func (b *Bridge) Listen(ctx context.Context, responses <-chan protocol.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-responses:
			if !ok {
				return
			}
			if !b.Deliver(env) {
				log.Printf("[bridge] dropped response %s for %s (no pending request)", env.RequestID, env.Action)
			}
		}
	}
}

// BusTransport posts envelopes onto a page bus.
type BusTransport struct {
	Bus *protocol.Bus
}

func (t BusTransport) Post(ctx context.Context, env protocol.Envelope) error {
	if t.Bus == nil {
		return fmt.Errorf("page bus not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.Bus.Publish(env)
	return nil
}
