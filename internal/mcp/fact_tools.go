package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"tourdebug-mcp-server/internal/mangle"
	"tourdebug-mcp-server/internal/recorder"
)

var (
	errNoEngine   = errors.New("mangle engine unavailable")
	errNoRecorder = errors.New("trace recorder disabled")
)

// QueryFactsTool runs a Mangle query over recorded facts.
type QueryFactsTool struct {
	engine *mangle.Engine
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Run a Mangle query against bridge traffic and tour eligibility facts.

PREDICATES:
- bridge_sent(Id, Action, SentAtMs), bridge_resolved(Id, Action, Outcome, Ms)
- bridge_unanswered(Id, Action), bridge_timeout(Id, Action),
  slow_request(Id, Action, Ms)
- tour_seen(TourId, Name), tour_check(TourId, Check, Verdict, Message)
- tour_blocked(TourId), tour_block_reason(TourId, Check, Message),
  tour_eligible(TourId), active_tour(TourId), active_blocked(TourId)
- sdk_state(Found, Version, ToursEnabled)

EXAMPLES:
- tour_block_reason("tour-1", Check, Msg)
- bridge_timeout(Id, Action)

Tour facts are refreshed by tour-status; bridge facts accumulate per request.

Returns: {results: [{Var: value}], count}`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle atom to match, variables capitalised",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	query := getStringArg(args, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	results, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []mangle.QueryResult{}
	}
	return map[string]interface{}{
		"results": results,
		"count":   len(results),
	}, nil
}

// ReadFactsTool returns the most recent stored facts.
type ReadFactsTool struct {
	engine *mangle.Engine
}

func (t *ReadFactsTool) Name() string { return "read-facts" }
func (t *ReadFactsTool) Description() string {
	return `Read the most recent stored facts, optionally for one predicate.

after/before (RFC3339) narrow the facts of one predicate to a time window,
e.g. the bridge_resolved facts of the last tour-action.

bridge_sent facts are sampled when the buffer is nearly full; sampling_rate
reports the current rate (1 = nothing dropped).

Returns: {facts: [{predicate, args, timestamp}], count, sampling_rate}`
}
func (t *ReadFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Only facts of this predicate",
			},
			"after": map[string]interface{}{
				"type":        "string",
				"description": "Only facts recorded after this RFC3339 time (needs predicate)",
			},
			"before": map[string]interface{}{
				"type":        "string",
				"description": "Only facts recorded before this RFC3339 time (needs predicate)",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum facts to return (default 50)",
			},
		},
	}
}
func (t *ReadFactsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	limit := getIntArg(args, "limit", 50)
	if limit <= 0 {
		limit = 50
	}
	predicate := getStringArg(args, "predicate")
	after, err := getTimeArg(args, "after")
	if err != nil {
		return nil, err
	}
	before, err := getTimeArg(args, "before")
	if err != nil {
		return nil, err
	}
	windowed := !after.IsZero() || !before.IsZero()
	if windowed && predicate == "" {
		return nil, fmt.Errorf("predicate is required with after/before")
	}

	var facts []mangle.Fact
	switch {
	case windowed:
		facts = t.engine.QueryTemporal(predicate, after, before)
	case predicate != "":
		facts = t.engine.FactsByPredicate(predicate)
	default:
		facts = t.engine.Facts()
	}
	if len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}
	if facts == nil {
		facts = []mangle.Fact{}
	}
	return map[string]interface{}{
		"facts":         facts,
		"count":         len(facts),
		"sampling_rate": t.engine.SamplingRate(),
	}, nil
}

const (
	defaultAwaitTimeout = 10 * time.Second
	maxAwaitTimeout     = 60 * time.Second
)

// AwaitFactTool blocks until a predicate derives at least one fact.
type AwaitFactTool struct {
	engine *mangle.Engine
}

func (t *AwaitFactTool) Name() string { return "await-fact" }
func (t *AwaitFactTool) Description() string {
	return `Wait until a predicate holds, e.g. bridge_timeout after a tour-action
or tour_eligible after fixing a URL condition and calling tour-status.

Returns at once when the predicate already has facts. Otherwise waits for the
next evaluation that derives one, up to timeout_ms (default 10000, max 60000).

Returns: {predicate, matched, facts, count, waited_ms}`
}
func (t *AwaitFactTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate to wait for, e.g. tour_blocked",
			},
			"timeout_ms": map[string]interface{}{
				"type":        "integer",
				"description": "How long to wait (default 10000, max 60000)",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *AwaitFactTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}
	timeout := time.Duration(getIntArg(args, "timeout_ms", int(defaultAwaitTimeout.Milliseconds()))) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultAwaitTimeout
	}
	if timeout > maxAwaitTimeout {
		timeout = maxAwaitTimeout
	}

	start := time.Now()
	result := func(matched bool, facts []mangle.Fact) map[string]interface{} {
		if facts == nil {
			facts = []mangle.Fact{}
		}
		return map[string]interface{}{
			"predicate": predicate,
			"matched":   matched,
			"facts":     facts,
			"count":     len(facts),
			"waited_ms": time.Since(start).Milliseconds(),
		}
	}

	// Subscribe first so a derivation between the check and the wait is not lost.
	events := make(chan mangle.WatchEvent, 1)
	t.engine.Subscribe(predicate, events)
	defer t.engine.Unsubscribe(predicate, events)

	current, err := t.engine.Evaluate(ctx, predicate)
	if err != nil {
		return nil, err
	}
	if len(current) > 0 {
		return result(true, current), nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-events:
		return result(true, ev.Facts), nil
	case <-timer.C:
		return result(false, nil), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitRuleTool adds a rule to the running program.
type SubmitRuleTool struct {
	engine *mangle.Engine
}

func (t *SubmitRuleTool) Name() string { return "submit-rule" }
func (t *SubmitRuleTool) Description() string {
	return `Add a Mangle rule (with its Decl) to the running program.

EXAMPLE:
  Decl linked_flag_off(TourId).
  linked_flag_off(Id) :- tour_check(Id, "linked_flag", "fail", _).

The rule is evaluated immediately and on every new fact.

Returns: {status: "accepted"}`
}
func (t *SubmitRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Mangle source: declarations and rules",
			},
		},
		"required": []string{"rule"},
	}
}
func (t *SubmitRuleTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	rule := getStringArg(args, "rule")
	if rule == "" {
		return nil, fmt.Errorf("rule is required")
	}
	if err := t.engine.AddRule(rule); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "accepted"}, nil
}

// BlockedToursTool lists why each tour would not show.
type BlockedToursTool struct {
	engine *mangle.Engine
}

func (t *BlockedToursTool) Name() string { return "blocked-tours" }
func (t *BlockedToursTool) Description() string {
	return `Summarise the failing eligibility checks of every tour seen by tour-status.

Returns: {blocked: {tour_id: [{check, message}]}, eligible: [tour_id]}`
}
func (t *BlockedToursTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *BlockedToursTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	reasons, err := t.engine.Query(ctx, "tour_block_reason(Id, Check, Msg)")
	if err != nil {
		return nil, err
	}
	eligible, err := t.engine.Query(ctx, "tour_eligible(Id)")
	if err != nil {
		return nil, err
	}

	blocked := make(map[string][]map[string]interface{})
	for _, r := range reasons {
		id := fmt.Sprint(r["Id"])
		blocked[id] = append(blocked[id], map[string]interface{}{
			"check":   r["Check"],
			"message": r["Msg"],
		})
	}
	ids := make([]string, 0, len(eligible))
	for _, r := range eligible {
		ids = append(ids, fmt.Sprint(r["Id"]))
	}
	sort.Strings(ids)
	return map[string]interface{}{
		"blocked":  blocked,
		"eligible": ids,
	}, nil
}

// ReadTraceTool returns the tail of the current trace file.
type ReadTraceTool struct {
	recorder *recorder.Recorder
}

func (t *ReadTraceTool) Name() string { return "read-trace" }
func (t *ReadTraceTool) Description() string {
	return `Read the latest events of the request trace (recorder.enable).

Events: request_sent, request_resolved (outcome, elapsed_ms), session_opened,
navigation, session_closed.

Returns: {path, events, count}`
}
func (t *ReadTraceTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum events to return (default 100)",
			},
		},
	}
}
func (t *ReadTraceTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.recorder == nil {
		return nil, errNoRecorder
	}
	path := t.recorder.Path()
	if path == "" {
		return nil, errNoRecorder
	}
	events, err := recorder.ReadEvents(path, getIntArg(args, "limit", 100))
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []recorder.Event{}
	}
	return map[string]interface{}{
		"path":   path,
		"events": events,
		"count":  len(events),
	}, nil
}
