package mangle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tourdebug-mcp-server/internal/config"
)

func newTestEngine(t *testing.T, limit int) *Engine {
	t.Helper()
	engine, err := NewEngine(config.MangleConfig{Enable: true, FactBufferLimit: limit})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func TestEngineLoadsBuiltInSchema(t *testing.T) {
	engine := newTestEngine(t, 1000)
	if !engine.Ready() {
		t.Fatal("engine not ready after built-in schema load")
	}
}

func TestEngineLoadSchemaFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.mg")
	schema := "Decl ping(Id).\nDecl pong(Id).\npong(Id) :- ping(Id).\n"
	if err := os.WriteFile(path, []byte(schema), 0644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	engine, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: path, FactBufferLimit: 10})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := engine.AddFacts(context.Background(), []Fact{{Predicate: "ping", Args: []interface{}{"a"}}}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}
	derived, err := engine.Evaluate(context.Background(), "pong")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(derived) != 1 || derived[0].Args[0] != "a" {
		t.Errorf("expected pong(a), got %+v", derived)
	}
}

func TestEngineLoadSchemaError(t *testing.T) {
	_, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: "/nonexistent/tours.mg"})
	if err == nil {
		t.Fatal("expected error for missing schema")
	}

	path := filepath.Join(t.TempDir(), "broken.mg")
	if err := os.WriteFile(path, []byte("this is not ( mangle"), 0644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	if _, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: path}); err == nil {
		t.Fatal("expected error for unparsable schema")
	}
}

func TestEngineAddFacts(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()

	facts := []Fact{
		{Predicate: "bridge_sent", Args: []interface{}{"r1", "getTours", int64(100)}, Timestamp: time.Now()},
		{Predicate: "bridge_resolved", Args: []interface{}{"r1", "getTours", "response", int64(12)}, Timestamp: time.Now()},
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	if got := len(engine.Facts()); got != 2 {
		t.Errorf("expected 2 buffered facts, got %d", got)
	}
	if got := len(engine.FactsByPredicate("bridge_resolved")); got != 1 {
		t.Errorf("expected 1 bridge_resolved, got %d", got)
	}
	if got := len(engine.FactsByPredicate("missing")); got != 0 {
		t.Errorf("expected no facts for unknown predicate, got %d", got)
	}
}

func TestEngineQueryDerivedFacts(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()

	facts := []Fact{
		{Predicate: "bridge_resolved", Args: []interface{}{"r1", "startPickSelector", "timeout", int64(30000)}},
		{Predicate: "bridge_resolved", Args: []interface{}{"r2", "getTours", "response", int64(4)}},
		{Predicate: "bridge_resolved", Args: []interface{}{"r3", "getFeatureFlags", "response", int64(1500)}},
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	timeouts, err := engine.Query(ctx, "bridge_timeout(Id, Action)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(timeouts) != 1 {
		t.Fatalf("expected 1 timeout, got %d", len(timeouts))
	}
	if timeouts[0]["Id"] != "r1" || timeouts[0]["Action"] != "startPickSelector" {
		t.Errorf("unexpected binding: %+v", timeouts[0])
	}

	slow, err := engine.Query(ctx, "?slow_request(Id, _, Ms).")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(slow) != 1 || slow[0]["Id"] != "r3" || slow[0]["Ms"] != int64(1500) {
		t.Errorf("expected r3 to be slow, got %+v", slow)
	}
	if _, bound := slow[0]["_"]; bound {
		t.Error("wildcards must not be bound")
	}
}

func TestEngineQueryWithConstants(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()

	facts := []Fact{
		{Predicate: "tour_check", Args: []interface{}{"t1", "url", "fail", "URL (exact): /pricing"}},
		{Predicate: "tour_check", Args: []interface{}{"t1", "launch", "pass", "Launched Mar 5, 2024"}},
		{Predicate: "tour_check", Args: []interface{}{"t2", "url", "fail", "URL (exact): /home"}},
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	results, err := engine.Query(ctx, `tour_check("t1", Check, "fail", Msg)`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d: %+v", len(results), results)
	}
	if results[0]["Check"] != "url" || results[0]["Msg"] != "URL (exact): /pricing" {
		t.Errorf("unexpected binding: %+v", results[0])
	}
}

func TestEngineQueryErrors(t *testing.T) {
	engine := newTestEngine(t, 10)
	ctx := context.Background()

	if _, err := engine.Query(ctx, "   "); err == nil {
		t.Error("expected error for empty query")
	}
	if _, err := engine.Query(ctx, "tour_blocked(("); err == nil {
		t.Error("expected parse error")
	}
	if _, err := engine.Query(ctx, "tour_blocked(A, B)"); err == nil {
		t.Error("expected arity error")
	}

	disabled, err := NewEngine(config.MangleConfig{Enable: false})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if _, err := disabled.Query(ctx, "tour_blocked(X)"); err == nil {
		t.Error("expected not-ready error from disabled engine")
	}
	if _, err := disabled.Evaluate(ctx, "tour_blocked"); err == nil {
		t.Error("expected not-ready error from disabled engine")
	}
}

func TestEngineUnansweredRequests(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()

	if err := engine.AddFacts(ctx, []Fact{
		{Predicate: "bridge_sent", Args: []interface{}{"r1", "getTours", int64(1)}},
		{Predicate: "bridge_sent", Args: []interface{}{"r2", "getStorage", int64(2)}},
	}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	pending, err := engine.Evaluate(ctx, "bridge_unanswered")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 unanswered requests, got %d", len(pending))
	}

	if err := engine.AddFacts(ctx, []Fact{
		{Predicate: "bridge_resolved", Args: []interface{}{"r1", "getTours", "response", int64(3)}},
	}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	pending, err = engine.Evaluate(ctx, "bridge_unanswered")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Args[0] != "r2" {
		t.Errorf("expected only r2 unanswered, got %+v", pending)
	}
}

func TestEngineAddRule(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()

	rule := `
Decl picker_cancelled(RequestId).
picker_cancelled(Id) :- bridge_resolved(Id, "startPickSelector", "cancelled", _).
`
	if err := engine.AddRule(rule); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if err := engine.AddFacts(ctx, []Fact{
		{Predicate: "bridge_resolved", Args: []interface{}{"p1", "startPickSelector", "cancelled", int64(10)}},
	}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	results, err := engine.Query(ctx, "picker_cancelled(Id)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 || results[0]["Id"] != "p1" {
		t.Errorf("expected p1, got %+v", results)
	}

	// Built-in rules survive the re-analysis.
	if _, err := engine.Query(ctx, "tour_blocked(Id)"); err != nil {
		t.Errorf("built-in predicate lost after AddRule: %v", err)
	}
}

func TestEngineAddRuleErrors(t *testing.T) {
	engine := newTestEngine(t, 10)
	if err := engine.AddRule("broken((("); err == nil {
		t.Error("expected parse error")
	}

	disabled, err := NewEngine(config.MangleConfig{Enable: false})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := disabled.AddRule("anything"); err != nil {
		t.Errorf("AddRule should be a no-op when disabled: %v", err)
	}
}

func TestEngineDisabled(t *testing.T) {
	engine, err := NewEngine(config.MangleConfig{Enable: false, FactBufferLimit: 10})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()
	if err := engine.AddFacts(ctx, []Fact{{Predicate: "bridge_sent", Args: []interface{}{"r"}}}); err != nil {
		t.Errorf("AddFacts should succeed when disabled: %v", err)
	}
	if len(engine.Facts()) != 0 {
		t.Error("disabled engine must not buffer facts")
	}
	if !engine.Ready() {
		t.Error("engine should be ready when disabled")
	}
}

func TestEngineBufferLimitDropsDerivedFacts(t *testing.T) {
	engine := newTestEngine(t, 2)
	ctx := context.Background()

	if err := engine.AddFacts(ctx, []Fact{
		{Predicate: "bridge_resolved", Args: []interface{}{"old", "getTours", "timeout", int64(5000)}},
	}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}
	if err := engine.AddFacts(ctx, []Fact{
		{Predicate: "bridge_resolved", Args: []interface{}{"a", "getTours", "response", int64(1)}},
		{Predicate: "bridge_resolved", Args: []interface{}{"b", "getTours", "response", int64(1)}},
	}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	if got := len(engine.Facts()); got != 2 {
		t.Fatalf("expected buffer trimmed to 2, got %d", got)
	}
	timeouts, err := engine.Query(ctx, "bridge_timeout(Id, A)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(timeouts) != 0 {
		t.Errorf("expected trimmed timeout to disappear, got %+v", timeouts)
	}
}

func TestEngineRetract(t *testing.T) {
	engine := newTestEngine(t, 100)
	ctx := context.Background()

	if err := engine.AddFacts(ctx, []Fact{
		{Predicate: "tour_check", Args: []interface{}{"t1", "url", "fail", "x"}},
		{Predicate: "tour_check", Args: []interface{}{"t2", "url", "fail", "y"}},
	}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	removed, err := engine.Retract(ctx, "tour_check", "t1")
	if err != nil {
		t.Fatalf("Retract failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	blocked, err := engine.Query(ctx, "tour_blocked(Id)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(blocked) != 1 || blocked[0]["Id"] != "t2" {
		t.Errorf("expected only t2 blocked, got %+v", blocked)
	}

	removed, err = engine.Retract(ctx, "tour_check", "nope")
	if err != nil || removed != 0 {
		t.Errorf("expected no-op retract, got %d, %v", removed, err)
	}
}

func TestEngineTemporalQuery(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-5 * time.Second)

	if err := engine.AddFacts(ctx, []Fact{
		{Predicate: "bridge_sent", Args: []interface{}{"r1", "getTours", past.UnixMilli()}, Timestamp: past},
		{Predicate: "bridge_sent", Args: []interface{}{"r2", "getTours", now.UnixMilli()}, Timestamp: now},
	}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	if recent := engine.QueryTemporal("bridge_sent", now.Add(-3*time.Second), time.Time{}); len(recent) != 1 {
		t.Errorf("expected 1 recent fact, got %d", len(recent))
	}
	if all := engine.QueryTemporal("bridge_sent", time.Time{}, time.Time{}); len(all) != 2 {
		t.Errorf("expected 2 facts, got %d", len(all))
	}
	if none := engine.QueryTemporal("unknown", time.Time{}, time.Time{}); len(none) != 0 {
		t.Errorf("expected none, got %d", len(none))
	}
}

func TestEngineSubscription(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()

	ch := make(chan WatchEvent, 4)
	id := engine.Subscribe("tour_blocked", ch)
	if id == "" {
		t.Fatal("expected subscription id")
	}
	if preds := engine.WatchPredicates(); len(preds) != 1 || preds[0] != "tour_blocked" {
		t.Errorf("unexpected watch predicates %v", preds)
	}

	if err := engine.AddFacts(ctx, []Fact{
		{Predicate: "tour_check", Args: []interface{}{"t9", "launch", "fail", "Not launched"}},
	}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Predicate != "tour_blocked" || len(ev.Facts) != 1 || ev.Facts[0].Args[0] != "t9" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch event delivered")
	}

	engine.Unsubscribe("tour_blocked", ch)
	if preds := engine.WatchPredicates(); len(preds) != 0 {
		t.Errorf("expected no watch predicates, got %v", preds)
	}
}

func TestEngineSamplingRateThresholds(t *testing.T) {
	engine := newTestEngine(t, 100)
	tests := []struct {
		fill int
		want float64
	}{
		{0, 1.0},
		{60, 0.8},
		{80, 0.5},
		{90, 0.2},
		{99, 0.1},
	}
	for _, tt := range tests {
		engine.facts = make([]Fact, tt.fill)
		engine.updateSamplingRate()
		if got := engine.SamplingRate(); got != tt.want {
			t.Errorf("fill %d: expected rate %v, got %v", tt.fill, tt.want, got)
		}
	}

	// Resolutions are never sampled.
	engine.samplingRate = 0
	if !engine.shouldAcceptFact(Fact{Predicate: "bridge_resolved"}) {
		t.Error("bridge_resolved must always be accepted")
	}
	if engine.shouldAcceptFact(Fact{Predicate: "bridge_sent"}) {
		t.Error("bridge_sent should be dropped at zero sampling rate")
	}
}

func TestConstantConversion(t *testing.T) {
	tests := []struct {
		in   interface{}
		want interface{}
	}{
		{"text", "text"},
		{7, int64(7)},
		{int64(9), int64(9)},
		{1.5, 1.5},
		{true, "true"},
		{false, "false"},
		{nil, ""},
		{struct{ A int }{1}, "{1}"},
	}
	for _, tt := range tests {
		if got := convertConstant(toConstant(tt.in)); got != tt.want {
			t.Errorf("round trip of %#v: expected %#v, got %#v", tt.in, tt.want, got)
		}
	}
}
