package mangle

import (
	"context"
	"fmt"
	"log"
	"time"

	"tourdebug-mcp-server/internal/bridge"
	"tourdebug-mcp-server/internal/eligibility"
	"tourdebug-mcp-server/internal/protocol"
)

// BridgeObserver turns bridge request lifecycle events into
// bridge_sent/bridge_resolved facts.
type BridgeObserver struct {
	engine *Engine
}

// NewBridgeObserver returns an observer that feeds e.
func NewBridgeObserver(e *Engine) *BridgeObserver {
	return &BridgeObserver{engine: e}
}

var _ bridge.Observer = (*BridgeObserver)(nil)

func (o *BridgeObserver) RequestSent(requestID string, action protocol.Action, at time.Time) {
	o.add(Fact{
		Predicate: "bridge_sent",
		Args:      []interface{}{requestID, string(action), at.UnixMilli()},
		Timestamp: at,
	})
}

func (o *BridgeObserver) RequestResolved(requestID string, action protocol.Action, outcome bridge.Outcome, elapsed time.Duration) {
	o.add(Fact{
		Predicate: "bridge_resolved",
		Args:      []interface{}{requestID, string(action), string(outcome), elapsed.Milliseconds()},
		Timestamp: time.Now(),
	})
}

func (o *BridgeObserver) add(f Fact) {
	if err := o.engine.AddFacts(context.Background(), []Fact{f}); err != nil {
		log.Printf("[mangle] record %s: %v", f.Predicate, err)
	}
}

// ReportFacts converts an eligibility report into one tour_check fact per
// judgment.
func ReportFacts(report eligibility.Report, at time.Time) []Fact {
	judgments := report.Judgments()
	facts := make([]Fact, 0, len(judgments))
	for _, j := range judgments {
		facts = append(facts, Fact{
			Predicate: "tour_check",
			Args:      []interface{}{report.TourID, string(j.Check), string(j.Verdict), j.Message},
			Timestamp: at,
		})
	}
	return facts
}

// RecordTour replaces everything known about tour with its latest report.
func (e *Engine) RecordTour(ctx context.Context, tour eligibility.Tour, report eligibility.Report) error {
	now := time.Now()
	facts := append([]Fact{{
		Predicate: "tour_seen",
		Args:      []interface{}{tour.ID, tour.DisplayName()},
		Timestamp: now,
	}}, ReportFacts(report, now)...)
	return e.Replace(ctx, []string{"tour_seen", "tour_check"}, tour.ID, facts)
}

// RecordActiveTour keeps a single active_tour fact matching the page's
// storage. An empty id clears it.
func (e *Engine) RecordActiveTour(ctx context.Context, tourID string) error {
	var facts []Fact
	if tourID != "" {
		facts = []Fact{{
			Predicate: "active_tour",
			Args:      []interface{}{tourID},
			Timestamp: time.Now(),
		}}
	}
	return e.ReplacePredicate(ctx, "active_tour", facts)
}

// RecordSDK keeps a single sdk_state fact describing the detected SDK.
func (e *Engine) RecordSDK(ctx context.Context, found bool, version string, toursEnabled bool) error {
	return e.ReplacePredicate(ctx, "sdk_state", []Fact{{
		Predicate: "sdk_state",
		Args:      []interface{}{found, version, toursEnabled},
		Timestamp: time.Now(),
	}})
}

// PruneTours retracts tour_seen and tour_check facts for every tour not in
// keep. It returns the ids it dropped.
func (e *Engine) PruneTours(ctx context.Context, keep []string) ([]string, error) {
	listed := make(map[string]bool, len(keep))
	for _, id := range keep {
		listed[id] = true
	}

	var dropped []string
	for _, f := range e.FactsByPredicate("tour_seen") {
		if len(f.Args) == 0 {
			continue
		}
		id, ok := f.Args[0].(string)
		if !ok || listed[id] {
			continue
		}
		for _, predicate := range []string{"tour_check", "tour_seen"} {
			if _, err := e.Retract(ctx, predicate, id); err != nil {
				return dropped, fmt.Errorf("retract %s for %s: %w", predicate, id, err)
			}
		}
		dropped = append(dropped, id)
	}
	return dropped, nil
}
