package correlation

import (
	"fmt"
	"strings"
	"time"

	"castellan/core"
)

// match is one set of events satisfying a rule
type match struct {
	events []*core.LogEvent
	reason string
}

// findMatches scans qualifying, unconsumed events in the neighbourhood of
// anchor and returns every complete match, earliest first. Each event joins
// at most one match per rule.
func findMatches(cr *compiledRule, p *partition, anchor *core.LogEvent) ([]match, error) {
	w := cr.rule.Window
	var q []*core.LogEvent
	for _, ev := range p.between(anchor.Timestamp.Add(-w), anchor.Timestamp.Add(w)) {
		if p.isConsumed(cr.rule.ID, ev.ID) {
			continue
		}
		ok, err := cr.qualifies(ev)
		if err != nil {
			return nil, err
		}
		if ok {
			q = append(q, ev)
		}
	}

	var out []match
	for {
		m, ok := firstMatch(cr, q)
		if !ok {
			return out, nil
		}
		out = append(out, m)
		q = without(q, m.events)
	}
}

func firstMatch(cr *compiledRule, q []*core.LogEvent) (match, bool) {
	switch cr.rule.Type {
	case core.CorrelationTypeSequence:
		return firstSequence(cr.rule, q)
	case core.CorrelationTypeThreshold:
		return firstThreshold(cr.rule, q)
	case core.CorrelationTypeCrossEntity:
		return firstCrossEntity(cr.rule, q)
	}
	return match{}, false
}

// firstSequence finds the earliest start whose stages complete in order
// within the window
func firstSequence(r core.CorrelationRule, q []*core.LogEvent) (match, bool) {
	stages := r.EventTypes
	for i, start := range q {
		if start.EventType != stages[0] {
			continue
		}
		picked := []*core.LogEvent{start}
		for j := i + 1; j < len(q) && len(picked) < len(stages); j++ {
			if q[j].Timestamp.Sub(start.Timestamp) > r.Window {
				break
			}
			if q[j].EventType == stages[len(picked)] {
				picked = append(picked, q[j])
			}
		}
		if len(picked) == len(stages) {
			return match{
				events: picked,
				reason: fmt.Sprintf("sequence %s completed within %s", strings.Join(stages, " -> "), span(picked)),
			}, true
		}
	}
	return match{}, false
}

// firstThreshold finds the earliest run of Threshold events within the window
func firstThreshold(r core.CorrelationRule, q []*core.LogEvent) (match, bool) {
	n := r.Threshold
	for i := 0; i+n-1 < len(q); i++ {
		if q[i+n-1].Timestamp.Sub(q[i].Timestamp) <= r.Window {
			picked := append([]*core.LogEvent(nil), q[i:i+n]...)
			return match{
				events: picked,
				reason: fmt.Sprintf("%d matching events within %s (threshold %d)", n, span(picked), n),
			}, true
		}
	}
	return match{}, false
}

// firstCrossEntity finds the earliest start from which Threshold distinct
// values of DistinctField appear within the window
func firstCrossEntity(r core.CorrelationRule, q []*core.LogEvent) (match, bool) {
	for i, start := range q {
		seen := make(map[string]struct{}, r.Threshold)
		var picked []*core.LogEvent
		for j := i; j < len(q); j++ {
			if q[j].Timestamp.Sub(start.Timestamp) > r.Window {
				break
			}
			v := fieldString(q[j], r.DistinctField)
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			picked = append(picked, q[j])
			if len(picked) == r.Threshold {
				return match{
					events: picked,
					reason: fmt.Sprintf("%d distinct %s values within %s", r.Threshold, r.DistinctField, span(picked)),
				}, true
			}
		}
	}
	return match{}, false
}

func without(q, drop []*core.LogEvent) []*core.LogEvent {
	ids := make(map[string]struct{}, len(drop))
	for _, ev := range drop {
		ids[ev.ID] = struct{}{}
	}
	out := q[:0:0]
	for _, ev := range q {
		if _, ok := ids[ev.ID]; !ok {
			out = append(out, ev)
		}
	}
	return out
}

// span is the time between the first and last of ordered events
func span(events []*core.LogEvent) time.Duration {
	if len(events) < 2 {
		return 0
	}
	return events[len(events)-1].Timestamp.Sub(events[0].Timestamp)
}
