package correlation

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"castellan/core"
)

// RuleStatistics are per-rule counters
type RuleStatistics struct {
	Matches       uint64  `json:"matches"`
	Errors        uint64  `json:"errors"`
	LearnedWeight float64 `json:"learned_weight"`
}

// Statistics is a snapshot of engine activity
type Statistics struct {
	EventsAnalyzed    uint64                    `json:"events_analyzed"`
	EventsRejected    uint64                    `json:"events_rejected"`
	DuplicateEvents   uint64                    `json:"duplicate_events"`
	LateEvents        uint64                    `json:"late_events"`
	CorrelationsFound uint64                    `json:"correlations_found"`
	Suppressed        uint64                    `json:"suppressed"`
	ChainsDetected    uint64                    `json:"chains_detected"`
	RuleErrors        uint64                    `json:"rule_errors"`
	BatchesAnalyzed   uint64                    `json:"batches_analyzed"`
	ModelUpdates      uint64                    `json:"model_updates"`
	WindowEvents      int                       `json:"window_events"`
	Partitions        int                       `json:"partitions"`
	ActiveRules       int                       `json:"active_rules"`
	StoredResults     int                       `json:"stored_results"`
	AvgAnalysis       time.Duration             `json:"avg_analysis"`
	Rules             map[string]RuleStatistics `json:"rules"`
}

type statistics struct {
	analyzed      atomic.Uint64
	rejected      atomic.Uint64
	duplicates    atomic.Uint64
	late          atomic.Uint64
	correlations  atomic.Uint64
	suppressed    atomic.Uint64
	chains        atomic.Uint64
	ruleErrors    atomic.Uint64
	batches       atomic.Uint64
	modelUpdates  atomic.Uint64
	analysisNanos atomic.Int64

	mu    sync.Mutex
	rules map[string]*RuleStatistics
}

func newStatistics() *statistics {
	return &statistics{rules: make(map[string]*RuleStatistics)}
}

func (s *statistics) observe(res *core.CorrelationResult) {
	s.analyzed.Add(1)
	s.analysisNanos.Add(res.Duration.Nanoseconds())
}

func (s *statistics) rule(id string) *RuleStatistics {
	r, ok := s.rules[id]
	if !ok {
		r = &RuleStatistics{}
		s.rules[id] = r
	}
	return r
}

func (s *statistics) correlation(ruleID string) {
	s.correlations.Add(1)
	s.mu.Lock()
	s.rule(ruleID).Matches++
	s.mu.Unlock()
}

func (s *statistics) ruleError(ruleID string) {
	s.ruleErrors.Add(1)
	s.mu.Lock()
	s.rule(ruleID).Errors++
	s.mu.Unlock()
}

func (s *statistics) forget(ruleID string) {
	s.mu.Lock()
	delete(s.rules, ruleID)
	s.mu.Unlock()
}

// GetStatistics returns a snapshot of engine counters
func (e *Engine) GetStatistics() Statistics {
	st := Statistics{
		EventsAnalyzed:    e.stats.analyzed.Load(),
		EventsRejected:    e.stats.rejected.Load(),
		DuplicateEvents:   e.stats.duplicates.Load(),
		LateEvents:        e.stats.late.Load(),
		CorrelationsFound: e.stats.correlations.Load(),
		Suppressed:        e.stats.suppressed.Load(),
		ChainsDetected:    e.stats.chains.Load(),
		RuleErrors:        e.stats.ruleErrors.Load(),
		BatchesAnalyzed:   e.stats.batches.Load(),
		ModelUpdates:      e.stats.modelUpdates.Load(),
		Rules:             make(map[string]RuleStatistics),
	}
	if st.EventsAnalyzed > 0 {
		st.AvgAnalysis = time.Duration(e.stats.analysisNanos.Load() / int64(st.EventsAnalyzed))
	}
	st.WindowEvents, st.Partitions = e.live.size()

	rs := e.rules.Load()
	learned := *e.learned.Load()
	e.stats.mu.Lock()
	for _, cr := range rs.rules {
		if cr.rule.Enabled {
			st.ActiveRules++
		}
		r := RuleStatistics{LearnedWeight: 1}
		if counters, ok := e.stats.rules[cr.rule.ID]; ok {
			r.Matches, r.Errors = counters.Matches, counters.Errors
		}
		if w, ok := learned[cr.rule.ID]; ok {
			r.LearnedWeight = w
		}
		st.Rules[cr.rule.ID] = r
	}
	e.stats.mu.Unlock()

	e.resultsMu.RLock()
	st.StoredResults = len(e.correlations)
	e.resultsMu.RUnlock()
	return st
}

// TopRules returns rule ids ordered by match count, highest first
func (s Statistics) TopRules(n int) []string {
	ids := make([]string, 0, len(s.Rules))
	for id := range s.Rules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.Rules[ids[i]], s.Rules[ids[j]]
		if a.Matches != b.Matches {
			return a.Matches > b.Matches
		}
		return ids[i] < ids[j]
	})
	if n > 0 && n < len(ids) {
		ids = ids[:n]
	}
	return ids
}

// Gauges exposes engine statistics to the component collector
func (e *Engine) Gauges() map[string]float64 {
	st := e.GetStatistics()
	return map[string]float64{
		"events_analyzed":    float64(st.EventsAnalyzed),
		"correlations_found": float64(st.CorrelationsFound),
		"chains_detected":    float64(st.ChainsDetected),
		"rule_errors":        float64(st.RuleErrors),
		"window_events":      float64(st.WindowEvents),
		"partitions":         float64(st.Partitions),
		"active_rules":       float64(st.ActiveRules),
		"avg_analysis_s":     st.AvgAnalysis.Seconds(),
	}
}
