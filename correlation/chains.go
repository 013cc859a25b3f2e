package correlation

import (
	"context"
	"sort"
	"strings"
	"time"

	"castellan/core"
	"castellan/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// minChainStages is the stage count a single sequence correlation needs to
// count as a chain on its own
const minChainStages = 3

// DetectAttackChains correlates events in isolation and groups the resulting
// correlations into attack chains. Two correlations join the same chain when
// they share an entity and their time ranges are no more than gap apart.
// Stages are ordered by timestamp, ties broken by event id.
func (e *Engine) DetectAttackChains(ctx context.Context, events []*core.LogEvent, gap time.Duration) ([]core.AttackChain, error) {
	ctx, span := e.tracer.Start(ctx, "correlation.DetectAttackChains")
	defer span.End()

	batch, err := e.AnalyzeBatch(ctx, events, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch analysis failed")
		return nil, err
	}

	byID := make(map[string]*core.LogEvent, len(events))
	for _, ev := range events {
		if ev != nil {
			byID[ev.ID] = ev
		}
	}
	chains := buildChains(batch.Correlations, byID, gap)

	if len(chains) > 0 {
		e.resultsMu.Lock()
		e.chains = append(e.chains, chains...)
		e.resultsMu.Unlock()
		e.stats.chains.Add(uint64(len(chains)))
		metrics.AttackChainsDetected.Add(float64(len(chains)))
	}
	for _, c := range chains {
		e.logger.Infow("Attack chain detected",
			"chain_id", c.ID,
			"stages", len(c.Stages),
			"confidence", c.Confidence,
			"assets", c.AffectedAssets)
		if e.repo != nil {
			if err := e.repo.SaveAttackChain(ctx, c); err != nil {
				e.logger.Warnw("Failed to persist attack chain", "chain_id", c.ID, "error", err)
			}
		}
	}

	span.SetAttributes(
		attribute.Int("correlation.count", len(batch.Correlations)),
		attribute.Int("chain.count", len(chains)))
	return chains, nil
}

func buildChains(corrs []core.EventCorrelation, events map[string]*core.LogEvent, gap time.Duration) []core.AttackChain {
	sorted := append([]core.EventCorrelation(nil), corrs...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].WindowStart.Equal(sorted[j].WindowStart) {
			return sorted[i].WindowStart.Before(sorted[j].WindowStart)
		}
		return sorted[i].ID < sorted[j].ID
	})

	parent := make([]int, len(sorted))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			if linked(sorted[i], sorted[j], gap) {
				if a, b := find(i), find(j); a != b {
					parent[b] = a
				}
			}
		}
	}

	groups := make(map[int][]int)
	var roots []int
	for i := range sorted {
		r := find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], i)
	}

	var chains []core.AttackChain
	for _, r := range roots {
		members := make([]core.EventCorrelation, 0, len(groups[r]))
		for _, i := range groups[r] {
			members = append(members, sorted[i])
		}
		if chain, ok := assembleChain(members, events); ok {
			chains = append(chains, chain)
		}
	}
	sort.Slice(chains, func(i, j int) bool {
		if !chains[i].StartTime.Equal(chains[j].StartTime) {
			return chains[i].StartTime.Before(chains[j].StartTime)
		}
		return chains[i].ID < chains[j].ID
	})
	return chains
}

// linked reports whether two correlations share an entity and lie within gap
// of each other
func linked(a, b core.EventCorrelation, gap time.Duration) bool {
	if a.WindowStart.After(b.WindowEnd.Add(gap)) || b.WindowStart.After(a.WindowEnd.Add(gap)) {
		return false
	}
	for _, x := range a.Entities {
		for _, y := range b.Entities {
			if x == y {
				return true
			}
		}
	}
	return false
}

// assembleChain turns a group of correlations into a chain. Members are
// ordered by window start then id.
func assembleChain(members []core.EventCorrelation, events map[string]*core.LogEvent) (core.AttackChain, bool) {
	if len(members) == 1 {
		c := members[0]
		if c.Type != core.CorrelationTypeSequence || len(c.EventIDs) < minChainStages {
			return core.AttackChain{}, false
		}
	}

	owner := make(map[string]core.EventCorrelation)
	assets := make(map[string]struct{})
	corrIDs := make([]string, 0, len(members))
	var scoreSum float64
	for _, c := range members {
		corrIDs = append(corrIDs, c.ID)
		scoreSum += c.Score
		for _, id := range c.EventIDs {
			if _, ok := owner[id]; !ok {
				owner[id] = c
			}
		}
		for _, ent := range c.Entities {
			assets[ent] = struct{}{}
		}
	}

	var stageEvents []*core.LogEvent
	for id := range owner {
		if ev, ok := events[id]; ok {
			stageEvents = append(stageEvents, ev)
		}
	}
	if len(stageEvents) < 2 {
		return core.AttackChain{}, false
	}
	sort.Slice(stageEvents, func(i, j int) bool { return eventLess(stageEvents[i], stageEvents[j]) })

	stages := make([]core.AttackStage, len(stageEvents))
	for i, ev := range stageEvents {
		c := owner[ev.ID]
		stage := core.AttackStage{
			Sequence:      i + 1,
			EventID:       ev.ID,
			EventType:     ev.EventType,
			Timestamp:     ev.Timestamp,
			CorrelationID: c.ID,
		}
		if len(c.MitreTechniques) > 0 {
			stage.MitreTechnique = c.MitreTechniques[0]
		}
		stages[i] = stage
	}

	assetList := make([]string, 0, len(assets))
	for a := range assets {
		assetList = append(assetList, a)
	}
	sort.Strings(assetList)
	sortedCorrIDs := append([]string(nil), corrIDs...)
	sort.Strings(sortedCorrIDs)

	return core.AttackChain{
		ID:             uuid.NewSHA1(chainNamespace, []byte(strings.Join(sortedCorrIDs, ","))).String(),
		Stages:         stages,
		Confidence:     chainConfidence(scoreSum/float64(len(members)), len(stages)),
		StartTime:      stages[0].Timestamp,
		EndTime:        stages[len(stages)-1].Timestamp,
		AffectedAssets: assetList,
		CorrelationIDs: corrIDs,
	}, true
}

// chainConfidence boosts the mean correlation score by 10% per stage beyond two
func chainConfidence(meanScore float64, stages int) float64 {
	c := meanScore * (1 + 0.1*float64(stages-2))
	if c > 1 {
		return 1
	}
	return c
}
