package storage

import (
	"context"
	"testing"
	"time"

	"castellan/core"
	"castellan/correlation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var _ correlation.Repository = (*SQLiteCorrelationStore)(nil)

func sampleCorrelation(id, ruleID string, detected time.Time) core.EventCorrelation {
	return core.EventCorrelation{
		ID:              id,
		RuleID:          ruleID,
		Type:            core.CorrelationTypeThreshold,
		Reason:          "3 matching events within 2m0s (threshold 3)",
		EventIDs:        []string{"e1", "e2", "e3"},
		Score:           0.72,
		EntityKey:       "ip:10.0.0.5",
		Entities:        []string{"ip:10.0.0.5"},
		WindowStart:     detected.Add(-2 * time.Minute),
		WindowEnd:       detected,
		DetectedAt:      detected,
		MitreTechniques: []string{"T1110"},
	}
}

func TestSQLiteCorrelationStore_Correlations(t *testing.T) {
	store := NewSQLiteCorrelationStore(newTestSQLite(t), zaptest.NewLogger(t).Sugar())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.SaveCorrelation(ctx, sampleCorrelation("c-old", "brute-force", now.Add(-48*time.Hour))))
	require.NoError(t, store.SaveCorrelation(ctx, sampleCorrelation("c-new", "brute-force", now)))
	require.NoError(t, store.SaveCorrelation(ctx, sampleCorrelation("c-other", "kill-chain", now.Add(-time.Hour))))

	confirmed := sampleCorrelation("c-new", "brute-force", now)
	confirmed.Confirmed = true
	require.NoError(t, store.SaveCorrelation(ctx, confirmed))

	got, err := store.GetCorrelation(ctx, "c-new")
	require.NoError(t, err)
	assert.True(t, got.Confirmed)
	assert.Equal(t, []string{"e1", "e2", "e3"}, got.EventIDs)
	assert.InDelta(t, 0.72, got.Score, 1e-9)
	assert.True(t, got.DetectedAt.Equal(now))

	all, err := store.ListCorrelations(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c-new", "c-other", "c-old"}, []string{all[0].ID, all[1].ID, all[2].ID})

	byRule, err := store.ListCorrelations(ctx, "kill-chain", 10)
	require.NoError(t, err)
	require.Len(t, byRule, 1)
	assert.Equal(t, "c-other", byRule[0].ID)

	removed, err := store.DeleteCorrelationsBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	_, err = store.GetCorrelation(ctx, "c-old")
	assert.ErrorIs(t, err, ErrCorrelationNotFound)
}

func TestSQLiteCorrelationStore_AttackChains(t *testing.T) {
	store := NewSQLiteCorrelationStore(newTestSQLite(t), nil)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	chain := core.AttackChain{
		ID: "chain-1",
		Stages: []core.AttackStage{
			{Sequence: 1, EventID: "e1", EventType: "recon", Timestamp: now.Add(-10 * time.Minute), CorrelationID: "c1"},
			{Sequence: 2, EventID: "e2", EventType: "exploit", Timestamp: now.Add(-5 * time.Minute), CorrelationID: "c1"},
		},
		Confidence:     0.6,
		StartTime:      now.Add(-10 * time.Minute),
		EndTime:        now.Add(-5 * time.Minute),
		AffectedAssets: []string{"host:web-1"},
		CorrelationIDs: []string{"c1"},
	}
	require.NoError(t, store.SaveAttackChain(ctx, chain))

	chain.Confidence = 0.8
	chain.Stages = append(chain.Stages, core.AttackStage{Sequence: 3, EventID: "e3", EventType: "exfil", Timestamp: now, CorrelationID: "c2"})
	chain.EndTime = now
	require.NoError(t, store.SaveAttackChain(ctx, chain))

	chains, err := store.ListAttackChains(ctx, 0)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Len(t, chains[0].Stages, 3)
	assert.InDelta(t, 0.8, chains[0].Confidence, 1e-9)

	_, err = store.DeleteCorrelationsBefore(ctx, now.Add(time.Second))
	require.NoError(t, err)
	chains, err = store.ListAttackChains(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, chains)
}

func TestSQLiteCorrelationStore_Rules(t *testing.T) {
	store := NewSQLiteCorrelationStore(newTestSQLite(t), zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	rule := core.CorrelationRule{
		ID:         "brute-force",
		Name:       "Brute force",
		Type:       core.CorrelationTypeThreshold,
		Enabled:    true,
		EventTypes: []string{"login_failed"},
		Conditions: []core.RuleCondition{{Field: "severity", Operator: core.OpIn, Values: []string{"high", "critical"}}},
		GroupBy:    "source_ip",
		Window:     5 * time.Minute,
		Threshold:  3,
		Weight:     0.8,
		Version:    1,
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.SaveRule(ctx, rule))
	rule.Version = 2
	rule.Enabled = false
	require.NoError(t, store.SaveRule(ctx, rule))

	rules, err := store.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 2, rules[0].Version)
	assert.False(t, rules[0].Enabled)
	assert.Equal(t, 5*time.Minute, rules[0].Window)
	assert.Equal(t, []string{"high", "critical"}, rules[0].Conditions[0].Values)

	require.NoError(t, store.DeleteRule(ctx, "brute-force"))
	require.NoError(t, store.DeleteRule(ctx, "never-stored"))
	rules, err = store.LoadRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

// Rules updated through the engine survive a restart of the engine.
func TestSQLiteCorrelationStore_EngineRoundTrip(t *testing.T) {
	db := newTestSQLite(t)
	logger := zaptest.NewLogger(t).Sugar()
	ctx := context.Background()
	repo := NewSQLiteCorrelationStore(db, logger)

	engine, err := correlation.NewEngine(correlation.DefaultConfig(), nil, logger, correlation.WithRepository(repo))
	require.NoError(t, err)
	_, err = engine.UpdateRule(ctx, core.CorrelationRule{
		ID:         "recon-burst",
		Name:       "Recon burst",
		Type:       core.CorrelationTypeThreshold,
		Enabled:    true,
		EventTypes: []string{"port_scan"},
		GroupBy:    "host",
		Window:     time.Minute,
		Threshold:  2,
		Weight:     0.5,
	})
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"s1", "s2"} {
		_, err := engine.AnalyzeEvent(ctx, &core.LogEvent{
			ID: id, Timestamp: base.Add(time.Duration(i) * time.Second),
			Source: "ids", EventType: "port_scan", Host: "db-1",
		})
		require.NoError(t, err)
	}
	engine.Close()

	stored, err := repo.ListCorrelations(ctx, "recon-burst", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, []string{"s1", "s2"}, stored[0].EventIDs)

	restarted, err := correlation.NewEngine(correlation.DefaultConfig(), nil, logger, correlation.WithRepository(repo))
	require.NoError(t, err)
	defer restarted.Close()
	n, err := restarted.LoadPersistedRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	r, err := restarted.GetRule(ctx, "recon-burst")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Version)
}
