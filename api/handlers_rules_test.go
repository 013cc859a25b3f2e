package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"castellan/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesYAML = `
rules:
  - id: brute-force
    name: Repeated authentication failures
    type: threshold
    enabled: true
    event_types: [auth_failure]
    group_by: source_ip
    window: 5m
    threshold: 3
    weight: 0.8
  - id: kill-chain
    name: Recon then exploit
    type: sequence
    enabled: true
    event_types: [recon, exploit]
    group_by: host
    window: 10m
`

func bruteForceRule() core.CorrelationRule {
	return core.CorrelationRule{
		ID:         "brute-force",
		Name:       "Repeated authentication failures",
		Type:       core.CorrelationTypeThreshold,
		Enabled:    true,
		EventTypes: []string{"auth_failure"},
		GroupBy:    "source_ip",
		Window:     5 * time.Minute,
		Threshold:  3,
		Weight:     0.8,
	}
}

func TestReplaceRulesFromYAML(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/rules", rulesYAML, "Content-Type", "application/yaml")
	requireStatus(t, rec, http.StatusOK)
	set := decode[RuleSet](t, rec)
	assert.Len(t, set.Rules, 2)

	rec = env.do(t, http.MethodGet, "/api/v1/rules/kill-chain", nil)
	requireStatus(t, rec, http.StatusOK)
	rule := decode[core.CorrelationRule](t, rec)
	assert.Equal(t, core.CorrelationTypeSequence, rule.Type)
	assert.Equal(t, 10*time.Minute, rule.Window)
}

func TestReplaceRulesRejectsInvalidSet(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.UpdateRule(context.Background(), bruteForceRule())
	require.NoError(t, err)

	bad := bruteForceRule()
	bad.GroupBy = "mailbox"
	rec := env.do(t, http.MethodPut, "/api/v1/rules", RuleSet{Rules: []core.CorrelationRule{bad}})
	requireStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodPut, "/api/v1/rules", "rules: [unterminated", "Content-Type", "text/yaml")
	requireStatus(t, rec, http.StatusBadRequest)

	rules, err := env.engine.GetRules(context.Background())
	require.NoError(t, err)
	assert.Len(t, rules, 1, "a rejected set leaves the old rules in place")
}

func TestRuleCRUD(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/rules/brute-force", bruteForceRule())
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, 1, decode[core.CorrelationRule](t, rec).Version)

	changed := bruteForceRule()
	changed.Threshold = 5
	rec = env.do(t, http.MethodPut, "/api/v1/rules/brute-force", changed)
	requireStatus(t, rec, http.StatusOK)
	got := decode[core.CorrelationRule](t, rec)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 5, got.Threshold)

	rec = env.do(t, http.MethodPut, "/api/v1/rules/other", bruteForceRule())
	requireStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodDelete, "/api/v1/rules/brute-force", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/rules/brute-force", nil)
	requireStatus(t, rec, http.StatusNotFound)

	rec = env.do(t, http.MethodGet, "/api/v1/rules/brute-force", nil)
	requireStatus(t, rec, http.StatusNotFound)
}

// correlate feeds three failed logins from one address through the engine
func correlate(t *testing.T, env *testEnv) core.EventCorrelation {
	t.Helper()
	ctx := context.Background()
	_, err := env.engine.UpdateRule(ctx, bruteForceRule())
	require.NoError(t, err)

	now := time.Now().UTC()
	var last *core.CorrelationResult
	for i := 0; i < 3; i++ {
		ev := &core.LogEvent{
			ID:        fmt.Sprintf("af-%d", i),
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Source:    "sshd",
			EventType: "auth_failure",
			SourceIP:  "10.0.0.5",
		}
		last, err = env.engine.AnalyzeEvent(ctx, ev)
		require.NoError(t, err)
	}
	require.Len(t, last.Correlations, 1)
	return last.Correlations[0]
}

func TestCorrelationEndpoints(t *testing.T) {
	env := newTestEnv(t)
	c := correlate(t, env)

	rec := env.do(t, http.MethodGet, "/api/v1/correlations", nil)
	requireStatus(t, rec, http.StatusOK)
	list := decode[[]core.EventCorrelation](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/correlations?rule_id=kill-chain", nil)
	requireStatus(t, rec, http.StatusOK)
	assert.Empty(t, decode[[]core.EventCorrelation](t, rec))

	rec = env.do(t, http.MethodGet, "/api/v1/correlations/"+c.ID, nil)
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, []string{"af-0", "af-1", "af-2"}, decode[core.EventCorrelation](t, rec).EventIDs)

	rec = env.do(t, http.MethodGet, "/api/v1/correlations/missing", nil)
	requireStatus(t, rec, http.StatusNotFound)

	rec = env.do(t, http.MethodGet, "/api/v1/correlations/stats", nil)
	requireStatus(t, rec, http.StatusOK)
	stats := decode[map[string]interface{}](t, rec)
	assert.Equal(t, []interface{}{"brute-force"}, stats["top_rules"])

	rec = env.do(t, http.MethodGet, "/api/v1/chains", nil)
	requireStatus(t, rec, http.StatusOK)
}

func TestConfirmCorrelation(t *testing.T) {
	env := newTestEnv(t)
	c := correlate(t, env)

	rec := env.do(t, http.MethodPost, "/api/v1/correlations/"+c.ID+"/confirm", ConfirmRequest{Confirmed: true})
	requireStatus(t, rec, http.StatusOK)
	assert.True(t, decode[core.EventCorrelation](t, rec).Confirmed)

	stored, ok := env.engine.Correlation(c.ID)
	require.True(t, ok)
	assert.True(t, stored.Confirmed)

	rec = env.do(t, http.MethodPost, "/api/v1/correlations/missing/confirm", ConfirmRequest{Confirmed: true})
	requireStatus(t, rec, http.StatusNotFound)
}
