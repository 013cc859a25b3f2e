package correlation

import (
	"context"
	"os"
	"path/filepath"
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
    mitre_technique: T1110
  - id: kill-chain
    name: Recon, exploit and exfiltration
    type: sequence
    enabled: true
    event_types: [recon, exploit, exfil]
    group_by: host
    window: 10m
    conditions:
      - field: severity
        operator: in
        values: [high, critical]
`

func TestUpdateRuleVersions(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	r, err := e.UpdateRule(ctx, bruteForceRule())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Version)
	assert.False(t, r.UpdatedAt.IsZero())

	changed := bruteForceRule()
	changed.Threshold = 5
	r, err = e.UpdateRule(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Version)

	got, err := e.GetRule(ctx, "brute-force")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Threshold)
	assert.Equal(t, 2, got.Version)
}

func TestUpdateRuleDefaultsWeight(t *testing.T) {
	e := newTestEngine(t, nil)
	rule := killChainRule()
	rule.Weight = 0
	r, err := e.UpdateRule(context.Background(), rule)
	require.NoError(t, err)
	assert.Equal(t, 1.0, r.Weight)
}

func TestRulesAreCopies(t *testing.T) {
	e := newTestEngine(t, nil)
	addRules(t, e, killChainRule())

	rules, err := e.GetRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	rules[0].EventTypes[0] = "tampered"

	got, err := e.GetRule(context.Background(), "kill-chain")
	require.NoError(t, err)
	assert.Equal(t, "recon", got.EventTypes[0])
}

func TestInvalidRules(t *testing.T) {
	e := newTestEngine(t, nil)

	tests := map[string]func(r *core.CorrelationRule){
		"no event types":    func(r *core.CorrelationRule) { r.EventTypes = nil },
		"bad group":         func(r *core.CorrelationRule) { r.GroupBy = "process" },
		"no window":         func(r *core.CorrelationRule) { r.Window = 0 },
		"low threshold":     func(r *core.CorrelationRule) { r.Threshold = 1 },
		"weight too high":   func(r *core.CorrelationRule) { r.Weight = 1.5 },
		"nested quantifier": func(r *core.CorrelationRule) { r.Conditions = []core.RuleCondition{{Field: "cmd", Operator: core.OpRegex, Value: "(a+)+"}} },
		"empty in":          func(r *core.CorrelationRule) { r.Conditions = []core.RuleCondition{{Field: "cmd", Operator: core.OpIn}} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			r := bruteForceRule()
			mutate(&r)
			_, err := e.UpdateRule(context.Background(), r)
			require.Error(t, err)
			assert.True(t, core.IsValidation(err))
			assert.ErrorIs(t, err, core.ErrInvalidRule)
		})
	}

	rules, err := e.GetRules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestDeleteRule(t *testing.T) {
	e := newTestEngine(t, nil)
	addRules(t, e, bruteForceRule())
	analyzeAll(t, e,
		fromIP(event("a0", "auth_failure", 0), "10.0.0.5"),
		fromIP(event("a1", "auth_failure", time.Second), "10.0.0.5"),
		fromIP(event("a2", "auth_failure", 2*time.Second), "10.0.0.5"),
	)

	ok, err := e.DeleteRule(context.Background(), "brute-force")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.DeleteRule(context.Background(), "brute-force")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.GetRule(context.Background(), "brute-force")
	assert.True(t, core.IsValidation(err))
	_, present := e.GetStatistics().Rules["brute-force"]
	assert.False(t, present)

	res, err := e.AnalyzeEvent(context.Background(), fromIP(event("a3", "auth_failure", 3*time.Second), "10.0.0.5"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.RulesEvaluated)
}

func TestDisabledRuleIsSkipped(t *testing.T) {
	e := newTestEngine(t, nil)
	rule := bruteForceRule()
	rule.Enabled = false
	addRules(t, e, rule)

	found := analyzeAll(t, e,
		fromIP(event("a0", "auth_failure", 0), "10.0.0.5"),
		fromIP(event("a1", "auth_failure", time.Second), "10.0.0.5"),
		fromIP(event("a2", "auth_failure", 2*time.Second), "10.0.0.5"),
	)
	assert.Empty(t, found)
	assert.Equal(t, 0, e.GetStatistics().ActiveRules)
}

func TestReplaceRulesIsAtomic(t *testing.T) {
	e := newTestEngine(t, nil)
	addRules(t, e, lateralRule())

	err := e.ReplaceRules(context.Background(), []core.CorrelationRule{bruteForceRule(), bruteForceRule()})
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))

	bad := killChainRule()
	bad.EventTypes = []string{"recon"}
	err = e.ReplaceRules(context.Background(), []core.CorrelationRule{bruteForceRule(), bad})
	require.Error(t, err)

	rules, err := e.GetRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "lateral-movement", rules[0].ID)

	require.NoError(t, e.ReplaceRules(context.Background(), []core.CorrelationRule{bruteForceRule(), killChainRule()}))
	rules, err = e.GetRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "brute-force", rules[0].ID)
	assert.Equal(t, "kill-chain", rules[1].ID)
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(rulesYAML))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, 5*time.Minute, rules[0].Window)
	assert.Equal(t, core.CorrelationTypeSequence, rules[1].Type)
	assert.Equal(t, []string{"high", "critical"}, rules[1].Conditions[0].Values)

	list, err := ParseRules([]byte(`
- id: only
  name: Only rule
  type: threshold
  event_types: [x]
  group_by: host
  window: 1m
  threshold: 2
`))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "only", list[0].ID)

	_, err = ParseRules([]byte("rules: [unterminated"))
	assert.True(t, core.IsValidation(err))
}

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	e := newTestEngine(t, nil)
	n, err := e.LoadRulesFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ev := onHost(event("s1", "recon", 0), "web-1")
	ev.Severity = "low"
	found := analyzeAll(t, e, ev,
		onHost(event("s2", "exploit", time.Minute), "web-1"),
		onHost(event("s3", "exfil", 2*time.Minute), "web-1"),
	)
	assert.Empty(t, found, "severity condition filters the stages")

	_, err = e.LoadRulesFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRules(t *testing.T) {
	assert.Empty(t, ValidateRules([]core.CorrelationRule{bruteForceRule(), killChainRule()}))

	badRegex := bruteForceRule()
	badRegex.ID = "bad-regex"
	badRegex.Conditions = []core.RuleCondition{{Field: "user", Operator: core.OpRegex, Value: "(unclosed"}}

	lowThreshold := bruteForceRule()
	lowThreshold.ID = "low"
	lowThreshold.Threshold = 1

	errs := ValidateRules([]core.CorrelationRule{bruteForceRule(), bruteForceRule(), badRegex, lowThreshold})
	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.True(t, core.IsValidation(err), err.Error())
	}
	assert.Contains(t, errs[0].Error(), "duplicate")
}
