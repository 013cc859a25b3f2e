package correlation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"castellan/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestThresholdRule(t *testing.T) {
	e := newTestEngine(t, nil)
	addRules(t, e, bruteForceRule())
	ctx := context.Background()

	var results []*core.CorrelationResult
	for i := 0; i < 6; i++ {
		res, err := e.AnalyzeEvent(ctx, fromIP(event(fmt.Sprintf("a%d", i), "auth_failure", time.Duration(i)*30*time.Second), "10.0.0.5"))
		require.NoError(t, err)
		results = append(results, res)
	}

	assert.True(t, results[0].Empty())
	assert.True(t, results[1].Empty())
	require.Len(t, results[2].Correlations, 1)
	c := results[2].Correlations[0]
	assert.Equal(t, []string{"a0", "a1", "a2"}, c.EventIDs)
	assert.Equal(t, "brute-force", c.RuleID)
	assert.Equal(t, core.CorrelationTypeThreshold, c.Type)
	assert.Equal(t, "ip:10.0.0.5", c.EntityKey)
	assert.Equal(t, []string{"T1110"}, c.MitreTechniques)
	assert.Equal(t, base, c.WindowStart)
	assert.Equal(t, base.Add(time.Minute), c.WindowEnd)
	// 0.8 weight, 1 minute of a 5 minute window
	assert.InDelta(t, 0.8*0.9, c.Score, 1e-9)

	assert.True(t, results[3].Empty(), "used events do not count twice")
	assert.True(t, results[4].Empty())
	require.Len(t, results[5].Correlations, 1)
	assert.Equal(t, []string{"a3", "a4", "a5"}, results[5].Correlations[0].EventIDs)
}

func TestThresholdOutsideWindow(t *testing.T) {
	e := newTestEngine(t, nil)
	addRules(t, e, bruteForceRule())

	found := analyzeAll(t, e,
		fromIP(event("a0", "auth_failure", 0), "10.0.0.5"),
		fromIP(event("a1", "auth_failure", 4*time.Minute), "10.0.0.5"),
		fromIP(event("a2", "auth_failure", 8*time.Minute), "10.0.0.5"),
	)
	assert.Empty(t, found)
}

func TestThresholdSeparatesEntities(t *testing.T) {
	e := newTestEngine(t, nil)
	addRules(t, e, bruteForceRule())

	found := analyzeAll(t, e,
		fromIP(event("a0", "auth_failure", 0), "10.0.0.5"),
		fromIP(event("a1", "auth_failure", time.Second), "10.0.0.6"),
		fromIP(event("a2", "auth_failure", 2*time.Second), "10.0.0.5"),
		fromIP(event("a3", "auth_failure", 3*time.Second), "10.0.0.6"),
		fromIP(event("a4", "login", 4*time.Second), "10.0.0.5"),
	)
	assert.Empty(t, found)
}

func TestSequenceRule(t *testing.T) {
	e := newTestEngine(t, nil)
	addRules(t, e, killChainRule())

	found := analyzeAll(t, e,
		onHost(event("s1", "recon", 0), "web-1"),
		onHost(event("s2", "login", time.Minute), "web-1"),
		onHost(event("s3", "exploit", 2*time.Minute), "web-1"),
		onHost(event("s4", "exfil", 3*time.Minute), "web-1"),
	)
	require.Len(t, found, 1)
	assert.Equal(t, []string{"s1", "s3", "s4"}, found[0].EventIDs)
	assert.Contains(t, found[0].Reason, "recon -> exploit -> exfil")
}

func TestSequenceRequiresOrder(t *testing.T) {
	e := newTestEngine(t, nil)
	addRules(t, e, killChainRule())

	found := analyzeAll(t, e,
		onHost(event("s1", "exploit", 0), "web-1"),
		onHost(event("s2", "recon", time.Minute), "web-1"),
		onHost(event("s3", "exfil", 2*time.Minute), "web-1"),
	)
	assert.Empty(t, found)
}

func TestSequenceToleratesOutOfOrderArrival(t *testing.T) {
	e := newTestEngine(t, nil)
	addRules(t, e, killChainRule())

	found := analyzeAll(t, e,
		onHost(event("s1", "recon", 0), "web-1"),
		onHost(event("s3", "exfil", 2*time.Minute), "web-1"),
		onHost(event("s2", "exploit", time.Minute), "web-1"),
	)
	require.Len(t, found, 1)
	assert.Equal(t, []string{"s1", "s2", "s3"}, found[0].EventIDs)
}

func TestCrossEntityRule(t *testing.T) {
	e := newTestEngine(t, nil)
	addRules(t, e, lateralRule())

	found := analyzeAll(t, e,
		onHost(byUser(event("l1", "login", 0), "alice"), "h1"),
		onHost(byUser(event("l2", "login", time.Minute), "alice"), "h2"),
		onHost(byUser(event("l3", "login", 2*time.Minute), "alice"), "h2"),
		onHost(byUser(event("l4", "login", 3*time.Minute), "bob"), "h3"),
		onHost(byUser(event("l5", "login", 4*time.Minute), "alice"), "h3"),
	)
	require.Len(t, found, 1)
	assert.Equal(t, []string{"l1", "l2", "l5"}, found[0].EventIDs)
	assert.Equal(t, "user:alice", found[0].EntityKey)
	assert.Equal(t, []string{"host:h1", "host:h2", "host:h3", "user:alice"}, found[0].Entities)
}

func TestRuleConditions(t *testing.T) {
	e := newTestEngine(t, nil)
	rule := bruteForceRule()
	rule.Conditions = []core.RuleCondition{
		{Field: "service", Operator: core.OpIn, Values: []string{"ssh", "rdp"}},
		{Field: "account", Operator: core.OpRegex, Value: `^(root|admin)$`},
	}
	addRules(t, e, rule)

	mk := func(id, service, account string, at time.Duration) *core.LogEvent {
		ev := fromIP(event(id, "auth_failure", at), "10.0.0.9")
		ev.Payload["service"] = service
		ev.Payload["account"] = account
		return ev
	}
	found := analyzeAll(t, e,
		mk("c1", "ssh", "root", 0),
		mk("c2", "http", "root", time.Second),
		mk("c3", "rdp", "guest", 2*time.Second),
		mk("c4", "rdp", "admin", 3*time.Second),
		mk("c5", "ssh", "admin", 4*time.Second),
	)
	require.Len(t, found, 1)
	assert.Equal(t, []string{"c1", "c4", "c5"}, found[0].EventIDs)
}

func TestConditionOperators(t *testing.T) {
	ev := event("x", "login", 0)
	ev.Payload["port"] = 22
	ev.Payload["cmd"] = "curl http://evil"

	tests := []struct {
		cond core.RuleCondition
		want bool
	}{
		{core.RuleCondition{Field: "port", Operator: core.OpEquals, Value: "22"}, true},
		{core.RuleCondition{Field: "port", Operator: core.OpNotEquals, Value: "22"}, false},
		{core.RuleCondition{Field: "missing", Operator: core.OpNotEquals, Value: "x"}, true},
		{core.RuleCondition{Field: "cmd", Operator: core.OpContains, Value: "evil"}, true},
		{core.RuleCondition{Field: "cmd", Operator: core.OpExists}, true},
		{core.RuleCondition{Field: "missing", Operator: core.OpExists}, false},
		{core.RuleCondition{Field: "missing", Operator: core.OpEquals, Value: ""}, false},
		{core.RuleCondition{Field: "source", Operator: core.OpEquals, Value: "sensor"}, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.cond.Operator)+"/"+tt.cond.Field, func(t *testing.T) {
			got, err := compiledCondition{RuleCondition: tt.cond}.match(ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInvalidEventDoesNotEnterWindow(t *testing.T) {
	e := newTestEngine(t, nil)
	addRules(t, e, bruteForceRule())

	bad := fromIP(event("", "auth_failure", 0), "10.0.0.5")
	_, err := e.AnalyzeEvent(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))

	_, err = e.AnalyzeEvent(context.Background(), nil)
	assert.True(t, core.IsValidation(err))

	future := fromIP(event("f", "auth_failure", 0), "10.0.0.5")
	future.Timestamp = time.Now().Add(time.Hour)
	_, err = e.AnalyzeEvent(context.Background(), future)
	assert.True(t, core.IsValidation(err))

	st := e.GetStatistics()
	assert.Equal(t, 0, st.WindowEvents)
	assert.Equal(t, uint64(3), st.EventsRejected)
	assert.Equal(t, uint64(0), st.EventsAnalyzed)
}

func TestDuplicateEventIsIgnored(t *testing.T) {
	e := newTestEngine(t, nil)
	addRules(t, e, bruteForceRule())

	a := fromIP(event("a0", "auth_failure", 0), "10.0.0.5")
	found := analyzeAll(t, e, a, a, a)
	assert.Empty(t, found)
	assert.Equal(t, uint64(2), e.GetStatistics().DuplicateEvents)
	assert.Equal(t, 1, e.GetStatistics().WindowEvents)
}

func TestLateEventIsNotBuffered(t *testing.T) {
	e := newTestEngine(t, nil)
	addRules(t, e, bruteForceRule())

	analyzeAll(t, e, fromIP(event("new", "auth_failure", 90*time.Minute), "10.0.0.5"))
	res, err := e.AnalyzeEvent(context.Background(), fromIP(event("old", "auth_failure", 0), "10.0.0.5"))
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Equal(t, uint64(1), e.GetStatistics().LateEvents)
	assert.Equal(t, 1, e.GetStatistics().WindowEvents)
}

func TestRuleFailureIsIsolated(t *testing.T) {
	store := &failingStore{Store: newMemoryStore(t), prefix: "corr:brute-force:"}
	e := newTestEngine(t, store)
	addRules(t, e, bruteForceRule(), killChainRule())

	mk := func(id, typ string, at time.Duration) *core.LogEvent {
		return onHost(fromIP(event(id, typ, at), "10.0.0.5"), "web-1")
	}
	var last *core.CorrelationResult
	for i, typ := range []string{"auth_failure", "auth_failure", "recon", "exploit", "auth_failure", "exfil"} {
		res, err := e.AnalyzeEvent(context.Background(), mk(fmt.Sprintf("e%d", i), typ, time.Duration(i)*time.Second))
		require.NoError(t, err)
		if i == 4 {
			require.Len(t, res.RuleErrors, 1)
			assert.Equal(t, "brute-force", res.RuleErrors[0].RuleID)
			assert.Empty(t, res.Correlations)
		}
		last = res
	}

	require.Len(t, last.Correlations, 1)
	assert.Equal(t, "kill-chain", last.Correlations[0].RuleID)

	st := e.GetStatistics()
	assert.GreaterOrEqual(t, st.RuleErrors, uint64(1))
	assert.GreaterOrEqual(t, st.Rules["brute-force"].Errors, uint64(1))
	assert.Equal(t, uint64(1), st.Rules["kill-chain"].Matches)
}

func TestSharedStateDeduplicatesAcrossEngines(t *testing.T) {
	store := newMemoryStore(t)
	first := newTestEngine(t, store)
	second := newTestEngine(t, store)
	addRules(t, first, bruteForceRule())
	addRules(t, second, bruteForceRule())

	events := []*core.LogEvent{
		fromIP(event("a0", "auth_failure", 0), "10.0.0.5"),
		fromIP(event("a1", "auth_failure", time.Second), "10.0.0.5"),
		fromIP(event("a2", "auth_failure", 2*time.Second), "10.0.0.5"),
	}
	assert.Len(t, analyzeAll(t, first, events...), 1)
	assert.Empty(t, analyzeAll(t, second, events...))
	assert.Equal(t, uint64(1), second.GetStatistics().Suppressed)

	keys, err := store.GetKeys(context.Background(), "corr:brute-force:*")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestConcurrentAnalysisSameBucket(t *testing.T) {
	e := newTestEngine(t, newMemoryStore(t))
	addRules(t, e, bruteForceRule())

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		found []core.EventCorrelation
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.AnalyzeEvent(context.Background(), fromIP(event(fmt.Sprintf("a%02d", i), "auth_failure", time.Duration(i)*time.Second), "10.0.0.5"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			found = append(found, res.Correlations...)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, found, 10)
	seen := map[string]bool{}
	for _, c := range found {
		require.Len(t, c.EventIDs, 3)
		for _, id := range c.EventIDs {
			assert.False(t, seen[id], "event %s in two correlations", id)
			seen[id] = true
		}
	}
}

func TestCorrelationIDIsDeterministic(t *testing.T) {
	assert.Equal(t, correlationID("r", []string{"b", "a"}), correlationID("r", []string{"a", "b"}))
	assert.NotEqual(t, correlationID("r", []string{"a", "b"}), correlationID("q", []string{"a", "b"}))
	assert.Equal(t, dedupKey("r", []string{"b", "a"}), dedupKey("r", []string{"a", "b"}))
}

func TestCleanupOldCorrelations(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	e := newTestEngine(t, nil, WithClock(clock))
	addRules(t, e, bruteForceRule())

	analyzeAll(t, e,
		fromIP(event("a0", "auth_failure", 0), "10.0.0.5"),
		fromIP(event("a1", "auth_failure", time.Second), "10.0.0.5"),
		fromIP(event("a2", "auth_failure", 2*time.Second), "10.0.0.5"),
	)
	require.Len(t, e.Correlations(0), 1)

	removed, err := e.CleanupOldCorrelations(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	removed, err = e.CleanupOldCorrelations(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Empty(t, e.Correlations(0))
	st := e.GetStatistics()
	assert.Equal(t, 0, st.WindowEvents)
	assert.Equal(t, 0, st.Partitions)

	_, err = e.CleanupOldCorrelations(context.Background(), 0)
	assert.True(t, core.IsValidation(err))
}

func TestCorrelationsNewestFirst(t *testing.T) {
	e := newTestEngine(t, nil)
	addRules(t, e, bruteForceRule())
	for i := 0; i < 9; i++ {
		analyzeAll(t, e, fromIP(event(fmt.Sprintf("a%d", i), "auth_failure", time.Duration(i)*time.Second), "10.0.0.5"))
	}
	all := e.Correlations(0)
	require.Len(t, all, 3)
	assert.Equal(t, "a6", all[0].EventIDs[0])
	assert.Len(t, e.Correlations(2), 2)

	c, ok := e.Correlation(all[1].ID)
	require.True(t, ok)
	assert.Equal(t, all[1].EventIDs, c.EventIDs)
}

func TestAnalyzeEventTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	e := newTestEngine(t, nil, WithTracerProvider(tp))
	addRules(t, e, bruteForceRule())
	analyzeAll(t, e, fromIP(event("a0", "auth_failure", 0), "10.0.0.5"))
	_, _ = e.AnalyzeEvent(context.Background(), &core.LogEvent{})

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "correlation.AnalyzeEvent", spans[0].Name)
	assert.Equal(t, "correlation.AnalyzeEvent", spans[1].Name)
	assert.Equal(t, "Error", spans[1].Status.Code.String())
}

func TestClosedEngine(t *testing.T) {
	e := newTestEngine(t, nil)
	e.Close()
	e.Close()

	_, err := e.AnalyzeEvent(context.Background(), fromIP(event("a0", "auth_failure", 0), "10.0.0.5"))
	assert.True(t, core.IsFatal(err))
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestStatisticsAndGauges(t *testing.T) {
	e := newTestEngine(t, nil)
	addRules(t, e, bruteForceRule(), lateralRule())
	analyzeAll(t, e,
		fromIP(event("a0", "auth_failure", 0), "10.0.0.5"),
		fromIP(event("a1", "auth_failure", time.Second), "10.0.0.5"),
		fromIP(event("a2", "auth_failure", 2*time.Second), "10.0.0.5"),
	)

	st := e.GetStatistics()
	assert.Equal(t, uint64(3), st.EventsAnalyzed)
	assert.Equal(t, uint64(1), st.CorrelationsFound)
	assert.Equal(t, 2, st.ActiveRules)
	assert.Equal(t, 3, st.WindowEvents)
	assert.Equal(t, 1, st.Partitions)
	assert.Equal(t, uint64(1), st.Rules["brute-force"].Matches)
	assert.Equal(t, 1.0, st.Rules["lateral-movement"].LearnedWeight)
	assert.Equal(t, []string{"brute-force"}, st.TopRules(1))

	g := e.Gauges()
	assert.Equal(t, 1.0, g["correlations_found"])
	assert.Equal(t, 2.0, g["active_rules"])
}
