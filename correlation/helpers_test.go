package correlation

import (
	"context"
	"strings"
	"testing"
	"time"

	"castellan/core"
	"castellan/state"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var base = time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)

func newTestEngine(t *testing.T, store state.Store, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(Config{InstanceID: "test"}, store, zaptest.NewLogger(t).Sugar(), opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func newMemoryStore(t *testing.T) *state.MemoryStore {
	t.Helper()
	s := state.NewMemoryStore(state.MemoryConfig{InstanceID: "test"}, nil, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func event(id, eventType string, at time.Duration) *core.LogEvent {
	return &core.LogEvent{
		ID:        id,
		Timestamp: base.Add(at),
		Source:    "sensor",
		EventType: eventType,
		Payload:   map[string]interface{}{},
	}
}

func onHost(ev *core.LogEvent, host string) *core.LogEvent {
	ev.Host = host
	return ev
}

func fromIP(ev *core.LogEvent, ip string) *core.LogEvent {
	ev.SourceIP = ip
	return ev
}

func byUser(ev *core.LogEvent, user string) *core.LogEvent {
	ev.User = user
	return ev
}

func bruteForceRule() core.CorrelationRule {
	return core.CorrelationRule{
		ID:             "brute-force",
		Name:           "Repeated authentication failures",
		Type:           core.CorrelationTypeThreshold,
		Enabled:        true,
		EventTypes:     []string{"auth_failure"},
		GroupBy:        "source_ip",
		Window:         5 * time.Minute,
		Threshold:      3,
		Weight:         0.8,
		MitreTechnique: "T1110",
	}
}

func killChainRule() core.CorrelationRule {
	return core.CorrelationRule{
		ID:             "kill-chain",
		Name:           "Recon, exploit and exfiltration",
		Type:           core.CorrelationTypeSequence,
		Enabled:        true,
		EventTypes:     []string{"recon", "exploit", "exfil"},
		GroupBy:        "host",
		Window:         10 * time.Minute,
		Weight:         0.9,
		MitreTechnique: "T1041",
	}
}

func lateralRule() core.CorrelationRule {
	return core.CorrelationRule{
		ID:            "lateral-movement",
		Name:          "One user on many hosts",
		Type:          core.CorrelationTypeCrossEntity,
		Enabled:       true,
		EventTypes:    []string{"login"},
		GroupBy:       "user",
		DistinctField: "host",
		Window:        10 * time.Minute,
		Threshold:     3,
		Weight:        0.7,
	}
}

func addRules(t *testing.T, e *Engine, rules ...core.CorrelationRule) {
	t.Helper()
	for _, r := range rules {
		_, err := e.UpdateRule(context.Background(), r)
		require.NoError(t, err)
	}
}

func analyzeAll(t *testing.T, e *Engine, events ...*core.LogEvent) []core.EventCorrelation {
	t.Helper()
	var out []core.EventCorrelation
	for _, ev := range events {
		res, err := e.AnalyzeEvent(context.Background(), ev)
		require.NoError(t, err)
		out = append(out, res.Correlations...)
	}
	return out
}

// failingStore fails TrySet for keys with a given prefix
type failingStore struct {
	state.Store
	prefix string
}

func (f *failingStore) TrySet(ctx context.Context, key string, value interface{}, opts ...state.SetOption) (*state.Entry, bool, error) {
	if strings.HasPrefix(key, f.prefix) {
		return nil, false, core.TransientError("try set", core.ErrInstanceUnreachable)
	}
	return f.Store.TrySet(ctx, key, value, opts...)
}
