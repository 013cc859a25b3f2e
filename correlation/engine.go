// Package correlation links related security events into correlations and
// attack chains.
//
// The engine keeps a sliding window of recent events partitioned by entity
// (host, user or source ip). Each partition is a bucket: analyses of events
// for the same entity serialize on its striped lock, everything else runs in
// parallel. Rules are held in an immutable snapshot replaced on update, so an
// analysis always finishes with the rules it started with. Emitted
// correlations are deduplicated across instances through the shared state
// store.
package correlation

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"castellan/core"
	"castellan/metrics"
	"castellan/state"
	"castellan/util"
	"castellan/util/goroutine"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TracerName is the instrumentation name of correlation spans
const TracerName = "castellan/correlation"

// groupFields are the entity fields rules may group by, in evaluation order
var groupFields = []string{"host", "user", "source_ip"}

var (
	correlationNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("castellan/correlation"))
	chainNamespace       = uuid.NewSHA1(uuid.NameSpaceOID, []byte("castellan/attack-chain"))
)

// Config holds correlation engine settings
type Config struct {
	InstanceID string `mapstructure:"instance_id"`
	// DefaultWindow is the buffer horizon when no rule defines a wider one
	DefaultWindow time.Duration `mapstructure:"default_window"`
	// MaxEventsPerPartition bounds the events buffered per entity
	MaxEventsPerPartition int `mapstructure:"max_events_per_partition"`
	// DedupCacheSize is the size of the local cache of emitted correlation keys
	DedupCacheSize int `mapstructure:"dedup_cache_size"`
	// DedupTTL is how long dedup markers live in shared state. Zero means
	// twice the rule window.
	DedupTTL     time.Duration `mapstructure:"dedup_ttl"`
	RegexTimeout time.Duration `mapstructure:"regex_timeout"`
	// MaxStoredCorrelations bounds the in-memory result history
	MaxStoredCorrelations int     `mapstructure:"max_stored_correlations"`
	TrainingQueue         int     `mapstructure:"training_queue"`
	LearningRate          float64 `mapstructure:"learning_rate"`
	RulesFile             string  `mapstructure:"rules_file"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		DefaultWindow:         time.Hour,
		MaxEventsPerPartition: 1000,
		DedupCacheSize:        10000,
		RegexTimeout:          util.DefaultRegexTimeout,
		MaxStoredCorrelations: 10000,
		TrainingQueue:         16,
		LearningRate:          0.05,
	}
}

// Repository persists correlation results and rules
type Repository interface {
	SaveCorrelation(ctx context.Context, c core.EventCorrelation) error
	SaveAttackChain(ctx context.Context, c core.AttackChain) error
	DeleteCorrelationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	SaveRule(ctx context.Context, r core.CorrelationRule) error
	DeleteRule(ctx context.Context, id string) error
	LoadRules(ctx context.Context) ([]core.CorrelationRule, error)
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces the wall clock used for detection and cleanup times
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTracerProvider sets where spans go. The global provider is the default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(TracerName) }
}

// WithRepository persists correlations, chains and rules
func WithRepository(r Repository) Option {
	return func(e *Engine) { e.repo = r }
}

// Engine evaluates events against correlation rules
type Engine struct {
	cfg    Config
	logger *zap.SugaredLogger
	store  state.Store
	repo   Repository
	now    func() time.Time
	tracer trace.Tracer

	patterns *util.PatternCache
	rulesMu  sync.Mutex
	rules    atomic.Pointer[ruleSet]
	learned  atomic.Pointer[map[string]float64]

	live  *window
	dedup *sharedDedup

	resultsMu    sync.RWMutex
	correlations []core.EventCorrelation
	chains       []core.AttackChain

	stats *statistics

	trainCh   chan trainingJob
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewEngine creates an engine. store may be nil, in which case deduplication
// is local to this process.
func NewEngine(cfg Config, store state.Store, logger *zap.SugaredLogger, opts ...Option) (*Engine, error) {
	def := DefaultConfig()
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = def.DefaultWindow
	}
	if cfg.MaxEventsPerPartition <= 0 {
		cfg.MaxEventsPerPartition = def.MaxEventsPerPartition
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = def.DedupCacheSize
	}
	if cfg.RegexTimeout <= 0 {
		cfg.RegexTimeout = def.RegexTimeout
	}
	if cfg.MaxStoredCorrelations <= 0 {
		cfg.MaxStoredCorrelations = def.MaxStoredCorrelations
	}
	if cfg.TrainingQueue <= 0 {
		cfg.TrainingQueue = def.TrainingQueue
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	cache, err := lru.New[string, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		now:      time.Now,
		tracer:   otel.GetTracerProvider().Tracer(TracerName),
		patterns: util.NewPatternCache(cfg.RegexTimeout),
		live:     newWindow(),
		dedup:    &sharedDedup{store: store, cache: cache, instanceID: cfg.InstanceID},
		stats:    newStatistics(),
		trainCh:  make(chan trainingJob, cfg.TrainingQueue),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.rules.Store(newRuleSet(nil))
	learned := map[string]float64{}
	e.learned.Store(&learned)

	goroutine.Go(&e.wg, "correlation-trainer", logger, e.trainLoop)
	return e, nil
}

// LoadPersistedRules replaces the rule set with the rules in the repository
func (e *Engine) LoadPersistedRules(ctx context.Context) (int, error) {
	if e.repo == nil {
		return 0, nil
	}
	rules, err := e.repo.LoadRules(ctx)
	if err != nil {
		return 0, core.TransientError("load rules", err)
	}
	if err := e.ReplaceRules(ctx, rules); err != nil {
		return 0, err
	}
	return len(rules), nil
}

// AnalyzeEvent evaluates ev against the current rules and the live window.
// Malformed events return a validation error and never enter the window.
func (e *Engine) AnalyzeEvent(ctx context.Context, ev *core.LogEvent) (*core.CorrelationResult, error) {
	if e.closed.Load() {
		return nil, core.FatalError("analyze event", core.ErrClosed)
	}
	ctx, span := e.tracer.Start(ctx, "correlation.AnalyzeEvent")
	defer span.End()

	if err := core.ValidateEvent(ev); err != nil {
		e.stats.rejected.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid event")
		return nil, err
	}
	span.SetAttributes(attribute.String("event.id", ev.ID), attribute.String("event.type", ev.EventType))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	rs := e.rules.Load()
	res := e.analyze(ctx, e.live, e.dedup, rs, ev.Clone(), 0)
	res.Duration = time.Since(start)

	for _, c := range res.Correlations {
		e.record(ctx, c)
	}
	e.stats.observe(res)
	metrics.EventsAnalyzed.Inc()
	metrics.CorrelationAnalysisDuration.Observe(res.Duration.Seconds())

	span.SetAttributes(
		attribute.Int("correlation.rules_evaluated", res.RulesEvaluated),
		attribute.Int("correlation.count", len(res.Correlations)),
		attribute.Int("correlation.rule_errors", len(res.RuleErrors)))
	return res, nil
}

// analyze inserts ev into w and evaluates every enabled rule grouping by an
// entity ev carries. horizon overrides the buffer horizon when positive.
func (e *Engine) analyze(ctx context.Context, w *window, d deduper, rs *ruleSet, ev *core.LogEvent, horizon time.Duration) *core.CorrelationResult {
	res := &core.CorrelationResult{EventID: ev.ID}
	if horizon <= 0 {
		horizon = rs.maxWindow
		if horizon < e.cfg.DefaultWindow {
			horizon = e.cfg.DefaultWindow
		}
	}

	for _, field := range groupFields {
		value := groupValue(ev, field)
		if value == "" {
			continue
		}
		key := entityKey(field, value)
		unlock := w.lock(key)
		p := w.partition(key)

		switch p.insert(ev, horizon) {
		case insertDuplicate:
			e.stats.duplicates.Add(1)
			unlock()
			continue
		case insertLate:
			e.stats.late.Add(1)
			e.logger.Debugw("Event outside correlation window", "event_id", ev.ID, "entity", key)
			unlock()
			continue
		}

		for _, cr := range rs.enabledFor(field) {
			res.RulesEvaluated++
			found, err := e.evaluateRule(ctx, d, cr, p, key, ev)
			res.Correlations = append(res.Correlations, found...)
			if err != nil {
				res.RuleErrors = append(res.RuleErrors, core.RuleError{RuleID: cr.rule.ID, Error: err.Error()})
				e.stats.ruleError(cr.rule.ID)
				metrics.CorrelationRuleErrors.WithLabelValues(cr.rule.ID).Inc()
				e.logger.Warnw("Correlation rule failed",
					"rule_id", cr.rule.ID,
					"event_id", ev.ID,
					"error", err)
			}
		}
		p.trim(horizon, e.cfg.MaxEventsPerPartition)
		unlock()
	}
	return res
}

// evaluateRule runs one rule against one partition. A panic is converted
// into an error so that the rule fails alone.
func (e *Engine) evaluateRule(ctx context.Context, d deduper, cr *compiledRule, p *partition, key string, anchor *core.LogEvent) (out []core.EventCorrelation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule evaluation panic: %v", r)
		}
	}()

	matches, err := findMatches(cr, p, anchor)
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		c := e.buildCorrelation(cr, key, m)
		claimed, err := d.claim(ctx, dedupKey(cr.rule.ID, c.EventIDs), e.dedupTTL(cr))
		if err != nil {
			return out, core.TransientError("claim correlation", err)
		}
		p.consume(cr.rule.ID, m.events)
		if !claimed {
			e.stats.suppressed.Add(1)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (e *Engine) buildCorrelation(cr *compiledRule, key string, m match) core.EventCorrelation {
	ids := make([]string, len(m.events))
	entitySet := make(map[string]struct{})
	for i, ev := range m.events {
		ids[i] = ev.ID
		for _, ent := range ev.Entities() {
			entitySet[ent] = struct{}{}
		}
	}
	entities := make([]string, 0, len(entitySet))
	for ent := range entitySet {
		entities = append(entities, ent)
	}
	sort.Strings(entities)

	first, last := m.events[0], m.events[len(m.events)-1]
	c := core.EventCorrelation{
		ID:          correlationID(cr.rule.ID, ids),
		RuleID:      cr.rule.ID,
		Type:        cr.rule.Type,
		Reason:      m.reason,
		EventIDs:    ids,
		Score:       e.score(cr, m.events),
		EntityKey:   key,
		Entities:    entities,
		WindowStart: first.Timestamp,
		WindowEnd:   last.Timestamp,
		DetectedAt:  e.now().UTC(),
	}
	if cr.rule.MitreTechnique != "" {
		c.MitreTechniques = []string{cr.rule.MitreTechnique}
	}
	return c
}

// score is rule weight times learned weight times tightness, where a match
// spanning the whole window counts half as much as an instantaneous one
func (e *Engine) score(cr *compiledRule, events []*core.LogEvent) float64 {
	tightness := 1.0
	if cr.rule.Window > 0 {
		tightness = 1 - 0.5*float64(span(events))/float64(cr.rule.Window)
	}
	s := cr.rule.Weight * e.LearnedWeight(cr.rule.ID) * tightness
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func (e *Engine) dedupTTL(cr *compiledRule) time.Duration {
	if e.cfg.DedupTTL > 0 {
		return e.cfg.DedupTTL
	}
	return 2 * cr.rule.Window
}

func sortedIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

// correlationID is derived from the rule and member events so that the same
// correlation found twice gets the same id
func correlationID(ruleID string, eventIDs []string) string {
	return uuid.NewSHA1(correlationNamespace, []byte(ruleID+"|"+strings.Join(sortedIDs(eventIDs), ","))).String()
}

// dedupKey is the shared-state marker key for a correlation
func dedupKey(ruleID string, eventIDs []string) string {
	h := xxhash.Sum64String(strings.Join(sortedIDs(eventIDs), ","))
	return "corr:" + ruleID + ":" + strconv.FormatUint(h, 16)
}

// record keeps c in the result history and persists it
func (e *Engine) record(ctx context.Context, c core.EventCorrelation) {
	e.resultsMu.Lock()
	e.correlations = append(e.correlations, c)
	if over := len(e.correlations) - e.cfg.MaxStoredCorrelations; over > 0 {
		e.correlations = append([]core.EventCorrelation(nil), e.correlations[over:]...)
	}
	e.resultsMu.Unlock()

	e.stats.correlation(c.RuleID)
	metrics.CorrelationsDetected.WithLabelValues(c.RuleID, string(c.Type)).Inc()
	e.logger.Infow("Correlation detected",
		"correlation_id", c.ID,
		"rule_id", c.RuleID,
		"type", c.Type,
		"entity", c.EntityKey,
		"events", len(c.EventIDs),
		"score", c.Score)

	if e.repo != nil {
		if err := e.repo.SaveCorrelation(ctx, c); err != nil {
			e.logger.Warnw("Failed to persist correlation", "correlation_id", c.ID, "error", err)
		}
	}
}

// Correlations returns up to limit of the most recent correlations, newest
// first. A non-positive limit returns all of them.
func (e *Engine) Correlations(limit int) []core.EventCorrelation {
	e.resultsMu.RLock()
	defer e.resultsMu.RUnlock()
	n := len(e.correlations)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]core.EventCorrelation, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		c := e.correlations[i]
		c.EventIDs = append([]string(nil), c.EventIDs...)
		c.Entities = append([]string(nil), c.Entities...)
		out = append(out, c)
	}
	return out
}

// Correlation returns one correlation from the history
func (e *Engine) Correlation(id string) (core.EventCorrelation, bool) {
	e.resultsMu.RLock()
	defer e.resultsMu.RUnlock()
	for i := len(e.correlations) - 1; i >= 0; i-- {
		if e.correlations[i].ID == id {
			return e.correlations[i], true
		}
	}
	return core.EventCorrelation{}, false
}

// Chains returns detected attack chains, newest first
func (e *Engine) Chains() []core.AttackChain {
	e.resultsMu.RLock()
	defer e.resultsMu.RUnlock()
	out := make([]core.AttackChain, len(e.chains))
	for i := range e.chains {
		out[len(e.chains)-1-i] = e.chains[i]
	}
	return out
}

// CleanupOldCorrelations drops correlations detected more than maxAge ago and
// window events older than maxAge. It returns the number of correlations
// removed.
func (e *Engine) CleanupOldCorrelations(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if maxAge <= 0 {
		return 0, core.ValidationError("cleanup correlations", fmt.Errorf("max age must be positive, got %s", maxAge))
	}
	cutoff := e.now().Add(-maxAge)

	e.resultsMu.Lock()
	kept := e.correlations[:0]
	for _, c := range e.correlations {
		if !c.DetectedAt.Before(cutoff) {
			kept = append(kept, c)
		}
	}
	removed := len(e.correlations) - len(kept)
	e.correlations = kept
	keptChains := e.chains[:0]
	for _, c := range e.chains {
		if !c.EndTime.Before(cutoff) {
			keptChains = append(keptChains, c)
		}
	}
	e.chains = keptChains
	e.resultsMu.Unlock()

	events := e.live.expireBefore(cutoff)

	if e.repo != nil {
		if _, err := e.repo.DeleteCorrelationsBefore(ctx, cutoff); err != nil {
			e.logger.Warnw("Failed to delete persisted correlations", "cutoff", cutoff, "error", err)
		}
	}

	e.logger.Infow("Correlation cleanup completed",
		"max_age", maxAge,
		"correlations_removed", removed,
		"events_removed", events)
	return removed, nil
}

// forgetRule drops window bookkeeping for a deleted rule
func (e *Engine) forgetRule(id string) {
	e.live.forgetRule(id)
	e.stats.forget(id)
}

// Close stops the trainer. Pending training jobs are discarded.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.stopCh)
		e.wg.Wait()
	})
}
