package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"castellan/util/goroutine"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RetentionJob is one scheduled cleanup task. It returns the number of
// records it removed.
type RetentionJob func(ctx context.Context) (int64, error)

// RetentionConfig schedules cleanup. Schedules use standard five-field cron
// syntax or descriptors such as "@hourly".
type RetentionConfig struct {
	DeadLetterDays  int           `mapstructure:"dead_letter_days"`
	CorrelationDays int           `mapstructure:"correlation_days"`
	TombstoneDays   int           `mapstructure:"tombstone_days"`
	Schedule        string        `mapstructure:"schedule"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
}

// DefaultRetentionConfig returns the default retention settings
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		DeadLetterDays:  30,
		CorrelationDays: 90,
		TombstoneDays:   7,
		Schedule:        "@hourly",
		JobTimeout:      5 * time.Minute,
	}
}

// JobRun records the last execution of a job
type JobRun struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	LastRun  time.Time     `json:"last_run"`
	Removed  int64         `json:"removed"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RetentionManager runs cleanup jobs on cron schedules
type RetentionManager struct {
	cfg    RetentionConfig
	cron   *cron.Cron
	logger *zap.SugaredLogger

	mu      sync.Mutex
	runs    map[string]*JobRun
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRetentionManager creates a manager with no jobs
func NewRetentionManager(cfg RetentionConfig, logger *zap.SugaredLogger) *RetentionManager {
	def := DefaultRetentionConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RetentionManager{
		cfg:    cfg,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: logger,
		runs:   make(map[string]*JobRun),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddJob schedules fn under name. An empty schedule uses the configured one.
func (rm *RetentionManager) AddJob(name, schedule string, fn RetentionJob) error {
	if schedule == "" {
		schedule = rm.cfg.Schedule
	}
	rm.mu.Lock()
	if _, dup := rm.runs[name]; dup {
		rm.mu.Unlock()
		return fmt.Errorf("retention job %s already registered", name)
	}
	rm.runs[name] = &JobRun{Name: name, Schedule: schedule}
	rm.mu.Unlock()

	// SkipIfStillRunning keeps a slow cleanup from stacking
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		rm.RunNow(name, fn)
	}))
	if _, err := rm.cron.AddJob(schedule, job); err != nil {
		rm.mu.Lock()
		delete(rm.runs, name)
		rm.mu.Unlock()
		return fmt.Errorf("invalid schedule %q for retention job %s: %w", schedule, name, err)
	}
	return nil
}

// AddCutoffJob schedules a job that removes records older than days. Jobs
// with days <= 0 are skipped.
func (rm *RetentionManager) AddCutoffJob(name string, days int, purge func(ctx context.Context, cutoff time.Time) (int64, error)) error {
	if days <= 0 {
		rm.logger.Infow("Retention disabled", "job", name)
		return nil
	}
	return rm.AddJob(name, "", func(ctx context.Context) (int64, error) {
		return purge(ctx, time.Now().UTC().AddDate(0, 0, -days))
	})
}

// RunNow runs fn synchronously and records the outcome under name
func (rm *RetentionManager) RunNow(name string, fn RetentionJob) {
	defer goroutine.Recover("retention-"+name, rm.logger)

	ctx, cancel := context.WithTimeout(rm.ctx, rm.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	removed, err := fn(ctx)
	run := JobRun{Name: name, LastRun: start.UTC(), Removed: removed, Duration: time.Since(start)}
	if err != nil {
		run.Error = err.Error()
		rm.logger.Errorw("Retention job failed", "job", name, "error", err)
	} else if removed > 0 {
		rm.logger.Infow("Retention job completed", "job", name, "removed", removed, "duration", run.Duration)
	}

	rm.mu.Lock()
	if prev, ok := rm.runs[name]; ok {
		run.Schedule = prev.Schedule
	}
	rm.runs[name] = &run
	rm.mu.Unlock()
}

// Start begins running scheduled jobs
func (rm *RetentionManager) Start() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.running {
		return
	}
	rm.cron.Start()
	rm.running = true
	rm.logger.Infof("Retention manager started with %d jobs", len(rm.runs))
}

// Stop halts scheduling, cancels running jobs and waits for them to return
func (rm *RetentionManager) Stop() {
	rm.mu.Lock()
	if !rm.running {
		rm.mu.Unlock()
		return
	}
	rm.running = false
	rm.mu.Unlock()

	rm.cancel()
	<-rm.cron.Stop().Done()
	rm.logger.Info("Retention manager stopped")
}

// Jobs returns the last run of every job, sorted by name
func (rm *RetentionManager) Jobs() []JobRun {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]JobRun, 0, len(rm.runs))
	for _, r := range rm.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
