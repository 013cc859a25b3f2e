package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"castellan/core"
	"castellan/metrics"
	"castellan/util/goroutine"
)

// Reasons recorded on status transitions
const (
	ReasonHealthCheck      = "health_check"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonRemoveAfter      = "unhealthy_timeout"
)

// transitionLocked moves rec to status and returns the event to publish, or
// nil when the status did not change. Caller holds r.mu.
func (r *Registry) transitionLocked(rec *record, status core.HealthStatus, reason string, now time.Time) *InstanceEvent {
	old := rec.inst.Status
	if old == status {
		return nil
	}
	rec.inst.Status = status
	rec.inst.StatusChangedAt = now
	r.transitions.Add(1)
	metrics.InstanceStatusTransitions.WithLabelValues(string(old), string(status)).Inc()

	r.logger.Infow("Pipeline instance status changed",
		"instance_id", rec.inst.ID,
		"from", old,
		"to", status,
		"reason", reason,
		"consecutive_failures", rec.inst.ConsecutiveFailures)

	return &InstanceEvent{
		Type:       InstanceStatusChanged,
		InstanceID: rec.inst.ID,
		OldStatus:  old,
		NewStatus:  status,
		Reason:     reason,
		Instance:   rec.inst.Clone(),
		Timestamp:  now,
	}
}

// applyResultLocked runs the health state machine for one check result:
//
//	healthy   -> Healthy, failures reset (also from Unhealthy)
//	degraded  -> Degraded, failures reset
//	otherwise -> failures+1; Degraded below the threshold, Unhealthy at it
func (r *Registry) applyResultLocked(rec *record, result core.HealthCheckResult, reason string, now time.Time) *InstanceEvent {
	res := result
	rec.inst.LastHealthCheck = &res

	switch result.Status {
	case core.HealthHealthy:
		rec.inst.ConsecutiveFailures = 0
		rec.heartbeatLapsed = false
		return r.transitionLocked(rec, core.HealthHealthy, reason, now)
	case core.HealthDegraded:
		rec.inst.ConsecutiveFailures = 0
		rec.heartbeatLapsed = false
		return r.transitionLocked(rec, core.HealthDegraded, reason, now)
	default:
		rec.inst.ConsecutiveFailures++
		rec.heartbeatLapsed = reason == ReasonHeartbeatTimeout
		if rec.inst.ConsecutiveFailures >= r.cfg.UnhealthyThreshold {
			return r.transitionLocked(rec, core.HealthUnhealthy, reason, now)
		}
		if rec.inst.Status == core.HealthUnhealthy {
			return nil
		}
		return r.transitionLocked(rec, core.HealthDegraded, reason, now)
	}
}

// UpdateInstanceHealth feeds one health-check result into the state machine.
// Results come from the monitor's own polling or from external dependency
// checks.
func (r *Registry) UpdateInstanceHealth(ctx context.Context, id string, result core.HealthCheckResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !result.Status.IsValid() {
		return core.ValidationError("update health", fmt.Errorf("invalid health status %q", result.Status))
	}
	now := r.now().UTC()
	if result.CheckedAt.IsZero() {
		result.CheckedAt = now
	}

	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrInstanceNotFound, id)
	}
	ev := r.applyResultLocked(rec, result, ReasonHealthCheck, now)
	r.mu.Unlock()

	if ev != nil {
		r.publish(*ev)
	}
	return nil
}

// RunHealthChecks performs one monitoring pass: missed heartbeats (or polled
// results when PollHealth is set) count as failed checks, and instances
// Unhealthy for longer than RemoveAfter are removed.
func (r *Registry) RunHealthChecks(ctx context.Context) {
	if r.cfg.PollHealth && r.transport != nil {
		r.pollHealth(ctx)
	} else {
		r.checkHeartbeats()
	}
	r.removeExpired()
}

func (r *Registry) checkHeartbeats() {
	now := r.now().UTC()
	var events []InstanceEvent

	r.mu.Lock()
	for _, rec := range r.records {
		since := now.Sub(rec.inst.LastSeen)
		if since <= r.cfg.HeartbeatTimeout {
			continue
		}
		result := core.HealthCheckResult{
			Status:      core.HealthUnhealthy,
			Description: fmt.Sprintf("no heartbeat for %s", since.Round(time.Millisecond)),
			CheckedAt:   now,
		}
		if ev := r.applyResultLocked(rec, result, ReasonHeartbeatTimeout, now); ev != nil {
			events = append(events, *ev)
		}
	}
	r.mu.Unlock()

	for _, ev := range events {
		r.publish(ev)
	}
}

func (r *Registry) pollHealth(ctx context.Context) {
	instances := r.GetInstances(false)
	sem := make(chan struct{}, r.cfg.MaxConcurrentCommands)
	var wg sync.WaitGroup

	for _, inst := range instances {
		wg.Add(1)
		sem <- struct{}{}
		go func(inst *core.PipelineInstance) {
			defer wg.Done()
			defer func() { <-sem }()
			defer goroutine.Recover("registry-health-poll", r.logger)

			cctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
			defer cancel()
			result, err := r.transport.CheckHealth(cctx, inst)
			if err != nil {
				result = core.HealthCheckResult{
					Status:      core.HealthUnhealthy,
					Description: err.Error(),
				}
			}
			if err := r.UpdateInstanceHealth(ctx, inst.ID, result); err != nil {
				r.logger.Debugw("Dropping health result", "instance_id", inst.ID, "error", err)
			}
		}(inst)
	}
	wg.Wait()
}

func (r *Registry) removeExpired() {
	if r.cfg.RemoveAfter <= 0 {
		return
	}
	now := r.now().UTC()
	r.removeStale(r.staleInstances(now), now)
}

// staleInstances maps each instance unhealthy for longer than RemoveAfter to
// the LastSeen it had when scanned
func (r *Registry) staleInstances(now time.Time) map[string]time.Time {
	stale := make(map[string]time.Time)
	r.mu.RLock()
	for id, rec := range r.records {
		if r.expiredLocked(rec, now) {
			stale[id] = rec.inst.LastSeen
		}
	}
	r.mu.RUnlock()
	return stale
}

// removeStale removes the scanned instances that are still expired and have
// not been seen since the scan
func (r *Registry) removeStale(stale map[string]time.Time, now time.Time) int {
	removed := 0
	for id, seen := range stale {
		seen := seen
		if r.removeWhen(id, ReasonRemoveAfter, func(rec *record) bool {
			return r.expiredLocked(rec, now) && rec.inst.LastSeen.Equal(seen)
		}) {
			removed++
		}
	}
	return removed
}

func (r *Registry) expiredLocked(rec *record, now time.Time) bool {
	return rec.inst.Status == core.HealthUnhealthy && now.Sub(rec.inst.StatusChangedAt) > r.cfg.RemoveAfter
}

// StartHealthMonitoring runs RunHealthChecks every CheckInterval until
// StopHealthMonitoring or ctx is done. Starting twice is a no-op.
func (r *Registry) StartHealthMonitoring(ctx context.Context) {
	r.monitorMu.Lock()
	defer r.monitorMu.Unlock()
	if r.stopCh != nil {
		return
	}
	stop := make(chan struct{})
	r.stopCh = stop

	goroutine.Go(&r.wg, "registry-health-monitor", r.logger, func() {
		ticker := time.NewTicker(r.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.RunHealthChecks(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				r.monitorMu.Lock()
				if r.stopCh == stop {
					r.stopCh = nil
				}
				r.monitorMu.Unlock()
				return
			}
		}
	})
	r.logger.Infow("Health monitoring started", "interval", r.cfg.CheckInterval)
}

// StopHealthMonitoring stops the monitor and waits for it. Safe to call when
// not running.
func (r *Registry) StopHealthMonitoring() {
	r.monitorMu.Lock()
	stop := r.stopCh
	r.stopCh = nil
	r.monitorMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	r.wg.Wait()
	r.logger.Infow("Health monitoring stopped")
}

// IsMonitoring reports whether the monitor loop is running
func (r *Registry) IsMonitoring() bool {
	r.monitorMu.Lock()
	defer r.monitorMu.Unlock()
	return r.stopCh != nil
}
