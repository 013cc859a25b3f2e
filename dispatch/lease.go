package dispatch

import (
	"context"
	"fmt"
	"time"

	"castellan/core"
	"castellan/metrics"
	"castellan/queue"
)

// lease tracks one pulled event until the instance acknowledges it
type lease struct {
	qe         *core.QueuedEvent
	instanceID string
	token      string
	claimedAt  time.Time
	expires    time.Time
}

func (d *Dispatcher) addLease(l *lease) {
	d.leaseMu.Lock()
	d.leases[l.qe.EventID()] = l
	d.leaseMu.Unlock()
}

// takeLease removes and returns the lease matching eventID and token
func (d *Dispatcher) takeLease(eventID, token string) (*lease, bool) {
	d.leaseMu.Lock()
	defer d.leaseMu.Unlock()
	l, ok := d.leases[eventID]
	if !ok || l.token != token {
		return nil, false
	}
	delete(d.leases, eventID)
	return l, true
}

func (d *Dispatcher) leaseCount() int {
	d.leaseMu.Lock()
	defer d.leaseMu.Unlock()
	return len(d.leases)
}

func claimNotFound(op, eventID string) error {
	return core.ValidationError(op, fmt.Errorf("%w: %s", core.ErrClaimNotFound, eventID))
}

// AckClaim confirms that the pulling instance took ownership of eventID.
// Unknown, expired or mismatched claims fail with core.ErrClaimNotFound.
func (d *Dispatcher) AckClaim(ctx context.Context, eventID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, ok := d.takeLease(eventID, token)
	if !ok {
		return claimNotFound("ack claim", eventID)
	}
	d.recordClaim(eventID, l.instanceID, l.token, time.Time{})
	d.acked.Add(1)
	d.feedback(l.instanceID, eventID, true, time.Since(l.claimedAt))
	d.logger.Debugw("Pulled event acknowledged", "event_id", eventID, "instance_id", l.instanceID)
	return nil
}

// FailClaim returns a pulled event to the queue because the instance could
// not process it. The attempt counts toward MaxAttempts.
func (d *Dispatcher) FailClaim(ctx context.Context, eventID, token string, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, ok := d.takeLease(eventID, token)
	if !ok {
		return claimNotFound("fail claim", eventID)
	}
	if cause == nil {
		cause = fmt.Errorf("instance %s gave the event back", l.instanceID)
	}
	d.feedback(l.instanceID, eventID, false, time.Since(l.claimedAt))
	d.settle(l, core.TransientError("claim", cause), queue.ReasonRejected)
	return nil
}

// ExpireLeases returns every pulled event whose lease ended before now to
// the queue and reports how many it returned.
func (d *Dispatcher) ExpireLeases(now time.Time) int {
	d.leaseMu.Lock()
	expired := make([]*lease, 0)
	for id, l := range d.leases {
		if !now.Before(l.expires) {
			expired = append(expired, l)
			delete(d.leases, id)
		}
	}
	d.leaseMu.Unlock()

	for _, l := range expired {
		d.leasesExpired.Add(1)
		d.logger.Warnw("Pulled event was not acknowledged in time",
			"event_id", l.qe.EventID(),
			"instance_id", l.instanceID,
			"lease_ttl", d.cfg.LeaseTTL)
		d.feedback(l.instanceID, l.qe.EventID(), false, 0)
		cause := fmt.Errorf("lease held by %s expired without ack", l.instanceID)
		d.settle(l, core.TransientError("claim lease", cause), queue.ReasonLeaseExpired)
	}
	return len(expired)
}

// returnLeases puts every outstanding pulled event back on the queue
func (d *Dispatcher) returnLeases() int {
	d.leaseMu.Lock()
	outstanding := make([]*lease, 0, len(d.leases))
	for id, l := range d.leases {
		outstanding = append(outstanding, l)
		delete(d.leases, id)
	}
	d.leaseMu.Unlock()

	for _, l := range outstanding {
		d.release(l.qe.EventID())
		d.requeueNow(l.qe, core.TransientError("claim lease", fmt.Errorf("coordinator stopped before %s acknowledged", l.instanceID)), queue.ReasonLeaseExpired)
	}
	return len(outstanding)
}

// settle drops the marker and requeues l's event, dead-lettering it once
// attempts run out
func (d *Dispatcher) settle(l *lease, cause error, reason string) {
	d.release(l.qe.EventID())
	if l.qe.RetryCount+1 >= d.cfg.MaxAttempts {
		d.deadLetter(l.qe, reason)
		return
	}
	d.requeueNow(l.qe, cause, reason)
}

// requeueNow returns qe to the queue without a backoff wait
func (d *Dispatcher) requeueNow(qe *core.QueuedEvent, cause error, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ClaimTimeout)
	defer cancel()
	if err := d.queue.Requeue(ctx, qe, cause); err != nil {
		d.logger.Errorw("Failed to requeue pulled event", "event_id", qe.EventID(), "error", err)
		d.deadLetter(qe, reason)
		return
	}
	d.requeued.Add(1)
	metrics.DispatchAttempts.WithLabelValues(string(OutcomeRequeued)).Inc()
}

// sweepLeases expires leases until ctx ends
func (d *Dispatcher) sweepLeases(ctx context.Context) {
	interval := d.cfg.LeaseTTL / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.ExpireLeases(now)
		}
	}
}
