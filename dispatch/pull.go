package dispatch

import (
	"context"
	"time"

	"castellan/core"
	"castellan/metrics"
	"castellan/queue"

	"github.com/google/uuid"
)

// ClaimNext hands the next queued event to an instance that pulls work over
// the API instead of receiving pushed claims. It returns nil, nil when no
// event arrives within timeout. Events whose marker is held by another
// coordinator are skipped.
//
// The event stays leased to the instance until AckClaim; without an ack
// within LeaseTTL it goes back to the queue.
func (d *Dispatcher) ClaimNext(ctx context.Context, instanceID string, timeout time.Duration) (*core.ClaimRequest, error) {
	if !d.selectable(instanceID) {
		return nil, core.ValidationError("claim next", core.ErrInstanceNotFound)
	}
	if timeout <= 0 {
		timeout = d.cfg.DequeueTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		qe, err := d.queue.Dequeue(ctx, remaining)
		if err != nil || qe == nil {
			return nil, err
		}

		eventID := qe.EventID()
		if !d.begin(eventID) {
			d.duplicates.Add(1)
			metrics.DispatchAttempts.WithLabelValues(string(OutcomeDuplicate)).Inc()
			continue
		}
		req, err := d.leaseEvent(ctx, qe, instanceID)
		d.end(eventID)
		if err != nil || req != nil {
			return req, err
		}
	}
}

// leaseEvent guards qe for instanceID and records the lease. It returns nil, nil
// when another coordinator holds the event.
func (d *Dispatcher) leaseEvent(ctx context.Context, qe *core.QueuedEvent, instanceID string) (*core.ClaimRequest, error) {
	eventID := qe.EventID()
	won, err := d.guard(ctx, eventID, instanceID)
	if err != nil {
		d.requeueNow(qe, err, queue.ReasonMaxRetries)
		return nil, err
	}
	if !won {
		d.duplicates.Add(1)
		metrics.DispatchAttempts.WithLabelValues(string(OutcomeDuplicate)).Inc()
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		// the caller went away before the event was handed over
		d.release(eventID)
		d.requeueNow(qe, err, queue.ReasonMaxRetries)
		return nil, err
	}

	now := time.Now()
	token := uuid.NewString()
	expires := now.Add(d.cfg.LeaseTTL)
	d.addLease(&lease{qe: qe, instanceID: instanceID, token: token, claimedAt: now, expires: expires})
	d.recordClaim(eventID, instanceID, token, expires.UTC())
	d.dispatched.Add(1)
		metrics.DispatchAttempts.WithLabelValues(string(OutcomeDispatched)).Inc()
	d.logger.Debugw("Event pulled", "event_id", eventID, "instance_id", instanceID, "lease_expires", expires)
	d.analyze(ctx, qe.Event)

	return &core.ClaimRequest{
		ClaimToken:   token,
		InstanceID:   instanceID,
		EventID:      eventID,
		Event:        qe.Clone(),
		LeaseExpires: expires.UTC(),
	}, nil
}

func (d *Dispatcher) selectable(instanceID string) bool {
	for _, inst := range d.instances.GetInstances(true) {
		if inst.ID == instanceID {
			return true
		}
	}
	return false
}
