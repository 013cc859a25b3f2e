package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"castellan/core"
	"castellan/metrics"
	"castellan/util/goroutine"

	"github.com/google/uuid"
)

func (r *Registry) lookup(id string) (*core.PipelineInstance, *record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", core.ErrInstanceNotFound, id)
	}
	return rec.inst.Clone(), rec, nil
}

// call runs fn against one instance behind its rate limiter and circuit breaker
func (r *Registry) call(ctx context.Context, rec *record, op string, fn func(ctx context.Context) error) error {
	if r.transport == nil {
		return core.FatalError(op, errors.New("no command transport configured"))
	}
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	if err := rec.limiter.Wait(cctx); err != nil {
		return core.TransientError(op, fmt.Errorf("rate limited: %w", err))
	}
	err := rec.breaker.Execute(func() error { return fn(cctx) })
	if err == nil {
		return nil
	}
	if core.KindOf(err) != 0 {
		return err
	}
	return core.TransientError(op, fmt.Errorf("%w: %v", core.ErrInstanceUnreachable, err))
}

// SendCommand pushes a command to one instance. Failures are reported in the
// response rather than as an error.
func (r *Registry) SendCommand(ctx context.Context, id string, cmd core.InstanceCommand) core.CommandResponse {
	start := time.Now()
	resp := core.CommandResponse{InstanceID: id, CommandID: cmd.ID}

	if err := core.ValidateCommand(cmd); err != nil {
		resp.Error = err.Error()
		r.recordCommand(cmd, &resp, start)
		return resp
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
		resp.CommandID = cmd.ID
	}

	inst, rec, err := r.lookup(id)
	if err != nil {
		resp.Error = err.Error()
		r.recordCommand(cmd, &resp, start)
		return resp
	}

	var remote core.CommandResponse
	err = r.call(ctx, rec, "send command", func(cctx context.Context) error {
		var err error
		remote, err = r.transport.SendCommand(cctx, inst, cmd)
		return err
	})
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Success = remote.Success
		resp.Error = remote.Error
		resp.Data = remote.Data
	}
	r.recordCommand(cmd, &resp, start)
	return resp
}

func (r *Registry) recordCommand(cmd core.InstanceCommand, resp *core.CommandResponse, start time.Time) {
	resp.Duration = time.Since(start)
	r.commandsSent.Add(1)
	result := "success"
	if !resp.Success {
		result = "failure"
		r.commandsFailed.Add(1)
		r.logger.Warnw("Instance command failed",
			"instance_id", resp.InstanceID,
			"command_id", resp.CommandID,
			"type", cmd.Type,
			"error", resp.Error)
	}
	metrics.InstanceCommands.WithLabelValues(string(cmd.Type), result).Inc()
}

// BroadcastCommand sends cmd to every registered instance concurrently and
// returns one response per instance, sorted by instance id. One instance
// failing never affects the others.
func (r *Registry) BroadcastCommand(ctx context.Context, cmd core.InstanceCommand) []core.CommandResponse {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	instances := r.GetInstances(false)
	responses := make([]core.CommandResponse, len(instances))

	sem := make(chan struct{}, r.cfg.MaxConcurrentCommands)
	var wg sync.WaitGroup
	for i, inst := range instances {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer goroutine.Recover("registry-broadcast", r.logger)
			responses[i] = r.SendCommand(ctx, id, cmd)
		}(i, inst.ID)
	}
	wg.Wait()

	sort.Slice(responses, func(i, j int) bool { return responses[i].InstanceID < responses[j].InstanceID })
	return responses
}

// Claim hands a dequeued event to an instance. A missing claim token is
// generated. Transport failures are Transient; a refused claim is returned
// with Accepted false and no error.
func (r *Registry) Claim(ctx context.Context, id string, qe *core.QueuedEvent) (core.ClaimResponse, error) {
	inst, rec, err := r.lookup(id)
	if err != nil {
		return core.ClaimResponse{}, err
	}
	if !inst.Status.Selectable() {
		return core.ClaimResponse{}, core.CapacityError("claim", fmt.Errorf("%w: %s is %s", core.ErrNoHealthyInstance, id, inst.Status))
	}

	req := core.ClaimRequest{
		ClaimToken: uuid.New().String(),
		InstanceID: id,
		EventID:    qe.EventID(),
		Event:      qe,
	}
	var resp core.ClaimResponse
	err = r.call(ctx, rec, "claim", func(cctx context.Context) error {
		var err error
		resp, err = r.transport.Claim(cctx, inst, req)
		return err
	})
	if err != nil {
		return core.ClaimResponse{}, err
	}
	if resp.ClaimToken != "" && resp.ClaimToken != req.ClaimToken {
		return core.ClaimResponse{}, core.TransientError("claim", fmt.Errorf("claim token mismatch from %s", id))
	}
	resp.ClaimToken = req.ClaimToken
	resp.InstanceID = id
	resp.EventID = req.EventID
	return resp, nil
}
