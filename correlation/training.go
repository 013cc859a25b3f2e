package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"castellan/core"
	"castellan/state"
)

// ModelStateKey holds learned rule weights shared by every instance
const ModelStateKey = "corr:model:weights"

const (
	minLearnedWeight = 0.5
	maxLearnedWeight = 1.5
	trainingTimeout  = 30 * time.Second
)

type trainingJob struct {
	feedback []core.EventCorrelation
}

// TrainModels queues analyst-confirmed correlations for the learned rule
// weighting. Confirmed correlations raise their rule's weight, rejected ones
// (Confirmed false) lower it. It returns as soon as the job is queued and
// never blocks analysis; a full queue is a capacity error.
func (e *Engine) TrainModels(ctx context.Context, feedback []core.EventCorrelation) error {
	if e.closed.Load() {
		return core.FatalError("train models", core.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(feedback) == 0 {
		return nil
	}
	job := trainingJob{feedback: append([]core.EventCorrelation(nil), feedback...)}
	select {
	case e.trainCh <- job:
		return nil
	default:
		return core.CapacityError("train models", fmt.Errorf("training queue is full (%d jobs)", cap(e.trainCh)))
	}
}

// ConfirmCorrelation records an analyst verdict on a stored correlation and
// queues it for training
func (e *Engine) ConfirmCorrelation(ctx context.Context, id string, confirmed bool) (core.EventCorrelation, error) {
	e.resultsMu.Lock()
	idx := -1
	for i := len(e.correlations) - 1; i >= 0; i-- {
		if e.correlations[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.resultsMu.Unlock()
		return core.EventCorrelation{}, core.ValidationError("confirm correlation", fmt.Errorf("unknown correlation %q", id))
	}
	e.correlations[idx].Confirmed = confirmed
	c := e.correlations[idx]
	e.resultsMu.Unlock()

	if e.repo != nil {
		if err := e.repo.SaveCorrelation(ctx, c); err != nil {
			e.logger.Warnw("Failed to persist correlation verdict", "correlation_id", id, "error", err)
		}
	}
	return c, e.TrainModels(ctx, []core.EventCorrelation{c})
}

// LearnedWeight returns the learned multiplier for a rule, 1 when untrained
func (e *Engine) LearnedWeight(ruleID string) float64 {
	if w, ok := (*e.learned.Load())[ruleID]; ok {
		return w
	}
	return 1
}

// RefreshModel reloads learned weights from shared state
func (e *Engine) RefreshModel(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	weights, _, err := state.GetAs[map[string]float64](ctx, e.store, ModelStateKey)
	if err != nil {
		if errors.Is(err, core.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	e.learned.Store(&weights)
	return nil
}

func (e *Engine) trainLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		case job := <-e.trainCh:
			ctx, cancel := context.WithTimeout(context.Background(), trainingTimeout)
			if err := e.train(ctx, job); err != nil {
				e.logger.Errorw("Model training failed", "feedback", len(job.feedback), "error", err)
			}
			cancel()
		}
	}
}

// train folds one feedback job into the learned weights. With a shared store
// the update is a compare-and-swap loop so concurrent trainers on other
// instances never lose each other's adjustments.
func (e *Engine) train(ctx context.Context, job trainingJob) error {
	deltas := make(map[string]float64)
	for _, c := range job.feedback {
		if c.RuleID == "" {
			continue
		}
		if c.Confirmed {
			deltas[c.RuleID] += e.cfg.LearningRate
		} else {
			deltas[c.RuleID] -= e.cfg.LearningRate
		}
	}
	if len(deltas) == 0 {
		return nil
	}

	apply := func(cur map[string]float64, _ bool) (map[string]float64, error) {
		next := make(map[string]float64, len(cur)+len(deltas))
		for k, v := range cur {
			next[k] = v
		}
		for rule, d := range deltas {
			w, ok := next[rule]
			if !ok {
				w = 1
			}
			next[rule] = clampWeight(w + d)
		}
		return next, nil
	}

	var next map[string]float64
	if e.store != nil {
		entry, err := state.Update(ctx, e.store, ModelStateKey, apply, state.WithModifiedBy(e.cfg.InstanceID))
		if err != nil {
			return err
		}
		if err := entry.Decode(&next); err != nil {
			return err
		}
	} else {
		next, _ = apply(*e.learned.Load(), true)
	}
	e.learned.Store(&next)
	e.stats.modelUpdates.Add(1)

	e.logger.Infow("Learned rule weights updated", "rules", len(deltas), "feedback", len(job.feedback))
	return nil
}

func clampWeight(w float64) float64 {
	if w < minLearnedWeight {
		return minLearnedWeight
	}
	if w > maxLearnedWeight {
		return maxLearnedWeight
	}
	return w
}
