package correlation

import (
	"context"
	"sort"
	"time"

	"castellan/core"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RejectedEvent is a batch member that failed validation
type RejectedEvent struct {
	EventID string `json:"event_id"`
	Error   string `json:"error"`
}

// BatchResult is the outcome of a batch analysis. Complete is false when the
// analysis was cancelled before every event was processed.
type BatchResult struct {
	Results      []*core.CorrelationResult `json:"results"`
	Correlations []core.EventCorrelation   `json:"correlations"`
	Rejected     []RejectedEvent           `json:"rejected,omitempty"`
	Total        int                       `json:"total"`
	Processed    int                       `json:"processed"`
	Complete     bool                      `json:"complete"`
	Duration     time.Duration             `json:"duration"`
}

// AnalyzeBatch analyses events in a fresh window isolated from live state.
// Events are processed in timestamp then id order, so the outcome equals
// calling AnalyzeEvent on each of them in that order on an empty engine.
// horizon bounds how far back the buffer reaches; zero uses the widest rule
// window. On cancellation the partial result is returned with ctx.Err().
func (e *Engine) AnalyzeBatch(ctx context.Context, events []*core.LogEvent, horizon time.Duration) (*BatchResult, error) {
	if e.closed.Load() {
		return nil, core.FatalError("analyze batch", core.ErrClosed)
	}
	ctx, span := e.tracer.Start(ctx, "correlation.AnalyzeBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(events)))

	start := time.Now()
	out := &BatchResult{Total: len(events)}
	valid := make([]*core.LogEvent, 0, len(events))
	for _, ev := range events {
		if err := core.ValidateEvent(ev); err != nil {
			id := ""
			if ev != nil {
				id = ev.ID
			}
			out.Rejected = append(out.Rejected, RejectedEvent{EventID: id, Error: err.Error()})
			continue
		}
		valid = append(valid, ev.Clone())
	}
	sort.SliceStable(valid, func(i, j int) bool { return eventLess(valid[i], valid[j]) })

	w := newWindow()
	d := newLocalDedup()
	rs := e.rules.Load()
	for _, ev := range valid {
		if err := ctx.Err(); err != nil {
			out.Duration = time.Since(start)
			span.SetStatus(codes.Error, "cancelled")
			span.SetAttributes(attribute.Int("batch.processed", out.Processed), attribute.Bool("batch.complete", false))
			e.logger.Warnw("Batch analysis cancelled",
				"processed", out.Processed,
				"total", out.Total)
			return out, err
		}
		res := e.analyze(ctx, w, d, rs, ev, horizon)
		out.Results = append(out.Results, res)
		out.Correlations = append(out.Correlations, res.Correlations...)
		out.Processed++
	}
	out.Complete = true
	out.Duration = time.Since(start)
	e.stats.batches.Add(1)

	span.SetAttributes(
		attribute.Int("batch.processed", out.Processed),
		attribute.Int("batch.rejected", len(out.Rejected)),
		attribute.Int("correlation.count", len(out.Correlations)),
		attribute.Bool("batch.complete", true))
	e.logger.Infow("Batch analysis completed",
		"events", out.Processed,
		"rejected", len(out.Rejected),
		"correlations", len(out.Correlations),
		"duration", out.Duration)
	return out, nil
}
