package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"castellan/core"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/xeipuuv/gojsonschema"
)

// maxBatchEvents bounds one enqueue request
const maxBatchEvents = 1000

// EnqueueRequest carries one event or a batch. Priority applies to all of them.
type EnqueueRequest struct {
	Event    json.RawMessage   `json:"event,omitempty"`
	Events   []json.RawMessage `json:"events,omitempty"`
	Priority int               `json:"priority"`
}

// EnqueuedEvent acknowledges one accepted event
type EnqueuedEvent struct {
	EventID  string `json:"event_id"`
	Sequence uint64 `json:"sequence"`
	Priority int    `json:"priority"`
}

// RejectedEvent reports one event of a batch that was not queued
type RejectedEvent struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
}

// EnqueueResponse is returned by POST /api/v1/events
type EnqueueResponse struct {
	Accepted []EnqueuedEvent `json:"accepted"`
	Rejected []RejectedEvent `json:"rejected,omitempty"`
}

// ClaimNextRequest asks for the next event on behalf of a pulling instance
type ClaimNextRequest struct {
	InstanceID string `json:"instance_id"`
	// TimeoutMS is how long to wait for an event. Capped at 30s.
	TimeoutMS int `json:"timeout_ms"`
}

const maxClaimWait = 30 * time.Second

// AckClaimRequest settles a pulled event. Failed hands the event back to
// the queue instead of confirming it.
type AckClaimRequest struct {
	ClaimToken string `json:"claim_token"`
	Failed     bool   `json:"failed,omitempty"`
	Error      string `json:"error,omitempty"`
}

func loadEventSchema(path string) (*gojsonschema.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read event schema %s: %w", path, err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid event schema %s: %w", path, err)
	}
	return schema, nil
}

// parseEvent validates raw against the configured schema and decodes it.
// Missing ids and timestamps are filled in.
func (a *API) parseEvent(raw json.RawMessage) (*core.LogEvent, error) {
	if a.eventSchema != nil {
		result, err := a.eventSchema.Validate(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, core.ValidationError("validate event", fmt.Errorf("%w: %v", core.ErrInvalidEvent, err))
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			return nil, core.ValidationError("validate event", fmt.Errorf("%w: %s", core.ErrInvalidEvent, strings.Join(msgs, "; ")))
		}
	}

	var ev core.LogEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, core.ValidationError("decode event", fmt.Errorf("%w: %v", core.ErrInvalidEvent, err))
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return &ev, nil
}

// enqueueEvents handles POST /api/v1/events. A single event answers with
// its own error status; a batch always answers 202 with per-event results.
func (a *API) enqueueEvents(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, a.logger)
		return
	}

	single := len(req.Events) == 0
	raws := req.Events
	if single {
		if len(req.Event) == 0 {
			writeError(w, r, core.ValidationError("enqueue", errors.New("event or events is required")), a.logger)
			return
		}
		raws = []json.RawMessage{req.Event}
	}
	if len(raws) > maxBatchEvents {
		writeError(w, r, core.ValidationError("enqueue", fmt.Errorf("batch of %d exceeds %d events", len(raws), maxBatchEvents)), a.logger)
		return
	}

	resp := EnqueueResponse{Accepted: make([]EnqueuedEvent, 0, len(raws))}
	for i, raw := range raws {
		ev, err := a.parseEvent(raw)
		if err == nil {
			var qe *core.QueuedEvent
			qe, err = a.c.Queue.Enqueue(r.Context(), ev, req.Priority)
			if err == nil {
				resp.Accepted = append(resp.Accepted, EnqueuedEvent{EventID: qe.EventID(), Sequence: qe.Sequence, Priority: qe.Priority})
				continue
			}
		}
		if single {
			writeError(w, r, err, a.logger)
			return
		}
		rej := RejectedEvent{Index: i, Error: sanitizeErrorMessage(err.Error())}
		if ev != nil {
			rej.EventID = ev.ID
		}
		if k := core.KindOf(err); k != 0 {
			rej.Kind = k.String()
		}
		resp.Rejected = append(resp.Rejected, rej)
	}

	if len(resp.Rejected) > 0 {
		a.logger.Infow("Batch partially rejected",
			"request_id", RequestID(r.Context()),
			"accepted", len(resp.Accepted),
			"rejected", len(resp.Rejected))
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// claimNext handles POST /api/v1/claims for instances that pull work.
// It answers 204 when no event arrived in time.
func (a *API) claimNext(w http.ResponseWriter, r *http.Request) {
	if a.c.Dispatcher == nil {
		writeErrorMessage(w, http.StatusNotImplemented, "pull claims require the dispatcher")
		return
	}
	var req ClaimNextRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if req.InstanceID == "" {
		writeError(w, r, core.ValidationError("claim", errors.New("instance_id is required")), a.logger)
		return
	}
	wait := time.Duration(req.TimeoutMS) * time.Millisecond
	if wait > maxClaimWait {
		wait = maxClaimWait
	}

	claim, err := a.c.Dispatcher.ClaimNext(r.Context(), req.InstanceID, wait)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if claim == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Context().Err() != nil {
		// nobody is left to receive it
		if err := a.c.Dispatcher.FailClaim(context.Background(), claim.EventID, claim.ClaimToken, r.Context().Err()); err != nil {
			a.logger.Warnw("Failed to return abandoned claim", "event_id", claim.EventID, "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// ackClaim handles POST /api/v1/claims/{event_id}/ack. Pulled events that
// are never acknowledged return to the queue when their lease ends.
func (a *API) ackClaim(w http.ResponseWriter, r *http.Request) {
	if a.c.Dispatcher == nil {
		writeErrorMessage(w, http.StatusNotImplemented, "pull claims require the dispatcher")
		return
	}
	var req AckClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if req.ClaimToken == "" {
		writeError(w, r, core.ValidationError("ack claim", errors.New("claim_token is required")), a.logger)
		return
	}
	eventID := mux.Vars(r)["event_id"]

	var err error
	if req.Failed {
		var cause error
		if req.Error != "" {
			cause = errors.New(req.Error)
		}
		err = a.c.Dispatcher.FailClaim(r.Context(), eventID, req.ClaimToken, cause)
	} else {
		err = a.c.Dispatcher.AckClaim(r.Context(), eventID, req.ClaimToken)
	}
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueueStatus is returned by GET /api/v1/queue
type QueueStatus struct {
	Queue       interface{} `json:"queue"`
	Dispatcher  interface{} `json:"dispatcher,omitempty"`
	DeadLetters int         `json:"dead_letters"`
}

func (a *API) getQueue(w http.ResponseWriter, r *http.Request) {
	status := QueueStatus{Queue: a.c.Queue.GetMetrics()}
	if a.c.Dispatcher != nil {
		status.Dispatcher = a.c.Dispatcher.GetStats()
	}
	n, err := a.c.Queue.DeadLetterCount(r.Context())
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	status.DeadLetters = n
	writeJSON(w, http.StatusOK, status)
}

// DeadLetterList is returned by GET /api/v1/deadletters
type DeadLetterList struct {
	Total       int               `json:"total"`
	DeadLetters []core.DeadLetter `json:"dead_letters"`
}

func (a *API) getDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	letters, err := a.c.Queue.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	total, err := a.c.Queue.DeadLetterCount(r.Context())
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if letters == nil {
		letters = []core.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, DeadLetterList{Total: total, DeadLetters: letters})
}
