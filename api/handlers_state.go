package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"castellan/core"
	"castellan/state"

	"github.com/gorilla/mux"
)

// StateEntry is the JSON view of a shared-state entry with its value decoded
type StateEntry struct {
	Key        string      `json:"key"`
	Value      interface{} `json:"value"`
	Version    uint64      `json:"version"`
	ModifiedBy string      `json:"modified_by,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	ModifiedAt time.Time   `json:"modified_at"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
}

// StatePutRequest writes a value. TTLSeconds of zero keeps the entry until
// it is deleted.
type StatePutRequest struct {
	Value      json.RawMessage `json:"value"`
	TTLSeconds int             `json:"ttl_seconds,omitempty"`
}

// ConflictResponse is returned when an If-Match write loses
type ConflictResponse struct {
	Error          string `json:"error"`
	Key            string `json:"key"`
	Expected       uint64 `json:"expected_version"`
	CurrentVersion uint64 `json:"current_version"`
}

func toStateEntry(e *state.Entry) (StateEntry, error) {
	out := StateEntry{
		Key:        e.Key,
		Version:    e.Version,
		ModifiedBy: e.ModifiedBy,
		CreatedAt:  e.CreatedAt,
		ModifiedAt: e.ModifiedAt,
	}
	if !e.ExpiresAt.IsZero() {
		exp := e.ExpiresAt
		out.ExpiresAt = &exp
	}
	if err := e.Decode(&out.Value); err != nil {
		return StateEntry{}, err
	}
	return out, nil
}

func etag(version uint64) string {
	return strconv.Quote(strconv.FormatUint(version, 10))
}

// parseIfMatch reads an expected version from If-Match. Both quoted and bare
// numbers are accepted.
func parseIfMatch(h string) (uint64, bool, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0, false, nil
	}
	h = strings.TrimPrefix(h, "W/")
	v, err := strconv.ParseUint(strings.Trim(h, `"`), 10, 64)
	if err != nil {
		return 0, false, core.ValidationError("if-match", fmt.Errorf("If-Match must carry a version number, got %q", h))
	}
	return v, true, nil
}

func (a *API) getStateKeys(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}
	keys, err := a.c.State.GetKeys(r.Context(), pattern)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pattern": pattern, "keys": keys})
}

func (a *API) getState(w http.ResponseWriter, r *http.Request) {
	entry, err := a.c.State.Get(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	out, err := toStateEntry(entry)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	w.Header().Set("ETag", etag(entry.Version))
	writeJSON(w, http.StatusOK, out)
}

// putState handles PUT /api/v1/state/{key}. With If-Match it is a
// compare-and-swap against that version (0 means the key must be absent);
// with If-None-Match: * it only inserts; otherwise it writes unconditionally.
func (a *API) putState(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req StatePutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if len(req.Value) == 0 {
		writeError(w, r, core.ValidationError("put state", errors.New("value is required")), a.logger)
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, r, core.ValidationError("put state", errors.New("ttl_seconds cannot be negative")), a.logger)
		return
	}
	var value interface{}
	if err := json.Unmarshal(req.Value, &value); err != nil {
		writeError(w, r, core.ValidationError("put state", err), a.logger)
		return
	}
	expected, conditional, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}

	var opts []state.SetOption
	if req.TTLSeconds > 0 {
		opts = append(opts, state.WithTTL(time.Duration(req.TTLSeconds)*time.Second))
	}

	ctx := r.Context()
	var (
		entry *state.Entry
		ok    = true
	)
	switch {
	case conditional:
		entry, ok, err = a.c.State.CompareAndSwap(ctx, key, expected, value, opts...)
	case strings.TrimSpace(r.Header.Get("If-None-Match")) == "*":
		entry, ok, err = a.c.State.TrySet(ctx, key, value, opts...)
	default:
		entry, err = a.c.State.Set(ctx, key, value, opts...)
	}
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if !ok {
		if entry == nil {
			entry, _ = a.c.State.Get(ctx, key)
		}
		var current uint64
		if entry != nil {
			current = entry.Version
		}
		w.Header().Set("ETag", etag(current))
		status := http.StatusConflict
		if !conditional {
			status = http.StatusPreconditionFailed
		}
		writeJSON(w, status, ConflictResponse{
			Error:          core.ErrVersionConflict.Error(),
			Key:            key,
			Expected:       expected,
			CurrentVersion: current,
		})
		return
	}

	out, err := toStateEntry(entry)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	w.Header().Set("ETag", etag(entry.Version))
	writeJSON(w, http.StatusOK, out)
}

func (a *API) deleteState(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	existed, err := a.c.State.Delete(r.Context(), key)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if !existed {
		writeError(w, r, fmt.Errorf("%w: %s", core.ErrKeyNotFound, key), a.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
