package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatePutGetDelete(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/state/session:web-1", `{"value": {"user": "alice", "attempts": 2}, "ttl_seconds": 60}`)
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, `"1"`, rec.Header().Get("ETag"))
	put := decode[StateEntry](t, rec)
	assert.Equal(t, uint64(1), put.Version)
	assert.Equal(t, "coordinator", put.ModifiedBy)
	require.NotNil(t, put.ExpiresAt)

	rec = env.do(t, http.MethodGet, "/api/v1/state/session:web-1", nil)
	requireStatus(t, rec, http.StatusOK)
	got := decode[StateEntry](t, rec)
	value, ok := got.Value.(map[string]interface{})
	require.True(t, ok, "value decodes as an object: %#v", got.Value)
	assert.Equal(t, "alice", value["user"])
	assert.EqualValues(t, 2, value["attempts"])

	rec = env.do(t, http.MethodGet, "/api/v1/state?pattern=session:*", nil)
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, []interface{}{"session:web-1"}, decode[map[string]interface{}](t, rec)["keys"])

	rec = env.do(t, http.MethodDelete, "/api/v1/state/session:web-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/state/session:web-1", nil)
	requireStatus(t, rec, http.StatusNotFound)

	rec = env.do(t, http.MethodGet, "/api/v1/state/session:web-1", nil)
	requireStatus(t, rec, http.StatusNotFound)
}

func TestStateCompareAndSwap(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/state/counter", `{"value": 1}`, "If-Match", `"0"`)
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, uint64(1), decode[StateEntry](t, rec).Version)

	rec = env.do(t, http.MethodPut, "/api/v1/state/counter", `{"value": 2}`, "If-Match", `"1"`)
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, uint64(2), decode[StateEntry](t, rec).Version)

	// a second writer still holding version 1 loses
	rec = env.do(t, http.MethodPut, "/api/v1/state/counter", `{"value": 99}`, "If-Match", "1")
	requireStatus(t, rec, http.StatusConflict)
	conflict := decode[ConflictResponse](t, rec)
	assert.Equal(t, uint64(1), conflict.Expected)
	assert.Equal(t, uint64(2), conflict.CurrentVersion)
	assert.Equal(t, `"2"`, rec.Header().Get("ETag"))

	rec = env.do(t, http.MethodGet, "/api/v1/state/counter", nil)
	requireStatus(t, rec, http.StatusOK)
	assert.EqualValues(t, 2, decode[StateEntry](t, rec).Value)
}

func TestStateInsertOnly(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/state/lock:job", `{"value": "owner-a"}`, "If-None-Match", "*")
	requireStatus(t, rec, http.StatusOK)

	rec = env.do(t, http.MethodPut, "/api/v1/state/lock:job", `{"value": "owner-b"}`, "If-None-Match", "*")
	requireStatus(t, rec, http.StatusPreconditionFailed)

	rec = env.do(t, http.MethodGet, "/api/v1/state/lock:job", nil)
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, "owner-a", decode[StateEntry](t, rec).Value)
}

func TestStateRejectsBadWrites(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		body    string
		headers []string
	}{
		{"missing value", `{"ttl_seconds": 5}`, nil},
		{"negative ttl", `{"value": 1, "ttl_seconds": -1}`, nil},
		{"bad if-match", `{"value": 1}`, []string{"If-Match", "abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPut, "/api/v1/state/k", tt.body, tt.headers...)
			requireStatus(t, rec, http.StatusBadRequest)
		})
	}
}
