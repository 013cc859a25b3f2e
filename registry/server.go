package registry

import (
	"context"
	"encoding/json"
	"net/http"

	"castellan/core"

	"github.com/gorilla/mux"
)

// InstanceHandler is the instance side of the transport: what a pipeline
// instance does with commands, claims and health checks.
type InstanceHandler interface {
	HandleCommand(ctx context.Context, cmd core.InstanceCommand) core.CommandResponse
	HandleClaim(ctx context.Context, req core.ClaimRequest) core.ClaimResponse
	Health(ctx context.Context) core.HealthCheckResult
}

// NewInstanceServer exposes h over HTTP for HTTPTransport
func NewInstanceServer(h InstanceHandler) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(PathCommands, func(w http.ResponseWriter, req *http.Request) {
		var cmd core.InstanceCommand
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxResponseBytes)).Decode(&cmd); err != nil {
			writeJSON(w, http.StatusBadRequest, core.CommandResponse{Error: "invalid command: " + err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, h.HandleCommand(req.Context(), cmd))
	}).Methods(http.MethodPost)

	r.HandleFunc(PathClaims, func(w http.ResponseWriter, req *http.Request) {
		var claim core.ClaimRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxResponseBytes)).Decode(&claim); err != nil {
			writeJSON(w, http.StatusBadRequest, core.ClaimResponse{Error: "invalid claim: " + err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, h.HandleClaim(req.Context(), claim))
	}).Methods(http.MethodPost)

	r.HandleFunc(PathHealth, func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, h.Health(req.Context()))
	}).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
