package api

import (
	"errors"
	"net/http"

	"castellan/core"

	"github.com/gorilla/mux"
)

func (a *API) getInstances(w http.ResponseWriter, r *http.Request) {
	selectable := r.URL.Query().Get("selectable") == "true"
	writeJSON(w, http.StatusOK, a.c.Registry.GetInstances(selectable))
}

func (a *API) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := a.c.Registry.GetInstance(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// registerInstance handles POST /api/v1/instances. Registration is
// idempotent; the stored snapshot is returned.
func (a *API) registerInstance(w http.ResponseWriter, r *http.Request) {
	var inst core.PipelineInstance
	if err := decodeJSON(r, &inst); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if err := a.c.Registry.RegisterInstance(r.Context(), &inst); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	stored, err := a.c.Registry.GetInstance(inst.ID)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (a *API) unregisterInstance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	removed, err := a.c.Registry.UnregisterInstance(r.Context(), id)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instance_id": id, "removed": removed})
}

// heartbeat handles POST /api/v1/instances/{id}/heartbeat. The body carries
// the instance's performance metrics and may be empty.
func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var m core.InstancePerformanceMetrics
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &m); err != nil {
			writeError(w, r, err, a.logger)
			return
		}
	}
	if err := a.c.Registry.Heartbeat(r.Context(), id, m); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	inst, err := a.c.Registry.GetInstance(id)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *API) reportHealth(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var result core.HealthCheckResult
	if err := decodeJSON(r, &result); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if err := a.c.Registry.UpdateInstanceHealth(r.Context(), id, result); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	inst, err := a.c.Registry.GetInstance(id)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// sendCommand handles POST /api/v1/instances/{id}/commands. Delivery
// failures are reported in the body with 502.
func (a *API) sendCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := a.c.Registry.GetInstance(id); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	var cmd core.InstanceCommand
	if err := decodeJSON(r, &cmd); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if err := core.ValidateCommand(cmd); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	resp := a.c.Registry.SendCommand(r.Context(), id, cmd)
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

// BroadcastResponse is returned by POST /api/v1/commands
type BroadcastResponse struct {
	Sent      int                    `json:"sent"`
	Succeeded int                    `json:"succeeded"`
	Responses []core.CommandResponse `json:"responses"`
}

func (a *API) broadcastCommand(w http.ResponseWriter, r *http.Request) {
	var cmd core.InstanceCommand
	if err := decodeJSON(r, &cmd); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if err := core.ValidateCommand(cmd); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	responses := a.c.Registry.BroadcastCommand(r.Context(), cmd)
	out := BroadcastResponse{Sent: len(responses), Responses: responses}
	for _, resp := range responses {
		if resp.Success {
			out.Succeeded++
		}
	}
	if out.Responses == nil {
		out.Responses = []core.CommandResponse{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getBalancer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.c.Balancer.GetMetrics())
}

// StrategyRequest switches the balancer strategy
type StrategyRequest struct {
	Strategy string `json:"strategy"`
}

func (a *API) setStrategy(w http.ResponseWriter, r *http.Request) {
	var req StrategyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if req.Strategy == "" {
		writeError(w, r, core.ValidationError("set strategy", errors.New("strategy is required")), a.logger)
		return
	}
	if err := a.c.Balancer.SetStrategy(req.Strategy); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	a.logger.Infow("Balancer strategy changed", "strategy", req.Strategy, "request_id", RequestID(r.Context()))
	writeJSON(w, http.StatusOK, StrategyRequest{Strategy: a.c.Balancer.Strategy()})
}
