package api

import (
	"context"
	"net/http"
	"time"

	"castellan/storage"
)

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status     string          `json:"status"`
	Components map[string]bool `json:"components"`
	QueueDepth int             `json:"queue_depth"`
	Instances  int             `json:"instances"`
	Selectable int             `json:"selectable_instances"`
	Strategy   string          `json:"strategy"`
	Timestamp  time.Time       `json:"timestamp"`
}

// healthCheck reports "ok", "degraded" when no instance can take work, or
// "unhealthy" with 503 when shared state or the dispatcher is down
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	selectable := len(a.c.Registry.GetInstances(true))
	resp := HealthResponse{
		Status:     "ok",
		Components: map[string]bool{"state": a.c.State.IsHealthy(ctx)},
		QueueDepth: a.c.Queue.Size(),
		Instances:  a.c.Registry.GetMetrics().Total,
		Selectable: selectable,
		Strategy:   a.c.Balancer.Strategy(),
		Timestamp:  time.Now().UTC(),
	}
	if a.c.Dispatcher != nil {
		resp.Components["dispatcher"] = a.c.Dispatcher.Running()
	}

	status := http.StatusOK
	for _, ok := range resp.Components {
		if !ok {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	if status == http.StatusOK && selectable == 0 {
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}

func (a *API) getMaintenance(w http.ResponseWriter, r *http.Request) {
	jobs := []storage.JobRun{}
	if a.c.Retention != nil {
		jobs = append(jobs, a.c.Retention.Jobs()...)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}
