// Package api exposes the Castellan coordinator over HTTP: event ingestion,
// pull claims, instance registration and commands, correlation rules, shared
// state and a websocket feed of component notifications.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"castellan/balancer"
	"castellan/config"
	"castellan/correlation"
	"castellan/dispatch"
	"castellan/queue"
	"castellan/registry"
	"castellan/state"
	"castellan/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Components are the coordinator parts the API serves. Retention and
// Dispatcher may be nil.
type Components struct {
	Queue      *queue.EventQueue
	Registry   *registry.Registry
	Balancer   *balancer.Balancer
	Engine     *correlation.Engine
	Dispatcher *dispatch.Dispatcher
	State      state.Store
	Retention  *storage.RetentionManager
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// API holds the API server
type API struct {
	router *mux.Router
	server *http.Server
	c      Components
	config *config.Config
	logger *zap.SugaredLogger

	eventSchema *gojsonschema.Schema
	limiter     *ipRateLimiter
	hub         *Hub

	serverMu sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewAPI creates a new API server. The websocket hub starts immediately so
// notifications published before the first client connects are not queued.
func NewAPI(c Components, cfg *config.Config, logger *zap.SugaredLogger) (*API, error) {
	if c.Queue == nil || c.Registry == nil || c.Balancer == nil || c.Engine == nil || c.State == nil {
		return nil, errors.New("api requires queue, registry, balancer, engine and state")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if c.Gatherer == nil {
		c.Gatherer = prometheus.DefaultGatherer
	}

	a := &API{
		router: mux.NewRouter(),
		c:      c,
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	if cfg.API.EventSchemaFile != "" {
		schema, err := loadEventSchema(cfg.API.EventSchemaFile)
		if err != nil {
			return nil, err
		}
		a.eventSchema = schema
	}
	a.limiter = newIPRateLimiter(cfg.API.RateLimit.RequestsPerSecond, cfg.API.RateLimit.Burst, cfg.API.RateLimit.ExemptIPs)
	go a.limiter.cleanupLoop(a.stopCh, time.Hour)

	a.hub = NewHub(logger)
	go a.hub.Start()
	a.subscribeStreams()

	a.setupRoutes()
	return a, nil
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.requestIDMiddleware)
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.rateLimitMiddleware)

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.HandlerFor(a.c.Gatherer, promhttp.HandlerOpts{})).Methods("GET")

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.bodyLimitMiddleware)

	v1.HandleFunc("/events", a.enqueueEvents).Methods("POST")
	v1.HandleFunc("/claims", a.claimNext).Methods("POST")
	v1.HandleFunc("/claims/{event_id}/ack", a.ackClaim).Methods("POST")
	v1.HandleFunc("/queue", a.getQueue).Methods("GET")
	v1.HandleFunc("/deadletters", a.getDeadLetters).Methods("GET")

	v1.HandleFunc("/instances", a.getInstances).Methods("GET")
	v1.HandleFunc("/instances", a.registerInstance).Methods("POST")
	v1.HandleFunc("/instances/{id}", a.getInstance).Methods("GET")
	v1.HandleFunc("/instances/{id}", a.unregisterInstance).Methods("DELETE")
	v1.HandleFunc("/instances/{id}/heartbeat", a.heartbeat).Methods("POST")
	v1.HandleFunc("/instances/{id}/health", a.reportHealth).Methods("POST")
	v1.HandleFunc("/instances/{id}/commands", a.sendCommand).Methods("POST")
	v1.HandleFunc("/commands", a.broadcastCommand).Methods("POST")

	v1.HandleFunc("/balancer", a.getBalancer).Methods("GET")
	v1.HandleFunc("/balancer/strategy", a.setStrategy).Methods("PUT")

	v1.HandleFunc("/rules", a.getRules).Methods("GET")
	v1.HandleFunc("/rules", a.replaceRules).Methods("PUT")
	v1.HandleFunc("/rules/{id}", a.getRule).Methods("GET")
	v1.HandleFunc("/rules/{id}", a.putRule).Methods("PUT")
	v1.HandleFunc("/rules/{id}", a.deleteRule).Methods("DELETE")

	v1.HandleFunc("/correlations", a.getCorrelations).Methods("GET")
	v1.HandleFunc("/correlations/stats", a.getCorrelationStats).Methods("GET")
	v1.HandleFunc("/correlations/{id}", a.getCorrelation).Methods("GET")
	v1.HandleFunc("/correlations/{id}/confirm", a.confirmCorrelation).Methods("POST")
	v1.HandleFunc("/chains", a.getChains).Methods("GET")

	v1.HandleFunc("/state", a.getStateKeys).Methods("GET")
	v1.HandleFunc("/state/{key}", a.getState).Methods("GET")
	v1.HandleFunc("/state/{key}", a.putState).Methods("PUT")
	v1.HandleFunc("/state/{key}", a.deleteState).Methods("DELETE")

	v1.HandleFunc("/maintenance", a.getMaintenance).Methods("GET")

	a.router.HandleFunc("/api/v1/stream", a.serveStream).Methods("GET")
}

// Handler returns the root handler, for tests and embedding
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves on the configured listen address, with TLS when enabled.
// It returns http.ErrServerClosed after Stop.
func (a *API) Start() error {
	server := &http.Server{
		Addr:              a.config.API.ListenAddr,
		Handler:           a.router,
		ReadTimeout:       a.config.API.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      a.config.API.WriteTimeout,
	}
	a.serverMu.Lock()
	select {
	case <-a.stopCh:
		a.serverMu.Unlock()
		return http.ErrServerClosed
	default:
	}
	a.server = server
	a.serverMu.Unlock()

	a.logger.Infof("Starting API server on %s", a.config.API.ListenAddr)
	if a.config.API.TLS {
		return server.ListenAndServeTLS(a.config.API.CertFile, a.config.API.KeyFile)
	}
	return server.ListenAndServe()
}

// Stop stops the API server and the websocket hub
func (a *API) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.serverMu.Lock()
		close(a.stopCh)
		server := a.server
		a.serverMu.Unlock()

		a.hub.Stop()
		if server != nil {
			err = server.Shutdown(ctx)
		}
	})
	return err
}
