package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/gatekeeper/internal/activity"
	"github.com/ocx/gatekeeper/internal/admission"
	"github.com/ocx/gatekeeper/internal/backoff"
	"github.com/ocx/gatekeeper/internal/breaker"
	"github.com/ocx/gatekeeper/internal/config"
	"github.com/ocx/gatekeeper/internal/counter"
	"github.com/ocx/gatekeeper/internal/degrade"
	"github.com/ocx/gatekeeper/internal/events"
	"github.com/ocx/gatekeeper/internal/fallback"
	"github.com/ocx/gatekeeper/internal/infra"
	"github.com/ocx/gatekeeper/internal/metrics"
	"github.com/ocx/gatekeeper/internal/penalty"
	"github.com/ocx/gatekeeper/internal/ratelimit"
	"github.com/ocx/gatekeeper/internal/registry"
	"github.com/ocx/gatekeeper/internal/resilience"
	"github.com/ocx/gatekeeper/internal/timeout"
)

func main() {
	// Local development convenience; ignored when no .env exists.
	_ = godotenv.Load()

	configPath := os.Getenv("GK_CONFIG")
	if configPath == "" {
		if _, err := os.Stat("gatekeeper.yaml"); err == nil {
			configPath = "gatekeeper.yaml"
		}
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config %q: %v", configPath, err)
	}
	provider := config.NewProvider(cfg)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	bus := events.NewLocalBus()
	defer bus.Close()

	// Counter backend: Redis when configured, memory-only otherwise.
	var backend counter.Backend
	if cfg.Redis.URL != "" {
		adapter, err := infra.NewGoRedisAdapter(redisAddr(cfg.Redis.URL), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("Redis unavailable, starting on memory fallback", "error", err)
		} else {
			backend = adapter
		}
	}
	store := counter.New(backend, m, counter.Options{})
	defer store.Close()

	// Admission pipeline.
	limiter := ratelimit.New(store, provider.RateLimitConfigs())
	monitor := activity.NewMonitor(provider.GetActivityConfig())
	penalties := penalty.NewManager(provider.GetPenaltyConfig(), store, bus, m)
	gate := admission.NewGate(admission.Config{
		AutoApplyThreshold: cfg.Admission.AutoApplyThreshold,
		EventRingSize:      cfg.Admission.EventRingSize,
		HealthWindow:       time.Duration(cfg.Admission.HealthWindowSec) * time.Second,
	}, limiter, monitor, penalties, bus, m)
	stream := admission.NewStream(bus)

	// Resilience primitives.
	breakers := breaker.NewManager(provider.GetBreakerConfig(""), provider.BreakerOverrides(), bus, m)
	engine := backoff.NewEngine(m)
	timeouts := timeout.NewManager(provider.GetTimeoutConfig(), logger, m, bus)
	timeouts.Start()
	defer timeouts.Stop()
	degrader := degrade.NewManager(provider.GetDegradationStrategies(), logger, m, bus)
	degrader.Start()
	defer degrader.Stop()
	chain := fallback.NewChain(fallback.Config{}, logger, m)

	orch := resilience.NewOrchestrator(provider.GetOrchestratorConfig(), logger, m,
		breakers, engine, timeouts, degrader, chain)
	orch.Start()
	defer orch.Stop()

	boundaries := map[resilience.BoundaryType]*resilience.Boundary{}
	for _, typ := range []resilience.BoundaryType{
		resilience.BoundaryAIProcessing,
		resilience.BoundaryToolExecution,
		resilience.BoundarySlackResponse,
		resilience.BoundaryRegistry,
	} {
		boundaries[typ] = resilience.NewBoundary(typ, provider.GetBoundaryConfig(string(typ)),
			orch, nil, logger, m, bus)
	}

	// Dynamic server registry feeds the fallback chain's tool table.
	var reg *registry.Registry
	if cfg.Registry.Path != "" {
		reg = registry.NewRegistry(cfg.Registry.Path, logger, bus)
		bus.Subscribe(events.EventConfigReloaded, func(ctx context.Context, ev *events.Event) error {
			syncChainTools(chain, reg)
			return nil
		})
		if err := reg.Load(); err != nil {
			logger.Error("Registry load failed", "path", cfg.Registry.Path, "error", err)
		}
		if cfg.Registry.Watch {
			if err := reg.Watch(); err != nil {
				logger.Error("Registry watch failed", "error", err)
			}
		}
		defer reg.Stop()
	}

	router := mux.NewRouter()

	router.HandleFunc("/health", healthHandler(gate, store, degrader, breakers)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/events", stream.Handler)

	// Gated API: every request passes through admission.
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(gate.Middleware)
	api.HandleFunc("/jobs/trigger", triggerJobHandler(boundaries[resilience.BoundaryToolExecution], store)).Methods("POST")

	// Admin surface, not admission-gated.
	admin := router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/events", recentEventsHandler(gate)).Methods("GET")
	admin.HandleFunc("/penalties/{userId}", userStatusHandler(penalties)).Methods("GET")
	admin.HandleFunc("/penalties/{userId}/revoke", revokePenaltyHandler(penalties)).Methods("POST")
	admin.HandleFunc("/appeals", submitAppealHandler(penalties)).Methods("POST")
	admin.HandleFunc("/appeals/approve", approveAppealHandler(penalties)).Methods("POST")
	admin.HandleFunc("/whitelist/{userId}", listMembershipHandler(penalties.AddToWhitelist)).Methods("POST")
	admin.HandleFunc("/whitelist/{userId}", listMembershipHandler(penalties.RemoveFromWhitelist)).Methods("DELETE")
	admin.HandleFunc("/blacklist/{userId}", listMembershipHandler(penalties.AddToBlacklist)).Methods("POST")
	admin.HandleFunc("/blacklist/{userId}", listMembershipHandler(penalties.RemoveFromBlacklist)).Methods("DELETE")
	admin.HandleFunc("/breakers", breakersHandler(breakers)).Methods("GET")
	admin.HandleFunc("/boundaries", boundariesHandler(boundaries)).Methods("GET")
	admin.HandleFunc("/degradation", degradationHandler(degrader)).Methods("GET")
	admin.HandleFunc("/degradation", setDegradationHandler(degrader)).Methods("POST")
	if reg != nil {
		admin.HandleFunc("/servers", serversHandler(reg)).Methods("GET")
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
	}()

	logger.Info("Gatekeeper API starting", "port", port, "redis", store.IsAvailable())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	logger.Info("Server stopped")
}

// redisAddr accepts either a bare host:port or a redis:// URL.
func redisAddr(url string) string {
	addr := strings.TrimPrefix(url, "redis://")
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		addr = addr[i+1:]
	}
	if i := strings.Index(addr, "/"); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

// syncChainTools mirrors enabled registry servers into the fallback
// chain's capability table.
func syncChainTools(chain *fallback.Chain, reg *registry.Registry) {
	servers := reg.Servers()
	for id, srv := range servers {
		if !srv.Enabled {
			chain.Unregister(id)
			continue
		}
		chain.Register(fallback.ToolCapability{
			Name:             id,
			Actions:          srv.Capabilities,
			Reliability:      0.5 + float64(srv.Priority)/200, // priority 0..100 maps onto 0.5..1.0
			Capabilities:     srv.Tags,
			FallbackPriority: -srv.Priority,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func healthHandler(gate *admission.Gate, store *counter.Store, degrader *degrade.Manager, breakers *breaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := gate.Health()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":            h.Status,
			"service":           "gatekeeper-api",
			"admission":         h,
			"counter_backend":   store.IsAvailable(),
			"degradation_level": degrader.Level().String(),
			"open_breakers":     breakers.OpenCount(),
		})
	}
}

// triggerJobHandler runs an admitted job trigger through the
// tool-execution boundary; the protected operation records the trigger
// in the shared counter store.
func triggerJobHandler(boundary *resilience.Boundary, store *counter.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := admission.RequestFromHTTP(r)
		payload, _ := json.Marshal(map[string]string{
			"user_id":  req.UserID,
			"job_type": req.JobType,
			"job_name": req.JobName,
		})

		def := resilience.OperationDefinition{
			ID:      "jobs.trigger",
			Service: "counter-store",
			Action:  "trigger",
		}
		res := boundary.Execute(r.Context(), func(ctx context.Context) (interface{}, error) {
			key := "jobs:executed:" + req.UserID
			n, err := store.Increment(ctx, key, 24*time.Hour)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"executions_today": n}, nil
		}, def, payload)

		if !res.Result.Success {
			body := map[string]interface{}{
				"error":    "service_unavailable",
				"message":  "job trigger failed",
				"boundary": res.State.String(),
			}
			if res.ContextID != "" {
				body["context_id"] = res.ContextID
			}
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "accepted",
			"result":   res.Result.Value,
			"strategy": res.Result.FinalStrategy,
		})
	}
}

func recentEventsHandler(gate *admission.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		writeJSON(w, http.StatusOK, gate.RecentEvents(limit))
	}
}

func userStatusHandler(penalties *penalty.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userId"]
		status, ok := penalties.GetUserStatus(userID)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func revokePenaltyHandler(penalties *penalty.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userId"]
		var body struct {
			PenaltyID string `json:"penalty_id"`
			RevokedBy string `json:"revoked_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		if err := penalties.RevokePenalty(r.Context(), userID, body.PenaltyID, body.RevokedBy); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	}
}

func submitAppealHandler(penalties *penalty.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID    string `json:"user_id"`
			PenaltyID string `json:"penalty_id"`
			Reason    string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		if err := penalties.SubmitAppeal(body.UserID, body.PenaltyID, body.Reason); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "submitted"})
	}
}

func approveAppealHandler(penalties *penalty.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID     string `json:"user_id"`
			PenaltyID  string `json:"penalty_id"`
			ApprovedBy string `json:"approved_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		if err := penalties.ApproveAppeal(r.Context(), body.UserID, body.PenaltyID, body.ApprovedBy); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
	}
}

func listMembershipHandler(apply func(ctx context.Context, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apply(r.Context(), mux.Vars(r)["userId"])
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func breakersHandler(breakers *breaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, breakers.Stats())
	}
}

func boundariesHandler(boundaries map[resilience.BoundaryType]*resilience.Boundary) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]resilience.Status, len(boundaries))
		for typ, b := range boundaries {
			out[string(typ)] = b.Status()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func degradationHandler(degrader *degrade.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"level":   degrader.Level().String(),
			"history": degrader.History(),
		})
	}
}

func setDegradationHandler(degrader *degrade.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Level  string `json:"level"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		var lvl degrade.Level
		switch strings.ToUpper(body.Level) {
		case "FULL":
			lvl = degrade.LevelFull
		case "REDUCED":
			lvl = degrade.LevelReduced
		case "MINIMAL":
			lvl = degrade.LevelMinimal
		case "EMERGENCY":
			lvl = degrade.LevelEmergency
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown level"})
			return
		}
		if body.Reason == "" {
			body.Reason = "operator"
		}
		degrader.SetLevel(lvl, body.Reason)
		writeJSON(w, http.StatusOK, map[string]string{"level": lvl.String()})
	}
}

func serversHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"servers": reg.Servers(),
			"enabled": reg.Enabled(),
		})
	}
}
