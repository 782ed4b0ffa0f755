// Package api is the REST gateway over the replication manager and the
// follower daemon manager.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pinwarden/pinwarden/internal/config"
	"github.com/pinwarden/pinwarden/internal/daemon"
	"github.com/pinwarden/pinwarden/internal/logging"
	"github.com/pinwarden/pinwarden/internal/models"
	"github.com/pinwarden/pinwarden/internal/replication"
)

// FollowerControl is the daemon lifecycle surface the gateway exposes.
type FollowerControl interface {
	Start(ctx context.Context, bootstrapPeer string, forceRestart bool) daemon.StartResult
	Stop(ctx context.Context) daemon.StopResult
	Restart(ctx context.Context, bootstrapPeer string) daemon.RestartResult
	Status(ctx context.Context) models.DaemonRuntimeStatus
}

// Gateway routes HTTP requests to the core components.
type Gateway struct {
	repl     *replication.Manager
	follower FollowerControl
	logger   logging.Logger
	limiter  *RateLimiter
	router   *mux.Router
}

// RateLimiter implements per-IP token-bucket rate limiting.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter allowing r events with the given burst
// per client IP.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// Allow reports whether a request from the IP may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[ip] = limiter
	}
	return limiter.Allow()
}

// NewGateway creates a gateway and registers all routes.
func NewGateway(cfg config.ServerConfig, repl *replication.Manager, follower FollowerControl, logger logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.NewNop()
	}
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 100
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 10
	}

	g := &Gateway{
		repl:     repl,
		follower: follower,
		logger:   logger,
		limiter:  NewRateLimiter(rate.Every(time.Minute/time.Duration(perMin)), burst),
		router:   mux.NewRouter(),
	}
	g.setupRoutes()
	return g
}

// Router returns the configured handler.
func (g *Gateway) Router() http.Handler { return g.router }

func (g *Gateway) setupRoutes() {
	g.router.HandleFunc("/health", g.healthHandler).Methods(http.MethodGet)
	g.router.HandleFunc("/ready", g.readyHandler).Methods(http.MethodGet)

	v1 := g.router.PathPrefix("/v1").Subrouter()
	v1.Use(g.rateLimitMiddleware)

	v1.HandleFunc("/pins/{cid}/status", g.pinStatusHandler).Methods(http.MethodGet)
	v1.HandleFunc("/pins/{cid}/replicate", g.replicateHandler).Methods(http.MethodPost)
	v1.HandleFunc("/pins/{cid}/backends/{backend}", g.unreplicateHandler).Methods(http.MethodDelete)

	v1.HandleFunc("/replication/summary", g.summaryHandler).Methods(http.MethodGet)
	v1.HandleFunc("/replication/settings", g.settingsHandler).Methods(http.MethodGet, http.MethodPut)

	v1.HandleFunc("/traffic", g.trafficHandler).Methods(http.MethodGet)
	v1.HandleFunc("/mappings", g.mappingsHandler).Methods(http.MethodGet)

	v1.HandleFunc("/backups/export", g.exportBackupHandler).Methods(http.MethodPost)
	v1.HandleFunc("/backups/import", g.importBackupHandler).Methods(http.MethodPost)

	v1.HandleFunc("/follower/start", g.followerStartHandler).Methods(http.MethodPost)
	v1.HandleFunc("/follower/stop", g.followerStopHandler).Methods(http.MethodPost)
	v1.HandleFunc("/follower/restart", g.followerRestartHandler).Methods(http.MethodPost)
	v1.HandleFunc("/follower/status", g.followerStatusHandler).Methods(http.MethodGet)
}

func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.limiter.Allow(clientIP(r)) {
			g.writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if colon := strings.LastIndex(ip, ":"); colon != -1 {
		ip = ip[:colon]
	}
	return ip
}

func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "pinwarden",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) readyHandler(w http.ResponseWriter, r *http.Request) {
	if g.repl == nil {
		g.writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "replication manager not wired")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ready",
		"service": "pinwarden",
	})
}

func (g *Gateway) pinStatusHandler(w http.ResponseWriter, r *http.Request) {
	cid := mux.Vars(r)["cid"]
	status, err := g.repl.Status(cid)
	if err != nil {
		g.writeError(w, http.StatusNotFound, "PIN_NOT_FOUND", err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, status)
}

type replicateBody struct {
	Targets      []string `json:"targets,omitempty"`
	Force        bool     `json:"force,omitempty"`
	ExternalLink string   `json:"external_link,omitempty"`
}

func (g *Gateway) replicateHandler(w http.ResponseWriter, r *http.Request) {
	cid := mux.Vars(r)["cid"]

	var body replicateBody
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			g.writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
			return
		}
	}

	result, err := g.repl.ReplicatePin(r.Context(), replication.ReplicateRequest{
		CID:          cid,
		Targets:      body.Targets,
		Force:        body.Force,
		ExternalLink: body.ExternalLink,
	})
	if err != nil {
		g.logger.Error(r.Context(), "replication request failed",
			zap.String("cid", cid),
			zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "REPLICATION_FAILED", err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, result)
}

func (g *Gateway) unreplicateHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	status, err := g.repl.UnreplicatePin(r.Context(), vars["cid"], vars["backend"])
	if err != nil {
		g.writeError(w, http.StatusNotFound, "UNREPLICATE_FAILED", err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, status)
}

func (g *Gateway) summaryHandler(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.repl.Summary())
}

func (g *Gateway) settingsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		g.writeJSON(w, http.StatusOK, g.repl.Settings())
		return
	}
	var settings models.ReplicationSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		g.writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if err := g.repl.SetSettings(settings); err != nil {
		g.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, settings)
}

func (g *Gateway) trafficHandler(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.repl.Traffic())
}

func (g *Gateway) mappingsHandler(w http.ResponseWriter, r *http.Request) {
	mappings := g.repl.Mappings()
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"mappings": mappings,
		"count":    len(mappings),
	})
}

type exportBody struct {
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

func (g *Gateway) exportBackupHandler(w http.ResponseWriter, r *http.Request) {
	var body exportBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if body.Backend == "" || body.Path == "" {
		g.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "backend and path are required")
		return
	}
	backup, err := g.repl.ExportBackup(r.Context(), body.Backend, body.Path)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, "EXPORT_FAILED", err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"backend_name": backup.BackendName,
		"exported_at":  backup.ExportedAt,
		"pin_count":    backup.PinCount,
		"path":         body.Path,
	})
}

type importBody struct {
	Path          string `json:"path"`
	TargetBackend string `json:"target_backend,omitempty"`
}

func (g *Gateway) importBackupHandler(w http.ResponseWriter, r *http.Request) {
	var body importBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if body.Path == "" {
		g.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "path is required")
		return
	}
	summary, err := g.repl.ImportBackup(r.Context(), body.Path, body.TargetBackend)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, "IMPORT_FAILED", err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, summary)
}

type followerStartBody struct {
	BootstrapPeer string `json:"bootstrap_peer,omitempty"`
	ForceRestart  bool   `json:"force_restart,omitempty"`
}

func (g *Gateway) followerStartHandler(w http.ResponseWriter, r *http.Request) {
	var body followerStartBody
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			g.writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
			return
		}
	}
	result := g.follower.Start(r.Context(), body.BootstrapPeer, body.ForceRestart)
	code := http.StatusOK
	if !result.Success {
		code = http.StatusConflict
	}
	g.writeJSON(w, code, result)
}

func (g *Gateway) followerStopHandler(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.follower.Stop(r.Context()))
}

func (g *Gateway) followerRestartHandler(w http.ResponseWriter, r *http.Request) {
	var body followerStartBody
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			g.writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
			return
		}
	}
	result := g.follower.Restart(r.Context(), body.BootstrapPeer)
	code := http.StatusOK
	if !result.Success {
		code = http.StatusConflict
	}
	g.writeJSON(w, code, result)
}

func (g *Gateway) followerStatusHandler(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.follower.Status(r.Context()))
}

// ErrorResponse is the error envelope for every non-2xx answer.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Error(context.Background(), "encoding response failed", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	g.writeJSON(w, statusCode, ErrorResponse{Code: code, Message: message})
}
