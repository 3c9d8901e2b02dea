// Package httpx exposes the orchestrator's control API: lifecycle commands,
// status reads, log history and streaming.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgeloop/autocoder/internal/docker"
	"github.com/forgeloop/autocoder/internal/repository"
	"github.com/forgeloop/autocoder/internal/service/lifecycle"
	"github.com/forgeloop/autocoder/internal/service/logs"
	"github.com/forgeloop/autocoder/internal/service/progress"
	"github.com/forgeloop/autocoder/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	manager  *lifecycle.Manager
	logs     logs.Service
	progress *progress.Poller
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error
	dockerOK func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 60
	rateLimitRead      = 240
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, manager *lifecycle.Manager, logSvc logs.Service, progressSvc *progress.Poller, limiter RateLimiter, dbHealth, dockerOK func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		manager:  manager,
		logs:     logSvc,
		progress: progressSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
		dockerOK: dockerOK,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/projects/", r.audit("projects", r.handleProjectSubroutes))
	r.mux.HandleFunc("/ws/logs", r.audit("ws_logs", r.withRateLimit("ws_logs", rateLimitWebsocket, rateWindowRealtime, r.handleLogsWS)))
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/projects/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	projectName := parts[0]

	if len(parts) == 1 {
		if req.Method != http.MethodDelete {
			r.methodNotAllowed(w)
			return
		}
		r.withRateLimit("projects_delete", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleDelete(w, req, projectName)
		})(w, req)
		return
	}
	if len(parts) != 2 {
		r.notFound(w)
		return
	}

	switch parts[1] {
	case "start":
		r.withRateLimit("projects_start", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleStart(w, req, projectName)
		})(w, req)
	case "stop":
		r.withRateLimit("projects_stop", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleStop(w, req, projectName)
		})(w, req)
	case "container":
		r.withRateLimit("projects_container", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleRemoveContainer(w, req, projectName)
		})(w, req)
	case "status":
		r.withRateLimit("projects_status", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleStatus(w, req, projectName)
		})(w, req)
	case "logs":
		r.withRateLimit("projects_logs", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleLogs(w, req, projectName)
		})(w, req)
	case "progress":
		r.withRateLimit("projects_progress", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleProgress(w, req, projectName)
		})(w, req)
	case "activity":
		r.withRateLimit("projects_activity", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleActivity(w, req, projectName)
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleStart(w http.ResponseWriter, req *http.Request, projectName string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		MountPath string `json:"mount_path"`
		YoloMode  bool   `json:"yolo_mode"`
		Agent     *bool  `json:"agent"`
	}
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	agentSession := true
	if payload.Agent != nil {
		agentSession = *payload.Agent
	}
	env, err := r.manager.Start(req.Context(), projectName, lifecycle.StartOptions{
		MountPath:    payload.MountPath,
		YoloMode:     payload.YoloMode,
		AgentSession: agentSession,
	})
	if err != nil {
		writeError(w, startErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"project": env.ProjectName,
		"status":  env.Status,
	})
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrMountPathRequired):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrAlreadyRunning), errors.Is(err, lifecycle.ErrCompleted):
		return http.StatusConflict
	case errors.Is(err, docker.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request, projectName string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	env, err := r.manager.Stop(req.Context(), projectName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project": env.ProjectName,
		"status":  env.Status,
	})
}

func (r *Router) handleRemoveContainer(w http.ResponseWriter, req *http.Request, projectName string) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	if err := r.manager.Remove(req.Context(), projectName); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request, projectName string) {
	if err := r.manager.Delete(req.Context(), projectName); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request, projectName string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	report, err := r.manager.Status(req.Context(), projectName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request, projectName string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	entries, err := r.logs.List(req.Context(), projectName, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleProgress(w http.ResponseWriter, req *http.Request, projectName string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stats, err := r.progress.Get(req.Context(), projectName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project":     stats.ProjectName,
		"open":        stats.Open,
		"in_progress": stats.InProgress,
		"done":        stats.Done,
		"total":       stats.Total,
		"remaining":   stats.Remaining(),
		"polled_at":   stats.PolledAt.Format(time.RFC3339Nano),
	})
}

func (r *Router) handleActivity(w http.ResponseWriter, req *http.Request, projectName string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.manager.Activity(req.Context(), projectName); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	projectName := req.URL.Query().Get("project")
	if projectName == "" {
		writeError(w, http.StatusBadRequest, "project query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.logs.Hub().Register(projectName, client)
	go func() {
		defer func() {
			r.logs.Hub().Unregister(projectName, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	check := func(name string, probe func(context.Context) error) {
		if probe == nil {
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := probe(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components[name] = map[string]any{"status": "up"}
		}
	}
	check("database", r.dbHealth)
	check("docker", r.dockerOK)
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
