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

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/logstore"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/service/deploy"
	"github.com/splax/shipyard/internal/service/logs"
	"github.com/splax/shipyard/internal/service/project"
	"github.com/splax/shipyard/internal/ws"
)

// HealthCheck checks one backing dependency for /healthz.
type HealthCheck func(context.Context) error

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	project  project.Service
	deploy   deploy.Service
	logs     logs.Service
	upgrader websocket.Upgrader
	limiter  RateLimiter
	checks   map[string]HealthCheck

	heartbeat time.Duration
	// sessions bounds websocket sessions, which outlive their handler.
	sessions      context.Context
	closeSessions context.CancelFunc

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitCreate    = 30
	rateLimitDeploy    = 30
	rateLimitRead      = 240
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	streamHeartbeat    = 15 * time.Second
	sendTimeout        = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, projectSvc project.Service, deploySvc deploy.Service, logSvc logs.Service, limiter RateLimiter, checks map[string]HealthCheck) *Router {
	if limiter == nil {
		limiter = NewMemoryRateLimiter()
	}
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger.With("component", "http"),
		project: projectSvc,
		deploy:  deploySvc,
		logs:    logSvc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		limiter:   limiter,
		checks:    checks,
		heartbeat: streamHeartbeat,
	}
	r.sessions, r.closeSessions = context.WithCancel(context.Background())
	r.initMetrics()
	r.register()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close ends open websocket sessions and releases the rate limiter.
func (r *Router) Close() {
	r.closeSessions()
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/project", r.audit(r.limited(rateRule{"/project", rateLimitCreate, rateWindowDefault}, r.handleCreateProject)))
	r.mux.HandleFunc("/deploy", r.audit(r.limited(rateRule{"/deploy", rateLimitDeploy, rateWindowDefault}, r.handleDeploy)))
	r.mux.HandleFunc("/logs/{id}", r.audit(r.limited(rateRule{"/logs", rateLimitRead, rateWindowDefault}, r.handleLogs)))
	r.mux.HandleFunc("/logs/{id}/stream", r.audit(r.limited(rateRule{"/logs/stream", rateLimitWebsocket, rateWindowRealtime}, r.handleLogStream)))
	r.mux.HandleFunc("/deployments/{id}", r.audit(r.limited(rateRule{"/deployments", rateLimitRead, rateWindowDefault}, r.handleDeployment)))
	r.mux.HandleFunc("/deployments/{id}/cancel", r.audit(r.limited(rateRule{"/deployments/cancel", rateLimitDeploy, rateWindowDefault}, r.handleCancel)))
	r.mux.HandleFunc("/projects/{id}", r.audit(r.limited(rateRule{"/projects", rateLimitRead, rateWindowDefault}, r.handleProject)))
	r.mux.HandleFunc("/projects/{id}/deployments", r.audit(r.limited(rateRule{"/projects/deployments", rateLimitRead, rateWindowDefault}, r.handleProjectDeployments)))
	r.mux.HandleFunc("/ws", r.audit(r.limited(rateRule{"/ws", rateLimitWebsocket, rateWindowRealtime}, r.handleWS)))
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/", r.audit(func(w http.ResponseWriter, _ *http.Request) { r.notFound(w) }))
}

func (r *Router) handleCreateProject(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var input project.CreateInput
	if err := json.NewDecoder(req.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := r.project.Create(req.Context(), input)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   map[string]any{"project": created},
	})
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ProjectID string `json:"projectId"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload.ProjectID = strings.TrimSpace(payload.ProjectID)
	if payload.ProjectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": map[string]string{"projectId": "cannot be blank"},
		})
		return
	}
	deployment, err := r.deploy.Trigger(req.Context(), payload.ProjectID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "queued",
		"data": map[string]any{
			"deploymentId": deployment.ID,
			"deployment":   deployment,
		},
	})
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	q, ok := logQuery(w, req)
	if !ok {
		return
	}
	entries, err := r.logs.List(req.Context(), req.PathValue("id"), q)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if entries == nil {
		entries = []domain.LogEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

// handleLogStream replays stored history as Server-Sent Events and then follows the
// deployment's live channel until the client goes away.
func (r *Router) handleLogStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deploymentID := strings.TrimSpace(req.PathValue("id"))
	if deploymentID == "" {
		r.notFound(w)
		return
	}
	ctx := req.Context()
	client := ws.NewSSEClient(w, r.logger)
	hub := r.logs.Hub()
	// Live lines queue behind the replay. Subscribing before the history read means
	// a line may arrive twice but is never skipped.
	client.Hold()
	hub.Subscribe(deploymentID, client)
	defer func() {
		hub.Unsubscribe(client)
		client.Close()
	}()

	history, err := r.logs.List(ctx, deploymentID, logstore.Query{})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	if err := client.Heartbeat(); err != nil {
		return
	}
	for _, ev := range history {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := client.Replay(sendCtx, ws.EncodeLog(ev.Log))
		cancel()
		if err != nil {
			return
		}
	}
	resumeCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	err = client.Resume(resumeCtx)
	cancel()
	if err != nil {
		return
	}

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deployment, err := r.deploy.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"deployment": deployment}})
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	deployment, err := r.deploy.Cancel(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "cancelled",
		"data":   map[string]any{"deployment": deployment},
	})
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	found, err := r.project.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"project": found}})
}

func (r *Router) handleProjectDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projectID := req.PathValue("id")
	if _, err := r.project.Get(req.Context(), projectID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	deployments, err := r.project.ListDeployments(req.Context(), projectID, true, limit)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if deployments == nil {
		deployments = []domain.Deployment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"deployments": deployments}})
}

func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	session := ws.NewSession(r.logs.Hub(), client, r.resolveChannel, r.logger)
	go session.Serve(r.sessions)
}

// resolveChannel maps a channel key to a deployment id. Keys that parse as a UUID
// are taken as deployment ids; anything else names a project subdomain and follows
// that project's most recent deployment.
func (r *Router) resolveChannel(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if _, err := uuid.Parse(key); err == nil {
		return key, nil
	}
	found, err := r.project.GetBySubDomain(ctx, strings.ToLower(key))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ws.ErrUnknownChannel
		}
		return "", err
	}
	latest, err := r.project.LatestDeployment(ctx, found.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", errors.New("project has no deployments")
		}
		return "", err
	}
	return latest.ID, nil
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	for name, check := range r.checks {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	stats := r.logs.Hub().Stats()
	components["hub"] = map[string]any{
		"status":      "up",
		"channels":    stats.Channels,
		"subscribers": stats.Subscribers,
	}
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

// logQuery parses the optional limit and after parameters of a log read.
func logQuery(w http.ResponseWriter, req *http.Request) (logstore.Query, bool) {
	var q logstore.Query
	values := req.URL.Query()
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return q, false
		}
		q.Limit = limit
	}
	if raw := values.Get("after"); raw != "" {
		after, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be an RFC3339 timestamp")
			return q, false
		}
		q.After = after
	}
	return q, true
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
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
	if sr.status == 0 {
		sr.status = code
	}
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
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
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

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
