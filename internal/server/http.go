package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/config"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/metrics"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/output"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/session"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/stage"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/vad"
)

// StatsFunc reports the statistics of one collaborator client
type StatsFunc func() any

// HTTPServer provides the session API, the output stream and monitoring endpoints
type HTTPServer struct {
	server     *http.Server
	router     *mux.Router
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	config     *config.Config
	sessions   *session.Manager
	udpServer  *UDPServer
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	clientStat map[string]StatsFunc

	startTime time.Time
}

// HTTPServerOptions wires the HTTP server to the rest of the service
type HTTPServerOptions struct {
	Config   *config.Config
	Sessions *session.Manager
	// UDPServer may be nil when UDP ingress is disabled
	UDPServer *UDPServer
	Metrics   *metrics.Metrics
	// Gatherer backs /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer
	// ClientStats reports per-collaborator statistics under /stats
	ClientStats map[string]StatsFunc
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(opts HTTPServerOptions, logger *slog.Logger) *HTTPServer {
	cfg := opts.Config.HTTP

	h := &HTTPServer{
		logger:     logger,
		config:     opts.Config,
		sessions:   opts.Sessions,
		udpServer:  opts.UDPServer,
		metrics:    opts.Metrics,
		gatherer:   opts.Gatherer,
		clientStat: opts.ClientStats,
		startTime:  time.Now(),
	}
	if h.gatherer == nil {
		h.gatherer = prometheus.DefaultGatherer
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 16384,
		CheckOrigin:     h.checkOrigin,
	}

	h.router = mux.NewRouter()
	h.setupRoutes(h.router)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.router,
		ReadTimeout:  cfg.GetReadTimeoutDuration(),
		WriteTimeout: cfg.GetWriteTimeoutDuration(),
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler, used by tests and embedding servers
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(r *mux.Router) {
	// Session lifecycle
	r.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleStartSession)).Methods(http.MethodPost)
	r.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleListSessions)).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionStatus)).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", h.withMetrics("/sessions/{id}", h.handleStopSession)).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/genre", h.withMetrics("/sessions/{id}/genre", h.handleUpdateGenre)).Methods(http.MethodPut)
	r.HandleFunc("/sessions/{id}/new-song", h.withMetrics("/sessions/{id}/new-song", h.handleNewSong)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/manual/{action}", h.withMetrics("/sessions/{id}/manual/{action}", h.handleManual)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/tracks/{index:[0-9]+}", h.withMetrics("/sessions/{id}/tracks/{index}", h.handleTrack)).Methods(http.MethodGet)

	// Output stream; the upgrade hijacks the connection so it is not wrapped
	r.HandleFunc("/sessions/{id}/stream", h.handleStream).Methods(http.MethodGet)

	// Monitoring
	r.HandleFunc("/health", h.withMetrics("/health", h.handleHealth)).Methods(http.MethodGet)
	r.HandleFunc("/config", h.withMetrics("/config", h.handleConfig)).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats)).Methods(http.MethodGet)

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Root endpoint with API documentation
	r.HandleFunc("/", h.withMetrics("/", h.handleRoot)).Methods(http.MethodGet)
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, ww.statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeSessionError maps session errors onto HTTP status codes
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrTrackNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrCapacityExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, session.ErrSessionClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, output.ErrIncomplete):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// handleStartSession implements POST /sessions
func (h *HTTPServer) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var genre stage.GenreConfig
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&genre); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	id, err := h.sessions.Start(r.Context(), genre)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	status, err := h.sessions.Status(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": id,
		"stream_url": fmt.Sprintf("/sessions/%s/stream", id),
		"status":     status,
	})
}

// handleListSessions implements GET /sessions
func (h *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := h.sessions.List()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(list),
		"timestamp":      time.Now().UTC(),
		"sessions":       list,
	})
}

// handleSessionStatus implements GET /sessions/{id}
func (h *HTTPServer) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.sessions.Status(mux.Vars(r)["id"])
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleStopSession implements DELETE /sessions/{id}
func (h *HTTPServer) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.sessions.Stop(id); err != nil {
		writeSessionError(w, err)
		return
	}

	status, err := h.sessions.Status(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleUpdateGenre implements PUT /sessions/{id}/genre
func (h *HTTPServer) handleUpdateGenre(w http.ResponseWriter, r *http.Request) {
	var genre stage.GenreConfig
	if err := json.NewDecoder(r.Body).Decode(&genre); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.sessions.UpdateGenre(id, genre); err != nil {
		writeSessionError(w, err)
		return
	}

	status, err := h.sessions.Status(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleNewSong implements POST /sessions/{id}/new-song
func (h *HTTPServer) handleNewSong(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.sessions.NewSong(id); err != nil {
		writeSessionError(w, err)
		return
	}

	status, err := h.sessions.Status(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleManual implements POST /sessions/{id}/manual/{action}
func (h *HTTPServer) handleManual(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	control, err := vad.ParseControl(vars["action"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sessions.Control(vars["id"], control); err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": vars["id"],
		"control":    control.String(),
	})
}

// handleTrack implements GET /sessions/{id}/tracks/{index}. The WAV file is
// returned unless ?format=json asks for the track metadata.
func (h *HTTPServer) handleTrack(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid track index")
		return
	}

	track, err := h.sessions.Track(vars["id"], index)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, track)
		return
	}

	data, err := track.WAV()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", fmt.Sprintf("track-%d.wav", index)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.sessions.Stats()

	components := map[string]any{
		"session_manager": map[string]any{
			"status":          "running",
			"active_sessions": stats.Active,
			"capacity":        stats.Capacity,
		},
	}
	if h.udpServer != nil {
		udpStats := h.udpServer.GetStatistics()
		components["udp_server"] = map[string]any{
			"status":            "running",
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"queue_size":        udpStats.QueueSize,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "realtime-music-generator",
			"version": "1.0.0",
		},
		"components": components,
	})
}

// handleConfig implements the /config endpoint with API keys masked
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Sanitized())
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions":  h.sessions.Stats(),
	}

	if h.udpServer != nil {
		stats["udp"] = h.udpServer.GetStatistics()
	}

	clients := make(map[string]any, len(h.clientStat))
	for name, fn := range h.clientStat {
		clients[name] = fn()
	}
	stats["collaborators"] = clients

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Realtime Music Generator",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"GET /":                                "API documentation",
			"POST /sessions":                       "Start a session with a genre selection",
			"GET /sessions":                        "List active sessions",
			"GET /sessions/{id}":                   "Get session status",
			"DELETE /sessions/{id}":                "Stop a session",
			"PUT /sessions/{id}/genre":             "Change the session's genre selection",
			"POST /sessions/{id}/new-song":         "Forget the conversation and start a new song",
			"POST /sessions/{id}/manual/{action}":  "Manual capture control (start or stop)",
			"GET /sessions/{id}/tracks/{index}":    "Download a finished track as WAV",
			"GET /sessions/{id}/stream":            "WebSocket: send audio, receive events and segments",
			"GET /health":                          "Service health check",
			"GET /config":                          "Get service configuration",
			"GET /stats":                           "Get service statistics",
			"GET /metrics":                         "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
