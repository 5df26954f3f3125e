package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jabeka/CollectionRecorder/internal/audio"
	"github.com/jabeka/CollectionRecorder/internal/capture"
	"github.com/jabeka/CollectionRecorder/internal/catalog"
	"github.com/jabeka/CollectionRecorder/internal/config"
	"github.com/jabeka/CollectionRecorder/internal/metrics"
	"github.com/jabeka/CollectionRecorder/internal/postprocess"
)

// Recorder is the part of the capture engine the API exposes
type Recorder interface {
	Status() capture.Status
	Preview() audio.PreviewSnapshot
	SetMuted(muted bool)
	Settings() capture.Settings
	Reconfigure(settings capture.Settings) error
}

// Catalog is the read side of the segment catalog
type Catalog interface {
	List(ctx context.Context, opts catalog.ListOptions) ([]*catalog.Segment, error)
	Get(ctx context.Context, id string) (*catalog.Segment, error)
	Jobs(ctx context.Context, segmentID string) ([]postprocess.Report, error)
	Counts(ctx context.Context) (map[catalog.Status]int, error)
}

// Deps are the components served by the HTTP API. Catalog and Gatherer
// may be nil.
type Deps struct {
	Config   *config.Config
	Recorder Recorder
	Catalog  Catalog
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Version  string
}

// HTTPServer provides HTTP API endpoints for monitoring and control
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	recorder Recorder
	catalog  Catalog
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	version  string

	// Server state
	startTime  time.Time
	mu         sync.RWMutex
	components map[string]func() any
}

const defaultListLimit = 100

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, deps Deps) *HTTPServer {
	h := &HTTPServer{
		logger:     logger,
		config:     deps.Config,
		recorder:   deps.Recorder,
		catalog:    deps.Catalog,
		metrics:    deps.Metrics,
		gatherer:   deps.Gatherer,
		version:    deps.Version,
		startTime:  time.Now(),
		components: make(map[string]func() any),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         cfg.GetAddress(),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// AddComponent registers a statistics source reported by /health
func (h *HTTPServer) AddComponent(name string, stats func() any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = stats
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/status", h.withMetrics("/status", h.handleStatus))
	mux.HandleFunc("/preview", h.withMetrics("/preview", h.handlePreview))
	mux.HandleFunc("/mute", h.withMetrics("/mute", h.handleMute))

	// Websocket feed; the upgrade needs the unwrapped ResponseWriter
	mux.HandleFunc("GET /ws/preview", h.handleStream)

	// Catalog endpoints
	mux.HandleFunc("/segments", h.withMetrics("/segments", h.handleSegments))
	mux.HandleFunc("/segments/{id}", h.withMetrics("/segments/{id}", h.handleSegmentDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Capture the status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

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

// Start binds the listen address and serves in the background
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := h.recorder.Status()

	components := map[string]any{
		"recorder": map[string]any{
			"state":          status.State,
			"device_running": status.DeviceRunning,
			"dropped_frames": status.DroppedFrames,
		},
	}

	h.mu.RLock()
	for name, stats := range h.components {
		components[name] = stats()
	}
	h.mu.RUnlock()

	health := "healthy"
	code := http.StatusOK
	if !status.DeviceRunning {
		health = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    health,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "collectionrecorder",
			"version": h.version,
		},
		"components": components,
	})
}

// handleStatus implements the /status endpoint
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.recorder.Status())
}

// handlePreview implements the /preview endpoint
func (h *HTTPServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.recorder.Preview())
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

// handleMute implements POST /mute with body {"muted": true|false}
func (h *HTTPServer) handleMute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req muteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil || req.Muted == nil {
		http.Error(w, `Body must be {"muted": true|false}`, http.StatusBadRequest)
		return
	}

	h.recorder.SetMuted(*req.Muted)
	h.logger.Info("Monitoring mute changed", slog.Bool("muted", *req.Muted))

	writeJSON(w, http.StatusOK, map[string]any{"muted": *req.Muted})
}

// handleSegments implements GET /segments?status=&limit=
func (h *HTTPServer) handleSegments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.catalog == nil {
		http.Error(w, "Catalog disabled", http.StatusServiceUnavailable)
		return
	}

	opts := catalog.ListOptions{
		Status: catalog.Status(r.URL.Query().Get("status")),
		Limit:  defaultListLimit,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		opts.Limit = limit
	}

	segments, err := h.catalog.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("Failed to list segments", slog.String("error", err.Error()))
		http.Error(w, "Failed to list segments", http.StatusInternalServerError)
		return
	}
	counts, err := h.catalog.Counts(r.Context())
	if err != nil {
		h.logger.Error("Failed to count segments", slog.String("error", err.Error()))
		http.Error(w, "Failed to count segments", http.StatusInternalServerError)
		return
	}

	if segments == nil {
		segments = []*catalog.Segment{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(segments),
		"counts":    counts,
		"timestamp": time.Now().UTC(),
		"segments":  segments,
	})
}

// handleSegmentDetail implements GET /segments/{id}
func (h *HTTPServer) handleSegmentDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.catalog == nil {
		http.Error(w, "Catalog disabled", http.StatusServiceUnavailable)
		return
	}

	id := r.PathValue("id")
	seg, err := h.catalog.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to get segment", slog.String("segment_id", id), slog.String("error", err.Error()))
		http.Error(w, "Failed to get segment", http.StatusInternalServerError)
		return
	}
	if seg == nil {
		http.Error(w, "Segment not found", http.StatusNotFound)
		return
	}

	jobs, err := h.catalog.Jobs(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("segment_id", id), slog.String("error", err.Error()))
		http.Error(w, "Failed to list jobs", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"segment": seg,
		"jobs":    jobs,
	})
}

// configUpdate is the body of PUT /config. Absent fields keep their value.
type configUpdate struct {
	OutputFolder   *string  `json:"output_folder"`
	FilePrefix     *string  `json:"file_prefix"`
	Format         *string  `json:"format"`
	BitDepth       *int     `json:"bit_depth"`
	RMSThreshold   *float32 `json:"rms_threshold"`
	SilenceLength  *float64 `json:"silence_length"` // seconds
	DebounceBlocks *int     `json:"debounce_blocks"`
}

func (u configUpdate) apply(s capture.Settings) capture.Settings {
	if u.OutputFolder != nil {
		s.OutputDir = *u.OutputFolder
	}
	if u.FilePrefix != nil {
		s.FilePrefix = *u.FilePrefix
	}
	if u.Format != nil {
		s.Codec = *u.Format
	}
	if u.BitDepth != nil {
		s.BitDepth = *u.BitDepth
	}
	if u.RMSThreshold != nil {
		s.RMSThreshold = *u.RMSThreshold
		s.PostProcess.RMSThreshold = *u.RMSThreshold
	}
	if u.SilenceLength != nil {
		s.SilenceLength = time.Duration(*u.SilenceLength * float64(time.Second))
	}
	if u.DebounceBlocks != nil {
		s.DebounceBlocks = *u.DebounceBlocks
	}
	return s
}

func recorderView(s capture.Settings, previewSeconds int) map[string]any {
	return map[string]any{
		"output_folder":   s.OutputDir,
		"file_prefix":     s.FilePrefix,
		"format":          s.Codec,
		"bit_depth":       s.BitDepth,
		"preview_seconds": previewSeconds,
	}
}

func detectionView(s capture.Settings) map[string]any {
	return map[string]any{
		"rms_threshold":   s.RMSThreshold,
		"silence_length":  s.SilenceLength.Seconds(),
		"debounce_blocks": s.DebounceBlocks,
	}
}

// handleConfig implements the /config endpoint. GET reports the running
// configuration; PUT changes recorder and detection settings live.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		h.handleConfigUpdate(w, r)
		return
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := h.config
	settings := h.recorder.Settings()
	sanitizedConfig := map[string]any{
		"recorder":  recorderView(settings, c.Recorder.PreviewSeconds),
		"detection": detectionView(settings),
		"post_processing": map[string]any{
			"normalize":           c.PostProcessing.Normalize,
			"trim":                c.PostProcessing.Trim,
			"remove_short_chunks": c.PostProcessing.RemoveShortChunks,
			"min_chunk_duration":  c.PostProcessing.MinChunkDuration,
			"workers":             c.PostProcessing.Workers,
		},
		"device": map[string]any{
			"source":      c.Device.Source,
			"sample_rate": c.Device.SampleRate,
			"channels":    c.Device.Channels,
			"bit_depth":   c.Device.BitDepth,
			"block_size":  c.Device.BlockSize,
		},
		"catalog": map[string]any{
			"enabled": c.Catalog.Enabled,
		},
		"notify": map[string]any{
			"enabled":        c.Notify.Enabled,
			"endpoint":       c.Notify.Endpoint,
			"timeout":        c.Notify.Timeout,
			"max_retries":    c.Notify.MaxRetries,
			"max_concurrent": c.Notify.MaxConcurrent,
			// API key is omitted
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

func (h *HTTPServer) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var req configUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid config update: %v", err), http.StatusBadRequest)
		return
	}

	settings := req.apply(h.recorder.Settings())
	if err := h.recorder.Reconfigure(settings); err != nil {
		h.logger.Warn("Config update rejected", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("Invalid config update: %v", err), http.StatusBadRequest)
		return
	}

	applied := h.recorder.Settings()
	h.logger.Info("Config updated",
		slog.String("output_folder", applied.OutputDir),
		slog.String("format", applied.Codec),
		slog.Float64("rms_threshold", float64(applied.RMSThreshold)),
		slog.Duration("silence_length", applied.SilenceLength),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"recorder":  recorderView(applied, h.config.Recorder.PreviewSeconds),
		"detection": detectionView(applied),
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	endpoints := map[string]string{
		"GET /":              "API documentation",
		"GET /health":        "Service health check",
		"GET /status":        "Recorder state, current segment and detector",
		"GET /preview":       "Waveform peaks of the current segment",
		"POST /mute":         "Mute or unmute monitoring passthrough",
		"GET /ws/preview":    "Websocket feed of status and waveform peaks",
		"GET /segments":      "List catalogued segments",
		"GET /segments/{id}": "Segment detail with post-processing jobs",
		"GET /config":        "Get recorder configuration",
		"PUT /config":        "Change recorder and detection settings",
		"GET /metrics":       "Prometheus metrics",
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service":   "CollectionRecorder",
		"version":   h.version,
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	})
}
