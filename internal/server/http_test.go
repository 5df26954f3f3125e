package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jabeka/CollectionRecorder/internal/audio"
	"github.com/jabeka/CollectionRecorder/internal/capture"
	"github.com/jabeka/CollectionRecorder/internal/catalog"
	"github.com/jabeka/CollectionRecorder/internal/codec"
	"github.com/jabeka/CollectionRecorder/internal/config"
	"github.com/jabeka/CollectionRecorder/internal/metrics"
	"github.com/jabeka/CollectionRecorder/internal/postprocess"
	"github.com/jabeka/CollectionRecorder/internal/segment"
)

type fakeRecorder struct {
	mu          sync.Mutex
	muted       bool
	running     bool
	settings    capture.Settings
	reconfigure int
}

func (f *fakeRecorder) Status() capture.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return capture.Status{
		State:         capture.Recording.String(),
		Silence:       "silent",
		Muted:         f.muted,
		DeviceRunning: f.running,
	}
}

func (f *fakeRecorder) Preview() audio.PreviewSnapshot {
	return audio.PreviewSnapshot{SampleRate: 8000, BucketFrames: audio.PreviewBucketFrames, Min: []float32{-0.5}, Max: []float32{0.5}}
}

func (f *fakeRecorder) SetMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = muted
}

func (f *fakeRecorder) Settings() capture.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeRecorder) Reconfigure(settings capture.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = settings
	f.reconfigure++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, store Catalog) (*HTTPServer, *fakeRecorder, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	cfg := config.Default()
	cfg.Notify.APIKey = "secret-key"
	rec := &fakeRecorder{running: true, settings: capture.Settings{
		OutputDir:      cfg.Recorder.OutputFolder,
		FilePrefix:     cfg.Recorder.FilePrefix,
		Codec:          cfg.Recorder.Format,
		RMSThreshold:   cfg.Detection.RMSThreshold,
		SilenceLength:  cfg.Detection.GetSilenceLength(),
		DebounceBlocks: cfg.Detection.DebounceBlocks,
	}}

	h := NewHTTPServer(cfg.HTTP, testLogger(), Deps{
		Config:   cfg,
		Recorder: rec,
		Catalog:  store,
		Metrics:  metrics.NewMetrics(reg),
		Gatherer: reg,
		Version:  "test",
	})
	return h, rec, reg
}

func do(t *testing.T, h *HTTPServer, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	h.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestHealth(t *testing.T) {
	h, rec, _ := newTestServer(t, nil)
	h.AddComponent("post_processing", func() any { return map[string]any{"pending": 3} })

	rr := do(t, h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	body := decode(t, rr)
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", body["status"])
	}
	components := body["components"].(map[string]any)
	if _, ok := components["post_processing"]; !ok {
		t.Error("Expected registered component in health output")
	}

	rec.running = false
	if rr := do(t, h, http.MethodGet, "/health", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 with device stopped, got %d", rr.Code)
	}
}

func TestStatusAndPreview(t *testing.T) {
	h, _, _ := newTestServer(t, nil)

	body := decode(t, do(t, h, http.MethodGet, "/status", ""))
	if body["state"] != "recording" {
		t.Errorf("Expected recording state, got %v", body["state"])
	}

	body = decode(t, do(t, h, http.MethodGet, "/preview", ""))
	if body["sample_rate"] != float64(8000) {
		t.Errorf("Expected preview sample rate 8000, got %v", body["sample_rate"])
	}

	if rr := do(t, h, http.MethodPost, "/status", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rr.Code)
	}
}

func TestMute(t *testing.T) {
	h, rec, _ := newTestServer(t, nil)

	if rr := do(t, h, http.MethodPost, "/mute", `{"muted": true}`); rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if !rec.Status().Muted {
		t.Error("Expected recorder to be muted")
	}

	if rr := do(t, h, http.MethodPost, "/mute", `{}`); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing field, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/mute", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rr.Code)
	}
}

func TestConfigOmitsAPIKey(t *testing.T) {
	h, _, _ := newTestServer(t, nil)

	rr := do(t, h, http.MethodGet, "/config", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "secret-key") {
		t.Error("Config response leaked the API key")
	}
	body := decode(t, rr)
	if body["recorder"].(map[string]any)["file_prefix"] != "Tune" {
		t.Errorf("Unexpected recorder section: %v", body["recorder"])
	}
}

func TestConfigUpdate(t *testing.T) {
	h, rec, _ := newTestServer(t, nil)

	rr := do(t, h, http.MethodPut, "/config", `{"rms_threshold": 0.2, "silence_length": 1.5}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	applied := rec.Settings()
	if applied.RMSThreshold != 0.2 {
		t.Errorf("Expected threshold 0.2, got %f", applied.RMSThreshold)
	}
	if applied.SilenceLength != 1500*time.Millisecond {
		t.Errorf("Expected silence length 1.5s, got %s", applied.SilenceLength)
	}
	if applied.PostProcess.RMSThreshold != 0.2 {
		t.Errorf("Expected post-processing threshold 0.2, got %f", applied.PostProcess.RMSThreshold)
	}
	if applied.FilePrefix != "Tune" {
		t.Errorf("Expected untouched prefix Tune, got %q", applied.FilePrefix)
	}

	body := decode(t, rr)
	if got := body["detection"].(map[string]any)["silence_length"]; got != 1.5 {
		t.Errorf("Expected silence_length 1.5 in response, got %v", got)
	}

	// GET reflects the live settings
	body = decode(t, do(t, h, http.MethodGet, "/config", ""))
	if got := body["detection"].(map[string]any)["rms_threshold"]; got != 0.2 {
		t.Errorf("Expected rms_threshold 0.2 from GET, got %v", got)
	}
}

func TestConfigUpdateRejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"rms_threshold":`},
		{"unknown field", `{"api_key": "x"}`},
		{"threshold out of range", `{"rms_threshold": 1.5}`},
		{"empty format", `{"format": ""}`},
		{"negative debounce", `{"debounce_blocks": -1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, rec, _ := newTestServer(t, nil)
			before := rec.Settings()

			rr := do(t, h, http.MethodPut, "/config", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rr.Code)
			}
			if rec.reconfigure != 0 {
				t.Errorf("Expected no reconfigure, got %d", rec.reconfigure)
			}
			if rec.Settings() != before {
				t.Errorf("Expected settings unchanged, got %+v", rec.Settings())
			}
		})
	}
}

func TestSegmentsWithoutCatalog(t *testing.T) {
	h, _, _ := newTestServer(t, nil)

	if rr := do(t, h, http.MethodGet, "/segments", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rr.Code)
	}
}

func TestSegments(t *testing.T) {
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	info := segment.Info{
		ID:       "seg-1",
		Path:     "/rec/Tune 1.wav",
		Sequence: 1,
		Format:   codec.Format{Codec: "wav", SampleRate: 8000, BitDepth: 16, Channels: 1},
		Opened:   time.Now(),
		Frames:   8000,
	}
	if err := store.SegmentOpened(ctx, "s", info); err != nil {
		t.Fatalf("SegmentOpened failed: %v", err)
	}
	if err := store.SegmentClosed(ctx, info, catalog.StatusFinished, nil); err != nil {
		t.Fatalf("SegmentClosed failed: %v", err)
	}
	if err := store.JobCompleted(ctx, postprocess.Report{JobID: "job-1", SegmentID: "seg-1", Path: info.Path}); err != nil {
		t.Fatalf("JobCompleted failed: %v", err)
	}

	h, _, _ := newTestServer(t, store)

	body := decode(t, do(t, h, http.MethodGet, "/segments?limit=10", ""))
	if body["total"] != float64(1) {
		t.Errorf("Expected 1 segment, got %v", body["total"])
	}

	body = decode(t, do(t, h, http.MethodGet, "/segments?status=deleted", ""))
	if body["total"] != float64(0) {
		t.Errorf("Expected 0 deleted segments, got %v", body["total"])
	}

	if rr := do(t, h, http.MethodGet, "/segments?limit=abc", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", rr.Code)
	}

	rr := do(t, h, http.MethodGet, "/segments/seg-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	body = decode(t, rr)
	if jobs := body["jobs"].([]any); len(jobs) != 1 {
		t.Errorf("Expected 1 job, got %d", len(jobs))
	}

	if rr := do(t, h, http.MethodGet, "/segments/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _ := newTestServer(t, nil)

	do(t, h, http.MethodGet, "/status", "")
	do(t, h, http.MethodGet, "/nope", "")

	rr := do(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "collectionrecorder_http_requests_total") {
		t.Error("Expected HTTP request counter in metrics output")
	}
}

func TestRootAndNotFound(t *testing.T) {
	h, _, _ := newTestServer(t, nil)

	body := decode(t, do(t, h, http.MethodGet, "/", ""))
	if body["service"] != "CollectionRecorder" {
		t.Errorf("Unexpected root body: %v", body)
	}

	if rr := do(t, h, http.MethodGet, "/unknown", ""); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rr.Code)
	}
}

func TestPreviewStream(t *testing.T) {
	h, rec, _ := newTestServer(t, nil)
	rec.SetMuted(true)

	ts := httptest.NewServer(h.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/preview", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.CloseNow()

	for i := range 2 {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read frame %d failed: %v", i, err)
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("Unmarshal frame %d failed: %v", i, err)
		}
		if frame.Status.State != capture.Recording.String() || !frame.Status.Muted {
			t.Errorf("Unexpected status in frame %d: %+v", i, frame.Status)
		}
		if len(frame.Preview.Max) != 1 || frame.Preview.Max[0] != 0.5 {
			t.Errorf("Unexpected preview in frame %d: %+v", i, frame.Preview)
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
}
