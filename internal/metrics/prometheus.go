package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the recorder.
// Every Record/Set method is safe to call on a nil *Metrics.
type Metrics struct {
	// Capture metrics
	BlocksProcessed prometheus.Counter
	InputLevel      prometheus.Gauge
	Recording       prometheus.Gauge
	Clips           prometheus.Counter
	DroppedFrames   prometheus.Counter
	DeviceStops     prometheus.Counter

	// Segment metrics
	SegmentsOpened   prometheus.Counter
	SegmentsClosed   *prometheus.CounterVec
	SegmentDuration  prometheus.Histogram
	Restarts         prometheus.Counter
	SegmentOpenFails prometheus.Counter

	// Post-processing metrics
	JobsQueued     prometheus.Gauge
	JobsCompleted  *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	StageFailures  *prometheus.CounterVec
	FilesDiscarded prometheus.Counter

	// Notification metrics
	NotifyRequests prometheus.Counter
	NotifyFailures prometheus.Counter
	NotifyRetries  prometheus.Counter
	NotifyDuration prometheus.Histogram

	// Source metrics
	PacketsReceived prometheus.Counter
	PacketsDropped  prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Passing prometheus.DefaultRegisterer exposes them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		// Capture metrics
		BlocksProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "collectionrecorder_blocks_processed_total",
			Help: "Total number of device blocks processed",
		}),
		InputLevel: f.NewGauge(prometheus.GaugeOpts{
			Name: "collectionrecorder_input_rms",
			Help: "RMS level of the pre-roll window",
		}),
		Recording: f.NewGauge(prometheus.GaugeOpts{
			Name: "collectionrecorder_recording",
			Help: "1 while the engine is recording",
		}),
		Clips: f.NewCounter(prometheus.CounterOpts{
			Name: "collectionrecorder_clips_total",
			Help: "Total number of blocks whose peak exceeded the clip level",
		}),
		DroppedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "collectionrecorder_dropped_frames_total",
			Help: "Total number of frames refused by a segment writer",
		}),
		DeviceStops: f.NewCounter(prometheus.CounterOpts{
			Name: "collectionrecorder_device_stops_total",
			Help: "Total number of times the capture device stopped",
		}),

		// Segment metrics
		SegmentsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "collectionrecorder_segments_opened_total",
			Help: "Total number of segment files opened",
		}),
		SegmentsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collectionrecorder_segments_closed_total",
			Help: "Total number of segment files closed by outcome",
		}, []string{"outcome"}),
		SegmentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "collectionrecorder_segment_duration_seconds",
			Help:    "Audio length of closed segments",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17 minutes
		}),
		Restarts: f.NewCounter(prometheus.CounterOpts{
			Name: "collectionrecorder_restarts_total",
			Help: "Total number of silence-triggered segment restarts",
		}),
		SegmentOpenFails: f.NewCounter(prometheus.CounterOpts{
			Name: "collectionrecorder_segment_open_failures_total",
			Help: "Total number of segment files that could not be created",
		}),

		// Post-processing metrics
		JobsQueued: f.NewGauge(prometheus.GaugeOpts{
			Name: "collectionrecorder_jobs_queued",
			Help: "Current number of post-processing jobs waiting",
		}),
		JobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collectionrecorder_jobs_completed_total",
			Help: "Total number of post-processing jobs completed by outcome",
		}, []string{"outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collectionrecorder_stage_duration_seconds",
			Help:    "Time spent in each post-processing stage",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"stage"}),
		StageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collectionrecorder_stage_failures_total",
			Help: "Total number of failed post-processing stages",
		}, []string{"stage"}),
		FilesDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "collectionrecorder_files_discarded_total",
			Help: "Total number of files deleted by the chunk filter",
		}),

		// Notification metrics
		NotifyRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "collectionrecorder_notify_requests_total",
			Help: "Total number of webhook notifications sent",
		}),
		NotifyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "collectionrecorder_notify_failures_total",
			Help: "Total number of webhook notifications that failed after retries",
		}),
		NotifyRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "collectionrecorder_notify_retries_total",
			Help: "Total number of webhook notification retries",
		}),
		NotifyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "collectionrecorder_notify_duration_seconds",
			Help:    "Duration of webhook notifications",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),

		// Source metrics
		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "collectionrecorder_packets_received_total",
			Help: "Total number of UDP audio packets received",
		}),
		PacketsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "collectionrecorder_packets_dropped_total",
			Help: "Total number of UDP audio packets dropped as invalid or late",
		}),

		// HTTP API metrics
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collectionrecorder_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collectionrecorder_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collectionrecorder_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordBlock counts a processed block and publishes the current level
func (m *Metrics) RecordBlock(level float32) {
	if m == nil {
		return
	}
	m.BlocksProcessed.Inc()
	m.InputLevel.Set(float64(level))
}

// SetRecording sets the recording gauge
func (m *Metrics) SetRecording(recording bool) {
	if m == nil {
		return
	}
	if recording {
		m.Recording.Set(1)
	} else {
		m.Recording.Set(0)
	}
}

// RecordClip increments the clip counter
func (m *Metrics) RecordClip() {
	if m == nil {
		return
	}
	m.Clips.Inc()
}

// RecordDroppedFrames adds frames a writer refused
func (m *Metrics) RecordDroppedFrames(frames int) {
	if m == nil {
		return
	}
	m.DroppedFrames.Add(float64(frames))
}

// RecordDeviceStop increments the device stop counter
func (m *Metrics) RecordDeviceStop() {
	if m == nil {
		return
	}
	m.DeviceStops.Inc()
}

// RecordSegmentOpened increments the segments opened counter
func (m *Metrics) RecordSegmentOpened() {
	if m == nil {
		return
	}
	m.SegmentsOpened.Inc()
}

// RecordSegmentOpenFailure increments the open failure counter
func (m *Metrics) RecordSegmentOpenFailure() {
	if m == nil {
		return
	}
	m.SegmentOpenFails.Inc()
}

// RecordSegmentClosed records a closed segment and its audio length
func (m *Metrics) RecordSegmentClosed(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SegmentsClosed.WithLabelValues(outcome).Inc()
	m.SegmentDuration.Observe(durationSeconds)
}

// RecordRestart increments the restart counter
func (m *Metrics) RecordRestart() {
	if m == nil {
		return
	}
	m.Restarts.Inc()
}

// SetJobsQueued sets the current job queue depth
func (m *Metrics) SetJobsQueued(n int) {
	if m == nil {
		return
	}
	m.JobsQueued.Set(float64(n))
}

// RecordJobCompleted records a finished job by outcome
func (m *Metrics) RecordJobCompleted(outcome string) {
	if m == nil {
		return
	}
	m.JobsCompleted.WithLabelValues(outcome).Inc()
}

// RecordStage records a stage run and whether it failed
func (m *Metrics) RecordStage(stage string, durationSeconds float64, failed bool) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
	if failed {
		m.StageFailures.WithLabelValues(stage).Inc()
	}
}

// RecordFileDiscarded increments the discarded files counter
func (m *Metrics) RecordFileDiscarded() {
	if m == nil {
		return
	}
	m.FilesDiscarded.Inc()
}

// RecordNotifyRequest increments notification requests counter
func (m *Metrics) RecordNotifyRequest() {
	if m == nil {
		return
	}
	m.NotifyRequests.Inc()
}

// RecordNotifySuccess records a delivered notification
func (m *Metrics) RecordNotifySuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.NotifyDuration.Observe(durationSeconds)
}

// RecordNotifyFailure records a notification that was given up on
func (m *Metrics) RecordNotifyFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.NotifyFailures.Inc()
	m.NotifyDuration.Observe(durationSeconds)
}

// RecordNotifyRetry increments the retry counter
func (m *Metrics) RecordNotifyRetry() {
	if m == nil {
		return
	}
	m.NotifyRetries.Inc()
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketDropped increments the packets dropped counter
func (m *Metrics) RecordPacketDropped() {
	if m == nil {
		return
	}
	m.PacketsDropped.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
