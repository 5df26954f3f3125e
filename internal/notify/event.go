package notify

import (
	"path/filepath"
	"time"

	"github.com/jabeka/CollectionRecorder/internal/postprocess"
	"github.com/jabeka/CollectionRecorder/internal/segment"
)

// Event types
const (
	EventSegmentClosed    = "segment.closed"
	EventSegmentProcessed = "segment.processed"
)

// Event is the JSON body posted to the webhook
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	SegmentID string    `json:"segment_id,omitempty"`
	Path      string    `json:"path"`
	FileName  string    `json:"file_name"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Audio details
	Codec      string  `json:"codec,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	BitDepth   int     `json:"bit_depth,omitempty"`
	Channels   int     `json:"channels,omitempty"`
	Frames     int64   `json:"frames"`
	Duration   float64 `json:"duration_seconds"`
	Dropped    int64   `json:"dropped_frames,omitempty"`

	Stages []postprocess.StageReport `json:"stages,omitempty"`
}

// SegmentClosed builds the event for a closed segment
func SegmentClosed(sessionID string, info segment.Info, outcome string, err error) *Event {
	ev := &Event{
		Type:       EventSegmentClosed,
		SessionID:  sessionID,
		SegmentID:  info.ID,
		Path:       info.Path,
		FileName:   filepath.Base(info.Path),
		Outcome:    outcome,
		Timestamp:  time.Now().UTC(),
		Codec:      info.Format.Codec,
		SampleRate: info.Format.SampleRate,
		BitDepth:   info.Format.BitDepth,
		Channels:   info.Format.Channels,
		Frames:     info.Frames,
		Duration:   info.Duration().Seconds(),
		Dropped:    info.Dropped,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// SegmentProcessed builds the event for a completed post-processing job.
// sampleRate converts the final frame count into a duration.
func SegmentProcessed(sessionID string, report postprocess.Report, sampleRate int) *Event {
	ev := &Event{
		Type:       EventSegmentProcessed,
		SessionID:  sessionID,
		SegmentID:  report.SegmentID,
		Path:       report.Path,
		FileName:   filepath.Base(report.Path),
		Outcome:    report.Outcome(),
		Timestamp:  time.Now().UTC(),
		SampleRate: sampleRate,
		Frames:     report.Frames,
		Stages:     report.Stages,
	}
	if sampleRate > 0 {
		ev.Duration = float64(report.Frames) / float64(sampleRate)
	}
	return ev
}
