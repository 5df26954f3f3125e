package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jabeka/CollectionRecorder/internal/capture"
	"github.com/jabeka/CollectionRecorder/internal/catalog"
	"github.com/jabeka/CollectionRecorder/internal/codec"
	"github.com/jabeka/CollectionRecorder/internal/notify"
	"github.com/jabeka/CollectionRecorder/internal/postprocess"
	"github.com/jabeka/CollectionRecorder/internal/segment"
)

// session routes segment events of one record run to the catalog, the
// post-processing pool and the webhook. catalog, pool and notifier may be nil.
type session struct {
	id       string
	factory  codec.Factory
	catalog  *catalog.Store
	pool     *postprocess.Pool
	notifier *notify.Client
	logger   *slog.Logger

	mu    sync.Mutex
	rates map[string]int // segment id -> sample rate, while a job is pending
}

func newSession(id string, factory codec.Factory, logger *slog.Logger) *session {
	return &session{
		id:      id,
		factory: factory,
		logger:  logger.With("session_id", id),
		rates:   make(map[string]int),
	}
}

func (s *session) SegmentOpened(info segment.Info) {
	if s.catalog == nil {
		return
	}
	if err := s.catalog.SegmentOpened(context.Background(), s.id, info); err != nil {
		s.logger.Warn("Failed to catalog segment", "segment_id", info.ID, "error", err)
	}
}

func (s *session) SegmentClosed(ev capture.SegmentEvent) {
	ctx := context.Background()

	if s.catalog != nil {
		if err := s.catalog.SegmentClosed(ctx, ev.Segment, closedStatus(ev.Outcome), ev.Err); err != nil {
			s.logger.Warn("Failed to catalog segment", "segment_id", ev.Segment.ID, "error", err)
		}
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, notify.SegmentClosed(s.id, ev.Segment, string(ev.Outcome), ev.Err))
	}

	if ev.Outcome == capture.OutcomeDiscarded || s.pool == nil || !ev.Settings.PostProcess.Enabled() {
		return
	}

	s.mu.Lock()
	s.rates[ev.Segment.ID] = ev.Segment.Format.SampleRate
	s.mu.Unlock()

	job := postprocess.NewJob(ev.Segment.ID, ev.Segment.Path, ev.Settings.PostProcess, s.factory)
	if err := s.pool.Submit(ctx, job); err != nil {
		s.logger.Warn("Failed to queue post-processing", "file", ev.Segment.Path, "error", err)
		s.mu.Lock()
		delete(s.rates, ev.Segment.ID)
		s.mu.Unlock()
	}
}

// jobDone is the pool's completion hook
func (s *session) jobDone(report postprocess.Report) {
	ctx := context.Background()

	s.mu.Lock()
	rate := s.rates[report.SegmentID]
	delete(s.rates, report.SegmentID)
	s.mu.Unlock()

	if s.catalog != nil {
		if err := s.catalog.JobCompleted(ctx, report); err != nil {
			s.logger.Warn("Failed to catalog job", "job_id", report.JobID, "error", err)
		}
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, notify.SegmentProcessed(s.id, report, rate))
	}
}

func closedStatus(outcome capture.Outcome) catalog.Status {
	switch outcome {
	case capture.OutcomeDiscarded:
		return catalog.StatusDiscarded
	case capture.OutcomeFailed:
		return catalog.StatusFailed
	default:
		return catalog.StatusFinished
	}
}
