package postprocess

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jabeka/CollectionRecorder/internal/codec"
	"github.com/jabeka/CollectionRecorder/internal/metrics"
)

// Options selects the stages a job runs and their parameters
type Options struct {
	Normalize         bool          `json:"normalize" yaml:"normalize"`
	Trim              bool          `json:"trim" yaml:"trim"`
	RemoveShortChunks bool          `json:"remove_short_chunks" yaml:"remove_short_chunks"`
	RMSThreshold      float32       `json:"rms_threshold" yaml:"rms_threshold"`
	MinChunkDuration  time.Duration `json:"min_chunk_duration" yaml:"min_chunk_duration"`
}

// Enabled reports whether any stage is selected
func (o Options) Enabled() bool {
	return o.Normalize || o.Trim || o.RemoveShortChunks
}

// Job post-processes one finished segment file
type Job struct {
	ID        string
	SegmentID string
	Path      string
	Options   Options
	Factory   codec.Factory
	Queued    time.Time
}

// NewJob creates a job for path
func NewJob(segmentID, path string, opts Options, factory codec.Factory) *Job {
	return &Job{
		ID:        uuid.NewString(),
		SegmentID: segmentID,
		Path:      path,
		Options:   opts,
		Factory:   factory,
		Queued:    time.Now(),
	}
}

// Stages returns the selected stages in their fixed order:
// normalize, trim, chunk filter.
func (j *Job) Stages() []Stage {
	var stages []Stage
	if j.Options.Normalize {
		stages = append(stages, NewNormalizer(j.Factory))
	}
	if j.Options.Trim {
		stages = append(stages, NewTrimmer(j.Factory, j.Options.RMSThreshold))
	}
	if j.Options.RemoveShortChunks {
		stages = append(stages, NewChunkFilter(j.Factory, j.Options.MinChunkDuration))
	}
	return stages
}

// StageReport is the outcome of one stage
type StageReport struct {
	Stage    string        `json:"stage"`
	Result   Result        `json:"result"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report is the outcome of a job
type Report struct {
	JobID     string        `json:"job_id"`
	SegmentID string        `json:"segment_id"`
	Path      string        `json:"path"`
	Stages    []StageReport `json:"stages"`
	Deleted   bool          `json:"deleted"`
	Failed    bool          `json:"failed"`
	Frames    int64         `json:"frames"`
	Duration  time.Duration `json:"duration"`
}

// Outcome summarizes the report as deleted, failed or processed
func (r Report) Outcome() string {
	switch {
	case r.Deleted:
		return "deleted"
	case r.Failed:
		return "failed"
	default:
		return "processed"
	}
}

// Run applies the stages in order. A failing stage is logged and the job
// moves on to the next stage; a deleted file ends the job.
func (j *Job) Run(ctx context.Context, logger *slog.Logger, m *metrics.Metrics) Report {
	start := time.Now()
	logger = logger.With("job_id", j.ID, "file", filepath.Base(j.Path))

	report := Report{
		JobID:     j.ID,
		SegmentID: j.SegmentID,
		Path:      j.Path,
	}

	for _, stage := range j.Stages() {
		if ctx.Err() != nil {
			report.Failed = true
			report.Stages = append(report.Stages, StageReport{Stage: stage.Name(), Error: ctx.Err().Error()})
			break
		}

		stageStart := time.Now()
		result, err := stage.Apply(ctx, j.Path)
		elapsed := time.Since(stageStart)
		m.RecordStage(stage.Name(), elapsed.Seconds(), err != nil)

		sr := StageReport{Stage: stage.Name(), Result: result, Duration: elapsed}
		if err != nil {
			sr.Error = err.Error()
			report.Failed = true
			logger.Warn("Post-processing stage failed, file left unchanged",
				"stage", stage.Name(),
				"error", err,
			)
		} else {
			report.Frames = result.Frames
			logger.Debug("Post-processing stage done",
				"stage", stage.Name(),
				"changed", result.Changed,
				"detail", result.Detail,
				"duration", elapsed,
			)
		}
		report.Stages = append(report.Stages, sr)

		if result.Deleted {
			report.Deleted = true
			m.RecordFileDiscarded()
			break
		}
	}

	report.Duration = time.Since(start)
	return report
}

func (j *Job) String() string {
	return fmt.Sprintf("job %s (%s)", j.ID, filepath.Base(j.Path))
}
