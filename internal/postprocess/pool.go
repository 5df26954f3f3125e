package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jabeka/CollectionRecorder/internal/metrics"
)

// ErrPoolClosed is returned when submitting to a closed pool
var ErrPoolClosed = errors.New("post-processing pool closed")

// PoolConfig configures a worker pool
type PoolConfig struct {
	Workers   int
	QueueSize int
	// OnDone is called from the worker goroutine after each job
	OnDone func(Report)
}

// Pool runs jobs on a bounded set of workers, one job per file and stages
// sequential within a job.
type Pool struct {
	queue   chan *Job
	config  PoolConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.RWMutex
	closed bool
}

// NewPool starts the workers
func NewPool(config PoolConfig, logger *slog.Logger, m *metrics.Metrics) (*Pool, error) {
	if config.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", config.Workers)
	}
	if config.QueueSize <= 0 {
		return nil, fmt.Errorf("queue size must be positive, got %d", config.QueueSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:   make(chan *Job, config.QueueSize),
		config:  config,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		group:   &errgroup.Group{},
	}

	for i := 0; i < config.Workers; i++ {
		p.group.Go(func() error {
			p.worker(i)
			return nil
		})
	}

	logger.Info("Post-processing pool started",
		"workers", config.Workers,
		"queue_size", config.QueueSize,
	)
	return p, nil
}

func (p *Pool) worker(id int) {
	logger := p.logger.With("worker", id)

	for job := range p.queue {
		p.metrics.SetJobsQueued(len(p.queue))

		report := job.Run(p.ctx, logger, p.metrics)
		p.metrics.RecordJobCompleted(report.Outcome())

		logger.Info("Post-processing job completed",
			"job_id", job.ID,
			"file", job.Path,
			"outcome", report.Outcome(),
			"duration", report.Duration,
		)

		if p.config.OnDone != nil {
			p.config.OnDone(report)
		}
	}
}

// Submit enqueues job. It blocks while the queue is full and returns
// ErrPoolClosed once Close has been called.
func (p *Pool) Submit(ctx context.Context, job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- job:
		p.metrics.SetJobsQueued(len(p.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued jobs
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Close stops accepting jobs and waits for queued jobs to finish
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	err := p.group.Wait()
	p.cancel()
	return err
}

// Abort cancels running stages. Jobs still queued complete as failed
// without touching their files.
func (p *Pool) Abort() error {
	p.cancel()
	return p.Close()
}
