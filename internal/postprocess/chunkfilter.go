package postprocess

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jabeka/CollectionRecorder/internal/codec"
)

// ChunkFilter deletes files shorter than a minimum duration
type ChunkFilter struct {
	factory     codec.Factory
	minDuration time.Duration
}

// NewChunkFilter creates a chunk filter stage
func NewChunkFilter(factory codec.Factory, minDuration time.Duration) *ChunkFilter {
	return &ChunkFilter{factory: factory, minDuration: minDuration}
}

// Name returns the stage name
func (c *ChunkFilter) Name() string {
	return "chunk_filter"
}

// Apply removes the file when length < minDuration × sampleRate
func (c *ChunkFilter) Apply(ctx context.Context, path string) (Result, error) {
	r, err := c.factory.CreateReader(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	length := r.Length()
	sampleRate := r.Format().SampleRate
	r.Close()

	if float64(length) >= c.minDuration.Seconds()*float64(sampleRate) {
		return Result{Frames: length}, nil
	}

	if err := os.Remove(path); err != nil {
		return Result{}, fmt.Errorf("failed to delete short chunk: %w", err)
	}

	return Result{
		Changed: true,
		Deleted: true,
		Frames:  length,
		Detail:  fmt.Sprintf("shorter than %s", c.minDuration),
	}, nil
}
