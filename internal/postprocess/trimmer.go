package postprocess

import (
	"context"
	"fmt"

	"github.com/jabeka/CollectionRecorder/internal/audio"
	"github.com/jabeka/CollectionRecorder/internal/codec"
)

// Trimmer removes leading and trailing frames quieter than a threshold,
// keeping one quiet frame on each side as padding.
type Trimmer struct {
	factory   codec.Factory
	threshold float32
}

// NewTrimmer creates a trim stage. A frame is quiet when its largest
// magnitude across channels is below threshold.
func NewTrimmer(factory codec.Factory, threshold float32) *Trimmer {
	return &Trimmer{factory: factory, threshold: threshold}
}

// Name returns the stage name
func (t *Trimmer) Name() string {
	return "trim"
}

// Apply rewrites the file with frames [lead, length-trail). A file that is
// quiet throughout is left untouched.
func (t *Trimmer) Apply(ctx context.Context, path string) (Result, error) {
	r, err := t.factory.CreateReader(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open %s: %w", path, err)
	}

	length := r.Length()
	lead, trail, err := t.scan(ctx, r, length)
	if err != nil {
		r.Close()
		return Result{}, err
	}

	if lead >= length {
		r.Close()
		return Result{Frames: length, Detail: "silent"}, nil
	}

	lead = max(lead-1, 0)
	trail = max(trail-1, 0)
	if lead == 0 && trail == 0 {
		r.Close()
		return Result{Frames: length}, nil
	}

	end := length - trail
	err = rewrite(t.factory, r, path, func(w codec.Writer) error {
		return copyFrames(ctx, r, w, lead, end, nil)
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		Changed: true,
		Frames:  end - lead,
		Detail:  fmt.Sprintf("removed %d leading and %d trailing frames", lead, trail),
	}, nil
}

// scan counts quiet frames from the start and, unless the whole file is
// quiet, from the end.
func (t *Trimmer) scan(ctx context.Context, r codec.Reader, length int64) (lead, trail int64, err error) {
	buf := audio.NewBlock(r.Format().Channels, readFrames)
	view := make(audio.Block, 0, len(buf))

	// Forward
	for pos := int64(0); pos < length; {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		n, err := r.ReadBlock(buf)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read samples: %w", err)
		}

		block := buf.Slice(view, 0, n)
		for i := 0; i < n; i++ {
			if frameMagnitude(block, i) >= t.threshold {
				trail, err := t.scanBackward(ctx, r, length, buf, view)
				return lead, trail, err
			}
			lead++
		}
		pos += int64(n)
	}

	return lead, 0, nil
}

func (t *Trimmer) scanBackward(ctx context.Context, r codec.Reader, length int64, buf, view audio.Block) (int64, error) {
	var trail int64

	for end := length; end > 0; {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		start := max(end-readFrames, 0)
		if err := r.Seek(start); err != nil {
			return 0, err
		}
		n, err := r.ReadBlock(buf.Slice(view, 0, int(end-start)))
		if err != nil {
			return 0, fmt.Errorf("failed to read samples: %w", err)
		}

		block := buf.Slice(view, 0, n)
		for i := n - 1; i >= 0; i-- {
			if frameMagnitude(block, i) >= t.threshold {
				return trail, nil
			}
			trail++
		}
		end = start
	}

	return trail, nil
}

func frameMagnitude(b audio.Block, i int) float32 {
	var m float32
	for _, ch := range b {
		s := ch[i]
		if s < 0 {
			s = -s
		}
		m = max(m, s)
	}
	return m
}
