package postprocess

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jabeka/CollectionRecorder/internal/audio"
	"github.com/jabeka/CollectionRecorder/internal/codec"
)

// NormalizePeak is the target peak magnitude after normalization
const NormalizePeak = 0.99

// Normalizer scales a file so its loudest sample reaches NormalizePeak
type Normalizer struct {
	factory codec.Factory
}

// NewNormalizer creates a normalization stage
func NewNormalizer(factory codec.Factory) *Normalizer {
	return &Normalizer{factory: factory}
}

// Name returns the stage name
func (n *Normalizer) Name() string {
	return "normalize"
}

// Apply finds the peak in a first pass and rewrites every sample scaled by
// NormalizePeak/peak in a second. A silent file is left as is.
func (n *Normalizer) Apply(ctx context.Context, path string) (Result, error) {
	r, err := n.factory.CreateReader(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open %s: %w", path, err)
	}

	peak, err := findPeak(ctx, r)
	if err != nil {
		r.Close()
		return Result{}, err
	}

	length := r.Length()
	if peak == 0 {
		r.Close()
		return Result{Frames: length, Detail: "silent"}, nil
	}

	gain := float32(NormalizePeak / float64(peak))
	err = rewrite(n.factory, r, path, func(w codec.Writer) error {
		return copyFrames(ctx, r, w, 0, length, func(b audio.Block) {
			for _, ch := range b {
				for i := range ch {
					ch[i] *= gain
				}
			}
		})
	})
	if err != nil {
		return Result{}, err
	}

	return Result{Changed: true, Frames: length, Detail: fmt.Sprintf("peak %.4f gain %.4f", peak, gain)}, nil
}

func findPeak(ctx context.Context, r codec.Reader) (float32, error) {
	buf := audio.NewBlock(r.Format().Channels, readFrames)
	view := make(audio.Block, 0, len(buf))

	var peak float32
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n, err := r.ReadBlock(buf)
		if errors.Is(err, io.EOF) {
			return peak, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read samples: %w", err)
		}

		peak = max(peak, buf.Slice(view, 0, n).Magnitude())
	}
}
