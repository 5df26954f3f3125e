package audio

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrChannelMismatch is returned when a pushed block has a different channel count than the buffer
	ErrChannelMismatch = errors.New("channel count mismatch")
	// ErrBlockTooLarge is returned when a pushed block holds more frames than the buffer capacity
	ErrBlockTooLarge = errors.New("block larger than buffer capacity")
)

// PrerollBuffer is a fixed-capacity multi-channel ring that always holds the
// most recent capacity frames pushed into it. It keeps a running sum of
// squares per channel so the RMS level over the whole window is available
// after every push without rescanning the ring.
//
// A PrerollBuffer is owned by a single goroutine (the capture callback) and is
// not safe for concurrent use.
type PrerollBuffer struct {
	data     Block
	capacity int
	origin   int   // next write index
	written  int64 // cumulative frames pushed since the last reset
	full     bool

	// Running energy per channel, recomputed on every wrap to drop float drift
	energy []float64
}

// PrerollStats represents buffer statistics for monitoring
type PrerollStats struct {
	Channels int   `json:"channels"`
	Capacity int   `json:"capacity_frames"`
	Origin   int   `json:"origin"`
	Written  int64 `json:"written_frames"`
	Full     bool  `json:"full"`
}

// NewPrerollBuffer creates a ring holding capacity frames of the given channel count
func NewPrerollBuffer(channels, capacity int) (*PrerollBuffer, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", channels)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}

	return &PrerollBuffer{
		data:     NewBlock(channels, capacity),
		capacity: capacity,
		energy:   make([]float64, channels),
	}, nil
}

// Push copies block into the ring at origin, wrapping into two copy ranges
// when it crosses the end of the storage.
func (b *PrerollBuffer) Push(block Block) error {
	if block.Channels() != len(b.data) {
		return fmt.Errorf("%w: buffer has %d, block has %d", ErrChannelMismatch, len(b.data), block.Channels())
	}

	frames := block.Frames()
	if frames > b.capacity {
		return fmt.Errorf("%w: %d > %d", ErrBlockTooLarge, frames, b.capacity)
	}
	if frames == 0 {
		return nil
	}

	first := min(frames, b.capacity-b.origin)
	second := frames - first

	for c, src := range block {
		dst := b.data[c]
		b.energy[c] += energyDelta(dst[b.origin:b.origin+first], src[:first])
		copy(dst[b.origin:], src[:first])
		if second > 0 {
			b.energy[c] += energyDelta(dst[:second], src[first:frames])
			copy(dst, src[first:frames])
		}
	}

	b.written += int64(frames)
	if b.written >= int64(b.capacity) {
		b.full = true
	}

	wrapped := b.origin+frames >= b.capacity
	b.origin = (b.origin + frames) % b.capacity
	if wrapped {
		b.recomputeEnergy()
	}

	return nil
}

// energyDelta returns the change in sum of squares when old is overwritten by new
func energyDelta(old, new []float32) float64 {
	var delta float64
	for i := range new {
		o := float64(old[i])
		n := float64(new[i])
		delta += n*n - o*o
	}
	return delta
}

func (b *PrerollBuffer) recomputeEnergy() {
	for c, ch := range b.data {
		var e float64
		for _, s := range ch {
			e += float64(s) * float64(s)
		}
		b.energy[c] = e
	}
}

// RMS returns the root-mean-square level over the entire window, averaged
// across channels. The second result is false until the buffer has been
// filled once; the level must be ignored in that case.
func (b *PrerollBuffer) RMS() (float32, bool) {
	if !b.full {
		return 0, false
	}

	var sum float64
	for _, e := range b.energy {
		sum += math.Sqrt(max(e, 0) / float64(b.capacity))
	}
	return float32(sum / float64(len(b.energy))), true
}

// Materialize copies the ring into dst in chronological order (oldest frame
// first): [origin, capacity) followed by [0, origin). dst must have the same
// channel count and at least capacity frames per channel. The returned block
// is dst trimmed to capacity frames.
func (b *PrerollBuffer) Materialize(dst Block) Block {
	if dst.Channels() != len(b.data) {
		panic(fmt.Sprintf("audio: materialize into %d channels, buffer has %d", dst.Channels(), len(b.data)))
	}

	tail := b.capacity - b.origin
	for c, src := range b.data {
		out := dst[c][:b.capacity]
		copy(out, src[b.origin:])
		copy(out[tail:], src[:b.origin])
		dst[c] = out
	}
	return dst
}

// At returns the sample at chronological index i (0 is the oldest frame)
func (b *PrerollBuffer) At(channel, i int) float32 {
	return b.data[channel][(b.origin+i)%b.capacity]
}

// Reset clears the stored audio and the full flag
func (b *PrerollBuffer) Reset() {
	b.data.Clear()
	clear(b.energy)
	b.origin = 0
	b.written = 0
	b.full = false
}

// Full reports whether at least capacity frames have been pushed since the last reset
func (b *PrerollBuffer) Full() bool {
	return b.full
}

// Capacity returns the ring size in frames
func (b *PrerollBuffer) Capacity() int {
	return b.capacity
}

// Channels returns the channel count
func (b *PrerollBuffer) Channels() int {
	return len(b.data)
}

// Origin returns the next write index
func (b *PrerollBuffer) Origin() int {
	return b.origin
}

// GetStats returns current buffer statistics
func (b *PrerollBuffer) GetStats() PrerollStats {
	return PrerollStats{
		Channels: len(b.data),
		Capacity: b.capacity,
		Origin:   b.origin,
		Written:  b.written,
		Full:     b.full,
	}
}
