package audio

import "math"

// ClipLevel is the magnitude above which a sample counts as clipped
const ClipLevel = 0.99

// Block is a channel-major view of one device callback's samples.
// Block[c][i] is frame i of channel c. A Block handed to a callback is only
// valid for the duration of that callback.
type Block [][]float32

// Channels returns the number of channels in the block
func (b Block) Channels() int {
	return len(b)
}

// Frames returns the number of frames per channel
func (b Block) Frames() int {
	if len(b) == 0 {
		return 0
	}
	return len(b[0])
}

// Slice returns a view of frames [from, to) across all channels.
// The returned header slice is written into dst so no allocation happens when
// dst has enough capacity.
func (b Block) Slice(dst Block, from, to int) Block {
	dst = dst[:0]
	for _, ch := range b {
		dst = append(dst, ch[from:to])
	}
	return dst
}

// Magnitude returns the largest absolute sample value across all channels
func (b Block) Magnitude() float32 {
	var peak float32
	for _, ch := range b {
		for _, s := range ch {
			if s < 0 {
				s = -s
			}
			if s > peak {
				peak = s
			}
		}
	}
	return peak
}

// RMS returns the root-mean-square level averaged over channels
func (b Block) RMS() float32 {
	if len(b) == 0 || b.Frames() == 0 {
		return 0
	}

	var sum float64
	for _, ch := range b {
		var energy float64
		for _, s := range ch {
			energy += float64(s) * float64(s)
		}
		sum += math.Sqrt(energy / float64(len(ch)))
	}
	return float32(sum / float64(len(b)))
}

// NewBlock allocates a zeroed block of the given shape
func NewBlock(channels, frames int) Block {
	b := make(Block, channels)
	for c := range b {
		b[c] = make([]float32, frames)
	}
	return b
}

// Clear zeroes every channel in place
func (b Block) Clear() {
	for _, ch := range b {
		clear(ch)
	}
}
