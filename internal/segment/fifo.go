package segment

import (
	"sync/atomic"

	"github.com/jabeka/CollectionRecorder/internal/audio"
)

// fifo is a single-producer single-consumer multi-channel sample queue.
// head and tail are monotonically increasing frame counters; only the
// producer advances tail and only the consumer advances head.
type fifo struct {
	data     audio.Block
	capacity int64
	head     atomic.Int64
	tail     atomic.Int64
}

func newFIFO(channels, capacity int) *fifo {
	return &fifo{
		data:     audio.NewBlock(channels, capacity),
		capacity: int64(capacity),
	}
}

// push enqueues all of b or nothing. It returns false when there is not
// enough free space.
func (f *fifo) push(b audio.Block) bool {
	frames := int64(b.Frames())
	if frames == 0 {
		return true
	}

	tail := f.tail.Load()
	if f.capacity-(tail-f.head.Load()) < frames {
		return false
	}

	start := tail % f.capacity
	first := min(frames, f.capacity-start)
	for c, src := range b {
		copy(f.data[c][start:], src[:first])
		copy(f.data[c], src[first:frames])
	}

	f.tail.Store(tail + frames)
	return true
}

// pop dequeues up to dst.Frames() frames into dst and returns the count
func (f *fifo) pop(dst audio.Block) int {
	head := f.head.Load()
	frames := min(f.tail.Load()-head, int64(dst.Frames()))
	if frames <= 0 {
		return 0
	}

	start := head % f.capacity
	first := min(frames, f.capacity-start)
	for c, out := range dst {
		copy(out, f.data[c][start:start+first])
		copy(out[first:], f.data[c][:frames-first])
	}

	f.head.Store(head + frames)
	return int(frames)
}

// buffered returns the number of queued frames
func (f *fifo) buffered() int {
	return int(f.tail.Load() - f.head.Load())
}
