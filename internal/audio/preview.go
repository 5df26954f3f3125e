package audio

import "sync"

// PreviewBucketFrames is the number of frames folded into one preview peak pair
const PreviewBucketFrames = 512

// Preview keeps min/max peaks of the most recent audio for display.
// Push and Reset are called from the capture goroutine; Snapshot may be
// called from any goroutine. The lock is only taken once per completed bucket.
type Preview struct {
	mu         sync.RWMutex
	sampleRate int
	mins       []float32
	maxs       []float32
	head       int
	count      int

	// In-progress bucket, owned by the capture goroutine. Peaks start at zero
	// so every bucket spans the center line.
	curMin    float32
	curMax    float32
	curFrames int
}

// PreviewSnapshot is a chronological copy of the preview peaks
type PreviewSnapshot struct {
	SampleRate   int       `json:"sample_rate"`
	BucketFrames int       `json:"bucket_frames"`
	Min          []float32 `json:"min"`
	Max          []float32 `json:"max"`
}

// NewPreview creates a preview covering seconds of audio at sampleRate
func NewPreview(sampleRate, seconds int) *Preview {
	buckets := max(sampleRate*seconds/PreviewBucketFrames, 1)
	return &Preview{
		sampleRate: sampleRate,
		mins:       make([]float32, buckets),
		maxs:       make([]float32, buckets),
	}
}

// Push folds a block into the preview
func (p *Preview) Push(b Block) {
	frames := b.Frames()
	for i := 0; i < frames; i++ {
		for _, ch := range b {
			s := ch[i]
			if s < p.curMin {
				p.curMin = s
			}
			if s > p.curMax {
				p.curMax = s
			}
		}
		p.curFrames++
		if p.curFrames == PreviewBucketFrames {
			p.commit()
		}
	}
}

func (p *Preview) commit() {
	p.mu.Lock()
	p.mins[p.head] = p.curMin
	p.maxs[p.head] = p.curMax
	p.head = (p.head + 1) % len(p.mins)
	if p.count < len(p.mins) {
		p.count++
	}
	p.mu.Unlock()

	p.curMin, p.curMax, p.curFrames = 0, 0, 0
}

// Reset discards all peaks
func (p *Preview) Reset() {
	p.mu.Lock()
	clear(p.mins)
	clear(p.maxs)
	p.head = 0
	p.count = 0
	p.mu.Unlock()

	p.curMin, p.curMax, p.curFrames = 0, 0, 0
}

// Snapshot returns the committed peaks, oldest first
func (p *Preview) Snapshot() PreviewSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := PreviewSnapshot{
		SampleRate:   p.sampleRate,
		BucketFrames: PreviewBucketFrames,
		Min:          make([]float32, p.count),
		Max:          make([]float32, p.count),
	}

	start := (p.head - p.count + len(p.mins)) % len(p.mins)
	for i := 0; i < p.count; i++ {
		j := (start + i) % len(p.mins)
		snap.Min[i] = p.mins[j]
		snap.Max[i] = p.maxs[j]
	}
	return snap
}
