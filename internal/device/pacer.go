package device

import (
	"context"
	"time"
)

// pacer holds a block loop to the stream's sample rate
type pacer struct {
	rate    int
	start   time.Time
	frames  int64
	enabled bool
}

func newPacer(rate int, enabled bool) *pacer {
	return &pacer{rate: rate, enabled: enabled, start: time.Now()}
}

// wait sleeps until frames more frames are due. It returns false when ctx
// is done first.
func (p *pacer) wait(ctx context.Context, frames int) bool {
	p.frames += int64(frames)
	if !p.enabled {
		return ctx.Err() == nil
	}

	due := p.start.Add(time.Duration(p.frames) * time.Second / time.Duration(p.rate))
	delay := time.Until(due)
	if delay <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// outputBlock allocates the monitoring output of a source without a playback device
func outputBlock(info Info) [][]float32 {
	out := make([][]float32, info.OutputChannels)
	for c := range out {
		out[c] = make([]float32, info.BlockSize)
	}
	return out
}

func inputBlock(channels, frames int) [][]float32 {
	in := make([][]float32, channels)
	for c := range in {
		in[c] = make([]float32, frames)
	}
	return in
}
