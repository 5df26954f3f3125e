package capture

import (
	"fmt"
	"time"

	"github.com/jabeka/CollectionRecorder/internal/codec"
	"github.com/jabeka/CollectionRecorder/internal/postprocess"
)

// FIFOHeadroom is the writer queue space reserved beyond the pre-roll length
const FIFOHeadroom = 32768

// Settings are the recording parameters passed to Engine.Start
type Settings struct {
	OutputDir      string
	FilePrefix     string
	Codec          string
	BitDepth       int // 0 uses the device bit depth
	RMSThreshold   float32
	SilenceLength  time.Duration
	DebounceBlocks int
	PostProcess    postprocess.Options
}

// Validate checks the settings are usable
func (s Settings) Validate() error {
	if s.OutputDir == "" {
		return fmt.Errorf("output folder must be set")
	}
	if s.Codec == "" {
		return fmt.Errorf("codec must be set")
	}
	if s.RMSThreshold < 0 || s.RMSThreshold > 1 {
		return fmt.Errorf("rms threshold must be between 0 and 1, got %f", s.RMSThreshold)
	}
	if s.SilenceLength <= 0 {
		return fmt.Errorf("silence length must be positive, got %s", s.SilenceLength)
	}
	if s.DebounceBlocks < 0 {
		return fmt.Errorf("debounce blocks must not be negative, got %d", s.DebounceBlocks)
	}
	return nil
}

// capacity returns the pre-roll length in frames at sampleRate
func (s Settings) capacity(sampleRate int) int {
	return max(int(s.SilenceLength.Seconds()*float64(sampleRate)), 1)
}

// fileLayoutChanged reports whether switching from s to other needs a new file
func (s Settings) fileLayoutChanged(other Settings) bool {
	return s.OutputDir != other.OutputDir ||
		s.FilePrefix != other.FilePrefix ||
		s.Codec != other.Codec ||
		s.BitDepth != other.BitDepth
}

// format resolves the segment format for the started device
func (s Settings) format(factory codec.Factory, sampleRate, deviceBits, channels int) (codec.Format, error) {
	requested := s.BitDepth
	if requested == 0 {
		requested = deviceBits
	}
	if requested == 0 {
		requested = 32
	}

	bits, err := codec.SupportedBitDepth(factory, s.Codec, requested)
	if err != nil {
		return codec.Format{}, err
	}

	return codec.Format{
		Codec:      s.Codec,
		SampleRate: sampleRate,
		BitDepth:   bits,
		Channels:   channels,
	}, nil
}
