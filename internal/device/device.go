package device

import (
	"context"
	"errors"
	"fmt"
)

// ErrDeviceNotReady is returned when capture is requested before the device started
var ErrDeviceNotReady = errors.New("device not ready")

// Info describes the negotiated stream of a started device
type Info struct {
	Name           string `json:"name"`
	SampleRate     int    `json:"sample_rate"`
	BitDepth       int    `json:"bit_depth"`
	InputChannels  int    `json:"input_channels"`
	OutputChannels int    `json:"output_channels"`
	BlockSize      int    `json:"block_size"`
}

// Validate checks the stream parameters are usable
func (i Info) Validate() error {
	if i.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", i.SampleRate)
	}
	if i.InputChannels <= 0 {
		return fmt.Errorf("input channels must be positive, got %d", i.InputChannels)
	}
	if i.OutputChannels < 0 {
		return fmt.Errorf("output channels must not be negative, got %d", i.OutputChannels)
	}
	if i.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", i.BlockSize)
	}
	return nil
}

// Callback receives the audio stream of a device.
// OnBlock runs on the device's real-time goroutine: in holds frames samples
// per input channel, out must be filled with frames samples per output
// channel. Output channels may be nil and must then be skipped.
type Callback interface {
	OnDeviceStart(info Info)
	OnBlock(in, out [][]float32, frames int)
	OnDeviceStop()
}

// Source is a device that delivers blocks to a Callback until ctx is done
// or its input ends. Run calls OnDeviceStart before the first block and
// OnDeviceStop after the last one.
type Source interface {
	Info() Info
	Run(ctx context.Context, cb Callback) error
}
