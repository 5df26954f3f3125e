package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/jabeka/CollectionRecorder/internal/audio"
	"github.com/jabeka/CollectionRecorder/internal/codec"
)

// FileConfig configures a File source
type FileConfig struct {
	Path           string
	OutputChannels int
	BlockSize      int
	Realtime       bool
}

// File replays an audio file as a device stream
type File struct {
	config FileConfig
	reader codec.Reader
	info   Info
}

// NewFile opens path for replay
func NewFile(factory codec.Factory, config FileConfig) (*File, error) {
	r, err := factory.CreateReader(config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", config.Path, err)
	}

	format := r.Format()
	info := Info{
		Name:           filepath.Base(config.Path),
		SampleRate:     format.SampleRate,
		BitDepth:       format.BitDepth,
		InputChannels:  format.Channels,
		OutputChannels: config.OutputChannels,
		BlockSize:      config.BlockSize,
	}
	if err := info.Validate(); err != nil {
		r.Close()
		return nil, err
	}

	return &File{config: config, reader: r, info: info}, nil
}

// Info returns the stream of the file
func (f *File) Info() Info {
	return f.info
}

// Run delivers the file to cb block by block and closes it at the end
func (f *File) Run(ctx context.Context, cb Callback) error {
	defer f.reader.Close()

	in := audio.NewBlock(f.info.InputChannels, f.info.BlockSize)
	out := outputBlock(f.info)
	pace := newPacer(f.info.SampleRate, f.config.Realtime)

	cb.OnDeviceStart(f.info)
	defer cb.OnDeviceStop()

	for {
		n, err := f.reader.ReadBlock(in)
		if n > 0 {
			cb.OnBlock(in, out, n)
			if !pace.wait(ctx, n) {
				return nil
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f.config.Path, err)
		}
		if n == 0 {
			return nil
		}
	}
}
