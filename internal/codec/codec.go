package codec

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jabeka/CollectionRecorder/internal/audio"
)

// ErrUnsupportedFormat is returned for a codec name or bit depth the factory cannot handle
var ErrUnsupportedFormat = errors.New("unsupported format")

// Format describes the on-disk layout of a segment
type Format struct {
	Codec      string `json:"codec" yaml:"codec"`
	SampleRate int    `json:"sample_rate" yaml:"sample_rate"`
	BitDepth   int    `json:"bit_depth" yaml:"bit_depth"`
	Channels   int    `json:"channels" yaml:"channels"`
}

// Validate checks the format fields are usable
func (f Format) Validate() error {
	if f.Codec == "" {
		return fmt.Errorf("codec must be set")
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", f.Channels)
	}
	switch f.BitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("bit depth must be 16, 24 or 32, got %d", f.BitDepth)
	}
	return nil
}

// Extension returns the file extension for the codec including the dot
func (f Format) Extension() string {
	return "." + strings.ToLower(f.Codec)
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dHz %d-bit %dch", f.Codec, f.SampleRate, f.BitDepth, f.Channels)
}

// Writer appends audio to an encoded file
type Writer interface {
	// Write encodes every frame of b. b must match the writer's channel count.
	Write(b audio.Block) error
	Flush() error
	Close() error
	// Frames returns the number of frames written so far
	Frames() int64
}

// Reader decodes an audio file in blocks
type Reader interface {
	Format() Format
	// Length returns the file length in frames
	Length() int64
	// Seek positions the reader at the given frame
	Seek(frame int64) error
	// ReadBlock fills dst from the current position and returns the number of
	// frames read. It returns io.EOF once no frames remain.
	ReadBlock(dst audio.Block) (int, error)
	Close() error
}

// Factory creates encoded writers and readers
type Factory interface {
	CreateWriter(path string, format Format) (Writer, error)
	CreateReader(path string) (Reader, error)
	// BitDepths lists the bit depths the named codec can write
	BitDepths(codec string) []int
}

// Registry is the built-in Factory. Codecs are selected by name on write and
// by file extension on read.
type Registry struct{}

// NewRegistry returns the built-in codec factory
func NewRegistry() *Registry {
	return &Registry{}
}

// CanRead reports whether CreateReader handles the extension of path
func (r *Registry) CanRead(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return true
	default:
		return false
	}
}

// CreateWriter creates path and returns a writer for format
func (r *Registry) CreateWriter(path string, format Format) (Writer, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	switch strings.ToLower(format.Codec) {
	case "wav":
		w, err := CreateWAV(path, format)
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("%w: codec %q", ErrUnsupportedFormat, format.Codec)
	}
}

// CreateReader opens path with the codec matching its extension
func (r *Registry) CreateReader(path string) (Reader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		r, err := OpenWAV(path)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: file %q", ErrUnsupportedFormat, filepath.Base(path))
	}
}

// BitDepths lists the bit depths the named codec can write
func (r *Registry) BitDepths(codec string) []int {
	switch strings.ToLower(codec) {
	case "wav":
		return []int{16, 24, 32}
	default:
		return nil
	}
}

// SupportedBitDepth returns requested if the codec supports it, otherwise
// the next lower depth in 32, 24, 16 that it does support.
func SupportedBitDepth(f Factory, codec string, requested int) (int, error) {
	supported := f.BitDepths(codec)
	if len(supported) == 0 {
		return 0, fmt.Errorf("%w: codec %q", ErrUnsupportedFormat, codec)
	}

	for _, depth := range []int{32, 24, 16} {
		if depth > requested {
			continue
		}
		if slices.Contains(supported, depth) {
			return depth, nil
		}
	}
	return 0, fmt.Errorf("%w: codec %q cannot write %d-bit", ErrUnsupportedFormat, codec, requested)
}
