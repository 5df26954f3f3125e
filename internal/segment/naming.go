package segment

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jabeka/CollectionRecorder/internal/codec"
)

// DefaultPrefix is the file name prefix used when none is configured
const DefaultPrefix = "Tune"

const maxSequence = 1 << 20

// Info describes one segment file
type Info struct {
	ID       string       `json:"id"`
	Path     string       `json:"path"`
	Sequence int          `json:"sequence"`
	Format   codec.Format `json:"format"`
	Frames   int64        `json:"frames"`
	Dropped  int64        `json:"dropped_frames"`
	Opened   time.Time    `json:"opened"`
	Closed   time.Time    `json:"closed,omitzero"`
}

// Duration returns the written audio length
func (i Info) Duration() time.Duration {
	if i.Format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(i.Frames) * time.Second / time.Duration(i.Format.SampleRate)
}

// Allocate picks the first free "<prefix> <n><ext>" name in dir, creating
// dir when missing.
func Allocate(dir, prefix string, format codec.Format) (Info, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Info{}, fmt.Errorf("failed to create output folder: %w", err)
	}

	ext := format.Extension()
	for n := 1; n <= maxSequence; n++ {
		path := filepath.Join(dir, fmt.Sprintf("%s %d%s", prefix, n, ext))
		_, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return Info{
				ID:       uuid.NewString(),
				Path:     path,
				Sequence: n,
				Format:   format,
			}, nil
		}
		if err != nil {
			return Info{}, fmt.Errorf("failed to check %s: %w", path, err)
		}
	}

	return Info{}, fmt.Errorf("no free file name in %s", dir)
}
