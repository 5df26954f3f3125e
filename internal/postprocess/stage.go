package postprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/jabeka/CollectionRecorder/internal/audio"
	"github.com/jabeka/CollectionRecorder/internal/codec"
)

// readFrames is the block size stages read and write with
const readFrames = 8192

// Result describes what a stage did to its file
type Result struct {
	Changed bool   `json:"changed"`
	Deleted bool   `json:"deleted"`
	Frames  int64  `json:"frames"`
	Detail  string `json:"detail,omitempty"`
}

// Stage is one post-processing step applied to a finished segment file.
// A stage that fails must leave the original file untouched.
type Stage interface {
	Name() string
	Apply(ctx context.Context, path string) (Result, error)
}

// tempPath returns a hidden sibling of path with the same extension
func tempPath(path string) string {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, "."+stem+".tmp-"+uuid.NewString()[:8]+ext)
}

// IsTemp reports whether name is an interrupted stage's temp file
func IsTemp(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") && strings.Contains(base, ".tmp-")
}

// rewrite writes a new version of path through fill and atomically replaces
// the original with it. r is closed before the rename.
func rewrite(factory codec.Factory, r codec.Reader, path string, fill func(w codec.Writer) error) error {
	tmp := tempPath(path)

	w, err := factory.CreateWriter(tmp, r.Format())
	if err != nil {
		r.Close()
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := fill(w); err != nil {
		w.Close()
		r.Close()
		os.Remove(tmp)
		return err
	}

	if err := w.Close(); err != nil {
		r.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	r.Close()

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// copyFrames streams frames [from, to) of r into w, passing each block
// through fn when it is non-nil.
func copyFrames(ctx context.Context, r codec.Reader, w codec.Writer, from, to int64, fn func(audio.Block)) error {
	if err := r.Seek(from); err != nil {
		return err
	}

	buf := audio.NewBlock(r.Format().Channels, readFrames)
	view := make(audio.Block, 0, len(buf))

	for pos := from; pos < to; {
		if err := ctx.Err(); err != nil {
			return err
		}

		want := int(min(int64(readFrames), to-pos))
		n, err := r.ReadBlock(buf.Slice(view, 0, want))
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("unexpected end of file at frame %d", pos)
		}
		if err != nil {
			return err
		}

		block := buf.Slice(view, 0, n)
		if fn != nil {
			fn(block)
		}
		if err := w.Write(block); err != nil {
			return fmt.Errorf("failed to write frames: %w", err)
		}
		pos += int64(n)
	}
	return nil
}
