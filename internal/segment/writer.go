package segment

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jabeka/CollectionRecorder/internal/audio"
	"github.com/jabeka/CollectionRecorder/internal/codec"
)

const (
	drainFrames   = 4096
	drainInterval = 50 * time.Millisecond
	flushInterval = time.Second
)

// Writer moves audio from the capture goroutine to disk. Write only copies
// into a preallocated FIFO; one background goroutine drains the FIFO into the
// codec writer in arrival order.
type Writer struct {
	info   Info
	codec  codec.Writer
	fifo   *fifo
	logger *slog.Logger

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Bool
	closed  atomic.Bool

	mu        sync.Mutex // guards info after Open
	closeOnce sync.Once
	err       error // set by the drain goroutine, read after done
}

// Open creates the segment file and starts the drain goroutine.
// fifoFrames bounds how much audio may be queued ahead of the disk.
func Open(factory codec.Factory, info Info, fifoFrames int, logger *slog.Logger) (*Writer, error) {
	if fifoFrames <= 0 {
		return nil, fmt.Errorf("fifo size must be positive, got %d", fifoFrames)
	}

	cw, err := factory.CreateWriter(info.Path, info.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment writer: %w", err)
	}

	info.Opened = time.Now()

	w := &Writer{
		info:   info,
		codec:  cw,
		fifo:   newFIFO(info.Format.Channels, fifoFrames),
		logger: logger.With("segment", info.Path),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// Write queues b for writing. It never blocks on disk I/O and returns false
// when the FIFO has no room for the whole block or the segment has failed.
func (w *Writer) Write(b audio.Block) bool {
	if w.failed.Load() || w.closed.Load() {
		w.dropped.Add(int64(b.Frames()))
		return false
	}
	if !w.fifo.push(b) {
		w.dropped.Add(int64(b.Frames()))
		return false
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	scratch := audio.NewBlock(w.info.Format.Channels, drainFrames)
	view := make(audio.Block, 0, w.info.Format.Channels)
	lastFlush := time.Now()

	for {
		select {
		case <-w.stop:
			w.drain(scratch, view)
			return
		case <-w.wake:
		case <-ticker.C:
		}

		w.drain(scratch, view)

		if !w.failed.Load() && time.Since(lastFlush) >= flushInterval {
			if err := w.codec.Flush(); err != nil {
				w.fail(err)
			}
			lastFlush = time.Now()
		}
	}
}

func (w *Writer) drain(scratch, view audio.Block) {
	for {
		n := w.fifo.pop(scratch)
		if n == 0 {
			return
		}
		if w.failed.Load() {
			continue
		}
		if err := w.codec.Write(scratch.Slice(view, 0, n)); err != nil {
			w.fail(err)
			continue
		}
		w.written.Add(int64(n))
	}
}

func (w *Writer) fail(err error) {
	if w.failed.Swap(true) {
		return
	}
	w.err = err
	w.logger.Warn("Segment write failed, refusing further data", "error", err)
}

// Close drains queued audio, closes the file and returns the final segment
// info. It blocks until the drain goroutine exits and must not be called from
// the capture goroutine. Subsequent calls return the same result.
func (w *Writer) Close() (Info, error) {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.stop)
		<-w.done

		if err := w.codec.Close(); err != nil && w.err == nil {
			w.err = fmt.Errorf("failed to close segment: %w", err)
		}

		w.mu.Lock()
		w.info.Frames = w.written.Load()
		w.info.Dropped = w.dropped.Load()
		w.info.Closed = time.Now()
		w.mu.Unlock()
	})

	return w.Info(), w.err
}

// Discard closes the writer and removes its file
func (w *Writer) Discard() error {
	info, _ := w.Close()
	if err := os.Remove(info.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove segment: %w", err)
	}
	return nil
}

// Info returns the segment description with live counters
func (w *Writer) Info() Info {
	w.mu.Lock()
	info := w.info
	w.mu.Unlock()

	info.Frames = w.written.Load()
	info.Dropped = w.dropped.Load()
	return info
}

// Path returns the segment file path
func (w *Writer) Path() string {
	return w.info.Path
}

// Failed reports whether an I/O error ended the segment
func (w *Writer) Failed() bool {
	return w.failed.Load()
}

// Buffered returns the number of frames waiting in the FIFO
func (w *Writer) Buffered() int {
	return w.fifo.buffered()
}
