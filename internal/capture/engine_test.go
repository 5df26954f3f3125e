package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jabeka/CollectionRecorder/internal/audio"
	"github.com/jabeka/CollectionRecorder/internal/codec"
	"github.com/jabeka/CollectionRecorder/internal/device"
	"github.com/jabeka/CollectionRecorder/internal/segment"
)

const (
	testRate  = 8000
	testBlock = 400 // 20 blocks per second
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingListener struct {
	mu     sync.Mutex
	opened []segment.Info
	closed []SegmentEvent
}

func (l *recordingListener) SegmentOpened(info segment.Info) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened = append(l.opened, info)
}

func (l *recordingListener) SegmentClosed(ev SegmentEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, ev)
}

func (l *recordingListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.opened), len(l.closed)
}

func testSettings(dir string) Settings {
	return Settings{
		OutputDir:     dir,
		Codec:         "wav",
		RMSThreshold:  0.01,
		SilenceLength: time.Second,
	}
}

func testDevice(channels int) device.Info {
	return device.Info{
		Name:           "test",
		SampleRate:     testRate,
		BitDepth:       32,
		InputChannels:  channels,
		OutputChannels: channels,
		BlockSize:      testBlock,
	}
}

// newTestEngine returns a started device with the driver loop running
func newTestEngine(t *testing.T, channels int) (*Engine, *recordingListener) {
	t.Helper()

	listener := &recordingListener{}
	e := NewEngine(codec.NewRegistry(), listener, Options{}, testLogger(), nil)
	e.OnDeviceStart(testDevice(channels))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		e.Stop()
		cancel()
		<-done
	})

	return e, listener
}

// signal is 0.5 amplitude 440 Hz sine wherever on reports true
func signal(frame int, on func(second float64) bool) float32 {
	if !on(float64(frame) / testRate) {
		return 0
	}
	return float32(0.5 * math.Sin(2*math.Pi*440*float64(frame)/testRate))
}

// feedBlock passes block number n of the signal through the engine
func feedBlock(e *Engine, n, channels int, on func(float64) bool) [][]float32 {
	in := audio.NewBlock(channels, testBlock)
	out := audio.NewBlock(channels, testBlock)
	for c := range in {
		for i := range in[c] {
			in[c][i] = signal(n*testBlock+i, on)
		}
	}
	e.OnBlock(in, out, testBlock)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readSegment(t *testing.T, path string) audio.Block {
	t.Helper()

	r, err := codec.OpenWAV(path)
	if err != nil {
		t.Fatalf("OpenWAV failed: %v", err)
	}
	defer r.Close()

	b := audio.NewBlock(r.Format().Channels, int(r.Length()))
	n, err := r.ReadBlock(b)
	if err != nil {
		t.Fatalf("ReadBlock failed: %v", err)
	}
	return b.Slice(nil, 0, n)
}

func TestSineSilenceSineScenario(t *testing.T) {
	dir := t.TempDir()
	e, listener := newTestEngine(t, 1)

	if err := e.Start(testSettings(dir)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// 5 s sine, 3 s silence, 2 s sine
	on := func(s float64) bool { return s < 5 || s >= 8 }

	for n := 0; n < 200; n++ {
		feedBlock(e, n, 1, on)

		// Keep the writer queue from overrunning when blocks arrive faster than real time
		waitFor(t, "drain", func() bool { return e.Status().BufferedFrames < 16384 })

		// The window is entirely silent at the end of block 119 (6 s)
		if n == 119 {
			waitFor(t, "restart", func() bool {
				opened, _ := listener.counts()
				return opened == 2
			})
		}
	}
	e.Stop()

	listener.mu.Lock()
	closed := append([]SegmentEvent(nil), listener.closed...)
	listener.mu.Unlock()

	if len(closed) != 2 {
		t.Fatalf("Expected 2 closed segments, got %d", len(closed))
	}
	for i, ev := range closed {
		if ev.Outcome != OutcomeFinished {
			t.Errorf("Segment %d: expected finished, got %s (%v)", i, ev.Outcome, ev.Err)
		}
	}

	// Segment 1: pre-roll [0, 1 s) flushed when the buffer filled, then every
	// block up to the one that completed the silent window.
	first := readSegment(t, closed[0].Segment.Path)
	if first.Frames() != 47600 {
		t.Errorf("Expected first segment of 47600 frames, got %d", first.Frames())
	}
	for i := 0; i < first.Frames(); i++ {
		if want := signal(i, on); first[0][i] != want {
			t.Fatalf("First segment frame %d: expected %f, got %f", i, want, first[0][i])
		}
	}

	// Segment 2: pre-roll [7.05 s, 8.05 s) precedes the triggering block
	second := readSegment(t, closed[1].Segment.Path)
	if second.Frames() != 23600 {
		t.Errorf("Expected second segment of 23600 frames, got %d", second.Frames())
	}
	if second[0][7599] != 0 {
		t.Errorf("Expected silence just before the onset, got %f", second[0][7599])
	}
	for i := 7600; i < second.Frames(); i++ {
		if want := signal(56400+i, on); second[0][i] != want {
			t.Fatalf("Second segment frame %d: expected %f, got %f", i, want, second[0][i])
		}
	}

	if filepath.Base(closed[0].Segment.Path) != "Tune 1.wav" || filepath.Base(closed[1].Segment.Path) != "Tune 2.wav" {
		t.Errorf("Unexpected file names %s, %s", closed[0].Segment.Path, closed[1].Segment.Path)
	}
}

func TestSilentSegmentIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	e, listener := newTestEngine(t, 2)

	if err := e.Start(testSettings(dir)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	path := e.Status().Segment.Path

	for n := 0; n < 40; n++ {
		feedBlock(e, n, 2, func(float64) bool { return false })
	}

	e.Stop()
	e.Stop() // idempotent

	_, closed := listener.counts()
	if closed != 1 {
		t.Fatalf("Expected 1 closed segment, got %d", closed)
	}
	if listener.closed[0].Outcome != OutcomeDiscarded {
		t.Errorf("Expected discarded outcome, got %s", listener.closed[0].Outcome)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected discarded segment file to be deleted")
	}
	if e.State() != Stopped {
		t.Errorf("Expected stopped, got %s", e.State())
	}
}

func TestStartRequiresDevice(t *testing.T) {
	e := NewEngine(codec.NewRegistry(), nil, Options{}, testLogger(), nil)

	if err := e.Start(testSettings(t.TempDir())); !errors.Is(err, device.ErrDeviceNotReady) {
		t.Errorf("Expected ErrDeviceNotReady, got %v", err)
	}

	select {
	case <-e.DeviceReady():
		t.Error("Expected device ready channel to be open")
	default:
	}

	e.OnDeviceStart(testDevice(1))
	select {
	case <-e.DeviceReady():
	default:
		t.Error("Expected device ready channel to be closed")
	}
}

func TestStartValidation(t *testing.T) {
	e, _ := newTestEngine(t, 1)

	settings := testSettings(t.TempDir())
	settings.SilenceLength = 0
	if err := e.Start(settings); err == nil {
		t.Error("Expected error for zero silence length")
	}

	settings = testSettings(t.TempDir())
	if err := e.Start(settings); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := e.Start(settings); !errors.Is(err, ErrRecording) {
		t.Errorf("Expected ErrRecording, got %v", err)
	}
}

func TestCodecFailureLeavesStopped(t *testing.T) {
	e, listener := newTestEngine(t, 1)

	settings := testSettings(t.TempDir())
	settings.Codec = "flac"
	if err := e.Start(settings); !errors.Is(err, codec.ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
	if e.State() != Stopped {
		t.Errorf("Expected stopped, got %s", e.State())
	}
	if opened, _ := listener.counts(); opened != 0 {
		t.Errorf("Expected no segment, got %d", opened)
	}

	// Blocks keep flowing without a segment
	feedBlock(e, 0, 1, func(float64) bool { return true })
}

func TestPassthrough(t *testing.T) {
	e, _ := newTestEngine(t, 2)
	loud := func(float64) bool { return true }

	out := feedBlock(e, 1, 2, loud)
	if out[0][5] != signal(testBlock+5, loud) || out[1][5] != signal(testBlock+5, loud) {
		t.Error("Expected input copied to output")
	}

	e.SetMuted(true)
	out = feedBlock(e, 1, 2, loud)
	if audio.Block(out).Magnitude() != 0 {
		t.Error("Expected muted output to be silent")
	}
	if !e.Status().Muted {
		t.Error("Expected status to report muted")
	}

	e.SetMuted(false)
	in := audio.NewBlock(2, testBlock)
	in[0][0] = 0.5
	out = [][]float32{nil, make([]float32, testBlock)}
	e.OnBlock(in, out, testBlock)
	if out[1][0] != 0 || out[0] != nil {
		t.Error("Expected nil output channel to be skipped")
	}

	// Channel count mismatch zeroes the output
	mono := [][]float32{make([]float32, testBlock)}
	mono[0][0] = 1
	e.OnBlock(in, mono, testBlock)
	if mono[0][0] != 0 {
		t.Error("Expected mismatched output to be zeroed")
	}
}

func TestClipIndicator(t *testing.T) {
	e, _ := newTestEngine(t, 1)

	in := audio.NewBlock(1, testBlock)
	in[0][10] = 0.995
	e.OnBlock(in, audio.NewBlock(1, testBlock), testBlock)

	waitFor(t, "clip set", e.Clipping)
	waitFor(t, "clip cleared", func() bool { return !e.Clipping() })
}

func TestReconfigureWhileSilent(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	e, listener := newTestEngine(t, 1)

	if err := e.Start(testSettings(dirA)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	oldPath := e.Status().Segment.Path

	if err := e.Reconfigure(testSettings(dirB)); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("Expected empty segment in the old folder to be deleted")
	}
	newPath := e.Status().Segment.Path
	if filepath.Dir(newPath) != dirB {
		t.Errorf("Expected new segment in %s, got %s", dirB, newPath)
	}

	opened, closed := listener.counts()
	if opened != 2 || closed != 1 {
		t.Errorf("Expected 2 opened and 1 closed, got %d and %d", opened, closed)
	}
}

func TestReconfigureAfterSoundAppliesNextSegment(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	e, listener := newTestEngine(t, 1)

	if err := e.Start(testSettings(dirA)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	loud := func(float64) bool { return true }
	for n := 0; n < 25; n++ {
		feedBlock(e, n, 1, loud)
	}

	if err := e.Reconfigure(testSettings(dirB)); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}
	if dir := filepath.Dir(e.Status().Segment.Path); dir != dirA {
		t.Errorf("Expected current segment to stay in %s, got %s", dirA, dir)
	}

	// Silence ends the segment; the next one opens in the new folder
	for n := 25; n < 50; n++ {
		feedBlock(e, n, 1, func(float64) bool { return false })
	}
	waitFor(t, "restart", func() bool {
		opened, _ := listener.counts()
		return opened == 2
	})
	if dir := filepath.Dir(e.Status().Segment.Path); dir != dirB {
		t.Errorf("Expected next segment in %s, got %s", dirB, dir)
	}
}

func TestDeviceStopFinalizesSegment(t *testing.T) {
	e, listener := newTestEngine(t, 1)

	if err := e.Start(testSettings(t.TempDir())); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	e.OnDeviceStop()

	waitFor(t, "stop", func() bool { return e.State() == Stopped })
	if _, closed := listener.counts(); closed != 1 {
		t.Errorf("Expected 1 closed segment, got %d", closed)
	}
	if err := e.Start(testSettings(t.TempDir())); !errors.Is(err, device.ErrDeviceNotReady) {
		t.Errorf("Expected ErrDeviceNotReady after device stop, got %v", err)
	}
}

func TestChannelMismatchPanics(t *testing.T) {
	e, _ := newTestEngine(t, 2)
	if err := e.Start(testSettings(t.TempDir())); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("Expected panic on channel mismatch")
		}
		// Release the writer lock held by the panicking block
		e.writerLock.Unlock()
	}()
	e.OnBlock(audio.NewBlock(1, testBlock), nil, testBlock)
}
