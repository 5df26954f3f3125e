package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jabeka/CollectionRecorder/internal/audio"
	"github.com/jabeka/CollectionRecorder/internal/codec"
	"github.com/jabeka/CollectionRecorder/internal/device"
	"github.com/jabeka/CollectionRecorder/internal/metrics"
	"github.com/jabeka/CollectionRecorder/internal/segment"
	"github.com/jabeka/CollectionRecorder/internal/vad"
)

const (
	// clipHold is how long the clip indicator stays set after the last clipped block
	clipHold = 200 * time.Millisecond

	intentQueueSize = 64
)

// ErrRecording is returned by Start while a segment is already open
var ErrRecording = errors.New("already recording")

// State is the engine recording state
type State int32

const (
	// Stopped means no segment is open
	Stopped State = iota
	// Recording means a segment is open and receives audio once sound is heard
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "stopped"
}

// Outcome is how a segment ended
type Outcome string

const (
	// OutcomeFinished segments heard sound and go to post-processing
	OutcomeFinished Outcome = "finished"
	// OutcomeDiscarded segments never heard sound; their file is deleted
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeFailed segments heard sound but hit an I/O error; what was
	// written still goes to post-processing
	OutcomeFailed Outcome = "failed"
)

// SegmentEvent describes a closed segment
type SegmentEvent struct {
	Segment  segment.Info
	Outcome  Outcome
	Settings Settings
	Err      error
}

// Listener is told about segment boundaries. It is called from control and
// driver goroutines, never from the capture goroutine.
type Listener interface {
	SegmentOpened(info segment.Info)
	SegmentClosed(ev SegmentEvent)
}

type intentKind int

const (
	intentRestart intentKind = iota
	intentClip
)

// intent is a request from the capture goroutine to the driver loop
type intent struct {
	kind intentKind
	seg  *activeSegment
}

// tuning carries new detector parameters to the capture goroutine
type tuning struct {
	seg       *activeSegment
	threshold float32
	debounce  int
}

// activeSegment is one open segment as seen by both sides of the writer lock
type activeSegment struct {
	writer   *segment.Writer
	settings Settings

	// Fresh history for the capture goroutine to adopt; nil keeps the current one
	buffer   *audio.PrerollBuffer
	detector *vad.Detector
	history  audio.Block

	// Set by the capture goroutine once the segment received a pre-roll flush
	heard atomic.Bool
}

// rtState is owned by the capture goroutine
type rtState struct {
	seg      *activeSegment
	buffer   *audio.PrerollBuffer
	detector *vad.Detector
	history  audio.Block
	preview  *audio.Preview
	in       audio.Block
	muted    bool

	flushPending   bool
	restartPending bool
	retired        *activeSegment // segment a restart was requested for
}

// Options configures an Engine
type Options struct {
	PreviewSeconds int
}

// Engine records the device stream into silence-separated segments.
//
// OnBlock runs on the device's capture goroutine and only touches the
// pre-roll buffer, the detector, the writer FIFO and the short writer lock.
// Restarts and clip handling are requested through intents and carried out
// by Run on the driver goroutine.
type Engine struct {
	factory  codec.Factory
	listener Listener
	options  Options
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ctlMu    sync.Mutex // serializes Start, Stop, restarts and Reconfigure
	state    atomic.Int32
	settings Settings
	current  *activeSegment
	capacity int

	writerLock sync.Mutex
	active     *activeSegment

	intents chan intent
	control chan bool
	tunings chan tuning
	stopped chan struct{}

	device    atomic.Pointer[device.Info]
	running   atomic.Bool
	readyOnce sync.Once
	ready     chan struct{}
	preview   atomic.Pointer[audio.Preview]
	detector  atomic.Pointer[vad.Detector]

	muted    atomic.Bool
	clipping atomic.Bool
	position atomic.Int64
	dropped  atomic.Int64
	blocks   atomic.Uint64

	rt rtState
}

// NewEngine creates a stopped engine. listener and m may be nil.
func NewEngine(factory codec.Factory, listener Listener, options Options, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if options.PreviewSeconds <= 0 {
		options.PreviewSeconds = 5
	}

	return &Engine{
		factory:  factory,
		listener: listener,
		options:  options,
		logger:   logger,
		metrics:  m,
		intents:  make(chan intent, intentQueueSize),
		control:  make(chan bool, 1),
		tunings:  make(chan tuning, 1),
		stopped:  make(chan struct{}, 1),
		ready:    make(chan struct{}),
	}
}

// OnDeviceStart records the negotiated stream and prepares per-device buffers
func (e *Engine) OnDeviceStart(info device.Info) {
	preview := audio.NewPreview(info.SampleRate, e.options.PreviewSeconds)

	e.rt.in = make(audio.Block, 0, info.InputChannels)
	e.rt.preview = preview
	e.preview.Store(preview)
	e.device.Store(&info)
	e.running.Store(true)

	e.readyOnce.Do(func() { close(e.ready) })
}

// OnDeviceStop tells the driver loop to finalize the current segment
func (e *Engine) OnDeviceStop() {
	e.running.Store(false)

	select {
	case e.stopped <- struct{}{}:
	default:
	}
}

// DeviceReady is closed once the device has started
func (e *Engine) DeviceReady() <-chan struct{} {
	return e.ready
}

// OnBlock processes one device block. It never blocks on I/O.
func (e *Engine) OnBlock(in, out [][]float32, frames int) {
	e.pollControl()

	block := audio.Block(in).Slice(e.rt.in, 0, frames)
	e.rt.in = block

	e.writerLock.Lock()
	seg := e.active
	if seg != e.rt.seg {
		e.adopt(seg)
	}
	e.process(block, seg)
	e.writerLock.Unlock()

	e.position.Add(int64(frames))
	e.blocks.Add(1)

	if block.Magnitude() > audio.ClipLevel {
		e.post(intent{kind: intentClip})
	}

	if e.rt.preview != nil {
		e.rt.preview.Push(block)
	}

	e.passthrough(in, out, frames)
}

func (e *Engine) pollControl() {
	select {
	case muted := <-e.control:
		e.rt.muted = muted
	default:
	}

	select {
	case t := <-e.tunings:
		// A segment not adopted yet configures the detector in adopt
		if t.seg == e.rt.seg && e.rt.detector != nil {
			// Validated by Reconfigure
			_ = e.rt.detector.Configure(t.threshold, t.debounce)
		}
	default:
	}
}

// adopt switches the capture goroutine to a newly attached segment
func (e *Engine) adopt(seg *activeSegment) {
	e.rt.seg = seg
	if seg == nil {
		return
	}

	if seg.buffer != nil {
		e.rt.buffer = seg.buffer
		e.rt.detector = seg.detector
		e.rt.history = seg.history
		e.rt.flushPending = false
		e.detector.Store(seg.detector)
	} else if e.rt.detector != nil {
		// Validated by Start
		_ = e.rt.detector.Configure(seg.settings.RMSThreshold, seg.settings.DebounceBlocks)
	}

	e.rt.restartPending = false
	e.rt.retired = nil
	e.position.Store(0)

	if e.rt.preview != nil {
		e.rt.preview.Reset()
	}
}

// process runs the pre-roll and detector steps and writes to seg.
// Called with writerLock held.
func (e *Engine) process(block audio.Block, seg *activeSegment) {
	buffer := e.rt.buffer
	if buffer == nil {
		return
	}

	if err := buffer.Push(block); err != nil {
		panic(fmt.Sprintf("capture: %v", err))
	}

	level, ok := buffer.RMS()
	if ok {
		switch e.rt.detector.Update(level) {
		case vad.FlushPreroll:
			e.rt.flushPending = true
		case vad.Restart:
			e.rt.flushPending = false
			if seg != nil {
				e.rt.restartPending = true
				e.rt.retired = seg
			}
		}
	}
	e.metrics.RecordBlock(level)

	if e.rt.restartPending && e.post(intent{kind: intentRestart, seg: e.rt.retired}) {
		e.rt.restartPending = false
	}

	// Audio after a restart request belongs to the next segment
	if seg == nil || seg == e.rt.retired {
		return
	}

	if e.rt.flushPending {
		e.write(seg, buffer.Materialize(e.rt.history))
		seg.heard.Store(true)
		e.rt.flushPending = false
		return
	}

	if e.rt.detector.State() == vad.Active {
		e.write(seg, block)
	}
}

func (e *Engine) write(seg *activeSegment, b audio.Block) {
	if !seg.writer.Write(b) {
		e.dropped.Add(int64(b.Frames()))
		e.metrics.RecordDroppedFrames(b.Frames())
	}
}

func (e *Engine) post(in intent) bool {
	select {
	case e.intents <- in:
		return true
	default:
		return false
	}
}

func (e *Engine) passthrough(in, out [][]float32, frames int) {
	if len(in) == len(out) && !e.rt.muted {
		for c, ch := range out {
			if ch == nil || in[c] == nil {
				continue
			}
			copy(ch[:frames], in[c][:frames])
		}
		return
	}

	for _, ch := range out {
		if ch != nil {
			clear(ch[:frames])
		}
	}
}

// Run is the driver loop. It performs requested restarts, holds the clip
// indicator and finalizes the segment when the device stops. It returns when
// ctx is done; the caller then calls Stop.
func (e *Engine) Run(ctx context.Context) error {
	clip := time.NewTimer(clipHold)
	clip.Stop()
	defer clip.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case in := <-e.intents:
			switch in.kind {
			case intentRestart:
				e.restart(in.seg)
			case intentClip:
				if !e.clipping.Swap(true) {
					e.logger.Debug("Input clipping")
				}
				e.metrics.RecordClip()
				clip.Reset(clipHold)
			}

		case <-clip.C:
			e.clipping.Store(false)

		case <-e.stopped:
			e.logger.Warn("Capture device stopped, finalizing segment")
			e.metrics.RecordDeviceStop()
			e.Stop()
		}
	}
}

func (e *Engine) restart(seg *activeSegment) {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	if State(e.state.Load()) != Recording || e.current != seg {
		e.logger.Debug("Ignoring stale restart request")
		return
	}

	e.metrics.RecordRestart()
	e.stopLocked()
	if err := e.startLocked(e.settings, false); err != nil {
		e.logger.Warn("Failed to open next segment", "error", err)
	}
}

// Start opens a new segment. Starting from Stopped resets the pre-roll
// history and the detector.
func (e *Engine) Start(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	if State(e.state.Load()) == Recording {
		return ErrRecording
	}
	return e.startLocked(settings, true)
}

func (e *Engine) startLocked(settings Settings, fresh bool) error {
	e.settings = settings

	info := e.device.Load()
	if info == nil || !e.running.Load() {
		return device.ErrDeviceNotReady
	}

	seg, err := e.openSegment(settings, *info, fresh)
	if err != nil {
		e.state.Store(int32(Stopped))
		e.metrics.SetRecording(false)
		e.metrics.RecordSegmentOpenFailure()
		e.logger.Warn("Failed to create segment file, recording stopped", "error", err)
		return err
	}

	e.writerLock.Lock()
	e.active = seg
	e.writerLock.Unlock()

	e.current = seg
	e.state.Store(int32(Recording))
	e.metrics.SetRecording(true)
	e.metrics.RecordSegmentOpened()

	opened := seg.writer.Info()
	e.logger.Info("Segment opened",
		"file", opened.Path,
		"format", opened.Format.String(),
		"fresh_history", seg.buffer != nil,
	)
	if e.listener != nil {
		e.listener.SegmentOpened(opened)
	}
	return nil
}

func (e *Engine) openSegment(settings Settings, info device.Info, fresh bool) (*activeSegment, error) {
	format, err := settings.format(e.factory, info.SampleRate, info.BitDepth, info.InputChannels)
	if err != nil {
		return nil, err
	}

	target, err := segment.Allocate(settings.OutputDir, settings.FilePrefix, format)
	if err != nil {
		return nil, err
	}

	capacity := settings.capacity(info.SampleRate)
	seg := &activeSegment{settings: settings}

	if fresh || capacity != e.capacity {
		seg.buffer, err = audio.NewPrerollBuffer(info.InputChannels, capacity)
		if err != nil {
			return nil, err
		}
		seg.detector, err = vad.NewDetector(settings.RMSThreshold, settings.DebounceBlocks)
		if err != nil {
			return nil, err
		}
		seg.history = audio.NewBlock(info.InputChannels, capacity)
	}

	seg.writer, err = segment.Open(e.factory, target, capacity+FIFOHeadroom, e.logger)
	if err != nil {
		return nil, err
	}

	e.capacity = capacity
	return seg, nil
}

// Stop finalizes the current segment. It is idempotent.
func (e *Engine) Stop() {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	e.stopLocked()
}

func (e *Engine) stopLocked() {
	e.state.Store(int32(Stopped))
	e.metrics.SetRecording(false)

	seg := e.current
	if seg == nil {
		return
	}
	e.current = nil

	e.writerLock.Lock()
	if e.active == seg {
		e.active = nil
	}
	e.writerLock.Unlock()

	info, err := seg.writer.Close()
	ev := SegmentEvent{Segment: info, Settings: seg.settings, Err: err}

	switch {
	case !seg.heard.Load():
		ev.Outcome = OutcomeDiscarded
		if rmErr := os.Remove(info.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			e.logger.Warn("Failed to delete empty segment", "file", info.Path, "error", rmErr)
		}
	case err != nil:
		ev.Outcome = OutcomeFailed
	default:
		ev.Outcome = OutcomeFinished
	}

	e.metrics.RecordSegmentClosed(string(ev.Outcome), info.Duration().Seconds())
	e.logger.Info("Segment closed",
		"file", info.Path,
		"outcome", ev.Outcome,
		"duration", info.Duration(),
		"dropped_frames", info.Dropped,
	)

	if e.listener != nil {
		e.listener.SegmentClosed(ev)
	}
}

// Reconfigure replaces the recording settings. While the current segment
// has not heard anything yet, a change of folder, name or format deletes its
// empty file and opens a new one, and other changes apply at once. Once the
// segment heard sound the new settings apply from the next segment.
func (e *Engine) Reconfigure(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	seg := e.current
	if State(e.state.Load()) != Recording || seg == nil {
		e.settings = settings
		return nil
	}

	recreate := seg.settings.fileLayoutChanged(settings) ||
		seg.settings.SilenceLength != settings.SilenceLength

	e.writerLock.Lock()
	heard := seg.heard.Load()
	switch {
	case heard:
	case recreate:
		e.active = nil
	default:
		// Nothing written yet: the open file already matches
		seg.settings = settings
	}
	e.writerLock.Unlock()

	e.settings = settings

	if heard {
		e.logger.Info("Settings will apply from the next segment")
		return nil
	}
	if !recreate {
		// Latest value wins
		select {
		case <-e.tunings:
		default:
		}
		e.tunings <- tuning{seg: seg, threshold: settings.RMSThreshold, debounce: settings.DebounceBlocks}
		return nil
	}

	e.stopLocked()
	return e.startLocked(settings, false)
}

// SetMuted toggles monitoring passthrough
func (e *Engine) SetMuted(muted bool) {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	e.muted.Store(muted)

	// Latest value wins
	select {
	case <-e.control:
	default:
	}
	e.control <- muted
}

// Settings returns the settings of the current or next segment
func (e *Engine) Settings() Settings {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()
	return e.settings
}

// State returns the recording state
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Clipping reports whether a block clipped within the last 200 ms
func (e *Engine) Clipping() bool {
	return e.clipping.Load()
}

// Preview returns the waveform preview of the current segment
func (e *Engine) Preview() audio.PreviewSnapshot {
	p := e.preview.Load()
	if p == nil {
		return audio.PreviewSnapshot{}
	}
	return p.Snapshot()
}

// Status is a snapshot of the engine for monitoring
type Status struct {
	State          string        `json:"state"`
	Silence        string        `json:"silence"`
	Muted          bool          `json:"muted"`
	Clipping       bool          `json:"clipping"`
	DeviceRunning  bool          `json:"device_running"`
	Device         *device.Info  `json:"device,omitempty"`
	Segment        *segment.Info `json:"segment,omitempty"`
	SamplePosition int64         `json:"sample_position"`
	BufferedFrames int           `json:"buffered_frames"`
	DroppedFrames  int64         `json:"dropped_frames"`
	Blocks         uint64        `json:"blocks"`
	Detector       *vad.Stats    `json:"detector,omitempty"`
}

// Status returns a snapshot of the engine
func (e *Engine) Status() Status {
	e.ctlMu.Lock()
	seg := e.current
	e.ctlMu.Unlock()

	status := Status{
		State:          e.State().String(),
		Silence:        vad.Silent.String(),
		Muted:          e.muted.Load(),
		Clipping:       e.clipping.Load(),
		DeviceRunning:  e.running.Load(),
		Device:         e.device.Load(),
		SamplePosition: e.position.Load(),
		DroppedFrames:  e.dropped.Load(),
		Blocks:         e.blocks.Load(),
	}

	if d := e.detector.Load(); d != nil {
		stats := d.GetStats()
		status.Detector = &stats
		status.Silence = stats.State
	}

	if seg != nil {
		info := seg.writer.Info()
		status.Segment = &info
		status.BufferedFrames = seg.writer.Buffered()
	}

	return status
}
