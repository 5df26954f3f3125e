package vad

import (
	"fmt"
	"math"
	"sync/atomic"
)

// State is the silence state of the capture stream
type State int32

const (
	// Silent means the level is at or below threshold; nothing is written
	Silent State = iota
	// Active means sound was heard; blocks are written to the segment
	Active
)

func (s State) String() string {
	switch s {
	case Silent:
		return "silent"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Event is the action a state transition asks of the caller
type Event int

const (
	// None means the state did not change
	None Event = iota
	// FlushPreroll is emitted on Silent to Active; the caller writes the
	// buffered history before the current block
	FlushPreroll
	// Restart is emitted on Active to Silent; the caller closes the current
	// segment and opens a new one
	Restart
)

func (e Event) String() string {
	switch e {
	case None:
		return "none"
	case FlushPreroll:
		return "flush_preroll"
	case Restart:
		return "restart"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Detector is a two-state RMS silence detector. A single threshold crossing
// flips the state. When debounce is positive, Active to Silent additionally
// requires that many consecutive below-threshold updates.
//
// Update, Reset and Configure belong to the capture goroutine. State and
// GetStats are safe to call from any goroutine.
type Detector struct {
	threshold atomic.Uint32 // float32 bits
	debounce  atomic.Int32
	below     int

	state atomic.Int32

	// Statistics
	updates       atomic.Uint64
	activeUpdates atomic.Uint64
	activations   atomic.Uint64
	restarts      atomic.Uint64
	lastLevel     atomic.Uint32
}

// Stats represents detector statistics
type Stats struct {
	State          string  `json:"state"`
	Threshold      float32 `json:"threshold"`
	DebounceBlocks int     `json:"debounce_blocks"`
	LastLevel      float32 `json:"last_level"`
	Updates        uint64  `json:"updates"`
	ActiveUpdates  uint64  `json:"active_updates"`
	ActivePercent  float64 `json:"active_percentage"`
	Activations    uint64  `json:"activations"`
	Restarts       uint64  `json:"restarts"`
}

// NewDetector creates a detector in the Silent state
func NewDetector(threshold float32, debounceBlocks int) (*Detector, error) {
	if err := validate(threshold, debounceBlocks); err != nil {
		return nil, err
	}

	d := &Detector{}
	d.store(threshold, debounceBlocks)
	return d, nil
}

func validate(threshold float32, debounceBlocks int) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}
	if debounceBlocks < 0 {
		return fmt.Errorf("debounce blocks must not be negative, got %d", debounceBlocks)
	}
	return nil
}

// Update advances the state machine with the current window level.
// Levels equal to the threshold never change state.
func (d *Detector) Update(rms float32) Event {
	d.updates.Add(1)
	d.lastLevel.Store(math.Float32bits(rms))

	threshold := d.Threshold()

	switch State(d.state.Load()) {
	case Silent:
		if rms > threshold {
			d.state.Store(int32(Active))
			d.below = 0
			d.activations.Add(1)
			d.activeUpdates.Add(1)
			return FlushPreroll
		}

	case Active:
		d.activeUpdates.Add(1)
		if rms < threshold {
			d.below++
			if d.below >= max(int(d.debounce.Load()), 1) {
				d.state.Store(int32(Silent))
				d.below = 0
				d.restarts.Add(1)
				return Restart
			}
		} else {
			d.below = 0
		}
	}

	return None
}

// Configure replaces threshold and debounce; the state is kept
func (d *Detector) Configure(threshold float32, debounceBlocks int) error {
	if err := validate(threshold, debounceBlocks); err != nil {
		return err
	}
	d.store(threshold, debounceBlocks)
	d.below = 0
	return nil
}

func (d *Detector) store(threshold float32, debounceBlocks int) {
	d.threshold.Store(math.Float32bits(threshold))
	d.debounce.Store(int32(debounceBlocks))
}

// Reset returns the detector to Silent. Statistics are kept.
func (d *Detector) Reset() {
	d.state.Store(int32(Silent))
	d.below = 0
}

// State returns the current state
func (d *Detector) State() State {
	return State(d.state.Load())
}

// Threshold returns the configured level threshold
func (d *Detector) Threshold() float32 {
	return math.Float32frombits(d.threshold.Load())
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() Stats {
	updates := d.updates.Load()
	active := d.activeUpdates.Load()

	activePercent := float64(0)
	if updates > 0 {
		activePercent = float64(active) / float64(updates) * 100
	}

	return Stats{
		State:          d.State().String(),
		Threshold:      d.Threshold(),
		DebounceBlocks: int(d.debounce.Load()),
		LastLevel:      math.Float32frombits(d.lastLevel.Load()),
		Updates:        updates,
		ActiveUpdates:  active,
		ActivePercent:  activePercent,
		Activations:    d.activations.Load(),
		Restarts:       d.restarts.Load(),
	}
}
