package device

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// StepKind is the signal of one synth program step
type StepKind string

const (
	StepSine    StepKind = "sine"
	StepSilence StepKind = "silence"
)

// Step is one part of a synth program
type Step struct {
	Kind     StepKind
	Duration time.Duration
}

// ParseProgram parses a program such as "sine:5s,silence:3s,sine:2s"
func ParseProgram(program string) ([]Step, error) {
	var steps []Step

	for part := range strings.SplitSeq(program, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kind, length, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("step %q must be kind:duration", part)
		}

		step := Step{Kind: StepKind(strings.ToLower(strings.TrimSpace(kind)))}
		if step.Kind != StepSine && step.Kind != StepSilence {
			return nil, fmt.Errorf("step %q: kind must be 'sine' or 'silence'", part)
		}

		d, err := time.ParseDuration(strings.TrimSpace(length))
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", part, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("step %q: duration must be positive", part)
		}
		step.Duration = d

		steps = append(steps, step)
	}

	if len(steps) == 0 {
		return nil, fmt.Errorf("program is empty")
	}
	return steps, nil
}

// SynthConfig configures a Synth source
type SynthConfig struct {
	Info      Info
	Steps     []Step
	Frequency float64
	Amplitude float64
	Loop      bool
	Realtime  bool
}

// Synth is a scripted test signal: sine tones and silences in sequence
type Synth struct {
	config SynthConfig
	total  int64 // program length in frames
}

// NewSynth creates a synth source
func NewSynth(config SynthConfig) (*Synth, error) {
	if err := config.Info.Validate(); err != nil {
		return nil, err
	}
	if len(config.Steps) == 0 {
		return nil, fmt.Errorf("program is empty")
	}
	if config.Info.Name == "" {
		config.Info.Name = "synth"
	}

	s := &Synth{config: config}
	for _, step := range config.Steps {
		s.total += s.frames(step.Duration)
	}
	return s, nil
}

func (s *Synth) frames(d time.Duration) int64 {
	return int64(d.Seconds() * float64(s.config.Info.SampleRate))
}

// Info returns the stream the synth produces
func (s *Synth) Info() Info {
	return s.config.Info
}

// Length returns the program length in frames
func (s *Synth) Length() int64 {
	return s.total
}

// sample returns the value of program frame n
func (s *Synth) sample(n int64) float32 {
	var at int64
	for _, step := range s.config.Steps {
		end := at + s.frames(step.Duration)
		if n < end {
			if step.Kind == StepSilence {
				return 0
			}
			phase := 2 * math.Pi * s.config.Frequency * float64(n) / float64(s.config.Info.SampleRate)
			return float32(s.config.Amplitude * math.Sin(phase))
		}
		at = end
	}
	return 0
}

// Run plays the program into cb until it ends or ctx is done
func (s *Synth) Run(ctx context.Context, cb Callback) error {
	info := s.config.Info
	in := inputBlock(info.InputChannels, info.BlockSize)
	out := outputBlock(info)
	pace := newPacer(info.SampleRate, s.config.Realtime)

	cb.OnDeviceStart(info)
	defer cb.OnDeviceStop()

	var n int64
	for {
		if n >= s.total {
			if !s.config.Loop {
				return nil
			}
			n = 0
		}

		frames := int(min(int64(info.BlockSize), s.total-n))
		for i := range frames {
			v := s.sample(n + int64(i))
			for c := range in {
				in[c][i] = v
			}
		}
		n += int64(frames)

		cb.OnBlock(in, out, frames)

		if !pace.wait(ctx, frames) {
			return nil
		}
	}
}
