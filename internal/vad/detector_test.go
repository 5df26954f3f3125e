package vad

import "testing"

func TestNewDetectorValidation(t *testing.T) {
	tests := []struct {
		name      string
		threshold float32
		debounce  int
		expectErr bool
	}{
		{"valid parameters", 0.01, 0, false},
		{"valid with debounce", 0.05, 4, false},
		{"zero threshold", 0, 0, false},
		{"threshold above one", 1.5, 0, true},
		{"negative threshold", -0.1, 0, true},
		{"negative debounce", 0.01, -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDetector(tt.threshold, tt.debounce)
			if tt.expectErr {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if d.State() != Silent {
				t.Errorf("Expected initial state silent, got %s", d.State())
			}
			if d.Threshold() != tt.threshold {
				t.Errorf("Expected threshold %f, got %f", tt.threshold, d.Threshold())
			}
		})
	}
}

func TestSingleCrossing(t *testing.T) {
	d, _ := NewDetector(0.1, 0)

	levels := []float32{0.0, 0.05, 0.1, 0.2, 0.3, 0.15, 0.1, 0.05, 0.01, 0.5}
	want := []Event{None, None, None, FlushPreroll, None, None, None, Restart, None, FlushPreroll}

	for i, level := range levels {
		if got := d.Update(level); got != want[i] {
			t.Errorf("Update %d (level %f): expected %s, got %s", i, level, want[i], got)
		}
	}

	stats := d.GetStats()
	if stats.Activations != 2 {
		t.Errorf("Expected 2 activations, got %d", stats.Activations)
	}
	if stats.Restarts != 1 {
		t.Errorf("Expected 1 restart, got %d", stats.Restarts)
	}
	if stats.Updates != uint64(len(levels)) {
		t.Errorf("Expected %d updates, got %d", len(levels), stats.Updates)
	}
	if stats.LastLevel != 0.5 {
		t.Errorf("Expected last level 0.5, got %f", stats.LastLevel)
	}
}

func TestOneTransitionPerCrossing(t *testing.T) {
	d, _ := NewDetector(0.1, 0)

	// Long loud run, long quiet run: exactly one event each
	var flushes, restarts int
	for i := 0; i < 100; i++ {
		level := float32(0.5)
		if i >= 50 {
			level = 0.01
		}
		switch d.Update(level) {
		case FlushPreroll:
			flushes++
		case Restart:
			restarts++
		}
	}

	if flushes != 1 || restarts != 1 {
		t.Errorf("Expected one flush and one restart, got %d and %d", flushes, restarts)
	}
}

func TestDebounce(t *testing.T) {
	d, _ := NewDetector(0.1, 3)

	if got := d.Update(0.5); got != FlushPreroll {
		t.Fatalf("Expected flush, got %s", got)
	}

	// Two quiet blocks then loud again resets the counter
	d.Update(0.01)
	d.Update(0.01)
	d.Update(0.5)
	if d.State() != Active {
		t.Fatalf("Expected active after interrupted quiet run, got %s", d.State())
	}

	d.Update(0.01)
	d.Update(0.01)
	if got := d.Update(0.01); got != Restart {
		t.Errorf("Expected restart after 3 quiet blocks, got %s", got)
	}
	if d.State() != Silent {
		t.Errorf("Expected silent, got %s", d.State())
	}
}

func TestConfigureAndReset(t *testing.T) {
	d, _ := NewDetector(0.1, 0)
	d.Update(0.5)

	if err := d.Configure(0.6, 0); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if d.State() != Active {
		t.Error("Expected configure to keep the current state")
	}
	if got := d.Update(0.5); got != Restart {
		t.Errorf("Expected restart below the new threshold, got %s", got)
	}

	d.Update(0.9)
	d.Reset()
	if d.State() != Silent {
		t.Errorf("Expected silent after reset, got %s", d.State())
	}

	if err := d.Configure(2, 0); err == nil {
		t.Error("Expected error for invalid threshold")
	}
}
