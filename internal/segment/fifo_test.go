package segment

import (
	"testing"

	"github.com/jabeka/CollectionRecorder/internal/audio"
)

func TestFIFOPushPopWraps(t *testing.T) {
	f := newFIFO(2, 10)

	var next, expect float32
	dst := audio.NewBlock(2, 4)

	for round := 0; round < 30; round++ {
		b := audio.NewBlock(2, 3)
		for i := 0; i < 3; i++ {
			b[0][i] = next
			b[1][i] = -next
			next++
		}
		if !f.push(b) {
			t.Fatalf("round %d: push refused with %d buffered", round, f.buffered())
		}

		n := f.pop(dst)
		if n != 3 {
			t.Fatalf("round %d: expected 3 frames, got %d", round, n)
		}
		for i := 0; i < n; i++ {
			if dst[0][i] != expect || dst[1][i] != -expect {
				t.Fatalf("round %d frame %d: expected %v, got %v/%v", round, i, expect, dst[0][i], dst[1][i])
			}
			expect++
		}
	}
}

func TestFIFOAllOrNothing(t *testing.T) {
	f := newFIFO(1, 8)

	if !f.push(audio.NewBlock(1, 6)) {
		t.Fatal("Expected first push to fit")
	}
	if f.push(audio.NewBlock(1, 3)) {
		t.Error("Expected push larger than free space to be refused")
	}
	if f.buffered() != 6 {
		t.Errorf("Expected 6 buffered frames, got %d", f.buffered())
	}
	if !f.push(audio.NewBlock(1, 2)) {
		t.Error("Expected push of exactly the free space to fit")
	}

	dst := audio.NewBlock(1, 5)
	if n := f.pop(dst); n != 5 {
		t.Errorf("Expected 5 frames, got %d", n)
	}
	if n := f.pop(dst); n != 3 {
		t.Errorf("Expected 3 frames, got %d", n)
	}
	if n := f.pop(dst); n != 0 {
		t.Errorf("Expected empty fifo, got %d frames", n)
	}
}
