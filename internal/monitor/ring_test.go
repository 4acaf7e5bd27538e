package monitor

import (
	"testing"
)

// TestRingPushAndAverage tests running averages under capacity
func TestRingPushAndAverage(t *testing.T) {
	r := NewRing(4)

	if r.Average() != 0 {
		t.Errorf("empty ring average = %f, want 0", r.Average())
	}

	r.Push(10)
	r.Push(20)
	r.Push(30)

	if r.Count() != 3 {
		t.Errorf("count = %d, want 3", r.Count())
	}
	if r.Average() != 20 {
		t.Errorf("average = %f, want 20", r.Average())
	}
}

// TestRingOverwritesOldest tests wrap-around behavior at capacity
func TestRingOverwritesOldest(t *testing.T) {
	r := NewRing(3)

	for _, v := range []float64{1, 2, 3, 4, 5} {
		r.Push(v)
	}

	if r.Count() != 3 {
		t.Errorf("count = %d, want capacity 3", r.Count())
	}
	// Only 3, 4, 5 remain.
	if r.Average() != 4 {
		t.Errorf("average = %f, want 4", r.Average())
	}
	if r.Last() != 5 {
		t.Errorf("last = %f, want 5", r.Last())
	}

	snap := r.Snapshot()
	want := []float64{3, 4, 5}
	for i, v := range want {
		if snap[i] != v {
			t.Errorf("snapshot[%d] = %f, want %f", i, snap[i], v)
			break
		}
	}
}

// TestRingDefaultCapacity tests the zero-capacity fallback
func TestRingDefaultCapacity(t *testing.T) {
	r := NewRing(0)
	if r.Capacity() != 100 {
		t.Errorf("capacity = %d, want 100", r.Capacity())
	}
}

// TestRingSumStaysExact tests that the running sum tracks many wraps
func TestRingSumStaysExact(t *testing.T) {
	r := NewRing(8)
	for i := 0; i < 1000; i++ {
		r.Push(float64(i % 10))
	}
	// Last 8 pushes were 992..999 mod 10 = 2,3,4,5,6,7,8,9.
	if got := r.Average(); got != 5.5 {
		t.Errorf("average = %f, want 5.5", got)
	}
}
