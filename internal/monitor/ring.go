package monitor

// Ring is a fixed-capacity ring buffer of float64 samples with O(1) push and
// a running sum, so averages never require a scan. The oldest sample is
// overwritten on push, never shifted.
type Ring struct {
	samples []float64
	head    int
	size    int
	sum     float64
}

// NewRing creates a ring buffer with the given capacity.
// If capacity <= 0, defaults to 100.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 100
	}
	return &Ring{
		samples: make([]float64, capacity),
	}
}

// Push adds a sample, overwriting the oldest when full.
func (r *Ring) Push(v float64) {
	if r.size == len(r.samples) {
		r.sum -= r.samples[r.head]
	} else {
		r.size++
	}
	r.samples[r.head] = v
	r.sum += v
	r.head = (r.head + 1) % len(r.samples)
}

// Average returns the mean of the stored samples, or 0 when empty.
func (r *Ring) Average() float64 {
	if r.size == 0 {
		return 0
	}
	return r.sum / float64(r.size)
}

// Count returns the number of stored samples.
func (r *Ring) Count() int {
	return r.size
}

// Capacity returns the fixed capacity.
func (r *Ring) Capacity() int {
	return len(r.samples)
}

// Last returns the most recently pushed sample, or 0 when empty.
func (r *Ring) Last() float64 {
	if r.size == 0 {
		return 0
	}
	idx := (r.head - 1 + len(r.samples)) % len(r.samples)
	return r.samples[idx]
}

// Snapshot returns the stored samples oldest-first.
func (r *Ring) Snapshot() []float64 {
	out := make([]float64, r.size)
	start := r.head - r.size
	for i := 0; i < r.size; i++ {
		out[i] = r.samples[(start+i+len(r.samples))%len(r.samples)]
	}
	return out
}
