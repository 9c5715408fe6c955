package calib

// ErrorRing is a fixed-capacity ring of percentage-error samples. Appending
// beyond capacity evicts the oldest sample. The zero value is not usable;
// construct with NewErrorRing.
type ErrorRing struct {
	buf  []float64
	head int // index of oldest sample
	n    int
}

// NewErrorRing creates a ring with the given capacity (minimum 1).
func NewErrorRing(capacity int) *ErrorRing {
	if capacity < 1 {
		capacity = 1
	}
	return &ErrorRing{buf: make([]float64, capacity)}
}

// Append adds a sample, evicting the oldest if the ring is full.
func (r *ErrorRing) Append(v float64) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of samples currently held.
func (r *ErrorRing) Len() int { return r.n }

// Cap returns the ring capacity.
func (r *ErrorRing) Cap() int { return len(r.buf) }

// First returns the oldest sample.
func (r *ErrorRing) First() (float64, bool) {
	if r.n == 0 {
		return 0, false
	}
	return r.buf[r.head], true
}

// Last returns the newest sample.
func (r *ErrorRing) Last() (float64, bool) {
	if r.n == 0 {
		return 0, false
	}
	return r.buf[(r.head+r.n-1)%len(r.buf)], true
}

// Values returns the samples oldest to newest.
func (r *ErrorRing) Values() []float64 {
	out := make([]float64, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}
