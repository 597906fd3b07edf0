package optimizer

import "time"

type sample struct {
	score    float64
	duration time.Duration
	success  bool
}

// ring is a fixed-capacity history that overwrites its oldest sample.
type ring struct {
	buf  []sample
	next int
	full bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]sample, capacity)}
}

func (r *ring) push(s sample) {
	r.buf[r.next] = s
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// samples returns the history from oldest to newest.
func (r *ring) samples() []sample {
	if !r.full {
		return append([]sample(nil), r.buf[:r.next]...)
	}
	out := make([]sample, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
