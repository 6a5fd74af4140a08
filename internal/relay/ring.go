package relay

// ring is a fixed-capacity FIFO that overwrites its oldest element.
// Callers serialize access.
type ring struct {
	buf  []Envelope
	head int
	size int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]Envelope, capacity)}
}

// push appends env and reports whether the oldest element was evicted.
func (r *ring) push(env Envelope) bool {
	evicted := false
	if r.size == len(r.buf) {
		r.buf[r.head] = Envelope{}
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		evicted = true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = env
	r.size++
	return evicted
}

func (r *ring) peek() (Envelope, bool) {
	if r.size == 0 {
		return Envelope{}, false
	}
	return r.buf[r.head], true
}

func (r *ring) pop() (Envelope, bool) {
	env, ok := r.peek()
	if !ok {
		return env, false
	}
	r.buf[r.head] = Envelope{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return env, true
}

// reset empties the ring and returns how many elements it held.
func (r *ring) reset() int {
	n := r.size
	for i := range r.buf {
		r.buf[i] = Envelope{}
	}
	r.head, r.size = 0, 0
	return n
}

func (r *ring) len() int { return r.size }
