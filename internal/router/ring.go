package router

import (
	"sync"
	"sync/atomic"
)

// Ring is a fixed-capacity byte queue between one capture producer and one
// render consumer. When a write does not fit, the oldest buffered bytes are
// discarded in whole frames so the stream never loses sample alignment.
type Ring struct {
	mu    sync.Mutex
	buf   []byte
	head  int // next write position
	tail  int // next read position
	size  int
	frame int

	dropped   atomic.Uint64
	underruns atomic.Uint64
}

// NewRing allocates a ring holding capacity bytes, rounded down to a whole
// number of frames.
func NewRing(capacity, frameSize int) *Ring {
	if frameSize <= 0 {
		frameSize = 1
	}
	capacity -= capacity % frameSize
	if capacity < frameSize {
		capacity = frameSize
	}
	return &Ring{buf: make([]byte, capacity), frame: frameSize}
}

func (r *Ring) Cap() int { return len(r.buf) }

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped reports how many bytes have been displaced by overflow.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

// Underruns reports how many reads came up short.
func (r *Ring) Underruns() uint64 { return r.underruns.Load() }

// Write appends p, displacing the oldest data when full. It never blocks
// on the consumer and never allocates.
func (r *Ring) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.buf)
	if len(p) >= capacity {
		skip := len(p) - capacity
		r.dropped.Add(uint64(r.size + skip))
		copy(r.buf, p[skip:])
		r.head, r.tail, r.size = 0, 0, capacity
		return
	}

	if over := r.size + len(p) - capacity; over > 0 {
		if rem := over % r.frame; rem != 0 {
			over += r.frame - rem
		}
		if over > r.size {
			over = r.size
		}
		r.tail = (r.tail + over) % capacity
		r.size -= over
		r.dropped.Add(uint64(over))
	}

	n := copy(r.buf[r.head:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.head = (r.head + len(p)) % capacity
	r.size += len(p)
}

// Read fills dst with the oldest buffered bytes and returns how many were
// copied. A short read counts as an underrun.
func (r *Ring) Read(dst []byte) int {
	if len(dst) == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	want := min(len(dst), r.size)
	if want < len(dst) {
		r.underruns.Add(1)
	}
	if want == 0 {
		return 0
	}
	n := copy(dst[:want], r.buf[r.tail:])
	if n < want {
		copy(dst[n:want], r.buf)
	}
	r.tail = (r.tail + want) % len(r.buf)
	r.size -= want
	return want
}

// Reset discards all buffered data.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.tail, r.size = 0, 0, 0
}
