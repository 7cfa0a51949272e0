package realtime

import (
	"sync"
)

// Ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
// It is not safe for concurrent use; owners guard it with their own lock.
type Ring[T any] struct {
	items []T
	start int
	size  int

	overwritten int64
}

// NewRing creates a ring holding at most capacity items
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when the ring is full
func (r *Ring[T]) Push(v T) {
	if r.size < len(r.items) {
		r.items[(r.start+r.size)%len(r.items)] = v
		r.size++
		return
	}
	r.items[r.start] = v
	r.start = (r.start + 1) % len(r.items)
	r.overwritten++
}

// Len returns the number of buffered items
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the ring capacity
func (r *Ring[T]) Cap() int { return len(r.items) }

// Overwritten returns how many items were evicted to make room
func (r *Ring[T]) Overwritten() int64 { return r.overwritten }

// Last returns a copy of the newest n items in arrival order
func (r *Ring[T]) Last(n int) []T {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	offset := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.items[(r.start+offset+i)%len(r.items)]
	}
	return out
}

// All returns a copy of every buffered item in arrival order
func (r *Ring[T]) All() []T {
	return r.Last(r.size)
}

// Clear drops all items
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.start, r.size = 0, 0
}

// SampleBuffer is a thread-safe rolling window of normalized audio samples.
// Writing past capacity drops the oldest samples.
type SampleBuffer struct {
	mutex      sync.RWMutex
	sampleRate int
	ring       *Ring[float64]

	samplesWritten int64
}

// NewSampleBuffer creates a buffer holding seconds of audio at sampleRate
func NewSampleBuffer(seconds float64, sampleRate int) *SampleBuffer {
	capacity := int(seconds * float64(sampleRate))
	return &SampleBuffer{
		sampleRate: sampleRate,
		ring:       NewRing[float64](capacity),
	}
}

// Write appends samples to the buffer
func (b *SampleBuffer) Write(samples []float64) {
	if len(samples) == 0 {
		return
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, s := range samples {
		b.ring.Push(s)
	}
	b.samplesWritten += int64(len(samples))
}

// Window returns a copy of the most recent seconds of audio
func (b *SampleBuffer) Window(seconds float64) []float64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.ring.Last(int(seconds * float64(b.sampleRate)))
}

// Seconds returns the buffered duration
func (b *SampleBuffer) Seconds() float64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return float64(b.ring.Len()) / float64(b.sampleRate)
}

// Len returns the number of buffered samples
func (b *SampleBuffer) Len() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.ring.Len()
}

// Capacity returns the maximum number of buffered samples
func (b *SampleBuffer) Capacity() int {
	return b.ring.Cap()
}

// SamplesWritten returns the total number of samples ever written
func (b *SampleBuffer) SamplesWritten() int64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.samplesWritten
}

// Reset clears the buffer
func (b *SampleBuffer) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.ring.Clear()
	b.samplesWritten = 0
}
