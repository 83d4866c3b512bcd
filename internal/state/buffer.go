package state

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"ct-bic/internal/model"
)

var (
	// ErrNotReady is returned by Reset while an Append is in flight.
	ErrNotReady = errors.New("state: ring buffer write in flight")
	// ErrInvalidCapacity is returned for a zero or negative capacity or width.
	ErrInvalidCapacity = errors.New("state: capacity and channel count must be >= 1")
	// ErrChannelMismatch is returned when a sample's width differs from the buffer's.
	ErrChannelMismatch = errors.New("state: sample width does not match channel count")
)

// CapacityFor converts a buffer duration into a slot count, at least 1.
func CapacityFor(bufferSeconds, sampleRate float64) int {
	n := int(math.Ceil(bufferSeconds * sampleRate))
	if n < 1 {
		return 1
	}
	return n
}

// RingBuffer — fixed-size circular store of C-channel samples with a
// parallel counter array. Safe for one writer and many readers; once full
// the oldest sample is overwritten without error.
//
// Layout: values[slot*C : slot*C+C] holds the sample in slot, counters[slot]
// its counter. written is the total number of samples ever appended; the
// next write goes to slot written % N.
type RingBuffer struct {
	values   []float64
	counters []int64
	capacity int
	channels int
	written  uint64

	inflight atomic.Bool
	mu       sync.RWMutex
}

// NewRingBuffer — creates a ring buffer of capacity samples × channels.
func NewRingBuffer(capacity, channels int) (*RingBuffer, error) {
	if capacity < 1 || channels < 1 {
		return nil, fmt.Errorf("%w: capacity=%d channels=%d", ErrInvalidCapacity, capacity, channels)
	}
	return &RingBuffer{
		values:   make([]float64, capacity*channels),
		counters: make([]int64, capacity),
		capacity: capacity,
		channels: channels,
	}, nil
}

// Append — inserts samples in order. O(len(samples)·C).
// Rejects the whole call if any sample has the wrong width.
func (rb *RingBuffer) Append(samples []model.Sample) error {
	for i := range samples {
		if len(samples[i].Values) != rb.channels {
			return fmt.Errorf("%w: got %d, want %d", ErrChannelMismatch, len(samples[i].Values), rb.channels)
		}
	}
	if len(samples) == 0 {
		return nil
	}

	rb.inflight.Store(true)
	defer rb.inflight.Store(false)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for i := range samples {
		slot := int(rb.written % uint64(rb.capacity))
		copy(rb.values[slot*rb.channels:(slot+1)*rb.channels], samples[i].Values)
		rb.counters[slot] = samples[i].Counter
		rb.written++
	}
	return nil
}

// Latest — returns copies of the last k samples, oldest first.
func (rb *RingBuffer) Latest(k int) []model.Sample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.latestLocked(k)
}

// ReadSince — returns the samples written after cursor pos (at most the
// last N) and the cursor to pass on the next call. A cursor ahead of the
// buffer (after a Reset) is treated as 0.
func (rb *RingBuffer) ReadSince(pos uint64) ([]model.Sample, uint64) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if pos > rb.written {
		pos = 0
	}
	n := rb.written - pos
	if n > uint64(rb.capacity) {
		n = uint64(rb.capacity)
	}
	return rb.latestLocked(int(n)), rb.written
}

// LatestValue — the most recent value on one channel.
func (rb *RingBuffer) LatestValue(channel int) (float64, bool) {
	if channel < 0 || channel >= rb.channels {
		return 0, false
	}
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.written == 0 {
		return 0, false
	}
	slot := int((rb.written - 1) % uint64(rb.capacity))
	return rb.values[slot*rb.channels+channel], true
}

func (rb *RingBuffer) latestLocked(k int) []model.Sample {
	size := rb.lenLocked()
	if k > size {
		k = size
	}
	if k <= 0 {
		return nil
	}

	out := make([]model.Sample, k)
	flat := make([]float64, k*rb.channels)
	start := rb.written - uint64(k)
	for i := 0; i < k; i++ {
		slot := int((start + uint64(i)) % uint64(rb.capacity))
		v := flat[i*rb.channels : (i+1)*rb.channels : (i+1)*rb.channels]
		copy(v, rb.values[slot*rb.channels:(slot+1)*rb.channels])
		out[i] = model.Sample{Values: v, Counter: rb.counters[slot]}
	}
	return out
}

// Reset — zeroes the storage in place and rewinds the cursor. Never
// reallocates, so concurrent readers keep a valid buffer.
func (rb *RingBuffer) Reset() error {
	if rb.inflight.Load() {
		return ErrNotReady
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()

	clear(rb.values)
	clear(rb.counters)
	rb.written = 0
	return nil
}

// Len — logical length, min(written, N).
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.lenLocked()
}

func (rb *RingBuffer) lenLocked() int {
	if rb.written < uint64(rb.capacity) {
		return int(rb.written)
	}
	return rb.capacity
}

// Written — total samples appended since creation or the last Reset.
func (rb *RingBuffer) Written() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.written
}

// Cap returns N.
func (rb *RingBuffer) Cap() int { return rb.capacity }

// Channels returns C.
func (rb *RingBuffer) Channels() int { return rb.channels }
