package utils

import (
	"coinstream/src/models"
)

// -----------------------------------------------------------------------------
// CandleRing is a fixed-size circular buffer of closed candles.
// True ring buffer - no resizing allowed!
// -----------------------------------------------------------------------------

type CandleRing struct {
	data     []models.MCandle
	capacity int
	index    int // Next write position
	size     int // Current number of elements
}

// -----------------------------------------------------------------------------

// NewCandleRing creates a new buffer with fixed capacity
func NewCandleRing(capacity int) *CandleRing {
	if capacity <= 0 {
		capacity = 100 // Default reasonable size
	}

	return &CandleRing{
		data:     make([]models.MCandle, capacity),
		capacity: capacity,
		index:    0,
		size:     0,
	}
}

// -----------------------------------------------------------------------------

// Append adds a closed candle, overwriting the oldest when full
func (rb *CandleRing) Append(candle models.MCandle) {
	rb.data[rb.index] = candle
	rb.index = (rb.index + 1) % rb.capacity

	// Update size (never exceeds capacity)
	if rb.size < rb.capacity {
		rb.size++
	}
}

// -----------------------------------------------------------------------------

// Latest returns the n most recent candles, oldest first
func (rb *CandleRing) Latest(n int) []models.MCandle {
	if rb.size == 0 || n <= 0 {
		return []models.MCandle{}
	}

	count := n
	if n > rb.size {
		count = rb.size
	}

	result := make([]models.MCandle, count)

	// Latest data is at index-1
	startIdx := (rb.index - count + rb.capacity) % rb.capacity
	for i := 0; i < count; i++ {
		result[i] = rb.data[(startIdx+i)%rb.capacity]
	}
	return result
}

// -----------------------------------------------------------------------------

// All returns every buffered candle in insertion order (oldest to newest)
func (rb *CandleRing) All() []models.MCandle {
	if rb.size == 0 {
		return []models.MCandle{}
	}

	result := make([]models.MCandle, rb.size)

	var startIdx int
	if rb.size == rb.capacity {
		// Buffer is full, oldest is at current index (wrap-around)
		startIdx = rb.index
	} else {
		startIdx = 0
	}

	for i := 0; i < rb.size; i++ {
		result[i] = rb.data[(startIdx+i)%rb.capacity]
	}
	return result
}

// -----------------------------------------------------------------------------

// Size returns current number of elements
func (rb *CandleRing) Size() int {
	return rb.size
}

// -----------------------------------------------------------------------------

// Capacity returns buffer capacity (fixed)
func (rb *CandleRing) Capacity() int {
	return rb.capacity
}

// -----------------------------------------------------------------------------

// IsFull returns whether buffer is full
func (rb *CandleRing) IsFull() bool {
	return rb.size == rb.capacity
}

// -----------------------------------------------------------------------------

// Clear resets the buffer
func (rb *CandleRing) Clear() {
	rb.index = 0
	rb.size = 0
}
