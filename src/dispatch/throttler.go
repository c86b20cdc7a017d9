package dispatch

import (
	"sync"
	"time"

	"coinstream/src/models"
)

// -----------------------------------------------------------------------------

// Throttler coalesces high-frequency ticker updates into at most one
// emission per pair per window. Only the latest update in a window is
// kept, and it is emitted only if it is material (price or volume moved
// versus the last emitted value). Emission happens on the trailing edge
// of the window, never inline with Push.
type Throttler struct {
	window time.Duration
	emit   func(update models.MTickerUpdate)

	mu          sync.Mutex
	pending     map[string]models.MTickerUpdate
	lastEmitted map[string]models.MTickerUpdate

	done chan struct{}
	once sync.Once
}

// -----------------------------------------------------------------------------

// NewThrottler creates a Throttler and starts its flush loop.
// emit is called from the flush goroutine.
func NewThrottler(window time.Duration, emit func(update models.MTickerUpdate)) *Throttler {
	t := &Throttler{
		window:      window,
		emit:        emit,
		pending:     make(map[string]models.MTickerUpdate),
		lastEmitted: make(map[string]models.MTickerUpdate),
		done:        make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *Throttler) loop() {
	ticker := time.NewTicker(t.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.flush()
		case <-t.done:
			return
		}
	}
}

// -----------------------------------------------------------------------------

// Push records the latest update for its pair. Later pushes in the same
// window overwrite earlier ones.
func (t *Throttler) Push(update models.MTickerUpdate) {
	t.mu.Lock()
	t.pending[update.TradeSymbol] = update
	t.mu.Unlock()
}

// -----------------------------------------------------------------------------

func (t *Throttler) flush() {
	t.mu.Lock()
	batch := t.pending
	t.pending = make(map[string]models.MTickerUpdate)

	out := make([]models.MTickerUpdate, 0, len(batch))
	for key, update := range batch {
		prev, seen := t.lastEmitted[key]
		if seen && !update.Changed(prev) {
			continue
		}
		t.lastEmitted[key] = update
		out = append(out, update)
	}
	t.mu.Unlock()

	for _, update := range out {
		t.emit(update)
	}
}

// -----------------------------------------------------------------------------

// Forget drops the emission history for a pair so the next update for it
// always goes out. Called when the last subscriber for a pair leaves.
func (t *Throttler) Forget(tradeSymbol string) {
	t.mu.Lock()
	delete(t.pending, tradeSymbol)
	delete(t.lastEmitted, tradeSymbol)
	t.mu.Unlock()
}

// -----------------------------------------------------------------------------

// Stop halts the flush loop. Updates pushed after Stop are never emitted.
func (t *Throttler) Stop() {
	t.once.Do(func() { close(t.done) })
}
