package dispatch

import (
	"sync"
	"testing"
	"time"

	"coinstream/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------

type emissionRecorder struct {
	mu      sync.Mutex
	updates []models.MTickerUpdate
}

func (r *emissionRecorder) emit(u models.MTickerUpdate) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *emissionRecorder) all() []models.MTickerUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.MTickerUpdate(nil), r.updates...)
}

func update(symbol string, price float64, volume float64) models.MTickerUpdate {
	return models.MTickerUpdate{TradeSymbol: symbol, CurrentPrice: price, TotalVolume: volume}
}

// -----------------------------------------------------------------------------

func TestBurstCoalescesToLatestUpdate(t *testing.T) {
	rec := &emissionRecorder{}
	th := NewThrottler(30*time.Millisecond, rec.emit)
	defer th.Stop()

	for i := 1; i <= 50; i++ {
		th.Push(update("BTCUSDT", float64(i), 100))
	}

	time.Sleep(60 * time.Millisecond)

	emitted := rec.all()
	require.Len(t, emitted, 1)
	assert.Equal(t, 50.0, emitted[0].CurrentPrice)
}

// -----------------------------------------------------------------------------

func TestUnchangedUpdateIsSuppressed(t *testing.T) {
	rec := &emissionRecorder{}
	th := NewThrottler(20*time.Millisecond, rec.emit)
	defer th.Stop()

	th.Push(update("ETHUSDT", 3000, 10))
	time.Sleep(40 * time.Millisecond)

	// Same price and volume again, next window
	th.Push(update("ETHUSDT", 3000, 10))
	time.Sleep(40 * time.Millisecond)

	assert.Len(t, rec.all(), 1)
}

// -----------------------------------------------------------------------------

func TestVolumeOnlyChangeIsMaterial(t *testing.T) {
	rec := &emissionRecorder{}
	th := NewThrottler(20*time.Millisecond, rec.emit)
	defer th.Stop()

	th.Push(update("SOLUSDT", 150, 10))
	time.Sleep(40 * time.Millisecond)
	th.Push(update("SOLUSDT", 150, 11))
	time.Sleep(40 * time.Millisecond)

	assert.Len(t, rec.all(), 2)
}

// -----------------------------------------------------------------------------

func TestPairsThrottleIndependently(t *testing.T) {
	rec := &emissionRecorder{}
	th := NewThrottler(30*time.Millisecond, rec.emit)
	defer th.Stop()

	th.Push(update("BTCUSDT", 1, 1))
	th.Push(update("ETHUSDT", 2, 1))
	time.Sleep(60 * time.Millisecond)

	emitted := rec.all()
	require.Len(t, emitted, 2)
	symbols := map[string]bool{emitted[0].TradeSymbol: true, emitted[1].TradeSymbol: true}
	assert.True(t, symbols["BTCUSDT"])
	assert.True(t, symbols["ETHUSDT"])
}

// -----------------------------------------------------------------------------

func TestForgetResetsEmissionHistory(t *testing.T) {
	rec := &emissionRecorder{}
	th := NewThrottler(20*time.Millisecond, rec.emit)
	defer th.Stop()

	th.Push(update("BTCUSDT", 100, 5))
	time.Sleep(40 * time.Millisecond)

	th.Forget("BTCUSDT")

	// Identical update goes out again after Forget
	th.Push(update("BTCUSDT", 100, 5))
	time.Sleep(40 * time.Millisecond)

	assert.Len(t, rec.all(), 2)
}
