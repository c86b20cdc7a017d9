package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"coinstream/src/bus"
	"coinstream/src/interfaces"
	"coinstream/src/logger"
	"coinstream/src/models"
	"coinstream/src/utils"
)

// -----------------------------------------------------------------------------

const (
	lastCandleTTL    = 24 * time.Hour
	recentCandleKeep = 100

	StateNoData  = "noData"
	StateForming = "forming"
)

// -----------------------------------------------------------------------------

// Tracker maintains the per-pair candle state machine. Non-final kline
// events become tick updates on the forming candle; the final event
// closes it, publishes exactly one closed-candle event, persists it and
// immediately rolls the pair over to a fresh forming state for the next
// interval.
type Tracker struct {
	eventBus *bus.Bus
	cache    interfaces.ICache
	store    interfaces.IStore // optional, nil disables persistence
	logger   *logger.Logger

	mu     sync.Mutex
	states map[string]string
	recent map[string]*utils.CandleRing
}

// -----------------------------------------------------------------------------

func NewTracker(eventBus *bus.Bus, cache interfaces.ICache, store interfaces.IStore, log *logger.Logger) *Tracker {
	return &Tracker{
		eventBus: eventBus,
		cache:    cache,
		store:    store,
		logger:   log,
		states:   make(map[string]string),
		recent:   make(map[string]*utils.CandleRing),
	}
}

// -----------------------------------------------------------------------------

// Handle processes one parsed kline event.
func (t *Tracker) Handle(event KlineEvent) {
	if event.IsFinal {
		t.closeCandle(event)
		return
	}
	t.tick(event)
}

func (t *Tracker) tick(event KlineEvent) {
	changePct := 0.0
	if event.Open != 0 {
		changePct = (event.Close - event.Open) / event.Open * 100
	}

	update := models.MTickUpdate{
		TradeSymbol:  event.TradeSymbol,
		Interval:     event.Interval,
		CurrentPrice: event.Close,
		OpenPrice:    event.Open,
		HighPrice:    event.High,
		LowPrice:     event.Low,
		TotalVolume:  event.Volume,
		ChangePct:    changePct,
		Trend:        models.DeriveTrend(&changePct),
		OpenTime:     event.OpenTime,
		CloseTime:    event.CloseTime,
		EventTime:    event.EventTime,
		IsForming:    true,
	}

	t.mu.Lock()
	t.states[stateKey(event.TradeSymbol, event.Interval)] = StateForming
	t.mu.Unlock()

	t.eventBus.Publish(bus.TopicCandleTick, update)
}

func (t *Tracker) closeCandle(event KlineEvent) {
	candle := models.MCandle{
		TradeSymbol: event.TradeSymbol,
		Interval:    event.Interval,
		Open:        event.Open,
		High:        event.High,
		Low:         event.Low,
		Close:       event.Close,
		Volume:      event.Volume,
		OpenTime:    event.OpenTime,
		CloseTime:   event.CloseTime,
		State:       models.CandleClosed,
	}

	key := stateKey(event.TradeSymbol, event.Interval)
	t.mu.Lock()
	// The next interval is forming the moment this one closes.
	t.states[key] = StateForming
	ring, ok := t.recent[key]
	if !ok {
		ring = utils.NewCandleRing(recentCandleKeep)
		t.recent[key] = ring
	}
	ring.Append(candle)
	t.mu.Unlock()

	t.eventBus.Publish(bus.TopicCandleClosed, candle)

	t.cache.Set(context.Background(), lastCandleCacheKey(event.TradeSymbol, event.Interval), candle, lastCandleTTL)

	// Persistence is best effort: the live stream never stalls on storage.
	if t.store != nil {
		if err := t.store.SaveClosedCandle(candle); err != nil {
			t.logger.Warning("Failed to persist closed candle %s/%s: %v", event.TradeSymbol, event.Interval, err)
		}
	}
}

// -----------------------------------------------------------------------------

// State reports the state machine position for a pair.
func (t *Tracker) State(tradeSymbol string, interval string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.states[stateKey(tradeSymbol, interval)]; ok {
		return state
	}
	return StateNoData
}

// -----------------------------------------------------------------------------

// LastClosed returns the most recent closed candle for a pair.
func (t *Tracker) LastClosed(ctx context.Context, tradeSymbol string, interval string) (models.MCandle, bool) {
	var candle models.MCandle
	if t.cache.Get(ctx, lastCandleCacheKey(tradeSymbol, interval), &candle) {
		return candle, true
	}
	return models.MCandle{}, false
}

// -----------------------------------------------------------------------------

// RecentClosed returns up to n buffered closed candles, oldest first.
func (t *Tracker) RecentClosed(tradeSymbol string, interval string, n int) []models.MCandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ring, ok := t.recent[stateKey(tradeSymbol, interval)]; ok {
		return ring.Latest(n)
	}
	return []models.MCandle{}
}

func stateKey(tradeSymbol string, interval string) string {
	return tradeSymbol + ":" + interval
}

func lastCandleCacheKey(tradeSymbol string, interval string) string {
	return fmt.Sprintf("candle:last:%s:%s", tradeSymbol, interval)
}
