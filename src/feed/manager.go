package feed

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"coinstream/src/bus"
	"coinstream/src/logger"
	"coinstream/src/models"
)

// -----------------------------------------------------------------------------

// Manager owns the pool of upstream stream connections. Connections are
// shared by feed signature and reference counted: two views needing the
// same symbols ride one socket, and the socket closes only when the last
// holder releases it.
type Manager struct {
	wsURL    string
	dialer   Dialer
	policy   reconnectPolicy
	eventBus *bus.Bus
	logger   *logger.Logger

	onTicker func(update models.MTickerUpdate)
	onKline  func(event KlineEvent)

	mu             sync.Mutex
	pool           map[string]*pooledFeed
	onTickerClosed func(tradeSymbol string)
}

type pooledFeed struct {
	refs    int
	conn    *feedConn
	symbols []string // trade symbols, set for ticker feeds only
}

// -----------------------------------------------------------------------------

func NewManager(cfg models.MFeedConfig, dialer Dialer, eventBus *bus.Bus, log *logger.Logger, onTicker func(models.MTickerUpdate), onKline func(KlineEvent)) *Manager {
	return &Manager{
		wsURL:  strings.TrimRight(cfg.WsURL, "/"),
		dialer: dialer,
		policy: reconnectPolicy{
			min:      time.Duration(cfg.ReconnectMinMs) * time.Millisecond,
			max:      time.Duration(cfg.ReconnectMaxMs) * time.Millisecond,
			attempts: cfg.ReconnectAttempts,
		},
		eventBus: eventBus,
		logger:   log,
		onTicker: onTicker,
		onKline:  onKline,
		pool:     make(map[string]*pooledFeed),
	}
}

// -----------------------------------------------------------------------------

// OpenTickerFeed acquires a shared multi-symbol miniTicker connection.
// The returned release func must be called exactly once per acquire.
func (m *Manager) OpenTickerFeed(ctx context.Context, tradeSymbols []string) (func(), error) {
	streams := make([]string, 0, len(tradeSymbols))
	upper := make([]string, 0, len(tradeSymbols))
	for _, sym := range tradeSymbols {
		streams = append(streams, strings.ToLower(sym)+"@miniTicker")
		upper = append(upper, strings.ToUpper(sym))
	}
	sort.Strings(streams)
	signature := "ticker:" + strings.Join(streams, "/")
	return m.acquire(ctx, signature, streams, upper)
}

// OnTickerFeedClosed registers a callback fired once per trade symbol
// when the last holder of a ticker feed releases it. The throttler uses
// it to drop per-pair coalescing state.
func (m *Manager) OnTickerFeedClosed(fn func(tradeSymbol string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTickerClosed = fn
}

// -----------------------------------------------------------------------------

// OpenCandleFeed acquires a shared single-symbol kline connection.
func (m *Manager) OpenCandleFeed(ctx context.Context, tradeSymbol string, interval string) (func(), error) {
	stream := strings.ToLower(tradeSymbol) + "@kline_" + interval
	signature := "kline:" + strings.ToUpper(tradeSymbol) + ":" + interval
	return m.acquire(ctx, signature, []string{stream}, nil)
}

// -----------------------------------------------------------------------------

func (m *Manager) acquire(ctx context.Context, signature string, streams []string, tradeSymbols []string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.pool[signature]; ok {
		entry.refs++
		m.logger.Debug("Reusing feed %s (refs=%d)", signature, entry.refs)
		return m.releaser(signature), nil
	}

	url := m.wsURL + "/stream?streams=" + strings.Join(streams, "/")
	conn := newFeedConn(url, m.dialer, m.policy, m.logger,
		m.handleMessage,
		func(reason string) { m.handleDown(signature, reason) },
	)
	if err := conn.start(); err != nil {
		return nil, err
	}

	m.pool[signature] = &pooledFeed{refs: 1, conn: conn, symbols: tradeSymbols}
	m.logger.Info("Opened feed %s", signature)
	return m.releaser(signature), nil
}

func (m *Manager) releaser(signature string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.release(signature) })
	}
}

func (m *Manager) release(signature string) {
	m.mu.Lock()
	entry, ok := m.pool[signature]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		m.logger.Debug("Released feed %s (refs=%d)", signature, entry.refs)
		m.mu.Unlock()
		return
	}
	delete(m.pool, signature)
	onTickerClosed := m.onTickerClosed
	m.mu.Unlock()

	// Stop outside the lock: the read loop may be mid-callback.
	entry.conn.stop()
	if onTickerClosed != nil {
		for _, sym := range entry.symbols {
			onTickerClosed(sym)
		}
	}
	m.logger.Info("Closed feed %s", signature)
}

// -----------------------------------------------------------------------------

// ActiveFeeds reports the number of live pooled connections.
func (m *Manager) ActiveFeeds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}

// Refs reports the reference count of one feed signature.
func (m *Manager) Refs(signature string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.pool[signature]; ok {
		return entry.refs
	}
	return 0
}

// -----------------------------------------------------------------------------

func (m *Manager) handleMessage(raw []byte) {
	parsed, err := ParseMessage(raw)
	if err != nil {
		// A malformed frame never takes the stream down.
		m.logger.Warning("Dropping unparseable feed frame: %v", err)
		return
	}

	switch msg := parsed.(type) {
	case *models.MTickerUpdate:
		m.onTicker(*msg)
	case *KlineEvent:
		m.onKline(*msg)
	}
}

func (m *Manager) handleDown(signature string, reason string) {
	m.mu.Lock()
	delete(m.pool, signature)
	m.mu.Unlock()

	m.logger.Error("Feed %s is down: %s", signature, reason)
	m.eventBus.Publish(bus.TopicFeedDisconnected, models.MFeedDisconnected{
		FeedKey: signature,
		Reason:  reason,
	})
}

// -----------------------------------------------------------------------------

// Shutdown closes every pooled connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := make([]*pooledFeed, 0, len(m.pool))
	for signature, entry := range m.pool {
		entries = append(entries, entry)
		delete(m.pool, signature)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		entry.conn.stop()
	}
}
