package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"coinstream/src/bus"
	"coinstream/src/cache"
	"coinstream/src/catalog"
	"coinstream/src/dispatch"
	"coinstream/src/feed"
	"coinstream/src/helpers"
	"coinstream/src/interfaces"
	"coinstream/src/logger"
	"coinstream/src/models"
	"coinstream/src/registry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type sentEvent struct {
	Name    string
	Payload interface{}
}

type fakeSession struct {
	id     string
	mu     sync.Mutex
	events []sentEvent
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Send(event string, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sentEvent{Name: event, Payload: payload})
	return nil
}

func (s *fakeSession) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.events))
	for i, e := range s.events {
		names[i] = e.Name
	}
	return names
}

func (s *fakeSession) count(event string) int {
	n := 0
	for _, name := range s.names() {
		if name == event {
			n++
		}
	}
	return n
}

func (s *fakeSession) first() sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[0]
}

// -----------------------------------------------------------------------------

type fakeStore struct {
	preferred map[string][]string
	saved     []models.MCandle
	recent    []models.MCandle
}

func (f *fakeStore) Initialize() error { return nil }
func (f *fakeStore) GetPreferredSymbols(userID string) ([]string, error) {
	return f.preferred[userID], nil
}
func (f *fakeStore) SaveClosedCandle(c models.MCandle) error { f.saved = append(f.saved, c); return nil }
func (f *fakeStore) RecentClosedCandles(string, string, int) ([]models.MCandle, error) {
	return f.recent, nil
}
func (f *fakeStore) CleanupOldData() error { return nil }
func (f *fakeStore) Close() error          { return nil }

// -----------------------------------------------------------------------------

type fakeCatalogSource struct {
	assets []models.MAssetRecord
}

func (f *fakeCatalogSource) Name() string { return "fake" }
func (f *fakeCatalogSource) FetchAssets(context.Context, int) ([]models.MAssetRecord, error) {
	return f.assets, nil
}
func (f *fakeCatalogSource) FetchConversionRate(context.Context, string, string) (float64, error) {
	return 1, nil
}

type fakeSymbols struct{ set map[string]bool }

func (f *fakeSymbols) TradableSymbols(context.Context) (map[string]bool, error) { return f.set, nil }

// -----------------------------------------------------------------------------

type fakeHistoryNetwork struct{ body []byte }

func (f *fakeHistoryNetwork) Get(ctx context.Context, url string, params map[string]string) ([]byte, error) {
	return f.GetWithHeaders(ctx, url, params, nil)
}
func (f *fakeHistoryNetwork) GetWithHeaders(context.Context, string, map[string]string, map[string]string) ([]byte, error) {
	if f.body == nil {
		return nil, errors.New("no history upstream")
	}
	return f.body, nil
}

// -----------------------------------------------------------------------------

type fakeWsConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *fakeWsConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.frames:
		return websocket.TextMessage, frame, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}
func (c *fakeWsConn) WriteMessage(int, []byte) error    { return nil }
func (c *fakeWsConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeWsConn) SetPongHandler(func(string) error) {}
func (c *fakeWsConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeWsDialer struct {
	mu    sync.Mutex
	dials int
	conns []*fakeWsConn
}

func (d *fakeWsDialer) Dial(context.Context, string) (feed.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	conn := &fakeWsConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeWsDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeWsDialer) lastConn() *fakeWsConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

// -----------------------------------------------------------------------------
// Harness
// -----------------------------------------------------------------------------

type harness struct {
	engine     *Engine
	dialer     *fakeWsDialer
	feeds      *feed.Manager
	reg        *registry.Registry
	store      *fakeStore
	tracker    *feed.Tracker
	historyNet *fakeHistoryNetwork
}

func pct(v float64) *float64 { return &v }

func newHarness(t *testing.T) *harness {
	log := logger.NewLogger("error", "test")
	mem := cache.NewMemoryCache(log)
	t.Cleanup(func() { mem.Close() })

	store := &fakeStore{preferred: map[string][]string{"u1": {"bitcoin"}}}
	eventBus := bus.NewBus()
	tracker := feed.NewTracker(eventBus, mem, store, log)
	throttler := dispatch.NewThrottler(10*time.Millisecond, func(u models.MTickerUpdate) {
		eventBus.Publish(bus.TopicTickerUpdate, u)
	})
	t.Cleanup(throttler.Stop)

	dialer := &fakeWsDialer{}
	feeds := feed.NewManager(models.MFeedConfig{
		WsURL:          "wss://stream.example.test",
		ReconnectMinMs: 1, ReconnectMaxMs: 2, ReconnectAttempts: 1,
	}, dialer, eventBus, log, throttler.Push, tracker.Handle)
	t.Cleanup(feeds.Shutdown)

	historyNet := &fakeHistoryNetwork{body: []byte(`[[1700000000000, "100", "110", "95", "105", "12.5", 1700003599999]]`)}
	history := feed.NewHistoryService(models.MHistoryConfig{
		PrimaryURL:         "https://primary.test/klines",
		FallbackURL:        "https://fallback.test/histoday",
		ProviderOrder:      []string{"exchange"},
		RaceTimeoutSeconds: 2,
		BarsTTLSeconds:     300,
		MaxLimit:           1000,
	}, historyNet, mem, log)

	source := &fakeCatalogSource{assets: []models.MAssetRecord{
		{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin", MarketCap: 1000, CurrentPrice: 64000, PriceChangePct24h: pct(2)},
		{ID: "ethereum", Symbol: "eth", Name: "Ethereum", MarketCap: 500, CurrentPrice: 3000, PriceChangePct24h: pct(-1)},
		{ID: "solana", Symbol: "sol", Name: "Solana", MarketCap: 200, CurrentPrice: 150, PriceChangePct24h: pct(3)},
	}}
	symbols := &fakeSymbols{set: map[string]bool{"BTCUSDT": true, "ETHUSDT": true, "SOLUSDT": true}}
	aggregator := catalog.NewAggregator(models.MCatalogConfig{
		ListLimit: 250, ListTTLSeconds: 900,
		RankingSize: 2, RankingTTLSeconds: 60,
		SecondarySize: 10,
	}, []interfaces.ICatalogSource{source}, symbols, mem, log)

	reg := registry.NewRegistry(log)
	eng := NewEngine(aggregator, history, feeds, tracker, eventBus, reg, store, log)

	return &harness{
		engine:     eng,
		dialer:     dialer,
		feeds:      feeds,
		reg:        reg,
		store:      store,
		tracker:    tracker,
		historyNet: historyNet,
	}
}

func miniTickerFrame(symbol string, price float64, volume float64) []byte {
	return []byte(fmt.Sprintf(`{
		"stream": "%s@miniTicker",
		"data": {"E": 1, "s": "%s", "c": "%f", "o": "1", "h": "1", "l": "1", "v": "%f", "q": "1"}
	}`, symbol, symbol, price, volume))
}

// -----------------------------------------------------------------------------

func TestRankingSnapshotComesFirstThenUpdates(t *testing.T) {
	h := newHarness(t)
	session := &fakeSession{id: "s1"}

	require.NoError(t, h.engine.SubscribeRanking(context.Background(), session, 2))

	first := session.first()
	assert.Equal(t, EventRankingSnapshot, first.Name)
	snapshot := first.Payload.(models.MAssetsSnapshot)
	require.Len(t, snapshot.Assets, 2)
	assert.Equal(t, "bitcoin", snapshot.Assets[0].ID)

	// A live frame flows feed -> throttler -> bus -> session
	h.dialer.lastConn().frames <- miniTickerFrame("btcusdt", 65000, 10)
	require.Eventually(t, func() bool {
		return session.count(EventRankingUpdate) >= 1
	}, time.Second, 5*time.Millisecond)
}

// -----------------------------------------------------------------------------

func TestTwoSessionsShareOneFeed(t *testing.T) {
	h := newHarness(t)
	s1 := &fakeSession{id: "s1"}
	s2 := &fakeSession{id: "s2"}
	ctx := context.Background()

	require.NoError(t, h.engine.SubscribeRanking(ctx, s1, 2))
	require.NoError(t, h.engine.SubscribeRanking(ctx, s2, 2))

	assert.Equal(t, 1, h.dialer.dialCount())
	assert.Equal(t, 1, h.feeds.ActiveFeeds())

	// Closing session 1 must not interrupt session 2
	h.engine.ReleaseSession("s1")
	assert.Equal(t, 1, h.feeds.ActiveFeeds())

	h.dialer.lastConn().frames <- miniTickerFrame("ethusdt", 3100, 20)
	require.Eventually(t, func() bool {
		return s2.count(EventRankingUpdate) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s1.count(EventRankingUpdate))

	h.engine.ReleaseSession("s2")
	assert.Equal(t, 0, h.feeds.ActiveFeeds())
}

// -----------------------------------------------------------------------------

func TestSymbolDetailSnapshotAndLiveCandles(t *testing.T) {
	h := newHarness(t)
	session := &fakeSession{id: "s1"}

	require.NoError(t, h.engine.SubscribeSymbolDetail(context.Background(), session, "bitcoin", "1h", 100))

	first := session.first()
	require.Equal(t, EventDetailSnapshot, first.Name)
	snapshot := first.Payload.(models.MDetailSnapshot)
	assert.Equal(t, "bitcoin", snapshot.Asset.ID)
	assert.Equal(t, "1h", snapshot.Interval)
	require.Len(t, snapshot.Bars, 1)
	assert.Equal(t, 105.0, snapshot.Bars[0].Close)

	// Forming candle tick
	h.dialer.lastConn().frames <- []byte(`{
		"stream": "btcusdt@kline_1h",
		"data": {"e":"kline","E":2,"s":"BTCUSDT","k":{"t":1,"T":2,"s":"BTCUSDT","i":"1h","o":"100","c":"101","h":"102","l":"99","v":"5","x":false}}
	}`)
	require.Eventually(t, func() bool {
		return session.count(EventTickUpdate) == 1
	}, time.Second, 5*time.Millisecond)

	// Final event closes the candle
	h.dialer.lastConn().frames <- []byte(`{
		"stream": "btcusdt@kline_1h",
		"data": {"e":"kline","E":3,"s":"BTCUSDT","k":{"t":1,"T":2,"s":"BTCUSDT","i":"1h","o":"100","c":"103","h":"104","l":"99","v":"8","x":true}}
	}`)
	require.Eventually(t, func() bool {
		return session.count(EventCandleClosed) == 1
	}, time.Second, 5*time.Millisecond)
}

// -----------------------------------------------------------------------------

func TestUnknownAssetYieldsErrorEventWithoutResources(t *testing.T) {
	h := newHarness(t)
	session := &fakeSession{id: "s1"}

	err := h.engine.SubscribeSymbolDetail(context.Background(), session, "no-such-asset", "1h", 10)
	require.NoError(t, err)

	first := session.first()
	require.Equal(t, EventError, first.Name)
	errEvent := first.Payload.(models.MErrorEvent)
	assert.False(t, errEvent.Retryable)

	assert.Equal(t, 0, h.feeds.ActiveFeeds())
	assert.Equal(t, 0, h.reg.TopicCount("s1"))
}

// -----------------------------------------------------------------------------

func TestInvalidCommandIsRejectedBeforeAllocation(t *testing.T) {
	h := newHarness(t)
	session := &fakeSession{id: "s1"}

	err := h.engine.HandleCommand(context.Background(), session, models.MSubscribeCommand{
		Action: "subscribe.symbolDetail", // missing assetId
	})
	require.Error(t, err)

	var invalid *helpers.InvalidRequestError
	assert.True(t, errors.As(err, &invalid))
	assert.Equal(t, 0, h.feeds.ActiveFeeds())
	assert.Equal(t, 0, h.reg.SessionCount())
}

// -----------------------------------------------------------------------------

func TestShortHistoryStreamsDeltasAfterSnapshot(t *testing.T) {
	h := newHarness(t)
	session := &fakeSession{id: "s1"}

	err := h.engine.HandleCommand(context.Background(), session, models.MSubscribeCommand{
		Action:  "subscribe.shortHistory",
		AssetID: "bitcoin",
		Hours:   24,
	})
	require.NoError(t, err)

	first := session.first()
	require.Equal(t, EventShortHistory, first.Name)
	snapshot := first.Payload.(models.MDetailSnapshot)
	assert.Equal(t, "1h", snapshot.Interval)
	require.Len(t, snapshot.Bars, 1)

	// The session now rides the live 1h kline stream
	assert.Equal(t, 1, h.feeds.ActiveFeeds())
	assert.Equal(t, 1, h.reg.TopicCount("s1"))

	h.dialer.lastConn().frames <- []byte(`{
		"stream": "btcusdt@kline_1h",
		"data": {"e":"kline","E":2,"s":"BTCUSDT","k":{"t":1,"T":2,"s":"BTCUSDT","i":"1h","o":"100","c":"101","h":"102","l":"99","v":"5","x":false}}
	}`)
	require.Eventually(t, func() bool {
		return session.count(EventTickUpdate) == 1
	}, time.Second, 5*time.Millisecond)

	h.dialer.lastConn().frames <- []byte(`{
		"stream": "btcusdt@kline_1h",
		"data": {"e":"kline","E":3,"s":"BTCUSDT","k":{"t":1,"T":2,"s":"BTCUSDT","i":"1h","o":"100","c":"103","h":"104","l":"99","v":"8","x":true}}
	}`)
	require.Eventually(t, func() bool {
		return session.count(EventCandleClosed) == 1
	}, time.Second, 5*time.Millisecond)

	h.engine.ReleaseSession("s1")
	assert.Equal(t, 0, h.feeds.ActiveFeeds())
}

// -----------------------------------------------------------------------------

func TestPreferencesResolveAndStream(t *testing.T) {
	h := newHarness(t)
	session := &fakeSession{id: "s1"}

	require.NoError(t, h.engine.SubscribePreferences(context.Background(), session, "u1"))

	first := session.first()
	require.Equal(t, EventPreferencesSnapshot, first.Name)
	snapshot := first.Payload.(models.MAssetsSnapshot)
	require.Len(t, snapshot.Assets, 1)
	assert.Equal(t, "bitcoin", snapshot.Assets[0].ID)
	assert.Equal(t, []string{"bitcoin"}, snapshot.PreferredSymbols)

	assert.Equal(t, 1, h.feeds.ActiveFeeds())
	h.engine.ReleaseSession("s1")
	assert.Equal(t, 0, h.feeds.ActiveFeeds())
}

// -----------------------------------------------------------------------------

func TestResubscribeReplacesView(t *testing.T) {
	h := newHarness(t)
	session := &fakeSession{id: "s1"}
	ctx := context.Background()

	require.NoError(t, h.engine.SubscribeRanking(ctx, session, 2))
	require.NoError(t, h.engine.SubscribeRanking(ctx, session, 2))

	// The replaced subscription released its feed reference
	assert.Equal(t, 1, h.feeds.ActiveFeeds())
	assert.Equal(t, 1, h.reg.TopicCount("s1"))

	h.engine.ReleaseSession("s1")
	assert.Equal(t, 0, h.feeds.ActiveFeeds())
}

// -----------------------------------------------------------------------------

func TestPreferenceDetailDefaultsToFirstPreferred(t *testing.T) {
	h := newHarness(t)
	session := &fakeSession{id: "s1"}

	err := h.engine.HandleCommand(context.Background(), session, models.MSubscribeCommand{
		Action: "subscribe.preferenceDetail",
		UserID: "u1",
	})
	require.NoError(t, err)

	first := session.first()
	require.Equal(t, EventDetailSnapshot, first.Name)
	snapshot := first.Payload.(models.MDetailSnapshot)
	assert.Equal(t, "bitcoin", snapshot.Asset.ID)
	assert.Equal(t, []string{"bitcoin"}, snapshot.PreferredSymbols)
	assert.Equal(t, 1, h.feeds.ActiveFeeds())
}

func TestPreferenceDetailWithoutPreferencesIsAnError(t *testing.T) {
	h := newHarness(t)
	session := &fakeSession{id: "s1"}

	err := h.engine.HandleCommand(context.Background(), session, models.MSubscribeCommand{
		Action: "subscribe.preferenceDetail",
		UserID: "nobody",
	})
	require.NoError(t, err)

	first := session.first()
	require.Equal(t, EventError, first.Name)
	assert.False(t, first.Payload.(models.MErrorEvent).Retryable)
	assert.Equal(t, 0, h.feeds.ActiveFeeds())
}

// -----------------------------------------------------------------------------

func TestSnapshotFallsBackToBufferedCandles(t *testing.T) {
	h := newHarness(t)
	session := &fakeSession{id: "s1"}

	// A closed candle the tracker has already seen
	h.tracker.Handle(feed.KlineEvent{
		TradeSymbol: "BTCUSDT", Interval: "1h",
		OpenTime: 1, CloseTime: 2,
		Open: 100, High: 125, Low: 99, Close: 120, Volume: 7,
		IsFinal: true,
	})

	// Every historical provider is down
	h.historyNet.body = nil

	require.NoError(t, h.engine.SubscribeSymbolDetail(context.Background(), session, "bitcoin", "1h", 50))

	snapshot := session.first().Payload.(models.MDetailSnapshot)
	require.Len(t, snapshot.Bars, 1)
	assert.Equal(t, 120.0, snapshot.Bars[0].Close)
}

func TestSnapshotFallsBackToStoredCandles(t *testing.T) {
	h := newHarness(t)
	session := &fakeSession{id: "s1"}

	h.historyNet.body = nil
	h.store.recent = []models.MCandle{{
		TradeSymbol: "ETHUSDT", Interval: "1h",
		Open: 3000, Close: 3050, OpenTime: 1, CloseTime: 2,
		State: models.CandleClosed,
	}}

	require.NoError(t, h.engine.SubscribeSymbolDetail(context.Background(), session, "ethereum", "1h", 50))

	snapshot := session.first().Payload.(models.MDetailSnapshot)
	require.Len(t, snapshot.Bars, 1)
	assert.Equal(t, 3050.0, snapshot.Bars[0].Close)
}
