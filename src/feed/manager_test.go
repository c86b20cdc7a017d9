package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coinstream/src/bus"
	"coinstream/src/logger"
	"coinstream/src/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.frames:
		return websocket.TextMessage, frame, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(int, []byte) error    { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}
func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	maxDials int // fail after this many successful dials, 0 = unlimited
	conns    []*fakeConn
	urls     []string
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.maxDials > 0 && d.dials >= d.maxDials {
		return nil, errors.New("dial refused")
	}
	d.dials++
	d.urls = append(d.urls, url)
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

// -----------------------------------------------------------------------------

func feedConfig() models.MFeedConfig {
	return models.MFeedConfig{
		WsURL:             "wss://stream.example.test",
		ThrottleWindowMs:  200,
		ReconnectMinMs:    1,
		ReconnectMaxMs:    5,
		ReconnectAttempts: 1,
	}
}

type sinkRecorder struct {
	mu      sync.Mutex
	tickers []models.MTickerUpdate
	klines  []KlineEvent
}

func (r *sinkRecorder) onTicker(u models.MTickerUpdate) {
	r.mu.Lock()
	r.tickers = append(r.tickers, u)
	r.mu.Unlock()
}

func (r *sinkRecorder) onKline(e KlineEvent) {
	r.mu.Lock()
	r.klines = append(r.klines, e)
	r.mu.Unlock()
}

func (r *sinkRecorder) tickerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tickers)
}

func newTestManager(dialer *fakeDialer) (*Manager, *bus.Bus, *sinkRecorder) {
	eventBus := bus.NewBus()
	rec := &sinkRecorder{}
	m := NewManager(feedConfig(), dialer, eventBus, logger.NewLogger("error", "test"), rec.onTicker, rec.onKline)
	return m, eventBus, rec
}

// -----------------------------------------------------------------------------

func TestSameSignatureSharesOneConnection(t *testing.T) {
	dialer := &fakeDialer{}
	m, _, _ := newTestManager(dialer)
	defer m.Shutdown()

	ctx := context.Background()
	release1, err := m.OpenTickerFeed(ctx, []string{"BTCUSDT", "ETHUSDT"})
	require.NoError(t, err)
	// Same set, different order: same signature
	release2, err := m.OpenTickerFeed(ctx, []string{"ETHUSDT", "BTCUSDT"})
	require.NoError(t, err)

	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, 1, m.ActiveFeeds())
	assert.Equal(t, 2, m.Refs("ticker:btcusdt@miniTicker/ethusdt@miniTicker"))

	release1()
	assert.Equal(t, 1, m.ActiveFeeds())

	release2()
	assert.Equal(t, 0, m.ActiveFeeds())
}

// -----------------------------------------------------------------------------

func TestReleaseIsIdempotentPerHandle(t *testing.T) {
	dialer := &fakeDialer{}
	m, _, _ := newTestManager(dialer)
	defer m.Shutdown()

	ctx := context.Background()
	release1, err := m.OpenTickerFeed(ctx, []string{"BTCUSDT"})
	require.NoError(t, err)
	release2, err := m.OpenTickerFeed(ctx, []string{"BTCUSDT"})
	require.NoError(t, err)

	// Double release of one handle must not steal the other's reference
	release1()
	release1()
	assert.Equal(t, 1, m.ActiveFeeds())

	release2()
	assert.Equal(t, 0, m.ActiveFeeds())
}

// -----------------------------------------------------------------------------

func TestDifferentSignaturesUseSeparateConnections(t *testing.T) {
	dialer := &fakeDialer{}
	m, _, _ := newTestManager(dialer)
	defer m.Shutdown()

	ctx := context.Background()
	_, err := m.OpenTickerFeed(ctx, []string{"BTCUSDT"})
	require.NoError(t, err)
	_, err = m.OpenCandleFeed(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)

	assert.Equal(t, 2, dialer.dialCount())
	assert.Equal(t, 2, m.ActiveFeeds())
}

// -----------------------------------------------------------------------------

func TestFramesAreRoutedToSinks(t *testing.T) {
	dialer := &fakeDialer{}
	m, _, rec := newTestManager(dialer)
	defer m.Shutdown()

	_, err := m.OpenTickerFeed(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)

	dialer.lastConn().frames <- []byte(`{
		"stream": "btcusdt@miniTicker",
		"data": {"E": 1, "s": "BTCUSDT", "c": "100", "o": "99", "h": "101", "l": "98", "v": "5", "q": "500"}
	}`)
	// Malformed frame is dropped without killing the stream
	dialer.lastConn().frames <- []byte(`garbage`)
	dialer.lastConn().frames <- []byte(`{
		"stream": "btcusdt@miniTicker",
		"data": {"E": 2, "s": "BTCUSDT", "c": "101", "o": "99", "h": "101", "l": "98", "v": "6", "q": "600"}
	}`)

	require.Eventually(t, func() bool { return rec.tickerCount() == 2 }, time.Second, 5*time.Millisecond)
}

// -----------------------------------------------------------------------------

func TestExhaustedReconnectsPublishFeedDisconnected(t *testing.T) {
	dialer := &fakeDialer{maxDials: 1}
	m, eventBus, _ := newTestManager(dialer)
	defer m.Shutdown()

	down := make(chan models.MFeedDisconnected, 1)
	eventBus.Subscribe(bus.TopicFeedDisconnected, func(p interface{}) {
		down <- p.(models.MFeedDisconnected)
	})

	_, err := m.OpenTickerFeed(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)

	// Kill the live connection; the single allowed redial is refused
	dialer.lastConn().Close()

	select {
	case event := <-down:
		assert.Equal(t, "ticker:btcusdt@miniTicker", event.FeedKey)
		assert.NotEmpty(t, event.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a feed disconnected event")
	}
	assert.Equal(t, 0, m.ActiveFeeds())
}

// -----------------------------------------------------------------------------

func TestLastTickerReleaseFiresForgetHook(t *testing.T) {
	dialer := &fakeDialer{}
	m, _, _ := newTestManager(dialer)
	defer m.Shutdown()

	var mu sync.Mutex
	var forgotten []string
	m.OnTickerFeedClosed(func(sym string) {
		mu.Lock()
		forgotten = append(forgotten, sym)
		mu.Unlock()
	})

	release1, err := m.OpenTickerFeed(context.Background(), []string{"btcusdt", "ethusdt"})
	require.NoError(t, err)
	release2, err := m.OpenTickerFeed(context.Background(), []string{"BTCUSDT", "ETHUSDT"})
	require.NoError(t, err)

	// Still one holder left
	release1()
	mu.Lock()
	assert.Empty(t, forgotten)
	mu.Unlock()

	release2()
	mu.Lock()
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, forgotten)
	mu.Unlock()

	// Kline feeds carry no per-pair throttler state
	releaseKline, err := m.OpenCandleFeed(context.Background(), "BTCUSDT", "1h")
	require.NoError(t, err)
	releaseKline()
	mu.Lock()
	assert.Len(t, forgotten, 2)
	mu.Unlock()
}

// -----------------------------------------------------------------------------

func TestReleaseDuringReconnectBackoffStaysQuiet(t *testing.T) {
	dialer := &fakeDialer{maxDials: 1}
	cfg := feedConfig()
	cfg.ReconnectMinMs = 200
	cfg.ReconnectMaxMs = 400
	cfg.ReconnectAttempts = 0

	eventBus := bus.NewBus()
	rec := &sinkRecorder{}
	m := NewManager(cfg, dialer, eventBus, logger.NewLogger("error", "test"), rec.onTicker, rec.onKline)
	defer m.Shutdown()

	down := make(chan models.MFeedDisconnected, 1)
	eventBus.Subscribe(bus.TopicFeedDisconnected, func(p interface{}) {
		down <- p.(models.MFeedDisconnected)
	})

	release, err := m.OpenTickerFeed(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)

	// Drop the socket so the connection enters its reconnect backoff,
	// then release the last holder while it waits.
	dialer.lastConn().Close()
	time.Sleep(20 * time.Millisecond)
	release()

	select {
	case <-down:
		t.Fatal("a deliberate close must not look like an outage")
	case <-time.After(500 * time.Millisecond):
	}
	assert.Equal(t, 0, m.ActiveFeeds())
}
