package feed

import (
	"context"
	"math"
	"sync"
	"time"

	"coinstream/src/logger"

	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------

const (
	readWait  = 90 * time.Second
	pingEvery = 30 * time.Second
)

// Conn is the subset of a websocket connection the feed layer needs.
// Tests substitute fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a connection to the given stream URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// -----------------------------------------------------------------------------

// GorillaDialer is the production Dialer.
type GorillaDialer struct{}

func (GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// -----------------------------------------------------------------------------

type reconnectPolicy struct {
	min      time.Duration
	max      time.Duration
	attempts int // 0 = unlimited
}

func (p reconnectPolicy) delay(attempt int) time.Duration {
	d := time.Duration(float64(p.min) * math.Pow(2, float64(attempt)))
	if d > p.max {
		return p.max
	}
	return d
}

// -----------------------------------------------------------------------------

// feedConn runs the read loop for one upstream stream URL and keeps it
// alive: ping keepalives, read deadlines and exponential-backoff
// reconnects. onMessage gets every raw frame; onDown fires once when the
// connection is given up for good.
type feedConn struct {
	url       string
	dialer    Dialer
	logger    *logger.Logger
	policy    reconnectPolicy
	onMessage func(raw []byte)
	onDown    func(reason string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// -----------------------------------------------------------------------------

func newFeedConn(url string, dialer Dialer, policy reconnectPolicy, log *logger.Logger, onMessage func(raw []byte), onDown func(reason string)) *feedConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &feedConn{
		url:       url,
		dialer:    dialer,
		logger:    log,
		policy:    policy,
		onMessage: onMessage,
		onDown:    onDown,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// -----------------------------------------------------------------------------

// start dials the first connection synchronously so the caller learns
// about an unreachable upstream immediately, then runs the loop.
func (fc *feedConn) start() error {
	conn, err := fc.dialer.Dial(fc.ctx, fc.url)
	if err != nil {
		return err
	}

	fc.wg.Add(1)
	go fc.run(conn)
	return nil
}

func (fc *feedConn) run(conn Conn) {
	defer fc.wg.Done()

	for {
		reason := fc.consume(conn)
		if fc.ctx.Err() != nil {
			return
		}

		fc.logger.Warning("Feed %s dropped: %s. Reconnecting...", fc.url, reason)
		next, ok := fc.redial()
		if !ok {
			// A stop during the backoff is a deliberate close, not an
			// outage, and must not signal loss of feed.
			if fc.ctx.Err() == nil && fc.onDown != nil {
				fc.onDown(reason)
			}
			return
		}
		conn = next
		fc.logger.Info("Feed %s reconnected", fc.url)
	}
}

// consume reads frames until the connection dies, returning the reason.
func (fc *feedConn) consume(conn Conn) string {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)

	// Unblock the pending read when the feed is stopped.
	go func() {
		select {
		case <-fc.ctx.Done():
			conn.Close()
		case <-stopPing:
		}
	}()

	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-stopPing:
				return
			case <-fc.ctx.Done():
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err.Error()
		}
		fc.onMessage(raw)
	}
}

func (fc *feedConn) redial() (Conn, bool) {
	for attempt := 0; fc.policy.attempts == 0 || attempt < fc.policy.attempts; attempt++ {
		select {
		case <-time.After(fc.policy.delay(attempt)):
		case <-fc.ctx.Done():
			return nil, false
		}

		conn, err := fc.dialer.Dial(fc.ctx, fc.url)
		if err == nil {
			return conn, true
		}
		fc.logger.Warning("Reconnect attempt %d to %s failed: %v", attempt+1, fc.url, err)
	}
	return nil, false
}

// -----------------------------------------------------------------------------

// stop cancels the loop and waits for it to exit.
func (fc *feedConn) stop() {
	fc.cancel()
	fc.wg.Wait()
}
