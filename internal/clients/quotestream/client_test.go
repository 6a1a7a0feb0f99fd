package quotestream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/aristath/pulse/internal/domain"
)

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	onWrite   func(f *fakeConn, data []byte)

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn(onWrite func(f *fakeConn, data []byte)) *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 32),
		closed:  make(chan struct{}),
		onWrite: onWrite,
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case d := <-f.in:
		return d, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	f.mu.Lock()
	f.writes = append(f.writes, data)
	f.mu.Unlock()
	if f.onWrite != nil {
		f.onWrite(f, data)
	}
	return nil
}

func (f *fakeConn) Ping(context.Context) error { return nil }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(msg string) { f.in <- []byte(msg) }

func (f *fakeConn) subscriptions(t *testing.T) []subscribeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []subscribeMessage
	for _, w := range f.writes {
		var m subscribeMessage
		require.NoError(t, json.Unmarshal(w, &m))
		out = append(out, m)
	}
	return out
}

func confirmOnSubscribe(f *fakeConn, _ []byte) { f.push(`{"type":"subscribed"}`) }

type fakeDialer struct {
	mu    sync.Mutex
	calls int
	urls  []string
	next  func(n int) (Conn, error)
}

func (d *fakeDialer) dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	return d.next(n)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type statusRecorder struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (r *statusRecorder) record(c StatusChange) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *statusRecorder) all() []StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusChange(nil), r.changes...)
}

func testOptions() Options {
	return Options{
		ConnectTimeout:   time.Second,
		WriteTimeout:     time.Second,
		BaseDelay:        time.Millisecond,
		MaxAttempts:      5,
		LivenessInterval: time.Hour,
		DefaultSymbol:    "AAPL",
	}
}

func newTestClient(d *fakeDialer, opts Options) (*Client, *statusRecorder) {
	c := New("wss://feed.example/ws", "secret", d.dial, opts, zerolog.Nop())
	rec := &statusRecorder{}
	c.OnStatus(rec.record)
	return c, rec
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second

	assert.Equal(t, base, BackoffDelay(base, 1, 0), "never below base")
	assert.Equal(t, base, BackoffDelay(base, 1, 0.5))
	assert.Equal(t, 1250*time.Millisecond, BackoffDelay(base, 1, 1))

	assert.Equal(t, 4*time.Second, BackoffDelay(base, 3, 0.5))
	assert.Equal(t, 3*time.Second, BackoffDelay(base, 3, 0))
	assert.Equal(t, 5*time.Second, BackoffDelay(base, 3, 1))

	for attempt := 1; attempt <= 5; attempt++ {
		exp := float64(base) * float64(int(1)<<(attempt-1))
		for _, r := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
			d := BackoffDelay(base, attempt, r)
			assert.GreaterOrEqual(t, d, base)
			assert.LessOrEqual(t, float64(d), exp*1.25)
			assert.GreaterOrEqual(t, float64(d), exp*0.75)
		}
	}
}

func TestConnect_ConfirmsOnSubscribed(t *testing.T) {
	conn := newFakeConn(confirmOnSubscribe)
	d := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	c, rec := newTestClient(d, testOptions())
	defer c.Disconnect()

	assert.True(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 0, c.Attempt())

	subs := conn.subscriptions(t)
	require.Len(t, subs, 1)
	assert.Equal(t, "subscribe", subs[0].Type)
	assert.Equal(t, "secret", subs[0].Token)
	assert.Equal(t, []string{"AAPL"}, subs[0].Symbols, "default symbol when nothing is subscribed")
	assert.Contains(t, d.urls[0], "token=secret")

	var states []State
	for _, ch := range rec.all() {
		states = append(states, ch.State)
	}
	assert.Equal(t, []State{StateConnecting, StateAuthenticating, StateConnected}, states)
}

func TestConnect_NoopWhenConnected(t *testing.T) {
	conn := newFakeConn(confirmOnSubscribe)
	d := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	c, _ := newTestClient(d, testOptions())
	defer c.Disconnect()

	require.True(t, c.Connect(context.Background()))
	assert.True(t, c.Connect(context.Background()))
	assert.Equal(t, 1, d.count())
}

func TestConnect_ImplicitConfirmOnTrade(t *testing.T) {
	conn := newFakeConn(func(f *fakeConn, _ []byte) {
		f.push(`{"type":"trade","data":[{"s":"AAPL","p":190.5,"t":1700000000000,"v":10}]}`)
	})
	d := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	c, _ := newTestClient(d, testOptions())
	defer c.Disconnect()

	assert.True(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
}

func TestConnect_AuthErrorFails(t *testing.T) {
	conn := newFakeConn(func(f *fakeConn, _ []byte) {
		f.push(`{"type":"error","msg":"Invalid API key"}`)
	})
	d := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	c, rec := newTestClient(d, testOptions())
	defer c.Disconnect()

	assert.False(t, c.Connect(context.Background()))
	assert.Equal(t, StateFailed, c.State())
	assert.Contains(t, c.LastError(), ErrUnauthorized.Error())

	changes := rec.all()
	require.NotEmpty(t, changes)
	last := changes[len(changes)-1]
	assert.Equal(t, StateFailed, last.State)
	assert.True(t, last.Fallback)
	assert.Equal(t, 1, d.count(), "rejected credentials are not retried")
}

func TestConnect_AuthTimeoutFails(t *testing.T) {
	conn := newFakeConn(nil)
	d := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	opts := testOptions()
	opts.ConnectTimeout = 50 * time.Millisecond
	c, _ := newTestClient(d, opts)
	defer c.Disconnect()

	assert.False(t, c.Connect(context.Background()))
	assert.Equal(t, StateFailed, c.State())
	assert.Contains(t, c.LastError(), "not confirmed")
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	first := newFakeConn(confirmOnSubscribe)
	d := &fakeDialer{next: func(n int) (Conn, error) {
		if n == 1 {
			return first, nil
		}
		return nil, errors.New("connection refused")
	}}
	c, rec := newTestClient(d, testOptions())
	defer c.Disconnect()

	c.Subscribe("MSFT", func(domain.Quote) {})
	require.True(t, c.Connect(context.Background()))
	first.push(`{"type":"trade","data":[{"s":"MSFT","p":400}]}`)
	require.Eventually(t, func() bool {
		_, ok := c.LastPrice("MSFT")
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, first.Close())

	require.Eventually(t, func() bool { return c.State() == StateFailed }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 6, d.count(), "initial dial plus five reconnect attempts")
	assert.Empty(t, c.Subscribed())
	_, ok := c.LastPrice("MSFT")
	assert.False(t, ok)

	var attempts []int
	var fallback bool
	for _, ch := range rec.all() {
		if ch.State == StateReconnecting {
			attempts = append(attempts, ch.Attempt)
		}
		if ch.State == StateFailed {
			fallback = ch.Fallback
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, attempts)
	assert.True(t, fallback)
}

func TestReconnect_ResetsAttemptsOnConfirm(t *testing.T) {
	first := newFakeConn(confirmOnSubscribe)
	second := newFakeConn(confirmOnSubscribe)
	d := &fakeDialer{next: func(n int) (Conn, error) {
		switch n {
		case 1:
			return first, nil
		case 2:
			return nil, errors.New("connection refused")
		default:
			return second, nil
		}
	}}
	c, _ := newTestClient(d, testOptions())
	defer c.Disconnect()

	c.Subscribe("NVDA", func(domain.Quote) {})
	require.True(t, c.Connect(context.Background()))
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		return d.count() == 3 && c.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Attempt())

	subs := second.subscriptions(t)
	require.Len(t, subs, 1)
	assert.Equal(t, []string{"NVDA"}, subs[0].Symbols, "subscriptions survive a reconnect")
}

func TestQuotes_ComputeChangeFromPreviousPrint(t *testing.T) {
	conn := newFakeConn(confirmOnSubscribe)
	d := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	c, _ := newTestClient(d, testOptions())
	defer c.Disconnect()

	got := make(chan domain.Quote, 4)
	c.Subscribe("AAPL", func(q domain.Quote) { got <- q })
	require.True(t, c.Connect(context.Background()))

	conn.push(`{"type":"trade","data":[{"s":"AAPL","p":100,"t":1700000000000,"v":5},{"s":"GOOGL","p":140}]}`)
	conn.push(`{"type":"trade","data":[{"s":"AAPL","p":110,"t":1700000001000,"v":7}]}`)

	q1 := <-got
	assert.Equal(t, 100.0, q1.Price)
	assert.Equal(t, 0.0, q1.Change)
	assert.Equal(t, 0.0, q1.ChangePercent)
	assert.True(t, q1.IsFresh)
	assert.Equal(t, Source, q1.Source)
	assert.Equal(t, time.UnixMilli(1700000000000), q1.Timestamp)

	q2 := <-got
	assert.Equal(t, 110.0, q2.Price)
	assert.InDelta(t, 10.0, q2.Change, 1e-9)
	assert.InDelta(t, 10.0, q2.ChangePercent, 1e-9)
	assert.Equal(t, 7.0, q2.Volume)

	_, ok := c.LastPrice("GOOGL")
	assert.False(t, ok, "prices are only kept for subscribed symbols")
}

func TestQuotes_HandlerPanicDoesNotStopOthers(t *testing.T) {
	conn := newFakeConn(confirmOnSubscribe)
	d := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	c, _ := newTestClient(d, testOptions())
	defer c.Disconnect()

	got := make(chan float64, 1)
	c.Subscribe("AAPL", func(domain.Quote) { panic("boom") })
	c.Subscribe("AAPL", func(q domain.Quote) { got <- q.Price })
	require.True(t, c.Connect(context.Background()))

	conn.push(`{"type":"trade","data":[{"s":"AAPL","p":101}]}`)
	select {
	case p := <-got:
		assert.Equal(t, 101.0, p)
	case <-time.After(time.Second):
		t.Fatal("second handler not called")
	}
}

func TestSubscribe_ResendsFullSetWhenConnected(t *testing.T) {
	conn := newFakeConn(confirmOnSubscribe)
	d := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	c, _ := newTestClient(d, testOptions())
	defer c.Disconnect()

	c.Subscribe("AAPL", func(domain.Quote) {})
	require.True(t, c.Connect(context.Background()))

	unsub := c.Subscribe("MSFT", func(domain.Quote) {})
	c.Subscribe("MSFT", func(domain.Quote) {})

	subs := conn.subscriptions(t)
	require.Len(t, subs, 2, "a second handler for a known symbol sends nothing")
	assert.Equal(t, []string{"AAPL", "MSFT"}, subs[1].Symbols)

	unsub()
	assert.Equal(t, []string{"AAPL", "MSFT"}, c.Subscribed(), "other handler still holds MSFT")
}

func TestSubscribe_DuringAuthenticationIsSentOnConfirm(t *testing.T) {
	conn := newFakeConn(nil)
	d := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	c, _ := newTestClient(d, testOptions())
	defer c.Disconnect()

	c.Subscribe("AAPL", func(domain.Quote) {})
	connected := make(chan bool, 1)
	go func() { connected <- c.Connect(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.State() == StateAuthenticating && len(conn.subscriptions(t)) == 1
	}, time.Second, time.Millisecond)

	c.Subscribe("MSFT", func(domain.Quote) {})
	require.Len(t, conn.subscriptions(t), 1, "nothing is sent before the feed confirms")

	conn.push(`{"type":"subscribed"}`)
	require.True(t, <-connected)

	subs := conn.subscriptions(t)
	require.Len(t, subs, 2)
	assert.Equal(t, []string{"AAPL"}, subs[0].Symbols)
	assert.Equal(t, []string{"AAPL", "MSFT"}, subs[1].Symbols)
}

func TestConfirm_NoResendWhenSymbolsUnchanged(t *testing.T) {
	conn := newFakeConn(confirmOnSubscribe)
	d := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	c, _ := newTestClient(d, testOptions())
	defer c.Disconnect()

	c.Subscribe("AAPL", func(domain.Quote) {})
	require.True(t, c.Connect(context.Background()))
	assert.Len(t, conn.subscriptions(t), 1)
}

func TestUnsubscribe_LastHandlerDropsSymbol(t *testing.T) {
	conn := newFakeConn(confirmOnSubscribe)
	d := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	c, _ := newTestClient(d, testOptions())
	defer c.Disconnect()

	unsub := c.Subscribe("AAPL", func(domain.Quote) {})
	require.True(t, c.Connect(context.Background()))
	conn.push(`{"type":"trade","data":[{"s":"AAPL","p":100}]}`)
	require.Eventually(t, func() bool {
		_, ok := c.LastPrice("AAPL")
		return ok
	}, time.Second, 5*time.Millisecond)

	unsub()
	unsub()
	assert.Empty(t, c.Subscribed())
	_, ok := c.LastPrice("AAPL")
	assert.False(t, ok)
	assert.Len(t, conn.subscriptions(t), 1, "unsubscribe does not resend")
}

func TestDisconnect_ClearsState(t *testing.T) {
	conn := newFakeConn(confirmOnSubscribe)
	d := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	c, rec := newTestClient(d, testOptions())

	c.Subscribe("AAPL", func(domain.Quote) {})
	require.True(t, c.Connect(context.Background()))

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, c.Subscribed())
	assert.Equal(t, 0, c.Attempt())

	// Closing our own connection must not trigger a reconnect
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, StateDisconnected, c.State())

	changes := rec.all()
	assert.Equal(t, StateDisconnected, changes[len(changes)-1].State)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnect_AgainstWebsocketServer(t *testing.T) {
	tokens := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var sub subscribeMessage
		if json.Unmarshal(data, &sub) != nil || sub.Type != "subscribe" {
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribed"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"trade","data":[{"s":"AAPL","p":189.25,"v":3}]}`))

		// Hold the connection until the client goes away
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(wsURL, "live-token", nil, testOptions(), zerolog.Nop())
	defer c.Disconnect()

	got := make(chan domain.Quote, 1)
	c.Subscribe("AAPL", func(q domain.Quote) { got <- q })

	require.True(t, c.Connect(context.Background()))
	assert.Equal(t, "live-token", <-tokens)

	select {
	case q := <-got:
		assert.Equal(t, "AAPL", q.Symbol)
		assert.Equal(t, 189.25, q.Price)
	case <-time.After(2 * time.Second):
		t.Fatal("no quote received")
	}
}
