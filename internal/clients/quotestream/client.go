// Package quotestream maintains the push connection to the real-time quote feed.
package quotestream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pulse/internal/domain"
)

// State of the feed connection
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
	StateFailed         State = "failed"
)

// ErrUnauthorized is recorded when the feed rejects the credential
var ErrUnauthorized = errors.New("stream rejected credentials")

// Source tags quotes that came from the feed
const Source = "stream"

// Options tune the connection lifecycle
type Options struct {
	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
	BaseDelay        time.Duration
	MaxAttempts      int
	LivenessInterval time.Duration
	// DefaultSymbol is subscribed when nothing else is, so the feed confirms the session
	DefaultSymbol string
}

// DefaultOptions returns the production settings
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   10 * time.Second,
		WriteTimeout:     10 * time.Second,
		BaseDelay:        time.Second,
		MaxAttempts:      5,
		LivenessInterval: 30 * time.Second,
		DefaultSymbol:    "AAPL",
	}
}

// StatusChange describes a state transition
type StatusChange struct {
	State    State
	Previous State
	Message  string
	Attempt  int
	// Fallback is set when the feed has been abandoned and polling should take over
	Fallback bool
}

// QuoteHandler receives quotes for one subscribed symbol
type QuoteHandler func(domain.Quote)

// BackoffDelay returns the wait before reconnect attempt n (1-based):
// base·2^(n−1) ± 25%, never below base. r must be in [0, 1).
func BackoffDelay(base time.Duration, attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	d := exp + exp*0.25*(2*r-1)
	if d < float64(base) {
		d = float64(base)
	}
	return time.Duration(d)
}

// Client is the single push connection of the process
type Client struct {
	url   string
	token string
	dial  Dialer
	opts  Options
	log   zerolog.Logger

	mu             sync.Mutex
	state          State
	lastErr        string
	attempt        int
	gen            uint64 // bumped whenever the current connection is abandoned
	conn           Conn
	connCtx        context.Context
	connCancel     context.CancelFunc
	authDone       chan struct{}
	authTimer      *time.Timer
	reconnectTimer *time.Timer
	subs           map[string]map[uint64]QuoteHandler
	sent           []string // symbol set last sent on the current connection
	nextSubID      uint64
	prices         map[string]float64

	listenerMu sync.RWMutex
	listener   func(StatusChange)

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New creates a disconnected client. dial may be nil to use the WebSocket dialer.
func New(streamURL, token string, dial Dialer, opts Options, log zerolog.Logger) *Client {
	if dial == nil {
		dial = WebsocketDialer()
	}
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = def.LivenessInterval
	}
	if opts.DefaultSymbol == "" {
		opts.DefaultSymbol = def.DefaultSymbol
	}

	return &Client{
		url:    streamURL,
		token:  token,
		dial:   dial,
		opts:   opts,
		log:    log.With().Str("component", "quote_stream").Logger(),
		state:  StateDisconnected,
		subs:   make(map[string]map[uint64]QuoteHandler),
		prices: make(map[string]float64),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnStatus registers the listener for state transitions
func (c *Client) OnStatus(fn func(StatusChange)) {
	c.listenerMu.Lock()
	c.listener = fn
	c.listenerMu.Unlock()
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether quotes are flowing
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// LastError returns the reason of the last failure or close
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Attempt returns the current reconnect attempt counter
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Subscribed returns the subscribed symbols, sorted
func (c *Client) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.symbolsLocked(false)
}

// LastPrice returns the last price seen on the feed for symbol
func (c *Client) LastPrice(symbol string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	return p, ok
}

func (c *Client) endpoint() string {
	if c.token == "" {
		return c.url
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) jitter() float64 {
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.rnd.Float64()
}

// Connect opens the feed and subscribes every current symbol. It returns true
// once the feed confirms the subscription. It is a no-op while already
// connected or connecting. Failures surface as state transitions only.
func (c *Client) Connect(ctx context.Context) bool {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return true
	case StateConnecting, StateAuthenticating:
		c.mu.Unlock()
		return false
	case StateDisconnected, StateFailed:
		c.attempt = 0
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.gen++
	gen := c.gen
	change := c.setStateLocked(StateConnecting, "")
	c.mu.Unlock()

	c.notify(change)
	return c.open(ctx, gen)
}

// open dials, sends the subscription and waits for confirmation
func (c *Client) open(ctx context.Context, gen uint64) bool {
	c.log.Info().Str("url", c.url).Msg("Connecting to quote stream")

	dialCtx, dialCancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	conn, err := c.dial(dialCtx, c.endpoint())
	dialCancel()
	if err != nil {
		c.log.Warn().Err(err).Msg("Quote stream dial failed")
		c.handleClose(gen, err)
		return false
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.conn = conn
	c.connCtx = connCtx
	c.connCancel = connCancel
	c.authDone = done
	c.authTimer = time.AfterFunc(c.opts.ConnectTimeout, func() { c.authTimeout(gen) })
	symbols := c.symbolsLocked(true)
	c.sent = symbols
	change := c.setStateLocked(StateAuthenticating, "")
	c.mu.Unlock()

	c.notify(change)
	go c.readLoop(connCtx, conn, gen)

	if err := c.sendSubscribe(connCtx, conn, symbols); err != nil {
		c.log.Warn().Err(err).Msg("Failed to send subscription")
		c.handleClose(gen, err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.state == StateConnected
}

func (c *Client) sendSubscribe(ctx context.Context, conn Conn, symbols []string) error {
	data, err := encodeSubscribe(c.token, symbols)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, data); err != nil {
		return fmt.Errorf("failed to send subscription message: %w", err)
	}

	c.log.Debug().Strs("symbols", symbols).Msg("Subscription sent")
	return nil
}

// readLoop continuously reads messages until the connection closes
func (c *Client) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Debug().Msg("Read loop cancelled")
				return
			}
			c.handleClose(gen, err)
			return
		}
		c.handleMessage(gen, data)
	}
}

func (c *Client) handleMessage(gen uint64, data []byte) {
	msg, err := decodeInbound(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("Ignoring malformed stream message")
		return
	}

	switch msg.Type {
	case msgSubscribed, msgPing:
		c.confirm(gen)
	case msgTrade:
		c.confirm(gen)
		for _, t := range msg.Data {
			c.handleTrade(gen, t)
		}
	case msgError:
		c.handleFeedError(gen, msg.Msg)
	default:
		c.log.Debug().Str("type", msg.Type).Msg("Ignoring stream message")
	}
}

// confirm completes authentication; the feed accepted the subscription
func (c *Client) confirm(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateAuthenticating {
		c.mu.Unlock()
		return
	}
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.attempt = 0
	c.lastErr = ""
	change := c.setStateLocked(StateConnected, "")
	done := c.takeAuthDoneLocked()
	ctx, conn := c.connCtx, c.conn
	// Symbols added while authenticating were not part of the first subscription
	var resend []string
	if current := c.symbolsLocked(true); !sameSymbols(current, c.sent) {
		resend = current
		c.sent = current
	}
	c.mu.Unlock()

	c.log.Info().Msg("Quote stream connected")
	c.notify(change)
	if resend != nil {
		if err := c.sendSubscribe(ctx, conn, resend); err != nil {
			c.log.Warn().Err(err).Msg("Failed to resend subscription")
		}
	}
	release(done)
	go c.liveness(ctx, conn, gen)
}

func (c *Client) handleFeedError(gen uint64, text string) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.state != StateAuthenticating && !isAuthError(text) {
		c.mu.Unlock()
		c.log.Warn().Str("msg", text).Msg("Quote stream reported an error")
		return
	}
	change := c.failLocked(fmt.Sprintf("%v: %s", ErrUnauthorized, text))
	conn := c.takeConnLocked()
	done := c.takeAuthDoneLocked()
	c.mu.Unlock()

	closeConn(conn)
	c.notify(change)
	release(done)
}

func (c *Client) handleTrade(gen uint64, t trade) {
	if t.Symbol == "" || t.Price <= 0 {
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	handlers := c.subs[t.Symbol]
	prev, known := c.prices[t.Symbol]
	if !known {
		prev = t.Price
	}
	if len(handlers) > 0 {
		c.prices[t.Symbol] = t.Price
	}
	ids := make([]uint64, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	callbacks := make([]QuoteHandler, 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, handlers[id])
	}
	c.mu.Unlock()

	change := t.Price - prev
	pct := 0.0
	if prev != 0 {
		pct = change / prev * 100
	}

	quote := domain.Quote{
		Symbol:        t.Symbol,
		Price:         t.Price,
		Change:        change,
		ChangePercent: pct,
		Volume:        t.Volume,
		Timestamp:     t.time(),
		IsFresh:       true,
		Source:        Source,
	}

	for _, cb := range callbacks {
		c.deliver(cb, quote)
	}
}

func (c *Client) deliver(cb QuoteHandler, q domain.Quote) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("symbol", q.Symbol).Msg("Quote handler failed")
		}
	}()
	cb(q)
}

// handleClose runs the reconnect path for an unexpected close of connection gen
func (c *Client) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case StateConnecting, StateAuthenticating, StateConnected:
	default:
		c.mu.Unlock()
		return
	}

	c.teardownLocked()
	conn := c.takeConnLocked()
	if cause != nil {
		c.lastErr = cause.Error()
	}
	change := c.scheduleReconnectLocked()
	done := c.takeAuthDoneLocked()
	c.mu.Unlock()

	closeConn(conn)
	c.notify(change)
	release(done)
}

// scheduleReconnectLocked arms the next attempt or fails once attempts are exhausted
func (c *Client) scheduleReconnectLocked() StatusChange {
	c.attempt++
	if c.attempt > c.opts.MaxAttempts {
		return c.failLocked(fmt.Sprintf("gave up after %d reconnect attempts", c.opts.MaxAttempts))
	}

	c.gen++
	gen := c.gen
	delay := BackoffDelay(c.opts.BaseDelay, c.attempt, c.jitter())
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(gen) })

	c.log.Info().
		Int("attempt", c.attempt).
		Dur("delay", delay).
		Msg("Scheduling quote stream reconnect")

	change := c.setStateLocked(StateReconnecting, c.lastErr)
	return change
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	change := c.setStateLocked(StateConnecting, "")
	c.mu.Unlock()

	c.notify(change)
	c.open(context.Background(), gen)
}

func (c *Client) authTimeout(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateAuthenticating {
		c.mu.Unlock()
		return
	}
	change := c.failLocked(fmt.Sprintf("subscription not confirmed within %s", c.opts.ConnectTimeout))
	conn := c.takeConnLocked()
	done := c.takeAuthDoneLocked()
	c.mu.Unlock()

	closeConn(conn)
	c.notify(change)
	release(done)
}

// liveness pings the transport and takes the reconnect path when it is gone
func (c *Client) liveness(ctx context.Context, conn Conn, gen uint64) {
	if ctx == nil || conn == nil {
		return
	}
	ticker := time.NewTicker(c.opts.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn().Err(err).Msg("Quote stream liveness check failed")
				c.handleClose(gen, fmt.Errorf("liveness check failed: %w", err))
				return
			}
		}
	}
}

// failLocked abandons the feed: subscriptions and prices are dropped and
// polling is expected to take over.
func (c *Client) failLocked(reason string) StatusChange {
	c.gen++
	c.teardownLocked()
	c.lastErr = reason
	c.subs = make(map[string]map[uint64]QuoteHandler)
	c.prices = make(map[string]float64)

	c.log.Error().Str("reason", reason).Msg("Quote stream failed")

	change := c.setStateLocked(StateFailed, reason)
	change.Fallback = true
	return change
}

// Disconnect closes the feed and clears subscriptions and prices. Always ends disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.teardownLocked()
	conn := c.takeConnLocked()
	c.subs = make(map[string]map[uint64]QuoteHandler)
	c.prices = make(map[string]float64)
	c.attempt = 0
	var change StatusChange
	if c.state != StateDisconnected {
		change = c.setStateLocked(StateDisconnected, "")
	}
	done := c.takeAuthDoneLocked()
	c.mu.Unlock()

	closeConn(conn)
	c.notify(change)
	release(done)
}

// Subscribe adds symbol to the feed. While connected the full symbol set is
// resent. The returned function removes this handler; removing the last
// handler of a symbol drops it from the set without a resend.
func (c *Client) Subscribe(symbol string, handler QuoteHandler) func() {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	set, existed := c.subs[symbol]
	if !existed {
		set = make(map[uint64]QuoteHandler)
		c.subs[symbol] = set
	}
	set[id] = handler

	var conn Conn
	var ctx context.Context
	var symbols []string
	if !existed && c.state == StateConnected {
		conn, ctx = c.conn, c.connCtx
		symbols = c.symbolsLocked(true)
		c.sent = symbols
	}
	c.mu.Unlock()

	if conn != nil {
		if err := c.sendSubscribe(ctx, conn, symbols); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to resend subscription")
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			set, ok := c.subs[symbol]
			if !ok {
				return
			}
			delete(set, id)
			if len(set) == 0 {
				delete(c.subs, symbol)
				delete(c.prices, symbol)
			}
		})
	}
}

// symbolsLocked lists subscribed symbols; withDefault substitutes the default symbol for an empty set
func (c *Client) symbolsLocked(withDefault bool) []string {
	symbols := make([]string, 0, len(c.subs))
	for s := range c.subs {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	if withDefault && len(symbols) == 0 {
		symbols = []string{c.opts.DefaultSymbol}
	}
	return symbols
}

func sameSymbols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// teardownLocked cancels everything tied to the current connection
func (c *Client) teardownLocked() {
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.connCtx = nil
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// takeAuthDoneLocked detaches the channel a pending Connect waits on; the
// caller releases it after listeners have seen the transition.
func (c *Client) takeAuthDoneLocked() chan struct{} {
	done := c.authDone
	c.authDone = nil
	return done
}

func release(done chan struct{}) {
	if done != nil {
		close(done)
	}
}

func (c *Client) takeConnLocked() Conn {
	conn := c.conn
	c.conn = nil
	return conn
}

func (c *Client) setStateLocked(s State, msg string) StatusChange {
	prev := c.state
	c.state = s
	return StatusChange{State: s, Previous: prev, Message: msg, Attempt: c.attempt}
}

func (c *Client) notify(change StatusChange) {
	if change.State == "" {
		return
	}

	c.log.Debug().
		Str("state", string(change.State)).
		Str("previous", string(change.Previous)).
		Int("attempt", change.Attempt).
		Msg("Quote stream state changed")

	c.listenerMu.RLock()
	fn := c.listener
	c.listenerMu.RUnlock()
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("Status listener failed")
		}
	}()
	fn(change)
}

func closeConn(conn Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
