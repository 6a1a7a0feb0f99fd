package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/pulse/internal/cache"
	"github.com/aristath/pulse/internal/clients/quotestream"
	"github.com/aristath/pulse/internal/domain"
	"github.com/aristath/pulse/internal/events"
	"github.com/aristath/pulse/internal/health"
	"github.com/aristath/pulse/internal/modules/alerts"
	"github.com/aristath/pulse/internal/modules/settings"
	"github.com/aristath/pulse/internal/scheduler"
	testingpkg "github.com/aristath/pulse/internal/testing"
)

type fakeQuotes struct {
	mu     sync.Mutex
	prices map[string]float64
	fresh  bool
	err    error
	gate   chan struct{} // when set, fetches block until it is closed
	calls  int32

	deadline    time.Time
	hasDeadline bool
}

func (f *fakeQuotes) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *fakeQuotes) FetchLivePrices(ctx context.Context, symbols []string) ([]domain.Quote, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.deadline, f.hasDeadline = ctx.Deadline()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Quote
	for _, s := range symbols {
		p, ok := f.prices[s]
		if !ok {
			continue
		}
		out = append(out, domain.Quote{Symbol: s, Price: p, Timestamp: time.Now(), IsFresh: f.fresh, Source: "test"})
	}
	return out, nil
}

type fakeNews struct {
	mu    sync.Mutex
	items []domain.NewsItem
	err   error
}

func (f *fakeNews) FetchNews(context.Context) (domain.NewsBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.NewsBatch{}, f.err
	}
	return domain.NewsBatch{Articles: append([]domain.NewsItem(nil), f.items...), Source: "test"}, nil
}

type fakeSentiment struct {
	calls int32
	seen  []string
	mu    sync.Mutex
	err   error
}

func (f *fakeSentiment) Analyze(_ context.Context, items []domain.NewsItem) (map[string]domain.SentimentLabel, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]domain.SentimentLabel, len(items))
	for _, it := range items {
		f.seen = append(f.seen, it.ID)
		out[it.ID] = domain.SentimentPositive
	}
	return out, nil
}

type fakeRecommender struct {
	calls     int32
	gate      chan struct{}
	err       error
	threshold float64
	mu        sync.Mutex

	deadline    time.Time
	hasDeadline bool
}

func (f *fakeRecommender) GenerateRecommendation(ctx context.Context, symbol string, threshold float64, onPhase func(phase, message string)) (*domain.Recommendation, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.threshold = threshold
	f.deadline, f.hasDeadline = ctx.Deadline()
	f.mu.Unlock()

	if onPhase != nil {
		onPhase("gathering", "Collecting data")
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Recommendation{Symbol: symbol, Action: "buy", Confidence: 0.9, GeneratedAt: time.Now()}, nil
}

type fakePatterns struct {
	patterns []domain.Pattern
	err      error
}

func (f *fakePatterns) Scan(context.Context, []string) ([]domain.Pattern, error) {
	return f.patterns, f.err
}

type fakeSettings struct {
	mu  sync.Mutex
	s   settings.Settings
	err error
}

func (f *fakeSettings) Current() (settings.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s, f.err
}

func (f *fakeSettings) update(fn func(*settings.Settings)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.s)
}

type fakeCredentials struct {
	mu     sync.Mutex
	apiKey string
	tier   string
}

func (f *fakeCredentials) SetCredentials(apiKey, tier string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKey, f.tier = apiKey, tier
}

type fakeStream struct {
	token string

	mu           sync.Mutex
	state        quotestream.State
	listener     func(quotestream.StatusChange)
	handlers     map[string][]quotestream.QuoteHandler
	connects     int
	disconnected bool
}

func newFakeStream(token string) *fakeStream {
	return &fakeStream{token: token, state: quotestream.StateDisconnected, handlers: make(map[string][]quotestream.QuoteHandler)}
}

func (f *fakeStream) Connect(context.Context) bool {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	f.transition(quotestream.StatusChange{State: quotestream.StateConnected})
	return true
}

func (f *fakeStream) Disconnect() {
	f.mu.Lock()
	f.disconnected = true
	f.handlers = make(map[string][]quotestream.QuoteHandler)
	f.mu.Unlock()
	f.transition(quotestream.StatusChange{State: quotestream.StateDisconnected})
}

func (f *fakeStream) Subscribe(symbol string, handler quotestream.QuoteHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[symbol] = append(f.handlers[symbol], handler)
	return func() {}
}

func (f *fakeStream) OnStatus(fn func(quotestream.StatusChange)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = fn
}

func (f *fakeStream) State() quotestream.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStream) transition(change quotestream.StatusChange) {
	f.mu.Lock()
	change.Previous = f.state
	f.state = change.State
	fn := f.listener
	f.mu.Unlock()
	if fn != nil {
		fn(change)
	}
}

func (f *fakeStream) emit(q domain.Quote) {
	f.mu.Lock()
	hs := append([]quotestream.QuoteHandler(nil), f.handlers[q.Symbol]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(q)
	}
}

func (f *fakeStream) symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for s := range f.handlers {
		out = append(out, s)
	}
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *eventRecorder) handle(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t events.EventType) []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type harness struct {
	o           *Orchestrator
	sched       *scheduler.Manual
	bus         *events.Bus
	events      *eventRecorder
	quotes      *fakeQuotes
	news        *fakeNews
	sentiment   *fakeSentiment
	recommender *fakeRecommender
	patterns    *fakePatterns
	settings    *fakeSettings
	credentials *fakeCredentials
	alerts      *alerts.Repository
	store       *cache.Store
	errorLog    *health.ErrorRepository
	health      *health.Monitor

	streamMu sync.Mutex
	streams  []*fakeStream
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testingpkg.NewMemoryDB(t)

	log := zerolog.Nop()
	h := &harness{
		sched:       scheduler.NewManual(),
		events:      &eventRecorder{},
		quotes:      &fakeQuotes{prices: map[string]float64{"AAPL": 100, "MSFT": 400}, fresh: true},
		news:        &fakeNews{},
		sentiment:   &fakeSentiment{},
		recommender: &fakeRecommender{},
		patterns:    &fakePatterns{},
		settings: &fakeSettings{s: settings.Settings{
			AIRecurrenceMinutes: 15,
			Watchlist:           []string{"AAPL", "MSFT"},
			ConfidenceThreshold: 0.7,
			FinnhubTier:         "free",
		}},
		credentials: &fakeCredentials{},
		alerts:      alerts.NewRepository(db, log),
		store:       cache.NewStore(db),
		errorLog:    health.NewErrorRepository(db, log),
	}
	h.bus = events.NewBus(log)
	h.bus.Subscribe(h.events.handle)
	h.health = health.NewMonitor(h.errorLog, h.bus, log)

	h.o = New(Deps{
		Quotes:      h.quotes,
		News:        h.news,
		Sentiment:   h.sentiment,
		Recommender: h.recommender,
		Patterns:    h.patterns,
		Settings:    h.settings,
		Alerts:      h.alerts,
		Store:       h.store,
		ErrorLog:    h.errorLog,
		Credentials: h.credentials,
		Stream: func(token string) StreamClient {
			s := newFakeStream(token)
			h.streamMu.Lock()
			h.streams = append(h.streams, s)
			h.streamMu.Unlock()
			return s
		},
		Health:    h.health,
		Bus:       h.bus,
		Scheduler: h.sched,
	}, Options{Defaults: settings.Settings{AIRecurrenceMinutes: 15, Watchlist: []string{"AAPL"}}}, log)

	t.Cleanup(h.o.Stop)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.o.Start(context.Background())
	require.True(t, h.o.IsRunning())
}

func (h *harness) streamCount() int {
	h.streamMu.Lock()
	defer h.streamMu.Unlock()
	return len(h.streams)
}

func (h *harness) lastStream() *fakeStream {
	h.streamMu.Lock()
	defer h.streamMu.Unlock()
	if len(h.streams) == 0 {
		return nil
	}
	return h.streams[len(h.streams)-1]
}

var errBoom = errors.New("boom")
