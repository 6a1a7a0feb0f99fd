// Package orchestrator drives every recurring live-data job, owns the shared
// caches and publishes the unified event stream.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pulse/internal/cache"
	"github.com/aristath/pulse/internal/clients/quotestream"
	"github.com/aristath/pulse/internal/domain"
	"github.com/aristath/pulse/internal/events"
	"github.com/aristath/pulse/internal/health"
	"github.com/aristath/pulse/internal/modules/settings"
	"github.com/aristath/pulse/internal/scheduler"
	"github.com/aristath/pulse/internal/work"
)

var (
	// ErrNotRunning is returned by manual triggers while the orchestrator is stopped
	ErrNotRunning = errors.New("orchestrator is not running")
	// ErrNoRecommender is returned when AI analysis is requested without a recommender
	ErrNoRecommender = errors.New("no recommendation service configured")
	// ErrNoScanner is returned when a pattern scan is requested without a scanner
	ErrNoScanner = errors.New("no pattern scanner configured")
	// ErrInvalidInterval is returned for a non-positive recurrence
	ErrInvalidInterval = errors.New("recurrence interval must be positive")
)

// Base intervals of the recurring jobs
const (
	MarketInterval    = 60 * time.Second
	NewsInterval      = 5 * time.Minute
	SentimentInterval = 10 * time.Minute
	PatternInterval   = 15 * time.Minute
	CleanupInterval   = 10 * time.Minute
)

// QuoteFetcher is the fetchLivePrices collaborator
type QuoteFetcher interface {
	FetchLivePrices(ctx context.Context, symbols []string) ([]domain.Quote, error)
}

// NewsFetcher is the fetchNews collaborator
type NewsFetcher interface {
	FetchNews(ctx context.Context) (domain.NewsBatch, error)
}

// SentimentAnalyzer is the analyzeSentiment collaborator
type SentimentAnalyzer interface {
	Analyze(ctx context.Context, items []domain.NewsItem) (map[string]domain.SentimentLabel, error)
}

// Recommender is the generateRecommendation collaborator. A nil result means
// nothing met the threshold.
type Recommender interface {
	GenerateRecommendation(ctx context.Context, symbol string, threshold float64, onPhase func(phase, message string)) (*domain.Recommendation, error)
}

// PatternScanner runs technical pattern detection over symbols
type PatternScanner interface {
	Scan(ctx context.Context, symbols []string) ([]domain.Pattern, error)
}

// SettingsSource is the getSettings collaborator
type SettingsSource interface {
	Current() (settings.Settings, error)
}

// AlertStore reads active alerts and records firings
type AlertStore interface {
	ListActive(ctx context.Context) ([]domain.PriceAlert, error)
	// MarkTriggered flips an alert to triggered. Returns false if it already was.
	MarkTriggered(ctx context.Context, id string, at time.Time) (bool, error)
}

// KVStore persists small blobs with a TTL
type KVStore interface {
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
	SetJSON(key string, value interface{}, ttl time.Duration) error
	GetJSON(key string, dest interface{}) error
	DeleteExpired() (int64, error)
}

// ErrorPurger applies the audit log retention rules
type ErrorPurger interface {
	Purge(ctx context.Context) (int64, error)
}

// Maintainer checkpoints the database write-ahead log
type Maintainer interface {
	WALCheckpoint(mode string) error
}

// CredentialUpdater receives provider credentials when they change
type CredentialUpdater interface {
	SetCredentials(apiKey, tier string)
}

// StreamClient is the push feed as seen by the orchestrator
type StreamClient interface {
	Connect(ctx context.Context) bool
	Disconnect()
	Subscribe(symbol string, handler quotestream.QuoteHandler) func()
	OnStatus(fn func(quotestream.StatusChange))
	State() quotestream.State
}

// StreamFactory creates a stream client for a credential
type StreamFactory func(token string) StreamClient

// Deps are the collaborators of the orchestrator. Quotes, News, Sentiment,
// Settings and Alerts are required; the rest may be nil.
type Deps struct {
	Quotes      QuoteFetcher
	News        NewsFetcher
	Sentiment   SentimentAnalyzer
	Recommender Recommender
	Patterns    PatternScanner
	Settings    SettingsSource
	Alerts      AlertStore
	Store       KVStore
	ErrorLog    ErrorPurger
	Maintainer  Maintainer
	Credentials CredentialUpdater
	Stream      StreamFactory

	Health    *health.Monitor
	Bus       *events.Bus
	Scheduler scheduler.Scheduler

	NewsCache  *cache.NewsBuffer
	PriceCache *cache.PriceCache
}

// Options tune the orchestrator
type Options struct {
	// Defaults apply when settings cannot be loaded
	Defaults settings.Settings
	// RunOnStart runs the market and news jobs once as soon as Start returns
	RunOnStart bool
}

// Orchestrator coordinates the live-data jobs. It is safe for concurrent use.
type Orchestrator struct {
	deps Deps
	opts Options
	log  zerolog.Logger

	registry   *work.Registry
	completion *work.CompletionTracker
	inflight   *work.InFlight

	mu         sync.Mutex
	running    bool
	epoch      uint64 // bumped by every Start and Stop
	cancels    map[string]scheduler.CancelFunc
	settings   settings.Settings
	stream     StreamClient
	streamSubs []func()
	realtime   bool
	quotes     map[string]domain.Quote

	changes        chan SettingsChange
	listenerCancel context.CancelFunc
	listenerDone   chan struct{}

	now func() time.Time
}

// New creates a stopped orchestrator
func New(deps Deps, opts Options, log zerolog.Logger) *Orchestrator {
	if deps.Bus == nil {
		deps.Bus = events.NewBus(log)
	}
	if deps.Health == nil {
		deps.Health = health.NewMonitor(nil, deps.Bus, log)
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.NewCron(log)
	}
	if deps.NewsCache == nil {
		deps.NewsCache = cache.NewNewsBuffer(cache.DefaultNewsCapacity)
	}
	if deps.PriceCache == nil {
		deps.PriceCache = cache.NewPriceCache(cache.DefaultPriceCapacity, cache.DefaultPriceMaxAge)
	}
	if opts.Defaults.AIRecurrenceMinutes <= 0 {
		opts.Defaults.AIRecurrenceMinutes = 15
	}
	if opts.Defaults.ConfidenceThreshold <= 0 {
		opts.Defaults.ConfidenceThreshold = settings.DefaultConfidenceThreshold
	}

	o := &Orchestrator{
		deps:       deps,
		opts:       opts,
		log:        log.With().Str("component", "orchestrator").Logger(),
		registry:   work.NewRegistry(),
		completion: work.NewCompletionTracker(),
		inflight:   work.NewInFlight(),
		cancels:    make(map[string]scheduler.CancelFunc),
		settings:   opts.Defaults,
		quotes:     make(map[string]domain.Quote),
		changes:    make(chan SettingsChange, 16),
		now:        time.Now,
	}
	o.registerJobs()
	return o
}

// Start loads settings, restores the price snapshot, starts the stream when
// realtime is configured and schedules every enabled job. Calling Start on a
// running orchestrator does nothing.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.epoch++

	o.settings = o.loadSettings()
	s := o.settings
	o.registry.SetInterval(work.JobAI, s.AIRecurrence())
	o.registry.SetEnabled(work.JobPatterns, s.PatternScanEnabled)

	for _, job := range o.registry.Enabled() {
		o.scheduleLocked(job.ID, job.Interval)
	}
	o.deps.Scheduler.Start()

	listenerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.listenerCancel = cancel
	o.listenerDone = make(chan struct{})
	go o.listen(listenerCtx, o.listenerDone)
	o.mu.Unlock()

	o.restoreSnapshot()

	if s.RealtimeCapable() {
		o.startStream()
	}

	o.log.Info().
		Int("jobs", len(o.registry.Enabled())).
		Int("ai_recurrence_minutes", s.AIRecurrenceMinutes).
		Bool("realtime", s.RealtimeCapable()).
		Msg("Orchestrator started")

	if o.opts.RunOnStart {
		go o.runJob(work.JobMarket)
		go o.runJob(work.JobNews)
	}
}

// Stop cancels every timer, stops the settings listener, disconnects the
// stream and persists the price snapshot. In-flight calls are not cancelled;
// their results are dropped. Calling Stop on a stopped orchestrator does nothing.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.epoch++

	for id, cancel := range o.cancels {
		cancel()
		delete(o.cancels, id)
	}
	o.deps.Scheduler.Stop()

	listenerCancel, listenerDone := o.listenerCancel, o.listenerDone
	o.listenerCancel, o.listenerDone = nil, nil
	o.mu.Unlock()

	if listenerCancel != nil {
		listenerCancel()
		<-listenerDone
	}

	o.stopStream()
	o.persistSnapshot()

	o.log.Info().Msg("Orchestrator stopped")
}

// IsRunning reports whether Start has been called more recently than Stop
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Subscribe registers a listener for the unified event stream and returns the
// function that removes exactly that listener.
func (o *Orchestrator) Subscribe(handler events.Handler) func() {
	return o.deps.Bus.Subscribe(handler)
}

// Health returns the health monitor fed by the jobs
func (o *Orchestrator) Health() *health.Monitor {
	return o.deps.Health
}

// Settings returns the settings in effect
func (o *Orchestrator) Settings() settings.Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// IsRealtime reports whether quotes are currently flowing from the push feed
func (o *Orchestrator) IsRealtime() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.realtime
}

// Quotes returns the latest quote per symbol
func (o *Orchestrator) Quotes() []domain.Quote {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.Quote, 0, len(o.quotes))
	for _, q := range o.quotes {
		out = append(out, q)
	}
	sortQuotes(out)
	return out
}

// News returns the buffered news, newest first
func (o *Orchestrator) News() []domain.NewsItem {
	return o.deps.NewsCache.Items()
}

// Jobs lists the registered jobs with their last outcome
func (o *Orchestrator) Jobs() []work.JobStatus {
	ids := o.registry.IDs()
	out := make([]work.JobStatus, 0, len(ids))
	for _, id := range ids {
		job := o.registry.Get(id)
		if job == nil {
			continue
		}
		out = append(out, o.completion.Status(job, o.inflight.IsPending(id, "")))
	}
	return out
}

func (o *Orchestrator) loadSettings() settings.Settings {
	if o.deps.Settings == nil {
		return o.opts.Defaults
	}
	s, err := o.deps.Settings.Current()
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to load settings, using defaults")
		return o.opts.Defaults
	}
	if s.AIRecurrenceMinutes <= 0 {
		s.AIRecurrenceMinutes = o.opts.Defaults.AIRecurrenceMinutes
	}
	if s.ConfidenceThreshold <= 0 {
		s.ConfidenceThreshold = o.opts.Defaults.ConfidenceThreshold
	}
	if len(s.Watchlist) == 0 {
		s.Watchlist = o.opts.Defaults.Watchlist
	}
	return s
}

// begin returns the epoch a manual or timer run belongs to
func (o *Orchestrator) begin() (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return 0, ErrNotRunning
	}
	return o.epoch, nil
}

// commit runs fn under the state lock if the orchestrator is still in the
// epoch the run started in. Results of runs that outlived a Stop are dropped.
func (o *Orchestrator) commit(epoch uint64, fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running || o.epoch != epoch {
		return false
	}
	fn()
	return true
}

// live reports whether epoch is still current
func (o *Orchestrator) live(epoch uint64) bool {
	return o.commit(epoch, func() {})
}

func (o *Orchestrator) publish(epoch uint64, module string, data events.EventData) {
	if !o.live(epoch) {
		return
	}
	o.deps.Bus.Publish(module, data)
}

func (o *Orchestrator) succeed(epoch uint64, service domain.Service, jobID string) {
	if !o.live(epoch) {
		return
	}
	o.deps.Health.ReportSuccess(service)
	o.completion.MarkCompleted(jobID, "")
}

func (o *Orchestrator) fail(epoch uint64, service domain.Service, jobID string, err error) {
	o.log.Warn().Err(err).Str("job", jobID).Str("service", string(service)).Msg("Job failed")
	if !o.live(epoch) {
		return
	}
	o.deps.Health.ReportError(service, err.Error())
	o.completion.MarkFailed(jobID, "", err)
}

func (o *Orchestrator) watchlist() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.settings.Watchlist...)
}
