package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/pulse/internal/domain"
	"github.com/aristath/pulse/internal/events"
	"github.com/aristath/pulse/internal/modules/alerts"
	"github.com/aristath/pulse/internal/work"
)

// Per-run deadlines of the timer-driven jobs
var jobTimeouts = map[string]time.Duration{
	work.JobMarket:    30 * time.Second,
	work.JobNews:      60 * time.Second,
	work.JobSentiment: 60 * time.Second,
	work.JobAI:        10 * time.Minute,
	work.JobPatterns:  5 * time.Minute,
	work.JobCleanup:   30 * time.Second,
}

func (o *Orchestrator) registerJobs() {
	o.registry.Register(&work.Job{
		ID:       work.JobMarket,
		Interval: MarketInterval,
		Enabled:  true,
		Run: func(ctx context.Context) error {
			_, err := o.UpdateMarketData(ctx, nil)
			return err
		},
	})
	o.registry.Register(&work.Job{
		ID:       work.JobNews,
		Interval: NewsInterval,
		Enabled:  true,
		Run:      o.UpdateNews,
	})
	o.registry.Register(&work.Job{
		ID:       work.JobSentiment,
		Interval: SentimentInterval,
		Enabled:  true,
		Run:      o.UpdateSentiment,
	})
	o.registry.Register(&work.Job{
		ID:       work.JobAI,
		Interval: o.opts.Defaults.AIRecurrence(),
		Enabled:  true,
		Run:      o.analyzeWatchlist,
	})
	o.registry.Register(&work.Job{
		ID:       work.JobPatterns,
		Interval: PatternInterval,
		Enabled:  false,
		Run: func(ctx context.Context) error {
			_, err := o.RunPatternScan(ctx)
			return err
		},
	})
	o.registry.Register(&work.Job{
		ID:       work.JobCleanup,
		Interval: CleanupInterval,
		Enabled:  true,
		Run: func(ctx context.Context) error {
			_, err := o.CleanupCaches(ctx)
			return err
		},
	})
}

// scheduleLocked replaces the timer of a job. Must be called with o.mu held.
func (o *Orchestrator) scheduleLocked(id string, interval time.Duration) {
	if cancel, ok := o.cancels[id]; ok {
		cancel()
	}
	o.cancels[id] = o.deps.Scheduler.ScheduleRecurring(id, interval, func() { o.runJob(id) })
}

func (o *Orchestrator) unscheduleLocked(id string) {
	if cancel, ok := o.cancels[id]; ok {
		cancel()
		delete(o.cancels, id)
	}
}

// runJob executes one timer tick. Overlapping ticks of the same job share a run.
func (o *Orchestrator) runJob(id string) {
	job := o.registry.Get(id)
	if job == nil {
		return
	}

	timeout := jobTimeouts[id]
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	_, shared, err := work.Do(ctx, o.inflight, id, "", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, job.Run(ctx)
	})

	evt := o.log.Debug()
	if err != nil && !errors.Is(err, ErrNotRunning) {
		evt = o.log.Warn().Err(err)
	}
	evt.Str("job", id).Bool("shared", shared).Dur("duration", time.Since(start)).Msg("Job finished")
}

// UpdateRecurrence reschedules only the AI analysis timer
func (o *Orchestrator) UpdateRecurrence(minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidInterval, minutes)
	}
	interval := time.Duration(minutes) * time.Minute

	o.mu.Lock()
	defer o.mu.Unlock()

	o.settings.AIRecurrenceMinutes = minutes
	o.registry.SetInterval(work.JobAI, interval)
	if o.running {
		o.scheduleLocked(work.JobAI, interval)
	}

	o.log.Info().Int("minutes", minutes).Msg("AI analysis recurrence updated")
	return nil
}

// SetPatternScan enables or disables the recurring pattern scan
func (o *Orchestrator) SetPatternScan(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.settings.PatternScanEnabled = enabled
	o.registry.SetEnabled(work.JobPatterns, enabled)
	if !o.running {
		return
	}
	if enabled {
		o.scheduleLocked(work.JobPatterns, PatternInterval)
	} else {
		o.unscheduleLocked(work.JobPatterns)
	}
}

// RefreshOnConfigChange runs the market and news jobs immediately. A failure
// of one does not prevent the other.
func (o *Orchestrator) RefreshOnConfigChange(ctx context.Context) error {
	var marketErr, newsErr error
	var g errgroup.Group
	g.Go(func() error {
		_, marketErr = o.UpdateMarketData(ctx, nil)
		return nil
	})
	g.Go(func() error {
		newsErr = o.UpdateNews(ctx)
		return nil
	})
	_ = g.Wait()
	return errors.Join(marketErr, newsErr)
}

// UpdateMarketData fetches quotes for symbols (the watchlist when empty),
// fires matching alerts, then records the prices for the next comparison.
func (o *Orchestrator) UpdateMarketData(ctx context.Context, symbols []string) ([]domain.Quote, error) {
	epoch, err := o.begin()
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		symbols = o.watchlist()
	}
	if len(symbols) == 0 {
		o.succeed(epoch, domain.ServiceMarket, work.JobMarket)
		return nil, nil
	}

	quotes, err := o.deps.Quotes.FetchLivePrices(ctx, symbols)
	if err != nil {
		err = fmt.Errorf("fetch quotes: %w", err)
		o.fail(epoch, domain.ServiceMarket, work.JobMarket, err)
		return nil, err
	}

	active, err := o.deps.Alerts.ListActive(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to load alerts, skipping evaluation")
		active = nil
	}

	var result alerts.Result
	var realtime bool
	ok := o.commit(epoch, func() {
		result = alerts.Evaluate(quotes, active, o.deps.PriceCache)
		for _, q := range quotes {
			o.deps.PriceCache.Set(q.Symbol, q.Price, q.Timestamp)
			o.quotes[q.Symbol] = q
		}
		realtime = o.realtime
	})
	if !ok {
		o.log.Debug().Msg("Dropping market result after stop")
		return quotes, nil
	}

	if len(result.MissingSymbols) > 0 {
		o.log.Warn().
			Strs("symbols", result.MissingSymbols).
			Msg("No quote for alert symbols, skipping them this pass")
	}

	o.fireAlerts(ctx, epoch, result.Triggered)

	o.publish(epoch, "market", &events.MarketData{
		Quotes:      quotes,
		CacheStatus: cacheStatus(quotes),
		IsRealtime:  realtime,
	})
	o.succeed(epoch, domain.ServiceMarket, work.JobMarket)
	return quotes, nil
}

// fireAlerts records each trigger once and announces it. An alert is only
// marked while the run is current, and a marked alert is always announced.
func (o *Orchestrator) fireAlerts(ctx context.Context, epoch uint64, triggers []alerts.Trigger) {
	for _, t := range triggers {
		if !o.live(epoch) {
			o.log.Debug().Int("pending", len(triggers)).Msg("Stopped before alerts were recorded, leaving them active")
			return
		}
		at := o.now()
		flipped, err := o.deps.Alerts.MarkTriggered(ctx, t.Alert.ID, at)
		if err != nil {
			o.log.Error().Err(err).Str("alert", t.Alert.ID).Msg("Failed to mark alert triggered")
			continue
		}
		// Another pass got there first
		if !flipped {
			continue
		}

		alert := t.Alert
		alert.Triggered = true
		alert.TriggeredAt = &at

		o.log.Info().
			Str("alert", alert.ID).
			Str("symbol", alert.Symbol).
			Str("condition", string(alert.Condition)).
			Float64("price", t.CurrentPrice).
			Msg("Price alert triggered")

		o.deps.Bus.Publish("alerts", &events.AlertTriggeredData{Alert: alert, CurrentPrice: t.CurrentPrice})
	}
}

func cacheStatus(quotes []domain.Quote) string {
	fresh := 0
	for _, q := range quotes {
		if q.IsFresh {
			fresh++
		}
	}
	switch {
	case fresh == len(quotes):
		return events.CacheFresh
	case fresh == 0:
		return events.CacheCached
	default:
		return events.CachePartial
	}
}

func sortQuotes(quotes []domain.Quote) {
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Symbol < quotes[j].Symbol })
}

// UpdateNews replaces the news buffer with a fresh fetch
func (o *Orchestrator) UpdateNews(ctx context.Context) error {
	epoch, err := o.begin()
	if err != nil {
		return err
	}

	batch, err := o.deps.News.FetchNews(ctx)
	if err != nil {
		err = fmt.Errorf("fetch news: %w", err)
		o.fail(epoch, domain.ServiceNews, work.JobNews, err)
		return err
	}

	var items []domain.NewsItem
	if !o.commit(epoch, func() { items = o.deps.NewsCache.Replace(batch.Articles) }) {
		return nil
	}

	o.publish(epoch, "news", &events.NewsData{Items: items, Source: batch.Source})
	o.succeed(epoch, domain.ServiceNews, work.JobNews)
	return nil
}

// UpdateSentiment labels buffered items that have no sentiment yet
func (o *Orchestrator) UpdateSentiment(ctx context.Context) error {
	epoch, err := o.begin()
	if err != nil {
		return err
	}

	pending := o.deps.NewsCache.Unlabeled()
	if len(pending) == 0 {
		o.succeed(epoch, domain.ServiceSentiment, work.JobSentiment)
		return nil
	}

	labels, err := o.deps.Sentiment.Analyze(ctx, pending)
	if err != nil {
		err = fmt.Errorf("analyze sentiment: %w", err)
		o.fail(epoch, domain.ServiceSentiment, work.JobSentiment, err)
		return err
	}

	var updated []domain.NewsItem
	if !o.commit(epoch, func() { updated = o.deps.NewsCache.ApplySentiment(labels) }) {
		return nil
	}

	if len(updated) > 0 {
		o.publish(epoch, "sentiment", &events.SentimentData{Items: updated})
	}
	o.succeed(epoch, domain.ServiceSentiment, work.JobSentiment)
	return nil
}

// UpdateAIAnalysis generates a recommendation for symbol. Concurrent calls for
// the same symbol share one request and its outcome.
func (o *Orchestrator) UpdateAIAnalysis(ctx context.Context, symbol string) (*domain.Recommendation, error) {
	if o.deps.Recommender == nil {
		return nil, ErrNoRecommender
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	epoch, err := o.begin()
	if err != nil {
		return nil, err
	}

	rec, _, err := work.Do(ctx, o.inflight, work.JobAI, symbol, func(ctx context.Context) (*domain.Recommendation, error) {
		return o.analyze(ctx, epoch, symbol)
	})
	return rec, err
}

func (o *Orchestrator) analyze(ctx context.Context, epoch uint64, symbol string) (*domain.Recommendation, error) {
	runID := uuid.New().String()
	threshold := o.Settings().ConfidenceThreshold
	start := o.now()

	o.publish(epoch, "ai", &events.AIAnalysisStartData{RunID: runID, Symbol: symbol})

	rec, err := o.deps.Recommender.GenerateRecommendation(ctx, symbol, threshold, func(phase, message string) {
		o.publish(epoch, "ai", &events.AIPhaseUpdateData{RunID: runID, Symbol: symbol, Phase: phase, Message: message})
	})

	end := &events.AIAnalysisEndData{
		RunID:    runID,
		Symbol:   symbol,
		Success:  err == nil,
		Duration: o.now().Sub(start).Seconds(),
	}
	if err != nil {
		end.Error = err.Error()
	}
	o.publish(epoch, "ai", end)

	if err != nil {
		err = fmt.Errorf("analyze %s: %w", symbol, err)
		o.fail(epoch, domain.ServiceAI, work.JobAI, err)
		return nil, err
	}

	if rec != nil && o.live(epoch) {
		o.storeRecommendation(*rec)
		o.publish(epoch, "ai", &events.AIRecommendationData{Recommendation: *rec})
	}
	o.succeed(epoch, domain.ServiceAI, work.JobAI)
	return rec, nil
}

// analyzeWatchlist is the timer body of the AI job
func (o *Orchestrator) analyzeWatchlist(ctx context.Context) error {
	if o.deps.Recommender == nil {
		return nil
	}
	var errs []error
	for _, symbol := range o.watchlist() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := o.UpdateAIAnalysis(ctx, symbol); err != nil {
			if errors.Is(err, ErrNotRunning) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunPatternScan scans the watchlist for technical patterns
func (o *Orchestrator) RunPatternScan(ctx context.Context) ([]domain.Pattern, error) {
	if o.deps.Patterns == nil {
		return nil, ErrNoScanner
	}
	epoch, err := o.begin()
	if err != nil {
		return nil, err
	}

	patterns, err := o.deps.Patterns.Scan(ctx, o.watchlist())
	if err != nil {
		err = fmt.Errorf("pattern scan: %w", err)
		o.fail(epoch, domain.ServiceAI, work.JobPatterns, err)
		return nil, err
	}

	if len(patterns) > 0 {
		o.publish(epoch, "patterns", &events.PatternDetectedData{Patterns: patterns})
	}
	o.succeed(epoch, domain.ServiceAI, work.JobPatterns)
	return patterns, nil
}

// CleanupResult counts what one cleanup pass removed
type CleanupResult struct {
	NewsEvicted   int   `json:"news_evicted"`
	PricesEvicted int   `json:"prices_evicted"`
	StoreExpired  int64 `json:"store_expired"`
	ErrorsPurged  int64 `json:"errors_purged"`
	Checkpointed  bool  `json:"checkpointed"`
}

// CleanupCaches enforces the news cap, evicts stale prices, applies the
// retention rules of the KV store and the error audit log, then checkpoints
// the database WAL.
func (o *Orchestrator) CleanupCaches(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	res.NewsEvicted = o.deps.NewsCache.Enforce()
	res.PricesEvicted = o.deps.PriceCache.EvictExpired()

	var errs []error
	if o.deps.Store != nil {
		n, err := o.deps.Store.DeleteExpired()
		if err != nil {
			errs = append(errs, fmt.Errorf("expire cache store: %w", err))
		}
		res.StoreExpired = n
	}
	if o.deps.ErrorLog != nil {
		n, err := o.deps.ErrorLog.Purge(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge error log: %w", err))
		}
		res.ErrorsPurged = n
	}
	if o.deps.Maintainer != nil {
		if err := o.deps.Maintainer.WALCheckpoint("PASSIVE"); err != nil {
			errs = append(errs, err)
		} else {
			res.Checkpointed = true
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		o.completion.MarkFailed(work.JobCleanup, "", err)
	} else {
		o.completion.MarkCompleted(work.JobCleanup, "")
	}

	o.log.Debug().
		Int("news_evicted", res.NewsEvicted).
		Int("prices_evicted", res.PricesEvicted).
		Int64("store_expired", res.StoreExpired).
		Int64("errors_purged", res.ErrorsPurged).
		Msg("Cache cleanup finished")
	return res, err
}
