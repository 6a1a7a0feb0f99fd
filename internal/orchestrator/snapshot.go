package orchestrator

import (
	"errors"
	"time"

	"github.com/aristath/pulse/internal/cache"
	"github.com/aristath/pulse/internal/domain"
)

const (
	priceSnapshotKey       = "orchestrator:price_snapshot"
	priceSnapshotTTL       = 24 * time.Hour
	recommendationPrefix   = "recommendation:"
	recommendationStoreTTL = 24 * time.Hour
)

// persistSnapshot saves the price cache so percent alerts survive a restart
func (o *Orchestrator) persistSnapshot() {
	if o.deps.Store == nil {
		return
	}
	entries := o.deps.PriceCache.Snapshot()
	if len(entries) == 0 {
		return
	}

	data, err := cache.EncodeSnapshot(entries, o.now())
	if err != nil {
		o.log.Error().Err(err).Msg("Failed to encode price snapshot")
		return
	}
	if err := o.deps.Store.Set(priceSnapshotKey, data, priceSnapshotTTL); err != nil {
		o.log.Error().Err(err).Msg("Failed to persist price snapshot")
		return
	}
	o.log.Debug().Int("entries", len(entries)).Msg("Price snapshot persisted")
}

// restoreSnapshot warms the price cache from the last persisted snapshot
func (o *Orchestrator) restoreSnapshot() {
	if o.deps.Store == nil {
		return
	}
	data, err := o.deps.Store.Get(priceSnapshotKey)
	if errors.Is(err, cache.ErrNotFound) {
		return
	}
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to read price snapshot")
		return
	}

	entries, savedAt, err := cache.DecodeSnapshot(data)
	if err != nil {
		o.log.Warn().Err(err).Msg("Discarding unreadable price snapshot")
		return
	}
	restored := o.deps.PriceCache.Restore(entries)
	o.log.Info().
		Int("restored", restored).
		Time("saved_at", savedAt).
		Msg("Price snapshot restored")
}

func (o *Orchestrator) storeRecommendation(rec domain.Recommendation) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.SetJSON(recommendationPrefix+rec.Symbol, rec, recommendationStoreTTL); err != nil {
		o.log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("Failed to store recommendation")
	}
}

// LastRecommendation returns the most recent recommendation for symbol
// generated within the last day.
func (o *Orchestrator) LastRecommendation(symbol string) (*domain.Recommendation, bool) {
	if o.deps.Store == nil {
		return nil, false
	}
	var rec domain.Recommendation
	if err := o.deps.Store.GetJSON(recommendationPrefix+symbol, &rec); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			o.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to read recommendation")
		}
		return nil, false
	}
	return &rec, true
}
