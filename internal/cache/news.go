// Package cache holds the bounded in-memory caches of the live-data core and the
// SQLite key/value store used to persist them across restarts.
package cache

import (
	"sort"
	"sync"

	"github.com/aristath/pulse/internal/domain"
)

// DefaultNewsCapacity is the hard cap of the news buffer
const DefaultNewsCapacity = 500

// NewsBuffer is a bounded, newest-first list of news items.
type NewsBuffer struct {
	mu       sync.RWMutex
	items    []domain.NewsItem
	capacity int
}

// NewNewsBuffer creates an empty buffer holding at most capacity items
func NewNewsBuffer(capacity int) *NewsBuffer {
	if capacity <= 0 {
		capacity = DefaultNewsCapacity
	}
	return &NewsBuffer{capacity: capacity}
}

// Replace swaps the buffer contents for a fresh fetch. Items are ordered newest
// first, duplicates by ID are dropped, sentiment labels already known for an ID
// are carried over, and the result is truncated to capacity.
func (b *NewsBuffer) Replace(items []domain.NewsItem) []domain.NewsItem {
	b.mu.Lock()
	defer b.mu.Unlock()

	known := make(map[string]domain.SentimentLabel, len(b.items))
	for _, it := range b.items {
		if it.HasSentiment() {
			known[it.ID] = it.Sentiment
		}
	}

	seen := make(map[string]bool, len(items))
	next := make([]domain.NewsItem, 0, len(items))
	for _, it := range items {
		if seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		if !it.HasSentiment() {
			if label, ok := known[it.ID]; ok {
				it.Sentiment = label
			}
		}
		next = append(next, it)
	}

	sortNewestFirst(next)
	if len(next) > b.capacity {
		next = next[:b.capacity]
	}
	b.items = next

	return cloneItems(b.items)
}

// Enforce sorts the buffer and drops the oldest items beyond capacity.
// Returns the number of evicted items.
func (b *NewsBuffer) Enforce() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	sortNewestFirst(b.items)
	if len(b.items) <= b.capacity {
		return 0
	}
	evicted := len(b.items) - b.capacity
	b.items = b.items[:b.capacity]
	return evicted
}

// Unlabeled returns the items that have no sentiment label yet
func (b *NewsBuffer) Unlabeled() []domain.NewsItem {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []domain.NewsItem
	for _, it := range b.items {
		if !it.HasSentiment() {
			result = append(result, it)
		}
	}
	return result
}

// ApplySentiment sets labels by item ID and returns the items that changed.
// IDs no longer in the buffer are ignored.
func (b *NewsBuffer) ApplySentiment(labels map[string]domain.SentimentLabel) []domain.NewsItem {
	b.mu.Lock()
	defer b.mu.Unlock()

	var updated []domain.NewsItem
	for i := range b.items {
		label, ok := labels[b.items[i].ID]
		if !ok || label == "" {
			continue
		}
		b.items[i].Sentiment = label
		updated = append(updated, b.items[i])
	}
	return updated
}

// Items returns a copy of the buffer, newest first
func (b *NewsBuffer) Items() []domain.NewsItem {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return cloneItems(b.items)
}

// Len returns the number of buffered items
func (b *NewsBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Capacity returns the hard cap
func (b *NewsBuffer) Capacity() int {
	return b.capacity
}

// Clear empties the buffer
func (b *NewsBuffer) Clear() {
	b.mu.Lock()
	b.items = nil
	b.mu.Unlock()
}

func sortNewestFirst(items []domain.NewsItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})
}

func cloneItems(items []domain.NewsItem) []domain.NewsItem {
	out := make([]domain.NewsItem, len(items))
	copy(out, items)
	return out
}
