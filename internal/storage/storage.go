// Package storage persists liquidation events. The engine depends only on
// the Store interface; the in-memory implementation backs tests and
// single-process deployments, and the S3 archiver ships parquet batches for
// offline analysis.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"liqflow/internal/models"
)

// QueryFilter narrows QueryEvents results. Zero values match everything.
type QueryFilter struct {
	Symbol      string
	Exchange    string
	MinSeverity models.Severity
	Since       time.Time
	Until       time.Time
}

// Stats summarizes stored events over a window.
type Stats struct {
	TotalCount     int                            `json:"total_count"`
	TotalVolumeUSD float64                        `json:"total_volume_usd"`
	BySeverity     map[models.Severity]int        `json:"by_severity"`
	ByType         map[models.LiquidationType]int `json:"by_type"`
}

// Store is the persistence collaborator for liquidation events.
type Store interface {
	// Store persists one event. A duplicate id returns (false, nil); only
	// infrastructure failures return an error.
	Store(ctx context.Context, event models.LiquidationEvent) (bool, error)
	QueryEvents(ctx context.Context, filter QueryFilter, limit int) ([]models.LiquidationEvent, error)
	AggregateStats(ctx context.Context, symbol, exchange string, hours int) (Stats, error)
	PurgeOlderThan(ctx context.Context, days int) (int, error)
}

// MemoryStore is a Store backed by process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]models.LiquidationEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]models.LiquidationEvent)}
}

func (s *MemoryStore) Store(ctx context.Context, event models.LiquidationEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.ID]; ok {
		return false, nil
	}
	s.events[event.ID] = event
	return true, nil
}

func (s *MemoryStore) QueryEvents(ctx context.Context, filter QueryFilter, limit int) ([]models.LiquidationEvent, error) {
	s.mu.RLock()
	matched := make([]models.LiquidationEvent, 0, len(s.events))
	for _, e := range s.events {
		if filter.Symbol != "" && e.Symbol != filter.Symbol {
			continue
		}
		if filter.Exchange != "" && e.Exchange != filter.Exchange {
			continue
		}
		if filter.MinSeverity != "" && e.Severity.Rank() < filter.MinSeverity.Rank() {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		matched = append(matched, e)
	}
	s.mu.RUnlock()

	// Newest first, matching the read pattern of every caller.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) AggregateStats(ctx context.Context, symbol, exchange string, hours int) (Stats, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	stats := Stats{
		BySeverity: make(map[models.Severity]int),
		ByType:     make(map[models.LiquidationType]int),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events {
		if symbol != "" && e.Symbol != symbol {
			continue
		}
		if exchange != "" && e.Exchange != exchange {
			continue
		}
		if hours > 0 && e.Timestamp.Before(cutoff) {
			continue
		}
		stats.TotalCount++
		stats.TotalVolumeUSD += e.LiquidatedUSD
		stats.BySeverity[e.Severity]++
		stats.ByType[e.LiquidationType]++
	}
	return stats, nil
}

func (s *MemoryStore) PurgeOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			delete(s.events, id)
			deleted++
		}
	}
	return deleted, nil
}

// Len reports the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// TeeStore forwards every newly stored event onto a channel after the
// primary store accepts it. It decouples the collector from the S3 archiver:
// a full channel drops the archive copy, never the primary write.
type TeeStore struct {
	primary Store
	events  chan<- models.LiquidationEvent
}

func NewTeeStore(primary Store, events chan<- models.LiquidationEvent) *TeeStore {
	return &TeeStore{primary: primary, events: events}
}

func (t *TeeStore) Store(ctx context.Context, event models.LiquidationEvent) (bool, error) {
	stored, err := t.primary.Store(ctx, event)
	if err == nil && stored {
		select {
		case t.events <- event:
		default:
		}
	}
	return stored, err
}

func (t *TeeStore) QueryEvents(ctx context.Context, filter QueryFilter, limit int) ([]models.LiquidationEvent, error) {
	return t.primary.QueryEvents(ctx, filter, limit)
}

func (t *TeeStore) AggregateStats(ctx context.Context, symbol, exchange string, hours int) (Stats, error) {
	return t.primary.AggregateStats(ctx, symbol, exchange, hours)
}

func (t *TeeStore) PurgeOlderThan(ctx context.Context, days int) (int, error) {
	return t.primary.PurgeOlderThan(ctx, days)
}
