// Package history loads a holder's transaction history for scoring.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// snapshotTTL keeps history snapshots short-lived: a stale snapshot only
// delays profile drift by seconds, while a long one would score against
// outdated behavior.
const snapshotTTL = 30 * time.Second

// Service fetches holder histories, with a read-through cache in front
// of the repository.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a new history service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// Load returns the holder's transactions strictly earlier than the given
// instant, ordered by timestamp ascending. Cache misses and decode
// failures fall through to the repository.
func (s *Service) Load(ctx context.Context, holderID string, before time.Time) ([]*domain.Transaction, error) {
	if holderID == "" {
		return nil, fmt.Errorf("holderID is required")
	}

	key := snapshotKey(holderID, before)
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key); err == nil && data != nil {
			var txs []*domain.Transaction
			if err := json.Unmarshal(data, &txs); err == nil {
				return txs, nil
			}
		}
	}

	txs, err := s.repo.ListTransactionsByHolder(ctx, holderID, before)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for holder %s: %w", holderID, err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(txs); err == nil {
			_ = s.cache.Set(ctx, key, data, snapshotTTL)
		}
	}

	return txs, nil
}

// Invalidate drops the holder's cached snapshots after a new transaction
// or a review decision lands. Snapshots are keyed per truncated minute,
// so dropping the current bucket is enough.
func (s *Service) Invalidate(ctx context.Context, holderID string) {
	if s.cache == nil {
		return
	}
	now := time.Now().UTC()
	_ = s.cache.Delete(ctx, snapshotKey(holderID, now.Add(-time.Minute)))
	_ = s.cache.Delete(ctx, snapshotKey(holderID, now))
	_ = s.cache.Delete(ctx, snapshotKey(holderID, now.Add(time.Minute)))
}

// CountRecent returns how many transactions the holder has submitted in
// the window, tracked through the cache's windowed counters. Used for
// ingest velocity checks; errors degrade to zero rather than blocking
// the scoring path.
func (s *Service) CountRecent(ctx context.Context, holderID string, window time.Duration) int64 {
	if s.cache == nil {
		return 0
	}
	count, err := s.cache.IncrementCounter(ctx, "ingest:"+holderID, window)
	if err != nil {
		return 0
	}
	return count
}

// snapshotKey buckets snapshots per minute so repeated scoring calls in
// a burst share one repository read.
func snapshotKey(holderID string, before time.Time) string {
	return fmt.Sprintf("history:%s:%d", holderID, before.UTC().Truncate(time.Minute).Unix())
}
