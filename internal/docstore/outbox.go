package docstore

import (
	"context"
	"time"
)

// OutboxRecord is a committed event waiting to be published.
type OutboxRecord struct {
	ID        int64
	EventID   string
	EventType string
	Payload   []byte
	Attempts  int
}

// ClaimOutbox leases up to limit pending events. A leased event becomes
// claimable again once lease expires without MarkSent or MarkRetry.
func (s *Store) ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]OutboxRecord, error) {
	return s.backend.claimOutbox(ctx, limit, lease)
}

func (s *Store) MarkSent(ctx context.Context, id int64) error {
	return s.backend.markSent(ctx, id)
}

// MarkRetry returns the event to the pending pool, counts the failed attempt
// and keeps it unclaimable until next.
func (s *Store) MarkRetry(ctx context.Context, id int64, next time.Time) error {
	return s.backend.markRetry(ctx, id, next)
}
