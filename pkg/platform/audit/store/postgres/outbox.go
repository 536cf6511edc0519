package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kycgate/pkg/platform/audit/outbox"
	txcontext "kycgate/pkg/platform/tx"
)

const selectUnpublished = `
	SELECT id, event_id, partition_key, payload, created_at
	FROM audit_outbox
	WHERE published_at IS NULL
	ORDER BY id
	LIMIT $1
`

const markPublished = `UPDATE audit_outbox SET published_at = $1 WHERE id = $2`

// FetchUnpublished returns up to limit outbox rows in insertion order.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]outbox.Entry, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, selectUnpublished, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []outbox.Entry
	for rows.Next() {
		var (
			e       outbox.Entry
			eventID uuid.UUID
		)
		if err := rows.Scan(&e.ID, &eventID, &e.Key, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.EventID = eventID.String()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}

// MarkPublished stamps the given outbox rows as delivered.
func (s *Store) MarkPublished(ctx context.Context, ids []int64, at time.Time) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		for _, entryID := range ids {
			if _, err := s.execer(ctx).ExecContext(ctx, markPublished, at, entryID); err != nil {
				return fmt.Errorf("mark outbox entry %d: %w", entryID, err)
			}
		}
		return nil
	})
}
