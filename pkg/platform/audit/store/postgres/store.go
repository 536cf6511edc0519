package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "kycgate/pkg/domain"
	audit "kycgate/pkg/platform/audit"
	txcontext "kycgate/pkg/platform/tx"
)

// Store implements audit.Store on the audit_events table. With the outbox
// enabled every append also writes an audit_outbox row in the same transaction
// for the relay to publish.
type Store struct {
	db     *sql.DB
	outbox bool
}

type Option func(*Store)

// WithOutbox enables transactional outbox rows for each appended record.
func WithOutbox() Option {
	return func(s *Store) { s.outbox = true }
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Payload is the JSON document written to the outbox and published downstream.
type Payload struct {
	ID        string `json:"id"`
	Category  string `json:"category"`
	Timestamp string `json:"timestamp"`
	UserID    string `json:"user_id,omitempty"`
	Action    string `json:"action"`
	Details   string `json:"details,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
}

const insertEvent = `
	INSERT INTO audit_events (
		id, category, occurred_at, user_id, action,
		details, reason, client_ip, request_id, actor_id
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const insertOutbox = `
	INSERT INTO audit_outbox (event_id, partition_key, payload, created_at)
	VALUES ($1, $2, $3, $4)
`

// Append writes the record, joining the transaction in ctx when present.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	if event.ID.IsNil() {
		event.ID = id.NewEventID()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !s.outbox {
		return s.insertEvent(ctx, event)
	}
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		if err := s.insertEvent(ctx, event); err != nil {
			return err
		}
		return s.insertOutbox(ctx, event)
	})
}

func (s *Store) insertEvent(ctx context.Context, event audit.Event) error {
	_, err := s.execer(ctx).ExecContext(ctx, insertEvent,
		uuid.UUID(event.ID),
		string(event.Category),
		event.Timestamp,
		nullableUserID(event.UserID),
		event.Action,
		event.Details,
		event.Reason,
		event.ClientIP,
		event.RequestID,
		event.ActorID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Store) insertOutbox(ctx context.Context, event audit.Event) error {
	payload := Payload{
		ID:        event.ID.String(),
		Category:  string(event.Category),
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:    event.Action,
		Details:   event.Details,
		Reason:    event.Reason,
		ClientIP:  event.ClientIP,
		RequestID: event.RequestID,
		ActorID:   event.ActorID,
	}
	key := event.ID.String()
	if !event.UserID.IsNil() {
		payload.UserID = event.UserID.String()
		key = payload.UserID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	if _, err := s.execer(ctx).ExecContext(ctx, insertOutbox, uuid.UUID(event.ID), key, body, event.Timestamp); err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, category, occurred_at, user_id, action,
		   details, reason, client_ip, request_id, actor_id
	FROM audit_events
`

// ListByUser returns a user's records newest first.
func (s *Store) ListByUser(ctx context.Context, userID id.UserID) ([]audit.Event, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		selectColumns+` WHERE user_id = $1 ORDER BY occurred_at DESC`,
		uuid.UUID(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListRecent returns the limit most recent records, optionally of one category.
func (s *Store) ListRecent(ctx context.Context, limit int, category audit.EventCategory) ([]audit.Event, error) {
	query := selectColumns + ` ORDER BY occurred_at DESC LIMIT $1`
	args := []any{limit}
	if category != "" {
		query = selectColumns + ` WHERE category = $2 ORDER BY occurred_at DESC LIMIT $1`
		args = append(args, string(category))
	}

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var (
			event    audit.Event
			eventID  uuid.UUID
			userID   uuid.NullUUID
			category string
		)
		err := rows.Scan(
			&eventID,
			&category,
			&event.Timestamp,
			&userID,
			&event.Action,
			&event.Details,
			&event.Reason,
			&event.ClientIP,
			&event.RequestID,
			&event.ActorID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.ID = id.EventID(eventID)
		event.Category = audit.EventCategory(category)
		if userID.Valid {
			event.UserID = id.UserID(userID.UUID)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func nullableUserID(userID id.UserID) any {
	if userID.IsNil() {
		return nil
	}
	return uuid.UUID(userID)
}
