// Package postgres is the Credential Store backed by PostgreSQL. Writes take a
// row lock and append their audit record in the same transaction.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"kycgate/internal/credential"
	"kycgate/internal/credential/models"
	id "kycgate/pkg/domain"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/sentinel"
	txcontext "kycgate/pkg/platform/tx"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

var _ credential.Store = (*Store)(nil)

type Store struct {
	db    *sql.DB
	audit audit.Store
}

// New builds a store whose audit records go to auditStore. auditStore must
// honour the transaction carried in ctx for writes to stay atomic.
func New(db *sql.DB, auditStore audit.Store) *Store {
	return &Store{db: db, audit: auditStore}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const userColumns = `
	id, first_name, last_name, date_of_birth, email, phone_number,
	street, city, postcode, verification_status, applicant_id,
	verification_details, created_at, updated_at
`

const insertUser = `
	INSERT INTO users (` + userColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`

const updateUser = `
	UPDATE users SET
		first_name = $2, last_name = $3, date_of_birth = $4, phone_number = $5,
		street = $6, city = $7, postcode = $8, verification_status = $9,
		applicant_id = $10, verification_details = $11, updated_at = $12
	WHERE id = $1
`

const insertSession = `
	INSERT INTO sessions (id, token, user_id, expires_at, created_at)
	VALUES ($1, $2, $3, $4, $5)
`

func (s *Store) CreateUser(ctx context.Context, user *models.User, event audit.Event) error {
	details, err := json.Marshal(user.VerificationDetails)
	if err != nil {
		return fmt.Errorf("marshal verification details: %w", err)
	}
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		_, err := s.execer(ctx).ExecContext(ctx, insertUser,
			uuid.UUID(user.ID),
			user.FirstName,
			user.LastName,
			user.DateOfBirth,
			user.Email,
			user.PhoneNumber,
			user.Address.Street,
			user.Address.City,
			user.Address.Postcode,
			string(user.VerificationStatus),
			nullableString(user.ApplicantID),
			details,
			user.CreatedAt,
			user.UpdatedAt,
		)
		if err != nil {
			return translate(err, "insert user")
		}
		return s.appendAudit(ctx, user.ID, event)
	})
}

func (s *Store) FindUserByID(ctx context.Context, userID id.UserID) (*models.User, error) {
	return s.findUser(ctx, `WHERE id = $1`, uuid.UUID(userID))
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findUser(ctx, `WHERE lower(email) = lower($1)`, email)
}

func (s *Store) FindUserByApplicantID(ctx context.Context, applicantID string) (*models.User, error) {
	if applicantID == "" {
		return nil, fmt.Errorf("applicant %w", sentinel.ErrNotFound)
	}
	return s.findUser(ctx, `WHERE applicant_id = $1`, applicantID)
}

func (s *Store) findUser(ctx context.Context, where string, arg any) (*models.User, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users `+where, arg)
	return scanUser(row)
}

func (s *Store) UpdateUser(ctx context.Context, userID id.UserID, fn credential.Mutation) (*models.User, error) {
	return s.update(ctx, `WHERE id = $1`, uuid.UUID(userID), fn)
}

func (s *Store) UpdateUserByApplicantID(ctx context.Context, applicantID string, fn credential.Mutation) (*models.User, error) {
	if applicantID == "" {
		return nil, fmt.Errorf("applicant %w", sentinel.ErrNotFound)
	}
	return s.update(ctx, `WHERE applicant_id = $1`, applicantID, fn)
}

// update locks the row, applies fn to a copy and writes the result together
// with the audit record fn returns.
func (s *Store) update(ctx context.Context, where string, arg any, fn credential.Mutation) (*models.User, error) {
	var result *models.User
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		current, err := s.findUser(ctx, where+` FOR UPDATE`, arg)
		if err != nil {
			return err
		}
		next := current.Clone()
		event, err := fn(next)
		if err != nil {
			return err
		}
		next.ID = current.ID
		next.Email = current.Email
		next.CreatedAt = current.CreatedAt

		details, err := json.Marshal(next.VerificationDetails)
		if err != nil {
			return fmt.Errorf("marshal verification details: %w", err)
		}
		_, err = s.execer(ctx).ExecContext(ctx, updateUser,
			uuid.UUID(next.ID),
			next.FirstName,
			next.LastName,
			next.DateOfBirth,
			next.PhoneNumber,
			next.Address.Street,
			next.Address.City,
			next.Address.Postcode,
			string(next.VerificationStatus),
			nullableString(next.ApplicantID),
			details,
			next.UpdatedAt,
		)
		if err != nil {
			return translate(err, "update user")
		}
		if err := s.appendAudit(ctx, next.ID, event); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateSession(ctx context.Context, session *models.Session, event audit.Event) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		_, err := s.execer(ctx).ExecContext(ctx, insertSession,
			uuid.UUID(session.ID),
			session.Token,
			uuid.UUID(session.UserID),
			session.ExpiresAt,
			session.CreatedAt,
		)
		if err != nil {
			return translate(err, "insert session")
		}
		return s.appendAudit(ctx, session.UserID, event)
	})
}

func (s *Store) FindLiveSession(ctx context.Context, token string, now time.Time) (*models.Session, error) {
	var (
		session   models.Session
		sessionID uuid.UUID
		userID    uuid.UUID
	)
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT id, token, user_id, expires_at, created_at FROM sessions WHERE token = $1 AND expires_at > $2`,
		token, now,
	).Scan(&sessionID, &session.Token, &userID, &session.ExpiresAt, &session.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	session.ID = id.SessionID(sessionID)
	session.UserID = id.UserID(userID)
	return &session, nil
}

// PurgeExpiredSessions deletes sessions that are no longer live at now.
func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) ListAudit(ctx context.Context, userID id.UserID) ([]audit.Event, error) {
	return s.audit.ListByUser(ctx, userID)
}

func (s *Store) ListRecentAudit(ctx context.Context, limit int, category audit.EventCategory) ([]audit.Event, error) {
	return s.audit.ListRecent(ctx, limit, category)
}

const selectStats = `
	SELECT
		(SELECT count(*) FROM users),
		(SELECT count(*) FROM users WHERE verification_status <> 'pending' AND updated_at >= $1),
		(SELECT count(*) FROM audit_events WHERE occurred_at >= $1)
`

func (s *Store) Stats(ctx context.Context, since time.Time) (models.Stats, error) {
	var stats models.Stats
	err := s.execer(ctx).QueryRowContext(ctx, selectStats, since).Scan(
		&stats.Users,
		&stats.RecentVerifications,
		&stats.RecentAuditRecords,
	)
	if err != nil {
		return models.Stats{}, fmt.Errorf("read store stats: %w", err)
	}
	return stats, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) appendAudit(ctx context.Context, userID id.UserID, event audit.Event) error {
	if event.UserID.IsNil() {
		event.UserID = userID
	}
	if err := s.audit.Append(ctx, audit.Stamp(ctx, event)); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u           models.User
		userID      uuid.UUID
		status      string
		applicantID sql.NullString
		details     []byte
	)
	err := row.Scan(
		&userID,
		&u.FirstName,
		&u.LastName,
		&u.DateOfBirth,
		&u.Email,
		&u.PhoneNumber,
		&u.Address.Street,
		&u.Address.City,
		&u.Address.Postcode,
		&status,
		&applicantID,
		&details,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.ID = id.UserID(userID)
	u.VerificationStatus = models.VerificationStatus(status)
	u.ApplicantID = applicantID.String
	if len(details) > 0 {
		if err := json.Unmarshal(details, &u.VerificationDetails); err != nil {
			return nil, fmt.Errorf("decode verification details: %w", err)
		}
	}
	return &u, nil
}

func translate(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%s: %s %w", op, pgErr.ConstraintName, sentinel.ErrConflict)
		case foreignKeyViolation:
			return fmt.Errorf("%s: user %w", op, sentinel.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
