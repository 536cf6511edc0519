package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kycgate/internal/credential/models"
	id "kycgate/pkg/domain"
	audit "kycgate/pkg/platform/audit"
	auditpostgres "kycgate/pkg/platform/audit/store/postgres"
	"kycgate/pkg/platform/sentinel"
)

const (
	insertUserPattern    = `(?s)INSERT\s+INTO\s+users`
	insertSessionPattern = `(?s)INSERT\s+INTO\s+sessions`
	insertAuditPattern   = `(?s)INSERT\s+INTO\s+audit_events`
	selectForUpdate      = `(?s)SELECT\s+.*FROM\s+users\s+WHERE\s+applicant_id\s*=\s*\$1\s+FOR\s+UPDATE`
	updateUserPattern    = `(?s)UPDATE\s+users\s+SET`
)

var userColumnNames = []string{
	"id", "first_name", "last_name", "date_of_birth", "email", "phone_number",
	"street", "city", "postcode", "verification_status", "applicant_id",
	"verification_details", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, auditpostgres.New(db)), mock
}

func sampleUser() *models.User {
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return &models.User{
		ID:                 id.NewUserID(),
		FirstName:          "Grace",
		LastName:           "Hopper",
		DateOfBirth:        time.Date(1985, 12, 9, 0, 0, 0, 0, time.UTC),
		Email:              "grace@example.com",
		PhoneNumber:        "+447700900456",
		Address:            models.Address{Street: "2 Compiler Rd", City: "Leeds", Postcode: "LS1 4AP"},
		VerificationStatus: models.StatusPending,
		CreatedAt:          created,
		UpdatedAt:          created,
	}
}

func userRow(u *models.User, details string) *sqlmock.Rows {
	var applicant any
	if u.ApplicantID != "" {
		applicant = u.ApplicantID
	}
	return sqlmock.NewRows(userColumnNames).AddRow(
		uuid.UUID(u.ID), u.FirstName, u.LastName, u.DateOfBirth, u.Email, u.PhoneNumber,
		u.Address.Street, u.Address.City, u.Address.Postcode, string(u.VerificationStatus), applicant,
		[]byte(details), u.CreatedAt, u.UpdatedAt,
	)
}

func TestCreateUser(t *testing.T) {
	t.Run("user row and audit record share a transaction", func(t *testing.T) {
		store, mock := newMockStore(t)
		u := sampleUser()

		mock.ExpectBegin()
		mock.ExpectExec(insertUserPattern).
			WithArgs(uuid.UUID(u.ID), "Grace", "Hopper", u.DateOfBirth, "grace@example.com", "+447700900456",
				"2 Compiler Rd", "Leeds", "LS1 4AP", "pending", nil, sqlmock.AnyArg(), u.CreatedAt, u.UpdatedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertAuditPattern).
			WithArgs(sqlmock.AnyArg(), "compliance", sqlmock.AnyArg(), uuid.UUID(u.ID), "user_created",
				"", "", "", "", "").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.CreateUser(context.Background(), u, audit.Event{Action: string(audit.EventUserCreated)}))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation maps to conflict", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(insertUserPattern).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_email_lower_idx"})
		mock.ExpectRollback()

		err := store.CreateUser(context.Background(), sampleUser(), audit.Event{Action: string(audit.EventUserCreated)})
		require.ErrorIs(t, err, sentinel.ErrConflict)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("audit failure rolls the user back", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(insertUserPattern).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertAuditPattern).WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := store.CreateUser(context.Background(), sampleUser(), audit.Event{Action: string(audit.EventUserCreated)})
		require.Error(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUpdateUserByApplicantID(t *testing.T) {
	current := sampleUser()
	current.ApplicantID = "app-9"

	t.Run("locks, writes and audits", func(t *testing.T) {
		store, mock := newMockStore(t)
		checked := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)

		mock.ExpectBegin()
		mock.ExpectQuery(selectForUpdate).WithArgs("app-9").WillReturnRows(userRow(current, `{}`))
		mock.ExpectExec(updateUserPattern).
			WithArgs(uuid.UUID(current.ID), "Grace", "Hopper", current.DateOfBirth, "+447700900456",
				"2 Compiler Rd", "Leeds", "LS1 4AP", "verified", "app-9", sqlmock.AnyArg(), checked).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertAuditPattern).
			WithArgs(sqlmock.AnyArg(), "compliance", sqlmock.AnyArg(), uuid.UUID(current.ID), "verification_status_updated",
				"pending -> verified", "", "", "", "webhook").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		updated, err := store.UpdateUserByApplicantID(context.Background(), "app-9", func(u *models.User) (audit.Event, error) {
			u.VerificationStatus = models.StatusVerified
			u.VerificationDetails.ReviewAnswer = "GREEN"
			u.UpdatedAt = checked
			return audit.Event{
				Action:  string(audit.EventVerificationStatusUpdated),
				Details: "pending -> verified",
				ActorID: "webhook",
			}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusVerified, updated.VerificationStatus)
		assert.Equal(t, "GREEN", updated.VerificationDetails.ReviewAnswer)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mutation error rolls back without writing", func(t *testing.T) {
		store, mock := newMockStore(t)
		boom := errors.New("not allowed")

		mock.ExpectBegin()
		mock.ExpectQuery(selectForUpdate).WithArgs("app-9").WillReturnRows(userRow(current, `{}`))
		mock.ExpectRollback()

		_, err := store.UpdateUserByApplicantID(context.Background(), "app-9", func(*models.User) (audit.Event, error) {
			return audit.Event{}, boom
		})
		require.ErrorIs(t, err, boom)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown applicant", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(selectForUpdate).WithArgs("missing").WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := store.UpdateUserByApplicantID(context.Background(), "missing", func(*models.User) (audit.Event, error) {
			t.Fatal("mutation must not run")
			return audit.Event{}, nil
		})
		require.ErrorIs(t, err, sentinel.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty applicant id never queries", func(t *testing.T) {
		store, mock := newMockStore(t)
		_, err := store.UpdateUserByApplicantID(context.Background(), "", nil)
		require.ErrorIs(t, err, sentinel.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestFindUserDecodesDetails(t *testing.T) {
	store, mock := newMockStore(t)
	u := sampleUser()
	u.VerificationStatus = models.StatusRejected

	mock.ExpectQuery(`(?s)FROM\s+users\s+WHERE\s+lower\(email\)\s*=\s*lower\(\$1\)`).
		WithArgs("GRACE@example.com").
		WillReturnRows(userRow(u, `{"reviewStatus":"completed","reviewAnswer":"RED","rejectLabels":["FORGERY"]}`))

	got, err := store.FindUserByEmail(context.Background(), "GRACE@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, got.VerificationStatus)
	assert.Equal(t, []string{"FORGERY"}, got.VerificationDetails.RejectLabels)
	assert.Empty(t, got.ApplicantID)
}

func TestSessions(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("create joins the audit transaction", func(t *testing.T) {
		store, mock := newMockStore(t)
		session := &models.Session{ID: id.NewSessionID(), Token: "tok", UserID: id.NewUserID(), CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

		mock.ExpectBegin()
		mock.ExpectExec(insertSessionPattern).
			WithArgs(uuid.UUID(session.ID), "tok", uuid.UUID(session.UserID), session.ExpiresAt, now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertAuditPattern).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.CreateSession(context.Background(), session, audit.Event{Action: string(audit.EventSessionCreated)}))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user maps to not found", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(insertSessionPattern).WillReturnError(&pgconn.PgError{Code: "23503"})
		mock.ExpectRollback()

		err := store.CreateSession(context.Background(), &models.Session{ID: id.NewSessionID(), Token: "tok", UserID: id.NewUserID()}, audit.Event{})
		require.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("expired or unknown token", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(`(?s)FROM\s+sessions\s+WHERE\s+token\s*=\s*\$1\s+AND\s+expires_at\s*>\s*\$2`).
			WithArgs("tok", now).
			WillReturnError(sql.ErrNoRows)

		_, err := store.FindLiveSession(context.Background(), "tok", now)
		require.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("purge reports removed rows", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec(`DELETE\s+FROM\s+sessions\s+WHERE\s+expires_at\s*<=\s*\$1`).
			WithArgs(now).
			WillReturnResult(sqlmock.NewResult(0, 3))

		removed, err := store.PurgeExpiredSessions(context.Background(), now)
		require.NoError(t, err)
		assert.Equal(t, int64(3), removed)
	})
}

func TestStats(t *testing.T) {
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	pattern := `(?s)SELECT\s+\(SELECT\s+count\(\*\)\s+FROM\s+users\).*FROM\s+audit_events\s+WHERE\s+occurred_at\s*>=\s*\$1`

	t.Run("reads all three counts in one query", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(pattern).
			WithArgs(since).
			WillReturnRows(sqlmock.NewRows([]string{"users", "verifications", "audit"}).AddRow(12, 4, 31))

		stats, err := store.Stats(context.Background(), since)
		require.NoError(t, err)
		assert.Equal(t, models.Stats{Users: 12, RecentVerifications: 4, RecentAuditRecords: 31}, stats)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wraps query errors", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(pattern).WillReturnError(errors.New("connection reset"))

		_, err := store.Stats(context.Background(), since)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read store stats")
	})
}
