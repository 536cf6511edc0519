//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"kycgate/internal/credential"
	"kycgate/internal/credential/store/postgres"
	"kycgate/internal/credential/storetest"
	auditpostgres "kycgate/pkg/platform/audit/store/postgres"
	"kycgate/pkg/testutil/containers"
)

func TestPostgresStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)

	suite.Run(t, &storetest.Suite{
		NewStore: func() credential.Store {
			if err := pg.TruncateTables(context.Background(), "audit_outbox", "audit_events", "sessions", "users"); err != nil {
				t.Fatalf("truncate: %v", err)
			}
			return postgres.New(pg.DB, auditpostgres.New(pg.DB, auditpostgres.WithOutbox()))
		},
	})
}
