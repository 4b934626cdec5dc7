// Package testutil starts throwaway infrastructure for integration tests.
package testutil

import (
	"IRSLedger/internal/persistence"
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RequireIntegration skips the test unless INTEGRATION_TEST is set.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("skipping integration test (set INTEGRATION_TEST=1 to run)")
	}
}

// SetupTestDB starts a Postgres container, applies the embedded migrations
// and returns an open handle. The container is terminated on test cleanup.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	RequireIntegration(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("irsledger_test"),
		postgres.WithUsername("irs"),
		postgres.WithPassword("irs"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	applied, err := persistence.NewMigrator(db, zerolog.Nop()).Up(ctx)
	require.NoError(t, err, "apply migrations")
	require.Positive(t, applied)
	return db
}
