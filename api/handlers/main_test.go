package handlers_test

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	apitesting "github.com/malbeclabs/logquery/api/testing"
)

var testPgDB *apitesting.DB

func TestMain(m *testing.M) {
	flag.Parse()

	if !testing.Short() {
		db, err := apitesting.NewDB(context.Background(), slog.Default(), nil)
		if err != nil {
			slog.Warn("PostgreSQL container unavailable, integration tests will be skipped", "error", err)
		} else {
			testPgDB = db
		}
	}

	code := m.Run()

	if testPgDB != nil {
		testPgDB.Close()
	}
	os.Exit(code)
}

// requirePostgres returns a pool on a fresh database with the log tables, or
// skips the test when no container is running.
func requirePostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testPgDB == nil {
		t.Skip("PostgreSQL container not available")
	}
	return apitesting.SetupTestPostgres(t, testPgDB)
}
