// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// PGTest opens a test database, applies the goose migrations from the
// project migrations/ directory and returns the *sql.DB plus a cleanup
// function that truncates every application table.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing database. Without it a postgres
// container is started once per test binary; if Docker is unavailable the
// test is skipped.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		dbURL = startContainer(ctx, t)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("pgtest: goose dialect: %v", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.UpContext(ctx, db, findMigrationsDir(t)); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
	return db, cleanup
}

func startContainer(ctx context.Context, t *testing.T) string {
	t.Helper()

	containerOnce.Do(func() {
		defer func() {
			// testcontainers panics when no Docker daemon is reachable
			if r := recover(); r != nil {
				containerErr = errNoDocker
			}
		}()

		ctr, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("refguard_test"),
			postgres.WithUsername("refguard"),
			postgres.WithPassword("refguard"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			containerErr = err
			return
		}
		containerURL, containerErr = ctr.ConnectionString(ctx, "sslmode=disable")
	})

	if containerErr != nil {
		t.Skipf("POSTGRES_URL not set and postgres container unavailable: %v", containerErr)
	}
	return containerURL
}

var errNoDocker = errors.New("docker not available")

// findMigrationsDir walks up from the test working directory to find the
// project-level migrations/ directory.
func findMigrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("pgtest: could not find migrations/ directory walking up from cwd")
		}
		dir = parent
	}
}

// truncateAll empties application tables between tests. The goose version
// table is kept so migrations are not re-applied.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names from pg_tables
		_, _ = db.ExecContext(ctx, stmt)
	}
}
