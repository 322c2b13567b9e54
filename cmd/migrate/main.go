// Command migrate runs refguard database migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/refguard/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command> [args]")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	if err := run(context.Background(), logger, dbURL, dir, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "command", os.Args[1])
}

func run(ctx context.Context, logger *slog.Logger, dbURL, dir, command string, args []string) error {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	goose.SetLogger(slogGooseLogger{logger})

	return goose.RunContext(ctx, command, db, dir, args...)
}

// slogGooseLogger adapts slog to goose's Printf-style logger.
type slogGooseLogger struct{ l *slog.Logger }

func (g slogGooseLogger) Printf(format string, v ...any) {
	g.l.Info(fmt.Sprintf(format, v...))
}

func (g slogGooseLogger) Fatalf(format string, v ...any) {
	g.l.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}
