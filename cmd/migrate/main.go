// Command migrate applies the SQL schema in migrations/ with goose.
//
// Usage:
//
//	go run ./cmd/migrate up               # Apply all pending migrations
//	go run ./cmd/migrate down             # Roll back the last migration
//	go run ./cmd/migrate status           # Show migration status
//	go run ./cmd/migrate -dir db/sql up   # Use another migrations directory
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/bookit/internal/logging"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding goose SQL migrations")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-dir path] <command> [args]")
		fmt.Fprintln(os.Stderr, "Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	// Only the database is needed here, so skip full config validation.
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		logger.Error("goose dialect", "error", err)
		os.Exit(1)
	}
	command := flag.Arg(0)
	if err := goose.RunContext(ctx, command, db, *dir, flag.Args()[1:]...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", command)
}
