// Command migrate applies the SQL migrations under migrations/ with goose.
//
// Usage:
//
//	migrate [-dir migrations] [-timeout 5m] <command> [args]
//
// Commands are goose's: up, down, status, version, redo, reset,
// up-to <version>, down-to <version>, create <name> sql.
// DATABASE_URL selects the database; a .env file is honored.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/guildgate/internal/config"
	"github.com/mbd888/guildgate/internal/logging"
)

// gooseLogger routes goose's printf output through slog.
type gooseLogger struct{ l *slog.Logger }

func (g gooseLogger) Printf(format string, v ...any) { g.l.Info(fmt.Sprintf(format, v...)) }
func (g gooseLogger) Fatalf(format string, v ...any) {
	g.l.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func main() {
	dir := flag.String("dir", envOr("MIGRATIONS_DIR", "migrations"), "migrations directory")
	timeout := flag.Duration("timeout", 5*time.Minute, "give up after this long")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [flags] <command> [args]")
		fmt.Fprintln(os.Stderr, "Commands: up, down, status, version, redo, reset, up-to <v>, down-to <v>, create <name> sql")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	command, args := flag.Arg(0), flag.Args()[1:]

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "text").With("command", command, "dir", *dir)
	goose.SetLogger(gooseLogger{logger})

	// create only writes a file; it needs no database.
	if command == "create" {
		if err := goose.RunContext(context.Background(), command, nil, *dir, args...); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	if err := run(logger, cfg.DatabaseURL, *dir, *timeout, command, args); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, dsn, dir string, timeout time.Duration, command string, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	start := time.Now()
	if err := goose.RunContext(ctx, command, db, dir, args...); err != nil {
		return err
	}
	logger.Info("migration complete", "took", time.Since(start).Round(time.Millisecond))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
