package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"github.com/benjhiman/remember-me-sub000/internal/constants"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"
	"io/fs"
	"sort"
	"time"
)

const Schema = "crm_queue"

const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, postgresURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return db, nil
}

// Migrate creates the queue schema and applies every embedded script in
// file name order. Scripts are idempotent. The migration advisory lock
// keeps concurrently starting processes from racing each other.
func Migrate(ctx context.Context, db *sql.DB) (err error) {
	log := logger.ComponentLogger("db")

	migrationLock := NewLock(db, constants.MigrationLock)
	if err := migrationLock.Acquire(ctx); err != nil {
		return errors.Wrap(err, "migration lock")
	}
	defer func() {
		if releaseErr := migrationLock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			err = errors.CombineErrors(err, releaseErr)
		}
	}()

	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", Schema)); err != nil {
		return errors.Wrap(err, "create schema")
	}

	scripts, err := readSQLScripts()
	if err != nil {
		return err
	}
	for _, script := range scripts {
		log.Debugw("applying migration", "script", script.name)
		if _, err := db.ExecContext(ctx, script.body); err != nil {
			return errors.Wrapf(err, "migration %s", script.name)
		}
	}
	log.Infow("schema ready", "scripts", len(scripts))
	return nil
}

type sqlScript struct {
	name string
	body string
}

func readSQLScripts() ([]sqlScript, error) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var scripts []sqlScript
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := fs.ReadFile(migrations, "migrations/"+entry.Name())
		if err != nil {
			return nil, errors.Wrapf(err, "read migration %s", entry.Name())
		}
		scripts = append(scripts, sqlScript{name: entry.Name(), body: string(content)})
	}
	return scripts, nil
}
