// Package dbopen opens the SQLite file that holds the prerender key-value
// areas and the audit trail.
//
// The same file is used by a running prerenderd and by prerenderctl at the
// same time, so every pooled connection is opened in WAL mode with a busy
// timeout: readers never block the daemon, and a second writer waits instead
// of failing. The pragmas travel in the DSN (`_pragma=...`), which the
// modernc driver runs on each new connection rather than on whichever
// connection the pool happened to hand out first.
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("state/prerender.db", dbopen.WithMkdirAll(), dbopen.WithSchema(kvstore.Schema))
//
// Tests use an in-memory database closed with the test:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const memoryPath = ":memory:"

// DefaultBusyTimeout is how long, in milliseconds, a writer waits on a lock
// held by the other process before giving up.
const DefaultBusyTimeout = 10_000

type config struct {
	busyTimeout int
	mkdirAll    bool
	schemas     []string
}

// Option customises Open.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithMkdirAll creates the parent directories of the database file.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema adds DDL applied once after opening. All schemas run in one
// transaction, so two processes starting together never see half a schema.
func WithSchema(ddl string) Option { return func(c *config) { c.schemas = append(c.schemas, ddl) } }

// Open opens the database at path and applies the queued schemas. The caller
// blank-imports modernc.org/sqlite.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := config{busyTimeout: DefaultBusyTimeout}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, cfg))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}

	if len(cfg.schemas) > 0 {
		err := RunTx(context.Background(), db, func(tx *sql.Tx) error {
			for _, ddl := range cfg.schemas {
				if _, err := tx.Exec(ddl); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: apply schema: %w", err)
		}
	}
	return db, nil
}

// OpenMemory opens a private in-memory database for a test. The pool is
// limited to one connection because every connection to ":memory:" is a
// separate database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memoryPath, opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// dsn appends the per-connection pragmas to path.
func dsn(path string, cfg config) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.busyTimeout))

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}
