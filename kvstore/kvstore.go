// Package kvstore is the persistent key-value storage shared by the prerender
// components. Keys live in named areas ("local", "sync"); every component
// writes only the keys it owns, so writes never conflict across components.
//
// Values are stored as JSON text. A Set of several keys is one transaction:
// either every key is written or none is.
package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/prerender/dbopen"
)

// Schema is the DDL for the key-value table.
const Schema = `
CREATE TABLE IF NOT EXISTS kv (
    area       TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (area, key)
);
`

// Well-known areas.
const (
	AreaLocal = "local"
	AreaSync  = "sync"
)

// Storage is the key-value contract consumed by metrics, settings and
// blocklist. *Area implements it.
type Storage interface {
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, items map[string]any) error
	Remove(ctx context.Context, keys ...string) error
}

// Store is the database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the key-value database at path.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	all := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)
	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, fmt.Errorf("kvstore: %w", err)
	}
	return &Store{DB: db}, nil
}

// New wraps an already open database and applies the schema.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("kvstore: apply schema: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Area returns a handle scoped to one storage area.
func (s *Store) Area(name string) *Area {
	return &Area{db: s.DB, name: name}
}

// Area is a namespace of keys inside the store.
type Area struct {
	db   *sql.DB
	name string
}

// Name returns the area name.
func (a *Area) Name() string { return a.name }

// Get returns the raw JSON value of each requested key that exists.
// Missing keys are absent from the map; that is not an error.
func (a *Area) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(keys)+1)
	args = append(args, a.name)
	for _, k := range keys {
		args = append(args, k)
	}
	query := `SELECT key, value FROM kv WHERE area = ? AND key IN (` + placeholders(len(keys)) + `)`

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kvstore: get %s: %w", a.name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("kvstore: scan: %w", err)
		}
		out[k] = json.RawMessage(v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kvstore: get %s: %w", a.name, err)
	}
	return out, nil
}

// GetInto decodes one key into v. It reports false when the key is absent.
func (a *Area) GetInto(ctx context.Context, key string, v any) (bool, error) {
	vals, err := a.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := vals[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("kvstore: decode %s: %w", key, err)
	}
	return true, nil
}

// Set writes every item in a single transaction.
func (a *Area) Set(ctx context.Context, items map[string]any) error {
	if len(items) == 0 {
		return nil
	}

	keys := make([]string, 0, len(items))
	encoded := make(map[string]string, len(items))
	for k, v := range items {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("kvstore: encode %s: %w", k, err)
		}
		keys = append(keys, k)
		encoded[k] = string(data)
	}
	sort.Strings(keys)

	now := time.Now().UnixMilli()
	err := dbopen.RunTx(ctx, a.db, func(tx *sql.Tx) error {
		for _, k := range keys {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO kv (area, key, value, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(area, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				a.name, k, encoded[k], now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kvstore: set %s: %w", a.name, err)
	}
	return nil
}

// Remove deletes the given keys. Absent keys are ignored.
func (a *Area) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, a.name)
	for _, k := range keys {
		args = append(args, k)
	}
	_, err := dbopen.Exec(ctx, a.db,
		`DELETE FROM kv WHERE area = ? AND key IN (`+placeholders(len(keys))+`)`, args...)
	if err != nil {
		return fmt.Errorf("kvstore: remove %s: %w", a.name, err)
	}
	return nil
}

// Keys lists the keys of the area in lexical order.
func (a *Area) Keys(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT key FROM kv WHERE area = ? ORDER BY key`, a.name)
	if err != nil {
		return nil, fmt.Errorf("kvstore: keys %s: %w", a.name, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
