// Package audit keeps a SQLite trail of administrative changes: metric
// clears, setting changes and blocklist edits. Entries carry the transport
// and request id found in the context, so a row can be matched with the
// log lines of the same call.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/prerender/idgen"
	"github.com/hazyhaar/prerender/kit"
)

// Schema is the DDL for the audit table.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id   TEXT PRIMARY KEY,
    timestamp  INTEGER NOT NULL,
    action     TEXT NOT NULL,
    transport  TEXT NOT NULL,
    request_id TEXT,
    parameters TEXT NOT NULL DEFAULT '{}',
    status     TEXT NOT NULL,
    error      TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action, timestamp DESC);
`

// Entry statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Entry is one audited operation.
type Entry struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Action     string    `json:"action"`
	Transport  string    `json:"transport"`
	RequestID  string    `json:"request_id,omitempty"`
	Parameters string    `json:"parameters"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// Filter narrows Query. Limit defaults to 100.
type Filter struct {
	Action string
	Since  time.Time
	Limit  int
}

// Log writes entries to the audit table.
type Log struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// New returns a Log over db. Call Init once to create the table.
func New(db *sql.DB) *Log {
	return &Log{db: db, newID: idgen.Prefixed("audit_", idgen.Default), now: time.Now}
}

// Init creates the audit table.
func (l *Log) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("audit: init: %w", err)
	}
	return nil
}

// Record stores the outcome of one action. params is stored as JSON; opErr
// is the error the action returned, if any.
func (l *Log) Record(ctx context.Context, action string, params any, opErr error) error {
	e := Entry{
		ID:         l.newID(),
		Time:       l.now(),
		Action:     action,
		Transport:  kit.GetTransport(ctx),
		RequestID:  kit.GetRequestID(ctx),
		Parameters: "{}",
		Status:     StatusSuccess,
	}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("audit: %s: encode params: %w", action, err)
		}
		e.Parameters = string(b)
	}
	if opErr != nil {
		e.Status = StatusError
		e.Error = opErr.Error()
	}

	_, err := l.db.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, action, transport, request_id, parameters, status, error)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.Time.UnixMilli(), e.Action, e.Transport, e.RequestID, e.Parameters, e.Status, e.Error)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Query returns the entries matching f, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	q := `SELECT entry_id, timestamp, action, transport, request_id, parameters, status, error
		FROM audit_log WHERE 1=1`
	var args []any
	if f.Action != "" {
		q += " AND action = ?"
		args = append(args, f.Action)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC, entry_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var reqID, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.Transport, &reqID, &e.Parameters, &e.Status, &errMsg); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Time = time.UnixMilli(ts)
		e.RequestID = reqID.String
		e.Error = errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than retention and returns how many went.
func (l *Log) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := l.now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup: %w", err)
	}
	return res.RowsAffected()
}
