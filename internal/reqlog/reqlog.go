// Package reqlog records every relayed exchange in a SQLite database so the
// admin surface can show recent traffic. The log is advisory: insert
// failures are logged, never propagated, and the relay path does not depend
// on it.
package reqlog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Entry is one relayed request.
type Entry struct {
	RequestID   string    `json:"request_id"`
	Timestamp   time.Time `json:"timestamp"`
	Model       string    `json:"model"`
	ConnectorID string    `json:"connector_id"`
	Status      int       `json:"status"`
	Code        string    `json:"code,omitempty"`
	Streamed    bool      `json:"streamed"`
	LatencyMs   int64     `json:"latency_ms"`
}

// Log is the sqlite-backed request log. Safe for concurrent use; database/sql
// pools connections and WAL mode allows the admin API to read while relay
// handlers write.
type Log struct {
	db  *sql.DB
	max int
}

// Open opens (or creates) the request log database. max bounds how many
// entries are retained; older rows are pruned on insert.
func Open(path string, max int) (*Log, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening request log %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id   TEXT NOT NULL,
			ts           TEXT NOT NULL,
			model        TEXT NOT NULL DEFAULT '',
			connector_id TEXT NOT NULL DEFAULT '',
			status       INTEGER NOT NULL DEFAULT 0,
			code         TEXT NOT NULL DEFAULT '',
			streamed     INTEGER NOT NULL DEFAULT 0,
			latency_ms   INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_requests_ts ON requests(ts);
		CREATE INDEX IF NOT EXISTS idx_requests_model ON requests(model);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating request log schema: %w", err)
	}

	if max <= 0 {
		max = 1000
	}
	return &Log{db: db, max: max}, nil
}

// Record inserts one entry and prunes beyond the retention cap. Errors are
// logged and swallowed so the relay path never fails on logging.
func (l *Log) Record(e Entry) {
	streamed := 0
	if e.Streamed {
		streamed = 1
	}
	_, err := l.db.Exec(
		`INSERT INTO requests (request_id, ts, model, connector_id, status, code, streamed, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Model,
		e.ConnectorID, e.Status, e.Code, streamed, e.LatencyMs,
	)
	if err != nil {
		slog.Error("request log insert failed", "request_id", e.RequestID, "error", err)
		return
	}

	_, err = l.db.Exec(
		`DELETE FROM requests WHERE seq <= (SELECT MAX(seq) FROM requests) - ?`, l.max,
	)
	if err != nil {
		slog.Error("request log prune failed", "error", err)
	}
}

// Tail returns the most recent entries, newest first.
func (l *Log) Tail(limit int) ([]Entry, error) {
	if limit <= 0 || limit > l.max {
		limit = l.max
	}
	rows, err := l.db.Query(
		`SELECT request_id, ts, model, connector_id, status, code, streamed, latency_ms
		 FROM requests ORDER BY seq DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying request log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		var streamed int
		if err := rows.Scan(&e.RequestID, &ts, &e.Model, &e.ConnectorID, &e.Status, &e.Code, &streamed, &e.LatencyMs); err != nil {
			return nil, fmt.Errorf("scanning request log row: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Streamed = streamed != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
