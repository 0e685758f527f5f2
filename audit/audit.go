// CLAUDE:SUMMARY SQLite-backed audit trail for admin and MCP mutations with async batched writes.
// Package audit records administrative actions: who changed what, over which
// transport, and whether it worked.
//
// Mutating admin handlers and MCP tools feed entries through Logger. Writes
// are batched on a background goroutine so auditing never blocks the
// operation being audited.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/storelogic/telegate/dbopen"
	"github.com/storelogic/telegate/idgen"
	"github.com/storelogic/telegate/kit"
)

// Schema for the audit_log table. Call Init() or apply manually.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	entry_id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	parameters TEXT NOT NULL DEFAULT '',
	transport TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
`

// Entry is one audited action.
type Entry struct {
	EntryID    string `json:"entry_id"`
	Action     string `json:"action"`
	Actor      string `json:"actor,omitempty"`
	Parameters string `json:"parameters,omitempty"`
	Transport  string `json:"transport"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Timestamp  int64  `json:"timestamp"`
}

// Logger is the write side of the audit trail.
type Logger interface {
	// Log persists an entry synchronously.
	Log(ctx context.Context, e *Entry) error
	// LogAsync queues an entry for background persistence. Non-blocking;
	// drops if the buffer is full.
	LogAsync(e *Entry)
}

// SQLiteLogger persists audit entries to a SQLite table.
type SQLiteLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *Entry
	done   chan struct{}
	once   sync.Once
}

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator sets the entry ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.newID = gen }
}

// WithLogger sets a custom slog logger for writer-side failures.
func WithLogger(log *slog.Logger) Option {
	return func(l *SQLiteLogger) { l.logger = log }
}

// NewSQLiteLogger creates an audit logger backed by the given database.
// The background writer starts immediately; call Close to flush and stop it.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:     db,
		newID:  idgen.Prefixed("aud_", idgen.NanoID(12)),
		logger: slog.Default(),
		ch:     make(chan *Entry, 1024),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Init creates the audit_log table if it doesn't exist.
func (l *SQLiteLogger) Init() error {
	if _, err := l.db.Exec(Schema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Log persists one entry synchronously, filling defaults from the context.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(ctx, e)
	if _, err := dbopen.Exec(ctx, l.db, insertEntry,
		e.EntryID, e.Action, e.Actor, e.Parameters, e.Transport,
		e.Status, e.Error, e.RequestID, e.DurationMs, e.Timestamp,
	); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// LogAsync queues an entry for the background writer. Defaults not already
// set by the caller are filled at flush time (transport then falls back to
// "http"), so capture context-derived fields before queueing if they matter.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("audit: buffer full, entry dropped", "action", e.Action)
	}
}

// Close drains the buffer and stops the background writer.
func (l *SQLiteLogger) Close() error {
	l.once.Do(func() {
		close(l.ch)
		<-l.done
	})
	return nil
}

// Recent returns the newest entries, most recent first. A non-positive limit
// defaults to 50.
func (l *SQLiteLogger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT entry_id, action, actor, parameters, transport, status,
		       error_message, request_id, duration_ms, timestamp
		FROM audit_log ORDER BY timestamp DESC, entry_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.Action, &e.Actor, &e.Parameters,
			&e.Transport, &e.Status, &e.Error, &e.RequestID,
			&e.DurationMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const insertEntry = `INSERT INTO audit_log
	(entry_id, action, actor, parameters, transport, status, error_message, request_id, duration_ms, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (l *SQLiteLogger) fillDefaults(ctx context.Context, e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
	if e.Transport == "" {
		e.Transport = kit.GetTransport(ctx)
	}
	if e.Actor == "" {
		e.Actor = kit.GetActor(ctx)
	}
	if e.RequestID == "" {
		e.RequestID = kit.GetRequestID(ctx)
	}
}

func (l *SQLiteLogger) flushLoop() {
	defer close(l.done)

	batch := make([]*Entry, 0, 32)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-l.ch:
			if !ok {
				l.flushBatch(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= 32 {
				l.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *SQLiteLogger) flushBatch(batch []*Entry) {
	if len(batch) == 0 {
		return
	}

	tx, err := l.db.Begin()
	if err != nil {
		l.logger.Error("audit: begin tx", "error", err)
		return
	}

	stmt, err := tx.Prepare(insertEntry)
	if err != nil {
		tx.Rollback()
		l.logger.Error("audit: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, e := range batch {
		l.fillDefaults(context.Background(), e)
		if _, err := stmt.Exec(e.EntryID, e.Action, e.Actor, e.Parameters,
			e.Transport, e.Status, e.Error, e.RequestID,
			e.DurationMs, e.Timestamp); err != nil {
			l.logger.Error("audit: insert", "error", err, "action", e.Action)
		}
	}

	if err := tx.Commit(); err != nil {
		l.logger.Error("audit: commit", "error", err)
	}
}

// Middleware returns a kit.Middleware auditing every invocation of the
// wrapped endpoint under the given action name. Parameters are the JSON form
// of the request; failures are recorded with the error message. A nil logger
// disables auditing.
func Middleware(l Logger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if l == nil {
				return next(ctx, req)
			}
			start := time.Now()
			resp, err := next(ctx, req)

			e := &Entry{
				Action:     action,
				Actor:      kit.GetActor(ctx),
				Transport:  kit.GetTransport(ctx),
				RequestID:  kit.GetRequestID(ctx),
				Parameters: marshalParams(req),
				DurationMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				e.Error = err.Error()
			}
			l.LogAsync(e)

			return resp, err
		}
	}
}

func marshalParams(req any) string {
	if req == nil {
		return ""
	}
	b, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	return string(b)
}
