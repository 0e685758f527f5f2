// CLAUDE:SUMMARY Durable key/value settings store; source of truth for telemetry consent and cohort assignment.
// Package settings persists installation-level options in SQLite.
//
// The store is a plain key/value table; typed accessors (Bool, Int) fold
// storage errors into restrictive defaults so callers on the eligibility
// path never have to branch on persistence failures.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/storelogic/telegate/dbopen"
)

// Well-known keys.
const (
	// KeyAllowTracking holds the user's telemetry consent ("yes"/"no").
	KeyAllowTracking = "allow_tracking"
	// KeyCohortAssignment holds the sampling cohort drawn at install time,
	// an integer in [0, 120).
	KeyCohortAssignment = "variant_assignment"
	// KeyAdminPasswordHash holds the bcrypt hash protecting the admin API.
	KeyAdminPasswordHash = "admin_password_hash"
)

// Schema for the settings table. Call Init() or apply manually.
const Schema = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// ErrNotFound is returned by Delete when the key has no row.
var ErrNotFound = errors.New("settings: not found")

// Setting is one stored option.
type Setting struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt int64  `json:"updated_at"`
}

// Store reads and writes the settings table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store backed by the given database.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the settings table if it doesn't exist.
func (s *Store) Init() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("settings: init schema: %w", err)
	}
	return nil
}

// Get returns the raw value for key. ok is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("settings: get %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key, overwriting any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("settings: empty key")
	}
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		     value = excluded.value,
		     updated_at = excluded.updated_at`,
		key, value, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("settings: set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	result, err := dbopen.Exec(ctx, s.db, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("settings: delete %q: %w", key, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("settings: delete %q: %w", key, ErrNotFound)
	}
	return nil
}

// All returns every stored setting ordered by key.
func (s *Store) All(ctx context.Context) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("settings: list: %w", err)
	}
	defer rows.Close()

	var result []Setting
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("settings: scan: %w", err)
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// Bool reads a boolean-like setting. Only "yes", "true", "1" and "on"
// (case-insensitive) count as true; absence, storage errors and anything
// else read as false.
func (s *Store) Bool(ctx context.Context, key string) bool {
	v, ok, err := s.Get(ctx, key)
	if err != nil {
		s.logger.Warn("settings: bool read failed", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "1", "on":
		return true
	}
	return false
}

// Int reads an integer setting, returning def on absence, storage errors,
// or unparseable values.
func (s *Store) Int(ctx context.Context, key string, def int) int {
	v, ok, err := s.Get(ctx, key)
	if err != nil {
		s.logger.Warn("settings: int read failed", "key", key, "error", err)
		return def
	}
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Provider adapts a Store to the eligibility gate's Settings interface
// using the well-known keys.
type Provider struct {
	store *Store
}

// NewProvider wraps a Store for the gate.
func NewProvider(store *Store) *Provider {
	return &Provider{store: store}
}

// TrackingOptedIn reports the user's telemetry consent. Absent means no.
func (p *Provider) TrackingOptedIn(ctx context.Context) bool {
	return p.store.Bool(ctx, KeyAllowTracking)
}

// CohortAssignment returns the sampling cohort, 0 when absent.
func (p *Provider) CohortAssignment(ctx context.Context) int {
	return p.store.Int(ctx, KeyCohortAssignment, 0)
}
