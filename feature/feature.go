// CLAUDE:SUMMARY Feature flag registry: in-code defaults with durable SQLite overrides, failing closed.
// Package feature answers "is this feature on?" from declared defaults plus
// a durable override table.
//
// Flags ship with in-code defaults; operators flip them at runtime through
// the override table without a deploy. Reads fail closed: a storage error
// reads as disabled no matter what the default says.
package feature

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/storelogic/telegate/dbopen"
)

// Schema for the feature_flags table. Call Init() or apply manually.
const Schema = `
CREATE TABLE IF NOT EXISTS feature_flags (
	name TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// ErrNotFound is returned by Clear when the flag has no override row.
var ErrNotFound = errors.New("feature: not found")

// Flag is one feature's merged view: declared default plus any override.
type Flag struct {
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`
	Default    bool   `json:"default"`
	Overridden bool   `json:"overridden"`
	UpdatedAt  int64  `json:"updated_at,omitempty"`
}

// Registry resolves feature flags.
type Registry struct {
	db       *sql.DB
	defaults map[string]bool
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a Registry with the given declared defaults. Names absent from
// defaults read as disabled unless overridden.
func New(db *sql.DB, defaults map[string]bool, opts ...Option) *Registry {
	if defaults == nil {
		defaults = make(map[string]bool)
	}
	r := &Registry{db: db, defaults: defaults, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Init creates the feature_flags table if it doesn't exist.
func (r *Registry) Init() error {
	if _, err := r.db.Exec(Schema); err != nil {
		return fmt.Errorf("feature: init schema: %w", err)
	}
	return nil
}

// IsEnabled reports whether name is on. An override row wins, then the
// declared default, then false. Storage errors read as disabled.
func (r *Registry) IsEnabled(ctx context.Context, name string) bool {
	var enabled int
	err := r.db.QueryRowContext(ctx,
		`SELECT enabled FROM feature_flags WHERE name = ?`, name).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return r.defaults[name]
	}
	if err != nil {
		r.logger.Warn("feature: read failed, failing closed", "name", name, "error", err)
		return false
	}
	return enabled == 1
}

// List returns the merged view of declared flags and overrides, ordered by
// name. Overrides for undeclared names appear with a false default.
func (r *Registry) List(ctx context.Context) ([]Flag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, enabled, updated_at FROM feature_flags`)
	if err != nil {
		return nil, fmt.Errorf("feature: list: %w", err)
	}
	defer rows.Close()

	merged := make(map[string]Flag, len(r.defaults))
	for name, def := range r.defaults {
		merged[name] = Flag{Name: name, Enabled: def, Default: def}
	}
	for rows.Next() {
		var name string
		var enabled int
		var updatedAt int64
		if err := rows.Scan(&name, &enabled, &updatedAt); err != nil {
			return nil, fmt.Errorf("feature: scan: %w", err)
		}
		merged[name] = Flag{
			Name:       name,
			Enabled:    enabled == 1,
			Default:    r.defaults[name],
			Overridden: true,
			UpdatedAt:  updatedAt,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	flags := make([]Flag, 0, len(merged))
	for _, f := range merged {
		flags = append(flags, f)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Name < flags[j].Name })
	return flags, nil
}

// SetEnabled upserts an override for name.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	if name == "" {
		return fmt.Errorf("feature: empty name")
	}
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	_, err := dbopen.Exec(ctx, r.db,
		`INSERT INTO feature_flags (name, enabled, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		     enabled = excluded.enabled,
		     updated_at = excluded.updated_at`,
		name, enabledInt, r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("feature: set %q: %w", name, err)
	}
	return nil
}

// Clear removes the override for name, reverting to the declared default.
// Clearing a flag with no override is an error.
func (r *Registry) Clear(ctx context.Context, name string) error {
	result, err := dbopen.Exec(ctx, r.db,
		`DELETE FROM feature_flags WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("feature: clear %q: %w", name, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("feature: clear %q: %w", name, ErrNotFound)
	}
	return nil
}
