package transient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/storelogic/telegate/dbopen"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Schema is the sqlite form of the transients table. Expiry is a unix-ms
// deadline compared at read time; rows past it are dead weight until Sweep.
const Schema = `
CREATE TABLE IF NOT EXISTS transients (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// SQLConfig selects and connects a SQL backend.
type SQLConfig struct {
	// Backend is one of "sqlite", "mysql", "postgres".
	Backend string
	// DSN is backend-specific: a file path for sqlite,
	// "user:pass@tcp(host:port)/db" for mysql,
	// "host=... port=... user=... dbname=..." for postgres.
	DSN string
}

// dialect captures the per-backend SQL differences: DDL types, placeholder
// style, and upsert form.
type dialect struct {
	driver string
	create string
	get    string
	upsert string
	delete string
	sweep  string
}

var dialects = map[string]dialect{
	"sqlite": {
		driver: "sqlite",
		create: Schema,
		get:    `SELECT value, expires_at FROM transients WHERE key = ?`,
		upsert: `INSERT INTO transients (key, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		delete: `DELETE FROM transients WHERE key = ?`,
		sweep:  `DELETE FROM transients WHERE expires_at <= ?`,
	},
	"mysql": {
		driver: "mysql",
		create: "CREATE TABLE IF NOT EXISTS transients (\n" +
			"\t`key`      VARCHAR(255) PRIMARY KEY,\n" +
			"\t`value`    TEXT NOT NULL,\n" +
			"\texpires_at BIGINT NOT NULL\n" +
			");",
		get: "SELECT `value`, expires_at FROM transients WHERE `key` = ?",
		upsert: "INSERT INTO transients (`key`, `value`, expires_at) VALUES (?, ?, ?) AS new\n" +
			"\tON DUPLICATE KEY UPDATE `value` = new.`value`, expires_at = new.expires_at",
		delete: "DELETE FROM transients WHERE `key` = ?",
		sweep:  "DELETE FROM transients WHERE expires_at <= ?",
	},
	"postgres": {
		driver: "pgx",
		create: `CREATE TABLE IF NOT EXISTS transients (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		);`,
		get: `SELECT value, expires_at FROM transients WHERE key = $1`,
		upsert: `INSERT INTO transients (key, value, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		delete: `DELETE FROM transients WHERE key = $1`,
		sweep:  `DELETE FROM transients WHERE expires_at <= $1`,
	},
}

// SQLStore is a Store backed by a relational table.
type SQLStore struct {
	db     *sql.DB
	d      dialect
	ownsDB bool
	now    func() time.Time
}

// NewSQL wraps an existing database handle. The caller keeps ownership of
// db; Close on the returned store is a no-op for the connection. Call Init
// to create the table.
func NewSQL(db *sql.DB, backend string) (*SQLStore, error) {
	d, ok := dialects[backend]
	if !ok {
		return nil, fmt.Errorf("transient: unknown backend %q (want sqlite, mysql, or postgres)", backend)
	}
	return &SQLStore{db: db, d: d, now: time.Now}, nil
}

// OpenSQL connects to the configured backend, creates the table, and
// returns a store that owns the connection (Close closes it).
func OpenSQL(cfg SQLConfig) (*SQLStore, error) {
	d, ok := dialects[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("transient: unknown backend %q (want sqlite, mysql, or postgres)", cfg.Backend)
	}

	var db *sql.DB
	var err error
	switch cfg.Backend {
	case "sqlite":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("transient: sqlite backend needs a file path DSN")
		}
		db, err = dbopen.Open(cfg.DSN, dbopen.WithMkdirAll())
	default:
		db, err = sql.Open(d.driver, cfg.DSN)
		if err == nil {
			err = db.Ping()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("transient: open %s: %w", cfg.Backend, err)
	}

	s := &SQLStore{db: db, d: d, ownsDB: true, now: time.Now}
	if err := s.Init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the transients table if it does not exist.
func (s *SQLStore) Init() error {
	if _, err := s.db.Exec(s.d.create); err != nil {
		return fmt.Errorf("transient: create table: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, s.d.get, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("transient: get %q: %w", key, err)
	}
	if expiresAt <= s.now().UnixMilli() {
		// Expired rows read as absent. They are left for the sweeper so a
		// failed refresh cannot erase an entry another writer just renewed.
		return "", false, nil
	}
	return value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	expiresAt := s.now().Add(ttl).UnixMilli()
	_, err := dbopen.Exec(ctx, s.db, s.d.upsert, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("transient: set %q: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := dbopen.Exec(ctx, s.db, s.d.delete, key); err != nil {
		return fmt.Errorf("transient: delete %q: %w", key, err)
	}
	return nil
}

// Sweep deletes rows whose deadline has passed and reports how many.
func (s *SQLStore) Sweep(ctx context.Context) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db, s.d.sweep, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("transient: sweep: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the connection if this store opened it.
func (s *SQLStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
