// CLAUDE:SUMMARY Entry point for the telegate agent — admin HTTP API, settings watcher, optional MCP over QUIC or stdio.
// Command telegate runs the telemetry eligibility agent.
//
// Usage:
//
//	telegate -config telegate.yaml     # full configuration from YAML
//	telegate                           # defaults plus environment overrides
//
// The agent serves the admin API on 127.0.0.1:8087, watches the settings
// database for out-of-band edits, and optionally exposes its tools over MCP.
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/storelogic/telegate/admin"
	"github.com/storelogic/telegate/audit"
	"github.com/storelogic/telegate/catalog"
	"github.com/storelogic/telegate/dbopen"
	"github.com/storelogic/telegate/feature"
	"github.com/storelogic/telegate/gate"
	"github.com/storelogic/telegate/mcpquic"
	"github.com/storelogic/telegate/release"
	"github.com/storelogic/telegate/settings"
	"github.com/storelogic/telegate/transient"
	"github.com/storelogic/telegate/watch"
)

const agentVersion = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to telegate.yaml config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("telegate: config", "error", err)
		os.Exit(1)
	}

	// The stdio MCP transport owns stdout, so logs move to stderr there.
	var logOut io.Writer = os.Stdout
	if cfg.MCP.Transport == "stdio" {
		logOut = os.Stderr
	}
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		slog.Error("telegate: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	db, err := dbopen.Open(cfg.DB, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	store := settings.New(db, settings.WithLogger(logger))
	if err := store.Init(); err != nil {
		return fmt.Errorf("settings init: %w", err)
	}

	flags := feature.New(db, map[string]bool{gate.FeatureRemoteLogging: false}, feature.WithLogger(logger))
	if err := flags.Init(); err != nil {
		return fmt.Errorf("feature init: %w", err)
	}

	auditor := audit.NewSQLiteLogger(db, audit.WithLogger(logger))
	if err := auditor.Init(); err != nil {
		return fmt.Errorf("audit init: %w", err)
	}
	defer auditor.Close()

	if err := seedAdminPassword(ctx, store); err != nil {
		return err
	}

	cache, err := openCache(cfg.Cache, db)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer cache.Close()

	cat := catalog.New(cfg.Catalog, catalog.WithLogger(logger))
	resolver := release.New(cat, cache, cfg.Catalog.Slug,
		release.WithTTL(cfg.Cache.TTL), release.WithLogger(logger))
	provider := settings.NewProvider(store)

	g := gate.New(flags, provider, resolver, cfg.Version, gate.WithLogger(logger))

	// Cache-only twin of the gate: same predicates, but the version comes
	// from the cache alone, so these evaluations never reach the catalog.
	cacheGate := gate.New(flags, provider, cachedSource{resolver}, cfg.Version, gate.WithLogger(logger))

	d := cacheGate.Explain(ctx)
	slog.Info("eligibility at startup",
		"allowed", d.Allowed,
		"feature_enabled", d.FeatureEnabled,
		"opted_in", d.OptedIn,
		"cohort", d.CohortAssignment,
		"version_known", d.VersionKnown)

	// The watcher needs its own handle: PRAGMA data_version only moves for
	// commits made by other connections, so polling through the writers'
	// pool would observe nothing.
	watchDB, err := dbopen.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("open watch db: %w", err)
	}
	defer watchDB.Close()
	watchDB.SetMaxOpenConns(1)

	w := watch.New(watchDB, watch.Options{
		Interval: cfg.Watch.Interval,
		Debounce: cfg.Watch.Debounce,
		Logger:   logger,
	})
	lastAllowed := d.Allowed
	go w.OnChange(ctx, func() error {
		d := cacheGate.Explain(ctx)
		if d.Allowed != lastAllowed {
			lastAllowed = d.Allowed
			slog.Info("eligibility changed",
				"allowed", d.Allowed,
				"feature_enabled", d.FeatureEnabled,
				"opted_in", d.OptedIn,
				"cohort", d.CohortAssignment,
				"version_current", d.VersionCurrent)
		}
		return nil
	})

	if sw, ok := cache.(transient.Sweeper); ok {
		go sweepLoop(ctx, sw, cfg.Cache.Sweep)
	}

	if cfg.MCP.Transport != "" {
		if err := startMCP(ctx, cancel, cfg, auditor, resolver, g, store, flags, logger); err != nil {
			return err
		}
	}

	srv := admin.NewServer(admin.Config{
		Gate:       g,
		Releases:   resolver,
		Settings:   store,
		Flags:      flags,
		Transients: cache,
		Auditor:    auditor,
		Watcher:    w,
		Version:    agentVersion,
		Logger:     logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("admin API starting", "addr", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin API", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("agent stopped")
	return nil
}

// startMCP exposes the agent's tools over MCP with the same audit trail as
// the HTTP API.
func startMCP(ctx context.Context, cancel context.CancelFunc, cfg *Config, auditor *audit.SQLiteLogger, resolver *release.Resolver, g *gate.Gate, store *settings.Store, flags *feature.Registry, logger *slog.Logger) error {
	mcpSrv := mcp.NewServer(&mcp.Implementation{
		Name:    "telegate",
		Version: agentVersion,
	}, nil)
	g.RegisterMCP(mcpSrv, auditor)
	resolver.RegisterMCP(mcpSrv, auditor)
	store.RegisterMCP(mcpSrv, auditor)
	flags.RegisterMCP(mcpSrv, auditor)

	switch cfg.MCP.Transport {
	case "quic":
		var tlsCfg *tls.Config
		var err error
		if cfg.MCP.TLSCert != "" && cfg.MCP.TLSKey != "" {
			tlsCfg, err = mcpquic.ServerTLSConfig(cfg.MCP.TLSCert, cfg.MCP.TLSKey)
		} else {
			tlsCfg, err = mcpquic.SelfSignedTLSConfig()
		}
		if err != nil {
			return fmt.Errorf("mcp tls: %w", err)
		}
		ql, err := mcpquic.NewListener(cfg.MCP.Listen, tlsCfg, mcpSrv, logger)
		if err != nil {
			return fmt.Errorf("mcp listener: %w", err)
		}
		go func() {
			slog.Info("MCP QUIC starting", "addr", cfg.MCP.Listen)
			if err := ql.Serve(ctx); err != nil && ctx.Err() == nil {
				slog.Error("MCP QUIC", "error", err)
			}
		}()
	case "stdio":
		// On stdio the agent follows its MCP client's lifetime: when the
		// client hangs up, the whole agent shuts down.
		go func() {
			slog.Info("MCP stdio starting")
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio", "error", err)
			}
			cancel()
		}()
	default:
		return fmt.Errorf("unknown MCP transport %q (want quic or stdio)", cfg.MCP.Transport)
	}
	return nil
}

// --- Helpers ---

// cachedSource adapts the resolver's cache-only lookup to the gate's version
// source, for evaluation paths that must never reach the catalog.
type cachedSource struct{ r *release.Resolver }

func (s cachedSource) LatestVersion(ctx context.Context) (string, bool) {
	return s.r.CachedVersion(ctx)
}

// openCache builds the transient store named by the cache config.
func openCache(cfg CacheConfig, db *sql.DB) (transient.Store, error) {
	switch cfg.Backend {
	case "none":
		return transient.Noop(), nil
	case "memory":
		return transient.Memory(), nil
	case "sqlite":
		if cfg.DSN == "" {
			// Share the agent database rather than opening a second file.
			s, err := transient.NewSQL(db, "sqlite")
			if err != nil {
				return nil, err
			}
			if err := s.Init(); err != nil {
				return nil, err
			}
			return s, nil
		}
		return transient.OpenSQL(transient.SQLConfig{Backend: "sqlite", DSN: cfg.DSN})
	case "mysql", "postgres":
		return transient.OpenSQL(transient.SQLConfig{Backend: cfg.Backend, DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// sweepLoop periodically removes expired cache rows. Reads never depend on
// it; expiry is judged at read time.
func sweepLoop(ctx context.Context, sw transient.Sweeper, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := sw.Sweep(ctx)
			if err != nil {
				slog.Warn("cache sweep", "error", err)
			} else if n > 0 {
				slog.Debug("cache sweep", "removed", n)
			}
		}
	}
}

// seedAdminPassword stores a bcrypt hash for the admin API when none exists.
// The password comes from ADMIN_PASSWORD; with neither a stored hash nor the
// variable set, every /api request is rejected.
func seedAdminPassword(ctx context.Context, store *settings.Store) error {
	_, ok, err := store.Get(ctx, settings.KeyAdminPasswordHash)
	if err != nil {
		return fmt.Errorf("read admin hash: %w", err)
	}
	if ok {
		return nil
	}
	password := os.Getenv("ADMIN_PASSWORD")
	if password == "" {
		slog.Warn("no admin password configured, admin API locked", "env", "ADMIN_PASSWORD")
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if err := store.Set(ctx, settings.KeyAdminPasswordHash, string(hash)); err != nil {
		return fmt.Errorf("store admin hash: %w", err)
	}
	slog.Info("admin password seeded")
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
