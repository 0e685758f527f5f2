// CLAUDE:SUMMARY Latest-version resolver: 24h TTL cache in front of a single catalog fetch, plus changelog rendering.
// Package release resolves the latest published extension version.
//
// The resolver sits between the eligibility gate and the vendor catalog: a
// TTL cache absorbs repeated lookups so the catalog sees at most one request
// per cache window, and a failed fetch never disturbs what the cache holds.
package release

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/storelogic/telegate/catalog"
)

// DefaultTTL is how long a resolved version or changelog stays fresh.
const DefaultTTL = 24 * time.Hour

// Catalog is the slice of the catalog client the resolver needs.
type Catalog interface {
	FetchVersion(ctx context.Context, slug string) (string, error)
	FetchRelease(ctx context.Context, slug string) (*catalog.Release, error)
}

// Cache stores resolved values with a TTL. Get reports ok only for a
// present, unexpired entry.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Resolver answers "what is the latest published version?" with at most one
// catalog request per TTL window.
type Resolver struct {
	cat    Catalog
	cache  Cache
	slug   string
	ttl    time.Duration
	logger *slog.Logger

	sanitize *bluemonday.Policy
	strip    *bluemonday.Policy
	md       *converter.Converter
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTTL overrides the default 24h cache TTL. Non-positive values are
// ignored.
func WithTTL(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a Resolver for one extension slug.
func New(cat Catalog, cache Cache, slug string, opts ...Option) *Resolver {
	r := &Resolver{
		cat:      cat,
		cache:    cache,
		slug:     slug,
		ttl:      DefaultTTL,
		logger:   slog.Default(),
		sanitize: bluemonday.UGCPolicy(),
		strip:    bluemonday.StrictPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// LatestVersion returns the newest published version for the configured
// slug. A cached answer under the TTL is served without any external call;
// otherwise exactly one catalog fetch happens, stored on success. When both
// the cache and the catalog come up empty, ok is false. A failed fetch
// leaves the cache exactly as it was.
func (r *Resolver) LatestVersion(ctx context.Context) (version string, ok bool) {
	key := versionKey(r.slug)
	if v, hit, err := r.cache.Get(ctx, key); err != nil {
		r.logger.Warn("release: cache read failed", "key", key, "error", err)
	} else if hit && v != "" {
		return v, true
	}

	v, err := r.cat.FetchVersion(ctx, r.slug)
	if err != nil || v == "" {
		if err != nil {
			r.logger.Debug("release: catalog fetch failed", "slug", r.slug, "error", err)
		}
		return "", false
	}
	r.store(ctx, key, v)
	return v, true
}

// CachedVersion answers from the cache alone, never contacting the catalog.
// The settings watcher evaluates eligibility through it so that out-of-band
// edits do not trigger network fetches.
func (r *Resolver) CachedVersion(ctx context.Context) (string, bool) {
	key := versionKey(r.slug)
	v, hit, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("release: cache read failed", "key", key, "error", err)
		return "", false
	}
	if !hit || v == "" {
		return "", false
	}
	return v, true
}

// Refresh skips the cache check: one catalog fetch, stored on success and
// returned. The cache is untouched on failure.
func (r *Resolver) Refresh(ctx context.Context) (string, error) {
	v, err := r.cat.FetchVersion(ctx, r.slug)
	if err != nil {
		return "", fmt.Errorf("release: refresh %s: %w", r.slug, err)
	}
	if v == "" {
		return "", fmt.Errorf("release: refresh %s: catalog returned empty version", r.slug)
	}
	r.store(ctx, versionKey(r.slug), v)
	return v, nil
}

// Notes returns the latest release changelog rendered as Markdown, cached
// under the same TTL discipline as the version. The catalog answer carries
// the version too, so a notes fetch also rewarms the version entry.
func (r *Resolver) Notes(ctx context.Context) (string, error) {
	key := notesKey(r.slug)
	if md, hit, err := r.cache.Get(ctx, key); err != nil {
		r.logger.Warn("release: cache read failed", "key", key, "error", err)
	} else if hit {
		return md, nil
	}

	rel, err := r.cat.FetchRelease(ctx, r.slug)
	if err != nil {
		return "", fmt.Errorf("release: notes %s: %w", r.slug, err)
	}

	md := r.renderNotes(rel.NotesHTML)
	r.store(ctx, key, md)
	if rel.Version != "" {
		r.store(ctx, versionKey(r.slug), rel.Version)
	}
	return md, nil
}

func (r *Resolver) store(ctx context.Context, key, value string) {
	if err := r.cache.Set(ctx, key, value, r.ttl); err != nil {
		r.logger.Warn("release: cache write failed", "key", key, "error", err)
	}
}

// renderNotes sanitizes catalog HTML and converts it to Markdown. If
// conversion fails or produces empty output, the tag-stripped text is
// returned instead.
func (r *Resolver) renderNotes(html string) string {
	if html == "" {
		return ""
	}
	clean := r.sanitize.Sanitize(html)
	md, err := r.md.ConvertString(clean)
	if err != nil || strings.TrimSpace(md) == "" {
		return strings.TrimSpace(r.strip.Sanitize(clean))
	}
	return strings.TrimSpace(md)
}

func versionKey(slug string) string { return "latest_version:" + slug }
func notesKey(slug string) string   { return "release_notes:" + slug }
