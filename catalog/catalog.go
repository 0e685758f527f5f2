// CLAUDE:SUMMARY HTTP client for the extension release catalog — version and changelog lookups with dot-path extraction.
// Package catalog queries the vendor release catalog (the public plugin
// directory API) for published extension metadata.
//
// The catalog answers one JSON document per extension slug; the fields this
// package needs (version string, changelog HTML) are addressed by
// dot-notation paths so a differently shaped catalog only needs new paths,
// not new code.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Lookup resolves published release metadata for an extension slug.
type Lookup interface {
	// FetchVersion returns the latest published version string.
	// A non-nil error or an empty string both mean "unavailable".
	FetchVersion(ctx context.Context, slug string) (string, error)

	// FetchRelease returns the latest version together with the raw
	// changelog HTML.
	FetchRelease(ctx context.Context, slug string) (*Release, error)
}

// Release is the catalog's answer for one extension.
type Release struct {
	Version   string `json:"version"`
	NotesHTML string `json:"notes_html,omitempty"`
}

// ErrNotConfigured is returned by the noop client used when no catalog
// base URL is configured.
var ErrNotConfigured = errors.New("catalog: not configured")

// StatusError reports a non-success HTTP status from the catalog.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog: %s returned http %d", e.URL, e.Status)
}

// Config configures the catalog client.
type Config struct {
	// BaseURL is the catalog root (e.g. "https://api.example.org/extensions/info/1.0").
	// If empty, New returns a noop client that reports ErrNotConfigured.
	BaseURL string `yaml:"base_url"`

	// Slug is the default extension identifier, used when a call passes "".
	Slug string `yaml:"slug"`

	// Timeout per HTTP request. Default: 5s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxBytes caps the response body. Default: 2 MiB.
	MaxBytes int64 `yaml:"max_bytes"`

	// UserAgent sent with requests. Default: "telegate/1.0".
	UserAgent string `yaml:"user_agent"`

	// VersionPath is the dot-notation path to the version string in the
	// response document. Default: "version".
	VersionPath string `yaml:"version_path"`

	// NotesPath is the dot-notation path to the changelog HTML.
	// Default: "sections.changelog".
	NotesPath string `yaml:"notes_path"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 2 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "telegate/1.0"
	}
	if c.VersionPath == "" {
		c.VersionPath = "version"
	}
	if c.NotesPath == "" {
		c.NotesPath = "sections.changelog"
	}
}

// Option configures the client.
type Option func(*client)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *client) { c.logger = l }
}

// New creates a Lookup from config. If BaseURL is empty, a noop client is
// returned: every call reports ErrNotConfigured, which callers already
// treat as "version unavailable".
func New(cfg Config, opts ...Option) Lookup {
	cfg.defaults()
	if cfg.BaseURL == "" {
		return noopLookup{}
	}

	c := &client{
		cfg:    cfg,
		logger: slog.Default(),
		http: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				// The catalog may bounce between paths but never off-host.
				if req.URL.Host != via[0].URL.Host {
					return fmt.Errorf("redirect to foreign host %q blocked", req.URL.Host)
				}
				return nil
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func (c *client) FetchVersion(ctx context.Context, slug string) (string, error) {
	doc, err := c.fetch(ctx, slug)
	if err != nil {
		return "", err
	}
	v, err := walkString(doc, c.cfg.VersionPath)
	if err != nil {
		return "", fmt.Errorf("catalog: version field: %w", err)
	}
	return v, nil
}

func (c *client) FetchRelease(ctx context.Context, slug string) (*Release, error) {
	doc, err := c.fetch(ctx, slug)
	if err != nil {
		return nil, err
	}
	rel := &Release{}
	rel.Version, err = walkString(doc, c.cfg.VersionPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: version field: %w", err)
	}
	// Notes are best-effort: a catalog entry without a changelog section is
	// still a valid release.
	if notes, err := walkString(doc, c.cfg.NotesPath); err == nil {
		rel.NotesHTML = notes
	}
	return rel, nil
}

// fetch performs one GET {base}/{slug}.json and decodes the document.
func (c *client) fetch(ctx context.Context, slug string) (any, error) {
	if slug == "" {
		slug = c.cfg.Slug
	}
	if slug == "" {
		return nil, fmt.Errorf("catalog: no slug configured")
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + slug + ".json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: new request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, &StatusError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("catalog: read body: %w", err)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("catalog: json decode: %w", err)
	}
	return doc, nil
}

// walkString walks a dot-notation path into a decoded JSON value and
// returns the non-empty string found at the leaf.
func walkString(v any, path string) (string, error) {
	current := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return "", fmt.Errorf("expected object at %q, got %T", part, current)
		}
		current, ok = obj[part]
		if !ok {
			return "", fmt.Errorf("key %q not found", part)
		}
	}
	s, ok := current.(string)
	if !ok {
		return "", fmt.Errorf("path %q is not a string, got %T", path, current)
	}
	if s == "" {
		return "", fmt.Errorf("path %q is empty", path)
	}
	return s, nil
}

type noopLookup struct{}

func (noopLookup) FetchVersion(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

func (noopLookup) FetchRelease(context.Context, string) (*Release, error) {
	return nil, ErrNotConfigured
}
