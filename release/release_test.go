package release

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/storelogic/telegate/catalog"
)

type fakeCatalog struct {
	version string
	notes   string
	err     error
	calls   int
}

func (f *fakeCatalog) FetchVersion(ctx context.Context, slug string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.version, nil
}

func (f *fakeCatalog) FetchRelease(ctx context.Context, slug string) (*catalog.Release, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &catalog.Release{Version: f.version, NotesHTML: f.notes}, nil
}

// fakeCache keeps expired entries visible to the test: Get reports them as
// absent, but the row survives unless Set overwrites it.
type fakeCache struct {
	values  map[string]string
	expired map[string]bool
	ttls    map[string]time.Duration
	sets    int
	getErr  error
	setErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		values:  make(map[string]string),
		expired: make(map[string]bool),
		ttls:    make(map[string]time.Duration),
	}
}

func (c *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	if c.getErr != nil {
		return "", false, c.getErr
	}
	v, ok := c.values[key]
	if !ok || c.expired[key] {
		return "", false, nil
	}
	return v, true, nil
}

func (c *fakeCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if c.setErr != nil {
		return c.setErr
	}
	c.sets++
	c.values[key] = value
	c.ttls[key] = ttl
	delete(c.expired, key)
	return nil
}

func TestLatestVersion_MissFetchesOnce(t *testing.T) {
	cat := &fakeCatalog{version: "9.3.1"}
	cache := newFakeCache()
	r := New(cat, cache, "ext")

	v, ok := r.LatestVersion(context.Background())
	if !ok || v != "9.3.1" {
		t.Fatalf("got (%q, %v)", v, ok)
	}
	if cat.calls != 1 {
		t.Fatalf("fetches: got %d, want 1", cat.calls)
	}
	if cache.values["latest_version:ext"] != "9.3.1" {
		t.Fatalf("cache: got %q", cache.values["latest_version:ext"])
	}
	if cache.ttls["latest_version:ext"] != DefaultTTL {
		t.Fatalf("ttl: got %v, want %v", cache.ttls["latest_version:ext"], DefaultTTL)
	}
}

func TestLatestVersion_HitSkipsFetch(t *testing.T) {
	cat := &fakeCatalog{version: "9.9.9"}
	cache := newFakeCache()
	cache.values["latest_version:ext"] = "9.3.1"
	r := New(cat, cache, "ext")

	v, ok := r.LatestVersion(context.Background())
	if !ok || v != "9.3.1" {
		t.Fatalf("got (%q, %v)", v, ok)
	}
	if cat.calls != 0 {
		t.Fatalf("fetches: got %d, want 0", cat.calls)
	}
}

func TestLatestVersion_ExpiredEntryRefetches(t *testing.T) {
	cat := &fakeCatalog{version: "9.4.0"}
	cache := newFakeCache()
	cache.values["latest_version:ext"] = "9.3.1"
	cache.expired["latest_version:ext"] = true
	r := New(cat, cache, "ext")

	v, ok := r.LatestVersion(context.Background())
	if !ok || v != "9.4.0" {
		t.Fatalf("got (%q, %v)", v, ok)
	}
	if cat.calls != 1 {
		t.Fatalf("fetches: got %d, want 1", cat.calls)
	}
	if cache.values["latest_version:ext"] != "9.4.0" {
		t.Fatalf("cache not refreshed: %q", cache.values["latest_version:ext"])
	}
}

func TestLatestVersion_FailedFetchNoValue(t *testing.T) {
	cat := &fakeCatalog{err: errors.New("catalog down")}
	cache := newFakeCache()
	r := New(cat, cache, "ext")

	v, ok := r.LatestVersion(context.Background())
	if ok || v != "" {
		t.Fatalf("got (%q, %v), want no value", v, ok)
	}
	if cache.sets != 0 {
		t.Fatalf("cache writes: got %d, want 0", cache.sets)
	}
}

func TestLatestVersion_CatalogDownCacheStillServes(t *testing.T) {
	// A valid entry short-circuits before the catalog is consulted, so an
	// outage is invisible while the cache holds.
	cat := &fakeCatalog{err: errors.New("catalog down")}
	cache := newFakeCache()
	cache.values["latest_version:ext"] = "9.3.1"
	r := New(cat, cache, "ext")

	v, ok := r.LatestVersion(context.Background())
	if !ok || v != "9.3.1" {
		t.Fatalf("got (%q, %v)", v, ok)
	}
	if cat.calls != 0 {
		t.Fatalf("fetches: got %d, want 0", cat.calls)
	}
}

func TestLatestVersion_FailedFetchPreservesExpiredEntry(t *testing.T) {
	// An expired entry is never served, but a failed fetch must not erase it
	// either: the sweeper owns deletion.
	cat := &fakeCatalog{err: errors.New("catalog down")}
	cache := newFakeCache()
	cache.values["latest_version:ext"] = "9.3.1"
	cache.expired["latest_version:ext"] = true
	r := New(cat, cache, "ext")

	_, ok := r.LatestVersion(context.Background())
	if ok {
		t.Fatal("expired entry must not be served as stale fallback")
	}
	if cache.values["latest_version:ext"] != "9.3.1" {
		t.Fatalf("entry disturbed: %q", cache.values["latest_version:ext"])
	}
	if cache.sets != 0 {
		t.Fatalf("cache writes: got %d, want 0", cache.sets)
	}
}

func TestLatestVersion_EmptyVersionIsFailure(t *testing.T) {
	cat := &fakeCatalog{version: ""}
	cache := newFakeCache()
	r := New(cat, cache, "ext")

	if _, ok := r.LatestVersion(context.Background()); ok {
		t.Fatal("empty version should mean unavailable")
	}
	if cache.sets != 0 {
		t.Fatalf("cache writes: got %d, want 0", cache.sets)
	}
}

func TestLatestVersion_CacheReadErrorTreatedAsMiss(t *testing.T) {
	cat := &fakeCatalog{version: "9.3.1"}
	cache := newFakeCache()
	cache.getErr = errors.New("backend gone")
	r := New(cat, cache, "ext")

	v, ok := r.LatestVersion(context.Background())
	if !ok || v != "9.3.1" {
		t.Fatalf("got (%q, %v)", v, ok)
	}
	if cat.calls != 1 {
		t.Fatalf("fetches: got %d, want 1", cat.calls)
	}
}

func TestLatestVersion_CacheWriteErrorStillReturns(t *testing.T) {
	cat := &fakeCatalog{version: "9.3.1"}
	cache := newFakeCache()
	cache.setErr = errors.New("disk full")
	r := New(cat, cache, "ext")

	v, ok := r.LatestVersion(context.Background())
	if !ok || v != "9.3.1" {
		t.Fatalf("got (%q, %v)", v, ok)
	}
}

func TestCachedVersion_NeverFetches(t *testing.T) {
	cat := &fakeCatalog{version: "9.9.9"}
	cache := newFakeCache()
	r := New(cat, cache, "ext")

	if v, ok := r.CachedVersion(context.Background()); ok || v != "" {
		t.Fatalf("empty cache: got (%q, %v)", v, ok)
	}

	cache.values["latest_version:ext"] = "9.3.1"
	if v, ok := r.CachedVersion(context.Background()); !ok || v != "9.3.1" {
		t.Fatalf("warm cache: got (%q, %v)", v, ok)
	}

	cache.expired["latest_version:ext"] = true
	if _, ok := r.CachedVersion(context.Background()); ok {
		t.Fatal("expired entry served")
	}

	if cat.calls != 0 {
		t.Fatalf("fetches: got %d, want 0", cat.calls)
	}
}

func TestWithTTL(t *testing.T) {
	cat := &fakeCatalog{version: "9.3.1"}
	cache := newFakeCache()
	r := New(cat, cache, "ext", WithTTL(time.Hour))

	r.LatestVersion(context.Background())
	if got := cache.ttls["latest_version:ext"]; got != time.Hour {
		t.Fatalf("ttl: got %v, want %v", got, time.Hour)
	}
}

func TestRefresh_BypassesCache(t *testing.T) {
	cat := &fakeCatalog{version: "9.4.0"}
	cache := newFakeCache()
	cache.values["latest_version:ext"] = "9.3.1"
	r := New(cat, cache, "ext")

	v, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "9.4.0" {
		t.Fatalf("got %q", v)
	}
	if cat.calls != 1 {
		t.Fatalf("fetches: got %d, want 1", cat.calls)
	}
	if cache.values["latest_version:ext"] != "9.4.0" {
		t.Fatalf("cache: got %q", cache.values["latest_version:ext"])
	}
}

func TestRefresh_FailureLeavesCache(t *testing.T) {
	cat := &fakeCatalog{err: errors.New("catalog down")}
	cache := newFakeCache()
	cache.values["latest_version:ext"] = "9.3.1"
	r := New(cat, cache, "ext")

	if _, err := r.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if cache.values["latest_version:ext"] != "9.3.1" {
		t.Fatalf("cache disturbed: %q", cache.values["latest_version:ext"])
	}
	if cache.sets != 0 {
		t.Fatalf("cache writes: got %d, want 0", cache.sets)
	}
}

func TestNotes_RendersMarkdown(t *testing.T) {
	cat := &fakeCatalog{
		version: "9.3.1",
		notes:   `<h4>9.3.1</h4><ul><li>Fixed checkout totals.</li></ul><script>alert(1)</script>`,
	}
	cache := newFakeCache()
	r := New(cat, cache, "ext")

	md, err := r.Notes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(md, "9.3.1") || !strings.Contains(md, "Fixed checkout totals") {
		t.Fatalf("notes: got %q", md)
	}
	if strings.Contains(md, "<h4>") {
		t.Fatalf("raw html leaked: %q", md)
	}
	if strings.Contains(md, "alert(") {
		t.Fatalf("script survived sanitization: %q", md)
	}
}

func TestNotes_CachedAndWarmsVersion(t *testing.T) {
	cat := &fakeCatalog{version: "9.3.1", notes: "<p>Notes.</p>"}
	cache := newFakeCache()
	r := New(cat, cache, "ext")

	if _, err := r.Notes(context.Background()); err != nil {
		t.Fatal(err)
	}
	if cat.calls != 1 {
		t.Fatalf("fetches: got %d, want 1", cat.calls)
	}
	// One catalog answer feeds both entries.
	if cache.values["latest_version:ext"] != "9.3.1" {
		t.Fatalf("version not warmed: %q", cache.values["latest_version:ext"])
	}

	if _, err := r.Notes(context.Background()); err != nil {
		t.Fatal(err)
	}
	if cat.calls != 1 {
		t.Fatalf("second call fetched: got %d calls", cat.calls)
	}
	if v, ok := r.LatestVersion(context.Background()); !ok || v != "9.3.1" {
		t.Fatalf("version after notes: got (%q, %v)", v, ok)
	}
	if cat.calls != 1 {
		t.Fatalf("version lookup fetched: got %d calls", cat.calls)
	}
}

func TestNotes_FetchError(t *testing.T) {
	cat := &fakeCatalog{err: errors.New("catalog down")}
	r := New(cat, newFakeCache(), "ext")

	if _, err := r.Notes(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNotes_EmptyChangelog(t *testing.T) {
	cat := &fakeCatalog{version: "9.3.1", notes: ""}
	cache := newFakeCache()
	r := New(cat, cache, "ext")

	md, err := r.Notes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if md != "" {
		t.Fatalf("got %q, want empty", md)
	}
	// Empty answer is cached too, so the catalog is not hammered.
	if _, err := r.Notes(context.Background()); err != nil {
		t.Fatal(err)
	}
	if cat.calls != 1 {
		t.Fatalf("fetches: got %d, want 1", cat.calls)
	}
}

// --- MCP tools ---

var testMCPImpl = &mcp.Implementation{Name: "release-test", Version: "0.1.0"}

func mcpSession(t *testing.T, r *Resolver) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	r.RegisterMCP(srv, nil)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text
}

func TestMCP_ReleaseLatest(t *testing.T) {
	cat := &fakeCatalog{version: "9.3.1"}
	session := mcpSession(t, New(cat, newFakeCache(), "ext"))

	text := mcpCallTool(t, session, "release_latest", map[string]any{})

	var resp struct {
		Version   string `json:"version"`
		Available bool   `json:"available"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Available || resp.Version != "9.3.1" {
		t.Fatalf("got %+v", resp)
	}
}

func TestMCP_ReleaseRefresh(t *testing.T) {
	cat := &fakeCatalog{version: "9.4.0"}
	cache := newFakeCache()
	cache.values["latest_version:ext"] = "9.3.1"
	session := mcpSession(t, New(cat, cache, "ext"))

	text := mcpCallTool(t, session, "release_refresh", map[string]any{})

	var resp struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Version != "9.4.0" {
		t.Fatalf("got %+v", resp)
	}
	if cat.calls != 1 {
		t.Fatalf("fetches: got %d, want 1", cat.calls)
	}
}

func TestMCP_ReleaseNotes(t *testing.T) {
	cat := &fakeCatalog{version: "9.3.1", notes: "<h4>9.3.1</h4><p>Better totals.</p>"}
	session := mcpSession(t, New(cat, newFakeCache(), "ext"))

	text := mcpCallTool(t, session, "release_notes", map[string]any{})

	var resp struct {
		Notes string `json:"notes"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(resp.Notes, "Better totals") {
		t.Fatalf("notes: got %q", resp.Notes)
	}
}
