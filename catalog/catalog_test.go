package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const sampleDoc = `{
	"name": "StoreLogic Commerce",
	"slug": "storelogic-commerce",
	"version": "9.3.1",
	"sections": {
		"description": "<p>An extension.</p>",
		"changelog": "<h4>9.3.1</h4><ul><li>Fixed a thing.</li></ul>"
	}
}`

func TestFetchVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/storelogic-commerce.json" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", 404)
			return
		}
		if ua := r.Header.Get("User-Agent"); ua != "telegate/1.0" {
			t.Errorf("user agent: got %q", ua)
		}
		w.Write([]byte(sampleDoc))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	v, err := c.FetchVersion(context.Background(), "storelogic-commerce")
	if err != nil {
		t.Fatal(err)
	}
	if v != "9.3.1" {
		t.Fatalf("version: got %q", v)
	}
}

func TestFetchVersion_DefaultSlug(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/storelogic-commerce.json" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(sampleDoc))
	}))
	defer srv.Close()

	// Empty slug in the call falls back to the configured one.
	c := New(Config{BaseURL: srv.URL, Slug: "storelogic-commerce"})
	v, err := c.FetchVersion(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if v != "9.3.1" {
		t.Fatalf("version: got %q", v)
	}
}

func TestFetchVersion_NoSlug(t *testing.T) {
	c := New(Config{BaseURL: "http://catalog.invalid"})
	if _, err := c.FetchVersion(context.Background(), ""); err == nil {
		t.Fatal("expected error with no slug anywhere")
	}
}

func TestFetchVersion_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.FetchVersion(context.Background(), "ext")
	if err == nil {
		t.Fatal("expected error for 500")
	}
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if se.Status != 500 {
		t.Fatalf("status: got %d", se.Status)
	}
}

func TestFetchVersion_MissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name": "no version here"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if _, err := c.FetchVersion(context.Background(), "ext"); err == nil {
		t.Fatal("expected error for missing version field")
	}
}

func TestFetchVersion_NonStringField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version": 931}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if _, err := c.FetchVersion(context.Background(), "ext"); err == nil {
		t.Fatal("expected error for non-string version")
	}
}

func TestFetchRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleDoc))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	rel, err := c.FetchRelease(context.Background(), "ext")
	if err != nil {
		t.Fatal(err)
	}
	if rel.Version != "9.3.1" {
		t.Fatalf("version: got %q", rel.Version)
	}
	if !strings.Contains(rel.NotesHTML, "Fixed a thing") {
		t.Fatalf("notes: got %q", rel.NotesHTML)
	}
}

func TestFetchRelease_NotesOptional(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version": "1.0.0", "sections": {"description": "<p>x</p>"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	rel, err := c.FetchRelease(context.Background(), "ext")
	if err != nil {
		t.Fatal(err)
	}
	if rel.Version != "1.0.0" {
		t.Fatalf("version: got %q", rel.Version)
	}
	if rel.NotesHTML != "" {
		t.Fatalf("notes should be empty, got %q", rel.NotesHTML)
	}
}

func TestNoop(t *testing.T) {
	c := New(Config{})

	if _, err := c.FetchVersion(context.Background(), "ext"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := c.FetchRelease(context.Background(), "ext"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestRedirect_SameHost(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ext.json" {
			http.Redirect(w, r, srv.URL+"/moved.json", http.StatusMovedPermanently)
			return
		}
		w.Write([]byte(sampleDoc))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	v, err := c.FetchVersion(context.Background(), "ext")
	if err != nil {
		t.Fatal(err)
	}
	if v != "9.3.1" {
		t.Fatalf("version: got %q", v)
	}
}

func TestRedirect_ForeignHostBlocked(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleDoc))
	}))
	defer other.Close()

	// Different port counts as a different host.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, other.URL+"/ext.json", http.StatusFound)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.FetchVersion(context.Background(), "ext")
	if err == nil {
		t.Fatal("expected error for cross-host redirect")
	}
	if !strings.Contains(err.Error(), "foreign host") {
		t.Fatalf("expected foreign host error, got: %v", err)
	}
}

func TestMaxBytes_TruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleDoc))
	}))
	defer srv.Close()

	// Truncated JSON fails to decode rather than silently parsing.
	c := New(Config{BaseURL: srv.URL, MaxBytes: 10})
	if _, err := c.FetchVersion(context.Background(), "ext"); err == nil {
		t.Fatal("expected decode error for truncated body")
	}
}

func TestWalkString(t *testing.T) {
	doc := map[string]any{
		"a": map[string]any{
			"b": map[string]any{"c": "deep"},
		},
		"top": "value",
	}

	v, err := walkString(doc, "top")
	if err != nil {
		t.Fatal(err)
	}
	if v != "value" {
		t.Fatalf("got %q", v)
	}

	v, err = walkString(doc, "a.b.c")
	if err != nil {
		t.Fatal(err)
	}
	if v != "deep" {
		t.Fatalf("got %q", v)
	}

	if _, err := walkString(doc, "a.missing"); err == nil {
		t.Fatal("expected error for missing key")
	}
	if _, err := walkString(doc, "top.deeper"); err == nil {
		t.Fatal("expected error walking into a string")
	}
}
