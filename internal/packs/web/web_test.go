package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Release Notes</title><style>body{color:red}</style></head>
<body>
<nav>Home | About</nav>
<script>trackVisitor()</script>
<article>
<h1>Version 2.0</h1>
<p>This release adds streaming support.</p>
<ul><li>Faster parsing</li><li>Fewer allocations</li></ul>
</article>
<footer>Copyright 2026</footer>
</body>
</html>`

func TestFetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	f := newFetcher(Config{})
	page, err := f.fetch(context.Background(), srv.URL, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if page.Title != "Release Notes" {
		t.Errorf("Title = %q", page.Title)
	}
	if page.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d", page.StatusCode)
	}
	if !strings.Contains(page.Content, "streaming support") {
		t.Errorf("content missing article text: %q", page.Content)
	}
	// A zero cap falls back to the fetcher default instead of
	// truncating everything away.
	if page.Truncated {
		t.Error("Truncated should not be set with the default cap")
	}
	for _, boilerplate := range []string{"trackVisitor", "color:red", "Home | About", "Copyright"} {
		if strings.Contains(page.Content, boilerplate) {
			t.Errorf("content should not contain %q", boilerplate)
		}
	}
}

func TestFetchTruncation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("x", 500))
	}))
	defer srv.Close()

	f := newFetcher(Config{})
	page, err := f.fetch(context.Background(), srv.URL, 100)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !page.Truncated {
		t.Error("Truncated should be set")
	}
	if len(page.Content) != 100 {
		t.Errorf("len = %d, want 100", len(page.Content))
	}
}

func TestFetchRequiresURL(t *testing.T) {
	f := newFetcher(Config{})
	if _, err := f.fetch(context.Background(), "", 0); err == nil {
		t.Error("empty url should error")
	}
}

func TestExtractReadable(t *testing.T) {
	title, text := extractReadable(samplePage)
	if title != "Release Notes" {
		t.Errorf("title = %q", title)
	}
	if !strings.Contains(text, "Version 2.0") || !strings.Contains(text, "Faster parsing") {
		t.Errorf("text = %q", text)
	}
	if strings.Contains(text, "\n\n\n") {
		t.Error("blank lines should be collapsed")
	}
}
