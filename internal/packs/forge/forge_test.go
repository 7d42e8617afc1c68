package forge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/satchel-ai/satchel/internal/pack"
)

// newTestService loads a forge pack pointed at the given handler. The
// test server is closed automatically when the test finishes.
func newTestService(t *testing.T, handler http.Handler) *service {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	s := &service{
		cfg:        Config{Token: "test-token", Owner: "acme", BaseURL: ts.URL},
		logger:     slog.New(slog.DiscardHandler),
		httpClient: ts.Client(),
	}
	if err := s.connect(context.Background(), &pack.Scope{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func TestSplitRepo(t *testing.T) {
	tests := []struct {
		input     string
		wantOwner string
		wantName  string
		wantErr   bool
	}{
		{"acme/app", "acme", "app", false},
		{"org/my-project", "org", "my-project", false},
		{"noslash", "", "", true},
		{"/app", "", "", true},
		{"acme/", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			owner, name, err := splitRepo(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("splitRepo(%q) err = %v, wantErr = %v", tt.input, err, tt.wantErr)
			}
			if owner != tt.wantOwner || name != tt.wantName {
				t.Errorf("got %q/%q, want %q/%q", owner, name, tt.wantOwner, tt.wantName)
			}
		})
	}
}

func TestResolveRepoDefaultOwner(t *testing.T) {
	s := &service{cfg: Config{Owner: "acme"}}

	got, err := s.resolveRepo("app")
	if err != nil {
		t.Fatalf("resolveRepo: %v", err)
	}
	if got != "acme/app" {
		t.Errorf("resolved = %q, want acme/app", got)
	}

	got, err = s.resolveRepo("other/thing")
	if err != nil {
		t.Fatalf("resolveRepo qualified: %v", err)
	}
	if got != "other/thing" {
		t.Errorf("resolved = %q, want other/thing", got)
	}

	s.cfg.Owner = ""
	if _, err := s.resolveRepo("app"); err == nil {
		t.Error("expected error for bare repo without default owner")
	}
}

func TestGetIssue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/app/issues/42", func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{
			"number":     42,
			"title":      "Crash on startup",
			"body":       "Stack trace attached",
			"state":      "open",
			"comments":   3,
			"html_url":   "https://github.com/acme/app/issues/42",
			"created_at": "2026-01-15T10:00:00Z",
			"updated_at": "2026-01-16T12:00:00Z",
			"user":       map[string]any{"login": "alice"},
			"labels":     []map[string]any{{"name": "bug"}, {"name": "urgent"}},
			"assignees":  []map[string]any{{"login": "bob"}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	s := newTestService(t, mux)
	out, err := s.handleGetIssue(context.Background(), map[string]any{
		"repo":   "app",
		"number": float64(42),
	})
	if err != nil {
		t.Fatalf("handleGetIssue: %v", err)
	}

	issue, ok := out.(*Issue)
	if !ok {
		t.Fatalf("result type %T, want *Issue", out)
	}
	if issue.Number != 42 || issue.Title != "Crash on startup" {
		t.Errorf("issue = %+v", issue)
	}
	if issue.Author != "alice" {
		t.Errorf("author = %q, want alice", issue.Author)
	}
	if len(issue.Labels) != 2 || issue.Labels[0] != "bug" {
		t.Errorf("labels = %v", issue.Labels)
	}
	if len(issue.Assignees) != 1 || issue.Assignees[0] != "bob" {
		t.Errorf("assignees = %v", issue.Assignees)
	}
}

func TestListIssuesFiltersPullRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/app/issues", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != "open" {
			t.Errorf("state = %q, want open", q.Get("state"))
		}
		if q.Get("labels") != "bug" {
			t.Errorf("labels = %q, want bug", q.Get("labels"))
		}
		if q.Get("per_page") != "10" {
			t.Errorf("per_page = %q, want 10", q.Get("per_page"))
		}

		resp := []map[string]any{
			{
				"number": 1, "title": "First", "state": "open",
				"html_url":   "https://github.com/acme/app/issues/1",
				"created_at": "2026-01-01T00:00:00Z", "updated_at": "2026-01-01T00:00:00Z",
				"user": map[string]any{"login": "alice"},
			},
			// pull request entries come back from the same endpoint
			{
				"number": 2, "title": "A PR", "state": "open",
				"html_url":     "https://github.com/acme/app/pull/2",
				"created_at":   "2026-01-02T00:00:00Z", "updated_at": "2026-01-02T00:00:00Z",
				"user":         map[string]any{"login": "carol"},
				"pull_request": map[string]any{"url": "https://api.github.com/repos/acme/app/pulls/2"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	s := newTestService(t, mux)
	out, err := s.handleListIssues(context.Background(), map[string]any{
		"repo":   "app",
		"state":  "open",
		"labels": "bug",
		"limit":  float64(10),
	})
	if err != nil {
		t.Fatalf("handleListIssues: %v", err)
	}

	issues, ok := out.([]*Issue)
	if !ok {
		t.Fatalf("result type %T, want []*Issue", out)
	}
	if len(issues) != 1 || issues[0].Title != "First" {
		t.Errorf("issues = %+v, want only the real issue", issues)
	}
}

func TestCreateIssueSendsRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/repos/acme/app/issues", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["title"] != "New issue" {
			t.Errorf("title = %q", req["title"])
		}
		labels, _ := req["labels"].([]any)
		if len(labels) != 1 || labels[0] != "enhancement" {
			t.Errorf("labels = %v", req["labels"])
		}

		resp := map[string]any{
			"number": 99, "title": "New issue", "state": "open",
			"html_url":   "https://github.com/acme/app/issues/99",
			"created_at": "2026-01-20T08:00:00Z", "updated_at": "2026-01-20T08:00:00Z",
			"user":       map[string]any{"login": "alice"},
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(resp)
	})

	s := newTestService(t, mux)
	out, err := s.handleCreateIssue(context.Background(), map[string]any{
		"repo":   "app",
		"title":  "New issue",
		"body":   "Description",
		"labels": []any{"enhancement"},
	})
	if err != nil {
		t.Fatalf("handleCreateIssue: %v", err)
	}

	text, _ := out.(string)
	if !strings.Contains(text, "#99") {
		t.Errorf("result = %q, want mention of #99", text)
	}
}

func TestGetPullRequestWithDiff(t *testing.T) {
	const wantDiff = "diff --git a/main.go b/main.go\n+// added\n"

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/app/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept")
		if strings.Contains(accept, "diff") {
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, wantDiff)
			return
		}
		resp := map[string]any{
			"number": 7, "title": "Add feature", "state": "open",
			"html_url":      "https://github.com/acme/app/pull/7",
			"additions":     50, "deletions": 10, "changed_files": 3,
			"mergeable":     true,
			"created_at":    "2026-02-01T09:00:00Z", "updated_at": "2026-02-02T14:00:00Z",
			"user":          map[string]any{"login": "dave"},
			"head":          map[string]any{"ref": "feat/new-thing"},
			"base":          map[string]any{"ref": "main"},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	s := newTestService(t, mux)
	out, err := s.handleGetPR(context.Background(), map[string]any{
		"repo":         "app",
		"number":       float64(7),
		"include_diff": true,
	})
	if err != nil {
		t.Fatalf("handleGetPR: %v", err)
	}

	result, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("result type %T, want map", out)
	}
	pr, ok := result["pull_request"].(*PullRequest)
	if !ok {
		t.Fatalf("pull_request type %T", result["pull_request"])
	}
	if pr.Head != "feat/new-thing" || pr.Base != "main" {
		t.Errorf("pr = %+v", pr)
	}
	if pr.Mergeable == nil || !*pr.Mergeable {
		t.Error("mergeable should be true")
	}
	if result["diff"] != wantDiff {
		t.Errorf("diff = %q, want %q", result["diff"], wantDiff)
	}
}

func TestSearchIssues(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/search/issues", func(w http.ResponseWriter, r *http.Request) {
		if q := r.URL.Query().Get("q"); q != "repo:acme/app label:bug" {
			t.Errorf("query = %q", q)
		}
		resp := map[string]any{
			"total_count": 1,
			"items": []map[string]any{
				{
					"number": 10, "title": "Found bug", "state": "open",
					"html_url": "https://github.com/acme/app/issues/10",
					"body":     "Bug description",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	s := newTestService(t, mux)
	out, err := s.handleSearch(context.Background(), map[string]any{
		"query": "repo:acme/app label:bug",
	})
	if err != nil {
		t.Fatalf("handleSearch: %v", err)
	}

	results, ok := out.([]SearchResult)
	if !ok {
		t.Fatalf("result type %T, want []SearchResult", out)
	}
	if len(results) != 1 || results[0].Number != 10 {
		t.Errorf("results = %+v", results)
	}
}

func TestAuthHeaderSent(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/app/issues/1", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		resp := map[string]any{
			"number": 1, "title": "Auth test", "state": "open",
			"html_url":   "https://github.com/acme/app/issues/1",
			"created_at": "2026-01-01T00:00:00Z", "updated_at": "2026-01-01T00:00:00Z",
			"user":       map[string]any{"login": "alice"},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	s := newTestService(t, mux)
	if _, err := s.handleGetIssue(context.Background(), map[string]any{"repo": "app", "number": float64(1)}); err != nil {
		t.Fatalf("handleGetIssue: %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want Bearer test-token", gotAuth)
	}
}

func TestPackShape(t *testing.T) {
	p := New(Config{Token: "t"}, slog.New(slog.DiscardHandler))
	if p.Domain != "forge" {
		t.Fatalf("domain = %q", p.Domain)
	}
	want := map[string]bool{
		"list_issues": true, "get_issue": true, "create_issue": true,
		"add_comment": true, "list_pull_requests": true,
		"get_pull_request": true, "search_issues": true,
	}
	for _, tool := range p.Tools {
		if !want[tool.Name] {
			t.Errorf("unexpected tool %q", tool.Name)
		}
		delete(want, tool.Name)
	}
	for name := range want {
		t.Errorf("missing tool %q", name)
	}
}

func TestLoadRequiresToken(t *testing.T) {
	p := New(Config{}, slog.New(slog.DiscardHandler))
	if err := p.OnLoad(context.Background(), &pack.Scope{}); err == nil {
		t.Fatal("expected error without token")
	}
}
