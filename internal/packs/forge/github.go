// Package forge provides the GitHub capability pack: issue and pull
// request tools backed by the go-github SDK.
package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"
)

// Issue is the flattened view of a GitHub issue returned to the model.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	State     string    `json:"state"`
	Author    string    `json:"author"`
	Labels    []string  `json:"labels,omitempty"`
	Assignees []string  `json:"assignees,omitempty"`
	Comments  int       `json:"comments"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PullRequest is the flattened view of a GitHub pull request.
type PullRequest struct {
	Number       int       `json:"number"`
	Title        string    `json:"title"`
	Body         string    `json:"body,omitempty"`
	State        string    `json:"state"`
	Author       string    `json:"author"`
	Head         string    `json:"head"`
	Base         string    `json:"base"`
	Draft        bool      `json:"draft"`
	Mergeable    *bool     `json:"mergeable,omitempty"`
	Additions    int       `json:"additions"`
	Deletions    int       `json:"deletions"`
	ChangedFiles int       `json:"changed_files"`
	URL          string    `json:"url"`
	CreatedAt    time.Time `json:"created_at"`
}

// SearchResult is a single hit from an issue search.
type SearchResult struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state,omitempty"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// listFilter narrows issue and pull request listings.
type listFilter struct {
	state  string
	labels string
	limit  int
}

// gitHub wraps the go-github client with flattening conversions.
type gitHub struct {
	client *gogithub.Client
	logger *slog.Logger
}

// newGitHub builds an authenticated client. A non-empty baseURL points
// the client at a GitHub Enterprise instance (or a test server).
func newGitHub(httpClient *http.Client, token, baseURL string, logger *slog.Logger) (*gitHub, error) {
	client := gogithub.NewClient(httpClient).WithAuthToken(token)
	if baseURL != "" && baseURL != "https://api.github.com" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("enterprise url %q: %w", baseURL, err)
		}
	}
	return &gitHub{client: client, logger: logger}, nil
}

// splitRepo splits an "owner/repo" string into its two parts.
func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/repo", repo)
	}
	return owner, name, nil
}

// rateCheck logs a warning when the remaining API budget runs low.
func (g *gitHub) rateCheck(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining > 0 && resp.Rate.Remaining < 100 {
		g.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time)
	}
}

func (g *gitHub) getIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	result, resp, err := g.client.Issues.Get(ctx, owner, name, number)
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	g.rateCheck(resp)
	return flattenIssue(result), nil
}

func (g *gitHub) listIssues(ctx context.Context, repo string, f listFilter) ([]*Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &gogithub.IssueListByRepoOptions{
		State:       f.state,
		ListOptions: gogithub.ListOptions{PerPage: f.limit},
	}
	if opts.State == "" {
		opts.State = "open"
	}
	if f.labels != "" {
		opts.Labels = strings.Split(f.labels, ",")
	}

	results, resp, err := g.client.Issues.ListByRepo(ctx, owner, name, opts)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	g.rateCheck(resp)

	issues := make([]*Issue, 0, len(results))
	for _, r := range results {
		// the issues endpoint also returns pull requests
		if r.IsPullRequest() {
			continue
		}
		issues = append(issues, flattenIssue(r))
	}
	return issues, nil
}

func (g *gitHub) createIssue(ctx context.Context, repo, title, body string, labels []string) (*Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	req := &gogithub.IssueRequest{Title: &title, Body: &body}
	if len(labels) > 0 {
		req.Labels = &labels
	}

	result, resp, err := g.client.Issues.Create(ctx, owner, name, req)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	g.rateCheck(resp)
	return flattenIssue(result), nil
}

func (g *gitHub) addComment(ctx context.Context, repo string, number int, body string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}

	result, resp, err := g.client.Issues.CreateComment(ctx, owner, name, number, &gogithub.IssueComment{
		Body: &body,
	})
	if err != nil {
		return "", fmt.Errorf("add comment: %w", err)
	}
	g.rateCheck(resp)
	return result.GetHTMLURL(), nil
}

func (g *gitHub) getPR(ctx context.Context, repo string, number int) (*PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	result, resp, err := g.client.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, fmt.Errorf("get pull request: %w", err)
	}
	g.rateCheck(resp)
	return flattenPR(result), nil
}

func (g *gitHub) listPRs(ctx context.Context, repo string, f listFilter) ([]*PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	state := f.state
	if state == "" {
		state = "open"
	}
	results, resp, err := g.client.PullRequests.List(ctx, owner, name, &gogithub.PullRequestListOptions{
		State:       state,
		ListOptions: gogithub.ListOptions{PerPage: f.limit},
	})
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	g.rateCheck(resp)

	prs := make([]*PullRequest, 0, len(results))
	for _, r := range results {
		prs = append(prs, flattenPR(r))
	}
	return prs, nil
}

func (g *gitHub) prDiff(ctx context.Context, repo string, number int) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}
	diff, resp, err := g.client.PullRequests.GetRaw(ctx, owner, name, number, gogithub.RawOptions{
		Type: gogithub.Diff,
	})
	if err != nil {
		return "", fmt.Errorf("get pull request diff: %w", err)
	}
	g.rateCheck(resp)
	return diff, nil
}

func (g *gitHub) searchIssues(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	opts := &gogithub.SearchOptions{ListOptions: gogithub.ListOptions{PerPage: limit}}
	r, resp, err := g.client.Search.Issues(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("search issues: %w", err)
	}
	g.rateCheck(resp)

	results := make([]SearchResult, 0, len(r.Issues))
	for _, item := range r.Issues {
		results = append(results, SearchResult{
			Number:  item.GetNumber(),
			Title:   item.GetTitle(),
			State:   item.GetState(),
			URL:     item.GetHTMLURL(),
			Snippet: clip(item.GetBody(), 200),
		})
	}
	return results, nil
}

func flattenIssue(i *gogithub.Issue) *Issue {
	if i == nil {
		return nil
	}
	out := &Issue{
		Number:    i.GetNumber(),
		Title:     i.GetTitle(),
		Body:      i.GetBody(),
		State:     i.GetState(),
		Author:    i.GetUser().GetLogin(),
		Comments:  i.GetComments(),
		URL:       i.GetHTMLURL(),
		CreatedAt: i.GetCreatedAt().Time,
		UpdatedAt: i.GetUpdatedAt().Time,
	}
	for _, l := range i.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	for _, a := range i.Assignees {
		out.Assignees = append(out.Assignees, a.GetLogin())
	}
	return out
}

func flattenPR(pr *gogithub.PullRequest) *PullRequest {
	if pr == nil {
		return nil
	}
	out := &PullRequest{
		Number:       pr.GetNumber(),
		Title:        pr.GetTitle(),
		Body:         pr.GetBody(),
		State:        pr.GetState(),
		Author:       pr.GetUser().GetLogin(),
		Head:         pr.GetHead().GetRef(),
		Base:         pr.GetBase().GetRef(),
		Draft:        pr.GetDraft(),
		Additions:    pr.GetAdditions(),
		Deletions:    pr.GetDeletions(),
		ChangedFiles: pr.GetChangedFiles(),
		URL:          pr.GetHTMLURL(),
		CreatedAt:    pr.GetCreatedAt().Time,
	}
	if pr.Mergeable != nil {
		m := pr.GetMergeable()
		out.Mergeable = &m
	}
	return out
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
