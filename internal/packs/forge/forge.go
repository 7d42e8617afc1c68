package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/satchel-ai/satchel/internal/httpkit"
	"github.com/satchel-ai/satchel/internal/pack"
)

// Config holds GitHub account settings.
type Config struct {
	// Token is the API authentication token.
	Token string
	// Owner is the default repository owner for unqualified repo names.
	Owner string
	// BaseURL overrides the API endpoint for GitHub Enterprise.
	BaseURL string
}

type service struct {
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex
	gh *gitHub

	// httpClient is replaceable for tests.
	httpClient *http.Client
}

// New builds the forge pack.
func New(cfg Config, logger *slog.Logger) pack.Pack {
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{cfg: cfg, logger: logger.With("component", "forge")}

	repoProp := map[string]any{
		"type":        "string",
		"description": "Repository as owner/repo, or a bare name to use the default owner",
	}
	numberProp := map[string]any{
		"type":        "integer",
		"description": "Issue or pull request number",
		"minimum":     float64(1),
	}
	limitProp := map[string]any{
		"type":        "integer",
		"description": "Maximum results (default 20)",
		"minimum":     float64(1),
		"maximum":     float64(100),
	}
	stateProp := map[string]any{
		"type":        "string",
		"description": "Filter by state",
		"enum":        []any{"open", "closed", "all"},
	}

	return pack.Pack{
		Domain:      "forge",
		Description: "GitHub issues and pull requests",
		Version:     "1.0.0",
		Tools: []pack.ToolSpec{
			{
				Name:        "list_issues",
				Description: "List issues in a repository.",
				Icon:        "circle-dot",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"repo":  repoProp,
						"state": stateProp,
						"labels": map[string]any{
							"type":        "string",
							"description": "Comma-separated label names to filter by",
						},
						"limit": limitProp,
					},
					"required": []any{"repo"},
				},
				Handler: s.handleListIssues,
			},
			{
				Name:        "get_issue",
				Description: "Fetch a single issue with its full body.",
				Icon:        "circle-dot",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"repo":   repoProp,
						"number": numberProp,
					},
					"required": []any{"repo", "number"},
				},
				Handler: s.handleGetIssue,
			},
			{
				Name:        "create_issue",
				Description: "Open a new issue in a repository.",
				Icon:        "plus-circle",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"repo": repoProp,
						"title": map[string]any{
							"type":        "string",
							"description": "Issue title",
							"minLength":   float64(1),
						},
						"body": map[string]any{
							"type":        "string",
							"description": "Issue description body",
						},
						"labels": map[string]any{
							"type":        "array",
							"description": "Label names to apply",
							"items":       map[string]any{"type": "string"},
						},
					},
					"required": []any{"repo", "title"},
				},
				Handler: s.handleCreateIssue,
			},
			{
				Name:        "add_comment",
				Description: "Post a comment on an issue or pull request.",
				Icon:        "message-square",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"repo":   repoProp,
						"number": numberProp,
						"body": map[string]any{
							"type":        "string",
							"description": "Comment text",
							"minLength":   float64(1),
						},
					},
					"required": []any{"repo", "number", "body"},
				},
				Handler: s.handleAddComment,
			},
			{
				Name:        "list_pull_requests",
				Description: "List pull requests in a repository.",
				Icon:        "git-pull-request",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"repo":  repoProp,
						"state": stateProp,
						"limit": limitProp,
					},
					"required": []any{"repo"},
				},
				Handler: s.handleListPRs,
			},
			{
				Name:        "get_pull_request",
				Description: "Fetch a single pull request, optionally with its unified diff.",
				Icon:        "git-pull-request",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"repo":   repoProp,
						"number": numberProp,
						"include_diff": map[string]any{
							"type":        "boolean",
							"description": "Also return the unified diff",
						},
					},
					"required": []any{"repo", "number"},
				},
				Handler: s.handleGetPR,
			},
			{
				Name:        "search_issues",
				Description: "Search issues and pull requests using GitHub search syntax.",
				Icon:        "search",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "Search query, e.g. \"repo:acme/app label:bug is:open\"",
							"minLength":   float64(1),
						},
						"limit": limitProp,
					},
					"required": []any{"query"},
				},
				Handler: s.handleSearch,
			},
		},
		OnLoad: s.connect,
	}
}

func (s *service) connect(ctx context.Context, scope *pack.Scope) error {
	if s.cfg.Token == "" {
		return fmt.Errorf("github token is not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	httpClient := s.httpClient
	if httpClient == nil {
		httpClient = httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithUserAgent("satchel-forge/1.0"),
		)
	}
	gh, err := newGitHub(httpClient, s.cfg.Token, s.cfg.BaseURL, s.logger)
	if err != nil {
		return err
	}
	s.gh = gh
	s.logger.Info("forge connected", "owner", s.cfg.Owner)
	return nil
}

func (s *service) github() (*gitHub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gh == nil {
		return nil, fmt.Errorf("forge is not connected")
	}
	return s.gh, nil
}

// resolveRepo prepends the configured default owner to bare repo names.
func (s *service) resolveRepo(repo string) (string, error) {
	if strings.Contains(repo, "/") {
		return repo, nil
	}
	if s.cfg.Owner == "" {
		return "", fmt.Errorf("repo %q needs an owner but no default owner is configured", repo)
	}
	return s.cfg.Owner + "/" + repo, nil
}

func (s *service) repoArg(args map[string]any) (string, error) {
	repo, _ := args["repo"].(string)
	if repo == "" {
		return "", fmt.Errorf("repo is required")
	}
	return s.resolveRepo(repo)
}

func numberArg(args map[string]any) int {
	v, _ := args["number"].(float64)
	return int(v)
}

func limitArg(args map[string]any, def int) int {
	if v, ok := args["limit"].(float64); ok {
		return int(v)
	}
	return def
}

func (s *service) handleListIssues(ctx context.Context, args map[string]any) (any, error) {
	gh, err := s.github()
	if err != nil {
		return nil, err
	}
	repo, err := s.repoArg(args)
	if err != nil {
		return nil, err
	}

	state, _ := args["state"].(string)
	labels, _ := args["labels"].(string)
	issues, err := gh.listIssues(ctx, repo, listFilter{
		state:  state,
		labels: labels,
		limit:  limitArg(args, 20),
	})
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return fmt.Sprintf("No matching issues in %s.", repo), nil
	}
	return issues, nil
}

func (s *service) handleGetIssue(ctx context.Context, args map[string]any) (any, error) {
	gh, err := s.github()
	if err != nil {
		return nil, err
	}
	repo, err := s.repoArg(args)
	if err != nil {
		return nil, err
	}
	return gh.getIssue(ctx, repo, numberArg(args))
}

func (s *service) handleCreateIssue(ctx context.Context, args map[string]any) (any, error) {
	gh, err := s.github()
	if err != nil {
		return nil, err
	}
	repo, err := s.repoArg(args)
	if err != nil {
		return nil, err
	}

	title, _ := args["title"].(string)
	body, _ := args["body"].(string)
	var labels []string
	if raw, ok := args["labels"].([]any); ok {
		for _, item := range raw {
			if l, ok := item.(string); ok {
				labels = append(labels, l)
			}
		}
	}

	issue, err := gh.createIssue(ctx, repo, title, body, labels)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("Created issue #%d: %s", issue.Number, issue.URL), nil
}

func (s *service) handleAddComment(ctx context.Context, args map[string]any) (any, error) {
	gh, err := s.github()
	if err != nil {
		return nil, err
	}
	repo, err := s.repoArg(args)
	if err != nil {
		return nil, err
	}

	body, _ := args["body"].(string)
	url, err := gh.addComment(ctx, repo, numberArg(args), body)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("Comment posted: %s", url), nil
}

func (s *service) handleListPRs(ctx context.Context, args map[string]any) (any, error) {
	gh, err := s.github()
	if err != nil {
		return nil, err
	}
	repo, err := s.repoArg(args)
	if err != nil {
		return nil, err
	}

	state, _ := args["state"].(string)
	prs, err := gh.listPRs(ctx, repo, listFilter{state: state, limit: limitArg(args, 20)})
	if err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return fmt.Sprintf("No matching pull requests in %s.", repo), nil
	}
	return prs, nil
}

func (s *service) handleGetPR(ctx context.Context, args map[string]any) (any, error) {
	gh, err := s.github()
	if err != nil {
		return nil, err
	}
	repo, err := s.repoArg(args)
	if err != nil {
		return nil, err
	}

	number := numberArg(args)
	pr, err := gh.getPR(ctx, repo, number)
	if err != nil {
		return nil, err
	}

	if include, _ := args["include_diff"].(bool); include {
		diff, err := gh.prDiff(ctx, repo, number)
		if err != nil {
			return nil, err
		}
		return map[string]any{"pull_request": pr, "diff": diff}, nil
	}
	return pr, nil
}

func (s *service) handleSearch(ctx context.Context, args map[string]any) (any, error) {
	gh, err := s.github()
	if err != nil {
		return nil, err
	}

	query, _ := args["query"].(string)
	results, err := gh.searchIssues(ctx, query, limitArg(args, 20))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results for %q.", query), nil
	}
	return results, nil
}
