// Package web provides the page-fetching capability pack. It
// downloads a URL and reduces the HTML to readable text so results
// stay small enough to hand back to the model.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/satchel-ai/satchel/internal/httpkit"
	"github.com/satchel-ai/satchel/internal/pack"
)

const (
	fetchTimeout    = 30 * time.Second
	maxBodyBytes    = 5 * 1024 * 1024
	defaultMaxChars = 50000
)

// Config tunes the web pack.
type Config struct {
	// UserAgent overrides the default request user agent.
	UserAgent string
	// MaxChars caps extracted text length; zero uses the default.
	MaxChars int
}

// Page is the extracted view of a fetched URL.
type Page struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	StatusCode  int    `json:"status_code"`
}

// fetcher downloads pages with a bounded body size.
type fetcher struct {
	client   *http.Client
	maxChars int
}

func newFetcher(cfg Config) *fetcher {
	opts := []httpkit.ClientOption{httpkit.WithTimeout(fetchTimeout)}
	if cfg.UserAgent != "" {
		opts = append(opts, httpkit.WithUserAgent(cfg.UserAgent))
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	return &fetcher{
		client:   httpkit.NewClient(opts...),
		maxChars: maxChars,
	}
}

// New builds the web pack.
func New(cfg Config) pack.Pack {
	f := newFetcher(cfg)
	return pack.Pack{
		Domain:      "web",
		Description: "Web page fetching and text extraction",
		Version:     "1.0.0",
		Tools: []pack.ToolSpec{{
			Name:        "fetch_page",
			Description: "Fetch a web page and extract its readable text content. Scripts, navigation, and boilerplate are stripped.",
			Icon:        "globe",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "The URL to fetch; https is assumed when no scheme is given",
					},
					"max_chars": map[string]any{
						"type":        "integer",
						"description": "Limit on extracted text length",
						"minimum":     float64(100),
					},
				},
				"required": []any{"url"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				rawURL, _ := args["url"].(string)
				maxChars := f.maxChars
				if v, ok := args["max_chars"].(float64); ok {
					maxChars = int(v)
				}
				return f.fetch(ctx, rawURL, maxChars)
			},
		}},
	}
}

func (f *fetcher) fetch(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if maxChars <= 0 {
		maxChars = f.maxChars
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	var title, content string
	switch {
	case isHTML(contentType):
		title, content = extractReadable(string(body))
	case utf8.Valid(body):
		content = string(body)
	default:
		content = fmt.Sprintf("Binary content (%s), %d bytes", contentType, len(body))
	}

	truncated := false
	if len(content) > maxChars {
		content = truncateRunes(content, maxChars)
		truncated = true
	}

	return &Page{
		URL:         rawURL,
		Title:       title,
		Content:     content,
		ContentType: contentType,
		Truncated:   truncated,
		StatusCode:  resp.StatusCode,
	}, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// truncateRunes cuts at a rune boundary so multi-byte characters never
// split.
func truncateRunes(s string, max int) string {
	count := 0
	for i := range s {
		if count >= max {
			return s[:i]
		}
		count++
	}
	return s
}
