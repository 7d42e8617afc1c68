// Package contacts provides the CardDAV address book capability pack.
package contacts

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/carddav"

	"github.com/satchel-ai/satchel/internal/pack"
)

// Config holds CardDAV server settings.
type Config struct {
	// Endpoint is the CardDAV server URL.
	Endpoint string
	Username string
	Password string
}

// Contact is the flattened view of one address book entry.
type Contact struct {
	Name   string   `json:"name"`
	Emails []string `json:"emails,omitempty"`
	Phones []string `json:"phones,omitempty"`
	Org    string   `json:"org,omitempty"`
}

// store talks to the CardDAV server. The address book path is
// discovered once on load.
type store struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	client *carddav.Client
	books  []carddav.AddressBook
}

// New builds the contacts pack.
func New(cfg Config, logger *slog.Logger) pack.Pack {
	if logger == nil {
		logger = slog.Default()
	}
	s := &store{cfg: cfg, logger: logger.With("component", "contacts")}

	return pack.Pack{
		Domain:      "contacts",
		Description: "CardDAV address book search",
		Version:     "1.0.0",
		Tools: []pack.ToolSpec{{
			Name:        "search",
			Description: "Search the address book by name or email address.",
			Icon:        "users",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Name or email fragment to search for",
						"minLength":   float64(1),
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum matches to return (default 10)",
						"minimum":     float64(1),
						"maximum":     float64(50),
					},
				},
				"required": []any{"query"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				query, _ := args["query"].(string)
				limit := 10
				if v, ok := args["limit"].(float64); ok {
					limit = int(v)
				}
				matches, err := s.search(ctx, query, limit)
				if err != nil {
					return nil, err
				}
				if len(matches) == 0 {
					return fmt.Sprintf("No contacts matching %q.", query), nil
				}
				return matches, nil
			},
		}},
		OnLoad: s.discover,
	}
}

// discover connects and resolves the account's address books.
func (s *store) discover(ctx context.Context, scope *pack.Scope) error {
	if s.cfg.Endpoint == "" {
		return fmt.Errorf("carddav endpoint is not configured")
	}

	httpClient := webdav.HTTPClientWithBasicAuth(http.DefaultClient, s.cfg.Username, s.cfg.Password)
	client, err := carddav.NewClient(httpClient, s.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("carddav client: %w", err)
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return fmt.Errorf("find principal: %w", err)
	}
	homeSet, err := client.FindAddressBookHomeSet(ctx, principal)
	if err != nil {
		return fmt.Errorf("find address book home set: %w", err)
	}
	books, err := client.FindAddressBooks(ctx, homeSet)
	if err != nil {
		return fmt.Errorf("find address books: %w", err)
	}
	if len(books) == 0 {
		return fmt.Errorf("no address books at %s", s.cfg.Endpoint)
	}

	s.mu.Lock()
	s.client = client
	s.books = books
	s.mu.Unlock()

	s.logger.Info("carddav connected", "endpoint", s.cfg.Endpoint, "books", len(books))
	return nil
}

func (s *store) search(ctx context.Context, query string, limit int) ([]Contact, error) {
	s.mu.Lock()
	client := s.client
	books := s.books
	s.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("contacts are not connected")
	}

	davQuery := &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{
			Props: []string{
				vcard.FieldFormattedName,
				vcard.FieldEmail,
				vcard.FieldTelephone,
				vcard.FieldOrganization,
			},
		},
		PropFilters: []carddav.PropFilter{
			{
				Name:        vcard.FieldFormattedName,
				TextMatches: []carddav.TextMatch{{Text: query, MatchType: carddav.MatchContains}},
			},
			{
				Name:        vcard.FieldEmail,
				TextMatches: []carddav.TextMatch{{Text: query, MatchType: carddav.MatchContains}},
			},
		},
		FilterTest: carddav.FilterAnyOf,
		Limit:      limit,
	}

	var out []Contact
	for _, book := range books {
		objs, err := client.QueryAddressBook(ctx, book.Path, davQuery)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", book.Path, err)
		}
		for _, obj := range objs {
			out = append(out, flatten(obj.Card))
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// flatten reduces a vCard to the fields the model needs.
func flatten(card vcard.Card) Contact {
	c := Contact{
		Name:   card.PreferredValue(vcard.FieldFormattedName),
		Emails: card.Values(vcard.FieldEmail),
		Phones: card.Values(vcard.FieldTelephone),
	}
	if org := card.Value(vcard.FieldOrganization); org != "" {
		c.Org = org
	}
	return c
}
