// Package email provides the IMAP mailbox capability pack. It depends
// on the contacts pack so sender lookups are available whenever mail
// tools are.
package email

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/satchel-ai/satchel/internal/pack"
)

// Config holds IMAP account settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
}

// New builds the email pack.
func New(cfg Config, logger *slog.Logger) pack.Pack {
	if logger == nil {
		logger = slog.Default()
	}
	c := newClient(cfg, logger.With("component", "email"))

	return pack.Pack{
		Domain:       "email",
		Description:  "IMAP mailbox reading",
		Version:      "1.0.0",
		Dependencies: []string{"contacts"},
		Tools: []pack.ToolSpec{
			{
				Name:        "list_messages",
				Description: "List recent messages in a mail folder, newest first. Use contacts.search to resolve sender addresses to people.",
				Icon:        "mail",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"folder": map[string]any{
							"type":        "string",
							"description": "Mail folder (default INBOX)",
						},
						"limit": map[string]any{
							"type":        "integer",
							"description": "Maximum messages to return (default 20)",
							"minimum":     float64(1),
							"maximum":     float64(100),
						},
						"unseen_only": map[string]any{
							"type":        "boolean",
							"description": "Only return unread messages",
						},
					},
				},
				Handler: func(ctx context.Context, args map[string]any) (any, error) {
					folder, _ := args["folder"].(string)
					limit := 0
					if v, ok := args["limit"].(float64); ok {
						limit = int(v)
					}
					unseen, _ := args["unseen_only"].(bool)
					msgs, err := c.list(ctx, folder, limit, unseen)
					if err != nil {
						return nil, err
					}
					if len(msgs) == 0 {
						return "No messages found.", nil
					}
					return msgs, nil
				},
			},
			{
				Name:        "read_message",
				Description: "Read a message by UID, extracting its text body. Reading marks the message as seen.",
				Icon:        "mail-open",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"uid": map[string]any{
							"type":        "integer",
							"description": "Message UID from list_messages",
							"minimum":     float64(1),
						},
						"folder": map[string]any{
							"type":        "string",
							"description": "Mail folder (default INBOX)",
						},
					},
					"required": []any{"uid"},
				},
				Handler: func(ctx context.Context, args map[string]any) (any, error) {
					uid, ok := args["uid"].(float64)
					if !ok {
						return nil, fmt.Errorf("uid is required")
					}
					folder, _ := args["folder"].(string)
					return c.read(ctx, folder, uint32(uid))
				},
			},
		},
		OnLoad: func(ctx context.Context, scope *pack.Scope) error {
			if cfg.Host == "" {
				return fmt.Errorf("imap host is not configured")
			}
			scope.Defer(func() {
				if err := c.close(); err != nil {
					logger.Debug("imap close failed", "error", err)
				}
			})
			return nil
		},
	}
}
