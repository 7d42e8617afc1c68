// Package util provides small self-contained utility tools.
package util

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/satchel-ai/satchel/internal/format"
	"github.com/satchel-ai/satchel/internal/pack"
)

// New builds the util pack.
func New() pack.Pack {
	return pack.Pack{
		Domain:      "util",
		Description: "Time and encoding utilities",
		Version:     "1.0.0",
		Tools: []pack.ToolSpec{
			currentTimeTool(),
			qrEncodeTool(),
		},
	}
}

func currentTimeTool() pack.ToolSpec {
	return pack.ToolSpec{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a specific IANA timezone.",
		Icon:        "clock",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name, e.g. America/Chicago. Defaults to the server's local zone.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			now := time.Now()
			if tz, ok := args["timezone"].(string); ok && tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				now = now.In(loc)
			}
			return map[string]any{
				"iso":      now.Format(time.RFC3339),
				"weekday":  now.Weekday().String(),
				"timezone": now.Location().String(),
				"unix":     now.Unix(),
			}, nil
		},
	}
}

func qrEncodeTool() pack.ToolSpec {
	return pack.ToolSpec{
		Name:        "qr_encode",
		Description: "Encode text as a QR code. Returns a base64 PNG data URI.",
		Icon:        "qr-code",
		Display:     pack.DisplayOptions{Shape: format.ShapeText},
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{
					"type":        "string",
					"description": "The text or URL to encode",
					"minLength":   float64(1),
					"maxLength":   float64(2048),
				},
				"size": map[string]any{
					"type":        "integer",
					"description": "Image edge length in pixels (default 256)",
					"minimum":     float64(64),
					"maximum":     float64(1024),
				},
			},
			"required": []any{"content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			content, _ := args["content"].(string)
			size := 256
			if v, ok := args["size"].(float64); ok {
				size = int(v)
			}
			png, err := qrcode.Encode(content, qrcode.Medium, size)
			if err != nil {
				return nil, fmt.Errorf("encode qr: %w", err)
			}
			return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
		},
	}
}
