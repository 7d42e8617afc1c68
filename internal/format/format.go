// Package format renders a tool handler's raw output into a requested
// or detected textual shape. The default "auto" shape keeps strings
// verbatim and JSON-stringifies everything else, which is also the
// serialization used for tool-result messages sent back to the model.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
)

// Shape selects the output rendering for a tool result.
type Shape string

const (
	// ShapeAuto keeps strings verbatim and JSON-stringifies other values.
	ShapeAuto Shape = ""
	// ShapeText forces plain text (non-strings are JSON-stringified).
	ShapeText Shape = "text"
	// ShapeJSON re-indents JSON values for display.
	ShapeJSON Shape = "json"
	// ShapeMarkdown passes markdown through untouched.
	ShapeMarkdown Shape = "markdown"
	// ShapeHTML renders markdown (or plain text) to HTML.
	ShapeHTML Shape = "html"
)

// ParseShape validates a shape string from display options or an API
// request. Empty means auto.
func ParseShape(s string) (Shape, error) {
	switch Shape(strings.ToLower(strings.TrimSpace(s))) {
	case ShapeAuto:
		return ShapeAuto, nil
	case ShapeText:
		return ShapeText, nil
	case ShapeJSON:
		return ShapeJSON, nil
	case ShapeMarkdown:
		return ShapeMarkdown, nil
	case ShapeHTML:
		return ShapeHTML, nil
	}
	return ShapeAuto, fmt.Errorf("unknown result shape %q (valid: text, json, markdown, html)", s)
}

// Stringify converts a handler result to the wire form for a
// tool-result message: strings verbatim, anything else JSON-encoded.
func Stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// Render formats a handler result in the given shape. ShapeAuto keeps
// string results verbatim, even ones that happen to parse as JSON, and
// re-indents only structured values.
func Render(v any, shape Shape) (string, error) {
	raw := Stringify(v)

	switch shape {
	case ShapeAuto:
		if _, ok := v.(string); !ok && looksLikeJSON(raw) {
			return indentJSON(raw)
		}
		return raw, nil

	case ShapeText, ShapeMarkdown:
		return raw, nil

	case ShapeJSON:
		if _, ok := v.(string); ok && !looksLikeJSON(raw) {
			// A plain string requested as JSON becomes a JSON string.
			b, err := json.Marshal(raw)
			if err != nil {
				return "", fmt.Errorf("encode result: %w", err)
			}
			return string(b), nil
		}
		return indentJSON(raw)

	case ShapeHTML:
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(raw), &buf); err != nil {
			return "", fmt.Errorf("render html: %w", err)
		}
		return buf.String(), nil
	}

	return "", fmt.Errorf("unknown result shape %q", shape)
}

// looksLikeJSON reports whether s parses as a JSON object or array.
// Bare scalars are treated as text — tool handlers that return "42"
// mean the string, not the number.
func looksLikeJSON(s string) bool {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) == 0 {
		return false
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return false
	}
	return json.Valid([]byte(trimmed))
}

func indentJSON(s string) (string, error) {
	if !looksLikeJSON(s) {
		return "", fmt.Errorf("result is not JSON")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(strings.TrimSpace(s)), "", "  "); err != nil {
		return "", fmt.Errorf("indent result: %w", err)
	}
	return buf.String(), nil
}
