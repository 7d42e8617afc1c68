package format

import (
	"strings"
	"testing"
)

func TestStringify(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string verbatim", "hello", "hello"},
		{"map to json", map[string]any{"msg": "hi"}, `{"msg":"hi"}`},
		{"number to json", 42, "42"},
		{"nil to json", nil, "null"},
		{"slice to json", []string{"a", "b"}, `["a","b"]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Stringify(tc.in); got != tc.want {
				t.Errorf("Stringify(%v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRenderAuto(t *testing.T) {
	// Plain text passes through.
	got, err := Render("just words", ShapeAuto)
	if err != nil || got != "just words" {
		t.Errorf("Render(text, auto) = %q, %v", got, err)
	}

	// JSON objects are re-indented.
	got, err = Render(map[string]any{"a": 1}, ShapeAuto)
	if err != nil {
		t.Fatalf("Render(map, auto) error: %v", err)
	}
	if !strings.Contains(got, "\n") || !strings.Contains(got, `"a": 1`) {
		t.Errorf("Render(map, auto) = %q, want indented JSON", got)
	}

	// A bare numeric string stays text.
	got, err = Render("42", ShapeAuto)
	if err != nil || got != "42" {
		t.Errorf("Render(\"42\", auto) = %q, %v, want verbatim", got, err)
	}

	// A string result that happens to be JSON stays verbatim too:
	// handlers own the exact bytes they return.
	got, err = Render(`{"a":1}`, ShapeAuto)
	if err != nil || got != `{"a":1}` {
		t.Errorf("Render(json string, auto) = %q, %v, want verbatim", got, err)
	}
}

func TestRenderJSON(t *testing.T) {
	got, err := Render(`{"b":2}`, ShapeJSON)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if !strings.Contains(got, `"b": 2`) {
		t.Errorf("Render(json string, json) = %q, want indented", got)
	}

	// Plain strings become JSON strings rather than erroring.
	got, err = Render("hello", ShapeJSON)
	if err != nil || got != `"hello"` {
		t.Errorf("Render(plain, json) = %q, %v, want quoted", got, err)
	}
}

func TestRenderHTML(t *testing.T) {
	got, err := Render("# Title\n\nSome *emphasis*.", ShapeHTML)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if !strings.Contains(got, "<h1") || !strings.Contains(got, "<em>") {
		t.Errorf("Render(markdown, html) = %q, want rendered HTML", got)
	}
}

func TestRenderMarkdownPassthrough(t *testing.T) {
	md := "- one\n- two"
	got, err := Render(md, ShapeMarkdown)
	if err != nil || got != md {
		t.Errorf("Render(md, markdown) = %q, %v, want passthrough", got, err)
	}
}

func TestParseShape(t *testing.T) {
	tests := []struct {
		in      string
		want    Shape
		wantErr bool
	}{
		{"", ShapeAuto, false},
		{"text", ShapeText, false},
		{"JSON", ShapeJSON, false},
		{" markdown ", ShapeMarkdown, false},
		{"html", ShapeHTML, false},
		{"xml", ShapeAuto, true},
	}
	for _, tc := range tests {
		got, err := ParseShape(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseShape(%q) = %q, %v; want %q, wantErr %v", tc.in, got, err, tc.want, tc.wantErr)
		}
	}
}
