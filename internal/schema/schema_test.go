package schema

import (
	"errors"
	"strings"
	"testing"
)

func objectSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"msg": map[string]any{
				"type":        "string",
				"description": "The message to echo",
			},
			"count": map[string]any{
				"type":    "integer",
				"minimum": 1,
				"maximum": 10,
			},
			"mode": map[string]any{
				"enum": []any{"plain", "loud"},
			},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []string{"msg"},
	}
}

func TestValidateSuccess(t *testing.T) {
	c, err := Compile(objectSchema())
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	params := map[string]any{
		"msg":   "hi",
		"count": float64(3), // JSON numbers decode as float64
		"mode":  "loud",
		"tags":  []any{"a", "b"},
	}
	if err := c.Validate(params); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	c, _ := Compile(objectSchema())

	err := c.Validate(map[string]any{})
	if err == nil {
		t.Fatal("Validate() should fail with missing required parameter")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if len(verr.Issues) != 1 || verr.Issues[0].Path != "msg" {
		t.Errorf("issues = %+v, want single issue at path msg", verr.Issues)
	}
	if !strings.Contains(err.Error(), "msg") {
		t.Errorf("error %q should cite the missing parameter", err.Error())
	}
}

func TestValidateEnumeratesAllIssues(t *testing.T) {
	c, _ := Compile(objectSchema())

	err := c.Validate(map[string]any{
		"msg":   42,
		"count": float64(99),
		"mode":  "whisper",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if len(verr.Issues) != 3 {
		t.Errorf("got %d issues, want 3: %+v", len(verr.Issues), verr.Issues)
	}
}

func TestValidateTypes(t *testing.T) {
	tests := []struct {
		name   string
		schema map[string]any
		value  map[string]any
		wantOK bool
	}{
		{
			name: "integer accepts integral float",
			schema: map[string]any{"type": "object", "properties": map[string]any{
				"n": map[string]any{"type": "integer"},
			}},
			value:  map[string]any{"n": float64(5)},
			wantOK: true,
		},
		{
			name: "integer rejects fractional float",
			schema: map[string]any{"type": "object", "properties": map[string]any{
				"n": map[string]any{"type": "integer"},
			}},
			value:  map[string]any{"n": 5.5},
			wantOK: false,
		},
		{
			name: "boolean",
			schema: map[string]any{"type": "object", "properties": map[string]any{
				"b": map[string]any{"type": "boolean"},
			}},
			value:  map[string]any{"b": "yes"},
			wantOK: false,
		},
		{
			name: "nested object required",
			schema: map[string]any{"type": "object", "properties": map[string]any{
				"filters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"limit": map[string]any{"type": "integer"},
					},
					"required": []string{"limit"},
				},
			}},
			value:  map[string]any{"filters": map[string]any{}},
			wantOK: false,
		},
		{
			name: "array item type",
			schema: map[string]any{"type": "object", "properties": map[string]any{
				"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}},
			value:  map[string]any{"tags": []any{"ok", 7}},
			wantOK: false,
		},
		{
			name: "string pattern",
			schema: map[string]any{"type": "object", "properties": map[string]any{
				"id": map[string]any{"type": "string", "pattern": "^[a-z]+$"},
			}},
			value:  map[string]any{"id": "ABC"},
			wantOK: false,
		},
		{
			name: "string length bounds",
			schema: map[string]any{"type": "object", "properties": map[string]any{
				"s": map[string]any{"type": "string", "minLength": 2, "maxLength": 4},
			}},
			value:  map[string]any{"s": "x"},
			wantOK: false,
		},
		{
			name: "unknown keyword ignored",
			schema: map[string]any{"type": "object", "properties": map[string]any{
				"x": map[string]any{"type": "string", "format": "uri"},
			}},
			value:  map[string]any{"x": "anything"},
			wantOK: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Compile(tc.schema)
			if err != nil {
				t.Fatalf("Compile() error: %v", err)
			}
			err = c.Validate(tc.value)
			if (err == nil) != tc.wantOK {
				t.Errorf("Validate() error = %v, wantOK %v", err, tc.wantOK)
			}
		})
	}
}

func TestNilSchemaAlwaysPasses(t *testing.T) {
	c, err := Compile(nil)
	if err != nil {
		t.Fatalf("Compile(nil) error: %v", err)
	}
	if c != nil {
		t.Errorf("Compile(nil) = %v, want nil validator", c)
	}
	// Nil receiver accepts anything.
	if err := c.Validate(map[string]any{"whatever": 1}); err != nil {
		t.Errorf("nil validator rejected params: %v", err)
	}
}

func TestCompileBadPattern(t *testing.T) {
	_, err := Compile(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string", "pattern": "("},
		},
	})
	if err == nil {
		t.Fatal("Compile() should reject an invalid regexp pattern")
	}
}

func TestEnumNumericCoercion(t *testing.T) {
	c, err := Compile(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"level": map[string]any{"enum": []any{1, 2, 3}},
		},
	})
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	// Wire arguments arrive as float64.
	if err := c.Validate(map[string]any{"level": float64(2)}); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}
