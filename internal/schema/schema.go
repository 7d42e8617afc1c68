// Package schema validates tool arguments against the JSON-Schema
// dialect that packs declare on their tools. Schemas arrive as
// map[string]any (the same shape handed to the model in the tool list)
// and are compiled once per tool so repeated calls pay only the check.
//
// The supported subset covers what tool schemas in practice use:
// type, properties, required, items, enum, minimum/maximum,
// minLength/maxLength, pattern. Unknown keywords are ignored.
package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Issue describes a single validation failure.
type Issue struct {
	// Path locates the offending value, e.g. "msg" or "filters.limit".
	Path string `json:"path"`
	// Message explains the failure in model-readable terms.
	Message string `json:"message"`
}

// ValidationError carries all issues found in one validation pass.
type ValidationError struct {
	Issues []Issue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid parameters"
	}
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		if issue.Path == "" {
			parts[i] = issue.Message
		} else {
			parts[i] = issue.Path + ": " + issue.Message
		}
	}
	return "invalid parameters: " + strings.Join(parts, "; ")
}

// Compiled is a validator compiled from a raw schema map.
// A nil *Compiled accepts anything (schema-less tools always pass).
type Compiled struct {
	root *rule
}

// rule is one compiled schema node.
type rule struct {
	typ        string
	properties map[string]*rule
	required   []string
	items      *rule
	enum       []any
	minimum    *float64
	maximum    *float64
	minLength  *int
	maxLength  *int
	pattern    *regexp.Regexp
}

// Compile parses a raw schema map into a validator. A nil or empty map
// compiles to a validator that accepts anything. Malformed schemas
// (e.g. an invalid regexp pattern) return an error so registration can
// surface a notice instead of failing at call time.
func Compile(raw map[string]any) (*Compiled, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	r, err := compileRule(raw, "")
	if err != nil {
		return nil, err
	}
	return &Compiled{root: r}, nil
}

func compileRule(raw map[string]any, path string) (*rule, error) {
	r := &rule{}

	if t, present := raw["type"]; present {
		s, ok := t.(string)
		if !ok {
			return nil, fmt.Errorf("schema %s: type must be a string, got %T", orRoot(path), t)
		}
		r.typ = s
	}

	if props, ok := raw["properties"].(map[string]any); ok {
		r.properties = make(map[string]*rule, len(props))
		for name, sub := range props {
			subMap, ok := sub.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("schema property %q: expected object, got %T", joinPath(path, name), sub)
			}
			compiled, err := compileRule(subMap, joinPath(path, name))
			if err != nil {
				return nil, err
			}
			r.properties[name] = compiled
		}
	}

	switch req := raw["required"].(type) {
	case []string:
		r.required = req
	case []any:
		for _, v := range req {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("schema %q: required entries must be strings, got %T", path, v)
			}
			r.required = append(r.required, s)
		}
	}

	if items, ok := raw["items"].(map[string]any); ok {
		compiled, err := compileRule(items, path+"[]")
		if err != nil {
			return nil, err
		}
		r.items = compiled
	}

	if enum, ok := raw["enum"].([]any); ok {
		r.enum = enum
	} else if enum, ok := raw["enum"].([]string); ok {
		for _, v := range enum {
			r.enum = append(r.enum, v)
		}
	}

	if v, ok := toFloat(raw["minimum"]); ok {
		r.minimum = &v
	}
	if v, ok := toFloat(raw["maximum"]); ok {
		r.maximum = &v
	}
	if v, ok := toInt(raw["minLength"]); ok {
		r.minLength = &v
	}
	if v, ok := toInt(raw["maxLength"]); ok {
		r.maxLength = &v
	}
	if p, ok := raw["pattern"].(string); ok && p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("schema %q: invalid pattern: %w", path, err)
		}
		r.pattern = re
	}

	return r, nil
}

// Validate checks params against the compiled schema. Returns nil when
// valid, or a *ValidationError enumerating every failure. A nil
// receiver accepts anything.
func (c *Compiled) Validate(params map[string]any) error {
	if c == nil || c.root == nil {
		return nil
	}
	var issues []Issue
	if params == nil {
		params = map[string]any{}
	}
	c.root.check(params, "", &issues)
	if len(issues) == 0 {
		return nil
	}
	// Stable ordering keeps error strings deterministic for callers
	// that compare or log them.
	sort.Slice(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
	return &ValidationError{Issues: issues}
}

func (r *rule) check(value any, path string, issues *[]Issue) {
	if len(r.enum) > 0 {
		for _, allowed := range r.enum {
			if equalLoose(value, allowed) {
				return
			}
		}
		*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("value %v not in enum %v", value, r.enum)})
		return
	}

	switch r.typ {
	case "object", "":
		obj, ok := value.(map[string]any)
		if r.typ == "object" && !ok {
			*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("expected object, got %s", typeName(value))})
			return
		}
		if !ok {
			return
		}
		for _, name := range r.required {
			if _, present := obj[name]; !present {
				*issues = append(*issues, Issue{Path: joinPath(path, name), Message: "required parameter missing"})
			}
		}
		for name, sub := range r.properties {
			v, present := obj[name]
			if !present {
				continue
			}
			sub.check(v, joinPath(path, name), issues)
		}

	case "string":
		s, ok := value.(string)
		if !ok {
			*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("expected string, got %s", typeName(value))})
			return
		}
		if r.minLength != nil && len(s) < *r.minLength {
			*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("length %d below minLength %d", len(s), *r.minLength)})
		}
		if r.maxLength != nil && len(s) > *r.maxLength {
			*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("length %d above maxLength %d", len(s), *r.maxLength)})
		}
		if r.pattern != nil && !r.pattern.MatchString(s) {
			*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("value does not match pattern %s", r.pattern)})
		}

	case "integer":
		f, ok := toFloat(value)
		if !ok || f != float64(int64(f)) {
			*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("expected integer, got %s", typeName(value))})
			return
		}
		r.checkRange(f, path, issues)

	case "number":
		f, ok := toFloat(value)
		if !ok {
			*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("expected number, got %s", typeName(value))})
			return
		}
		r.checkRange(f, path, issues)

	case "boolean":
		if _, ok := value.(bool); !ok {
			*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("expected boolean, got %s", typeName(value))})
		}

	case "array":
		arr, ok := value.([]any)
		if !ok {
			*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("expected array, got %s", typeName(value))})
			return
		}
		if r.items != nil {
			for i, item := range arr {
				r.items.check(item, fmt.Sprintf("%s[%d]", path, i), issues)
			}
		}

	default:
		// Unknown type keyword: accept, matching permissive pack schemas.
	}
}

func (r *rule) checkRange(f float64, path string, issues *[]Issue) {
	if r.minimum != nil && f < *r.minimum {
		*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("value %v below minimum %v", f, *r.minimum)})
	}
	if r.maximum != nil && f > *r.maximum {
		*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("value %v above maximum %v", f, *r.maximum)})
	}
}

// toFloat accepts the numeric types JSON decoding and Go literals
// produce. Model-supplied arguments arrive as float64; handler tests
// often use untyped int constants.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

// equalLoose compares enum candidates with numeric coercion so that an
// enum of ints matches float64 arguments from the wire.
func equalLoose(a, b any) bool {
	if a == b {
		return true
	}
	fa, oka := toFloat(a)
	fb, okb := toFloat(b)
	return oka && okb && fa == fb
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

func orRoot(path string) string {
	if path == "" {
		return "root"
	}
	return path
}
