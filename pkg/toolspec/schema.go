package toolspec

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// Schema models the draft-07 subset tools may declare: the six basic
// types plus description, default, minimum, maximum, enum, and
// object-level required.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []any              `json:"enum,omitempty"`
	Default     any                `json:"default,omitempty"`
	Minimum     *float64           `json:"minimum,omitempty"`
	Maximum     *float64           `json:"maximum,omitempty"`
}

// ParseSchema decodes a schema document and checks its types against the
// supported subset.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	if err := s.check(""); err != nil {
		return nil, err
	}
	return &s, nil
}

var validTypes = map[string]bool{
	"object": true, "string": true, "integer": true,
	"number": true, "boolean": true, "array": true,
}

func (s *Schema) check(path string) error {
	if s.Type != "" && !validTypes[s.Type] {
		return fmt.Errorf("schema %s: unsupported type %q", orRoot(path), s.Type)
	}
	for name, prop := range s.Properties {
		if prop == nil {
			return fmt.Errorf("schema %s: null property %q", orRoot(path), name)
		}
		if err := prop.check(join(path, name)); err != nil {
			return err
		}
	}
	if s.Items != nil {
		if err := s.Items.check(path + "[]"); err != nil {
			return err
		}
	}
	return nil
}

// Marshal serializes the schema with deterministic key order for
// properties (encoding/json sorts map keys already; this is the single
// canonical form both sides compare).
func (s *Schema) Marshal() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding schema: %w", err)
	}
	return string(data), nil
}

// Validate checks decoded arguments against the schema. Error messages
// name the offending parameter; the agent surfaces them with the
// invalid-arg category.
func (s *Schema) Validate(args map[string]any) error {
	required := make([]string, len(s.Required))
	copy(required, s.Required)
	sort.Strings(required)
	for _, name := range required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required parameter %q", name)
		}
	}

	for name, value := range args {
		prop, ok := s.Properties[name]
		if !ok {
			// Unknown parameters pass through; tools that care reject
			// them during execution.
			continue
		}
		if err := prop.validateValue(name, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) validateValue(name string, value any) error {
	switch s.Type {
	case "string":
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("parameter %q: expected string, got %s", name, typeName(value))
		}
		return s.checkEnum(name, str)
	case "integer":
		f, ok := asNumber(value)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("parameter %q: expected integer, got %s", name, typeName(value))
		}
		return s.checkRange(name, f)
	case "number":
		f, ok := asNumber(value)
		if !ok {
			return fmt.Errorf("parameter %q: expected number, got %s", name, typeName(value))
		}
		return s.checkRange(name, f)
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("parameter %q: expected boolean, got %s", name, typeName(value))
		}
	case "array":
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("parameter %q: expected array, got %s", name, typeName(value))
		}
		if s.Items != nil {
			for i, item := range items {
				if err := s.Items.validateValue(fmt.Sprintf("%s[%d]", name, i), item); err != nil {
					return err
				}
			}
		}
	case "object":
		nested, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("parameter %q: expected object, got %s", name, typeName(value))
		}
		return s.Validate(nested)
	}
	return nil
}

func (s *Schema) checkEnum(name, value string) error {
	if len(s.Enum) == 0 {
		return nil
	}
	for _, allowed := range s.Enum {
		if str, ok := allowed.(string); ok && str == value {
			return nil
		}
	}
	return fmt.Errorf("parameter %q: %q is not one of the allowed values", name, value)
}

func (s *Schema) checkRange(name string, value float64) error {
	if s.Minimum != nil && value < *s.Minimum {
		return fmt.Errorf("parameter %q: %v is below minimum %v", name, value, *s.Minimum)
	}
	if s.Maximum != nil && value > *s.Maximum {
		return fmt.Errorf("parameter %q: %v is above maximum %v", name, value, *s.Maximum)
	}
	return nil
}

// ApplyDefaults returns args with schema defaults filled in for absent
// optional parameters. The input map is not mutated.
func (s *Schema) ApplyDefaults(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for name, prop := range s.Properties {
		if prop.Default == nil {
			continue
		}
		if _, ok := out[name]; !ok {
			out[name] = prop.Default
		}
	}
	return out
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case float64, json.Number:
		return "number"
	}
	return reflect.TypeOf(v).Kind().String()
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func orRoot(path string) string {
	if path == "" {
		return "root"
	}
	return path
}

// Builder helpers for tools that declare schemas in code, in the spirit
// of hand-built input schema helpers rather than hand-written JSON.

// Object builds an object schema from named properties and a required
// list.
func Object(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: props, Required: required}
}

// String builds a string property schema.
func String(description string) *Schema {
	return &Schema{Type: "string", Description: description}
}

// StringEnum builds a string property restricted to the given values.
func StringEnum(description string, values ...string) *Schema {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return &Schema{Type: "string", Description: description, Enum: enum}
}

// Integer builds an integer property with an inclusive range and default.
func Integer(description string, min, max float64, def any) *Schema {
	return &Schema{Type: "integer", Description: description, Minimum: &min, Maximum: &max, Default: def}
}
