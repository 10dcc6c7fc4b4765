// ABOUTME: Typed elicitation schema with JSON-Schema parsing and default synthesis
// ABOUTME: Decision properties default to abort so unanswered spend never proceeds

package elicitation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind is the value type of a schema property.
type Kind string

const (
	KindBool    Kind = "boolean"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindString  Kind = "string"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
	KindEnum    Kind = "enum"
)

// DecisionProperty is the property name whose default is always DecisionAbort.
const DecisionProperty = "decision"

// Decision values used by decision schemas.
const (
	DecisionApprove = "approve"
	DecisionAbort   = "abort"
	DecisionAdjust  = "adjust"
)

// safeEnumValues are preferred, in order, when defaulting an enum.
var safeEnumValues = []string{"abort", "cancel", "skip", "deny", "no"}

// Property describes one requested value.
type Property struct {
	Kind        Kind                `json:"kind"`
	Description string              `json:"description,omitempty"`
	Default     any                 `json:"default,omitempty"`
	EnumValues  []string            `json:"enum,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
}

// Schema is the set of values a request asks for.
type Schema struct {
	Properties map[string]Property
	Required   []string
}

// HasDecision reports whether the schema asks for a decision.
func (s Schema) HasDecision() bool {
	_, ok := s.Properties[DecisionProperty]
	return ok
}

// Names returns property names in sorted order.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON renders the schema as a JSON-Schema object.
func (s Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.jsonSchema())
}

// UnmarshalJSON parses a JSON-Schema object.
func (s *Schema) UnmarshalJSON(data []byte) error {
	parsed, err := ParseSchema(data)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Schema) jsonSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = p.jsonSchema()
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

func (p Property) jsonSchema() map[string]any {
	out := map[string]any{}
	switch p.Kind {
	case KindEnum:
		out["type"] = "string"
		out["enum"] = p.EnumValues
	case KindObject:
		out["type"] = "object"
		if len(p.Properties) > 0 {
			nested := make(map[string]any, len(p.Properties))
			for name, np := range p.Properties {
				nested[name] = np.jsonSchema()
			}
			out["properties"] = nested
		}
	default:
		out["type"] = string(p.Kind)
	}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if p.Default != nil {
		out["default"] = p.Default
	}
	return out
}

// rawProperty is the JSON-Schema shape accepted by ParseSchema.
type rawProperty struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Default     any                    `json:"default"`
	Enum        []any                  `json:"enum"`
	Properties  map[string]rawProperty `json:"properties"`
	Required    []string               `json:"required"`
}

// ParseSchema builds a Schema from a JSON-Schema object with a properties
// map. Unknown property types are rejected.
func ParseSchema(raw json.RawMessage) (Schema, error) {
	var root rawProperty
	if err := json.Unmarshal(raw, &root); err != nil {
		return Schema{}, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if root.Type != "" && root.Type != "object" {
		return Schema{}, fmt.Errorf("%w: root type must be object, got %q", ErrInvalidSchema, root.Type)
	}

	props, err := convertProperties(root.Properties)
	if err != nil {
		return Schema{}, err
	}
	return Schema{Properties: props, Required: root.Required}, nil
}

func convertProperties(raw map[string]rawProperty) (map[string]Property, error) {
	out := make(map[string]Property, len(raw))
	for name, rp := range raw {
		p, err := convertProperty(rp)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}

func convertProperty(rp rawProperty) (Property, error) {
	p := Property{Description: rp.Description, Default: rp.Default}

	if len(rp.Enum) > 0 {
		p.Kind = KindEnum
		for _, v := range rp.Enum {
			p.EnumValues = append(p.EnumValues, fmt.Sprint(v))
		}
		return p, nil
	}

	switch Kind(rp.Type) {
	case KindBool, KindNumber, KindInteger, KindString, KindArray:
		p.Kind = Kind(rp.Type)
	case KindObject:
		p.Kind = KindObject
		nested, err := convertProperties(rp.Properties)
		if err != nil {
			return Property{}, err
		}
		p.Properties = nested
	case "":
		p.Kind = KindString
	default:
		return Property{}, fmt.Errorf("%w: unsupported type %q", ErrInvalidSchema, rp.Type)
	}
	return p, nil
}

// DefaultResponse synthesizes the fail-safe answer for schema.
func DefaultResponse(schema Schema) map[string]any {
	out := make(map[string]any, len(schema.Properties))
	for name, p := range schema.Properties {
		out[name] = defaultValue(p)
	}
	if schema.HasDecision() {
		out[DecisionProperty] = DecisionAbort
	}
	return out
}

func defaultValue(p Property) any {
	if p.Default != nil {
		return p.Default
	}
	if len(p.EnumValues) > 0 {
		for _, safe := range safeEnumValues {
			for _, v := range p.EnumValues {
				if v == safe {
					return v
				}
			}
		}
		return p.EnumValues[0]
	}

	switch p.Kind {
	case KindBool:
		return false
	case KindNumber:
		return 0.0
	case KindInteger:
		return 0
	case KindArray:
		return []any{}
	case KindObject:
		nested := make(map[string]any, len(p.Properties))
		for name, np := range p.Properties {
			nested[name] = defaultValue(np)
		}
		return nested
	default:
		return ""
	}
}

// allows reports whether v is acceptable for an enum-constrained property.
// Properties without enum values accept anything.
func (p Property) allows(v any) bool {
	if len(p.EnumValues) == 0 {
		return true
	}
	str, ok := v.(string)
	if !ok {
		return false
	}
	for _, e := range p.EnumValues {
		if e == str {
			return true
		}
	}
	return false
}

// coerce converts free-text input into a value of p's kind.
func coerce(p Property, input string) (any, error) {
	switch p.Kind {
	case KindBool:
		switch input {
		case "y", "yes", "Y", "YES", "Yes":
			return true, nil
		case "n", "no", "N", "NO", "No":
			return false, nil
		}
		return strconv.ParseBool(input)
	case KindNumber:
		return strconv.ParseFloat(input, 64)
	case KindInteger:
		return strconv.Atoi(input)
	case KindEnum:
		for _, v := range p.EnumValues {
			if v == input {
				return v, nil
			}
		}
		return nil, fmt.Errorf("must be one of %v", p.EnumValues)
	case KindArray:
		var arr []any
		if err := json.Unmarshal([]byte(input), &arr); err != nil {
			return nil, fmt.Errorf("must be a JSON array: %w", err)
		}
		return arr, nil
	case KindObject:
		var obj map[string]any
		if err := json.Unmarshal([]byte(input), &obj); err != nil {
			return nil, fmt.Errorf("must be a JSON object: %w", err)
		}
		return obj, nil
	default:
		return input, nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
