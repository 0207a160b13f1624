package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"github.com/xeipuuv/gojsonschema"
)

// Kind is the JSON type a configuration value must have.
type Kind string

const (
	KindString  Kind = "string"
	KindInteger Kind = "integer"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
)

// Rule constrains the values a key accepts.
type Rule struct {
	Kind        Kind
	Min         *float64
	Max         *float64
	Enum        []any
	Description string

	schema *gojsonschema.Schema
}

// String returns a rule of kind string.
func String() Rule { return Rule{Kind: KindString} }

// Int returns a rule of kind integer.
func Int() Rule { return Rule{Kind: KindInteger} }

// IntRange returns an integer rule bounded to [lo, hi].
func IntRange(lo, hi int) Rule {
	return Rule{Kind: KindInteger, Min: ptr(float64(lo)), Max: ptr(float64(hi))}
}

// IntMin returns an integer rule with a lower bound only.
func IntMin(lo int) Rule {
	return Rule{Kind: KindInteger, Min: ptr(float64(lo))}
}

// Number returns a rule of kind number.
func Number() Rule { return Rule{Kind: KindNumber} }

// NumberRange returns a number rule bounded to [lo, hi].
func NumberRange(lo, hi float64) Rule {
	return Rule{Kind: KindNumber, Min: ptr(lo), Max: ptr(hi)}
}

// Bool returns a rule of kind boolean.
func Bool() Rule { return Rule{Kind: KindBoolean} }

// OneOf returns a string rule restricted to the given values.
func OneOf(values ...string) Rule {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return Rule{Kind: KindString, Enum: enum}
}

// Describe attaches a human description to the rule.
func (r Rule) Describe(desc string) Rule {
	r.Description = desc
	return r
}

func ptr(f float64) *float64 { return &f }

// String renders the constraint, e.g. "integer in [1, 100000]".
func (r Rule) String() string {
	var b strings.Builder
	b.WriteString(string(r.Kind))
	switch {
	case r.Min != nil && r.Max != nil:
		fmt.Fprintf(&b, " in [%v, %v]", *r.Min, *r.Max)
	case r.Min != nil:
		fmt.Fprintf(&b, " >= %v", *r.Min)
	case r.Max != nil:
		fmt.Fprintf(&b, " <= %v", *r.Max)
	}
	if len(r.Enum) > 0 {
		fmt.Fprintf(&b, " one of %v", r.Enum)
	}
	return b.String()
}

func (r *Rule) compile() error {
	switch r.Kind {
	case KindString, KindInteger, KindNumber, KindBoolean:
	default:
		return fmt.Errorf("unsupported rule kind %q", r.Kind)
	}

	doc := map[string]any{"type": string(r.Kind)}
	if r.Min != nil {
		doc["minimum"] = *r.Min
	}
	if r.Max != nil {
		doc["maximum"] = *r.Max
	}
	if len(r.Enum) > 0 {
		doc["enum"] = r.Enum
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("compile rule %s: %w", r, err)
	}
	r.schema = schema
	return nil
}

// check returns the reasons value fails the rule, or nil when it passes.
func (r *Rule) check(value any) []string {
	if value == nil {
		return []string{"value is null"}
	}
	result, err := r.schema.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return []string{err.Error()}
	}
	if result.Valid() {
		return nil
	}
	reasons := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		reasons = append(reasons, re.Description())
	}
	return reasons
}

// canonical converts a valid value to the Go type stored for the kind.
func (r *Rule) canonical(value any) any {
	switch r.Kind {
	case KindInteger:
		return cast.ToInt(value)
	case KindNumber:
		return cast.ToFloat64(value)
	default:
		return value
	}
}

// coerce converts loosely typed input (environment variables, CLI
// arguments, file values) to the rule's kind.
func (r *Rule) coerce(raw any) (any, error) {
	switch r.Kind {
	case KindInteger:
		if f, ok := raw.(float64); ok && f != float64(int64(f)) {
			return nil, fmt.Errorf("%v is not a whole number", raw)
		}
		return cast.ToIntE(raw)
	case KindNumber:
		return cast.ToFloat64E(raw)
	case KindBoolean:
		return cast.ToBoolE(raw)
	default:
		return cast.ToStringE(raw)
	}
}
