// Package param models OpenSCAD customizer parameters and the overrides a
// user applies to them.
package param

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the type of a parameter.
type Kind int

const (
	KindNumber Kind = iota
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindString:
		return "string"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Value is one of Number, Bool or Text.
type Value interface {
	Kind() Kind
	// Literal renders the value as OpenSCAD source, as used in -D definitions.
	Literal() string
	isValue()
}

type Number float64

type Bool bool

type Text string

func (Number) Kind() Kind { return KindNumber }
func (Bool) Kind() Kind   { return KindBool }
func (Text) Kind() Kind   { return KindString }

func (n Number) Literal() string { return strconv.FormatFloat(float64(n), 'g', -1, 64) }
func (b Bool) Literal() string   { return strconv.FormatBool(bool(b)) }
func (s Text) Literal() string   { return strconv.Quote(string(s)) }

func (Number) isValue() {}
func (Bool) isValue()   {}
func (Text) isValue()   {}

// Range constrains a numeric parameter. Nil fields are unbounded.
type Range struct {
	Min  *float64
	Max  *float64
	Step *float64
}

// Parameter is a declared, configurable top-level variable.
type Parameter struct {
	Name        string
	Group       string // empty means the default group
	Description string
	Default     Value

	Range   *Range   // numbers only
	Options []string // strings only
}

// Kind returns the kind of the declared default.
func (p Parameter) Kind() Kind { return p.Default.Kind() }

type parameterJSON struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Value       any      `json:"value"`
	Group       string   `json:"group,omitempty"`
	Description string   `json:"description,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Step        *float64 `json:"step,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// MarshalJSON encodes the parameter the way the preview page expects it.
func (p Parameter) MarshalJSON() ([]byte, error) {
	out := parameterJSON{
		Name:        p.Name,
		Type:        p.Kind().String(),
		Value:       Native(p.Default),
		Group:       p.Group,
		Description: p.Description,
	}
	switch p.Kind() {
	case KindNumber:
		if p.Range != nil {
			out.Min, out.Max, out.Step = p.Range.Min, p.Range.Max, p.Range.Step
		}
	case KindString:
		out.Options = p.Options
	}
	return json.Marshal(out)
}

// Native unwraps a Value into float64, bool or string.
func Native(v Value) any {
	switch v := v.(type) {
	case Number:
		return float64(v)
	case Bool:
		return bool(v)
	case Text:
		return string(v)
	}
	return nil
}

// Coerce converts v to kind k when that can be done without guessing.
// Strings convert to numbers and booleans when they parse cleanly.
func Coerce(v Value, k Kind) (Value, bool) {
	if v == nil {
		return nil, false
	}
	if v.Kind() == k {
		return v, true
	}
	switch k {
	case KindNumber:
		if s, ok := v.(Text); ok {
			if f, ok := parseFinite(string(s)); ok {
				return Number(f), true
			}
		}
	case KindBool:
		if s, ok := v.(Text); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(string(s)))
			if err == nil {
				return Bool(b), true
			}
		}
	case KindString:
		return Text(strings.Trim(v.Literal(), `"`)), true
	}
	return nil, false
}

// FromJSON decodes a raw JSON scalar into a Value. A JSON null (or an
// empty message) yields a nil Value, meaning "revert to default".
func FromJSON(raw json.RawMessage) (Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	switch v := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return Number(v), nil
	case bool:
		return Bool(v), nil
	case string:
		return Text(v), nil
	}
	return nil, fmt.Errorf("unsupported value %s", raw)
}

// FromString parses user input typed on the command line.
func FromString(s string) Value {
	s = strings.TrimSpace(s)
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return Bool(b)
	}
	if f, ok := parseFinite(s); ok {
		return Number(f)
	}
	return Text(strings.Trim(s, `"'`))
}

// parseFinite parses a number OpenSCAD can take as a literal; inf and nan
// are not.
func parseFinite(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
