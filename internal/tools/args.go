package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Arguments are the raw values a model supplied for a call, either by
// name or by position.
type Arguments struct {
	Named      map[string]any
	Positional []any
}

// Args are validated arguments keyed by parameter name. Values are
// string, int, float64 or bool according to the schema.
type Args map[string]any

// String returns a string argument, or "" if absent.
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns an integer argument, or 0 if absent.
func (a Args) Int(name string) int {
	n, _ := a[name].(int)
	return n
}

// Float returns a number argument, or 0 if absent.
func (a Args) Float(name string) float64 {
	f, _ := a[name].(float64)
	return f
}

// Bool returns a boolean argument, or false if absent.
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Has reports whether name was supplied or defaulted.
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// bind matches raw arguments to the descriptor's schema, coercing
// values and filling defaults.
func bind(d Descriptor, raw Arguments) (Args, error) {
	var problems []string
	supplied := make(map[string]any)

	switch {
	case len(raw.Named) > 0 && len(raw.Positional) > 0:
		problems = append(problems, "mix of named and positional arguments")
	case len(raw.Positional) > 0:
		if len(raw.Positional) > len(d.Params) {
			problems = append(problems, fmt.Sprintf("got %d arguments, at most %d accepted", len(raw.Positional), len(d.Params)))
		}
		for i, v := range raw.Positional {
			if i < len(d.Params) {
				supplied[d.Params[i].Name] = v
			}
		}
	default:
		known := make(map[string]bool, len(d.Params))
		for _, p := range d.Params {
			known[p.Name] = true
		}
		var unknown []string
		for k, v := range raw.Named {
			if !known[k] {
				unknown = append(unknown, k)
				continue
			}
			supplied[k] = v
		}
		sort.Strings(unknown)
		for _, k := range unknown {
			problems = append(problems, fmt.Sprintf("unknown argument %q", k))
		}
	}

	out := make(Args, len(d.Params))
	for _, p := range d.Params {
		v, ok := supplied[p.Name]
		if !ok || v == nil {
			switch {
			case p.Default != nil:
				out[p.Name] = p.Default
			case p.Required:
				problems = append(problems, fmt.Sprintf("missing required argument %q", p.Name))
			}
			continue
		}

		cv, err := coerce(p, v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("argument %q: %v", p.Name, err))
			continue
		}
		out[p.Name] = cv
	}

	if len(problems) > 0 {
		return nil, &ArgumentMismatchError{
			ToolName:  d.Name,
			Signature: d.Signature(),
			Problems:  problems,
		}
	}
	return out, nil
}

// coerce converts a decoded JSON value to the parameter's type. Models
// often quote numbers, so numeric strings are accepted for numeric
// parameters.
func coerce(p Param, v any) (any, error) {
	switch p.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %s", describe(v))
		}
		if len(p.Enum) == 0 {
			return s, nil
		}
		for _, allowed := range p.Enum {
			if strings.EqualFold(strings.TrimSpace(s), allowed) {
				return allowed, nil
			}
		}
		return nil, fmt.Errorf("%q is not one of %s", s, strings.Join(p.Enum, ", "))

	case TypeInteger:
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("want integer, got %s", describe(v))
		}
		if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			return nil, fmt.Errorf("want integer, got %v", f)
		}
		return int(f), nil

	case TypeNumber:
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("want number, got %s", describe(v))
		}
		return f, nil

	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed, nil
			}
		}
		return nil, fmt.Errorf("want boolean, got %s", describe(v))
	}
	return v, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	return 0, fmt.Errorf("not a number")
}

func describe(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}
