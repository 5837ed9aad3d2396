package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// args reads one tool input map under an explicit field contract.
type args struct {
	tool string
	in   map[string]any
}

func (a args) errorf(format string, v ...any) error {
	return fmt.Errorf("%s: %s", a.tool, fmt.Sprintf(format, v...))
}

// only rejects keys outside the declared fields.
func (a args) only(fields ...string) error {
	allowed := map[string]bool{}
	for _, f := range fields {
		allowed[f] = true
	}
	var unknown []string
	for k := range a.in {
		if !allowed[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return a.errorf("unknown field(s) %s", strings.Join(unknown, ", "))
	}
	return nil
}

func (a args) optBool(key string) (bool, error) {
	v, ok := a.in[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, a.errorf("%s must be a boolean, got %T", key, v)
	}
	return b, nil
}

func (a args) reqEnum(key string, values []string) (string, error) {
	v, ok := a.in[key]
	if !ok || v == nil {
		return "", a.errorf("%s is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", a.errorf("%s must be a string, got %T", key, v)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	for _, want := range values {
		if s == want {
			return s, nil
		}
	}
	return "", a.errorf("%s must be one of %s", key, strings.Join(values, ", "))
}

func (a args) optInt(key string, min int) (*int, error) {
	v, ok := a.in[key]
	if !ok || v == nil {
		return nil, nil
	}
	n, err := toInt(v)
	if err != nil {
		return nil, a.errorf("%s %v", key, err)
	}
	if n < min {
		return nil, a.errorf("%s must be >= %d", key, min)
	}
	return &n, nil
}

func (a args) optIntList(key string) ([]int, error) {
	v, ok := a.in[key]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		if ints, ok := v.([]int); ok {
			raw = make([]any, len(ints))
			for i, n := range ints {
				raw[i] = n
			}
		} else {
			return nil, a.errorf("%s must be an array of integers, got %T", key, v)
		}
	}
	out := make([]int, 0, len(raw))
	seen := map[int]bool{}
	for i, x := range raw {
		n, err := toInt(x)
		if err != nil {
			return nil, a.errorf("%s[%d] %v", key, i, err)
		}
		if n < 0 {
			return nil, a.errorf("%s[%d] must be >= 0", key, i)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("must be an integer, got %v", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("must be an integer, got %s", n)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("must be an integer, got %T", v)
	}
}
