package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/semintent/audit"
)

// Scope is what references can see: outputs of executed steps before the
// current one.
type Scope struct {
	outputs map[int]any
	last    int
}

// NewScope builds the scope for step idx of log.
func NewScope(log *audit.AuditLog, idx int) Scope {
	s := Scope{outputs: make(map[int]any), last: -1}
	if log == nil {
		return s
	}
	for i, out := range log.ExecutedOutputs() {
		if i >= idx {
			continue
		}
		s.outputs[i] = out
		if i > s.last {
			s.last = i
		}
	}
	return s
}

// Lookup follows ref through the scope.
func (s Scope) Lookup(ref Ref) (any, bool) {
	idx := ref.Step
	if ref.Last {
		idx = s.last
	}
	cur, ok := s.outputs[idx]
	if !ok {
		return nil, false
	}
	for _, seg := range ref.Segments {
		if seg.IsIndex {
			list, ok := cur.([]any)
			if !ok || seg.Index < 0 || seg.Index >= len(list) {
				return nil, false
			}
			cur = list[seg.Index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg.Key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Resolve substitutes references in params. A parameter that is exactly one
// reference takes the referenced value with its type; references embedded
// in text are interpolated. Anything unresolvable stays as written.
func Resolve(params map[string]any, scope Scope) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, scope)
	}
	return out
}

func resolveValue(v any, scope Scope) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, scope)
	case map[string]any:
		return Resolve(t, scope)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = resolveValue(e, scope)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, scope Scope) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 && strings.Count(trimmed, "}}") == 1 {
		if v, ok := evaluate(trimmed[2:len(trimmed)-2], scope); ok {
			return v
		}
		return s
	}

	if !strings.Contains(s, "{{") {
		return s
	}

	var b strings.Builder
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[open+2:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		closeAt := open + 2 + end
		b.WriteString(rest[:open])
		if v, ok := evaluate(rest[open+2:closeAt], scope); ok {
			b.WriteString(stringify(v))
		} else {
			b.WriteString(rest[open : closeAt+2])
		}
		rest = rest[closeAt+2:]
	}
	return b.String()
}

func evaluate(src string, scope Scope) (any, bool) {
	expr, err := ParseExpr(src)
	if err != nil {
		return nil, false
	}
	v, ok := scope.Lookup(expr.Ref)
	if !ok {
		return nil, false
	}
	if expr.Ternary != nil {
		if stringify(v) == expr.Ternary.Equals {
			return expr.Ternary.Then, true
		}
		return expr.Ternary.Else, true
	}
	return v, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	case bool, float64, float32, int, int64, int32, uint, uint64, uint32:
		return fmt.Sprint(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

// MergeOverrides shallow-merges overrides onto params.
func MergeOverrides(params, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(params)+len(overrides))
	for k, v := range params {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// normalize converts a tool's output into plain JSON values so references
// see maps, slices, strings, float64s and bools only.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}
