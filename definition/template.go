package definition

import (
	"fmt"
	"strings"

	"github.com/dogmatiq/orchestra/internal/x/structpbx"
)

// UnresolvedReferenceError indicates that a template or condition refers to a
// variable that does not exist.
type UnresolvedReferenceError struct {
	Name string
}

func (e UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference to %q", e.Name)
}

// Render substitutes variable references within v.
//
// Strings of the form "${name}" are replaced by the referenced value itself,
// retaining its type. References embedded within a longer string are
// replaced by their textual representation. Maps and lists are rendered
// recursively. The result is normalized.
func Render(v any, vars map[string]any) (any, error) {
	n, err := structpbx.Normalize(v)
	if err != nil {
		return nil, err
	}

	switch v := n.(type) {
	case string:
		return renderString(v, vars)

	case map[string]any:
		out := make(map[string]any, len(v))
		for k, x := range v {
			r, err := Render(x, vars)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			r, err := Render(x, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil

	default:
		return v, nil
	}
}

// RenderMap renders each value in m. It never returns a nil map.
func RenderMap(m map[string]any, vars map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))

	for k, x := range m {
		r, err := Render(x, vars)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}

	return out, nil
}

func renderString(s string, vars map[string]any) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${") &&
		strings.HasSuffix(trimmed, "}") &&
		strings.Count(trimmed, "${") == 1 &&
		strings.Count(trimmed, "}") == 1 {
		name := strings.TrimSpace(trimmed[2 : len(trimmed)-1])
		return Lookup(vars, name)
	}

	var b strings.Builder
	rest := s

	for {
		start := strings.Index(rest, "${")
		if start == -1 {
			b.WriteString(rest)
			break
		}

		b.WriteString(rest[:start])
		rest = rest[start+2:]

		end := strings.Index(rest, "}")
		if end == -1 {
			return nil, fmt.Errorf("unterminated reference in %q", s)
		}

		name := strings.TrimSpace(rest[:end])
		rest = rest[end+1:]

		v, err := Lookup(vars, name)
		if err != nil {
			return nil, err
		}

		if v != nil {
			b.WriteString(fmt.Sprint(v))
		}
	}

	return b.String(), nil
}

// Lookup returns the value at a dotted path within vars.
func Lookup(vars map[string]any, path string) (any, error) {
	if path == "" {
		return nil, UnresolvedReferenceError{path}
	}

	var cur any = vars

	for _, k := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, UnresolvedReferenceError{path}
		}

		cur, ok = m[k]
		if !ok {
			return nil, UnresolvedReferenceError{path}
		}
	}

	return cur, nil
}
