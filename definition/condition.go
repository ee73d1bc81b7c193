package definition

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"
	"strconv"
	"strings"

	"github.com/dogmatiq/orchestra/internal/x/structpbx"
)

// Condition is a parsed boolean expression evaluated by a branch step.
//
// Expressions use Go syntax restricted to literals, variable references
// (including dotted paths such as "review.score"), comparison operators,
// the logical operators &&, || and !, and parentheses. Referencing an
// undefined variable is an error, never a silent false.
type Condition struct {
	source string
	expr   ast.Expr
}

// ParseCondition parses a condition expression.
func ParseCondition(src string) (*Condition, error) {
	expr, err := parser.ParseExpr(src)
	if err != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", src, err)
	}

	if err := check(expr); err != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", src, err)
	}

	return &Condition{src, expr}, nil
}

// String returns the condition's source.
func (c *Condition) String() string {
	return c.source
}

// Evaluate evaluates the condition against the given variables.
func (c *Condition) Evaluate(vars map[string]any) (bool, error) {
	v, err := eval(c.expr, vars)
	if err != nil {
		return false, err
	}

	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, expected bool", c.source, v)
	}

	return b, nil
}

// Evaluate parses and evaluates a condition expression.
func Evaluate(src string, vars map[string]any) (bool, error) {
	c, err := ParseCondition(src)
	if err != nil {
		return false, err
	}

	return c.Evaluate(vars)
}

// check returns an error if expr uses syntax that is not supported.
func check(expr ast.Expr) error {
	var err error

	ast.Inspect(expr, func(n ast.Node) bool {
		if err != nil || n == nil {
			return false
		}

		switch n := n.(type) {
		case *ast.BinaryExpr:
			switch n.Op {
			case token.LAND, token.LOR,
				token.EQL, token.NEQ,
				token.LSS, token.LEQ, token.GTR, token.GEQ:
			default:
				err = fmt.Errorf("unsupported operator %s", n.Op)
			}
		case *ast.UnaryExpr:
			if n.Op != token.NOT && n.Op != token.SUB {
				err = fmt.Errorf("unsupported operator %s", n.Op)
			}
		case *ast.SelectorExpr:
			if _, e := selectorPath(n); e != nil {
				err = e
			}
			return false
		case *ast.BasicLit:
			if n.Kind == token.IMAG || n.Kind == token.CHAR {
				err = fmt.Errorf("unsupported literal %s", n.Value)
			}
		case *ast.Ident, *ast.ParenExpr:
		default:
			err = fmt.Errorf("unsupported expression %T", n)
		}

		return err == nil
	})

	return err
}

func eval(expr ast.Expr, vars map[string]any) (any, error) {
	switch x := expr.(type) {
	case *ast.ParenExpr:
		return eval(x.X, vars)

	case *ast.BasicLit:
		return literal(x)

	case *ast.Ident:
		switch x.Name {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "nil", "null":
			return nil, nil
		}
		return resolve(vars, x.Name)

	case *ast.SelectorExpr:
		p, err := selectorPath(x)
		if err != nil {
			return nil, err
		}
		return resolve(vars, p)

	case *ast.UnaryExpr:
		v, err := eval(x.X, vars)
		if err != nil {
			return nil, err
		}

		if x.Op == token.NOT {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("operator ! is not defined on %T", v)
			}
			return !b, nil
		}

		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("operator - is not defined on %T", v)
		}
		return -f, nil

	case *ast.BinaryExpr:
		return binary(x, vars)
	}

	return nil, fmt.Errorf("unsupported expression %T", expr)
}

func binary(x *ast.BinaryExpr, vars map[string]any) (any, error) {
	l, err := eval(x.X, vars)
	if err != nil {
		return nil, err
	}

	if x.Op == token.LAND || x.Op == token.LOR {
		lb, ok := l.(bool)
		if !ok {
			return nil, fmt.Errorf("operator %s is not defined on %T", x.Op, l)
		}

		if x.Op == token.LAND && !lb {
			return false, nil
		}
		if x.Op == token.LOR && lb {
			return true, nil
		}

		r, err := eval(x.Y, vars)
		if err != nil {
			return nil, err
		}

		rb, ok := r.(bool)
		if !ok {
			return nil, fmt.Errorf("operator %s is not defined on %T", x.Op, r)
		}
		return rb, nil
	}

	r, err := eval(x.Y, vars)
	if err != nil {
		return nil, err
	}

	switch x.Op {
	case token.EQL:
		return reflect.DeepEqual(l, r), nil
	case token.NEQ:
		return !reflect.DeepEqual(l, r), nil
	}

	switch l := l.(type) {
	case float64:
		if r, ok := r.(float64); ok {
			return compare(x.Op, l, r), nil
		}
	case string:
		if r, ok := r.(string); ok {
			return compare(x.Op, l, r), nil
		}
	}

	return nil, fmt.Errorf("operator %s is not defined between %T and %T", x.Op, l, r)
}

func compare[T float64 | string](op token.Token, l, r T) bool {
	switch op {
	case token.LSS:
		return l < r
	case token.LEQ:
		return l <= r
	case token.GTR:
		return l > r
	default:
		return l >= r
	}
}

func literal(x *ast.BasicLit) (any, error) {
	switch x.Kind {
	case token.INT, token.FLOAT:
		return strconv.ParseFloat(x.Value, 64)
	case token.STRING:
		return strconv.Unquote(x.Value)
	}

	return nil, fmt.Errorf("unsupported literal %s", x.Value)
}

// resolve returns the normalized value of a variable.
func resolve(vars map[string]any, path string) (any, error) {
	v, err := Lookup(vars, path)
	if err != nil {
		return nil, err
	}

	return structpbx.Normalize(v)
}

func selectorPath(x *ast.SelectorExpr) (string, error) {
	var parts []string
	var expr ast.Expr = x

	for {
		switch e := expr.(type) {
		case *ast.SelectorExpr:
			parts = append(parts, e.Sel.Name)
			expr = e.X
			continue
		case *ast.Ident:
			parts = append(parts, e.Name)
		default:
			return "", fmt.Errorf("unsupported selector on %T", e)
		}
		break
	}

	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}

	return strings.Join(parts, "."), nil
}
