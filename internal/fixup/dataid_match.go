package fixup

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
)

// DataIDMatch evaluates a boolean expression against a node's payload,
// matching identifiers in the expression against payload keys. It is used
// to build selective fixups and task filters from a single user-supplied
// string rather than Go code.
//
// The expression grammar is Go's own expression syntax (parsed with
// go/parser), restricted at evaluation time to the operators below:
// ==, !=, <, <=, >, >=, &&, ||, !, and parentheses, over string, int, and
// float operands. Anything else — function calls, composite literals,
// unsupported operators — evaluates with an error rather than a panic.
type DataIDMatch struct {
	expression string
	tree       ast.Expr
}

// NewDataIDMatch parses expression. The expression is not evaluated against
// any payload until Match is called.
func NewDataIDMatch(expression string) (*DataIDMatch, error) {
	tree, err := parser.ParseExpr(expression)
	if err != nil {
		return nil, fmt.Errorf("fixup: invalid expression %q: %w", expression, err)
	}
	return &DataIDMatch{expression: expression, tree: tree}, nil
}

// Match evaluates the expression against payload, resolving identifiers to
// payload keys. It returns an error if an identifier is undefined, if the
// expression uses unsupported syntax, or if it evaluates to a non-boolean.
func (m *DataIDMatch) Match(payload map[string]any) (bool, error) {
	v, err := evalExpr(m.tree, payload)
	if err != nil {
		return false, fmt.Errorf("fixup: evaluating %q: %w", m.expression, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("fixup: expression %q returned non-boolean %T", m.expression, v)
	}
	return b, nil
}

func evalExpr(n ast.Expr, payload map[string]any) (any, error) {
	switch e := n.(type) {
	case *ast.ParenExpr:
		return evalExpr(e.X, payload)

	case *ast.Ident:
		v, ok := payload[e.Name]
		if !ok {
			return nil, fmt.Errorf("undefined identifier %q", e.Name)
		}
		return v, nil

	case *ast.BasicLit:
		switch e.Kind {
		case token.INT:
			i, err := strconv.ParseInt(e.Value, 10, 64)
			if err != nil {
				return nil, err
			}
			return i, nil
		case token.FLOAT:
			f, err := strconv.ParseFloat(e.Value, 64)
			if err != nil {
				return nil, err
			}
			return f, nil
		case token.STRING:
			s, err := strconv.Unquote(e.Value)
			if err != nil {
				return nil, err
			}
			return s, nil
		default:
			return nil, fmt.Errorf("unsupported literal kind %v", e.Kind)
		}

	case *ast.UnaryExpr:
		x, err := evalExpr(e.X, payload)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case token.NOT:
			b, ok := x.(bool)
			if !ok {
				return nil, fmt.Errorf("! requires bool operand, got %T", x)
			}
			return !b, nil
		case token.SUB:
			return negate(x)
		default:
			return nil, fmt.Errorf("unsupported unary operator %v", e.Op)
		}

	case *ast.BinaryExpr:
		return evalBinary(e, payload)

	default:
		return nil, fmt.Errorf("unsupported syntax %T", n)
	}
}

func evalBinary(e *ast.BinaryExpr, payload map[string]any) (any, error) {
	// && and || short-circuit and require bool operands only.
	if e.Op == token.LAND || e.Op == token.LOR {
		lhs, err := evalExpr(e.X, payload)
		if err != nil {
			return nil, err
		}
		lb, ok := lhs.(bool)
		if !ok {
			return nil, fmt.Errorf("%v requires bool operands, got %T", e.Op, lhs)
		}
		if e.Op == token.LAND && !lb {
			return false, nil
		}
		if e.Op == token.LOR && lb {
			return true, nil
		}
		rhs, err := evalExpr(e.Y, payload)
		if err != nil {
			return nil, err
		}
		rb, ok := rhs.(bool)
		if !ok {
			return nil, fmt.Errorf("%v requires bool operands, got %T", e.Op, rhs)
		}
		return rb, nil
	}

	lhs, err := evalExpr(e.X, payload)
	if err != nil {
		return nil, err
	}
	rhs, err := evalExpr(e.Y, payload)
	if err != nil {
		return nil, err
	}

	switch e.Op {
	case token.EQL:
		return compareEq(lhs, rhs)
	case token.NEQ:
		eq, err := compareEq(lhs, rhs)
		if err != nil {
			return nil, err
		}
		return !eq, nil
	case token.LSS, token.LEQ, token.GTR, token.GEQ:
		return compareOrdered(e.Op, lhs, rhs)
	default:
		return nil, fmt.Errorf("unsupported binary operator %v", e.Op)
	}
}

func negate(x any) (any, error) {
	switch v := x.(type) {
	case int64:
		return -v, nil
	case float64:
		return -v, nil
	default:
		return nil, fmt.Errorf("unary - requires numeric operand, got %T", x)
	}
}

func compareEq(lhs, rhs any) (bool, error) {
	lf, lok := asFloat(lhs)
	rf, rok := asFloat(rhs)
	if lok && rok {
		return lf == rf, nil
	}
	ls, lsok := lhs.(string)
	rs, rsok := rhs.(string)
	if lsok && rsok {
		return ls == rs, nil
	}
	lb, lbok := lhs.(bool)
	rb, rbok := rhs.(bool)
	if lbok && rbok {
		return lb == rb, nil
	}
	return false, fmt.Errorf("cannot compare %T with %T", lhs, rhs)
}

func compareOrdered(op token.Token, lhs, rhs any) (bool, error) {
	lf, lok := asFloat(lhs)
	rf, rok := asFloat(rhs)
	if lok && rok {
		switch op {
		case token.LSS:
			return lf < rf, nil
		case token.LEQ:
			return lf <= rf, nil
		case token.GTR:
			return lf > rf, nil
		case token.GEQ:
			return lf >= rf, nil
		}
	}
	ls, lsok := lhs.(string)
	rs, rsok := rhs.(string)
	if lsok && rsok {
		switch op {
		case token.LSS:
			return ls < rs, nil
		case token.LEQ:
			return ls <= rs, nil
		case token.GTR:
			return ls > rs, nil
		case token.GEQ:
			return ls >= rs, nil
		}
	}
	return false, fmt.Errorf("cannot order-compare %T with %T", lhs, rhs)
}

func asFloat(x any) (float64, bool) {
	switch v := x.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	default:
		return 0, false
	}
}
