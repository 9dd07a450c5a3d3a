package codegen

import (
	"fmt"
	"strconv"
	"strings"

	"blockcollab/workspace"
)

// order is a JavaScript operator precedence; lower binds tighter.
type order float64

const (
	orderAtomic         order = 0
	orderMember         order = 1.2
	orderFunctionCall   order = 2
	orderUnaryNegation  order = 4.3
	orderLogicalNot     order = 4.4
	orderMultiplicative order = 5
	orderAdditive       order = 6
	orderRelational     order = 8
	orderEquality       order = 9
	orderLogicalAnd     order = 13
	orderLogicalOr      order = 14
	orderConditional    order = 15
	orderAssignment     order = 16
	orderNone           order = 99
)

// Same-order nestings that never need parentheses.
var orderOverrides = map[order]bool{
	orderFunctionCall:   true,
	orderMember:         true,
	orderLogicalNot:     true,
	orderMultiplicative: true,
	orderAdditive:       true,
	orderLogicalAnd:     true,
	orderLogicalOr:      true,
}

const indent = "  "

type valueFunc func(g *generator, n *workspace.Node) (string, order)

type statementFunc func(g *generator, n *workspace.Node) string

// rule is the emission rule for one block type. Exactly one of value and
// statement is set.
type rule struct {
	value     valueFunc
	statement statementFunc
}

type generator struct {
	ws    *workspace.Workspace
	names *nameDB
	diags []Diagnostic
}

func newGenerator(w *workspace.Workspace) *generator {
	g := &generator{ws: w, names: newNameDB()}
	for _, v := range w.Variables {
		g.names.variable(v.ID, v.Name)
	}
	return g
}

func (g *generator) report(n *workspace.Node, err error) {
	g.diags = append(g.diags, Diagnostic{
		BlockID:   n.ID,
		BlockType: n.Type,
		Err:       err,
		Message:   err.Error(),
	})
}

// chain renders a statement block and everything that follows it.
func (g *generator) chain(n *workspace.Node) string {
	var b strings.Builder
	for ; n != nil; n = n.Next {
		b.WriteString(g.statement(n))
	}
	return b.String()
}

func (g *generator) statement(n *workspace.Node) string {
	r, ok := rules[n.Type]
	switch {
	case !ok:
		g.report(n, &UnknownBlockTypeError{BlockID: n.ID, Type: n.Type})
		return "// unknown block type " + strconv.Quote(n.Type) + " (block " + strconv.Quote(n.ID) + ")\n"
	case r.statement != nil:
		return r.statement(g, n)
	default:
		// A loose value block becomes an expression statement.
		code, _ := r.value(g, n)
		if code == "" {
			return ""
		}
		return code + ";\n"
	}
}

func (g *generator) expr(n *workspace.Node) (string, order) {
	r, ok := rules[n.Type]
	switch {
	case !ok:
		g.report(n, &UnknownBlockTypeError{BlockID: n.ID, Type: n.Type})
		return "undefined /* unknown block type " + commentSafe(n.Type) + " */", orderAtomic
	case r.value == nil:
		g.report(n, fmt.Errorf("%w: statement block %q in a value input", ErrMisplacedBlock, n.Type))
		return "undefined", orderAtomic
	default:
		return r.value(g, n)
	}
}

// value renders the block attached to input name, parenthesized when its
// precedence is looser than outer. It returns "" for an empty input.
func (g *generator) value(n *workspace.Node, name string, outer order) string {
	child := n.Input(name)
	if child == nil {
		return ""
	}
	code, inner := g.expr(child)
	if code == "" {
		return ""
	}
	if outer <= inner {
		same := outer == inner
		if !(same && (outer == orderAtomic || outer == orderNone || orderOverrides[outer])) {
			code = "(" + code + ")"
		}
	}
	return code
}

// rightValue is value for the right operand of a left-associative operator
// that is not associative, such as - and /. An operand of the same order is
// always parenthesized.
func (g *generator) rightValue(n *workspace.Node, name string, outer order, fallback string) string {
	child := n.Input(name)
	if child == nil {
		return fallback
	}
	code, inner := g.expr(child)
	if code == "" {
		return fallback
	}
	if outer <= inner {
		code = "(" + code + ")"
	}
	return code
}

// valueOr is value with a fallback for empty inputs.
func (g *generator) valueOr(n *workspace.Node, name string, outer order, fallback string) string {
	if code := g.value(n, name, outer); code != "" {
		return code
	}
	return fallback
}

// statements renders the chain attached to a statement input, indented.
func (g *generator) statements(n *workspace.Node, name string) string {
	return prefixLines(g.chain(n.Input(name)), indent)
}

func (g *generator) variableName(n *workspace.Node) string {
	return g.names.variable(n.Field("VAR"), "")
}

func prefixLines(code, prefix string) string {
	if code == "" {
		return ""
	}
	trailing := strings.HasSuffix(code, "\n")
	code = strings.TrimSuffix(code, "\n")
	code = prefix + strings.ReplaceAll(code, "\n", "\n"+prefix)
	if trailing {
		code += "\n"
	}
	return code
}

func commentSafe(s string) string {
	s = strings.ReplaceAll(s, "*/", "* /")
	return strconv.Quote(s)
}
