package codegen

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"blockcollab/workspace"
)

// rules is the dispatch table from block type to emission rule. It is filled
// in init because the rules recurse back through the generator.
var rules map[string]rule

func init() {
	rules = map[string]rule{
		"math_number":     {value: mathNumber},
		"math_arithmetic": {value: mathArithmetic},
		"text":            {value: text},
		"variables_get":   {value: variablesGet},
		"logic_boolean":   {value: logicBoolean},
		"logic_negate":    {value: logicNegate},
		"logic_operation": {value: logicOperation},
		"logic_compare":   {value: logicCompare},

		"text_print":          {statement: textPrint},
		"variables_set":       {statement: variablesSet},
		"controls_if":         {statement: controlsIf},
		"controls_repeat_ext": {statement: controlsRepeat},
		"controls_whileUntil": {statement: controlsWhileUntil},
		"controls_for":        {statement: controlsFor},
		"controls_forEach":    {statement: controlsForEach},
	}
}

var (
	numberRe = regexp.MustCompile(`^\s*-?\d+(\.\d+)?\s*$`)
	wordRe   = regexp.MustCompile(`^\w+$`)
)

func isNumber(s string) bool { return numberRe.MatchString(s) }

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == math.Trunc(f) && math.Abs(f) < 1e15:
		return strconv.FormatInt(int64(f), 10)
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}

func mathNumber(g *generator, n *workspace.Node) (string, order) {
	f, err := strconv.ParseFloat(strings.TrimSpace(n.Field("NUM")), 64)
	if err != nil {
		g.report(n, fmt.Errorf("%w: NUM %q is not a number", ErrInvalidField, n.Field("NUM")))
		return "0", orderAtomic
	}
	code := formatNumber(f)
	if f < 0 {
		return code, orderUnaryNegation
	}
	return code, orderAtomic
}

var arithmetic = map[string]struct {
	op          string
	order       order
	associative bool
}{
	"ADD":      {" + ", orderAdditive, true},
	"MINUS":    {" - ", orderAdditive, false},
	"MULTIPLY": {" * ", orderMultiplicative, true},
	"DIVIDE":   {" / ", orderMultiplicative, false},
}

func mathArithmetic(g *generator, n *workspace.Node) (string, order) {
	if n.Field("OP") == "POWER" {
		// ** rejects a unary operand on its left, so use the call form.
		a := g.valueOr(n, "A", orderNone, "0")
		b := g.valueOr(n, "B", orderNone, "0")
		return "Math.pow(" + a + ", " + b + ")", orderFunctionCall
	}
	op, ok := arithmetic[n.Field("OP")]
	if !ok {
		g.report(n, fmt.Errorf("%w: arithmetic operator %q", ErrInvalidField, n.Field("OP")))
		return "undefined", orderAtomic
	}
	a := g.valueOr(n, "A", op.order, "0")
	var b string
	if op.associative {
		b = g.valueOr(n, "B", op.order, "0")
	} else {
		b = g.rightValue(n, "B", op.order, "0")
	}
	return a + op.op + b, op.order
}

// quote renders s as a single-quoted JavaScript string literal.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`, "'", `\'`, "\u2028", `\u2028`, "\u2029", `\u2029`)
	return "'" + r.Replace(s) + "'"
}

func text(g *generator, n *workspace.Node) (string, order) {
	return quote(n.Field("TEXT")), orderAtomic
}

func variablesGet(g *generator, n *workspace.Node) (string, order) {
	return g.variableName(n), orderAtomic
}

func logicBoolean(g *generator, n *workspace.Node) (string, order) {
	if n.Field("BOOL") == "TRUE" {
		return "true", orderAtomic
	}
	return "false", orderAtomic
}

func logicNegate(g *generator, n *workspace.Node) (string, order) {
	return "!" + g.valueOr(n, "BOOL", orderLogicalNot, "true"), orderLogicalNot
}

func logicOperation(g *generator, n *workspace.Node) (string, order) {
	op, ord := " && ", orderLogicalAnd
	if n.Field("OP") == "OR" {
		op, ord = " || ", orderLogicalOr
	}
	a := g.value(n, "A", ord)
	b := g.value(n, "B", ord)
	if a == "" && b == "" {
		a, b = "false", "false"
	} else {
		// One missing side must not change the other's result.
		neutral := "true"
		if ord == orderLogicalOr {
			neutral = "false"
		}
		if a == "" {
			a = neutral
		}
		if b == "" {
			b = neutral
		}
	}
	return a + op + b, ord
}

var comparisons = map[string]string{
	"EQ":  "==",
	"NEQ": "!=",
	"LT":  "<",
	"LTE": "<=",
	"GT":  ">",
	"GTE": ">=",
}

func logicCompare(g *generator, n *workspace.Node) (string, order) {
	op, ok := comparisons[n.Field("OP")]
	if !ok {
		g.report(n, fmt.Errorf("%w: comparison operator %q", ErrInvalidField, n.Field("OP")))
		return "undefined", orderAtomic
	}
	ord := orderRelational
	if op == "==" || op == "!=" {
		ord = orderEquality
	}
	a := g.valueOr(n, "A", ord, "0")
	b := g.valueOr(n, "B", ord, "0")
	return a + " " + op + " " + b, ord
}

func textPrint(g *generator, n *workspace.Node) string {
	return "window.alert(" + g.valueOr(n, "TEXT", orderNone, "''") + ");\n"
}

func variablesSet(g *generator, n *workspace.Node) string {
	return g.variableName(n) + " = " + g.valueOr(n, "VALUE", orderAssignment, "0") + ";\n"
}

type ifState struct {
	HasElse bool `json:"hasElse"`
}

func controlsIf(g *generator, n *workspace.Node) string {
	var st ifState
	if len(n.ExtraState) > 0 {
		// Unreadable mutation state falls back to the connected inputs.
		_ = json.Unmarshal(n.ExtraState, &st)
	}

	// Only connected branches are emitted. An unconnected else-if compiles
	// to "else if (false) {}", so elseIfCount never sizes the output.
	branches := map[int]bool{0: true}
	for name := range n.Inputs {
		for _, prefix := range []string{"IF", "DO"} {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			if i, err := strconv.Atoi(strings.TrimPrefix(name, prefix)); err == nil && i >= 0 {
				branches[i] = true
			}
		}
	}
	indexes := make([]int, 0, len(branches))
	for i := range branches {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var b strings.Builder
	for k, i := range indexes {
		if k > 0 {
			b.WriteString(" else ")
		}
		cond := g.valueOr(n, "IF"+strconv.Itoa(i), orderNone, "false")
		b.WriteString("if (" + cond + ") {\n" + g.statements(n, "DO"+strconv.Itoa(i)) + "}")
	}
	if st.HasElse || n.Input("ELSE") != nil {
		b.WriteString(" else {\n" + g.statements(n, "ELSE") + "}")
	}
	b.WriteString("\n")
	return b.String()
}

func controlsRepeat(g *generator, n *workspace.Node) string {
	repeats := g.valueOr(n, "TIMES", orderAssignment, "0")
	branch := g.statements(n, "DO")
	var code string
	loopVar := g.names.helperName("count")
	endVar := repeats
	if !isNumber(repeats) && !wordRe.MatchString(repeats) {
		endVar = g.names.helperName("repeat_end")
		code += "var " + endVar + " = " + repeats + ";\n"
	}
	code += "for (var " + loopVar + " = 0; " + loopVar + " < " + endVar + "; " + loopVar + "++) {\n" +
		branch + "}\n"
	return code
}

func controlsWhileUntil(g *generator, n *workspace.Node) string {
	var cond string
	if n.Field("MODE") == "UNTIL" {
		cond = "!" + g.valueOr(n, "BOOL", orderLogicalNot, "false")
	} else {
		cond = g.valueOr(n, "BOOL", orderNone, "false")
	}
	return "while (" + cond + ") {\n" + g.statements(n, "DO") + "}\n"
}

func controlsFor(g *generator, n *workspace.Node) string {
	v := g.variableName(n)
	from := g.valueOr(n, "FROM", orderAssignment, "0")
	to := g.valueOr(n, "TO", orderAssignment, "0")
	by := g.valueOr(n, "BY", orderAssignment, "1")
	branch := g.statements(n, "DO")

	if isNumber(from) && isNumber(to) && isNumber(by) {
		f, _ := strconv.ParseFloat(strings.TrimSpace(from), 64)
		t, _ := strconv.ParseFloat(strings.TrimSpace(to), 64)
		step, _ := strconv.ParseFloat(strings.TrimSpace(by), 64)
		step = math.Abs(step)
		up := f <= t
		code := "for (" + v + " = " + from + "; " + v
		if up {
			code += " <= "
		} else {
			code += " >= "
		}
		code += to + "; " + v
		switch {
		case step == 1 && up:
			code += "++"
		case step == 1:
			code += "--"
		case up:
			code += " += " + formatNumber(step)
		default:
			code += " -= " + formatNumber(step)
		}
		return code + ") {\n" + branch + "}\n"
	}

	var code string
	start := from
	if !wordRe.MatchString(from) && !isNumber(from) {
		start = g.names.helperName(v + "_start")
		code += "var " + start + " = " + from + ";\n"
	}
	end := to
	if !wordRe.MatchString(to) && !isNumber(to) {
		end = g.names.helperName(v + "_end")
		code += "var " + end + " = " + to + ";\n"
	}
	inc := g.names.helperName(v + "_inc")
	code += "var " + inc + " = "
	if isNumber(by) {
		f, _ := strconv.ParseFloat(strings.TrimSpace(by), 64)
		code += formatNumber(math.Abs(f)) + ";\n"
	} else {
		code += "Math.abs(" + by + ");\n"
	}
	code += "if (" + start + " > " + end + ") {\n" + indent + inc + " = -" + inc + ";\n}\n"
	code += "for (" + v + " = " + start + "; " + inc + " >= 0 ? " + v + " <= " + end + " : " +
		v + " >= " + end + "; " + v + " += " + inc + ") {\n" + branch + "}\n"
	return code
}

func controlsForEach(g *generator, n *workspace.Node) string {
	v := g.variableName(n)
	list := g.valueOr(n, "LIST", orderAssignment, "[]")
	branch := g.statements(n, "DO")
	var code string
	listVar := list
	if !wordRe.MatchString(list) {
		listVar = g.names.helperName(v + "_list")
		code += "var " + listVar + " = " + list + ";\n"
	}
	index := g.names.helperName(v + "_index")
	branch = indent + v + " = " + listVar + "[" + index + "];\n" + branch
	code += "for (var " + index + " in " + listVar + ") {\n" + branch + "}\n"
	return code
}
