// Package template resolves {{a.b.c}} variable references and helper
// expressions against a caller-supplied context object. Resolution never
// fails hard: bad input degrades to best-effort text plus a warning.
package template

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Warning is a non-fatal diagnostic produced while resolving a template.
type Warning struct {
	Expr string
	Err  error
}

func (w Warning) Error() string {
	return fmt.Sprintf("template: %q: %v", w.Expr, w.Err)
}

var (
	tokenRe = regexp.MustCompile(`\{\{([^{}]*)\}\}`)
	pathRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)

	currencyPrinter = message.NewPrinter(language.English)
)

// Resolve substitutes every {{...}} token in tmpl via lookup into ctx. An
// unresolved path renders as an empty string. On any internal error the
// original template text is returned untouched, with a warning describing
// what went wrong.
func Resolve(tmpl string, ctx map[string]any) (string, []Warning) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}
	var warnings []Warning
	failed := false
	out := tokenRe.ReplaceAllStringFunc(tmpl, func(tok string) string {
		expr := strings.TrimSpace(tok[2 : len(tok)-2])
		val, err := evalExpr(expr, ctx)
		if err != nil {
			warnings = append(warnings, Warning{Expr: expr, Err: err})
			failed = true
			return tok
		}
		return renderValue(val)
	})
	if failed {
		return tmpl, warnings
	}
	return out, warnings
}

// EvaluateCondition resolves cond and interprets the result as a boolean:
// the literals "true"/"false" directly, anything else by truthiness
// (non-empty, non-"0"). Any internal error yields false; this feeds
// visibility decisions, so it fails closed.
func EvaluateCondition(cond string, ctx map[string]any) bool {
	resolved, warnings := Resolve(cond, ctx)
	if len(warnings) > 0 {
		return false
	}
	switch s := strings.TrimSpace(resolved); s {
	case "true":
		return true
	case "false", "", "0":
		return false
	default:
		return true
	}
}

// ResolveObject applies Resolve to every string leaf of an arbitrarily
// nested map/slice structure, returning a resolved copy. Non-string leaves
// pass through unchanged.
func ResolveObject(v any, ctx map[string]any) (any, []Warning) {
	switch t := v.(type) {
	case string:
		return Resolve(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		var warnings []Warning
		for k, child := range t {
			rv, w := ResolveObject(child, ctx)
			out[k] = rv
			warnings = append(warnings, w...)
		}
		return out, warnings
	case []any:
		out := make([]any, len(t))
		var warnings []Warning
		for i, child := range t {
			rv, w := ResolveObject(child, ctx)
			out[i] = rv
			warnings = append(warnings, w...)
		}
		return out, warnings
	default:
		return v, nil
	}
}

// Lookup resolves a dotted path into a nested context object. The second
// return reports whether the full path was present.
func Lookup(path string, ctx map[string]any) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = ctx
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func evalExpr(expr string, ctx map[string]any) (any, error) {
	parts, err := splitArgs(expr)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	if len(parts) == 1 {
		return evalTerm(parts[0], ctx)
	}
	args := make([]any, 0, len(parts)-1)
	for _, p := range parts[1:] {
		v, err := evalTerm(p, ctx)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return applyHelper(parts[0], args)
}

func evalTerm(term string, ctx map[string]any) (any, error) {
	switch {
	case strings.HasPrefix(term, "(") && strings.HasSuffix(term, ")"):
		return evalExpr(strings.TrimSpace(term[1:len(term)-1]), ctx)
	case strings.HasPrefix(term, "'") && strings.HasSuffix(term, "'") && len(term) >= 2:
		return term[1 : len(term)-1], nil
	case term == "true":
		return true, nil
	case term == "false":
		return false, nil
	}
	if n, err := strconv.ParseFloat(term, 64); err == nil {
		return n, nil
	}
	if !pathRe.MatchString(term) {
		return nil, fmt.Errorf("malformed reference %q", term)
	}
	v, ok := Lookup(term, ctx)
	if !ok {
		// Unresolved paths render empty rather than failing the template.
		return nil, nil
	}
	return v, nil
}

// splitArgs tokenizes an expression body on whitespace, honoring single
// quotes and nested parentheses.
func splitArgs(s string) ([]string, error) {
	var parts []string
	var cur strings.Builder
	depth := 0
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '\'':
			inQuote = !inQuote
			cur.WriteRune(r)
		case inQuote:
			cur.WriteRune(r)
		case r == '(':
			depth++
			cur.WriteRune(r)
		case r == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses")
			}
			cur.WriteRune(r)
		case r == ' ' || r == '\t':
			if depth > 0 {
				cur.WriteRune(r)
			} else {
				flush()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses")
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return parts, nil
}

func applyHelper(name string, args []any) (any, error) {
	switch name {
	case "eq":
		if err := wantArgs(name, args, 2); err != nil {
			return nil, err
		}
		return compare(args[0], args[1]) == 0, nil
	case "gt":
		if err := wantArgs(name, args, 2); err != nil {
			return nil, err
		}
		return compare(args[0], args[1]) > 0, nil
	case "gte":
		if err := wantArgs(name, args, 2); err != nil {
			return nil, err
		}
		return compare(args[0], args[1]) >= 0, nil
	case "lt":
		if err := wantArgs(name, args, 2); err != nil {
			return nil, err
		}
		return compare(args[0], args[1]) < 0, nil
	case "lte":
		if err := wantArgs(name, args, 2); err != nil {
			return nil, err
		}
		return compare(args[0], args[1]) <= 0, nil
	case "and":
		for _, a := range args {
			if !Truthy(a) {
				return false, nil
			}
		}
		return len(args) > 0, nil
	case "or":
		for _, a := range args {
			if Truthy(a) {
				return true, nil
			}
		}
		return false, nil
	case "not":
		if err := wantArgs(name, args, 1); err != nil {
			return nil, err
		}
		return !Truthy(args[0]), nil
	case "abs":
		if err := wantArgs(name, args, 1); err != nil {
			return nil, err
		}
		n, ok := toNumber(args[0])
		if !ok {
			return nil, fmt.Errorf("abs: non-numeric argument")
		}
		return math.Abs(n), nil
	case "formatCurrency":
		if err := wantArgs(name, args, 1); err != nil {
			return nil, err
		}
		n, ok := toNumber(args[0])
		if !ok {
			return nil, fmt.Errorf("formatCurrency: non-numeric argument")
		}
		return currencyPrinter.Sprintf("$%d", int64(math.Round(n))), nil
	case "formatDate":
		if err := wantArgs(name, args, 1); err != nil {
			return nil, err
		}
		t, ok := toTime(args[0])
		if !ok {
			return nil, fmt.Errorf("formatDate: unparseable date")
		}
		return t.Format("Jan 2, 2006"), nil
	default:
		return nil, fmt.Errorf("unknown helper %q", name)
	}
}

func wantArgs(name string, args []any, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s: expected %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

// compare is numeric when both operands parse as numbers, otherwise
// lexicographic on the rendered strings.
func compare(a, b any) int {
	na, aok := toNumber(a)
	nb, bok := toNumber(b)
	if aok && bok {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(renderValue(a), renderValue(b))
}

// Truthy applies the resolver's truthiness rule to an evaluated value:
// non-empty, non-"0", non-"false" strings are true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "0" && t != "false"
	default:
		if n, ok := toNumber(v); ok {
			return n != 0
		}
		return true
	}
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	default:
		if n, ok := toNumber(v); ok {
			return time.Unix(int64(n), 0).UTC(), true
		}
		return time.Time{}, false
	}
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", t)
	}
}
