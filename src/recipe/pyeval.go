package recipe

import (
	"regexp"
	"strings"
)

// PyMode selects how ${@python-expr} inline expressions are handled.
type PyMode int

const (
	// PyModeFallback always replaces ${@...} with the empty string, per the
	// Open Question decision recorded in DESIGN.md.
	PyModeFallback PyMode = iota
	// PyModeSimple recognizes a small table of common idioms
	// (d.getVar('X'), bb.utils.contains(...), bb.utils.filter(...)) before
	// falling back to the empty string for anything else.
	PyModeSimple
)

var pyExprPattern = regexp.MustCompile(`\$\{@([^{}]*)\}`)

var (
	getVarPattern  = regexp.MustCompile(`^d\.getVar\(\s*['"]([A-Za-z_][A-Za-z0-9_]*)['"]\s*(?:,\s*\w+\s*)?\)$`)
	containsPattern = regexp.MustCompile(`^bb\.utils\.contains\(\s*['"]([A-Za-z_][A-Za-z0-9_]*)['"]\s*,\s*['"]([^'"]*)['"]\s*,\s*['"]([^'"]*)['"]\s*,\s*['"]([^'"]*)['"]\s*,\s*d\s*\)$`)
	filterPattern   = regexp.MustCompile(`^bb\.utils\.filter\(\s*['"]([A-Za-z_][A-Za-z0-9_]*)['"]\s*,\s*['"]([^'"]*)['"]\s*,\s*d\s*\)$`)
)

// ExpandPy replaces every ${@expr} in s according to mode.
func ExpandPy(s string, lookup Lookup, mode PyMode) string {
	return pyExprPattern.ReplaceAllStringFunc(s, func(match string) string {
		expr := strings.TrimSpace(pyExprPattern.FindStringSubmatch(match)[1])
		if mode == PyModeFallback {
			return ""
		}
		if v, ok := evalSimplePy(expr, lookup); ok {
			return v
		}
		return ""
	})
}

// evalSimplePy recognizes a small, fixed table of idioms that appear
// throughout real recipes. Anything else is unrecognized (ok=false) and the
// caller substitutes the empty string.
func evalSimplePy(expr string, lookup Lookup) (string, bool) {
	if m := getVarPattern.FindStringSubmatch(expr); m != nil {
		v, _ := lookup(m[1])
		return v, true
	}
	if m := containsPattern.FindStringSubmatch(expr); m != nil {
		varName, word, trueVal, falseVal := m[1], m[2], m[3], m[4]
		val, _ := lookup(varName)
		for _, w := range splitWhitespace(val) {
			if w == word {
				return trueVal, true
			}
		}
		return falseVal, true
	}
	if m := filterPattern.FindStringSubmatch(expr); m != nil {
		varName, pattern := m[1], m[2]
		val, _ := lookup(varName)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return "", false
		}
		var kept []string
		for _, w := range splitWhitespace(val) {
			if re.MatchString(w) {
				kept = append(kept, w)
			}
		}
		return strings.Join(kept, " "), true
	}
	return "", false
}
