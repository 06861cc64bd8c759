package recipe

import (
	"regexp"
	"strings"
)

// maxExpansionIterations bounds the fixpoint loop; per §4.4, unresolved
// references are left literal once this is hit rather than looping forever
// on a malformed or self-referential recipe.
const maxExpansionIterations = 10

var varRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// varFlagRefPattern matches ${VAR[flag]} references so they can be rewritten
// to the mangled ${VAR__flag} form before the ordinary expansion loop runs
// (see DESIGN.md's Open Question decision on the flag-reference namespace).
var varFlagRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\[([A-Za-z0-9_]+)\]\}`)

// Lookup resolves a variable name to its value during expansion.
type Lookup func(name string) (string, bool)

// rewriteFlagRefs rewrites every "${VAR[flag]}" in s to "${VAR__flag}".
func rewriteFlagRefs(s string) string {
	return varFlagRefPattern.ReplaceAllString(s, `${${1}__${2}}`)
}

// Expand replaces every ${NAME} in s with lookup(NAME), re-running until no
// further substitutions occur or maxExpansionIterations is reached, at
// which point any remaining ${NAME} references are left as literal text.
// ${@...} inline Python expressions are expanded first, via ExpandPy.
func Expand(s string, lookup Lookup, pyMode PyMode) string {
	s = ExpandPy(s, lookup, pyMode)
	s = rewriteFlagRefs(s)
	for i := 0; i < maxExpansionIterations; i++ {
		next, changed := expandOnce(s, lookup)
		if !changed {
			return next
		}
		s = next
	}
	return s
}

func expandOnce(s string, lookup Lookup) (string, bool) {
	changed := false
	result := varRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := varRefPattern.FindStringSubmatch(match)[1]
		if val, ok := lookup(name); ok {
			changed = true
			return val
		}
		return match
	})
	return result, changed
}

// MapLookup adapts a plain map[string]string to a Lookup, the common case
// for a recipe's own resolved variable map.
func MapLookup(vars map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

// splitWhitespace is a small helper shared by the append/prepend/remove
// override operators and SRC_URI parsing.
func splitWhitespace(s string) []string {
	return strings.Fields(s)
}
