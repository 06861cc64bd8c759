// Package recipe implements the recipe parser (C4): turns the text of a
// single BitBake-style recipe file into a ParsedRecipe — a variable map,
// task bodies, SRC_URI entries and PN/PV/BPN/BP identity — without yet
// resolving cross-recipe dependencies (graph, C6) or override conditionals
// against an active OVERRIDES set (layer, C5).
package recipe

import (
	"github.com/hitzeleiter/hitzeleiter/src/cas"
)

// Op is an override operation applied to a variable's base value when its
// tag is active in OVERRIDES.
type Op int

const (
	// OpSet replaces the base value outright (VAR:<tag> = "...").
	OpSet Op = iota
	// OpAppend appends Value to the base value as-is; any separating space
	// is part of Value (VAR:append:<tag>).
	OpAppend
	// OpPrepend prepends Value to the base value as-is; any separating
	// space is part of Value (VAR:prepend:<tag>).
	OpPrepend
	// OpRemove removes whitespace-separated words matching Value from the base value (VAR:remove:<tag>).
	OpRemove
)

// Override is one conditional modification of a variable's value, recorded
// verbatim (unresolved) at parse time; `layer.OverrideResolver` applies it
// later once the active OVERRIDES set for a build is known.
type Override struct {
	Tag   string
	Op    Op
	Value string
}

// Task is one addtask-registered unit of work within a recipe.
type Task struct {
	// Name is the canonical task name with any "do_" prefix stripped.
	Name string
	// After/Before are canonical task names (within the same recipe) this
	// task must run after/before. Amended, not replaced, on repeated addtask.
	After  []string
	Before []string
	// Flags holds flag-syntax assignments (VAR[flag] = "value"), notably
	// "depends" and "rdepends" which carry cross-recipe task references.
	Flags map[string]string
	// Body is the task implementation, captured verbatim.
	Body string
	// IsPython is true for `python name() { ... }` bodies.
	IsPython bool
}

// SrcURIEntry is one whitespace-separated entry from SRC_URI.
type SrcURIEntry struct {
	Scheme string
	Rest   string
	Params map[string]string
}

// ParsedRecipe is the output of parsing one recipe file (spec data model,
// §3 "Recipe"/"ParsedRecipe").
type ParsedRecipe struct {
	// Name (PN) and Version (PV) derived from the filename <name>_<version>.bb.
	Name    string
	Version string
	// BPN is PN with a trailing "-<digits>" suffix stripped; BP is "BPN-PV".
	BPN string
	BP  string

	Path  string
	Layer string

	// Vars holds each variable's unconditioned base value, after applying
	// plain (non-overridden) assignment operators in file order.
	Vars map[string]string
	// VarFlags holds VAR[flag] = "value" assignments.
	VarFlags map[string]map[string]string
	// Overrides holds every VAR:<op>:<tag>/VAR:<tag> assignment seen,
	// keyed by the base variable name, unresolved until layer.OverrideResolver runs.
	Overrides map[string][]Override

	SrcURIs []SrcURIEntry

	// Inherits is the set of `inherit CLASS` class names, in file order.
	Inherits []string
	// Includes is the set of include/require targets that resolved successfully.
	Includes []string
	// UnresolvedIncludes is every include/require reference that could not
	// be found (only possible for optional `include`; `require` fails hard).
	UnresolvedIncludes []string

	// Tasks maps canonical task name to its definition.
	Tasks map[string]*Task
	// TaskOrder preserves the order tasks were first registered via addtask,
	// for deterministic iteration independent of map order.
	TaskOrder []string

	// Provides defaults to {Name} and is extended by PROVIDES assignments
	// once resolved by the graph builder; recorded here as the raw string.
	Provides string
	Depends  string
	RDepends string

	// ContentHash is computed over the post-include, post-inherit textual
	// contribution of this recipe, feeding the signature engine (C3).
	ContentHash cas.ContentHash
}

func newParsedRecipe(path string) *ParsedRecipe {
	return &ParsedRecipe{
		Path:      path,
		Vars:      map[string]string{},
		VarFlags:  map[string]map[string]string{},
		Overrides: map[string][]Override{},
		Tasks:     map[string]*Task{},
	}
}
