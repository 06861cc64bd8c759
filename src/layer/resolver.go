package layer

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hitzeleiter/hitzeleiter/src/recipe"
)

// ResolveInclude satisfies recipe.FileResolver: an include/require target is
// looked up relative to the including file's directory first, then against
// every registered layer's root, highest priority first.
func (c *Context) ResolveInclude(fromDir, name string) (string, bool) {
	candidate := filepath.Join(fromDir, name)
	if fileExists(candidate) {
		return candidate, true
	}
	for _, root := range c.layerRootsByPriority() {
		candidate := filepath.Join(root, name)
		if fileExists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// ResolveClass satisfies recipe.FileResolver: a bbclass is looked up in
// every registered layer's classes/ directory, highest priority first, so
// that a higher-priority layer may override a lower one's class of the
// same name.
func (c *Context) ResolveClass(name string) (string, bool) {
	for _, l := range c.layersByPriority() {
		for _, dir := range l.ClassesDirs {
			candidate := filepath.Join(dir, name+".bbclass")
			if fileExists(candidate) {
				return candidate, true
			}
		}
	}
	return "", false
}

var _ recipe.FileResolver = (*Context)(nil)

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (c *Context) layersByPriority() []*Layer {
	layers := make([]*Layer, 0, len(c.layers))
	for _, name := range c.order {
		layers = append(layers, c.layers[name])
	}
	sort.SliceStable(layers, func(i, j int) bool {
		return layers[i].Priority > layers[j].Priority
	})
	return layers
}

func (c *Context) layerRootsByPriority() []string {
	layers := c.layersByPriority()
	roots := make([]string, 0, len(layers))
	for _, l := range layers {
		roots = append(roots, l.Root)
	}
	return roots
}

// OverrideResolver resolves a single recipe's variable values against a
// fixed set of active override tags, applying BitBake's documented
// precedence: the plain assignment first, then every active tag's
// append/prepend/remove operators in the order the tags were declared
// active (base, MACHINE_ARCH, MACHINE, libc, DISTRO, class-target).
type OverrideResolver struct {
	recipe    *recipe.ParsedRecipe
	overrides []string
}

// CreateResolver builds an OverrideResolver for r using the context's
// currently active overrides.
func (c *Context) CreateResolver(r *recipe.ParsedRecipe) *OverrideResolver {
	return &OverrideResolver{recipe: r, overrides: c.ActiveOverrides()}
}

// Resolve returns the fully-overridden value of variable, applying base →
// append → prepend → remove for every active tag in turn.
func (o *OverrideResolver) Resolve(variable string) string {
	value := o.recipe.Vars[variable]
	overrides := o.recipe.Overrides[variable]
	if len(overrides) == 0 {
		return value
	}
	active := make(map[string]bool, len(o.overrides))
	for _, tag := range o.overrides {
		active[tag] = true
	}
	for _, tag := range o.overrides {
		for _, op := range []recipe.Op{recipe.OpSet, recipe.OpAppend, recipe.OpPrepend, recipe.OpRemove} {
			for _, ov := range overrides {
				if ov.Tag != tag || ov.Op != op {
					continue
				}
				switch ov.Op {
				case recipe.OpSet:
					value = ov.Value
				case recipe.OpAppend:
					value += ov.Value
				case recipe.OpPrepend:
					value = ov.Value + value
				case recipe.OpRemove:
					value = removeWord(value, ov.Value)
				}
			}
		}
	}
	return value
}

func removeWord(value, word string) string {
	fields := strings.Fields(value)
	removeSet := make(map[string]bool)
	for _, t := range strings.Fields(word) {
		removeSet[t] = true
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !removeSet[f] {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}
