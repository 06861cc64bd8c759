// Package layer tracks the set of BitBake layers that make up a build
// context: where they live, how they depend on one another, and which
// OVERRIDES apply given the active MACHINE and DISTRO. It resolves
// include/inherit search paths so package recipe can treat "classes/" and
// the layer stack as an opaque FileResolver.
package layer

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	gcfg "github.com/please-build/gcfg"
	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("layer")

// Conf is the gcfg-parsed contents of a layer's conf/layer.conf.
//
// BitBake's own layer.conf is plain shell-assignment syntax, not INI; we
// accept a thin INI dialect of it under a [layer] section plus one
// [collection "<name>"] subsection per declared collection, so the same
// gcfg reader the global config uses can parse it, rather than standing up
// a second parser for a file format used nowhere else.
type Conf struct {
	Layer struct {
		Collections []string
	}
	Collection map[string]*collectionConf
}

type collectionConf struct {
	Pattern      string
	Priority     int
	Depends      []string
	SeriesCompat []string
}

// Layer is one parsed, registered layer.
type Layer struct {
	Name        string
	Root        string // directory containing conf/layer.conf
	Pattern     string // regex-ish BBFILE_PATTERN, recorded not compiled
	Priority    int
	Depends     []string
	ClassesDirs []string
}

// Context holds every registered layer plus the active MACHINE/DISTRO and
// answers recipe.FileResolver queries on their behalf.
type Context struct {
	layers  map[string]*Layer
	order   []string // registration order, for deterministic iteration
	machine string
	distro  string
}

// NewContext returns an empty build context.
func NewContext() *Context {
	return &Context{layers: map[string]*Layer{}}
}

// AddLayerFromConf parses <path>/conf/layer.conf and registers every
// collection it declares (a layer.conf may declare more than one
// collection, though in practice almost all declare exactly one).
func (c *Context) AddLayerFromConf(path string) error {
	confPath := filepath.Join(path, "conf", "layer.conf")
	var conf Conf
	if err := gcfg.ReadFileInto(&conf, confPath); err != nil && gcfg.FatalOnly(err) != nil {
		return fmt.Errorf("reading %s: %w", confPath, err)
	}
	if len(conf.Layer.Collections) == 0 {
		return fmt.Errorf("%s: no layer collections declared", confPath)
	}
	for _, name := range conf.Layer.Collections {
		cc := conf.Collection[name]
		if cc == nil {
			cc = &collectionConf{}
		}
		l := &Layer{
			Name:        name,
			Root:        path,
			Pattern:     cc.Pattern,
			Priority:    cc.Priority,
			Depends:     cc.Depends,
			ClassesDirs: []string{filepath.Join(path, "classes")},
		}
		if _, exists := c.layers[name]; exists {
			log.Warning("layer %s registered more than once, keeping first registration", name)
			continue
		}
		c.layers[name] = l
		c.order = append(c.order, name)
	}
	return nil
}

// VerifyDependencies checks every registered layer's LAYERDEPENDS against
// the set of registered collections, returning an error naming every
// missing dependency (not just the first).
func (c *Context) VerifyDependencies() error {
	var missing []string
	for _, name := range c.order {
		l := c.layers[name]
		for _, dep := range l.Depends {
			if _, ok := c.layers[dep]; !ok {
				missing = append(missing, fmt.Sprintf("%s requires %s", name, dep))
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("unresolved layer dependencies: %s", strings.Join(missing, "; "))
	}
	return nil
}

// SetMachine sets the active MACHINE override tag.
func (c *Context) SetMachine(machine string) { c.machine = machine }

// SetDistro sets the active DISTRO override tag.
func (c *Context) SetDistro(distro string) { c.distro = distro }

// ActiveOverrides returns every override tag that currently applies, most
// general first: the empty base, then MACHINE_ARCH, MACHINE, C_LIBC,
// DISTRO, and class-target, mirroring BitBake's default OVERRIDES chain.
func (c *Context) ActiveOverrides() []string {
	tags := []string{""}
	if c.machine != "" {
		tags = append(tags, machineArch(c.machine), c.machine)
	}
	tags = append(tags, "libc")
	if c.distro != "" {
		tags = append(tags, c.distro)
	}
	tags = append(tags, "class-target")
	return tags
}

func machineArch(machine string) string {
	// BitBake machines conventionally encode the architecture family as
	// the substring before the first hyphen, e.g. qemux86-64 -> qemux86; a
	// name with no hyphen, such as qemuarm64, is returned whole.
	if idx := strings.IndexByte(machine, '-'); idx >= 0 {
		return machine[:idx]
	}
	return machine
}

// layerPriorityOf returns the priority of the named layer, or 0 if it is
// not registered (an unregistered contributor, e.g. a directly-passed
// recipe path with no owning layer).
func (c *Context) layerPriorityOf(name string) int {
	if l, ok := c.layers[name]; ok {
		return l.Priority
	}
	return 0
}

// LayerPriority returns the priority of the named layer, or 0 if it is not
// registered. Used by the pipeline to tell package graph which layer a
// recipe came from when registering it as a PROVIDES contributor.
func (c *Context) LayerPriority(name string) int {
	return c.layerPriorityOf(name)
}

// LayerOf returns the name of the layer that owns the recipe at path (the
// registered layer whose Root is the longest matching prefix), or "" if no
// registered layer contains it.
func (c *Context) LayerOf(path string) string {
	best := ""
	bestLen := -1
	for _, name := range c.order {
		root := c.layers[name].Root
		if strings.HasPrefix(path, root) && len(root) > bestLen {
			best = name
			bestLen = len(root)
		}
	}
	return best
}

