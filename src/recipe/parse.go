package recipe

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hitzeleiter/hitzeleiter/src/cas"
)

// FileResolver resolves include/require/inherit targets against a build
// context's BBPATH and per-layer classes/ search paths. Implemented by
// package layer; kept as an interface here so recipe has no dependency on
// layer (layer depends on recipe, not the other way round).
type FileResolver interface {
	ResolveInclude(fromDir, name string) (path string, ok bool)
	ResolveClass(name string) (path string, ok bool)
}

var (
	flagAssignRe     = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\[([A-Za-z0-9_]+)\]\s*=\s*"(.*)"$`)
	overrideAssignRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)((?::[A-Za-z0-9_-]+)+)\s*(\?\?=|\?=|\+=|=\+|\.=|=)\s*"(.*)"$`)
	plainAssignRe    = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*(\?\?=|\?=|\+=|=\+|\.=|=)\s*"(.*)"$`)
	addtaskRe        = regexp.MustCompile(`^addtask\s+(.+)$`)
	deltaskRe        = regexp.MustCompile(`^deltask\s+(\S+)$`)
	inheritRe        = regexp.MustCompile(`^inherit\s+(.+)$`)
	includeRe        = regexp.MustCompile(`^include\s+(\S+)$`)
	requireRe        = regexp.MustCompile(`^require\s+(\S+)$`)
	taskBodyStartRe  = regexp.MustCompile(`^(python\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*\(\s*\)\s*{\s*$`)
)

var overrideOps = map[string]Op{
	"append":  OpAppend,
	"prepend": OpPrepend,
	"remove":  OpRemove,
}

// ParseError reports that one recipe could not be parsed; per §4.4 this is
// non-fatal for the overall build, recorded and the recipe skipped.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parsing %s: %s", e.Path, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Parse reads and parses the recipe file at path. Include/require/inherit
// references are resolved (and recursively parsed) via resolver.
func Parse(path string, resolver FileResolver) (*ParsedRecipe, error) {
	r := newParsedRecipe(path)
	r.Name, r.Version, r.BPN, r.BP = deriveNames(path)
	r.Provides = r.Name

	lines, err := readLogicalLines(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if err := r.process(lines, resolver); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	content := strings.Join(lines, "\n")
	for _, inc := range r.Includes {
		if incLines, err := readLogicalLines(inc); err == nil {
			content += "\n" + strings.Join(incLines, "\n")
		}
	}
	r.ContentHash = cas.Sum([]byte(content))
	return r, nil
}

// readLogicalLines reads a file and joins backslash-continued physical
// lines into single logical lines, the way BitBake's own lexer treats
// multi-line SRC_URI/variable assignments.
func readLogicalLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	var cur strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasSuffix(strings.TrimRight(line, " \t"), "\\") {
			trimmed := strings.TrimRight(line, " \t")
			cur.WriteString(strings.TrimSuffix(trimmed, "\\"))
			cur.WriteString(" ")
			continue
		}
		cur.WriteString(line)
		lines = append(lines, cur.String())
		cur.Reset()
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines, scanner.Err()
}

// process interprets the logical lines of a recipe (or an included file) in
// order, mutating r.
func (r *ParsedRecipe) process(lines []string, resolver FileResolver) error {
	i := 0
	for i < len(lines) {
		raw := lines[i]
		line := stripComment(raw)
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			i++
			continue
		}

		if m := taskBodyStartRe.FindStringSubmatch(trimmed); m != nil {
			body, consumed := captureTaskBody(lines, i)
			name := strings.TrimPrefix(m[2], "do_")
			task := r.task(name)
			task.Body = body
			task.IsPython = m[1] != ""
			i += consumed
			continue
		}
		if m := addtaskRe.FindStringSubmatch(trimmed); m != nil {
			r.applyAddtask(m[1])
			i++
			continue
		}
		if m := deltaskRe.FindStringSubmatch(trimmed); m != nil {
			delete(r.Tasks, strings.TrimPrefix(m[1], "do_"))
			i++
			continue
		}
		if m := inheritRe.FindStringSubmatch(trimmed); m != nil {
			for _, class := range splitWhitespace(m[1]) {
				r.Inherits = append(r.Inherits, class)
				if resolver == nil {
					continue
				}
				path, ok := resolver.ResolveClass(class)
				if !ok {
					return fmt.Errorf("inherit %s: class not found", class)
				}
				classLines, err := readLogicalLines(path)
				if err != nil {
					return fmt.Errorf("inherit %s: %w", class, err)
				}
				if err := r.process(classLines, resolver); err != nil {
					return err
				}
				r.Includes = append(r.Includes, path)
			}
			i++
			continue
		}
		if m := includeRe.FindStringSubmatch(trimmed); m != nil {
			r.handleInclude(m[1], resolver, false)
			i++
			continue
		}
		if m := requireRe.FindStringSubmatch(trimmed); m != nil {
			if err := r.handleInclude(m[1], resolver, true); err != nil {
				return err
			}
			i++
			continue
		}
		if m := flagAssignRe.FindStringSubmatch(trimmed); m != nil {
			rawName, flag, value := m[1], m[2], m[3]
			varName := strings.TrimPrefix(rawName, "do_")
			if r.VarFlags[varName] == nil {
				r.VarFlags[varName] = map[string]string{}
			}
			r.VarFlags[varName][flag] = value
			if strings.HasPrefix(rawName, "do_") {
				task := r.task(varName)
				task.Flags[flag] = value
			}
			i++
			continue
		}
		if m := overrideAssignRe.FindStringSubmatch(trimmed); m != nil {
			r.applyOverrideAssign(m[1], m[2], m[3], m[4])
			i++
			continue
		}
		if m := plainAssignRe.FindStringSubmatch(trimmed); m != nil {
			r.applyPlainAssign(m[1], m[2], m[3])
			i++
			continue
		}
		i++ // unrecognized line: ignored, matching the metadata-tolerant failure semantics
	}
	return nil
}

func stripComment(line string) string {
	inSingle, inDouble := false, false
	for idx, c := range line {
		switch c {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '#':
			if !inSingle && !inDouble {
				return line[:idx]
			}
		}
	}
	return line
}

// captureTaskBody returns the verbatim body text (without the header or
// closing brace) of a "name() {" block starting at lines[start], and the
// number of lines consumed including the header and closing brace.
func captureTaskBody(lines []string, start int) (string, int) {
	var body strings.Builder
	i := start + 1
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) == "}" {
			return body.String(), i - start + 1
		}
		body.WriteString(lines[i])
		body.WriteString("\n")
		i++
	}
	return body.String(), i - start
}

func (r *ParsedRecipe) task(name string) *Task {
	if t, ok := r.Tasks[name]; ok {
		return t
	}
	t := &Task{Name: name, Flags: map[string]string{}}
	r.Tasks[name] = t
	r.TaskOrder = append(r.TaskOrder, name)
	return t
}

// applyAddtask parses "T [after A...] [before B...]", amending an existing
// task's after/before sets if T was already registered (e.g. by a base
// class before the recipe's own addtask runs).
func (r *ParsedRecipe) applyAddtask(rest string) {
	parts := splitWhitespace(rest)
	if len(parts) == 0 {
		return
	}
	name := strings.TrimPrefix(parts[0], "do_")
	task := r.task(name)

	mode := ""
	for _, p := range parts[1:] {
		switch p {
		case "after":
			mode = "after"
		case "before":
			mode = "before"
		default:
			normalized := strings.TrimPrefix(p, "do_")
			switch mode {
			case "after":
				task.After = append(task.After, normalized)
			case "before":
				task.Before = append(task.Before, normalized)
			}
		}
	}
}

func (r *ParsedRecipe) handleInclude(name string, resolver FileResolver, required bool) error {
	if resolver == nil {
		if required {
			return fmt.Errorf("require %s: no resolver configured", name)
		}
		r.UnresolvedIncludes = append(r.UnresolvedIncludes, name)
		return nil
	}
	path, ok := resolver.ResolveInclude(filepath.Dir(r.Path), name)
	if !ok {
		if required {
			return fmt.Errorf("require %s: not found", name)
		}
		r.UnresolvedIncludes = append(r.UnresolvedIncludes, name)
		return nil
	}
	lines, err := readLogicalLines(path)
	if err != nil {
		if required {
			return fmt.Errorf("require %s: %w", name, err)
		}
		r.UnresolvedIncludes = append(r.UnresolvedIncludes, name)
		return nil
	}
	if err := r.process(lines, resolver); err != nil {
		return err
	}
	r.Includes = append(r.Includes, path)
	return nil
}

// applyPlainAssign applies a non-overridden assignment operator to the
// recipe's base variable map in file order.
func (r *ParsedRecipe) applyPlainAssign(name, op, value string) {
	switch op {
	case "=":
		r.Vars[name] = value
	case "?=":
		if _, ok := r.Vars[name]; !ok {
			r.Vars[name] = value
		}
	case "??=":
		if _, ok := r.Vars[name]; !ok {
			r.Vars[name] = value
		}
	case "+=":
		r.Vars[name] = joinSpaced(r.Vars[name], value)
	case "=+":
		r.Vars[name] = joinSpaced(value, r.Vars[name])
	case ".=":
		r.Vars[name] = r.Vars[name] + value
	}
	switch name {
	case "PROVIDES":
		r.Provides = r.Vars[name]
	case "DEPENDS":
		r.Depends = r.Vars[name]
	case "RDEPENDS":
		r.RDepends = r.Vars[name]
	}
}

// applyOverrideAssign records a VAR:<suffix...> = "value" assignment,
// unresolved, for layer.OverrideResolver to apply once OVERRIDES is known.
func (r *ParsedRecipe) applyOverrideAssign(name, suffixChain, op, value string) {
	var tokens []string
	for _, tok := range strings.Split(suffixChain, ":") {
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	var ov Override
	ov.Value = value
	switch len(tokens) {
	case 1:
		if operator, ok := overrideOps[tokens[0]]; ok {
			ov.Op, ov.Tag = operator, ""
		} else {
			ov.Op, ov.Tag = OpSet, tokens[0]
		}
	default:
		if operator, ok := overrideOps[tokens[0]]; ok {
			ov.Op, ov.Tag = operator, tokens[1]
		} else {
			ov.Op, ov.Tag = OpSet, tokens[0]
		}
	}
	_ = op // the assignment operator on an override line is conventionally "="; other operators are rare and treated the same as Set/Append per Op above.
	r.Overrides[name] = append(r.Overrides[name], ov)
}

func joinSpaced(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + " " + b
}

// ResolveSrcURI parses the (already override-resolved and expanded) SRC_URI
// variable value into structured entries and stores them on the recipe.
// Called after layer.OverrideResolver + Expand have produced the final
// SRC_URI string — recipe parsing alone only tokenizes assignments.
func (r *ParsedRecipe) ResolveSrcURI(value string) {
	r.SrcURIs = parseSrcURI(value)
}
