package recipe

import (
	"strings"

	"github.com/google/shlex"
)

// knownSchemes is the set of SRC_URI schemes this implementation
// understands structurally; anything else is still recorded with Scheme set
// to whatever preceded "://", just not specially interpreted downstream.
var knownSchemes = map[string]bool{
	"git":           true,
	"git-submodule": true,
	"http":          true,
	"https":         true,
	"file":          true,
}

// parseSrcURI splits a SRC_URI variable's (already expanded) value into its
// whitespace-separated entries, each "<scheme>://<rest>;key=value;...".
// Uses shlex so that a quoted or backslash-continued entry (as SRC_URI
// commonly is, written across several lines) tokenizes the same way the
// reference implementation's shell-like lexer would.
func parseSrcURI(value string) []SrcURIEntry {
	tokens, err := shlex.Split(value)
	if err != nil {
		tokens = strings.Fields(value)
	}
	entries := make([]SrcURIEntry, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" || tok == "\\" {
			continue
		}
		entries = append(entries, parseSrcURIEntry(tok))
	}
	return entries
}

func parseSrcURIEntry(tok string) SrcURIEntry {
	scheme := ""
	rest := tok
	if idx := strings.Index(tok, "://"); idx >= 0 {
		scheme = tok[:idx]
		rest = tok[idx+len("://"):]
	}
	parts := strings.Split(rest, ";")
	entry := SrcURIEntry{Scheme: scheme, Rest: parts[0], Params: map[string]string{}}
	for _, p := range parts[1:] {
		if kv := strings.SplitN(p, "=", 2); len(kv) == 2 {
			entry.Params[kv[0]] = kv[1]
		} else if p != "" {
			entry.Params[p] = ""
		}
	}
	return entry
}

// isKnownScheme reports whether scheme is one this implementation
// structurally understands (git/git-submodule/http/https/file); entries
// with other schemes are still recorded, just not specially interpreted.
func isKnownScheme(scheme string) bool {
	return knownSchemes[scheme]
}
