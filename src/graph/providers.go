package graph

import (
	"sort"

	semver "github.com/coreos/go-semver/semver"
)

// resolveProvider picks the winning node for a PROVIDES name out of every
// node that declares it, applying layer priority first, then
// PREFERRED_VERSION (parsed best-effort as semver), then a deterministic
// lexical fallback on BPN so the choice never depends on map iteration
// order.
func (g *Graph) resolveProvider(name string, preferredVersions map[string]string) (*Node, error) {
	candidates := g.providers[name]
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	best := make([]*Node, len(candidates))
	copy(best, candidates)
	sort.SliceStable(best, func(i, j int) bool {
		if best[i].LayerPriority != best[j].LayerPriority {
			return best[i].LayerPriority > best[j].LayerPriority
		}
		return best[i].Name < best[j].Name
	})

	topPriority := best[0].LayerPriority
	tied := best[:0:0]
	for _, n := range best {
		if n.LayerPriority == topPriority {
			tied = append(tied, n)
		}
	}
	if len(tied) == 1 {
		return tied[0], nil
	}

	if preferred, ok := preferredVersions[name]; ok {
		if n := pickByPreferredVersion(tied, preferred); n != nil {
			return n, nil
		}
	}

	// Lexical fallback: BPN already used as the tiebreaker in the sort
	// above, so tied[0] is deterministic.
	return tied[0], nil
}

func pickByPreferredVersion(candidates []*Node, preferred string) *Node {
	for _, n := range candidates {
		if n.Version == preferred {
			return n
		}
	}
	want, err := semver.NewVersion(normalizeVersion(preferred))
	if err != nil {
		return nil
	}
	for _, n := range candidates {
		got, err := semver.NewVersion(normalizeVersion(n.Version))
		if err == nil && got.Compare(*want) == 0 {
			return n
		}
	}
	return nil
}

// normalizeVersion coerces a BitBake PV (which may omit a patch component,
// e.g. "1.36") into something semver.NewVersion will accept.
func normalizeVersion(v string) string {
	dots := 0
	for _, r := range v {
		if r == '.' {
			dots++
		}
	}
	switch dots {
	case 0:
		return v + ".0.0"
	case 1:
		return v + ".0"
	default:
		return v
	}
}
