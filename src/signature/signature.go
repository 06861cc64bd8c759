// Package signature implements the signature engine (C3): the content hash
// that determines whether a task needs re-executing. A task's signature
// folds together its recipe's content, its own task-code, every
// dependency's signature (processed in topological order so a change
// anywhere in a dependency chain propagates upward) and the slice of its
// declared environment that can affect its output, plus the active MACHINE
// and DISTRO. Two builds that produce identical signatures for every task
// are guaranteed to have nothing left to do.
package signature

import (
	"crypto/sha256"
	"hash"
	"sort"

	"github.com/hitzeleiter/hitzeleiter/src/cas"
)

// delimiter separates fields fed into the signature hash so that e.g. the
// concatenation of ("ab", "c") can never collide with ("a", "bc").
var delimiter = []byte{0}

// Input is everything that feeds a task's signature, per the data model:
// recipe name, canonical task name, recipe content hash, task-code hash,
// dependency signatures (any order; Compute sorts them), the task's
// environment, and the active MACHINE/DISTRO.
type Input struct {
	RecipeName    string
	TaskName      string
	RecipeHash    cas.ContentHash
	TaskCodeHash  cas.ContentHash
	DepSignatures []cas.ContentHash
	Env           map[string]string
	Machine       string
	Distro        string
}

// Compute returns the ContentHash signature for in. Dependency signatures
// are sorted before hashing and environment pairs are hashed in key-sorted
// order, so the result depends only on the logical content of in, never on
// slice/map iteration order.
func Compute(in Input) cas.ContentHash {
	h := sha256.New()
	writeField(h, []byte(in.RecipeName))
	writeField(h, []byte(in.TaskName))
	writeField(h, in.RecipeHash[:])
	writeField(h, in.TaskCodeHash[:])

	deps := append([]cas.ContentHash(nil), in.DepSignatures...)
	sort.Slice(deps, func(i, j int) bool { return deps[i].Less(deps[j]) })
	for _, d := range deps {
		writeField(h, d[:])
	}

	keys := make([]string, 0, len(in.Env))
	for k := range in.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(h, []byte(k))
		writeField(h, []byte(in.Env[k]))
	}

	writeField(h, []byte("MACHINE="+in.Machine))
	writeField(h, []byte("DISTRO="+in.Distro))

	var out cas.ContentHash
	copy(out[:], h.Sum(nil))
	return out
}

func writeField(h hash.Hash, b []byte) {
	h.Write(b)
	h.Write(delimiter)
}
