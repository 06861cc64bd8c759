// Package actioncache implements the action cache (C2): a persistent
// mapping from a task's TaskSignature to the TaskOutput it produced, so a
// later build with an identical signature can skip re-executing the task
// entirely and just replay its recorded outputs from the CAS.
//
// Entries are stored sharded two levels deep, the same layout the CAS uses,
// under <root>/<hh>/<hh>/<hex-signature>.json. A corrupt entry is treated as
// a cache miss rather than an error: incremental correctness only ever
// costs a rebuild, never produces a wrong result. A read failure other than
// a missing file is returned to the caller as an error.
package actioncache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/hitzeleiter/hitzeleiter/src/cas"
)

var log = logging.MustGetLogger("actioncache")

// TaskOutput is the recorded result of executing a task, as described in
// SPEC_FULL.md's data model: the signature it was produced under, its
// output files by relative path, captured console output, exit code and
// duration.
type TaskOutput struct {
	Signature cas.ContentHash            `json:"signature"`
	Outputs   map[string]cas.ContentHash `json:"outputs"`
	Stdout    cas.ContentHash            `json:"stdout"`
	Stderr    cas.ContentHash            `json:"stderr"`
	ExitCode  int                        `json:"exit_code"`
	Duration  time.Duration              `json:"duration"`
}

// Cache is the action cache (C2). Safe for concurrent use.
type Cache struct {
	root string
	mu   sync.Mutex
}

// New opens (creating if necessary) an action cache rooted at root.
func New(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &Cache{root: root}, nil
}

func (c *Cache) pathFor(sig cas.ContentHash) string {
	s := sig.String()
	return filepath.Join(c.root, s[0:2], s[2:4], s+".json")
}

// Get looks up the cached TaskOutput for sig. A false ok with a nil error
// means a clean miss (never executed, or the entry was corrupt and has been
// treated as absent).
func (c *Cache) Get(sig cas.ContentHash) (TaskOutput, bool, error) {
	path := c.pathFor(sig)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return TaskOutput{}, false, nil
	} else if err != nil {
		return TaskOutput{}, false, err
	}
	var out TaskOutput
	if err := json.Unmarshal(b, &out); err != nil {
		log.Warning("discarding corrupt action-cache entry %s: %s", path, err)
		return TaskOutput{}, false, nil
	}
	now := time.Now()
	os.Chtimes(path, now, now) // best-effort atime refresh for LRU accounting
	return out, true, nil
}

// Put records out as the TaskOutput for sig, overwriting any existing entry.
func (c *Cache) Put(sig cas.ContentHash, out TaskOutput) error {
	out.Signature = sig
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	path := c.pathFor(sig)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tmp, err := os.CreateTemp(filepath.Dir(path), "tmp-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Invalidate removes the entry for sig, if any. A no-op if absent.
func (c *Cache) Invalidate(sig cas.ContentHash) error {
	err := os.Remove(c.pathFor(sig))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IterReachableHashes returns the set of CAS hashes referenced by every
// readable action-cache entry: every output, plus the captured
// stdout/stderr objects when their hashes are non-zero. Package gc builds
// its live set from Entries and Get rather than from this.
func (c *Cache) IterReachableHashes() (map[cas.ContentHash]struct{}, error) {
	reachable := map[cas.ContentHash]struct{}{}
	err := filepath.Walk(c.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var out TaskOutput
		if err := json.Unmarshal(b, &out); err != nil {
			return nil
		}
		for _, h := range out.Outputs {
			reachable[h] = struct{}{}
		}
		if !out.Stdout.IsZero() {
			reachable[out.Stdout] = struct{}{}
		}
		if !out.Stderr.IsZero() {
			reachable[out.Stderr] = struct{}{}
		}
		return nil
	})
	return reachable, err
}

// Entries returns the signatures of every entry currently stored, used by
// gc, by `hitzeleiter cache wipe` and by tests.
func (c *Cache) Entries() ([]cas.ContentHash, error) {
	var sigs []cas.ContentHash
	err := filepath.Walk(c.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		name := filepath.Base(path)
		h, perr := cas.ParseContentHash(name[:len(name)-len(".json")])
		if perr != nil {
			return nil
		}
		sigs = append(sigs, h)
		return nil
	})
	return sigs, err
}
