package cas

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/xattr"
)

// xattrName is the extended attribute under which a file's content hash is
// memoized on disk, so a subsequent run doesn't have to re-read unchanged
// files to recompute a recipe's input hash.
const xattrName = "user.hitzeleiter_hash"

// symlinkMarker is written into the hash in place of a symlink's contents.
var symlinkMarker = []byte{2}

// PathHasher hashes and memoizes the content hashes of paths under a root
// directory, used by the signature engine when it needs to hash a task's
// declared input files without going through a full CAS Put.
type PathHasher struct {
	memo  map[string]ContentHash
	mutex sync.RWMutex
	root  string
}

// NewPathHasher returns a new PathHasher rooted at root.
func NewPathHasher(root string) *PathHasher {
	return &PathHasher{
		memo: map[string]ContentHash{},
		root: root,
	}
}

// Hash hashes path, memoizing the result. If recalc is true the memo is
// bypassed and the path is rehashed. If store is true the result may be
// persisted as an xattr on the file for fast retrieval on a later run.
func (hasher *PathHasher) Hash(path string, recalc, store bool) (ContentHash, error) {
	path = hasher.ensureRelative(path)
	if !recalc {
		hasher.mutex.RLock()
		cached, present := hasher.memo[path]
		hasher.mutex.RUnlock()
		if present {
			return cached, nil
		}
	}
	result, err := hasher.hash(path, store)
	if err == nil {
		hasher.mutex.Lock()
		hasher.memo[path] = result
		hasher.mutex.Unlock()
	}
	return result, err
}

// MustHash is as Hash but panics on error.
func (hasher *PathHasher) MustHash(path string) ContentHash {
	h, err := hasher.Hash(path, false, false)
	if err != nil {
		panic(err)
	}
	return h
}

// SetHash directly records hash for path, used when a file's content is
// already known (e.g. it was just materialized from the store).
func (hasher *PathHasher) SetHash(path string, hash ContentHash) {
	path = hasher.ensureRelative(path)
	hasher.mutex.Lock()
	hasher.memo[path] = hash
	hasher.mutex.Unlock()
	xattr.LSet(path, xattrName, hash[:])
}

func (hasher *PathHasher) hash(path string, store bool) (ContentHash, error) {
	var zero ContentHash
	if store {
		if b, err := xattr.LGet(path, xattrName); err == nil && len(b) == len(zero) {
			var h ContentHash
			copy(h[:], b)
			return h, nil
		}
	}
	h := newStreamHasher()
	info, err := os.Lstat(path)
	if err == nil && info.Mode()&os.ModeSymlink != 0 {
		dest, err := os.Readlink(path)
		if err != nil {
			return zero, err
		}
		h.Write(symlinkMarker)
		if rel := hasher.ensureRelative(dest); (rel != dest || !filepath.IsAbs(dest)) && !filepath.IsAbs(path) {
			h.Write([]byte(rel))
		} else if err := hasher.fileHash(h, path); err != nil {
			return h.sum(), err
		}
		return h.sum(), nil
	} else if err == nil && info.IsDir() {
		err = WalkMode(path, func(p string, isDir bool, mode os.FileMode) error {
			if mode&os.ModeSymlink != 0 {
				deref, derefErr := filepath.EvalSymlinks(p)
				if derefErr != nil {
					return derefErr
				}
				if !strings.HasPrefix(deref, path) {
					return fmt.Errorf("path %s links outside its tree (to %s)", p, deref)
				}
				h.Write(symlinkMarker)
			} else if !isDir {
				return hasher.fileHash(h, p)
			}
			return nil
		})
	} else {
		err = hasher.fileHash(h, path)
	}
	result := h.sum()
	if err != nil {
		return result, err
	}
	if store {
		xattr.LSet(path, xattrName, result[:])
	}
	return result, nil
}

func (hasher *PathHasher) fileHash(h *streamHasher, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = h.ReadFrom(file)
	return err
}

// ensureRelative ensures a path is relative to the hasher's root, which is
// important both for memo hit rate and for reproducible hashes across
// machines with differently-placed checkouts.
func (hasher *PathHasher) ensureRelative(path string) string {
	if strings.HasPrefix(path, hasher.root) {
		return strings.TrimLeft(strings.TrimPrefix(path, hasher.root), "/")
	}
	return path
}
