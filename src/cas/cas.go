package cas

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/djherbis/atime"
	"github.com/zeebo/blake3"
)

// Remote is the minimal shape a shared build cache client must satisfy to
// back a local Store miss; github.com/hitzeleiter/hitzeleiter/src/cacheremote.Client
// implements it without cas needing to import that package directly.
type Remote interface {
	Get(ctx context.Context, hash string) ([]byte, bool, error)
	Put(ctx context.Context, hash string, data []byte) error
}

// streamHasher wraps a sha256 digest so hash.go can build a ContentHash from
// a possibly-multi-write stream instead of a single byte slice.
type streamHasher struct {
	h interface {
		io.Writer
		Sum([]byte) []byte
	}
}

func newStreamHasher() *streamHasher {
	return &streamHasher{h: sha256.New()}
}

func (s *streamHasher) Write(p []byte) (int, error) { return s.h.Write(p) }

func (s *streamHasher) ReadFrom(r io.Reader) (int64, error) {
	return io.Copy(s.h, r)
}

func (s *streamHasher) sum() ContentHash {
	var h ContentHash
	copy(h[:], s.h.Sum(nil))
	return h
}

// Stats summarizes a Store's object population.
type Stats struct {
	Objects       int64
	Bytes         int64
	LastGC        time.Time
	EvictedLastGC int64
	// FastDigests counts how many PutFile streams also got a blake3 digest
	// computed alongside their SHA-256 content hash, non-zero only when the
	// store was opened with fast digesting enabled.
	FastDigests int64
}

// Store is the content-addressable blob store (C1). Objects are stored at
// <root>/<hh>/<hh>/<hex-digest>, sharded two levels deep so that no single
// directory holds more than a few hundred entries even for repos with
// millions of objects. It is safe for concurrent use.
type Store struct {
	root        string
	objects     int64
	bytes       int64
	fastDigests int64
	fastDigest  bool
	remote      Remote
	mu          sync.Mutex
}

// SetFastDigest enables or disables the alternate blake3 digest PutFile
// computes alongside its SHA-256 content hash for every streamed object.
// The blake3 sum never replaces the SHA-256 content hash the object is
// addressed by; it only feeds FastDigests in Stats, for a cheap way to spot-
// check large-blob throughput against a non-cryptographic-strength hash
// without re-reading the object.
func (s *Store) SetFastDigest(enabled bool) {
	s.fastDigest = enabled
}

// SetRemote wires an optional shared cache client in: a local Get miss is
// retried against it before being reported as absent, and a successful
// local Put/PutFile is mirrored to it best-effort.
func (s *Store) SetRemote(remote Remote) {
	s.remote = remote
}

// NewStore opens (creating if necessary) a content-addressable store rooted at root.
func NewStore(root string) (*Store, error) {
	if err := EnsureDir(root); err != nil {
		return nil, err
	}
	s := &Store{root: root}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the store's backing directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) pathFor(h ContentHash) string {
	l1, l2, rest := shardPath(h)
	return filepath.Join(s.root, l1, l2, rest)
}

// Contains reports whether h is present in the store, without touching its atime.
func (s *Store) Contains(h ContentHash) bool {
	_, err := os.Stat(s.pathFor(h))
	return err == nil
}

// Put stores b in the store under its content hash, returning the hash. A
// Put of content already present is a cheap no-op beyond the initial stat.
func (s *Store) Put(b []byte) (ContentHash, error) {
	h := Sum(b)
	dest := s.pathFor(h)
	if _, err := os.Stat(dest); err == nil {
		return h, nil
	}
	if err := EnsureDir(filepath.Dir(dest)); err != nil {
		return h, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "tmp-")
	if err != nil {
		return h, err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return h, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return h, err
	}
	if err := os.Chmod(tmp.Name(), 0444); err != nil {
		os.Remove(tmp.Name())
		return h, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return h, err
	}
	atomic.AddInt64(&s.objects, 1)
	atomic.AddInt64(&s.bytes, int64(len(b)))
	s.mirrorToRemote(h, b)
	return h, nil
}

// mirrorToRemote pushes a newly-stored object to the remote cache, if one is
// configured. A failure here never fails the local Put/PutFile it's called
// from — the remote is a shared accelerator, not the system of record.
func (s *Store) mirrorToRemote(h ContentHash, b []byte) {
	if s.remote == nil {
		return
	}
	if err := s.remote.Put(context.Background(), h.String(), b); err != nil {
		log.Warning("cas: failed to mirror %s to remote cache: %s", h, err)
	}
}

// PutFile streams from as a new store object, returning its hash. Used when
// the executor captures a task output too large to comfortably hold in memory.
func (s *Store) PutFile(from string) (ContentHash, error) {
	f, err := os.Open(from)
	if err != nil {
		return ContentHash{}, err
	}
	defer f.Close()
	h := newStreamHasher()
	tmp, err := os.CreateTemp(s.root, "tmp-")
	if err != nil {
		return ContentHash{}, err
	}
	w := io.MultiWriter(tmp, h)
	var fast *blake3.Hasher
	if s.fastDigest {
		fast = blake3.New()
		w = io.MultiWriter(w, fast)
	}
	size, err := io.Copy(w, f)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return ContentHash{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return ContentHash{}, err
	}
	digest := h.sum()
	if fast != nil {
		atomic.AddInt64(&s.fastDigests, 1)
	}
	dest := s.pathFor(digest)
	if _, err := os.Stat(dest); err == nil {
		os.Remove(tmp.Name())
		return digest, nil
	}
	if err := EnsureDir(filepath.Dir(dest)); err != nil {
		os.Remove(tmp.Name())
		return digest, err
	}
	if err := os.Chmod(tmp.Name(), 0444); err != nil {
		os.Remove(tmp.Name())
		return digest, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return digest, err
	}
	atomic.AddInt64(&s.objects, 1)
	atomic.AddInt64(&s.bytes, size)
	if s.remote != nil {
		if b, err := os.ReadFile(dest); err == nil {
			s.mirrorToRemote(digest, b)
		}
	}
	return digest, nil
}

// Get returns the contents of the object with hash h. The bool return is
// false if no such object is present (in which case err is nil); an error
// is returned only on unexpected I/O failure.
func (s *Store) Get(h ContentHash) ([]byte, bool, error) {
	b, err := os.ReadFile(s.pathFor(h))
	if err == nil {
		return b, true, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}
	if s.remote == nil {
		return nil, false, nil
	}
	b, ok, err := s.remote.Get(context.Background(), h.String())
	if err != nil || !ok {
		return nil, false, err
	}
	if _, err := s.Put(b); err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Materialize copies (or, if link is true, hardlinks) the object with hash h
// to dest, used to place cached task outputs and dependency sysroots into a
// task's sandbox.
func (s *Store) Materialize(h ContentHash, dest string, mode os.FileMode, link bool) error {
	src := s.pathFor(h)
	if !PathExists(src) {
		return fmt.Errorf("object %s not present in store", h)
	}
	return CopyOrLinkFile(src, dest, 0444, mode, link, true)
}

// Touch refreshes h's access time for LRU accounting purposes, called by the
// executor for every object a cache-hit entry references, so a frequently-reused object
// survives a GC sweep that evicts by atime.
func (s *Store) Touch(h ContentHash) error {
	path := s.pathFor(h)
	now := time.Now()
	return os.Chtimes(path, now, now)
}

// AccessTime returns the last-access time of h's backing file, as recorded
// by the filesystem (via atime, which works even on noatime-mounted
// filesystems that have been explicitly Touch'd).
func (s *Store) AccessTime(h ContentHash) (time.Time, error) {
	return atime.Stat(s.pathFor(h))
}

// Remove deletes the object with hash h from the store. Used by GC's sweep phase.
func (s *Store) Remove(h ContentHash) error {
	path := s.pathFor(h)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	atomic.AddInt64(&s.objects, -1)
	atomic.AddInt64(&s.bytes, -info.Size())
	return nil
}

// Stats returns a snapshot of the store's current population.
func (s *Store) Stats() Stats {
	return Stats{
		Objects:     atomic.LoadInt64(&s.objects),
		Bytes:       atomic.LoadInt64(&s.bytes),
		FastDigests: atomic.LoadInt64(&s.fastDigests),
	}
}

// scan walks the store on open to recover accurate object/byte counts, since
// the counts are process-local and not persisted between runs.
func (s *Store) scan() error {
	var objects, bytes int64
	err := WalkMode(s.root, func(name string, isDir bool, mode os.FileMode) error {
		if isDir || mode&os.ModeSymlink != 0 {
			return nil
		}
		info, err := os.Stat(name)
		if err != nil {
			return nil
		}
		objects++
		bytes += info.Size()
		return nil
	})
	if err != nil {
		return err
	}
	atomic.StoreInt64(&s.objects, objects)
	atomic.StoreInt64(&s.bytes, bytes)
	return nil
}

// All returns the hashes of every object currently in the store, used by GC
// to compute the set of unreferenced objects to sweep.
func (s *Store) All() ([]ContentHash, error) {
	var hashes []ContentHash
	err := WalkMode(s.root, func(name string, isDir bool, mode os.FileMode) error {
		if isDir || mode&os.ModeSymlink != 0 {
			return nil
		}
		h, err := ParseContentHash(filepath.Base(name))
		if err != nil {
			return nil // skip stray non-object files (e.g. leftover tmp-*)
		}
		hashes = append(hashes, h)
		return nil
	})
	return hashes, err
}
