// Package gc implements garbage collection over the content-addressable
// store (C11): a mark phase that unions every hash reachable from a live
// action-cache entry, a sweep of everything else, and an optional further
// LRU eviction pass (by cas.Store.AccessTime) when the store still exceeds
// its configured budget after the unreachable sweep. LRU eviction of a
// still-reachable object also invalidates the action-cache entries that
// point at it, so a later cache hit never promises content that's gone.
package gc

import (
	"sort"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/hitzeleiter/hitzeleiter/src/actioncache"
	"github.com/hitzeleiter/hitzeleiter/src/cas"
)

var log = logging.MustGetLogger("gc")

// Report summarizes one collection pass.
type Report struct {
	Unreachable int // objects removed because no live entry referenced them
	Evicted     int // further objects removed by LRU once under budget pressure
	BytesFreed  int64
}

// candidate is a CAS object paired with the action-cache entries that
// reference it, so an LRU eviction can invalidate every one of them.
type candidate struct {
	hash    cas.ContentHash
	atime   int64 // unix nanos, for sorting oldest-first
	size    int64
	holders []cas.ContentHash // signatures of action-cache entries referencing hash
}

// Collect runs one mark-and-sweep pass over store, using actions to
// determine reachability. If targetBytes is positive and the store is still
// over budget after the unreachable sweep, it evicts further objects oldest
// access time first until under budget, invalidating the action-cache
// entries that held them.
func Collect(store *cas.Store, actions *actioncache.Cache, targetBytes int64) (Report, error) {
	var report Report

	holders, err := holdersByHash(actions)
	if err != nil {
		return report, err
	}

	all, err := store.All()
	if err != nil {
		return report, err
	}

	var reachable []cas.ContentHash
	for _, h := range all {
		if _, live := holders[h]; live {
			reachable = append(reachable, h)
			continue
		}
		if err := store.Remove(h); err != nil {
			log.Warning("removing unreachable object %s: %s", h, err)
			continue
		}
		report.Unreachable++
	}
	log.Info("gc: swept %d unreachable objects", report.Unreachable)

	if targetBytes <= 0 {
		return report, nil
	}
	if store.Stats().Bytes <= targetBytes {
		return report, nil
	}

	candidates := make([]candidate, 0, len(reachable))
	for _, h := range reachable {
		atime, err := store.AccessTime(h)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{hash: h, atime: atime.UnixNano(), holders: holders[h]})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].atime < candidates[j].atime })

	for _, c := range candidates {
		if store.Stats().Bytes <= targetBytes {
			break
		}
		before := store.Stats().Bytes
		if err := store.Remove(c.hash); err != nil {
			log.Warning("evicting %s: %s", c.hash, err)
			continue
		}
		for _, sig := range c.holders {
			if err := actions.Invalidate(sig); err != nil {
				log.Warning("invalidating action-cache entry for evicted object %s: %s", c.hash, err)
			}
		}
		report.Evicted++
		report.BytesFreed += before - store.Stats().Bytes
	}
	log.Info("gc: evicted %d further objects under budget pressure, freed %d bytes", report.Evicted, report.BytesFreed)
	return report, nil
}

// holdersByHash returns, for every CAS hash referenced by a readable
// action-cache entry, the signatures of the entries that reference it.
func holdersByHash(actions *actioncache.Cache) (map[cas.ContentHash][]cas.ContentHash, error) {
	sigs, err := actions.Entries()
	if err != nil {
		return nil, err
	}
	holders := map[cas.ContentHash][]cas.ContentHash{}
	for _, sig := range sigs {
		out, ok, err := actions.Get(sig)
		if err != nil || !ok {
			continue
		}
		for _, h := range out.Outputs {
			holders[h] = append(holders[h], sig)
		}
		if !out.Stdout.IsZero() {
			holders[out.Stdout] = append(holders[out.Stdout], sig)
		}
		if !out.Stderr.IsZero() {
			holders[out.Stderr] = append(holders[out.Stderr], sig)
		}
	}
	return holders, nil
}
