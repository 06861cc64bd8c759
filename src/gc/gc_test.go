package gc

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzeleiter/hitzeleiter/src/actioncache"
	"github.com/hitzeleiter/hitzeleiter/src/cas"
)

func newTestStore(t *testing.T) *cas.Store {
	t.Helper()
	store, err := cas.NewStore(filepath.Join(t.TempDir(), "cas"))
	require.NoError(t, err)
	return store
}

func newTestActions(t *testing.T) *actioncache.Cache {
	t.Helper()
	actions, err := actioncache.New(filepath.Join(t.TempDir(), "actions"))
	require.NoError(t, err)
	return actions
}

func TestCollectRemovesUnreferencedObjects(t *testing.T) {
	store := newTestStore(t)
	actions := newTestActions(t)

	live, err := store.Put([]byte("live output"))
	require.NoError(t, err)
	orphan, err := store.Put([]byte("orphaned output"))
	require.NoError(t, err)

	sig := cas.Sum([]byte("recipe:task"))
	require.NoError(t, actions.Put(sig, actioncache.TaskOutput{
		Outputs: map[string]cas.ContentHash{"out.txt": live},
	}))

	report, err := Collect(store, actions, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unreachable)

	_, ok, err := store.Get(live)
	require.NoError(t, err)
	assert.True(t, ok, "referenced object must survive")

	_, ok, err = store.Get(orphan)
	require.NoError(t, err)
	assert.False(t, ok, "orphaned object must be swept")
}

func TestCollectLeavesEverythingWhenAllReferenced(t *testing.T) {
	store := newTestStore(t)
	actions := newTestActions(t)

	h, err := store.Put([]byte("referenced"))
	require.NoError(t, err)
	sig := cas.Sum([]byte("recipe:task"))
	require.NoError(t, actions.Put(sig, actioncache.TaskOutput{
		Outputs: map[string]cas.ContentHash{"out.txt": h},
	}))

	report, err := Collect(store, actions, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Unreachable)
	assert.Equal(t, 0, report.Evicted)
}

func TestCollectEvictsUnderBudgetPressureAndInvalidatesEntry(t *testing.T) {
	store := newTestStore(t)
	actions := newTestActions(t)

	oldH, err := store.Put([]byte("older, evict me"))
	require.NoError(t, err)
	oldSig := cas.Sum([]byte("recipe:old"))
	require.NoError(t, actions.Put(oldSig, actioncache.TaskOutput{
		Outputs: map[string]cas.ContentHash{"out.txt": oldH},
	}))

	time.Sleep(10 * time.Millisecond)

	newH, err := store.Put([]byte("newer, keep me, this one is a little bit bigger"))
	require.NoError(t, err)
	newSig := cas.Sum([]byte("recipe:new"))
	require.NoError(t, actions.Put(newSig, actioncache.TaskOutput{
		Outputs: map[string]cas.ContentHash{"out.txt": newH},
	}))

	target := store.Stats().Bytes - 1

	report, err := Collect(store, actions, target)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)

	_, ok, err := store.Get(oldH)
	require.NoError(t, err)
	assert.False(t, ok, "older object should have been evicted first")

	_, ok, err = store.Get(newH)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = actions.Get(oldSig)
	require.NoError(t, err)
	assert.False(t, ok, "action-cache entry for the evicted object must be invalidated")
}
