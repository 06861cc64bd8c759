package actioncache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzeleiter/hitzeleiter/src/cas"
)

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	sig := cas.Sum([]byte("task-signature"))
	out := TaskOutput{
		Outputs:  map[string]cas.ContentHash{"bin/recipe": cas.Sum([]byte("output bytes"))},
		ExitCode: 0,
		Duration: 2 * time.Second,
	}
	require.NoError(t, c.Put(sig, out))

	got, ok, err := c.Get(sig)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sig, got.Signature)
	assert.Equal(t, out.Outputs, got.Outputs)
}

func TestGetMissIsNotAnError(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)
	_, ok, err := c.Get(cas.Sum([]byte("never stored")))
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)
	sig := cas.Sum([]byte("sig"))
	require.NoError(t, c.Put(sig, TaskOutput{}))
	require.NoError(t, c.Invalidate(sig))
	_, ok, err := c.Get(sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIterReachableHashes(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)
	h1 := cas.Sum([]byte("out1"))
	h2 := cas.Sum([]byte("out2"))
	require.NoError(t, c.Put(cas.Sum([]byte("sig1")), TaskOutput{
		Outputs: map[string]cas.ContentHash{"a": h1},
	}))
	require.NoError(t, c.Put(cas.Sum([]byte("sig2")), TaskOutput{
		Outputs: map[string]cas.ContentHash{"b": h2},
	}))

	reachable, err := c.IterReachableHashes()
	require.NoError(t, err)
	assert.Contains(t, reachable, h1)
	assert.Contains(t, reachable, h2)
}
