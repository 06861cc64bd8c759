package cmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetGet(t *testing.T) {
	m := New[string, int](DefaultShardCount, HashString)
	assert.True(t, m.Set("a", 1))
	v, ok, wait := m.Get("a")
	assert.True(t, ok)
	assert.Nil(t, wait)
	assert.Equal(t, 1, v)
}

func TestSetTwiceKeepsFirst(t *testing.T) {
	m := New[string, int](DefaultShardCount, HashString)
	assert.True(t, m.Set("a", 1))
	assert.False(t, m.Set("a", 2))
	v, _ := m.GetNow("a")
	assert.Equal(t, 1, v)
}

func TestGetWaitsThenWakes(t *testing.T) {
	m := New[string, int](DefaultShardCount, HashString)
	_, ok, wait := m.Get("a")
	assert.False(t, ok)
	assert.NotNil(t, wait)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-wait
		v, ok := m.GetNow("a")
		assert.True(t, ok)
		assert.Equal(t, 42, v)
	}()
	m.Set("a", 42)
	wg.Wait()
}

func TestValuesAndLen(t *testing.T) {
	m := New[string, int](DefaultShardCount, HashString)
	m.Set("a", 1)
	m.Set("b", 2)
	assert.Equal(t, 2, m.Len())
	assert.ElementsMatch(t, []int{1, 2}, m.Values())
}
