package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[string, int](3, 0, nil)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// Reading "a" makes "b" the coldest entry.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("d", 4)
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("a"))
	assert.Equal(t, []string{"d", "a", "c"}, c.Keys())

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Evictions)
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, 3, s.Entries)
}

func TestLRUByteBoundEvictsMultiple(t *testing.T) {
	sizeOf := func(b []byte) int64 { return int64(len(b)) }
	c := NewLRU[string, []byte](10, 100, sizeOf)

	for i := 0; i < 4; i++ {
		c.Put(fmt.Sprintf("small-%d", i), make([]byte, 20))
	}
	assert.Equal(t, int64(80), c.Stats().Bytes)

	var evicted []string
	c.OnEvict(func(k string, _ []byte) { evicted = append(evicted, k) })

	c.Put("big", make([]byte, 70))
	assert.Equal(t, []string{"small-0", "small-1", "small-2"}, evicted)
	assert.Equal(t, int64(90), c.Stats().Bytes)
	assert.Equal(t, 2, c.Len())
}

func TestLRURejectsOversizedValue(t *testing.T) {
	c := NewLRU[string, []byte](10, 10, func(b []byte) int64 { return int64(len(b)) })
	c.Put("k", make([]byte, 5))
	assert.False(t, c.Put("k", make([]byte, 11)))
	assert.False(t, c.Contains("k"))
	assert.Equal(t, int64(0), c.Stats().Bytes)
}

func TestLRURefreshUpdatesSize(t *testing.T) {
	c := NewLRU[string, []byte](10, 100, func(b []byte) int64 { return int64(len(b)) })
	c.Put("k", make([]byte, 10))
	c.Put("k", make([]byte, 30))
	assert.Equal(t, int64(30), c.Stats().Bytes)
	assert.Equal(t, 1, c.Len())
}

func TestLRUMissCounted(t *testing.T) {
	c := NewLRU[int, int](2, 0, nil)
	_, ok := c.Get(7)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestLRUConcurrentAccess(t *testing.T) {
	c := NewLRU[int, int](50, 0, nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Put(g*1000+i, i)
				c.Get(g*1000 + i/2)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 50, c.Len())
}

func TestDedupe(t *testing.T) {
	d := NewDedupe(2)
	assert.False(t, d.IsDuplicate("m1"))
	d.MarkSeen("m1")
	d.MarkSeen("m2")
	assert.True(t, d.IsDuplicate("m1")) // refreshes m1

	d.MarkSeen("m3")
	assert.True(t, d.IsDuplicate("m1"))
	assert.False(t, d.IsDuplicate("m2"))
	assert.Equal(t, uint64(1), d.Stats().Evictions)

	d.Clear()
	assert.Equal(t, 0, d.Len())
}
