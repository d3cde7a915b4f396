package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medrelay/agent/internal/item"
)

func TestResponseCacheAbsorbAndTake(t *testing.T) {
	cache := NewResponseCache()

	cache.Absorb(&item.WorkItem{ID: "query-1", Response: []string{"partial"}})
	cache.Absorb(&item.WorkItem{ID: "query-1", Response: []string{"final"}})
	cache.Absorb(&item.WorkItem{ID: "query-2", Response: []string{"other"}})

	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, []string{"partial", "final"}, cache.Responses("query-1"))

	responses, ok := cache.Take("query-1")
	assert.True(t, ok)
	assert.Equal(t, []string{"partial", "final"}, responses)
	assert.Equal(t, 1, cache.Len())

	_, ok = cache.Take("query-1")
	assert.False(t, ok)
}

func TestResponseCacheIgnoresEmpty(t *testing.T) {
	cache := NewResponseCache()
	cache.Absorb(nil)
	cache.Absorb(&item.WorkItem{ID: "query-1"})
	assert.Equal(t, 0, cache.Len())
	assert.Empty(t, cache.Responses("query-1"))
}

func TestResponseCacheCopiesOnRead(t *testing.T) {
	cache := NewResponseCache()
	cache.Absorb(&item.WorkItem{ID: "query-1", Response: []string{"a"}})

	got := cache.Responses("query-1")
	got[0] = "mutated"

	assert.Equal(t, []string{"a"}, cache.Responses("query-1"))
}
