package agent

import (
	"sync"

	"github.com/medrelay/agent/internal/item"
)

// ResponseCache collects RPC responses by item ID after the backing
// Completion items leave their queues. Requesters poll it to assemble
// round-trip results; entries live until taken.
//
// The cache is owned by the orchestrator and handed to controllers as
// their completion sink. Nothing here is global state.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string][]string
}

// NewResponseCache returns an empty cache.
func NewResponseCache() *ResponseCache {
	return &ResponseCache{entries: make(map[string][]string)}
}

// Absorb folds an item's accumulated responses into the cache under the
// item's correlation ID. Safe to call with an item carrying no responses.
func (c *ResponseCache) Absorb(it *item.WorkItem) {
	if it == nil || len(it.Response) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[it.ID] = append(c.entries[it.ID], it.Response...)
}

// Responses returns the responses collected so far for an item ID
// without consuming them.
func (c *ResponseCache) Responses(id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.entries[id]...)
}

// Take removes and returns the responses for an item ID.
func (c *ResponseCache) Take(id string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	responses, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
	}
	return responses, ok
}

// Len returns the number of item IDs with pending responses.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
