// Package queue provides the durable work-item queues at the heart of the
// agent: named, per-connection, in-memory FIFO collections where every
// entry is backed by a sidecar record for crash recovery.
package queue

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/medrelay/agent/internal/item"
	"github.com/medrelay/agent/internal/sidecar"
)

// Well-known queue names. Every connection owns a ToRules queue (items
// awaiting routing) and an Outbound queue (items awaiting delivery).
const (
	ToRules  = "toRules"
	Outbound = "outbound"
)

// queue is one named durable collection. The mutex serializes the
// in-memory slice update with the sidecar write/delete so the two never
// diverge; readers iterate a snapshot instead of holding the lock.
type queue struct {
	connection string
	name       string
	metaDir    string

	mu    sync.Mutex
	items []*item.WorkItem
}

func (q *queue) key() string { return q.connection + "/" + q.name }

// Manager owns every durable queue in the process and pairs each
// in-memory mutation with its on-disk sidecar operation atomically with
// respect to other queue operations.
//
// Thread-safety: all methods are safe from any goroutine.
type Manager struct {
	root string
	gen  item.IDGenerator

	mu     sync.Mutex
	queues map[string]*queue

	// signal wakes the orchestrator when new work arrives. Buffer of 1
	// coalesces bursts; the waiter re-checks queue state after any wait,
	// timed out or not, so a missed signal only costs one interval.
	signal chan struct{}
}

// NewManager creates a Manager rooted at tempRoot. gen supplies instance
// IDs for copy-enqueues.
func NewManager(tempRoot string, gen item.IDGenerator) *Manager {
	return &Manager{
		root:   tempRoot,
		gen:    gen,
		queues: make(map[string]*queue),
		signal: make(chan struct{}, 1),
	}
}

// Generator returns the manager's instance-ID generator, shared with
// callers that clone items outside an enqueue.
func (m *Manager) Generator() item.IDGenerator {
	return m.gen
}

// Signal returns a channel that fires when new work is enqueued.
// Use with select alongside context cancellation and an interval timer.
func (m *Manager) Signal() <-chan struct{} {
	return m.signal
}

func (m *Manager) raise() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// get returns the queue for connection/name, creating it (and its meta
// directory) on first use.
func (m *Manager) get(connection, name string) (*queue, error) {
	key := connection + "/" + name

	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[key]; ok {
		return q, nil
	}

	metaDir := sidecar.MetaDir(m.root, connection, name)
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return nil, fmt.Errorf("create meta dir for %s: %w", key, err)
	}

	q := &queue{connection: connection, name: name, metaDir: metaDir}
	m.queues[key] = q
	return q, nil
}

// Enqueue durably adds it to connection/name: the sidecar record is
// written first, then the item is appended to the in-memory collection.
// If the sidecar write fails nothing is enqueued.
//
// When copy is true a clone with a fresh instance ID is enqueued instead
// of the original, for fan-out of the same payload to multiple queues with
// independent retry bookkeeping. The enqueued item is returned.
func (m *Manager) Enqueue(connection, name string, it *item.WorkItem, copy bool) (*item.WorkItem, error) {
	if err := it.Validate(); err != nil {
		return nil, fmt.Errorf("enqueue to %s/%s: %w", connection, name, err)
	}

	q, err := m.get(connection, name)
	if err != nil {
		return nil, err
	}

	target := it
	if copy {
		target = it.Clone(m.gen)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	path := sidecar.PathFor(q.metaDir, target.InstanceID)
	target.DurableRecordPath = path
	if err := sidecar.Write(path, target); err != nil {
		target.DurableRecordPath = ""
		return nil, fmt.Errorf("enqueue to %s: %w", q.key(), err)
	}
	q.items = append(q.items, target)

	slog.Debug("item enqueued",
		"connection", connection,
		"queue", name,
		"instance_id", target.InstanceID,
		"kind", target.Kind,
	)

	m.raise()
	return target, nil
}

// Update rewrites the sidecar record of an item currently queued on
// connection/name. Callers that mutate a queued item's bookkeeping
// (attempt charging) use it to keep the durable record in step with
// memory, so the mutation survives a crash.
func (m *Manager) Update(connection, name string, it *item.WorkItem) error {
	q, err := m.get(connection, name)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	found := false
	for _, cur := range q.items {
		if cur.InstanceID == it.InstanceID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("update %s: instance %s not found", q.key(), it.InstanceID)
	}

	path := sidecar.PathFor(q.metaDir, it.InstanceID)
	if err := sidecar.Write(path, it); err != nil {
		return fmt.Errorf("update %s: %w", q.key(), err)
	}
	return nil
}

// Dequeue removes it from connection/name and deletes its sidecar record.
//
// With isError false this is a successful hand-off: the durable record
// path is cleared and the item no longer survives a crash. With isError
// true the record is likewise deleted from THIS queue, but the caller owns
// deciding the item's next home (terminal failure record, re-enqueue
// elsewhere) — Dequeue never silently drops data on the caller's behalf.
func (m *Manager) Dequeue(connection, name string, it *item.WorkItem, isError bool) error {
	q, err := m.get(connection, name)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, cur := range q.items {
		if cur.InstanceID == it.InstanceID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("dequeue from %s: instance %s not found", q.key(), it.InstanceID)
	}

	path := sidecar.PathFor(q.metaDir, it.InstanceID)
	if err := sidecar.Delete(path); err != nil {
		return fmt.Errorf("dequeue from %s: %w", q.key(), err)
	}

	// Nil out the slot so the backing array does not retain the item.
	copy(q.items[idx:], q.items[idx+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]

	if !isError {
		it.DurableRecordPath = ""
	}

	slog.Debug("item dequeued",
		"connection", connection,
		"queue", name,
		"instance_id", it.InstanceID,
		"error", isError,
	)
	return nil
}

// Recover scans connection/name's meta directory and loads every valid
// sidecar record into the in-memory collection. Called once per queue at
// connection Init. Malformed records are logged and skipped; they never
// block recovery of the rest.
//
// Recovered items are tagged fromConnection = connection and re-enter the
// queue as Pending.
func (m *Manager) Recover(connection, name string) (int, error) {
	q, err := m.get(connection, name)
	if err != nil {
		return 0, err
	}

	paths, err := sidecar.Scan(q.metaDir)
	if err != nil {
		return 0, fmt.Errorf("recover %s: %w", q.key(), err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	recovered := 0
	for _, path := range paths {
		it, err := sidecar.Read(path)
		if err != nil {
			slog.Warn("skipping malformed sidecar record",
				"connection", connection,
				"queue", name,
				"path", path,
				"error", err,
			)
			continue
		}
		it.FromConnection = connection
		it.Status = item.StatusPending
		it.DurableRecordPath = path
		q.items = append(q.items, it)
		recovered++
	}

	if recovered > 0 {
		slog.Info("queue recovered",
			"connection", connection,
			"queue", name,
			"items", recovered,
		)
		m.raise()
	}
	return recovered, nil
}

// Snapshot returns a point-in-time copy of the queue's item list so
// senders can iterate without holding the queue lock. The items themselves
// are shared; single-threaded processing per item is the caller's
// responsibility.
func (m *Manager) Snapshot(connection, name string) []*item.WorkItem {
	m.mu.Lock()
	q, ok := m.queues[connection+"/"+name]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*item.WorkItem(nil), q.items...)
}

// Len returns the current depth of connection/name.
func (m *Manager) Len(connection, name string) int {
	m.mu.Lock()
	q, ok := m.queues[connection+"/"+name]
	m.mu.Unlock()
	if !ok {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Backlog reports whether any connection's toRules queue is non-empty.
// The orchestrator shortens its wait interval while a backlog exists.
func (m *Manager) Backlog() bool {
	m.mu.Lock()
	queues := make([]*queue, 0, len(m.queues))
	for _, q := range m.queues {
		if q.name == ToRules {
			queues = append(queues, q)
		}
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		n := len(q.items)
		q.mu.Unlock()
		if n > 0 {
			return true
		}
	}
	return false
}

// HighPriorityBacklog reports whether any toRules queue holds a
// high-priority item. Priority never reorders delivery within a queue;
// it only lets the orchestrator shorten the backlog wait further.
func (m *Manager) HighPriorityBacklog() bool {
	m.mu.Lock()
	queues := make([]*queue, 0, len(m.queues))
	for _, q := range m.queues {
		if q.name == ToRules {
			queues = append(queues, q)
		}
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		for _, it := range q.items {
			if it.Priority == item.PriorityHigh {
				q.mu.Unlock()
				return true
			}
		}
		q.mu.Unlock()
	}
	return false
}
