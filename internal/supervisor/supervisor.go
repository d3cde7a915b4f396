// Package supervisor provides admission control and lifecycle tracking
// for every background operation in the agent: the single point of
// bounded concurrency.
//
// Each operation kind is a named type (conventionally
// "{connection}.{operation}") with a registered capacity; unregistered
// types default to capacity 1, the common case for per-connection
// singleton loops like "{conn}.Kickoff". Slots are acquired by Start and
// released automatically when the task function returns — one uniform
// discipline, no manual release pairs to forget.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity applies to task types never registered explicitly.
const DefaultCapacity = 1

// Task is the bookkeeping record for one running operation. It lives
// only while the task executes and is removed on completion.
type Task struct {
	// ID is a process-unique identifier used purely for log correlation.
	ID int

	// Type is the admission-control key, e.g. "dicomOut.Send".
	Type string

	// Reference optionally correlates the task with a logical entity
	// (study UID, accession number) to prevent duplicate concurrent work
	// on the same entity.
	Reference string

	// LongRunning marks listener-style tasks that live until shutdown;
	// Drain ignores them.
	LongRunning bool

	StartTime time.Time
}

// Supervisor bounds and tracks all background work. One Supervisor is
// shared by the orchestrator and every connection controller; its single
// cancellation signal is the process-wide shutdown path observed at every
// blocking wait.
//
// Thread-safety: all methods are safe from any goroutine.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nextID atomic.Int64

	mu    sync.Mutex
	caps  map[string]chan struct{}
	tasks map[int]Task
}

// New creates a Supervisor whose task context is derived from parent.
// Cancelling parent (or calling Shutdown) cancels every running task's
// context.
func New(parent context.Context) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		caps:   make(map[string]chan struct{}),
		tasks:  make(map[int]Task),
	}
}

// Context returns the supervisor's cancellation context.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// Shutdown cancels every running task's context. Tasks exit via their
// own cleanup; there is no forced-kill path. Durability relies on queue
// records surviving and being retried after restart.
func (s *Supervisor) Shutdown() {
	s.cancel()
}

// Wait blocks until every started task has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Register declares a named capacity. Call before any Start of that
// type, typically at connection Init. Re-registering an in-use type is
// rejected because resizing a live semaphore would corrupt the count.
func (s *Supervisor) Register(typeName string, maxConcurrent int) error {
	if maxConcurrent < 1 {
		return fmt.Errorf("register %s: capacity %d < 1", typeName, maxConcurrent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sem, ok := s.caps[typeName]; ok {
		if cap(sem) == maxConcurrent {
			return nil
		}
		if len(sem) > 0 {
			return fmt.Errorf("register %s: %d tasks still running", typeName, len(sem))
		}
	}
	s.caps[typeName] = make(chan struct{}, maxConcurrent)
	return nil
}

// sem returns the semaphore for typeName, creating a default-capacity
// one on first use.
func (s *Supervisor) sem(typeName string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.caps[typeName]; ok {
		return c
	}
	c := make(chan struct{}, DefaultCapacity)
	s.caps[typeName] = c
	return c
}

// CanStart reports, without blocking, whether a slot for typeName is
// currently free. Used to avoid re-entrant scheduling: a denial is not an
// error, the caller simply skips this cycle and re-checks on the next.
func (s *Supervisor) CanStart(typeName string) bool {
	sem := s.sem(typeName)
	return len(sem) < cap(sem)
}

// NewTaskID returns a monotonically increasing, process-unique task ID.
func (s *Supervisor) NewTaskID() int {
	return int(s.nextID.Add(1))
}

// Start blocks until a capacity slot for typeName is free (or the
// supervisor shuts down), records the task, and launches work in its own
// goroutine. The slot is released and the record removed automatically
// when work returns.
func (s *Supervisor) Start(taskID int, typeName, reference string, longRunning bool, work func(ctx context.Context)) error {
	sem := s.sem(typeName)

	select {
	case sem <- struct{}{}:
	case <-s.ctx.Done():
		return fmt.Errorf("start %s: %w", typeName, s.ctx.Err())
	}

	task := Task{
		ID:          taskID,
		Type:        typeName,
		Reference:   reference,
		LongRunning: longRunning,
		StartTime:   time.Now(),
	}

	s.mu.Lock()
	s.tasks[taskID] = task
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.tasks, taskID)
			s.mu.Unlock()
			<-sem
			s.wg.Done()
		}()
		work(s.ctx)
	}()

	return nil
}

// CountByReference counts running tasks whose reference equals ref.
// Used to prevent duplicate concurrent work against the same logical
// entity (e.g. two downloads of one study UID).
func (s *Supervisor) CountByReference(ref string) int {
	if ref == "" {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.Reference == ref {
			n++
		}
	}
	return n
}

// FindByType returns the running tasks of typeName.
func (s *Supervisor) FindByType(typeName string) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	for _, t := range s.tasks {
		if t.Type == typeName {
			out = append(out, t)
		}
	}
	return out
}

// Running returns a snapshot of all task records.
func (s *Supervisor) Running() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// Drain waits until no short-lived tasks of typeName remain: barrier
// synchronization for callers that must let in-flight work finish before
// proceeding (e.g. wait for uploads before computing a fresh batch).
// Long-running tasks are ignored. Returns early on ctx cancellation.
func (s *Supervisor) Drain(ctx context.Context, typeName string) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		busy := false
		for _, t := range s.FindByType(typeName) {
			if !t.LongRunning {
				busy = true
				break
			}
		}
		if !busy {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
