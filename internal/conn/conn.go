// Package conn implements the per-connection controller: queue ownership,
// the periodic kickoff cycle, the retry/backoff state machine, and the
// rules-delivery loop. Wire-level protocol work is delegated to Sender and
// Receiver collaborators.
package conn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/medrelay/agent/internal/item"
	"github.com/medrelay/agent/internal/queue"
	"github.com/medrelay/agent/internal/rules"
	"github.com/medrelay/agent/internal/supervisor"
)

// Kind is the protocol family of a connection.
type Kind string

const (
	KindCloud Kind = "cloud"
	KindDicom Kind = "dicom"
	KindHL7   Kind = "hl7"
	KindFile  Kind = "file"
)

// Valid reports whether k is a known connection kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCloud, KindDicom, KindHL7, KindFile:
		return true
	}
	return false
}

// Config carries a connection's tunables. Read-only from the controller's
// perspective; the profile store supplies it and may replace the rule set
// between kickoff cycles.
type Config struct {
	Name    string
	Kind    Kind
	Enabled bool

	// Primary marks the upstream connection whose login precondition
	// gates the orchestrator's kickoff fan-out.
	Primary bool

	MaxAttempts        int
	RetryDelay         time.Duration
	MaxItemsPerSession int

	// SendConcurrency bounds "{name}.Deliver" per-item delivery tasks;
	// default 1. The "{name}.Send" scan loop that charges attempts is
	// always a singleton regardless of this value.
	SendConcurrency int

	// File-kind settings.
	WatchDir string
	OutDir   string
}

// Validate checks the fields every connection needs.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("connection with empty name")
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("connection %s: unknown kind %q", c.Name, c.Kind)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("connection %s: maxAttempts %d < 1", c.Name, c.MaxAttempts)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("connection %s: retryDelay must be positive", c.Name)
	}
	return nil
}

// Controller owns one connection's queues and loops.
//
// States: Stopped → Initializing → Running → Stopped. Init is safe to
// call again after Stop.
type Controller struct {
	cfg      Config
	qm       *queue.Manager
	sup      *supervisor.Supervisor
	sender   Sender
	receiver Receiver
	router   Router
	recorder Recorder

	// engineFn returns the current rule engine; the orchestrator swaps
	// it between kickoff cycles on profile reload.
	engineFn func() *rules.Engine

	// completionSink receives Completion-kind items no rule claimed,
	// so accumulated RPC responses survive past the queue.
	completionSink func(*item.WorkItem)

	started atomic.Bool
	now     func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the controller's time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRecorder attaches a terminal-transition recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithCompletionSink attaches a consumer for unroutable Completion items.
func WithCompletionSink(sink func(*item.WorkItem)) Option {
	return func(c *Controller) { c.completionSink = sink }
}

// New creates a Controller. sender may be nil for receive-only
// connections, receiver nil for send-only ones.
func New(
	cfg Config,
	qm *queue.Manager,
	sup *supervisor.Supervisor,
	sender Sender,
	receiver Receiver,
	router Router,
	engineFn func() *rules.Engine,
	opts ...Option,
) *Controller {
	c := &Controller{
		cfg:      cfg,
		qm:       qm,
		sup:      sup,
		sender:   sender,
		receiver: receiver,
		router:   router,
		engineFn: engineFn,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the connection name.
func (c *Controller) Name() string { return c.cfg.Name }

// Config returns the connection's configuration.
func (c *Controller) Config() Config { return c.cfg }

// Started reports whether the controller is between Init and Stop.
func (c *Controller) Started() bool { return c.started.Load() }

// taskType builds the admission-control key for an operation.
func (c *Controller) taskType(op string) string {
	return c.cfg.Name + "." + op
}

// Init recovers every queue this connection owns from its sidecar
// records and registers the connection's task capacities. Called once
// before the first Kickoff; safe to call again after Stop.
func (c *Controller) Init() error {
	for _, name := range []string{queue.ToRules, queue.Outbound} {
		if _, err := c.qm.Recover(c.cfg.Name, name); err != nil {
			return fmt.Errorf("init %s: %w", c.cfg.Name, err)
		}
	}

	// One scan loop instance at a time; only it mutates queued items.
	if err := c.sup.Register(c.taskType("Send"), 1); err != nil {
		return fmt.Errorf("init %s: %w", c.cfg.Name, err)
	}
	sendCap := c.cfg.SendConcurrency
	if sendCap < 1 {
		sendCap = 1
	}
	if err := c.sup.Register(c.taskType("Deliver"), sendCap); err != nil {
		return fmt.Errorf("init %s: %w", c.cfg.Name, err)
	}

	c.started.Store(true)
	slog.Info("connection initialized", "connection", c.cfg.Name, "kind", c.cfg.Kind)
	return nil
}

// Stop marks the connection stopped and releases protocol resources.
// In-flight loops observe the flag (or cancellation) and wind down; their
// queued items survive in sidecar records.
func (c *Controller) Stop() {
	c.started.Store(false)
	for _, res := range []any{c.sender, c.receiver} {
		if closer, ok := res.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				slog.Warn("closing connection resource", "connection", c.cfg.Name, "error", err)
			}
		}
	}
	slog.Info("connection stopped", "connection", c.cfg.Name)
}

// Kickoff runs one periodic work cycle: it spawns the connection's
// sub-loops (outbound sender, inbound scanner, rules delivery), each
// subject to its own capacity guard, and returns without waiting for
// them. The caller guards re-entrancy via CanStart("{name}.Kickoff") and
// runs Kickoff itself under that task type.
func (c *Controller) Kickoff(ctx context.Context, taskID int) {
	if !c.started.Load() {
		return
	}
	slog.Debug("kickoff", "connection", c.cfg.Name, "task_id", taskID)

	if c.sender != nil {
		c.spawn(c.taskType("Send"), func(ctx context.Context) { c.processOutbound(ctx) })
	}
	if c.receiver != nil {
		c.spawn(c.taskType("Receive"), func(ctx context.Context) { c.scanInbound(ctx) })
	}
	c.spawn(c.taskType("Rules"), func(ctx context.Context) { c.deliverRules(ctx) })
}

// spawn starts work under typeName unless its previous instance is still
// running. A denied slot is not an error; the next kickoff re-checks.
func (c *Controller) spawn(typeName string, work func(ctx context.Context)) {
	if !c.sup.CanStart(typeName) {
		slog.Debug("skipping task, previous instance still running",
			"connection", c.cfg.Name, "type", typeName)
		return
	}
	id := c.sup.NewTaskID()
	if err := c.sup.Start(id, typeName, "", false, work); err != nil {
		slog.Warn("task start rejected", "connection", c.cfg.Name, "type", typeName, "error", err)
	}
}

// Route is the synchronous entry point collaborators use to hand an item
// to this connection's outbound queue. Kind-specific normalization runs
// before the enqueue. The enqueued item is returned (a clone when copy is
// true).
func (c *Controller) Route(ctx context.Context, it *item.WorkItem, copy bool) (*item.WorkItem, error) {
	target := it
	if copy {
		// Clone before normalizing so fan-out to connections of different
		// kinds never mutates the shared original.
		target = it.Clone(c.qm.Generator())
	}
	c.normalize(target)
	routed, err := c.qm.Enqueue(c.cfg.Name, queue.Outbound, target, false)
	if err != nil {
		return nil, fmt.Errorf("route to %s: %w", c.cfg.Name, err)
	}
	return routed, nil
}

// normalize adapts an item's kind to this connection's protocol, e.g.
// "dicomize" a plain file payload before it enters a DICOM queue.
func (c *Controller) normalize(it *item.WorkItem) {
	if c.cfg.Kind == KindDicom && it.Kind == item.KindFile {
		it.Kind = item.KindDicom
	}
	if c.cfg.Kind == KindHL7 && it.Kind == item.KindFile {
		it.Kind = item.KindHL7
	}
}

// scanInbound pulls newly arrived items from the protocol collaborator
// and enqueues them durably for routing.
func (c *Controller) scanInbound(ctx context.Context) {
	items, err := c.receiver.Receive(ctx)
	if err != nil {
		slog.Warn("inbound scan failed", "connection", c.cfg.Name, "error", err)
		return
	}
	for _, it := range items {
		it.FromConnection = c.cfg.Name
		it.Status = item.StatusPending
		if _, err := c.qm.Enqueue(c.cfg.Name, queue.ToRules, it, false); err != nil {
			slog.Error("enqueue of received item failed",
				"connection", c.cfg.Name, "instance_id", it.InstanceID, "error", err)
		}
	}
	if len(items) > 0 {
		slog.Info("inbound items received", "connection", c.cfg.Name, "count", len(items))
	}
}

// recordTerminal reports a terminal transition to the recorder, if any.
func (c *Controller) recordTerminal(ctx context.Context, it *item.WorkItem, final item.Status, detail string) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordTerminal(ctx, it, c.cfg.Name, final, detail); err != nil {
		slog.Warn("history record failed",
			"connection", c.cfg.Name, "instance_id", it.InstanceID, "error", err)
	}
}
