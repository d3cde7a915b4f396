// Package agent wires connection controllers, the durable queue manager,
// the rule engine, and the task supervisor into the running agent: a
// single orchestrator owns the kickoff cadence and cross-connection
// routing.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/medrelay/agent/internal/conn"
	"github.com/medrelay/agent/internal/item"
	"github.com/medrelay/agent/internal/profile"
	"github.com/medrelay/agent/internal/queue"
	"github.com/medrelay/agent/internal/rules"
	"github.com/medrelay/agent/internal/supervisor"
)

// Authenticator is the session gate of the primary connection. The
// orchestrator holds kickoff fan-out until a session exists and treats a
// budget of consecutive login failures as fatal.
type Authenticator interface {
	LoggedIn() bool
	Login(ctx context.Context) error
}

// Orchestrator drives the agent: it fans kickoff cycles out to every
// registered controller, routes items between connections, and swaps the
// rule engine between cycles when the rule source changes.
type Orchestrator struct {
	prof *profile.Profile
	qm   *queue.Manager
	sup  *supervisor.Supervisor

	controllers map[string]*conn.Controller
	order       []string

	engine atomic.Pointer[rules.Engine]
	reload func() (*rules.Engine, error)
	cache  *ResponseCache

	auth          Authenticator
	loginFailures int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithAuthenticator attaches the primary connection's session gate.
func WithAuthenticator(a Authenticator) OrchestratorOption {
	return func(o *Orchestrator) { o.auth = a }
}

// WithRuleReloader installs a rule-engine factory invoked between
// kickoff cycles. A reload failure keeps the previous engine.
func WithRuleReloader(reload func() (*rules.Engine, error)) OrchestratorOption {
	return func(o *Orchestrator) { o.reload = reload }
}

// New creates an Orchestrator over the shared queue manager and
// supervisor. Controllers are added with Register before Run.
func New(prof *profile.Profile, qm *queue.Manager, sup *supervisor.Supervisor, engine *rules.Engine, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		prof:        prof,
		qm:          qm,
		sup:         sup,
		controllers: make(map[string]*conn.Controller),
		cache:       NewResponseCache(),
	}
	o.engine.Store(engine)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Engine returns the current rule engine. Controllers call this at the
// start of each rules-delivery pass, so an engine swap takes effect on
// the next cycle without restarting anything.
func (o *Orchestrator) Engine() *rules.Engine {
	return o.engine.Load()
}

// Cache returns the orchestrator's response cache.
func (o *Orchestrator) Cache() *ResponseCache {
	return o.cache
}

// Register adds a controller under its connection name.
func (o *Orchestrator) Register(ctrl *conn.Controller) error {
	name := ctrl.Name()
	if _, dup := o.controllers[name]; dup {
		return fmt.Errorf("register connection: duplicate name %q", name)
	}
	o.controllers[name] = ctrl
	o.order = append(o.order, name)
	return nil
}

// Controller returns a registered controller by connection name.
func (o *Orchestrator) Controller(name string) (*conn.Controller, bool) {
	ctrl, ok := o.controllers[name]
	return ctrl, ok
}

// RouteTo hands an item to the named connection's outbound queue.
// Implements conn.Router over the registry.
func (o *Orchestrator) RouteTo(ctx context.Context, connection string, it *item.WorkItem, copy bool) error {
	ctrl, ok := o.controllers[connection]
	if !ok {
		return fmt.Errorf("route: unknown connection %q", connection)
	}
	_, err := ctrl.Route(ctx, it, copy)
	return err
}

// Run initializes every controller, then loops kickoff cycles until the
// context is cancelled or the primary connection exhausts its login
// budget. Queued work survives either exit in sidecar records.
func (o *Orchestrator) Run(ctx context.Context) error {
	if len(o.order) == 0 {
		return fmt.Errorf("orchestrator: no connections registered")
	}

	for _, name := range o.order {
		if err := o.controllers[name].Init(); err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
	}
	defer o.Stop()

	slog.Info("orchestrator started",
		"connections", len(o.order),
		"kickoff_interval", o.prof.KickOffInterval())

	for {
		ok, err := o.gateLogin(ctx)
		if err != nil {
			return err
		}
		if ok {
			o.kickoffAll(ctx)
		}

		if err := o.wait(ctx); err != nil {
			return err
		}
		o.reloadRules()
	}
}

// Stop winds controllers down in reverse registration order.
func (o *Orchestrator) Stop() {
	for i := len(o.order) - 1; i >= 0; i-- {
		o.controllers[o.order[i]].Stop()
	}
}

// gateLogin enforces the primary-connection session precondition.
// Returns ok=false to skip this cycle's kickoffs, err non-nil when the
// consecutive-failure budget is exhausted.
func (o *Orchestrator) gateLogin(ctx context.Context) (bool, error) {
	if o.auth == nil {
		return true, nil
	}
	if o.auth.LoggedIn() {
		o.loginFailures = 0
		return true, nil
	}

	if err := o.auth.Login(ctx); err != nil {
		o.loginFailures++
		slog.Warn("primary login failed",
			"failures", o.loginFailures,
			"budget", o.prof.LoginAttempts(),
			"error", err)
		if o.loginFailures >= o.prof.LoginAttempts() {
			return false, fmt.Errorf("orchestrator: primary login failed %d times: %w", o.loginFailures, err)
		}
		return false, nil
	}

	o.loginFailures = 0
	slog.Info("primary login succeeded")
	return true, nil
}

// kickoffAll starts one kickoff task per connection. A connection whose
// previous kickoff is still running is skipped this cycle.
func (o *Orchestrator) kickoffAll(ctx context.Context) {
	for _, name := range o.order {
		ctrl := o.controllers[name]
		typeName := name + ".Kickoff"
		if !o.sup.CanStart(typeName) {
			slog.Debug("kickoff still running, skipped", "connection", name)
			continue
		}
		id := o.sup.NewTaskID()
		if err := o.sup.Start(id, typeName, "", false, func(taskCtx context.Context) {
			ctrl.Kickoff(taskCtx, id)
		}); err != nil {
			slog.Warn("kickoff start rejected", "connection", name, "error", err)
		}
	}
}

// wait sleeps until the next cycle is due: the kickoff interval, the
// shorter backlog interval while items are waiting on rules (halved
// again when the backlog holds high-priority items), or immediately
// when a queue raises the work signal.
func (o *Orchestrator) wait(ctx context.Context) error {
	interval := o.prof.KickOffInterval()
	if o.qm.Backlog() {
		interval = o.prof.BacklogInterval()
		if o.qm.HighPriorityBacklog() {
			interval /= 2
		}
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.qm.Signal():
		return nil
	case <-timer.C:
		return nil
	}
}

// reloadRules swaps in a freshly built engine, if a reloader is
// configured. The old engine serves until the swap.
func (o *Orchestrator) reloadRules() {
	if o.reload == nil {
		return
	}
	engine, err := o.reload()
	if err != nil {
		slog.Warn("rule reload failed, keeping current rules", "error", err)
		return
	}
	o.engine.Store(engine)
}

var _ conn.Router = (*Orchestrator)(nil)
