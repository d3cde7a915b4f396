package conn

import (
	"context"
	"log/slog"
	"strings"

	"github.com/medrelay/agent/internal/item"
	"github.com/medrelay/agent/internal/queue"
	"github.com/medrelay/agent/internal/rules"
)

// deliverRules drains this connection's toRules queue: each item is
// evaluated against the current rule set and fanned out to its
// destination connections' outbound queues.
//
// Failure policy (at-least-once over forward progress):
//   - script errors leave the item queued with attempts untouched, so a
//     broken script stalls the item until the next pass instead of
//     burning its retry budget;
//   - "no destination" counts as a failed delivery cycle and consumes an
//     attempt, except for Completion-kind items which are dropped quietly;
//   - the loop keeps running for other items whatever one item does.
func (c *Controller) deliverRules(ctx context.Context) {
	snapshot := c.qm.Snapshot(c.cfg.Name, queue.ToRules)
	if len(snapshot) == 0 {
		return
	}

	engine := c.engineFn()
	if engine == nil {
		slog.Warn("no rule engine configured, rules delivery skipped", "connection", c.cfg.Name)
		return
	}

	now := c.now()
	for _, it := range snapshot {
		if ctx.Err() != nil {
			return
		}
		if it.Status.Terminal() {
			continue
		}
		if !it.RetryDue(now, c.cfg.RetryDelay) {
			continue
		}

		if err := engine.Evaluate(ctx, it); err != nil {
			// The exception is logged, never propagated: the item stays
			// in toRules unaltered in attempts and retries next pass.
			slog.Error("rule evaluation failed",
				"connection", c.cfg.Name,
				"instance_id", it.InstanceID,
				"script_error", rules.IsScriptError(err),
				"error", err)
			continue
		}

		if len(it.ToConnections) == 0 {
			c.handleUnroutable(ctx, it)
			continue
		}

		c.fanOut(ctx, it)
	}
}

// handleUnroutable applies the retry machine to an item no rule claimed.
func (c *Controller) handleUnroutable(ctx context.Context, it *item.WorkItem) {
	if it.Kind == item.KindCompletion {
		// Completions with no audience leave the queue quietly; the sink
		// keeps their accumulated responses reachable for the requester.
		if c.completionSink != nil {
			c.completionSink(it)
		}
		if err := c.qm.Dequeue(c.cfg.Name, queue.ToRules, it, false); err != nil {
			slog.Error("completion dequeue failed",
				"connection", c.cfg.Name, "instance_id", it.InstanceID, "error", err)
		}
		return
	}

	it.MarkAttempt(c.now())
	if err := c.qm.Update(c.cfg.Name, queue.ToRules, it); err != nil {
		slog.Error("attempt persist failed",
			"connection", c.cfg.Name, "instance_id", it.InstanceID, "error", err)
	}
	if it.Attempts > c.cfg.MaxAttempts {
		it.Status = item.StatusFailed
		if err := c.qm.Dequeue(c.cfg.Name, queue.ToRules, it, true); err != nil {
			slog.Error("unroutable dequeue failed",
				"connection", c.cfg.Name, "instance_id", it.InstanceID, "error", err)
			return
		}
		c.recordTerminal(ctx, it, item.StatusFailed, "no matching rule")
		slog.Error("item has no destination, failed terminally",
			"connection", c.cfg.Name,
			"instance_id", it.InstanceID,
			"from", it.FromConnection,
			"attempts", it.Attempts)
		return
	}

	slog.Warn("no rule matched, will retry",
		"connection", c.cfg.Name,
		"instance_id", it.InstanceID,
		"from", it.FromConnection,
		"attempts", it.Attempts)
}

// fanOut hands the item to every destination connection. A single
// destination moves the original (preserving its instance ID); multiple
// destinations get independent copies so each carries its own retry
// bookkeeping. Only after every destination accepted the item does it
// leave toRules — a crash in between re-delivers (at-least-once), never
// loses.
func (c *Controller) fanOut(ctx context.Context, it *item.WorkItem) {
	it.Status = item.StatusPending
	copyFlag := len(it.ToConnections) > 1

	for _, dest := range it.ToConnections {
		if err := c.router.RouteTo(ctx, dest.Connection, it, copyFlag); err != nil {
			slog.Error("destination routing failed, item stays queued",
				"connection", c.cfg.Name,
				"instance_id", it.InstanceID,
				"destination", dest.Connection,
				"error", err)
			return
		}
	}

	// error=true: the record leaves toRules but the item's next home is
	// the destination queue(s) we just populated.
	if err := c.qm.Dequeue(c.cfg.Name, queue.ToRules, it, true); err != nil {
		slog.Error("post-routing dequeue failed",
			"connection", c.cfg.Name, "instance_id", it.InstanceID, "error", err)
		return
	}

	slog.Info("item routed",
		"connection", c.cfg.Name,
		"instance_id", it.InstanceID,
		"destinations", destinationNames(it.ToConnections))
}

func destinationNames(dests []item.Destination) string {
	names := make([]string, len(dests))
	for i, d := range dests {
		names[i] = d.Connection
	}
	return strings.Join(names, ",")
}
