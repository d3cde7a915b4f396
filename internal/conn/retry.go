package conn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/medrelay/agent/internal/item"
	"github.com/medrelay/agent/internal/queue"
)

// processOutbound runs the retry/backoff state machine over every pending
// item in the outbound queue, once per kickoff cycle. It runs as the
// "{name}.Send" singleton, so attempt bookkeeping on queued items is only
// ever mutated here; delivery itself is handed to "{name}.Deliver" tasks.
//
// Items whose retry delay has not elapsed are skipped over, not waited
// for — the effective order is "oldest eligible item first", never strict
// FIFO. Each selected item is charged an attempt and its sidecar record
// rewritten before delivery, so a crash mid-delivery still counts against
// the budget after recovery.
func (c *Controller) processOutbound(ctx context.Context) {
	snapshot := c.qm.Snapshot(c.cfg.Name, queue.Outbound)
	if len(snapshot) == 0 {
		return
	}

	now := c.now()
	var due []*item.WorkItem
	for _, it := range snapshot {
		if it.Status.Terminal() {
			continue
		}
		if !it.RetryDue(now, c.cfg.RetryDelay) {
			continue
		}
		if c.sup.CountByReference(it.InstanceID) > 0 {
			// A delivery task from an earlier cycle still holds the item.
			continue
		}
		due = append(due, it)
	}
	if len(due) == 0 {
		return
	}

	for _, batch := range c.batches(due) {
		if ctx.Err() != nil {
			return
		}

		var expired []*item.WorkItem
		var sendable []*item.WorkItem
		for _, it := range batch {
			it.MarkAttempt(now)
			if err := c.qm.Update(c.cfg.Name, queue.Outbound, it); err != nil {
				slog.Error("attempt persist failed",
					"connection", c.cfg.Name, "instance_id", it.InstanceID, "error", err)
			}
			if it.Attempts > c.cfg.MaxAttempts {
				expired = append(expired, it)
			} else {
				sendable = append(sendable, it)
			}
		}
		for _, it := range expired {
			c.failTerminally(ctx, it, fmt.Sprintf("attempts exceeded (%d > %d)", it.Attempts, c.cfg.MaxAttempts))
		}
		if len(sendable) == 0 {
			continue
		}

		c.dispatch(ctx, sendable)
	}
}

// batches groups due items into delivery batches bounded by
// maxItemsPerSession. Any previously-attempted item is broken out into
// its own singleton batch so one repeatedly-failing item cannot hold a
// whole session hostage.
func (c *Controller) batches(due []*item.WorkItem) [][]*item.WorkItem {
	size := c.cfg.MaxItemsPerSession
	if size < 1 {
		size = 1
	}

	var out [][]*item.WorkItem
	var current []*item.WorkItem
	for _, it := range due {
		if it.Attempts > 0 {
			out = append(out, []*item.WorkItem{it})
			continue
		}
		current = append(current, it)
		if len(current) == size {
			out = append(out, current)
			current = nil
		}
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

// dispatch hands one batch to the protocol collaborator. A session-capable
// sender delivers the whole batch inline inside the scan loop; plain
// senders get one "{name}.Deliver" task per item, bounded by
// sendConcurrency and referenced by instance ID so later scan cycles skip
// items still in flight.
func (c *Controller) dispatch(ctx context.Context, batch []*item.WorkItem) {
	if c.sender == nil {
		slog.Warn("no sender configured, items will retry",
			"connection", c.cfg.Name, "count", len(batch))
		return
	}

	if bs, ok := c.sender.(BatchSender); ok && len(batch) > 1 {
		results := bs.SendBatch(ctx, batch)
		for i, it := range batch {
			c.applyResult(ctx, it, results[i])
		}
		return
	}

	for _, it := range batch {
		err := c.sup.Start(c.sup.NewTaskID(), c.taskType("Deliver"), it.InstanceID, false,
			func(ctx context.Context) {
				c.applyResult(ctx, it, c.sender.Send(ctx, it))
			})
		if err != nil {
			// Shutdown: the charged attempt is on disk and the remainder
			// stays queued for the next process.
			slog.Warn("delivery task not started",
				"connection", c.cfg.Name, "instance_id", it.InstanceID, "error", err)
			return
		}
	}
}

// applyResult feeds one delivery outcome back into the queue.
func (c *Controller) applyResult(ctx context.Context, it *item.WorkItem, res DeliveryResult) {
	switch res.Kind {
	case DeliverySuccess:
		it.Status = item.StatusCompleted
		if err := c.qm.Dequeue(c.cfg.Name, queue.Outbound, it, false); err != nil {
			slog.Error("dequeue after delivery failed",
				"connection", c.cfg.Name, "instance_id", it.InstanceID, "error", err)
			return
		}
		c.recordTerminal(ctx, it, item.StatusCompleted, "")
		slog.Info("item delivered",
			"connection", c.cfg.Name, "instance_id", it.InstanceID, "attempts", it.Attempts)

	case DeliveryRetryable:
		// Stays in the queue, already marked attempted; eligible
		// again after the retry delay. Never logged as fatal.
		slog.Warn("delivery failed, will retry",
			"connection", c.cfg.Name,
			"instance_id", it.InstanceID,
			"attempts", it.Attempts,
			"max_attempts", c.cfg.MaxAttempts,
			"error", res.Err)

	case DeliveryTerminal:
		c.failTerminally(ctx, it, fmt.Sprintf("permanent delivery failure: %v", res.Err))
	}
}

// failTerminally transitions an item to Failed and removes it from the
// outbound queue. RPC-kind items are re-routed to this connection's rules
// queue as a failure notice so the origin caller sees Failed, not silence.
func (c *Controller) failTerminally(ctx context.Context, it *item.WorkItem, detail string) {
	it.Status = item.StatusFailed
	if err := c.qm.Dequeue(c.cfg.Name, queue.Outbound, it, true); err != nil {
		slog.Error("terminal dequeue failed",
			"connection", c.cfg.Name, "instance_id", it.InstanceID, "error", err)
		return
	}
	c.recordTerminal(ctx, it, item.StatusFailed, detail)
	slog.Error("item failed terminally",
		"connection", c.cfg.Name,
		"instance_id", it.InstanceID,
		"attempts", it.Attempts,
		"detail", detail)

	if it.Kind == item.KindRPC {
		notice := it.Clone(c.qm.Generator())
		notice.FromConnection = c.cfg.Name
		notice.Response = append(notice.Response, "failed: "+detail)
		if _, err := c.qm.Enqueue(c.cfg.Name, queue.ToRules, notice, false); err != nil {
			slog.Error("failure notice enqueue failed",
				"connection", c.cfg.Name, "instance_id", it.InstanceID, "error", err)
		}
	}
}
