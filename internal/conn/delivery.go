package conn

import (
	"context"
	"fmt"

	"github.com/medrelay/agent/internal/item"
)

// DeliveryKind classifies a delivery outcome for the retry state machine.
// Explicit result kinds replace exception-driven status handling: the
// caller switches on the kind instead of unwinding through panics.
type DeliveryKind int

const (
	// DeliverySuccess: the item was handed off; dequeue it.
	DeliverySuccess DeliveryKind = iota
	// DeliveryRetryable: transient failure (network error, remote 5xx/429,
	// timeout); the item stays queued and is retried after the delay.
	DeliveryRetryable
	// DeliveryTerminal: permanent failure; the item fails without
	// consuming further attempts.
	DeliveryTerminal
)

func (k DeliveryKind) String() string {
	switch k {
	case DeliverySuccess:
		return "success"
	case DeliveryRetryable:
		return "retryable"
	case DeliveryTerminal:
		return "terminal"
	}
	return fmt.Sprintf("DeliveryKind(%d)", int(k))
}

// DeliveryResult is the outcome of one delivery attempt.
type DeliveryResult struct {
	Kind DeliveryKind
	Err  error
}

// Delivered returns a success result.
func Delivered() DeliveryResult {
	return DeliveryResult{Kind: DeliverySuccess}
}

// RetryLater returns a retryable failure.
func RetryLater(err error) DeliveryResult {
	return DeliveryResult{Kind: DeliveryRetryable, Err: err}
}

// FailPermanently returns a terminal failure.
func FailPermanently(err error) DeliveryResult {
	return DeliveryResult{Kind: DeliveryTerminal, Err: err}
}

// Sender performs the wire-level delivery of one item for a connection.
// The core never sees wire formats; it only consumes the result kind.
type Sender interface {
	Send(ctx context.Context, it *item.WorkItem) DeliveryResult
}

// BatchSender is implemented by senders whose protocol supports
// association/session reuse (e.g. DICOM): a batch is delivered inside one
// session. Results are parallel to the batch slice.
type BatchSender interface {
	Sender
	SendBatch(ctx context.Context, batch []*item.WorkItem) []DeliveryResult
}

// Receiver produces inbound work for a connection: one Receive call per
// scan cycle, returning newly arrived items (may be empty).
type Receiver interface {
	Receive(ctx context.Context) ([]*item.WorkItem, error)
}

// Router hands an item to another connection's outbound queue. The
// orchestrator implements it over its connection registry; controllers
// stay decoupled from each other.
type Router interface {
	RouteTo(ctx context.Context, connection string, it *item.WorkItem, copy bool) error
}

// Recorder receives terminal delivery transitions for the history store.
type Recorder interface {
	RecordTerminal(ctx context.Context, it *item.WorkItem, connection string, final item.Status, detail string) error
}
