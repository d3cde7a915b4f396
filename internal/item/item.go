package item

import (
	"fmt"
	"time"
)

// Kind identifies the payload family of a WorkItem. The value is part of
// the sidecar on-disk contract and must remain stable across versions.
type Kind string

const (
	KindDicom      Kind = "dicom"
	KindHL7        Kind = "hl7"
	KindFile       Kind = "file"
	KindRPC        Kind = "rpc"
	KindCompletion Kind = "completion"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDicom, KindHL7, KindFile, KindRPC, KindCompletion:
		return true
	}
	return false
}

// Status is the delivery state of a WorkItem.
//
// Transitions are monotonic (New → Pending → Completed|Failed) except that
// retry may bounce an item between Pending and New while it waits for its
// next eligibility window.
type Status string

const (
	StatusNew       Status = "new"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority informs wait-delay policy under backlog conditions.
// It does NOT affect retry ordering; delivery order within a queue stays
// "oldest eligible first" regardless of priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Destination is one routing target: a connection name plus the share
// targets the payload should be published to on that connection.
type Destination struct {
	Connection   string   `json:"connection" yaml:"connection"`
	ShareTargets []string `json:"share_targets,omitempty" yaml:"shareTargets,omitempty"`
}

// WorkItem is the unit routed through the agent.
//
// Ownership model: the bytes referenced by SourceLocation/DestLocation
// belong to whichever component currently holds the item. Exactly one
// component processes an item at a time; the struct itself carries no
// locking.
//
// All exported fields are persisted in the sidecar record and form the
// crash-recovery contract (see internal/sidecar).
type WorkItem struct {
	// ID is an opaque correlation key (patient/accession composite,
	// study UID, or a generated UUID). Multiple WorkItem instances may
	// share an ID across request/response round trips.
	ID string `json:"id"`

	// InstanceID is unique per WorkItem instance, assigned at creation,
	// never reused. It names the sidecar file.
	InstanceID string `json:"instance_id"`

	Kind   Kind   `json:"kind"`
	Status Status `json:"status"`

	// FromConnection is the origin connection name, immutable once set.
	FromConnection string `json:"from_connection"`

	// ToConnections is recomputed by the rule engine and may be cleared
	// and repopulated multiple times over an item's life (request routing,
	// then response routing).
	ToConnections []Destination `json:"to_connections,omitempty"`

	Priority Priority `json:"priority,omitempty"`

	// Attempts counts delivery attempts; it never decreases.
	Attempts int `json:"attempts"`

	// LastAttempt gates retry eligibility.
	LastAttempt time.Time `json:"last_attempt,omitzero"`

	// SourceLocation and DestLocation are opaque payload references
	// (file path or inline payload handle).
	SourceLocation string `json:"source_location,omitempty"`
	DestLocation   string `json:"dest_location,omitempty"`

	// TagData holds rule-matching fields (modality, physician,
	// DICOM-tag-derived values) in insertion order.
	TagData *TagData `json:"tag_data,omitempty"`

	// Request and Response are present only for RPC-kind items.
	// Response accumulates because intermediate results may arrive
	// before completion.
	Request  string   `json:"request,omitempty"`
	Response []string `json:"response,omitempty"`

	// DurableRecordPath is the sidecar file backing this item while it
	// sits in a durable queue. Set at enqueue, cleared at successful
	// dequeue.
	DurableRecordPath string `json:"durable_record_path,omitempty"`
}

// New creates a WorkItem with a fresh instance ID from gen.
func New(gen IDGenerator, kind Kind, id string) *WorkItem {
	return &WorkItem{
		ID:         id,
		InstanceID: gen.Generate(),
		Kind:       kind,
		Status:     StatusNew,
		Priority:   PriorityMedium,
		TagData:    NewTagData(),
	}
}

// Clone returns a deep copy of the item with a fresh instance ID.
// Used when the same payload fans out to multiple queues independently:
// each copy gets its own sidecar record and retry bookkeeping. The payload
// references (SourceLocation/DestLocation) are shared, per the ownership
// policy above.
func (w *WorkItem) Clone(gen IDGenerator) *WorkItem {
	c := *w
	c.InstanceID = gen.Generate()
	c.DurableRecordPath = ""
	c.ToConnections = append([]Destination(nil), w.ToConnections...)
	c.Response = append([]string(nil), w.Response...)
	c.TagData = w.TagData.Clone()
	return &c
}

// ClearDestinations empties ToConnections. The rule engine must call this
// before re-evaluation so stale fan-out never survives a routing pass.
func (w *WorkItem) ClearDestinations() {
	w.ToConnections = w.ToConnections[:0]
}

// MergeDestination adds dest to ToConnections, deduplicating by connection
// name. When the connection is already present the share targets are
// unioned, preserving first-seen order.
func (w *WorkItem) MergeDestination(dest Destination) {
	for i := range w.ToConnections {
		if w.ToConnections[i].Connection == dest.Connection {
			w.ToConnections[i].ShareTargets = unionStrings(w.ToConnections[i].ShareTargets, dest.ShareTargets)
			return
		}
	}
	w.ToConnections = append(w.ToConnections, Destination{
		Connection:   dest.Connection,
		ShareTargets: append([]string(nil), dest.ShareTargets...),
	})
}

// MarkAttempt records one delivery attempt at now.
func (w *WorkItem) MarkAttempt(now time.Time) {
	w.Attempts++
	w.LastAttempt = now
}

// RetryDue reports whether the item is eligible for another attempt:
// either it has never been attempted or the retry delay has elapsed.
func (w *WorkItem) RetryDue(now time.Time, retryDelay time.Duration) bool {
	if w.LastAttempt.IsZero() {
		return true
	}
	return !now.Before(w.LastAttempt.Add(retryDelay))
}

// Validate checks the fields required before an item may enter a queue.
func (w *WorkItem) Validate() error {
	if w.InstanceID == "" {
		return fmt.Errorf("work item %q: missing instance ID", w.ID)
	}
	if !w.Kind.Valid() {
		return fmt.Errorf("work item %s: unknown kind %q", w.InstanceID, w.Kind)
	}
	return nil
}

func (w *WorkItem) String() string {
	return fmt.Sprintf("%s/%s (%s, %s, from=%s, attempts=%d)",
		w.ID, w.InstanceID, w.Kind, w.Status, w.FromConnection, w.Attempts)
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			a = append(a, s)
		}
	}
	return a
}
