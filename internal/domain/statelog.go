package domain

import (
	"fmt"
	"time"
)

// StateLogPayload is the tagged variant carried by a StateLogEvent.
// EventKind must be stable across releases: it is the persisted discriminator.
type StateLogPayload interface {
	EventKind() string
}

// Validator is implemented by payloads that can reject themselves before
// they enter the pending buffer.
type Validator interface {
	Validate() error
}

// StateLogEvent is an immutable mutation record for one agent.
type StateLogEvent struct {
	ID            string
	CorrelationID string
	CreatedAt     time.Time
	Version       int64 // assigned on confirm; 0 while pending
	Payload       StateLogPayload
}

// RecordedEvent is the encoded form of a StateLogEvent as held by an
// EventLogStore.
type RecordedEvent struct {
	AgentID       AgentID
	Version       int64
	Kind          string
	EventID       string
	CorrelationID string
	CreatedAt     time.Time
	Data          []byte
}

// Lineage event kinds. Every agent understands these.
const (
	KindChildRegistered   = "lineage.child_registered"
	KindChildUnregistered = "lineage.child_unregistered"
	KindParentSet         = "lineage.parent_set"
	KindParentCleared     = "lineage.parent_cleared"
)

// ChildRegistered adds Child to the agent's children.
type ChildRegistered struct {
	Child AgentID `json:"child" cbor:"child"`
}

func (ChildRegistered) EventKind() string { return KindChildRegistered }

func (e ChildRegistered) Validate() error { return requireAgent("child", e.Child) }

// ChildUnregistered removes Child from the agent's children.
type ChildUnregistered struct {
	Child AgentID `json:"child" cbor:"child"`
}

func (ChildUnregistered) EventKind() string { return KindChildUnregistered }

func (e ChildUnregistered) Validate() error { return requireAgent("child", e.Child) }

// ParentSet records Parent, replacing any previous parent.
type ParentSet struct {
	Parent AgentID `json:"parent" cbor:"parent"`
}

func (ParentSet) EventKind() string { return KindParentSet }

func (e ParentSet) Validate() error { return requireAgent("parent", e.Parent) }

// ParentCleared drops the parent edge if it still points at Parent.
type ParentCleared struct {
	Parent AgentID `json:"parent" cbor:"parent"`
}

func (ParentCleared) EventKind() string { return KindParentCleared }

func (e ParentCleared) Validate() error { return requireAgent("parent", e.Parent) }

// UnknownPayload stands in for a persisted kind this binary does not know.
// Applying it is a no-op.
type UnknownPayload struct {
	Kind string
	Data []byte
}

func (u UnknownPayload) EventKind() string { return u.Kind }

func requireAgent(field string, id AgentID) error {
	if id.IsZero() {
		return fmt.Errorf("%s is required: %w", field, ErrInvalidEvent)
	}
	return nil
}
