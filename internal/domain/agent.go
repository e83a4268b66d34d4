package domain

import (
	"fmt"
	"slices"
	"strings"
)

// AgentID identifies an agent as "<kind>/<key>". The kind selects the
// activator that knows how to rebuild the agent; the key is unique per kind.
type AgentID string

// NewAgentID joins kind and key into an AgentID.
func NewAgentID(kind, key string) AgentID {
	return AgentID(kind + "/" + key)
}

// ParseAgentID validates s and returns it as an AgentID.
func ParseAgentID(s string) (AgentID, error) {
	kind, key, ok := strings.Cut(s, "/")
	if !ok || kind == "" || key == "" {
		return "", fmt.Errorf("agent id %q: %w", s, ErrInvalidInput)
	}
	return AgentID(s), nil
}

// Kind returns the kind segment of the id.
func (id AgentID) Kind() string {
	kind, _, _ := strings.Cut(string(id), "/")
	return kind
}

// Key returns the key segment of the id.
func (id AgentID) Key() string {
	_, key, _ := strings.Cut(string(id), "/")
	return key
}

// IsZero reports whether the id is empty.
func (id AgentID) IsZero() bool { return id == "" }

func (id AgentID) String() string { return string(id) }

// Lineage is the subscription-graph part of every agent's state.
// Children is ordered by registration and never holds duplicates.
type Lineage struct {
	Parent   AgentID   `json:"parent,omitempty" cbor:"parent,omitempty"`
	Children []AgentID `json:"children,omitempty" cbor:"children,omitempty"`
}

// HasParent reports whether a parent edge is recorded.
func (l Lineage) HasParent() bool { return !l.Parent.IsZero() }

// HasChild reports whether id is a registered child.
func (l Lineage) HasChild(id AgentID) bool {
	return slices.Contains(l.Children, id)
}

// Clone returns a copy that shares no memory with l.
func (l Lineage) Clone() Lineage {
	return Lineage{Parent: l.Parent, Children: slices.Clone(l.Children)}
}

func (l *Lineage) addChild(id AgentID) {
	if !l.HasChild(id) {
		l.Children = append(l.Children, id)
	}
}

func (l *Lineage) removeChild(id AgentID) {
	l.Children = slices.DeleteFunc(l.Children, func(c AgentID) bool { return c == id })
}

// ApplyLineage applies a lineage payload to l. It returns false when the
// payload is not a lineage event so callers can route it elsewhere.
func (l *Lineage) ApplyLineage(p StateLogPayload) bool {
	switch ev := p.(type) {
	case ChildRegistered:
		l.addChild(ev.Child)
	case ChildUnregistered:
		l.removeChild(ev.Child)
	case ParentSet:
		l.Parent = ev.Parent
	case ParentCleared:
		if l.Parent == ev.Parent {
			l.Parent = ""
		}
	default:
		return false
	}
	return true
}
