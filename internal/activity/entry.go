// Package activity is the append-only audit trail. Every accepted transition
// writes an Entry carrying a full JSON snapshot of the entity, so history
// survives even when the live row does not.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EntityType names the aggregate an entry belongs to.
type EntityType string

const (
	EntityBooking          EntityType = "booking"
	EntityComponentRequest EntityType = "component_request"
	EntityLoan             EntityType = "loan"
)

// Action is what happened to the entity.
type Action string

const (
	ActionCreated            Action = "created"
	ActionApproved           Action = "approved"
	ActionRejected           Action = "rejected"
	ActionWithdrawn          Action = "withdrawn"
	ActionResourceApproved   Action = "resource_approved"
	ActionResourceRejected   Action = "resource_rejected"
	ActionResourceWithdrawn  Action = "resource_withdrawn"
	ActionPromoted           Action = "promoted"
	ActionIssued             Action = "issued"
	ActionIssueDeclined      Action = "issue_declined"
	ActionReturnRequested    Action = "return_requested"
	ActionReturned           Action = "returned"
	ActionExtensionRequested Action = "extension_requested"
	ActionExtensionApproved  Action = "extension_approved"
	ActionExtensionRejected  Action = "extension_rejected"
	ActionDenied             Action = "denied"
	ActionUndo               Action = "undo"
)

// Decision reports whether a is a workflow decision an administrator may undo.
func (a Action) Decision() bool {
	switch a {
	case ActionApproved, ActionRejected, ActionWithdrawn,
		ActionResourceApproved, ActionResourceRejected, ActionResourceWithdrawn, ActionPromoted:
		return true
	}
	return false
}

// Actor identifies who caused an entry. The fields are copied, not joined,
// so entries stay readable after directory changes.
type Actor struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Entry is one immutable audit record.
type Entry struct {
	ID string `json:"id"`
	// Seq is assigned by the store and strictly increases with insertion order.
	Seq        int64      `json:"seq"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	ResourceID string     `json:"resource_id,omitempty"`
	// TransitionID groups the entries written by one transition, such as the
	// per-lab entries of a final decision on a multi-lab booking.
	TransitionID string          `json:"transition_id"`
	Actor        Actor           `json:"actor"`
	Action       Action          `json:"action"`
	Description  string          `json:"description,omitempty"`
	Snapshot     json.RawMessage `json:"snapshot,omitempty"`
	IP           string          `json:"ip,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Filter narrows a log scan. Zero fields match everything.
type Filter struct {
	EntityType EntityType
	EntityID   string
	ResourceID string
	ActorID    string
	Action     Action
	From       *time.Time
	Until      *time.Time
}

// Matches reports whether e satisfies f. Stores push the same predicate down
// into SQL; this is the reference used by in-memory readers and tests.
func (f Filter) Matches(e Entry) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.ActorID != "" && e.Actor.ID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.Until != nil && !e.CreatedAt.Before(*f.Until) {
		return false
	}
	return true
}

// Appender writes entries. Implementations must assign Seq and never expose
// an update or delete path.
type Appender interface {
	AppendActivity(ctx context.Context, e Entry) (Entry, error)
}

// Reader scans entries in Seq order starting strictly after afterSeq.
type Reader interface {
	ListActivity(ctx context.Context, f Filter, afterSeq int64, limit int) ([]Entry, error)
}

// Snapshot marshals v for storage in an entry.
func Snapshot(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("activity: snapshot: %w", err)
	}
	return raw, nil
}

// Origin is the network origin of the request that caused an entry.
type Origin struct {
	IP        string
	UserAgent string
}

type originKey struct{}

// ContextWithOrigin stores the request origin for entries written downstream.
func ContextWithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFromContext returns the origin stored by ContextWithOrigin.
func OriginFromContext(ctx context.Context) Origin {
	if ctx == nil {
		return Origin{}
	}
	o, _ := ctx.Value(originKey{}).(Origin)
	return o
}
