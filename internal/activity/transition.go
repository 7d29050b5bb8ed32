package activity

import (
	"context"
	"time"
)

// Record describes one entry to append within a transition.
type Record struct {
	EntityType  EntityType
	EntityID    string
	ResourceID  string
	Action      Action
	Description string
	// Snapshot is marshalled to JSON. Nil leaves the entry without one.
	Snapshot any
	// Actor credits the entry to someone other than the transition's actor,
	// for effects that complete an earlier decision.
	Actor *Actor
}

// Transition stamps the entries of one state change with a shared id, actor,
// origin and time. It is bound to the appender of the surrounding store
// transaction so entries commit or roll back with the state they describe.
type Transition struct {
	app     Appender
	id      string
	actor   Actor
	origin  Origin
	at      time.Time
	newID   func() string
	written []Entry
}

// Begin opens a transition. The request origin is read from ctx.
func Begin(ctx context.Context, app Appender, actor Actor, newID func() string, at time.Time) *Transition {
	return &Transition{
		app:    app,
		id:     newID(),
		actor:  actor,
		origin: OriginFromContext(ctx),
		at:     at.UTC(),
		newID:  newID,
	}
}

// ID returns the transition id shared by every entry it writes.
func (t *Transition) ID() string {
	return t.id
}

// Record appends one entry.
func (t *Transition) Record(ctx context.Context, r Record) error {
	e := Entry{
		ID:           t.newID(),
		EntityType:   r.EntityType,
		EntityID:     r.EntityID,
		ResourceID:   r.ResourceID,
		TransitionID: t.id,
		Actor:        t.actor,
		Action:       r.Action,
		Description:  r.Description,
		IP:           t.origin.IP,
		UserAgent:    t.origin.UserAgent,
		CreatedAt:    t.at,
	}
	if r.Actor != nil {
		e.Actor = *r.Actor
	}
	if r.Snapshot != nil {
		raw, err := Snapshot(r.Snapshot)
		if err != nil {
			return err
		}
		e.Snapshot = raw
	}
	stored, err := t.app.AppendActivity(ctx, e)
	if err != nil {
		return err
	}
	t.written = append(t.written, stored)
	return nil
}

// Entries returns what the transition has appended so far.
func (t *Transition) Entries() []Entry {
	out := make([]Entry, len(t.written))
	copy(out, t.written)
	return out
}
