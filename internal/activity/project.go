package activity

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoSnapshot is returned when no entry carries a snapshot for the entity.
var ErrNoSnapshot = errors.New("activity: no snapshot recorded")

// Project rebuilds the last recorded state of an entity from its entries,
// which must be in Seq order. Entries without a snapshot (denied attempts)
// are skipped.
func Project[T any](entries []Entry) (T, error) {
	var zero T
	for i := len(entries) - 1; i >= 0; i-- {
		if len(entries[i].Snapshot) == 0 || entries[i].Action == ActionDenied {
			continue
		}
		var out T
		if err := json.Unmarshal(entries[i].Snapshot, &out); err != nil {
			return zero, fmt.Errorf("activity: decode snapshot %s: %w", entries[i].ID, err)
		}
		return out, nil
	}
	return zero, ErrNoSnapshot
}

// PriorTo returns the entries of entityID recorded before the transition
// transitionID, preserving order.
func PriorTo(entries []Entry, transitionID string) []Entry {
	for i, e := range entries {
		if e.TransitionID == transitionID {
			return entries[:i]
		}
	}
	return entries
}

// LastTransition returns the transition id of the most recent entry that is
// not a denied attempt.
func LastTransition(entries []Entry) (string, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Action != ActionDenied {
			return entries[i].TransitionID, true
		}
	}
	return "", false
}
