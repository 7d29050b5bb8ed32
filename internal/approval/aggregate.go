package approval

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownResource is returned when a sub decision names a lab outside
	// the request's membership.
	ErrUnknownResource = errors.New("approval: resource is not part of the request")
	// ErrSubResolved is returned when a sub decision targets a lab that
	// already left pending.
	ErrSubResolved = errors.New("approval: resource decision already recorded")
)

// SubApproval is the per-lab state of a multi-lab booking.
type SubApproval struct {
	ResourceID string
	Status     SubStatus
}

// Resolution is the fan-in verdict for a parent request.
type Resolution struct {
	// Next is the parent stage after the rule ran. Equal to the current stage
	// when nothing changes.
	Next Stage
	// Complete is true once no sub-approval is pending.
	Complete  bool
	Survivors []string
	Rejected  []string
	Withdrawn []string
}

// Changed reports whether the parent must move from current.
func (r Resolution) Changed(current Stage) bool {
	return r.Next != current
}

// Aggregate applies the fan-in and termination rules to a parent in stage
// current. Promotion happens only out of the resource owner stage and only
// when every lab has left pending. When no lab survives the parent ends
// withdrawn if every lab was withdrawn, rejected otherwise. Calling it again
// on an already promoted parent yields no change.
func Aggregate(current Stage, subs []SubApproval) Resolution {
	res := Resolution{Next: current}
	pending := 0
	for _, s := range subs {
		switch s.Status {
		case SubPending:
			pending++
		case SubApproved:
			res.Survivors = append(res.Survivors, s.ResourceID)
		case SubRejected:
			res.Rejected = append(res.Rejected, s.ResourceID)
		case SubWithdrawn:
			res.Withdrawn = append(res.Withdrawn, s.ResourceID)
		}
	}
	res.Complete = pending == 0

	if current.Terminal() || len(subs) == 0 {
		return res
	}

	if pending == 0 && len(res.Survivors) == 0 {
		if len(res.Rejected) == 0 {
			res.Next = StageWithdrawn
		} else {
			res.Next = StageRejected
		}
		return res
	}

	if current == StagePendingResourceOwner && pending == 0 {
		res.Next = StagePendingFinalAuthority
	}
	return res
}

// Apply returns subs with resourceID moved to status. Only pending labs can be
// approved or rejected; withdrawal is allowed from pending or approved.
func Apply(subs []SubApproval, resourceID string, status SubStatus) ([]SubApproval, error) {
	out := make([]SubApproval, len(subs))
	copy(out, subs)
	for i := range out {
		if out[i].ResourceID != resourceID {
			continue
		}
		cur := out[i].Status
		switch status {
		case SubWithdrawn:
			if !cur.Surviving() {
				return nil, fmt.Errorf("%w: %s is %s", ErrSubResolved, resourceID, cur)
			}
		case SubApproved, SubRejected:
			if cur != SubPending {
				return nil, fmt.Errorf("%w: %s is %s", ErrSubResolved, resourceID, cur)
			}
		default:
			return nil, fmt.Errorf("approval: cannot move %s to %s", resourceID, status)
		}
		out[i].Status = status
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resourceID)
}

// SubStatusFor maps a parent terminal stage onto its surviving labs so they
// stay in step with the parent.
func SubStatusFor(parent Stage) (SubStatus, bool) {
	switch parent {
	case StageRejected:
		return SubRejected, true
	case StageWithdrawn:
		return SubWithdrawn, true
	case StageApproved:
		return SubApproved, true
	}
	return "", false
}
