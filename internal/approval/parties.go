package approval

import "slices"

// Actor is the directory view of whoever is acting on a request.
type Actor struct {
	ID           string
	Role         Role
	DepartmentID string
}

// Parties names everyone who holds standing on one request.
type Parties struct {
	RequesterID           string
	RequesterDepartmentID string
	// MentorID is the requester's assigned mentor. When empty any faculty
	// member of the requester's department may sign the mentor stage.
	MentorID string
	// OwnerIDs are the owners of the labs (or component lab) the actor may
	// decide for.
	OwnerIDs []string
	// DepartmentID owns the targeted resources.
	DepartmentID string
	// FinalAuthority is the department-configured final approver role.
	FinalAuthority Role
}

// Resolve computes the capacities actor holds on a request. The final
// authority capacity comes from the department policy only, never from the
// actor's rank; admin is the single override.
func Resolve(actor Actor, p Parties) Capacities {
	var held Capacities
	if actor.ID == "" {
		return held
	}
	if actor.ID == p.RequesterID {
		held = held.With(CapacityRequester)
	}
	if actor.ID != p.RequesterID {
		switch {
		case p.MentorID != "" && actor.ID == p.MentorID:
			held = held.With(CapacityMentor)
		case p.MentorID == "" && actor.Role == RoleFaculty && actor.DepartmentID == p.RequesterDepartmentID:
			held = held.With(CapacityMentor)
		}
	}
	if slices.Contains(p.OwnerIDs, actor.ID) {
		held = held.With(CapacityResourceOwner)
	}
	if p.FinalAuthority.IsFinalAuthority() && actor.Role == p.FinalAuthority && actor.DepartmentID == p.DepartmentID {
		held = held.With(CapacityFinalAuthority)
	}
	if actor.Role == RoleAdmin {
		held = held.With(CapacityAdmin)
	}
	return held
}
