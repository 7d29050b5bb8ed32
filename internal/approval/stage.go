// Package approval holds the request workflow shared by lab bookings and
// component requests: stages, capacities, the transition table and the
// fan-in rule for multi-lab bookings.
package approval

// Stage is the top-level status of a booking or component request.
type Stage string

const (
	StagePendingMentor         Stage = "pending_mentor"
	StagePendingResourceOwner  Stage = "pending_resource_owner"
	StagePendingFinalAuthority Stage = "pending_final_authority"
	StageApproved              Stage = "approved"
	StageRejected              Stage = "rejected"
	StageWithdrawn             Stage = "withdrawn"
)

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StagePendingMentor, StagePendingResourceOwner, StagePendingFinalAuthority,
		StageApproved, StageRejected, StageWithdrawn:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Stage) Terminal() bool {
	return s == StageApproved || s == StageRejected || s == StageWithdrawn
}

// Pending reports whether s still waits on an approver.
func (s Stage) Pending() bool {
	return s == StagePendingMentor || s == StagePendingResourceOwner || s == StagePendingFinalAuthority
}

// Live reports whether a request in s still holds its slot.
func (s Stage) Live() bool {
	return s.Pending() || s == StageApproved
}

// LiveStages lists every stage that blocks a lab slot.
func LiveStages() []Stage {
	return []Stage{StagePendingMentor, StagePendingResourceOwner, StagePendingFinalAuthority, StageApproved}
}

// rank orders pending stages so rejection authority can be compared.
func (s Stage) rank() int {
	switch s {
	case StagePendingMentor:
		return 1
	case StagePendingResourceOwner:
		return 2
	case StagePendingFinalAuthority:
		return 3
	}
	return 0
}

// Role is the directory role of a user.
type Role string

const (
	RoleStudent             Role = "student"
	RoleFaculty             Role = "faculty"
	RoleLabIncharge         Role = "lab_incharge"
	RoleHOD                 Role = "hod"
	RoleResourceCoordinator Role = "resource_coordinator"
	RoleAdmin               Role = "admin"
)

// Valid reports whether r is a known directory role.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleFaculty, RoleLabIncharge, RoleHOD, RoleResourceCoordinator, RoleAdmin:
		return true
	}
	return false
}

// RequiresMentor reports whether requests raised by r start at the mentor stage.
func (r Role) RequiresMentor() bool {
	return r == RoleStudent
}

// IsFinalAuthority reports whether r is one of the two roles a department may
// name as its final approver.
func (r Role) IsFinalAuthority() bool {
	return r == RoleHOD || r == RoleResourceCoordinator
}

// Capacity is the standing an actor holds relative to one request. An actor
// can hold several capacities at once, for example a faculty member who is
// both the requester and the lab owner.
type Capacity uint8

const (
	CapacityRequester Capacity = 1 << iota
	CapacityMentor
	CapacityResourceOwner
	CapacityFinalAuthority
	CapacityAdmin
)

// Capacities is a set of Capacity flags.
type Capacities uint8

// Of builds a capacity set.
func Of(caps ...Capacity) Capacities {
	var set Capacities
	for _, c := range caps {
		set |= Capacities(c)
	}
	return set
}

// Has reports whether c is in the set.
func (s Capacities) Has(c Capacity) bool {
	return s&Capacities(c) != 0
}

// With returns the set with c added.
func (s Capacities) With(c Capacity) Capacities {
	return s | Capacities(c)
}

// Empty reports whether the set holds no capacity.
func (s Capacities) Empty() bool {
	return s == 0
}

func (c Capacity) String() string {
	switch c {
	case CapacityRequester:
		return "requester"
	case CapacityMentor:
		return "mentor"
	case CapacityResourceOwner:
		return "resource_owner"
	case CapacityFinalAuthority:
		return "final_authority"
	case CapacityAdmin:
		return "admin"
	}
	return "unknown"
}

// stageCapacity is the capacity bound to a pending stage.
func stageCapacity(s Stage) Capacity {
	switch s {
	case StagePendingMentor:
		return CapacityMentor
	case StagePendingResourceOwner:
		return CapacityResourceOwner
	case StagePendingFinalAuthority:
		return CapacityFinalAuthority
	}
	return 0
}

// Action is an actor decision routed through the machine.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionWithdraw Action = "withdraw"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionApprove || a == ActionReject || a == ActionWithdraw
}

// SubStatus is the state of one lab inside a multi-lab booking.
type SubStatus string

const (
	SubPending   SubStatus = "pending"
	SubApproved  SubStatus = "approved"
	SubRejected  SubStatus = "rejected"
	SubWithdrawn SubStatus = "withdrawn"
)

// Resolved reports whether the sub-approval has left pending.
func (s SubStatus) Resolved() bool {
	return s != SubPending
}

// Surviving reports whether the lab still takes part in the request.
func (s SubStatus) Surviving() bool {
	return s == SubPending || s == SubApproved
}
