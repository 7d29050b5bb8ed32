package testfixtures

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/persistence"
)

var userCounter uint64

var referenceTime = time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures. It
// falls on a Tuesday.
func ReferenceTime() time.Time {
	return referenceTime
}

// ReferenceDate returns the civil date days after ReferenceTime.
func ReferenceDate(days int) time.Time {
	y, m, d := referenceTime.AddDate(0, 0, days).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ----------------------------- User fixtures -----------------------------

// UserOption configures a generated user.
type UserOption func(*persistence.User)

// NewUser returns a deterministic student with optional overrides.
func NewUser(opts ...UserOption) persistence.User {
	idx := atomic.AddUint64(&userCounter, 1)
	id := fmt.Sprintf("user-%03d", idx)
	created := referenceTime.Add(time.Duration(idx) * time.Minute)
	u := persistence.User{
		ID:          id,
		Email:       id + "@example.edu",
		DisplayName: fmt.Sprintf("User %03d", idx),
		Role:        approval.RoleStudent,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

// WithUserID overrides the generated id and derives the email from it.
func WithUserID(id string) UserOption {
	return func(u *persistence.User) {
		u.ID = id
		u.Email = id + "@example.edu"
	}
}

// WithUserRole sets the directory role.
func WithUserRole(role approval.Role) UserOption {
	return func(u *persistence.User) {
		u.Role = role
	}
}

// WithUserDepartment sets the department.
func WithUserDepartment(dept string) UserOption {
	return func(u *persistence.User) {
		u.DepartmentID = dept
	}
}

// WithUserMentor assigns a mentor.
func WithUserMentor(mentorID string) UserOption {
	return func(u *persistence.User) {
		u.MentorID = &mentorID
	}
}

// WithUserPasswordHash sets the stored password hash.
func WithUserPasswordHash(hash string) UserOption {
	return func(u *persistence.User) {
		u.PasswordHash = hash
	}
}

// ----------------------------- Reference org -----------------------------

// Well-known identifiers of the reference organisation.
const (
	DeptCSE = "cse"
	DeptECE = "ece"

	StudentMentored   = "stu-1"
	StudentUnmentored = "stu-2"
	StudentECE        = "stu-e"
	Mentor            = "fac-1"
	FacultyOther      = "fac-2"
	FacultyECE        = "fac-e"
	OwnerA            = "owner-a"
	OwnerB            = "owner-b"
	OwnerC            = "owner-c"
	OwnerECE          = "owner-e"
	HODCSE            = "hod-cse"
	CoordinatorCSE    = "rc-cse"
	HODECE            = "hod-ece"
	CoordinatorECE    = "rc-ece"
	Admin             = "admin"

	LabA   = "lab-a"
	LabB   = "lab-b"
	LabC   = "lab-c"
	LabECE = "lab-e"

	ComponentArduino = "comp-arduino"
	ComponentSensor  = "comp-sensor"
	ComponentScope   = "comp-scope"
)

// Org is the reference organisation: CSE names its HOD as final authority,
// ECE names its resource coordinator.
type Org struct {
	Departments map[string]persistence.Department
	Users       map[string]persistence.User
	Labs        map[string]persistence.Lab
	Components  map[string]persistence.Component
}

// User returns a reference user or fails the test.
func (o Org) User(tb testing.TB, id string) persistence.User {
	tb.Helper()
	u, ok := o.Users[id]
	if !ok {
		tb.Fatalf("unknown fixture user %q", id)
	}
	return u
}

// NewOrg builds the reference organisation without storing it.
func NewOrg() Org {
	org := Org{
		Departments: map[string]persistence.Department{
			DeptCSE: {ID: DeptCSE, Name: "Computer Science", FinalAuthorityRole: approval.RoleHOD},
			DeptECE: {ID: DeptECE, Name: "Electronics", FinalAuthorityRole: approval.RoleResourceCoordinator},
		},
		Users:      map[string]persistence.User{},
		Labs:       map[string]persistence.Lab{},
		Components: map[string]persistence.Component{},
	}

	add := func(id string, role approval.Role, dept string, opts ...UserOption) {
		base := []UserOption{WithUserID(id), WithUserRole(role), WithUserDepartment(dept)}
		u := NewUser(append(base, opts...)...)
		u.DisplayName = id
		org.Users[id] = u
	}
	add(Mentor, approval.RoleFaculty, DeptCSE)
	add(FacultyOther, approval.RoleFaculty, DeptCSE)
	add(StudentMentored, approval.RoleStudent, DeptCSE, WithUserMentor(Mentor))
	add(StudentUnmentored, approval.RoleStudent, DeptCSE)
	add(OwnerA, approval.RoleLabIncharge, DeptCSE)
	add(OwnerB, approval.RoleLabIncharge, DeptCSE)
	add(OwnerC, approval.RoleLabIncharge, DeptCSE)
	add(HODCSE, approval.RoleHOD, DeptCSE)
	add(CoordinatorCSE, approval.RoleResourceCoordinator, DeptCSE)
	add(FacultyECE, approval.RoleFaculty, DeptECE)
	add(StudentECE, approval.RoleStudent, DeptECE, WithUserMentor(FacultyECE))
	add(OwnerECE, approval.RoleLabIncharge, DeptECE)
	add(HODECE, approval.RoleHOD, DeptECE)
	add(CoordinatorECE, approval.RoleResourceCoordinator, DeptECE)
	add(Admin, approval.RoleAdmin, DeptCSE)

	for _, l := range []persistence.Lab{
		{ID: LabA, Name: "Embedded Lab", DepartmentID: DeptCSE, OwnerID: OwnerA, Capacity: 30},
		{ID: LabB, Name: "Networks Lab", DepartmentID: DeptCSE, OwnerID: OwnerB, Capacity: 24},
		{ID: LabC, Name: "Robotics Lab", DepartmentID: DeptCSE, OwnerID: OwnerC, Capacity: 16},
		{ID: LabECE, Name: "Signals Lab", DepartmentID: DeptECE, OwnerID: OwnerECE, Capacity: 20},
	} {
		org.Labs[l.ID] = l
	}

	for _, c := range []persistence.Component{
		{ID: ComponentArduino, Name: "Arduino Uno", LabID: LabA, OwnerID: OwnerA, QuantityTotal: 10},
		{ID: ComponentSensor, Name: "Ultrasonic Sensor", LabID: LabA, OwnerID: OwnerA, QuantityTotal: 3},
		{ID: ComponentScope, Name: "Oscilloscope", LabID: LabECE, OwnerID: OwnerECE, QuantityTotal: 2},
	} {
		c.QuantityAvailable = c.QuantityTotal
		org.Components[c.ID] = c
	}
	return org
}

// SeedOrg stores the reference organisation and returns it.
func SeedOrg(tb testing.TB, repo persistence.DirectoryRepository) Org {
	tb.Helper()
	ctx := context.Background()
	org := NewOrg()

	for _, id := range []string{DeptCSE, DeptECE} {
		if err := repo.UpsertDepartment(ctx, org.Departments[id]); err != nil {
			tb.Fatalf("seed department %s: %v", id, err)
		}
	}
	for id, u := range org.Users {
		if err := repo.UpsertUser(ctx, u); err != nil {
			tb.Fatalf("seed user %s: %v", id, err)
		}
	}
	for id, l := range org.Labs {
		if err := repo.UpsertLab(ctx, l); err != nil {
			tb.Fatalf("seed lab %s: %v", id, err)
		}
	}
	for id, c := range org.Components {
		if err := repo.UpsertComponent(ctx, c); err != nil {
			tb.Fatalf("seed component %s: %v", id, err)
		}
	}
	return org
}
