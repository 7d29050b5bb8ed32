package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/persistence"
	"github.com/example/labreserve/internal/scheduler"
)

// DepartmentInput describes one department to import.
type DepartmentInput struct {
	ID                 string
	Name               string
	FinalAuthorityRole string
}

// UserInput describes one account. Password is hashed on import; a
// PasswordHash already in argon2id form is stored as is.
type UserInput struct {
	ID           string
	Email        string
	DisplayName  string
	Role         string
	DepartmentID string
	MentorID     string
	Password     string
	PasswordHash string
	Disabled     bool
}

// LabInput describes one lab.
type LabInput struct {
	ID           string
	Name         string
	DepartmentID string
	OwnerID      string
	Capacity     int
}

// ComponentInput describes one stocked component. The owner defaults to the
// owner of its lab.
type ComponentInput struct {
	ID       string
	Name     string
	LabID    string
	OwnerID  string
	Quantity int
}

// TimetableInput describes one weekly slot with clock times as HH:MM and
// dates as YYYY-MM-DD.
type TimetableInput struct {
	ID         string
	LabID      string
	Label      string
	Weekday    string
	Start      string
	End        string
	ValidFrom  string
	ValidUntil string
}

// DirectoryInput is a complete directory snapshot.
type DirectoryInput struct {
	Departments []DepartmentInput
	Users       []UserInput
	Labs        []LabInput
	Components  []ComponentInput
	Timetable   []TimetableInput
}

// ImportSummary counts what an import wrote.
type ImportSummary struct {
	Departments int
	Users       int
	Labs        int
	Components  int
	Timetable   int
}

// DirectoryService maintains the organisation directory the workflows read.
type DirectoryService struct {
	deps   Dependencies
	params Argon2idParams
}

// NewDirectoryService wires dependencies for directory maintenance.
func NewDirectoryService(deps Dependencies, params Argon2idParams) *DirectoryService {
	if params.KeyLength == 0 {
		params = DefaultArgon2idParams
	}
	return &DirectoryService{deps: deps.withDefaults(), params: params}
}

func (s *DirectoryService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.deps.Logger, "DirectoryService", operation, attrs...)
}

// Import validates in and upserts every record in one transaction. References
// may point at records in the same input or already stored.
func (s *DirectoryService) Import(ctx context.Context, in DirectoryInput) (summary ImportSummary, err error) {
	if s == nil {
		err = fmt.Errorf("DirectoryService is nil")
		return
	}
	logger := s.loggerWith(ctx, "Import")
	defer func() {
		logOutcome(ctx, logger, err, "directory imported",
			"departments", summary.Departments,
			"users", summary.Users,
			"labs", summary.Labs,
			"components", summary.Components,
			"timetable", summary.Timetable,
		)
	}()

	vErr := &ValidationError{}
	departments := make([]persistence.Department, 0, len(in.Departments))
	for i, d := range in.Departments {
		dept, fe := normalizeDepartment(d)
		vErr.merge(prefixed(fmt.Sprintf("departments[%d]", i), fe))
		departments = append(departments, dept)
	}
	users := make([]persistence.User, 0, len(in.Users))
	for i, u := range in.Users {
		user, fe := s.normalizeUser(u)
		vErr.merge(prefixed(fmt.Sprintf("users[%d]", i), fe))
		users = append(users, user)
	}
	labs := make([]persistence.Lab, 0, len(in.Labs))
	for i, l := range in.Labs {
		lab, fe := normalizeLab(l)
		vErr.merge(prefixed(fmt.Sprintf("labs[%d]", i), fe))
		labs = append(labs, lab)
	}
	components := make([]persistence.Component, 0, len(in.Components))
	for i, c := range in.Components {
		comp, fe := normalizeComponent(c)
		vErr.merge(prefixed(fmt.Sprintf("components[%d]", i), fe))
		components = append(components, comp)
	}
	slots := make([]persistence.TimetableSlot, 0, len(in.Timetable))
	for i, t := range in.Timetable {
		slot, fe := normalizeSlot(t)
		vErr.merge(prefixed(fmt.Sprintf("timetable[%d]", i), fe))
		slots = append(slots, slot)
	}
	if vErr.HasErrors() {
		err = vErr
		return
	}

	now := s.deps.Now().UTC()
	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		refs := newDirectoryRefs(tx)
		for _, d := range departments {
			d.CreatedAt, d.UpdatedAt = now, now
			if err := tx.UpsertDepartment(ctx, d); err != nil {
				return fmt.Errorf("upsert department %s: %w", d.ID, err)
			}
			refs.departments[d.ID] = true
		}
		for _, u := range users {
			refs.users[u.ID] = u
		}
		for i, u := range users {
			if err := refs.checkUser(ctx, u); err != nil {
				return qualify(fmt.Sprintf("users[%d]", i), err)
			}
			u.CreatedAt, u.UpdatedAt = now, now
			if err := tx.UpsertUser(ctx, u); err != nil {
				return mapDirectoryError(err, fmt.Sprintf("users[%d]", i), "email", "email is already in use")
			}
		}
		for i, l := range labs {
			if err := refs.checkLab(ctx, l); err != nil {
				return qualify(fmt.Sprintf("labs[%d]", i), err)
			}
			l.CreatedAt, l.UpdatedAt = now, now
			if err := tx.UpsertLab(ctx, l); err != nil {
				return fmt.Errorf("upsert lab %s: %w", l.ID, err)
			}
			refs.labs[l.ID] = l
		}
		for i, c := range components {
			lab, err := refs.lab(ctx, c.LabID)
			if err != nil {
				return qualify(fmt.Sprintf("components[%d]", i), err)
			}
			if c.OwnerID == "" {
				c.OwnerID = lab.OwnerID
			}
			c.UpdatedAt = now
			if err := tx.UpsertComponent(ctx, c); err != nil {
				return mapDirectoryError(err, fmt.Sprintf("components[%d]", i), "quantity", "quantity is below the amount on loan")
			}
		}
		for i, slot := range slots {
			if _, err := refs.lab(ctx, slot.LabID); err != nil {
				return qualify(fmt.Sprintf("timetable[%d]", i), err)
			}
			if err := tx.UpsertTimetableSlot(ctx, slot); err != nil {
				return fmt.Errorf("upsert timetable slot %s: %w", slot.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return
	}

	if p, ok := s.deps.Policy.(*DirectoryPolicy); ok && len(departments) > 0 {
		p.Invalidate()
	}
	summary = ImportSummary{
		Departments: len(departments),
		Users:       len(users),
		Labs:        len(labs),
		Components:  len(components),
		Timetable:   len(slots),
	}
	return
}

func normalizeDepartment(in DepartmentInput) (persistence.Department, *ValidationError) {
	vErr := &ValidationError{}
	d := persistence.Department{
		ID:                 strings.TrimSpace(in.ID),
		Name:               strings.TrimSpace(in.Name),
		FinalAuthorityRole: approval.Role(strings.TrimSpace(in.FinalAuthorityRole)),
	}
	if d.ID == "" {
		vErr.add("id", "id is required")
	}
	if d.Name == "" {
		vErr.add("name", "name is required")
	}
	if !d.FinalAuthorityRole.IsFinalAuthority() {
		vErr.add("final_authority_role", "must be hod or resource_coordinator")
	}
	return d, vErr
}

func (s *DirectoryService) normalizeUser(in UserInput) (persistence.User, *ValidationError) {
	vErr := &ValidationError{}
	u := persistence.User{
		ID:           strings.TrimSpace(in.ID),
		Email:        strings.ToLower(strings.TrimSpace(in.Email)),
		DisplayName:  strings.TrimSpace(in.DisplayName),
		Role:         approval.Role(strings.TrimSpace(in.Role)),
		DepartmentID: strings.TrimSpace(in.DepartmentID),
		Disabled:     in.Disabled,
	}
	if mentor := strings.TrimSpace(in.MentorID); mentor != "" {
		u.MentorID = &mentor
	}
	if u.ID == "" {
		vErr.add("id", "id is required")
	}
	if u.Email == "" {
		vErr.add("email", "email is required")
	} else if _, err := mail.ParseAddress(u.Email); err != nil {
		vErr.add("email", "email is invalid")
	}
	if u.DisplayName == "" {
		vErr.add("display_name", "display name is required")
	}
	if !u.Role.Valid() {
		vErr.add("role", fmt.Sprintf("unknown role %q", u.Role))
	}
	if u.DepartmentID == "" {
		vErr.add("department_id", "department is required")
	}
	if u.MentorID != nil && *u.MentorID == u.ID {
		vErr.add("mentor_id", "a user cannot mentor themselves")
	}

	switch {
	case in.PasswordHash != "":
		if _, err := ParsePasswordHash(in.PasswordHash); err != nil {
			vErr.add("password_hash", err.Error())
			break
		}
		u.PasswordHash = in.PasswordHash
	case in.Password != "":
		hash, err := CreatePasswordHash(in.Password, s.params)
		if err != nil {
			vErr.add("password", "could not hash password")
			break
		}
		u.PasswordHash = hash
	default:
		vErr.add("password", "password is required")
	}
	return u, vErr
}

func normalizeLab(in LabInput) (persistence.Lab, *ValidationError) {
	vErr := &ValidationError{}
	l := persistence.Lab{
		ID:           strings.TrimSpace(in.ID),
		Name:         strings.TrimSpace(in.Name),
		DepartmentID: strings.TrimSpace(in.DepartmentID),
		OwnerID:      strings.TrimSpace(in.OwnerID),
		Capacity:     in.Capacity,
	}
	if l.ID == "" {
		vErr.add("id", "id is required")
	}
	if l.Name == "" {
		vErr.add("name", "name is required")
	}
	if l.Capacity < 0 {
		vErr.add("capacity", "capacity must not be negative")
	}
	return l, vErr
}

func normalizeComponent(in ComponentInput) (persistence.Component, *ValidationError) {
	vErr := &ValidationError{}
	c := persistence.Component{
		ID:                strings.TrimSpace(in.ID),
		Name:              strings.TrimSpace(in.Name),
		LabID:             strings.TrimSpace(in.LabID),
		OwnerID:           strings.TrimSpace(in.OwnerID),
		QuantityTotal:     in.Quantity,
		QuantityAvailable: in.Quantity,
	}
	if c.ID == "" {
		vErr.add("id", "id is required")
	}
	if c.Name == "" {
		vErr.add("name", "name is required")
	}
	if c.LabID == "" {
		vErr.add("lab_id", "lab is required")
	}
	if c.QuantityTotal < 0 {
		vErr.add("quantity", "quantity must not be negative")
	}
	return c, vErr
}

func normalizeSlot(in TimetableInput) (persistence.TimetableSlot, *ValidationError) {
	vErr := &ValidationError{}
	slot := persistence.TimetableSlot{
		ID:    strings.TrimSpace(in.ID),
		LabID: strings.TrimSpace(in.LabID),
		Label: strings.TrimSpace(in.Label),
	}
	if slot.ID == "" {
		vErr.add("id", "id is required")
	}
	if slot.LabID == "" {
		vErr.add("lab_id", "lab is required")
	}
	weekday, ok := parseWeekday(in.Weekday)
	if !ok {
		vErr.add("weekday", fmt.Sprintf("unknown weekday %q", in.Weekday))
	}
	slot.Weekday = weekday

	start, err := scheduler.ParseClock(in.Start)
	if err != nil {
		vErr.add("start", err.Error())
	}
	end, err := scheduler.ParseClock(in.End)
	if err != nil {
		vErr.add("end", err.Error())
	}
	if !vErr.HasErrors() && start >= end {
		vErr.add("end", "end must be after start")
	}
	slot.StartMinute, slot.EndMinute = start, end

	from, err := scheduler.ParseDate(in.ValidFrom)
	if err != nil {
		vErr.add("valid_from", err.Error())
	}
	slot.ValidFrom = from
	if in.ValidUntil != "" {
		until, err := scheduler.ParseDate(in.ValidUntil)
		switch {
		case err != nil:
			vErr.add("valid_until", err.Error())
		case until.Before(from):
			vErr.add("valid_until", "valid_until must not precede valid_from")
		default:
			slot.ValidUntil = &until
		}
	}
	return slot, vErr
}

func parseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, true
		}
	}
	return time.Sunday, false
}

// prefixed qualifies every field of a validation error with the record it
// came from.
func prefixed(prefix string, vErr *ValidationError) *ValidationError {
	if !vErr.HasErrors() {
		return nil
	}
	out := &ValidationError{}
	for field, msg := range vErr.FieldErrors {
		out.add(prefix+"."+field, msg)
	}
	return out
}

// qualify prefixes validation errors and passes other failures through.
func qualify(prefix string, err error) error {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return prefixed(prefix, vErr)
	}
	return err
}

func mapDirectoryError(err error, record, field, msg string) error {
	switch {
	case errors.Is(err, persistence.ErrDuplicate), errors.Is(err, persistence.ErrConstraintViolation):
		return validationFor(record+"."+field, msg)
	}
	return fmt.Errorf("%s: %w", record, err)
}

// directoryRefs resolves references against the records imported so far and
// then the store.
type directoryRefs struct {
	q           persistence.Queries
	departments map[string]bool
	users       map[string]persistence.User
	labs        map[string]persistence.Lab
}

func newDirectoryRefs(q persistence.Queries) *directoryRefs {
	return &directoryRefs{
		q:           q,
		departments: make(map[string]bool),
		users:       make(map[string]persistence.User),
		labs:        make(map[string]persistence.Lab),
	}
}

func (r *directoryRefs) department(ctx context.Context, id string) error {
	if r.departments[id] {
		return nil
	}
	if _, err := r.q.GetDepartment(ctx, id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return validationFor("department_id", fmt.Sprintf("unknown department %q", id))
		}
		return err
	}
	r.departments[id] = true
	return nil
}

func (r *directoryRefs) user(ctx context.Context, id string) (persistence.User, error) {
	if u, ok := r.users[id]; ok {
		return u, nil
	}
	u, err := r.q.GetUser(ctx, id)
	if err != nil {
		return persistence.User{}, err
	}
	r.users[id] = u
	return u, nil
}

func (r *directoryRefs) lab(ctx context.Context, id string) (persistence.Lab, error) {
	if l, ok := r.labs[id]; ok {
		return l, nil
	}
	l, err := r.q.GetLab(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return persistence.Lab{}, validationFor("lab_id", fmt.Sprintf("unknown lab %q", id))
		}
		return persistence.Lab{}, err
	}
	r.labs[id] = l
	return l, nil
}

// checkUser requires the department to exist and a mentor to be faculty of
// the same department.
func (r *directoryRefs) checkUser(ctx context.Context, u persistence.User) error {
	if err := r.department(ctx, u.DepartmentID); err != nil {
		return err
	}
	if u.MentorID == nil {
		return nil
	}
	mentor, err := r.user(ctx, *u.MentorID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return validationFor("mentor_id", fmt.Sprintf("unknown mentor %q", *u.MentorID))
		}
		return err
	}
	if mentor.Role != approval.RoleFaculty {
		return validationFor("mentor_id", "mentor must be faculty")
	}
	if mentor.DepartmentID != u.DepartmentID {
		return validationFor("mentor_id", "mentor must belong to the same department")
	}
	return nil
}

func (r *directoryRefs) checkLab(ctx context.Context, l persistence.Lab) error {
	if err := r.department(ctx, l.DepartmentID); err != nil {
		return err
	}
	if _, err := r.user(ctx, l.OwnerID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return validationFor("owner_id", fmt.Sprintf("unknown owner %q", l.OwnerID))
		}
		return err
	}
	return nil
}
