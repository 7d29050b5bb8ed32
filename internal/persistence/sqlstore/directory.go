package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/persistence"
)

// UpsertDepartment inserts or replaces a department.
func (q *queries) UpsertDepartment(ctx context.Context, d persistence.Department) error {
	if d.ID == "" {
		return persistence.ErrConstraintViolation
	}
	now := time.Now().UTC()
	_, err := q.exec(ctx, `
		INSERT INTO departments (id, name, final_authority_role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			final_authority_role = excluded.final_authority_role,
			updated_at = excluded.updated_at`,
		d.ID, d.Name, string(d.FinalAuthorityRole), encodeTime(now), encodeTime(now),
	)
	return err
}

// GetDepartment loads one department.
func (q *queries) GetDepartment(ctx context.Context, id string) (persistence.Department, error) {
	var (
		d                    persistence.Department
		role                 string
		createdAt, updatedAt string
	)
	err := q.queryRow(ctx, `
		SELECT id, name, final_authority_role, created_at, updated_at
		FROM departments WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &role, &createdAt, &updatedAt)
	if err != nil {
		return persistence.Department{}, q.scanErr(err)
	}
	var ts timeScan
	d.FinalAuthorityRole = approval.Role(role)
	d.CreatedAt = ts.at(createdAt)
	d.UpdatedAt = ts.at(updatedAt)
	return d, ts.err
}

const userColumns = `id, email, display_name, role, department_id, mentor_id, password_hash, disabled, created_at, updated_at`

// UpsertUser inserts or replaces a user. Emails are stored lower-cased.
func (q *queries) UpsertUser(ctx context.Context, u persistence.User) error {
	if u.ID == "" || u.Email == "" {
		return persistence.ErrConstraintViolation
	}
	now := time.Now().UTC()
	_, err := q.exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			display_name = excluded.display_name,
			role = excluded.role,
			department_id = excluded.department_id,
			mentor_id = excluded.mentor_id,
			password_hash = CASE WHEN excluded.password_hash = '' THEN users.password_hash ELSE excluded.password_hash END,
			disabled = excluded.disabled,
			updated_at = excluded.updated_at`,
		u.ID,
		strings.ToLower(strings.TrimSpace(u.Email)),
		u.DisplayName,
		string(u.Role),
		nullString(u.DepartmentID),
		nullStringPtr(u.MentorID),
		u.PasswordHash,
		boolInt(u.Disabled),
		encodeTime(now),
		encodeTime(now),
	)
	return err
}

// GetUser loads one user.
func (q *queries) GetUser(ctx context.Context, id string) (persistence.User, error) {
	return q.scanUser(q.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetUserByEmail loads a user by case-insensitive email.
func (q *queries) GetUserByEmail(ctx context.Context, email string) (persistence.User, error) {
	return q.scanUser(q.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email))))
}

// ListUsersByRole lists enabled users holding role. An empty departmentID
// matches every department.
func (q *queries) ListUsersByRole(ctx context.Context, departmentID string, role approval.Role) ([]persistence.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE role = ? AND disabled = 0`
	args := []any{string(role)}
	if departmentID != "" {
		query += ` AND department_id = ?`
		args = append(args, departmentID)
	}
	rows, err := q.query(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []persistence.User
	for rows.Next() {
		u, err := q.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, q.dialect.MapError(err)
	}
	return users, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (q *queries) scanUser(row rowScanner) (persistence.User, error) {
	var (
		u                    persistence.User
		role                 string
		dept, mentor         sql.NullString
		disabled             int
		createdAt, updatedAt string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &role, &dept, &mentor,
		&u.PasswordHash, &disabled, &createdAt, &updatedAt); err != nil {
		return persistence.User{}, q.scanErr(err)
	}
	var ts timeScan
	u.Role = approval.Role(role)
	u.DepartmentID = dept.String
	u.MentorID = stringPtr(mentor)
	u.Disabled = disabled != 0
	u.CreatedAt = ts.at(createdAt)
	u.UpdatedAt = ts.at(updatedAt)
	return u, ts.err
}

// UpsertLab inserts or replaces a lab.
func (q *queries) UpsertLab(ctx context.Context, l persistence.Lab) error {
	if l.ID == "" || l.DepartmentID == "" || l.OwnerID == "" {
		return persistence.ErrConstraintViolation
	}
	now := time.Now().UTC()
	_, err := q.exec(ctx, `
		INSERT INTO labs (id, name, department_id, owner_id, capacity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			department_id = excluded.department_id,
			owner_id = excluded.owner_id,
			capacity = excluded.capacity,
			updated_at = excluded.updated_at`,
		l.ID, l.Name, l.DepartmentID, l.OwnerID, l.Capacity, encodeTime(now), encodeTime(now),
	)
	return err
}

// GetLab loads one lab.
func (q *queries) GetLab(ctx context.Context, id string) (persistence.Lab, error) {
	var (
		l                    persistence.Lab
		createdAt, updatedAt string
	)
	err := q.queryRow(ctx, `
		SELECT id, name, department_id, owner_id, capacity, created_at, updated_at
		FROM labs WHERE id = ?`, id,
	).Scan(&l.ID, &l.Name, &l.DepartmentID, &l.OwnerID, &l.Capacity, &createdAt, &updatedAt)
	if err != nil {
		return persistence.Lab{}, q.scanErr(err)
	}
	var ts timeScan
	l.CreatedAt = ts.at(createdAt)
	l.UpdatedAt = ts.at(updatedAt)
	return l, ts.err
}

// UpsertComponent inserts a component or changes its total. Availability
// moves by the same delta as the total so stock already on loan stays
// accounted for; the table CHECK rejects a total below what is out.
func (q *queries) UpsertComponent(ctx context.Context, c persistence.Component) error {
	if c.ID == "" || c.LabID == "" || c.OwnerID == "" || c.QuantityTotal < 0 {
		return persistence.ErrConstraintViolation
	}
	_, err := q.exec(ctx, `
		INSERT INTO components (id, name, lab_id, owner_id, quantity_total, quantity_available, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			lab_id = excluded.lab_id,
			owner_id = excluded.owner_id,
			quantity_available = components.quantity_available + (excluded.quantity_total - components.quantity_total),
			quantity_total = excluded.quantity_total,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.LabID, c.OwnerID, c.QuantityTotal, c.QuantityTotal, encodeTime(time.Now().UTC()),
	)
	return err
}

// GetComponent loads one component.
func (q *queries) GetComponent(ctx context.Context, id string) (persistence.Component, error) {
	var (
		c         persistence.Component
		updatedAt string
	)
	err := q.queryRow(ctx, `
		SELECT id, name, lab_id, owner_id, quantity_total, quantity_available, updated_at
		FROM components WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.LabID, &c.OwnerID, &c.QuantityTotal, &c.QuantityAvailable, &updatedAt)
	if err != nil {
		return persistence.Component{}, q.scanErr(err)
	}
	var ts timeScan
	c.UpdatedAt = ts.at(updatedAt)
	return c, ts.err
}

// UpsertTimetableSlot inserts or replaces a weekly timetable slot.
func (q *queries) UpsertTimetableSlot(ctx context.Context, s persistence.TimetableSlot) error {
	if s.ID == "" || s.LabID == "" || s.StartMinute >= s.EndMinute {
		return persistence.ErrConstraintViolation
	}
	_, err := q.exec(ctx, `
		INSERT INTO timetable_slots (id, lab_id, label, weekday, start_minute, end_minute, valid_from, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			lab_id = excluded.lab_id,
			label = excluded.label,
			weekday = excluded.weekday,
			start_minute = excluded.start_minute,
			end_minute = excluded.end_minute,
			valid_from = excluded.valid_from,
			valid_until = excluded.valid_until`,
		s.ID, s.LabID, s.Label, int(s.Weekday), s.StartMinute, s.EndMinute,
		encodeDate(s.ValidFrom), encodeDatePtr(s.ValidUntil),
	)
	return err
}

// ListTimetable lists the weekly slots of one lab.
func (q *queries) ListTimetable(ctx context.Context, labID string) ([]persistence.TimetableSlot, error) {
	rows, err := q.query(ctx, `
		SELECT id, lab_id, label, weekday, start_minute, end_minute, valid_from, valid_until
		FROM timetable_slots WHERE lab_id = ?
		ORDER BY weekday, start_minute, id`, labID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []persistence.TimetableSlot
	for rows.Next() {
		var (
			s         persistence.TimetableSlot
			weekday   int
			validFrom string
			until     sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.LabID, &s.Label, &weekday, &s.StartMinute, &s.EndMinute, &validFrom, &until); err != nil {
			return nil, q.dialect.MapError(err)
		}
		var ts timeScan
		s.Weekday = time.Weekday(weekday)
		s.ValidFrom = ts.date(validFrom)
		s.ValidUntil = ts.datePtr(until)
		if ts.err != nil {
			return nil, fmt.Errorf("sqlstore: timetable slot %s: %w", s.ID, ts.err)
		}
		slots = append(slots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, q.dialect.MapError(err)
	}
	return slots, nil
}
