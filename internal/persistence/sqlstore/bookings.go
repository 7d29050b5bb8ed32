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

const bookingColumns = `b.id, b.requester_id, b.requester_role, b.department_id, b.date, b.start_minute, b.end_minute,
	b.purpose, b.status, b.is_multi_resource,
	b.mentor_approver_id, b.mentor_approved_at, b.mentor_remarks,
	b.owner_approver_id, b.owner_approved_at, b.owner_remarks,
	b.final_approver_id, b.final_approved_at, b.final_remarks,
	b.withdrawn_at, b.rejected_at, b.rejected_by, b.rejection_reason,
	b.created_at, b.updated_at`

// stampCols holds the raw columns of one StageStamp.
type stampCols struct {
	approver sql.NullString
	at       sql.NullString
	remarks  sql.NullString
}

func (s *stampCols) dest() []any {
	return []any{&s.approver, &s.at, &s.remarks}
}

func (s *stampCols) decode(ts *timeScan) persistence.StageStamp {
	return persistence.StageStamp{ApproverID: s.approver.String, At: ts.ptr(s.at), Remarks: s.remarks.String}
}

func stampArgs(s persistence.StageStamp) []any {
	return []any{nullString(s.ApproverID), encodeTimePtr(s.At), nullString(s.Remarks)}
}

// terminationCols holds the raw terminal flag columns.
type terminationCols struct {
	withdrawnAt sql.NullString
	rejectedAt  sql.NullString
	rejectedBy  sql.NullString
	reason      sql.NullString
}

func (t *terminationCols) dest() []any {
	return []any{&t.withdrawnAt, &t.rejectedAt, &t.rejectedBy, &t.reason}
}

func (t *terminationCols) decode(ts *timeScan) persistence.Termination {
	return persistence.Termination{
		WithdrawnAt:     ts.ptr(t.withdrawnAt),
		RejectedAt:      ts.ptr(t.rejectedAt),
		RejectedBy:      t.rejectedBy.String,
		RejectionReason: t.reason.String,
	}
}

func terminationArgs(t persistence.Termination) []any {
	return []any{encodeTimePtr(t.WithdrawnAt), encodeTimePtr(t.RejectedAt), nullString(t.RejectedBy), nullString(t.RejectionReason)}
}

// InsertBooking stores a booking and its lab memberships. Call it inside a
// transaction so the rows land together.
func (q *queries) InsertBooking(ctx context.Context, b persistence.Booking) error {
	if b.ID == "" || len(b.Resources) == 0 {
		return persistence.ErrConstraintViolation
	}
	args := []any{
		b.ID, b.RequesterID, string(b.RequesterRole), b.DepartmentID, encodeDate(b.Date),
		b.StartMinute, b.EndMinute, b.Purpose, string(b.Status), boolInt(b.IsMultiResource),
	}
	args = append(args, stampArgs(b.Mentor)...)
	args = append(args, stampArgs(b.ResourceOwner)...)
	args = append(args, stampArgs(b.FinalAuthority)...)
	args = append(args, terminationArgs(b.Termination)...)
	args = append(args, encodeTime(b.CreatedAt), encodeTime(b.UpdatedAt))

	if _, err := q.exec(ctx, `
		INSERT INTO bookings (id, requester_id, requester_role, department_id, date, start_minute, end_minute,
			purpose, status, is_multi_resource,
			mentor_approver_id, mentor_approved_at, mentor_remarks,
			owner_approver_id, owner_approved_at, owner_remarks,
			final_approver_id, final_approved_at, final_remarks,
			withdrawn_at, rejected_at, rejected_by, rejection_reason,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		return err
	}

	for _, r := range b.Resources {
		r.BookingID = b.ID
		if r.Status == "" {
			r.Status = approval.SubPending
		}
		args := append([]any{r.BookingID, r.LabID, string(r.Status)}, stampArgs(r.Stamp)...)
		if _, err := q.exec(ctx, `
			INSERT INTO booking_resources (booking_id, lab_id, status, approver_id, approved_at, remarks)
			VALUES (?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return err
		}
	}
	return nil
}

// GetBooking loads a booking with its memberships.
func (q *queries) GetBooking(ctx context.Context, id string) (persistence.Booking, error) {
	b, err := q.scanBooking(q.queryRow(ctx, `SELECT `+bookingColumns+` FROM bookings b WHERE b.id = ?`, id))
	if err != nil {
		return persistence.Booking{}, err
	}
	resources, err := q.bookingResources(ctx, []string{b.ID})
	if err != nil {
		return persistence.Booking{}, err
	}
	b.Resources = resources[b.ID]
	return b, nil
}

// UpdateBooking rewrites the stage, stamps and terminal flags of a booking
// still in expected.
func (q *queries) UpdateBooking(ctx context.Context, b persistence.Booking, expected approval.Stage) error {
	args := []any{string(b.Status), b.Purpose}
	args = append(args, stampArgs(b.Mentor)...)
	args = append(args, stampArgs(b.ResourceOwner)...)
	args = append(args, stampArgs(b.FinalAuthority)...)
	args = append(args, terminationArgs(b.Termination)...)
	args = append(args, encodeTime(b.UpdatedAt), b.ID, string(expected))

	res, err := q.exec(ctx, `
		UPDATE bookings SET status = ?, purpose = ?,
			mentor_approver_id = ?, mentor_approved_at = ?, mentor_remarks = ?,
			owner_approver_id = ?, owner_approved_at = ?, owner_remarks = ?,
			final_approver_id = ?, final_approved_at = ?, final_remarks = ?,
			withdrawn_at = ?, rejected_at = ?, rejected_by = ?, rejection_reason = ?,
			updated_at = ?
		WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return err
	}
	return guarded(res)
}

// UpdateBookingResource rewrites one membership still in expected.
func (q *queries) UpdateBookingResource(ctx context.Context, r persistence.BookingResource, expected approval.SubStatus) error {
	args := append([]any{string(r.Status)}, stampArgs(r.Stamp)...)
	args = append(args, r.BookingID, r.LabID, string(expected))
	res, err := q.exec(ctx, `
		UPDATE booking_resources SET status = ?, approver_id = ?, approved_at = ?, remarks = ?
		WHERE booking_id = ? AND lab_id = ? AND status = ?`, args...)
	if err != nil {
		return err
	}
	return guarded(res)
}

// ListBookings lists bookings matching f, oldest first.
func (q *queries) ListBookings(ctx context.Context, f persistence.BookingFilter) ([]persistence.Booking, error) {
	var (
		where []string
		args  []any
	)
	if f.RequesterID != "" {
		where = append(where, `b.requester_id = ?`)
		args = append(args, f.RequesterID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, `b.status IN (`+placeholders(len(f.Statuses))+`)`)
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.DepartmentID != "" {
		where = append(where, `b.department_id = ?`)
		args = append(args, f.DepartmentID)
	}
	if f.MentorID != "" {
		where = append(where, mentorClause("b.requester_id"))
		args = append(args, f.MentorID, f.MentorID, f.MentorID)
	}
	if f.PendingOwnerID != "" {
		where = append(where, `EXISTS (
			SELECT 1 FROM booking_resources br JOIN labs l ON l.id = br.lab_id
			WHERE br.booking_id = b.id AND br.status = 'pending' AND l.owner_id = ?)`)
		args = append(args, f.PendingOwnerID)
	}

	query := `SELECT ` + bookingColumns + ` FROM bookings b`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY b.created_at, b.id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var (
		bookings []persistence.Booking
		ids      []string
	)
	for rows.Next() {
		b, err := q.scanBooking(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		bookings = append(bookings, b)
		ids = append(ids, b.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, q.dialect.MapError(err)
	}
	rows.Close()

	resources, err := q.bookingResources(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range bookings {
		bookings[i].Resources = resources[bookings[i].ID]
	}
	return bookings, nil
}

// mentorClause matches requests whose requester the given user may sign the
// mentor stage for: the assigned mentor, or any faculty member of the
// requester's department when none is assigned. It takes the user id three
// times.
func mentorClause(requesterCol string) string {
	return `EXISTS (
		SELECT 1 FROM users r
		WHERE r.id = ` + requesterCol + ` AND r.id <> ?
		  AND (r.mentor_id = ?
		       OR (r.mentor_id IS NULL AND r.department_id IN (
		           SELECT m.department_id FROM users m WHERE m.id = ? AND m.role = 'faculty'))))`
}

// ListReservedSlots returns the live holds on labID for one date.
func (q *queries) ListReservedSlots(ctx context.Context, labID string, date time.Time) ([]persistence.ReservedSlot, error) {
	live := approval.LiveStages()
	args := []any{labID, encodeDate(date)}
	for _, s := range live {
		args = append(args, string(s))
	}
	args = append(args, string(approval.SubPending), string(approval.SubApproved))

	rows, err := q.query(ctx, `
		SELECT b.id, br.lab_id, b.date, b.start_minute, b.end_minute
		FROM booking_resources br
		JOIN bookings b ON b.id = br.booking_id
		WHERE br.lab_id = ? AND b.date = ?
		  AND b.status IN (`+placeholders(len(live))+`)
		  AND br.status IN (?, ?)
		ORDER BY b.start_minute, b.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []persistence.ReservedSlot
	for rows.Next() {
		var (
			s    persistence.ReservedSlot
			date string
		)
		if err := rows.Scan(&s.BookingID, &s.LabID, &date, &s.StartMinute, &s.EndMinute); err != nil {
			return nil, q.dialect.MapError(err)
		}
		d, err := decodeDate(date)
		if err != nil {
			return nil, err
		}
		s.Date = d
		slots = append(slots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, q.dialect.MapError(err)
	}
	return slots, nil
}

func (q *queries) scanBooking(row rowScanner) (persistence.Booking, error) {
	var (
		b                    persistence.Booking
		role, status, date   string
		multi                int
		mentor, owner, final stampCols
		term                 terminationCols
		createdAt, updatedAt string
	)
	dest := []any{&b.ID, &b.RequesterID, &role, &b.DepartmentID, &date, &b.StartMinute, &b.EndMinute,
		&b.Purpose, &status, &multi}
	dest = append(dest, mentor.dest()...)
	dest = append(dest, owner.dest()...)
	dest = append(dest, final.dest()...)
	dest = append(dest, term.dest()...)
	dest = append(dest, &createdAt, &updatedAt)
	if err := row.Scan(dest...); err != nil {
		return persistence.Booking{}, q.scanErr(err)
	}

	var ts timeScan
	b.RequesterRole = approval.Role(role)
	b.Status = approval.Stage(status)
	b.IsMultiResource = multi != 0
	b.Date = ts.date(date)
	b.Mentor = mentor.decode(&ts)
	b.ResourceOwner = owner.decode(&ts)
	b.FinalAuthority = final.decode(&ts)
	b.Termination = term.decode(&ts)
	b.CreatedAt = ts.at(createdAt)
	b.UpdatedAt = ts.at(updatedAt)
	if ts.err != nil {
		return persistence.Booking{}, fmt.Errorf("sqlstore: booking %s: %w", b.ID, ts.err)
	}
	return b, nil
}

// bookingResources loads the memberships of several bookings keyed by
// booking id, each list in lab id order.
func (q *queries) bookingResources(ctx context.Context, bookingIDs []string) (map[string][]persistence.BookingResource, error) {
	out := make(map[string][]persistence.BookingResource, len(bookingIDs))
	if len(bookingIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(bookingIDs))
	for i, id := range bookingIDs {
		args[i] = id
	}
	rows, err := q.query(ctx, `
		SELECT booking_id, lab_id, status, approver_id, approved_at, remarks
		FROM booking_resources
		WHERE booking_id IN (`+placeholders(len(bookingIDs))+`)
		ORDER BY booking_id, lab_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r      persistence.BookingResource
			status string
			stamp  stampCols
		)
		dest := append([]any{&r.BookingID, &r.LabID, &status}, stamp.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, q.dialect.MapError(err)
		}
		var ts timeScan
		r.Status = approval.SubStatus(status)
		r.Stamp = stamp.decode(&ts)
		if ts.err != nil {
			return nil, ts.err
		}
		out[r.BookingID] = append(out[r.BookingID], r)
	}
	if err := rows.Err(); err != nil {
		return nil, q.dialect.MapError(err)
	}
	return out, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
