package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/ledger"
	"github.com/example/labreserve/internal/persistence"
)

const requestColumns = `r.id, r.requester_id, r.initiator_role, r.department_id, r.lab_id, r.purpose, r.return_date, r.status,
	r.mentor_approver_id, r.mentor_approved_at, r.mentor_remarks,
	r.owner_approver_id, r.owner_approved_at, r.owner_remarks,
	r.final_approver_id, r.final_approved_at, r.final_remarks,
	r.withdrawn_at, r.rejected_at, r.rejected_by, r.rejection_reason,
	r.issued_at, r.return_requested_at, r.returned_at,
	r.created_at, r.updated_at`

// StockLevel reads the stock of one component.
func (q *queries) StockLevel(ctx context.Context, componentID string) (ledger.Level, error) {
	var lvl ledger.Level
	err := q.queryRow(ctx, `
		SELECT id, name, quantity_total, quantity_available FROM components WHERE id = ?`, componentID,
	).Scan(&lvl.ComponentID, &lvl.Name, &lvl.Total, &lvl.Available)
	if err != nil {
		return ledger.Level{}, q.scanErr(err)
	}
	return lvl, nil
}

// DecrementAvailable takes quantity out of stock when enough is available.
func (q *queries) DecrementAvailable(ctx context.Context, componentID string, quantity int) (bool, error) {
	res, err := q.exec(ctx, `
		UPDATE components SET quantity_available = quantity_available - ?, updated_at = ?
		WHERE id = ? AND quantity_available >= ?`,
		quantity, encodeTime(time.Now().UTC()), componentID, quantity)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// IncrementAvailable puts quantity back when it stays within the total.
func (q *queries) IncrementAvailable(ctx context.Context, componentID string, quantity int) (bool, error) {
	res, err := q.exec(ctx, `
		UPDATE components SET quantity_available = quantity_available + ?, updated_at = ?
		WHERE id = ? AND quantity_available + ? <= quantity_total`,
		quantity, encodeTime(time.Now().UTC()), componentID, quantity)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	return n > 0, nil
}

// InsertComponentRequest stores a request with its line items.
func (q *queries) InsertComponentRequest(ctx context.Context, r persistence.ComponentRequest) error {
	if r.ID == "" || len(r.Items) == 0 {
		return persistence.ErrConstraintViolation
	}
	args := []any{r.ID, r.RequesterID, string(r.InitiatorRole), r.DepartmentID, r.LabID, r.Purpose,
		encodeDate(r.ReturnDate), string(r.Status)}
	args = append(args, stampArgs(r.Mentor)...)
	args = append(args, stampArgs(r.ResourceOwner)...)
	args = append(args, stampArgs(r.FinalAuthority)...)
	args = append(args, terminationArgs(r.Termination)...)
	args = append(args, encodeTimePtr(r.IssuedAt), encodeTimePtr(r.ReturnRequestedAt), encodeTimePtr(r.ReturnedAt),
		encodeTime(r.CreatedAt), encodeTime(r.UpdatedAt))

	if _, err := q.exec(ctx, `
		INSERT INTO component_requests (id, requester_id, initiator_role, department_id, lab_id, purpose, return_date, status,
			mentor_approver_id, mentor_approved_at, mentor_remarks,
			owner_approver_id, owner_approved_at, owner_remarks,
			final_approver_id, final_approved_at, final_remarks,
			withdrawn_at, rejected_at, rejected_by, rejection_reason,
			issued_at, return_requested_at, returned_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		return err
	}
	for _, it := range r.Items {
		if _, err := q.exec(ctx, `
			INSERT INTO component_request_items (request_id, component_id, quantity) VALUES (?, ?, ?)`,
			r.ID, it.ComponentID, it.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// GetComponentRequest loads a request with its items.
func (q *queries) GetComponentRequest(ctx context.Context, id string) (persistence.ComponentRequest, error) {
	r, err := q.scanRequest(q.queryRow(ctx, `SELECT `+requestColumns+` FROM component_requests r WHERE r.id = ?`, id))
	if err != nil {
		return persistence.ComponentRequest{}, err
	}
	items, err := q.requestItems(ctx, []string{r.ID})
	if err != nil {
		return persistence.ComponentRequest{}, err
	}
	r.Items = items[r.ID]
	return r, nil
}

// UpdateComponentRequest rewrites the workflow columns of a request still in
// expected.
func (q *queries) UpdateComponentRequest(ctx context.Context, r persistence.ComponentRequest, expected approval.Stage) error {
	args := []any{string(r.Status)}
	args = append(args, stampArgs(r.Mentor)...)
	args = append(args, stampArgs(r.ResourceOwner)...)
	args = append(args, stampArgs(r.FinalAuthority)...)
	args = append(args, terminationArgs(r.Termination)...)
	args = append(args, encodeTimePtr(r.ReturnRequestedAt), encodeTimePtr(r.ReturnedAt),
		encodeTime(r.UpdatedAt), r.ID, string(expected))

	res, err := q.exec(ctx, `
		UPDATE component_requests SET status = ?,
			mentor_approver_id = ?, mentor_approved_at = ?, mentor_remarks = ?,
			owner_approver_id = ?, owner_approved_at = ?, owner_remarks = ?,
			final_approver_id = ?, final_approved_at = ?, final_remarks = ?,
			withdrawn_at = ?, rejected_at = ?, rejected_by = ?, rejection_reason = ?,
			return_requested_at = ?, returned_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return err
	}
	return guarded(res)
}

// MarkIssued stamps issuance once on an approved request.
func (q *queries) MarkIssued(ctx context.Context, id string, at time.Time) error {
	res, err := q.exec(ctx, `
		UPDATE component_requests SET issued_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND issued_at IS NULL`,
		encodeTime(at), encodeTime(at), id, string(approval.StageApproved))
	if err != nil {
		return err
	}
	return guarded(res)
}

// ListComponentRequests lists requests matching f, oldest first.
func (q *queries) ListComponentRequests(ctx context.Context, f persistence.ComponentRequestFilter) ([]persistence.ComponentRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.RequesterID != "" {
		where = append(where, `r.requester_id = ?`)
		args = append(args, f.RequesterID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, `r.status IN (`+placeholders(len(f.Statuses))+`)`)
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.DepartmentID != "" {
		where = append(where, `r.department_id = ?`)
		args = append(args, f.DepartmentID)
	}
	if f.MentorID != "" {
		where = append(where, mentorClause("r.requester_id"))
		args = append(args, f.MentorID, f.MentorID, f.MentorID)
	}
	if f.OwnerID != "" {
		where = append(where, `EXISTS (SELECT 1 FROM labs l WHERE l.id = r.lab_id AND l.owner_id = ?)`)
		args = append(args, f.OwnerID)
	}

	query := `SELECT ` + requestColumns + ` FROM component_requests r`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY r.created_at, r.id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var (
		requests []persistence.ComponentRequest
		ids      []string
	)
	for rows.Next() {
		r, err := q.scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		requests = append(requests, r)
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, q.dialect.MapError(err)
	}
	rows.Close()

	items, err := q.requestItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range requests {
		requests[i].Items = items[requests[i].ID]
	}
	return requests, nil
}

func (q *queries) scanRequest(row rowScanner) (persistence.ComponentRequest, error) {
	var (
		r                           persistence.ComponentRequest
		role, returnDate, status    string
		mentor, owner, final        stampCols
		term                        terminationCols
		issued, returnReq, returned sql.NullString
		createdAt, updatedAt        string
	)
	dest := []any{&r.ID, &r.RequesterID, &role, &r.DepartmentID, &r.LabID, &r.Purpose, &returnDate, &status}
	dest = append(dest, mentor.dest()...)
	dest = append(dest, owner.dest()...)
	dest = append(dest, final.dest()...)
	dest = append(dest, term.dest()...)
	dest = append(dest, &issued, &returnReq, &returned, &createdAt, &updatedAt)
	if err := row.Scan(dest...); err != nil {
		return persistence.ComponentRequest{}, q.scanErr(err)
	}

	var ts timeScan
	r.InitiatorRole = approval.Role(role)
	r.Status = approval.Stage(status)
	r.ReturnDate = ts.date(returnDate)
	r.Mentor = mentor.decode(&ts)
	r.ResourceOwner = owner.decode(&ts)
	r.FinalAuthority = final.decode(&ts)
	r.Termination = term.decode(&ts)
	r.IssuedAt = ts.ptr(issued)
	r.ReturnRequestedAt = ts.ptr(returnReq)
	r.ReturnedAt = ts.ptr(returned)
	r.CreatedAt = ts.at(createdAt)
	r.UpdatedAt = ts.at(updatedAt)
	if ts.err != nil {
		return persistence.ComponentRequest{}, fmt.Errorf("sqlstore: component request %s: %w", r.ID, ts.err)
	}
	return r, nil
}

// requestItems loads the line items of several requests keyed by request id.
func (q *queries) requestItems(ctx context.Context, requestIDs []string) (map[string][]persistence.RequestItem, error) {
	out := make(map[string][]persistence.RequestItem, len(requestIDs))
	if len(requestIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(requestIDs))
	for i, id := range requestIDs {
		args[i] = id
	}
	rows, err := q.query(ctx, `
		SELECT request_id, component_id, quantity
		FROM component_request_items
		WHERE request_id IN (`+placeholders(len(requestIDs))+`)
		ORDER BY request_id, component_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			requestID string
			it        persistence.RequestItem
		)
		if err := rows.Scan(&requestID, &it.ComponentID, &it.Quantity); err != nil {
			return nil, q.dialect.MapError(err)
		}
		out[requestID] = append(out[requestID], it)
	}
	if err := rows.Err(); err != nil {
		return nil, q.dialect.MapError(err)
	}
	return out, nil
}
