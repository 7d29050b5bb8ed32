package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/example/labreserve/internal/loan"
	"github.com/example/labreserve/internal/persistence"
)

const loanColumns = `l.id, l.request_id, l.requester_id, l.lab_id, l.status, l.due_date, l.issued_by, l.issued_at,
	l.extension_status, l.extension_date, l.extension_reason, l.extension_decided_by, l.extension_decided_at,
	l.return_requested_at, l.returned_at, l.return_approved_by, l.delay_days, l.decline_reason,
	l.created_at, l.updated_at`

// InsertLoan stores a loan. Items are read back from the request.
func (q *queries) InsertLoan(ctx context.Context, l persistence.Loan) error {
	if l.ID == "" || l.RequestID == "" {
		return persistence.ErrConstraintViolation
	}
	_, err := q.exec(ctx, `
		INSERT INTO loans (id, request_id, requester_id, lab_id, status, due_date, issued_by, issued_at,
			extension_status, extension_date, extension_reason, extension_decided_by, extension_decided_at,
			return_requested_at, returned_at, return_approved_by, delay_days, decline_reason,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.RequestID, l.RequesterID, l.LabID, string(l.Status), encodeDate(l.DueDate),
		nullString(l.IssuedBy), encodeTimePtr(l.IssuedAt),
		string(l.ExtensionStatus), encodeDatePtr(l.ExtensionDate), nullString(l.ExtensionReason),
		nullString(l.ExtensionDecidedBy), encodeTimePtr(l.ExtensionDecidedAt),
		encodeTimePtr(l.ReturnRequestedAt), encodeTimePtr(l.ReturnedAt), nullString(l.ReturnApprovedBy),
		l.DelayDays, nullString(l.DeclineReason),
		encodeTime(l.CreatedAt), encodeTime(l.UpdatedAt),
	)
	return err
}

// GetLoan loads one loan.
func (q *queries) GetLoan(ctx context.Context, id string) (persistence.Loan, error) {
	return q.getLoan(ctx, `l.id = ?`, id)
}

// GetLoanByRequest loads the loan created for a component request.
func (q *queries) GetLoanByRequest(ctx context.Context, requestID string) (persistence.Loan, error) {
	return q.getLoan(ctx, `l.request_id = ?`, requestID)
}

func (q *queries) getLoan(ctx context.Context, where string, arg string) (persistence.Loan, error) {
	l, err := q.scanLoan(q.queryRow(ctx, `SELECT `+loanColumns+` FROM loans l WHERE `+where, arg))
	if err != nil {
		return persistence.Loan{}, err
	}
	items, err := q.requestItems(ctx, []string{l.RequestID})
	if err != nil {
		return persistence.Loan{}, err
	}
	l.Items = items[l.RequestID]
	return l, nil
}

// UpdateLoan rewrites a loan whose two axes still hold their expected values.
func (q *queries) UpdateLoan(ctx context.Context, l persistence.Loan, expected loan.Status, expectedExt loan.ExtensionStatus) error {
	res, err := q.exec(ctx, `
		UPDATE loans SET status = ?, due_date = ?,
			extension_status = ?, extension_date = ?, extension_reason = ?,
			extension_decided_by = ?, extension_decided_at = ?,
			return_requested_at = ?, returned_at = ?, return_approved_by = ?,
			delay_days = ?, decline_reason = ?, updated_at = ?
		WHERE id = ? AND status = ? AND extension_status = ?`,
		string(l.Status), encodeDate(l.DueDate),
		string(l.ExtensionStatus), encodeDatePtr(l.ExtensionDate), nullString(l.ExtensionReason),
		nullString(l.ExtensionDecidedBy), encodeTimePtr(l.ExtensionDecidedAt),
		encodeTimePtr(l.ReturnRequestedAt), encodeTimePtr(l.ReturnedAt), nullString(l.ReturnApprovedBy),
		l.DelayDays, nullString(l.DeclineReason), encodeTime(l.UpdatedAt),
		l.ID, string(expected), string(expectedExt),
	)
	if err != nil {
		return err
	}
	return guarded(res)
}

// ListLoans lists loans matching f ordered by due date.
func (q *queries) ListLoans(ctx context.Context, f persistence.LoanFilter) ([]persistence.Loan, error) {
	var (
		where []string
		args  []any
	)
	if f.RequesterID != "" {
		where = append(where, `l.requester_id = ?`)
		args = append(args, f.RequesterID)
	}
	if f.OwnerID != "" {
		where = append(where, `EXISTS (SELECT 1 FROM labs lab WHERE lab.id = l.lab_id AND lab.owner_id = ?)`)
		args = append(args, f.OwnerID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, `l.status IN (`+placeholders(len(f.Statuses))+`)`)
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.DueBefore != nil {
		where = append(where, `l.due_date < ?`)
		args = append(args, encodeDate(*f.DueBefore))
	}

	query := `SELECT ` + loanColumns + ` FROM loans l`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY l.due_date, l.id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var (
		loans      []persistence.Loan
		requestIDs []string
	)
	for rows.Next() {
		l, err := q.scanLoan(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		loans = append(loans, l)
		requestIDs = append(requestIDs, l.RequestID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, q.dialect.MapError(err)
	}
	rows.Close()

	items, err := q.requestItems(ctx, requestIDs)
	if err != nil {
		return nil, err
	}
	for i := range loans {
		loans[i].Items = items[loans[i].RequestID]
	}
	return loans, nil
}

func (q *queries) scanLoan(row rowScanner) (persistence.Loan, error) {
	var (
		l                                         persistence.Loan
		status, dueDate, extStatus                string
		issuedBy, issuedAt                        sql.NullString
		extDate, extReason, extBy, extAt          sql.NullString
		returnReq, returned, returnBy, declineMsg sql.NullString
		createdAt, updatedAt                      string
	)
	if err := row.Scan(&l.ID, &l.RequestID, &l.RequesterID, &l.LabID, &status, &dueDate, &issuedBy, &issuedAt,
		&extStatus, &extDate, &extReason, &extBy, &extAt,
		&returnReq, &returned, &returnBy, &l.DelayDays, &declineMsg,
		&createdAt, &updatedAt); err != nil {
		return persistence.Loan{}, q.scanErr(err)
	}

	var ts timeScan
	l.Status = loan.Status(status)
	l.DueDate = ts.date(dueDate)
	l.IssuedBy = issuedBy.String
	l.IssuedAt = ts.ptr(issuedAt)
	l.ExtensionStatus = loan.ExtensionStatus(extStatus)
	l.ExtensionDate = ts.datePtr(extDate)
	l.ExtensionReason = extReason.String
	l.ExtensionDecidedBy = extBy.String
	l.ExtensionDecidedAt = ts.ptr(extAt)
	l.ReturnRequestedAt = ts.ptr(returnReq)
	l.ReturnedAt = ts.ptr(returned)
	l.ReturnApprovedBy = returnBy.String
	l.DeclineReason = declineMsg.String
	l.CreatedAt = ts.at(createdAt)
	l.UpdatedAt = ts.at(updatedAt)
	if ts.err != nil {
		return persistence.Loan{}, fmt.Errorf("sqlstore: loan %s: %w", l.ID, ts.err)
	}
	return l, nil
}
