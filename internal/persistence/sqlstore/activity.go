package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/persistence"
)

// activityLockKey serialises log writers so seq order matches commit order
// and a cursor never skips a late-committing lower seq.
const activityLockKey = "activity_log"

const activityColumns = `seq, id, entity_type, entity_id, resource_id, transition_id,
	actor_id, actor_name, actor_email, actor_role, action, description, snapshot, ip, user_agent, created_at`

// AppendActivity inserts an entry and returns it with its assigned Seq.
func (q *queries) AppendActivity(ctx context.Context, e activity.Entry) (activity.Entry, error) {
	if e.ID == "" || e.EntityID == "" || e.Action == "" {
		return activity.Entry{}, persistence.ErrConstraintViolation
	}
	if q.tx != nil {
		if err := q.dialect.LockKeys(ctx, q.tx, []string{activityLockKey}); err != nil {
			return activity.Entry{}, fmt.Errorf("sqlstore: lock activity log: %w", q.dialect.MapError(err))
		}
	}
	snapshot := sql.NullString{}
	if len(e.Snapshot) > 0 {
		snapshot = sql.NullString{String: string(e.Snapshot), Valid: true}
	}
	err := q.queryRow(ctx, `
		INSERT INTO activity_log (id, entity_type, entity_id, resource_id, transition_id,
			actor_id, actor_name, actor_email, actor_role, action, description, snapshot, ip, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`,
		e.ID, string(e.EntityType), e.EntityID, nullString(e.ResourceID), e.TransitionID,
		e.Actor.ID, e.Actor.Name, e.Actor.Email, e.Actor.Role, string(e.Action), nullString(e.Description),
		snapshot, nullString(e.IP), nullString(e.UserAgent), encodeTime(e.CreatedAt),
	).Scan(&e.Seq)
	if err != nil {
		return activity.Entry{}, q.dialect.MapError(err)
	}
	return e, nil
}

// ListActivity pages through the log in seq order, strictly after afterSeq.
func (q *queries) ListActivity(ctx context.Context, f activity.Filter, afterSeq int64, limit int) ([]activity.Entry, error) {
	where := []string{`seq > ?`}
	args := []any{afterSeq}
	if f.EntityType != "" {
		where = append(where, `entity_type = ?`)
		args = append(args, string(f.EntityType))
	}
	if f.EntityID != "" {
		where = append(where, `entity_id = ?`)
		args = append(args, f.EntityID)
	}
	if f.ResourceID != "" {
		where = append(where, `resource_id = ?`)
		args = append(args, f.ResourceID)
	}
	if f.ActorID != "" {
		where = append(where, `actor_id = ?`)
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		where = append(where, `action = ?`)
		args = append(args, string(f.Action))
	}
	if f.From != nil {
		where = append(where, `created_at >= ?`)
		args = append(args, encodeTime(*f.From))
	}
	if f.Until != nil {
		where = append(where, `created_at < ?`)
		args = append(args, encodeTime(*f.Until))
	}
	query := `SELECT ` + activityColumns + ` FROM activity_log WHERE ` + strings.Join(where, ` AND `) + ` ORDER BY seq`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	return q.listActivity(ctx, query, args...)
}

// GetActivity loads one entry by id.
func (q *queries) GetActivity(ctx context.Context, id string) (activity.Entry, error) {
	return q.scanEntry(q.queryRow(ctx, `SELECT `+activityColumns+` FROM activity_log WHERE id = ?`, id))
}

// EntityHistory returns every entry of one entity.
func (q *queries) EntityHistory(ctx context.Context, entityType activity.EntityType, entityID string) ([]activity.Entry, error) {
	return q.listActivity(ctx, `
		SELECT `+activityColumns+` FROM activity_log
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY seq`, string(entityType), entityID)
}

func (q *queries) listActivity(ctx context.Context, query string, args ...any) ([]activity.Entry, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []activity.Entry
	for rows.Next() {
		e, err := q.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, q.dialect.MapError(err)
	}
	return entries, nil
}

func (q *queries) scanEntry(row rowScanner) (activity.Entry, error) {
	var (
		e                                         activity.Entry
		entityType, action, createdAt             string
		resourceID, description, snapshot, ip, ua sql.NullString
	)
	if err := row.Scan(&e.Seq, &e.ID, &entityType, &e.EntityID, &resourceID, &e.TransitionID,
		&e.Actor.ID, &e.Actor.Name, &e.Actor.Email, &e.Actor.Role, &action, &description,
		&snapshot, &ip, &ua, &createdAt); err != nil {
		return activity.Entry{}, q.scanErr(err)
	}
	at, err := decodeTime(createdAt)
	if err != nil {
		return activity.Entry{}, err
	}
	e.EntityType = activity.EntityType(entityType)
	e.Action = activity.Action(action)
	e.ResourceID = resourceID.String
	e.Description = description.String
	if snapshot.Valid {
		e.Snapshot = []byte(snapshot.String)
	}
	e.IP = ip.String
	e.UserAgent = ua.String
	e.CreatedAt = at
	return e, nil
}
