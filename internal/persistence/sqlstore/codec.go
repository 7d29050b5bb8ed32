package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/example/labreserve/internal/scheduler"
)

// timeLayout is fixed width so stored instants sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlstore: decode time %q: %w", s, err)
	}
	return t, nil
}

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeDate(t time.Time) string {
	return scheduler.FormatDate(t)
}

func decodeDate(s string) (time.Time, error) {
	d, err := scheduler.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlstore: decode date %q: %w", s, err)
	}
	return d, nil
}

func encodeDatePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeDate(*t), Valid: true}
}

func decodeDatePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := decodeDate(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// nullString stores "" as NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullString(*s)
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeScan collects the raw text of several time columns so one error check
// covers them all after Scan.
type timeScan struct {
	err error
}

func (ts *timeScan) at(s string) time.Time {
	if ts.err != nil {
		return time.Time{}
	}
	t, err := decodeTime(s)
	ts.err = err
	return t
}

func (ts *timeScan) ptr(ns sql.NullString) *time.Time {
	if ts.err != nil {
		return nil
	}
	t, err := decodeTimePtr(ns)
	ts.err = err
	return t
}

func (ts *timeScan) date(s string) time.Time {
	if ts.err != nil {
		return time.Time{}
	}
	t, err := decodeDate(s)
	ts.err = err
	return t
}

func (ts *timeScan) datePtr(ns sql.NullString) *time.Time {
	if ts.err != nil {
		return nil
	}
	t, err := decodeDatePtr(ns)
	ts.err = err
	return t
}
