package activity

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is used when a caller asks for a non-positive page size.
	DefaultPageSize = 50
	// MaxPageSize caps a single page.
	MaxPageSize = 500

	cursorPrefix = "seq:"
)

// ErrInvalidCursor is returned for tokens not produced by EncodeCursor.
var ErrInvalidCursor = errors.New("activity: invalid cursor")

// EncodeCursor turns a sequence number into an opaque resume token.
func EncodeCursor(seq int64) string {
	if seq <= 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(seq, 10)))
}

// DecodeCursor parses a token from EncodeCursor. The empty token means the
// start of the log.
func DecodeCursor(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	s, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seq < 0 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}

// ClampPageSize normalizes a requested page size.
func ClampPageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

// Page is one slice of the log plus the token that resumes after it.
type Page struct {
	Entries    []Entry
	NextCursor string
}

// Pager walks the log lazily, one store read per page. It is restartable: a
// new Pager built from Cursor() continues where this one stopped.
type Pager struct {
	reader Reader
	filter Filter
	size   int
	after  int64
	done   bool
}

// NewPager starts a scan after the position encoded in cursor.
func NewPager(r Reader, f Filter, pageSize int, cursor string) (*Pager, error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	return &Pager{reader: r, filter: f, size: ClampPageSize(pageSize), after: after}, nil
}

// Next fetches the next page. It returns an empty page once the log is
// exhausted; entries appended later are picked up by a subsequent call.
func (p *Pager) Next(ctx context.Context) (Page, error) {
	entries, err := p.reader.ListActivity(ctx, p.filter, p.after, p.size)
	if err != nil {
		return Page{}, err
	}
	if len(entries) > 0 {
		p.after = entries[len(entries)-1].Seq
	}
	p.done = len(entries) < p.size
	return Page{Entries: entries, NextCursor: EncodeCursor(p.after)}, nil
}

// Done reports whether the last page was short.
func (p *Pager) Done() bool {
	return p.done
}

// Cursor returns the resume token for the current position.
func (p *Pager) Cursor() string {
	return EncodeCursor(p.after)
}

// All yields every matching entry until the log is exhausted or the consumer
// stops.
func (p *Pager) All(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for {
			page, err := p.Next(ctx)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page.Entries {
				if !yield(e, nil) {
					return
				}
			}
			if p.done {
				return
			}
		}
	}
}
