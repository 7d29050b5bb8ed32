// Package archive exports the activity log as JSON lines to a file or an
// S3 bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/labreserve/internal/activity"
)

// Sink stores one finished export under key.
type Sink interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
}

// Result describes a finished export.
type Result struct {
	Key     string
	Entries int
	Bytes   int64
	// LastSeq is the sequence number of the last exported entry, zero when
	// nothing matched.
	LastSeq int64
}

// KeyFor names an export covering [since, until). Zero bounds are written
// as "start" and "now".
func KeyFor(prefix string, since, until time.Time) string {
	bound := func(t time.Time, zero string) string {
		if t.IsZero() {
			return zero
		}
		return t.UTC().Format("20060102T150405Z")
	}
	name := fmt.Sprintf("activity-%s-%s.jsonl", bound(since, "start"), bound(until, "now"))
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Export drains entries into a JSON lines document and hands it to sink.
// Nothing is written when the scan fails part way.
func Export(ctx context.Context, entries iter.Seq2[activity.Entry, error], sink Sink, key string) (Result, error) {
	var (
		buf bytes.Buffer
		res = Result{Key: key}
		enc = json.NewEncoder(&buf)
	)
	for e, err := range entries {
		if err != nil {
			return Result{}, fmt.Errorf("archive: read activity: %w", err)
		}
		if err := enc.Encode(e); err != nil {
			return Result{}, fmt.Errorf("archive: encode entry %s: %w", e.ID, err)
		}
		res.Entries++
		res.LastSeq = e.Seq
	}
	res.Bytes = int64(buf.Len())
	if err := sink.Put(ctx, key, bytes.NewReader(buf.Bytes()), res.Bytes); err != nil {
		return Result{}, fmt.Errorf("archive: put %s: %w", key, err)
	}
	return res, nil
}

// FileSink writes exports below Dir.
type FileSink struct {
	Dir string
}

// Put writes body to Dir/key through a temporary file so readers never see
// a partial export.
func (s FileSink) Put(_ context.Context, key string, body io.Reader, _ int64) error {
	target := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".export-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}
