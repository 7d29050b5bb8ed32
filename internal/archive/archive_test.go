package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/example/labreserve/internal/activity"
)

func entriesOf(es []activity.Entry, failAfter int) iter.Seq2[activity.Entry, error] {
	return func(yield func(activity.Entry, error) bool) {
		for i, e := range es {
			if failAfter >= 0 && i == failAfter {
				yield(activity.Entry{}, errors.New("store closed"))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func sampleEntries() []activity.Entry {
	at := time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC)
	return []activity.Entry{
		{ID: "a-1", Seq: 1, EntityType: activity.EntityBooking, EntityID: "b-1", Action: activity.ActionCreated, CreatedAt: at},
		{ID: "a-2", Seq: 2, EntityType: activity.EntityBooking, EntityID: "b-1", Action: activity.ActionApproved, CreatedAt: at.Add(time.Minute)},
	}
}

func TestKeyFor(t *testing.T) {
	t.Parallel()

	since := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "audit/activity-20240101T000000Z-now.jsonl", KeyFor("/audit/", since, time.Time{}))
	require.Equal(t, "activity-start-now.jsonl", KeyFor("", time.Time{}, time.Time{}))
}

func TestExportToFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	res, err := Export(context.Background(), entriesOf(sampleEntries(), -1), FileSink{Dir: dir}, "exports/a.jsonl")
	require.NoError(t, err)
	require.Equal(t, 2, res.Entries)
	require.Equal(t, int64(2), res.LastSeq)

	f, err := os.Open(filepath.Join(dir, "exports", "a.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var got []activity.Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e activity.Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		got = append(got, e)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, got, 2)
	require.Equal(t, activity.ActionApproved, got[1].Action)
}

func TestExportWritesNothingOnReadFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := Export(context.Background(), entriesOf(sampleEntries(), 1), FileSink{Dir: dir}, "a.jsonl")
	require.ErrorContains(t, err, "store closed")

	_, statErr := os.Stat(filepath.Join(dir, "a.jsonl"))
	require.True(t, os.IsNotExist(statErr))
}

type putterStub struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (p *putterStub) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.input = in
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	p.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestExportToS3(t *testing.T) {
	t.Parallel()

	stub := &putterStub{}
	sink := &S3Sink{client: stub, bucket: "audit-bucket"}
	res, err := Export(context.Background(), entriesOf(sampleEntries(), -1), sink, "audit/x.jsonl")
	require.NoError(t, err)

	require.Equal(t, "audit-bucket", aws.ToString(stub.input.Bucket))
	require.Equal(t, "audit/x.jsonl", aws.ToString(stub.input.Key))
	require.Equal(t, "application/x-ndjson", aws.ToString(stub.input.ContentType))
	require.Equal(t, res.Bytes, aws.ToInt64(stub.input.ContentLength))
	require.Len(t, stub.body, int(res.Bytes))

	stub.err = errors.New("access denied")
	_, err = Export(context.Background(), entriesOf(sampleEntries(), -1), sink, "audit/y.jsonl")
	require.ErrorContains(t, err, "access denied")
}

func TestNewS3SinkRequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := NewS3Sink(context.Background(), S3Config{})
	require.Error(t, err)
}
