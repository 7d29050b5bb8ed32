package activity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memLog struct {
	mu      sync.Mutex
	entries []Entry
	reads   int
}

func (m *memLog) AppendActivity(_ context.Context, e Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Seq = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memLog) ListActivity(_ context.Context, f Filter, after int64, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	var out []Entry
	for _, e := range m.entries {
		if e.Seq <= after || !f.Matches(e) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%03d", n)
	}
}

type bookingView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

var base = time.Date(2025, time.May, 5, 9, 0, 0, 0, time.UTC)

func fill(t *testing.T, log *memLog, n int) {
	t.Helper()
	ids := seqIDs()
	for i := 0; i < n; i++ {
		tr := Begin(context.Background(), log, Actor{ID: "u1"}, ids, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, tr.Record(context.Background(), Record{
			EntityType: EntityBooking,
			EntityID:   fmt.Sprintf("b-%d", i%3),
			Action:     ActionCreated,
			Snapshot:   bookingView{ID: fmt.Sprintf("b-%d", i%3), Status: fmt.Sprintf("s%d", i)},
		}))
	}
}

func TestPagerIsLazyAndRestartable(t *testing.T) {
	t.Parallel()

	log := &memLog{}
	fill(t, log, 7)

	p, err := NewPager(log, Filter{}, 3, "")
	require.NoError(t, err)
	require.Zero(t, log.reads, "constructing a pager must not read")

	page, err := p.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, page.Entries, 3)
	require.Equal(t, int64(3), page.Entries[2].Seq)

	resumed, err := NewPager(log, Filter{}, 3, page.NextCursor)
	require.NoError(t, err)
	var seqs []int64
	for e, err := range resumed.All(context.Background()) {
		require.NoError(t, err)
		seqs = append(seqs, e.Seq)
	}
	require.Equal(t, []int64{4, 5, 6, 7}, seqs)
	require.True(t, resumed.Done())
}

func TestPagerFilter(t *testing.T) {
	t.Parallel()

	log := &memLog{}
	fill(t, log, 9)

	until := base.Add(5 * time.Minute)
	p, err := NewPager(log, Filter{EntityID: "b-1", Until: &until}, 10, "")
	require.NoError(t, err)
	page, err := p.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	for _, e := range page.Entries {
		require.Equal(t, "b-1", e.EntityID)
		require.True(t, e.CreatedAt.Before(until))
	}
}

func TestCursorRoundTripAndRejectsGarbage(t *testing.T) {
	t.Parallel()

	seq, err := DecodeCursor(EncodeCursor(42))
	require.NoError(t, err)
	require.Equal(t, int64(42), seq)

	seq, err = DecodeCursor("")
	require.NoError(t, err)
	require.Zero(t, seq)

	_, err = DecodeCursor("not-a-cursor!")
	require.ErrorIs(t, err, ErrInvalidCursor)
	_, err = NewPager(&memLog{}, Filter{}, 10, "Zm9vOjE")
	require.ErrorIs(t, err, ErrInvalidCursor)
}

func TestProjectRebuildsLatestSnapshot(t *testing.T) {
	t.Parallel()

	log := &memLog{}
	fill(t, log, 6)

	entries, err := log.ListActivity(context.Background(), Filter{EntityID: "b-2"}, 0, 100)
	require.NoError(t, err)

	view, err := Project[bookingView](entries)
	require.NoError(t, err)
	require.Equal(t, bookingView{ID: "b-2", Status: "s5"}, view)

	prior := PriorTo(entries, entries[1].TransitionID)
	view, err = Project[bookingView](prior)
	require.NoError(t, err)
	require.Equal(t, "s2", view.Status)

	_, err = Project[bookingView](nil)
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestTransitionSharesIDAndOrigin(t *testing.T) {
	t.Parallel()

	log := &memLog{}
	ctx := ContextWithOrigin(context.Background(), Origin{IP: "10.0.0.7", UserAgent: "curl/8"})
	tr := Begin(ctx, log, Actor{ID: "hod-1", Role: "hod"}, seqIDs(), base)
	for _, lab := range []string{"lab-a", "lab-b"} {
		require.NoError(t, tr.Record(ctx, Record{EntityType: EntityBooking, EntityID: "b-9", ResourceID: lab, Action: ActionApproved}))
	}

	got := tr.Entries()
	require.Len(t, got, 2)
	for _, e := range got {
		require.Equal(t, tr.ID(), e.TransitionID)
		require.Equal(t, "10.0.0.7", e.IP)
		require.Empty(t, e.Snapshot)
	}
	last, ok := LastTransition(got)
	require.True(t, ok)
	require.Equal(t, tr.ID(), last)
}

func TestTransitionRecordCreditsAnotherActor(t *testing.T) {
	t.Parallel()

	log := &memLog{}
	ctx := context.Background()
	tr := Begin(ctx, log, Actor{ID: "fac-2", Role: "faculty"}, seqIDs(), base)
	require.NoError(t, tr.Record(ctx, Record{EntityType: EntityBooking, EntityID: "b-1", ResourceID: "lab-b", Action: ActionResourceWithdrawn}))
	require.NoError(t, tr.Record(ctx, Record{EntityType: EntityBooking, EntityID: "b-1", Action: ActionPromoted, Actor: &Actor{ID: "owner-a", Role: "lab_incharge"}}))

	got := tr.Entries()
	require.Len(t, got, 2)
	require.Equal(t, "fac-2", got[0].Actor.ID)
	require.Equal(t, "owner-a", got[1].Actor.ID)
	require.Equal(t, got[0].TransitionID, got[1].TransitionID)
}
