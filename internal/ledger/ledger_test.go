package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memStock struct {
	mu     sync.Mutex
	levels map[string]Level
}

func newMemStock(levels ...Level) *memStock {
	s := &memStock{levels: make(map[string]Level)}
	for _, l := range levels {
		s.levels[l.ComponentID] = l
	}
	return s
}

func (s *memStock) StockLevel(_ context.Context, id string) (Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[id], nil
}

func (s *memStock) DecrementAvailable(_ context.Context, id string, q int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.levels[id]
	if l.Available < q {
		return false, nil
	}
	l.Available -= q
	s.levels[id] = l
	return true, nil
}

func (s *memStock) IncrementAvailable(_ context.Context, id string, q int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.levels[id]
	if l.Available+q > l.Total {
		return false, nil
	}
	l.Available += q
	s.levels[id] = l
	return true, nil
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	got, err := Normalize([]Item{{"res-10k", 2}, {"arduino", 1}, {"res-10k", 3}})
	require.NoError(t, err)
	require.Equal(t, []Item{{"arduino", 1}, {"res-10k", 5}}, got)

	_, err = Normalize(nil)
	require.ErrorIs(t, err, ErrNoItems)

	_, err = Normalize([]Item{{"arduino", 0}})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = Normalize([]Item{{" ", 1}})
	require.Error(t, err)
}

func TestReserveCheckDoesNotMutate(t *testing.T) {
	t.Parallel()

	s := newMemStock(Level{ComponentID: "scope", Name: "Oscilloscope", Total: 5, Available: 3})
	err := ReserveCheck(context.Background(), s, []Item{{"scope", 5}})

	var insufficient *InsufficientError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, "Oscilloscope", insufficient.Name)
	require.Equal(t, 5, insufficient.Requested)
	require.Equal(t, 3, insufficient.Available)

	require.NoError(t, ReserveCheck(context.Background(), s, []Item{{"scope", 3}}))
	lvl, _ := s.StockLevel(context.Background(), "scope")
	require.Equal(t, 3, lvl.Available)
}

func TestIssueStopsAtFirstShortItem(t *testing.T) {
	t.Parallel()

	s := newMemStock(
		Level{ComponentID: "a", Total: 4, Available: 4},
		Level{ComponentID: "b", Total: 1, Available: 1},
	)
	err := Issue(context.Background(), s, []Item{{"a", 2}, {"b", 2}})

	var insufficient *InsufficientError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, "b", insufficient.ComponentID)
}

func TestIssueReturnRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newMemStock(Level{ComponentID: "a", Total: 10, Available: 7})
	items := []Item{{"a", 4}}

	require.NoError(t, Issue(ctx, s, items))
	lvl, _ := s.StockLevel(ctx, "a")
	require.Equal(t, 3, lvl.Available)

	require.NoError(t, Return(ctx, s, items))
	lvl, _ = s.StockLevel(ctx, "a")
	require.Equal(t, 7, lvl.Available)

	require.ErrorIs(t, Return(ctx, s, []Item{{"a", 4}}), ErrOverReturn)
}

func TestConcurrentIssueNeverGoesNegative(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newMemStock(Level{ComponentID: "a", Total: 10, Available: 10})

	var wg sync.WaitGroup
	var mu sync.Mutex
	issued := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if Issue(ctx, s, []Item{{"a", 1}}) == nil {
				mu.Lock()
				issued++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	lvl, _ := s.StockLevel(ctx, "a")
	require.Equal(t, 10, issued)
	require.Equal(t, 0, lvl.Available)
}
