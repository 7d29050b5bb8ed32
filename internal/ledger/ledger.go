// Package ledger keeps component stock consistent: availability pre-checks at
// request time and guarded issue/return adjustments at hand-over time.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNoItems is returned for a request without line items.
	ErrNoItems = errors.New("ledger: at least one item is required")
	// ErrInvalidQuantity is returned for zero or negative quantities.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")
	// ErrOverReturn is returned when a return would push available above total.
	ErrOverReturn = errors.New("ledger: return exceeds total stock")
)

// Item is one line of a component request.
type Item struct {
	ComponentID string
	Quantity    int
}

// Level is the stock of one component.
type Level struct {
	ComponentID string
	Name        string
	Total       int
	Available   int
}

// InsufficientError reports the first item that cannot be covered.
type InsufficientError struct {
	ComponentID string
	Name        string
	Requested   int
	Available   int
}

func (e *InsufficientError) Error() string {
	name := e.Name
	if name == "" {
		name = e.ComponentID
	}
	return fmt.Sprintf("ledger: insufficient stock for %s: requested %d, available %d", name, e.Requested, e.Available)
}

// Reader exposes current stock levels.
type Reader interface {
	StockLevel(ctx context.Context, componentID string) (Level, error)
}

// Stock adds the guarded row updates. Each call returns false when its guard
// did not hold and no row changed.
type Stock interface {
	Reader
	DecrementAvailable(ctx context.Context, componentID string, quantity int) (bool, error)
	IncrementAvailable(ctx context.Context, componentID string, quantity int) (bool, error)
}

// Normalize merges duplicate components, rejects non-positive quantities and
// sorts items by component id so concurrent issuers touch rows in one order.
func Normalize(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	merged := make(map[string]int, len(items))
	for _, it := range items {
		id := strings.TrimSpace(it.ComponentID)
		if id == "" {
			return nil, fmt.Errorf("ledger: component id is required")
		}
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: %s has %d", ErrInvalidQuantity, id, it.Quantity)
		}
		merged[id] += it.Quantity
	}
	out := make([]Item, 0, len(merged))
	for id, q := range merged {
		out = append(out, Item{ComponentID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentID < out[j].ComponentID })
	return out, nil
}

// ReserveCheck verifies every item is currently covered without changing
// stock. Approval never holds stock, so this is advisory at request time.
func ReserveCheck(ctx context.Context, r Reader, items []Item) error {
	for _, it := range items {
		lvl, err := r.StockLevel(ctx, it.ComponentID)
		if err != nil {
			return err
		}
		if lvl.Available < it.Quantity {
			return &InsufficientError{ComponentID: it.ComponentID, Name: lvl.Name, Requested: it.Quantity, Available: lvl.Available}
		}
	}
	return nil
}

// Issue decrements every item with a guarded update. The first guard that
// fails stops issuance with an InsufficientError; the caller's transaction
// must roll back the decrements already applied.
func Issue(ctx context.Context, s Stock, items []Item) error {
	for _, it := range items {
		ok, err := s.DecrementAvailable(ctx, it.ComponentID, it.Quantity)
		if err != nil {
			return fmt.Errorf("ledger: issue %s: %w", it.ComponentID, err)
		}
		if ok {
			continue
		}
		lvl, err := s.StockLevel(ctx, it.ComponentID)
		if err != nil {
			return err
		}
		return &InsufficientError{ComponentID: it.ComponentID, Name: lvl.Name, Requested: it.Quantity, Available: lvl.Available}
	}
	return nil
}

// Return increments every item, never above the component total.
func Return(ctx context.Context, s Stock, items []Item) error {
	for _, it := range items {
		ok, err := s.IncrementAvailable(ctx, it.ComponentID, it.Quantity)
		if err != nil {
			return fmt.Errorf("ledger: return %s: %w", it.ComponentID, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s +%d", ErrOverReturn, it.ComponentID, it.Quantity)
		}
	}
	return nil
}
