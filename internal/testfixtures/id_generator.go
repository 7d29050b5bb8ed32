package testfixtures

import (
	"fmt"
	"sync"
)

// IDGenerator hands out predictable identifiers so tests can refer to rows
// and activity entries by name.
type IDGenerator struct {
	mu     sync.Mutex
	prefix string
	issued []string
}

// NewIDGenerator yields "<prefix>-1", "<prefix>-2", ... The prefix defaults
// to "id".
func NewIDGenerator(prefix string) *IDGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &IDGenerator{prefix: prefix}
}

// Next returns the next identifier.
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := fmt.Sprintf("%s-%d", g.prefix, len(g.issued)+1)
	g.issued = append(g.issued, id)
	return id
}

// NextFunc exposes Next for dependency injection.
func (g *IDGenerator) NextFunc() func() string {
	if g == nil {
		return func() string { return "" }
	}
	return g.Next
}

// Last returns the most recent identifier, or "" before the first call.
func (g *IDGenerator) Last() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.issued) == 0 {
		return ""
	}
	return g.issued[len(g.issued)-1]
}

// Count reports how many identifiers were handed out.
func (g *IDGenerator) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.issued)
}
