package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/persistence"
)

// PolicyResolver answers which role signs the final stage for a department.
// Every service consults it; nothing re-derives the rule from a user's role.
type PolicyResolver interface {
	FinalAuthorityRoleFor(ctx context.Context, departmentID string) (approval.Role, error)
}

// DepartmentReader is the directory lookup DirectoryPolicy needs.
type DepartmentReader interface {
	GetDepartment(ctx context.Context, id string) (persistence.Department, error)
}

// DirectoryPolicy resolves the final authority from the department record and
// caches answers for a short time.
type DirectoryPolicy struct {
	departments DepartmentReader
	cache       *policyCache
}

// NewDirectoryPolicy wires a resolver over departments. A non-positive ttl
// selects the default of one minute.
func NewDirectoryPolicy(departments DepartmentReader, ttl time.Duration, now func() time.Time) *DirectoryPolicy {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &DirectoryPolicy{
		departments: departments,
		cache:       newPolicyCache(ttl, 256, now),
	}
}

// FinalAuthorityRoleFor implements PolicyResolver.
func (p *DirectoryPolicy) FinalAuthorityRoleFor(ctx context.Context, departmentID string) (approval.Role, error) {
	if p == nil || p.departments == nil {
		return "", fmt.Errorf("department directory not configured")
	}
	if role, ok := p.cache.Get(departmentID); ok {
		return role, nil
	}
	dept, err := p.departments.GetDepartment(ctx, departmentID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return "", fmt.Errorf("department %q: %w", departmentID, ErrNotFound)
		}
		return "", fmt.Errorf("load department %q: %w", departmentID, err)
	}
	if !dept.FinalAuthorityRole.IsFinalAuthority() {
		return "", fmt.Errorf("department %q names %q as final authority", departmentID, dept.FinalAuthorityRole)
	}
	p.cache.Store(departmentID, dept.FinalAuthorityRole)
	return dept.FinalAuthorityRole, nil
}

// Invalidate drops every cached answer, for example after a directory seed.
func (p *DirectoryPolicy) Invalidate() {
	if p != nil {
		p.cache.Invalidate()
	}
}

// policyCache holds resolved final authority roles per department.
type policyCache struct {
	mu         sync.RWMutex
	now        func() time.Time
	ttl        time.Duration
	maxEntries int
	entries    map[string]policyCacheEntry
}

type policyCacheEntry struct {
	role      approval.Role
	expiresAt time.Time
}

func newPolicyCache(ttl time.Duration, maxEntries int, now func() time.Time) *policyCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 128
	}
	if now == nil {
		now = time.Now
	}
	return &policyCache{
		now:        now,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]policyCacheEntry),
	}
}

func (c *policyCache) Get(departmentID string) (approval.Role, bool) {
	if c == nil {
		return "", false
	}
	c.mu.RLock()
	entry, ok := c.entries[departmentID]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, departmentID)
		c.mu.Unlock()
		return "", false
	}
	return entry.role, true
}

func (c *policyCache) Store(departmentID string, role approval.Role) {
	if c == nil {
		return
	}
	expiry := c.now().Add(c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupLocked()
	if len(c.entries) >= c.maxEntries {
		c.evictOneLocked()
	}
	c.entries[departmentID] = policyCacheEntry{role: role, expiresAt: expiry}
}

func (c *policyCache) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]policyCacheEntry)
	c.mu.Unlock()
}

func (c *policyCache) cleanupLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *policyCache) evictOneLocked() {
	for key := range c.entries {
		delete(c.entries, key)
		return
	}
}
