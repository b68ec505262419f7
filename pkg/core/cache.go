package core

import (
	"sync"
	"time"

	"github.com/staticimp/staticimp/pkg/config"
)

// projectKey identifies one project config file on one branch.
type projectKey struct {
	backend string
	project string
	branch  string
	path    string
}

// projectEntry is a validated project config. A nil project records that
// the file does not exist.
type projectEntry struct {
	project   *config.Project
	fetchedAt time.Time
}

// projectCache keeps fetched project configs for ttl. A nil cache is
// disabled: every lookup misses and nothing is stored.
type projectCache struct {
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[projectKey]projectEntry
}

func newProjectCache(ttl time.Duration) *projectCache {
	if ttl <= 0 {
		return nil
	}
	return &projectCache{ttl: ttl, entries: make(map[projectKey]projectEntry)}
}

// get returns the cached project and true if it is still fresh at now.
func (c *projectCache) get(key projectKey, now time.Time) (*config.Project, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || now.Sub(e.fetchedAt) >= c.ttl {
		return nil, false
	}
	return e.project, true
}

func (c *projectCache) set(key projectKey, project *config.Project, now time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = projectEntry{project: project, fetchedAt: now}
	// Expired entries are dropped on write so the map stays bounded by the
	// set of live keys.
	for k, e := range c.entries {
		if now.Sub(e.fetchedAt) >= c.ttl {
			delete(c.entries, k)
		}
	}
}

// purge drops every entry.
func (c *projectCache) purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func (c *projectCache) len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
