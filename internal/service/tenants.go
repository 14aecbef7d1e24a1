package service

import (
	"sync"

	"github.com/kaylacar/agent-door/internal/domain/door"
)

// Tenants is the gateway's live tenant map: slug to door. Lookups are
// concurrent; install and remove are exclusive. A door removed from the
// map keeps serving requests that already hold a reference.
type Tenants struct {
	mu    sync.RWMutex
	doors map[string]*door.Door
}

// NewTenants returns an empty tenant map.
func NewTenants() *Tenants {
	return &Tenants{doors: make(map[string]*door.Door)}
}

// Install makes a door reachable under its slug, replacing and destroying
// any previous door for the same slug.
func (t *Tenants) Install(slug string, d *door.Door) {
	t.mu.Lock()
	old := t.doors[slug]
	t.doors[slug] = d
	t.mu.Unlock()
	if old != nil {
		old.Destroy()
	}
}

// Lookup returns the door for slug, if any.
func (t *Tenants) Lookup(slug string) (*door.Door, bool) {
	t.mu.RLock()
	d, ok := t.doors[slug]
	t.mu.RUnlock()
	return d, ok
}

// Remove detaches the door for slug from the map and returns it. The
// caller owns the returned door and is responsible for destroying it.
func (t *Tenants) Remove(slug string) (*door.Door, bool) {
	t.mu.Lock()
	d, ok := t.doors[slug]
	if ok {
		delete(t.doors, slug)
	}
	t.mu.Unlock()
	return d, ok
}

// Count returns the number of installed tenants.
func (t *Tenants) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.doors)
}

// SessionTotal sums live sessions across all tenants.
func (t *Tenants) SessionTotal() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0
	for _, d := range t.doors {
		total += d.SessionCount()
	}
	return total
}

// DestroyAll removes and destroys every tenant. Used at shutdown.
func (t *Tenants) DestroyAll() {
	t.mu.Lock()
	doors := t.doors
	t.doors = make(map[string]*door.Door)
	t.mu.Unlock()
	for _, d := range doors {
		d.Destroy()
	}
}
