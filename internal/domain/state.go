package domain

import "sync"

// DedupState holds the identifier of the last successfully mirrored post.
// It only moves forward: Advance is called after a publish succeeds and
// there is no way to roll it back.
type DedupState struct {
	mu     sync.RWMutex
	lastID string
	set    bool
}

// Seen reports whether id is the last mirrored post.
func (d *DedupState) Seen(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.set && d.lastID == id
}

// Advance records id as the last mirrored post.
func (d *DedupState) Advance(id string) {
	d.mu.Lock()
	d.lastID = id
	d.set = true
	d.mu.Unlock()
}

// Last returns the last mirrored post id. ok is false before the first
// publish (or restore).
func (d *DedupState) Last() (id string, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastID, d.set
}
