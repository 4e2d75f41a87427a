package sync

import (
	"slices"
	"sync"
)

// Views records which conversations are currently on screen. It is
// mutated only by Focus and Blur and read by the merge path to decide
// whether new messages count as unread.
//
// A nil *Views has nothing active and ignores Focus and Blur; the push
// handler runs with one when no screen exists.
type Views struct {
	mu     sync.RWMutex
	active map[string]bool
}

// NewViews returns an empty registry.
func NewViews() *Views {
	return &Views{active: make(map[string]bool)}
}

// Focus marks linkKey as actively viewed.
func (v *Views) Focus(linkKey string) {
	if v == nil {
		return
	}
	v.mu.Lock()
	v.active[linkKey] = true
	v.mu.Unlock()
}

// Blur marks linkKey as no longer viewed.
func (v *Views) Blur(linkKey string) {
	if v == nil {
		return
	}
	v.mu.Lock()
	delete(v.active, linkKey)
	v.mu.Unlock()
}

// IsActive reports whether linkKey is on screen.
func (v *Views) IsActive(linkKey string) bool {
	if v == nil {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.active[linkKey]
}

// Active lists the focused link keys in sorted order.
func (v *Views) Active() []string {
	if v == nil {
		return nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.active))
	for k := range v.active {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
