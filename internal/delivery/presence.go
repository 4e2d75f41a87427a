package delivery

import (
	"maps"
	"sync"

	"github.com/matheus3301/linkchat/internal/bus"
)

// PresenceChange is the payload of bus.PresenceChanged.
type PresenceChange struct {
	LinkKey string `json:"linkKey"`
	Online  bool   `json:"online"`
}

// Presence is the last reported online flag per link key.
type Presence struct {
	mu     sync.RWMutex
	online map[string]bool
	bus    *bus.Bus
}

func NewPresence(b *bus.Bus) *Presence {
	return &Presence{online: make(map[string]bool), bus: b}
}

// Set records a status and publishes when it changed.
func (p *Presence) Set(linkKey string, online bool) {
	p.mu.Lock()
	prev, seen := p.online[linkKey]
	p.online[linkKey] = online
	p.mu.Unlock()
	if !seen || prev != online {
		p.bus.Emit(bus.PresenceChanged, PresenceChange{LinkKey: linkKey, Online: online})
	}
}

func (p *Presence) Online(linkKey string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[linkKey]
}

// Snapshot copies the table.
func (p *Presence) Snapshot() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.online)
}
