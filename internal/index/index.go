// Package index keeps the recency ordered conversation list.
package index

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/linkchat/internal/bus"
	"github.com/matheus3301/linkchat/internal/logging"
	"github.com/matheus3301/linkchat/internal/store"
	intsync "github.com/matheus3301/linkchat/internal/sync"
)

// PlaceholderName labels an entry created from an update for a conversation
// the index has not loaded yet and whose contact carries no name.
const PlaceholderName = "Nuevo contacto"

// Entry is one row of the conversation list.
type Entry struct {
	LinkKey       string        `json:"linkKey"`
	Contact       store.Contact `json:"contact"`
	LastMessage   string        `json:"lastMessage"`
	LastTimestamp int64         `json:"lastTimestamp"`
	UnreadCount   int           `json:"unreadCount"`
	MessageCount  int           `json:"messageCount"`

	messages []store.Message
}

// Index is rebuilt from the store by ReloadAll and kept current from
// engine events between reloads.
type Index struct {
	db     *store.DB
	engine *intsync.Engine
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	buffer int
	cancel context.CancelFunc
	done   chan struct{}
}

const defaultBuffer = 256

// New creates an empty index.
func New(db *store.DB, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *Index {
	return &Index{
		db:      db,
		engine:  engine,
		bus:     b,
		logger:  logging.OrNop(logger),
		entries: make(map[string]*Entry),
	}
}

type pairKey struct{ localKey, id string }

// ReloadAll rebuilds the index from storage. Corrupt, nameless and empty
// records are removed from storage through the engine. Records sharing a
// (localKey, id) contact pair collapse to the last one scanned.
func (ix *Index) ReloadAll(ctx context.Context) error {
	records, err := ix.db.ListConversations(ctx)
	if err != nil {
		return err
	}

	entries := make(map[string]*Entry, len(records))
	byPair := make(map[pairKey]string, len(records))
	for _, r := range records {
		if r.Err != nil || r.Conversation.Contact.DisplayName == "" || len(r.Conversation.Messages) == 0 {
			ix.discard(ctx, r)
			continue
		}
		c := r.Conversation
		pk := pairKey{c.Contact.LocalKey, c.Contact.ID}
		if prev, ok := byPair[pk]; ok {
			delete(entries, prev)
		}
		byPair[pk] = r.LinkKey
		entries[r.LinkKey] = newEntry(r.LinkKey, c)
	}

	ix.mu.Lock()
	ix.entries = entries
	ix.mu.Unlock()

	ix.logger.Debug("conversation index reloaded", zap.Int("entries", len(entries)))
	ix.bus.Emit(bus.IndexChanged, nil)
	return nil
}

func (ix *Index) discard(ctx context.Context, r store.Record) {
	if r.Err != nil {
		ix.logger.Warn("dropping corrupt conversation record", zap.String("link_key", r.LinkKey), zap.Error(r.Err))
	}
	if ix.engine == nil {
		return
	}
	if _, err := ix.engine.DiscardIfAbandoned(ctx, r.LinkKey); err != nil {
		ix.logger.Warn("failed to remove abandoned conversation", zap.String("link_key", r.LinkKey), zap.Error(err))
	}
}

// ApplyUpdate folds a partial conversation into the index. Messages merge
// by id into the existing entry and each newly merged one counts as unread;
// an unseen link key gets a placeholder. Entries built here are provisional
// until the engine's next Replace for the same key.
func (ix *Index) ApplyUpdate(partial store.Conversation) {
	linkKey := partial.Contact.LinkKey
	if linkKey == "" {
		return
	}

	ix.mu.Lock()
	e, ok := ix.entries[linkKey]
	if !ok {
		contact := partial.Contact
		if contact.DisplayName == "" {
			contact.DisplayName = PlaceholderName
		}
		e = &Entry{LinkKey: linkKey, Contact: contact}
		ix.entries[linkKey] = e
	} else if partial.Contact.DisplayName != "" {
		e.Contact = partial.Contact
	}
	var admitted int
	e.messages, admitted = intsync.Merge(e.messages, partial.Messages)
	e.UnreadCount += admitted
	e.derive()
	ix.mu.Unlock()

	ix.bus.Emit(bus.IndexChanged, linkKey)
}

// Replace installs the engine's canonical state for one conversation.
// A conversation with no messages is dropped from the index, and any other
// entry for the same contact pair gives way to this one.
func (ix *Index) Replace(c *store.Conversation) {
	linkKey := c.Contact.LinkKey
	if linkKey == "" {
		return
	}
	if len(c.Messages) == 0 {
		ix.Remove(linkKey)
		return
	}
	pk := pairKey{c.Contact.LocalKey, c.Contact.ID}
	ix.mu.Lock()
	var displaced []string
	for k, e := range ix.entries {
		if k != linkKey && (pairKey{e.Contact.LocalKey, e.Contact.ID}) == pk {
			delete(ix.entries, k)
			displaced = append(displaced, k)
		}
	}
	ix.entries[linkKey] = newEntry(linkKey, c)
	ix.mu.Unlock()

	for _, k := range displaced {
		ix.logger.Debug("entry displaced by same contact", zap.String("link_key", k), zap.String("by", linkKey))
	}
	ix.bus.Emit(bus.IndexChanged, linkKey)
}

// Remove drops the entry for linkKey.
func (ix *Index) Remove(linkKey string) {
	ix.mu.Lock()
	_, ok := ix.entries[linkKey]
	delete(ix.entries, linkKey)
	ix.mu.Unlock()
	if ok {
		ix.bus.Emit(bus.IndexChanged, linkKey)
	}
}

// Entries returns the list newest first. Equal timestamps order by link key.
func (ix *Index) Entries() []Entry {
	ix.mu.RLock()
	out := make([]Entry, 0, len(ix.entries))
	for _, e := range ix.entries {
		cp := *e
		cp.messages = nil
		out = append(out, cp)
	}
	ix.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int {
		if c := cmp.Compare(b.LastTimestamp, a.LastTimestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.LinkKey, b.LinkKey)
	})
	return out
}

// Get returns the entry for linkKey.
func (ix *Index) Get(linkKey string) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[linkKey]
	if !ok {
		return Entry{}, false
	}
	cp := *e
	cp.messages = nil
	return cp, true
}

// Start follows engine events until Stop. When the subscription overflows
// and events are lost, the index rebuilds itself from storage.
func (ix *Index) Start(ctx context.Context) {
	ctx, ix.cancel = context.WithCancel(ctx)
	ix.done = make(chan struct{})
	if ix.buffer == 0 {
		ix.buffer = defaultBuffer
	}
	sub := ix.bus.Watch("conversation.", ix.buffer)

	go func() {
		defer close(ix.done)
		defer sub.Cancel()
		for {
			select {
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				ix.handleEvent(evt)
				if n := sub.TakeMissed(); n > 0 {
					ix.logger.Warn("index missed engine events, reloading", zap.Uint64("missed", n))
					if err := ix.ReloadAll(ctx); err != nil {
						ix.logger.Error("index reload failed", zap.Error(err))
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops following events and waits for the loop to exit.
func (ix *Index) Stop() {
	if ix.cancel == nil {
		return
	}
	ix.cancel()
	<-ix.done
}

func (ix *Index) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.ConversationUpdated:
		if u, ok := evt.Payload.(intsync.Update); ok && u.Conversation != nil {
			ix.Replace(u.Conversation)
		}
	case bus.ConversationDeleted:
		if linkKey, ok := evt.Payload.(string); ok {
			ix.Remove(linkKey)
		}
	}
}

func newEntry(linkKey string, c *store.Conversation) *Entry {
	e := &Entry{
		LinkKey:     linkKey,
		Contact:     c.Contact,
		UnreadCount: c.UnreadCount,
		messages:    append([]store.Message(nil), c.Messages...),
	}
	e.derive()
	return e
}

func (e *Entry) derive() {
	conv := store.Conversation{Messages: e.messages, UnreadCount: e.UnreadCount}
	intsync.Derive(&conv)
	e.messages = conv.Messages
	e.LastMessage = conv.LastMessage
	e.LastTimestamp = conv.LastTimestamp
	e.UnreadCount = conv.UnreadCount
	e.MessageCount = len(conv.Messages)
}
