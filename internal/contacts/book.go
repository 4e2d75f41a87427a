// Package contacts keeps the persisted contact list and the device identity.
package contacts

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/linkchat/internal/bus"
	"github.com/matheus3301/linkchat/internal/chaterr"
	"github.com/matheus3301/linkchat/internal/logging"
	"github.com/matheus3301/linkchat/internal/store"
	intsync "github.com/matheus3301/linkchat/internal/sync"
)

const (
	keyLength   = 6
	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Book is the contact list stored under the "contacts" key.
type Book struct {
	db     *store.DB
	engine *intsync.Engine
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewBook creates a contact book. When engine is non-nil the book becomes
// its contact resolver and deletions cascade to the stored conversation.
func NewBook(db *store.DB, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *Book {
	book := &Book{
		db:     db,
		engine: engine,
		bus:    b,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
	if engine != nil {
		engine.UseContacts(book)
	}
	return book
}

// List returns every contact. A corrupt list reads as empty.
func (b *Book) List(ctx context.Context) ([]store.Contact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(ctx)
}

// Get returns the contact for linkKey.
func (b *Book) Get(ctx context.Context, linkKey string) (store.Contact, bool, error) {
	list, err := b.List(ctx)
	if err != nil {
		return store.Contact{}, false, err
	}
	i := slices.IndexFunc(list, func(c store.Contact) bool { return c.LinkKey == linkKey })
	if i < 0 {
		return store.Contact{}, false, nil
	}
	return list[i], true, nil
}

// ContactByLinkKey implements sync.ContactResolver. Read errors count as a miss.
func (b *Book) ContactByLinkKey(ctx context.Context, linkKey string) (store.Contact, bool) {
	c, ok, err := b.Get(ctx, linkKey)
	if err != nil {
		b.logger.Warn("contact lookup failed", zap.String("link_key", linkKey), zap.Error(err))
		return store.Contact{}, false
	}
	return c, ok
}

// Add validates and appends a contact. Empty localKey or linkKey are
// generated. Duplicates by name (case-insensitive), localKey or linkKey
// are rejected.
func (b *Book) Add(ctx context.Context, name, localKey, linkKey string) (store.Contact, error) {
	const op = "contacts.add"

	name = strings.TrimSpace(name)
	if name == "" {
		return store.Contact{}, chaterr.Newf(chaterr.Validation, op, "name is required")
	}
	var err error
	if localKey, err = normalizeKey(op, "key", localKey); err != nil {
		return store.Contact{}, err
	}
	if linkKey, err = normalizeKey(op, "link key", linkKey); err != nil {
		return store.Contact{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list, err := b.load(ctx)
	if err != nil {
		return store.Contact{}, err
	}
	for _, c := range list {
		switch {
		case strings.EqualFold(c.DisplayName, name):
			return store.Contact{}, chaterr.Newf(chaterr.Validation, op, "a contact named %q already exists", c.DisplayName)
		case localKey != "" && c.LocalKey == localKey:
			return store.Contact{}, chaterr.Newf(chaterr.Validation, op, "key %s is already used by %s", localKey, c.DisplayName)
		case linkKey != "" && c.LinkKey == linkKey:
			return store.Contact{}, chaterr.Newf(chaterr.Validation, op, "link key %s is already used by %s", linkKey, c.DisplayName)
		}
	}

	if localKey == "" {
		localKey = uniqueKey(list, func(c store.Contact) string { return c.LocalKey })
	}
	if linkKey == "" {
		linkKey = uniqueKey(list, func(c store.Contact) string { return c.LinkKey })
	}
	contact := store.Contact{
		ID:          strconv.FormatInt(b.now().UnixMilli(), 10),
		DisplayName: name,
		LocalKey:    localKey,
		LinkKey:     linkKey,
	}
	if err := b.save(ctx, append(list, contact)); err != nil {
		return store.Contact{}, err
	}
	b.logger.Info("contact added", zap.String("link_key", linkKey), zap.String("name", name))
	b.bus.Emit(bus.ContactAdded, contact)
	return contact, nil
}

// Delete removes the contact for linkKey together with its conversation.
func (b *Book) Delete(ctx context.Context, linkKey string) (store.Contact, error) {
	const op = "contacts.delete"

	b.mu.Lock()
	list, err := b.load(ctx)
	if err != nil {
		b.mu.Unlock()
		return store.Contact{}, err
	}
	i := slices.IndexFunc(list, func(c store.Contact) bool { return c.LinkKey == linkKey })
	if i < 0 {
		b.mu.Unlock()
		return store.Contact{}, chaterr.Newf(chaterr.NotFound, op, "no contact with link key %q", linkKey)
	}
	removed := list[i]
	err = b.save(ctx, slices.Delete(list, i, i+1))
	b.mu.Unlock()
	if err != nil {
		return store.Contact{}, err
	}

	if b.engine != nil {
		if err := b.engine.DeleteConversation(ctx, linkKey); err != nil {
			return removed, err
		}
	}
	b.logger.Info("contact deleted", zap.String("link_key", linkKey))
	b.bus.Emit(bus.ContactRemoved, removed)
	return removed, nil
}

func (b *Book) load(ctx context.Context) ([]store.Contact, error) {
	raw, ok, err := b.db.GetValue(ctx, store.ContactsKey)
	if err != nil || !ok {
		return []store.Contact{}, err
	}
	var list []store.Contact
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		b.logger.Warn("contact list is corrupt, treating as empty", zap.Error(err))
		return []store.Contact{}, nil
	}
	return list, nil
}

func (b *Book) save(ctx context.Context, list []store.Contact) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return chaterr.New(chaterr.StorageWrite, "contacts.save", err)
	}
	return b.db.SetValue(ctx, store.ContactsKey, string(raw))
}

// normalizeKey upper-cases a user supplied key and checks its shape.
// Empty stays empty.
func normalizeKey(op, field, key string) (string, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if key == "" {
		return "", nil
	}
	if !ValidKey(key) {
		return "", chaterr.Newf(chaterr.Validation, op, "%s must be %d characters from A-Z and 0-9", field, keyLength)
	}
	return key, nil
}

// ValidKey reports whether key is six characters from [A-Z0-9].
func ValidKey(key string) bool {
	if len(key) != keyLength {
		return false
	}
	for _, r := range key {
		if !strings.ContainsRune(keyAlphabet, r) {
			return false
		}
	}
	return true
}

// GenerateKey returns a random six character key.
func GenerateKey() string {
	var sb strings.Builder
	for range keyLength {
		sb.WriteByte(keyAlphabet[rand.IntN(len(keyAlphabet))])
	}
	return sb.String()
}

func uniqueKey(list []store.Contact, field func(store.Contact) string) string {
	for {
		k := GenerateKey()
		if !slices.ContainsFunc(list, func(c store.Contact) bool { return field(c) == k }) {
			return k
		}
	}
}
