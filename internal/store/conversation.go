package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/linkchat/internal/chaterr"
)

const conversationKeyPrefix = "chat_"

// ErrCorrupt marks a stored payload that does not parse.
var ErrCorrupt = errors.New("corrupt conversation record")

// ConversationKey returns the storage key for linkKey.
func ConversationKey(linkKey string) string {
	return conversationKeyPrefix + linkKey
}

// LinkKeyFromStorageKey is the inverse of ConversationKey.
func LinkKeyFromStorageKey(key string) (string, bool) {
	return strings.CutPrefix(key, conversationKeyPrefix)
}

// GetConversation returns the stored record, or nil, nil when absent.
// A record that does not parse yields a StorageRead error wrapping ErrCorrupt.
func (db *DB) GetConversation(ctx context.Context, linkKey string) (*Conversation, error) {
	return getConversation(ctx, db.DB, linkKey)
}

// GetConversation is GetConversation within the transaction.
func (tx *Tx) GetConversation(ctx context.Context, linkKey string) (*Conversation, error) {
	return getConversation(ctx, tx.tx, linkKey)
}

// PutConversation replaces the stored record for c.Contact.LinkKey.
func (tx *Tx) PutConversation(ctx context.Context, c *Conversation) error {
	return putConversation(ctx, tx.tx, c)
}

// PutConversation writes c outside a transaction.
func (db *DB) PutConversation(ctx context.Context, c *Conversation) error {
	return putConversation(ctx, db.DB, c)
}

// DeleteConversation removes the record. Deleting an absent record is not an error.
func (tx *Tx) DeleteConversation(ctx context.Context, linkKey string) error {
	return deleteConversation(ctx, tx.tx, linkKey)
}

// DeleteConversation removes the record outside a transaction.
func (db *DB) DeleteConversation(ctx context.Context, linkKey string) error {
	return deleteConversation(ctx, db.DB, linkKey)
}

// ListConversations scans every stored conversation in key order.
// Unparseable payloads are returned with Err set instead of failing the scan.
func (db *DB) ListConversations(ctx context.Context) ([]Record, error) {
	rows, err := db.QueryContext(ctx, `SELECT storage_key, link_key, payload FROM conversations ORDER BY storage_key`)
	if err != nil {
		return nil, chaterr.New(chaterr.StorageRead, "store.list_conversations", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var r Record
		var payload string
		if err := rows.Scan(&r.Key, &r.LinkKey, &payload); err != nil {
			return nil, chaterr.New(chaterr.StorageRead, "store.list_conversations", err)
		}
		r.Conversation, r.Err = decodeConversation(r.LinkKey, payload)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, chaterr.New(chaterr.StorageRead, "store.list_conversations", err)
	}
	return records, nil
}

// CountConversations returns the number of stored records.
func (db *DB) CountConversations(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, chaterr.New(chaterr.StorageRead, "store.count_conversations", err)
	}
	return n, nil
}

func getConversation(ctx context.Context, q querier, linkKey string) (*Conversation, error) {
	var payload string
	err := q.QueryRowContext(ctx, `SELECT payload FROM conversations WHERE storage_key = ?`,
		ConversationKey(linkKey)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, chaterr.New(chaterr.StorageRead, "store.get_conversation", err)
	}
	c, err := decodeConversation(linkKey, payload)
	if err != nil {
		return nil, chaterr.New(chaterr.StorageRead, "store.get_conversation", err)
	}
	return c, nil
}

func putConversation(ctx context.Context, q querier, c *Conversation) error {
	linkKey := c.Contact.LinkKey
	if linkKey == "" {
		return chaterr.Newf(chaterr.Validation, "store.put_conversation", "conversation has no link key")
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return chaterr.New(chaterr.StorageWrite, "store.put_conversation", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO conversations (storage_key, link_key, payload, last_timestamp, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(storage_key) DO UPDATE SET
			payload = excluded.payload,
			last_timestamp = excluded.last_timestamp,
			updated_at = excluded.updated_at`,
		ConversationKey(linkKey), linkKey, string(payload), c.LastTimestamp, time.Now().UnixMilli())
	if err != nil {
		return chaterr.New(chaterr.StorageWrite, "store.put_conversation", err)
	}
	return nil
}

func deleteConversation(ctx context.Context, q querier, linkKey string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM conversations WHERE storage_key = ?`, ConversationKey(linkKey)); err != nil {
		return chaterr.New(chaterr.StorageWrite, "store.delete_conversation", err)
	}
	return nil
}

// decodeConversation parses a payload. A missing unreadCount reads as zero;
// a negative one is clamped.
func decodeConversation(linkKey, payload string) (*Conversation, error) {
	var c Conversation
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	if c.Contact.LinkKey == "" {
		c.Contact.LinkKey = linkKey
	}
	return &c, nil
}
