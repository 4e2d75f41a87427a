package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/linkchat/internal/chaterr"
)

// Well-known kv keys.
const (
	ContactsKey = "contacts"
	DeviceIDKey = "deviceId"
)

// GetValue returns the value for key and whether it exists.
func (db *DB) GetValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, chaterr.New(chaterr.StorageRead, "store.get_value", err)
	}
	return value, true, nil
}

// SetValue upserts key.
func (db *DB) SetValue(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return chaterr.New(chaterr.StorageWrite, "store.set_value", err)
	}
	return nil
}

// SetValueIfAbsent inserts key only when no value exists and returns the
// value that ends up stored.
func (db *DB) SetValueIfAbsent(ctx context.Context, key, value string) (string, error) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return "", chaterr.New(chaterr.StorageWrite, "store.set_value", err)
	}
	stored, _, err := db.GetValue(ctx, key)
	return stored, err
}
