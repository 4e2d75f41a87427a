package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/matheus3301/linkchat/internal/chaterr"
)

// AdvanceCheckpoint records ms under key unless a later value is already
// stored. Checkpoints never move backwards.
func (db *DB) AdvanceCheckpoint(ctx context.Context, key string, ms int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE WHEN CAST(excluded.value AS INTEGER) > CAST(sync_state.value AS INTEGER)
				THEN excluded.value ELSE sync_state.value END,
			updated_at = excluded.updated_at`,
		key, strconv.FormatInt(ms, 10), time.Now().UnixMilli())
	if err != nil {
		return chaterr.New(chaterr.StorageWrite, "store.checkpoint", err)
	}
	return nil
}

// Checkpoint returns the value stored under key, or 0 when none is.
func (db *DB) Checkpoint(ctx context.Context, key string) (int64, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, chaterr.New(chaterr.StorageRead, "store.checkpoint", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, chaterr.New(chaterr.StorageRead, "store.checkpoint", err)
	}
	return ms, nil
}
