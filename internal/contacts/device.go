package contacts

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/matheus3301/linkchat/internal/store"
)

// DeviceID returns the install's participant identifier, creating it on
// first use. Concurrent first calls, including from another process,
// agree on one value.
func DeviceID(ctx context.Context, db *store.DB) (string, error) {
	if id, ok, err := db.GetValue(ctx, store.DeviceIDKey); err != nil || ok {
		return id, err
	}
	return db.SetValueIfAbsent(ctx, store.DeviceIDKey, newDeviceID(time.Now()))
}

func newDeviceID(now time.Time) string {
	return fmt.Sprintf("device_%d_%d", now.UnixMilli(), rand.IntN(10000))
}
