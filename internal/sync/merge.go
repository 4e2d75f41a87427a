package sync

import (
	"cmp"
	"slices"

	"github.com/matheus3301/linkchat/internal/store"
)

// Merge returns existing ∪ incoming keyed by message id, sorted by
// (timestamp, id). For a repeated id the later occurrence wins, incoming
// over existing. admitted counts distinct ids absent from existing.
func Merge(existing, incoming []store.Message) (merged []store.Message, admitted int) {
	pos := make(map[string]int, len(existing)+len(incoming))
	merged = make([]store.Message, 0, len(existing)+len(incoming))

	for _, m := range existing {
		if i, ok := pos[m.ID]; ok {
			merged[i] = m
			continue
		}
		pos[m.ID] = len(merged)
		merged = append(merged, m)
	}
	known := len(merged)

	for _, m := range incoming {
		if m.ID == "" {
			continue
		}
		if i, ok := pos[m.ID]; ok {
			merged[i] = m
			continue
		}
		pos[m.ID] = len(merged)
		merged = append(merged, m)
	}
	admitted = len(merged) - known

	SortMessages(merged)
	return merged, admitted
}

// Remove drops every message whose id is in ids and reports how many were removed.
func Remove(existing []store.Message, ids []string) ([]store.Message, int) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	out := make([]store.Message, 0, len(existing))
	for _, m := range existing {
		if _, ok := drop[m.ID]; ok {
			continue
		}
		out = append(out, m)
	}
	return out, len(existing) - len(out)
}

// SortMessages orders msgs ascending by (timestamp, id).
func SortMessages(msgs []store.Message) {
	slices.SortFunc(msgs, compareMessages)
}

func compareMessages(a, b store.Message) int {
	if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Derive re-sorts c.Messages and recomputes the last-message fields from
// the final element. Unread is clamped at zero.
func Derive(c *store.Conversation) {
	if c.Messages == nil {
		c.Messages = []store.Message{}
	}
	SortMessages(c.Messages)
	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1]
		c.LastMessage = last.Body
		c.LastTimestamp = last.CreatedAt
	} else {
		c.LastMessage = ""
		c.LastTimestamp = 0
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
}
