package store

import (
	"context"
	"time"

	"nuha.dev/gpsfeed/internal/fix"
)

// HistoryStore is the persistence contract the pipeline writes to and reads
// from. Append is fire-and-forget: implementations buffer internally so a
// slow or unavailable backend degrades durability, never liveness.
type HistoryStore interface {
	Append(vf fix.ValidatedFix)
	// QueryRange returns fixes ordered by timestamp ascending. An empty
	// deviceId matches all devices; limit of 0 means no limit.
	QueryRange(ctx context.Context, deviceId string, from, to time.Time, limit int) ([]fix.ValidatedFix, error)
	LastFix(ctx context.Context, deviceId string) (*fix.ValidatedFix, error)
}
