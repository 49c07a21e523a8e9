package store

import (
	"context"
	"time"

	"nearby/internal/models"
)

// PresenceStore is the single point of access to the presence collection.
// Implementations must be safe for concurrent use; uniqueness per identity
// relies on the backend's atomic replace-or-insert, not on locks.
type PresenceStore interface {
	// Publish replaces the record for rec.IdentityKey, or inserts it.
	Publish(ctx context.Context, rec models.PresenceRecord) (models.UpsertOutcome, error)
	// FindNearby returns the records visible to requesterKey within
	// maxDistanceMeters of origin, nearest first.
	FindNearby(ctx context.Context, requesterKey string, origin models.Location, maxDistanceMeters float64) ([]models.Match, error)
	// DeleteExpired removes every record whose expiry is before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
	// Clear removes every record. Maintenance and tests only.
	Clear(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
