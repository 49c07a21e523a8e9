package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"nearby/internal/cache"
	"nearby/internal/metrics"
	"nearby/internal/models"
	"nearby/internal/store"
)

// ErrInvalidQuery is returned for malformed nearby queries
var ErrInvalidQuery = errors.New("invalid nearby query")

// ProximityMatcher answers "which of my contacts are available near me" on top
// of a presence store
type ProximityMatcher struct {
	store     store.PresenceStore
	cache     cache.MatchCache // nil disables result caching
	logger    *slog.Logger
	maxRadius float64
}

// NewProximityMatcher creates a matcher. A maxRadius of zero means no cap.
func NewProximityMatcher(s store.PresenceStore, c cache.MatchCache, logger *slog.Logger, maxRadius float64) *ProximityMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProximityMatcher{
		store:     s,
		cache:     c,
		logger:    logger.With("component", "matcher"),
		maxRadius: maxRadius,
	}
}

// Publish stores rec, replacing any earlier record for the same identity.
// Cached nearby results are dropped on success.
func (m *ProximityMatcher) Publish(ctx context.Context, rec models.PresenceRecord) (models.UpsertOutcome, error) {
	outcome, err := m.store.Publish(ctx, rec)
	if err != nil {
		metrics.ObservePublish("error")
		return "", fmt.Errorf("failed to publish presence: %w", err)
	}
	metrics.ObservePublish(string(outcome))
	if m.cache != nil {
		// Any cached list may now miss or misplace this identity.
		m.cache.Clear()
	}
	m.logger.Debug("presence published",
		"phone_number_hash", rec.IdentityKey,
		"available_until", rec.ExpiresAt.UTC(),
		"outcome", outcome)
	return outcome, nil
}

// FindNearby returns contacts visible to requesterKey within radiusMeters of
// origin, nearest first
func (m *ProximityMatcher) FindNearby(ctx context.Context, requesterKey string, origin models.Location, radiusMeters float64) ([]models.Match, error) {
	if err := m.validateQuery(requesterKey, origin, radiusMeters); err != nil {
		return nil, err
	}

	key := cache.QueryKey{
		RequesterKey: requesterKey,
		Latitude:     origin.Latitude,
		Longitude:    origin.Longitude,
		RadiusMeters: radiusMeters,
	}
	if m.cache != nil {
		if matches, ok := m.cache.Get(key); ok {
			metrics.ObserveNearby("cache", len(matches))
			return matches, nil
		}
	}

	matches, err := m.store.FindNearby(ctx, requesterKey, origin, radiusMeters)
	if err != nil {
		metrics.ObserveNearby("error", 0)
		return nil, fmt.Errorf("failed to find nearby contacts: %w", err)
	}
	if matches == nil {
		matches = []models.Match{}
	}
	metrics.ObserveNearby("store", len(matches))

	if m.cache != nil {
		m.cache.Set(key, matches)
	}
	return matches, nil
}

// DeleteExpired removes records that expired before cutoff. Cached results
// are dropped when anything was removed.
func (m *ProximityMatcher) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	deleted, err := m.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 && m.cache != nil {
		m.cache.Clear()
	}
	return deleted, nil
}

// Clear deletes every presence record
func (m *ProximityMatcher) Clear(ctx context.Context) (int64, error) {
	n, err := m.store.Clear(ctx)
	if err != nil {
		return 0, err
	}
	if m.cache != nil {
		m.cache.Clear()
	}
	return n, nil
}

// Ready checks whether the store is reachable
func (m *ProximityMatcher) Ready(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// Cache exposes the result cache for size reporting; nil when disabled
func (m *ProximityMatcher) Cache() cache.MatchCache { return m.cache }

// Close closes the store and drops cached results
func (m *ProximityMatcher) Close() error {
	if m.cache != nil {
		m.cache.Clear()
	}
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

func (m *ProximityMatcher) validateQuery(requesterKey string, origin models.Location, radiusMeters float64) error {
	if strings.TrimSpace(requesterKey) == "" {
		return fmt.Errorf("%w: phone_number_hash is required", ErrInvalidQuery)
	}
	if err := origin.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if math.IsNaN(radiusMeters) || math.IsInf(radiusMeters, 0) || radiusMeters <= 0 {
		return fmt.Errorf("%w: radius must be a positive number of meters", ErrInvalidQuery)
	}
	if m.maxRadius > 0 && radiusMeters > m.maxRadius {
		return fmt.Errorf("%w: radius exceeds %.0f meters", ErrInvalidQuery, m.maxRadius)
	}
	return nil
}
