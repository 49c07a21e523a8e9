package models

import (
	"errors"
	"fmt"
	"time"

	"nearby/internal/geo"
)

// ErrInvalidRecord is wrapped by every presence validation failure.
var ErrInvalidRecord = errors.New("invalid presence record")

// UpsertOutcome tells whether a publish created or replaced a record
type UpsertOutcome string

const (
	OutcomeInserted UpsertOutcome = "inserted"
	OutcomeReplaced UpsertOutcome = "replaced"
)

// IsValid checks if the outcome is one of the known values
func (o UpsertOutcome) IsValid() bool {
	switch o {
	case OutcomeInserted, OutcomeReplaced:
		return true
	default:
		return false
	}
}

// Location is a WGS84 position in decimal degrees
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks that both axes are finite and in range
func (l Location) Validate() error {
	if !geo.ValidCoordinates(l.Latitude, l.Longitude) {
		return fmt.Errorf("%w: coordinates (%v, %v) out of range", ErrInvalidRecord, l.Latitude, l.Longitude)
	}
	return nil
}

// Point returns the storage form of the location
func (l Location) Point() geo.Point {
	return geo.NewPoint(l.Latitude, l.Longitude)
}

// PresenceRecord says an identity is available at a location until ExpiresAt,
// and may be discovered by the identities listed in VisibleTo.
type PresenceRecord struct {
	IdentityKey string    `json:"phone_number_hash"`
	Location    Location  `json:"location"`
	ExpiresAt   time.Time `json:"available_until"`
	VisibleTo   []string  `json:"contacts_phone_number_hash"`
}

// Validate validates the presence record
func (r *PresenceRecord) Validate() error {
	if r.IdentityKey == "" {
		return fmt.Errorf("%w: phone_number_hash is required", ErrInvalidRecord)
	}
	if err := r.Location.Validate(); err != nil {
		return err
	}
	if r.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: available_until is required", ErrInvalidRecord)
	}
	return nil
}

// IsExpiredAt reports whether the record is logically deleted at t
func (r *PresenceRecord) IsExpiredAt(t time.Time) bool {
	return r.ExpiresAt.Before(t)
}

// IsVisibleTo reports whether key may discover this record
func (r *PresenceRecord) IsVisibleTo(key string) bool {
	for _, k := range r.VisibleTo {
		if k == key {
			return true
		}
	}
	return false
}

// Match is one result of a nearby query. Only the identity and the distance
// are exposed; the matched party's location never leaves the store.
type Match struct {
	IdentityKey    string  `json:"phone_number_hash" bson:"phone_number_hash"`
	DistanceMeters float64 `json:"distance" bson:"distance"`
}

// PublishResponse represents the API response for a publish
type PublishResponse struct {
	Success bool          `json:"success"`
	Outcome UpsertOutcome `json:"outcome,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// NearbyResponse represents the API response for a nearby query
type NearbyResponse struct {
	Success bool    `json:"success"`
	Data    []Match `json:"data"`
	Error   string  `json:"error,omitempty"`
}
