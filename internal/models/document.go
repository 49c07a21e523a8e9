package models

import (
	"fmt"
	"time"

	"nearby/internal/geo"
)

// PresenceDocument is the stored shape of a PresenceRecord. Field names are
// shared by every backend and must not change.
type PresenceDocument struct {
	PhoneNumberHash         string    `json:"phone_number_hash" bson:"phone_number_hash"`
	Location                geo.Point `json:"location" bson:"location"`
	AvailableUntil          time.Time `json:"available_until" bson:"available_until"`
	ContactsPhoneNumberHash []string  `json:"contacts_phone_number_hash" bson:"contacts_phone_number_hash"`
}

// NewPresenceDocument converts a record to its stored form. Expiry is
// normalized to UTC and a nil visibility list becomes an empty array.
func NewPresenceDocument(r PresenceRecord) PresenceDocument {
	contacts := r.VisibleTo
	if contacts == nil {
		contacts = []string{}
	}
	return PresenceDocument{
		PhoneNumberHash:         r.IdentityKey,
		Location:                r.Location.Point(),
		AvailableUntil:          r.ExpiresAt.UTC(),
		ContactsPhoneNumberHash: contacts,
	}
}

// Record converts a stored document back to a PresenceRecord
func (d PresenceDocument) Record() (PresenceRecord, error) {
	lat, lon, err := d.Location.LatLon()
	if err != nil {
		return PresenceRecord{}, fmt.Errorf("presence %q: %w", d.PhoneNumberHash, err)
	}
	return PresenceRecord{
		IdentityKey: d.PhoneNumberHash,
		Location:    Location{Latitude: lat, Longitude: lon},
		ExpiresAt:   d.AvailableUntil.UTC(),
		VisibleTo:   d.ContactsPhoneNumberHash,
	}, nil
}
