package models

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

func validRecord() PresenceRecord {
	return PresenceRecord{
		IdentityKey: "01234",
		Location:    Location{Latitude: 43.5, Longitude: 5.8952895},
		ExpiresAt:   time.Date(2021, 1, 1, 11, 21, 33, 0, time.UTC),
		VisibleTo:   []string{"56789", "0000000"},
	}
}

func TestUpsertOutcome_IsValid(t *testing.T) {
	tests := []struct {
		outcome UpsertOutcome
		valid   bool
	}{
		{OutcomeInserted, true},
		{OutcomeReplaced, true},
		{"updated", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			if got := tt.outcome.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestPresenceRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *PresenceRecord)
		wantErr bool
	}{
		{name: "valid record", mutate: func(r *PresenceRecord) {}},
		{name: "empty visibility is fine", mutate: func(r *PresenceRecord) { r.VisibleTo = nil }},
		{name: "missing identity", mutate: func(r *PresenceRecord) { r.IdentityKey = "" }, wantErr: true},
		{name: "latitude out of range", mutate: func(r *PresenceRecord) { r.Location.Latitude = 91 }, wantErr: true},
		{name: "longitude NaN", mutate: func(r *PresenceRecord) { r.Location.Longitude = math.NaN() }, wantErr: true},
		{name: "missing expiry", mutate: func(r *PresenceRecord) { r.ExpiresAt = time.Time{} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecord()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if !errors.Is(err, ErrInvalidRecord) {
					t.Errorf("expected ErrInvalidRecord, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestPresenceRecord_IsExpiredAt(t *testing.T) {
	r := validRecord()
	if r.IsExpiredAt(r.ExpiresAt) {
		t.Error("record should still be live at exactly its expiry")
	}
	if !r.IsExpiredAt(r.ExpiresAt.Add(time.Second)) {
		t.Error("record should be expired one second after expiry")
	}
}

func TestPresenceRecord_IsVisibleToIsDirectional(t *testing.T) {
	a := PresenceRecord{IdentityKey: "A", VisibleTo: []string{"B"}}
	b := PresenceRecord{IdentityKey: "B", VisibleTo: []string{}}

	if !a.IsVisibleTo("B") {
		t.Error("B should see A")
	}
	if b.IsVisibleTo("A") {
		t.Error("A should not see B")
	}
}

func TestPresenceDocument_FieldNamesAndAxisOrder(t *testing.T) {
	r := validRecord()
	r.ExpiresAt = time.Date(2021, 1, 1, 12, 21, 33, 0, time.FixedZone("CET", 3600))

	data, err := json.Marshal(NewPresenceDocument(r))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"phone_number_hash", "location", "available_until", "contacts_phone_number_hash"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("expected field %q in stored document", field)
		}
	}

	loc := raw["location"].(map[string]any)
	if loc["type"] != "Point" {
		t.Errorf("expected GeoJSON Point, got %v", loc["type"])
	}
	coords := loc["coordinates"].([]any)
	if coords[0].(float64) != r.Location.Longitude || coords[1].(float64) != r.Location.Latitude {
		t.Errorf("expected [lon, lat], got %v", coords)
	}
	if raw["available_until"] != "2021-01-01T11:21:33Z" {
		t.Errorf("expected expiry normalized to UTC, got %v", raw["available_until"])
	}
}

func TestPresenceDocument_RecordRoundTrip(t *testing.T) {
	r := validRecord()
	back, err := NewPresenceDocument(r).Record()
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if back.IdentityKey != r.IdentityKey || back.Location != r.Location || !back.ExpiresAt.Equal(r.ExpiresAt) {
		t.Errorf("round trip mismatch: %+v vs %+v", back, r)
	}
	if len(back.VisibleTo) != 2 {
		t.Errorf("expected 2 contacts, got %v", back.VisibleTo)
	}
}

func TestPresenceDocument_NilContactsStoredAsEmptyArray(t *testing.T) {
	r := validRecord()
	r.VisibleTo = nil
	doc := NewPresenceDocument(r)
	if doc.ContactsPhoneNumberHash == nil {
		t.Fatal("contacts should be an empty array, not null")
	}
}

func TestPresenceDocument_RecordRejectsBadLocation(t *testing.T) {
	doc := NewPresenceDocument(validRecord())
	doc.Location.Coordinates = []float64{6}
	if _, err := doc.Record(); err == nil {
		t.Fatal("expected decode error for malformed location")
	}
}
