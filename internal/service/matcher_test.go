package service

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"nearby/internal/cache"
	"nearby/internal/logging"
	"nearby/internal/models"
	"nearby/internal/store"
)

type fakeStore struct {
	outcome    models.UpsertOutcome
	publishErr error
	matches    []models.Match
	findErr    error
	findCalls  int
	lastRadius float64
	deleted    int64
	deleteErr  error
	cutoff     time.Time
	pingErr    error
	closeErr   error
	cleared    bool
	onPublish  func(rec models.PresenceRecord)
}

func (f *fakeStore) Publish(ctx context.Context, rec models.PresenceRecord) (models.UpsertOutcome, error) {
	if f.publishErr == nil && f.onPublish != nil {
		f.onPublish(rec)
	}
	return f.outcome, f.publishErr
}
func (f *fakeStore) FindNearby(ctx context.Context, requesterKey string, origin models.Location, maxDistanceMeters float64) ([]models.Match, error) {
	f.findCalls++
	f.lastRadius = maxDistanceMeters
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []models.Match
	for _, m := range f.matches {
		if m.DistanceMeters <= maxDistanceMeters {
			out = append(out, m)
		}
	}
	return out, nil
}
func (f *fakeStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.deleted, f.deleteErr
}
func (f *fakeStore) Clear(ctx context.Context) (int64, error) { f.cleared = true; return 2, nil }
func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeStore) Close() error { return f.closeErr }

func newTestCache(t *testing.T) cache.MatchCache {
	t.Helper()
	c, err := cache.NewRistrettoCache(cache.RistrettoConfig{TTL: time.Minute})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	return c
}

var paris = models.Location{Latitude: 48.8566, Longitude: 2.3522}

func TestPublish_ForwardsOutcome(t *testing.T) {
	fs := &fakeStore{outcome: models.OutcomeReplaced}
	m := NewProximityMatcher(fs, nil, logging.Discard(), 0)

	outcome, err := m.Publish(context.Background(), models.PresenceRecord{IdentityKey: "a"})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if outcome != models.OutcomeReplaced {
		t.Errorf("expected replaced, got %s", outcome)
	}
}

func TestPublish_StoreErrorIsWrapped(t *testing.T) {
	fs := &fakeStore{publishErr: store.ConnectionError("publish", errors.New("refused"))}
	m := NewProximityMatcher(fs, nil, logging.Discard(), 0)

	_, err := m.Publish(context.Background(), models.PresenceRecord{IdentityKey: "a"})
	if !store.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestFindNearby_Validation(t *testing.T) {
	m := NewProximityMatcher(&fakeStore{}, nil, logging.Discard(), 50000)
	tests := []struct {
		name      string
		requester string
		origin    models.Location
		radius    float64
	}{
		{"empty requester", "  ", paris, 1000},
		{"latitude out of range", "a", models.Location{Latitude: 91, Longitude: 0}, 1000},
		{"longitude NaN", "a", models.Location{Latitude: 0, Longitude: math.NaN()}, 1000},
		{"zero radius", "a", paris, 0},
		{"negative radius", "a", paris, -1},
		{"infinite radius", "a", paris, math.Inf(1)},
		{"radius above cap", "a", paris, 50001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.FindNearby(context.Background(), tt.requester, tt.origin, tt.radius)
			if !errors.Is(err, ErrInvalidQuery) {
				t.Fatalf("expected ErrInvalidQuery, got %v", err)
			}
		})
	}
}

func TestFindNearby_EmptyIsNotNil(t *testing.T) {
	m := NewProximityMatcher(&fakeStore{}, nil, logging.Discard(), 0)
	matches, err := m.FindNearby(context.Background(), "a", paris, 1000)
	if err != nil {
		t.Fatalf("FindNearby failed: %v", err)
	}
	if matches == nil || len(matches) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", matches)
	}
}

func TestFindNearby_StoreError(t *testing.T) {
	fs := &fakeStore{findErr: store.QueryError("find_nearby", errors.New("bad"))}
	m := NewProximityMatcher(fs, nil, logging.Discard(), 0)
	if _, err := m.FindNearby(context.Background(), "a", paris, 1000); !store.IsQuery(err) {
		t.Fatalf("expected query error, got %v", err)
	}
}

func TestFindNearby_ServesRepeatedQueryFromCache(t *testing.T) {
	fs := &fakeStore{matches: []models.Match{{IdentityKey: "b", DistanceMeters: 12}}}
	m := NewProximityMatcher(fs, newTestCache(t), logging.Discard(), 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		matches, err := m.FindNearby(ctx, "a", paris, 1000)
		if err != nil {
			t.Fatalf("FindNearby failed: %v", err)
		}
		if len(matches) != 1 || matches[0].IdentityKey != "b" {
			t.Fatalf("unexpected matches %#v", matches)
		}
	}
	if fs.findCalls != 1 {
		t.Errorf("expected one store query, got %d", fs.findCalls)
	}

	// A different radius is a different query.
	if _, err := m.FindNearby(ctx, "a", paris, 2000); err != nil {
		t.Fatal(err)
	}
	if fs.findCalls != 2 || fs.lastRadius != 2000 {
		t.Errorf("expected second store query with radius 2000, got %d calls radius %v", fs.findCalls, fs.lastRadius)
	}
}

func TestDeleteExpired_ClearsCacheOnlyWhenSomethingWasDeleted(t *testing.T) {
	c := newTestCache(t)
	fs := &fakeStore{}
	m := NewProximityMatcher(fs, c, logging.Discard(), 0)
	key := cache.QueryKey{RequesterKey: "a", Latitude: 1, Longitude: 1, RadiusMeters: 10}
	c.Set(key, []models.Match{{IdentityKey: "b"}})

	cutoff := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	if n, err := m.DeleteExpired(context.Background(), cutoff); err != nil || n != 0 {
		t.Fatalf("unexpected result %d %v", n, err)
	}
	if !fs.cutoff.Equal(cutoff) {
		t.Errorf("cutoff not forwarded")
	}
	if _, ok := c.Get(key); !ok {
		t.Fatal("cache should survive an empty sweep")
	}

	fs.deleted = 3
	if n, err := m.DeleteExpired(context.Background(), cutoff); err != nil || n != 3 {
		t.Fatalf("unexpected result %d %v", n, err)
	}
	if _, ok := c.Get(key); ok {
		t.Error("cache should be cleared after deleting records")
	}
}

func TestDeleteExpired_Error(t *testing.T) {
	boom := store.ConnectionError("delete_expired", errors.New("down"))
	m := NewProximityMatcher(&fakeStore{deleteErr: boom}, nil, logging.Discard(), 0)
	if _, err := m.DeleteExpired(context.Background(), time.Now()); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestReadyClearAndClose(t *testing.T) {
	fs := &fakeStore{pingErr: errors.New("unreachable"), closeErr: errors.New("close failed")}
	m := NewProximityMatcher(fs, newTestCache(t), logging.Discard(), 0)

	if err := m.Ready(context.Background()); err == nil {
		t.Error("expected ping error")
	}
	if n, err := m.Clear(context.Background()); err != nil || n != 2 || !fs.cleared {
		t.Errorf("unexpected clear result %d %v", n, err)
	}
	if m.Cache() == nil {
		t.Error("expected cache")
	}
	if err := m.Close(); err == nil {
		t.Error("expected close error")
	}
}

func TestFindNearby_CloseRadiiDoNotShareCachedResults(t *testing.T) {
	fs := &fakeStore{matches: []models.Match{{IdentityKey: "b", DistanceMeters: 1000.2}}}
	m := NewProximityMatcher(fs, newTestCache(t), logging.Discard(), 0)
	ctx := context.Background()

	wide, err := m.FindNearby(ctx, "a", paris, 1000.4)
	if err != nil {
		t.Fatalf("FindNearby failed: %v", err)
	}
	if len(wide) != 1 {
		t.Fatalf("expected b within 1000.4 m, got %#v", wide)
	}

	narrow, err := m.FindNearby(ctx, "a", paris, 999.6)
	if err != nil {
		t.Fatalf("FindNearby failed: %v", err)
	}
	for _, match := range narrow {
		if match.DistanceMeters > 999.6 {
			t.Errorf("match at %.2f m returned for radius 999.6", match.DistanceMeters)
		}
	}
	if fs.findCalls != 2 {
		t.Errorf("expected the narrower query to reach the store, got %d calls", fs.findCalls)
	}

	// A slightly moved origin is a different query too.
	moved := models.Location{Latitude: paris.Latitude + 0.000001, Longitude: paris.Longitude}
	if _, err := m.FindNearby(ctx, "a", moved, 1000.4); err != nil {
		t.Fatal(err)
	}
	if fs.findCalls != 3 {
		t.Errorf("expected the moved origin to reach the store, got %d calls", fs.findCalls)
	}
}

func TestPublish_InvalidatesCachedResults(t *testing.T) {
	fs := &fakeStore{outcome: models.OutcomeInserted}
	fs.onPublish = func(rec models.PresenceRecord) {
		fs.matches = append(fs.matches, models.Match{IdentityKey: rec.IdentityKey, DistanceMeters: 10})
	}
	m := NewProximityMatcher(fs, newTestCache(t), logging.Discard(), 0)
	ctx := context.Background()

	before, err := m.FindNearby(ctx, "a", paris, 1000)
	if err != nil {
		t.Fatalf("FindNearby failed: %v", err)
	}
	if len(before) != 0 {
		t.Fatalf("expected no matches yet, got %#v", before)
	}

	if _, err := m.Publish(ctx, models.PresenceRecord{IdentityKey: "b", VisibleTo: []string{"a"}}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	after, err := m.FindNearby(ctx, "a", paris, 1000)
	if err != nil {
		t.Fatalf("FindNearby failed: %v", err)
	}
	if len(after) != 1 || after[0].IdentityKey != "b" {
		t.Fatalf("expected [b] right after publish, got %#v", after)
	}
}

func TestPublish_FailureKeepsCache(t *testing.T) {
	c := newTestCache(t)
	key := cache.QueryKey{RequesterKey: "a", Latitude: 1, Longitude: 1, RadiusMeters: 10}
	c.Set(key, []models.Match{{IdentityKey: "b"}})

	fs := &fakeStore{publishErr: store.ConnectionError("publish", errors.New("refused"))}
	m := NewProximityMatcher(fs, c, logging.Discard(), 0)
	if _, err := m.Publish(context.Background(), models.PresenceRecord{IdentityKey: "a"}); err == nil {
		t.Fatal("expected publish error")
	}
	if _, ok := c.Get(key); !ok {
		t.Error("a failed publish should not drop cached results")
	}
}
