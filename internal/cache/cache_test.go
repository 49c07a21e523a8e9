package cache

import (
	"testing"
	"time"

	"nearby/internal/models"
)

func newTestCache(t *testing.T, ttl time.Duration) MatchCache {
	t.Helper()
	c, err := NewRistrettoCache(RistrettoConfig{TTL: ttl, MaxCost: 1 << 16, NumCounters: 1000, BufferItems: 64, Metrics: true})
	if err != nil {
		t.Fatalf("NewRistrettoCache: %v", err)
	}
	return c
}

func TestMatchCache_SetAndGet(t *testing.T) {
	c := newTestCache(t, time.Minute)
	key := QueryKey{RequesterKey: "John", Latitude: 43, Longitude: 6, RadiusMeters: 1000}

	if _, found := c.Get(key); found {
		t.Fatal("expected miss on empty cache")
	}

	c.Set(key, []models.Match{{IdentityKey: "Sylvester", DistanceMeters: 1.4}})

	got, found := c.Get(key)
	if !found {
		t.Fatal("expected cached result")
	}
	if len(got) != 1 || got[0].IdentityKey != "Sylvester" {
		t.Errorf("unexpected cached value %v", got)
	}
	if c.Size() != 1 {
		t.Errorf("expected cache size 1, got %d", c.Size())
	}
}

func TestMatchCache_EmptyResultIsCached(t *testing.T) {
	c := newTestCache(t, time.Minute)
	key := QueryKey{RequesterKey: "lonely", Latitude: 43, Longitude: 6, RadiusMeters: 1000}

	c.Set(key, []models.Match{})
	got, found := c.Get(key)
	if !found {
		t.Fatal("expected empty result to be cached")
	}
	if len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
}

func TestMatchCache_ReturnsCopies(t *testing.T) {
	c := newTestCache(t, time.Minute)
	key := QueryKey{RequesterKey: "John", Latitude: 43, Longitude: 6, RadiusMeters: 1000}
	original := []models.Match{{IdentityKey: "A", DistanceMeters: 1}}
	c.Set(key, original)
	original[0].IdentityKey = "mutated"

	got, _ := c.Get(key)
	got[0].IdentityKey = "mutated again"

	again, _ := c.Get(key)
	if again[0].IdentityKey != "A" {
		t.Fatalf("cache entry was mutated: %v", again)
	}
}

func TestMatchCache_TTLExpiration(t *testing.T) {
	c := newTestCache(t, 50*time.Millisecond)
	key := QueryKey{RequesterKey: "John", Latitude: 43, Longitude: 6, RadiusMeters: 1000}
	c.Set(key, []models.Match{{IdentityKey: "A"}})

	if _, found := c.Get(key); !found {
		t.Fatal("expected hit immediately after set")
	}

	time.Sleep(2 * time.Second)

	if _, found := c.Get(key); found {
		t.Error("expected entry to expire")
	}
}

func TestMatchCache_Clear(t *testing.T) {
	c := newTestCache(t, time.Minute)
	key := QueryKey{RequesterKey: "John", Latitude: 43, Longitude: 6, RadiusMeters: 1000}
	c.Set(key, []models.Match{{IdentityKey: "A"}})

	c.Clear()

	if _, found := c.Get(key); found {
		t.Error("expected miss after Clear")
	}
}

func TestQueryKey_OnlyIdenticalQueriesShareAKey(t *testing.T) {
	a := QueryKey{RequesterKey: "John", Latitude: 43.000001, Longitude: 6.000001, RadiusMeters: 1000.4}
	same := QueryKey{RequesterKey: "John", Latitude: 43.000001, Longitude: 6.000001, RadiusMeters: 1000.4}
	if a.String() != same.String() {
		t.Errorf("identical queries must share a key: %s vs %s", a, same)
	}

	tests := []struct {
		name string
		key  QueryKey
	}{
		{"sub-meter radius", QueryKey{RequesterKey: "John", Latitude: 43.000001, Longitude: 6.000001, RadiusMeters: 999.6}},
		{"sub-meter origin", QueryKey{RequesterKey: "John", Latitude: 43.000002, Longitude: 6.000001, RadiusMeters: 1000.4}},
		{"other requester", QueryKey{RequesterKey: "Paul", Latitude: 43.000001, Longitude: 6.000001, RadiusMeters: 1000.4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if a.String() == tt.key.String() {
				t.Errorf("different queries share key %s", a)
			}
		})
	}
}

func TestNewRistrettoCache_RejectsNonPositiveTTL(t *testing.T) {
	if _, err := NewRistrettoCache(RistrettoConfig{}); err == nil {
		t.Fatal("expected error for zero TTL")
	}
}

func TestMetrics(t *testing.T) {
	c := newTestCache(t, time.Minute)
	key := QueryKey{RequesterKey: "John"}
	c.Get(key)
	c.Set(key, []models.Match{{IdentityKey: "A"}})
	c.Get(key)

	m := c.Metrics()
	if m.Hits != 1 || m.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %+v", m)
	}
}
