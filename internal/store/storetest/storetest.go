// Package storetest holds the behavioral test suite every store.PresenceStore
// backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearby/internal/models"
	"nearby/internal/store"
)

// Factory returns an empty store. The suite closes it after each test.
type Factory func(t *testing.T) store.PresenceStore

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return ts
}

func record(identity string, lat, lon float64, until time.Time, visibleTo ...string) models.PresenceRecord {
	return models.PresenceRecord{
		IdentityKey: identity,
		Location:    models.Location{Latitude: lat, Longitude: lon},
		ExpiresAt:   until,
		VisibleTo:   visibleTo,
	}
}

func identities(matches []models.Match) []string {
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.IdentityKey)
	}
	return out
}

// Run executes the suite against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.PresenceStore)
	}{
		{"FirstPublishInsertsThenReplaces", testFirstPublishInsertsThenReplaces},
		{"RepeatedPublishKeepsOneRecord", testRepeatedPublishKeepsOneRecord},
		{"ConcurrentPublishSameIdentity", testConcurrentPublishSameIdentity},
		{"PublishRejectsInvalidRecord", testPublishRejectsInvalidRecord},
		{"VisibilityIsDirectional", testVisibilityIsDirectional},
		{"DistanceFiltering", testDistanceFiltering},
		{"ResultsOrderedByDistance", testResultsOrderedByDistance},
		{"NoVisibleContactsIsEmpty", testNoVisibleContactsIsEmpty},
		{"OnlyContactsAreReturned", testOnlyContactsAreReturned},
		{"DeleteExpired", testDeleteExpired},
		{"EndToEndScenario", testEndToEndScenario},
		{"Clear", testClear},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer func() {
				if err := s.Close(); err != nil {
					t.Logf("Error closing store: %v", err)
				}
			}()
			tt.fn(t, s)
		})
	}
}

func testFirstPublishInsertsThenReplaces(t *testing.T, s store.PresenceStore) {
	ctx := context.Background()
	rec := record("15645612", 43.2255228, 6.3516515645, at(t, "2021-05-21T18:21:43Z"))

	outcome, err := s.Publish(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeInserted, outcome)

	for i := 0; i < 3; i++ {
		outcome, err = s.Publish(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeReplaced, outcome)
	}
}

func testRepeatedPublishKeepsOneRecord(t *testing.T, s store.PresenceStore) {
	ctx := context.Background()
	until := at(t, "2021-05-21T18:21:43Z")

	var last models.PresenceRecord
	for i := 0; i < 5; i++ {
		last = record("walker", 43.0+float64(i)*0.01, 6.0, until.Add(time.Duration(i)*time.Minute), "watcher")
		_, err := s.Publish(ctx, last)
		require.NoError(t, err)
	}

	// Only the last position is stored: it is found at ~0 m, earlier ones are not.
	matches, err := s.FindNearby(ctx, "watcher", last.Location, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"walker"}, identities(matches))
	assert.Less(t, matches[0].DistanceMeters, 1.0)

	first := models.Location{Latitude: 43.0, Longitude: 6.0}
	matches, err = s.FindNearby(ctx, "watcher", first, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)

	// The last expiry is the stored one.
	n, err := s.DeleteExpired(ctx, last.ExpiresAt)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Clear(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "exactly one record per identity")
}

func testConcurrentPublishSameIdentity(t *testing.T, s store.PresenceStore) {
	ctx := context.Background()
	until := at(t, "2021-05-21T18:21:43Z")

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		errs     []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := s.Publish(ctx, record("racer", 43.0, 6.0+float64(i)*0.001, until, "watcher"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if outcome == models.OutcomeInserted {
				inserted++
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, inserted, "exactly one racing publish inserts")

	n, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func testPublishRejectsInvalidRecord(t *testing.T, s store.PresenceStore) {
	ctx := context.Background()
	_, err := s.Publish(ctx, record("", 43, 6, at(t, "2021-05-21T18:21:43Z")))
	assert.True(t, errors.Is(err, models.ErrInvalidRecord), "got %v", err)

	_, err = s.Publish(ctx, record("x", 100, 6, at(t, "2021-05-21T18:21:43Z")))
	assert.True(t, errors.Is(err, models.ErrInvalidRecord), "got %v", err)
}

func testVisibilityIsDirectional(t *testing.T, s store.PresenceStore) {
	ctx := context.Background()
	until := at(t, "2021-05-21T18:21:43Z")
	here := models.Location{Latitude: 43.0, Longitude: 6.0}

	_, err := s.Publish(ctx, record("A", 43.0, 6.0, until, "B"))
	require.NoError(t, err)
	_, err = s.Publish(ctx, record("B", 43.0, 6.0, until))
	require.NoError(t, err)

	fromB, err := s.FindNearby(ctx, "B", here, 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, identities(fromB))

	fromA, err := s.FindNearby(ctx, "A", here, 1000)
	require.NoError(t, err)
	assert.Empty(t, fromA)
}

func testDistanceFiltering(t *testing.T, s store.PresenceStore) {
	ctx := context.Background()
	until := at(t, "2021-05-21T18:21:43Z")

	_, err := s.Publish(ctx, record("A", 43.0, 6.0, until, "B"))
	require.NoError(t, err)
	_, err = s.Publish(ctx, record("C", 44.0, 5.0, until, "B"))
	require.NoError(t, err)

	matches, err := s.FindNearby(ctx, "B", models.Location{Latitude: 43.0, Longitude: 6.0}, 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, identities(matches))

	matches, err = s.FindNearby(ctx, "B", models.Location{Latitude: 43.0, Longitude: 6.0}, 200_000)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, identities(matches))
	assert.InDelta(t, 137_500, matches[1].DistanceMeters, 2_000)
}

func testResultsOrderedByDistance(t *testing.T, s store.PresenceStore) {
	ctx := context.Background()
	until := at(t, "2021-05-21T18:21:43Z")

	for i, offset := range []float64{0.03, 0.01, 0.02} {
		_, err := s.Publish(ctx, record(fmt.Sprintf("friend-%d", i), 43.0+offset, 6.0, until, "me"))
		require.NoError(t, err)
	}

	matches, err := s.FindNearby(ctx, "me", models.Location{Latitude: 43.0, Longitude: 6.0}, 10_000)
	require.NoError(t, err)
	require.Equal(t, []string{"friend-1", "friend-2", "friend-0"}, identities(matches))
	for i := 1; i < len(matches); i++ {
		assert.LessOrEqual(t, matches[i-1].DistanceMeters, matches[i].DistanceMeters)
	}
}

func testNoVisibleContactsIsEmpty(t *testing.T, s store.PresenceStore) {
	matches, err := s.FindNearby(context.Background(), "lonely", models.Location{Latitude: 43.0, Longitude: 6.0}, 10_000)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func testOnlyContactsAreReturned(t *testing.T, s store.PresenceStore) {
	ctx := context.Background()
	until := at(t, "2021-05-21T18:21:43Z")

	_, err := s.Publish(ctx, record("Sylvester", 43.00001, 6.00001, until, "John", "Didier"))
	require.NoError(t, err)
	_, err = s.Publish(ctx, record("Didier", 42.0, 5.0, until, "John"))
	require.NoError(t, err)
	_, err = s.Publish(ctx, record("Unknown Man", 43.0, 6.0, until, "Unknown Man's Friend"))
	require.NoError(t, err)

	// Unknown Man is closer but does not list John; Didier lists John but is far.
	matches, err := s.FindNearby(ctx, "John", models.Location{Latitude: 43.0, Longitude: 6.0}, 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sylvester"}, identities(matches))
}

func testDeleteExpired(t *testing.T, s store.PresenceStore) {
	ctx := context.Background()

	_, err := s.Publish(ctx, record("Not Available", 43.2255228, 6.3516515645, at(t, "2021-05-21T18:20:00Z"), "probe"))
	require.NoError(t, err)
	_, err = s.Publish(ctx, record("Available", 43.2255228, 6.3516515645, at(t, "2021-05-21T18:21:00Z"), "probe"))
	require.NoError(t, err)

	cutoff := at(t, "2021-05-21T18:20:30Z")
	n, err := s.DeleteExpired(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.DeleteExpired(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "sweeping again with the same cutoff removes nothing")

	matches, err := s.FindNearby(ctx, "probe", models.Location{Latitude: 43.2255228, Longitude: 6.3516515645}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Available"}, identities(matches))
}

func testEndToEndScenario(t *testing.T, s store.PresenceStore) {
	ctx := context.Background()

	_, err := s.Publish(ctx, record("Peppa", 43.0, 6.0, at(t, "2021-05-21T22:00:00Z"), "Rebecca", "Suzy"))
	require.NoError(t, err)
	_, err = s.Publish(ctx, record("Rebecca", 43.0, 6.0, at(t, "2021-05-21T21:00:00Z"), "Peppa"))
	require.NoError(t, err)
	_, err = s.Publish(ctx, record("Suzy", 44.0, 5.0, at(t, "2021-05-21T21:00:00Z"), "Peppa"))
	require.NoError(t, err)

	here := models.Location{Latitude: 43.0, Longitude: 6.0}
	matches, err := s.FindNearby(ctx, "Peppa", here, 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{"Rebecca"}, identities(matches))

	n, err := s.DeleteExpired(ctx, at(t, "2021-05-21T22:30:00Z"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	matches, err = s.FindNearby(ctx, "Peppa", here, 1000)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func testClear(t *testing.T, s store.PresenceStore) {
	ctx := context.Background()
	until := at(t, "2021-05-21T18:21:43Z")
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Publish(ctx, record(id, 43, 6, until))
		require.NoError(t, err)
	}

	n, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = s.Clear(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.Ping(ctx))
}
