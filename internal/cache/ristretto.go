package cache

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto"

	"nearby/internal/models"
)

// MatchCache caches nearby query results for a short time
type MatchCache interface {
	Get(key QueryKey) ([]models.Match, bool)
	Set(key QueryKey, matches []models.Match)
	Clear()
	Size() int
	Metrics() CacheMetrics
}

// QueryKey identifies a nearby query. Only identical queries share an entry:
// results depend on the exact origin and radius.
type QueryKey struct {
	RequesterKey string
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
}

func (k QueryKey) String() string {
	return k.RequesterKey + "|" + formatFloat(k.Latitude) + "|" + formatFloat(k.Longitude) + "|" + formatFloat(k.RadiusMeters)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// CacheMetrics provides cache performance metrics
type CacheMetrics struct {
	Hits        uint64
	Misses      uint64
	KeysAdded   uint64
	KeysEvicted uint64
	CostAdded   uint64
	CostEvicted uint64
}

// RistrettoConfig holds Ristretto cache configuration
type RistrettoConfig struct {
	TTL         time.Duration // Lifetime of a cached result
	MaxCost     int64         // Maximum cost of cache (bytes)
	NumCounters int64         // Number of counters for TinyLFU admission policy
	BufferItems int64         // Buffer size for async operations
	Metrics     bool          // Enable metrics collection
}

// ristrettoCache implements MatchCache using Ristretto
type ristrettoCache struct {
	cache  *ristretto.Cache
	config RistrettoConfig
}

// NewRistrettoCache creates a new Ristretto-based result cache
func NewRistrettoCache(config RistrettoConfig) (MatchCache, error) {
	if config.TTL <= 0 {
		return nil, fmt.Errorf("cache TTL must be positive, got %v", config.TTL)
	}
	if config.NumCounters <= 0 {
		config.NumCounters = 100000
	}
	if config.MaxCost <= 0 {
		config.MaxCost = 1 << 20
	}
	if config.BufferItems <= 0 {
		config.BufferItems = 64
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		MaxCost:     config.MaxCost,
		NumCounters: config.NumCounters,
		BufferItems: config.BufferItems,
		Metrics:     config.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &ristrettoCache{
		cache:  cache,
		config: config,
	}, nil
}

// Get returns a copy of the cached result for key
func (c *ristrettoCache) Get(key QueryKey) ([]models.Match, bool) {
	value, found := c.cache.Get(key.String())
	if !found {
		return nil, false
	}

	matches, ok := value.([]models.Match)
	if !ok {
		// Handle corrupted cache entry
		c.cache.Del(key.String())
		return nil, false
	}

	out := make([]models.Match, len(matches))
	copy(out, matches)
	return out, true
}

// Set stores a copy of matches under key for the configured TTL
func (c *ristrettoCache) Set(key QueryKey, matches []models.Match) {
	stored := make([]models.Match, len(matches))
	copy(stored, matches)

	c.cache.SetWithTTL(key.String(), stored, estimateCost(key, stored), c.config.TTL)

	// Wait for the set to leave Ristretto's buffers so the next Get sees it
	c.cache.Wait()
}

// Clear removes all items from the cache
func (c *ristrettoCache) Clear() {
	c.cache.Clear()
}

// Size returns the approximate number of items in the cache
// Note: Ristretto is eventually consistent, so this might not be exact
func (c *ristrettoCache) Size() int {
	if c.config.Metrics {
		metrics := c.cache.Metrics
		return int(metrics.KeysAdded() - metrics.KeysEvicted())
	}
	return 0
}

// Metrics returns cache performance metrics
func (c *ristrettoCache) Metrics() CacheMetrics {
	if !c.config.Metrics {
		return CacheMetrics{}
	}

	metrics := c.cache.Metrics
	return CacheMetrics{
		Hits:        metrics.Hits(),
		Misses:      metrics.Misses(),
		KeysAdded:   metrics.KeysAdded(),
		KeysEvicted: metrics.KeysEvicted(),
		CostAdded:   metrics.CostAdded(),
		CostEvicted: metrics.CostEvicted(),
	}
}

// estimateCost approximates the memory held by one entry
func estimateCost(key QueryKey, matches []models.Match) int64 {
	cost := int64(len(key.RequesterKey) + 64)
	for _, m := range matches {
		cost += int64(len(m.IdentityKey) + 24)
	}
	return cost
}
