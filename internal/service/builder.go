package service

import (
	"context"
	"fmt"
	"log/slog"

	"nearby/internal/cache"
	"nearby/internal/config"
	"nearby/internal/mongo"
	"nearby/internal/nats"
	"nearby/internal/store"
)

// ServiceBuilder wires a ProximityMatcher from configuration
type ServiceBuilder struct {
	config *config.Config
	logger *slog.Logger
}

// NewServiceBuilder creates a new service builder
func NewServiceBuilder(config *config.Config, logger *slog.Logger) *ServiceBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceBuilder{config: config, logger: logger}
}

// Build connects the configured store and creates the result cache
func (b *ServiceBuilder) Build(ctx context.Context) (*ProximityMatcher, error) {
	var matchCache cache.MatchCache
	ttl, err := b.config.Cache.GetTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid cache TTL: %w", err)
	}
	if ttl > 0 {
		matchCache, err = cache.NewRistrettoCache(cache.RistrettoConfig{
			TTL:         ttl,
			MaxCost:     b.config.Cache.MaxCost,
			NumCounters: b.config.Cache.NumCounters,
			BufferItems: b.config.Cache.BufferItems,
			Metrics:     b.config.Cache.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ristretto cache: %w", err)
		}
	}

	presenceStore, err := b.BuildStore(ctx)
	if err != nil {
		return nil, err
	}

	return NewProximityMatcher(presenceStore, matchCache, b.logger, b.config.Matcher.MaxRadiusMeters), nil
}

// BuildStore connects the configured presence backend
func (b *ServiceBuilder) BuildStore(ctx context.Context) (store.PresenceStore, error) {
	switch b.config.Store.Backend {
	case "mongo":
		timeout, err := b.config.Mongo.GetConnectTimeout()
		if err != nil {
			return nil, fmt.Errorf("invalid mongo connect timeout: %w", err)
		}
		s, err := mongo.NewStore(ctx, mongo.Config{
			URI:            b.config.Mongo.URI,
			Database:       b.config.Mongo.Database,
			Collection:     b.config.Mongo.Collection,
			ConnectTimeout: timeout,
			StrictExpiry:   b.config.Mongo.StrictExpiry,
			Logger:         b.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create MongoDB store: %w", err)
		}
		return s, nil
	case "nats":
		s, err := nats.NewKVStore(nats.KVConfig{
			ServerURL:    b.config.NATS.ServerURL,
			BucketName:   b.config.NATS.KVBucket,
			Embedded:     b.config.NATS.Embedded,
			DataDir:      b.config.NATS.DataDir,
			StartTimeout: b.config.NATS.StartTimeout,
			Logger:       b.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS KV store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", b.config.Store.Backend)
	}
}
