package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"nearby/internal/models"
	"nearby/internal/store"
)

// Config holds configuration for the MongoDB store
type Config struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
	// StrictExpiry adds available_until >= now to nearby queries so records
	// awaiting the next sweep are never returned.
	StrictExpiry bool
	Logger       *slog.Logger
}

type mongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewStore connects to MongoDB, verifies the server is reachable and ensures
// the presence indexes exist. A failure here is a connection error.
func NewStore(ctx context.Context, config Config) (store.PresenceStore, error) {
	if config.Database == "" {
		config.Database = "nearby"
	}
	if config.Collection == "" {
		config.Collection = "available"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(config.URI).
		SetServerSelectionTimeout(config.ConnectTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, store.ConnectionError("connect", fmt.Errorf("failed to create mongo client: %w", err))
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, store.ConnectionError("connect", fmt.Errorf("failed to reach mongo: %w", err))
	}

	s := &mongoStore{
		client: client,
		coll:   client.Database(config.Database).Collection(config.Collection),
		config: config,
		logger: logger,
		now:    time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	logger.Info("connected to mongo", "database", config.Database, "collection", config.Collection)
	return s, nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "phone_number_hash", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("phone_number_hash_unique"),
		},
		{
			Keys:    bson.D{{Key: "location", Value: "2dsphere"}},
			Options: options.Index().SetName("location_2dsphere"),
		},
		{
			Keys:    bson.D{{Key: "available_until", Value: 1}},
			Options: options.Index().SetName("available_until"),
		},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return classify("ensure_indexes", fmt.Errorf("failed to create indexes: %w", err))
	}
	return nil
}

// Publish runs a single findOneAndReplace with upsert. The pre-image tells
// whether a record existed: none means the call inserted it.
func (s *mongoStore) Publish(ctx context.Context, rec models.PresenceRecord) (models.UpsertOutcome, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}

	doc := models.NewPresenceDocument(rec)
	filter := bson.D{{Key: "phone_number_hash", Value: rec.IdentityKey}}
	opts := options.FindOneAndReplace().
		SetUpsert(true).
		SetReturnDocument(options.Before).
		SetProjection(bson.D{{Key: "_id", Value: 1}})

	err := s.coll.FindOneAndReplace(ctx, filter, doc, opts).Err()
	if mongo.IsDuplicateKeyError(err) {
		// Two first publishes raced on the unique index; the loser now
		// finds the winner's document and replaces it.
		err = s.coll.FindOneAndReplace(ctx, filter, doc, opts).Err()
	}

	switch {
	case err == nil:
		return models.OutcomeReplaced, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return models.OutcomeInserted, nil
	default:
		return "", classify("publish", err)
	}
}

// FindNearby runs a $geoNear aggregation. Visibility is part of the $geoNear
// query, so documents the requester may not see are never read out.
func (s *mongoStore) FindNearby(ctx context.Context, requesterKey string, origin models.Location, maxDistanceMeters float64) ([]models.Match, error) {
	var expiresAfter time.Time
	if s.config.StrictExpiry {
		expiresAfter = s.now().UTC()
	}
	pipeline := mongo.Pipeline{
		nearStage(requesterKey, origin, maxDistanceMeters, expiresAfter),
		projectStage(),
	}

	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, classify("find_nearby", err)
	}
	defer cursor.Close(ctx)

	matches := []models.Match{}
	for cursor.Next(ctx) {
		var m models.Match
		if err := cursor.Decode(&m); err != nil {
			return nil, store.DecodeError("find_nearby", err)
		}
		matches = append(matches, m)
	}
	if err := cursor.Err(); err != nil {
		return nil, classify("find_nearby", err)
	}
	return matches, nil
}

// DeleteExpired removes every record whose available_until is before cutoff
func (s *mongoStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, expiredFilter(cutoff))
	if err != nil {
		return 0, classify("delete_expired", err)
	}
	return res.DeletedCount, nil
}

// Clear removes every record in the collection
func (s *mongoStore) Clear(ctx context.Context) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.D{})
	if err != nil {
		return 0, classify("clear", err)
	}
	return res.DeletedCount, nil
}

func (s *mongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return store.ConnectionError("ping", err)
	}
	return nil
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from mongo: %w", err)
	}
	return nil
}

// nearStage builds the $geoNear stage. A zero expiresAfter leaves expired
// records in the result until the sweeper removes them.
func nearStage(requesterKey string, origin models.Location, maxDistanceMeters float64, expiresAfter time.Time) bson.D {
	query := bson.D{{Key: "contacts_phone_number_hash", Value: requesterKey}}
	if !expiresAfter.IsZero() {
		query = append(query, bson.E{Key: "available_until", Value: bson.D{{Key: "$gte", Value: expiresAfter}}})
	}
	return bson.D{{Key: "$geoNear", Value: bson.D{
		{Key: "near", Value: origin.Point()},
		{Key: "distanceField", Value: "distance"},
		{Key: "maxDistance", Value: maxDistanceMeters},
		{Key: "query", Value: query},
		{Key: "spherical", Value: true},
	}}}
}

func projectStage() bson.D {
	return bson.D{{Key: "$project", Value: bson.D{
		{Key: "_id", Value: 0},
		{Key: "phone_number_hash", Value: 1},
		{Key: "distance", Value: 1},
	}}}
}

func expiredFilter(cutoff time.Time) bson.D {
	return bson.D{{Key: "available_until", Value: bson.D{{Key: "$lt", Value: cutoff.UTC()}}}}
}

func classify(op string, err error) error {
	switch {
	case mongo.IsNetworkError(err),
		mongo.IsTimeout(err),
		errors.Is(err, mongo.ErrClientDisconnected),
		errors.Is(err, context.DeadlineExceeded):
		return store.ConnectionError(op, err)
	default:
		return store.QueryError(op, err)
	}
}
