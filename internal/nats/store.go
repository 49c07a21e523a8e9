package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"nearby/internal/geo"
	"nearby/internal/models"
	"nearby/internal/store"
)

const keyPrefix = "presence."

// maxPublishAttempts bounds the Create/Update loop under heavy contention on one key
const maxPublishAttempts = 16

// KVConfig holds configuration for the KV store
type KVConfig struct {
	ServerURL    string
	BucketName   string
	Embedded     bool
	DataDir      string
	StartTimeout string // Startup wait duration, e.g., "30s"
	Logger       *slog.Logger
}

// kvStore implements store.PresenceStore on a JetStream key-value bucket.
// Nearby queries scan the bucket, so this backend suits embedded and
// development deployments; MongoDB is the production backend.
type kvStore struct {
	config KVConfig
	logger *slog.Logger
	server *server.Server
	conn   *nats.Conn
	kv     jetstream.KeyValue

	// beforeReplace runs between reading the current revision and the
	// Update against it. Tests use it to interleave other writers.
	beforeReplace func()
}

// NewKVStore creates a presence store backed by NATS KV
func NewKVStore(config KVConfig) (store.PresenceStore, error) {
	s := &kvStore{
		config: config,
		logger: config.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if config.Embedded {
		if err := s.startEmbeddedServer(); err != nil {
			return nil, store.ConnectionError("connect", fmt.Errorf("failed to start embedded server: %w", err))
		}
	}

	serverURL := s.config.ServerURL
	if serverURL == "" {
		serverURL = nats.DefaultURL
	}

	conn, err := nats.Connect(serverURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		s.cleanup()
		return nil, store.ConnectionError("connect", fmt.Errorf("failed to connect to NATS: %w", err))
	}
	s.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		s.cleanup()
		return nil, store.ConnectionError("connect", fmt.Errorf("failed to create JetStream context: %w", err))
	}

	bucketName := config.BucketName
	if bucketName == "" {
		bucketName = "presence"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	kvConfig := jetstream.KeyValueConfig{Bucket: bucketName, Storage: jetstream.FileStorage}
	if config.Embedded && config.DataDir == "" {
		kvConfig.Storage = jetstream.MemoryStorage
	}
	kv, err := js.CreateKeyValue(ctx, kvConfig)
	if err != nil {
		// Try to get existing bucket
		kv, err = js.KeyValue(ctx, bucketName)
		if err != nil {
			s.cleanup()
			return nil, store.ConnectionError("connect", fmt.Errorf("failed to create/get KV bucket: %w", err))
		}
	}
	s.kv = kv

	return s, nil
}

// Publish creates the key if absent, otherwise replaces the revision it just
// read. Create and Update are both atomic on the stream, so the outcome is
// exact even when a sweep deletes the key between the two: the Update then
// conflicts and the loop goes back to Create.
func (s *kvStore) Publish(ctx context.Context, rec models.PresenceRecord) (models.UpsertOutcome, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}

	data, err := json.Marshal(models.NewPresenceDocument(rec))
	if err != nil {
		return "", store.QueryError("publish", fmt.Errorf("failed to marshal presence: %w", err))
	}

	key := presenceKey(rec.IdentityKey)
	for attempt := 0; attempt < maxPublishAttempts; attempt++ {
		if _, err := s.kv.Create(ctx, key, data); err == nil {
			return models.OutcomeInserted, nil
		} else if !errors.Is(err, jetstream.ErrKeyExists) {
			return "", classify("publish", err)
		}

		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return "", classify("publish", err)
		}
		if s.beforeReplace != nil {
			s.beforeReplace()
		}
		if _, err := s.kv.Update(ctx, key, data, entry.Revision()); err == nil {
			return models.OutcomeReplaced, nil
		} else if !isRevisionConflict(err) {
			return "", classify("publish", err)
		}
	}
	return "", store.QueryError("publish", fmt.Errorf("key %s kept changing after %d attempts", key, maxPublishAttempts))
}

// FindNearby scans the bucket. Records not visible to the requester are
// discarded before any distance is computed or any match is built.
func (s *kvStore) FindNearby(ctx context.Context, requesterKey string, origin models.Location, maxDistanceMeters float64) ([]models.Match, error) {
	matches := []models.Match{}
	err := s.scan(ctx, "find_nearby", func(entry jetstream.KeyValueEntry, doc models.PresenceDocument) error {
		if !containsKey(doc.ContactsPhoneNumberHash, requesterKey) {
			return nil
		}
		rec, err := doc.Record()
		if err != nil {
			return store.DecodeError("find_nearby", err)
		}
		d := geo.Distance(origin.Latitude, origin.Longitude, rec.Location.Latitude, rec.Location.Longitude)
		if d <= maxDistanceMeters {
			matches = append(matches, models.Match{IdentityKey: rec.IdentityKey, DistanceMeters: d})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].DistanceMeters < matches[j].DistanceMeters
	})
	return matches, nil
}

// DeleteExpired deletes each expired key guarded by the revision it was read
// at, so a record republished during the sweep survives.
func (s *kvStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.scan(ctx, "delete_expired", func(entry jetstream.KeyValueEntry, doc models.PresenceDocument) error {
		if !doc.AvailableUntil.Before(cutoff) {
			return nil
		}
		err := s.kv.Delete(ctx, entry.Key(), jetstream.LastRevision(entry.Revision()))
		if err != nil {
			if isRevisionConflict(err) {
				return nil
			}
			return classify("delete_expired", err)
		}
		deleted++
		return nil
	})
	return deleted, err
}

// Clear purges every presence key
func (s *kvStore) Clear(ctx context.Context) (int64, error) {
	keys, err := s.keys(ctx, "clear")
	if err != nil {
		return 0, err
	}
	var purged int64
	for _, key := range keys {
		if err := s.kv.Purge(ctx, key); err != nil {
			return purged, classify("clear", err)
		}
		purged++
	}
	return purged, nil
}

// Ping checks that the connection to the server is usable
func (s *kvStore) Ping(ctx context.Context) error {
	if s.conn == nil || s.conn.IsClosed() {
		return store.ConnectionError("ping", nats.ErrConnectionClosed)
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return store.ConnectionError("ping", err)
	}
	return nil
}

// Close closes the KV store and cleans up resources
func (s *kvStore) Close() error {
	return s.cleanup()
}

// scan decodes every live presence entry and hands it to fn. Entries that
// cannot be decoded fail the scan for queries and are skipped for deletes.
func (s *kvStore) scan(ctx context.Context, op string, fn func(jetstream.KeyValueEntry, models.PresenceDocument) error) error {
	keys, err := s.keys(ctx, op)
	if err != nil {
		return err
	}

	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
				continue
			}
			return classify(op, err)
		}

		var doc models.PresenceDocument
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			if op == "delete_expired" {
				s.logger.Warn("skipping undecodable presence", "key", key, "error", err)
				continue
			}
			return store.DecodeError(op, fmt.Errorf("failed to unmarshal presence %s: %w", key, err))
		}

		if err := fn(entry, doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *kvStore) keys(ctx context.Context, op string) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, classify(op, err)
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, keyPrefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// presenceKey maps an identity key to a KV key. Identity hashes may contain
// characters NATS subjects reject, so they are base64url encoded.
func presenceKey(identityKey string) string {
	return keyPrefix + base64.RawURLEncoding.EncodeToString([]byte(identityKey))
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, context.DeadlineExceeded):
		return store.ConnectionError(op, err)
	default:
		return store.QueryError(op, err)
	}
}

// startEmbeddedServer starts an embedded single-node NATS server with JetStream
func (s *kvStore) startEmbeddedServer() error {
	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       -1, // Random port for client connections
		JetStream:  true,
		ServerName: fmt.Sprintf("nearby-%d", time.Now().UnixNano()),
		NoSigs:     true,
	}

	if s.config.DataDir != "" {
		if err := ensureDirectory(s.config.DataDir); err != nil {
			return fmt.Errorf("failed to ensure data directory: %w", err)
		}
		opts.StoreDir = s.config.DataDir
		opts.JetStreamMaxMemory = 32 * 1024 * 1024
		opts.JetStreamMaxStore = 256 * 1024 * 1024
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	go ns.Start()

	timeout := 30 * time.Second
	if s.config.StartTimeout != "" {
		if d, err := time.ParseDuration(s.config.StartTimeout); err == nil {
			timeout = d
		}
	}

	if !ns.ReadyForConnections(timeout) {
		ns.Shutdown()
		return fmt.Errorf("server failed to start within %v", timeout)
	}

	s.server = ns
	s.config.ServerURL = ns.ClientURL()
	s.logger.Info("nats embedded started", "url", s.config.ServerURL, "data_dir", s.config.DataDir)

	return nil
}

// cleanup closes connections and shuts down embedded server
func (s *kvStore) cleanup() error {
	if s.conn != nil {
		s.conn.Close()
	}

	if s.server != nil {
		s.server.Shutdown()
		s.server.WaitForShutdown()
	}

	return nil
}

// ensureDirectory creates the directory if it doesn't exist and verifies it's writable
func ensureDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	testFile := dir + "/.write-test"
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	f.Close()
	os.Remove(testFile)

	return nil
}
