// Package cache provides a Redis read-through cache for the bootstrap snapshot query.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"folio/api/internal/logging"
	"folio/api/internal/versioning"
)

const (
	DefaultTTL = 30 * time.Second
	// floorTTL bounds how long a document's publish floor outlives its last ingestion.
	floorTTL = 24 * time.Hour
)

// setScript writes the entry only when it is not older than the document's publish floor.
// KEYS: entry, floor. ARGV: payload, ttl ms, version number.
var setScript = redis.NewScript(`
local floor = tonumber(redis.call('GET', KEYS[2]) or '0')
if tonumber(ARGV[3]) < floor then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// invalidateScript drops the entry and raises the publish floor.
// KEYS: entry, floor. ARGV: version number, floor ttl ms.
var invalidateScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
local floor = tonumber(redis.call('GET', KEYS[2]) or '0')
local published = tonumber(ARGV[1])
if published < floor then
	published = floor
end
redis.call('SET', KEYS[2], published, 'PX', ARGV[2])
return published
`)

// SnapshotCache stores CurrentSnapshot values in Redis. Redis failures are logged and treated as misses.
type SnapshotCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

// New connects to redisURL and verifies the connection.
func New(redisURL string, ttl time.Duration, log zerolog.Logger) (*SnapshotCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, ttl, log), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration, log zerolog.Logger) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SnapshotCache{
		client: client,
		prefix: "folio:snapshot:",
		ttl:    ttl,
		log:    logging.Component(log, "snapshot_cache"),
	}
}

func (c *SnapshotCache) key(documentID int64) string {
	return c.prefix + strconv.FormatInt(documentID, 10)
}

func (c *SnapshotCache) floorKey(documentID int64) string {
	return c.prefix + "floor:" + strconv.FormatInt(documentID, 10)
}

func (c *SnapshotCache) Get(ctx context.Context, documentID int64) (versioning.CurrentSnapshot, bool) {
	raw, err := c.client.Get(ctx, c.key(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return versioning.CurrentSnapshot{}, false
	}
	if err != nil {
		c.log.Warn().Err(err).Int64("document_id", documentID).Msg("snapshot cache read failed")
		return versioning.CurrentSnapshot{}, false
	}

	var snapshot versioning.CurrentSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		c.log.Warn().Err(err).Int64("document_id", documentID).Msg("discarding corrupt snapshot cache entry")
		c.client.Del(ctx, c.key(documentID))
		return versioning.CurrentSnapshot{}, false
	}
	return snapshot, true
}

// Set caches a snapshot unless a newer version was published since it was read.
// The floor check and the write run as one script, so an Invalidate cannot land between them.
func (c *SnapshotCache) Set(ctx context.Context, snapshot versioning.CurrentSnapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		c.log.Warn().Err(err).Int64("document_id", snapshot.DocumentID).Msg("marshal snapshot")
		return
	}

	keys := []string{c.key(snapshot.DocumentID), c.floorKey(snapshot.DocumentID)}
	written, err := setScript.Run(ctx, c.client, keys, payload, c.ttl.Milliseconds(), snapshot.VersionNumber).Int()
	if err != nil {
		c.log.Warn().Err(err).Int64("document_id", snapshot.DocumentID).Msg("snapshot cache write failed")
		return
	}
	if written == 0 {
		c.log.Debug().
			Int64("document_id", snapshot.DocumentID).
			Int("version_number", snapshot.VersionNumber).
			Msg("stale snapshot not cached")
	}
}

// Invalidate drops the cached snapshot and records publishedVersion as the document's floor.
func (c *SnapshotCache) Invalidate(ctx context.Context, documentID int64, publishedVersion int) {
	keys := []string{c.key(documentID), c.floorKey(documentID)}
	if err := invalidateScript.Run(ctx, c.client, keys, publishedVersion, floorTTL.Milliseconds()).Err(); err != nil {
		c.log.Warn().Err(err).Int64("document_id", documentID).Msg("snapshot cache invalidation failed")
	}
}

func (c *SnapshotCache) Close() error {
	return c.client.Close()
}

func (c *SnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

var _ versioning.SnapshotCache = (*SnapshotCache)(nil)
