package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"teleconsult/internal/model"
	"teleconsult/internal/repository"
)

// versionTTL keeps a session's invalidation counter alive far longer than any
// read can take between loading and filling the cache.
const versionTTL = 24 * time.Hour

// fillIfCurrent stores the loaded session only if no invalidation happened since
// the reader sampled the version. KEYS: entry, version. ARGV: sampled version
// ("" when absent), payload, ttl in ms.
var fillIfCurrent = redis.NewScript(`
local v = redis.call('GET', KEYS[2])
if v == false then v = '' end
if v ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// cachedSessionRepo is a cache-aside layer over a SessionRepo. Reads by id go
// through Redis; every write and every lost compare-and-set drops the entry and
// bumps a version, and a read only fills the cache if the version it saw before
// loading is still current.
type cachedSessionRepo struct {
	repository.SessionRepo
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedSessionRepo wraps inner with a Redis read cache
func NewCachedSessionRepo(inner repository.SessionRepo, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) repository.SessionRepo {
	return &cachedSessionRepo{SessionRepo: inner, client: client, ttl: ttl, logger: logger}
}

func (c *cachedSessionRepo) key(id string) string {
	return "session:" + id
}

func (c *cachedSessionRepo) versionKey(id string) string {
	return "session:" + id + ":v"
}

func (c *cachedSessionRepo) GetByID(ctx context.Context, id string) (*model.Session, error) {
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err == nil {
		var session model.Session
		if err := json.Unmarshal(data, &session); err == nil {
			return &session, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("session cache read failed", "session_id", id, "error", err)
		return c.SessionRepo.GetByID(ctx, id)
	}

	version, err := c.client.Get(ctx, c.versionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		version, err = "", nil
	}
	if err != nil {
		c.logger.Warn("session cache read failed", "session_id", id, "error", err)
		return c.SessionRepo.GetByID(ctx, id)
	}

	session, err := c.SessionRepo.GetByID(ctx, id)
	if err != nil || session == nil {
		return session, err
	}
	if data, err := json.Marshal(session); err == nil {
		keys := []string{c.key(id), c.versionKey(id)}
		if err := fillIfCurrent.Run(ctx, c.client, keys, version, data, c.ttl.Milliseconds()).Err(); err != nil {
			c.logger.Warn("session cache write failed", "session_id", id, "error", err)
		}
	}
	return session, nil
}

func (c *cachedSessionRepo) ApplyTransition(ctx context.Context, id string, t repository.Transition) (*model.Session, error) {
	defer c.invalidate(ctx, id)
	return c.SessionRepo.ApplyTransition(ctx, id, t)
}

func (c *cachedSessionRepo) MarkJoined(ctx context.Context, id string, role model.Role, at time.Time) (*model.Session, error) {
	defer c.invalidate(ctx, id)
	return c.SessionRepo.MarkJoined(ctx, id, role, at)
}

func (c *cachedSessionRepo) MarkFinalized(ctx context.Context, id string, at time.Time) error {
	defer c.invalidate(ctx, id)
	return c.SessionRepo.MarkFinalized(ctx, id, at)
}

func (c *cachedSessionRepo) invalidate(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.versionKey(id))
		pipe.Expire(ctx, c.versionKey(id), versionTTL)
		pipe.Del(ctx, c.key(id))
		return nil
	})
	if err != nil {
		c.logger.Warn("session cache invalidation failed", "session_id", id, "error", err)
	}
}
