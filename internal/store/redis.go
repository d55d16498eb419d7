package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
	"github.com/zyra-ai-sei/sdk-backend/internal/config"
)

// appendCheckpoint adds ARGV[2] at step ARGV[1] only if that step directly
// follows the highest one stored. It returns 0 when another writer got
// there first.
var appendCheckpoint = redis.NewScript(`
local top = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local last = 0
if top[2] then
	last = tonumber(top[2])
end
if last + 1 ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// maxPutAttempts bounds retries when concurrent writers race for a step.
const maxPutAttempts = 8

// Redis keeps each thread's chain in a sorted set scored by step. The next
// step is derived from the set itself, so a failed write never leaves a gap.
type Redis struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewRedis parses the URL, connects and pings.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis connected", zap.String("addr", opts.Addr))
	return &Redis{rdb: rdb, prefix: cfg.KeyPrefix, logger: logger, now: time.Now}, nil
}

func (s *Redis) chainKey(threadID string) string { return s.prefix + "checkpoints:" + threadID }

func (s *Redis) Get(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error) {
	members, err := s.rdb.ZRevRange(ctx, s.chainKey(threadID), 0, 0).Result()
	if err != nil {
		return nil, checkpoint.Wrap("get", threadID, err)
	}
	if len(members) == 0 {
		return nil, checkpoint.ErrNotFound
	}
	cp, err := decodeRecord(members[0])
	return cp, checkpoint.Wrap("get", threadID, err)
}

func (s *Redis) Put(ctx context.Context, threadID string, messages []checkpoint.Message, meta checkpoint.Metadata) (*checkpoint.Checkpoint, error) {
	key := s.chainKey(threadID)
	for attempt := 1; attempt <= maxPutAttempts; attempt++ {
		top, err := s.rdb.ZRevRangeWithScores(ctx, key, 0, 0).Result()
		if err != nil {
			return nil, checkpoint.Wrap("put", threadID, err)
		}
		var last int64
		if len(top) > 0 {
			last = int64(top[0].Score)
		}
		cp := &checkpoint.Checkpoint{
			ThreadID:   threadID,
			Step:       last + 1,
			ParentStep: last,
			Messages:   checkpoint.CloneMessages(messages),
			Metadata:   meta,
			CreatedAt:  s.now().UTC(),
		}
		data, err := json.Marshal(cp)
		if err != nil {
			return nil, checkpoint.Wrap("put", threadID, fmt.Errorf("encode checkpoint: %w", err))
		}
		added, err := appendCheckpoint.Run(ctx, s.rdb, []string{key}, cp.Step, string(data)).Int64()
		if err != nil {
			return nil, checkpoint.Wrap("put", threadID, err)
		}
		if added == 1 {
			return cp, nil
		}
		s.logger.Debug("checkpoint step taken, retrying",
			zap.String("thread_id", threadID), zap.Int64("step", cp.Step), zap.Int("attempt", attempt))
	}
	return nil, checkpoint.Wrap("put", threadID, errStepContention)
}

var errStepContention = errors.New("concurrent writers kept taking the next step")

func (s *Redis) List(ctx context.Context, threadID string) ([]*checkpoint.Checkpoint, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.chainKey(threadID), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, checkpoint.Wrap("list", threadID, err)
	}
	chain := make([]*checkpoint.Checkpoint, 0, len(members))
	for _, m := range members {
		cp, err := decodeRecord(m)
		if err != nil {
			return nil, checkpoint.Wrap("list", threadID, err)
		}
		chain = append(chain, cp)
	}
	return chain, nil
}

func (s *Redis) Delete(ctx context.Context, threadID string) error {
	n, err := s.rdb.Del(ctx, s.chainKey(threadID)).Result()
	if err != nil {
		return checkpoint.Wrap("delete", threadID, err)
	}
	s.logger.Debug("checkpoints deleted",
		zap.String("thread_id", threadID), zap.Int64("keys", n))
	return nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Redis) Close() error {
	return s.rdb.Close()
}

func decodeRecord(member string) (*checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal([]byte(member), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}
