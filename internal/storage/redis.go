package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	logx "announcebot/pkg/logx"
)

const (
	DefaultKeyPrefix = "announcebot:"
	auditKeep        = 1000
)

type redisStore struct {
	rdb    *redis.Client
	log    logx.Logger
	prefix string
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &redisStore{rdb: rdb, log: log, prefix: prefix}, nil
}

func (s *redisStore) key(name string) string { return s.prefix + name }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) LoadWatermark(ctx context.Context) (int64, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key("watermark")).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redis watermark %q: %w", raw, err)
	}
	return id, true, nil
}

func (s *redisStore) SaveWatermark(ctx context.Context, id int64) error {
	return s.rdb.Set(ctx, s.key("watermark"), strconv.FormatInt(id, 10), 0).Err()
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	b, err := json.Marshal(stampAudit(e))
	if err != nil {
		return err
	}
	key := s.key("audit")
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, b)
	pipe.LTrim(ctx, key, -auditKeep, -1)
	_, err = pipe.Exec(ctx)
	return err
}
