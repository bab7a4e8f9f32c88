package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "haulnotify/pkg/logx"
)

// redisStore keeps one sorted set per scope, scored by expiry, so several
// daemons of the same actor share a seen-set.
//
// Keys:
//   - <prefix>:seen:<scope>  (ZSET member=id score=until unix milli)
//   - <prefix>:audit:<scope> (LIST of JSON entries, capped)
type redisStore struct {
	client   *redis.Client
	log      logx.Logger
	prefix   string
	auditCap int64
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required for redis driver")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "haulnotify"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisStore(client, prefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, log: log, prefix: prefix, auditCap: 5000}
}

func (s *redisStore) seenKey(scope string) string  { return s.prefix + ":seen:" + scope }
func (s *redisStore) auditKey(scope string) string { return s.prefix + ":audit:" + scope }

func (s *redisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := s.auditKey(e.Scope)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, b)
	pipe.LTrim(ctx, key, -s.auditCap, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) PutSeen(ctx context.Context, scope string, rec SeenRecord) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	if rec.ID == "" {
		return nil
	}
	key := s.seenKey(scope)
	until := rec.Until.UnixMilli()
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(until), Member: rec.ID})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(time.Now().UnixMilli(), 10))
	// The set lives as long as its newest member.
	pipe.PExpireAt(ctx, key, rec.Until)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) LoadSeen(ctx context.Context, scope string, limit int) ([]SeenRecord, error) {
	if s == nil || s.client == nil {
		return nil, ErrDisabled
	}
	by := &redis.ZRangeBy{
		Min: strconv.FormatInt(time.Now().UnixMilli(), 10),
		Max: "+inf",
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	zs, err := s.client.ZRevRangeByScoreWithScores(ctx, s.seenKey(scope), by).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]SeenRecord, 0, len(zs))
	for i := len(zs) - 1; i >= 0; i-- {
		id, ok := zs[i].Member.(string)
		if !ok || id == "" {
			continue
		}
		out = append(out, SeenRecord{ID: id, Until: time.UnixMilli(int64(zs[i].Score))})
	}
	return out, nil
}
