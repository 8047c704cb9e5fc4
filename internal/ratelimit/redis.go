package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "admin:login_attempts:"
	// maxUpdateRetries は WATCH が競合したときの再試行回数です。
	maxUpdateRetries = 100
)

// RedisStore は複数プロセスで試行状態を共有するための Redis 実装です。
// IP ごとに1つのハッシュを持ち、TTL で自然に消えます。
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	data, err := s.rdb.HGetAll(ctx, redisKey(key)).Result()
	if err != nil {
		return Entry{}, false, err
	}
	if len(data) == 0 {
		return Entry{}, false, nil
	}
	return decodeEntry(data), true, nil
}

// Update は WATCH / MULTI による楽観ロックで読み出しと保存を1つの更新にします。
// 他のプロセスが同じキーを書き換えた場合は読み直してやり直します。
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(entry *Entry) bool) (Entry, error) {
	k := redisKey(key)
	var result Entry
	txf := func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, k).Result()
		if err != nil {
			return err
		}
		entry := decodeEntry(data)
		if !fn(&entry) {
			result = entry
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, k,
				"count", entry.Count,
				"last_attempt", unixMilli(entry.LastAttempt),
				"locked_until", unixMilli(entry.LockedUntil),
			)
			if ttl > 0 {
				p.Expire(ctx, k, ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = entry
		return nil
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Entry{}, err
		}
		return result, nil
	}
	return Entry{}, fmt.Errorf("update %s: %w", k, redis.TxFailedErr)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, redisKey(key)).Err()
}

func decodeEntry(data map[string]string) Entry {
	var entry Entry
	if raw, ok := data["count"]; ok {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			entry.Count = n
		}
	}
	entry.LastAttempt = readUnixMilli(data["last_attempt"])
	entry.LockedUntil = readUnixMilli(data["locked_until"])
	return entry
}

func redisKey(ip string) string {
	return redisKeyPrefix + ip
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func readUnixMilli(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
