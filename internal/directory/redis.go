package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey 預設的 hash key
const DefaultRedisKey = "labor:availability"

// Redis 以 Redis hash 保存可接單狀態：field = 手機，value = "1" / "0"
//
// 呼叫端擁有 client 的生命週期。
type Redis struct {
	client redis.Cmdable
	key    string
}

var _ Directory = (*Redis)(nil)

// NewRedis 建立 Redis 目錄；key 為空時使用 DefaultRedisKey
func NewRedis(client redis.Cmdable, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

// Ping 確認 Redis 連線
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Availability(ctx context.Context, phone string) (bool, error) {
	v, err := r.client.HGet(ctx, r.key, phone).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("directory: availability %s: %w", phone, err)
	}
	return v == "1", nil
}

func (r *Redis) SetAvailability(ctx context.Context, phone string, available bool) error {
	v := "0"
	if available {
		v = "1"
	}
	if err := r.client.HSet(ctx, r.key, phone, v).Err(); err != nil {
		return fmt.Errorf("directory: set availability %s: %w", phone, err)
	}
	return nil
}

func (r *Redis) Available(ctx context.Context) ([]string, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("directory: list available: %w", err)
	}
	out := make([]string, 0, len(all))
	for phone, v := range all {
		if v == "1" {
			out = append(out, phone)
		}
	}
	sort.Strings(out)
	return out, nil
}
