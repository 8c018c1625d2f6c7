package revoke

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "habitgrid:revoked:jti:"

// List 记录已注销的会话令牌 ID（JWT jti），直到令牌自然过期。
//
// 会话中间件在每次请求时查询该名单，使退出登录即时生效。
type List struct {
	rdb *redis.Client
}

func NewList(rdb *redis.Client) *List {
	return &List{rdb: rdb}
}

// Revoke 将 jti 拉入名单，TTL 取令牌剩余寿命。
func (l *List) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if l == nil || l.rdb == nil || jti == "" {
		return nil
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// 令牌已过期，无需记录。
		return nil
	}
	if err := l.rdb.Set(ctx, keyPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke set: %w", err)
	}
	return nil
}

// IsRevoked 查询 jti 是否在名单中。
func (l *List) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if l == nil || l.rdb == nil || jti == "" {
		return false, nil
	}
	n, err := l.rdb.Exists(ctx, keyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("revoke exists: %w", err)
	}
	return n > 0, nil
}
