package revoke

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestList_RevokeAndCheck(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer s.Close()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})

	list := NewList(rdb)
	ctx := context.Background()

	revoked, err := list.IsRevoked(ctx, "token-1")
	if err != nil {
		t.Fatalf("check before revoke: %v", err)
	}
	if revoked {
		t.Fatalf("unknown jti must not be revoked")
	}

	if err := list.Revoke(ctx, "token-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	revoked, err = list.IsRevoked(ctx, "token-1")
	if err != nil {
		t.Fatalf("check after revoke: %v", err)
	}
	if !revoked {
		t.Fatalf("expected jti to be revoked")
	}
}

func TestList_ExpiredTokenNotStored(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer s.Close()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	list := NewList(rdb)
	ctx := context.Background()

	if err := list.Revoke(ctx, "token-2", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("revoke expired: %v", err)
	}
	revoked, err := list.IsRevoked(ctx, "token-2")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if revoked {
		t.Fatalf("expired token should not be stored")
	}
}
