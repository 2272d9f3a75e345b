package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Locker is a SET NX PX lock shared by every API replica. The TTL bounds how
// long a crashed holder can block others.
type Locker struct {
	RDB   *redis.Client
	TTL   time.Duration
	Retry time.Duration
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	ttl, retry := l.TTL, l.Retry
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}

	k := fmt.Sprintf(KeyAllocLock, key)
	token := uuid.NewString()
	for {
		ok, err := l.RDB.SetNX(ctx, k, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: lock %s: %v", store.ErrUnavailable, key, err)
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(ctx, l.RDB, []string{k}, token).Err()
			}, nil
		}

		t := time.NewTimer(retry)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}
