package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// FirstSeen marks an event as handled by service and reports whether this is
// the first time. SETNX makes the check and the mark one step.
func FirstSeen(ctx context.Context, rdb *redis.Client, service, eventID string) (bool, error) {
	return rdb.SetNX(ctx, fmt.Sprintf(KeyDedup, service, eventID), "1", TTLDedup).Result()
}

// Forget clears a dedup mark so a failed event can be handled again.
func Forget(ctx context.Context, rdb *redis.Client, service, eventID string) error {
	return rdb.Del(ctx, fmt.Sprintf(KeyDedup, service, eventID)).Err()
}

// Dedup binds FirstSeen and Forget to one service name.
type Dedup struct {
	RDB     *redis.Client
	Service string
}

func (d *Dedup) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	return FirstSeen(ctx, d.RDB, d.Service, eventID)
}

func (d *Dedup) Forget(ctx context.Context, eventID string) error {
	return Forget(ctx, d.RDB, d.Service, eventID)
}
