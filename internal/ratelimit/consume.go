package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lumacrm/ledger/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyConsumeOwner  = "ledger:consume:owner:%s"
	keyConfirmWindow = "ledger:confirm:session:%s"
)

// ConsumeLimiter throttles balance debits per account owner and
// serializes manual session confirmation.
type ConsumeLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	consumeRate  float64
	consumeBurst int
	lockTTL      time.Duration
}

func NewConsumeLimiter(cfg config.Config) (*ConsumeLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.ConsumeRate <= 0 || limitCfg.ConsumeBurst <= 0 {
		return nil, errors.New("consume rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	lockTTL := time.Duration(limitCfg.ConfirmLockTTLSeconds) * time.Second
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}

	return &ConsumeLimiter{
		enabled:      true,
		bucket:       NewTokenBucket(client),
		locker:       NewLocker(client),
		consumeRate:  limitCfg.ConsumeRate,
		consumeBurst: limitCfg.ConsumeBurst,
		lockTTL:      lockTTL,
	}, nil
}

func (l *ConsumeLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowOwner takes one consume token for the owner's bucket.
func (l *ConsumeLimiter) AllowOwner(ctx context.Context, ownerID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyConsumeOwner, strings.TrimSpace(ownerID))
	return l.bucket.Allow(ctx, key, l.consumeRate, l.consumeBurst)
}

// TryLockSession takes a short-lived lock around manual session
// confirmation so concurrent confirms for one session do not both call
// the gateway.
func (l *ConsumeLimiter) TryLockSession(ctx context.Context, sessionID string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	key := fmt.Sprintf(keyConfirmWindow, strings.TrimSpace(sessionID))
	return l.locker.TryLock(ctx, key, l.lockTTL)
}

func (l *ConsumeLimiter) ReleaseSession(ctx context.Context, sessionID, token string) error {
	if !l.Enabled() {
		return nil
	}
	key := fmt.Sprintf(keyConfirmWindow, strings.TrimSpace(sessionID))
	return l.locker.Release(ctx, key, token)
}
