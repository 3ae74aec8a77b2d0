// Package cache provides a Redis-backed verdict cache for /check with
// graceful degradation: when Redis is unavailable every lookup falls through
// to the validation engine.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"maya-licensing/config"
	"maya-licensing/internal/license"
)

// VerdictCache stores check verdicts keyed by (token, machine) so repeat
// check-ins within a verdict's advisory TTL skip the database. A cached
// entry never outlives its verdict TTL, so last_seen lags at most one TTL
// behind the true check-in time.
type VerdictCache struct {
	client       *redis.Client
	logger       zerolog.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewVerdictCache connects to Redis; a failed initial connection returns the
// cache in degraded mode rather than an error.
func NewVerdictCache(cfg config.RedisConfig, logger zerolog.Logger) (*VerdictCache, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 5
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	vc := &VerdictCache{
		client:        client,
		logger:        logger,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("initial Redis connection failed, verdict cache degraded")
		return vc, nil
	}

	vc.healthy = true
	vc.lastCheck = time.Now()
	logger.Info().Str("address", cfg.Address).Msg("Redis verdict cache connected")

	return vc, nil
}

// Key derives the cache key from a check request without storing the raw
// token or machine id. Inputs are trimmed the same way the engine trims
// them, so padded and unpadded forms of a request share one entry.
func Key(token, machineID string) string {
	token = strings.TrimSpace(token)
	machineID = strings.TrimSpace(machineID)
	sum := sha256.Sum256([]byte(token + "|" + machineID))
	return "verdict:" + hex.EncodeToString(sum[:])
}

// Get returns a cached verdict, or (nil, nil) on a miss or degraded cache.
func (vc *VerdictCache) Get(ctx context.Context, key string) (*license.Verdict, error) {
	vc.checkHealth()

	if !vc.IsHealthy() {
		return nil, nil
	}

	data, err := vc.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		vc.recordFailure()
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	vc.recordSuccess()

	var verdict license.Verdict
	if err := json.Unmarshal([]byte(data), &verdict); err != nil {
		return nil, fmt.Errorf("failed to decode cached verdict: %w", err)
	}
	return &verdict, nil
}

// Set caches a verdict for its own advisory TTL. Verdicts with no positive
// TTL are not cached.
func (vc *VerdictCache) Set(ctx context.Context, key string, verdict license.Verdict) error {
	vc.checkHealth()

	if !vc.IsHealthy() {
		return nil
	}
	if verdict.TTLSeconds <= 0 {
		return nil
	}

	data, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("failed to marshal verdict: %w", err)
	}

	ttl := time.Duration(verdict.TTLSeconds) * time.Second
	if err := vc.client.Set(ctx, key, data, ttl).Err(); err != nil {
		vc.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	vc.recordSuccess()
	return nil
}

// Flush drops all cached verdicts, used after admin mutations so stale
// allows do not outlive a renewal or reset.
func (vc *VerdictCache) Flush(ctx context.Context) error {
	if !vc.IsHealthy() {
		return nil
	}
	if err := vc.client.FlushDB(ctx).Err(); err != nil {
		vc.recordFailure()
		return fmt.Errorf("redis flush failed: %w", err)
	}
	vc.recordSuccess()
	return nil
}

// Close releases the Redis connection
func (vc *VerdictCache) Close() error {
	return vc.client.Close()
}

// IsHealthy returns whether Redis is currently available.
func (vc *VerdictCache) IsHealthy() bool {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.healthy
}

func (vc *VerdictCache) recordFailure() {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	vc.failureCount++
	if vc.failureCount >= vc.maxFailures {
		if vc.healthy {
			vc.logger.Warn().Int("failures", vc.failureCount).Msg("Redis marked unhealthy, verdict cache degraded")
		}
		vc.healthy = false
	}
}

func (vc *VerdictCache) recordSuccess() {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	if !vc.healthy {
		vc.logger.Info().Msg("Redis recovered, verdict cache active")
	}
	vc.healthy = true
	vc.failureCount = 0
	vc.lastCheck = time.Now()
}

// checkHealth pings Redis in the background once the recovery interval has
// passed since the last known-good operation.
func (vc *VerdictCache) checkHealth() {
	vc.mu.RLock()
	shouldCheck := !vc.healthy && time.Since(vc.lastCheck) >= vc.checkInterval
	vc.mu.RUnlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := vc.client.Ping(pingCtx).Err(); err == nil {
			vc.recordSuccess()
		}
	}()
}
