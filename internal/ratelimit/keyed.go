// Package ratelimit provides per-key token bucket limiting on top of
// golang.org/x/time/rate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/garyellow/linebot-imagelab/internal/metrics"
)

// KeyedConfig configures a KeyedLimiter instance.
type KeyedConfig struct {
	// Name identifies this limiter for metrics (e.g., "user")
	Name string

	Burst      int     // Maximum tokens (burst capacity)
	RefillRate float64 // Tokens refilled per second

	// How often to drop limiters whose bucket has refilled completely.
	// Zero disables the background loop; Sweep can still be called directly.
	CleanupPeriod time.Duration

	// Optional metrics reporter
	Metrics *metrics.Metrics
}

// KeyedLimiter tracks rate limits per key (e.g., user ID, chat ID).
// It creates a separate rate.Limiter for each key and forgets keys that
// have been idle long enough for their bucket to refill.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	config   KeyedConfig
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewKeyedLimiter creates a new per-key rate limiter.
// Call Stop when done to end the cleanup goroutine.
//
//	limiter := NewKeyedLimiter(KeyedConfig{
//	    Name:          "user",
//	    Burst:         10,
//	    RefillRate:    0.5, // 1 token per 2 seconds
//	    CleanupPeriod: 5 * time.Minute,
//	})
//	defer limiter.Stop()
func NewKeyedLimiter(cfg KeyedConfig) *KeyedLimiter {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	kl := &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		config:   cfg,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	if cfg.CleanupPeriod > 0 {
		go kl.cleanupLoop()
	}
	return kl
}

// Allow reports whether an event for key may happen now, consuming a token
// if so. The empty key is never limited.
func (kl *KeyedLimiter) Allow(key string) bool {
	if key == "" {
		return true
	}

	kl.mu.Lock()
	lim, ok := kl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(kl.config.RefillRate), kl.config.Burst)
		kl.limiters[key] = lim
	}
	kl.mu.Unlock()

	if lim.AllowN(kl.now(), 1) {
		return true
	}
	kl.config.Metrics.RecordRateLimiterDrop(kl.config.Name)
	return false
}

// Available returns the tokens currently available for key.
func (kl *KeyedLimiter) Available(key string) float64 {
	kl.mu.Lock()
	lim, ok := kl.limiters[key]
	kl.mu.Unlock()
	if !ok {
		return float64(kl.config.Burst)
	}
	return lim.TokensAt(kl.now())
}

// ActiveCount returns the number of tracked keys.
func (kl *KeyedLimiter) ActiveCount() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

// Sweep drops limiters whose bucket is full again and returns how many remain.
func (kl *KeyedLimiter) Sweep() int {
	now := kl.now()
	burst := float64(kl.config.Burst)

	kl.mu.Lock()
	for key, lim := range kl.limiters {
		if lim.TokensAt(now) >= burst {
			delete(kl.limiters, key)
		}
	}
	remaining := len(kl.limiters)
	kl.mu.Unlock()

	kl.config.Metrics.SetRateLimiterKeys(kl.config.Name, remaining)
	return remaining
}

func (kl *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(kl.config.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-kl.stopCh:
			return
		case <-ticker.C:
			kl.Sweep()
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call multiple times.
func (kl *KeyedLimiter) Stop() {
	kl.stopOnce.Do(func() { close(kl.stopCh) })
}
