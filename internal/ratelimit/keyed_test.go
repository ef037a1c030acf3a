package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/garyellow/linebot-imagelab/internal/metrics"
)

func TestKeyedLimiter_Basic(t *testing.T) {
	t.Parallel()
	m := metrics.New(prometheus.NewRegistry())
	kl := NewKeyedLimiter(KeyedConfig{
		Name:       "user",
		Burst:      1,
		RefillRate: 0.001,
		Metrics:    m,
	})
	defer kl.Stop()

	if !kl.Allow("user1") {
		t.Error("User1 first request failed")
	}
	if kl.Allow("user1") {
		t.Error("User1 second request allowed (should limit)")
	}
	if !kl.Allow("user2") {
		t.Error("User2 first request failed")
	}
	if !kl.Allow("") {
		t.Error("empty key must never be limited")
	}

	if got := testutil.ToFloat64(m.RateLimiterDropped.WithLabelValues("user")); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestKeyedLimiter_Refill(t *testing.T) {
	t.Parallel()
	kl := NewKeyedLimiter(KeyedConfig{Name: "refill", Burst: 2, RefillRate: 1})
	defer kl.Stop()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	kl.now = func() time.Time { return now }

	kl.Allow("u1")
	kl.Allow("u1")
	if kl.Allow("u1") {
		t.Fatal("third request within the same instant should be limited")
	}
	if got := kl.Available("u1"); got >= 1 {
		t.Errorf("Available = %v, want < 1", got)
	}

	now = now.Add(time.Second)
	if !kl.Allow("u1") {
		t.Error("one token should have refilled after a second")
	}
	if got := kl.Available("new"); got != 2 {
		t.Errorf("unknown key Available = %v, want burst", got)
	}
}

func TestKeyedLimiter_Sweep(t *testing.T) {
	t.Parallel()
	kl := NewKeyedLimiter(KeyedConfig{Name: "sweep", Burst: 5, RefillRate: 1})
	defer kl.Stop()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	kl.now = func() time.Time { return now }

	kl.Allow("idle")
	now = now.Add(3 * time.Second)
	kl.Allow("busy")
	kl.Allow("busy")

	if got := kl.ActiveCount(); got != 2 {
		t.Fatalf("ActiveCount = %d, want 2", got)
	}

	// idle has refilled to burst, busy has not.
	if remaining := kl.Sweep(); remaining != 1 {
		t.Errorf("Sweep() = %d, want 1", remaining)
	}
	if got := kl.Available("busy"); got >= 5 {
		t.Errorf("busy limiter should be kept, Available = %v", got)
	}
}

func TestKeyedLimiter_CleanupLoop(t *testing.T) {
	t.Parallel()
	kl := NewKeyedLimiter(KeyedConfig{
		Name:          "loop",
		Burst:         10,
		RefillRate:    1000,
		CleanupPeriod: 20 * time.Millisecond,
	})
	defer kl.Stop()

	kl.Allow("u1")
	deadline := time.Now().Add(2 * time.Second)
	for kl.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("cleanup loop never removed the idle key")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestKeyedLimiter_ThreadSafety(t *testing.T) {
	t.Parallel()
	kl := NewKeyedLimiter(KeyedConfig{Name: "concurrency", Burst: 1000, RefillRate: 1})
	defer kl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("user%d", i%10)
			kl.Allow(key)
			kl.Available(key)
			kl.Sweep()
		}(i)
	}
	wg.Wait()

	kl.Stop()
	kl.Stop()
}
