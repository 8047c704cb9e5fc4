package ratelimit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(store Store) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewLimiter(store, WithClock(clock.Now)), clock
}

func TestCheckUnknownIPIsAllowed(t *testing.T) {
	limiter, _ := newTestLimiter(NewMemoryStore())

	d, err := limiter.Check(context.Background(), "203.0.113.1")
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if !d.Allowed || d.Attempts != 0 || d.Remaining != DefaultMaxAttempts {
		t.Fatalf("unexpected decision: %#v", d)
	}
}

func TestLockAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	limiter, clock := newTestLimiter(NewMemoryStore())
	ip := "203.0.113.2"

	for i := 1; i < DefaultMaxAttempts; i++ {
		d, err := limiter.RecordFailure(ctx, ip)
		if err != nil {
			t.Fatalf("RecordFailure returned error: %v", err)
		}
		if !d.Allowed || d.Attempts != i {
			t.Fatalf("attempt %d: unexpected decision %#v", i, d)
		}
		clock.Advance(time.Second)
	}

	d, err := limiter.RecordFailure(ctx, ip)
	if err != nil {
		t.Fatalf("RecordFailure returned error: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected lock on attempt %d: %#v", DefaultMaxAttempts, d)
	}

	d, err = limiter.Check(ctx, ip)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected Check to reject while locked")
	}
	if d.RetryAfter != int(DefaultLockout.Seconds()) {
		t.Fatalf("RetryAfter = %d, want %d", d.RetryAfter, int(DefaultLockout.Seconds()))
	}

	clock.Advance(10 * time.Minute)
	d, _ = limiter.Check(ctx, ip)
	if d.Allowed || d.RetryAfter != 300 {
		t.Fatalf("expected 300s remaining, got %#v", d)
	}

	clock.Advance(5 * time.Minute)
	d, err = limiter.Check(ctx, ip)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if !d.Allowed || d.Attempts != 0 {
		t.Fatalf("expected reset after lockout, got %#v", d)
	}
}

func TestRetryAfterRoundsUp(t *testing.T) {
	ctx := context.Background()
	limiter, clock := newTestLimiter(NewMemoryStore())
	ip := "203.0.113.3"

	for i := 0; i < DefaultMaxAttempts; i++ {
		if _, err := limiter.RecordFailure(ctx, ip); err != nil {
			t.Fatalf("RecordFailure returned error: %v", err)
		}
	}
	clock.Advance(DefaultLockout - 1500*time.Millisecond)

	d, _ := limiter.Check(ctx, ip)
	if d.Allowed || d.RetryAfter != 2 {
		t.Fatalf("unexpected decision: %#v", d)
	}
}

func TestCountResetsAfterWindow(t *testing.T) {
	ctx := context.Background()
	limiter, clock := newTestLimiter(NewMemoryStore())
	ip := "203.0.113.4"

	for i := 0; i < DefaultMaxAttempts-1; i++ {
		if _, err := limiter.RecordFailure(ctx, ip); err != nil {
			t.Fatalf("RecordFailure returned error: %v", err)
		}
	}

	clock.Advance(DefaultLockout + time.Second)
	d, err := limiter.Check(ctx, ip)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if !d.Allowed || d.Attempts != 0 {
		t.Fatalf("expected count reset, got %#v", d)
	}

	d, _ = limiter.RecordFailure(ctx, ip)
	if !d.Allowed || d.Attempts != 1 {
		t.Fatalf("expected fresh count after window, got %#v", d)
	}
}

func TestRecordSuccessClearsHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	limiter, _ := newTestLimiter(store)
	ip := "203.0.113.5"

	for i := 0; i < 3; i++ {
		if _, err := limiter.RecordFailure(ctx, ip); err != nil {
			t.Fatalf("RecordFailure returned error: %v", err)
		}
	}
	if err := limiter.RecordSuccess(ctx, ip); err != nil {
		t.Fatalf("RecordSuccess returned error: %v", err)
	}

	d, _ := limiter.Check(ctx, ip)
	if !d.Allowed || d.Attempts != 0 {
		t.Fatalf("expected cleared history, got %#v", d)
	}
	if store.Len() != 0 {
		t.Fatalf("store still holds %d entries", store.Len())
	}
}

func TestIPsAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(NewMemoryStore())

	for i := 0; i < DefaultMaxAttempts; i++ {
		_, _ = limiter.RecordFailure(ctx, "198.51.100.1")
	}

	d, _ := limiter.Check(ctx, "198.51.100.2")
	if !d.Allowed {
		t.Fatal("lock leaked to another IP")
	}
}

func TestCustomOptions(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := NewLimiter(NewMemoryStore(),
		WithClock(clock.Now),
		WithMaxAttempts(2),
		WithLockout(time.Minute),
	)

	_, _ = limiter.RecordFailure(ctx, "ip")
	d, _ := limiter.RecordFailure(ctx, "ip")
	if d.Allowed || d.RetryAfter != 60 {
		t.Fatalf("unexpected decision: %#v", d)
	}
	if limiter.MaxAttempts() != 2 {
		t.Fatalf("MaxAttempts = %d, want 2", limiter.MaxAttempts())
	}
}

func TestReserveCountsBeforeVerification(t *testing.T) {
	ctx := context.Background()
	limiter, clock := newTestLimiter(NewMemoryStore())
	ip := "203.0.113.6"

	for i := 1; i <= DefaultMaxAttempts; i++ {
		d, err := limiter.Reserve(ctx, ip)
		if err != nil {
			t.Fatalf("Reserve returned error: %v", err)
		}
		if !d.Allowed || d.Attempts != i || d.Remaining != DefaultMaxAttempts-i {
			t.Fatalf("attempt %d: unexpected decision %#v", i, d)
		}
	}

	d, err := limiter.Reserve(ctx, ip)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if d.Allowed || d.RetryAfter != int(DefaultLockout.Seconds()) {
		t.Fatalf("expected rejection while locked, got %#v", d)
	}
	// 拒否された試行は数えない
	if d.Attempts != DefaultMaxAttempts {
		t.Fatalf("Attempts = %d, want %d", d.Attempts, DefaultMaxAttempts)
	}

	clock.Advance(DefaultLockout)
	d, _ = limiter.Reserve(ctx, ip)
	if !d.Allowed || d.Attempts != 1 {
		t.Fatalf("expected fresh window after lockout, got %#v", d)
	}
}

func TestReserveThenSuccessClearsLock(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(NewMemoryStore())
	ip := "203.0.113.7"

	for i := 0; i < DefaultMaxAttempts; i++ {
		_, _ = limiter.Reserve(ctx, ip)
	}
	// 最後の1回で正しいパスワードが来た場合
	if err := limiter.RecordSuccess(ctx, ip); err != nil {
		t.Fatalf("RecordSuccess returned error: %v", err)
	}
	if d, _ := limiter.Check(ctx, ip); !d.Allowed || d.Attempts != 0 {
		t.Fatalf("expected cleared history, got %#v", d)
	}
}

func TestCheckDoesNotCreateEntries(t *testing.T) {
	store := NewMemoryStore()
	limiter, _ := newTestLimiter(store)

	_, _ = limiter.Check(context.Background(), "203.0.113.8")
	if store.Len() != 0 {
		t.Fatalf("store holds %d entries after Check", store.Len())
	}
}

// reserveConcurrently は同じIPから n 件の Reserve を同時に実行し、許可された件数を返します。
func reserveConcurrently(t *testing.T, limiter *Limiter, ip string, n int) int {
	t.Helper()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := limiter.Reserve(context.Background(), ip)
			if err != nil {
				t.Errorf("Reserve returned error: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	return allowed
}

func TestReserveConcurrentBurstIsBounded(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore())

	if got := reserveConcurrently(t, limiter, "198.51.100.9", 50); got != DefaultMaxAttempts {
		t.Fatalf("allowed %d concurrent attempts, want %d", got, DefaultMaxAttempts)
	}
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	limiter, clock := newTestLimiter(store)

	for i := 0; i < DefaultMaxAttempts; i++ {
		_, _ = limiter.RecordFailure(ctx, "locked")
	}
	_, _ = limiter.RecordFailure(ctx, "old")
	clock.Advance(10 * time.Minute)
	_, _ = limiter.RecordFailure(ctx, "recent")

	clock.Advance(6 * time.Minute)
	if removed := limiter.Sweep(ctx); removed != 2 {
		t.Fatalf("Sweep removed %d entries, want 2", removed)
	}
	if _, ok, _ := store.Get(ctx, "recent"); !ok {
		t.Fatal("recent entry should survive the sweep")
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL is not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx := context.Background()
	store := NewRedisStore(rdb)
	ip := "redis-test-" + time.Now().Format("150405.000")
	t.Cleanup(func() { _ = store.Delete(ctx, ip) })

	limiter, _ := newTestLimiter(store)
	for i := 0; i < DefaultMaxAttempts; i++ {
		if _, err := limiter.RecordFailure(ctx, ip); err != nil {
			t.Fatalf("RecordFailure returned error: %v", err)
		}
	}
	d, err := limiter.Check(ctx, ip)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if d.Allowed || d.Attempts != DefaultMaxAttempts {
		t.Fatalf("unexpected decision: %#v", d)
	}

	if err := limiter.RecordSuccess(ctx, ip); err != nil {
		t.Fatalf("RecordSuccess returned error: %v", err)
	}
	if _, ok, _ := store.Get(ctx, ip); ok {
		t.Fatal("entry should be deleted")
	}
}

func TestRedisStoreConcurrentReserve(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL is not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	store := NewRedisStore(rdb)
	ip := "redis-burst-" + time.Now().Format("150405.000")
	t.Cleanup(func() { _ = store.Delete(context.Background(), ip) })

	// 2つの Limiter で別プロセスを模す
	a := NewLimiter(store)
	b := NewLimiter(store)
	var (
		wg    sync.WaitGroup
		total int
		mu    sync.Mutex
	)
	for _, l := range []*Limiter{a, b} {
		wg.Add(1)
		go func(l *Limiter) {
			defer wg.Done()
			n := reserveConcurrently(t, l, ip, 15)
			mu.Lock()
			total += n
			mu.Unlock()
		}(l)
	}
	wg.Wait()

	if total != DefaultMaxAttempts {
		t.Fatalf("allowed %d attempts across limiters, want %d", total, DefaultMaxAttempts)
	}
	entry, ok, err := store.Get(context.Background(), ip)
	if err != nil || !ok || entry.Count != DefaultMaxAttempts {
		t.Fatalf("stored entry = %#v, %v, %v", entry, ok, err)
	}
}
