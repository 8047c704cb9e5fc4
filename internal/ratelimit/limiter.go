// Package ratelimit はクライアントIPごとのログイン試行回数制限を提供します。
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultLockout     = 15 * time.Minute
)

// Entry は1つのIPに対する試行状態です。
type Entry struct {
	Count       int       `json:"count"`
	LastAttempt time.Time `json:"lastAttempt"`
	LockedUntil time.Time `json:"lockedUntil"`
}

// Locked は now 時点でロック中かどうかを返します。
func (e Entry) Locked(now time.Time) bool {
	return !e.LockedUntil.IsZero() && now.Before(e.LockedUntil)
}

// Store は試行状態の保存先です。プロセス内メモリと Redis の実装があります。
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Update は key のエントリを読み出して fn に渡し、結果を保存します。
	// 読み出しから保存までの間に他の更新は割り込みません。
	// エントリが無い場合 fn にはゼロ値が渡され、fn が false を返した場合は保存しません。
	Update(ctx context.Context, key string, ttl time.Duration, fn func(entry *Entry) bool) (Entry, error)
	Delete(ctx context.Context, key string) error
}

// Decision は Check / Reserve / RecordFailure の結果です。
type Decision struct {
	Allowed    bool
	Attempts   int
	Remaining  int
	RetryAfter int // 秒。Allowed が false のときのみ意味を持つ
}

// Limiter はロックアウトの判定を行います。
type Limiter struct {
	store       Store
	maxAttempts int
	lockout     time.Duration
	now         func() time.Time
}

// Option は Limiter の設定を変更します。
type Option func(*Limiter)

// WithClock は現在時刻の取得方法を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMaxAttempts はロックまでの失敗回数を設定します。
func WithMaxAttempts(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithLockout はロック時間（兼リセット窓）を設定します。
func WithLockout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.lockout = d
		}
	}
}

// NewLimiter は Limiter を作成します。
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:       store,
		maxAttempts: DefaultMaxAttempts,
		lockout:     DefaultLockout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxAttempts はロックまでの失敗回数を返します。
func (l *Limiter) MaxAttempts() int {
	return l.maxAttempts
}

// Check は ip からのログイン試行を受け付けてよいかを判定します。回数は変更しません。
// 窓を過ぎたエントリは試行0回として扱います。
func (l *Limiter) Check(ctx context.Context, ip string) (Decision, error) {
	entry, ok, err := l.store.Get(ctx, ip)
	if err != nil {
		return Decision{}, fmt.Errorf("load attempts: %w", err)
	}
	if !ok {
		return l.allowed(0), nil
	}
	return l.decide(entry, l.now()), nil
}

// Reserve はロック中でなければ試行を1回分先に数えます。
// パスワード検証より前に呼び、失敗時に RecordFailure を重ねて呼ばないこと。
// 同じIPから並行して届いたリクエストも、窓あたり最大 MaxAttempts 件しか通しません。
func (l *Limiter) Reserve(ctx context.Context, ip string) (Decision, error) {
	now := l.now()
	var rejected bool
	entry, err := l.store.Update(ctx, ip, l.ttl(), func(e *Entry) bool {
		if e.Locked(now) {
			rejected = true
			return false
		}
		rejected = false
		l.countFailure(e, now)
		return true
	})
	if err != nil {
		return Decision{}, fmt.Errorf("reserve attempt: %w", err)
	}
	if rejected {
		return l.decide(entry, now), nil
	}
	return l.allowed(entry.Count), nil
}

// RecordFailure は失敗を1回記録し、上限に達したらロックします。
func (l *Limiter) RecordFailure(ctx context.Context, ip string) (Decision, error) {
	now := l.now()
	entry, err := l.store.Update(ctx, ip, l.ttl(), func(e *Entry) bool {
		l.countFailure(e, now)
		return true
	})
	if err != nil {
		return Decision{}, fmt.Errorf("save attempts: %w", err)
	}
	return l.decide(entry, now), nil
}

// RecordSuccess は ip の履歴をすべて消去します。
func (l *Limiter) RecordSuccess(ctx context.Context, ip string) error {
	if err := l.store.Delete(ctx, ip); err != nil {
		return fmt.Errorf("clear attempts: %w", err)
	}
	return nil
}

// stale はロックが明けたか、最後の試行から窓を超えたエントリかを判定します。
func (l *Limiter) stale(entry Entry, now time.Time) bool {
	if !entry.LockedUntil.IsZero() && !now.Before(entry.LockedUntil) {
		return true
	}
	return !entry.LastAttempt.IsZero() && now.Sub(entry.LastAttempt) > l.lockout
}

func (l *Limiter) countFailure(e *Entry, now time.Time) {
	if l.stale(*e, now) {
		*e = Entry{}
	}
	e.Count++
	e.LastAttempt = now
	if e.Count >= l.maxAttempts {
		e.LockedUntil = now.Add(l.lockout)
	}
}

func (l *Limiter) decide(entry Entry, now time.Time) Decision {
	if entry.Locked(now) {
		return Decision{
			Allowed:    false,
			Attempts:   entry.Count,
			RetryAfter: retryAfterSeconds(entry.LockedUntil.Sub(now)),
		}
	}
	if l.stale(entry, now) {
		return l.allowed(0)
	}
	return l.allowed(entry.Count)
}

func (l *Limiter) allowed(count int) Decision {
	remaining := l.maxAttempts - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Attempts: count, Remaining: remaining}
}

// ttl は外部ストアでの保持期間です。ロック時間と窓の両方を覆います。
func (l *Limiter) ttl() time.Duration {
	return 2 * l.lockout
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
