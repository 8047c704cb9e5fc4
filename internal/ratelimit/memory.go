package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore はプロセス内のマップに試行状態を保持します。
// 複数プロセスで動かす場合、テーブルはプロセスごとに独立します。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	return entry, ok, nil
}

// Update はストア全体のロックを保持したまま fn を実行します。ttl は無視し、古いエントリは Sweep で削除します。
func (s *MemoryStore) Update(_ context.Context, key string, _ time.Duration, fn func(entry *Entry) bool) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[key]
	if fn(&entry) {
		s.entries[key] = entry
	}
	return entry, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len は保持しているIP数を返します。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep はロック中でなく、最後の試行から window を超えたエントリを削除します。
func (s *MemoryStore) Sweep(now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for ip, entry := range s.entries {
		if entry.Locked(now) {
			continue
		}
		if now.Sub(entry.LastAttempt) > window || !entry.LockedUntil.IsZero() {
			delete(s.entries, ip)
			removed++
		}
	}
	return removed
}

// Sweep はストアが MemoryStore の場合に古いエントリを削除します。
// Redis ストアは TTL で消えるため何もしません。
func (l *Limiter) Sweep(_ context.Context) int {
	mem, ok := l.store.(*MemoryStore)
	if !ok {
		return 0
	}
	return mem.Sweep(l.now(), l.lockout)
}
