package async

import (
	"context"
	"sync"
	"time"

	"github.com/yungbote/supplements-backend/internal/actions"
)

// Entry is the cached state of one outstanding external job. Token names
// the claim that started the job; every later write for that job carries
// the same token.
type Entry struct {
	Running     bool                    `json:"running"`
	Handle      string                  `json:"handle,omitempty"`
	Ready       *actions.ExternalResult `json:"ready,omitempty"`
	Token       string                  `json:"token"`
	Fingerprint string                  `json:"fingerprint"`
	RequestedAt time.Time               `json:"requested_at"`
}

// HandleCache de-duplicates external calls per action instance.
type HandleCache interface {
	// Claim stores e unless key is taken and reports whether it did.
	Claim(ctx context.Context, key string, e Entry, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (*Entry, error)
	// Swap replaces the entry only while it still carries token.
	Swap(ctx context.Context, key, token string, e Entry, ttl time.Duration) (bool, error)
	// Drop deletes the entry only while it still carries token.
	Drop(ctx context.Context, key, token string) error
	Delete(ctx context.Context, key string) error
}

// PollGuard keeps at most one poll chain alive per action instance.
type PollGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type memoryItem struct {
	entry   Entry
	expires time.Time
}

// MemoryCache is a process-local HandleCache and PollGuard.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memoryItem{}, now: time.Now}
}

func (m *MemoryCache) live(key string) (memoryItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return it, false
	}
	if !it.expires.IsZero() && m.now().After(it.expires) {
		delete(m.items, key)
		return it, false
	}
	return it, true
}

func (m *MemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryCache) Claim(ctx context.Context, key string, e Entry, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.items[key] = memoryItem{entry: e, expires: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryCache) Get(ctx context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(key)
	if !ok {
		return nil, nil
	}
	e := it.entry
	return &e, nil
}

func (m *MemoryCache) Swap(ctx context.Context, key, token string, e Entry, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(key)
	if !ok || it.entry.Token != token {
		return false, nil
	}
	m.items[key] = memoryItem{entry: e, expires: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryCache) Drop(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.live(key); ok && it.entry.Token == token {
		delete(m.items, key)
	}
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryCache) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return m.Claim(ctx, "poll:"+key, Entry{Running: true}, ttl)
}

func (m *MemoryCache) Release(ctx context.Context, key string) error {
	return m.Delete(ctx, "poll:"+key)
}
