package keypool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
)

// Cursor hands out rotation positions per kind. Next must be an atomic
// increment so concurrent callers never observe the same position twice.
type Cursor interface {
	Next(ctx context.Context, kind domain.ProfileKind) (uint64, error)
}

// Cooldowns tracks profiles temporarily withheld after credential or quota
// failures.
type Cooldowns interface {
	Mark(ctx context.Context, profileID string, d time.Duration) error
	// Active returns the expiry of every listed profile still cooling down.
	Active(ctx context.Context, profileIDs []string) (map[string]time.Time, error)
}

type MemoryCursor struct {
	counters sync.Map
}

func (c *MemoryCursor) Next(_ context.Context, kind domain.ProfileKind) (uint64, error) {
	v, _ := c.counters.LoadOrStore(kind, new(atomic.Uint64))
	return v.(*atomic.Uint64).Add(1) - 1, nil
}

type MemoryCooldowns struct {
	Now func() time.Time

	mu    sync.Mutex
	until map[string]time.Time
}

func (m *MemoryCooldowns) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryCooldowns) Mark(_ context.Context, profileID string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.until == nil {
		m.until = map[string]time.Time{}
	}
	m.until[profileID] = m.now().Add(d)
	return nil
}

func (m *MemoryCooldowns) Active(_ context.Context, profileIDs []string) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	res := map[string]time.Time{}
	for _, id := range profileIDs {
		until, ok := m.until[id]
		if !ok {
			continue
		}
		if !until.After(now) {
			delete(m.until, id)
			continue
		}
		res[id] = until
	}
	return res, nil
}
