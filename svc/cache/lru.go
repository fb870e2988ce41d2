package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const maxSize = 1000000

// LRU is the in-process grace-window cache used when no Redis is configured.
// Markers live only as long as the process, and eviction under pressure
// drops the oldest markers first.
type LRU struct {
	c   *lru.Cache[string, time.Time]
	mu  sync.Mutex
	now func() time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > maxSize {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c, now: time.Now}, nil
}

// WithClock replaces the time source. Used by tests.
func (l *LRU) WithClock(now func() time.Time) *LRU {
	l.now = now
	return l
}
func (l *LRU) Mark(ctx context.Context, id string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add("paste_"+id, l.now().Add(ttl))
	return nil
}
func (l *LRU) Present(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := "paste_" + id
	exp, ok := l.c.Get(key)
	if !ok {
		return false, nil
	}
	if !l.now().Before(exp) {
		l.c.Remove(key)
		return false, nil
	}
	return true, nil
}
func (l *LRU) Forget(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove("paste_" + id)
	return nil
}
func (l *LRU) Ping(context.Context) error {
	return nil
}
func (l *LRU) Len() int {
	return l.c.Len()
}
