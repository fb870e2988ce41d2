package svc

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pasteir/cfg"
	"pasteir/pkg/domain"
	"pasteir/svc/cache"
	"pasteir/svc/crypt"
	"pasteir/svc/db"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyStore fails Delete for the ids in failDelete.
type flakyStore struct {
	Store
	mu         sync.Mutex
	failDelete map[string]bool
}

func (f *flakyStore) Delete(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	fail := f.failDelete[id]
	f.mu.Unlock()
	if fail {
		return false, domain.Transient("delete", errors.New("disk I/O error"))
	}
	return f.Store.Delete(ctx, id)
}

type brokenGrace struct{}

func (brokenGrace) Mark(context.Context, string, time.Duration) error {
	return errors.New("connection refused")
}
func (brokenGrace) Present(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}
func (brokenGrace) Forget(context.Context, string) error { return nil }
func (brokenGrace) Ping(context.Context) error           { return errors.New("connection refused") }

type env struct {
	clock  *fakeClock
	store  *db.SQLite
	grace  *cache.LRU
	cipher *crypt.Cipher
	cfg    *cfg.Cfg
	svc    *Paste
}

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		MaxPasteSize:  64 * 1024,
		MinTTL:        time.Minute,
		MaxTTL:        365 * 24 * time.Hour,
		TTLPresets:    []time.Duration{10 * time.Minute, time.Hour, 24 * time.Hour},
		IDMaxAttempts: 16,
	}
}
func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := db.NewSQLiteWithConfig(filepath.Join(t.TempDir(), "svc.db"), db.SQLiteOpts{MaxOpenConns: 8})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	clock := newFakeClock()
	grace, err := cache.NewLRU(1000)
	if err != nil {
		t.Fatal(err)
	}
	grace.WithClock(clock.Now)
	cipher, err := crypt.NewCipher(1, 8*1024, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := cipher.Start(2); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cipher.Stop)
	c := testCfg()
	return &env{
		clock:  clock,
		store:  store,
		grace:  grace,
		cipher: cipher,
		cfg:    c,
		svc:    NewPaste(store, grace, cipher, c, WithClock(clock.Now)),
	}
}
func (e *env) create(t *testing.T, params domain.CreateParams) *domain.Paste {
	t.Helper()
	p, err := e.svc.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return p
}
func (e *env) viewCount(t *testing.T, id string) int {
	t.Helper()
	p, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return p.ViewCount
}
func (e *env) exists(t *testing.T, id string) bool {
	t.Helper()
	ok, err := e.store.Exists(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}
