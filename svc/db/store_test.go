package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pasteir/pkg/domain"
)

type pasteStore interface {
	Insert(ctx context.Context, p *domain.Paste) error
	Get(ctx context.Context, id string) (*domain.Paste, error)
	Exists(ctx context.Context, id string) (bool, error)
	IncrementViewCount(ctx context.Context, id string) (int, error)
	Delete(ctx context.Context, id string) (bool, error)
	FindExpiredOrExhausted(ctx context.Context, now time.Time, after string, limit int) ([]string, error)
	ListByIDs(ctx context.Context, ids []string) ([]domain.HistoryEntry, error)
	Languages(ctx context.Context) ([]domain.Language, error)
	LanguageByAlias(ctx context.Context, alias string) (*domain.Language, error)
	Ping(ctx context.Context) error
}

func newTestSQLite(t *testing.T, driver string) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pastes.db")
	s, err := NewSQLiteWithConfig(path, SQLiteOpts{Driver: driver, MaxOpenConns: 8})
	if err != nil {
		t.Fatalf("open sqlite (%s): %v", driver, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
func TestSQLiteMattn(t *testing.T) {
	runStoreContract(t, newTestSQLite(t, DriverMattn))
}
func TestSQLiteModernc(t *testing.T) {
	runStoreContract(t, newTestSQLite(t, DriverModernc))
}
func TestSQLiteDSN(t *testing.T) {
	got, err := sqliteDSN(DriverMattn, "file:x.db?cache=private")
	if err != nil {
		t.Fatal(err)
	}
	want := "file:x.db?cache=private&_busy_timeout=5000&_foreign_keys=1&_synchronous=FULL&_journal_mode=WAL"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if _, err := sqliteDSN("oracle", "x.db"); err == nil {
		t.Error("expected error for unknown driver")
	}
}
func TestSQLiteOptimize(t *testing.T) {
	s := newTestSQLite(t, DriverMattn)
	if err := s.Optimize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := performWALCheckpoint(s.DB()); err != nil {
		t.Fatal(err)
	}
}

func mkPaste(id string, created time.Time, ttl time.Duration, oneTime bool) *domain.Paste {
	p := &domain.Paste{
		ID:         id,
		Created:    created,
		OneTime:    oneTime,
		Ciphertext: "body-" + id,
	}
	if ttl > 0 {
		e := created.Add(ttl)
		p.Expires = &e
	}
	return p
}

func runStoreContract(t *testing.T, s pasteStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("insert and get", func(t *testing.T) {
		lang, err := s.LanguageByAlias(ctx, "go")
		if err != nil || lang == nil {
			t.Fatalf("language go: %v %v", lang, err)
		}
		p := mkPaste("a00001", now, time.Hour, false)
		p.Salt, p.IV = "c2FsdA==", "aXY="
		p.Lang = lang
		if err := s.Insert(ctx, p); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, "a00001")
		if err != nil {
			t.Fatal(err)
		}
		if got.Ciphertext != p.Ciphertext || got.Salt != p.Salt || got.IV != p.IV {
			t.Errorf("payload mismatch: %+v", got)
		}
		if !got.Created.Equal(now) || got.Expires == nil || !got.Expires.Equal(*p.Expires) {
			t.Errorf("times mismatch: created %v expires %v", got.Created, got.Expires)
		}
		if got.Lang == nil || got.Lang.Alias != "go" {
			t.Errorf("language not joined: %+v", got.Lang)
		}
	})
	t.Run("duplicate id", func(t *testing.T) {
		p := mkPaste("a00002", now, 0, false)
		if err := s.Insert(ctx, p); err != nil {
			t.Fatal(err)
		}
		if err := s.Insert(ctx, p); !errors.Is(err, domain.ErrDuplicateID) {
			t.Fatalf("expected ErrDuplicateID, got %v", err)
		}
	})
	t.Run("not found", func(t *testing.T) {
		if _, err := s.Get(ctx, "ffffff"); !errors.Is(err, domain.ErrPasteNotFound) {
			t.Fatalf("expected ErrPasteNotFound, got %v", err)
		}
		if _, err := s.IncrementViewCount(ctx, "ffffff"); !errors.Is(err, domain.ErrPasteNotFound) {
			t.Fatalf("expected ErrPasteNotFound on increment, got %v", err)
		}
		ok, err := s.Exists(ctx, "ffffff")
		if err != nil || ok {
			t.Fatalf("exists = %v, %v", ok, err)
		}
		removed, err := s.Delete(ctx, "ffffff")
		if err != nil || removed {
			t.Fatalf("delete missing = %v, %v", removed, err)
		}
	})
	t.Run("concurrent increments", func(t *testing.T) {
		if err := s.Insert(ctx, mkPaste("a00003", now, 0, false)); err != nil {
			t.Fatal(err)
		}
		const n = 40
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.IncrementViewCount(ctx, "a00003"); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, "a00003")
		if err != nil {
			t.Fatal(err)
		}
		if got.ViewCount != n {
			t.Errorf("view_count = %d, want %d", got.ViewCount, n)
		}
	})
	t.Run("reap candidates", func(t *testing.T) {
		expired := mkPaste("b00001", now.Add(-2*time.Hour), time.Hour, false)
		exhausted := mkPaste("b00002", now, 0, true)
		exhausted.ViewCount = 2
		readOnce := mkPaste("b00003", now, 0, true)
		readOnce.ViewCount = 1
		forever := mkPaste("b00004", now, 0, false)
		future := mkPaste("b00005", now, time.Hour, false)
		for _, p := range []*domain.Paste{expired, exhausted, readOnce, forever, future} {
			if err := s.Insert(ctx, p); err != nil {
				t.Fatal(err)
			}
		}
		ids, err := s.FindExpiredOrExhausted(ctx, now, "b", 10)
		if err != nil {
			t.Fatal(err)
		}
		if fmt.Sprint(ids) != "[b00001 b00002]" {
			t.Errorf("candidates = %v", ids)
		}
		page, err := s.FindExpiredOrExhausted(ctx, now, "b00001", 10)
		if err != nil {
			t.Fatal(err)
		}
		if fmt.Sprint(page) != "[b00002]" {
			t.Errorf("cursor page = %v", page)
		}
		limited, err := s.FindExpiredOrExhausted(ctx, now, "b", 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(limited) != 1 {
			t.Errorf("limit ignored: %v", limited)
		}
	})
	t.Run("history newest first", func(t *testing.T) {
		for i, id := range []string{"c00001", "c00002", "c00003"} {
			if err := s.Insert(ctx, mkPaste(id, now.Add(time.Duration(i)*time.Second), 0, false)); err != nil {
				t.Fatal(err)
			}
		}
		got, err := s.ListByIDs(ctx, []string{"c00001", "c00003", "c00002", "dddddd"})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 || got[0].ID != "c00003" || got[2].ID != "c00001" {
			t.Errorf("history = %+v", got)
		}
		p, err := s.Get(ctx, "c00001")
		if err != nil || p.ViewCount != 0 {
			t.Errorf("history read mutated paste: %+v %v", p, err)
		}
	})
	t.Run("languages", func(t *testing.T) {
		langs, err := s.Languages(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(langs) != len(domain.DefaultLanguages) {
			t.Errorf("got %d languages, want %d", len(langs), len(domain.DefaultLanguages))
		}
		l, err := s.LanguageByAlias(ctx, "cobol")
		if err != nil || l != nil {
			t.Errorf("unknown alias = %v, %v", l, err)
		}
	})
	t.Run("delete", func(t *testing.T) {
		removed, err := s.Delete(ctx, "a00002")
		if err != nil || !removed {
			t.Fatalf("delete = %v, %v", removed, err)
		}
		if _, err := s.Get(ctx, "a00002"); !errors.Is(err, domain.ErrPasteNotFound) {
			t.Errorf("row survived delete: %v", err)
		}
	})
	t.Run("ping", func(t *testing.T) {
		if err := s.Ping(ctx); err != nil {
			t.Fatal(err)
		}
	})
}
