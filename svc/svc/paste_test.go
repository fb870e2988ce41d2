package svc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pasteir/pkg/domain"
)

func TestCreateAndRead(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.create(t, domain.CreateParams{Content: "hello world", Language: "Go"})
	if !domain.ValidID(p.ID) {
		t.Fatalf("bad id %q", p.ID)
	}
	if p.Expires != nil {
		t.Errorf("no ttl should mean no expiry, got %v", p.Expires)
	}
	for i := 1; i <= 3; i++ {
		res, err := e.svc.Read(ctx, p.ID, "")
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if res.Content != "hello world" {
			t.Errorf("content = %q", res.Content)
		}
		if res.Paste.ViewCount != i {
			t.Errorf("view_count = %d, want %d", res.Paste.ViewCount, i)
		}
		if res.Paste.Lang == nil || res.Paste.Lang.Alias != "go" {
			t.Errorf("language = %+v", res.Paste.Lang)
		}
	}
}
func TestPasswordRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.create(t, domain.CreateParams{Content: "top secret", Password: "x"})
	if !p.Encrypted() || p.Ciphertext == "top secret" {
		t.Fatal("paste was stored in the clear")
	}
	if _, err := e.svc.Read(ctx, p.ID, ""); !errors.Is(err, domain.ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
	if _, err := e.svc.Read(ctx, p.ID, "wrong"); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
	if n := e.viewCount(t, p.ID); n != 0 {
		t.Errorf("failed reads changed view_count to %d", n)
	}
	res, err := e.svc.Read(ctx, p.ID, "x")
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "top secret" {
		t.Errorf("content = %q", res.Content)
	}
	if n := e.viewCount(t, p.ID); n != 1 {
		t.Errorf("view_count = %d, want 1", n)
	}
}
func TestOneTime(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.create(t, domain.CreateParams{Content: "burn after reading", OneTime: true})
	res, err := e.svc.Read(ctx, p.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "burn after reading" || res.Paste.ViewCount != 1 {
		t.Errorf("first read = %+v", res)
	}
	if !e.exists(t, p.ID) {
		t.Fatal("one-time paste deleted after first read")
	}
	if _, err := e.svc.Read(ctx, p.ID, ""); !errors.Is(err, domain.ErrNoLongerAvailable) {
		t.Fatalf("expected ErrNoLongerAvailable, got %v", err)
	}
	if e.exists(t, p.ID) {
		t.Error("one-time paste survived second read")
	}
	if _, err := e.svc.Read(ctx, p.ID, ""); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("expected ErrPasteNotFound after deletion, got %v", err)
	}
}
func TestOneTimeConcurrent(t *testing.T) {
	e := newEnv(t)
	p := e.create(t, domain.CreateParams{Content: "once", OneTime: true})
	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	got := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.svc.Read(context.Background(), p.ID, "")
			if err == nil && res.Content == "once" {
				mu.Lock()
				got++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrNoLongerAvailable) && !errors.Is(err, domain.ErrPasteNotFound) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if got != 1 {
		t.Errorf("content delivered %d times, want 1", got)
	}
}
func TestExpiredReadDeletes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.create(t, domain.CreateParams{Content: "soon gone", TTL: time.Hour})
	e.clock.Advance(2 * time.Hour)
	if _, err := e.svc.Read(ctx, p.ID, ""); !errors.Is(err, domain.ErrNoLongerAvailable) {
		t.Fatalf("expected ErrNoLongerAvailable, got %v", err)
	}
	if e.exists(t, p.ID) {
		t.Error("expired paste survived read")
	}
}
func TestExpiredReapedBeforeRead(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.create(t, domain.CreateParams{Content: "soon gone", TTL: time.Hour})
	e.clock.Advance(2 * time.Hour)
	r := NewReaper(e.store, e.grace, ReaperOpts{Clock: e.clock.Now})
	rep, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deleted != 1 {
		t.Errorf("reaper deleted %d, want 1", rep.Deleted)
	}
	if e.exists(t, p.ID) {
		t.Error("reaper left expired paste")
	}
	if _, err := e.svc.Read(ctx, p.ID, ""); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("expected ErrPasteNotFound, got %v", err)
	}
}
func TestConcurrentReadsCountExactly(t *testing.T) {
	e := newEnv(t)
	p := e.create(t, domain.CreateParams{Content: "popular"})
	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.svc.Read(context.Background(), p.ID, ""); err != nil {
				t.Errorf("read: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := e.viewCount(t, p.ID); got != n {
		t.Errorf("view_count = %d, want %d", got, n)
	}
}
func TestGraceWindow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.create(t, domain.CreateParams{Content: "short lived", TTL: 10 * time.Minute})
	e.clock.Advance(9 * time.Minute)
	if _, err := e.svc.Read(ctx, p.ID, ""); err != nil {
		t.Fatalf("marked short-ttl paste unreadable before expiry: %v", err)
	}

	evicted := e.create(t, domain.CreateParams{Content: "short lived", TTL: 10 * time.Minute})
	if err := e.grace.Forget(ctx, evicted.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.Read(ctx, evicted.ID, ""); !errors.Is(err, domain.ErrNoLongerAvailable) {
		t.Fatalf("expected ErrNoLongerAvailable without marker, got %v", err)
	}
	if e.exists(t, evicted.ID) {
		t.Error("unmarked short-ttl paste survived read")
	}
}
func TestLongTTLIgnoresGraceCache(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.create(t, domain.CreateParams{Content: "a day", TTL: 24 * time.Hour})
	if ok, _ := e.grace.Present(ctx, p.ID); ok {
		t.Error("marker written for long ttl paste")
	}
	if _, err := e.svc.Read(ctx, p.ID, ""); err != nil {
		t.Fatal(err)
	}
}
func TestGraceMarkFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	s := NewPaste(e.store, brokenGrace{}, e.cipher, e.cfg, WithClock(e.clock.Now))
	_, err := s.Create(context.Background(), domain.CreateParams{Content: "x", TTL: 10 * time.Minute})
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected transient error, got %v", err)
	}
	ids, err := e.store.FindExpiredOrExhausted(context.Background(), e.clock.Now().Add(time.Hour), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("rolled back paste still stored: %v", ids)
	}
}
func TestGraceLookupFailureIsTransient(t *testing.T) {
	e := newEnv(t)
	p := e.create(t, domain.CreateParams{Content: "x", TTL: 10 * time.Minute})
	s := NewPaste(e.store, brokenGrace{}, e.cipher, e.cfg, WithClock(e.clock.Now))
	if _, err := s.Read(context.Background(), p.ID, ""); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !e.exists(t, p.ID) || e.viewCount(t, p.ID) != 0 {
		t.Error("paste state changed on transient failure")
	}
}
func TestExpiredShortPasteSkipsGraceLookup(t *testing.T) {
	e := newEnv(t)
	p := e.create(t, domain.CreateParams{Content: "x", TTL: 10 * time.Minute})
	e.clock.Advance(11 * time.Minute)
	s := NewPaste(e.store, brokenGrace{}, e.cipher, e.cfg, WithClock(e.clock.Now))
	if _, err := s.Read(context.Background(), p.ID, ""); !errors.Is(err, domain.ErrNoLongerAvailable) {
		t.Fatalf("expected ErrNoLongerAvailable, got %v", err)
	}
	if e.exists(t, p.ID) {
		t.Error("expired paste survived read")
	}
}
func TestRetireDeleteFailureIsTransient(t *testing.T) {
	e := newEnv(t)
	p := e.create(t, domain.CreateParams{Content: "x", TTL: time.Hour})
	flaky := &flakyStore{Store: e.store, failDelete: map[string]bool{p.ID: true}}
	s := NewPaste(flaky, e.grace, e.cipher, e.cfg, WithClock(e.clock.Now))
	e.clock.Advance(2 * time.Hour)
	_, err := s.Read(context.Background(), p.ID, "")
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if errors.Is(err, domain.ErrNoLongerAvailable) {
		t.Error("transient failure reported as no longer available")
	}
}
func TestReadUnknownAndInvalidIDs(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"abcdef", "ABCDEF", "abc", "../../etc", ""} {
		if _, err := e.svc.Read(context.Background(), id, ""); !errors.Is(err, domain.ErrPasteNotFound) {
			t.Errorf("Read(%q) = %v, want ErrPasteNotFound", id, err)
		}
	}
}
func TestDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.create(t, domain.CreateParams{Content: "x", TTL: 10 * time.Minute})
	if err := e.svc.Delete(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	if e.exists(t, p.ID) {
		t.Error("paste survived delete")
	}
	if ok, _ := e.grace.Present(ctx, p.ID); ok {
		t.Error("grace marker survived delete")
	}
	if err := e.svc.Delete(ctx, p.ID); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("second delete = %v, want ErrPasteNotFound", err)
	}
}
func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name   string
		params domain.CreateParams
		want   error
	}{
		{"empty", domain.CreateParams{}, domain.ErrContentRequired},
		{"too large", domain.CreateParams{Content: strings.Repeat("a", 64*1024+1)}, domain.ErrPasteTooLarge},
		{"negative ttl", domain.CreateParams{Content: "a", TTL: -time.Minute}, domain.ErrInvalidDuration},
		{"ttl below min", domain.CreateParams{Content: "a", TTL: time.Second}, domain.ErrInvalidDuration},
		{"ttl above max", domain.CreateParams{Content: "a", TTL: 400 * 24 * time.Hour}, domain.ErrInvalidDuration},
		{"unknown language", domain.CreateParams{Content: "a", Language: "klingon"}, domain.ErrInvalidLanguage},
		{"invalid utf8", domain.CreateParams{Content: "a\xffb"}, domain.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Create(context.Background(), tt.params)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}
func TestHistory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, e.create(t, domain.CreateParams{Content: "h"}).ID)
		e.clock.Advance(time.Second)
	}
	got, err := e.svc.History(ctx, append([]string{"zzzzzz", ids[0]}, ids...))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("history len = %d, want 3", len(got))
	}
	if got[0].ID != ids[2] || got[2].ID != ids[0] {
		t.Errorf("history not newest first: %+v", got)
	}
	for _, id := range ids {
		if n := e.viewCount(t, id); n != 0 {
			t.Errorf("history changed view_count of %s to %d", id, n)
		}
	}
	empty, err := e.svc.History(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("empty history = %v, %v", empty, err)
	}
}
func TestLanguagesAndPresets(t *testing.T) {
	e := newEnv(t)
	langs, err := e.svc.Languages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(langs) != len(domain.DefaultLanguages) {
		t.Errorf("got %d languages", len(langs))
	}
	presets := e.svc.Presets()
	presets[0] = 0
	if e.svc.Presets()[0] != 10*time.Minute {
		t.Error("Presets exposed internal slice")
	}
}
func TestShutdownRejects(t *testing.T) {
	e := newEnv(t)
	e.svc.Shutdown()
	if _, err := e.svc.Create(context.Background(), domain.CreateParams{Content: "x"}); !errors.Is(err, domain.ErrShuttingDown) {
		t.Errorf("create after shutdown = %v", err)
	}
	if _, err := e.svc.Read(context.Background(), "abcdef", ""); !errors.Is(err, domain.ErrShuttingDown) {
		t.Errorf("read after shutdown = %v", err)
	}
}
