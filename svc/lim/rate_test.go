package lim

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (f *fakeCounter) RateLimit(_ context.Context, key string, limit int, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	if f.counts[key] >= limit {
		return f.counts[key] + 1, nil
	}
	f.counts[key]++
	return f.counts[key], nil
}

func TestGetRealIP(t *testing.T) {
	trusted := []string{"10.0.0.0/8", "192.168.1.1"}
	tests := []struct {
		name    string
		remote  string
		xff     string
		trusted []string
		want    string
	}{
		{"no proxies ignores xff", "1.2.3.4:5000", "9.9.9.9", nil, "1.2.3.4"},
		{"untrusted remote ignores xff", "1.2.3.4:5000", "9.9.9.9", trusted, "1.2.3.4"},
		{"trusted remote uses xff", "10.1.2.3:5000", "9.9.9.9", trusted, "9.9.9.9"},
		{"rightmost untrusted wins", "10.1.2.3:5000", "8.8.8.8, 9.9.9.9, 10.0.0.5", trusted, "9.9.9.9"},
		{"invalid entries skipped", "192.168.1.1:80", "7.7.7.7, garbage", trusted, "7.7.7.7"},
		{"all trusted falls back", "10.1.2.3:5000", "10.0.0.7", trusted, "10.1.2.3"},
		{"no port", "1.2.3.4", "", nil, "1.2.3.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := GetRealIP(r, tt.trusted); got != tt.want {
				t.Errorf("GetRealIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRejectsBadProxy(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for invalid proxy")
		}
	}()
	New(10, 5, 5, nil, []string{"not-an-ip"})
}

func TestSharedLimit(t *testing.T) {
	l := New(3, 3, 2, &fakeCounter{}, nil)
	defer l.Stop()
	r := httptest.NewRequest("POST", "/pastes", nil)
	r.RemoteAddr = "1.2.3.4:1000"
	for i := 0; i < 3; i++ {
		res := l.CheckLimit(r, "create")
		if !res.Allowed {
			t.Fatalf("request %d rejected", i+1)
		}
		if res.Remaining != 2-i {
			t.Errorf("remaining = %d, want %d", res.Remaining, 2-i)
		}
	}
	if l.CheckLimit(r, "create").Allowed {
		t.Error("fourth request allowed")
	}
	if !l.CheckLimit(r, "read").Allowed {
		t.Error("other endpoint shares the counter")
	}
	other := httptest.NewRequest("POST", "/pastes", nil)
	other.RemoteAddr = "5.6.7.8:1000"
	if !l.CheckLimit(other, "create").Allowed {
		t.Error("other client shares the counter")
	}
}

func TestLocalFallback(t *testing.T) {
	l := New(100, 2, 2, &fakeCounter{err: errors.New("down")}, nil)
	defer l.Stop()
	r := httptest.NewRequest("GET", "/pastes/abc123", nil)
	r.RemoteAddr = "1.2.3.4:1000"
	if !l.CheckLimit(r, "read").Allowed || !l.CheckLimit(r, "read").Allowed {
		t.Fatal("burst rejected")
	}
	if l.CheckLimit(r, "read").Allowed {
		t.Error("fallback did not apply the conservative limit")
	}
}

func TestAdaptiveModeHalvesLimit(t *testing.T) {
	l := New(4, 4, 4, &fakeCounter{}, nil)
	defer l.Stop()
	l.TriggerAdaptiveMode()
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "1.2.3.4:1000"
	allowed := 0
	for i := 0; i < 4; i++ {
		if l.CheckLimit(r, "read").Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed = %d, want 2", allowed)
	}
}

func TestAnomalyDetector(t *testing.T) {
	fired := 0
	d := NewAnomalyDetector(time.Hour, func() { fired++ })
	for i := 0; i < 20; i++ {
		d.RecordRequest()
	}
	d.AdvanceWindow()
	if fired != 0 || d.ErrorRate() != 0 {
		t.Fatalf("fired=%d rate=%v on clean traffic", fired, d.ErrorRate())
	}
	for i := 0; i < 5; i++ {
		d.RecordError()
	}
	d.AdvanceWindow()
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
	if got := d.ErrorRate(); got != 25 {
		t.Errorf("ErrorRate() = %v, want 25", got)
	}
	d.Stop()
	d.Stop()
}
