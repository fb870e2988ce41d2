package svc

import (
	"testing"
	"time"

	"pasteir/pkg/domain"
)

func TestIsLive(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)
	tests := []struct {
		name  string
		paste domain.Paste
		want  bool
	}{
		{"no expiry", domain.Paste{}, true},
		{"no expiry many views", domain.Paste{ViewCount: 1000}, true},
		{"future expiry", domain.Paste{Expires: &future}, true},
		{"past expiry", domain.Paste{Expires: &past}, false},
		{"expiry equals now", domain.Paste{Expires: &now}, false},
		{"one-time unread", domain.Paste{OneTime: true}, true},
		{"one-time read once", domain.Paste{OneTime: true, ViewCount: 1}, true},
		{"one-time exhausted", domain.Paste{OneTime: true, ViewCount: 2}, false},
		{"one-time expired", domain.Paste{OneTime: true, Expires: &past}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsLive(&tt.paste, now); got != tt.want {
				t.Errorf("IsLive = %v, want %v", got, tt.want)
			}
		})
	}
}
func TestAdmitRead(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	created := now.Add(-time.Minute)
	short := created.Add(10 * time.Minute)
	edge := created.Add(domain.GraceBand)
	long := created.Add(time.Hour)
	past := now.Add(-time.Second)
	tests := []struct {
		name   string
		paste  domain.Paste
		marked bool
		want   domain.Admission
	}{
		{"plain", domain.Paste{Created: created}, false, domain.AdmitReadable},
		{"encrypted", domain.Paste{Created: created, Salt: "s"}, false, domain.AdmitNeedsPassword},
		{"expired", domain.Paste{Created: created, Expires: &past}, true, domain.AdmitRejected},
		{"short ttl marked", domain.Paste{Created: created, Expires: &short}, true, domain.AdmitReadable},
		{"short ttl unmarked", domain.Paste{Created: created, Expires: &short}, false, domain.AdmitRejected},
		{"band edge unmarked", domain.Paste{Created: created, Expires: &edge}, false, domain.AdmitRejected},
		{"long ttl unmarked", domain.Paste{Created: created, Expires: &long}, false, domain.AdmitReadable},
		{"exhausted", domain.Paste{Created: created, OneTime: true, ViewCount: 2}, true, domain.AdmitRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AdmitRead(&tt.paste, now, tt.marked); got != tt.want {
				t.Errorf("AdmitRead = %v, want %v", got, tt.want)
			}
		})
	}
}
