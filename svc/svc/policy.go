package svc

import (
	"time"

	"pasteir/pkg/domain"
)

// IsLive reports whether p may still be read at now: not past its expiry and
// not a one-time paste that has been read more than once.
func IsLive(p *domain.Paste, now time.Time) bool {
	if p.Expires != nil && !p.Expires.After(now) {
		return false
	}
	return !(p.OneTime && p.ViewCount > 1)
}

// InGraceBand reports whether p's total lifetime is short enough to be
// gated by the grace-window cache.
func InGraceBand(p *domain.Paste) bool {
	d, ok := p.Lifetime()
	return ok && d <= domain.GraceBand
}

// AdmitRead decides the read outcome. graceMarked is only consulted for
// pastes in the grace band; a missing marker rejects them even before expiry.
func AdmitRead(p *domain.Paste, now time.Time, graceMarked bool) domain.Admission {
	if !IsLive(p, now) {
		return domain.AdmitRejected
	}
	if InGraceBand(p) && !graceMarked {
		return domain.AdmitRejected
	}
	if p.Encrypted() {
		return domain.AdmitNeedsPassword
	}
	return domain.AdmitReadable
}
