package domain

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", ErrPasteNotFound, http.StatusNotFound},
		{"gone", ErrNoLongerAvailable, http.StatusGone},
		{"wrapped gone", errors.Wrap(ErrNoLongerAvailable, "read"), http.StatusGone},
		{"decryption", ErrDecryptionFailed, http.StatusForbidden},
		{"transient", Transient("db get", errors.New("connection reset")), http.StatusServiceUnavailable},
		{"wrapped transient", errors.Wrap(Transient("db get", errors.New("eof")), "read paste"), http.StatusServiceUnavailable},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Status(tt.err); got != tt.want {
				t.Errorf("Status() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTransientKeepsDomainErrors(t *testing.T) {
	err := Transient("db get", ErrPasteNotFound)
	if err != ErrPasteNotFound {
		t.Fatalf("domain error was rewrapped: %v", err)
	}
	if errors.Is(err, ErrStoreUnavailable) {
		t.Error("not found must not look transient")
	}
	if Transient("noop", nil) != nil {
		t.Error("nil error should stay nil")
	}

	cause := errors.New("disk I/O error")
	wrapped := Transient("db delete", cause)
	if !errors.Is(wrapped, ErrStoreUnavailable) {
		t.Error("expected transient error to match ErrStoreUnavailable")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("expected transient error to unwrap to its cause")
	}
}

func TestToResp(t *testing.T) {
	resp := ToResp(errors.Wrap(ErrPasswordRequired, "read"))
	if resp.Error.Code != "PASSWORD_REQUIRED" {
		t.Errorf("code = %s", resp.Error.Code)
	}
	resp = ToResp(errors.New("secret internals"))
	if resp.Error.Msg != "internal error" {
		t.Errorf("internal details leaked: %s", resp.Error.Msg)
	}
}
