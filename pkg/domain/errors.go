package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound       = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrNoLongerAvailable   = NewErr("NO_LONGER_AVAILABLE", "this paste is no longer available", http.StatusGone)
	ErrPasswordRequired    = NewErr("PASSWORD_REQUIRED", "password required", http.StatusUnauthorized)
	ErrDecryptionFailed    = NewErr("DECRYPTION_FAILED", "incorrect password", http.StatusForbidden)
	ErrGenerationExhausted = NewErr("ID_GENERATION_EXHAUSTED", "could not allocate a paste id", http.StatusServiceUnavailable)
	ErrDuplicateID         = NewErr("DUPLICATE_ID", "paste id already in use", http.StatusConflict)
	ErrStoreUnavailable    = NewErr("STORE_UNAVAILABLE", "storage temporarily unavailable", http.StatusServiceUnavailable)
	ErrPasteTooLarge       = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusRequestEntityTooLarge)
	ErrInvalidDuration     = NewErr("INVALID_DURATION", "invalid expiration", http.StatusBadRequest)
	ErrInvalidLanguage     = NewErr("INVALID_LANGUAGE", "unknown language", http.StatusBadRequest)
	ErrInvalidRequest      = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrContentRequired     = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrUnsupportedMedia    = NewErr("UNSUPPORTED_MEDIA_TYPE", "expected Content-Type: application/json", http.StatusUnsupportedMediaType)
	ErrRateLimitExceeded   = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrUnauthorized        = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrShuttingDown        = NewErr("SHUTTING_DOWN", "service shutting down", http.StatusServiceUnavailable)
	ErrInternalServer      = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// TransientErr marks a store or cache failure. The paste's state must be
// treated as unknown; callers retry the whole request.
type TransientErr struct {
	Op  string
	Err error
}

func (e *TransientErr) Error() string {
	if e.Err == nil {
		return e.Op + ": transient failure"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransientErr) Unwrap() error { return e.Err }

func (e *TransientErr) Is(target error) bool { return target == ErrStoreUnavailable }

// Transient wraps err unless it is nil or already a domain error.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Err
	if errors.As(err, &de) {
		return err
	}
	var te *TransientErr
	if errors.As(err, &te) {
		return err
	}
	return &TransientErr{Op: op, Err: err}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}

type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func classify(err error) *Err {
	if errors.Is(err, ErrStoreUnavailable) {
		return ErrStoreUnavailable
	}
	var e *Err
	if errors.As(err, &e) {
		return e
	}
	return ErrInternalServer
}

func ToResp(err error) ErrResp {
	e := classify(err)
	return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
}

func Status(err error) int {
	return classify(err).Status
}
