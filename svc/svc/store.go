package svc

import (
	"context"
	"time"

	"pasteir/pkg/domain"
)

// Store is the persistent paste table. Implementations return
// domain.ErrPasteNotFound for missing rows, domain.ErrDuplicateID on id
// conflicts and wrap every backend failure with domain.Transient.
type Store interface {
	Insert(ctx context.Context, p *domain.Paste) error
	Get(ctx context.Context, id string) (*domain.Paste, error)
	Exists(ctx context.Context, id string) (bool, error)
	// IncrementViewCount must be atomic against concurrent callers.
	IncrementViewCount(ctx context.Context, id string) (int, error)
	Delete(ctx context.Context, id string) (bool, error)
	FindExpiredOrExhausted(ctx context.Context, now time.Time, after string, limit int) ([]string, error)
	ListByIDs(ctx context.Context, ids []string) ([]domain.HistoryEntry, error)
	Languages(ctx context.Context) ([]domain.Language, error)
	LanguageByAlias(ctx context.Context, alias string) (*domain.Language, error)
	Ping(ctx context.Context) error
}

// GraceCache holds TTL-bearing markers for short-lived pastes.
type GraceCache interface {
	Mark(ctx context.Context, id string, ttl time.Duration) error
	Present(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

type Encrypter interface {
	Encrypt(ctx context.Context, content, password string) (salt, iv, ciphertext string, err error)
	Decrypt(ctx context.Context, salt, iv, ciphertext, password string) (string, error)
}

// Sealer wraps stored ciphertext at rest. Open must pass through values it did not seal.
type Sealer interface {
	Seal(ctx context.Context, plaintext string) (string, error)
	Open(ctx context.Context, sealed string) (string, error)
}
