package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"pasteir/cfg"
	"pasteir/metrics"
	"pasteir/pkg/domain"
	"pasteir/svc/util"
)

const (
	MaxHistory     = 100
	insertAttempts = 3
)

type Paste struct {
	store    Store
	grace    GraceCache
	enc      Encrypter
	sealer   Sealer
	cfg      *cfg.Cfg
	now      func() time.Time
	langs    singleflight.Group
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

type Option func(*Paste)

func WithClock(now func() time.Time) Option {
	return func(p *Paste) { p.now = now }
}

// WithSealer enables at-rest sealing of the stored ciphertext.
func WithSealer(s Sealer) Option {
	return func(p *Paste) { p.sealer = s }
}

func NewPaste(store Store, grace GraceCache, enc Encrypter, c *cfg.Cfg, opts ...Option) *Paste {
	if store == nil || grace == nil || enc == nil || c == nil {
		panic("paste service: nil dependency (store, grace, encrypter or cfg)")
	}
	p := &Paste{
		store: store,
		grace: grace,
		enc:   enc,
		cfg:   c,
		now:   time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Shutdown rejects new operations and waits for in-flight ones.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}
func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	return nil
}

// Ready checks the store and the grace cache.
func (p *Paste) Ready(ctx context.Context) error {
	if err := p.store.Ping(ctx); err != nil {
		return err
	}
	return p.grace.Ping(ctx)
}
func (p *Paste) validateTTL(ttl time.Duration) error {
	if ttl == 0 {
		return nil
	}
	if ttl < 0 || ttl < p.cfg.MinTTL || ttl > p.cfg.MaxTTL {
		return domain.ErrInvalidDuration
	}
	return nil
}
func (p *Paste) resolveLanguage(ctx context.Context, alias string) (*domain.Language, error) {
	alias = strings.ToLower(strings.TrimSpace(alias))
	if alias == "" {
		return nil, nil
	}
	l, err := p.store.LanguageByAlias(ctx, alias)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, domain.ErrInvalidLanguage
	}
	return l, nil
}

func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if params.Content == "" {
		return nil, domain.ErrContentRequired
	}
	if int64(len(params.Content)) > p.cfg.MaxPasteSize {
		return nil, domain.ErrPasteTooLarge
	}
	if !utf8.ValidString(params.Content) {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "content is not valid utf-8")
	}
	if err := p.validateTTL(params.TTL); err != nil {
		return nil, err
	}
	lang, err := p.resolveLanguage(ctx, params.Language)
	if err != nil {
		return nil, err
	}
	content := norm.NFC.String(params.Content)
	paste := &domain.Paste{
		OneTime: params.OneTime,
		Lang:    lang,
	}
	if params.Password != "" {
		paste.Salt, paste.IV, paste.Ciphertext, err = p.enc.Encrypt(ctx, content, params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "encrypt content")
		}
	} else {
		paste.Ciphertext = content
	}
	if p.sealer != nil {
		if paste.Ciphertext, err = p.sealer.Seal(ctx, paste.Ciphertext); err != nil {
			return nil, errors.Wrap(err, "seal content")
		}
	}
	if err := p.insert(ctx, paste, params.TTL); err != nil {
		return nil, err
	}
	if InGraceBand(paste) {
		lifetime, _ := paste.Lifetime()
		if err := p.grace.Mark(ctx, paste.ID, lifetime); err != nil {
			util.Warn().Err(err).Str("id", paste.ID).Msg("grace marker write failed, rolling back paste")
			if _, derr := p.store.Delete(context.WithoutCancel(ctx), paste.ID); derr != nil {
				util.Error().Err(derr).Str("id", paste.ID).Msg("rollback delete failed")
			}
			return nil, domain.Transient("grace mark", err)
		}
	}
	kind := "plain"
	if paste.Encrypted() {
		kind = "encrypted"
	}
	metrics.PasteCreated.WithLabelValues(kind).Inc()
	util.Info().
		Str("id", paste.ID).
		Bool("one_time", paste.OneTime).
		Dur("ttl", params.TTL).
		Str("size", util.RedactContent(content)).
		Str("request_id", util.GetRequestID(ctx)).
		Msg("paste created")
	return paste, nil
}

// insert allocates an id and writes the row, retrying with a fresh id if the
// insert loses a race for the one it picked.
func (p *Paste) insert(ctx context.Context, paste *domain.Paste, ttl time.Duration) error {
	exists := func(id string) (bool, error) {
		taken, err := p.store.Exists(ctx, id)
		if taken {
			metrics.IDCollisions.Inc()
		}
		return taken, err
	}
	for attempt := 0; attempt < insertAttempts; attempt++ {
		id, err := util.GenID(exists, p.cfg.IDMaxAttempts)
		if err != nil {
			return err
		}
		now := p.now().UTC()
		paste.ID = id
		paste.Created = now
		paste.Expires = nil
		if ttl > 0 {
			e := now.Add(ttl)
			paste.Expires = &e
		}
		err = p.store.Insert(ctx, paste)
		if errors.Is(err, domain.ErrDuplicateID) {
			metrics.IDCollisions.Inc()
			continue
		}
		return err
	}
	return domain.ErrDuplicateID
}

// Read applies the lifecycle rules and returns the content when admitted.
// Pastes that fail the liveness check are deleted before
// domain.ErrNoLongerAvailable is returned.
func (p *Paste) Read(ctx context.Context, id, password string) (*domain.ReadResult, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	res, err := p.read(ctx, id, password)
	metrics.PasteReads.WithLabelValues(readOutcome(err)).Inc()
	return res, err
}
func (p *Paste) read(ctx context.Context, id, password string) (*domain.ReadResult, error) {
	if !domain.ValidID(id) {
		return nil, domain.ErrPasteNotFound
	}
	paste, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := p.now()
	if !IsLive(paste, now) {
		return nil, p.retire(ctx, id, "read")
	}
	marked := true
	if InGraceBand(paste) {
		if marked, err = p.grace.Present(ctx, id); err != nil {
			return nil, domain.Transient("grace lookup", err)
		}
		if marked {
			metrics.GraceLookups.WithLabelValues("hit").Inc()
		} else {
			metrics.GraceLookups.WithLabelValues("miss").Inc()
		}
	}
	var content string
	switch AdmitRead(paste, now, marked) {
	case domain.AdmitRejected:
		return nil, p.retire(ctx, id, "read")
	case domain.AdmitNeedsPassword:
		if password == "" {
			return nil, domain.ErrPasswordRequired
		}
		ct, err := p.open(ctx, paste.Ciphertext)
		if err != nil {
			return nil, err
		}
		if content, err = p.enc.Decrypt(ctx, paste.Salt, paste.IV, ct, password); err != nil {
			return nil, err
		}
	case domain.AdmitReadable:
		if content, err = p.open(ctx, paste.Ciphertext); err != nil {
			return nil, err
		}
	}
	count, err := p.store.IncrementViewCount(ctx, id)
	if errors.Is(err, domain.ErrPasteNotFound) {
		p.forget(ctx, id)
		return nil, domain.ErrNoLongerAvailable
	}
	if err != nil {
		return nil, err
	}
	paste.ViewCount = count
	if !IsLive(paste, now) {
		return nil, p.retire(ctx, id, "exhausted")
	}
	return &domain.ReadResult{Paste: paste, Content: content}, nil
}
func (p *Paste) open(ctx context.Context, ciphertext string) (string, error) {
	if p.sealer == nil {
		return ciphertext, nil
	}
	pt, err := p.sealer.Open(ctx, ciphertext)
	if err != nil {
		return "", errors.Wrap(err, "open sealed content")
	}
	return pt, nil
}

// retire deletes a paste that failed the liveness check and reports it as gone.
func (p *Paste) retire(ctx context.Context, id, cause string) error {
	if _, err := p.store.Delete(ctx, id); err != nil {
		return err
	}
	p.forget(ctx, id)
	metrics.PasteDeleted.WithLabelValues(cause).Inc()
	util.Debug().Str("id", id).Str("cause", cause).Msg("paste retired")
	return domain.ErrNoLongerAvailable
}
func (p *Paste) forget(ctx context.Context, id string) {
	if err := p.grace.Forget(ctx, id); err != nil {
		util.Warn().Err(err).Str("id", id).Msg("failed to drop grace marker")
	}
}

// Delete removes a paste regardless of its lifecycle state.
func (p *Paste) Delete(ctx context.Context, id string) error {
	if err := p.begin(); err != nil {
		return err
	}
	defer p.opWg.Done()
	if !domain.ValidID(id) {
		return domain.ErrPasteNotFound
	}
	removed, err := p.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return domain.ErrPasteNotFound
	}
	p.forget(ctx, id)
	metrics.PasteDeleted.WithLabelValues("explicit").Inc()
	util.Info().Str("id", id).Str("request_id", util.GetRequestID(ctx)).Msg("paste deleted")
	return nil
}

// History returns id and creation time for the given ids that still exist,
// newest first. Only the last MaxHistory ids are considered. It never
// touches view counts.
func (p *Paste) History(ctx context.Context, ids []string) ([]domain.HistoryEntry, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if len(ids) > MaxHistory {
		ids = ids[len(ids)-MaxHistory:]
	}
	seen := make(map[string]struct{}, len(ids))
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if !domain.ValidID(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		valid = append(valid, id)
	}
	if len(valid) == 0 {
		return []domain.HistoryEntry{}, nil
	}
	entries, err := p.store.ListByIDs(ctx, valid)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	return entries, nil
}
func (p *Paste) Languages(ctx context.Context) ([]domain.Language, error) {
	v, err, _ := p.langs.Do("languages", func() (interface{}, error) {
		return p.store.Languages(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Language), nil
}
func (p *Paste) Presets() []time.Duration {
	out := make([]time.Duration, len(p.cfg.TTLPresets))
	copy(out, p.cfg.TTLPresets)
	return out
}
func readOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeContent
	case errors.Is(err, domain.ErrPasswordRequired):
		return metrics.OutcomePasswordRequired
	case errors.Is(err, domain.ErrDecryptionFailed):
		return metrics.OutcomeDecryptionFailed
	case errors.Is(err, domain.ErrNoLongerAvailable):
		return metrics.OutcomeNoLongerAvail
	case errors.Is(err, domain.ErrPasteNotFound):
		return metrics.OutcomeNotFound
	default:
		return metrics.OutcomeError
	}
}
