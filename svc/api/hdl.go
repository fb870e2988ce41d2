package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"pasteir/cfg"
	"pasteir/pkg/domain"
	"pasteir/svc/svc"
	"pasteir/svc/util"
)

const (
	historyCookie    = "pasteHistory"
	historyCookieAge = 365 * 24 * 60 * 60
	passwordHeader   = "X-Paste-Password"
)

type Hdl struct {
	paste  *svc.Paste
	reaper *svc.Reaper
	cfg    *cfg.Cfg
}
type CreateReq struct {
	Content    string `json:"content"`
	Password   string `json:"password,omitempty"`
	Expiration string `json:"expiration,omitempty"`
	OneTime    bool   `json:"one_time,omitempty"`
	Language   string `json:"language,omitempty"`
}
type CreateResp struct {
	ID        string           `json:"id"`
	Created   time.Time        `json:"created"`
	Expires   *time.Time       `json:"expires,omitempty"`
	OneTime   bool             `json:"one_time"`
	Encrypted bool             `json:"encrypted"`
	Lang      *domain.Language `json:"lang,omitempty"`
}
type ReadResp struct {
	ID        string           `json:"id"`
	Created   time.Time        `json:"created"`
	Expires   *time.Time       `json:"expires,omitempty"`
	OneTime   bool             `json:"one_time"`
	ViewCount int              `json:"view_count"`
	Lang      *domain.Language `json:"lang,omitempty"`
	Content   string           `json:"content"`
}
type UnlockReq struct {
	Password string `json:"password"`
}

// ParseExpiration accepts a Go duration ("10m", "168h") or a day count as
// sent by the web form ("7", "0.5"). Empty, "0" and "never" mean no expiry.
// The form's short options 0.007 and 0.042 days stand for exactly 10
// minutes and one hour.
func ParseExpiration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "0", "never":
		return 0, nil
	case "0.007":
		return 10 * time.Minute, nil
	case "0.042":
		return time.Hour, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, domain.ErrInvalidDuration
		}
		return d, nil
	}
	days, err := strconv.ParseFloat(s, 64)
	if err != nil || days <= 0 || days > 100*365 {
		return 0, domain.ErrInvalidDuration
	}
	return time.Duration(days * float64(24*time.Hour)).Round(time.Minute), nil
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().Str("content_type", contentType).Msg("invalid Content-Type header")
		writeErr(w, domain.ErrUnsupportedMedia, requestID)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	// JSON escaping can expand content, so the body gets headroom over the
	// content limit; the service enforces the exact one.
	limit := h.cfg.MaxPasteSize*2 + 4096
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			writeErr(w, domain.ErrPasteTooLarge, requestID)
		case err == io.EOF:
			log.Warn().Msg("empty request body")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		default:
			log.Warn().Err(err).Msg("invalid request")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		}
		return
	}
	ttl, err := ParseExpiration(req.Expiration)
	if err != nil {
		log.Warn().Str("expiration", req.Expiration).Msg("invalid expiration")
		writeErr(w, err, requestID)
		return
	}
	paste, err := h.paste.Create(r.Context(), domain.CreateParams{
		Content:  req.Content,
		Password: req.Password,
		TTL:      ttl,
		OneTime:  req.OneTime,
		Language: req.Language,
	})
	if err != nil {
		log.Warn().Err(err).Msg("create failed")
		writeErr(w, err, requestID)
		return
	}
	h.remember(w, r, paste.ID)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{
		ID:        paste.ID,
		Created:   paste.Created,
		Expires:   paste.Expires,
		OneTime:   paste.OneTime,
		Encrypted: paste.Encrypted(),
		Lang:      paste.Lang,
	})
}

// remember appends id to the history cookie, keeping the newest MaxHistory.
func (h *Hdl) remember(w http.ResponseWriter, r *http.Request, id string) {
	ids := historyFromCookie(r)
	for _, existing := range ids {
		if existing == id {
			return
		}
	}
	ids = append(ids, id)
	if len(ids) > svc.MaxHistory {
		ids = ids[len(ids)-svc.MaxHistory:]
	}
	http.SetCookie(w, &http.Cookie{
		Name:     historyCookie,
		Value:    strings.Join(ids, "."),
		Path:     "/",
		MaxAge:   historyCookieAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
func historyFromCookie(r *http.Request) []string {
	c, err := r.Cookie(historyCookie)
	if err != nil || c.Value == "" {
		return nil
	}
	return splitIDs(c.Value)
}

// splitIDs accepts both "," and "." separators; older history cookies
// are comma separated.
func splitIDs(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '.' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (h *Hdl) ListHistory(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	var ids []string
	if q := r.URL.Query().Get("ids"); q != "" {
		ids = splitIDs(q)
	} else {
		ids = historyFromCookie(r)
	}
	entries, err := h.paste.History(r.Context(), ids)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(entries)
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	res, ok := h.read(w, r, r.Header.Get(passwordHeader))
	if !ok {
		return
	}
	writeRead(w, res)
}
func (h *Hdl) GetRaw(w http.ResponseWriter, r *http.Request) {
	res, ok := h.read(w, r, r.Header.Get(passwordHeader))
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, res.Content)
}
func (h *Hdl) Unlock(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	var req UnlockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	res, ok := h.read(w, r, req.Password)
	if !ok {
		return
	}
	writeRead(w, res)
}
func (h *Hdl) read(w http.ResponseWriter, r *http.Request, password string) (*domain.ReadResult, bool) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	res, err := h.paste.Read(r.Context(), id, password)
	if err != nil {
		if errors.Is(err, domain.ErrDecryptionFailed) {
			log.Warn().Str("paste_id", id).Msg("failed password attempt")
		}
		writeErr(w, err, requestID)
		return nil, false
	}
	return res, true
}
func writeRead(w http.ResponseWriter, res *domain.ReadResult) {
	p := res.Paste
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ReadResp{
		ID:        p.ID,
		Created:   p.Created,
		Expires:   p.Expires,
		OneTime:   p.OneTime,
		ViewCount: p.ViewCount,
		Lang:      p.Lang,
		Content:   res.Content,
	})
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	requestID := util.GetRequestID(r.Context())
	if err := h.paste.Delete(r.Context(), id); err != nil {
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

// Reap runs one sweep on demand. With ?dry_run=true it only lists what a
// sweep would delete.
func (h *Hdl) Reap(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	if h.reaper == nil {
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	if dry, _ := strconv.ParseBool(r.URL.Query().Get("dry_run")); dry {
		ids, err := h.reaper.Candidates(r.Context())
		if err != nil {
			writeErr(w, err, requestID)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": len(ids),
			"ids":        ids,
		})
		return
	}
	report, err := h.reaper.Sweep(r.Context())
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(report)
}

func (h *Hdl) GetLanguages(w http.ResponseWriter, r *http.Request) {
	langs, err := h.paste.Languages(r.Context())
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	json.NewEncoder(w).Encode(langs)
}
func (h *Hdl) GetPresets(w http.ResponseWriter, r *http.Request) {
	presets := h.paste.Presets()
	out := make([]string, len(presets))
	for i, d := range presets {
		out[i] = d.String()
	}
	json.NewEncoder(w).Encode(out)
}
