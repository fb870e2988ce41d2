package domain

import (
	"regexp"
	"time"
)

const IDLength = 6

// GraceBand is the longest lifetime that is additionally gated by the
// grace-window cache. It covers the 10 minute option with a second of slack.
const GraceBand = 601 * time.Second

var idPattern = regexp.MustCompile(`^[0-9a-f]{6}$`)

type Paste struct {
	ID         string     `json:"id"`
	Created    time.Time  `json:"created"`
	Expires    *time.Time `json:"expires,omitempty"`
	OneTime    bool       `json:"one_time"`
	ViewCount  int        `json:"view_count"`
	Ciphertext string     `json:"-"`
	Salt       string     `json:"-"`
	IV         string     `json:"-"`
	Lang       *Language  `json:"lang,omitempty"`
}

func (p *Paste) Encrypted() bool {
	return p.Salt != ""
}

// Lifetime reports expires-created. ok is false for pastes without a time limit.
func (p *Paste) Lifetime() (d time.Duration, ok bool) {
	if p.Expires == nil {
		return 0, false
	}
	return p.Expires.Sub(p.Created), true
}

func (p *Paste) LangID() *int64 {
	if p.Lang == nil {
		return nil
	}
	id := p.Lang.ID
	return &id
}

type Language struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"displayname"`
	Alias       string `json:"alias"`
}

type CreateParams struct {
	Content  string
	Password string
	TTL      time.Duration
	OneTime  bool
	Language string
}

type ReadResult struct {
	Paste   *Paste `json:"paste"`
	Content string `json:"content"`
}

type HistoryEntry struct {
	ID      string    `json:"id"`
	Created time.Time `json:"created"`
}

func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Admission is the read-path verdict for a paste.
type Admission int

const (
	AdmitRejected Admission = iota
	AdmitReadable
	AdmitNeedsPassword
)

func (a Admission) String() string {
	switch a {
	case AdmitReadable:
		return "readable"
	case AdmitNeedsPassword:
		return "needs_password"
	default:
		return "rejected"
	}
}
