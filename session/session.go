package session

import (
	"context"
	"errors"
	"time"

	"github.com/billbatista/acasinha-ledger/extraction"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
	ErrConflict = errors.New("session was changed by another message")
)

const DefaultTTL = 15 * time.Minute

type State string

const (
	StateIdle       State = "IDLE"
	StateParsing    State = "PARSING"
	StateValidating State = "VALIDATING"
	StateClarifying State = "CLARIFYING"
	StateConfirming State = "CONFIRMING"
	StateCommitting State = "COMMITTING"
)

// Key scopes a conversation to the member who started it.
type Key struct {
	PartnershipID uuid.UUID `json:"partnership_id"`
	Identity      uuid.UUID `json:"identity"`
}

func (k Key) String() string {
	return k.PartnershipID.String() + "/" + k.Identity.String()
}

// Correction is the committed entry a correction session will supersede.
type Correction struct {
	Target ledger.Entry `json:"target"`
}

type Session struct {
	Key        Key       `json:"key"`
	ID         uuid.UUID `json:"id"`
	State      State     `json:"state"`
	Generation int       `json:"generation"`

	// RawInput is the message that opened the session. Committed entries
	// reference it.
	RawInput   *ledger.RawInput       `json:"raw_input,omitempty"`
	Intent     extraction.Intent      `json:"intent,omitempty"`
	Candidates []extraction.Candidate `json:"candidates,omitempty"`

	// Approved holds entries validated in ApprovedGeneration. Only these
	// may be written.
	Approved           []ledger.Entry `json:"approved,omitempty"`
	ApprovedGeneration int            `json:"approved_generation"`
	NewCategories      []string       `json:"new_categories,omitempty"`

	PendingField extraction.Field         `json:"pending_field,omitempty"`
	Rounds       map[extraction.Field]int `json:"rounds,omitempty"`
	History      []extraction.Exchange    `json:"history,omitempty"`
	Correction   *Correction              `json:"correction,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   int       `json:"version"`
}

func New(key Key, now time.Time, ttl time.Duration) *Session {
	return &Session{
		Key:       key,
		ID:        uuid.New(),
		State:     StateIdle,
		Rounds:    make(map[extraction.Field]int),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Active reports whether the session is waiting on the member.
func (s *Session) Active() bool {
	return s.State == StateClarifying || s.State == StateConfirming
}

// Touch extends the expiry after activity.
func (s *Session) Touch(now time.Time, ttl time.Duration) {
	s.ExpiresAt = now.Add(ttl)
}

// Invalidate starts a new generation, dropping any previous approval.
func (s *Session) Invalidate() {
	s.Generation++
	s.Approved = nil
	s.NewCategories = nil
}

// Approve records entries validated in the current generation.
func (s *Session) Approve(entries []ledger.Entry, newCategories []string) {
	s.Approved = entries
	s.ApprovedGeneration = s.Generation
	s.NewCategories = newCategories
}

// Committable returns the approved entries, or nil when they are stale.
func (s *Session) Committable() []ledger.Entry {
	if len(s.Approved) == 0 || s.ApprovedGeneration != s.Generation {
		return nil
	}
	return s.Approved
}

func (s *Session) Clone() *Session {
	c := *s
	c.Candidates = append([]extraction.Candidate(nil), s.Candidates...)
	c.Approved = append([]ledger.Entry(nil), s.Approved...)
	c.NewCategories = append([]string(nil), s.NewCategories...)
	c.History = append([]extraction.Exchange(nil), s.History...)
	c.Rounds = make(map[extraction.Field]int, len(s.Rounds))
	for f, n := range s.Rounds {
		c.Rounds[f] = n
	}
	if s.RawInput != nil {
		in := *s.RawInput
		c.RawInput = &in
	}
	if s.Correction != nil {
		corr := *s.Correction
		c.Correction = &corr
	}
	return &c
}

type Store interface {
	// GetOrCreate returns the live session for key or stores a fresh one.
	// An expired session is evicted and replaced.
	GetOrCreate(ctx context.Context, key Key) (s *Session, created bool, err error)
	// Get returns ErrNotFound for unknown keys. An expired session is evicted
	// and reported once with ErrExpired.
	Get(ctx context.Context, key Key) (*Session, error)
	// CompareAndSwap stores next only if the stored version still matches
	// next.Version, then bumps the version.
	CompareAndSwap(ctx context.Context, next *Session) (*Session, error)
	Delete(ctx context.Context, key Key) error
	// Sweep evicts and returns every session expired at now.
	Sweep(ctx context.Context, now time.Time) ([]*Session, error)
}
