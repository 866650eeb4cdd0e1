package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadAttempts = 3
	defaultReadBackoff  = 100 * time.Millisecond
)

// Engine is the only writer of ledger entries. Entries are never mutated:
// corrections go through Supersede, and balances are always derived.
type Engine struct {
	repo         Repository
	logger       *zap.Logger
	writeTimeout time.Duration
	readAttempts int
	readBackoff  time.Duration
	now          func() time.Time
}

type EngineOption func(*Engine)

func WithWriteTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.writeTimeout = d
		}
	}
}

// WithReadRetry sets how many times a read is attempted and the base delay
// between attempts.
func WithReadRetry(attempts int, backoff time.Duration) EngineOption {
	return func(e *Engine) {
		if attempts > 0 {
			e.readAttempts = attempts
		}
		if backoff >= 0 {
			e.readBackoff = backoff
		}
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(repo Repository, logger *zap.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:         repo,
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
		readAttempts: defaultReadAttempts,
		readBackoff:  defaultReadBackoff,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Append writes a batch of validated entries that share one raw input.
// Either every entry is stored or none is.
func (e *Engine) Append(ctx context.Context, rawInputID uuid.UUID, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: nothing to append", ErrConstraintViolation)
	}

	ctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()

	p, err := e.repo.GetPartnership(ctx, entries[0].PartnershipID)
	if err != nil {
		return nil, fmt.Errorf("loading partnership: %w", err)
	}

	written := e.stamp(entries, rawInputID, 1)
	if err := e.check(written, *p); err != nil {
		return nil, err
	}

	if err := e.repo.InsertEntries(ctx, written); err != nil {
		return nil, fmt.Errorf("appending entries: %w", err)
	}

	e.logger.Info("ledger entries appended",
		zap.String("partnership_id", p.ID.String()),
		zap.String("raw_input_id", rawInputID.String()),
		zap.Int("count", len(written)),
	)
	return written, nil
}

// Supersede replaces oldID with entries in one transaction. The new entries
// carry the next interpretation version. An entry can be superseded once;
// a missing or already superseded target fails with ErrNotFound.
func (e *Engine) Supersede(ctx context.Context, oldID, rawInputID uuid.UUID, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: nothing to supersede with", ErrConstraintViolation)
	}

	ctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()

	old, err := e.repo.GetEntry(ctx, oldID)
	if err != nil {
		return nil, fmt.Errorf("loading entry %s: %w", oldID, err)
	}
	if !old.Active() {
		return nil, fmt.Errorf("entry %s already superseded: %w", oldID, ErrNotFound)
	}

	p, err := e.repo.GetPartnership(ctx, old.PartnershipID)
	if err != nil {
		return nil, fmt.Errorf("loading partnership: %w", err)
	}

	for i := range entries {
		entries[i].PartnershipID = old.PartnershipID
	}
	stamped := e.stamp(entries, rawInputID, old.InterpretationVersion+1)
	if err := e.check(stamped, *p); err != nil {
		return nil, err
	}

	written, err := e.repo.SupersedeEntry(ctx, old.PartnershipID, oldID, stamped)
	if err != nil {
		return nil, fmt.Errorf("superseding entry %s: %w", oldID, err)
	}

	e.logger.Info("ledger entry superseded",
		zap.String("partnership_id", p.ID.String()),
		zap.String("old_entry_id", oldID.String()),
		zap.String("new_entry_id", written[0].ID.String()),
		zap.Int("version", written[0].InterpretationVersion),
	)
	return written, nil
}

func (e *Engine) stamp(entries []Entry, rawInputID uuid.UUID, version int) []Entry {
	now := e.now().UTC()
	out := make([]Entry, len(entries))
	for i, entry := range entries {
		if entry.ID == uuid.Nil {
			entry.ID = uuid.New()
		}
		entry.RawInputID = rawInputID
		entry.InterpretationVersion = version
		entry.CreatedAt = now
		entry.EventDate = DateOnly(entry.EventDate)
		entry.SupersededBy = nil
		out[i] = entry
	}
	return out
}

func (e *Engine) check(entries []Entry, p Partnership) error {
	for _, entry := range entries {
		if err := CheckEntry(entry, p); err != nil {
			e.logger.Error("refusing to write entry that breaks ledger invariants",
				zap.String("partnership_id", p.ID.String()),
				zap.String("entry_id", entry.ID.String()),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}

// DeriveBalance recomputes the balance from every active entry. Positive
// means MemberB owes MemberA. Nothing about it is cached.
func (e *Engine) DeriveBalance(ctx context.Context, partnershipID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := e.read(ctx, "deriving balance", func(ctx context.Context) error {
		p, err := e.repo.GetPartnership(ctx, partnershipID)
		if err != nil {
			return err
		}
		entries, err := e.repo.ListEntries(ctx, partnershipID, Filter{})
		if err != nil {
			return err
		}
		balance = Balance(*p, entries)
		return nil
	})
	return balance, err
}

// Query returns matching entries ordered by event date, then creation time.
func (e *Engine) Query(ctx context.Context, partnershipID uuid.UUID, f Filter) ([]Entry, error) {
	var entries []Entry
	err := e.read(ctx, "querying entries", func(ctx context.Context) error {
		var err error
		entries, err = e.repo.ListEntries(ctx, partnershipID, f)
		return err
	})
	return entries, err
}

func (e *Engine) CategoryTotals(ctx context.Context, partnershipID uuid.UUID, f Filter) ([]CategoryTotal, error) {
	var totals []CategoryTotal
	err := e.read(ctx, "summing categories", func(ctx context.Context) error {
		var err error
		totals, err = e.repo.CategoryTotals(ctx, partnershipID, f)
		return err
	})
	return totals, err
}

func (e *Engine) Entry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	var entry *Entry
	err := e.read(ctx, "loading entry", func(ctx context.Context) error {
		var err error
		entry, err = e.repo.GetEntry(ctx, id)
		return err
	})
	return entry, err
}

func (e *Engine) RecordRawInput(ctx context.Context, in RawInput) error {
	ctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()

	if err := e.repo.SaveRawInput(ctx, in); err != nil {
		return fmt.Errorf("recording raw input: %w", err)
	}
	return nil
}

func (e *Engine) CreatePartnership(ctx context.Context, p Partnership) error {
	ctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()

	if err := e.repo.CreatePartnership(ctx, p); err != nil {
		return fmt.Errorf("creating partnership: %w", err)
	}
	e.logger.Info("partnership created",
		zap.String("partnership_id", p.ID.String()),
		zap.String("currency", p.DefaultCurrency),
	)
	return nil
}

func (e *Engine) Partnership(ctx context.Context, id uuid.UUID) (*Partnership, error) {
	var p *Partnership
	err := e.read(ctx, "loading partnership", func(ctx context.Context) error {
		var err error
		p, err = e.repo.GetPartnership(ctx, id)
		return err
	})
	return p, err
}

func (e *Engine) PartnershipFor(ctx context.Context, member uuid.UUID) (*Partnership, error) {
	var p *Partnership
	err := e.read(ctx, "loading partnership", func(ctx context.Context) error {
		var err error
		p, err = e.repo.GetPartnershipByMember(ctx, member)
		return err
	})
	return p, err
}

func (e *Engine) UpdateCurrency(ctx context.Context, id uuid.UUID, currency string) error {
	if !ValidCurrency(currency) {
		return fmt.Errorf("%w: invalid currency %q", ErrConstraintViolation, currency)
	}
	ctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()
	return e.repo.UpdateCurrency(ctx, id, currency)
}

// read retries fn a few times before reporting ErrTransient. Not-found and
// caller cancellation are returned as is.
func (e *Engine) read(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= e.readAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return err
		}

		e.logger.Warn("ledger read failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < e.readAttempts {
			select {
			case <-time.After(e.readBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}
