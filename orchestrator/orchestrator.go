// Package orchestrator drives a member's free text through extraction,
// validation, clarification and confirmation before anything is written to
// the ledger. Work is serialized per (partnership, member) session key.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/billbatista/acasinha-ledger/eventlogger"
	"github.com/billbatista/acasinha-ledger/extraction"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/billbatista/acasinha-ledger/metrics"
	"github.com/billbatista/acasinha-ledger/session"
	"github.com/billbatista/acasinha-ledger/validator"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrEmptyMessage  = errors.New("message text can't be empty")
	ErrNotMember     = errors.New("sender is not a member of the partnership")
	ErrInvalidChoice = errors.New("choice must be confirm, edit or cancel")
)

type Ledger interface {
	RecordRawInput(ctx context.Context, in ledger.RawInput) error
	Append(ctx context.Context, rawInputID uuid.UUID, entries []ledger.Entry) ([]ledger.Entry, error)
	Supersede(ctx context.Context, oldID, rawInputID uuid.UUID, entries []ledger.Entry) ([]ledger.Entry, error)
	DeriveBalance(ctx context.Context, partnershipID uuid.UUID) (decimal.Decimal, error)
	Query(ctx context.Context, partnershipID uuid.UUID, f ledger.Filter) ([]ledger.Entry, error)
	CategoryTotals(ctx context.Context, partnershipID uuid.UUID, f ledger.Filter) ([]ledger.CategoryTotal, error)
	Entry(ctx context.Context, id uuid.UUID) (*ledger.Entry, error)
	Partnership(ctx context.Context, id uuid.UUID) (*ledger.Partnership, error)
}

type Validator interface {
	Validate(ctx context.Context, c extraction.Candidate, s validator.Scope) (validator.Outcome, error)
}

type Categories interface {
	List(ctx context.Context) ([]string, error)
	Ensure(ctx context.Context, names ...string) error
}

type EventLog interface {
	Log(e eventlogger.Event)
}

// Notifier delivers replies nobody asked for, such as expiry notices.
type Notifier interface {
	Notify(ctx context.Context, key session.Key, r Reply)
}

type Config struct {
	MaxClarificationRounds int
	ExtractionTimeout      time.Duration
	ExtractionBackoff      time.Duration
	WriteTimeout           time.Duration
	SessionTTL             time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxClarificationRounds: 3,
		ExtractionTimeout:      20 * time.Second,
		ExtractionBackoff:      500 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		SessionTTL:             session.DefaultTTL,
	}
}

// Message is one inbound text from a partnership member.
type Message struct {
	PartnershipID uuid.UUID `json:"partnership_id"`
	Sender        uuid.UUID `json:"sender"`
	Text          string    `json:"text"`
	ReceivedAt    time.Time `json:"received_at"`
}

type Orchestrator struct {
	ledger     Ledger
	extractor  extraction.Extractor
	validator  Validator
	categories Categories
	sessions   session.Store
	events     EventLog
	notifier   Notifier
	metrics    *metrics.Metrics
	logger     *zap.Logger
	locks      *keyedMutex
	cfg        Config
	now        func() time.Time
}

type Option func(*Orchestrator)

func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		def := DefaultConfig()
		if cfg.MaxClarificationRounds <= 0 {
			cfg.MaxClarificationRounds = def.MaxClarificationRounds
		}
		if cfg.ExtractionTimeout <= 0 {
			cfg.ExtractionTimeout = def.ExtractionTimeout
		}
		if cfg.ExtractionBackoff < 0 {
			cfg.ExtractionBackoff = def.ExtractionBackoff
		}
		if cfg.WriteTimeout <= 0 {
			cfg.WriteTimeout = def.WriteTimeout
		}
		if cfg.SessionTTL <= 0 {
			cfg.SessionTTL = def.SessionTTL
		}
		o.cfg = cfg
	}
}

func WithEvents(events EventLog) Option {
	return func(o *Orchestrator) {
		o.events = events
	}
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func New(l Ledger, ex extraction.Extractor, v Validator, categories Categories, sessions session.Store, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:     l,
		extractor:  ex,
		validator:  v,
		categories: categories,
		sessions:   sessions,
		logger:     logger,
		locks:      newKeyedMutex(),
		cfg:        DefaultConfig(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// turn carries everything one locked step needs.
type turn struct {
	p      ledger.Partnership
	s      *session.Session
	sender uuid.UUID
	// raw is the message being handled; nil for control presses.
	raw *ledger.RawInput
	// stored is the state the member last saw.
	stored  session.State
	notices []string
}

// HandleMessage processes one inbound message. Messages for the same
// partnership member are handled one at a time, in arrival order.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg Message) (Reply, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = o.now()
	}

	p, err := o.partnership(ctx, msg.PartnershipID, msg.Sender)
	if err != nil {
		return Reply{}, err
	}

	key := session.Key{PartnershipID: p.ID, Identity: msg.Sender}
	unlock := o.locks.Lock(key)
	defer unlock()

	raw := ledger.NewRawInput(p.ID, msg.Sender, text, msg.ReceivedAt)
	if err := o.ledger.RecordRawInput(ctx, raw); err != nil {
		return Reply{}, fmt.Errorf("recording raw input: %w", err)
	}

	t := &turn{p: p, sender: msg.Sender, raw: &raw, stored: session.StateIdle}
	current, err := o.current(ctx, key, t)
	if err != nil {
		return Reply{}, err
	}

	var reply Reply
	switch {
	case current != nil && current.State == session.StateClarifying:
		t.s, t.stored = current, current.State
		if isCancel(text) {
			reply, err = o.cancel(ctx, t)
		} else {
			reply, err = o.answer(ctx, t, text)
		}
	case current != nil && current.State == session.StateConfirming:
		t.s, t.stored = current, current.State
		reply, err = o.confirmInput(ctx, t, text)
	default:
		reply, err = o.fresh(ctx, t, key, &raw, text)
	}
	if err != nil {
		return Reply{}, err
	}
	reply.Notices = append(t.notices, reply.Notices...)
	o.metrics.Message(string(reply.Kind))
	return reply, nil
}

// HandleChoice applies a confirmation control press.
func (o *Orchestrator) HandleChoice(ctx context.Context, partnershipID, identity uuid.UUID, choice Choice) (Reply, error) {
	if !choice.Valid() {
		return Reply{}, ErrInvalidChoice
	}
	p, err := o.partnership(ctx, partnershipID, identity)
	if err != nil {
		return Reply{}, err
	}

	key := session.Key{PartnershipID: p.ID, Identity: identity}
	unlock := o.locks.Lock(key)
	defer unlock()

	t := &turn{p: p, sender: identity, stored: session.StateIdle}
	current, err := o.current(ctx, key, t)
	if err != nil {
		return Reply{}, err
	}
	if current == nil || !current.Active() {
		reply := Reply{Kind: ReplyNoSession, State: session.StateIdle, Text: "There is nothing waiting for confirmation.", Notices: t.notices}
		if len(t.notices) > 0 {
			reply.Kind = ReplyExpired
		}
		return reply, nil
	}
	t.s, t.stored = current, current.State

	var reply Reply
	switch {
	case choice == ChoiceCancel:
		reply, err = o.cancel(ctx, t)
	case current.State == session.StateClarifying:
		// Still waiting on an answer, so repeat the question.
		reply = Reply{
			Kind:  ReplyClarify,
			State: session.StateClarifying,
			Field: current.PendingField,
			Text:  lastQuestion(current),
		}
	case choice == ChoiceConfirm:
		reply, err = o.commit(ctx, t)
	default:
		reply, err = o.startEdit(ctx, t)
	}
	if err != nil {
		return Reply{}, err
	}
	reply.Notices = append(t.notices, reply.Notices...)
	o.metrics.Message(string(reply.Kind))
	return reply, nil
}

// OnExpire is called for sessions evicted by the janitor. It waits for any
// message in flight for the same member, and stays quiet when that message
// already started a new session.
func (o *Orchestrator) OnExpire(ctx context.Context, s *session.Session) {
	unlock := o.locks.Lock(s.Key)
	defer unlock()

	o.expired(s)
	if o.notifier == nil {
		return
	}
	if live, err := o.sessions.Get(ctx, s.Key); err == nil && live.ID != s.ID {
		return
	}
	o.notifier.Notify(ctx, s.Key, Reply{Kind: ReplyExpired, State: session.StateIdle, Text: expiredNotice})
}

func (o *Orchestrator) partnership(ctx context.Context, id, sender uuid.UUID) (ledger.Partnership, error) {
	p, err := o.ledger.Partnership(ctx, id)
	if err != nil {
		return ledger.Partnership{}, fmt.Errorf("loading partnership: %w", err)
	}
	if !p.IsMember(sender) {
		return ledger.Partnership{}, ErrNotMember
	}
	return *p, nil
}

// current returns the live session for key, or nil. An expired session adds
// a notice to t and is treated as absent.
func (o *Orchestrator) current(ctx context.Context, key session.Key, t *turn) (*session.Session, error) {
	s, err := o.sessions.Get(ctx, key)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return nil, nil
	case errors.Is(err, session.ErrExpired):
		o.expired(s)
		t.notices = append(t.notices, expiredNotice)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return s, nil
}

func (o *Orchestrator) expired(s *session.Session) {
	if s == nil {
		return
	}
	o.metrics.Expired()
	o.metrics.Transition(string(s.State), string(session.StateIdle))
	o.logEvent(eventlogger.TypeSessionExpired, s.Key, map[string]any{
		"session_id": s.ID,
		"state":      s.State,
	})
}

// fresh starts a new request. Any leftover session that is not waiting on the
// member is replaced.
func (o *Orchestrator) fresh(ctx context.Context, t *turn, key session.Key, raw *ledger.RawInput, text string) (Reply, error) {
	if err := o.sessions.Delete(ctx, key); err != nil {
		return Reply{}, fmt.Errorf("resetting session: %w", err)
	}
	s, _, err := o.sessions.GetOrCreate(ctx, key)
	if err != nil {
		return Reply{}, fmt.Errorf("creating session: %w", err)
	}
	s.RawInput = raw
	t.s = s
	o.move(s, session.StateParsing)

	result, err := o.extract(ctx, key, text, extraction.Context{
		Today:      ledger.DateOnly(raw.ReceivedAt),
		Currency:   t.p.DefaultCurrency,
		Categories: o.categoryNames(ctx),
	})
	if err != nil {
		o.discard(ctx, s)
		return o.unavailable(t, err, session.StateIdle), nil
	}

	switch result.Intent {
	case extraction.IntentQuery:
		o.discard(ctx, s)
		return o.query(ctx, t, result.Query), nil
	case extraction.IntentGreeting:
		o.discard(ctx, s)
		greeting := result.Reply
		if greeting == "" {
			greeting = "Hi! Tell me about an expense, a settlement, or ask for the balance."
		}
		return Reply{Kind: ReplyGreeting, State: session.StateIdle, Text: greeting}, nil
	case extraction.IntentCorrection:
		return o.startCorrection(ctx, t, result.Correction)
	case extraction.IntentExpense, extraction.IntentSettlement:
		if len(result.Candidates) > 0 {
			s.Intent = result.Intent
			s.Candidates = result.Candidates
			return o.validate(ctx, t)
		}
	}

	o.discard(ctx, s)
	return Reply{
		Kind:  ReplyNotUnderstood,
		State: session.StateIdle,
		Text:  "Sorry, I didn't understand that. Try something like \"groceries 300, I paid\" or \"what's the balance?\".",
	}, nil
}

// answer folds a clarification reply into the candidates and validates again.
func (o *Orchestrator) answer(ctx context.Context, t *turn, text string) (Reply, error) {
	s := t.s
	if n := len(s.History); n > 0 && s.History[n-1].Answer == "" {
		s.History[n-1].Answer = text
	}
	o.move(s, session.StateParsing)

	result, err := o.extract(ctx, s.Key, text, extraction.Context{
		Today:        ledger.DateOnly(s.RawInput.ReceivedAt),
		Currency:     t.p.DefaultCurrency,
		Intent:       s.Intent,
		Prior:        s.Candidates,
		PendingField: s.PendingField,
		History:      s.History,
		Categories:   o.categoryNames(ctx),
	})
	if err != nil {
		// Keep waiting for an answer; the member can try again.
		if n := len(s.History); n > 0 {
			s.History[n-1].Answer = ""
		}
		o.move(s, session.StateClarifying)
		if err := o.save(ctx, t); err != nil {
			return o.lost(ctx, t, err)
		}
		return o.unavailable(t, err, session.StateClarifying), nil
	}

	if len(result.Candidates) > 0 {
		s.Candidates = extraction.MergeAll(s.Candidates, result.Candidates)
	}
	return o.validate(ctx, t)
}

// validate runs every candidate through the validator and moves to
// CONFIRMING or CLARIFYING.
func (o *Orchestrator) validate(ctx context.Context, t *turn) (Reply, error) {
	s := t.s
	o.move(s, session.StateValidating)
	s.Invalidate()

	scope := validator.Scope{Partnership: t.p, Sender: t.sender, ReceivedAt: s.RawInput.ReceivedAt}
	entries := make([]ledger.Entry, 0, len(s.Candidates))
	var (
		notes         []string
		newCategories []string
		problems      []validator.Problem
		firstIndex    = -1
	)
	for i, c := range s.Candidates {
		out, err := o.validator.Validate(ctx, c, scope)
		if err != nil {
			// Nothing is saved, so the member stays where they were.
			o.logger.Error("validation failed",
				zap.Stringer("key", s.Key),
				zap.Int("candidate", i),
				zap.Error(err),
			)
			if t.stored == session.StateIdle {
				o.discard(ctx, s)
			}
			return o.failed(t, failureValidation, Reply{
				Kind:  ReplyUnavailable,
				State: t.stored,
				Text:  "I couldn't read the ledger just now. Please try again in a moment.",
			}, err), nil
		}
		if !out.Complete() {
			if firstIndex < 0 {
				firstIndex = i
				problems = out.Problems
			}
			continue
		}
		entries = append(entries, out.Entry)
		notes = append(notes, out.Notes...)
		if out.NewCategory {
			newCategories = append(newCategories, out.Entry.Category)
		}
	}

	if firstIndex >= 0 {
		return o.clarify(ctx, t, firstIndex, problems)
	}

	s.Approve(entries, newCategories)
	s.PendingField = ""
	o.move(s, session.StateConfirming)
	if err := o.save(ctx, t); err != nil {
		return o.lost(ctx, t, err)
	}

	var correcting *ledger.Entry
	if s.Correction != nil {
		correcting = &s.Correction.Target
	}
	return Reply{
		Kind:    ReplyConfirm,
		State:   session.StateConfirming,
		Text:    summary(t.p, t.sender, entries, notes, correcting),
		Entries: entries,
		Notes:   notes,
		Choices: confirmChoices,
	}, nil
}

// clarify asks about the first problem of candidate i, or aborts once the
// field has been asked about too often.
func (o *Orchestrator) clarify(ctx context.Context, t *turn, i int, problems []validator.Problem) (Reply, error) {
	s := t.s
	field := problems[0].Field
	if s.Rounds[field] >= o.cfg.MaxClarificationRounds {
		o.discard(ctx, s)
		o.metrics.Abort("clarification_limit")
		o.logEvent(eventlogger.TypeSessionAborted, s.Key, map[string]any{
			"session_id": s.ID,
			"field":      field,
			"rounds":     s.Rounds[field],
		})
		o.logger.Info("session aborted after clarification limit",
			zap.Stringer("key", s.Key),
			zap.String("field", string(field)),
		)
		return Reply{
			Kind:     ReplyAborted,
			State:    session.StateIdle,
			Field:    field,
			Problems: problems,
			Text:     fmt.Sprintf("I couldn't work out the %s after %d tries, so I dropped this request. Nothing was recorded.", field, s.Rounds[field]),
		}, nil
	}

	s.Rounds[field]++
	s.PendingField = field
	q := question(field, i, s.Candidates, problems[0].Reason)
	s.History = append(s.History, extraction.Exchange{Field: field, Question: q})
	o.move(s, session.StateClarifying)
	if err := o.save(ctx, t); err != nil {
		return o.lost(ctx, t, err)
	}
	return Reply{
		Kind:     ReplyClarify,
		State:    session.StateClarifying,
		Field:    field,
		Problems: problems,
		Text:     q,
	}, nil
}

// confirmInput reads free text sent while a summary is on screen.
func (o *Orchestrator) confirmInput(ctx context.Context, t *turn, text string) (Reply, error) {
	switch parseChoice(text) {
	case ChoiceConfirm:
		return o.commit(ctx, t)
	case ChoiceCancel:
		return o.cancel(ctx, t)
	case ChoiceEdit:
		return o.startEdit(ctx, t)
	}

	// Anything else is the edit itself.
	s := t.s
	s.Invalidate()
	s.PendingField = extraction.FieldDetails
	s.History = append(s.History, extraction.Exchange{Field: extraction.FieldDetails, Question: editPrompt})
	return o.answer(ctx, t, text)
}

func (o *Orchestrator) startEdit(ctx context.Context, t *turn) (Reply, error) {
	s := t.s
	s.Invalidate()
	s.PendingField = extraction.FieldDetails
	s.History = append(s.History, extraction.Exchange{Field: extraction.FieldDetails, Question: editPrompt})
	o.move(s, session.StateClarifying)
	if err := o.save(ctx, t); err != nil {
		return o.lost(ctx, t, err)
	}
	return Reply{Kind: ReplyClarify, State: session.StateClarifying, Field: extraction.FieldDetails, Text: editPrompt}, nil
}

// commit writes the entries approved in the current generation.
func (o *Orchestrator) commit(ctx context.Context, t *turn) (Reply, error) {
	s := t.s
	entries := s.Committable()
	if len(entries) == 0 {
		// Approval is stale; validate again before offering to write.
		return o.validate(ctx, t)
	}

	o.move(s, session.StateCommitting)
	if err := o.save(ctx, t); err != nil {
		return o.lost(ctx, t, err)
	}

	wctx, cancel := context.WithTimeout(ctx, o.cfg.WriteTimeout)
	defer cancel()

	written, op, err := o.write(wctx, s, entries)
	o.metrics.LedgerWrite(op, err)
	if err != nil {
		o.logger.Error("ledger write failed",
			zap.Stringer("key", s.Key),
			zap.String("op", op),
			zap.Error(err),
		)
		if errors.Is(err, ledger.ErrConstraintViolation) || errors.Is(err, ledger.ErrNotFound) {
			o.discard(ctx, s)
			o.metrics.Abort("rejected")
			o.logEvent(eventlogger.TypeSessionAborted, s.Key, map[string]any{
				"session_id": s.ID,
				"error":      err.Error(),
			})
			text := "That couldn't be recorded because it breaks a ledger rule. Nothing was written."
			if errors.Is(err, ledger.ErrNotFound) {
				text = "The entry you are correcting no longer exists or was already corrected. Nothing was written."
			}
			return o.failed(t, failureCommit, Reply{Kind: ReplyRejected, State: session.StateIdle, Text: text}, err), nil
		}

		o.move(s, session.StateConfirming)
		if err := o.save(ctx, t); err != nil {
			return o.lost(ctx, t, err)
		}
		return o.failed(t, failureCommit, Reply{
			Kind:    ReplyCommitFailed,
			State:   session.StateConfirming,
			Text:    "I couldn't save this right now. Nothing was written. Confirm to try again, or cancel.",
			Entries: entries,
			Choices: confirmChoices,
		}, err), nil
	}

	o.discard(ctx, s)
	if s.Correction != nil {
		o.logEvent(eventlogger.TypeLedgerSuperseded, s.Key, ledger.NewEntrySupersededEvent(s.Correction.Target.ID, written, t.sender, o.now()))
	} else {
		o.logEvent(eventlogger.TypeLedgerAppended, s.Key, ledger.NewEntriesAppendedEvent(written, t.sender, o.now()))
	}

	reply := Reply{
		Kind:    ReplyCommitted,
		State:   session.StateIdle,
		Text:    committedText(written, s.Correction != nil),
		Entries: written,
	}
	if balance, err := o.ledger.DeriveBalance(ctx, t.p.ID); err == nil {
		reply.Balance = &balance
		reply.Text += "\n" + balanceText(t.p, t.sender, balance)
	} else {
		o.logger.Warn("balance after commit unavailable", zap.Error(err))
	}
	return reply, nil
}

func (o *Orchestrator) write(ctx context.Context, s *session.Session, entries []ledger.Entry) ([]ledger.Entry, string, error) {
	if len(s.NewCategories) > 0 {
		if err := o.categories.Ensure(ctx, s.NewCategories...); err != nil {
			return nil, "categories", fmt.Errorf("creating categories: %w", err)
		}
	}
	if s.Correction != nil {
		written, err := o.ledger.Supersede(ctx, s.Correction.Target.ID, s.RawInput.ID, entries)
		return written, "supersede", err
	}
	written, err := o.ledger.Append(ctx, s.RawInput.ID, entries)
	return written, "append", err
}

func (o *Orchestrator) cancel(ctx context.Context, t *turn) (Reply, error) {
	s := t.s
	o.discard(ctx, s)
	o.metrics.Abort("cancelled")
	o.logEvent(eventlogger.TypeSessionCancelled, s.Key, map[string]any{
		"session_id": s.ID,
		"state":      s.State,
	})
	return Reply{Kind: ReplyCancelled, State: session.StateIdle, Text: "Cancelled. Nothing was recorded."}, nil
}

// extract calls the extractor under a timeout and retries once after a
// backoff. Any failure is reported as extraction.ErrUnavailable.
func (o *Orchestrator) extract(ctx context.Context, key session.Key, text string, ec extraction.Context) (extraction.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return extraction.Result{}, fmt.Errorf("%w: %w", extraction.ErrUnavailable, ctx.Err())
			case <-time.After(o.cfg.ExtractionBackoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.ExtractionTimeout)
		start := time.Now()
		result, err := o.extractor.Extract(callCtx, text, ec)
		took := time.Since(start)
		cancel()

		call := ExtractionCall{Attempt: attempt, Result: "ok", DurationMS: took.Milliseconds()}
		if err != nil {
			call.Result = "error"
			call.Error = err.Error()
		} else {
			call.Usage = result.Usage
		}
		o.metrics.Extraction(call.Result, took)
		o.logEvent(eventlogger.TypeExtractionCalled, key, call)
		if err == nil {
			return result, nil
		}

		lastErr = err
		o.logger.Warn("extraction failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
	}
	if errors.Is(lastErr, extraction.ErrUnavailable) {
		return extraction.Result{}, lastErr
	}
	return extraction.Result{}, fmt.Errorf("%w: %w", extraction.ErrUnavailable, lastErr)
}

func (o *Orchestrator) unavailable(t *turn, err error, state session.State) Reply {
	o.logger.Warn("extraction unavailable", zap.Error(err))
	text := "I can't understand messages right now. Please rephrase or try again in a moment."
	if state == session.StateClarifying {
		text = "I had trouble reading your answer. Could you say it again?"
	}
	return o.failed(t, failureExtraction, Reply{Kind: ReplyRephrase, State: state, Text: text}, err)
}

// failed records a conversation.failed event for reply and returns it.
func (o *Orchestrator) failed(t *turn, source string, reply Reply, err error) Reply {
	evt := FailureEvent{Source: source, Reply: reply.Text, State: reply.State}
	raw := t.raw
	if raw == nil && t.s != nil {
		raw = t.s.RawInput
	}
	if raw != nil {
		evt.RawInputID = raw.ID
		evt.Input = raw.Text
	}
	if err != nil {
		evt.Error = err.Error()
	}
	o.logEvent(eventlogger.TypeConversationFailed, session.Key{PartnershipID: t.p.ID, Identity: t.sender}, evt)
	return reply
}

func (o *Orchestrator) categoryNames(ctx context.Context) []string {
	names, err := o.categories.List(ctx)
	if err != nil {
		o.logger.Warn("listing categories failed", zap.Error(err))
		return nil
	}
	return names
}

// save stores the session and extends its expiry.
func (o *Orchestrator) save(ctx context.Context, t *turn) error {
	t.s.Touch(o.now(), o.cfg.SessionTTL)
	stored, err := o.sessions.CompareAndSwap(ctx, t.s)
	if err != nil {
		return err
	}
	t.s = stored
	return nil
}

// lost handles a session that vanished underneath us, normally because the
// janitor expired it mid-message.
func (o *Orchestrator) lost(ctx context.Context, t *turn, err error) (Reply, error) {
	if !errors.Is(err, session.ErrConflict) {
		o.failed(t, failureSession, Reply{State: t.stored}, err)
		return Reply{}, fmt.Errorf("saving session: %w", err)
	}
	o.logger.Warn("session changed while handling message", zap.Stringer("key", t.s.Key))
	o.discard(ctx, t.s)
	return o.failed(t, failureSession, Reply{Kind: ReplyExpired, State: session.StateIdle, Text: expiredNotice}, err), nil
}

func (o *Orchestrator) discard(ctx context.Context, s *session.Session) {
	o.move(s, session.StateIdle)
	if err := o.sessions.Delete(ctx, s.Key); err != nil {
		o.logger.Error("failed to delete session", zap.Stringer("key", s.Key), zap.Error(err))
	}
}

func (o *Orchestrator) move(s *session.Session, to session.State) {
	o.metrics.Transition(string(s.State), string(to))
	s.State = to
}

func (o *Orchestrator) logEvent(eventType string, key session.Key, data any) {
	if o.events == nil {
		return
	}
	opts := []eventlogger.EventOption{eventlogger.WithType(eventType), eventlogger.WithData(data)}
	if key.PartnershipID != uuid.Nil {
		opts = append(opts, eventlogger.WithPartnership(key.PartnershipID, key.Identity))
	}
	o.events.Log(eventlogger.NewEvent(opts...))
}

func lastQuestion(s *session.Session) string {
	if n := len(s.History); n > 0 {
		return s.History[n-1].Question
	}
	return editPrompt
}

var (
	confirmWords = map[string]bool{"yes": true, "y": true, "confirm": true, "ok": true, "okay": true, "correct": true, "looks good": true, "save": true, "yep": true, "sure": true}
	cancelWords  = map[string]bool{"cancel": true, "no": true, "n": true, "stop": true, "never mind": true, "nevermind": true, "forget it": true, "abort": true, "nope": true}
	editWords    = map[string]bool{"edit": true, "change": true, "change it": true, "modify": true}
)

func normalizeWords(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	return strings.Trim(text, ".!?")
}

func isCancel(text string) bool {
	return cancelWords[normalizeWords(text)]
}

// parseChoice maps short replies onto a choice. Anything else returns "".
func parseChoice(text string) Choice {
	t := normalizeWords(text)
	switch {
	case confirmWords[t]:
		return ChoiceConfirm
	case cancelWords[t]:
		return ChoiceCancel
	case editWords[t]:
		return ChoiceEdit
	}
	return ""
}
