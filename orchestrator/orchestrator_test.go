package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/billbatista/acasinha-ledger/category"
	"github.com/billbatista/acasinha-ledger/eventlogger"
	"github.com/billbatista/acasinha-ledger/extraction"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/billbatista/acasinha-ledger/metrics"
	"github.com/billbatista/acasinha-ledger/session"
	"github.com/billbatista/acasinha-ledger/validator"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []eventlogger.Event
}

func (r *eventRecorder) Log(e eventlogger.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// last returns the newest event of eventType.
func (r *eventRecorder) last(t *testing.T, eventType string) eventlogger.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i]
		}
	}
	t.Fatalf("no %s event recorded", eventType)
	return eventlogger.Event{}
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type notifier struct {
	mu      sync.Mutex
	replies []Reply
	keys    []session.Key
}

func (n *notifier) Notify(ctx context.Context, key session.Key, r Reply) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keys = append(n.keys, key)
	n.replies = append(n.replies, r)
}

// flakyExtractor fails every call while fail is set.
type flakyExtractor struct {
	next  extraction.Extractor
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *flakyExtractor) Extract(ctx context.Context, text string, ec extraction.Context) (extraction.Result, error) {
	f.mu.Lock()
	f.calls++
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return extraction.Result{}, errors.New("model endpoint refused the connection")
	}
	return f.next.Extract(ctx, text, ec)
}

func (f *flakyExtractor) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *flakyExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// hangingExtractor never answers before the deadline.
type hangingExtractor struct{}

func (hangingExtractor) Extract(ctx context.Context, text string, ec extraction.Context) (extraction.Result, error) {
	<-ctx.Done()
	return extraction.Result{}, ctx.Err()
}

// flakyLedger fails appends while appendErr is set.
type flakyLedger struct {
	*ledger.Engine
	mu        sync.Mutex
	appendErr error
}

func (f *flakyLedger) Append(ctx context.Context, rawInputID uuid.UUID, entries []ledger.Entry) ([]ledger.Entry, error) {
	f.mu.Lock()
	err := f.appendErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Engine.Append(ctx, rawInputID, entries)
}

func (f *flakyLedger) failAppends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendErr = err
}

type harness struct {
	o         *Orchestrator
	engine    *ledger.Engine
	ledger    *flakyLedger
	catalog   *category.Catalog
	store     *session.MemoryStore
	extractor *flakyExtractor
	validator *validator.Validator
	events    *eventRecorder
	notifier  *notifier
	metrics   *metrics.Metrics
	clock     *clock
	p         ledger.Partnership
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	engine := ledger.NewEngine(ledger.NewMemoryRepository(), zap.NewNop())
	p, err := ledger.NewPartnership(uuid.New(), uuid.New(), "ILS", decimal.NewFromInt(50))
	require.NoError(t, err)
	require.NoError(t, engine.CreatePartnership(ctx, p))

	catalog := category.NewCatalog(category.NewMemoryRepository(), zap.NewNop())
	require.NoError(t, catalog.Seed(ctx))

	h := &harness{
		engine:    engine,
		ledger:    &flakyLedger{Engine: engine},
		catalog:   catalog,
		extractor: &flakyExtractor{next: extraction.NewHeuristicExtractor()},
		events:    &eventRecorder{},
		notifier:  &notifier{},
		metrics:   metrics.New(prometheus.NewRegistry()),
		clock:     &clock{now: time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC)},
		p:         p,
	}
	h.store = session.NewMemoryStore(session.WithClock(h.clock.Now))
	h.validator = validator.New(engine, catalog)

	cfg := DefaultConfig()
	cfg.ExtractionBackoff = 0
	h.build(h.extractor, cfg)
	return h
}

func (h *harness) build(ex extraction.Extractor, cfg Config) {
	h.o = New(h.ledger, ex, h.validator, h.catalog, h.store, zap.NewNop(),
		WithConfig(cfg),
		WithEvents(h.events),
		WithNotifier(h.notifier),
		WithMetrics(h.metrics),
		WithClock(h.clock.Now),
	)
}

func (h *harness) send(t *testing.T, sender uuid.UUID, text string) Reply {
	t.Helper()
	r, err := h.o.HandleMessage(context.Background(), Message{
		PartnershipID: h.p.ID,
		Sender:        sender,
		Text:          text,
		ReceivedAt:    h.clock.Now(),
	})
	require.NoError(t, err)
	return r
}

func (h *harness) choose(t *testing.T, sender uuid.UUID, c Choice) Reply {
	t.Helper()
	r, err := h.o.HandleChoice(context.Background(), h.p.ID, sender, c)
	require.NoError(t, err)
	return r
}

func (h *harness) active(t *testing.T) []ledger.Entry {
	t.Helper()
	entries, err := h.engine.Query(context.Background(), h.p.ID, ledger.Filter{})
	require.NoError(t, err)
	return entries
}

func (h *harness) balance(t *testing.T) string {
	t.Helper()
	b, err := h.engine.DeriveBalance(context.Background(), h.p.ID)
	require.NoError(t, err)
	return b.StringFixed(2)
}

func TestSingleExpenseInOneRound(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA

	r := h.send(t, a, "coffee 25, I paid")
	require.Equal(t, ReplyConfirm, r.Kind, r.Text)
	assert.Equal(t, session.StateConfirming, r.State)
	assert.Equal(t, confirmChoices, r.Choices)
	require.Len(t, r.Entries, 1)

	e := r.Entries[0]
	assert.Equal(t, "coffee", e.Category)
	assert.Equal(t, "25.00", e.Amount.StringFixed(2))
	assert.Equal(t, "ILS", e.Currency)
	assert.Equal(t, a, e.PayerID)
	assert.Equal(t, "50", e.SplitPayerPct.String())
	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), e.EventDate)
	assert.Contains(t, r.Text, "your partner owes you ILS 12.50")
	assert.Empty(t, h.active(t), "nothing is written before confirmation")

	r = h.send(t, a, "yes")
	require.Equal(t, ReplyCommitted, r.Kind, r.Text)
	assert.Equal(t, session.StateIdle, r.State)
	require.NotNil(t, r.Balance)
	assert.Equal(t, "12.50", r.Balance.StringFixed(2))
	assert.Contains(t, r.Text, "Your partner owes you ILS 12.50.")

	entries := h.active(t)
	require.Len(t, entries, 1)
	assert.NotEqual(t, uuid.Nil, entries[0].RawInputID)
	assert.Equal(t, 1, entries[0].InterpretationVersion)
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, 1, h.events.count(eventlogger.TypeLedgerAppended))

	appended, ok := h.events.last(t, eventlogger.TypeLedgerAppended).Data.(ledger.EntriesAppendedEvent)
	require.True(t, ok)
	assert.Equal(t, []uuid.UUID{entries[0].ID}, appended.EntryIDs)
	assert.Equal(t, []ledger.Kind{ledger.KindExpense}, appended.Kinds)
	assert.Equal(t, entries[0].RawInputID, appended.RawInputID)
	assert.Equal(t, h.p.ID, appended.PartnershipID)
	assert.Equal(t, a, appended.CommittedBy)

	call, ok := h.events.last(t, eventlogger.TypeExtractionCalled).Data.(ExtractionCall)
	require.True(t, ok)
	assert.Equal(t, "ok", call.Result)
	assert.Equal(t, extraction.ExtractorHeuristic, call.Usage.Extractor)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MessagesTotal.WithLabelValues(string(ReplyCommitted))))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.LedgerWritesTotal.WithLabelValues("append", "ok")))
}

func TestTwoExpensesAskPayerOnce(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA

	r := h.send(t, a, "groceries 300 and gas 200, yesterday, split 70/30")
	require.Equal(t, ReplyClarify, r.Kind, r.Text)
	assert.Equal(t, session.StateClarifying, r.State)
	assert.Equal(t, extraction.FieldPayer, r.Field)
	assert.Contains(t, r.Text, "item #1")

	r = h.send(t, a, "me")
	require.Equal(t, ReplyConfirm, r.Kind, r.Text)
	require.Len(t, r.Entries, 2)
	yesterday := time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC)
	for _, e := range r.Entries {
		assert.Equal(t, a, e.PayerID)
		assert.Equal(t, "70", e.SplitPayerPct.String())
		assert.Equal(t, "30", e.SplitOtherPct.String())
		assert.Equal(t, yesterday, e.EventDate)
	}
	assert.Equal(t, "groceries", r.Entries[0].Category)
	assert.Equal(t, "gas", r.Entries[1].Category)
	assert.Contains(t, r.Text, "2 expenses")

	r = h.choose(t, a, ChoiceConfirm)
	require.Equal(t, ReplyCommitted, r.Kind, r.Text)

	entries := h.active(t)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].RawInputID, entries[1].RawInputID)
	assert.Equal(t, "150.00", h.balance(t))
}

func TestSettleInFull(t *testing.T) {
	h := newHarness(t)
	a, b := h.p.MemberA, h.p.MemberB

	_, err := h.engine.Append(context.Background(), uuid.New(), []ledger.Entry{{
		PartnershipID: h.p.ID,
		Kind:          ledger.KindExpense,
		Amount:        decimal.NewFromInt(180),
		Currency:      "ILS",
		Category:      "groceries",
		PayerID:       b,
		SplitPayerPct: decimal.NewFromInt(50),
		SplitOtherPct: decimal.NewFromInt(50),
		EventDate:     time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)
	require.Equal(t, "-90.00", h.balance(t))

	r := h.send(t, a, "settled in full")
	require.Equal(t, ReplyConfirm, r.Kind, r.Text)
	require.Len(t, r.Entries, 1)
	assert.Equal(t, ledger.KindSettlement, r.Entries[0].Kind)
	assert.Equal(t, "90.00", r.Entries[0].Amount.StringFixed(2))
	assert.Equal(t, a, r.Entries[0].PayerID)
	assert.Contains(t, r.Text, "Settlement")

	r = h.send(t, a, "confirm")
	require.Equal(t, ReplyCommitted, r.Kind, r.Text)
	assert.Contains(t, r.Text, "You're all settled up.")
	assert.Equal(t, "0.00", h.balance(t))
}

func TestSettleInFullWithNothingOwed(t *testing.T) {
	h := newHarness(t)

	r := h.send(t, h.p.MemberA, "settled in full")
	require.Equal(t, ReplyClarify, r.Kind, r.Text)
	assert.Equal(t, extraction.FieldAmount, r.Field)
	assert.Contains(t, r.Text, "nothing to settle")
	assert.Empty(t, h.active(t))

	r = h.send(t, h.p.MemberA, "cancel")
	assert.Equal(t, ReplyCancelled, r.Kind)
	assert.Equal(t, 0, h.store.Len())
	assert.Empty(t, h.active(t))
}

func TestCorrectionSupersedesLatestEntry(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA

	h.send(t, a, "groceries 300, I paid")
	r := h.send(t, a, "yes")
	require.Equal(t, ReplyCommitted, r.Kind, r.Text)
	require.Equal(t, "150.00", h.balance(t))
	original := h.active(t)[0]

	r = h.send(t, a, "actually groceries was 250")
	require.Equal(t, ReplyConfirm, r.Kind, r.Text)
	require.Len(t, r.Entries, 1)
	assert.Equal(t, ledger.KindCorrection, r.Entries[0].Kind)
	assert.Equal(t, "250.00", r.Entries[0].Amount.StringFixed(2))
	assert.Contains(t, r.Text, "Replace groceries ILS 300.00")

	r = h.send(t, a, "yes")
	require.Equal(t, ReplyCommitted, r.Kind, r.Text)
	assert.Contains(t, r.Text, "Correction recorded")
	assert.Equal(t, "125.00", h.balance(t))

	all, err := h.engine.Query(context.Background(), h.p.ID, ledger.Filter{IncludeSuperseded: true})
	require.NoError(t, err)
	require.Len(t, all, 2)

	old, err := h.engine.Entry(context.Background(), original.ID)
	require.NoError(t, err)
	require.NotNil(t, old.SupersededBy)

	current := h.active(t)
	require.Len(t, current, 1)
	assert.Equal(t, *old.SupersededBy, current[0].ID)
	assert.Equal(t, 2, current[0].InterpretationVersion)
	assert.Equal(t, 1, h.events.count(eventlogger.TypeLedgerSuperseded))

	superseded, ok := h.events.last(t, eventlogger.TypeLedgerSuperseded).Data.(ledger.EntrySupersededEvent)
	require.True(t, ok)
	assert.Equal(t, original.ID, superseded.OldEntryID)
	assert.Equal(t, []uuid.UUID{current[0].ID}, superseded.NewEntryIDs)
	assert.Equal(t, 2, superseded.Version)
	assert.Equal(t, a, superseded.CorrectedBy)
}

func TestCorrectionWithoutEntries(t *testing.T) {
	h := newHarness(t)

	r := h.send(t, h.p.MemberA, "actually it was 250")
	assert.Equal(t, ReplyRejected, r.Kind)
	assert.Equal(t, 0, h.store.Len())
}

func TestCorrectionTargetSupersededBeforeCommit(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA
	ctx := context.Background()

	h.send(t, a, "groceries 300, I paid")
	h.send(t, a, "yes")
	target := h.active(t)[0]

	r := h.send(t, a, "actually groceries was 250")
	require.Equal(t, ReplyConfirm, r.Kind, r.Text)

	replacement := target
	replacement.ID = uuid.Nil
	replacement.SupersededBy = nil
	replacement.Amount = decimal.NewFromInt(200)
	_, err := h.engine.Supersede(ctx, target.ID, uuid.New(), []ledger.Entry{replacement})
	require.NoError(t, err)

	r = h.choose(t, a, ChoiceConfirm)
	assert.Equal(t, ReplyRejected, r.Kind, r.Text)
	assert.Equal(t, session.StateIdle, r.State)
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, "100.00", h.balance(t))
}

func TestClarificationLimitAborts(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA

	r := h.send(t, a, "groceries 300")
	require.Equal(t, ReplyClarify, r.Kind, r.Text)
	assert.Equal(t, extraction.FieldPayer, r.Field)

	for i := 0; i < 2; i++ {
		r = h.send(t, a, "no idea")
		require.Equal(t, ReplyClarify, r.Kind, r.Text)
		assert.Equal(t, extraction.FieldPayer, r.Field)
	}

	r = h.send(t, a, "no idea")
	assert.Equal(t, ReplyAborted, r.Kind, r.Text)
	assert.Equal(t, session.StateIdle, r.State)
	assert.Empty(t, h.active(t))
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, 1, h.events.count(eventlogger.TypeSessionAborted))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.AbortsTotal.WithLabelValues("clarification_limit")))
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA

	h.send(t, a, "groceries 300")
	r := h.send(t, a, "cancel")
	assert.Equal(t, ReplyCancelled, r.Kind)
	assert.Equal(t, 0, h.store.Len())

	h.send(t, a, "coffee 25, I paid")
	r = h.choose(t, a, ChoiceCancel)
	assert.Equal(t, ReplyCancelled, r.Kind)
	assert.Empty(t, h.active(t))
	assert.Equal(t, 2, h.events.count(eventlogger.TypeSessionCancelled))
}

func TestEditFromConfirmation(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA

	h.send(t, a, "coffee 25, I paid")
	r := h.choose(t, a, ChoiceEdit)
	require.Equal(t, ReplyClarify, r.Kind)
	assert.Equal(t, extraction.FieldDetails, r.Field)

	r = h.send(t, a, "the category is dining")
	require.Equal(t, ReplyConfirm, r.Kind, r.Text)
	assert.Equal(t, "dining", r.Entries[0].Category)
	assert.Equal(t, "25.00", r.Entries[0].Amount.StringFixed(2))

	// Free text while confirming is read as the change itself.
	r = h.send(t, a, "make it 30")
	require.Equal(t, ReplyConfirm, r.Kind, r.Text)
	assert.Equal(t, "30.00", r.Entries[0].Amount.StringFixed(2))
	assert.Equal(t, "dining", r.Entries[0].Category)

	r = h.send(t, a, "yes")
	require.Equal(t, ReplyCommitted, r.Kind, r.Text)
	entries := h.active(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "30.00", entries[0].Amount.StringFixed(2))
}

func TestExpiredSessionNotice(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA

	h.send(t, a, "groceries 300")
	h.clock.Advance(20 * time.Minute)

	r := h.send(t, a, "coffee 25, I paid")
	require.Equal(t, ReplyConfirm, r.Kind, r.Text)
	assert.Equal(t, []string{expiredNotice}, r.Notices)
	assert.Equal(t, "coffee", r.Entries[0].Category)
	assert.Equal(t, 1, h.events.count(eventlogger.TypeSessionExpired))

	h.clock.Advance(20 * time.Minute)
	r = h.choose(t, a, ChoiceConfirm)
	assert.Equal(t, ReplyExpired, r.Kind)
	assert.Empty(t, h.active(t))
}

func TestJanitorNotifiesExpiredSessions(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA

	h.send(t, a, "groceries 300")

	// The fake clock sits in the past, so a real-time sweep expires it.
	j := session.NewJanitor(h.store, time.Hour, h.o.OnExpire, zap.NewNop())
	assert.Equal(t, 1, j.Sweep(context.Background()))

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	require.Len(t, h.notifier.replies, 1)
	assert.Equal(t, ReplyExpired, h.notifier.replies[0].Kind)
	assert.Equal(t, session.Key{PartnershipID: h.p.ID, Identity: a}, h.notifier.keys[0])
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ExpiredTotal))
}

func TestExpiryNoticeWaitsForMessageInFlight(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA
	key := session.Key{PartnershipID: h.p.ID, Identity: a}

	h.send(t, a, "groceries 300")
	s, err := h.store.Get(context.Background(), key)
	require.NoError(t, err)

	unlock := h.o.locks.Lock(key)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.o.OnExpire(context.Background(), s)
	}()

	select {
	case <-done:
		t.Fatal("expiry notice sent while a message was being handled")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-done

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	assert.Len(t, h.notifier.replies, 1)
}

func TestExpiryNoticeSkippedAfterNewSession(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA
	key := session.Key{PartnershipID: h.p.ID, Identity: a}

	h.send(t, a, "groceries 300")
	stale, err := h.store.Get(context.Background(), key)
	require.NoError(t, err)

	h.send(t, a, "cancel")
	r := h.send(t, a, "gas 100")
	require.Equal(t, ReplyClarify, r.Kind, r.Text)

	h.o.OnExpire(context.Background(), stale)

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	assert.Empty(t, h.notifier.replies)
}

func TestCommitFailureKeepsConfirmation(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA

	h.send(t, a, "coffee 25, I paid")
	h.ledger.failAppends(ledger.ErrTransient)

	r := h.send(t, a, "yes")
	require.Equal(t, ReplyCommitFailed, r.Kind, r.Text)
	assert.Equal(t, session.StateConfirming, r.State)
	assert.Empty(t, h.active(t))

	failure, ok := h.events.last(t, eventlogger.TypeConversationFailed).Data.(FailureEvent)
	require.True(t, ok)
	assert.Equal(t, failureCommit, failure.Source)
	assert.Equal(t, "yes", failure.Input)
	assert.Equal(t, r.Text, failure.Reply)
	assert.Contains(t, failure.Error, ledger.ErrTransient.Error())

	s, err := h.store.Get(context.Background(), session.Key{PartnershipID: h.p.ID, Identity: a})
	require.NoError(t, err)
	assert.Equal(t, session.StateConfirming, s.State)

	h.ledger.failAppends(nil)
	r = h.send(t, a, "yes")
	require.Equal(t, ReplyCommitted, r.Kind, r.Text)
	assert.Len(t, h.active(t), 1)
}

func TestCommitRejectedByLedgerRule(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA

	h.send(t, a, "coffee 25, I paid")
	h.ledger.failAppends(ledger.ErrConstraintViolation)

	r := h.choose(t, a, ChoiceConfirm)
	assert.Equal(t, ReplyRejected, r.Kind, r.Text)
	assert.Equal(t, 0, h.store.Len())

	// A button press has no message of its own; the failure points at the
	// message that started the session.
	failure, ok := h.events.last(t, eventlogger.TypeConversationFailed).Data.(FailureEvent)
	require.True(t, ok)
	assert.Equal(t, failureCommit, failure.Source)
	assert.Equal(t, "coffee 25, I paid", failure.Input)
	assert.NotEqual(t, uuid.Nil, failure.RawInputID)
}

func TestExtractionUnavailable(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA
	h.extractor.setFail(true)

	r := h.send(t, a, "coffee 25, I paid")
	assert.Equal(t, ReplyRephrase, r.Kind)
	assert.Equal(t, session.StateIdle, r.State)
	assert.Equal(t, 2, h.extractor.callCount(), "one retry")
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.ExtractionTotal.WithLabelValues("error")))

	require.Equal(t, 1, h.events.count(eventlogger.TypeConversationFailed))
	failure, ok := h.events.last(t, eventlogger.TypeConversationFailed).Data.(FailureEvent)
	require.True(t, ok)
	assert.Equal(t, failureExtraction, failure.Source)
	assert.Equal(t, "coffee 25, I paid", failure.Input)
	assert.NotEqual(t, uuid.Nil, failure.RawInputID)
	assert.Equal(t, r.Text, failure.Reply)
	assert.Contains(t, failure.Error, "refused the connection")

	call, ok := h.events.last(t, eventlogger.TypeExtractionCalled).Data.(ExtractionCall)
	require.True(t, ok)
	assert.Equal(t, 2, call.Attempt)
	assert.Equal(t, "error", call.Result)
}

func TestHungModelFallsBackToHeuristic(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.ExtractionTimeout = 50 * time.Millisecond
	cfg.ExtractionBackoff = 0
	h.build(extraction.NewFallbackExtractor(zap.NewNop(), hangingExtractor{}, extraction.NewHeuristicExtractor()), cfg)

	r := h.send(t, h.p.MemberA, "coffee 25, I paid")
	require.Equal(t, ReplyConfirm, r.Kind, r.Text)
	assert.Equal(t, "coffee", r.Entries[0].Category)

	call, ok := h.events.last(t, eventlogger.TypeExtractionCalled).Data.(ExtractionCall)
	require.True(t, ok)
	assert.Equal(t, 1, call.Attempt)
	assert.Equal(t, extraction.ExtractorHeuristic, call.Usage.Extractor)
	assert.Equal(t, 1, call.Usage.Fallbacks)
	assert.Equal(t, 0, h.events.count(eventlogger.TypeConversationFailed))
}

func TestSplitFinerThanCentsIsAskedAgain(t *testing.T) {
	h := newHarness(t)

	r := h.send(t, h.p.MemberA, "coffee 25, I paid, split 12.345/87.655")
	require.Equal(t, ReplyClarify, r.Kind, r.Text)
	assert.Equal(t, extraction.FieldSplit, r.Field)

	r = h.choose(t, h.p.MemberA, ChoiceConfirm)
	assert.Equal(t, ReplyClarify, r.Kind)
	assert.Empty(t, h.active(t))
}

func TestExtractionUnavailableWhileClarifying(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA

	h.send(t, a, "groceries 300")
	h.extractor.setFail(true)

	r := h.send(t, a, "me")
	assert.Equal(t, ReplyRephrase, r.Kind)
	assert.Equal(t, session.StateClarifying, r.State)

	h.extractor.setFail(false)
	r = h.send(t, a, "me")
	require.Equal(t, ReplyConfirm, r.Kind, r.Text)
	assert.Equal(t, a, r.Entries[0].PayerID)
}

func TestQueries(t *testing.T) {
	h := newHarness(t)
	a, b := h.p.MemberA, h.p.MemberB

	r := h.send(t, a, "what's the balance?")
	require.Equal(t, ReplyAnswer, r.Kind)
	assert.Equal(t, "You're all settled up.", r.Text)

	h.send(t, a, "coffee 25, I paid")
	h.send(t, a, "yes")

	r = h.send(t, b, "what's the balance?")
	require.Equal(t, ReplyAnswer, r.Kind)
	assert.Equal(t, "You owe your partner ILS 12.50.", r.Text)
	require.NotNil(t, r.Balance)
	assert.Equal(t, "12.50", r.Balance.StringFixed(2))

	r = h.send(t, a, "show spending by category")
	require.Equal(t, ReplyAnswer, r.Kind)
	require.Len(t, r.Totals, 1)
	assert.Equal(t, "coffee", r.Totals[0].Category)
	assert.Contains(t, r.Text, "coffee - ILS 25.00")

	r = h.send(t, b, "list recent entries")
	require.Equal(t, ReplyAnswer, r.Kind)
	require.Len(t, r.Entries, 1)
	assert.Contains(t, r.Text, "Recent entries (1):")
	assert.Contains(t, r.Text, "(partner, 2025-03-14)")
	assert.Equal(t, 0, h.store.Len(), "queries never open a session")
}

func TestGreetingAndNonsense(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA

	r := h.send(t, a, "hi")
	assert.Equal(t, ReplyGreeting, r.Kind)

	r = h.send(t, a, "blah blah")
	assert.Equal(t, ReplyNotUnderstood, r.Kind)
	assert.Equal(t, 0, h.store.Len())
}

func TestRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.HandleMessage(ctx, Message{PartnershipID: h.p.ID, Sender: h.p.MemberA, Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.o.HandleMessage(ctx, Message{PartnershipID: h.p.ID, Sender: uuid.New(), Text: "coffee 25"})
	assert.ErrorIs(t, err, ErrNotMember)

	_, err = h.o.HandleMessage(ctx, Message{PartnershipID: uuid.New(), Sender: h.p.MemberA, Text: "coffee 25"})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = h.o.HandleChoice(ctx, h.p.ID, h.p.MemberA, Choice("maybe"))
	assert.ErrorIs(t, err, ErrInvalidChoice)
}

func TestChoiceWithoutSession(t *testing.T) {
	h := newHarness(t)

	r := h.choose(t, h.p.MemberA, ChoiceConfirm)
	assert.Equal(t, ReplyNoSession, r.Kind)
}

func TestChoiceWhileClarifyingRepeatsQuestion(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA

	asked := h.send(t, a, "groceries 300")
	require.Equal(t, ReplyClarify, asked.Kind)

	r := h.choose(t, a, ChoiceConfirm)
	assert.Equal(t, ReplyClarify, r.Kind)
	assert.Equal(t, asked.Text, r.Text)
	assert.Empty(t, h.active(t))
}

func TestMembersHaveSeparateSessions(t *testing.T) {
	h := newHarness(t)
	a, b := h.p.MemberA, h.p.MemberB

	h.send(t, a, "groceries 300")
	r := h.send(t, b, "coffee 25, I paid")
	require.Equal(t, ReplyConfirm, r.Kind, r.Text)
	assert.Equal(t, b, r.Entries[0].PayerID)
	assert.Equal(t, 2, h.store.Len())

	r = h.send(t, a, "my partner")
	require.Equal(t, ReplyConfirm, r.Kind, r.Text)
	assert.Equal(t, b, r.Entries[0].PayerID)
}

func TestConcurrentMessagesAreSerialized(t *testing.T) {
	h := newHarness(t)
	a := h.p.MemberA

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Go(func() {
			_, err := h.o.HandleMessage(context.Background(), Message{
				PartnershipID: h.p.ID,
				Sender:        a,
				Text:          "coffee 10, I paid",
				ReceivedAt:    h.clock.Now(),
			})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Equal(t, 1, h.store.Len())
	assert.Equal(t, 0, h.o.locks.Len())
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	key := session.Key{PartnershipID: uuid.New(), Identity: uuid.New()}
	other := session.Key{PartnershipID: key.PartnershipID, Identity: uuid.New()}

	unlock := k.Lock(key)
	acquired := make(chan struct{})
	go func() {
		u := k.Lock(key)
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while the first was held")
	case <-time.After(50 * time.Millisecond):
	}

	// Other keys are never blocked.
	k.Lock(other)()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
	assert.Eventually(t, func() bool { return k.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestParseChoice(t *testing.T) {
	tests := []struct {
		text string
		want Choice
	}{
		{"yes", ChoiceConfirm},
		{"Looks good!", ChoiceConfirm},
		{"OK.", ChoiceConfirm},
		{"never mind", ChoiceCancel},
		{"No", ChoiceCancel},
		{"edit", ChoiceEdit},
		{"make it 30", ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, parseChoice(tt.text))
		})
	}
}
