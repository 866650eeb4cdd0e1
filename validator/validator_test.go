package validator

import (
	"context"
	"testing"
	"time"

	"github.com/billbatista/acasinha-ledger/category"
	"github.com/billbatista/acasinha-ledger/extraction"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	validator *Validator
	engine    *ledger.Engine
	scope     Scope
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	ctx := context.Background()

	engine := ledger.NewEngine(ledger.NewMemoryRepository(), zap.NewNop())
	p, err := ledger.NewPartnership(uuid.New(), uuid.New(), "ils", decimal.NewFromInt(50))
	require.NoError(t, err)
	require.NoError(t, engine.CreatePartnership(ctx, p))

	catalog := category.NewCatalog(category.NewMemoryRepository(), zap.NewNop())
	require.NoError(t, catalog.Seed(ctx))

	return fixture{
		validator: New(engine, catalog, opts...),
		engine:    engine,
		scope: Scope{
			Partnership: p,
			Sender:      p.MemberA,
			ReceivedAt:  time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC),
		},
	}
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func fields(problems []Problem) []extraction.Field {
	out := make([]extraction.Field, 0, len(problems))
	for _, p := range problems {
		out = append(out, p.Field)
	}
	return out
}

func TestParseSplit(t *testing.T) {
	tests := []struct {
		cue       string
		payer     extraction.Payer
		wantPayer string
		wantOther string
		wantOK    bool
	}{
		{cue: "70/30", wantPayer: "70", wantOther: "30", wantOK: true},
		{cue: "split 60:40", wantPayer: "60", wantOther: "40", wantOK: true},
		{cue: "80%", wantPayer: "80", wantOther: "20", wantOK: true},
		{cue: "half", wantPayer: "50", wantOther: "50", wantOK: true},
		{cue: "split it", wantPayer: "50", wantOther: "50", wantOK: true},
		{cue: "Fifty-Fifty", wantPayer: "50", wantOther: "50", wantOK: true},
		{cue: "on me", payer: extraction.PayerUser, wantPayer: "100", wantOther: "0", wantOK: true},
		{cue: "on me", payer: extraction.PayerPartner, wantPayer: "0", wantOther: "100", wantOK: true},
		{cue: "all yours", payer: extraction.PayerUser, wantPayer: "0", wantOther: "100", wantOK: true},
		{cue: "on you", payer: extraction.PayerPartner, wantPayer: "100", wantOther: "0", wantOK: true},
		{cue: "on me"},
		{cue: "whatever feels right"},
		{cue: ""},
	}

	for _, tt := range tests {
		t.Run(tt.cue+"/"+string(tt.payer), func(t *testing.T) {
			payerPct, otherPct, ok := ParseSplit(tt.cue, tt.payer)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantPayer, payerPct.String())
			assert.Equal(t, tt.wantOther, otherPct.String())
		})
	}
}

func TestValidateCompleteExpense(t *testing.T) {
	f := newFixture(t)
	c := extraction.Candidate{
		Kind:        ledger.KindExpense,
		Amount:      dec("25"),
		Category:    "Coffee",
		Description: " flat white ",
		Payer:       extraction.PayerUser,
		Tags:        []string{"Work", "work", ""},
		Confidence:  0.9,
	}

	out, err := f.validator.Validate(context.Background(), c, f.scope)
	require.NoError(t, err)
	require.True(t, out.Complete(), out.Problems)

	e := out.Entry
	assert.Equal(t, f.scope.Partnership.ID, e.PartnershipID)
	assert.Equal(t, "25", e.Amount.String())
	assert.Equal(t, "ILS", e.Currency)
	assert.Equal(t, "coffee", e.Category)
	assert.Equal(t, f.scope.Sender, e.PayerID)
	assert.Equal(t, "50", e.SplitPayerPct.String())
	assert.Equal(t, "50", e.SplitOtherPct.String())
	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), e.EventDate)
	assert.Equal(t, "flat white", e.Description)
	assert.Equal(t, []string{"work"}, e.Tags)
	assert.False(t, out.NewCategory)

	e.RawInputID = uuid.New()
	e.InterpretationVersion = 1
	assert.NoError(t, ledger.CheckEntry(e, f.scope.Partnership))
}

func TestValidateMissingFields(t *testing.T) {
	f := newFixture(t)

	out, err := f.validator.Validate(context.Background(), extraction.Candidate{Confidence: 1}, f.scope)
	require.NoError(t, err)
	assert.False(t, out.Complete())
	assert.Equal(t, []extraction.Field{
		extraction.FieldAmount,
		extraction.FieldCategory,
		extraction.FieldPayer,
	}, fields(out.Problems))
}

func TestValidateSplitNeedsPayer(t *testing.T) {
	f := newFixture(t)
	c := extraction.Candidate{
		Amount:     dec("300"),
		Category:   "groceries",
		SplitCue:   "on me",
		Confidence: 1,
	}

	out, err := f.validator.Validate(context.Background(), c, f.scope)
	require.NoError(t, err)
	assert.Equal(t, []extraction.Field{extraction.FieldPayer}, fields(out.Problems))

	c.Payer = extraction.PayerPartner
	out, err = f.validator.Validate(context.Background(), c, f.scope)
	require.NoError(t, err)
	require.True(t, out.Complete(), out.Problems)
	assert.Equal(t, f.scope.Partnership.MemberB, out.Entry.PayerID)
	assert.Equal(t, "0", out.Entry.SplitPayerPct.String())
	assert.Equal(t, "100", out.Entry.SplitOtherPct.String())
}

func TestValidateSplit(t *testing.T) {
	tests := []struct {
		name      string
		candidate extraction.Candidate
		wantPayer string
		wantOther string
		wantField extraction.Field
	}{
		{
			name:      "ratio cue",
			candidate: extraction.Candidate{SplitCue: "70/30"},
			wantPayer: "70",
			wantOther: "30",
		},
		{
			name:      "payer share only",
			candidate: extraction.Candidate{SplitPayerPct: dec("65")},
			wantPayer: "65",
			wantOther: "35",
		},
		{
			name:      "other share only",
			candidate: extraction.Candidate{SplitOtherPct: dec("10")},
			wantPayer: "90",
			wantOther: "10",
		},
		{
			name:      "does not add up",
			candidate: extraction.Candidate{SplitPayerPct: dec("60"), SplitOtherPct: dec("30")},
			wantField: extraction.FieldSplit,
		},
		{
			name:      "out of range",
			candidate: extraction.Candidate{SplitPayerPct: dec("120")},
			wantField: extraction.FieldSplit,
		},
		{
			name:      "more than two decimal places",
			candidate: extraction.Candidate{SplitPayerPct: dec("12.345"), SplitOtherPct: dec("87.655")},
			wantField: extraction.FieldSplit,
		},
		{
			name:      "two decimal places",
			candidate: extraction.Candidate{SplitPayerPct: dec("12.35"), SplitOtherPct: dec("87.65")},
			wantPayer: "12.35",
			wantOther: "87.65",
		},
		{
			name:      "unreadable cue",
			candidate: extraction.Candidate{SplitCue: "the usual way"},
			wantField: extraction.FieldSplit,
		},
	}

	f := newFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.candidate
			c.Amount = dec("100")
			c.Category = "groceries"
			c.Payer = extraction.PayerUser
			c.Confidence = 1

			out, err := f.validator.Validate(context.Background(), c, f.scope)
			require.NoError(t, err)
			if tt.wantField != "" {
				assert.Equal(t, []extraction.Field{tt.wantField}, fields(out.Problems))
				return
			}
			require.True(t, out.Complete(), out.Problems)
			assert.Equal(t, tt.wantPayer, out.Entry.SplitPayerPct.String())
			assert.Equal(t, tt.wantOther, out.Entry.SplitOtherPct.String())
		})
	}
}

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		name      string
		amount    *decimal.Decimal
		want      string
		wantNote  bool
		wantField bool
	}{
		{name: "missing", wantField: true},
		{name: "zero", amount: dec("0"), wantField: true},
		{name: "negative", amount: dec("-5"), wantField: true},
		{name: "too large", amount: dec("12345678901"), wantField: true},
		{name: "rounds to zero", amount: dec("0.001"), wantNote: true, wantField: true},
		{name: "rounded", amount: dec("10.005"), want: "10.01", wantNote: true},
		{name: "cents", amount: dec("12.34"), want: "12.34"},
	}

	f := newFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := extraction.Candidate{
				Amount:     tt.amount,
				Category:   "groceries",
				Payer:      extraction.PayerUser,
				Confidence: 1,
			}
			out, err := f.validator.Validate(context.Background(), c, f.scope)
			require.NoError(t, err)
			assert.Equal(t, tt.wantField, out.Has(extraction.FieldAmount))
			assert.Equal(t, tt.wantNote, len(out.Notes) > 0)
			if tt.want != "" {
				assert.Equal(t, tt.want, out.Entry.Amount.StringFixed(2))
			}
		})
	}
}

func TestValidateCategory(t *testing.T) {
	f := newFixture(t)
	c := extraction.Candidate{
		Amount:     dec("80"),
		Category:   "Electricity",
		Payer:      extraction.PayerUser,
		Confidence: 1,
	}

	out, err := f.validator.Validate(context.Background(), c, f.scope)
	require.NoError(t, err)
	require.True(t, out.Complete())
	assert.Equal(t, "utilities", out.Entry.Category)
	assert.False(t, out.NewCategory)

	c.Category = "Pet Food"
	out, err = f.validator.Validate(context.Background(), c, f.scope)
	require.NoError(t, err)
	require.True(t, out.Complete())
	assert.Equal(t, "pet food", out.Entry.Category)
	assert.True(t, out.NewCategory)
	assert.Len(t, out.Notes, 1)
}

func TestValidateCurrencyAndDate(t *testing.T) {
	f := newFixture(t)
	date := time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC)
	c := extraction.Candidate{
		Amount:     dec("40"),
		Currency:   "usd",
		Category:   "dining",
		Payer:      extraction.PayerUser,
		EventDate:  &date,
		Confidence: 1,
	}

	out, err := f.validator.Validate(context.Background(), c, f.scope)
	require.NoError(t, err)
	require.True(t, out.Complete())
	assert.Equal(t, "USD", out.Entry.Currency)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), out.Entry.EventDate)

	c.Currency = "dollars"
	out, err = f.validator.Validate(context.Background(), c, f.scope)
	require.NoError(t, err)
	assert.Equal(t, []extraction.Field{extraction.FieldCurrency}, fields(out.Problems))
}

func TestValidateLowConfidence(t *testing.T) {
	f := newFixture(t, WithMinConfidence(0.7))
	c := extraction.Candidate{
		Amount:     dec("40"),
		Category:   "dining",
		Payer:      extraction.PayerUser,
		Confidence: 0.4,
	}

	out, err := f.validator.Validate(context.Background(), c, f.scope)
	require.NoError(t, err)
	assert.Equal(t, []extraction.Field{extraction.FieldDetails}, fields(out.Problems))

	c.Confidence = 0.7
	out, err = f.validator.Validate(context.Background(), c, f.scope)
	require.NoError(t, err)
	assert.True(t, out.Complete())
}

func TestValidateRejectsOutsiders(t *testing.T) {
	f := newFixture(t)
	scope := f.scope
	scope.Sender = uuid.New()

	_, err := f.validator.Validate(context.Background(), extraction.Candidate{}, scope)
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestValidateSettlement(t *testing.T) {
	f := newFixture(t)
	c := extraction.Candidate{
		Kind:       ledger.KindSettlement,
		Amount:     dec("90"),
		Category:   "groceries",
		Payer:      extraction.PayerUser,
		SplitCue:   "70/30",
		Confidence: 1,
	}

	out, err := f.validator.Validate(context.Background(), c, f.scope)
	require.NoError(t, err)
	require.True(t, out.Complete(), out.Problems)
	assert.Empty(t, out.Entry.Category)
	assert.Equal(t, "100", out.Entry.SplitPayerPct.String())
	assert.Equal(t, "0", out.Entry.SplitOtherPct.String())

	// Nothing is owed yet, so paying creates a credit.
	assert.Len(t, out.Notes, 1)
}

func seedDebt(t *testing.T, f fixture) {
	t.Helper()
	p := f.scope.Partnership
	_, err := f.engine.Append(context.Background(), uuid.New(), []ledger.Entry{{
		PartnershipID: p.ID,
		Kind:          ledger.KindExpense,
		Amount:        decimal.NewFromInt(180),
		Currency:      "ILS",
		Category:      "groceries",
		PayerID:       p.MemberB,
		SplitPayerPct: decimal.NewFromInt(50),
		SplitOtherPct: decimal.NewFromInt(50),
		EventDate:     time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)

	balance, err := f.engine.DeriveBalance(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, "-90.00", balance.StringFixed(2))
}

func TestValidateSettleInFull(t *testing.T) {
	f := newFixture(t)
	seedDebt(t, f)

	c := extraction.Candidate{Kind: ledger.KindSettlement, FullAmount: true, Confidence: 1}
	out, err := f.validator.Validate(context.Background(), c, f.scope)
	require.NoError(t, err)
	require.True(t, out.Complete(), out.Problems)
	assert.Equal(t, "90.00", out.Entry.Amount.StringFixed(2))
	assert.Equal(t, f.scope.Partnership.MemberA, out.Entry.PayerID)

	// The creditor can not settle in full.
	c.Payer = extraction.PayerPartner
	out, err = f.validator.Validate(context.Background(), c, f.scope)
	require.NoError(t, err)
	assert.Equal(t, []extraction.Field{extraction.FieldPayer}, fields(out.Problems))
}

func TestValidateSettleInFullWithZeroBalance(t *testing.T) {
	f := newFixture(t)

	c := extraction.Candidate{Kind: ledger.KindSettlement, FullAmount: true, Confidence: 1}
	out, err := f.validator.Validate(context.Background(), c, f.scope)
	require.NoError(t, err)
	require.Equal(t, []extraction.Field{extraction.FieldAmount}, fields(out.Problems))
	assert.Contains(t, out.Problems[0].Reason, "nothing to settle")
}

func TestValidateSettlementOverpayment(t *testing.T) {
	f := newFixture(t)
	seedDebt(t, f)

	c := extraction.Candidate{
		Kind:       ledger.KindSettlement,
		Amount:     dec("50"),
		Payer:      extraction.PayerUser,
		Confidence: 1,
	}
	out, err := f.validator.Validate(context.Background(), c, f.scope)
	require.NoError(t, err)
	require.True(t, out.Complete())
	assert.Empty(t, out.Notes)

	c.Amount = dec("120")
	out, err = f.validator.Validate(context.Background(), c, f.scope)
	require.NoError(t, err)
	require.True(t, out.Complete())
	require.Len(t, out.Notes, 1)
	assert.Contains(t, out.Notes[0], "90.00")
}
