package validator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/billbatista/acasinha-ledger/extraction"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultMinConfidence = 0.5
	maxIntegerDigits     = 10
)

var ErrNotMember = errors.New("sender is not a partnership member")

type BalanceReader interface {
	DeriveBalance(ctx context.Context, partnershipID uuid.UUID) (decimal.Decimal, error)
}

type CategoryResolver interface {
	Resolve(ctx context.Context, label string) (string, bool, error)
}

// Problem is one missing or invalid field of a candidate.
type Problem struct {
	Field  extraction.Field `json:"field"`
	Reason string           `json:"reason"`
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s", p.Field, p.Reason)
}

type Scope struct {
	Partnership ledger.Partnership
	Sender      uuid.UUID
	ReceivedAt  time.Time
}

type Outcome struct {
	Entry       ledger.Entry `json:"entry"`
	Problems    []Problem    `json:"problems,omitempty"`
	Notes       []string     `json:"notes,omitempty"`
	NewCategory bool         `json:"new_category,omitempty"`
}

// Complete reports whether the entry is ready to be committed.
func (o Outcome) Complete() bool {
	return len(o.Problems) == 0
}

// Has reports whether field is among the problems.
func (o Outcome) Has(field extraction.Field) bool {
	for _, p := range o.Problems {
		if p.Field == field {
			return true
		}
	}
	return false
}

type Validator struct {
	balances      BalanceReader
	categories    CategoryResolver
	minConfidence float64
}

type Option func(*Validator)

// WithMinConfidence sets the confidence below which a candidate is sent back
// for clarification.
func WithMinConfidence(threshold float64) Option {
	return func(v *Validator) {
		if threshold >= 0 && threshold <= 1 {
			v.minConfidence = threshold
		}
	}
}

func New(balances BalanceReader, categories CategoryResolver, opts ...Option) *Validator {
	v := &Validator{
		balances:      balances,
		categories:    categories,
		minConfidence: defaultMinConfidence,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks a candidate and resolves every default it is allowed to
// fill in. The only side effect is the balance read a full settlement needs.
func (v *Validator) Validate(ctx context.Context, c extraction.Candidate, s Scope) (Outcome, error) {
	p := s.Partnership
	if !p.IsMember(s.Sender) {
		return Outcome{}, ErrNotMember
	}

	kind := c.Kind
	if kind == "" {
		kind = ledger.KindExpense
	}

	out := Outcome{Entry: ledger.Entry{
		PartnershipID: p.ID,
		Kind:          kind,
		Description:   strings.TrimSpace(c.Description),
		Tags:          normalizeTags(c.Tags),
	}}
	if !kind.Valid() {
		out.problem(extraction.FieldDetails, fmt.Sprintf("unknown kind %q", kind))
		return out, nil
	}

	payer := c.Payer
	if kind == ledger.KindSettlement && c.FullAmount {
		var err error
		payer, err = v.settleInFull(ctx, c, s, &out)
		if err != nil {
			return Outcome{}, err
		}
	} else {
		v.checkAmount(c.Amount, &out)
	}

	if !(kind == ledger.KindSettlement && c.FullAmount && out.Has(extraction.FieldAmount)) {
		v.checkPayer(payer, s, &out)
	}
	v.checkCurrency(c.Currency, p, &out)
	v.checkDate(c.EventDate, s, &out)

	if kind.Shared() {
		if err := v.checkCategory(ctx, c.Category, &out); err != nil {
			return Outcome{}, err
		}
		v.checkSplit(c, payer, p, &out)
	} else {
		out.Entry.Category = ""
		out.Entry.SplitPayerPct = hundred
		out.Entry.SplitOtherPct = decimal.Zero
		if !c.FullAmount && out.Entry.Amount.IsPositive() && out.Entry.PayerID != uuid.Nil {
			if err := v.noteOverpayment(ctx, s, &out); err != nil {
				return Outcome{}, err
			}
		}
	}

	if c.Confidence < v.minConfidence && out.Complete() {
		out.problem(extraction.FieldDetails, "not sure I understood this one")
	}
	slices.SortStableFunc(out.Problems, func(a, b Problem) int {
		return fieldRank[a.Field] - fieldRank[b.Field]
	})
	return out, nil
}

// fieldRank is the order clarifying questions are asked in.
var fieldRank = map[extraction.Field]int{
	extraction.FieldAmount:   0,
	extraction.FieldCategory: 1,
	extraction.FieldPayer:    2,
	extraction.FieldSplit:    3,
	extraction.FieldCurrency: 4,
	extraction.FieldDate:     5,
	extraction.FieldDetails:  6,
}

func (o *Outcome) problem(field extraction.Field, reason string) {
	o.Problems = append(o.Problems, Problem{Field: field, Reason: reason})
}

func (o *Outcome) note(format string, args ...any) {
	o.Notes = append(o.Notes, fmt.Sprintf(format, args...))
}

func (v *Validator) checkAmount(amount *decimal.Decimal, out *Outcome) {
	if amount == nil {
		out.problem(extraction.FieldAmount, "missing")
		return
	}
	a := *amount
	if !a.IsPositive() {
		out.problem(extraction.FieldAmount, "must be greater than zero")
		return
	}
	if len(a.Truncate(0).Abs().String()) > maxIntegerDigits {
		out.problem(extraction.FieldAmount, "too large")
		return
	}
	if rounded := a.Round(2); !rounded.Equal(a) {
		out.note("amount %s rounded to %s", a, rounded.StringFixed(2))
		a = rounded
		if !a.IsPositive() {
			out.problem(extraction.FieldAmount, "must be greater than zero")
			return
		}
	}
	out.Entry.Amount = a
}

func (v *Validator) checkPayer(payer extraction.Payer, s Scope, out *Outcome) {
	switch payer {
	case extraction.PayerUser:
		out.Entry.PayerID = s.Sender
	case extraction.PayerPartner:
		out.Entry.PayerID = s.Partnership.PartnerOf(s.Sender)
	case "":
		if !out.Has(extraction.FieldPayer) {
			out.problem(extraction.FieldPayer, "missing")
		}
	default:
		out.problem(extraction.FieldPayer, fmt.Sprintf("unknown payer %q", payer))
	}
}

func (v *Validator) checkCurrency(currency string, p ledger.Partnership, out *Outcome) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = p.DefaultCurrency
	}
	if !ledger.ValidCurrency(currency) {
		out.problem(extraction.FieldCurrency, fmt.Sprintf("%q is not a currency code", currency))
		return
	}
	out.Entry.Currency = currency
}

func (v *Validator) checkDate(date *time.Time, s Scope, out *Outcome) {
	if date == nil || date.IsZero() {
		received := s.ReceivedAt
		if received.IsZero() {
			received = time.Now()
		}
		out.Entry.EventDate = ledger.DateOnly(received)
		return
	}
	out.Entry.EventDate = ledger.DateOnly(*date)
}

func (v *Validator) checkCategory(ctx context.Context, label string, out *Outcome) error {
	if strings.TrimSpace(label) == "" {
		out.problem(extraction.FieldCategory, "missing")
		return nil
	}
	if v.categories == nil {
		out.Entry.Category = strings.ToLower(strings.TrimSpace(label))
		return nil
	}
	name, known, err := v.categories.Resolve(ctx, label)
	if err != nil {
		return fmt.Errorf("resolving category: %w", err)
	}
	out.Entry.Category = name
	if !known {
		out.NewCategory = true
		out.note("%q is a new category", name)
	}
	return nil
}

func (v *Validator) checkSplit(c extraction.Candidate, payer extraction.Payer, p ledger.Partnership, out *Outcome) {
	var payerPct, otherPct decimal.Decimal
	switch {
	case c.SplitPayerPct != nil && c.SplitOtherPct != nil:
		payerPct, otherPct = *c.SplitPayerPct, *c.SplitOtherPct
	case c.SplitPayerPct != nil:
		payerPct = *c.SplitPayerPct
		otherPct = hundred.Sub(payerPct)
	case c.SplitOtherPct != nil:
		otherPct = *c.SplitOtherPct
		payerPct = hundred.Sub(otherPct)
	case c.SplitCue != "":
		var ok bool
		payerPct, otherPct, ok = ParseSplit(c.SplitCue, payer)
		if !ok {
			if payer != "" {
				out.problem(extraction.FieldSplit, fmt.Sprintf("could not read %q as a split", c.SplitCue))
			}
			return
		}
	default:
		payerPct = p.DefaultSplitPct
		otherPct = hundred.Sub(payerPct)
	}

	if payerPct.IsNegative() || otherPct.IsNegative() || payerPct.GreaterThan(hundred) || otherPct.GreaterThan(hundred) {
		out.problem(extraction.FieldSplit, "percentages must be between 0 and 100")
		return
	}
	if !payerPct.Equal(payerPct.Round(2)) || !otherPct.Equal(otherPct.Round(2)) {
		out.problem(extraction.FieldSplit, fmt.Sprintf("%s/%s has more than two decimal places", payerPct, otherPct))
		return
	}
	if !payerPct.Add(otherPct).Equal(hundred) {
		out.problem(extraction.FieldSplit, fmt.Sprintf("%s/%s does not add up to 100", payerPct, otherPct))
		return
	}
	out.Entry.SplitPayerPct = payerPct
	out.Entry.SplitOtherPct = otherPct
}

// settleInFull resolves "settle in full": the debtor pays the whole
// outstanding balance.
func (v *Validator) settleInFull(ctx context.Context, c extraction.Candidate, s Scope, out *Outcome) (extraction.Payer, error) {
	balance, err := v.balances.DeriveBalance(ctx, s.Partnership.ID)
	if err != nil {
		return "", fmt.Errorf("reading balance: %w", err)
	}
	if balance.IsZero() {
		out.problem(extraction.FieldAmount, "nothing to settle, the balance is zero")
		return c.Payer, nil
	}

	p := s.Partnership
	debtor := p.MemberB
	if balance.IsNegative() {
		debtor = p.MemberA
	}
	resolved := extraction.PayerPartner
	if debtor == s.Sender {
		resolved = extraction.PayerUser
	}

	if c.Payer != "" && c.Payer != resolved {
		out.problem(extraction.FieldPayer, "only the member who owes can settle in full")
		return c.Payer, nil
	}

	out.Entry.Amount = balance.Abs()
	return resolved, nil
}

func (v *Validator) noteOverpayment(ctx context.Context, s Scope, out *Outcome) error {
	balance, err := v.balances.DeriveBalance(ctx, s.Partnership.ID)
	if err != nil {
		return fmt.Errorf("reading balance: %w", err)
	}

	// Positive balance means MemberB owes MemberA.
	debt := s.Partnership.BalanceFor(s.Partnership.PartnerOf(out.Entry.PayerID), balance)
	if !debt.IsPositive() {
		out.note("the payer does not owe anything, this settlement of %s creates a credit", out.Entry.Amount.StringFixed(2))
		return nil
	}
	if out.Entry.Amount.GreaterThan(debt) {
		out.note("settlement of %s is more than the %s owed, the difference becomes a credit",
			out.Entry.Amount.StringFixed(2), debt.StringFixed(2))
	}
	return nil
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
