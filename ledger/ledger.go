package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindExpense    Kind = "expense"
	KindSettlement Kind = "settlement"
	KindCorrection Kind = "correction"
)

func (k Kind) Valid() bool {
	switch k {
	case KindExpense, KindSettlement, KindCorrection:
		return true
	}
	return false
}

// Shared reports whether entries of this kind are split between the partners.
func (k Kind) Shared() bool {
	return k == KindExpense || k == KindCorrection
}

var hundred = decimal.NewFromInt(100)

// Partnership pairs the two identities every entry and session is scoped to.
// MemberA is the reference identity for balance signs.
type Partnership struct {
	ID              uuid.UUID       `json:"id"`
	MemberA         uuid.UUID       `json:"member_a"`
	MemberB         uuid.UUID       `json:"member_b"`
	DefaultCurrency string          `json:"default_currency"`
	DefaultSplitPct decimal.Decimal `json:"default_split_pct"` // payer's share when no split is given
	CreatedAt       time.Time       `json:"created_at"`
}

func (p Partnership) IsMember(id uuid.UUID) bool {
	return id != uuid.Nil && (id == p.MemberA || id == p.MemberB)
}

// PartnerOf returns the other member, or uuid.Nil if id is not a member.
func (p Partnership) PartnerOf(id uuid.UUID) uuid.UUID {
	switch id {
	case p.MemberA:
		return p.MemberB
	case p.MemberB:
		return p.MemberA
	}
	return uuid.Nil
}

// BalanceFor turns a derived balance into member's point of view:
// positive means the partner owes member.
func (p Partnership) BalanceFor(member uuid.UUID, balance decimal.Decimal) decimal.Decimal {
	if member == p.MemberB {
		return balance.Neg()
	}
	return balance
}

// RawInput is exactly what a member sent. It is never updated or deleted.
type RawInput struct {
	ID            uuid.UUID `json:"id"`
	PartnershipID uuid.UUID `json:"partnership_id"`
	SenderID      uuid.UUID `json:"sender_id"`
	Text          string    `json:"text"`
	ReceivedAt    time.Time `json:"received_at"`
}

type Entry struct {
	ID                    uuid.UUID       `json:"id"`
	PartnershipID         uuid.UUID       `json:"partnership_id"`
	RawInputID            uuid.UUID       `json:"raw_input_id"`
	Kind                  Kind            `json:"kind"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Category              string          `json:"category,omitempty"`
	PayerID               uuid.UUID       `json:"payer_id"`
	SplitPayerPct         decimal.Decimal `json:"split_payer_pct"`
	SplitOtherPct         decimal.Decimal `json:"split_other_pct"`
	EventDate             time.Time       `json:"event_date"`
	Description           string          `json:"description,omitempty"`
	Tags                  []string        `json:"tags,omitempty"`
	InterpretationVersion int             `json:"interpretation_version"`
	CreatedAt             time.Time       `json:"created_at"`
	SupersededBy          *uuid.UUID      `json:"superseded_by,omitempty"`
}

func (e Entry) Active() bool {
	return e.SupersededBy == nil
}

// OtherShare is the part of the amount the non-paying member owes the payer.
func (e Entry) OtherShare() decimal.Decimal {
	return e.Amount.Mul(e.SplitOtherPct).Div(hundred)
}

type Filter struct {
	Category          string
	From              *time.Time
	To                *time.Time
	Kind              Kind
	IncludeSuperseded bool
	// Limit keeps only the latest N matches, still returned oldest first.
	Limit int
}

func (f Filter) Match(e Entry) bool {
	if !f.IncludeSuperseded && !e.Active() {
		return false
	}
	if f.Category != "" && !strings.EqualFold(f.Category, e.Category) {
		return false
	}
	if f.Kind != "" && f.Kind != e.Kind {
		return false
	}
	if f.From != nil && e.EventDate.Before(DateOnly(*f.From)) {
		return false
	}
	if f.To != nil && e.EventDate.After(DateOnly(*f.To)) {
		return false
	}
	return true
}

type CategoryTotal struct {
	Category string          `json:"category"`
	Total    decimal.Decimal `json:"total"`
	Count    int             `json:"count"`
}

var (
	ErrNotFound            = errors.New("not found")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrTransient           = errors.New("ledger temporarily unavailable")
	ErrEmptyCurrency       = errors.New("currency can't be empty")
	ErrInvalidCurrency     = errors.New("currency must be a three letter code")
	ErrSameMember          = errors.New("a partnership needs two different members")
	ErrInvalidSplit        = errors.New("split percentage must be between 0 and 100")
)

func NewPartnership(memberA, memberB uuid.UUID, currency string, defaultSplitPct decimal.Decimal) (Partnership, error) {
	if memberA == uuid.Nil || memberB == uuid.Nil || memberA == memberB {
		return Partnership{}, ErrSameMember
	}

	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return Partnership{}, ErrEmptyCurrency
	}
	if !ValidCurrency(currency) {
		return Partnership{}, ErrInvalidCurrency
	}

	if defaultSplitPct.IsNegative() || defaultSplitPct.GreaterThan(hundred) || !defaultSplitPct.Equal(defaultSplitPct.Round(2)) {
		return Partnership{}, ErrInvalidSplit
	}

	return Partnership{
		ID:              uuid.New(),
		MemberA:         memberA,
		MemberB:         memberB,
		DefaultCurrency: currency,
		DefaultSplitPct: defaultSplitPct,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// ValidCurrency reports whether code is three upper-case ASCII letters.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func NewRawInput(partnershipID, senderID uuid.UUID, text string, receivedAt time.Time) RawInput {
	return RawInput{
		ID:            uuid.New(),
		PartnershipID: partnershipID,
		SenderID:      senderID,
		Text:          text,
		ReceivedAt:    receivedAt.UTC(),
	}
}

// CheckEntry enforces the invariants every stored entry must satisfy.
func CheckEntry(e Entry, p Partnership) error {
	var problems []string

	if !e.Kind.Valid() {
		problems = append(problems, fmt.Sprintf("unknown kind %q", e.Kind))
	}
	if e.PartnershipID != p.ID {
		problems = append(problems, "entry belongs to another partnership")
	}
	if e.RawInputID == uuid.Nil {
		problems = append(problems, "missing raw input reference")
	}
	if !e.Amount.IsPositive() {
		problems = append(problems, "amount must be positive")
	} else if !e.Amount.Equal(e.Amount.Round(2)) {
		problems = append(problems, "amount has more than two decimal places")
	}
	if !ValidCurrency(e.Currency) {
		problems = append(problems, fmt.Sprintf("invalid currency %q", e.Currency))
	}
	if !p.IsMember(e.PayerID) {
		problems = append(problems, "payer is not a partnership member")
	}
	if e.SplitPayerPct.IsNegative() || e.SplitOtherPct.IsNegative() {
		problems = append(problems, "split percentages must be non-negative")
	}
	if !e.SplitPayerPct.Equal(e.SplitPayerPct.Round(2)) || !e.SplitOtherPct.Equal(e.SplitOtherPct.Round(2)) {
		problems = append(problems, "split percentages have more than two decimal places")
	}
	if !e.SplitPayerPct.Add(e.SplitOtherPct).Equal(hundred) {
		problems = append(problems, fmt.Sprintf("split %s/%s does not sum to 100", e.SplitPayerPct, e.SplitOtherPct))
	}
	if e.Kind.Shared() && strings.TrimSpace(e.Category) == "" {
		problems = append(problems, "category can't be empty")
	}
	if e.EventDate.IsZero() {
		problems = append(problems, "missing event date")
	}
	if e.InterpretationVersion < 1 {
		problems = append(problems, "interpretation version starts at 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConstraintViolation, strings.Join(problems, "; "))
	}
	return nil
}

// Contribution is the signed effect of one entry on the balance.
// Positive means MemberB owes MemberA more.
func Contribution(p Partnership, e Entry) decimal.Decimal {
	var effect decimal.Decimal
	switch {
	case e.Kind.Shared():
		effect = e.OtherShare()
	case e.Kind == KindSettlement:
		effect = e.Amount
	default:
		return decimal.Zero
	}

	switch e.PayerID {
	case p.MemberA:
		return effect
	case p.MemberB:
		return effect.Neg()
	}
	return decimal.Zero
}

// Balance sums the contribution of every active entry. It is a plain sum,
// so the order of entries never matters.
func Balance(p Partnership, entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if !e.Active() || e.PartnershipID != p.ID {
			continue
		}
		total = total.Add(Contribution(p, e))
	}
	return total.Round(2)
}

// DateOnly truncates t to its calendar date in UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
