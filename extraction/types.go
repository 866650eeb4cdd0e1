// Package extraction turns free text into partially resolved ledger candidates.
//
// Extractors never decide whether a candidate is complete; they only report
// what the text states. Completeness is the validator's job.
package extraction

import (
	"context"
	"errors"
	"time"

	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrUnavailable wraps failures reaching the extraction capability.
var ErrUnavailable = errors.New("extraction unavailable")

type Intent string

const (
	IntentExpense    Intent = "expense"
	IntentSettlement Intent = "settlement"
	IntentCorrection Intent = "correction"
	IntentQuery      Intent = "query"
	IntentGreeting   Intent = "greeting"
	IntentUnknown    Intent = "unknown"
)

// Field names a candidate attribute that may be missing or invalid.
type Field string

const (
	FieldAmount   Field = "amount"
	FieldCurrency Field = "currency"
	FieldCategory Field = "category"
	FieldPayer    Field = "payer"
	FieldSplit    Field = "split"
	FieldDate     Field = "date"
	FieldDetails  Field = "details"
)

// Payer is relative to whoever sent the message.
type Payer string

const (
	PayerUser    Payer = "user"
	PayerPartner Payer = "partner"
)

// Candidate is a partially resolved entry. A nil pointer or empty string
// means the text did not state that field.
type Candidate struct {
	Kind          ledger.Kind      `json:"kind"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Currency      string           `json:"currency,omitempty"`
	Category      string           `json:"category,omitempty"`
	Description   string           `json:"description,omitempty"`
	Payer         Payer            `json:"payer,omitempty"`
	SplitPayerPct *decimal.Decimal `json:"split_payer_pct,omitempty"`
	SplitOtherPct *decimal.Decimal `json:"split_other_pct,omitempty"`
	SplitCue      string           `json:"split_cue,omitempty"`
	EventDate     *time.Time       `json:"event_date,omitempty"`
	Tags          []string         `json:"tags,omitempty"`
	FullAmount    bool             `json:"full_amount,omitempty"`
	Confidence    float64          `json:"confidence"`
}

func (c Candidate) hasSplit() bool {
	return c.SplitCue != "" || c.SplitPayerPct != nil || c.SplitOtherPct != nil
}

// Merge overlays newer on c. Every field newer resolves wins, including the
// split, which is replaced as a whole so stale percentages never survive a
// new cue.
func (c Candidate) Merge(newer Candidate) Candidate {
	out := c
	if newer.Kind != "" {
		out.Kind = newer.Kind
	}
	if newer.Amount != nil {
		out.Amount = newer.Amount
		out.FullAmount = false
	}
	if newer.FullAmount {
		out.FullAmount = true
		out.Amount = nil
	}
	if newer.Currency != "" {
		out.Currency = newer.Currency
	}
	if newer.Category != "" {
		out.Category = newer.Category
	}
	if newer.Description != "" {
		out.Description = newer.Description
	}
	if newer.Payer != "" {
		out.Payer = newer.Payer
	}
	if newer.hasSplit() {
		out.SplitCue = newer.SplitCue
		out.SplitPayerPct = newer.SplitPayerPct
		out.SplitOtherPct = newer.SplitOtherPct
	}
	if newer.EventDate != nil {
		out.EventDate = newer.EventDate
	}
	if len(newer.Tags) > 0 {
		out.Tags = append([]string(nil), newer.Tags...)
	}
	out.Confidence = newer.Confidence
	return out
}

// MergeAll folds a re-extraction into the prior candidate set. When the
// counts line up candidates are merged pairwise; otherwise the newer set
// replaces the old one.
func MergeAll(prior, newer []Candidate) []Candidate {
	if len(prior) == 0 || len(newer) != len(prior) {
		return append([]Candidate(nil), newer...)
	}
	out := make([]Candidate, len(prior))
	for i := range prior {
		out[i] = prior[i].Merge(newer[i])
	}
	return out
}

// FromEntry builds a fully resolved candidate from a stored entry, seen from
// sender's side.
func FromEntry(e ledger.Entry, sender uuid.UUID) Candidate {
	amount := e.Amount
	payerPct := e.SplitPayerPct
	otherPct := e.SplitOtherPct
	date := e.EventDate
	payer := PayerPartner
	if e.PayerID == sender {
		payer = PayerUser
	}
	return Candidate{
		Kind:          e.Kind,
		Amount:        &amount,
		Currency:      e.Currency,
		Category:      e.Category,
		Description:   e.Description,
		Payer:         payer,
		SplitPayerPct: &payerPct,
		SplitOtherPct: &otherPct,
		EventDate:     &date,
		Tags:          append([]string(nil), e.Tags...),
		Confidence:    1,
	}
}

type QueryKind string

const (
	QueryBalance        QueryKind = "balance"
	QueryEntries        QueryKind = "entries"
	QueryCategoryTotals QueryKind = "category_totals"
	QueryRecent         QueryKind = "recent"
)

type QuerySpec struct {
	Kind      QueryKind   `json:"kind"`
	Category  string      `json:"category,omitempty"`
	EntryKind ledger.Kind `json:"entry_kind,omitempty"`
	From      *time.Time  `json:"from,omitempty"`
	To        *time.Time  `json:"to,omitempty"`
	Limit     int         `json:"limit,omitempty"`
}

// CorrectionSpec identifies the entry to correct and the fields to change.
// Without an EntryID the partnership's most recently created active entry is
// the target, narrowed to Category when one is given.
type CorrectionSpec struct {
	EntryID  *uuid.UUID `json:"entry_id,omitempty"`
	Category string     `json:"category,omitempty"`
	Changes  Candidate  `json:"changes"`
}

type Result struct {
	Intent     Intent          `json:"intent"`
	Candidates []Candidate     `json:"candidates,omitempty"`
	Query      *QuerySpec      `json:"query,omitempty"`
	Correction *CorrectionSpec `json:"correction,omitempty"`
	Reply      string          `json:"reply,omitempty"`
	Usage      Usage           `json:"usage"`
}

const (
	ExtractorLLM       = "llm"
	ExtractorHeuristic = "heuristic"
)

// Usage says which extractor produced a Result and what the call cost.
type Usage struct {
	Extractor        string `json:"extractor"`
	Provider         string `json:"provider,omitempty"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	// Fallbacks counts the extractors that failed before this one answered.
	Fallbacks int `json:"fallbacks,omitempty"`
}

// Exchange is one clarification question and the answer it got.
type Exchange struct {
	Field    Field  `json:"field"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Context is what the extractor knows beyond the text itself.
type Context struct {
	Today        time.Time
	Currency     string
	Intent       Intent
	Prior        []Candidate
	PendingField Field
	History      []Exchange
	Categories   []string
}

type Extractor interface {
	Extract(ctx context.Context, text string, ec Context) (Result, error)
}
