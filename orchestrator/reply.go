package orchestrator

import (
	"fmt"
	"strings"

	"github.com/billbatista/acasinha-ledger/extraction"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/billbatista/acasinha-ledger/session"
	"github.com/billbatista/acasinha-ledger/validator"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ReplyKind string

const (
	ReplyNotUnderstood ReplyKind = "not_understood"
	ReplyGreeting      ReplyKind = "greeting"
	ReplyRephrase      ReplyKind = "rephrase"
	ReplyClarify       ReplyKind = "clarify"
	ReplyConfirm       ReplyKind = "confirm"
	ReplyCommitted     ReplyKind = "committed"
	ReplyCommitFailed  ReplyKind = "commit_failed"
	ReplyRejected      ReplyKind = "rejected"
	ReplyCancelled     ReplyKind = "cancelled"
	ReplyAborted       ReplyKind = "aborted"
	ReplyAnswer        ReplyKind = "answer"
	ReplyExpired       ReplyKind = "expired"
	ReplyNoSession     ReplyKind = "no_session"
	ReplyUnavailable   ReplyKind = "unavailable"
)

type Choice string

const (
	ChoiceConfirm Choice = "confirm"
	ChoiceEdit    Choice = "edit"
	ChoiceCancel  Choice = "cancel"
)

func (c Choice) Valid() bool {
	return c == ChoiceConfirm || c == ChoiceEdit || c == ChoiceCancel
}

// Reply is what the transport shows the member. Text is always set; the
// other fields carry the same information in structured form.
type Reply struct {
	Kind     ReplyKind              `json:"kind"`
	State    session.State          `json:"state"`
	Text     string                 `json:"text"`
	Notices  []string               `json:"notices,omitempty"`
	Field    extraction.Field       `json:"field,omitempty"`
	Entries  []ledger.Entry         `json:"entries,omitempty"`
	Notes    []string               `json:"notes,omitempty"`
	Choices  []Choice               `json:"choices,omitempty"`
	Balance  *decimal.Decimal       `json:"balance,omitempty"`
	Totals   []ledger.CategoryTotal `json:"totals,omitempty"`
	Problems []validator.Problem    `json:"problems,omitempty"`
}

var confirmChoices = []Choice{ChoiceConfirm, ChoiceEdit, ChoiceCancel}

const (
	expiredNotice = "Your previous request timed out and was discarded. Nothing was recorded."
	editPrompt    = "What would you like to change? You can say things like \"change the amount to 350\", \"the category is dining\" or \"I paid, split 60/40\"."
)

// question builds the clarification prompt for field on candidate i.
func question(field extraction.Field, i int, candidates []extraction.Candidate, reason string) string {
	var context string
	if i < len(candidates) {
		c := candidates[i]
		var parts []string
		if c.Description != "" {
			parts = append(parts, c.Description)
		} else if c.Category != "" {
			parts = append(parts, c.Category)
		}
		if c.Amount != nil {
			amount := c.Amount.StringFixed(2)
			if c.Currency != "" {
				amount = c.Currency + " " + amount
			}
			parts = append(parts, amount)
		}
		if len(parts) > 0 {
			context = " for " + strings.Join(parts, " ")
		}
	}
	prefix := ""
	if len(candidates) > 1 {
		prefix = fmt.Sprintf("For item #%d: ", i+1)
	}

	var q string
	switch field {
	case extraction.FieldPayer:
		q = fmt.Sprintf("Who paid%s? You or your partner?", context)
	case extraction.FieldCategory:
		q = fmt.Sprintf("What category is this expense%s? (e.g. groceries, gas, dining, coffee)", context)
	case extraction.FieldSplit:
		q = fmt.Sprintf("How should this expense%s be split? (e.g. 50/50, 70/30, or 100/0)", context)
	case extraction.FieldAmount:
		if strings.Contains(reason, "nothing to settle") {
			q = "The balance is already zero, so there is nothing to settle. What amount was paid?"
		} else {
			q = fmt.Sprintf("What was the amount%s?", context)
		}
	case extraction.FieldCurrency:
		q = fmt.Sprintf("Which currency was it%s? Use a code like USD or ILS.", context)
	case extraction.FieldDate:
		q = fmt.Sprintf("When did this happen%s?", context)
	case extraction.FieldDetails:
		q = fmt.Sprintf("I'm not sure I got that right%s. Could you restate the amount, who paid and the category?", context)
	default:
		q = fmt.Sprintf("Could you provide the %s%s?", field, context)
	}
	return prefix + q
}

func label(e ledger.Entry) string {
	switch {
	case e.Description != "" && e.Category != "":
		return fmt.Sprintf("%s (%s)", e.Description, e.Category)
	case e.Description != "":
		return e.Description
	case e.Category != "":
		return e.Category
	default:
		return string(e.Kind)
	}
}

func who(member, sender uuid.UUID) string {
	if member == sender {
		return "you"
	}
	return "your partner"
}

// summary renders the confirmation text for approved entries.
func summary(p ledger.Partnership, sender uuid.UUID, entries []ledger.Entry, notes []string, correcting *ledger.Entry) string {
	var b strings.Builder
	if correcting != nil {
		fmt.Fprintf(&b, "Replace %s %s %s (%s) with:\n",
			label(*correcting), correcting.Currency, correcting.Amount.StringFixed(2), correcting.EventDate.Format("2006-01-02"))
	} else if len(entries) == 1 && entries[0].Kind == ledger.KindSettlement {
		b.WriteString("Settlement:\n")
	} else {
		n := len(entries)
		fmt.Fprintf(&b, "%d expense%s:\n", n, plural(n))
	}

	for i, e := range entries {
		payer := who(e.PayerID, sender)
		if e.Kind == ledger.KindSettlement {
			to := who(p.PartnerOf(e.PayerID), sender)
			fmt.Fprintf(&b, "%d. %s pays %s %s to %s\n", i+1, capitalize(payer), e.Currency, e.Amount.StringFixed(2), to)
		} else {
			owed := e.OtherShare().Round(2)
			owes := "your partner owes you"
			if e.PayerID != sender {
				owes = "you owe"
			}
			fmt.Fprintf(&b, "%d. %s: %s %s\n   paid by %s, split %s/%s -> %s %s %s\n",
				i+1, label(e), e.Currency, e.Amount.StringFixed(2),
				payer, e.SplitPayerPct, e.SplitOtherPct, owes, e.Currency, owed.StringFixed(2))
		}
		fmt.Fprintf(&b, "   Date: %s\n", e.EventDate.Format("2006-01-02"))
	}
	if len(notes) > 0 {
		fmt.Fprintf(&b, "Notes: %s\n", strings.Join(notes, "; "))
	}
	b.WriteString("Confirm, edit or cancel?")
	return b.String()
}

func committedText(entries []ledger.Entry, superseded bool) string {
	var b strings.Builder
	switch {
	case superseded:
		b.WriteString("Correction recorded:\n")
	case len(entries) == 1 && entries[0].Kind == ledger.KindSettlement:
		b.WriteString("Settlement recorded:\n")
	default:
		n := len(entries)
		fmt.Fprintf(&b, "Committed %d expense%s to the ledger:\n", n, plural(n))
	}
	for _, e := range entries {
		fmt.Fprintf(&b, "  %s %s - %s\n", e.Currency, e.Amount.StringFixed(2), label(e))
	}
	return strings.TrimRight(b.String(), "\n")
}

// balanceText describes balance from sender's point of view.
func balanceText(p ledger.Partnership, sender uuid.UUID, balance decimal.Decimal) string {
	own := p.BalanceFor(sender, balance)
	switch {
	case own.IsZero():
		return "You're all settled up."
	case own.IsPositive():
		return fmt.Sprintf("Your partner owes you %s %s.", p.DefaultCurrency, own.StringFixed(2))
	default:
		return fmt.Sprintf("You owe your partner %s %s.", p.DefaultCurrency, own.Abs().StringFixed(2))
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
