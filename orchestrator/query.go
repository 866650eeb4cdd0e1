package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/billbatista/acasinha-ledger/extraction"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/billbatista/acasinha-ledger/session"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultRecentLimit = 5
	maxListedEntries   = 10
)

// query answers a read-only request. It never touches the session.
func (o *Orchestrator) query(ctx context.Context, t *turn, q *extraction.QuerySpec) Reply {
	if q == nil {
		q = &extraction.QuerySpec{Kind: extraction.QueryBalance}
	}
	f := ledger.Filter{Category: q.Category, Kind: q.EntryKind, From: q.From, To: q.To, Limit: q.Limit}

	reply, err := o.runQuery(ctx, t, q.Kind, f)
	if err != nil {
		o.logger.Error("query failed",
			zap.String("kind", string(q.Kind)),
			zap.Error(err),
		)
		return o.failed(t, failureQuery, Reply{
			Kind:  ReplyUnavailable,
			State: session.StateIdle,
			Text:  "I couldn't read the ledger just now. Please try again in a moment.",
		}, err)
	}
	reply.Kind = ReplyAnswer
	reply.State = session.StateIdle
	return reply
}

func (o *Orchestrator) runQuery(ctx context.Context, t *turn, kind extraction.QueryKind, f ledger.Filter) (Reply, error) {
	p := t.p
	switch kind {
	case extraction.QueryCategoryTotals:
		totals, err := o.ledger.CategoryTotals(ctx, p.ID, f)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Totals: totals, Text: totalsText(p, totals)}, nil

	case extraction.QueryEntries, extraction.QueryRecent:
		if kind == extraction.QueryRecent && f.Limit <= 0 {
			f.Limit = defaultRecentLimit
		}
		entries, err := o.ledger.Query(ctx, p.ID, f)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Entries: entries, Text: entriesText(p, t.sender, entries, kind == extraction.QueryRecent)}, nil

	default:
		balance, err := o.ledger.DeriveBalance(ctx, p.ID)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Balance: &balance, Text: balanceText(p, t.sender, balance)}, nil
	}
}

func totalsText(p ledger.Partnership, totals []ledger.CategoryTotal) string {
	if len(totals) == 0 {
		return "No expenses found."
	}
	sum := decimal.Zero
	for _, ct := range totals {
		sum = sum.Add(ct.Total)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Totals by category (total %s %s):", p.DefaultCurrency, sum.StringFixed(2))
	for i, ct := range totals {
		fmt.Fprintf(&b, "\n%d. %s - %s %s (%d entr%s)", i+1, ct.Category, p.DefaultCurrency, ct.Total.StringFixed(2), ct.Count, pluralY(ct.Count))
	}
	return b.String()
}

func entriesText(p ledger.Partnership, sender uuid.UUID, entries []ledger.Entry, recent bool) string {
	if len(entries) == 0 {
		return "No entries found."
	}

	var b strings.Builder
	if recent {
		fmt.Fprintf(&b, "Recent entries (%d):", len(entries))
	} else {
		sum := decimal.Zero
		for _, e := range entries {
			sum = sum.Add(e.Amount)
		}
		n := len(entries)
		fmt.Fprintf(&b, "%d entr%s totalling %s %s:", n, pluralY(n), p.DefaultCurrency, sum.StringFixed(2))
	}

	shown := entries
	if !recent && len(shown) > maxListedEntries {
		shown = shown[len(shown)-maxListedEntries:]
	}
	for i, e := range shown {
		payer := "partner"
		if e.PayerID == sender {
			payer = "you"
		}
		fmt.Fprintf(&b, "\n%d. %s - %s %s (%s, %s)", i+1, label(e), e.Currency, e.Amount.StringFixed(2), payer, e.EventDate.Format("2006-01-02"))
	}
	if hidden := len(entries) - len(shown); hidden > 0 {
		fmt.Fprintf(&b, "\n... and %d earlier.", hidden)
	}
	return b.String()
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
