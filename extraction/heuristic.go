package extraction

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	isoDateRe   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	daysAgoRe   = regexp.MustCompile(`\b(\d+|a|one|two|three|four|five|six|seven)\s+(day|days|week|weeks)\s+ago\b`)
	ratioRe     = regexp.MustCompile(`\b(\d{1,3}(?:\.\d+)?)\s*[/:-]\s*(\d{1,3}(?:\.\d+)?)\b`)
	percentRe   = regexp.MustCompile(`\b(\d{1,3}(?:\.\d+)?)\s*%`)
	cueRe       = regexp.MustCompile(`\b(split it|split evenly|split equally|fifty[- ]fifty|half and half|halves|half|evenly|equally|all on me|all mine|on me|my treat|all yours|all theirs|on you|on them)\b`)
	splitWordRe = regexp.MustCompile(`\bsplit\b`)
	amountRe    = regexp.MustCompile(`\b\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?\b|\b\d+(?:\.\d+)?\b`)
	currencyRe  = regexp.MustCompile(`\b(usd|eur|ils|nis|gbp|shekels?|dollars?|euros?|pounds?)\b|[$€£₪]`)
	uuidRe      = regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	notAmountRe = regexp.MustCompile(`\b(?:instead of|not|from)\s+\d[\d,]*(?:\.\d+)?\b`)
	lastNRe     = regexp.MustCompile(`\b(?:last|latest|recent)\s+(\d+)\b`)
	itemSplitRe = regexp.MustCompile(`\n|;|,|\band\b|\bplus\b`)
	thousandsRe = regexp.MustCompile(`\b\d{1,3}(?:,\d{3})+\b`)

	userPayerRe    = regexp.MustCompile(`\b(i paid|i did|i bought|i covered|i spent|i got|i settled|i sent|i transferred|paid by me)\b`)
	partnerPayerRe = regexp.MustCompile(`\b(partner paid|they paid|she paid|he paid|you paid|paid by (?:my )?(?:partner|them|her|him)|paid me|sent me|partner covered)\b`)
	settleRe       = regexp.MustCompile(`\b(settle|settled|settling|paid back|pay back|paid me|sent me|paid you|paid them|paid (?:my )?partner|transferred)\b`)
	fullRe         = regexp.MustCompile(`\b(in full|full|all of it|everything|whole)\b`)
	correctionRe   = regexp.MustCompile(`^(actually|correction|correct|fix|change|update|oops|wait)\b|\b(should be|should have been|was actually|instead of)\b`)
	greetingRe     = regexp.MustCompile(`^(hi|hello|hey|thanks|thank you|good morning|good evening|shalom|yo)\b`)
	balanceRe      = regexp.MustCompile(`\b(balance|owe|owes|who owes|are we even|are we settled|settle up status)\b`)
	totalsRe       = regexp.MustCompile(`\b(by category|per category|breakdown|categories|totals)\b`)
	recentRe       = regexp.MustCompile(`\b(recent|latest|last \d+|history)\b`)
	entriesRe      = regexp.MustCompile(`\b(how much|spent|spend|spending|show|list)\b`)
	categoryToRe   = regexp.MustCompile(`\bcategory (?:to|is|should be) ([a-z]+)\b`)
	questionRe     = regexp.MustCompile(`^(what|what's|whats|how|who|show|list|are|do|does|is)\b|\?$`)
)

var stopWords = map[string]bool{
	"i": true, "paid": true, "pay": true, "for": true, "on": true, "the": true, "a": true, "an": true,
	"we": true, "spent": true, "bought": true, "me": true, "my": true, "our": true, "at": true,
	"to": true, "of": true, "it": true, "was": true, "is": true, "split": true, "yesterday": true,
	"today": true, "partner": true, "they": true, "she": true, "he": true, "you": true, "did": true,
	"got": true, "covered": true, "by": true, "with": true, "some": true, "and": true, "ago": true,
	"days": true, "day": true, "week": true, "weeks": true, "last": true, "both": true, "us": true,
	"usd": true, "eur": true, "ils": true, "nis": true, "gbp": true, "shekel": true, "shekels": true,
	"dollar": true, "dollars": true, "euro": true, "euros": true, "pound": true, "pounds": true,
	"total": true, "cost": true, "costs": true, "about": true, "around": true, "just": true,
}

var currencyCodes = map[string]string{
	"usd": "USD", "dollar": "USD", "dollars": "USD", "$": "USD",
	"eur": "EUR", "euro": "EUR", "euros": "EUR", "€": "EUR",
	"gbp": "GBP", "pound": "GBP", "pounds": "GBP", "£": "GBP",
	"ils": "ILS", "nis": "ILS", "shekel": "ILS", "shekels": "ILS", "₪": "ILS",
}

var smallNumbers = map[string]int{
	"a": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
}

// HeuristicExtractor understands the common phrasings with regular
// expressions. It needs no model and never fails with ErrUnavailable.
type HeuristicExtractor struct {
	confidence float64
}

func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{confidence: 0.85}
}

func (h *HeuristicExtractor) Extract(ctx context.Context, text string, ec Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	result := h.extract(text, ec)
	result.Usage = Usage{Extractor: ExtractorHeuristic}
	return result, nil
}

func (h *HeuristicExtractor) extract(text string, ec Context) Result {
	today := ledger.DateOnly(ec.Today)
	if ec.Today.IsZero() {
		today = ledger.DateOnly(time.Now())
	}
	lower := strings.ToLower(strings.TrimSpace(text))

	if ec.PendingField != "" && len(ec.Prior) > 0 {
		return h.answer(lower, ec, today)
	}

	switch {
	case lower == "":
		return Result{Intent: IntentUnknown}
	case greetingRe.MatchString(lower) && !amountRe.MatchString(lower):
		return Result{Intent: IntentGreeting, Reply: "Hi! Tell me about an expense, a settlement, or ask for the balance."}
	case correctionRe.MatchString(lower):
		return h.correction(lower, ec, today)
	}

	if q, ok := h.query(lower, ec, today); ok && questionRe.MatchString(lower) {
		return Result{Intent: IntentQuery, Query: q}
	}
	if settleRe.MatchString(lower) {
		return h.settlement(lower, today)
	}
	if q, ok := h.query(lower, ec, today); ok {
		return Result{Intent: IntentQuery, Query: q}
	}

	candidates := h.expenses(lower, today)
	if len(candidates) == 0 {
		return Result{Intent: IntentUnknown}
	}
	return Result{Intent: IntentExpense, Candidates: candidates}
}

// answer reads a clarification reply and returns one patch per prior
// candidate so the caller can merge them pairwise.
func (h *HeuristicExtractor) answer(lower string, ec Context, today time.Time) Result {
	patch := Candidate{Confidence: h.confidence}
	cleaned := stripModifiers(lower)

	patch.Payer = payerOf(lower, true)
	patch.SplitCue = splitCueOf(lower)
	patch.EventDate = dateOf(lower, today)
	patch.Currency = currencyOf(lower)
	if fullRe.MatchString(lower) && ec.Intent == IntentSettlement {
		patch.FullAmount = true
	}

	var amount *decimal.Decimal
	if amounts := amountsIn(cleaned); len(amounts) > 0 {
		amount = &amounts[0]
	}

	var category string
	if m := categoryToRe.FindStringSubmatch(lower); m != nil {
		category = m[1]
	} else if ec.PendingField == FieldCategory {
		words := contentWords(cleaned)
		if len(words) > 0 {
			category = strings.Join(words, " ")
		}
	}

	out := make([]Candidate, len(ec.Prior))
	for i, prior := range ec.Prior {
		p := patch
		if amount != nil && (prior.Amount == nil || len(ec.Prior) == 1) {
			p.Amount = amount
		}
		if category != "" && (prior.Category == "" || len(ec.Prior) == 1) {
			p.Category = category
		}
		out[i] = p
	}

	intent := ec.Intent
	if intent == "" {
		intent = IntentExpense
	}
	return Result{Intent: intent, Candidates: out}
}

func (h *HeuristicExtractor) settlement(lower string, today time.Time) Result {
	c := Candidate{
		Kind:       ledger.KindSettlement,
		Payer:      payerOf(lower, false),
		EventDate:  dateOf(lower, today),
		Currency:   currencyOf(lower),
		Confidence: h.confidence,
	}
	if amounts := amountsIn(stripModifiers(lower)); len(amounts) > 0 {
		c.Amount = &amounts[0]
	} else if fullRe.MatchString(lower) || strings.Contains(lower, "settled") || strings.Contains(lower, "settle up") {
		c.FullAmount = true
	}
	return Result{Intent: IntentSettlement, Candidates: []Candidate{c}}
}

func (h *HeuristicExtractor) correction(lower string, ec Context, today time.Time) Result {
	cs := &CorrectionSpec{}
	if id := uuidRe.FindString(lower); id != "" {
		if parsed, err := uuid.Parse(id); err == nil {
			cs.EntryID = &parsed
		}
		lower = strings.Replace(lower, id, " ", 1)
	}

	changes := Candidate{Confidence: h.confidence}
	if m := categoryToRe.FindStringSubmatch(lower); m != nil {
		changes.Category = m[1]
		lower = strings.Replace(lower, m[0], " ", 1)
	}

	cleaned := stripModifiers(notAmountRe.ReplaceAllString(lower, " "))
	if amounts := amountsIn(cleaned); len(amounts) > 0 {
		changes.Amount = &amounts[0]
	}
	changes.Payer = payerOf(lower, false)
	changes.SplitCue = splitCueOf(lower)
	changes.EventDate = dateOf(lower, today)
	changes.Currency = currencyOf(lower)

	for _, w := range strings.Fields(cleaned) {
		w = strings.Trim(w, ".!?")
		for _, known := range ec.Categories {
			if w == known {
				cs.Category = known
				break
			}
		}
		if cs.Category != "" {
			break
		}
	}

	cs.Changes = changes
	return Result{Intent: IntentCorrection, Correction: cs}
}

func (h *HeuristicExtractor) query(lower string, ec Context, today time.Time) (*QuerySpec, bool) {
	withoutDates := stripModifiers(lastNRe.ReplaceAllString(lower, " "))
	if len(amountsIn(withoutDates)) > 0 {
		return nil, false
	}

	q := &QuerySpec{}
	switch {
	case balanceRe.MatchString(lower):
		q.Kind = QueryBalance
		return q, true
	case totalsRe.MatchString(lower):
		q.Kind = QueryCategoryTotals
	case recentRe.MatchString(lower):
		q.Kind = QueryRecent
		q.Limit = 5
		if m := lastNRe.FindStringSubmatch(lower); m != nil {
			q.Limit, _ = strconv.Atoi(m[1])
		}
	case entriesRe.MatchString(lower):
		q.Kind = QueryEntries
	default:
		return nil, false
	}

	q.From, q.To = periodOf(lower, today)
	if i := strings.Index(lower, " on "); i >= 0 {
		words := contentWords(lower[i+4:])
		if len(words) > 0 {
			q.Category = words[0]
		}
	}
	for _, w := range strings.Fields(lower) {
		w = strings.Trim(w, ".!?")
		for _, known := range ec.Categories {
			if q.Category == "" && w == known {
				q.Category = known
			}
		}
	}
	return q, true
}

func (h *HeuristicExtractor) expenses(lower string, today time.Time) []Candidate {
	shared := Candidate{
		Kind:       ledger.KindExpense,
		Payer:      payerOf(lower, false),
		SplitCue:   splitCueOf(lower),
		EventDate:  dateOf(lower, today),
		Currency:   currencyOf(lower),
		Confidence: h.confidence,
	}

	// Ratios and thousands separators would be cut by the item split.
	masked := ratioRe.ReplaceAllString(lower, " ")
	masked = thousandsRe.ReplaceAllStringFunc(masked, func(m string) string {
		return strings.ReplaceAll(m, ",", "")
	})
	var out []Candidate
	for _, segment := range itemSplitRe.Split(masked, -1) {
		cleaned := stripModifiers(segment)
		amounts := amountsIn(cleaned)
		if len(amounts) == 0 {
			continue
		}
		c := shared
		amount := amounts[0]
		c.Amount = &amount
		words := contentWords(cleaned)
		if len(words) > 0 {
			c.Category = words[0]
			if len(words) > 1 {
				c.Description = strings.Join(words, " ")
			}
		} else {
			c.Confidence = 0.6
		}
		out = append(out, c)
	}
	return out
}

// stripModifiers removes the phrases whose digits are not amounts.
func stripModifiers(s string) string {
	s = isoDateRe.ReplaceAllString(s, " ")
	s = daysAgoRe.ReplaceAllString(s, " ")
	s = ratioRe.ReplaceAllString(s, " ")
	s = percentRe.ReplaceAllString(s, " ")
	s = cueRe.ReplaceAllString(s, " ")
	return s
}

func amountsIn(s string) []decimal.Decimal {
	var out []decimal.Decimal
	for _, m := range amountRe.FindAllString(s, -1) {
		d, err := decimal.NewFromString(strings.ReplaceAll(m, ",", ""))
		if err != nil || !d.IsPositive() {
			continue
		}
		out = append(out, d)
	}
	return out
}

func contentWords(s string) []string {
	s = currencyRe.ReplaceAllString(s, " ")
	s = userPayerRe.ReplaceAllString(s, " ")
	s = partnerPayerRe.ReplaceAllString(s, " ")
	s = splitWordRe.ReplaceAllString(s, " ")
	var words []string
	for _, w := range strings.Fields(s) {
		w = strings.Trim(w, ".!?:\"'()")
		if w == "" || stopWords[w] || amountRe.MatchString(w) {
			continue
		}
		words = append(words, w)
	}
	return words
}

// payerOf reads who paid. Bare pronouns only count when the whole text is an
// answer to a payer question.
func payerOf(lower string, answer bool) Payer {
	switch {
	case partnerPayerRe.MatchString(lower):
		return PayerPartner
	case userPayerRe.MatchString(lower):
		return PayerUser
	}
	if !answer {
		return ""
	}
	switch strings.Trim(lower, ".! ") {
	case "me", "i", "mine", "myself", "me paid", "i paid it", "it was me", "yes me":
		return PayerUser
	case "partner", "my partner", "they", "them", "she", "he", "her", "him", "you", "they did", "she did", "he did", "it was them":
		return PayerPartner
	}
	return ""
}

func splitCueOf(lower string) string {
	if m := ratioRe.FindString(lower); m != "" && !isoDateRe.MatchString(lower) {
		return m
	}
	if m := percentRe.FindString(lower); m != "" {
		return m
	}
	if m := cueRe.FindString(lower); m != "" {
		return m
	}
	if splitWordRe.MatchString(lower) {
		return "split"
	}
	return ""
}

func currencyOf(lower string) string {
	m := currencyRe.FindString(lower)
	if m == "" {
		return ""
	}
	return currencyCodes[m]
}

func dateOf(lower string, today time.Time) *time.Time {
	var d time.Time
	switch {
	case isoDateRe.MatchString(lower):
		parsed, err := time.Parse("2006-01-02", isoDateRe.FindString(lower))
		if err != nil {
			return nil
		}
		d = parsed
	case strings.Contains(lower, "day before yesterday"):
		d = today.AddDate(0, 0, -2)
	case strings.Contains(lower, "yesterday"):
		d = today.AddDate(0, 0, -1)
	case daysAgoRe.MatchString(lower):
		m := daysAgoRe.FindStringSubmatch(lower)
		n, err := strconv.Atoi(m[1])
		if err != nil {
			n = smallNumbers[m[1]]
		}
		if strings.HasPrefix(m[2], "week") {
			n *= 7
		}
		d = today.AddDate(0, 0, -n)
	case strings.Contains(lower, "last week"):
		d = today.AddDate(0, 0, -7)
	case strings.Contains(lower, "today"):
		d = today
	default:
		return nil
	}
	return &d
}

func periodOf(lower string, today time.Time) (*time.Time, *time.Time) {
	var from, to time.Time
	switch {
	case strings.Contains(lower, "last month"):
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		from = first.AddDate(0, -1, 0)
		to = first.AddDate(0, 0, -1)
	case strings.Contains(lower, "this month"):
		from = time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		to = today
	case strings.Contains(lower, "this week"):
		from = today.AddDate(0, 0, -6)
		to = today
	case strings.Contains(lower, "yesterday"):
		from = today.AddDate(0, 0, -1)
		to = from
	case strings.Contains(lower, "today"):
		from, to = today, today
	default:
		return nil, nil
	}
	return &from, &to
}
