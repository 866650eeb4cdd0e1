package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRateLimit   = 2.0
	defaultBurst       = 4
	defaultTemperature = 0.1
	defaultMaxTokens   = 1024
)

// LLMExtractor asks a language model to return the candidate set as JSON.
type LLMExtractor struct {
	provider    string
	modelName   string
	model       llms.Model
	limiter     *rate.Limiter
	callTimeout time.Duration
	logger      *zap.Logger
}

type LLMOption func(*LLMExtractor)

func WithRateLimit(perSecond float64, burst int) LLMOption {
	return func(e *LLMExtractor) {
		if perSecond > 0 && burst > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithModelName records the model name reported in Usage.
func WithModelName(name string) LLMOption {
	return func(e *LLMExtractor) {
		e.modelName = name
	}
}

// WithCallTimeout bounds each model call, independent of the caller's
// deadline, so a hung provider leaves time for the next extractor.
func WithCallTimeout(d time.Duration) LLMOption {
	return func(e *LLMExtractor) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

func NewLLMExtractor(provider string, model llms.Model, logger *zap.Logger, opts ...LLMOption) *LLMExtractor {
	e := &LLMExtractor{
		provider: provider,
		model:    model,
		limiter:  rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewOllama builds a model client for a local Ollama server.
func NewOllama(serverURL, model string, timeout time.Duration) (llms.Model, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(serverURL),
		ollama.WithModel(model),
		ollama.WithFormat("json"),
		ollama.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating ollama client: %w", err)
	}
	return llm, nil
}

// NewOpenAI builds a model client for an OpenAI compatible API.
func NewOpenAI(baseURL, model, token string) (llms.Model, error) {
	opts := []openai.Option{openai.WithToken(token), openai.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return llm, nil
}

func (e *LLMExtractor) Extract(ctx context.Context, text string, ec Context) (Result, error) {
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: rate limiter: %w", ErrUnavailable, err)
	}

	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, buildPrompt(text, ec))}
	resp, err := e.model.GenerateContent(ctx, messages,
		llms.WithTemperature(defaultTemperature),
		llms.WithMaxTokens(defaultMaxTokens),
		llms.WithJSONMode(),
	)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, e.provider, err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: %s: empty response", ErrUnavailable, e.provider)
	}

	choice := resp.Choices[0]
	usage := Usage{
		Extractor:        ExtractorLLM,
		Provider:         e.provider,
		Model:            e.modelName,
		PromptTokens:     infoInt(choice.GenerationInfo, "PromptTokens"),
		CompletionTokens: infoInt(choice.GenerationInfo, "CompletionTokens"),
	}

	result, err := decodeReply(choice.Content, ec)
	if err != nil {
		e.logger.Warn("model reply could not be decoded",
			zap.String("provider", e.provider),
			zap.Error(err),
		)
		return Result{Intent: IntentUnknown, Usage: usage}, nil
	}
	result.Usage = usage
	return result, nil
}

// infoInt reads a token count from GenerationInfo. Providers report them
// with different integer types.
func infoInt(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

const promptTemplate = `You turn messages from one of two partners who share expenses into JSON.
Only extract what the message states. Leave a field null when it is not stated. Never guess the payer.

The current date is %s. The partnership currency is %s.
Known categories: %s.

Return one JSON object with these keys:
  "intent": one of "expense", "settlement", "correction", "query", "greeting", "unknown".
  "expenses": list of objects with "amount", "currency", "category", "description",
     "payer" ("user" when the sender paid, "partner" when the other person paid, null otherwise),
     "split_payer_pct", "split_other_pct", "split_cue" (the split words used, e.g. "half", "70/30"),
     "event_date" (YYYY-MM-DD), "tags", "full_amount" (true for "settle in full"), "confidence" (0..1).
     Settlements use the same object with no category.
  "query": for questions, an object with "kind" ("balance", "entries", "category_totals", "recent"),
     "category", "from", "to", "limit".
  "correction": when the sender fixes a recorded entry, an object with "entry_id", "category"
     (the category of the entry being fixed) and "changes" (an expense object with only the new values).
  "reply": a short friendly sentence for greetings.
A message can hold several expenses. Return every one of them.
%s
Message: %s`

func buildPrompt(text string, ec Context) string {
	today := ec.Today
	if today.IsZero() {
		today = time.Now()
	}
	currency := ec.Currency
	if currency == "" {
		currency = "ILS"
	}

	var pending strings.Builder
	if len(ec.Prior) > 0 {
		prior, _ := json.Marshal(ec.Prior)
		fmt.Fprintf(&pending, "\nThe conversation so far produced this %s data: %s\n", ec.Intent, prior)
		for _, ex := range ec.History {
			fmt.Fprintf(&pending, "Asked: %s Answered: %s\n", ex.Question, ex.Answer)
		}
		if ec.PendingField != "" {
			fmt.Fprintf(&pending, "The message answers the question about %q. Return the full updated expenses list in the same order.\n", ec.PendingField)
		}
	}

	return fmt.Sprintf(promptTemplate,
		today.Format("2006-01-02"),
		currency,
		strings.Join(ec.Categories, ", "),
		pending.String(),
		text,
	)
}

type llmCandidate struct {
	Amount        *decimal.Decimal `json:"amount"`
	Currency      *string          `json:"currency"`
	Category      *string          `json:"category"`
	Description   *string          `json:"description"`
	Payer         *string          `json:"payer"`
	SplitPayerPct *decimal.Decimal `json:"split_payer_pct"`
	SplitOtherPct *decimal.Decimal `json:"split_other_pct"`
	SplitCue      *string          `json:"split_cue"`
	EventDate     *string          `json:"event_date"`
	Tags          []string         `json:"tags"`
	FullAmount    bool             `json:"full_amount"`
	Confidence    *float64         `json:"confidence"`
}

type llmReply struct {
	Intent   string         `json:"intent"`
	Expenses []llmCandidate `json:"expenses"`
	Query    *struct {
		Kind     string  `json:"kind"`
		Category *string `json:"category"`
		From     *string `json:"from"`
		To       *string `json:"to"`
		Limit    int     `json:"limit"`
	} `json:"query"`
	Correction *struct {
		EntryID  *string       `json:"entry_id"`
		Category *string       `json:"category"`
		Changes  *llmCandidate `json:"changes"`
	} `json:"correction"`
	Reply string `json:"reply"`
}

var errEmptyReply = errors.New("empty model reply")

func decodeReply(completion string, ec Context) (Result, error) {
	completion = strings.TrimSpace(completion)
	if i := strings.Index(completion, "{"); i > 0 {
		completion = completion[i:]
	}
	if j := strings.LastIndex(completion, "}"); j >= 0 && j < len(completion)-1 {
		completion = completion[:j+1]
	}
	if completion == "" {
		return Result{}, errEmptyReply
	}

	var reply llmReply
	if err := json.Unmarshal([]byte(completion), &reply); err != nil {
		return Result{}, fmt.Errorf("decoding model reply: %w", err)
	}

	result := Result{Intent: Intent(strings.ToLower(reply.Intent)), Reply: reply.Reply}
	switch result.Intent {
	case IntentExpense, IntentSettlement, IntentCorrection, IntentQuery, IntentGreeting:
	default:
		result.Intent = IntentUnknown
	}
	if ec.PendingField != "" && ec.Intent != "" {
		result.Intent = ec.Intent
	}

	kind := ledger.KindExpense
	if result.Intent == IntentSettlement {
		kind = ledger.KindSettlement
	}
	for _, raw := range reply.Expenses {
		c := raw.candidate()
		if c.Kind == "" && result.Intent != IntentCorrection {
			c.Kind = kind
		}
		result.Candidates = append(result.Candidates, c)
	}

	if q := reply.Query; q != nil && result.Intent == IntentQuery {
		qs := &QuerySpec{Kind: QueryKind(q.Kind), Limit: q.Limit, From: parseDate(q.From), To: parseDate(q.To)}
		if q.Category != nil {
			qs.Category = strings.ToLower(*q.Category)
		}
		switch qs.Kind {
		case QueryBalance, QueryEntries, QueryCategoryTotals, QueryRecent:
		default:
			qs.Kind = QueryBalance
		}
		result.Query = qs
	}

	if c := reply.Correction; c != nil && result.Intent == IntentCorrection {
		cs := &CorrectionSpec{}
		if c.EntryID != nil {
			if id, err := uuid.Parse(*c.EntryID); err == nil {
				cs.EntryID = &id
			}
		}
		if c.Category != nil {
			cs.Category = strings.ToLower(*c.Category)
		}
		if c.Changes != nil {
			cs.Changes = c.Changes.candidate()
		}
		result.Correction = cs
	}
	return result, nil
}

func (raw llmCandidate) candidate() Candidate {
	c := Candidate{
		Amount:        raw.Amount,
		SplitPayerPct: raw.SplitPayerPct,
		SplitOtherPct: raw.SplitOtherPct,
		EventDate:     parseDate(raw.EventDate),
		Tags:          raw.Tags,
		FullAmount:    raw.FullAmount,
		Confidence:    1,
	}
	if raw.Confidence != nil {
		c.Confidence = *raw.Confidence
	}
	if raw.Currency != nil {
		c.Currency = strings.ToUpper(strings.TrimSpace(*raw.Currency))
	}
	if raw.Category != nil {
		c.Category = strings.ToLower(strings.TrimSpace(*raw.Category))
	}
	if raw.Description != nil {
		c.Description = strings.TrimSpace(*raw.Description)
	}
	if raw.SplitCue != nil {
		c.SplitCue = strings.TrimSpace(*raw.SplitCue)
	}
	if raw.Payer != nil {
		switch Payer(strings.ToLower(*raw.Payer)) {
		case PayerUser:
			c.Payer = PayerUser
		case PayerPartner:
			c.Payer = PayerPartner
		}
	}
	return c
}

func parseDate(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", *s)
	if err != nil {
		return nil
	}
	return &t
}

// FallbackExtractor tries each extractor in order and returns the first
// answer. Any error moves on to the next one. When the caller's context has a
// deadline, every link but the last gets an equal share of the time left so a
// hung link can't starve the rest of the chain.
type FallbackExtractor struct {
	chain  []Extractor
	logger *zap.Logger
}

func NewFallbackExtractor(logger *zap.Logger, chain ...Extractor) *FallbackExtractor {
	return &FallbackExtractor{chain: chain, logger: logger}
}

func (f *FallbackExtractor) Extract(ctx context.Context, text string, ec Context) (Result, error) {
	var lastErr error
	for i, ex := range f.chain {
		if ctx.Err() != nil {
			break
		}
		result, err := f.try(ctx, ex, len(f.chain)-i, text, ec)
		if err == nil {
			result.Usage.Fallbacks = i
			return result, nil
		}
		lastErr = err
		f.logger.Warn("extractor failed, trying next",
			zap.Int("position", i),
			zap.Error(err),
		)
	}
	if err := ctx.Err(); err != nil {
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no extractor configured")
	}
	if !errors.Is(lastErr, ErrUnavailable) {
		lastErr = fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
	}
	return Result{}, lastErr
}

// try runs one link. left counts this link and the ones after it.
func (f *FallbackExtractor) try(ctx context.Context, ex Extractor, left int, text string, ec Context) (Result, error) {
	deadline, ok := ctx.Deadline()
	if !ok || left == 1 {
		return ex.Extract(ctx, text, ec)
	}
	share := time.Until(deadline) / time.Duration(left)
	linkCtx, cancel := context.WithTimeout(ctx, share)
	defer cancel()
	return ex.Extract(linkCtx, text, ec)
}
