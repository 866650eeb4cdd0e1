package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/billbatista/acasinha-ledger/category"
	"github.com/billbatista/acasinha-ledger/eventlogger"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/billbatista/acasinha-ledger/middleware"
	"github.com/billbatista/acasinha-ledger/orchestrator"
	"github.com/billbatista/acasinha-ledger/user"
	"github.com/shopspring/decimal"
)

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}

	registered, err := s.users.Register(r.Context(), req.Email, req.Name, req.Password)
	switch {
	case errors.Is(err, user.ErrEmailExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, user.ErrBlankPassword), errors.Is(err, user.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.internalError(w, "failed to register user", err)
		return
	}

	s.logEvent(eventlogger.NewEvent(
		eventlogger.WithType("user.registered"),
		eventlogger.WithData(map[string]string{
			"user_id": registered.ID.String(),
			"email":   registered.Email,
		}),
	))
	writeJSON(w, http.StatusCreated, registered)
}

type partnershipRequest struct {
	PartnerEmail    string           `json:"partner_email"`
	Currency        string           `json:"currency"`
	DefaultSplitPct *decimal.Decimal `json:"default_split_pct"`
}

func (s *Server) createPartnership(w http.ResponseWriter, r *http.Request) {
	var req partnershipRequest
	if !decode(w, r, &req) {
		return
	}
	userID, _ := middleware.GetUserID(r.Context())

	partner, err := s.users.GetByEmail(r.Context(), req.PartnerEmail)
	if err != nil {
		s.internalError(w, "failed to fetch partner", err)
		return
	}
	if partner == nil {
		writeError(w, http.StatusNotFound, "partner must register first")
		return
	}

	split := decimal.NewFromInt(50)
	if req.DefaultSplitPct != nil {
		split = *req.DefaultSplitPct
	}
	p, err := ledger.NewPartnership(userID, partner.ID, req.Currency, split)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ledger.CreatePartnership(r.Context(), p); err != nil {
		if errors.Is(err, ledger.ErrConstraintViolation) {
			writeError(w, http.StatusConflict, "one of you already belongs to a partnership")
			return
		}
		s.internalError(w, "failed to create partnership", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type currencyRequest struct {
	Currency string `json:"currency"`
}

func (s *Server) updateCurrency(w http.ResponseWriter, r *http.Request) {
	var req currencyRequest
	if !decode(w, r, &req) {
		return
	}
	_, p, ok := s.partnership(w, r)
	if !ok {
		return
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := s.ledger.UpdateCurrency(r.Context(), p.ID, currency); err != nil {
		if errors.Is(err, ledger.ErrConstraintViolation) {
			writeError(w, http.StatusBadRequest, "currency must be a three letter code")
			return
		}
		s.internalError(w, "failed to update currency", err)
		return
	}
	p.DefaultCurrency = currency
	writeJSON(w, http.StatusOK, p)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) message(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	userID, p, ok := s.partnership(w, r)
	if !ok {
		return
	}

	reply, err := s.conversation.HandleMessage(r.Context(), orchestrator.Message{
		PartnershipID: p.ID,
		Sender:        userID,
		Text:          req.Text,
		ReceivedAt:    s.now(),
	})
	s.writeReply(w, reply, err)
}

type choiceRequest struct {
	Choice orchestrator.Choice `json:"choice"`
}

func (s *Server) choice(w http.ResponseWriter, r *http.Request) {
	var req choiceRequest
	if !decode(w, r, &req) {
		return
	}
	userID, p, ok := s.partnership(w, r)
	if !ok {
		return
	}

	reply, err := s.conversation.HandleChoice(r.Context(), p.ID, userID, req.Choice)
	s.writeReply(w, reply, err)
}

func (s *Server) writeReply(w http.ResponseWriter, reply orchestrator.Reply, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage), errors.Is(err, orchestrator.ErrInvalidChoice):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrNotMember):
		writeError(w, http.StatusForbidden, err.Error())
	case err != nil:
		s.internalError(w, "failed to handle message", err)
	default:
		writeJSON(w, http.StatusOK, reply)
	}
}

type balanceResponse struct {
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	// Own is the balance from the caller's side: positive means the partner
	// owes the caller.
	Own decimal.Decimal `json:"own"`
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	userID, p, ok := s.partnership(w, r)
	if !ok {
		return
	}
	balance, err := s.ledger.DeriveBalance(r.Context(), p.ID)
	if err != nil {
		s.internalError(w, "failed to derive balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Currency: p.DefaultCurrency,
		Balance:  balance,
		Own:      p.BalanceFor(userID, balance),
	})
}

func (s *Server) entries(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	_, p, ok := s.partnership(w, r)
	if !ok {
		return
	}
	entries, err := s.ledger.Query(r.Context(), p.ID, f)
	if err != nil {
		s.internalError(w, "failed to query entries", err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) totals(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	_, p, ok := s.partnership(w, r)
	if !ok {
		return
	}
	totals, err := s.ledger.CategoryTotals(r.Context(), p.ID, f)
	if err != nil {
		s.internalError(w, "failed to total entries", err)
		return
	}
	if totals == nil {
		totals = []ledger.CategoryTotal{}
	}
	writeJSON(w, http.StatusOK, totals)
}

// parseFilter reads category, kind, from, to, audit and limit.
func parseFilter(w http.ResponseWriter, r *http.Request) (ledger.Filter, bool) {
	q := r.URL.Query()
	f := ledger.Filter{
		Category: strings.TrimSpace(q.Get("category")),
		Kind:     ledger.Kind(q.Get("kind")),
	}
	if f.Kind != "" && !f.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "kind must be expense, settlement or correction")
		return f, false
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, name+" must be a YYYY-MM-DD date")
			return f, false
		}
		*dst = &d
	}
	if v := q.Get("audit"); v != "" {
		audit, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "audit must be true or false")
			return f, false
		}
		f.IncludeSuperseded = audit
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive number")
			return f, false
		}
		f.Limit = limit
	}
	return f, true
}

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	names, err := s.categories.List(r.Context())
	if err != nil {
		s.internalError(w, "failed to list categories", err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

type categoryRequest struct {
	Name string `json:"name"`
}

func (s *Server) createCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if !decode(w, r, &req) {
		return
	}
	name, err := s.categories.Create(r.Context(), req.Name)
	switch {
	case errors.Is(err, category.ErrEmptyName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, category.ErrExists):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.internalError(w, "failed to create category", err)
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"name": name})
	}
}
