// Package httpapi exposes the conversation and the ledger read side as a
// JSON API behind HTTP basic auth.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/billbatista/acasinha-ledger/eventlogger"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/billbatista/acasinha-ledger/middleware"
	"github.com/billbatista/acasinha-ledger/orchestrator"
	"github.com/billbatista/acasinha-ledger/user"
	chimiddleware "github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Ledger interface {
	CreatePartnership(ctx context.Context, p ledger.Partnership) error
	PartnershipFor(ctx context.Context, member uuid.UUID) (*ledger.Partnership, error)
	UpdateCurrency(ctx context.Context, id uuid.UUID, currency string) error
	DeriveBalance(ctx context.Context, partnershipID uuid.UUID) (decimal.Decimal, error)
	Query(ctx context.Context, partnershipID uuid.UUID, f ledger.Filter) ([]ledger.Entry, error)
	CategoryTotals(ctx context.Context, partnershipID uuid.UUID, f ledger.Filter) ([]ledger.CategoryTotal, error)
}

type Conversation interface {
	HandleMessage(ctx context.Context, msg orchestrator.Message) (orchestrator.Reply, error)
	HandleChoice(ctx context.Context, partnershipID, identity uuid.UUID, choice orchestrator.Choice) (orchestrator.Reply, error)
}

type Categories interface {
	List(ctx context.Context) ([]string, error)
	Create(ctx context.Context, name string) (string, error)
}

type EventLog interface {
	Log(e eventlogger.Event)
}

type Server struct {
	users        user.Repository
	ledger       Ledger
	conversation Conversation
	categories   Categories
	events       EventLog
	metrics      http.Handler
	logger       *zap.Logger
	now          func() time.Time
}

type Option func(*Server)

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

func WithEvents(events EventLog) Option {
	return func(s *Server) {
		s.events = events
	}
}

func New(users user.Repository, l Ledger, conversation Conversation, categories Categories, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		users:        users,
		ledger:       l,
		conversation: conversation,
		categories:   categories,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.BasicAuth(s.users, s.logger))

	router.Get("/health", s.health)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics)
	}
	router.Post("/users", s.register)

	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth)

		r.Post("/partnerships", s.createPartnership)
		r.Patch("/partnerships/currency", s.updateCurrency)
		r.Post("/messages", s.message)
		r.Post("/messages/choice", s.choice)
		r.Get("/balance", s.balance)
		r.Get("/entries", s.entries)
		r.Get("/entries/totals", s.totals)
		r.Get("/categories", s.listCategories)
		r.Post("/categories", s.createCategory)
	})
	return router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.logEvent(eventlogger.NewEvent(
		eventlogger.WithType("health_request"),
		eventlogger.WithData(map[string]string{
			"message":     "ok",
			"http_status": strconv.Itoa(http.StatusOK),
		}),
	))
	w.Write([]byte("ok"))
}

func (s *Server) logEvent(e eventlogger.Event) {
	if s.events != nil {
		s.events.Log(e)
	}
}

// partnership loads the caller's partnership, writing the error response
// itself when there is none.
func (s *Server) partnership(w http.ResponseWriter, r *http.Request) (uuid.UUID, *ledger.Partnership, bool) {
	userID, _ := middleware.GetUserID(r.Context())
	p, err := s.ledger.PartnershipFor(r.Context(), userID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "you are not part of a partnership yet")
		return userID, nil, false
	}
	if err != nil {
		s.internalError(w, "failed to load partnership", err)
		return userID, nil, false
	}
	return userID, p, true
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
