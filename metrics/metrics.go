package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the conversation and ledger collectors. All names are
// prefixed with "acasinha_".
//
//   - acasinha_messages_total{outcome}
//   - acasinha_state_transitions_total{from,to}
//   - acasinha_extraction_calls_total{result}
//   - acasinha_extraction_duration_seconds
//   - acasinha_ledger_writes_total{op,result}
//   - acasinha_sessions_aborted_total{reason}
//   - acasinha_sessions_expired_total
//   - acasinha_events_total{result}
type Metrics struct {
	MessagesTotal      *prometheus.CounterVec
	TransitionsTotal   *prometheus.CounterVec
	ExtractionTotal    *prometheus.CounterVec
	ExtractionDuration prometheus.Histogram
	LedgerWritesTotal  *prometheus.CounterVec
	AbortsTotal        *prometheus.CounterVec
	ExpiredTotal       prometheus.Counter
	EventsTotal        *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer to
// expose them on the default /metrics handler, or a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acasinha_messages_total",
				Help: "Inbound messages by how they were handled",
			},
			[]string{"outcome"},
		),
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acasinha_state_transitions_total",
				Help: "Conversation state transitions",
			},
			[]string{"from", "to"},
		),
		ExtractionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acasinha_extraction_calls_total",
				Help: "Calls to the extraction capability by result",
			},
			[]string{"result"},
		),
		ExtractionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "acasinha_extraction_duration_seconds",
				Help:    "Duration of extraction calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		LedgerWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acasinha_ledger_writes_total",
				Help: "Ledger append and supersede calls by result",
			},
			[]string{"op", "result"},
		),
		AbortsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acasinha_sessions_aborted_total",
				Help: "Sessions discarded without a write, by reason",
			},
			[]string{"reason"},
		),
		ExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "acasinha_sessions_expired_total",
				Help: "Sessions evicted after their expiry elapsed",
			},
		),
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acasinha_events_total",
				Help: "Domain events by delivery result (saved, failed, dropped)",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) Message(outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Extraction(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.ExtractionTotal.WithLabelValues(result).Inc()
	m.ExtractionDuration.Observe(took.Seconds())
}

func (m *Metrics) LedgerWrite(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LedgerWritesTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Abort(reason string) {
	if m == nil {
		return
	}
	m.AbortsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) Expired() {
	if m == nil {
		return
	}
	m.ExpiredTotal.Inc()
}

func (m *Metrics) Event(result string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(result).Inc()
}
