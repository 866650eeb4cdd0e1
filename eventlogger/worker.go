package eventlogger

import (
	"context"
	"sync"
	"time"

	"github.com/billbatista/acasinha-ledger/metrics"
	"go.uber.org/zap"
)

const defaultSaveTimeout = 5 * time.Second

// Worker persists events off the request path. Conversation turns and HTTP
// handlers call Log and never wait on a sink.
type Worker struct {
	eventCh     chan Event
	saver       Saver
	logger      *zap.Logger
	metrics     *metrics.Metrics
	saveTimeout time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

type WorkerOption func(*Worker)

func WithWorkerMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithSaveTimeout bounds each call to the saver.
func WithSaveTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.saveTimeout = d
		}
	}
}

func NewWorker(saver Saver, bufferSize int, logger *zap.Logger, opts ...WorkerOption) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		eventCh:     make(chan Event, bufferSize),
		saver:       saver,
		logger:      logger,
		saveTimeout: defaultSaveTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Start() {
	w.wg.Go(func() {
		for {
			select {
			case <-w.ctx.Done():
				w.logger.Info("draining events before shutdown", zap.Int("remaining_events", len(w.eventCh)))
				for len(w.eventCh) > 0 {
					w.save(context.Background(), <-w.eventCh)
				}
				return
			case event := <-w.eventCh:
				w.save(w.ctx, event)
			}
		}
	})
}

func (w *Worker) save(parent context.Context, event Event) {
	ctx, cancel := context.WithTimeout(parent, w.saveTimeout)
	defer cancel()
	if err := w.saver.Save(ctx, event); err != nil {
		w.logger.Error("failed to save event",
			zap.Error(err),
			zap.String("event_type", event.Type),
			zap.Stringer("event_id", event.ID),
		)
		w.metrics.Event("failed")
		return
	}
	w.metrics.Event("saved")
}

// Log queues an event without blocking. Events are dropped when the buffer
// is full.
func (w *Worker) Log(event Event) {
	select {
	case w.eventCh <- event:
	default:
		w.logger.Warn("event channel full, dropping event", zap.String("event_type", event.Type))
		w.metrics.Event("dropped")
	}
}

// Pending reports how many events are queued and not yet saved.
func (w *Worker) Pending() int {
	return len(w.eventCh)
}

// Shutdown stops the worker after saving whatever is still queued. It is safe
// to call more than once.
func (w *Worker) Shutdown() {
	w.cancel()
	w.wg.Wait()
}
