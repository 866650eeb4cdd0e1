package eventlogger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the conversation and ledger layers.
const (
	TypeLedgerAppended   = "ledger.appended"
	TypeLedgerSuperseded = "ledger.superseded"
	TypeSessionCancelled = "session.cancelled"
	TypeSessionExpired   = "session.expired"
	TypeSessionAborted   = "session.aborted"
	TypeExtractionCalled = "extraction.called"

	TypeConversationFailed = "conversation.failed"
)

var ErrUnsupported = errors.New("operation not supported by this event logger")

type Event struct {
	ID        uuid.UUID         `json:"id,omitempty"`
	Type      string            `json:"event_type,omitempty"`
	Data      any               `json:"event_data,omitempty"`
	Metadata  map[string]string `json:"event_metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type EventOption func(*Event)

func WithType(eventType string) EventOption {
	return func(e *Event) {
		e.Type = eventType
	}
}

func WithData(data any) EventOption {
	return func(e *Event) {
		e.Data = data
	}
}

// WithMetadata merges metadata into the event.
func WithMetadata(metadata map[string]string) EventOption {
	return func(e *Event) {
		for k, v := range metadata {
			e.Metadata[k] = v
		}
	}
}

// WithPartnership tags the event with the partnership and member it concerns.
func WithPartnership(partnershipID, memberID uuid.UUID) EventOption {
	return func(e *Event) {
		e.Metadata["partnership_id"] = partnershipID.String()
		if memberID != uuid.Nil {
			e.Metadata["member_id"] = memberID.String()
		}
	}
}

func NewEvent(opts ...EventOption) Event {
	e := Event{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		Metadata:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Saver persists or forwards a single event.
type Saver interface {
	Save(ctx context.Context, e Event) error
}

type EventLogger interface {
	Saver
	GetByType(ctx context.Context, eventType string, limit int) ([]Event, error)
}

// Fanout saves every event to each saver and joins their errors.
type Fanout []Saver

func (f Fanout) Save(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Save(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
