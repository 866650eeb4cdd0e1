package eventlogger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "acasinha.events"

// natsEventLogger publishes each event on <prefix>.<event type>, for example
// acasinha.events.ledger.appended.
type natsEventLogger struct {
	nc     *nats.Conn
	prefix string
}

func NewNatsEventLogger(nc *nats.Conn, prefix string) *natsEventLogger {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &natsEventLogger{nc: nc, prefix: prefix}
}

func (el *natsEventLogger) Subject(eventType string) string {
	return el.prefix + "." + eventType
}

func (el *natsEventLogger) Save(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := el.nc.Publish(el.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}
