package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/billbatista/acasinha-ledger/orchestrator"
	"github.com/billbatista/acasinha-ledger/session"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// logNotifier is used when no bus is configured; the member sees the expiry
// notice with their next message instead.
type logNotifier struct {
	logger *zap.Logger
}

func (n logNotifier) Notify(ctx context.Context, key session.Key, r orchestrator.Reply) {
	n.logger.Info("unsolicited reply",
		zap.Stringer("key", key),
		zap.String("kind", string(r.Kind)),
	)
}

// natsNotifier publishes unsolicited replies on
// <prefix>.replies.<partnership>.<member> for chat bridges to deliver.
type natsNotifier struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

func newNatsNotifier(nc *nats.Conn, prefix string, logger *zap.Logger) *natsNotifier {
	return &natsNotifier{nc: nc, prefix: prefix, logger: logger}
}

func (n *natsNotifier) Subject(key session.Key) string {
	return fmt.Sprintf("%s.replies.%s.%s", n.prefix, key.PartnershipID, key.Identity)
}

func (n *natsNotifier) Notify(ctx context.Context, key session.Key, r orchestrator.Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		n.logger.Error("failed to marshal reply", zap.Error(err))
		return
	}
	if err := n.nc.Publish(n.Subject(key), data); err != nil {
		n.logger.Error("failed to publish reply", zap.Stringer("key", key), zap.Error(err))
	}
}
