// Package confirmbus consumes payment confirmations from NATS and feeds them
// into the ledger. A queue group spreads redeliveries across daemon replicas;
// the ledger's reference idempotency makes redelivery harmless.
package confirmbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/socialflowhq/creditledger/pkg/ledger"
)

const (
	SubjectPaymentsConfirmed = "payments.confirmed"
	queueGroup               = "creditd"
)

// confirmedMessage is the wire shape published by the payment watcher.
type confirmedMessage struct {
	UserID  string `json:"user_id"`
	TxHash  string `json:"tx_hash"`
	Credits int64  `json:"credits"`
}

// Handler subscribes to payment confirmations and applies them as top-ups.
type Handler struct {
	confirmations *ledger.PaymentConfirmations
	conn          *nats.Conn
	logger        *zap.Logger
	subscription  *nats.Subscription
}

// NewHandler wires the subscriber.
func NewHandler(confirmations *ledger.PaymentConfirmations, conn *nats.Conn, logger *zap.Logger) (*Handler, error) {
	if confirmations == nil {
		return nil, errors.New("confirmbus: confirmations dependency is nil")
	}
	if conn == nil {
		return nil, errors.New("confirmbus: nats connection is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{confirmations: confirmations, conn: conn, logger: logger}, nil
}

// Run subscribes and blocks until ctx is cancelled, then drains the
// subscription so in-flight messages finish.
func (handler *Handler) Run(ctx context.Context) error {
	subscription, err := handler.conn.QueueSubscribe(SubjectPaymentsConfirmed, queueGroup, func(message *nats.Msg) {
		handler.handle(ctx, message)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectPaymentsConfirmed, err)
	}
	handler.subscription = subscription
	handler.logger.Info("payment confirmation subscriber running",
		zap.String("subject", SubjectPaymentsConfirmed),
		zap.String("queue", queueGroup))

	<-ctx.Done()
	handler.logger.Info("payment confirmation subscriber draining")
	return subscription.Drain()
}

func (handler *Handler) handle(ctx context.Context, message *nats.Msg) {
	var payload confirmedMessage
	if err := json.Unmarshal(message.Data, &payload); err != nil {
		handler.logger.Error("malformed payment confirmation", zap.Error(err))
		return
	}
	event, err := ledger.NewPaymentEvent(payload.UserID, payload.TxHash, payload.Credits)
	if err != nil {
		handler.logger.Error("invalid payment confirmation",
			zap.Error(err),
			zap.String("user_id", payload.UserID),
			zap.String("tx_hash", payload.TxHash))
		return
	}
	if err := handler.confirmations.Confirm(ctx, event); err != nil {
		if errors.Is(err, ledger.ErrReferenceConflict) {
			// Operator intervention required; never auto-resolve a
			// transaction hash claimed by two different purchases.
			handler.logger.Error("payment confirmation conflict",
				zap.String("user_id", payload.UserID),
				zap.String("tx_hash", payload.TxHash))
			return
		}
		handler.logger.Error("payment confirmation failed",
			zap.Error(err),
			zap.String("user_id", payload.UserID),
			zap.String("tx_hash", payload.TxHash))
	}
}
