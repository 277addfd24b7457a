package ledger

import (
	"context"
	"fmt"
)

// PaymentEvent is a payment assertion observed at the on-chain boundary: a
// transaction hash plus the credit amount it purchased. The adapter does not
// verify chain finality; that happened upstream of whoever emitted the event.
type PaymentEvent struct {
	UserID    UserID
	Reference Reference
	Credits   Credits
}

// NewPaymentEvent validates the raw fields of an incoming confirmation.
func NewPaymentEvent(rawUserID string, rawTxHash string, rawCredits int64) (PaymentEvent, error) {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return PaymentEvent{}, err
	}
	reference, err := NewReference(rawTxHash)
	if err != nil {
		return PaymentEvent{}, err
	}
	credits, err := NewCredits(rawCredits)
	if err != nil {
		return PaymentEvent{}, err
	}
	return PaymentEvent{UserID: userID, Reference: reference, Credits: credits}, nil
}

// PaymentConfirmations translates external payment events into top-up
// credits. Replayed confirmations (webhook retries, redelivered bus messages)
// succeed without re-crediting; a transaction hash already claimed for a
// different user or amount fails with ErrReferenceConflict and is surfaced to
// an operator, never auto-resolved.
type PaymentConfirmations struct {
	service *Service
}

// NewPaymentConfirmations wires the adapter over the balance service.
func NewPaymentConfirmations(service *Service) (*PaymentConfirmations, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	return &PaymentConfirmations{service: service}, nil
}

// Confirm applies the confirmed payment as a top-up credit.
func (confirmations *PaymentConfirmations) Confirm(ctx context.Context, event PaymentEvent) error {
	metadata, err := NewMetadataJSON(fmt.Sprintf(`{"source":"payment_confirmation","tx_hash":%q}`, event.Reference.String()))
	if err != nil {
		return err
	}
	return confirmations.service.Credit(ctx, event.UserID, event.Credits, event.Reference, KindCreditTopUp, metadata)
}
