package ledger

import (
	"context"
	"fmt"
)

// AttemptState tracks a gated action through its lifecycle:
// Requested -> Authorized -> {Settled | Voided}.
type AttemptState string

const (
	AttemptRequested  AttemptState = "requested"
	AttemptAuthorized AttemptState = "authorized"
	AttemptSettled    AttemptState = "settled"
	AttemptVoided     AttemptState = "voided"
)

// Gate is the authorization check performed before expensive external work.
// Authorize debits the cost up front; the caller settles on success or voids
// on failure, returning the credits.
type Gate struct {
	service *Service
}

// NewGate wires a Gate over the balance service.
func NewGate(service *Service) (*Gate, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	return &Gate{service: service}, nil
}

// Authorize asks "may this user spend cost credits for the action identified
// by actionKey?". On success the returned Attempt holds the reservation and
// the caller proceeds with the external work.
func (gate *Gate) Authorize(ctx context.Context, userID UserID, cost Credits, actionKey Reference, metadata MetadataJSON) (*Attempt, error) {
	reservation, err := gate.service.Debit(ctx, userID, cost, actionKey, metadata)
	if err != nil {
		return nil, err
	}
	return &Attempt{
		gate:        gate,
		reservation: reservation,
		state:       AttemptAuthorized,
	}, nil
}

// Attempt is a single authorized action. It is owned by the request that
// created it and is not safe for concurrent use; cross-process idempotency
// comes from the entry transitions underneath.
type Attempt struct {
	gate        *Gate
	reservation Reservation
	state       AttemptState
}

// Reservation returns the underlying reservation handle.
func (attempt *Attempt) Reservation() Reservation {
	return attempt.reservation
}

// State returns the attempt's current lifecycle state.
func (attempt *Attempt) State() AttemptState {
	return attempt.state
}

// Settle reports the external work succeeded, confirming the debit as final.
// A no-op once the attempt is terminal.
func (attempt *Attempt) Settle(ctx context.Context) error {
	if attempt.state == AttemptSettled || attempt.state == AttemptVoided {
		return nil
	}
	if err := attempt.gate.service.Settle(ctx, attempt.reservation); err != nil {
		return err
	}
	attempt.state = AttemptSettled
	return nil
}

// Void reports the external work failed or was abandoned, returning the
// reserved credits. A no-op once the attempt is terminal.
func (attempt *Attempt) Void(ctx context.Context) error {
	if attempt.state == AttemptSettled || attempt.state == AttemptVoided {
		return nil
	}
	if err := attempt.gate.service.Void(ctx, attempt.reservation); err != nil {
		return err
	}
	attempt.state = AttemptVoided
	return nil
}
