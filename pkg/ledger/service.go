package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store. It is the only component
// permitted to mutate an account's remaining credits; every other caller goes
// through Debit/Settle/Void/Credit.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the spendable balance and the credits held by open
// reservations. The account is created with a zero balance on first read.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	pending, err := service.store.SumPendingDebits(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Remaining: account.CreditsRemaining,
		Pending:   pending,
	}, nil
}

// Debit reserves amount credits for the action identified by reference. The
// pending entry and the balance decrement commit together; on
// ErrInsufficientCredits no externally visible effect remains. At most one
// non-voided debit per (user, reference) ever exists.
func (service *Service) Debit(ctx context.Context, userID UserID, amount Credits, reference Reference, metadata MetadataJSON) (Reservation, error) {
	var reservation Reservation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, userID); err != nil {
			return err
		}
		entryID, err := transactionStore.AppendEntry(ctx, Entry{
			UserID:         userID,
			Kind:           KindDebitGeneration,
			Amount:         amount,
			Reference:      reference,
			Status:         StatusPending,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		if _, err := transactionStore.ApplyDelta(ctx, userID, -amount.Int64()); err != nil {
			if errors.Is(err, ErrInsufficientBalance) {
				return fmt.Errorf("%w: %d credits requested", ErrInsufficientCredits, amount.Int64())
			}
			return err
		}
		reservation = Reservation{
			EntryID:   entryID,
			UserID:    userID,
			Reference: reference,
			Amount:    amount,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		UserID:    userID,
		EntryID:   reservation.EntryID,
		Kind:      KindDebitGeneration,
		Amount:    amount,
		Reference: reference,
		Error:     operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

// Settle finalizes a reservation's debit. Settling an already-settled or
// already-voided reservation is a no-op, never an error: a settle/void race
// resolves in favor of whichever transition committed first.
func (service *Service) Settle(ctx context.Context, reservation Reservation) error {
	return service.settleEntry(ctx, reservation.UserID, reservation.EntryID)
}

// Void cancels a reservation, reversing its provisional debit. A no-op when
// the entry already reached a terminal state.
func (service *Service) Void(ctx context.Context, reservation Reservation) error {
	return service.VoidEntry(ctx, reservation.EntryID)
}

// VoidEntry voids a pending entry by id. Used by Void and by the
// reconciliation sweep, which holds an entry id rather than the original
// Reservation handle.
func (service *Service) VoidEntry(ctx context.Context, entryID EntryID) error {
	var logEntry OperationLog
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		entry, err := transactionStore.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		logEntry = OperationLog{
			Operation: operationVoid,
			UserID:    entry.UserID,
			EntryID:   entry.EntryID,
			Kind:      entry.Kind,
			Amount:    entry.Amount,
			Reference: entry.Reference,
		}
		if entry.Status.Terminal() {
			logEntry.Status = operationStatusNoop
			return nil
		}
		if err := transactionStore.UpdateEntryStatus(ctx, entryID, StatusPending, StatusVoided, 0); err != nil {
			if errors.Is(err, ErrEntryClosed) {
				logEntry.Status = operationStatusNoop
				return nil
			}
			return err
		}
		_, err = transactionStore.ApplyDelta(ctx, entry.UserID, entry.Kind.Sign()*-entry.Amount.Int64())
		return err
	})
	logEntry.Error = operationError
	service.logOperation(ctx, logEntry)
	return operationError
}

// Credit applies an idempotent top-up, refund, or adjustment. Replaying the
// same (kind, reference) for the same user and amount succeeds without
// re-crediting; the same reference claimed for a different user or amount is
// ErrReferenceConflict and must never be auto-resolved.
func (service *Service) Credit(ctx context.Context, userID UserID, amount Credits, reference Reference, kind EntryKind, metadata MetadataJSON) error {
	if !kind.IsCredit() {
		return fmt.Errorf("%w: %s is not a credit kind", ErrInvalidEntryKind, kind)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, userID); err != nil {
			return err
		}
		existing, err := transactionStore.FindEntryByReference(ctx, kind, reference)
		if err == nil {
			if existing.UserID != userID || existing.Amount != amount {
				return fmt.Errorf("%w: reference %s already recorded for another claim", ErrReferenceConflict, reference.String())
			}
			return ErrDuplicateReference
		}
		if !errors.Is(err, ErrUnknownEntry) {
			return err
		}
		nowUnixUTC := service.nowFn()
		if _, err := transactionStore.AppendEntry(ctx, Entry{
			UserID:         userID,
			Kind:           kind,
			Amount:         amount,
			Reference:      reference,
			Status:         StatusSettled,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: nowUnixUTC,
			SettledUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		_, err = transactionStore.ApplyDelta(ctx, userID, amount.Int64())
		return err
	})
	logEntry := OperationLog{
		Operation: operationCredit,
		UserID:    userID,
		Kind:      kind,
		Amount:    amount,
		Reference: reference,
	}
	if errors.Is(operationError, ErrDuplicateReference) {
		// Replayed confirmation; the credit already landed.
		logEntry.Status = operationStatusNoop
		service.logOperation(ctx, logEntry)
		return nil
	}
	logEntry.Error = operationError
	service.logOperation(ctx, logEntry)
	return operationError
}

// ListEntries lists journal entries for a user before a cutoff time.
func (service *Service) ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if _, err := service.store.GetOrCreateAccount(ctx, userID); err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, userID, beforeUnixUTC, limit)
}

// StaleReservations lists pending debits created before the cutoff, oldest
// first. The reconciliation sweep feeds these back into VoidEntry.
func (service *Service) StaleReservations(ctx context.Context, olderThanUnixUTC int64, limit int) ([]Entry, error) {
	return service.store.ListStalePending(ctx, KindDebitGeneration, olderThanUnixUTC, limit)
}

func (service *Service) settleEntry(ctx context.Context, userID UserID, entryID EntryID) error {
	var status string
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		entry, err := transactionStore.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status.Terminal() {
			status = operationStatusNoop
			return nil
		}
		if err := transactionStore.UpdateEntryStatus(ctx, entryID, StatusPending, StatusSettled, service.nowFn()); err != nil {
			if errors.Is(err, ErrEntryClosed) {
				status = operationStatusNoop
				return nil
			}
			return err
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSettle,
		UserID:    userID,
		EntryID:   entryID,
		Status:    status,
		Error:     operationError,
	})
	return operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
