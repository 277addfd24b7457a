package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a positive whole-credit amount. One credit buys one
// content-generation action.
type Credits int64

// UserID identifies an account owner. The value is owned by the external
// identity provider and treated as opaque here.
type UserID struct {
	value string
}

// Reference is the external correlation key for an entry: an on-chain
// transaction hash for top-ups, a generation/request id for debits.
type Reference struct {
	value string
}

// EntryID identifies a journal entry. Assigned by the store.
type EntryID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// EntryKind enumerates journal entry kinds.
type EntryKind string

const (
	KindDebitGeneration EntryKind = "debit_generation"
	KindCreditTopUp     EntryKind = "credit_topup"
	KindCreditRefund    EntryKind = "credit_refund"
	KindAdjustment      EntryKind = "adjustment"
)

// EntryStatus defines the entry lifecycle.
type EntryStatus string

const (
	StatusPending EntryStatus = "pending"
	StatusSettled EntryStatus = "settled"
	StatusVoided  EntryStatus = "voided"
)

// Entry is a single immutable line in the journal. Terminal entries never
// change again except for the settled_at stamp recorded at settlement.
type Entry struct {
	EntryID        EntryID
	UserID         UserID
	Kind           EntryKind
	Amount         Credits
	Reference      Reference
	Status         EntryStatus
	MetadataJSON   string
	CreatedUnixUTC int64
	SettledUnixUTC int64
}

// Account is the materialized balance row. CreditsRemaining is always
// reconstructible from the settled-and-pending journal.
type Account struct {
	UserID           UserID
	CreditsRemaining int64
	CreatedUnixUTC   int64
}

// Balance is the spendable view for an account. Remaining already excludes
// pending debits; Pending reports how many credits are held by open
// reservations.
type Balance struct {
	Remaining int64
	Pending   int64
}

// Reservation is the handle returned by Debit. It is owned by the request
// that created it; only Settle or Void may finish it.
type Reservation struct {
	EntryID   EntryID
	UserID    UserID
	Reference Reference
	Amount    Credits
}

// NewCredits validates an amount and ensures it is strictly positive.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewReference validates and normalizes a correlation key.
func NewReference(raw string) (Reference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	return Reference{value: trimmed}, nil
}

// String returns the normalized key.
func (reference Reference) String() string {
	return reference.value
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id EntryID) IsZero() bool {
	return id.value == ""
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// ParseEntryKind validates a stored kind value.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(raw) {
	case KindDebitGeneration, KindCreditTopUp, KindCreditRefund, KindAdjustment:
		return EntryKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// String returns the stored representation.
func (kind EntryKind) String() string {
	return string(kind)
}

// Sign returns the balance delta direction implied by the kind.
func (kind EntryKind) Sign() int64 {
	if kind == KindDebitGeneration {
		return -1
	}
	return 1
}

// IsCredit reports whether entries of this kind increase the balance.
func (kind EntryKind) IsCredit() bool {
	return kind.Sign() > 0
}

// ParseEntryStatus validates a stored status value.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	switch EntryStatus(raw) {
	case StatusPending, StatusSettled, StatusVoided:
		return EntryStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
}

// String returns the stored representation.
func (status EntryStatus) String() string {
	return string(status)
}

// Terminal reports whether no further transition is legal.
func (status EntryStatus) Terminal() bool {
	return status == StatusSettled || status == StatusVoided
}

// Store is the persistence contract used by Service. Implementations must
// make ApplyDelta a single atomic operation: the non-negative check and the
// write are never observable as separate steps to a concurrent caller.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID UserID) (Account, error)
	ApplyDelta(ctx context.Context, userID UserID, delta int64) (int64, error)
	AppendEntry(ctx context.Context, entry Entry) (EntryID, error)
	GetEntry(ctx context.Context, entryID EntryID) (Entry, error)
	UpdateEntryStatus(ctx context.Context, entryID EntryID, from, to EntryStatus, settledUnixUTC int64) error
	FindEntryByReference(ctx context.Context, kind EntryKind, reference Reference) (Entry, error)
	ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error)
	ListStalePending(ctx context.Context, kind EntryKind, olderThanUnixUTC int64, limit int) ([]Entry, error)
	SumPendingDebits(ctx context.Context, userID UserID) (int64, error)
}
