package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/socialflowhq/creditledger/pkg/ledger"
)

const (
	defaultMetadataJSON   = "{}"
	dialectorPostgres     = "postgres"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectBalance   = "balance"
	errorSubjectEntry     = "entry"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeSumPending   = "sum_pending"
	errorCodeUpdate       = "update"
	errorCodeUpdateStatus = "update_status"
)

// Store implements ledger.Store using GORM. It works against PostgreSQL in
// production and SQLite for local runs and tests.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema, including the partial unique index
// on live references.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &LedgerEntry{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	account := Account{UserID: userID.String(), CreatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&account).Error
	if err != nil && !isUniqueViolation(err) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	var row Account
	if err := store.db.WithContext(ctx).First(&row, "user_id = ?", userID.String()).Error; err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return ledger.Account{
		UserID:           userID,
		CreditsRemaining: row.CreditsRemaining,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
}

// ApplyDelta adjusts the balance in a single conditional UPDATE. The
// non-negative guard lives in the WHERE clause so two concurrent spenders can
// never both succeed past zero.
func (store *Store) ApplyDelta(ctx context.Context, userID ledger.UserID, delta int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND credits_remaining + ? >= 0", userID.String(), delta).
		UpdateColumn("credits_remaining", gorm.Expr("credits_remaining + ?", delta))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrInsufficientBalance)
	}
	var row Account
	if err := store.db.WithContext(ctx).First(&row, "user_id = ?", userID.String()).Error; err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return row.CreditsRemaining, nil
}

func (store *Store) AppendEntry(ctx context.Context, entry ledger.Entry) (ledger.EntryID, error) {
	row := LedgerEntry{
		EntryID:   entry.EntryID.String(),
		UserID:    entry.UserID.String(),
		Kind:      entry.Kind.String(),
		Amount:    entry.Amount.Int64(),
		Reference: entry.Reference.String(),
		Status:    entry.Status.String(),
		Metadata:  datatypesJSON(entry.MetadataJSON),
		CreatedAt: time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.SettledUnixUTC != 0 {
		settledAt := time.Unix(entry.SettledUnixUTC, 0).UTC()
		row.SettledAt = &settledAt
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return ledger.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateReference)
	}
	if err != nil {
		return ledger.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entryID, nil
}

func (store *Store) GetEntry(ctx context.Context, entryID ledger.EntryID) (ledger.Entry, error) {
	query := store.db.WithContext(ctx)
	// SQLite serializes writers; the row lock only matters on PostgreSQL.
	if store.db.Dialector.Name() == dialectorPostgres {
		query = query.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
	}
	var row LedgerEntry
	err := query.First(&row, "entry_id = ?", entryID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrUnknownEntry)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

// UpdateEntryStatus is a compare-and-swap on the status column. Losing the
// race to another committer reports ErrEntryClosed.
func (store *Store) UpdateEntryStatus(ctx context.Context, entryID ledger.EntryID, from ledger.EntryStatus, to ledger.EntryStatus, settledUnixUTC int64) error {
	updates := map[string]interface{}{"status": to.String()}
	if settledUnixUTC != 0 {
		updates["settled_at"] = time.Unix(settledUnixUTC, 0).UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("entry_id = ? AND status = ?", entryID.String(), from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&LedgerEntry{}).Where("entry_id = ?", entryID.String()).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, ledger.ErrUnknownEntry)
		}
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, ledger.ErrEntryClosed)
	}
	return nil
}

func (store *Store) FindEntryByReference(ctx context.Context, kind ledger.EntryKind, reference ledger.Reference) (ledger.Entry, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("kind = ? AND reference = ? AND status <> ?", kind.String(), reference.String(), ledger.StatusVoided.String()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, ledger.ErrUnknownEntry)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Limit(limit)
	if beforeUnixUTC != 0 {
		query = query.Where("created_at < ?", time.Unix(beforeUnixUTC, 0).UTC())
	}
	var rows []LedgerEntry
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) ListStalePending(ctx context.Context, kind ledger.EntryKind, olderThanUnixUTC int64, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND created_at < ?",
			kind.String(), ledger.StatusPending.String(), time.Unix(olderThanUnixUTC, 0).UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) SumPendingDebits(ctx context.Context, userID ledger.UserID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND kind = ? AND status = ?",
			userID.String(), ledger.KindDebitGeneration.String(), ledger.StatusPending.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumPending, err)
	}
	return sum.Total, nil
}

type sqlSum struct {
	Total int64
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapLedgerEntries(rows []LedgerEntry) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewCredits(row.Amount)
	if err != nil {
		return ledger.Entry{}, err
	}
	reference, err := ledger.NewReference(row.Reference)
	if err != nil {
		return ledger.Entry{}, err
	}
	status, err := ledger.ParseEntryStatus(row.Status)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        entryID,
		UserID:         userID,
		Kind:           kind,
		Amount:         amount,
		Reference:      reference,
		Status:         status,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
		SettledUnixUTC: timeOrZero(row.SettledAt),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
