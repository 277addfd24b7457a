package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/socialflowhq/creditledger/pkg/ledger"
)

const (
	constraintLiveReference = "uniq_entries_user_kind_reference"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeSumPending     = "sum_pending"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"

	sqlInsertOrGetAccount = `
		insert into accounts(user_id) values($1)
		on conflict (user_id) do update set user_id = excluded.user_id
		returning credits_remaining, extract(epoch from created_at)::bigint
	`

	sqlApplyDelta = `
		update accounts
		set credits_remaining = credits_remaining + $2
		where user_id = $1 and credits_remaining + $2 >= 0
		returning credits_remaining
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, user_id, kind, amount, reference, status, metadata, created_at, settled_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5,
			coalesce(nullif($6,''),'{}')::jsonb,
			to_timestamp($7),
			to_timestamp(nullif($8,0))
		)
		returning entry_id::text
	`

	sqlEntryColumns = `
		entry_id::text,
		user_id,
		kind::text,
		amount,
		reference,
		status::text,
		coalesce(metadata::text,'{}'),
		extract(epoch from created_at)::bigint,
		coalesce(extract(epoch from settled_at)::bigint,0)
	`

	sqlSelectEntryForUpdate = `
		select ` + sqlEntryColumns + `
		from ledger_entries
		where entry_id = $1
		for update
	`

	sqlUpdateEntryStatus = `
		update ledger_entries
		set status = $3, settled_at = coalesce(to_timestamp(nullif($4,0)), settled_at)
		where entry_id = $1 and status = $2
	`

	sqlEntryExists = `
		select exists(select 1 from ledger_entries where entry_id = $1)
	`

	sqlFindEntryByReference = `
		select ` + sqlEntryColumns + `
		from ledger_entries
		where kind = $1 and reference = $2 and status <> 'voided'
		limit 1
	`

	sqlListEntriesBefore = `
		select ` + sqlEntryColumns + `
		from ledger_entries
		where user_id = $1 and ($2 = 0 or created_at < to_timestamp($2))
		order by created_at desc
		limit $3
	`

	sqlListStalePending = `
		select ` + sqlEntryColumns + `
		from ledger_entries
		where kind = $1 and status = 'pending' and created_at < to_timestamp($2)
		order by created_at asc
		limit $3
	`

	sqlSumPendingDebits = `
		select coalesce(sum(amount),0) from ledger_entries
		where user_id = $1 and kind = 'debit_generation' and status = 'pending'
	`
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store over PostgreSQL. Outside WithTx every call
// autocommits; inside, all calls share one transaction.
type Store struct {
	db   querier
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		// Already transactional; nested scopes join the outer transaction.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var (
		creditsRemaining int64
		createdUnixUTC   int64
	)
	err := store.db.QueryRow(ctx, sqlInsertOrGetAccount, userID.String()).Scan(&creditsRemaining, &createdUnixUTC)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return ledger.Account{
		UserID:           userID,
		CreditsRemaining: creditsRemaining,
		CreatedUnixUTC:   createdUnixUTC,
	}, nil
}

func (store *Store) ApplyDelta(ctx context.Context, userID ledger.UserID, delta int64) (int64, error) {
	var updated int64
	err := store.db.QueryRow(ctx, sqlApplyDelta, userID.String(), delta).Scan(&updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrInsufficientBalance)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	return updated, nil
}

func (store *Store) AppendEntry(ctx context.Context, entry ledger.Entry) (ledger.EntryID, error) {
	var entryIDValue string
	err := store.db.QueryRow(ctx, sqlInsertEntry,
		entry.UserID.String(),
		entry.Kind.String(),
		entry.Amount.Int64(),
		entry.Reference.String(),
		entry.Status.String(),
		entry.MetadataJSON,
		entry.CreatedUnixUTC,
		entry.SettledUnixUTC,
	).Scan(&entryIDValue)
	if isLiveReferenceConflict(err) {
		return ledger.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateReference)
	}
	if err != nil {
		return ledger.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entryID, err := ledger.NewEntryID(entryIDValue)
	if err != nil {
		return ledger.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entryID, nil
}

func (store *Store) GetEntry(ctx context.Context, entryID ledger.EntryID) (ledger.Entry, error) {
	entry, err := scanEntry(store.db.QueryRow(ctx, sqlSelectEntryForUpdate, entryID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrUnknownEntry)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, nil
}

func (store *Store) UpdateEntryStatus(ctx context.Context, entryID ledger.EntryID, from ledger.EntryStatus, to ledger.EntryStatus, settledUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateEntryStatus, entryID.String(), from.String(), to.String(), settledUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := store.db.QueryRow(ctx, sqlEntryExists, entryID.String()).Scan(&exists); err != nil {
			return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, err)
		}
		if !exists {
			return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, ledger.ErrUnknownEntry)
		}
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, ledger.ErrEntryClosed)
	}
	return nil
}

func (store *Store) FindEntryByReference(ctx context.Context, kind ledger.EntryKind, reference ledger.Reference) (ledger.Entry, error) {
	entry, err := scanEntry(store.db.QueryRow(ctx, sqlFindEntryByReference, kind.String(), reference.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, ledger.ErrUnknownEntry)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return entry, nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, userID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (store *Store) ListStalePending(ctx context.Context, kind ledger.EntryKind, olderThanUnixUTC int64, limit int) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListStalePending, kind.String(), olderThanUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (store *Store) SumPendingDebits(ctx context.Context, userID ledger.UserID) (int64, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumPendingDebits, userID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumPending, err)
	}
	return sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (ledger.Entry, error) {
	var (
		entryIDValue   string
		userIDValue    string
		kindValue      string
		amountValue    int64
		referenceValue string
		statusValue    string
		metadataValue  string
		createdUnixUTC int64
		settledUnixUTC int64
	)
	if err := row.Scan(
		&entryIDValue,
		&userIDValue,
		&kindValue,
		&amountValue,
		&referenceValue,
		&statusValue,
		&metadataValue,
		&createdUnixUTC,
		&settledUnixUTC,
	); err != nil {
		return ledger.Entry{}, err
	}
	entryID, err := ledger.NewEntryID(entryIDValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(kindValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewCredits(amountValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	reference, err := ledger.NewReference(referenceValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	status, err := ledger.ParseEntryStatus(statusValue)
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
		MetadataJSON:   metadataValue,
		CreatedUnixUTC: createdUnixUTC,
		SettledUnixUTC: settledUnixUTC,
	}, nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isLiveReferenceConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintLiveReference
	}
	return false
}
