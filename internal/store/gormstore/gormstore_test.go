package gormstore

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/socialflowhq/creditledger/pkg/ledger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps the in-memory database alive across queries.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Migrate(db))
	return New(db)
}

func userID(t *testing.T, raw string) ledger.UserID {
	t.Helper()
	value, err := ledger.NewUserID(raw)
	require.NoError(t, err)
	return value
}

func reference(t *testing.T, raw string) ledger.Reference {
	t.Helper()
	value, err := ledger.NewReference(raw)
	require.NoError(t, err)
	return value
}

func credits(t *testing.T, raw int64) ledger.Credits {
	t.Helper()
	value, err := ledger.NewCredits(raw)
	require.NoError(t, err)
	return value
}

func pendingDebit(t *testing.T, user ledger.UserID, ref string, amount int64, createdAt int64) ledger.Entry {
	t.Helper()
	return ledger.Entry{
		UserID:         user,
		Kind:           ledger.KindDebitGeneration,
		Amount:         credits(t, amount),
		Reference:      reference(t, ref),
		Status:         ledger.StatusPending,
		MetadataJSON:   "{}",
		CreatedUnixUTC: createdAt,
	}
}

func TestGetOrCreateAccountIsIdempotent(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	user := userID(t, "user-1")

	first, err := store.GetOrCreateAccount(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(0), first.CreditsRemaining)

	_, err = store.ApplyDelta(ctx, user, 10)
	require.NoError(t, err)

	second, err := store.GetOrCreateAccount(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(10), second.CreditsRemaining)
}

func TestApplyDeltaRefusesNegativeBalance(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	user := userID(t, "user-guard")
	_, err := store.GetOrCreateAccount(ctx, user)
	require.NoError(t, err)

	balance, err := store.ApplyDelta(ctx, user, 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), balance)

	_, err = store.ApplyDelta(ctx, user, -6)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	balance, err = store.ApplyDelta(ctx, user, -5)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)
}

func TestAppendEntryEnforcesLiveReferenceUniqueness(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	user := userID(t, "user-unique")
	_, err := store.GetOrCreateAccount(ctx, user)
	require.NoError(t, err)

	firstID, err := store.AppendEntry(ctx, pendingDebit(t, user, "gen-1", 2, 100))
	require.NoError(t, err)
	require.False(t, firstID.IsZero())

	_, err = store.AppendEntry(ctx, pendingDebit(t, user, "gen-1", 2, 110))
	require.ErrorIs(t, err, ledger.ErrDuplicateReference)

	// Voiding the first entry frees the reference for reuse.
	require.NoError(t, store.UpdateEntryStatus(ctx, firstID, ledger.StatusPending, ledger.StatusVoided, 0))
	_, err = store.AppendEntry(ctx, pendingDebit(t, user, "gen-1", 2, 120))
	require.NoError(t, err)
}

func TestUpdateEntryStatusIsCompareAndSwap(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	user := userID(t, "user-cas")
	_, err := store.GetOrCreateAccount(ctx, user)
	require.NoError(t, err)

	entryID, err := store.AppendEntry(ctx, pendingDebit(t, user, "gen-1", 2, 100))
	require.NoError(t, err)

	require.NoError(t, store.UpdateEntryStatus(ctx, entryID, ledger.StatusPending, ledger.StatusSettled, 150))

	err = store.UpdateEntryStatus(ctx, entryID, ledger.StatusPending, ledger.StatusVoided, 0)
	require.ErrorIs(t, err, ledger.ErrEntryClosed)

	entry, err := store.GetEntry(ctx, entryID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSettled, entry.Status)
	require.Equal(t, int64(150), entry.SettledUnixUTC)

	unknown, err := ledger.NewEntryID("00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	err = store.UpdateEntryStatus(ctx, unknown, ledger.StatusPending, ledger.StatusVoided, 0)
	require.ErrorIs(t, err, ledger.ErrUnknownEntry)
}

func TestFindEntryByReferenceIgnoresVoided(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	user := userID(t, "user-find")
	_, err := store.GetOrCreateAccount(ctx, user)
	require.NoError(t, err)

	entryID, err := store.AppendEntry(ctx, pendingDebit(t, user, "gen-1", 2, 100))
	require.NoError(t, err)

	found, err := store.FindEntryByReference(ctx, ledger.KindDebitGeneration, reference(t, "gen-1"))
	require.NoError(t, err)
	require.Equal(t, entryID, found.EntryID)

	require.NoError(t, store.UpdateEntryStatus(ctx, entryID, ledger.StatusPending, ledger.StatusVoided, 0))
	_, err = store.FindEntryByReference(ctx, ledger.KindDebitGeneration, reference(t, "gen-1"))
	require.ErrorIs(t, err, ledger.ErrUnknownEntry)
}

func TestListEntriesNewestFirstWithCursor(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	user := userID(t, "user-list")
	_, err := store.GetOrCreateAccount(ctx, user)
	require.NoError(t, err)

	for i, ref := range []string{"gen-1", "gen-2", "gen-3"} {
		_, err := store.AppendEntry(ctx, pendingDebit(t, user, ref, 1, int64(100+i*100)))
		require.NoError(t, err)
	}

	entries, err := store.ListEntries(ctx, user, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "gen-3", entries[0].Reference.String())

	older, err := store.ListEntries(ctx, user, 300, 10)
	require.NoError(t, err)
	require.Len(t, older, 2)
	require.Equal(t, "gen-2", older[0].Reference.String())
}

func TestListStalePendingOldestFirst(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	user := userID(t, "user-stale")
	_, err := store.GetOrCreateAccount(ctx, user)
	require.NoError(t, err)

	oldID, err := store.AppendEntry(ctx, pendingDebit(t, user, "gen-old", 1, 100))
	require.NoError(t, err)
	settledID, err := store.AppendEntry(ctx, pendingDebit(t, user, "gen-settled", 1, 110))
	require.NoError(t, err)
	require.NoError(t, store.UpdateEntryStatus(ctx, settledID, ledger.StatusPending, ledger.StatusSettled, 120))
	_, err = store.AppendEntry(ctx, pendingDebit(t, user, "gen-fresh", 1, 900))
	require.NoError(t, err)

	stale, err := store.ListStalePending(ctx, ledger.KindDebitGeneration, 500, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, oldID, stale[0].EntryID)
}

func TestSumPendingDebits(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	user := userID(t, "user-sum")
	_, err := store.GetOrCreateAccount(ctx, user)
	require.NoError(t, err)

	_, err = store.AppendEntry(ctx, pendingDebit(t, user, "gen-1", 2, 100))
	require.NoError(t, err)
	_, err = store.AppendEntry(ctx, pendingDebit(t, user, "gen-2", 3, 110))
	require.NoError(t, err)
	settledID, err := store.AppendEntry(ctx, pendingDebit(t, user, "gen-3", 7, 120))
	require.NoError(t, err)
	require.NoError(t, store.UpdateEntryStatus(ctx, settledID, ledger.StatusPending, ledger.StatusSettled, 130))

	sum, err := store.SumPendingDebits(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(5), sum)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	user := userID(t, "user-tx")
	_, err := store.GetOrCreateAccount(ctx, user)
	require.NoError(t, err)
	_, err = store.ApplyDelta(ctx, user, 10)
	require.NoError(t, err)

	err = store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		if _, err := txStore.AppendEntry(ctx, pendingDebit(t, user, "gen-1", 4, 100)); err != nil {
			return err
		}
		if _, err := txStore.ApplyDelta(ctx, user, -4); err != nil {
			return err
		}
		return ledger.ErrStoreUnavailable
	})
	require.ErrorIs(t, err, ledger.ErrStoreUnavailable)

	account, err := store.GetOrCreateAccount(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(10), account.CreditsRemaining)

	entries, err := store.ListEntries(ctx, user, 0, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestServiceEndToEndOnSQLite(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	now := int64(1000)
	service, err := ledger.NewService(store, func() int64 { return now })
	require.NoError(t, err)
	user := userID(t, "creator")

	require.NoError(t, service.Credit(ctx, user, credits(t, 5), reference(t, "tx-seed"), ledger.KindCreditTopUp, ledger.MetadataJSON{}))

	reservation, err := service.Debit(ctx, user, credits(t, 5), reference(t, "gen-1"), ledger.MetadataJSON{})
	require.NoError(t, err)

	_, err = service.Debit(ctx, user, credits(t, 1), reference(t, "gen-2"), ledger.MetadataJSON{})
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	require.NoError(t, service.Void(ctx, reservation))

	balance, err := service.Balance(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(5), balance.Remaining)

	_, err = service.Debit(ctx, user, credits(t, 1), reference(t, "gen-2"), ledger.MetadataJSON{})
	require.NoError(t, err)
}
