package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSweepOnceVoidsStaleReservations(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := &manualClock{now: 100}
	service := mustNewService(test, store, clock.Now)
	userID := mustUserID(test, "sleeper")
	seedBalance(test, store, userID, 10)

	stale := mustDebit(test, service, userID, 4, "gen-old")
	clock.now = 100 + 3600
	fresh := mustDebit(test, service, userID, 2, "gen-new")

	sweeper := mustNewSweeper(test, service, clock.Now, SweeperConfig{MaxAge: 30 * time.Minute})
	swept, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		test.Fatalf("expected 1 swept entry, got %d", swept)
	}
	if got := store.mustEntry(test, stale.EntryID).Status; got != StatusVoided {
		test.Fatalf("expected stale entry voided, got %s", got)
	}
	if got := store.mustEntry(test, fresh.EntryID).Status; got != StatusPending {
		test.Fatalf("expected fresh entry untouched, got %s", got)
	}
	if got := store.balances[userID]; got != 8 {
		test.Fatalf("expected stale credits returned, balance 8, got %d", got)
	}
}

func TestSweepOnceHonorsBatchSize(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := &manualClock{now: 100}
	service := mustNewService(test, store, clock.Now)
	userID := mustUserID(test, "bulk")
	seedBalance(test, store, userID, 10)
	mustDebit(test, service, userID, 1, "gen-1")
	mustDebit(test, service, userID, 1, "gen-2")
	mustDebit(test, service, userID, 1, "gen-3")
	clock.now = 100 + 3600

	sweeper := mustNewSweeper(test, service, clock.Now, SweeperConfig{MaxAge: time.Minute, BatchSize: 2})
	swept, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if swept != 2 {
		test.Fatalf("expected batch of 2, got %d", swept)
	}
}

func TestSweepOnceSkipsConcurrentlySettledEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := &manualClock{now: 100}
	service := mustNewService(test, store, clock.Now)
	userID := mustUserID(test, "racer")
	seedBalance(test, store, userID, 10)
	reservation := mustDebit(test, service, userID, 4, "gen-1")
	clock.now = 100 + 3600

	// The caller settles after the sweeper listed the entry but before it
	// voided it. VoidEntry must treat the settled entry as a no-op.
	if err := service.Settle(context.Background(), reservation); err != nil {
		test.Fatalf("settle: %v", err)
	}
	sweeper := mustNewSweeper(test, service, clock.Now, SweeperConfig{MaxAge: time.Minute})
	if _, err := sweeper.SweepOnce(context.Background()); err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if got := store.mustEntry(test, reservation.EntryID).Status; got != StatusSettled {
		test.Fatalf("expected entry to stay settled, got %s", got)
	}
	if got := store.balances[userID]; got != 6 {
		test.Fatalf("expected balance 6, got %d", got)
	}
}

func TestRunStopsOnContextCancel(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := &manualClock{now: 100}
	service := mustNewService(test, store, clock.Now)
	sweeper := mustNewSweeper(test, service, clock.Now, SweeperConfig{MaxAge: time.Minute, Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sweeper.Run(ctx, nil)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		test.Fatalf("run: %v", err)
	}
}

func TestNewSweeperValidatesConfig(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, staticClock(0))
	if _, err := NewSweeper(nil, staticClock(0), SweeperConfig{MaxAge: time.Minute}); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected error for nil service, got %v", err)
	}
	if _, err := NewSweeper(service, nil, SweeperConfig{MaxAge: time.Minute}); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected error for nil clock, got %v", err)
	}
	if _, err := NewSweeper(service, staticClock(0), SweeperConfig{}); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected error for zero max age, got %v", err)
	}
}

func mustNewSweeper(test *testing.T, service *Service, now func() int64, cfg SweeperConfig) *Sweeper {
	test.Helper()
	sweeper, err := NewSweeper(service, now, cfg)
	if err != nil {
		test.Fatalf("new sweeper: %v", err)
	}
	return sweeper
}
