package ledger

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultSweepBatchSize = 100
	defaultSweepInterval  = time.Minute
)

// SweeperConfig controls the reconciliation sweep.
type SweeperConfig struct {
	// MaxAge is how long a reservation may stay pending before the sweep
	// voids it. Callers that crash between Authorize and Settle/Void leave
	// entries behind; this is the process that closes them.
	MaxAge time.Duration
	// Interval between sweep passes when running via Run.
	Interval time.Duration
	// BatchSize bounds how many stale entries one pass voids.
	BatchSize int
}

// Sweeper voids reservations that outlived the reconciliation timeout. Voiding
// through the service makes a swept entry indistinguishable from a
// caller-voided one.
type Sweeper struct {
	service *Service
	cfg     SweeperConfig
	nowFn   func() int64
}

// NewSweeper wires a Sweeper.
func NewSweeper(service *Service, now func() int64, cfg SweeperConfig) (*Sweeper, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("%w: sweep max age must be positive", ErrInvalidServiceConfig)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSweepBatchSize
	}
	return &Sweeper{service: service, cfg: cfg, nowFn: now}, nil
}

// SweepOnce voids one batch of stale reservations and returns how many were
// closed. An entry settled or voided between listing and voiding counts as
// closed by someone else and is skipped, not an error.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := sweeper.nowFn() - int64(sweeper.cfg.MaxAge/time.Second)
	stale, err := sweeper.service.StaleReservations(ctx, cutoff, sweeper.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, entry := range stale {
		if err := sweeper.service.VoidEntry(ctx, entry.EntryID); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// Run sweeps on a ticker until ctx is cancelled. Sweep failures are returned
// to the caller's supervision; a clean shutdown returns nil.
func (sweeper *Sweeper) Run(ctx context.Context, onPass func(swept int, err error)) error {
	ticker := time.NewTicker(sweeper.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			swept, err := sweeper.SweepOnce(ctx)
			if onPass != nil {
				onPass(swept, err)
			}
		}
	}
}
