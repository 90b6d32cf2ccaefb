// Package sweep reclaims uploads that never reached a terminal state.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"filevault/internal/util"
	"filevault/pkg/chunk"
	"filevault/pkg/domain"
	"filevault/pkg/metrics"
	"filevault/pkg/quota"
	"filevault/pkg/storage"
	"filevault/pkg/store"
)

const (
	DefaultStaleAfter = 24 * time.Hour
	DefaultInterval   = 10 * time.Minute
	DefaultBatch      = 200
)

var (
	errNotStale  = errors.New("record moved since it was listed")
	errAbandoned = errors.New("upload abandoned: no progress before the stale deadline")
)

// Config wires a Sweeper. Sealer is needed to retire the keys of sealed chunks.
type Config struct {
	Store      store.Store
	Objects    storage.Provider
	Sealer     chunk.Sealer
	StaleAfter time.Duration
	Batch      int
}

// Sweeper reclaims uploads stuck in a non-terminal state: transient chunks are
// removed, the record fails and its reservation is returned to the owner.
type Sweeper struct {
	store      store.Store
	quota      *quota.Ledger
	chunks     *chunk.Assembler
	staleAfter time.Duration
	batch      int
	now        func() time.Time
}

func New(cfg Config) (*Sweeper, error) {
	if cfg.StaleAfter <= 0 {
		return nil, errors.New("sweeper requires a positive stale TTL")
	}
	ledger, err := quota.NewLedger(cfg.Store, 0)
	if err != nil {
		return nil, err
	}
	assembler, err := chunk.NewAssembler(cfg.Objects, cfg.Store, cfg.Sealer, 0)
	if err != nil {
		return nil, err
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &Sweeper{
		store:      cfg.Store,
		quota:      ledger,
		chunks:     assembler,
		staleAfter: cfg.StaleAfter,
		batch:      batch,
		now:        time.Now,
	}, nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := util.LoggerFromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			logger.Error("sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep reclaims one batch of stale records and reports how many it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	logger := util.LoggerFromContext(ctx)
	cutoff := s.now().UTC().Add(-s.staleAfter)
	stale, err := s.store.ListFiles(ctx, store.FileFilter{
		Statuses:      domain.InFlightStatuses,
		UpdatedBefore: cutoff,
		Limit:         s.batch,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale files: %w", err)
	}
	swept := 0
	for _, rec := range stale {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		ok, err := s.reclaim(ctx, rec, cutoff)
		if err != nil {
			logger.Warn("sweep file", "file_id", rec.ID, "status", rec.Status, "err", err)
			continue
		}
		if ok {
			swept++
		}
	}
	if swept > 0 {
		logger.Info("swept stale uploads", "count", swept, "cutoff", cutoff)
	}
	return swept, nil
}

func (s *Sweeper) reclaim(ctx context.Context, rec domain.FileRecord, cutoff time.Time) (bool, error) {
	logger := util.LoggerFromContext(ctx)
	prior := rec.Status
	_, err := s.store.UpdateFile(ctx, rec.ID, func(f *domain.FileRecord) error {
		if f.Status.Terminal() || !f.UpdatedAt.Before(cutoff) {
			return errNotStale
		}
		prior = f.Status
		return f.Fail("sweep", errAbandoned)
	})
	if errors.Is(err, errNotStale) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.chunks.Cleanup(ctx, rec.ID); err != nil {
		logger.Warn("sweep chunk cleanup", "file_id", rec.ID, "err", err)
	}
	if err := s.quota.Release(ctx, rec.OwnerID, rec.Size); err != nil {
		logger.Warn("sweep release reservation", "file_id", rec.ID, "owner_id", rec.OwnerID, "err", err)
	}
	metrics.SweptRecordsTotal.WithLabelValues(string(prior)).Inc()
	return true, nil
}
