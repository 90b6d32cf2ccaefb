package app

import (
	"context"
	"fmt"
	"time"

	"filevault/internal/util"
	"filevault/pkg/derive"
	"filevault/pkg/queue"
	"filevault/pkg/storage"
	"filevault/pkg/store"
	"filevault/pkg/sweep"
)

// Config holds runtime configuration for the processor.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Objects     storage.Provider
	Queue       queue.Queue
	// Cipher is required to derive from encrypted originals.
	Cipher    derive.Cipher
	Generator *derive.Generator

	Workers       int
	StaleAfter    time.Duration
	SweepInterval time.Duration
	SweepBatch    int
}

// App consumes derivative jobs and periodically reclaims abandoned uploads.
type App struct {
	store         store.Store
	queue         queue.Queue
	processor     *derive.Processor
	sweeper       *sweep.Sweeper
	workers       int
	sweepInterval time.Duration
}

// New constructs the processor with persistence.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("derivative queue required")
	}
	proc, err := derive.NewProcessor(derive.ProcessorConfig{
		Store:     dataStore,
		Objects:   cfg.Objects,
		Cipher:    cfg.Cipher,
		Generator: cfg.Generator,
	})
	if err != nil {
		return nil, err
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = sweep.DefaultStaleAfter
	}
	sweeper, err := sweep.New(sweep.Config{
		Store:      dataStore,
		Objects:    cfg.Objects,
		Sealer:     cfg.Cipher,
		StaleAfter: staleAfter,
		Batch:      cfg.SweepBatch,
	})
	if err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	return &App{
		store:         dataStore,
		queue:         cfg.Queue,
		processor:     proc,
		sweeper:       sweeper,
		workers:       workers,
		sweepInterval: cfg.SweepInterval,
	}, nil
}

// Sweeper exposes the reclaimer, e.g. for an on-demand sweep.
func (a *App) Sweeper() *sweep.Sweeper {
	return a.sweeper
}

// Run starts the queue consumers and sweeps until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	a.queue.Start(ctx, a.workers, a.processor.Handle)
	util.LoggerFromContext(ctx).Info("derivative workers started", "workers", a.workers)
	a.sweeper.Run(ctx, a.sweepInterval)
}
