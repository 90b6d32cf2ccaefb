// Package quota enforces per-owner storage allotments.
//
// Admission reserves bytes atomically; a completed upload commits its
// reservation to used bytes and a failed one releases it.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"filevault/pkg/domain"
	"filevault/pkg/store"
)

// DefaultAllotment is 5 GiB.
const DefaultAllotment int64 = 5 << 30

type Ledger struct {
	store        store.Store
	defaultTotal int64
}

func NewLedger(s store.Store, defaultTotal int64) (*Ledger, error) {
	if s == nil {
		return nil, errors.New("quota ledger requires a store")
	}
	if defaultTotal <= 0 {
		defaultTotal = DefaultAllotment
	}
	return &Ledger{store: s, defaultTotal: defaultTotal}, nil
}

// CheckAndReserve reserves delta bytes when used+reserved+delta fits the allotment.
func (l *Ledger) CheckAndReserve(ctx context.Context, ownerID string, delta int64) (bool, error) {
	if strings.TrimSpace(ownerID) == "" {
		return false, fmt.Errorf("owner required: %w", domain.ErrInvalidInput)
	}
	if delta < 0 {
		return false, fmt.Errorf("negative reservation %d: %w", delta, domain.ErrInvalidInput)
	}
	if _, err := l.store.EnsureQuota(ctx, ownerID, l.defaultTotal); err != nil {
		return false, fmt.Errorf("ensure quota: %w", err)
	}
	ok, err := l.store.ReserveQuota(ctx, ownerID, delta)
	if err != nil {
		return false, fmt.Errorf("reserve quota: %w", err)
	}
	return ok, nil
}

// Reserve is CheckAndReserve returning domain.ErrQuotaExceeded on refusal.
func (l *Ledger) Reserve(ctx context.Context, ownerID string, delta int64) error {
	ok, err := l.CheckAndReserve(ctx, ownerID, delta)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("owner %s reserving %d bytes: %w", ownerID, delta, domain.ErrQuotaExceeded)
	}
	return nil
}

// Commit moves a positive delta from reserved to used. A negative delta returns
// bytes to the owner; used never drops below zero.
func (l *Ledger) Commit(ctx context.Context, ownerID string, delta int64, category domain.Category) error {
	if delta == 0 {
		return nil
	}
	if _, err := l.store.EnsureQuota(ctx, ownerID, l.defaultTotal); err != nil {
		return fmt.Errorf("ensure quota: %w", err)
	}
	if err := l.store.CommitQuota(ctx, ownerID, delta, category); err != nil {
		return fmt.Errorf("commit quota: %w", err)
	}
	return nil
}

// Release returns an unused reservation.
func (l *Ledger) Release(ctx context.Context, ownerID string, delta int64) error {
	if err := l.store.ReleaseQuota(ctx, ownerID, delta); err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

func (l *Ledger) Usage(ctx context.Context, ownerID string) (domain.QuotaLedger, error) {
	q, err := l.store.EnsureQuota(ctx, ownerID, l.defaultTotal)
	if err != nil {
		return domain.QuotaLedger{}, fmt.Errorf("load quota: %w", err)
	}
	return q, nil
}

// SetTotal changes an owner's allotment. Existing usage is kept even when it exceeds the new total.
func (l *Ledger) SetTotal(ctx context.Context, ownerID string, total int64) error {
	if total < 0 {
		return fmt.Errorf("negative allotment: %w", domain.ErrInvalidInput)
	}
	if _, err := l.store.EnsureQuota(ctx, ownerID, l.defaultTotal); err != nil {
		return err
	}
	return l.store.SetQuotaTotal(ctx, ownerID, total)
}
