// Package ledger holds the monthly allocation records and the append-only
// usage-event log, and enforces the budget on every decrement.
package ledger

import (
	"context"
	"time"
)

// Allocation is the (device, month) quota row.
type Allocation struct {
	DeviceID  string
	Month     string
	Allocated int64
	Used      int64
}

func (a *Allocation) Remaining() int64 {
	return a.Allocated - a.Used
}

// UsageEvent records one billed consumption. Rows are append-only: the
// sum of Cost over a (device, month) is the audit trail for
// Allocation.Used.
type UsageEvent struct {
	ID          string
	DeviceID    string
	AccountID   string
	Model       string
	RequestType string
	Cost        int64
	CreatedAt   time.Time
}

// Transfer records a movement of allocated tokens between devices. Kept
// separate from usage events so consumption audits stay clean.
type Transfer struct {
	ID           string
	FromDeviceID string // empty when tokens were minted by an admin
	ToDeviceID   string
	Tokens       int64
	Month        string
	CreatedAt    time.Time
}

type Store interface {
	// GetOrCreateAllocation returns the allocation for (device, month),
	// creating it with the store's baseline amount on first access.
	GetOrCreateAllocation(ctx context.Context, deviceID, month string) (*Allocation, error)

	// Decrement commits used += ev.Cost and appends ev atomically. It
	// returns *api.BudgetError when used + cost would exceed allocated.
	// Implementations must use a single conditional update (or a
	// transaction scoped to the one allocation row); concurrent callers
	// must never drive used past allocated.
	Decrement(ctx context.Context, deviceID, month string, ev *UsageEvent) (*Allocation, error)

	// Transfer debits fromDeviceID's allocated amount (when non-empty,
	// requiring remaining >= tokens) and credits toDeviceID's.
	Transfer(ctx context.Context, tokens int64, fromDeviceID, toDeviceID, month string) error

	// ResetAll reinitializes every device's allocation for the month:
	// allocated = defaultTokens, used = 0.
	ResetAll(ctx context.Context, month string, defaultTokens int64) error

	// History returns the most recent usage events for a device, newest
	// first, capped at limit.
	History(ctx context.Context, deviceID string, limit int) ([]UsageEvent, error)
}
