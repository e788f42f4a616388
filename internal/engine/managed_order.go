// Package engine implements C5, the progressive execution engine: one
// logical engine per account, one ManagedOrder state machine per
// instrument within that account. Orders for the same instrument are
// serialized; orders for distinct instruments run concurrently.
package engine

import (
	"time"

	"deltabridge/internal/models"
)

// ManagedOrder is the engine's private view of an in-flight order. It is
// never shared outside the owning account's Engine; callers only ever see
// query snapshots (Snapshot).
type ManagedOrder struct {
	Intent models.OrderIntent

	State              models.OrderState
	StepIndex          int
	SpreadHoldCount    int
	FinalStepHoldCount int
	PlaceRetries       int

	BrokerOrderID string
	PlacedAt      time.Time

	FilledQty    float64
	AvgFillPrice float64

	FailureReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RemainingQty is the size still to be filled; the engine always issues
// fresh orders for this amount, never the original intent size, so partial
// fills are never double-counted across steps.
func (m *ManagedOrder) RemainingQty() float64 {
	remaining := m.Intent.Size - m.FilledQty
	if remaining < 0 {
		return 0
	}
	return remaining
}

// recordFill folds a fill observation into the size-weighted average price
// and advances FilledQty, both of which are monotonically non-decreasing
// for the lifetime of the order.
func (m *ManagedOrder) recordFill(qty, price float64) {
	if qty <= 0 {
		return
	}
	totalCost := m.AvgFillPrice*m.FilledQty + price*qty
	m.FilledQty += qty
	if m.FilledQty > 0 {
		m.AvgFillPrice = totalCost / m.FilledQty
	}
	m.UpdatedAt = time.Now()
}

// IsTerminal reports whether the state machine has reached a state from
// which no further transitions occur.
func (m *ManagedOrder) IsTerminal() bool {
	switch m.State {
	case models.StateFilled, models.StateCancelled, models.StateFailed:
		return true
	default:
		return false
	}
}

// Snapshot is the read-only view of a ManagedOrder exposed to C9 and to
// tests, decoupled from the mutable struct so callers can't corrupt engine
// state by holding a pointer past a lock release.
type Snapshot struct {
	AccountID     string
	InstrumentID  string
	CorrelationID string
	State         models.OrderState
	StepIndex     int
	FilledQty     float64
	RemainingQty  float64
	AvgFillPrice  float64
	BrokerOrderID string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (m *ManagedOrder) toSnapshot() Snapshot {
	return Snapshot{
		AccountID:     m.Intent.AccountID,
		InstrumentID:  m.Intent.InstrumentID,
		CorrelationID: m.Intent.CorrelationID,
		State:         m.State,
		StepIndex:     m.StepIndex,
		FilledQty:     m.FilledQty,
		RemainingQty:  m.RemainingQty(),
		AvgFillPrice:  m.AvgFillPrice,
		BrokerOrderID: m.BrokerOrderID,
		FailureReason: m.FailureReason,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}
