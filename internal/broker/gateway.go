// Package broker defines the message-level contract to the options broker
// (C2) and provides two implementations: a live Alpaca-backed gateway and
// an in-memory simulator selected by config.MockMode. Neither the engine,
// the dispatcher, nor the polling manager import anything from this
// package except the Gateway interface and the plain data types below —
// broker SDK types never leak past NewAlpacaGateway's return value.
package broker

import (
	"context"
	"time"

	"deltabridge/internal/models"
)

// Chain is a snapshot of tradable contracts for one underlying, optionally
// restricted to a single expiry.
type Chain struct {
	Underlying      string
	UnderlyingPrice float64
	FetchedAt       time.Time
	Contracts       []models.OptionContract
}

// PlaceOrderRequest is the input to Gateway.PlaceOrder. Exactly one of
// LimitPrice or Market is meaningful; Market takes precedence when true.
type PlaceOrderRequest struct {
	AccountID      string
	InstrumentID   string
	Side           models.Side
	Size           float64
	LimitPrice     float64
	Market         bool
	IdempotencyKey string
}

// Gateway is the interface C5, C6, C7, and C9 depend on. It is the only
// abstraction across which the whole system talks to the broker; every
// method is I/O and may return an *apperr.Error tagged with one of the
// gateway failure kinds (Transport, RateLimited, AuthExpired,
// RejectedByBroker, NotFound, Malformed).
type Gateway interface {
	GetOptionChain(ctx context.Context, underlying string, expiryFilter *time.Time) (*Chain, error)
	GetQuote(ctx context.Context, instrumentID string) (*models.QuoteSnapshot, error)
	GetPositions(ctx context.Context, accountID, currency string) ([]models.Position, error)
	GetOpenOrders(ctx context.Context, accountID string) ([]models.OpenOrder, error)
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (brokerOrderID string, err error)
	CancelOrder(ctx context.Context, accountID, brokerOrderID string) (models.CancelResult, error)
	GetUSSymbols(ctx context.Context, accountID string) ([]string, error)

	// OrderUpdates returns a channel of push-based order state changes for
	// the account when the underlying transport supports streaming (the
	// live gateway does, over a websocket; the mock gateway synthesizes
	// updates on the same channel so C5 can select on it uniformly). The
	// channel is closed when ctx is cancelled.
	OrderUpdates(ctx context.Context, accountID string) (<-chan OrderUpdate, error)

	// Ping is a lightweight reachability check used by the operator health
	// endpoint's broker sub-check; it must not place, cancel, or fetch
	// anything beyond confirming the broker connection is alive.
	Ping(ctx context.Context) error
}

// OrderUpdate is a push notification about a single order's fill state,
// feeding the engine's Working -> Filled transition without waiting for
// the next poll tick.
type OrderUpdate struct {
	AccountID     string
	BrokerOrderID string
	InstrumentID  string
	Status        string
	FilledQty     float64
	FilledAvgPrice float64
	Timestamp     time.Time
}
