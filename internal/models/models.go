// Package models holds the data-model types shared across the signal
// dispatcher, contract selector, execution engine, and polling manager.
// Row types owned exclusively by the Delta store live in internal/deltastore
// instead, to keep gorm tags out of the domain types every package imports.
package models

import "time"

// Side is a trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Right is an option contract type.
type Right string

const (
	RightCall Right = "call"
	RightPut  Right = "put"
)

// PositionTransition describes the market-position change a signal claims
// to be making.
type PositionTransition string

const (
	TransitionFlatToLong   PositionTransition = "flat->long"
	TransitionLongToFlat   PositionTransition = "long->flat"
	TransitionFlatToShort  PositionTransition = "flat->short"
	TransitionShortToFlat  PositionTransition = "short->flat"
	TransitionLongToShort  PositionTransition = "long->short"
	TransitionShortToLong  PositionTransition = "short->long"
	TransitionLongToLong   PositionTransition = "long->long"
	TransitionShortToShort PositionTransition = "short->short"
)

// Strategy is the intent an OrderIntent was constructed to fulfill.
type Strategy string

const (
	StrategyOpenLong   Strategy = "open_long"
	StrategyCloseLong  Strategy = "close_long"
	StrategyOpenShort  Strategy = "open_short"
	StrategyCloseShort Strategy = "close_short"
	StrategyRoll       Strategy = "roll"
)

// Signal is the input envelope produced by the webhook after ingress
// validation. It is immutable once constructed.
type Signal struct {
	AccountID          string
	Side               Side
	PositionTransition PositionTransition
	Size               float64
	Underlying         string
	CorrelationID      string
	Comment            string
	ReceivedAt         time.Time
}

// OptionContract is a single tradable option instrument, fetched from the
// broker as part of a whole chain; the live gateway caches chains for up to
// 60 seconds keyed by underlying and expiry filter (the right is not part
// of the key).
type OptionContract struct {
	InstrumentID string
	Underlying   string
	Expiry       time.Time
	Strike       float64
	Right        Right
	TickSize     float64
	Multiplier   int
}

// QuoteSnapshot is a transient market data reading, never persisted.
type QuoteSnapshot struct {
	InstrumentID    string
	Bid             float64
	Ask             float64
	Last            float64
	Mark            float64
	UnderlyingPrice float64
	Delta           float64
	OpenInterest    int64
	Volume          int64
	Timestamp       time.Time
}

// Reasonable reports the invariant bid<=ask when both sides are quoted.
func (q QuoteSnapshot) Reasonable() bool {
	if q.Bid > 0 && q.Ask > 0 {
		return q.Ask >= q.Bid
	}
	return true
}

// OrderIntent is handed from the dispatcher to the execution engine.
// Immutable after construction; ownership transfers to the engine.
type OrderIntent struct {
	AccountID     string
	InstrumentID  string
	TickSize      float64
	Side          Side
	Size          float64
	CorrelationID string
	TVSignalID    string
	Strategy      Strategy
	CreatedAt     time.Time

	// OnFilled, if set, is invoked by the engine once this intent reaches
	// Filled and its post-fill actions (position fetch, delta write,
	// notify) have run. Used to chain the paired open leg of a
	// close-then-open roll onto the close leg's completion.
	OnFilled func()
}

// OrderState is a ManagedOrder's position in the C5 state machine.
type OrderState string

const (
	StateIdle           OrderState = "Idle"
	StatePlacing        OrderState = "Placing"
	StateWorking        OrderState = "Working"
	StateStepping       OrderState = "Stepping"
	StateCancelling     OrderState = "Cancelling"
	StateFilled         OrderState = "Filled"
	StateCancelled      OrderState = "Cancelled"
	StateMarketFallback OrderState = "MarketFallback"
	StateMarketPlaced   OrderState = "MarketPlaced"
	StateFailed         OrderState = "Failed"
)

// Position is a broker-reported open position with Greeks.
type Position struct {
	AccountID    string
	InstrumentID string
	Underlying   string
	Qty          float64
	AvgPrice     float64
	MarkPrice    float64
	UnrealizedPL float64
	RealizedPL   float64
	Delta        float64
	Gamma        float64
	Theta        float64
	Vega         float64
}

// OpenOrder is a broker-reported working order, used by the order poll loop
// to reconcile against the engine's own ManagedOrder set.
type OpenOrder struct {
	AccountID    string
	BrokerOrderID string
	InstrumentID string
	Side         Side
	Qty          float64
	LimitPrice   float64
	FilledQty    float64
	Status       string
	PlacedAt     time.Time
}

// CancelResult is the outcome of a cancel_order call.
type CancelResult string

const (
	CancelCancelled     CancelResult = "cancelled"
	CancelAlreadyFilled CancelResult = "already_filled"
	CancelNotFound      CancelResult = "not_found"
)

// DeltaAction classifies a DeltaRecord row.
type DeltaAction string

const (
	ActionOpen    DeltaAction = "open"
	ActionClose   DeltaAction = "close"
	ActionAdjust  DeltaAction = "adjust"
	ActionObserve DeltaAction = "observe"
	ActionTarget  DeltaAction = "target"
)

// Account is a registered trading account.
type Account struct {
	Name               string
	Enabled            bool
	BrokerCredentialsRef string
	NotifierChannel    string
}
