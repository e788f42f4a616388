package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"deltabridge/internal/apperr"
	"deltabridge/internal/models"
)

// MockGateway is the alternate C2 implementation selected when
// config.MockMode is true. Every other component is unchanged: the engine,
// dispatcher, and polling manager see the same Gateway interface. It
// simulates a spread that narrows on every quote read and a fill
// probability drawn once per limit-order placement so
// the full progressive-fill state machine can be exercised without a live
// broker, per SPEC_FULL's "mock mode" supplement.
type MockGateway struct {
	mu sync.Mutex

	rng *rand.Rand

	chains    map[string]*Chain
	quotes    map[string]models.QuoteSnapshot
	positions map[string][]models.Position

	orders map[string]*mockOrder // brokerOrderID -> order

	fillProbabilityPerCheck float64
	nextOrderID             int

	streams   map[string]chan OrderUpdate
	streamsMu sync.Mutex

	log *logrus.Entry
}

type mockOrder struct {
	accountID    string
	instrumentID string
	side         models.Side
	size         float64
	limitPrice   float64
	market       bool
	filledQty    float64
	avgFillPrice float64
	status       string // "open", "filled", "cancelled"
	placedAt     time.Time
}

// NewMockGateway seeds a simulator with a fixed underlying price and a
// synthetic chain so contract selection has something concrete to choose
// from in tests and demo runs.
func NewMockGateway(log *logrus.Entry) *MockGateway {
	return &MockGateway{
		rng:                     rand.New(rand.NewSource(1)),
		chains:                  make(map[string]*Chain),
		quotes:                  make(map[string]models.QuoteSnapshot),
		positions:               make(map[string][]models.Position),
		orders:                  make(map[string]*mockOrder),
		fillProbabilityPerCheck: 0.35,
		streams:                 make(map[string]chan OrderUpdate),
		log:                     log,
	}
}

// SetFillProbability overrides the odds that a limit order fills at the
// moment it is placed; an order that does not fill then stays open until
// cancelled. Used by tests that need a deterministic never-fills or
// always-fills simulation.
func (m *MockGateway) SetFillProbability(p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillProbabilityPerCheck = p
}

// SeedChain installs a synthetic chain for an underlying, used by tests and
// demo bootstrapping instead of hitting a live data feed.
func (m *MockGateway) SeedChain(underlying string, underlyingPrice float64, contracts []models.OptionContract, quotes map[string]models.QuoteSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[underlying] = &Chain{Underlying: underlying, UnderlyingPrice: underlyingPrice, FetchedAt: time.Now(), Contracts: contracts}
	for id, q := range quotes {
		m.quotes[id] = q
	}
}

func (m *MockGateway) GetOptionChain(ctx context.Context, underlying string, expiryFilter *time.Time) (*Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[underlying]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "no mock chain seeded for "+underlying)
	}
	if expiryFilter == nil {
		return chain, nil
	}

	filtered := &Chain{Underlying: chain.Underlying, UnderlyingPrice: chain.UnderlyingPrice, FetchedAt: chain.FetchedAt}
	for _, c := range chain.Contracts {
		if c.Expiry.Format("2006-01-02") == expiryFilter.Format("2006-01-02") {
			filtered.Contracts = append(filtered.Contracts, c)
		}
	}
	return filtered, nil
}

func (m *MockGateway) GetQuote(ctx context.Context, instrumentID string) (*models.QuoteSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotes[instrumentID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "no mock quote for "+instrumentID)
	}

	// Simulate the spread narrowing slightly with each read, matching the
	// "unreasonable spread hold then success" end-to-end scenario.
	width := q.Ask - q.Bid
	width = math.Max(width*0.85, 0.01)
	mid := (q.Ask + q.Bid) / 2
	q.Bid = mid - width/2
	q.Ask = mid + width/2
	q.Timestamp = time.Now()
	m.quotes[instrumentID] = q

	out := q
	return &out, nil
}

func (m *MockGateway) GetPositions(ctx context.Context, accountID, currency string) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Position(nil), m.positions[accountID]...), nil
}

func (m *MockGateway) GetOpenOrders(ctx context.Context, accountID string) ([]models.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.OpenOrder
	for id, o := range m.orders {
		if o.accountID != accountID || o.status != "open" {
			continue
		}
		out = append(out, models.OpenOrder{
			AccountID:     accountID,
			BrokerOrderID: id,
			InstrumentID:  o.instrumentID,
			Side:          o.side,
			Qty:           o.size,
			LimitPrice:    o.limitPrice,
			FilledQty:     o.filledQty,
			Status:        o.status,
			PlacedAt:      o.placedAt,
		})
	}
	return out, nil
}

func (m *MockGateway) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextOrderID++
	id := fmt.Sprintf("mock-%d", m.nextOrderID)

	o := &mockOrder{
		accountID:    req.AccountID,
		instrumentID: req.InstrumentID,
		side:         req.Side,
		size:         req.Size,
		limitPrice:   req.LimitPrice,
		market:       req.Market,
		status:       "open",
		placedAt:     time.Now(),
	}
	m.orders[id] = o

	if req.Market {
		q := m.quotes[req.InstrumentID]
		fillPrice := q.Ask
		if req.Side == models.SideSell {
			fillPrice = q.Bid
		}
		if fillPrice <= 0 {
			fillPrice = req.LimitPrice
		}
		o.filledQty = req.Size
		o.avgFillPrice = fillPrice
		o.status = "filled"
		m.publishFill(id, o)
	} else if m.rng.Float64() < m.fillProbabilityPerCheck {
		o.filledQty = req.Size
		o.avgFillPrice = req.LimitPrice
		o.status = "filled"
		m.publishFill(id, o)
	}

	return id, nil
}

func (m *MockGateway) publishFill(id string, o *mockOrder) {
	m.streamsMu.Lock()
	defer m.streamsMu.Unlock()
	ch, ok := m.streams[o.accountID]
	if !ok {
		return
	}
	select {
	case ch <- OrderUpdate{
		AccountID:      o.accountID,
		BrokerOrderID:  id,
		InstrumentID:   o.instrumentID,
		Status:         o.status,
		FilledQty:      o.filledQty,
		FilledAvgPrice: o.avgFillPrice,
		Timestamp:      time.Now(),
	}:
	default:
	}
}

func (m *MockGateway) CancelOrder(ctx context.Context, accountID, brokerOrderID string) (models.CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[brokerOrderID]
	if !ok {
		return models.CancelNotFound, nil
	}
	if o.status == "filled" {
		return models.CancelAlreadyFilled, nil
	}
	o.status = "cancelled"
	return models.CancelCancelled, nil
}

func (m *MockGateway) GetUSSymbols(ctx context.Context, accountID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbols := make([]string, 0, len(m.chains))
	for u := range m.chains {
		symbols = append(symbols, u)
	}
	return symbols, nil
}

// Ping always succeeds: the mock gateway has no external connection to lose.
func (m *MockGateway) Ping(ctx context.Context) error { return nil }

func (m *MockGateway) OrderUpdates(ctx context.Context, accountID string) (<-chan OrderUpdate, error) {
	m.streamsMu.Lock()
	ch, ok := m.streams[accountID]
	if !ok {
		ch = make(chan OrderUpdate, 32)
		m.streams[accountID] = ch
	}
	m.streamsMu.Unlock()

	go func() {
		<-ctx.Done()
		m.streamsMu.Lock()
		if cur, ok := m.streams[accountID]; ok && cur == ch {
			delete(m.streams, accountID)
			close(ch)
		}
		m.streamsMu.Unlock()
	}()

	return ch, nil
}
