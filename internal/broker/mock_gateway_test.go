package broker

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"deltabridge/internal/models"
)

func newTestMockGateway(t *testing.T) *MockGateway {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewMockGateway(logrus.NewEntry(log))
}

func TestMockGatewayGetOptionChainRequiresSeed(t *testing.T) {
	gw := newTestMockGateway(t)
	if _, err := gw.GetOptionChain(context.Background(), "AAPL", nil); err == nil {
		t.Fatal("expected an error for an unseeded underlying")
	}
}

func TestMockGatewaySeedAndFetchChain(t *testing.T) {
	gw := newTestMockGateway(t)
	expiry := time.Now().Add(30 * 24 * time.Hour)
	contracts := []models.OptionContract{
		{InstrumentID: "AAPL-CALL-1", Underlying: "AAPL", Expiry: expiry, Strike: 195, Right: models.RightCall, TickSize: 0.05},
	}
	gw.SeedChain("AAPL", 190, contracts, map[string]models.QuoteSnapshot{
		"AAPL-CALL-1": {InstrumentID: "AAPL-CALL-1", Bid: 1.00, Ask: 1.20, Delta: 0.3},
	})

	chain, err := gw.GetOptionChain(context.Background(), "AAPL", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain.Contracts) != 1 || chain.UnderlyingPrice != 190 {
		t.Fatalf("unexpected chain: %+v", chain)
	}
}

func TestMockGatewayQuoteSpreadNarrows(t *testing.T) {
	gw := newTestMockGateway(t)
	gw.SeedChain("AAPL", 190, nil, map[string]models.QuoteSnapshot{
		"AAPL-CALL-1": {InstrumentID: "AAPL-CALL-1", Bid: 1.00, Ask: 1.40},
	})

	first, err := gw.GetQuote(context.Background(), "AAPL-CALL-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := gw.GetQuote(context.Background(), "AAPL-CALL-1")
	if err != nil {
		t.Fatal(err)
	}

	firstWidth := first.Ask - first.Bid
	secondWidth := second.Ask - second.Bid
	if !(secondWidth < firstWidth) {
		t.Errorf("expected spread to narrow on repeated reads: %v -> %v", firstWidth, secondWidth)
	}
}

func TestMockGatewayMarketOrderFillsImmediately(t *testing.T) {
	gw := newTestMockGateway(t)
	gw.SeedChain("AAPL", 190, nil, map[string]models.QuoteSnapshot{
		"AAPL-CALL-1": {InstrumentID: "AAPL-CALL-1", Bid: 1.00, Ask: 1.20},
	})

	orderID, err := gw.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: "acct1", InstrumentID: "AAPL-CALL-1", Side: models.SideBuy, Size: 1, Market: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	open, err := gw.GetOpenOrders(context.Background(), "acct1")
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range open {
		if o.BrokerOrderID == orderID {
			t.Fatal("market order should not still be open")
		}
	}
}

func TestMockGatewayCancelUnknownOrderReturnsNotFound(t *testing.T) {
	gw := newTestMockGateway(t)
	result, err := gw.CancelOrder(context.Background(), "acct1", "does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if result != models.CancelNotFound {
		t.Errorf("expected CancelNotFound, got %v", result)
	}
}

func TestMockGatewayOrderUpdatesClosesOnContextDone(t *testing.T) {
	gw := newTestMockGateway(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := gw.OrderUpdates(ctx, "acct1")
	if err != nil {
		t.Fatal(err)
	}
	if ch == nil {
		t.Fatal("expected a non-nil update channel")
	}

	cancel()
	// give the cleanup goroutine a moment to run; once it has, the channel
	// is closed and the stream is no longer tracked for the account.
	time.Sleep(10 * time.Millisecond)

	select {
	case _, open := <-ch:
		if open {
			t.Error("expected no update on the channel after cancellation")
		}
	default:
		t.Error("expected the update channel to be closed after context cancellation")
	}

	gw.streamsMu.Lock()
	_, stillTracked := gw.streams["acct1"]
	gw.streamsMu.Unlock()
	if stillTracked {
		t.Error("expected the stream to be cleaned up after context cancellation")
	}
}
