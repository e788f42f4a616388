package selector

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"deltabridge/internal/apperr"
	"deltabridge/internal/broker"
	"deltabridge/internal/config"
	"deltabridge/internal/models"
)

func newTestGateway(t *testing.T) *broker.MockGateway {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	return broker.NewMockGateway(logrus.NewEntry(log))
}

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func seedTwoStrikeChain(gw *broker.MockGateway, expiry time.Time) {
	contracts := []models.OptionContract{
		{InstrumentID: "AAPL-190C", Underlying: "AAPL", Expiry: expiry, Strike: 190, Right: models.RightCall, TickSize: 0.05},
		{InstrumentID: "AAPL-200C", Underlying: "AAPL", Expiry: expiry, Strike: 200, Right: models.RightCall, TickSize: 0.05},
	}
	gw.SeedChain("AAPL", 195, contracts, map[string]models.QuoteSnapshot{
		"AAPL-190C": {InstrumentID: "AAPL-190C", Bid: 5.90, Ask: 6.00, Delta: 0.55, OpenInterest: 100, Volume: 50},
		"AAPL-200C": {InstrumentID: "AAPL-200C", Bid: 1.90, Ask: 2.00, Delta: 0.30, OpenInterest: 500, Volume: 200},
	})
}

func TestSelectPicksContractClosestToTargetDelta(t *testing.T) {
	gw := newTestGateway(t)
	expiry := time.Now().Add(30 * 24 * time.Hour)
	seedTwoStrikeChain(gw, expiry)

	sel := New(gw, config.ContractSelection{TargetDeltaOpen: 0.30, MinDaysToExpiry: 7, MaxDaysToExpiry: 45, TargetDaysToExpiry: 30}, 0.5, 20, testLog())

	sig := models.Signal{Underlying: "AAPL", PositionTransition: models.TransitionFlatToLong, Size: 1}
	contract, quote, err := sel.Select(context.Background(), sig)
	if err != nil {
		t.Fatal(err)
	}
	if contract.InstrumentID != "AAPL-200C" {
		t.Errorf("expected the 0.30-delta contract to be chosen, got %s", contract.InstrumentID)
	}
	if quote.Delta != 0.30 {
		t.Errorf("expected the returned quote to match the chosen contract, got delta %v", quote.Delta)
	}
}

func TestSelectClosingPrefersClosestToUnderlying(t *testing.T) {
	gw := newTestGateway(t)
	expiry := time.Now().Add(30 * 24 * time.Hour)
	seedTwoStrikeChain(gw, expiry)

	sel := New(gw, config.ContractSelection{MinDaysToExpiry: 7, MaxDaysToExpiry: 45, TargetDaysToExpiry: 30}, 0.5, 20, testLog())

	// short->flat is a closing trade that selects calls; 190C and 200C are
	// both 5 away from the 195 underlying, and 200C wins on open interest.
	sig := models.Signal{Underlying: "AAPL", PositionTransition: models.TransitionShortToFlat, Size: 1}
	contract, _, err := sel.Select(context.Background(), sig)
	if err != nil {
		t.Fatal(err)
	}
	if contract.InstrumentID != "AAPL-200C" {
		t.Errorf("expected 200C (as close to the 195 underlying as 190C, higher open interest) to be chosen, got %s", contract.InstrumentID)
	}
}

func TestSelectFailsOnEmptyChain(t *testing.T) {
	gw := newTestGateway(t)
	gw.SeedChain("MSFT", 400, nil, nil)
	sel := New(gw, config.ContractSelection{}, 0.5, 20, testLog())

	_, _, err := sel.Select(context.Background(), models.Signal{Underlying: "MSFT", PositionTransition: models.TransitionFlatToLong, Size: 1})
	if err == nil {
		t.Fatal("expected an error for an empty chain")
	}
}

func TestSelectFailsWhenNoContractsWithinExpiryWindow(t *testing.T) {
	gw := newTestGateway(t)
	// only a 2-day expiry, outside the default [7,45] day window
	tooSoon := time.Now().Add(2 * 24 * time.Hour)
	gw.SeedChain("AAPL", 195, []models.OptionContract{
		{InstrumentID: "AAPL-200C", Underlying: "AAPL", Expiry: tooSoon, Strike: 200, Right: models.RightCall, TickSize: 0.05},
	}, map[string]models.QuoteSnapshot{
		"AAPL-200C": {InstrumentID: "AAPL-200C", Bid: 1.90, Ask: 2.00, Delta: 0.30},
	})

	sel := New(gw, config.ContractSelection{MinDaysToExpiry: 7, MaxDaysToExpiry: 45}, 0.5, 20, testLog())
	_, _, err := sel.Select(context.Background(), models.Signal{Underlying: "AAPL", PositionTransition: models.TransitionFlatToLong, Size: 1})
	if err == nil {
		t.Fatal("expected NoSuitableContract when every expiry falls outside the window")
	}
}

func TestSelectFailsWithUnreasonableSpreadKindNotPersistedKind(t *testing.T) {
	gw := newTestGateway(t)
	expiry := time.Now().Add(30 * 24 * time.Hour)
	// A spread this wide relative to tick size stays unreasonable on both
	// the initial check and the single retry.
	gw.SeedChain("AAPL", 195, []models.OptionContract{
		{InstrumentID: "AAPL-200C", Underlying: "AAPL", Expiry: expiry, Strike: 200, Right: models.RightCall, TickSize: 0.05},
	}, map[string]models.QuoteSnapshot{
		"AAPL-200C": {InstrumentID: "AAPL-200C", Bid: 1.00, Ask: 5.00, Delta: 0.30},
	})

	sel := New(gw, config.ContractSelection{MinDaysToExpiry: 7, MaxDaysToExpiry: 45, TargetDaysToExpiry: 30}, 0.5, 20, testLog())

	_, _, err := sel.Select(context.Background(), models.Signal{Underlying: "AAPL", PositionTransition: models.TransitionFlatToLong, Size: 1})
	if err == nil {
		t.Fatal("expected an error for a persistently unreasonable spread")
	}
	if !apperr.Is(err, apperr.KindUnreasonableSpread) {
		t.Errorf("expected KindUnreasonableSpread (C4's own failure mode per spec §4.4), got %v", err)
	}
	if apperr.Is(err, apperr.KindUnreasonableSpreadPersisted) {
		t.Error("KindUnreasonableSpreadPersisted is C5's hold-budget failure, not C4's retry failure")
	}
}

func TestRightForMapping(t *testing.T) {
	cases := map[models.PositionTransition]models.Right{
		models.TransitionFlatToLong:  models.RightCall,
		models.TransitionShortToFlat: models.RightCall,
		models.TransitionShortToLong: models.RightCall,
		models.TransitionLongToLong:  models.RightCall,
		models.TransitionFlatToShort: models.RightPut,
		models.TransitionLongToFlat:  models.RightPut,
		models.TransitionLongToShort: models.RightPut,
	}
	for transition, want := range cases {
		if got := rightFor(transition); got != want {
			t.Errorf("rightFor(%s) = %s, want %s", transition, got, want)
		}
	}
}

func TestIsOpening(t *testing.T) {
	opening := []models.PositionTransition{models.TransitionFlatToLong, models.TransitionFlatToShort, models.TransitionShortToLong, models.TransitionLongToShort}
	for _, transition := range opening {
		if !isOpening(transition) {
			t.Errorf("expected %s to be an opening transition", transition)
		}
	}
	closing := []models.PositionTransition{models.TransitionLongToFlat, models.TransitionShortToFlat}
	for _, transition := range closing {
		if isOpening(transition) {
			t.Errorf("expected %s to not be an opening transition", transition)
		}
	}
}
