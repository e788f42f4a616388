package dispatcher

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"deltabridge/internal/broker"
	"deltabridge/internal/config"
	"deltabridge/internal/deltastore"
	"deltabridge/internal/engine"
	"deltabridge/internal/models"
	"deltabridge/internal/notifier"
	"deltabridge/internal/selector"
)

func testEntry() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type testHarness struct {
	dsp   *Dispatcher
	store *deltastore.Store
	eng   *engine.Engine
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	cfg := &config.Config{
		DedupeWindow:       200 * time.Millisecond,
		GatewayCallTimeout: time.Second,
		Accounts:           []config.Account{{Name: "acct1", Enabled: true}},
	}

	gw := broker.NewMockGateway(testEntry())
	expiry := time.Now().Add(30 * 24 * time.Hour)
	contracts := []models.OptionContract{
		{InstrumentID: "AAPL-200C", Underlying: "AAPL", Expiry: expiry, Strike: 200, Right: models.RightCall, TickSize: 0.05},
		{InstrumentID: "AAPL-190P", Underlying: "AAPL", Expiry: expiry, Strike: 190, Right: models.RightPut, TickSize: 0.05},
	}
	gw.SeedChain("AAPL", 195, contracts, map[string]models.QuoteSnapshot{
		"AAPL-200C": {InstrumentID: "AAPL-200C", Bid: 1.90, Ask: 2.00, Delta: 0.30, OpenInterest: 100},
		"AAPL-190P": {InstrumentID: "AAPL-190P", Bid: 1.90, Ask: 2.00, Delta: -0.30, OpenInterest: 100},
	})

	store, err := deltastore.New(filepath.Join(t.TempDir(), "delta.db"), testEntry())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	notif := notifier.New(nil, testEntry())
	eng := engine.New("acct1", gw, store, notif, engine.Config{
		StepInterval:         20 * time.Millisecond,
		MaxSteps:             2,
		EnableMarketFallback: true,
		MaxPlaceRetries:      3,
		SpreadHoldBudget:     3,
		SpreadRatioThreshold: 0.5,
		SpreadTickThreshold:  50,
		GatewayCallTimeout:   time.Second,
	}, testEntry())

	sel := selector.New(gw, cfg.ContractSelection, 0.5, 50, testEntry())

	dsp := New(cfg,
		map[string]*selector.Selector{"acct1": sel},
		map[string]broker.Gateway{"acct1": gw},
		store, notif,
		func(accountID string) (*engine.Engine, bool) {
			if accountID == "acct1" {
				return eng, true
			}
			return nil, false
		},
		testEntry(),
	)

	return &testHarness{dsp: dsp, store: store, eng: eng}
}

func TestDispatchRejectsUnknownAccount(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.dsp.Dispatch(context.Background(), models.Signal{
		AccountID: "does-not-exist", Underlying: "AAPL", Size: 1, CorrelationID: "s1",
		PositionTransition: models.TransitionFlatToLong,
	})
	if err == nil {
		t.Fatal("expected an error for an unknown account")
	}
}

func TestDispatchRejectsMissingCorrelationID(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.dsp.Dispatch(context.Background(), models.Signal{
		AccountID: "acct1", Underlying: "AAPL", Size: 1,
		PositionTransition: models.TransitionFlatToLong,
	})
	if err == nil {
		t.Fatal("expected an error for a missing correlation_id")
	}
}

func TestDispatchAcceptsValidSignal(t *testing.T) {
	h := newTestHarness(t)
	ack, err := h.dsp.Dispatch(context.Background(), models.Signal{
		AccountID: "acct1", Underlying: "AAPL", Side: models.SideBuy, Size: 1,
		CorrelationID:      "sig-accept-1",
		PositionTransition: models.TransitionFlatToLong,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ack.Status != "accepted" || ack.InstrumentID != "AAPL-200C" {
		t.Errorf("unexpected ack: %+v", ack)
	}
}

func TestDispatchReplaysDuplicateWithinDedupeWindow(t *testing.T) {
	h := newTestHarness(t)
	sig := models.Signal{
		AccountID: "acct1", Underlying: "AAPL", Side: models.SideBuy, Size: 1,
		CorrelationID:      "sig-dupe-1",
		PositionTransition: models.TransitionFlatToLong,
	}

	first, err := h.dsp.Dispatch(context.Background(), sig)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.dsp.Dispatch(context.Background(), sig)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("expected identical ack on replay: %+v != %+v", first, second)
	}

	// exactly one target record should have been written for this signal
	records, err := h.store.ByAccount(deltastore.ByAccountQuery{AccountID: "acct1"})
	if err != nil {
		t.Fatal(err)
	}
	targetCount := 0
	for _, r := range records {
		if r.Action == string(models.ActionTarget) && r.CorrelationID != nil && *r.CorrelationID == sig.CorrelationID {
			targetCount++
		}
	}
	if targetCount != 1 {
		t.Errorf("expected exactly one target record for a deduped replay, got %d", targetCount)
	}
}

func TestDispatchLongToLongAddsToPositionWithoutRoll(t *testing.T) {
	h := newTestHarness(t)
	// The mock gateway has no existing position seeded for this account, so
	// if long->long were misclassified as a roll, processRoll would fail
	// with NoSuitableContract (no existing position to close). Accepting
	// cleanly proves it took the same-direction add-on path instead.
	ack, err := h.dsp.Dispatch(context.Background(), models.Signal{
		AccountID: "acct1", Underlying: "AAPL", Side: models.SideBuy, Size: 1,
		CorrelationID:      "sig-long-add",
		PositionTransition: models.TransitionLongToLong,
	})
	if err != nil {
		t.Fatalf("expected long->long to add to the existing long without rolling, got error: %v", err)
	}
	if ack.Status != "accepted" {
		t.Errorf("expected status 'accepted' for a same-direction add-on, got %q", ack.Status)
	}
}

func TestDispatchShortToShortAddsToPositionWithoutRoll(t *testing.T) {
	h := newTestHarness(t)
	ack, err := h.dsp.Dispatch(context.Background(), models.Signal{
		AccountID: "acct1", Underlying: "AAPL", Side: models.SideSell, Size: 1,
		CorrelationID:      "sig-short-add",
		PositionTransition: models.TransitionShortToShort,
	})
	if err != nil {
		t.Fatalf("expected short->short to add to the existing short without rolling, got error: %v", err)
	}
	if ack.Status != "accepted" {
		t.Errorf("expected status 'accepted' for a same-direction add-on, got %q", ack.Status)
	}
}

func TestDispatchAllowsReplayAfterWindowExpires(t *testing.T) {
	h := newTestHarness(t)
	sig := models.Signal{
		AccountID: "acct1", Underlying: "AAPL", Side: models.SideBuy, Size: 1,
		CorrelationID:      "sig-expire-1",
		PositionTransition: models.TransitionFlatToLong,
	}

	if _, err := h.dsp.Dispatch(context.Background(), sig); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond) // dedupe window is 200ms in the harness

	if _, err := h.dsp.Dispatch(context.Background(), sig); err != nil {
		t.Fatal(err)
	}

	// Both calls ran the full pipeline (the in-memory dedupe window had
	// expired), so the engine received two intents and will eventually
	// produce two distinct 'open' records; give the second order time to
	// process before asserting on the store.
	time.Sleep(500 * time.Millisecond)

	records, err := h.store.ByAccount(deltastore.ByAccountQuery{AccountID: "acct1", Limit: 500})
	if err != nil {
		t.Fatal(err)
	}
	targetCount, openCount := 0, 0
	for _, r := range records {
		if r.CorrelationID == nil || *r.CorrelationID != sig.CorrelationID {
			continue
		}
		switch r.Action {
		case string(models.ActionTarget):
			targetCount++
		case string(models.ActionOpen):
			openCount++
		}
	}
	// The target record's content is identical both times (same contract,
	// same computed delta), so the store's content-key idempotency
	// collapses it to one row even though the pipeline ran twice.
	if targetCount != 1 {
		t.Errorf("expected the identical target record to collapse to one row, got %d", targetCount)
	}
	if openCount != 2 {
		t.Errorf("expected two independently-filled orders once the dedupe window expired, got %d", openCount)
	}
}
