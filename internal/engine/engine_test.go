package engine

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"deltabridge/internal/broker"
	"deltabridge/internal/deltastore"
	"deltabridge/internal/models"
	"deltabridge/internal/notifier"
)

func testEntry() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestStore(t *testing.T) *deltastore.Store {
	t.Helper()
	store, err := deltastore.New(filepath.Join(t.TempDir(), "delta.db"), testEntry())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedInstrument(gw *broker.MockGateway, instrumentID string, bid, ask float64) {
	gw.SeedChain("AAPL", 190, nil, map[string]models.QuoteSnapshot{
		instrumentID: {InstrumentID: instrumentID, Bid: bid, Ask: ask},
	})
}

// waitForTerminal polls Snapshot until the ManagedOrder reaches a terminal
// state or the deadline passes, since the state machine runs on its own
// worker goroutine.
func waitForTerminal(t *testing.T, eng *Engine, instrumentID string, timeout time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snap, ok := eng.Snapshot(instrumentID); ok {
			switch snap.State {
			case models.StateFilled, models.StateCancelled, models.StateFailed:
				return snap
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("order for %s did not reach a terminal state within %s", instrumentID, timeout)
	return Snapshot{}
}

func TestEngineSubmitIntentReachesFilled(t *testing.T) {
	instrumentID := "AAPL-190C"
	gw := broker.NewMockGateway(testEntry())
	seedInstrument(gw, instrumentID, 1.00, 1.20)

	store := newTestStore(t)
	notif := notifier.New(nil, testEntry())

	eng := New("acct1", gw, store, notif, Config{
		StepInterval:         20 * time.Millisecond,
		MaxSteps:             3,
		EnableMarketFallback: true,
		MaxPlaceRetries:      3,
		SpreadHoldBudget:     3,
		SpreadRatioThreshold: 0.5,
		SpreadTickThreshold:  50,
		GatewayCallTimeout:   time.Second,
	}, testEntry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	intent := models.OrderIntent{
		AccountID:     "acct1",
		InstrumentID:  instrumentID,
		TickSize:      0.05,
		Side:          models.SideBuy,
		Size:          1,
		CorrelationID: "sig-1",
		Strategy:      models.StrategyOpenLong,
		CreatedAt:     time.Now(),
	}
	if err := eng.SubmitIntent(ctx, intent); err != nil {
		t.Fatal(err)
	}

	snap := waitForTerminal(t, eng, instrumentID, 5*time.Second)
	if snap.State != models.StateFilled {
		t.Fatalf("expected order to fill (with market fallback as a backstop), got state %s: %s", snap.State, snap.FailureReason)
	}

	records, err := store.ByAccount(deltastore.ByAccountQuery{AccountID: "acct1"})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range records {
		if r.Action == string(models.ActionOpen) {
			found = true
		}
	}
	if !found {
		t.Error("expected an 'open' delta record after a fill for an OpenLong strategy")
	}
}

func TestEngineFailsWhenMaxStepsZeroAndFallbackDisabledNeverFills(t *testing.T) {
	instrumentID := "AAPL-190C"
	gw := broker.NewMockGateway(testEntry())
	seedInstrument(gw, instrumentID, 1.00, 1.20)
	gw.SetFillProbability(0) // the resting limit order must never fill on its own

	store := newTestStore(t)
	notif := notifier.New(nil, testEntry())

	eng := New("acct1", gw, store, notif, Config{
		StepInterval:         10 * time.Millisecond,
		MaxSteps:             0,
		EnableMarketFallback: false,
		MaxPlaceRetries:      3,
		SpreadHoldBudget:     2,
		SpreadRatioThreshold: 0.5,
		SpreadTickThreshold:  50,
		GatewayCallTimeout:   time.Second,
	}, testEntry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	intent := models.OrderIntent{
		AccountID:     "acct1",
		InstrumentID:  instrumentID,
		TickSize:      0.05,
		Side:          models.SideBuy,
		Size:          1,
		CorrelationID: "sig-maxsteps-zero",
		Strategy:      models.StrategyOpenLong,
		CreatedAt:     time.Now(),
	}
	if err := eng.SubmitIntent(ctx, intent); err != nil {
		t.Fatal(err)
	}

	snap := waitForTerminal(t, eng, instrumentID, 5*time.Second)
	if snap.State != models.StateFailed {
		t.Fatalf("expected max_steps=0 with fallback disabled to eventually fail rather than loop forever, got state %s", snap.State)
	}
}

// waitForState polls Snapshot until it reports want or the deadline passes.
func waitForState(t *testing.T, eng *Engine, instrumentID string, want models.OrderState, timeout time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snap, ok := eng.Snapshot(instrumentID); ok && snap.State == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("order for %s did not reach state %s within %s", instrumentID, want, timeout)
	return Snapshot{}
}

// TestEngineCancelsWorkingOrderOnShutdown exercises spec §8 scenario 6: a
// shutdown signalled while an order is resting Working must stop the state
// machine from advancing further steps, issue a best-effort broker cancel,
// and have Run return within its 3-second cancel budget.
func TestEngineCancelsWorkingOrderOnShutdown(t *testing.T) {
	instrumentID := "AAPL-190C"
	gw := broker.NewMockGateway(testEntry())
	seedInstrument(gw, instrumentID, 1.00, 1.20)
	gw.SetFillProbability(0) // must stay open long enough to observe Working

	store := newTestStore(t)
	notif := notifier.New(nil, testEntry())

	eng := New("acct1", gw, store, notif, Config{
		StepInterval:         10 * time.Second, // long enough that no step fires during the test
		MaxSteps:             3,
		EnableMarketFallback: true,
		MaxPlaceRetries:      3,
		SpreadHoldBudget:     3,
		SpreadRatioThreshold: 0.5,
		SpreadTickThreshold:  50,
		GatewayCallTimeout:   time.Second,
	}, testEntry())

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		eng.Run(runCtx)
		close(runDone)
	}()
	// An order takes its lifetime from Run's context only once Run has
	// recorded it, so wait for that before submitting.
	for started := false; !started; time.Sleep(time.Millisecond) {
		eng.mu.Lock()
		started = eng.runCtx != nil
		eng.mu.Unlock()
	}

	intent := models.OrderIntent{
		AccountID:     "acct1",
		InstrumentID:  instrumentID,
		TickSize:      0.05,
		Side:          models.SideBuy,
		Size:          1,
		CorrelationID: "sig-shutdown",
		Strategy:      models.StrategyOpenLong,
		CreatedAt:     time.Now(),
	}
	if err := eng.SubmitIntent(context.Background(), intent); err != nil {
		t.Fatal(err)
	}

	waitForState(t, eng, instrumentID, models.StateWorking, time.Second)

	shutdownStart := time.Now()
	cancelRun()

	select {
	case <-runDone:
	case <-time.After(4 * time.Second):
		t.Fatal("Run did not return within its 3-second shutdown cancel budget")
	}
	if elapsed := time.Since(shutdownStart); elapsed > 4*time.Second {
		t.Errorf("Run took %s to return after shutdown, want at most its ~3s cancel budget", elapsed)
	}

	snap := waitForTerminal(t, eng, instrumentID, time.Second)
	if snap.State != models.StateCancelled {
		t.Fatalf("expected the working order to be cancelled on shutdown, got state %s: %s", snap.State, snap.FailureReason)
	}
}

func TestEngineSerializesOrdersPerInstrument(t *testing.T) {
	instrumentID := "AAPL-190C"
	gw := broker.NewMockGateway(testEntry())
	seedInstrument(gw, instrumentID, 1.00, 1.20)

	store := newTestStore(t)
	notif := notifier.New(nil, testEntry())

	eng := New("acct1", gw, store, notif, Config{
		StepInterval:         10 * time.Millisecond,
		MaxSteps:             2,
		EnableMarketFallback: true,
		MaxPlaceRetries:      3,
		SpreadHoldBudget:     3,
		SpreadRatioThreshold: 0.5,
		SpreadTickThreshold:  50,
		GatewayCallTimeout:   time.Second,
	}, testEntry())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		intent := models.OrderIntent{
			AccountID:     "acct1",
			InstrumentID:  instrumentID,
			TickSize:      0.05,
			Side:          models.SideBuy,
			Size:          1,
			CorrelationID: "sig-serial",
			Strategy:      models.StrategyOpenLong,
			CreatedAt:     time.Now(),
		}
		if err := eng.SubmitIntent(ctx, intent); err != nil {
			t.Fatal(err)
		}
	}

	// All three intents are queued on the same instrument's mailbox; give
	// them time to process one at a time rather than racing.
	time.Sleep(2 * time.Second)

	records, err := store.ByAccount(deltastore.ByAccountQuery{AccountID: "acct1", Limit: 500})
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, r := range records {
		if r.Action == string(models.ActionOpen) {
			count++
		}
	}
	if count != 3 {
		t.Errorf("expected 3 fills to have processed serially, got %d open records", count)
	}
}
