// Package dispatcher implements C7, the signal dispatch pipeline:
// validation, dedupe, per-account serialization, contract selection, the
// pre-trade target Delta record, and handoff to the execution engine.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"deltabridge/internal/apperr"
	"deltabridge/internal/broker"
	"deltabridge/internal/config"
	"deltabridge/internal/deltastore"
	"deltabridge/internal/engine"
	"deltabridge/internal/models"
	"deltabridge/internal/notifier"
	"deltabridge/internal/selector"
)

// Ack is the synchronous response returned to the webhook caller. The
// actual fill is asynchronous; operators observe outcomes through the
// Delta store and notifier.
type Ack struct {
	CorrelationID string `json:"correlation_id"`
	InstrumentID  string `json:"instrument_id"`
	Status        string `json:"status"`
}

// EngineFor resolves the per-account engine, keeping the dispatcher
// decoupled from how engines are constructed and registered in main.
type EngineFor func(accountID string) (*engine.Engine, bool)

// Dispatcher is stateless across signals except for the dedupe cache and
// per-account mailboxes; both are safe for concurrent use across accounts.
type Dispatcher struct {
	cfg       *config.Config
	selectors map[string]*selector.Selector // account -> selector (each wraps that account's gateway)
	gateways  map[string]broker.Gateway     // account -> gateway, needed to resolve the roll close leg
	store     *deltastore.Store
	notif     notifier.Notifier
	engineFor EngineFor
	log       *logrus.Entry

	dedupeMu sync.Mutex
	dedupe   map[string]dedupeEntry // key: accountID+correlationID

	mailboxMu sync.Mutex
	mailboxes map[string]chan func() // account -> serialized work queue
}

type dedupeEntry struct {
	ack       Ack
	expiresAt time.Time
}

func New(cfg *config.Config, selectors map[string]*selector.Selector, gateways map[string]broker.Gateway, store *deltastore.Store, notif notifier.Notifier, engineFor EngineFor, log *logrus.Entry) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		selectors: selectors,
		gateways:  gateways,
		store:     store,
		notif:     notif,
		engineFor: engineFor,
		log:       log,
		dedupe:    make(map[string]dedupeEntry),
		mailboxes: make(map[string]chan func()),
	}
	return d
}

// Dispatch runs the full pipeline for one signal and returns the
// synchronous ack, or a terminal error if the signal is rejected before
// hand-off to the engine.
func (d *Dispatcher) Dispatch(ctx context.Context, sig models.Signal) (Ack, error) {
	if err := validate(sig, d.cfg); err != nil {
		return Ack{}, err
	}

	if ack, ok := d.checkDedupe(sig); ok {
		d.log.WithField("correlation_id", sig.CorrelationID).Info("duplicate signal within dedupe window, replaying prior ack")
		return ack, nil
	}

	resultCh := make(chan struct {
		ack Ack
		err error
	}, 1)

	d.enqueue(sig.AccountID, func() {
		ack, err := d.process(ctx, sig)
		resultCh <- struct {
			ack Ack
			err error
		}{ack, err}
	})

	select {
	case r := <-resultCh:
		if r.err == nil {
			d.storeDedupe(sig, r.ack)
		}
		return r.ack, r.err
	case <-ctx.Done():
		return Ack{}, apperr.Wrap(apperr.KindTransport, "signal processing timed out", ctx.Err())
	}
}

func validate(sig models.Signal, cfg *config.Config) error {
	if sig.AccountID == "" || sig.Underlying == "" {
		return apperr.New(apperr.KindValidation, "account_id and underlying are required")
	}
	if sig.Size <= 0 {
		return apperr.New(apperr.KindValidation, "size must be > 0")
	}
	acct, ok := cfg.Account(sig.AccountID)
	if !ok || !acct.Enabled {
		return apperr.New(apperr.KindValidation, "unknown or disabled account: "+sig.AccountID)
	}
	if sig.CorrelationID == "" {
		return apperr.New(apperr.KindValidation, "correlation_id is required")
	}
	return nil
}

func (d *Dispatcher) checkDedupe(sig models.Signal) (Ack, bool) {
	key := sig.AccountID + "|" + sig.CorrelationID
	d.dedupeMu.Lock()
	defer d.dedupeMu.Unlock()

	now := time.Now()
	for k, v := range d.dedupe {
		if now.After(v.expiresAt) {
			delete(d.dedupe, k)
		}
	}

	entry, ok := d.dedupe[key]
	if !ok || now.After(entry.expiresAt) {
		return Ack{}, false
	}
	return entry.ack, true
}

func (d *Dispatcher) storeDedupe(sig models.Signal, ack Ack) {
	key := sig.AccountID + "|" + sig.CorrelationID
	d.dedupeMu.Lock()
	defer d.dedupeMu.Unlock()
	d.dedupe[key] = dedupeEntry{ack: ack, expiresAt: time.Now().Add(d.cfg.DedupeWindow)}
}

// enqueue hands work to the account's mailbox, lazily starting its
// processing goroutine so signals for the same account are handled one at
// a time in arrival order while distinct accounts proceed in parallel.
func (d *Dispatcher) enqueue(accountID string, work func()) {
	d.mailboxMu.Lock()
	mb, ok := d.mailboxes[accountID]
	if !ok {
		mb = make(chan func(), 64)
		d.mailboxes[accountID] = mb
		go func() {
			for job := range mb {
				job()
			}
		}()
	}
	d.mailboxMu.Unlock()
	mb <- work
}

// process runs steps 4-6 of spec §4.7: chain+contract selection, the
// pre-trade target Delta record, and engine hand-off. It always runs on
// the account's mailbox goroutine, so it never races with another signal
// for the same account.
func (d *Dispatcher) process(ctx context.Context, sig models.Signal) (Ack, error) {
	sel, ok := d.selectors[sig.AccountID]
	if !ok {
		return Ack{}, apperr.New(apperr.KindValidation, "no selector configured for account "+sig.AccountID)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.GatewayCallTimeout)
	defer cancel()

	contract, quote, err := sel.Select(callCtx, sig)
	if err != nil {
		return Ack{}, err
	}

	strategy := strategyForTransition(sig.PositionTransition)

	eng, ok := d.engineFor(sig.AccountID)
	if !ok {
		return Ack{}, apperr.New(apperr.KindValidation, "no engine configured for account "+sig.AccountID)
	}

	if strategy == models.StrategyRoll {
		return d.processRoll(ctx, sig, eng, *contract)
	}

	targetDelta := targetDeltaFor(strategy, quote.Delta, d.cfg.ContractSelection.TargetDeltaOpen)
	if err := d.writeTargetRecord(sig.AccountID, contract.InstrumentID, sig.CorrelationID, targetDelta); err != nil {
		return Ack{}, err
	}

	intent := models.OrderIntent{
		AccountID:     sig.AccountID,
		InstrumentID:  contract.InstrumentID,
		TickSize:      contract.TickSize,
		Side:          sig.Side,
		Size:          sig.Size,
		CorrelationID: sig.CorrelationID,
		TVSignalID:    sig.CorrelationID,
		Strategy:      strategy,
		CreatedAt:     time.Now(),
	}

	if err := eng.SubmitIntent(ctx, intent); err != nil {
		d.notif.Notify(ctx, "", notifier.Event{
			Kind:          notifier.EventOrderFailed,
			AccountID:     sig.AccountID,
			InstrumentID:  contract.InstrumentID,
			CorrelationID: sig.CorrelationID,
			Message:       "failed to hand off intent to engine: " + err.Error(),
		})
		return Ack{}, apperr.Wrap(apperr.KindTransport, "hand off intent to engine", err)
	}

	d.notif.Notify(ctx, "", notifier.Event{
		Kind:          notifier.EventOrderPlaced,
		AccountID:     sig.AccountID,
		InstrumentID:  contract.InstrumentID,
		CorrelationID: sig.CorrelationID,
		Message:       fmt.Sprintf("intent accepted for %s x%.4g", contract.InstrumentID, sig.Size),
	})

	return Ack{CorrelationID: sig.CorrelationID, InstrumentID: contract.InstrumentID, Status: "accepted"}, nil
}

func (d *Dispatcher) writeTargetRecord(accountID, instrumentID, correlationID string, targetDelta float64) error {
	if _, err := d.store.Upsert(deltastore.WriteRecord{
		AccountID:     accountID,
		InstrumentID:  instrumentID,
		CorrelationID: correlationID,
		TVSignalID:    correlationID,
		Action:        models.ActionTarget,
		TargetDelta:   &targetDelta,
	}); err != nil {
		return apperr.Wrap(apperr.KindStorage, "write target delta record", err)
	}
	return nil
}

// processRoll implements the resolved long<->short policy: close the
// existing position first, then dispatch the paired open leg (correlation
// id suffixed "-2") only once the close fills, so the account is never
// naked both sides of the roll at once. newContract is the destination
// leg's already-selected contract.
func (d *Dispatcher) processRoll(ctx context.Context, sig models.Signal, eng *engine.Engine, newContract models.OptionContract) (Ack, error) {
	gw, ok := d.gateways[sig.AccountID]
	if !ok {
		return Ack{}, apperr.New(apperr.KindValidation, "no gateway configured for account "+sig.AccountID)
	}

	positions, err := gw.GetPositions(ctx, sig.AccountID, "")
	if err != nil {
		return Ack{}, err
	}

	var existing *models.Position
	for i := range positions {
		if positions[i].Underlying == sig.Underlying && positions[i].Qty != 0 {
			existing = &positions[i]
			break
		}
	}
	if existing == nil {
		return Ack{}, apperr.New(apperr.KindNoSuitableContract, "roll requested but no existing position found for "+sig.Underlying)
	}

	closeSide := models.SideSell
	if existing.Qty < 0 {
		closeSide = models.SideBuy
	}
	closeStrategy := models.StrategyCloseLong
	openStrategy := models.StrategyOpenShort
	if existing.Qty < 0 {
		closeStrategy = models.StrategyCloseShort
		openStrategy = models.StrategyOpenLong
	}

	closeSize := sig.Size
	if abs(existing.Qty) < closeSize {
		closeSize = abs(existing.Qty)
	}

	if err := d.writeTargetRecord(sig.AccountID, existing.InstrumentID, sig.CorrelationID, 0); err != nil {
		return Ack{}, err
	}

	openCorrelationID := sig.CorrelationID + "-2"
	closeIntent := models.OrderIntent{
		AccountID:     sig.AccountID,
		InstrumentID:  existing.InstrumentID,
		TickSize:      newContract.TickSize,
		Side:          closeSide,
		Size:          closeSize,
		CorrelationID: sig.CorrelationID,
		TVSignalID:    sig.CorrelationID,
		Strategy:      closeStrategy,
		CreatedAt:     time.Now(),
	}
	closeIntent.OnFilled = func() {
		targetDelta := targetDeltaFor(openStrategy, 0, d.cfg.ContractSelection.TargetDeltaOpen)
		if err := d.writeTargetRecord(sig.AccountID, newContract.InstrumentID, openCorrelationID, targetDelta); err != nil {
			d.log.WithError(err).Error("failed to write target record for paired roll open leg")
			return
		}
		openIntent := models.OrderIntent{
			AccountID:     sig.AccountID,
			InstrumentID:  newContract.InstrumentID,
			TickSize:      newContract.TickSize,
			Side:          sig.Side,
			Size:          sig.Size,
			CorrelationID: openCorrelationID,
			TVSignalID:    sig.CorrelationID,
			Strategy:      openStrategy,
			CreatedAt:     time.Now(),
		}
		if err := eng.SubmitIntent(context.Background(), openIntent); err != nil {
			d.log.WithError(err).Error("failed to submit paired roll open leg")
		}
	}

	if err := eng.SubmitIntent(ctx, closeIntent); err != nil {
		return Ack{}, apperr.Wrap(apperr.KindTransport, "hand off roll close leg to engine", err)
	}

	return Ack{CorrelationID: sig.CorrelationID, InstrumentID: existing.InstrumentID, Status: "accepted_roll_close_first"}, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func strategyForTransition(t models.PositionTransition) models.Strategy {
	switch t {
	case models.TransitionFlatToLong, models.TransitionLongToLong:
		return models.StrategyOpenLong
	case models.TransitionLongToFlat:
		return models.StrategyCloseLong
	case models.TransitionFlatToShort, models.TransitionShortToShort:
		return models.StrategyOpenShort
	case models.TransitionShortToFlat:
		return models.StrategyCloseShort
	default:
		return models.StrategyRoll
	}
}

func targetDeltaFor(strategy models.Strategy, quoteDelta, configuredTarget float64) float64 {
	switch strategy {
	case models.StrategyOpenLong, models.StrategyOpenShort:
		if configuredTarget != 0 {
			return configuredTarget
		}
		return quoteDelta
	case models.StrategyCloseLong, models.StrategyCloseShort:
		return 0
	default:
		return quoteDelta
	}
}

// NewCorrelationID generates a system correlation id for signals that
// arrive without a caller-supplied one, per the glossary's "caller-supplied
// or system-generated" definition.
func NewCorrelationID() string {
	return uuid.NewString()
}
