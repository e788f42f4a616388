package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"deltabridge/internal/apperr"
	"deltabridge/internal/broker"
	"deltabridge/internal/calc"
	"deltabridge/internal/deltastore"
	"deltabridge/internal/models"
	"deltabridge/internal/notifier"
)

// Config holds the timing and threshold knobs for a single account's
// engine, sourced from the top-level service config.
type Config struct {
	StepInterval         time.Duration
	MaxSteps             int
	EnableMarketFallback bool
	MaxPlaceRetries      int
	SpreadHoldBudget     int
	ForceProgress        bool
	SpreadRatioThreshold float64
	SpreadTickThreshold  int
	GatewayCallTimeout   time.Duration
	NotifierChannel      string
}

// Engine is C5 for one account: a supervisor over one worker goroutine per
// instrument_id, each running its own ManagedOrder state machine to
// completion before picking up the next queued intent for that instrument.
type Engine struct {
	accountID string
	gw        broker.Gateway
	store     *deltastore.Store
	notif     notifier.Notifier
	cfg       Config
	log       *logrus.Entry

	mu      sync.Mutex
	workers map[string]*worker // instrument_id -> worker
	runCtx  context.Context    // set by Run; nil until the engine's supervisor loop starts
}

func New(accountID string, gw broker.Gateway, store *deltastore.Store, notif notifier.Notifier, cfg Config, log *logrus.Entry) *Engine {
	return &Engine{
		accountID: accountID,
		gw:        gw,
		store:     store,
		notif:     notif,
		cfg:       cfg,
		log:       log.WithField("account", accountID),
		workers:   make(map[string]*worker),
	}
}

// SubmitIntent hands ownership of intent to the engine. It never blocks on
// order execution: the intent is enqueued to the instrument's worker and
// this call returns once the enqueue succeeds (or ctx is cancelled while
// waiting for a full mailbox).
func (e *Engine) SubmitIntent(ctx context.Context, intent models.OrderIntent) error {
	w := e.workerFor(intent.InstrumentID)
	select {
	case w.intents <- intent:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestCancel asks the instrument's current ManagedOrder (if any) to
// cancel. It is a no-op if no order is in flight for that instrument.
func (e *Engine) RequestCancel(instrumentID string) {
	e.mu.Lock()
	w, ok := e.workers[instrumentID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.cancelRequests <- struct{}{}:
	default:
	}
}

// PushOrderUpdate feeds a push-based fill notification from the gateway's
// streaming transport into the matching instrument worker, letting the
// engine observe a fill without waiting for the next step timer.
func (e *Engine) PushOrderUpdate(u broker.OrderUpdate) {
	e.mu.Lock()
	w, ok := e.workers[u.InstrumentID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.updates <- u:
	default:
		e.log.WithField("instrument", u.InstrumentID).Warn("order update dropped, worker mailbox full")
	}
}

// Snapshot returns the current ManagedOrder state for an instrument, if one
// exists.
func (e *Engine) Snapshot(instrumentID string) (Snapshot, bool) {
	e.mu.Lock()
	w, ok := e.workers[instrumentID]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return w.snapshot()
}

// AllSnapshots returns every instrument's current state, used by C6's order
// loop to reconcile broker-reported open orders against the engine's known
// set, and by C9's query surface.
func (e *Engine) AllSnapshots() []Snapshot {
	e.mu.Lock()
	ws := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		ws = append(ws, w)
	}
	e.mu.Unlock()

	out := make([]Snapshot, 0, len(ws))
	for _, w := range ws {
		if snap, ok := w.snapshot(); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Run starts the engine's background bookkeeping. Workers themselves are
// started lazily by workerFor; Run's loop exists so that a caller has a
// single blocking point to select against for shutdown, matching the
// teacher's ctx-driven service lifecycle.
//
// ctx is also the context every in-flight ManagedOrder's per-order timeout
// is derived from (see process), so cancelling it stops a worker from
// advancing steps or issuing new places immediately, per spec §5. Once ctx
// is done, Run closes every worker's intent mailbox and waits up to 3
// seconds total for each worker's current order to reach a terminal state
// (doShutdownCancel issues a best-effort broker cancel for any order still
// open), then returns regardless of whether every worker finished.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	<-ctx.Done()
	e.log.Info("shutdown signalled, draining engine workers")

	e.mu.Lock()
	workers := make([]*worker, 0, len(e.workers))
	for id, w := range e.workers {
		workers = append(workers, w)
		close(w.intents)
		e.log.WithField("instrument", id).Debug("engine worker mailbox closed")
	}
	e.mu.Unlock()

	deadline := time.After(3 * time.Second)
	for _, w := range workers {
		select {
		case <-w.done:
		case <-deadline:
			e.log.Warn("shutdown cancel budget of 3s exceeded, exiting anyway")
			return
		}
	}
}

func (e *Engine) workerFor(instrumentID string) *worker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if w, ok := e.workers[instrumentID]; ok {
		return w
	}

	w := &worker{
		instrumentID:   instrumentID,
		intents:        make(chan models.OrderIntent, 8),
		cancelRequests: make(chan struct{}, 1),
		updates:        make(chan broker.OrderUpdate, 8),
		done:           make(chan struct{}),
		engine:         e,
	}
	e.workers[instrumentID] = w
	go w.run()
	return w
}

// worker owns the serialized processing of ManagedOrders for one
// instrument within one account.
type worker struct {
	instrumentID   string
	intents        chan models.OrderIntent
	cancelRequests chan struct{}
	updates        chan broker.OrderUpdate
	done           chan struct{} // closed once run's range over intents exits

	engine *Engine

	mu      sync.Mutex
	current *ManagedOrder
}

func (w *worker) snapshot() (Snapshot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return Snapshot{}, false
	}
	return w.current.toSnapshot(), true
}

func (w *worker) setCurrent(m *ManagedOrder) {
	w.mu.Lock()
	w.current = m
	w.mu.Unlock()
}

func (w *worker) run() {
	defer close(w.done)
	for intent := range w.intents {
		w.process(intent)
	}
}

func (w *worker) process(intent models.OrderIntent) {
	e := w.engine
	log := e.log.WithFields(logrus.Fields{"instrument": intent.InstrumentID, "correlation_id": intent.CorrelationID})

	m := &ManagedOrder{
		Intent:    intent,
		State:     models.StateIdle,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	w.setCurrent(m)

	// An order's lifecycle outlives the HTTP request that created the
	// intent, so it runs with its own 10-minute timeout budget rather than
	// inheriting the dispatcher's request context. It is still derived from
	// the engine's Run context so that engine shutdown cancels every
	// in-flight order immediately instead of leaving it to run for up to
	// another 10 minutes.
	e.mu.Lock()
	base := e.runCtx
	e.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, 10*time.Minute)
	defer cancel()

	m.State = models.StatePlacing
	w.runStateMachine(ctx, m, log)

	if m.State == models.StateFilled {
		w.onFilled(ctx, m, log)
	} else if m.State == models.StateFailed {
		w.onFailed(m, log)
	}
}

// runStateMachine drives m from Placing through to a terminal state,
// implementing the transition table in spec §4.5.
func (w *worker) runStateMachine(ctx context.Context, m *ManagedOrder, log *logrus.Entry) {
	for !m.IsTerminal() {
		select {
		case <-ctx.Done():
			w.doShutdownCancel(m, log)
			return
		case <-w.cancelRequests:
			w.doCancel(ctx, m, log)
			continue
		default:
		}

		switch m.State {
		case models.StatePlacing:
			w.doPlace(ctx, m, log)
		case models.StateWorking:
			w.doWork(ctx, m, log)
		case models.StateStepping:
			w.doStep(ctx, m, log)
		case models.StateMarketFallback:
			w.doMarketFallback(ctx, m, log)
		case models.StateMarketPlaced:
			w.doWork(ctx, m, log)
		case models.StateCancelling:
			w.doCancel(ctx, m, log)
		default:
			m.State = models.StateFailed
			m.FailureReason = fmt.Sprintf("unhandled state %s", m.State)
		}
	}
}

// callWithAuthRetry retries once, immediately, if the gateway call fails
// with AuthExpired, matching the "Any non-terminal | AuthExpired | same |
// refresh session, retry once" transition. The gateway itself is
// responsible for refreshing credentials before the retried call.
func callWithAuthRetry[T any](fn func() (T, error)) (T, error) {
	v, err := fn()
	if err != nil && apperr.Is(err, apperr.KindAuthExpired) {
		v, err = fn()
	}
	return v, err
}

func (w *worker) doPlace(ctx context.Context, m *ManagedOrder, log *logrus.Entry) {
	e := w.engine

	quote, err := callWithAuthRetry(func() (*models.QuoteSnapshot, error) {
		return e.gw.GetQuote(ctx, m.Intent.InstrumentID)
	})
	if err != nil {
		w.handlePlaceFailure(m, err, log)
		return
	}

	price, err := calc.StepPrice(quote.Bid, quote.Ask, m.Intent.TickSize, m.StepIndex, e.cfg.MaxSteps, m.Intent.Side)
	if err != nil {
		m.State = models.StateFailed
		m.FailureReason = err.Error()
		return
	}

	brokerOrderID, err := callWithAuthRetry(func() (string, error) {
		return e.gw.PlaceOrder(ctx, broker.PlaceOrderRequest{
			AccountID:      m.Intent.AccountID,
			InstrumentID:   m.Intent.InstrumentID,
			Side:           m.Intent.Side,
			Size:           m.RemainingQty(),
			LimitPrice:     price,
			IdempotencyKey: fmt.Sprintf("%s-step%d", m.Intent.CorrelationID, m.StepIndex),
		})
	})
	if err != nil {
		w.handlePlaceFailure(m, err, log)
		return
	}

	m.BrokerOrderID = brokerOrderID
	m.PlacedAt = time.Now()
	m.PlaceRetries = 0
	m.State = models.StateWorking
	m.UpdatedAt = time.Now()
	log.WithFields(logrus.Fields{"broker_order_id": brokerOrderID, "price": price, "step": m.StepIndex}).Info("order placed")
}

func (w *worker) handlePlaceFailure(m *ManagedOrder, err error, log *logrus.Entry) {
	e := w.engine

	if apperr.Is(err, apperr.KindRateLimited) && m.PlaceRetries < e.cfg.MaxPlaceRetries {
		m.PlaceRetries++
		backoff := time.Duration(m.PlaceRetries) * 500 * time.Millisecond
		log.WithField("attempt", m.PlaceRetries).Warn("place order rate limited, backing off")
		time.Sleep(backoff)
		return // stay in Placing, will retry on next loop iteration
	}
	if apperr.Is(err, apperr.KindRejectedByBroker) {
		m.State = models.StateFailed
		m.FailureReason = err.Error()
		return
	}

	// Transport errors get the same step-scoped retry budget as
	// mid-step failures.
	m.PlaceRetries++
	if m.PlaceRetries > 3 {
		m.State = models.StateFailed
		m.FailureReason = err.Error()
		return
	}
	log.WithError(err).Warn("place order transport failure, retrying")
	time.Sleep(time.Duration(m.PlaceRetries) * 500 * time.Millisecond)
}

func (w *worker) doWork(ctx context.Context, m *ManagedOrder, log *logrus.Entry) {
	e := w.engine

	var timer *time.Timer
	if m.State == models.StateWorking {
		timer = time.NewTimer(e.cfg.StepInterval)
	} else {
		// MarketPlaced: poll aggressively for the fill since there is no
		// further step to advance to.
		timer = time.NewTimer(2 * time.Second)
	}
	defer timer.Stop()

	select {
	case <-ctx.Done():
		w.doShutdownCancel(m, log)
		return
	case <-w.cancelRequests:
		w.doCancel(ctx, m, log)
		return
	case u := <-w.updates:
		w.applyUpdate(m, u, log)
		return
	case <-timer.C:
		if m.State == models.StateMarketPlaced {
			// Reconcile against the broker directly; a market order should
			// fill promptly, so a poll here is cheap insurance against a
			// missed push update.
			w.pollForFill(ctx, m, log)
			return
		}
		if m.RemainingQty() <= 0 {
			m.State = models.StateFilled
			return
		}
		m.State = models.StateStepping
	}
}

func (w *worker) pollForFill(ctx context.Context, m *ManagedOrder, log *logrus.Entry) {
	e := w.engine
	orders, err := e.gw.GetOpenOrders(ctx, m.Intent.AccountID)
	if err != nil {
		log.WithError(err).Warn("failed to poll open orders during market fallback wait")
		return
	}
	for _, o := range orders {
		if o.BrokerOrderID == m.BrokerOrderID && o.Status != "filled" {
			return // still open
		}
	}
	// Not found among open orders any more: treat the market order as
	// filled for the remaining size.
	m.recordFill(m.RemainingQty(), m.AvgFillPrice)
	m.State = models.StateFilled
}

func (w *worker) applyUpdate(m *ManagedOrder, u broker.OrderUpdate, log *logrus.Entry) {
	if u.BrokerOrderID != m.BrokerOrderID {
		return
	}
	delta := u.FilledQty - m.FilledQty
	if delta > 0 {
		m.recordFill(delta, u.FilledAvgPrice)
	}
	if u.Status == "filled" || m.RemainingQty() <= 0 {
		m.State = models.StateFilled
		log.WithField("avg_fill_price", m.AvgFillPrice).Info("order filled")
		return
	}
	// partial fill: remain Working, next step re-prices the remainder.
}

func (w *worker) doStep(ctx context.Context, m *ManagedOrder, log *logrus.Entry) {
	e := w.engine

	result, err := callWithAuthRetry(func() (models.CancelResult, error) {
		return e.gw.CancelOrder(ctx, m.Intent.AccountID, m.BrokerOrderID)
	})
	if err != nil {
		log.WithError(err).Warn("cancel failed during step, treating as transport failure")
		m.State = models.StateWorking // retry the timer cycle
		return
	}

	switch result {
	case models.CancelAlreadyFilled:
		m.State = models.StateFilled
		return
	case models.CancelCancelled, models.CancelNotFound:
		// fall through to re-price and re-place
	}

	quote, err := e.gw.GetQuote(ctx, m.Intent.InstrumentID)
	if err != nil {
		log.WithError(err).Warn("quote fetch failed during step, holding")
		m.State = models.StateWorking
		return
	}

	if !calc.IsSpreadReasonable(quote.Bid, quote.Ask, m.Intent.TickSize, e.cfg.SpreadRatioThreshold, e.cfg.SpreadTickThreshold) {
		m.SpreadHoldCount++
		if m.SpreadHoldCount > e.cfg.SpreadHoldBudget {
			if e.cfg.ForceProgress {
				log.Warn("spread hold budget exceeded, forcing progress")
			} else {
				m.State = models.StateFailed
				m.FailureReason = "spread remained unreasonable past hold budget"
				return
			}
		} else {
			log.WithField("hold_count", m.SpreadHoldCount).Warn("spread unreasonable, holding at current step")
			m.State = models.StateWorking
			return
		}
	}

	m.SpreadHoldCount = 0
	m.StepIndex++
	if m.StepIndex >= e.cfg.MaxSteps {
		if e.cfg.EnableMarketFallback {
			m.State = models.StateMarketFallback
			return
		}
		// max_steps boundary (spec §8): with fallback disabled, clamp at
		// the fully aggressive step and keep re-placing there, but only
		// up to the same hold budget used for a persistently unreasonable
		// spread. Without this, an order that never fills at the final
		// step re-places at that step forever instead of ever resolving.
		m.StepIndex = e.cfg.MaxSteps
		m.FinalStepHoldCount++
		if m.FinalStepHoldCount > e.cfg.SpreadHoldBudget {
			m.State = models.StateFailed
			m.FailureReason = "exhausted max steps without a fill and market fallback disabled"
			return
		}
	}
	m.State = models.StatePlacing
}

func (w *worker) doMarketFallback(ctx context.Context, m *ManagedOrder, log *logrus.Entry) {
	e := w.engine

	brokerOrderID, err := e.gw.PlaceOrder(ctx, broker.PlaceOrderRequest{
		AccountID:      m.Intent.AccountID,
		InstrumentID:   m.Intent.InstrumentID,
		Side:           m.Intent.Side,
		Size:           m.RemainingQty(),
		Market:         true,
		IdempotencyKey: fmt.Sprintf("%s-marketfallback", m.Intent.CorrelationID),
	})
	if err != nil {
		m.State = models.StateFailed
		m.FailureReason = err.Error()
		return
	}
	m.BrokerOrderID = brokerOrderID
	m.PlacedAt = time.Now()
	m.State = models.StateMarketPlaced
	log.WithField("broker_order_id", brokerOrderID).Info("market fallback order placed")
}

func (w *worker) doCancel(ctx context.Context, m *ManagedOrder, log *logrus.Entry) {
	e := w.engine
	m.State = models.StateCancelling

	if m.BrokerOrderID == "" {
		m.State = models.StateCancelled
		return
	}

	result, err := e.gw.CancelOrder(ctx, m.Intent.AccountID, m.BrokerOrderID)
	if err != nil {
		log.WithError(err).Warn("external cancel request failed, reconciling from open orders")
		m.State = models.StateCancelled
		return
	}
	if result == models.CancelAlreadyFilled {
		m.State = models.StateFilled
		return
	}
	m.State = models.StateCancelled
}

// doShutdownCancel is the best-effort cancel issued when the engine's
// shutdown context fires while an order is in flight (spec §5, §8 scenario
// 6). The order's own context is already done at this point, so the cancel
// call runs on a fresh, independent 3-second budget instead of inheriting
// it.
func (w *worker) doShutdownCancel(m *ManagedOrder, log *logrus.Entry) {
	e := w.engine
	if m.BrokerOrderID == "" {
		m.State = models.StateFailed
		m.FailureReason = "shutdown before order reached broker"
		return
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := e.gw.CancelOrder(cancelCtx, m.Intent.AccountID, m.BrokerOrderID)
	if err != nil {
		log.WithError(err).Warn("best-effort cancel on shutdown failed")
		m.State = models.StateFailed
		m.FailureReason = "shutdown: cancel attempt failed"
		return
	}
	if result == models.CancelAlreadyFilled {
		m.State = models.StateFilled
		return
	}
	m.State = models.StateCancelled
	log.Info("order cancelled on shutdown")
}

func (w *worker) onFilled(ctx context.Context, m *ManagedOrder, log *logrus.Entry) {
	e := w.engine

	positions, err := e.gw.GetPositions(ctx, m.Intent.AccountID, "")
	var observedDelta *float64
	for _, p := range positions {
		if p.InstrumentID == m.Intent.InstrumentID {
			d := p.Delta
			observedDelta = &d
			break
		}
	}
	if err != nil {
		log.WithError(err).Warn("failed to fetch positions for post-fill delta observation")
	}

	action := actionForStrategy(m.Intent.Strategy)
	if _, werr := e.store.Upsert(deltastore.WriteRecord{
		AccountID:     m.Intent.AccountID,
		InstrumentID:  m.Intent.InstrumentID,
		CorrelationID: m.Intent.CorrelationID,
		TVSignalID:    m.Intent.TVSignalID,
		Action:        action,
		ObservedDelta: observedDelta,
		OrderID:       m.BrokerOrderID,
	}); werr != nil {
		log.WithError(werr).Error("failed to write post-fill delta record")
	}

	e.notif.Notify(context.Background(), e.cfg.NotifierChannel, notifier.Event{
		Kind:          notifier.EventOrderFilled,
		AccountID:     m.Intent.AccountID,
		InstrumentID:  m.Intent.InstrumentID,
		CorrelationID: m.Intent.CorrelationID,
		Message:       fmt.Sprintf("filled %.4g @ %.2f", m.FilledQty, m.AvgFillPrice),
	})

	if m.Intent.OnFilled != nil {
		m.Intent.OnFilled()
	}
}

func (w *worker) onFailed(m *ManagedOrder, log *logrus.Entry) {
	e := w.engine

	zero := 0.0
	if _, err := e.store.Upsert(deltastore.WriteRecord{
		AccountID:         m.Intent.AccountID,
		InstrumentID:      m.Intent.InstrumentID,
		CorrelationID:     m.Intent.CorrelationID,
		TVSignalID:        m.Intent.TVSignalID,
		Action:            models.ActionAdjust,
		MovePositionDelta: &zero,
		OrderID:           m.BrokerOrderID,
	}); err != nil {
		log.WithError(err).Error("failed to write failure delta record")
	}

	e.notif.Notify(context.Background(), e.cfg.NotifierChannel, notifier.Event{
		Kind:          notifier.EventOrderFailed,
		AccountID:     m.Intent.AccountID,
		InstrumentID:  m.Intent.InstrumentID,
		CorrelationID: m.Intent.CorrelationID,
		Message:       m.FailureReason,
	})
}

func actionForStrategy(s models.Strategy) models.DeltaAction {
	switch s {
	case models.StrategyOpenLong, models.StrategyOpenShort:
		return models.ActionOpen
	case models.StrategyCloseLong, models.StrategyCloseShort:
		return models.ActionClose
	default:
		return models.ActionAdjust
	}
}
