// Package polling implements C6: two independent background loops that
// keep position and open-order state fresh independent of signal traffic.
package polling

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"deltabridge/internal/broker"
	"deltabridge/internal/deltastore"
	"deltabridge/internal/engine"
	"deltabridge/internal/models"
	"deltabridge/internal/notifier"
)

// Status is the point-in-time exposure of one loop's health, updated
// atomically at tick boundaries per spec §4.6.
type Status struct {
	Enabled           bool
	LastTickAt        time.Time
	LastTickDuration  time.Duration
	TickCount         int
	ConsecutiveErrors int
	LastError         string
}

// Config holds the shared tuning knobs for both loops.
type Config struct {
	PositionInterval     time.Duration
	OrderInterval        time.Duration
	MaxConsecutiveErrors int
	DeltaChangeThreshold float64
	NotifierChannel      string
	TickGracePeriod      time.Duration
}

// AccountResources is everything a tick needs for one account.
type AccountResources struct {
	AccountID string
	Gateway   broker.Gateway
	Engine    *engine.Engine
}

// Manager runs the position and order loops across every enabled account.
type Manager struct {
	cfg      Config
	accounts []AccountResources
	store    *deltastore.Store
	notif    notifier.Notifier
	log      *logrus.Entry

	posMu     sync.Mutex
	posStatus Status
	posEnabled bool

	ordMu      sync.Mutex
	ordStatus  Status
	ordEnabled bool
}

func New(cfg Config, accounts []AccountResources, store *deltastore.Store, notif notifier.Notifier, log *logrus.Entry) *Manager {
	return &Manager{
		cfg:        cfg,
		accounts:   accounts,
		store:      store,
		notif:      notif,
		log:        log,
		posEnabled: true,
		ordEnabled: true,
	}
}

// PositionStatus and OrderStatus expose each loop's status for C9.
func (m *Manager) PositionStatus() Status {
	m.posMu.Lock()
	defer m.posMu.Unlock()
	s := m.posStatus
	s.Enabled = m.posEnabled
	return s
}

func (m *Manager) OrderStatus() Status {
	m.ordMu.Lock()
	defer m.ordMu.Unlock()
	s := m.ordStatus
	s.Enabled = m.ordEnabled
	return s
}

// EnablePositionLoop and EnableOrderLoop are the operator re-enable action
// referenced in spec §4.6 ("an operator action re-enables it").
func (m *Manager) EnablePositionLoop() {
	m.posMu.Lock()
	m.posEnabled = true
	m.posStatus.ConsecutiveErrors = 0
	m.posMu.Unlock()
}

func (m *Manager) EnableOrderLoop() {
	m.ordMu.Lock()
	m.ordEnabled = true
	m.ordStatus.ConsecutiveErrors = 0
	m.ordMu.Unlock()
}

// DisablePositionLoop and DisableOrderLoop back the operator-facing
// /polling/*/stop endpoints; a stopped loop still runs its scheduling
// goroutine but skips work until re-enabled.
func (m *Manager) DisablePositionLoop() {
	m.posMu.Lock()
	m.posEnabled = false
	m.posMu.Unlock()
}

func (m *Manager) DisableOrderLoop() {
	m.ordMu.Lock()
	m.ordEnabled = false
	m.ordMu.Unlock()
}

// TriggerPositionTick and TriggerOrderTick run one tick immediately,
// outside the loop's schedule, for the manual-trigger operator endpoints.
// They do not reset the loop's consecutive-error counter or its next
// scheduled tick.
func (m *Manager) TriggerPositionTick(ctx context.Context) error {
	return m.positionTick(ctx)
}

func (m *Manager) TriggerOrderTick(ctx context.Context) error {
	return m.orderTick(ctx)
}

// Run starts both loops and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.runLoop(ctx, "position", m.cfg.PositionInterval, m.positionTick, &m.posMu, &m.posEnabled, &m.posStatus) }()
	go func() { defer wg.Done(); m.runLoop(ctx, "order", m.cfg.OrderInterval, m.orderTick, &m.ordMu, &m.ordEnabled, &m.ordStatus) }()
	wg.Wait()
}

// runLoop implements the shared discipline from spec §4.6: initial
// immediate tick, no-overlap, error-budget-triggered self-disable, and
// shortened backoff after an error.
func (m *Manager) runLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error, mu *sync.Mutex, enabled *bool, status *Status) {
	runOnce := func() {
		mu.Lock()
		if !*enabled {
			mu.Unlock()
			return
		}
		mu.Unlock()

		start := time.Now()
		tickCtx, cancel := context.WithTimeout(ctx, interval+m.cfg.TickGracePeriod)
		err := tick(tickCtx)
		cancel()

		mu.Lock()
		status.LastTickAt = start
		status.LastTickDuration = time.Since(start)
		status.TickCount++
		if err != nil {
			status.ConsecutiveErrors++
			status.LastError = err.Error()
			m.log.WithError(err).WithField("loop", name).Warn("poll tick failed")
			if status.ConsecutiveErrors >= m.cfg.MaxConsecutiveErrors {
				*enabled = false
				m.log.WithField("loop", name).Error("poll loop disabled after consecutive error budget exhausted")
				m.notif.Notify(context.Background(), m.cfg.NotifierChannel, notifier.Event{
					Kind:    notifier.EventPollingDisabled,
					Message: name + " polling loop disabled after repeated failures",
				})
			}
		} else {
			status.ConsecutiveErrors = 0
			status.LastError = ""
		}
		mu.Unlock()
	}

	runOnce() // initial tick immediately, per spec §4.6

	for {
		mu.Lock()
		errs := status.ConsecutiveErrors
		lastDuration := status.LastTickDuration
		mu.Unlock()

		delay := nextDelay(interval, errs, lastDuration)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			runOnce()
		}
	}
}

// positionTick fetches positions for every enabled account concurrently
// and writes an observe Delta record for any option position whose delta
// has moved by more than delta_change_threshold since the last stored
// value for that instrument.
func (m *Manager) positionTick(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(m.accounts))

	for _, acct := range m.accounts {
		wg.Add(1)
		go func(a AccountResources) {
			defer wg.Done()
			if err := m.positionTickForAccount(ctx, a); err != nil {
				m.log.WithError(err).WithField("account", a.AccountID).Warn("position poll failed for account")
				errs <- err
			}
		}(acct)
	}
	wg.Wait()
	close(errs)

	// Per spec: a single account's failure doesn't abort the tick, but a
	// tick that failed for every account should still count against the
	// loop's error budget.
	failed := 0
	for range errs {
		failed++
	}
	if failed > 0 && failed == len(m.accounts) {
		return errAllAccountsFailed
	}
	return nil
}

func (m *Manager) positionTickForAccount(ctx context.Context, a AccountResources) error {
	positions, err := a.Gateway.GetPositions(ctx, a.AccountID, "")
	if err != nil {
		return err
	}

	for _, p := range positions {
		last, err := m.store.LatestByInstrument(a.AccountID, p.InstrumentID)
		if err != nil {
			m.log.WithError(err).Warn("failed to read latest delta record during position poll")
			continue
		}
		moved := true
		if last != nil && last.ObservedDelta != nil {
			diff := p.Delta - *last.ObservedDelta
			if diff < 0 {
				diff = -diff
			}
			moved = diff > m.cfg.DeltaChangeThreshold
		}
		if !moved {
			continue
		}

		delta := p.Delta
		if _, err := m.store.Upsert(deltastore.WriteRecord{
			AccountID:     a.AccountID,
			InstrumentID:  p.InstrumentID,
			Action:        models.ActionObserve,
			ObservedDelta: &delta,
		}); err != nil {
			m.log.WithError(err).Error("failed to write observe delta record")
		}
	}
	return nil
}

// orderTick fetches open orders for every account and compares them
// against the engine's known ManagedOrder set, logging unknown broker
// orders and nudging the engine to reconcile ManagedOrders with no
// matching broker record.
func (m *Manager) orderTick(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(m.accounts))

	for _, acct := range m.accounts {
		wg.Add(1)
		go func(a AccountResources) {
			defer wg.Done()
			if err := m.orderTickForAccount(ctx, a); err != nil {
				errs <- err
			}
		}(acct)
	}
	wg.Wait()
	close(errs)

	failed := 0
	for range errs {
		failed++
	}
	if failed > 0 && failed == len(m.accounts) {
		return errAllAccountsFailed
	}
	return nil
}

func (m *Manager) orderTickForAccount(ctx context.Context, a AccountResources) error {
	brokerOrders, err := a.Gateway.GetOpenOrders(ctx, a.AccountID)
	if err != nil {
		return err
	}

	known := make(map[string]bool)
	for _, snap := range a.Engine.AllSnapshots() {
		if snap.BrokerOrderID != "" {
			known[snap.BrokerOrderID] = true
		}
	}

	for _, bo := range brokerOrders {
		if !known[bo.BrokerOrderID] {
			m.log.WithFields(logrus.Fields{
				"account":         a.AccountID,
				"broker_order_id": bo.BrokerOrderID,
				"instrument":      bo.InstrumentID,
			}).Warn("unknown open order observed on broker, possible external activity")
		}
	}

	brokerByID := make(map[string]bool, len(brokerOrders))
	for _, bo := range brokerOrders {
		brokerByID[bo.BrokerOrderID] = true
	}
	for _, snap := range a.Engine.AllSnapshots() {
		if snap.BrokerOrderID == "" {
			continue
		}
		terminal := snap.State == models.StateFilled || snap.State == models.StateCancelled || snap.State == models.StateFailed
		if !terminal && !brokerByID[snap.BrokerOrderID] {
			m.log.WithFields(logrus.Fields{
				"account":    a.AccountID,
				"instrument": snap.InstrumentID,
			}).Warn("managed order missing from broker's open orders, nudging engine to reconcile")
			a.Engine.RequestCancel(snap.InstrumentID)
		}
	}
	return nil
}

// nextDelay computes how long runLoop should wait before its next tick, per
// spec §4.6: a tick that took longer than the current interval (or backoff
// window) is followed immediately by the next one rather than sleeping a
// fresh full interval on top of however long the tick already took.
func nextDelay(interval time.Duration, consecutiveErrors int, lastTickDuration time.Duration) time.Duration {
	delay := interval
	if consecutiveErrors > 0 && delay > 30*time.Second {
		delay = 30 * time.Second
	}
	delay -= lastTickDuration
	if delay < 0 {
		delay = 0
	}
	return delay
}

var errAllAccountsFailed = &pollError{"all accounts failed this tick"}

type pollError struct{ msg string }

func (e *pollError) Error() string { return e.msg }
