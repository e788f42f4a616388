// Package query implements C9, the read-only operator query API: thin
// projections over C3 (Delta store), C6 (polling status), and C2 (cached
// broker snapshots). Each view is internally consistent (reads from one
// source at one instant) but views are not consistent with each other.
package query

import (
	"context"
	"time"

	"deltabridge/internal/broker"
	"deltabridge/internal/deltastore"
	"deltabridge/internal/models"
	"deltabridge/internal/polling"
)

// Service answers the read-only operator queries exposed over HTTP by
// internal/httpapi.
type Service struct {
	store    *deltastore.Store
	polling  *polling.Manager
	gateways map[string]broker.Gateway
}

func New(store *deltastore.Store, pollingMgr *polling.Manager, gateways map[string]broker.Gateway) *Service {
	return &Service{store: store, polling: pollingMgr, gateways: gateways}
}

// Positions is a pass-through to C2 with no additional caching beyond
// whatever TTL cache the gateway itself applies to chain reads;
// positions are always fetched live since they gate trading decisions.
func (s *Service) Positions(ctx context.Context, accountID string) ([]models.Position, error) {
	gw, ok := s.gateways[accountID]
	if !ok {
		return nil, errUnknownAccount(accountID)
	}
	return gw.GetPositions(ctx, accountID, "")
}

// Chain passes through to C2 for a given underlying and optional expiry.
func (s *Service) Chain(ctx context.Context, accountID, underlying string, expiry *time.Time) (*broker.Chain, error) {
	gw, ok := s.gateways[accountID]
	if !ok {
		return nil, errUnknownAccount(accountID)
	}
	return gw.GetOptionChain(ctx, underlying, expiry)
}

// PollingStatus returns the current status of both C6 loops.
func (s *Service) PollingStatus() (positions, orders polling.Status) {
	return s.polling.PositionStatus(), s.polling.OrderStatus()
}

// HealthReport is the result of the operator health endpoint's sub-checks.
type HealthReport struct {
	DatabaseOK bool
	BrokerOK   bool
	PollingOK  bool
}

// Healthy reports whether every sub-check passed.
func (h HealthReport) Healthy() bool { return h.DatabaseOK && h.BrokerOK && h.PollingOK }

// Health runs the database, broker, and polling sub-checks used by
// GET /health. Broker reachability is checked against every configured
// gateway; a single unreachable account is enough to report the broker
// sub-check as failed, since it means at least one account can't trade.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{DatabaseOK: s.store.Ping() == nil, BrokerOK: true}

	for _, gw := range s.gateways {
		if err := gw.Ping(ctx); err != nil {
			report.BrokerOK = false
			break
		}
	}

	posStatus, ordStatus := s.PollingStatus()
	report.PollingOK = posStatus.Enabled && ordStatus.Enabled

	return report
}

// DeltaRecordsQuery mirrors the GET /delta/records query parameters.
type DeltaRecordsQuery struct {
	AccountID string
	From, To  time.Time
	Actions   []models.DeltaAction
	Limit     int
	Offset    int
}

func (s *Service) DeltaRecords(q DeltaRecordsQuery) ([]deltastore.Record, error) {
	return s.store.ByAccount(deltastore.ByAccountQuery{
		AccountID: q.AccountID,
		From:      q.From,
		To:        q.To,
		Actions:   q.Actions,
		Limit:     q.Limit,
		Offset:    q.Offset,
	})
}

func (s *Service) DeltaSummary(accountID string, from, to time.Time) (*deltastore.Summary, error) {
	return s.store.Summary(accountID, from, to)
}

type unknownAccountError struct{ accountID string }

func (e *unknownAccountError) Error() string { return "unknown account: " + e.accountID }

func errUnknownAccount(accountID string) error { return &unknownAccountError{accountID} }
