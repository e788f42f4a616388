// Package deltastore implements C3, the durable ledger of Delta
// observations. It is the only persistent resource in the system; every
// other component's state is either in-memory (C5's ManagedOrder set, C6's
// loop state) or re-derived from the broker on restart.
package deltastore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"deltabridge/internal/apperr"
	"deltabridge/internal/models"
)

// Record is the gorm row type backing a DeltaRecord. Field names track
// spec's persisted column list exactly; TableName is overridden to match
// the teacher's convention of short, explicit table names.
type Record struct {
	ID                uint `gorm:"primaryKey"`
	AccountID         string
	InstrumentID      string
	CorrelationID     *string
	TVSignalID        *string
	Action            string
	TargetDelta       *float64
	MovePositionDelta *float64
	ObservedDelta     *float64
	OrderID           *string
	CreatedAt         time.Time `gorm:"index:idx_account_created"`
}

func (Record) TableName() string { return "delta_records" }

// Store wraps a gorm/sqlite handle. All writes go through Upsert, which
// enforces the idempotent-content-key invariant from spec §3 rather than
// relying on callers to check first.
type Store struct {
	db  *gorm.DB
	log *logrus.Entry

	writeMu       sync.Mutex
	lastCreatedAt time.Time
}

// New opens (creating if necessary) a SQLite-backed Delta store at dbPath
// and runs auto-migration, mirroring the teacher's NewLocalStorage.
func New(dbPath string, log *logrus.Entry) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "create delta store directory", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "open delta store", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "migrate delta store", err)
	}

	// Unique index enforcing the content-key invariant from spec §3
	// (account, instrument, correlation_id, action, and every delta/order
	// field) excluding created_at, so a write with identical logical
	// content is a no-op while a write that differs in any value still
	// appends a new row. gorm's struct tags can't express a
	// nullable-column unique index portably across sqlite/postgres, so
	// it's created explicitly with COALESCE on every nullable column.
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_delta_content_key
		ON delta_records (
			account_id, instrument_id, action,
			COALESCE(correlation_id, ''),
			COALESCE(target_delta, ''),
			COALESCE(move_position_delta, ''),
			COALESCE(observed_delta, ''),
			COALESCE(order_id, '')
		)`).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "create delta store content-key index", err)
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_delta_account_instrument_created
		ON delta_records (account_id, instrument_id, created_at)`).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "create delta store lookup index", err)
	}

	return &Store{db: db, log: log}, nil
}

// WriteRecord is the input to Upsert; CreatedAt is set by the store, not
// the caller, to preserve the monotonic-per-writer invariant.
type WriteRecord struct {
	AccountID         string
	InstrumentID      string
	CorrelationID     string
	TVSignalID        string
	Action            models.DeltaAction
	TargetDelta       *float64
	MovePositionDelta *float64
	ObservedDelta     *float64
	OrderID           string
}

// Upsert writes a Delta record, retrying transient storage failures within
// a small budget (spec §7, StorageError). It stamps created_at itself,
// clamping to be no earlier than the previous stamp from any writer in this
// process so the monotonic-non-decreasing invariant holds even under a
// fast system clock or clock skew across goroutines. This is the store's
// only serialization point; all writes funnel through it regardless of
// which component (C5, C6, C7) calls in.
func (s *Store) Upsert(rec WriteRecord) (*models.DeltaAction, error) {
	if rec.TargetDelta == nil && rec.MovePositionDelta == nil && rec.ObservedDelta == nil {
		return nil, apperr.New(apperr.KindValidation, "delta record must carry at least one of target/move/observed delta")
	}

	s.writeMu.Lock()
	now := time.Now().UTC().Truncate(time.Millisecond)
	if !now.After(s.lastCreatedAt) {
		now = s.lastCreatedAt.Add(time.Millisecond)
	}
	s.lastCreatedAt = now
	s.writeMu.Unlock()

	row := Record{
		AccountID:         rec.AccountID,
		InstrumentID:      rec.InstrumentID,
		Action:            string(rec.Action),
		TargetDelta:       rec.TargetDelta,
		MovePositionDelta: rec.MovePositionDelta,
		ObservedDelta:     rec.ObservedDelta,
		CreatedAt:         now,
	}
	if rec.CorrelationID != "" {
		row.CorrelationID = &rec.CorrelationID
	}
	if rec.TVSignalID != "" {
		row.TVSignalID = &rec.TVSignalID
	}
	if rec.OrderID != "" {
		row.OrderID = &rec.OrderID
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		result := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if result.Error == nil {
			s.log.WithFields(logrus.Fields{
				"account":     rec.AccountID,
				"instrument":  rec.InstrumentID,
				"action":      rec.Action,
				"rows_written": result.RowsAffected,
			}).Debug("delta record upserted")
			return &rec.Action, nil
		}
		lastErr = result.Error
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}

	return nil, apperr.Wrap(apperr.KindStorage, "upsert delta record", lastErr)
}

// ByAccountQuery filters ByAccount's range scan.
type ByAccountQuery struct {
	AccountID string
	From, To  time.Time
	Actions   []models.DeltaAction
	Limit     int
	Offset    int
}

// ByAccount returns Delta records for an account within a time range,
// ordered by created_at then id per the tie-break rule in spec §7.
func (s *Store) ByAccount(q ByAccountQuery) ([]Record, error) {
	tx := s.db.Model(&Record{}).Where("account_id = ?", q.AccountID)
	if !q.From.IsZero() {
		tx = tx.Where("created_at >= ?", q.From)
	}
	if !q.To.IsZero() {
		tx = tx.Where("created_at <= ?", q.To)
	}
	if len(q.Actions) > 0 {
		actions := make([]string, len(q.Actions))
		for i, a := range q.Actions {
			actions[i] = string(a)
		}
		tx = tx.Where("action IN ?", actions)
	}

	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var rows []Record
	if err := tx.Order("created_at ASC, id ASC").Limit(limit).Offset(q.Offset).Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "query delta records", err)
	}
	return rows, nil
}

// LatestByInstrument returns the most recent Delta record for an
// (account, instrument) pair, or nil if none exists. Used by the polling
// manager to compute delta_change_threshold deltas.
func (s *Store) LatestByInstrument(accountID, instrumentID string) (*Record, error) {
	var row Record
	err := s.db.Where("account_id = ? AND instrument_id = ?", accountID, instrumentID).
		Order("created_at DESC, id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "query latest delta record", err)
	}
	return &row, nil
}

// Summary is the aggregate view returned by GET /delta/summary.
type Summary struct {
	CountByAction     map[string]int64
	NetObservedDelta  float64
	LastUpdated       time.Time
}

// Summary computes count-by-action and net observed delta over a range.
func (s *Store) Summary(accountID string, from, to time.Time) (*Summary, error) {
	tx := s.db.Model(&Record{}).Where("account_id = ?", accountID)
	if !from.IsZero() {
		tx = tx.Where("created_at >= ?", from)
	}
	if !to.IsZero() {
		tx = tx.Where("created_at <= ?", to)
	}

	var rows []Record
	if err := tx.Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "compute delta summary", err)
	}

	sum := &Summary{CountByAction: make(map[string]int64)}
	for _, r := range rows {
		sum.CountByAction[r.Action]++
		if r.ObservedDelta != nil {
			sum.NetObservedDelta += *r.ObservedDelta
		}
		if r.CreatedAt.After(sum.LastUpdated) {
			sum.LastUpdated = r.CreatedAt
		}
	}
	return sum, nil
}

// PruneOlderThan deletes records older than retentionDays, run periodically
// from a background tick in cmd/server. Deletion is the one place the
// append-only ledger is mutated after the fact, and is scoped by created_at
// only so it never touches a partially-written signal's records.
func (s *Store) PruneOlderThan(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result := s.db.Where("created_at < ?", cutoff).Delete(&Record{})
	if result.Error != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "prune delta records", result.Error)
	}
	return result.RowsAffected, nil
}

// Ping verifies the underlying sqlite connection is reachable, used by the
// operator health check's database sub-check.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "get underlying sql.DB", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return apperr.Wrap(apperr.KindStorage, "ping delta store", err)
	}
	return nil
}

// Close releases the underlying sqlite connection, used during graceful
// shutdown.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
