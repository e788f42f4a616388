package deltastore

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"deltabridge/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	dbPath := filepath.Join(t.TempDir(), "delta.db")
	store, err := New(dbPath, logrus.NewEntry(log))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func float64Ptr(f float64) *float64 { return &f }

func TestUpsertRejectsRecordWithNoDeltaField(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Upsert(WriteRecord{AccountID: "acct1", InstrumentID: "AAPL240119C00195000", Action: models.ActionObserve})
	if err == nil {
		t.Fatal("expected validation error for record with no delta field set")
	}
}

func TestUpsertIsIdempotentForIdenticalContent(t *testing.T) {
	store := newTestStore(t)
	rec := WriteRecord{
		AccountID:     "acct1",
		InstrumentID:  "AAPL240119C00195000",
		CorrelationID: "sig-1",
		Action:        models.ActionTarget,
		TargetDelta:   float64Ptr(0.30),
	}

	if _, err := store.Upsert(rec); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if _, err := store.Upsert(rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	rows, err := store.ByAccount(ByAccountQuery{AccountID: "acct1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one row after two identical upserts, got %d", len(rows))
	}
}

func TestUpsertAppendsWhenContentDiffers(t *testing.T) {
	store := newTestStore(t)
	base := WriteRecord{
		AccountID:     "acct1",
		InstrumentID:  "AAPL240119C00195000",
		CorrelationID: "sig-1",
		Action:        models.ActionObserve,
	}

	first := base
	first.ObservedDelta = float64Ptr(0.28)
	if _, err := store.Upsert(first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := base
	second.ObservedDelta = float64Ptr(0.35)
	if _, err := store.Upsert(second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	rows, err := store.ByAccount(ByAccountQuery{AccountID: "acct1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected two distinct rows for differing content, got %d", len(rows))
	}
}

func TestUpsertCreatedAtIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 5; i++ {
		rec := WriteRecord{
			AccountID:     "acct1",
			InstrumentID:  "AAPL240119C00195000",
			CorrelationID: "sig-1",
			Action:        models.ActionObserve,
			ObservedDelta: float64Ptr(float64(i) / 10),
		}
		if _, err := store.Upsert(rec); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	rows, err := store.ByAccount(ByAccountQuery{AccountID: "acct1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if !rows[i].CreatedAt.After(rows[i-1].CreatedAt) {
			t.Errorf("created_at not strictly increasing at index %d: %v <= %v", i, rows[i].CreatedAt, rows[i-1].CreatedAt)
		}
	}
}

func TestLatestByInstrumentReturnsNilWhenAbsent(t *testing.T) {
	store := newTestStore(t)
	rec, err := store.LatestByInstrument("acct1", "AAPL240119C00195000")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("expected nil for unknown instrument, got %+v", rec)
	}
}

func TestLatestByInstrumentReturnsMostRecent(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		rec := WriteRecord{
			AccountID:     "acct1",
			InstrumentID:  "AAPL240119C00195000",
			CorrelationID: "sig-1",
			Action:        models.ActionObserve,
			ObservedDelta: float64Ptr(float64(i) / 10),
		}
		if _, err := store.Upsert(rec); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := store.LatestByInstrument("acct1", "AAPL240119C00195000")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.ObservedDelta == nil || *latest.ObservedDelta != 0.2 {
		t.Errorf("expected latest observed delta 0.2, got %+v", latest)
	}
}

func TestByAccountLimitClampsWithoutError(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		rec := WriteRecord{
			AccountID:     "acct1",
			InstrumentID:  "X",
			CorrelationID: "s1",
			Action:        models.ActionObserve,
			ObservedDelta: float64Ptr(float64(i)),
		}
		if _, err := store.Upsert(rec); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := store.ByAccount(ByAccountQuery{AccountID: "acct1", Limit: 10000})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Errorf("expected all 3 rows within the clamped limit, got %d", len(rows))
	}
}

func TestSummaryAggregatesByAction(t *testing.T) {
	store := newTestStore(t)
	writes := []WriteRecord{
		{AccountID: "acct1", InstrumentID: "X", CorrelationID: "s1", Action: models.ActionTarget, TargetDelta: float64Ptr(0.3)},
		{AccountID: "acct1", InstrumentID: "X", CorrelationID: "s1", Action: models.ActionOpen, MovePositionDelta: float64Ptr(0.3)},
		{AccountID: "acct1", InstrumentID: "X", CorrelationID: "s2", Action: models.ActionObserve, ObservedDelta: float64Ptr(0.31)},
	}
	for _, w := range writes {
		if _, err := store.Upsert(w); err != nil {
			t.Fatal(err)
		}
	}

	summary, err := store.Summary("acct1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if summary.CountByAction["target"] != 1 || summary.CountByAction["open"] != 1 || summary.CountByAction["observe"] != 1 {
		t.Errorf("unexpected action counts: %+v", summary.CountByAction)
	}
	if summary.NetObservedDelta != 0.31 {
		t.Errorf("expected net observed delta 0.31, got %v", summary.NetObservedDelta)
	}
}

