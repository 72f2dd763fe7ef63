package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/DisCard-Technologies/discard-sub001/pkg/models"
)

// memSettlementDB routes the reconciler's SQL onto an in-memory record map.
type memSettlementDB struct {
	mu      sync.Mutex
	records map[string]*models.SettlementRecord
	order   []string
}

func newMemSettlementDB() *memSettlementDB {
	return &memSettlementDB{records: map[string]*models.SettlementRecord{}}
}

func (db *memSettlementDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	switch {
	case strings.Contains(sql, "INSERT INTO settlements"):
		rec := &models.SettlementRecord{
			OptimisticTxID:  args[0].(string),
			UserID:          args[1].(string),
			EntityType:      args[2].(string),
			EntityID:        args[3].(string),
			PreviousState:   asRaw(args[4]),
			OptimisticState: asRaw(args[5]),
			DeltaCents:      args[6].(int64),
			Status:          args[7].(models.SettlementStatus),
			CreatedAt:       args[8].(time.Time),
			UpdatedAt:       args[8].(time.Time),
		}
		db.records[rec.OptimisticTxID] = rec
		db.order = append(db.order, rec.OptimisticTxID)
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case strings.Contains(sql, "retry_count=$2"):
		rec, ok := db.records[args[0].(string)]
		if !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		rec.RetryCount = args[1].(int)
		rec.UpdatedAt = args[2].(time.Time)
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "confirmation_time_ms=$3"):
		rec, ok := db.records[args[0].(string)]
		if !ok || rec.Status != args[4].(models.SettlementStatus) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		rec.Status = args[1].(models.SettlementStatus)
		rec.ConfirmationTimeMs = args[2].(int64)
		rec.UpdatedAt = args[3].(time.Time)
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "final_state=optimistic_state"):
		rec, ok := db.records[args[0].(string)]
		if !ok || rec.Status != args[3].(models.SettlementStatus) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		rec.Status = args[1].(models.SettlementStatus)
		rec.FinalState = rec.OptimisticState
		rec.UpdatedAt = args[2].(time.Time)
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "error_message=$4"):
		rec, ok := db.records[args[0].(string)]
		if !ok || rec.Status != args[1].(models.SettlementStatus) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		rec.Status = args[2].(models.SettlementStatus)
		rec.ErrorMessage = args[3].(string)
		rec.UpdatedAt = args[4].(time.Time)
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "SET status=$3"):
		rec, ok := db.records[args[0].(string)]
		if !ok || rec.Status != args[1].(models.SettlementStatus) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		rec.Status = args[2].(models.SettlementStatus)
		rec.UpdatedAt = args[3].(time.Time)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", sql)
}

func (db *memSettlementDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec, ok := db.records[args[0].(string)]
	if !ok {
		return settlementRow{err: pgx.ErrNoRows}
	}
	return settlementRow{vals: recordVals(rec)}
}

func (db *memSettlementDB) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	status := args[0].(models.SettlementStatus)
	rows := &settlementRows{}
	for _, id := range db.order {
		rec := db.records[id]
		if rec.Status == status {
			rows.rows = append(rows.rows, recordVals(rec))
		}
	}
	return rows, nil
}

func asRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	return v.(json.RawMessage)
}

func recordVals(rec *models.SettlementRecord) []any {
	return []any{
		rec.OptimisticTxID, rec.UserID, rec.EntityType, rec.EntityID,
		rec.PreviousState, rec.OptimisticState, rec.DeltaCents,
		rec.Status, rec.RetryCount, rec.ConfirmationTimeMs,
		rec.FinalState, rec.ErrorMessage, rec.CreatedAt, rec.UpdatedAt,
	}
}

type settlementRow struct {
	vals []any
	err  error
}

func (r settlementRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignSettlement(r.vals, dest)
}

type settlementRows struct {
	rows [][]any
	idx  int
}

func (r *settlementRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *settlementRows) Scan(dest ...any) error { return assignSettlement(r.rows[r.idx-1], dest) }

func (r *settlementRows) Close()                                       {}
func (r *settlementRows) Err() error                                   { return nil }
func (r *settlementRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *settlementRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *settlementRows) Values() ([]any, error)                       { return nil, nil }
func (r *settlementRows) RawValues() [][]byte                          { return nil }
func (r *settlementRows) Conn() *pgx.Conn                              { return nil }

func assignSettlement(vals []any, dest []any) error {
	if len(vals) != len(dest) {
		return fmt.Errorf("scan arity mismatch: %d values, %d targets", len(vals), len(dest))
	}
	for i, v := range vals {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *int64:
			*d = v.(int64)
		case *time.Time:
			*d = v.(time.Time)
		case *json.RawMessage:
			*d, _ = v.(json.RawMessage)
		case *models.SettlementStatus:
			*d = v.(models.SettlementStatus)
		default:
			return fmt.Errorf("unsupported scan target %T", dest[i])
		}
	}
	return nil
}

type fakeIssuer struct {
	mu        sync.Mutex
	submitErr error
	failFor   map[string]bool // entity ids whose submission is rejected
	confirmed map[string]bool
	submits   int
}

func (i *fakeIssuer) Submit(_ context.Context, rec models.SettlementRecord) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.submits++
	if i.failFor[rec.EntityID] {
		return errors.New("issuer rejected")
	}
	return i.submitErr
}

func (i *fakeIssuer) Confirmed(_ context.Context, txID string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.confirmed[txID], nil
}

func (i *fakeIssuer) markConfirmed(txID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.confirmed == nil {
		i.confirmed = map[string]bool{}
	}
	i.confirmed[txID] = true
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAuditor) Append(_ context.Context, _ string, eventType string, _ any) (models.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, eventType)
	return models.AuditEntry{EventType: eventType}, nil
}

type fixture struct {
	rec     *Reconciler
	db      *memSettlementDB
	issuer  *fakeIssuer
	auditor *recordingAuditor
	at      *time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := newMemSettlementDB()
	issuer := &fakeIssuer{}
	auditor := &recordingAuditor{}
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r := NewReconciler(cfg, db, issuer, auditor).WithClock(func() time.Time { return at })
	return &fixture{rec: r, db: db, issuer: issuer, auditor: auditor, at: &at}
}

func apply(t *testing.T, f *fixture) models.SettlementRecord {
	t.Helper()
	rec, err := f.rec.ApplyOptimistic(context.Background(), "u-1", "transfer", "plan-1",
		json.RawMessage(`{"settled":false}`), json.RawMessage(`{"settled":true}`), -5_000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return rec
}

func TestApplyOptimisticSubmits(t *testing.T) {
	f := newFixture(t, Config{})
	rec := apply(t, f)
	if rec.Status != models.SettlementSubmitted {
		t.Fatalf("expected submitted, got %s", rec.Status)
	}
	stored := f.db.records[rec.OptimisticTxID]
	if stored.Status != models.SettlementSubmitted {
		t.Fatalf("stored status %s", stored.Status)
	}
	if f.issuer.submits != 1 {
		t.Fatalf("expected one submit, got %d", f.issuer.submits)
	}
	if fmt.Sprint(f.auditor.events) != fmt.Sprint([]string{"settlement_applied"}) {
		t.Fatalf("audit trail %v", f.auditor.events)
	}
}

func TestPollConfirmsAndFinalizes(t *testing.T) {
	f := newFixture(t, Config{ConfirmTimeout: 30 * time.Second, FinalizeGrace: 5 * time.Second})
	rec := apply(t, f)
	f.issuer.markConfirmed(rec.OptimisticTxID)

	*f.at = f.at.Add(2 * time.Second)
	confirmed, rolledBack, finalized := f.rec.Poll(context.Background())
	if confirmed != 1 || rolledBack != 0 || finalized != 0 {
		t.Fatalf("poll counts: %d %d %d", confirmed, rolledBack, finalized)
	}
	stored := f.db.records[rec.OptimisticTxID]
	if stored.Status != models.SettlementConfirmed {
		t.Fatalf("expected confirmed, got %s", stored.Status)
	}
	if stored.ConfirmationTimeMs != 2_000 {
		t.Fatalf("expected 2000ms confirmation time, got %d", stored.ConfirmationTimeMs)
	}

	// Within the grace window nothing finalizes.
	_, _, finalized = f.rec.Poll(context.Background())
	if finalized != 0 {
		t.Fatalf("grace window should delay finalization")
	}

	*f.at = f.at.Add(6 * time.Second)
	_, _, finalized = f.rec.Poll(context.Background())
	if finalized != 1 {
		t.Fatalf("expected one finalization, got %d", finalized)
	}
	stored = f.db.records[rec.OptimisticTxID]
	if stored.Status != models.SettlementFinalized {
		t.Fatalf("expected finalized, got %s", stored.Status)
	}
	if string(stored.FinalState) != string(stored.OptimisticState) {
		t.Fatalf("final state should settle to the optimistic state")
	}
}

func TestPollRollsBackOnTimeout(t *testing.T) {
	f := newFixture(t, Config{ConfirmTimeout: 30 * time.Second})
	rolled := 0
	f.rec.OnRollback = func(context.Context, models.SettlementRecord) { rolled++ }
	rec := apply(t, f)

	// Still inside the window: nothing happens.
	*f.at = f.at.Add(10 * time.Second)
	if _, rb, _ := f.rec.Poll(context.Background()); rb != 0 {
		t.Fatalf("premature rollback")
	}

	*f.at = f.at.Add(25 * time.Second)
	_, rb, _ := f.rec.Poll(context.Background())
	if rb != 1 {
		t.Fatalf("expected one rollback, got %d", rb)
	}
	stored := f.db.records[rec.OptimisticTxID]
	if stored.Status != models.SettlementRolledBack {
		t.Fatalf("expected rolled_back, got %s", stored.Status)
	}
	if stored.ErrorMessage != "Confirmation timeout" {
		t.Fatalf("error message must be exactly %q, got %q", "Confirmation timeout", stored.ErrorMessage)
	}
	if rolled != 1 {
		t.Fatalf("OnRollback should fire once, got %d", rolled)
	}
}

func TestApplyOptimisticBatchIsolatesFailures(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 1})
	f.issuer.failFor = map[string]bool{"plan-2": true}
	var mu sync.Mutex
	var rolledBack []string
	f.rec.OnRollback = func(_ context.Context, rec models.SettlementRecord) {
		mu.Lock()
		defer mu.Unlock()
		rolledBack = append(rolledBack, rec.EntityID)
	}

	items := []BatchItem{
		{UserID: "u-1", EntityType: "transfer", EntityID: "plan-1",
			Previous: json.RawMessage(`{"settled":false}`), Optimistic: json.RawMessage(`{"settled":true}`), DeltaCents: -1_000},
		{UserID: "u-2", EntityType: "transfer", EntityID: "plan-2",
			Previous: json.RawMessage(`{"settled":false}`), Optimistic: json.RawMessage(`{"settled":true}`), DeltaCents: -2_000},
		{UserID: "u-3", EntityType: "swap", EntityID: "plan-3",
			Previous: json.RawMessage(`{"settled":false}`), Optimistic: json.RawMessage(`{"settled":true}`), DeltaCents: -3_000},
	}
	results := f.rec.ApplyOptimisticBatch(context.Background(), items)
	if len(results) != len(items) {
		t.Fatalf("expected %d results, got %d", len(items), len(results))
	}

	for _, i := range []int{0, 2} {
		if results[i].Err != nil {
			t.Fatalf("item %d should succeed: %v", i, results[i].Err)
		}
		stored := f.db.records[results[i].Record.OptimisticTxID]
		if stored.Status != models.SettlementSubmitted {
			t.Fatalf("item %d stored status %s", i, stored.Status)
		}
	}
	if results[1].Err == nil {
		t.Fatalf("rejected item should surface its error")
	}
	if stored := f.db.records[results[1].Record.OptimisticTxID]; stored.Status != models.SettlementFailed {
		t.Fatalf("rejected item status %s", stored.Status)
	}
	if len(rolledBack) != 1 || rolledBack[0] != "plan-2" {
		t.Fatalf("only the rejected item should roll back, got %v", rolledBack)
	}
}

func TestRollbackFinalizedIsImmutable(t *testing.T) {
	f := newFixture(t, Config{FinalizeGrace: time.Second})
	rec := apply(t, f)
	f.issuer.markConfirmed(rec.OptimisticTxID)
	f.rec.Poll(context.Background())
	*f.at = f.at.Add(2 * time.Second)
	f.rec.Poll(context.Background())
	if f.db.records[rec.OptimisticTxID].Status != models.SettlementFinalized {
		t.Fatalf("setup: record should be finalized")
	}

	err := f.rec.Rollback(context.Background(), rec.OptimisticTxID, "manual")
	if !errors.Is(err, ErrFinalized) {
		t.Fatalf("expected ErrFinalized, got %v", err)
	}
}

func TestRollbackIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	rolled := 0
	f.rec.OnRollback = func(context.Context, models.SettlementRecord) { rolled++ }
	rec := apply(t, f)

	if err := f.rec.Rollback(context.Background(), rec.OptimisticTxID, "manual rollback"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if f.db.records[rec.OptimisticTxID].ErrorMessage != "manual rollback" {
		t.Fatalf("reason not recorded")
	}
	// A second rollback is a no-op, not an error.
	if err := f.rec.Rollback(context.Background(), rec.OptimisticTxID, "again"); err != nil {
		t.Fatalf("repeat rollback: %v", err)
	}
	if rolled != 1 {
		t.Fatalf("OnRollback must fire once, got %d", rolled)
	}
}

func TestRollbackUnknown(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.rec.Rollback(context.Background(), "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitRetryExhaustionFailsRecord(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 1})
	rolled := 0
	f.rec.OnRollback = func(context.Context, models.SettlementRecord) { rolled++ }
	f.issuer.submitErr = errors.New("issuer unavailable")

	rec, err := f.rec.ApplyOptimistic(context.Background(), "u-1", "transfer", "plan-1",
		json.RawMessage(`{}`), json.RawMessage(`{}`), -100)
	if err == nil {
		t.Fatalf("expected submit error")
	}
	stored := f.db.records[rec.OptimisticTxID]
	if stored.Status != models.SettlementFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", stored.RetryCount)
	}
	if f.issuer.submits != 2 {
		t.Fatalf("expected initial attempt plus one retry, got %d", f.issuer.submits)
	}
	if rolled != 1 {
		t.Fatalf("failed settlement should roll back the optimistic state")
	}
	want := []string{"settlement_applied", "settlement_failed"}
	if fmt.Sprint(f.auditor.events) != fmt.Sprint(want) {
		t.Fatalf("audit trail %v, want %v", f.auditor.events, want)
	}
}
