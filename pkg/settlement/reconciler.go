package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/DisCard-Technologies/discard-sub001/pkg/models"
)

// timeoutMessage is the exact error_message written on a countdown rollback.
// Clients match on it; do not reword.
const timeoutMessage = "Confirmation timeout"

var (
	ErrNotFound  = errors.New("settlement not found")
	ErrFinalized = errors.New("settlement already finalized")
)

type settlementDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Issuer is the upstream processor a settlement is submitted to and
// confirmed against.
type Issuer interface {
	Submit(ctx context.Context, rec models.SettlementRecord) error
	Confirmed(ctx context.Context, txID string) (bool, error)
}

type Auditor interface {
	Append(ctx context.Context, userID, eventType string, data any) (models.AuditEntry, error)
}

type Config struct {
	// Submitted records unconfirmed past this window are rolled back.
	ConfirmTimeout time.Duration
	// Confirmed records are finalized once they have aged one grace period,
	// giving a late dispute one poll cycle to land.
	FinalizeGrace time.Duration
	MaxRetries    int
	PollBatch     int
}

func (c Config) normalized() Config {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.FinalizeGrace <= 0 {
		c.FinalizeGrace = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PollBatch <= 0 {
		c.PollBatch = 100
	}
	return c
}

// Reconciler drives optimistic settlement: apply the state change
// immediately, submit to the issuer, then confirm or roll back. Every status
// change is CAS so concurrent pollers and manual rollbacks cannot
// double-apply.
type Reconciler struct {
	cfg     Config
	db      settlementDB
	issuer  Issuer
	auditor Auditor
	now     func() time.Time

	// OnRollback reinstates the pre-image when a settlement is undone.
	OnRollback func(ctx context.Context, rec models.SettlementRecord)
	// OnEvent feeds the live stream. Optional.
	OnEvent func(event string, payload any)
}

func NewReconciler(cfg Config, db settlementDB, issuer Issuer, auditor Auditor) *Reconciler {
	return &Reconciler{
		cfg:     cfg.normalized(),
		db:      db,
		issuer:  issuer,
		auditor: auditor,
		now:     time.Now,
	}
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// ApplyOptimistic records the pre-image and the optimistic state, then
// submits upstream. The caller sees the optimistic state immediately; the
// reconciler settles the difference later.
func (r *Reconciler) ApplyOptimistic(ctx context.Context, userID, entityType, entityID string, previous, optimistic json.RawMessage, deltaCents int64) (models.SettlementRecord, error) {
	now := r.now().UTC()
	rec := models.SettlementRecord{
		OptimisticTxID:  uuid.New().String(),
		UserID:          userID,
		EntityType:      entityType,
		EntityID:        entityID,
		PreviousState:   previous,
		OptimisticState: optimistic,
		DeltaCents:      deltaCents,
		Status:          models.SettlementPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO settlements
		(optimistic_tx_id, user_id, entity_type, entity_id, previous_state, optimistic_state, delta_cents, status, retry_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$9)
	`, rec.OptimisticTxID, rec.UserID, rec.EntityType, rec.EntityID, rec.PreviousState, rec.OptimisticState, rec.DeltaCents, rec.Status, now)
	if err != nil {
		return models.SettlementRecord{}, fmt.Errorf("persist settlement: %w", err)
	}
	r.audit(ctx, userID, "settlement_applied", map[string]any{
		"optimistic_tx_id": rec.OptimisticTxID,
		"entity_type":      entityType,
		"entity_id":        entityID,
		"delta_cents":      deltaCents,
	})

	if err := r.submit(ctx, rec); err != nil {
		return rec, err
	}
	rec.Status = models.SettlementSubmitted
	return rec, nil
}

// BatchItem is one independent record in a batch apply.
type BatchItem struct {
	UserID     string
	EntityType string
	EntityID   string
	Previous   json.RawMessage
	Optimistic json.RawMessage
	DeltaCents int64
}

// BatchResult pairs a batch item's settlement record with its outcome,
// positionally matching the input.
type BatchResult struct {
	Record models.SettlementRecord
	Err    error
}

// ApplyOptimisticBatch applies independent records concurrently. Each item
// succeeds or fails on its own; a failed submission rolls back only its own
// record, never its neighbors.
func (r *Reconciler) ApplyOptimisticBatch(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item BatchItem) {
			defer wg.Done()
			rec, err := r.ApplyOptimistic(ctx, item.UserID, item.EntityType, item.EntityID,
				item.Previous, item.Optimistic, item.DeltaCents)
			results[i] = BatchResult{Record: rec, Err: err}
		}(i, item)
	}
	wg.Wait()
	return results
}

// submit pushes the settlement upstream with bounded retries. Exhausting
// retries fails the record and rolls it back.
func (r *Reconciler) submit(ctx context.Context, rec models.SettlementRecord) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
			_, _ = r.db.Exec(ctx, `
				UPDATE settlements SET retry_count=$2, updated_at=$3 WHERE optimistic_tx_id=$1
			`, rec.OptimisticTxID, attempt, r.now().UTC())
		}
		if lastErr = r.issuer.Submit(ctx, rec); lastErr == nil {
			ok, err := r.transition(ctx, rec.OptimisticTxID, models.SettlementPending, models.SettlementSubmitted)
			if err != nil {
				return err
			}
			if !ok {
				return nil // rolled back meanwhile
			}
			return nil
		}
	}
	_, _ = r.transitionWithError(ctx, rec.OptimisticTxID, models.SettlementPending, models.SettlementFailed, fmt.Sprintf("submit failed: %v", lastErr))
	if r.OnRollback != nil {
		r.OnRollback(ctx, rec)
	}
	r.audit(ctx, rec.UserID, "settlement_failed", map[string]any{
		"optimistic_tx_id": rec.OptimisticTxID,
		"reason":           lastErr.Error(),
	})
	r.emit("settlement_failed", rec.OptimisticTxID)
	return fmt.Errorf("settlement submit: %w", lastErr)
}

// Poll advances submitted and confirmed records: confirms what the issuer
// acknowledged, rolls back what timed out, finalizes what aged past the
// grace period. Returns counts for metrics.
func (r *Reconciler) Poll(ctx context.Context) (confirmed, rolledBack, finalized int) {
	now := r.now().UTC()

	for _, rec := range r.byStatus(ctx, models.SettlementSubmitted) {
		ok, err := r.issuer.Confirmed(ctx, rec.OptimisticTxID)
		if err == nil && ok {
			elapsed := now.Sub(rec.CreatedAt).Milliseconds()
			done, err := r.confirm(ctx, rec.OptimisticTxID, elapsed)
			if err == nil && done {
				confirmed++
				r.audit(ctx, rec.UserID, "settlement_confirmed", map[string]any{
					"optimistic_tx_id":     rec.OptimisticTxID,
					"confirmation_time_ms": elapsed,
				})
				r.emit("settlement_confirmed", rec.OptimisticTxID)
			}
			continue
		}
		if now.Sub(rec.CreatedAt) > r.cfg.ConfirmTimeout {
			if r.Rollback(ctx, rec.OptimisticTxID, timeoutMessage) == nil {
				rolledBack++
			}
		}
	}

	for _, rec := range r.byStatus(ctx, models.SettlementConfirmed) {
		if now.Sub(rec.UpdatedAt) < r.cfg.FinalizeGrace {
			continue
		}
		ok, err := r.finalize(ctx, rec)
		if err == nil && ok {
			finalized++
			r.audit(ctx, rec.UserID, "settlement_finalized", map[string]any{
				"optimistic_tx_id": rec.OptimisticTxID,
			})
			r.emit("settlement_finalized", rec.OptimisticTxID)
		}
	}
	return confirmed, rolledBack, finalized
}

// Rollback reinstates the pre-image. Legal from pending, submitted and
// confirmed; a finalized settlement is immutable.
func (r *Reconciler) Rollback(ctx context.Context, txID, reason string) error {
	rec, err := r.Get(ctx, txID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case models.SettlementFinalized:
		return ErrFinalized
	case models.SettlementRolledBack, models.SettlementFailed:
		return nil // already undone
	}
	ok, err := r.transitionWithError(ctx, txID, rec.Status, models.SettlementRolledBack, reason)
	if err != nil {
		return err
	}
	if !ok {
		// Status moved under us; re-read and retry once against the new state.
		rec, err = r.Get(ctx, txID)
		if err != nil {
			return err
		}
		if rec.Status == models.SettlementFinalized {
			return ErrFinalized
		}
		if rec.Status == models.SettlementRolledBack || rec.Status == models.SettlementFailed {
			return nil
		}
		if ok, err = r.transitionWithError(ctx, txID, rec.Status, models.SettlementRolledBack, reason); err != nil || !ok {
			return fmt.Errorf("rollback %s: lost race", txID)
		}
	}
	rec.Status = models.SettlementRolledBack
	rec.ErrorMessage = reason
	r.rollbackRecord(ctx, rec, models.SettlementRolledBack, reason)
	return nil
}

func (r *Reconciler) rollbackRecord(ctx context.Context, rec models.SettlementRecord, status models.SettlementStatus, reason string) {
	if r.OnRollback != nil {
		r.OnRollback(ctx, rec)
	}
	r.audit(ctx, rec.UserID, "settlement_rolled_back", map[string]any{
		"optimistic_tx_id": rec.OptimisticTxID,
		"status":           string(status),
		"reason":           reason,
	})
	r.emit("settlement_rolled_back", rec.OptimisticTxID)
}

// Run polls on a fixed interval until the context ends.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c, rb, f := r.Poll(ctx)
			if c+rb+f > 0 {
				log.Printf("settlement poll: confirmed=%d rolled_back=%d finalized=%d", c, rb, f)
			}
		}
	}
}

func (r *Reconciler) Get(ctx context.Context, txID string) (models.SettlementRecord, error) {
	row := r.db.QueryRow(ctx, `
		SELECT optimistic_tx_id, user_id, entity_type, entity_id, previous_state, optimistic_state, delta_cents,
		       status, retry_count, COALESCE(confirmation_time_ms,0), final_state, COALESCE(error_message,''), created_at, updated_at
		FROM settlements WHERE optimistic_tx_id=$1
	`, txID)
	var rec models.SettlementRecord
	err := row.Scan(&rec.OptimisticTxID, &rec.UserID, &rec.EntityType, &rec.EntityID, &rec.PreviousState, &rec.OptimisticState,
		&rec.DeltaCents, &rec.Status, &rec.RetryCount, &rec.ConfirmationTimeMs, &rec.FinalState, &rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

func (r *Reconciler) byStatus(ctx context.Context, status models.SettlementStatus) []models.SettlementRecord {
	rows, err := r.db.Query(ctx, `
		SELECT optimistic_tx_id, user_id, entity_type, entity_id, previous_state, optimistic_state, delta_cents,
		       status, retry_count, COALESCE(confirmation_time_ms,0), final_state, COALESCE(error_message,''), created_at, updated_at
		FROM settlements WHERE status=$1 ORDER BY created_at ASC LIMIT $2
	`, status, r.cfg.PollBatch)
	if err != nil {
		log.Printf("settlement scan %s failed: %v", status, err)
		return nil
	}
	defer rows.Close()
	var out []models.SettlementRecord
	for rows.Next() {
		var rec models.SettlementRecord
		if err := rows.Scan(&rec.OptimisticTxID, &rec.UserID, &rec.EntityType, &rec.EntityID, &rec.PreviousState, &rec.OptimisticState,
			&rec.DeltaCents, &rec.Status, &rec.RetryCount, &rec.ConfirmationTimeMs, &rec.FinalState, &rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			log.Printf("settlement scan row: %v", err)
			return out
		}
		out = append(out, rec)
	}
	return out
}

func (r *Reconciler) transition(ctx context.Context, txID string, from, to models.SettlementStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlements SET status=$3, updated_at=$4
		WHERE optimistic_tx_id=$1 AND status=$2
	`, txID, from, to, r.now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Reconciler) transitionWithError(ctx context.Context, txID string, from, to models.SettlementStatus, msg string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlements SET status=$3, error_message=$4, updated_at=$5
		WHERE optimistic_tx_id=$1 AND status=$2
	`, txID, from, to, msg, r.now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Reconciler) confirm(ctx context.Context, txID string, elapsedMs int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlements SET status=$2, confirmation_time_ms=$3, updated_at=$4
		WHERE optimistic_tx_id=$1 AND status=$5
	`, txID, models.SettlementConfirmed, elapsedMs, r.now().UTC(), models.SettlementSubmitted)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Reconciler) finalize(ctx context.Context, rec models.SettlementRecord) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlements SET status=$2, final_state=optimistic_state, updated_at=$3
		WHERE optimistic_tx_id=$1 AND status=$4
	`, rec.OptimisticTxID, models.SettlementFinalized, r.now().UTC(), models.SettlementConfirmed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Reconciler) audit(ctx context.Context, userID, eventType string, data any) {
	if r.auditor == nil {
		return
	}
	if _, err := r.auditor.Append(ctx, userID, eventType, data); err != nil {
		log.Printf("audit append %s failed: %v", eventType, err)
	}
}

func (r *Reconciler) emit(event string, payload any) {
	if r.OnEvent != nil {
		r.OnEvent(event, payload)
	}
}
