package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/DisCard-Technologies/discard-sub001/pkg/models"
)

var ErrNotFound = errors.New("record not found")

type approvalDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ApprovalStore persists plans and approval records. Plans are stored as
// JSONB documents; approvals carry the columns the pipeline queries on.
type ApprovalStore struct {
	DB             approvalDB
	Cache          Cache
	IdempotencyTTL time.Duration
}

func NewApprovalStore(db approvalDB, cache Cache) *ApprovalStore {
	return &ApprovalStore{
		DB:             db,
		Cache:          cache,
		IdempotencyTTL: 24 * time.Hour,
	}
}

func (s *ApprovalStore) InsertPlan(ctx context.Context, p models.StructuredPlan) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO plans (plan_id, user_id, plan, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5)
	`, p.PlanID, p.UserID, doc, p.CreatedAt, p.ExpiresAt)
	return err
}

func (s *ApprovalStore) GetPlan(ctx context.Context, planID string) (models.StructuredPlan, error) {
	var doc []byte
	row := s.DB.QueryRow(ctx, `SELECT plan FROM plans WHERE plan_id=$1`, planID)
	if err := row.Scan(&doc); err != nil {
		if err == pgx.ErrNoRows {
			return models.StructuredPlan{}, ErrNotFound
		}
		return models.StructuredPlan{}, err
	}
	var p models.StructuredPlan
	if err := json.Unmarshal(doc, &p); err != nil {
		return models.StructuredPlan{}, err
	}
	return p, nil
}

func (s *ApprovalStore) InsertApproval(ctx context.Context, rec models.ApprovalRecord) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO approvals
		(approval_id, plan_id, user_id, approval_mode, countdown_deadline, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.ApprovalID, rec.PlanID, rec.UserID, rec.ApprovalMode, rec.CountdownDeadline, rec.Status, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (s *ApprovalStore) GetApproval(ctx context.Context, approvalID string) (models.ApprovalRecord, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT approval_id, plan_id, user_id, approval_mode, countdown_deadline, status, COALESCE(decided_by,''), created_at, updated_at
		FROM approvals WHERE approval_id=$1
	`, approvalID)
	var rec models.ApprovalRecord
	err := row.Scan(&rec.ApprovalID, &rec.PlanID, &rec.UserID, &rec.ApprovalMode, &rec.CountdownDeadline, &rec.Status, &rec.DecidedBy, &rec.CreatedAt, &rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// TransitionApproval is compare-and-swap on status. Returns false when the
// record was not in the expected from status.
func (s *ApprovalStore) TransitionApproval(ctx context.Context, approvalID string, from, to models.ApprovalStatus, decidedBy string, now time.Time) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE approvals SET status=$3, decided_by=$4, updated_at=$5
		WHERE approval_id=$1 AND status=$2
	`, approvalID, from, to, decidedBy, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *ApprovalStore) DueCountdowns(ctx context.Context, now time.Time, limit int) ([]models.ApprovalRecord, error) {
	return s.scan(ctx, `
		SELECT approval_id, plan_id, user_id, approval_mode, countdown_deadline, status, COALESCE(decided_by,''), created_at, updated_at
		FROM approvals
		WHERE status=$1 AND approval_mode=$2 AND countdown_deadline IS NOT NULL AND countdown_deadline <= $3
		ORDER BY countdown_deadline ASC LIMIT $4
	`, models.ApprovalPending, models.ModeAuto, now, limit)
}

func (s *ApprovalStore) StalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.ApprovalRecord, error) {
	return s.scan(ctx, `
		SELECT approval_id, plan_id, user_id, approval_mode, countdown_deadline, status, COALESCE(decided_by,''), created_at, updated_at
		FROM approvals
		WHERE status=$1 AND approval_mode=$2 AND created_at <= $3
		ORDER BY created_at ASC LIMIT $4
	`, models.ApprovalPending, models.ModeManual, olderThan, limit)
}

func (s *ApprovalStore) scan(ctx context.Context, q string, args ...any) ([]models.ApprovalRecord, error) {
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ApprovalRecord
	for rows.Next() {
		var rec models.ApprovalRecord
		if err := rows.Scan(&rec.ApprovalID, &rec.PlanID, &rec.UserID, &rec.ApprovalMode, &rec.CountdownDeadline, &rec.Status, &rec.DecidedBy, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClaimIdempotency reserves an idempotency key for the user. False means the
// key was already used within the TTL.
func (s *ApprovalStore) ClaimIdempotency(ctx context.Context, userID, key string) (bool, error) {
	ttl := s.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return s.Cache.SetNX(ctx, "idem:"+userID+":"+key, "1", ttl)
}
