package approval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/DisCard-Technologies/discard-sub001/pkg/models"
	"github.com/DisCard-Technologies/discard-sub001/pkg/plan"
	"github.com/DisCard-Technologies/discard-sub001/pkg/policy"
)

var (
	ErrCircuitOpen = errors.New("issuer circuit open")
	ErrReplay      = errors.New("duplicate idempotency key")
	ErrNotFound    = errors.New("approval not found")
)

// Store persists plans and approval records. Status changes are
// compare-and-swap: TransitionApproval returns false when the record was not
// in the expected from status, so concurrent deciders cannot double-apply.
type Store interface {
	InsertPlan(ctx context.Context, p models.StructuredPlan) error
	InsertApproval(ctx context.Context, rec models.ApprovalRecord) error
	GetApproval(ctx context.Context, approvalID string) (models.ApprovalRecord, error)
	TransitionApproval(ctx context.Context, approvalID string, from, to models.ApprovalStatus, decidedBy string, now time.Time) (bool, error)
	DueCountdowns(ctx context.Context, now time.Time, limit int) ([]models.ApprovalRecord, error)
	StalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.ApprovalRecord, error)
	ClaimIdempotency(ctx context.Context, userID, key string) (bool, error)
}

// Auditor appends to the per-user hash chain. Every pipeline outcome that
// touches user state goes through it, including blocked plans.
type Auditor interface {
	Append(ctx context.Context, userID, eventType string, data any) (models.AuditEntry, error)
}

// Breaker gates submission on circuit state scoped to the user and action.
// Allow returns an error while any covering circuit is open.
type Breaker interface {
	Allow(ctx context.Context, userID, action string) error
}

// Screener runs the compliance check. It fails closed: any error blocks.
type Screener interface {
	Screen(ctx context.Context, intent models.Intent) error
}

// SpendReader serves the rolling spend snapshot policy evaluation projects
// against.
type SpendReader interface {
	Snapshot(ctx context.Context, userID string) (models.SpendingSnapshot, error)
}

type Config struct {
	Thresholds policy.Thresholds
	// Pending manual approvals older than this are expired by the sweeper.
	ManualTTL time.Duration
}

// Pipeline chains the submission gates: circuit breaker, idempotency,
// compliance, plan generation, policy evaluation, approval record. A blocked
// outcome at any gate is final for that submission and is audited; nothing
// later in the chain runs.
type Pipeline struct {
	cfg       Config
	store     Store
	auditor   Auditor
	breaker   Breaker
	screener  Screener
	spend     SpendReader
	generator *plan.Generator
	now       func() time.Time

	// OnApproved fires after a record reaches an approved status. The
	// settlement reconciler hangs off this.
	OnApproved func(ctx context.Context, rec models.ApprovalRecord)
	// OnEvent receives pipeline events for the live stream. Optional.
	OnEvent func(event string, payload any)
}

func NewPipeline(cfg Config, store Store, auditor Auditor, breaker Breaker, screener Screener, spend SpendReader, gen *plan.Generator) *Pipeline {
	if cfg.ManualTTL <= 0 {
		cfg.ManualTTL = 24 * time.Hour
	}
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		auditor:   auditor,
		breaker:   breaker,
		screener:  screener,
		spend:     spend,
		generator: gen,
		now:       time.Now,
	}
}

func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Submit runs an intent through every gate. Validation failures return an
// error before anything is persisted or audited; all later outcomes are
// expressed in the result and audited.
func (p *Pipeline) Submit(ctx context.Context, intent models.Intent) (models.SubmitResult, error) {
	if err := plan.Validate(intent); err != nil {
		return models.SubmitResult{}, err
	}
	now := p.now().UTC()

	if err := p.breaker.Allow(ctx, intent.UserID, string(intent.Action)); err != nil {
		p.audit(ctx, intent.UserID, "intent_rejected", map[string]any{
			"intent_id": intent.IntentID,
			"action":    string(intent.Action),
			"reason":    models.ReasonCircuitOpen,
		})
		return models.SubmitResult{}, ErrCircuitOpen
	}

	if intent.IdempotencyKey != "" {
		fresh, err := p.store.ClaimIdempotency(ctx, intent.UserID, intent.IdempotencyKey)
		if err != nil {
			return models.SubmitResult{}, fmt.Errorf("idempotency claim: %w", err)
		}
		if !fresh {
			p.audit(ctx, intent.UserID, "intent_rejected", map[string]any{
				"intent_id":       intent.IntentID,
				"idempotency_key": intent.IdempotencyKey,
				"reason":          models.ReasonReplayDetected,
			})
			return models.SubmitResult{}, ErrReplay
		}
	}

	if err := p.screener.Screen(ctx, intent); err != nil {
		p.audit(ctx, intent.UserID, "intent_rejected", map[string]any{
			"intent_id": intent.IntentID,
			"action":    string(intent.Action),
			"reason":    models.ReasonComplianceFail,
			"detail":    err.Error(),
		})
		return models.SubmitResult{
			Blocked:     true,
			BlockReason: models.ReasonComplianceFail,
		}, nil
	}

	structured, err := p.generator.Generate(intent)
	if err != nil {
		return models.SubmitResult{}, err
	}
	if err := p.store.InsertPlan(ctx, structured); err != nil {
		return models.SubmitResult{}, fmt.Errorf("persist plan: %w", err)
	}
	p.audit(ctx, intent.UserID, "plan_generated", map[string]any{
		"plan_id":               structured.PlanID,
		"action":                string(intent.Action),
		"total_max_spend_cents": structured.TotalMaxSpendCents,
		"risk_level":            string(structured.OverallRiskLevel),
	})

	snapshot, err := p.spend.Snapshot(ctx, intent.UserID)
	if err != nil {
		return models.SubmitResult{}, fmt.Errorf("spending snapshot: %w", err)
	}
	eval := policy.Evaluate(structured, snapshot, p.cfg.Thresholds)

	if eval.ApprovalMode == models.ModeBlocked {
		reason := policy.Summarize(eval)
		p.audit(ctx, intent.UserID, "policy_blocked", map[string]any{
			"plan_id": structured.PlanID,
			"reason":  reason,
		})
		p.emit("policy_blocked", map[string]any{"plan_id": structured.PlanID, "user_id": intent.UserID})
		return models.SubmitResult{
			PlanID:       structured.PlanID,
			Blocked:      true,
			BlockReason:  reason,
			ApprovalMode: models.ModeBlocked,
		}, nil
	}

	rec := models.ApprovalRecord{
		ApprovalID:   uuid.New().String(),
		PlanID:       structured.PlanID,
		UserID:       intent.UserID,
		ApprovalMode: eval.ApprovalMode,
		Status:       models.ApprovalPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if eval.ApprovalMode == models.ModeAuto {
		deadline := now.Add(time.Duration(eval.CountdownDurationMs) * time.Millisecond)
		rec.CountdownDeadline = &deadline
	}
	if err := p.store.InsertApproval(ctx, rec); err != nil {
		return models.SubmitResult{}, fmt.Errorf("persist approval: %w", err)
	}
	p.audit(ctx, intent.UserID, "approval_created", map[string]any{
		"approval_id":           rec.ApprovalID,
		"plan_id":               structured.PlanID,
		"approval_mode":         string(eval.ApprovalMode),
		"countdown_duration_ms": eval.CountdownDurationMs,
	})
	p.emit("approval_created", rec)

	return models.SubmitResult{
		ApprovalID:          rec.ApprovalID,
		PlanID:              structured.PlanID,
		ApprovalMode:        eval.ApprovalMode,
		CountdownDurationMs: eval.CountdownDurationMs,
	}, nil
}

// Decide applies a manual approve or reject. The transition is CAS against
// pending; a record already in a terminal status returns
// ErrInvalidTransition.
func (p *Pipeline) Decide(ctx context.Context, approvalID, decidedBy string, approve bool) (models.ApprovalRecord, error) {
	rec, err := p.store.GetApproval(ctx, approvalID)
	if err != nil {
		return models.ApprovalRecord{}, err
	}
	target := models.ApprovalRejected
	if approve {
		target = models.ApprovalManuallyApproved
	}
	if _, err := Transition(rec.Status, target); err != nil {
		return rec, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, approvalID, rec.Status)
	}
	now := p.now().UTC()
	ok, err := p.store.TransitionApproval(ctx, approvalID, models.ApprovalPending, target, decidedBy, now)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, fmt.Errorf("%w: %s decided concurrently", ErrInvalidTransition, approvalID)
	}
	rec.Status = target
	rec.DecidedBy = decidedBy
	rec.UpdatedAt = now
	p.audit(ctx, rec.UserID, "approval_decided", map[string]any{
		"approval_id": approvalID,
		"status":      string(target),
		"decided_by":  decidedBy,
	})
	p.emit("approval_decided", rec)
	if target == models.ApprovalManuallyApproved && p.OnApproved != nil {
		p.OnApproved(ctx, rec)
	}
	return rec, nil
}

// Cancel stops a pending approval, including an auto countdown that has not
// fired yet.
func (p *Pipeline) Cancel(ctx context.Context, approvalID, cancelledBy string) (models.ApprovalRecord, error) {
	rec, err := p.store.GetApproval(ctx, approvalID)
	if err != nil {
		return models.ApprovalRecord{}, err
	}
	if _, err := Transition(rec.Status, models.ApprovalCancelled); err != nil {
		return rec, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, approvalID, rec.Status)
	}
	now := p.now().UTC()
	ok, err := p.store.TransitionApproval(ctx, approvalID, models.ApprovalPending, models.ApprovalCancelled, cancelledBy, now)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, fmt.Errorf("%w: %s decided concurrently", ErrInvalidTransition, approvalID)
	}
	rec.Status = models.ApprovalCancelled
	rec.DecidedBy = cancelledBy
	rec.UpdatedAt = now
	p.audit(ctx, rec.UserID, "approval_cancelled", map[string]any{
		"approval_id":  approvalID,
		"cancelled_by": cancelledBy,
	})
	p.emit("approval_cancelled", rec)
	return rec, nil
}

// FinalizeCountdowns promotes auto-mode records whose countdown has elapsed.
// Called from the gateway's background loop; safe to run concurrently across
// replicas because the promotion is CAS.
func (p *Pipeline) FinalizeCountdowns(ctx context.Context, limit int) int {
	now := p.now().UTC()
	due, err := p.store.DueCountdowns(ctx, now, limit)
	if err != nil {
		log.Printf("countdown scan failed: %v", err)
		return 0
	}
	promoted := 0
	for _, rec := range due {
		ok, err := p.store.TransitionApproval(ctx, rec.ApprovalID, models.ApprovalPending, models.ApprovalAutoApproved, "system:countdown", now)
		if err != nil {
			log.Printf("countdown promote %s failed: %v", rec.ApprovalID, err)
			continue
		}
		if !ok {
			continue // cancelled or decided meanwhile
		}
		promoted++
		rec.Status = models.ApprovalAutoApproved
		rec.UpdatedAt = now
		p.audit(ctx, rec.UserID, "auto_approved", map[string]any{
			"approval_id": rec.ApprovalID,
			"plan_id":     rec.PlanID,
		})
		p.emit("auto_approved", rec)
		if p.OnApproved != nil {
			p.OnApproved(ctx, rec)
		}
	}
	return promoted
}

// ExpireStale times out manual approvals nobody decided.
func (p *Pipeline) ExpireStale(ctx context.Context, limit int) int {
	now := p.now().UTC()
	stale, err := p.store.StalePending(ctx, now.Add(-p.cfg.ManualTTL), limit)
	if err != nil {
		log.Printf("stale approval scan failed: %v", err)
		return 0
	}
	expired := 0
	for _, rec := range stale {
		ok, err := p.store.TransitionApproval(ctx, rec.ApprovalID, models.ApprovalPending, models.ApprovalExpired, "system:expiry", now)
		if err != nil || !ok {
			continue
		}
		expired++
		rec.Status = models.ApprovalExpired
		p.audit(ctx, rec.UserID, "approval_expired", map[string]any{
			"approval_id": rec.ApprovalID,
		})
		p.emit("approval_expired", rec)
	}
	return expired
}

func (p *Pipeline) audit(ctx context.Context, userID, eventType string, data any) {
	if p.auditor == nil {
		return
	}
	if _, err := p.auditor.Append(ctx, userID, eventType, data); err != nil {
		log.Printf("audit append %s for %s failed: %v", eventType, userID, err)
	}
}

func (p *Pipeline) emit(event string, payload any) {
	if p.OnEvent != nil {
		p.OnEvent(event, payload)
	}
}
