package models

import (
	"encoding/json"
	"time"
)

// Action identifies the kind of money movement being requested.
type Action string

const (
	ActionFundCard     Action = "fund_card"
	ActionTransfer     Action = "transfer"
	ActionSwap         Action = "swap"
	ActionWithdrawDefi Action = "withdraw_defi"
	ActionCreateCard   Action = "create_card"
	ActionFreezeCard   Action = "freeze_card"
	ActionDeleteCard   Action = "delete_card"
	ActionPayBill      Action = "pay_bill"
)

// KnownActions lists every action the pipeline accepts.
var KnownActions = []Action{
	ActionFundCard, ActionTransfer, ActionSwap, ActionWithdrawDefi,
	ActionCreateCard, ActionFreezeCard, ActionDeleteCard, ActionPayBill,
}

func (a Action) Known() bool {
	for _, k := range KnownActions {
		if a == k {
			return true
		}
	}
	return false
}

// MovesFunds reports whether the action debits or transfers value and
// therefore requires an amount.
func (a Action) MovesFunds() bool {
	switch a {
	case ActionFundCard, ActionTransfer, ActionSwap, ActionWithdrawDefi, ActionPayBill:
		return true
	default:
		return false
	}
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return -1
	}
}

// MaxRisk returns the higher-ranked of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Intent is an immutable action request. Once a plan has been generated from
// an intent the intent is never modified.
type Intent struct {
	IntentID       string          `json:"intent_id"`
	UserID         string          `json:"user_id"`
	Action         Action          `json:"action"`
	SourceID       string          `json:"source_id,omitempty"`
	TargetID       string          `json:"target_id,omitempty"`
	AmountCents    int64           `json:"amount_cents,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

type EstimatedCost struct {
	MaxSpendCents  int64     `json:"max_spend_cents"`
	MaxSlippageBps int       `json:"max_slippage_bps"`
	RiskLevel      RiskLevel `json:"risk_level"`
}

type Step struct {
	StepID             string        `json:"step_id"`
	Sequence           int           `json:"sequence"`
	Action             Action        `json:"action"`
	EstimatedCost      EstimatedCost `json:"estimated_cost"`
	ExpectedOutcome    string        `json:"expected_outcome"`
	DependsOn          []string      `json:"depends_on,omitempty"`
	RequiresApproval   bool          `json:"requires_approval"`
	SimulationRequired bool          `json:"simulation_required"`
	Status             StepStatus    `json:"status"`
}

type StructuredPlan struct {
	PlanID                 string    `json:"plan_id"`
	UserID                 string    `json:"user_id"`
	GoalRecap              string    `json:"goal_recap"`
	Steps                  []Step    `json:"steps"`
	TotalMaxSpendCents     int64     `json:"total_max_spend_cents"`
	TotalEstimatedFeeCents int64     `json:"total_estimated_fee_cents"`
	OverallRiskLevel       RiskLevel `json:"overall_risk_level"`
	CreatedAt              time.Time `json:"created_at"`
	ExpiresAt              time.Time `json:"expires_at"`
}

type ApprovalMode string

const (
	ModeAuto    ApprovalMode = "auto"
	ModeManual  ApprovalMode = "manual"
	ModeBlocked ApprovalMode = "blocked"
)

type ViolationSeverity string

const (
	SeverityWarning ViolationSeverity = "warning"
	SeverityBlock   ViolationSeverity = "block"
)

type PolicyViolation struct {
	PolicyID string            `json:"policy_id"`
	Severity ViolationSeverity `json:"severity"`
	Message  string            `json:"message"`
}

// PolicyEvaluationResult is derived deterministically from a plan, a spending
// snapshot and threshold configuration. It is never mutated after creation.
type PolicyEvaluationResult struct {
	Approved            bool              `json:"approved"`
	ApprovalMode        ApprovalMode      `json:"approval_mode"`
	Violations          []PolicyViolation `json:"violations,omitempty"`
	Warnings            []string          `json:"warnings,omitempty"`
	CountdownDurationMs int64             `json:"countdown_duration_ms,omitempty"`
	EvaluatedAt         time.Time         `json:"evaluated_at"`
}

// SpendingSnapshot is the rolling spend observed for a user at evaluation
// time, in cents.
type SpendingSnapshot struct {
	UserID       string    `json:"user_id"`
	DailyCents   int64     `json:"daily_cents"`
	WeeklyCents  int64     `json:"weekly_cents"`
	MonthlyCents int64     `json:"monthly_cents"`
	AsOf         time.Time `json:"as_of"`
}

type ApprovalStatus string

const (
	ApprovalPending          ApprovalStatus = "pending"
	ApprovalAutoApproved     ApprovalStatus = "auto_approved"
	ApprovalManuallyApproved ApprovalStatus = "manually_approved"
	ApprovalRejected         ApprovalStatus = "rejected"
	ApprovalExpired          ApprovalStatus = "expired"
	ApprovalCancelled        ApprovalStatus = "cancelled"
)

type ApprovalRecord struct {
	ApprovalID        string         `json:"approval_id"`
	PlanID            string         `json:"plan_id"`
	UserID            string         `json:"user_id"`
	ApprovalMode      ApprovalMode   `json:"approval_mode"`
	CountdownDeadline *time.Time     `json:"countdown_deadline,omitempty"`
	Status            ApprovalStatus `json:"status"`
	DecidedBy         string         `json:"decided_by,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// AuditEntry is one link of a per-user hash chain. Entries are append-only;
// only the anchoring fields may be set after insert.
type AuditEntry struct {
	UserID          string          `json:"user_id"`
	Sequence        int64           `json:"sequence"`
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	EventData       json.RawMessage `json:"event_data"`
	PreviousHash    string          `json:"previous_hash"`
	EventHash       string          `json:"event_hash"`
	Timestamp       time.Time       `json:"timestamp"`
	AnchoredToChain bool            `json:"anchored_to_chain"`
	AnchorRef       string          `json:"anchor_ref,omitempty"`
}

// GenesisHash is the previous_hash sentinel of the first entry in a chain.
const GenesisHash = "genesis"

type QueueStatus string

const (
	QueueQueued     QueueStatus = "queued"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueExpired    QueueStatus = "expired"
)

type QueuedRequest struct {
	RequestID       string          `json:"request_id"`
	UserID          string          `json:"user_id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	QueuedAt        time.Time       `json:"queued_at"`
	EstimatedWaitMs int64           `json:"estimated_wait_ms"`
	Position        int             `json:"position"`
	Status          QueueStatus     `json:"status"`
}

type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementSubmitted  SettlementStatus = "submitted"
	SettlementConfirmed  SettlementStatus = "confirmed"
	SettlementFinalized  SettlementStatus = "finalized"
	SettlementRolledBack SettlementStatus = "rolled_back"
	SettlementFailed     SettlementStatus = "failed"
)

type SettlementRecord struct {
	OptimisticTxID     string           `json:"optimistic_tx_id"`
	UserID             string           `json:"user_id"`
	EntityType         string           `json:"entity_type"`
	EntityID           string           `json:"entity_id"`
	PreviousState      json.RawMessage  `json:"previous_state"`
	OptimisticState    json.RawMessage  `json:"optimistic_state"`
	DeltaCents         int64            `json:"delta_cents"`
	Status             SettlementStatus `json:"status"`
	RetryCount         int              `json:"retry_count"`
	ConfirmationTimeMs int64            `json:"confirmation_time_ms,omitempty"`
	FinalState         json.RawMessage  `json:"final_state,omitempty"`
	ErrorMessage       string           `json:"error_message,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// SubmitResult is the gateway response for an intent submission.
type SubmitResult struct {
	ApprovalID          string       `json:"approval_id,omitempty"`
	PlanID              string       `json:"plan_id,omitempty"`
	Blocked             bool         `json:"blocked,omitempty"`
	BlockReason         string       `json:"block_reason,omitempty"`
	ApprovalMode        ApprovalMode `json:"approval_mode,omitempty"`
	CountdownDurationMs int64        `json:"countdown_duration_ms,omitempty"`
	RetryAfterMs        int64        `json:"retry_after_ms,omitempty"`
	Queued              bool         `json:"queued,omitempty"`
	QueuePosition       int          `json:"queue_position,omitempty"`
}

// Stable reason codes surfaced to callers and written to the audit log.
const (
	ReasonOK                  = "OK"
	ReasonValidation          = "VALIDATION_ERROR"
	ReasonRateLimited         = "RATE_LIMITED"
	ReasonCircuitOpen         = "CIRCUIT_OPEN"
	ReasonPolicyBlocked       = "POLICY_BLOCKED"
	ReasonReplayDetected      = "REPLAY_DETECTED"
	ReasonComplianceFail      = "COMPLIANCE_FAIL"
	ReasonConfirmationTimeout = "CONFIRMATION_TIMEOUT"
	ReasonUpstreamFail        = "UPSTREAM_FAIL"
)
