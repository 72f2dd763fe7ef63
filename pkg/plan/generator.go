package plan

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DisCard-Technologies/discard-sub001/pkg/models"
)

var (
	ErrUnknownAction  = errors.New("unknown action")
	ErrMissingUser    = errors.New("user_id required")
	ErrMissingAmount  = errors.New("amount_cents required for this action")
	ErrMissingSource  = errors.New("source_id required for this action")
	ErrNegativeAmount = errors.New("amount_cents must be positive")
)

type Config struct {
	// Amounts at or above this force critical risk regardless of action.
	HighValueCutoffCents int64
	// Amounts above this flag simulation before execution.
	SimulationThresholdCents int64
	PlanTTL                  time.Duration
}

func DefaultConfig() Config {
	return Config{
		HighValueCutoffCents:     500_000, // $5,000
		SimulationThresholdCents: 100_000, // $1,000
		PlanTTL:                  30 * time.Minute,
	}
}

// baseRisk is the action→risk table. DeFi withdrawals and swaps touch
// external chains and are inherently riskier at any amount.
var baseRisk = map[models.Action]models.RiskLevel{
	models.ActionFundCard:     models.RiskLow,
	models.ActionTransfer:     models.RiskLow,
	models.ActionSwap:         models.RiskMedium,
	models.ActionWithdrawDefi: models.RiskHigh,
	models.ActionCreateCard:   models.RiskLow,
	models.ActionFreezeCard:   models.RiskLow,
	models.ActionDeleteCard:   models.RiskMedium,
	models.ActionPayBill:      models.RiskLow,
}

type feeSchedule struct {
	bps       int64
	flatCents int64
}

var fees = map[models.Action]feeSchedule{
	models.ActionFundCard:     {bps: 50},             // 0.5%
	models.ActionTransfer:     {bps: 10},             // 0.1%
	models.ActionSwap:         {bps: 80},             // 0.8%
	models.ActionWithdrawDefi: {bps: 30, flatCents: 100},
	models.ActionPayBill:      {flatCents: 50},
}

// Generator turns a validated intent into a structured plan. It is a pure
// function of the intent, its config and the injected clock; it makes no
// external calls.
type Generator struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Generator {
	if cfg.HighValueCutoffCents <= 0 {
		cfg.HighValueCutoffCents = DefaultConfig().HighValueCutoffCents
	}
	if cfg.SimulationThresholdCents <= 0 {
		cfg.SimulationThresholdCents = DefaultConfig().SimulationThresholdCents
	}
	if cfg.PlanTTL <= 0 {
		cfg.PlanTTL = DefaultConfig().PlanTTL
	}
	return &Generator{cfg: cfg, now: time.Now}
}

func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

func (g *Generator) Generate(intent models.Intent) (models.StructuredPlan, error) {
	if err := Validate(intent); err != nil {
		return models.StructuredPlan{}, err
	}
	now := g.now().UTC()
	risk := g.riskFor(intent.Action, intent.AmountCents)
	fee := estimateFee(intent.Action, intent.AmountCents)

	step := models.Step{
		StepID:   uuid.New().String(),
		Sequence: 1,
		Action:   intent.Action,
		EstimatedCost: models.EstimatedCost{
			MaxSpendCents:  intent.AmountCents + fee,
			MaxSlippageBps: slippageFor(intent.Action),
			RiskLevel:      risk,
		},
		ExpectedOutcome:    expectedOutcome(intent),
		RequiresApproval:   risk.Rank() >= models.RiskHigh.Rank(),
		SimulationRequired: intent.AmountCents > g.cfg.SimulationThresholdCents,
		Status:             models.StepPending,
	}

	return models.StructuredPlan{
		PlanID:                 uuid.New().String(),
		UserID:                 intent.UserID,
		GoalRecap:              expectedOutcome(intent),
		Steps:                  []models.Step{step},
		TotalMaxSpendCents:     intent.AmountCents + fee,
		TotalEstimatedFeeCents: fee,
		OverallRiskLevel:       risk,
		CreatedAt:              now,
		ExpiresAt:              now.Add(g.cfg.PlanTTL),
	}, nil
}

// Validate rejects malformed intents before any plan or audit record exists.
func Validate(intent models.Intent) error {
	if intent.UserID == "" {
		return ErrMissingUser
	}
	if !intent.Action.Known() {
		return ErrUnknownAction
	}
	if intent.Action.MovesFunds() {
		if intent.AmountCents == 0 {
			return ErrMissingAmount
		}
		if intent.AmountCents < 0 {
			return ErrNegativeAmount
		}
		if intent.SourceID == "" {
			return ErrMissingSource
		}
	}
	return nil
}

func (g *Generator) riskFor(action models.Action, amountCents int64) models.RiskLevel {
	risk, ok := baseRisk[action]
	if !ok {
		risk = models.RiskMedium
	}
	if amountCents >= g.cfg.HighValueCutoffCents {
		return models.RiskCritical
	}
	// Mid-size amounts bump low-risk actions one notch.
	if amountCents >= g.cfg.HighValueCutoffCents/5 {
		risk = models.MaxRisk(risk, models.RiskMedium)
	}
	return risk
}

func estimateFee(action models.Action, amountCents int64) int64 {
	f, ok := fees[action]
	if !ok {
		return 0
	}
	return amountCents*f.bps/10_000 + f.flatCents
}

func slippageFor(action models.Action) int {
	if action == models.ActionSwap {
		return 100 // 1%
	}
	return 0
}

func expectedOutcome(intent models.Intent) string {
	dollars := float64(intent.AmountCents) / 100
	switch intent.Action {
	case models.ActionFundCard:
		return fmt.Sprintf("Fund card %s with $%.2f", intent.TargetID, dollars)
	case models.ActionTransfer:
		return fmt.Sprintf("Transfer $%.2f from %s to %s", dollars, intent.SourceID, intent.TargetID)
	case models.ActionSwap:
		return fmt.Sprintf("Swap $%.2f via %s", dollars, intent.SourceID)
	case models.ActionWithdrawDefi:
		return fmt.Sprintf("Withdraw $%.2f from DeFi position %s", dollars, intent.SourceID)
	case models.ActionCreateCard:
		return "Create a new card"
	case models.ActionFreezeCard:
		return fmt.Sprintf("Freeze card %s", intent.TargetID)
	case models.ActionDeleteCard:
		return fmt.Sprintf("Delete card %s", intent.TargetID)
	case models.ActionPayBill:
		return fmt.Sprintf("Pay bill %s ($%.2f)", intent.TargetID, dollars)
	default:
		return string(intent.Action)
	}
}
