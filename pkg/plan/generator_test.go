package plan

import (
	"errors"
	"testing"
	"time"

	"github.com/DisCard-Technologies/discard-sub001/pkg/models"
)

func testClock() func() time.Time {
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestValidateRejectsMalformedIntents(t *testing.T) {
	cases := []struct {
		name   string
		intent models.Intent
		want   error
	}{
		{"missing user", models.Intent{Action: models.ActionTransfer}, ErrMissingUser},
		{"unknown action", models.Intent{UserID: "u", Action: "teleport"}, ErrUnknownAction},
		{"missing amount", models.Intent{UserID: "u", Action: models.ActionTransfer, SourceID: "s"}, ErrMissingAmount},
		{"negative amount", models.Intent{UserID: "u", Action: models.ActionTransfer, SourceID: "s", AmountCents: -1}, ErrNegativeAmount},
		{"missing source", models.Intent{UserID: "u", Action: models.ActionSwap, AmountCents: 100}, ErrMissingSource},
	}
	for _, tc := range cases {
		if err := Validate(tc.intent); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	// Card lifecycle actions move no funds and need no amount.
	if err := Validate(models.Intent{UserID: "u", Action: models.ActionFreezeCard, TargetID: "card-1"}); err != nil {
		t.Fatalf("freeze_card should validate: %v", err)
	}
}

func TestGenerateSingleStepPlan(t *testing.T) {
	g := New(DefaultConfig()).WithClock(testClock())
	p, err := g.Generate(models.Intent{
		UserID:      "u-1",
		Action:      models.ActionTransfer,
		SourceID:    "acct-a",
		TargetID:    "acct-b",
		AmountCents: 5_000,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(p.Steps) != 1 {
		t.Fatalf("expected one step, got %d", len(p.Steps))
	}
	// 0.1% fee on $50 is 5 cents.
	if p.TotalEstimatedFeeCents != 5 {
		t.Fatalf("expected 5 cent fee, got %d", p.TotalEstimatedFeeCents)
	}
	if p.TotalMaxSpendCents != 5_005 {
		t.Fatalf("expected max spend 5005, got %d", p.TotalMaxSpendCents)
	}
	if p.OverallRiskLevel != models.RiskLow {
		t.Fatalf("small transfer should be low risk, got %s", p.OverallRiskLevel)
	}
	if p.Steps[0].RequiresApproval {
		t.Fatalf("low risk step should not require approval")
	}
	if !p.ExpiresAt.Equal(p.CreatedAt.Add(30 * time.Minute)) {
		t.Fatalf("expiry should be TTL past creation, got %v", p.ExpiresAt)
	}
}

func TestGenerateRiskEscalation(t *testing.T) {
	g := New(DefaultConfig()).WithClock(testClock())

	// DeFi withdrawal is high risk at any amount and requires approval.
	p, err := g.Generate(models.Intent{UserID: "u", Action: models.ActionWithdrawDefi, SourceID: "pos-1", AmountCents: 1_000})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if p.OverallRiskLevel != models.RiskHigh || !p.Steps[0].RequiresApproval {
		t.Fatalf("defi withdrawal should be high risk with approval, got %s", p.OverallRiskLevel)
	}

	// At the high-value cutoff everything is critical.
	p, err = g.Generate(models.Intent{UserID: "u", Action: models.ActionTransfer, SourceID: "a", AmountCents: 500_000})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if p.OverallRiskLevel != models.RiskCritical {
		t.Fatalf("cutoff amount should be critical, got %s", p.OverallRiskLevel)
	}

	// Mid-size amounts bump low-risk actions to medium.
	p, err = g.Generate(models.Intent{UserID: "u", Action: models.ActionTransfer, SourceID: "a", AmountCents: 100_000})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if p.OverallRiskLevel != models.RiskMedium {
		t.Fatalf("mid-size transfer should be medium risk, got %s", p.OverallRiskLevel)
	}
}

func TestGenerateSimulationFlag(t *testing.T) {
	g := New(DefaultConfig()).WithClock(testClock())
	p, err := g.Generate(models.Intent{UserID: "u", Action: models.ActionSwap, SourceID: "dex", AmountCents: 100_001})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !p.Steps[0].SimulationRequired {
		t.Fatalf("amount over threshold should require simulation")
	}
	if p.Steps[0].EstimatedCost.MaxSlippageBps != 100 {
		t.Fatalf("swap should carry slippage budget, got %d", p.Steps[0].EstimatedCost.MaxSlippageBps)
	}
	p, err = g.Generate(models.Intent{UserID: "u", Action: models.ActionSwap, SourceID: "dex", AmountCents: 100_000})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if p.Steps[0].SimulationRequired {
		t.Fatalf("amount at threshold should not require simulation")
	}
}

func TestGenerateFlatAndBpsFees(t *testing.T) {
	g := New(DefaultConfig()).WithClock(testClock())
	// withdraw_defi: 0.3% + $1 flat.
	p, err := g.Generate(models.Intent{UserID: "u", Action: models.ActionWithdrawDefi, SourceID: "pos", AmountCents: 10_000})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if p.TotalEstimatedFeeCents != 130 {
		t.Fatalf("expected 130 cent fee, got %d", p.TotalEstimatedFeeCents)
	}
	// freeze_card has no fee schedule.
	p, err = g.Generate(models.Intent{UserID: "u", Action: models.ActionFreezeCard, TargetID: "card-1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if p.TotalEstimatedFeeCents != 0 || p.TotalMaxSpendCents != 0 {
		t.Fatalf("freeze_card should be free, got fee=%d spend=%d", p.TotalEstimatedFeeCents, p.TotalMaxSpendCents)
	}
}
