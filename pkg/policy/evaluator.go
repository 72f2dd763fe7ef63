package policy

import (
	"fmt"

	"github.com/DisCard-Technologies/discard-sub001/pkg/models"
)

// Thresholds carries both system-wide ceilings and user-tier limits, in
// cents. System ceilings are checked first and always block.
type Thresholds struct {
	SystemPerTxCeilingCents int64
	SystemDailyCeilingCents int64

	DailyLimitCents   int64
	WeeklyLimitCents  int64
	MonthlyLimitCents int64

	AutoApproveMaxCents   int64
	ManualApproveMaxCents int64

	CountdownBaseMs      int64
	CountdownPerTenUsdMs int64
	CountdownMaxMs       int64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SystemPerTxCeilingCents: 1_000_000, // $10,000
		SystemDailyCeilingCents: 5_000_000, // $50,000
		DailyLimitCents:         500_000,
		WeeklyLimitCents:        2_000_000,
		MonthlyLimitCents:       5_000_000,
		AutoApproveMaxCents:     10_000, // $100
		ManualApproveMaxCents:   500_000,
		CountdownBaseMs:         5_000,
		CountdownPerTenUsdMs:    1_000,
		CountdownMaxMs:          30_000,
	}
}

// Evaluate applies the ordered policy checks to a plan. It is pure: the same
// plan, snapshot and thresholds always produce the same result, and nothing
// is mutated.
//
// Check order: system per-tx ceiling, projected daily/weekly/monthly spend,
// amount tiering (auto/manual/blocked), countdown ramp, risk override.
// The first blocking violation short-circuits to blocked.
func Evaluate(plan models.StructuredPlan, snapshot models.SpendingSnapshot, th Thresholds) models.PolicyEvaluationResult {
	res := models.PolicyEvaluationResult{EvaluatedAt: plan.CreatedAt}
	amount := plan.TotalMaxSpendCents

	if th.SystemPerTxCeilingCents > 0 && amount > th.SystemPerTxCeilingCents {
		return blocked(res, "system_per_tx_ceiling",
			fmt.Sprintf("amount %s exceeds the per-transaction ceiling %s", cents(amount), cents(th.SystemPerTxCeilingCents)))
	}
	if th.SystemDailyCeilingCents > 0 && snapshot.DailyCents+amount > th.SystemDailyCeilingCents {
		return blocked(res, "system_daily_ceiling",
			fmt.Sprintf("projected daily spend %s exceeds the system ceiling %s", cents(snapshot.DailyCents+amount), cents(th.SystemDailyCeilingCents)))
	}
	if th.DailyLimitCents > 0 && snapshot.DailyCents+amount > th.DailyLimitCents {
		return blocked(res, "daily_limit",
			fmt.Sprintf("projected daily spend %s exceeds your daily limit %s", cents(snapshot.DailyCents+amount), cents(th.DailyLimitCents)))
	}
	if th.WeeklyLimitCents > 0 && snapshot.WeeklyCents+amount > th.WeeklyLimitCents {
		return blocked(res, "weekly_limit",
			fmt.Sprintf("projected weekly spend %s exceeds your weekly limit %s", cents(snapshot.WeeklyCents+amount), cents(th.WeeklyLimitCents)))
	}
	if th.MonthlyLimitCents > 0 && snapshot.MonthlyCents+amount > th.MonthlyLimitCents {
		return blocked(res, "monthly_limit",
			fmt.Sprintf("projected monthly spend %s exceeds your monthly limit %s", cents(snapshot.MonthlyCents+amount), cents(th.MonthlyLimitCents)))
	}

	switch {
	case amount <= th.AutoApproveMaxCents:
		res.ApprovalMode = models.ModeAuto
	case amount <= th.ManualApproveMaxCents:
		res.ApprovalMode = models.ModeManual
	default:
		return blocked(res, "manual_ceiling",
			fmt.Sprintf("amount %s exceeds the manual approval ceiling %s", cents(amount), cents(th.ManualApproveMaxCents)))
	}

	if res.ApprovalMode == models.ModeAuto {
		res.CountdownDurationMs = countdown(amount, th)
	}

	// High or critical risk always requires a human, whatever the amount.
	if plan.OverallRiskLevel.Rank() >= models.RiskHigh.Rank() && res.ApprovalMode == models.ModeAuto {
		res.ApprovalMode = models.ModeManual
		res.CountdownDurationMs = 0
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("%s risk requires manual approval", plan.OverallRiskLevel))
	}

	res.Approved = true
	return res
}

// countdown is a stepped linear ramp: base + floor(dollars/10) steps, capped.
func countdown(amountCents int64, th Thresholds) int64 {
	steps := amountCents / 100 / 10
	ms := th.CountdownBaseMs + steps*th.CountdownPerTenUsdMs
	if th.CountdownMaxMs > 0 && ms > th.CountdownMaxMs {
		return th.CountdownMaxMs
	}
	return ms
}

func blocked(res models.PolicyEvaluationResult, policyID, msg string) models.PolicyEvaluationResult {
	res.Approved = false
	res.ApprovalMode = models.ModeBlocked
	res.Violations = append(res.Violations, models.PolicyViolation{
		PolicyID: policyID,
		Severity: models.SeverityBlock,
		Message:  msg,
	})
	return res
}

func cents(c int64) string {
	return fmt.Sprintf("$%d.%02d", c/100, c%100)
}

// Summarize renders violations for the caller-facing block reason.
func Summarize(res models.PolicyEvaluationResult) string {
	if len(res.Violations) == 0 {
		return ""
	}
	return res.Violations[0].Message
}
