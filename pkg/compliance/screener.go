package compliance

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/DisCard-Technologies/discard-sub001/pkg/httpx"
	"github.com/DisCard-Technologies/discard-sub001/pkg/models"
)

// Screener checks an intent against the compliance service. The check fails
// closed: transport errors and non-200 responses all block the intent.
type Screener struct {
	BaseURL string
	Client  *http.Client
	Retries int
}

func New(baseURL string) *Screener {
	return &Screener{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
		Retries: 1,
	}
}

type screenRequest struct {
	UserID      string `json:"user_id"`
	Action      string `json:"action"`
	AmountCents int64  `json:"amount_cents"`
	TargetID    string `json:"target_id,omitempty"`
}

type screenResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Screener) Screen(ctx context.Context, intent models.Intent) error {
	if s.BaseURL == "" {
		return nil // screening disabled
	}
	status, body, err := httpx.RequestJSON(ctx, s.Client, http.MethodPost, s.BaseURL+"/v1/screen", screenRequest{
		UserID:      intent.UserID,
		Action:      string(intent.Action),
		AmountCents: intent.AmountCents,
		TargetID:    intent.TargetID,
	}, s.Retries, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("compliance unavailable: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("compliance status %d", status)
	}
	var res screenResponse
	if err := httpx.DecodeJSON(body, &res); err != nil {
		return fmt.Errorf("compliance response: %w", err)
	}
	if !res.Allowed {
		if res.Reason == "" {
			res.Reason = "screening declined"
		}
		return fmt.Errorf("compliance declined: %s", res.Reason)
	}
	return nil
}
