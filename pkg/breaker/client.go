package breaker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/DisCard-Technologies/discard-sub001/pkg/httpx"
)

// Client checks the breaker service, which tracks per-user and per-action
// circuit state across the fleet.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Retries int
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
		Retries: 1,
	}
}

type checkRequest struct {
	UserID string `json:"user_id"`
	Action string `json:"action"`
}

// CheckResult names every tripped circuit covering the user/action pair.
type CheckResult struct {
	Blocked         bool     `json:"blocked"`
	TrippedBreakers []string `json:"tripped_breakers"`
}

func (c *Client) Check(ctx context.Context, userID, action string) (CheckResult, error) {
	var res CheckResult
	status, body, err := httpx.RequestJSON(ctx, c.HTTP, http.MethodPost, c.BaseURL+"/v1/breakers/check",
		checkRequest{UserID: userID, Action: action}, c.Retries, 200*time.Millisecond)
	if err != nil {
		return res, fmt.Errorf("breaker check: %w", err)
	}
	if status != http.StatusOK {
		return res, fmt.Errorf("breaker check status %d", status)
	}
	if err := httpx.DecodeJSON(body, &res); err != nil {
		return res, err
	}
	return res, nil
}

// Gate is the submission gate: the local issuer breaker first, then the
// breaker service for user- and action-scoped trips. The service check fails
// closed; an unreachable breaker service blocks submission rather than
// waving it through.
type Gate struct {
	Local  *Breaker
	Remote *Client
}

func NewGate(local *Breaker, remote *Client) *Gate {
	return &Gate{Local: local, Remote: remote}
}

func (g *Gate) Allow(ctx context.Context, userID, action string) error {
	if g.Local != nil {
		if err := g.Local.Allow(); err != nil {
			return err
		}
	}
	if g.Remote == nil {
		return nil
	}
	res, err := g.Remote.Check(ctx, userID, action)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOpen, err)
	}
	if res.Blocked {
		return fmt.Errorf("%w: %s", ErrOpen, strings.Join(res.TrippedBreakers, ","))
	}
	return nil
}
