package issuer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/DisCard-Technologies/discard-sub001/pkg/breaker"
	"github.com/DisCard-Technologies/discard-sub001/pkg/httpx"
	"github.com/DisCard-Technologies/discard-sub001/pkg/models"
)

// Client talks to the card issuer / settlement processor. Submissions run
// through the shared circuit breaker so a processor outage trips admission
// instead of piling up timeouts.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Breaker *breaker.Breaker
	Retries int
}

func New(baseURL string, br *breaker.Breaker) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Breaker: br,
		Retries: 2,
	}
}

type submitRequest struct {
	TxID        string `json:"tx_id"`
	UserID      string `json:"user_id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	AmountCents int64  `json:"amount_cents"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (c *Client) Submit(ctx context.Context, rec models.SettlementRecord) error {
	if err := c.Breaker.Allow(); err != nil {
		return err
	}
	status, _, err := httpx.RequestJSON(ctx, c.HTTP, http.MethodPost, c.BaseURL+"/v1/transactions", submitRequest{
		TxID:        rec.OptimisticTxID,
		UserID:      rec.UserID,
		EntityType:  rec.EntityType,
		EntityID:    rec.EntityID,
		AmountCents: rec.DeltaCents,
	}, c.Retries, 250*time.Millisecond)
	if err != nil {
		c.Breaker.Failure()
		return fmt.Errorf("issuer submit: %w", err)
	}
	if status >= 400 {
		c.Breaker.Failure()
		return fmt.Errorf("issuer submit status %d", status)
	}
	c.Breaker.Success()
	return nil
}

// Confirmed polls the processor for the transaction's terminal status.
func (c *Client) Confirmed(ctx context.Context, txID string) (bool, error) {
	status, body, err := httpx.RequestJSON(ctx, c.HTTP, http.MethodGet, c.BaseURL+"/v1/transactions/"+txID, nil, 0, 0)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("issuer status %d", status)
	}
	var res statusResponse
	if err := httpx.DecodeJSON(body, &res); err != nil {
		return false, err
	}
	return res.Status == "confirmed" || res.Status == "settled", nil
}
