package auditlog

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/DisCard-Technologies/discard-sub001/pkg/httpx"
)

// HTTPPublisher anchors Merkle roots through the chain gateway. The returned
// transaction hash becomes the batch's anchor_ref.
type HTTPPublisher struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPPublisher(baseURL string) *HTTPPublisher {
	return &HTTPPublisher{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type anchorRequest struct {
	Root       string `json:"root"`
	EntryCount int    `json:"entry_count"`
}

type anchorResponse struct {
	TxHash string `json:"tx_hash"`
}

func (p *HTTPPublisher) Publish(ctx context.Context, root string, entryCount int) (string, error) {
	status, body, err := httpx.RequestJSON(ctx, p.HTTP, http.MethodPost, p.BaseURL+"/v1/anchors", anchorRequest{
		Root:       root,
		EntryCount: entryCount,
	}, 2, 500*time.Millisecond)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("anchor status %d", status)
	}
	var res anchorResponse
	if err := httpx.DecodeJSON(body, &res); err != nil {
		return "", err
	}
	if res.TxHash == "" {
		return "", fmt.Errorf("anchor response missing tx_hash")
	}
	return res.TxHash, nil
}
