package spendbus

import (
	"context"
	"encoding/json"
	"log"
)

// SpendEvent is published by the ledger whenever money moves. Rollbacks
// arrive as negative amounts.
type SpendEvent struct {
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
	Source      string `json:"source,omitempty"`
}

type SpendSink interface {
	Add(ctx context.Context, userID string, cents int64) error
}

// Run consumes spend events until the context ends. Malformed messages are
// logged and skipped; the consumer never stalls on bad input.
func Run(ctx context.Context, consumer Consumer, sink SpendSink) {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("spend bus read failed: %v", err)
			continue
		}
		var evt SpendEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			log.Printf("spend bus decode failed: %v", err)
			continue
		}
		if evt.UserID == "" || evt.AmountCents == 0 {
			continue
		}
		if err := sink.Add(ctx, evt.UserID, evt.AmountCents); err != nil {
			log.Printf("spend update for %s failed: %v", evt.UserID, err)
		}
	}
}
