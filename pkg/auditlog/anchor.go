package auditlog

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Publisher submits a Merkle root to the anchoring chain and returns a
// reference (transaction id) for the batch.
type Publisher interface {
	Publish(ctx context.Context, root string, entryCount int) (string, error)
}

type anchorRow struct {
	userID    string
	sequence  int64
	eventHash string
}

// Anchorer periodically folds unanchored entries into a Merkle root and
// publishes it. Entries are only stamped after the publish succeeds, so a
// failed batch is retried whole on the next tick.
type Anchorer struct {
	Log       *Log
	Publisher Publisher
	BatchSize int
}

func NewAnchorer(l *Log, pub Publisher) *Anchorer {
	return &Anchorer{Log: l, Publisher: pub, BatchSize: 500}
}

// AnchorOnce processes one batch. Returns how many entries were anchored.
func (a *Anchorer) AnchorOnce(ctx context.Context) (int, error) {
	rows, err := a.unanchored(ctx)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	hashes := make([]string, len(rows))
	for i, r := range rows {
		hashes[i] = r.eventHash
	}
	root := MerkleRoot(hashes)
	ref, err := a.Publisher.Publish(ctx, root, len(rows))
	if err != nil {
		return 0, fmt.Errorf("publish anchor: %w", err)
	}
	for _, r := range rows {
		_, err := a.Log.DB.Exec(ctx, `
			UPDATE audit_entries SET anchored_to_chain=true, anchor_ref=$3
			WHERE user_id=$1 AND sequence=$2
		`, r.userID, r.sequence, ref)
		if err != nil {
			return 0, fmt.Errorf("stamp anchor ref: %w", err)
		}
	}
	return len(rows), nil
}

// Run anchors on a fixed interval until the context ends.
func (a *Anchorer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.AnchorOnce(ctx)
			if err != nil {
				log.Printf("audit anchoring failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("anchored %d audit entries", n)
			}
		}
	}
}

func (a *Anchorer) unanchored(ctx context.Context) ([]anchorRow, error) {
	limit := a.BatchSize
	if limit <= 0 {
		limit = 500
	}
	rows, err := a.Log.DB.Query(ctx, `
		SELECT user_id, sequence, event_hash FROM audit_entries
		WHERE anchored_to_chain=false
		ORDER BY ts ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []anchorRow
	for rows.Next() {
		var r anchorRow
		if err := rows.Scan(&r.userID, &r.sequence, &r.eventHash); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
