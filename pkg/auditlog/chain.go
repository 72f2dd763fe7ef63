package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/DisCard-Technologies/discard-sub001/pkg/models"
)

type chainDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const appendShards = 64

// Log is the per-user hash-chained audit log. Appends for the same user are
// serialized through a mutex shard so sequence numbers never race within a
// process; across replicas the unique (user_id, sequence) index is the
// backstop.
type Log struct {
	DB     chainDB
	shards [appendShards]sync.Mutex
	now    func() time.Time
}

func New(db chainDB) *Log {
	return &Log{DB: db, now: time.Now}
}

func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

func (l *Log) shard(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &l.shards[h.Sum32()%appendShards]
}

// Append links a new entry onto the user's chain. The entry hash covers the
// previous hash, so any later tampering breaks verification from that point
// forward.
func (l *Log) Append(ctx context.Context, userID, eventType string, data any) (models.AuditEntry, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("marshal event data: %w", err)
	}

	mu := l.shard(userID)
	mu.Lock()
	defer mu.Unlock()

	var lastSeq int64
	lastHash := models.GenesisHash
	row := l.DB.QueryRow(ctx, `
		SELECT sequence, event_hash FROM audit_entries
		WHERE user_id=$1 ORDER BY sequence DESC LIMIT 1
	`, userID)
	if err := row.Scan(&lastSeq, &lastHash); err != nil && err != pgx.ErrNoRows {
		return models.AuditEntry{}, fmt.Errorf("load chain head: %w", err)
	}

	entry := models.AuditEntry{
		UserID:       userID,
		Sequence:     lastSeq + 1,
		EventID:      uuid.New().String(),
		EventType:    eventType,
		EventData:    raw,
		PreviousHash: lastHash,
		Timestamp:    l.now().UTC(),
	}
	entry.EventHash, err = models.EntryHash(entry.UserID, entry.Sequence, entry.EventType, entry.EventData, entry.PreviousHash, entry.Timestamp)
	if err != nil {
		return models.AuditEntry{}, err
	}

	_, err = l.DB.Exec(ctx, `
		INSERT INTO audit_entries
		(user_id, sequence, event_id, event_type, event_data, previous_hash, event_hash, ts, anchored_to_chain)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,false)
	`, entry.UserID, entry.Sequence, entry.EventID, entry.EventType, entry.EventData, entry.PreviousHash, entry.EventHash, entry.Timestamp)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
	}
	return entry, nil
}

// Entries returns the user's chain in sequence order. A zero limit means all.
func (l *Log) Entries(ctx context.Context, userID string, limit int) ([]models.AuditEntry, error) {
	q := `
		SELECT user_id, sequence, event_id, event_type, event_data, previous_hash, event_hash, ts, anchored_to_chain, COALESCE(anchor_ref,'')
		FROM audit_entries WHERE user_id=$1 ORDER BY sequence ASC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := l.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.UserID, &e.Sequence, &e.EventID, &e.EventType, &e.EventData, &e.PreviousHash, &e.EventHash, &e.Timestamp, &e.AnchoredToChain, &e.AnchorRef); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// VerifyResult reports chain integrity. BrokenAt lists the sequences whose
// stored hash or back-link does not match recomputation.
type VerifyResult struct {
	UserID   string  `json:"user_id"`
	Entries  int     `json:"entries"`
	Valid    bool    `json:"valid"`
	BrokenAt []int64 `json:"broken_at,omitempty"`
}

// Verify walks the full chain from genesis, recomputing every link.
func (l *Log) Verify(ctx context.Context, userID string) (VerifyResult, error) {
	entries, err := l.Entries(ctx, userID, 0)
	if err != nil {
		return VerifyResult{}, err
	}
	res := VerifyResult{UserID: userID, Entries: len(entries), Valid: true}
	prevHash := models.GenesisHash
	wantSeq := int64(1)
	for _, e := range entries {
		ok := e.Sequence == wantSeq && e.PreviousHash == prevHash
		if ok {
			computed, err := models.EntryHash(e.UserID, e.Sequence, e.EventType, e.EventData, e.PreviousHash, e.Timestamp)
			ok = err == nil && computed == e.EventHash
		}
		if !ok {
			res.Valid = false
			res.BrokenAt = append(res.BrokenAt, e.Sequence)
		}
		prevHash = e.EventHash
		wantSeq = e.Sequence + 1
	}
	return res, nil
}
