package admission

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DisCard-Technologies/discard-sub001/pkg/models"
)

var ErrQueueFull = errors.New("retry queue full")

type QueueConfig struct {
	MaxDepthPerUser int
	EntryTTL        time.Duration
	StuckTimeout    time.Duration
	AvgProcessingMs int64
}

func (c QueueConfig) normalized() QueueConfig {
	if c.MaxDepthPerUser <= 0 {
		c.MaxDepthPerUser = 10
	}
	if c.EntryTTL <= 0 {
		c.EntryTTL = 5 * time.Minute
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = 2 * time.Minute
	}
	if c.AvgProcessingMs <= 0 {
		c.AvgProcessingMs = 1500
	}
	return c
}

type queued struct {
	req          models.QueuedRequest
	processingAt time.Time
}

// Queue is a bounded per-user FIFO for throttled requests. Entries expire
// after a fixed TTL regardless of position, and requests stuck in
// processing past the stuck timeout are expired by Sweep.
type Queue struct {
	mu    sync.Mutex
	cfg   QueueConfig
	users map[string][]*queued
	now   func() time.Time
}

func NewQueue(cfg QueueConfig) *Queue {
	return &Queue{
		cfg:   cfg.normalized(),
		users: map[string][]*queued{},
		now:   time.Now,
	}
}

func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) Enqueue(userID string, payload json.RawMessage) (models.QueuedRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	active := 0
	for _, item := range q.users[userID] {
		if item.req.Status == models.QueueQueued || item.req.Status == models.QueueProcessing {
			active++
		}
	}
	if active >= q.cfg.MaxDepthPerUser {
		return models.QueuedRequest{}, ErrQueueFull
	}
	position := active + 1
	req := models.QueuedRequest{
		RequestID:       uuid.New().String(),
		UserID:          userID,
		Payload:         payload,
		QueuedAt:        q.now().UTC(),
		Position:        position,
		EstimatedWaitMs: int64(position) * q.cfg.AvgProcessingMs,
		Status:          models.QueueQueued,
	}
	q.users[userID] = append(q.users[userID], &queued{req: req})
	return req, nil
}

// DequeueNext claims the oldest queued entry for the user, marking it
// processing. Returns false when nothing is waiting.
func (q *Queue) DequeueNext(userID string) (models.QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	for _, item := range q.users[userID] {
		if item.req.Status != models.QueueQueued {
			continue
		}
		if now.Sub(item.req.QueuedAt) > q.cfg.EntryTTL {
			item.req.Status = models.QueueExpired
			continue
		}
		item.req.Status = models.QueueProcessing
		item.processingAt = now
		return item.req, true
	}
	return models.QueuedRequest{}, false
}

func (q *Queue) Complete(userID, requestID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.users[userID] {
		if item.req.RequestID == requestID && item.req.Status == models.QueueProcessing {
			item.req.Status = models.QueueCompleted
			return
		}
	}
}

// Status reports the user's live entries with recomputed positions.
func (q *Queue) Status(userID string) []models.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := []models.QueuedRequest{}
	position := 0
	for _, item := range q.users[userID] {
		if item.req.Status != models.QueueQueued && item.req.Status != models.QueueProcessing {
			continue
		}
		position++
		req := item.req
		req.Position = position
		req.EstimatedWaitMs = int64(position) * q.cfg.AvgProcessingMs
		out = append(out, req)
	}
	return out
}

// Users lists user IDs that currently have queued entries waiting.
func (q *Queue) Users() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := []string{}
	for userID, items := range q.users {
		for _, item := range items {
			if item.req.Status == models.QueueQueued {
				out = append(out, userID)
				break
			}
		}
	}
	return out
}

// Sweep expires aged queued entries and stuck processing entries. Returns
// how many entries were expired; completed and expired entries older than
// the TTL are dropped.
func (q *Queue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	expired := 0
	for userID, items := range q.users {
		kept := items[:0]
		for _, item := range items {
			switch item.req.Status {
			case models.QueueQueued:
				if now.Sub(item.req.QueuedAt) > q.cfg.EntryTTL {
					item.req.Status = models.QueueExpired
					expired++
				}
			case models.QueueProcessing:
				if now.Sub(item.processingAt) > q.cfg.StuckTimeout {
					item.req.Status = models.QueueExpired
					expired++
				}
			}
			if item.req.Status == models.QueueQueued || item.req.Status == models.QueueProcessing ||
				now.Sub(item.req.QueuedAt) <= q.cfg.EntryTTL {
				kept = append(kept, item)
			}
		}
		if len(kept) == 0 {
			delete(q.users, userID)
			continue
		}
		q.users[userID] = kept
	}
	return expired
}
