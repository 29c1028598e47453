// Package retry parks changes that failed on transient storage errors and
// replays them with exponential backoff.
//
// Delays double from a 30 second base up to a one hour ceiling. After the
// attempt limit the item is marked failed and left in the table for
// inspection; replays that the push pipeline rejects outright are also
// failed immediately, since resubmitting an invalid change never helps.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/upkeephq/upkeep/internal/entity"
	"github.com/upkeephq/upkeep/internal/push"
	"github.com/upkeephq/upkeep/internal/scope"
	"github.com/upkeephq/upkeep/internal/store"
)

const (
	// BaseDelay is the wait before the first replay.
	BaseDelay = 30 * time.Second
	// MaxDelay caps the doubling schedule.
	MaxDelay = time.Hour
	// MaxAttempts is the replay budget before an item is failed.
	MaxAttempts = 8
)

// Item statuses.
const (
	StatusPending = "pending"
	StatusFailed  = "failed"
	StatusDone    = "done"
)

// Item is a parked change awaiting replay.
type Item struct {
	ID          string
	ActorID     string
	Scope       scope.Scope
	Change      entity.Change
	Status      string
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Queue persists parked changes in the retry_queue table.
type Queue struct {
	db *store.DB
}

// NewQueue creates a Queue over the store.
func NewQueue(db *store.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue parks a change for later replay. The change id doubles as the
// queue key, so re-parking the same change updates the existing row
// instead of duplicating it.
func (q *Queue) Enqueue(ctx context.Context, actorID string, s scope.Scope, ch entity.Change, cause error) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to encode change: %w", err)
	}
	now := time.Now().UTC()
	next := now.Add(BaseDelay)
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	_, err = q.db.RawDB().ExecContext(ctx, `
		INSERT INTO retry_queue (id, actor_id, scope_type, scope_id, entity_type, entity_id, operation, payload, status, retry_count, next_retry_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			next_retry_at = excluded.next_retry_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, ch.ID, actorID, s.Type.String(), s.ID, ch.EntityType, ch.EntityID, ch.Operation,
		string(payload), StatusPending, next.Format(time.RFC3339), lastErr,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to enqueue retry: %w", err)
	}
	return nil
}

// Due returns pending items whose next attempt time has passed, oldest
// first.
func (q *Queue) Due(ctx context.Context, now time.Time, limit int) ([]*Item, error) {
	rows, err := q.db.RawDB().QueryContext(ctx, `
		SELECT id, actor_id, scope_type, scope_id, payload, status, retry_count, next_retry_at, last_error, created_at, updated_at
		FROM retry_queue
		WHERE status = ? AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?
	`, StatusPending, now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due retries: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var it Item
		var scopeType, payload, nextAt, createdAt, updatedAt string
		if err := rows.Scan(&it.ID, &it.ActorID, &scopeType, &it.Scope.ID, &payload,
			&it.Status, &it.RetryCount, &nextAt, &it.LastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan retry item: %w", err)
		}
		st, err := scope.ParseType(scopeType)
		if err != nil {
			return nil, fmt.Errorf("failed to parse retry item %s: %w", it.ID, err)
		}
		it.Scope.Type = st
		if err := json.Unmarshal([]byte(payload), &it.Change); err != nil {
			return nil, fmt.Errorf("failed to decode retry item %s: %w", it.ID, err)
		}
		it.NextRetryAt, _ = time.Parse(time.RFC3339, nextAt)
		it.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		it.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		items = append(items, &it)
	}
	return items, rows.Err()
}

// MarkAttempt records the outcome of a replay. Success removes the item;
// a permanent rejection or an exhausted budget fails it; anything else
// reschedules it with a doubled delay.
func (q *Queue) MarkAttempt(ctx context.Context, it *Item, attemptErr error) error {
	now := time.Now().UTC()

	if attemptErr == nil {
		_, err := q.db.RawDB().ExecContext(ctx,
			`DELETE FROM retry_queue WHERE id = ?`, it.ID)
		if err != nil {
			return fmt.Errorf("failed to remove retried change: %w", err)
		}
		return nil
	}

	attempts := it.RetryCount + 1
	if isPermanent(attemptErr) || attempts >= MaxAttempts {
		_, err := q.db.RawDB().ExecContext(ctx, `
			UPDATE retry_queue SET status = ?, retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?
		`, StatusFailed, attempts, attemptErr.Error(), now.Format(time.RFC3339), it.ID)
		if err != nil {
			return fmt.Errorf("failed to fail retry item: %w", err)
		}
		return nil
	}

	next := now.Add(Backoff(attempts))
	_, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE retry_queue SET retry_count = ?, next_retry_at = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, attempts, next.Format(time.RFC3339), attemptErr.Error(), now.Format(time.RFC3339), it.ID)
	if err != nil {
		return fmt.Errorf("failed to reschedule retry item: %w", err)
	}
	return nil
}

// Depth returns the number of pending items.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.RawDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM retry_queue WHERE status = ?`, StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count retry queue: %w", err)
	}
	return n, nil
}

// Backoff returns the delay before the given attempt number (1-based).
func Backoff(attempt int) time.Duration {
	d := BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= MaxDelay {
			return MaxDelay
		}
	}
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

// Worker drains due items through the push pipeline.
type Worker struct {
	queue     *Queue
	processor *push.Processor
	logger    *log.Logger
}

// NewWorker creates a Worker. A nil logger falls back to a stderr logger.
func NewWorker(queue *Queue, processor *push.Processor, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.New(log.Writer(), "[retry] ", log.LstdFlags)
	}
	return &Worker{queue: queue, processor: processor, logger: logger}
}

// DrainOnce replays every currently due item and reports how many were
// applied, rescheduled, and failed.
func (w *Worker) DrainOnce(ctx context.Context) (applied, rescheduled, failed int, err error) {
	items, err := w.queue.Due(ctx, time.Now(), 100)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, it := range items {
		// A queued change replays without its optimistic token; the
		// original failure was storage, not staleness.
		ch := it.Change
		ch.BaseRevision = 0

		attemptErr := w.processor.ApplyOne(ctx, it.ActorID, it.Scope, ch)
		if markErr := w.queue.MarkAttempt(ctx, it, attemptErr); markErr != nil {
			return applied, rescheduled, failed, markErr
		}
		switch {
		case attemptErr == nil:
			applied++
		case isPermanent(attemptErr) || it.RetryCount+1 >= MaxAttempts:
			failed++
			w.logger.Printf("change %s failed permanently: %v", it.ID, attemptErr)
		default:
			rescheduled++
		}
	}
	return applied, rescheduled, failed, nil
}

// isPermanent reports whether a replay error can never clear on its own.
func isPermanent(err error) bool {
	var rejected *push.RejectedError
	return errors.As(err, &rejected) || errors.Is(err, push.ErrScopeDenied)
}
