package retry

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/upkeephq/upkeep/internal/entity"
	"github.com/upkeephq/upkeep/internal/push"
	"github.com/upkeephq/upkeep/internal/scope"
	"github.com/upkeephq/upkeep/internal/store"
)

// fixture builds a store with proj-1 (owner "owner") and prop-1, plus a
// queue and a worker wired through a real processor.
func fixture(t *testing.T) (*store.DB, *Queue, *Worker) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	ctx := context.Background()
	seed := func(kind entity.Kind, id string, fields map[string]any) {
		tx, err := db.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin() failed: %v", err)
		}
		rev, err := store.NextRevision(ctx, tx)
		if err != nil {
			t.Fatalf("NextRevision() failed: %v", err)
		}
		if err := store.InsertEntity(ctx, tx, kind, id, rev, fields); err != nil {
			t.Fatalf("InsertEntity(%s) failed: %v", id, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit() failed: %v", err)
		}
	}
	seed(entity.KindProject, "proj-1", map[string]any{"owner_id": "owner", "name": "Portfolio"})
	seed(entity.KindProperty, "prop-1", map[string]any{"project_id": "proj-1", "name": "Main St"})

	queue := NewQueue(db)
	processor := push.NewProcessor(db, scope.NewResolver(db))
	return db, queue, NewWorker(queue, processor, nil)
}

func projectScope() scope.Scope { return scope.Scope{Type: scope.TypeProject, ID: "proj-1"} }

// TestBackoff_Schedule tests the doubling delay with its cap
func TestBackoff_Schedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{7, 32 * time.Minute},
		{8, time.Hour},
		{20, time.Hour},
	}
	for _, c := range cases {
		if got := Backoff(c.attempt); got != c.want {
			t.Errorf("Backoff(%d) = %s, want %s", c.attempt, got, c.want)
		}
	}
}

// TestEnqueueDue_Lifecycle tests parking, visibility, and rescheduling
func TestEnqueueDue_Lifecycle(t *testing.T) {
	_, queue, _ := fixture(t)
	ctx := context.Background()

	ch := entity.Change{
		ID: "ch-1", EntityType: "unit", EntityID: "unit-1", Operation: "create",
		Data: json.RawMessage(`{"propertyId":"prop-1","name":"Attic","unitType":"attic"}`),
	}
	if err := queue.Enqueue(ctx, "owner", projectScope(), ch, errors.New("disk full")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	depth, err := queue.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth() failed: %v", err)
	}
	if depth != 1 {
		t.Fatalf("Depth() = %d, want 1", depth)
	}

	// Not yet due: the first attempt waits out the base delay.
	due, err := queue.Due(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("Due() failed: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("Due() before the delay = %d items, want 0", len(due))
	}

	due, err = queue.Due(ctx, time.Now().Add(BaseDelay+time.Second), 10)
	if err != nil {
		t.Fatalf("Due() failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("Due() after the delay = %d items, want 1", len(due))
	}
	it := due[0]
	if it.ActorID != "owner" || it.Scope != projectScope() || it.Change.EntityID != "unit-1" {
		t.Errorf("item round trip lost data: %+v", it)
	}
	if it.LastError != "disk full" {
		t.Errorf("last_error = %q, want disk full", it.LastError)
	}

	// A transient failure reschedules with a doubled delay.
	if err := queue.MarkAttempt(ctx, it, errors.New("still broken")); err != nil {
		t.Fatalf("MarkAttempt() failed: %v", err)
	}
	due, err = queue.Due(ctx, time.Now().Add(BaseDelay+time.Second), 10)
	if err != nil {
		t.Fatalf("Due() failed: %v", err)
	}
	if len(due) != 0 {
		t.Error("rescheduled item should not be due before the doubled delay")
	}
	due, err = queue.Due(ctx, time.Now().Add(Backoff(2)+time.Second), 10)
	if err != nil {
		t.Fatalf("Due() failed: %v", err)
	}
	if len(due) != 1 || due[0].RetryCount != 1 {
		t.Fatalf("after reschedule, due = %+v, want one item with retry_count 1", due)
	}

	// Success removes the item entirely.
	if err := queue.MarkAttempt(ctx, due[0], nil); err != nil {
		t.Fatalf("MarkAttempt(success) failed: %v", err)
	}
	if depth, _ := queue.Depth(ctx); depth != 0 {
		t.Errorf("Depth() after success = %d, want 0", depth)
	}
}

// TestMarkAttempt_PermanentFailure tests that rejections fail immediately
func TestMarkAttempt_PermanentFailure(t *testing.T) {
	db, queue, _ := fixture(t)
	ctx := context.Background()

	ch := entity.Change{ID: "ch-2", EntityType: "unit", EntityID: "unit-2", Operation: "create"}
	if err := queue.Enqueue(ctx, "owner", projectScope(), ch, errors.New("timeout")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	due, err := queue.Due(ctx, time.Now().Add(BaseDelay+time.Second), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("Due() = %v items, err %v", len(due), err)
	}

	if err := queue.MarkAttempt(ctx, due[0], &push.RejectedError{Reason: "invalid unitType"}); err != nil {
		t.Fatalf("MarkAttempt() failed: %v", err)
	}

	var status string
	err = db.RawDB().QueryRowContext(ctx,
		`SELECT status FROM retry_queue WHERE id = ?`, "ch-2").Scan(&status)
	if err != nil {
		t.Fatalf("status query failed: %v", err)
	}
	if status != StatusFailed {
		t.Errorf("status = %q, want %q", status, StatusFailed)
	}
	if depth, _ := queue.Depth(ctx); depth != 0 {
		t.Errorf("failed item still counted as pending")
	}
}

// TestWorker_DrainOnce tests replaying a parked change through the pipeline
func TestWorker_DrainOnce(t *testing.T) {
	db, queue, worker := fixture(t)
	ctx := context.Background()

	good := entity.Change{
		ID: "ok", EntityType: "unit", EntityID: "unit-ok", Operation: "create",
		Data: json.RawMessage(`{"propertyId":"prop-1","name":"Attic","unitType":"attic"}`),
	}
	bad := entity.Change{
		ID: "bad", EntityType: "unit", EntityID: "unit-bad", Operation: "create",
		Data: json.RawMessage(`{"propertyId":"prop-1","name":"X","unitType":"closet"}`),
	}
	for _, ch := range []entity.Change{good, bad} {
		if err := queue.Enqueue(ctx, "owner", projectScope(), ch, errors.New("transient")); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	// Nothing is due yet, so the drain is a no-op.
	applied, rescheduled, failed, err := worker.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("DrainOnce() failed: %v", err)
	}
	if applied+rescheduled+failed != 0 {
		t.Fatalf("early drain touched items: %d/%d/%d", applied, rescheduled, failed)
	}

	// Make both items due now.
	if _, err := db.RawDB().ExecContext(ctx,
		`UPDATE retry_queue SET next_retry_at = ?`,
		time.Now().UTC().Add(-time.Second).Format(time.RFC3339)); err != nil {
		t.Fatalf("failed to age queue: %v", err)
	}

	applied, rescheduled, failed, err = worker.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("DrainOnce() failed: %v", err)
	}
	if applied != 1 || failed != 1 || rescheduled != 0 {
		t.Fatalf("drain = applied %d, rescheduled %d, failed %d; want 1/0/1", applied, rescheduled, failed)
	}

	if _, err := store.GetEntity(ctx, db.RawDB(), entity.KindUnit, "unit-ok", false); err != nil {
		t.Errorf("replayed unit should exist: %v", err)
	}
	if depth, _ := queue.Depth(ctx); depth != 0 {
		t.Errorf("Depth() after drain = %d, want 0", depth)
	}
}
