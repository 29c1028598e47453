package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/upkeephq/upkeep/internal/entity"
)

// openTestDB opens a fresh initialized store in a temp dir
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

// bump advances the global revision counter in its own transaction
func bump(t *testing.T, db *DB) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	rev, err := NextRevision(ctx, tx)
	if err != nil {
		t.Fatalf("NextRevision() failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	return rev
}

// TestInitSchema_Idempotent tests that schema initialization is idempotent
func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

// TestNextRevision_Monotonic tests that revisions strictly increase
func TestNextRevision_Monotonic(t *testing.T) {
	db := openTestDB(t)

	var last int64
	for i := 0; i < 5; i++ {
		rev := bump(t, db)
		if rev <= last {
			t.Fatalf("revision %d not greater than previous %d", rev, last)
		}
		last = rev
	}

	cur, err := db.CurrentRevision(context.Background())
	if err != nil {
		t.Fatalf("CurrentRevision() failed: %v", err)
	}
	if cur != last {
		t.Errorf("CurrentRevision() = %d, want %d", cur, last)
	}
}

// TestInsertGetEntity_RoundTrip tests insert and load of a property
func TestInsertGetEntity_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rev := bump(t, db)
	fields := map[string]any{
		"project_id":    "proj-1",
		"name":          "Main St 12",
		"address":       "Main St 12, Springfield",
		"property_type": "house",
	}
	if err := InsertEntity(ctx, db.RawDB(), entity.KindProperty, "prop-1", rev, fields); err != nil {
		t.Fatalf("InsertEntity() failed: %v", err)
	}

	row, err := GetEntity(ctx, db.RawDB(), entity.KindProperty, "prop-1", false)
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if row.Revision != rev {
		t.Errorf("revision = %d, want %d", row.Revision, rev)
	}
	if row.Fields["name"] != "Main St 12" {
		t.Errorf("name = %v, want Main St 12", row.Fields["name"])
	}
	if ParentID(entity.KindProperty, row) != "proj-1" {
		t.Errorf("ParentID = %q, want proj-1", ParentID(entity.KindProperty, row))
	}
	if !row.CreatedAt.Equal(row.UpdatedAt) {
		t.Error("fresh insert should have created_at == updated_at")
	}
}

// TestUpdateEntityFields_PartialPatch tests that omitted fields survive
func TestUpdateEntityFields_PartialPatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rev := bump(t, db)
	fields := map[string]any{
		"property_id": "prop-1",
		"title":       "Fix boiler",
		"description": "No hot water since Monday",
		"record_type": "repair",
		"status":      "open",
		"cost":        0.0,
		"tags":        []string{"heating"},
	}
	if err := InsertEntity(ctx, db.RawDB(), entity.KindRecord, "rec-1", rev, fields); err != nil {
		t.Fatalf("InsertEntity() failed: %v", err)
	}

	rev2 := bump(t, db)
	patch := map[string]any{"status": "done", "cost": 250.0}
	if err := UpdateEntityFields(ctx, db.RawDB(), entity.KindRecord, "rec-1", rev2, patch); err != nil {
		t.Fatalf("UpdateEntityFields() failed: %v", err)
	}

	row, err := GetEntity(ctx, db.RawDB(), entity.KindRecord, "rec-1", false)
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if row.Fields["status"] != "done" {
		t.Errorf("status = %v, want done", row.Fields["status"])
	}
	if row.Fields["cost"] != 250.0 {
		t.Errorf("cost = %v, want 250", row.Fields["cost"])
	}
	if row.Fields["title"] != "Fix boiler" {
		t.Errorf("title = %v, want unchanged Fix boiler", row.Fields["title"])
	}
	tags, ok := row.Fields["tags"].([]string)
	if !ok || len(tags) != 1 || tags[0] != "heating" {
		t.Errorf("tags = %v, want [heating]", row.Fields["tags"])
	}
	if row.Revision != rev2 {
		t.Errorf("revision = %d, want %d", row.Revision, rev2)
	}
	if row.CreatedAt.Equal(row.UpdatedAt) {
		t.Error("updated row should have updated_at after created_at")
	}
}

// TestTombstoneEntity_Visibility tests tombstone behavior on read paths
func TestTombstoneEntity_Visibility(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rev := bump(t, db)
	fields := map[string]any{"project_id": "proj-1", "name": "Garage"}
	if err := InsertEntity(ctx, db.RawDB(), entity.KindProperty, "prop-2", rev, fields); err != nil {
		t.Fatalf("InsertEntity() failed: %v", err)
	}

	rev2 := bump(t, db)
	if err := TombstoneEntity(ctx, db.RawDB(), entity.KindProperty, "prop-2", rev2); err != nil {
		t.Fatalf("TombstoneEntity() failed: %v", err)
	}

	if _, err := GetEntity(ctx, db.RawDB(), entity.KindProperty, "prop-2", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEntity without tombstones = %v, want ErrNotFound", err)
	}

	row, err := GetEntity(ctx, db.RawDB(), entity.KindProperty, "prop-2", true)
	if err != nil {
		t.Fatalf("GetEntity with tombstones failed: %v", err)
	}
	if !row.Deleted {
		t.Error("row should be marked deleted")
	}
	if row.DeletedAt == nil {
		t.Error("deleted_at should be set")
	}
	if row.Revision != rev2 {
		t.Errorf("tombstone revision = %d, want %d", row.Revision, rev2)
	}
}

// TestChangedSince_OrderAndFilter tests the incremental scan
func TestChangedSince_OrderAndFilter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var revs []int64
	for _, id := range []string{"u-1", "u-2", "u-3"} {
		rev := bump(t, db)
		revs = append(revs, rev)
		fields := map[string]any{"property_id": "prop-1", "name": id, "unit_type": "room"}
		if err := InsertEntity(ctx, db.RawDB(), entity.KindUnit, id, rev, fields); err != nil {
			t.Fatalf("InsertEntity(%s) failed: %v", id, err)
		}
	}
	// Unit under a different property must not leak in
	rev := bump(t, db)
	other := map[string]any{"property_id": "prop-9", "name": "other", "unit_type": "room"}
	if err := InsertEntity(ctx, db.RawDB(), entity.KindUnit, "u-9", rev, other); err != nil {
		t.Fatalf("InsertEntity(u-9) failed: %v", err)
	}

	rows, err := ChangedSince(ctx, db.RawDB(), entity.KindUnit, "property_id", []string{"prop-1"}, revs[0])
	if err != nil {
		t.Fatalf("ChangedSince() failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("ChangedSince() returned %d rows, want 2", len(rows))
	}
	if rows[0].ID != "u-2" || rows[1].ID != "u-3" {
		t.Errorf("rows = %s, %s; want u-2, u-3 in revision order", rows[0].ID, rows[1].ID)
	}

	// Tombstones are always part of the scan
	rev2 := bump(t, db)
	if err := TombstoneEntity(ctx, db.RawDB(), entity.KindUnit, "u-1", rev2); err != nil {
		t.Fatalf("TombstoneEntity() failed: %v", err)
	}
	rows, err = ChangedSince(ctx, db.RawDB(), entity.KindUnit, "property_id", []string{"prop-1"}, revs[2])
	if err != nil {
		t.Fatalf("ChangedSince() failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "u-1" || !rows[0].Deleted {
		t.Errorf("expected only the u-1 tombstone, got %+v", rows)
	}
}

// TestListByParent_Tombstones tests the includeTombstones switch on listing
func TestListByParent_Tombstones(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"d-1", "d-2"} {
		rev := bump(t, db)
		fields := map[string]any{"record_id": "rec-1", "name": id}
		if err := InsertEntity(ctx, db.RawDB(), entity.KindDocument, id, rev, fields); err != nil {
			t.Fatalf("InsertEntity(%s) failed: %v", id, err)
		}
	}
	rev := bump(t, db)
	if err := TombstoneEntity(ctx, db.RawDB(), entity.KindDocument, "d-1", rev); err != nil {
		t.Fatalf("TombstoneEntity() failed: %v", err)
	}

	live, err := ListByParent(ctx, db.RawDB(), entity.KindDocument, "rec-1", false)
	if err != nil {
		t.Fatalf("ListByParent() failed: %v", err)
	}
	if len(live) != 1 || live[0].ID != "d-2" {
		t.Errorf("live list = %+v, want only d-2", live)
	}

	all, err := ListByParent(ctx, db.RawDB(), entity.KindDocument, "rec-1", true)
	if err != nil {
		t.Fatalf("ListByParent() failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("full list has %d rows, want 2", len(all))
	}
}

// TestWireSnapshot_WireNames tests the column to wire-name mapping
func TestWireSnapshot_WireNames(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rev := bump(t, db)
	fields := map[string]any{"record_id": "rec-1", "author_id": "user-1", "body": "done"}
	if err := InsertEntity(ctx, db.RawDB(), entity.KindComment, "c-1", rev, fields); err != nil {
		t.Fatalf("InsertEntity() failed: %v", err)
	}
	row, err := GetEntity(ctx, db.RawDB(), entity.KindComment, "c-1", false)
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}

	snap, err := WireSnapshot(entity.KindComment, row)
	if err != nil {
		t.Fatalf("WireSnapshot() failed: %v", err)
	}
	s := string(snap)
	for _, want := range []string{`"recordId":"rec-1"`, `"authorId":"user-1"`, `"body":"done"`} {
		if !strings.Contains(s, want) {
			t.Errorf("snapshot %s missing %s", s, want)
		}
	}
}
