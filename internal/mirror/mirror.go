// Package mirror maintains the client-side replica used for offline work.
//
// The mirror is a local SQLite database holding the same entity tables as
// the server plus two bookkeeping tables: sync_scopes, the set of scopes
// this device replicates with their pull cursors, and outbound_queue, the
// local edits waiting to be pushed. Local writes land in the entity tables
// immediately and, when the entity falls under a synced scope, also enqueue
// an outbound change. A sync cycle pushes the queue and then pulls the
// server feed; cycles are serialized so overlapping triggers cannot
// interleave.
package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/upkeephq/upkeep/internal/entity"
	"github.com/upkeephq/upkeep/internal/scope"
	"github.com/upkeephq/upkeep/internal/store"
)

// Scope sync modes.
const (
	ModeSynced = "synced" // replicate with the server
	ModeLocal  = "local"  // keep local only, queue nothing
)

// Per-record sync status. A record is local until a synced scope queues it,
// pending while an outbound change for it is in flight or parked for retry,
// and synced once the server has acknowledged it or sent its state down.
const (
	StatusLocal   = "local"
	StatusPending = "pending"
	StatusSynced  = "synced"
)

// DefaultBatchSize is the outbound push batch size.
const DefaultBatchSize = 50

// ErrNotFound is returned when a mirror lookup matches no row.
var ErrNotFound = store.ErrNotFound

// Mirror is the local replica.
type Mirror struct {
	db        *store.DB
	logger    *log.Logger
	batchSize int

	// Serializes sync cycles. Watch triggers, timers, and manual syncs can
	// all fire; only one cycle runs at a time.
	syncMu sync.Mutex
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithLogger overrides the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Mirror) { m.logger = l }
}

// WithBatchSize sets the outbound push batch size.
func WithBatchSize(n int) Option {
	return func(m *Mirror) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// Open opens (creating if needed) the mirror database at path.
func Open(path string, opts ...Option) (*Mirror, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	m := &Mirror{
		db:        db,
		logger:    log.New(log.Writer(), "[mirror] ", log.LstdFlags),
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// Close closes the underlying database.
func (m *Mirror) Close() error {
	return m.db.Close()
}

// Path returns the mirror database file path.
func (m *Mirror) Path() string {
	return m.db.Path()
}

func (m *Mirror) initSchema(ctx context.Context) error {
	schema := store.EntitySchema + `
	-- Scopes this device replicates. cursor is the highest server revision
	-- applied locally for the scope.
	CREATE TABLE IF NOT EXISTS sync_scopes (
		scope_type TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'synced',
		cursor INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (scope_type, scope_id)
	);

	-- Local edits waiting to be pushed, in write order.
	CREATE TABLE IF NOT EXISTS outbound_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		change_id TEXT NOT NULL UNIQUE,
		scope_type TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		base_revision INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outbound_scope ON outbound_queue(scope_type, scope_id, seq);

	-- Per-record sync status tag. Absence means local.
	CREATE TABLE IF NOT EXISTS entity_sync_status (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);
	`
	if _, err := m.db.RawDB().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize mirror schema: %w", err)
	}
	return nil
}

// Get loads a single local entity.
func (m *Mirror) Get(ctx context.Context, kind entity.Kind, id string, includeTombstones bool) (*store.Row, error) {
	return store.GetEntity(ctx, m.db.RawDB(), kind, id, includeTombstones)
}

// ListByParent lists local entities under a parent.
func (m *Mirror) ListByParent(ctx context.Context, kind entity.Kind, parentID string, includeTombstones bool) ([]*store.Row, error) {
	return store.ListByParent(ctx, m.db.RawDB(), kind, parentID, includeTombstones)
}

// Put creates an entity locally and queues a create for push if the entity
// falls under a synced scope. Putting an id that already exists is an error;
// use Patch for edits.
func (m *Mirror) Put(ctx context.Context, kind entity.Kind, id string, payload entity.Payload) error {
	if err := payload.ValidateCreate(); err != nil {
		return fmt.Errorf("invalid %s: %s", kind, err)
	}
	if _, err := store.GetEntity(ctx, m.db.RawDB(), kind, id, true); err == nil {
		return fmt.Errorf("%s %s already exists", kind, id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	fields := payload.Fields()
	if err := store.InsertEntity(ctx, m.db.RawDB(), kind, id, 0, fields); err != nil {
		return err
	}
	return m.enqueueIfSynced(ctx, kind, id, "create", payload, 0)
}

// SyncStatus returns the record's sync status tag. Rows no outbound change
// has ever covered are local.
func (m *Mirror) SyncStatus(ctx context.Context, kind entity.Kind, id string) (string, error) {
	var status string
	err := m.db.RawDB().QueryRowContext(ctx,
		`SELECT status FROM entity_sync_status WHERE entity_type = ? AND entity_id = ?`,
		kind.String(), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusLocal, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync status: %w", err)
	}
	return status, nil
}

func (m *Mirror) setSyncStatus(ctx context.Context, kind, id, status string) error {
	_, err := m.db.RawDB().ExecContext(ctx, `
		INSERT INTO entity_sync_status (entity_type, entity_id, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`, kind, id, status, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set sync status: %w", err)
	}
	return nil
}

// Patch applies a partial update to a local entity and queues it for push.
func (m *Mirror) Patch(ctx context.Context, kind entity.Kind, id string, payload entity.Payload) error {
	if err := payload.ValidateUpdate(); err != nil {
		return fmt.Errorf("invalid %s: %s", kind, err)
	}
	existing, err := store.GetEntity(ctx, m.db.RawDB(), kind, id, false)
	if err != nil {
		return err
	}

	fields := payload.Fields()
	if len(fields) > 0 {
		if err := store.UpdateEntityFields(ctx, m.db.RawDB(), kind, id, existing.Revision, fields); err != nil {
			return err
		}
	}
	// The last revision pulled from the server rides along as the
	// optimistic token; a locally created row has none yet.
	return m.enqueueIfSynced(ctx, kind, id, "update", payload, existing.Revision)
}

// Delete tombstones a local entity and queues the delete for push.
// Deleting a missing or already deleted id is a no-op.
func (m *Mirror) Delete(ctx context.Context, kind entity.Kind, id string) error {
	existing, err := store.GetEntity(ctx, m.db.RawDB(), kind, id, true)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.Deleted {
		return nil
	}
	if err := store.TombstoneEntity(ctx, m.db.RawDB(), kind, id, existing.Revision); err != nil {
		return err
	}
	return m.enqueueIfSynced(ctx, kind, id, "delete", nil, 0)
}

// enqueueIfSynced queues an outbound change when the entity's governing
// scope is in synced mode. Entities outside any registered scope, or under
// a local-mode scope, stay local.
func (m *Mirror) enqueueIfSynced(ctx context.Context, kind entity.Kind, id, op string, payload entity.Payload, baseRev int64) error {
	s, mode, err := m.governingScope(ctx, kind, id)
	if err != nil {
		return err
	}
	if mode != ModeSynced {
		return m.setSyncStatus(ctx, kind.String(), id, StatusLocal)
	}
	return m.enqueue(ctx, *s, kind, id, op, payload, baseRev)
}

func (m *Mirror) enqueue(ctx context.Context, s scope.Scope, kind entity.Kind, id, op string, payload entity.Payload, baseRev int64) error {
	data := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode outbound payload: %w", err)
		}
		data = string(raw)
	}
	_, err := m.db.RawDB().ExecContext(ctx, `
		INSERT INTO outbound_queue (change_id, scope_type, scope_id, entity_type, entity_id, operation, payload, base_revision, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), s.Type.String(), s.ID, kind.String(), id, op, data, baseRev,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbound change: %w", err)
	}
	return m.setSyncStatus(ctx, kind.String(), id, StatusPending)
}

// governingScope walks the entity's parent chain looking for the most
// specific registered scope: record before property before project. Returns
// a nil scope (mode "") when nothing along the chain is registered.
func (m *Mirror) governingScope(ctx context.Context, kind entity.Kind, id string) (*scope.Scope, string, error) {
	recordID, propertyID, projectID, err := m.lineage(ctx, kind, id)
	if err != nil {
		return nil, "", err
	}

	candidates := []scope.Scope{}
	if recordID != "" {
		candidates = append(candidates, scope.Scope{Type: scope.TypeRecord, ID: recordID})
	}
	if propertyID != "" {
		candidates = append(candidates, scope.Scope{Type: scope.TypeProperty, ID: propertyID})
	}
	if projectID != "" {
		candidates = append(candidates, scope.Scope{Type: scope.TypeProject, ID: projectID})
	}

	for _, c := range candidates {
		mode, ok, err := m.scopeMode(ctx, c)
		if err != nil {
			return nil, "", err
		}
		if ok {
			return &c, mode, nil
		}
	}
	return nil, "", nil
}

// lineage resolves the record, property, and project ids above an entity.
// Lookups tolerate missing parents; replication order does not guarantee
// the chain is complete at all times.
func (m *Mirror) lineage(ctx context.Context, kind entity.Kind, id string) (recordID, propertyID, projectID string, err error) {
	q := m.db.RawDB()

	parentOf := func(k entity.Kind, eid string) (string, error) {
		row, err := store.GetEntity(ctx, q, k, eid, true)
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return store.ParentID(k, row), nil
	}

	switch kind {
	case entity.KindProject:
		projectID = id
	case entity.KindProperty:
		propertyID = id
	case entity.KindUnit:
		if propertyID, err = parentOf(entity.KindUnit, id); err != nil {
			return
		}
	case entity.KindRecord:
		recordID = id
	case entity.KindDocument, entity.KindComment:
		if recordID, err = parentOf(kind, id); err != nil {
			return
		}
	}

	if recordID != "" && propertyID == "" {
		if propertyID, err = parentOf(entity.KindRecord, recordID); err != nil {
			return
		}
	}
	if propertyID != "" && projectID == "" {
		if projectID, err = parentOf(entity.KindProperty, propertyID); err != nil {
			return
		}
	}
	return
}

func (m *Mirror) scopeMode(ctx context.Context, s scope.Scope) (string, bool, error) {
	var mode string
	err := m.db.RawDB().QueryRowContext(ctx,
		`SELECT mode FROM sync_scopes WHERE scope_type = ? AND scope_id = ?`,
		s.Type.String(), s.ID).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read scope mode: %w", err)
	}
	return mode, true, nil
}

// ScopeState describes one replicated scope for status reporting.
type ScopeState struct {
	Scope   scope.Scope
	Mode    string
	Cursor  int64
	Pending int
}

// Scopes lists the registered scopes with their cursors and outbound depth.
func (m *Mirror) Scopes(ctx context.Context) ([]ScopeState, error) {
	rows, err := m.db.RawDB().QueryContext(ctx, `
		SELECT s.scope_type, s.scope_id, s.mode, s.cursor,
			(SELECT COUNT(*) FROM outbound_queue o
			 WHERE o.scope_type = s.scope_type AND o.scope_id = s.scope_id)
		FROM sync_scopes s
		ORDER BY s.scope_type, s.scope_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var out []ScopeState
	for rows.Next() {
		var st ScopeState
		var scopeType string
		if err := rows.Scan(&scopeType, &st.Scope.ID, &st.Mode, &st.Cursor, &st.Pending); err != nil {
			return nil, fmt.Errorf("failed to scan scope state: %w", err)
		}
		t, err := scope.ParseType(scopeType)
		if err != nil {
			return nil, err
		}
		st.Scope.Type = t
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetScopeMode registers a scope (or changes its mode). Flipping a scope to
// synced cascades to every registered descendant scope and queues every
// local entity already under it as creates, so work done offline reaches
// the server on the next cycle. The pull cursor is preserved across mode
// flips.
func (m *Mirror) SetScopeMode(ctx context.Context, s scope.Scope, mode string) error {
	if mode != ModeSynced && mode != ModeLocal {
		return fmt.Errorf("invalid scope mode %q", mode)
	}

	prev, existed, err := m.scopeMode(ctx, s)
	if err != nil {
		return err
	}

	_, err = m.db.RawDB().ExecContext(ctx, `
		INSERT INTO sync_scopes (scope_type, scope_id, mode, cursor, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(scope_type, scope_id) DO UPDATE SET
			mode = excluded.mode,
			updated_at = excluded.updated_at
	`, s.Type.String(), s.ID, mode, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set scope mode: %w", err)
	}

	if mode == ModeSynced && (!existed || prev != ModeSynced) {
		if err := m.cascadeSynced(ctx, s); err != nil {
			return err
		}
		if err := m.enqueueInitialSync(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// cascadeSynced flips every registered descendant scope to synced. Without
// the cascade a local-mode child would shadow its newly synced parent, since
// governingScope is most-specific-wins, and writes under the child would
// silently never queue.
func (m *Mirror) cascadeSynced(ctx context.Context, s scope.Scope) error {
	if s.Type == scope.TypeRecord {
		return nil
	}
	states, err := m.Scopes(ctx)
	if err != nil {
		return err
	}
	for _, st := range states {
		if st.Scope == s || st.Mode == ModeSynced {
			continue
		}
		under, err := m.scopeDescends(ctx, st.Scope, s)
		if err != nil {
			return err
		}
		if !under {
			continue
		}
		if _, err := m.db.RawDB().ExecContext(ctx, `
			UPDATE sync_scopes SET mode = ?, updated_at = ?
			WHERE scope_type = ? AND scope_id = ?
		`, ModeSynced, time.Now().UTC().Format(time.RFC3339),
			st.Scope.Type.String(), st.Scope.ID); err != nil {
			return fmt.Errorf("failed to cascade scope mode: %w", err)
		}
	}
	return nil
}

// scopeDescends reports whether child's root entity sits under parent's.
func (m *Mirror) scopeDescends(ctx context.Context, child, parent scope.Scope) (bool, error) {
	_, propertyID, projectID, err := m.lineage(ctx, scopeKind(child.Type), child.ID)
	if err != nil {
		return false, err
	}
	switch parent.Type {
	case scope.TypeProject:
		return projectID == parent.ID, nil
	case scope.TypeProperty:
		return child.Type == scope.TypeRecord && propertyID == parent.ID, nil
	}
	return false, nil
}

func scopeKind(t scope.Type) entity.Kind {
	switch t {
	case scope.TypeProperty:
		return entity.KindProperty
	case scope.TypeRecord:
		return entity.KindRecord
	}
	return entity.KindProject
}

// enqueueInitialSync queues creates for every live local entity under the
// scope. The scope root itself is skipped: it exists on the server already,
// that is where the scope grant came from.
func (m *Mirror) enqueueInitialSync(ctx context.Context, s scope.Scope) error {
	q := m.db.RawDB()

	var propertyIDs []string
	var recordIDs []string

	switch s.Type {
	case scope.TypeProject:
		props, err := store.ListByParent(ctx, q, entity.KindProperty, s.ID, false)
		if err != nil {
			return err
		}
		for _, p := range props {
			propertyIDs = append(propertyIDs, p.ID)
			if err := m.enqueueSnapshot(ctx, s, entity.KindProperty, p); err != nil {
				return err
			}
		}
	case scope.TypeProperty:
		propertyIDs = []string{s.ID}
	case scope.TypeRecord:
		recordIDs = []string{s.ID}
	}

	for _, pid := range propertyIDs {
		units, err := store.ListByParent(ctx, q, entity.KindUnit, pid, false)
		if err != nil {
			return err
		}
		for _, u := range units {
			if err := m.enqueueSnapshot(ctx, s, entity.KindUnit, u); err != nil {
				return err
			}
		}
		recs, err := store.ListByParent(ctx, q, entity.KindRecord, pid, false)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			recordIDs = append(recordIDs, rec.ID)
			if err := m.enqueueSnapshot(ctx, s, entity.KindRecord, rec); err != nil {
				return err
			}
		}
	}

	for _, rid := range recordIDs {
		for _, kind := range []entity.Kind{entity.KindDocument, entity.KindComment} {
			children, err := store.ListByParent(ctx, q, kind, rid, false)
			if err != nil {
				return err
			}
			for _, c := range children {
				if err := m.enqueueSnapshot(ctx, s, kind, c); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// enqueueSnapshot queues a row's full state as a create. A never-synced row
// has revision 0 and no optimistic token; rows the server already knows are
// applied as idempotent create-as-update there.
func (m *Mirror) enqueueSnapshot(ctx context.Context, s scope.Scope, kind entity.Kind, row *store.Row) error {
	snap, err := store.WireSnapshot(kind, row)
	if err != nil {
		return err
	}
	payload, err := entity.DecodePayload(kind, snap)
	if err != nil {
		return err
	}
	return m.enqueue(ctx, s, kind, row.ID, "create", payload, 0)
}
