package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/upkeephq/upkeep/internal/client"
	"github.com/upkeephq/upkeep/internal/entity"
	"github.com/upkeephq/upkeep/internal/push"
	"github.com/upkeephq/upkeep/internal/scope"
	"github.com/upkeephq/upkeep/internal/store"
)

// CycleResult summarizes one sync cycle across every synced scope.
type CycleResult struct {
	Scopes     int
	Pushed     int
	Rejected   int
	Conflicted int
	Pulled     int
	Duration   time.Duration
}

func (r *CycleResult) String() string {
	return fmt.Sprintf("scopes=%d pushed=%d rejected=%d conflicted=%d pulled=%d in %s",
		r.Scopes, r.Pushed, r.Rejected, r.Conflicted, r.Pulled, r.Duration.Round(time.Millisecond))
}

// SyncCycle pushes queued local edits and pulls the server feed for every
// synced scope. Cycles are serialized; a second caller blocks until the
// first finishes.
func (m *Mirror) SyncCycle(ctx context.Context, transport client.Transport) (*CycleResult, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	start := time.Now()
	result := &CycleResult{}

	scopes, err := m.Scopes(ctx)
	if err != nil {
		return nil, err
	}

	for _, st := range scopes {
		if st.Mode != ModeSynced {
			continue
		}
		result.Scopes++

		if err := m.pushScope(ctx, transport, st.Scope, result); err != nil {
			return result, fmt.Errorf("push failed for scope %s: %w", st.Scope, err)
		}
		if err := m.pullScope(ctx, transport, st.Scope, result); err != nil {
			return result, fmt.Errorf("pull failed for scope %s: %w", st.Scope, err)
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

// outboundChange is a dequeued row from outbound_queue.
type outboundChange struct {
	seq    int64
	change entity.Change
}

// pushScope drains the scope's outbound queue in batches. Every outcome the
// server reports removes the entry: accepted and retry-parked changes are
// the server's responsibility now, rejected ones will never succeed, and
// conflicts are resolved by the pull that follows. Record status tags move
// with the outcome: accepted rows become synced, retry-parked rows stay
// pending until a later cycle confirms them, final rejections fall back to
// local, and conflicted rows stay pending for the pull to settle.
func (m *Mirror) pushScope(ctx context.Context, transport client.Transport, s scope.Scope, result *CycleResult) error {
	for {
		batch, err := m.dequeue(ctx, s, m.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		changes := make([]entity.Change, len(batch))
		byChangeID := make(map[string]entity.Change, len(batch))
		for i, b := range batch {
			changes[i] = b.change
			byChangeID[b.change.ID] = b.change
		}

		resp, err := transport.Push(ctx, s, changes)
		if err != nil {
			return err
		}

		accepted := make(map[string]bool, len(resp.Accepted))
		for _, id := range resp.Accepted {
			accepted[id] = true
		}
		for _, b := range batch {
			if accepted[b.change.ID] {
				if err := m.setSyncStatus(ctx, b.change.EntityType, b.change.EntityID, StatusSynced); err != nil {
					return err
				}
			}
		}
		result.Pushed += len(resp.Accepted)

		for _, r := range resp.Rejected {
			if r.Reason == push.ReasonQueuedForRetry {
				result.Pushed++
				continue
			}
			result.Rejected++
			m.logger.Printf("scope %s: change %s rejected: %s", s, r.ChangeID, r.Reason)
			if ch, ok := byChangeID[r.ChangeID]; ok {
				if err := m.setSyncStatus(ctx, ch.EntityType, ch.EntityID, StatusLocal); err != nil {
					return err
				}
			}
		}
		for _, c := range resp.Conflicts {
			result.Conflicted++
			m.logger.Printf("scope %s: change %s conflicted on %s at revision %d, keeping server state",
				s, c.ChangeID, c.EntityID, c.CurrentRevision)
		}

		if err := m.removeOutbound(ctx, batch); err != nil {
			return err
		}
		if len(batch) < m.batchSize {
			return nil
		}
	}
}

func (m *Mirror) dequeue(ctx context.Context, s scope.Scope, limit int) ([]outboundChange, error) {
	rows, err := m.db.RawDB().QueryContext(ctx, `
		SELECT seq, change_id, entity_type, entity_id, operation, payload, base_revision
		FROM outbound_queue
		WHERE scope_type = ? AND scope_id = ?
		ORDER BY seq ASC
		LIMIT ?
	`, s.Type.String(), s.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbound queue: %w", err)
	}
	defer rows.Close()

	var out []outboundChange
	for rows.Next() {
		var oc outboundChange
		var payload string
		if err := rows.Scan(&oc.seq, &oc.change.ID, &oc.change.EntityType, &oc.change.EntityID,
			&oc.change.Operation, &payload, &oc.change.BaseRevision); err != nil {
			return nil, fmt.Errorf("failed to scan outbound change: %w", err)
		}
		if payload != "" {
			oc.change.Data = []byte(payload)
		}
		out = append(out, oc)
	}
	return out, rows.Err()
}

func (m *Mirror) removeOutbound(ctx context.Context, batch []outboundChange) error {
	args := make([]any, len(batch))
	marks := make([]string, len(batch))
	for i, b := range batch {
		args[i] = b.seq
		marks[i] = "?"
	}
	_, err := m.db.RawDB().ExecContext(ctx,
		`DELETE FROM outbound_queue WHERE seq IN (`+strings.Join(marks, ", ")+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to remove pushed changes: %w", err)
	}
	return nil
}

// pullScope pages the server feed from the stored cursor until the feed is
// exhausted, applying each change locally and advancing the cursor after
// every page.
func (m *Mirror) pullScope(ctx context.Context, transport client.Transport, s scope.Scope, result *CycleResult) error {
	cursor, err := m.cursor(ctx, s)
	if err != nil {
		return err
	}

	for {
		page, err := transport.Pull(ctx, s, cursor)
		if err != nil {
			return err
		}

		for _, pc := range page.Changes {
			if err := m.applyPulled(ctx, pc); err != nil {
				return err
			}
		}
		result.Pulled += len(page.Changes)

		if page.Cursor > cursor {
			cursor = page.Cursor
			if err := m.setCursor(ctx, s, cursor); err != nil {
				return err
			}
		}
		if !page.HasMore {
			return nil
		}
	}
}

// applyPulled lands one server change in the local tables. The stored
// revision is the server position, which is what the cursor compares
// against on the next cycle.
func (m *Mirror) applyPulled(ctx context.Context, pc entity.PulledChange) error {
	kind, err := entity.ParseKind(pc.EntityType)
	if err != nil {
		return fmt.Errorf("failed to apply pulled change: %w", err)
	}
	q := m.db.RawDB()

	if pc.Operation == "delete" {
		existing, err := store.GetEntity(ctx, q, kind, pc.EntityID, true)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if existing.Deleted {
			return nil
		}
		if err := store.TombstoneEntity(ctx, q, kind, pc.EntityID, pc.Position); err != nil {
			return err
		}
		return m.setSyncStatus(ctx, pc.EntityType, pc.EntityID, StatusSynced)
	}

	payload, err := entity.DecodePayload(kind, pc.Data)
	if err != nil {
		return fmt.Errorf("failed to decode pulled %s %s: %w", kind, pc.EntityID, err)
	}
	fields := payload.Fields()

	if _, err := store.GetEntity(ctx, q, kind, pc.EntityID, true); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := store.InsertEntity(ctx, q, kind, pc.EntityID, pc.Position, fields); err != nil {
			return err
		}
	} else if err := store.UpdateEntityFields(ctx, q, kind, pc.EntityID, pc.Position, fields); err != nil {
		return err
	}
	return m.setSyncStatus(ctx, pc.EntityType, pc.EntityID, StatusSynced)
}

func (m *Mirror) cursor(ctx context.Context, s scope.Scope) (int64, error) {
	var cur int64
	err := m.db.RawDB().QueryRowContext(ctx,
		`SELECT cursor FROM sync_scopes WHERE scope_type = ? AND scope_id = ?`,
		s.Type.String(), s.ID).Scan(&cur)
	if err != nil {
		return 0, fmt.Errorf("failed to read scope cursor: %w", err)
	}
	return cur, nil
}

func (m *Mirror) setCursor(ctx context.Context, s scope.Scope, cursor int64) error {
	_, err := m.db.RawDB().ExecContext(ctx, `
		UPDATE sync_scopes SET cursor = ?, updated_at = ?
		WHERE scope_type = ? AND scope_id = ?
	`, cursor, time.Now().UTC().Format(time.RFC3339), s.Type.String(), s.ID)
	if err != nil {
		return fmt.Errorf("failed to advance scope cursor: %w", err)
	}
	return nil
}
