// Package pull serves incremental change feeds scoped to a sync boundary.
//
// A pull returns every change inside the scope closure with a revision
// greater than the client's cursor, ordered by revision, capped at a page
// size. The final Cursor and HasMore let the client page until it has
// converged; tombstones are always included so deletions replicate.
package pull

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/upkeephq/upkeep/internal/entity"
	"github.com/upkeephq/upkeep/internal/scope"
	"github.com/upkeephq/upkeep/internal/store"
)

// MaxChanges is the page cap on a single pull response.
const MaxChanges = 200

// ErrScopeDenied means the actor has no access to the requested scope.
var ErrScopeDenied = errors.New("scope access denied")

// Result is one page of the change feed.
type Result struct {
	Changes []entity.PulledChange `json:"changes"`
	Cursor  int64                 `json:"cursor"`
	HasMore bool                  `json:"hasMore"`
}

// Provider computes pull pages against the entity store.
type Provider struct {
	db       *store.DB
	resolver *scope.Resolver
	maxPage  int
}

// Option configures a Provider.
type Option func(*Provider)

// WithMaxPage overrides the default page cap.
func WithMaxPage(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxPage = n
		}
	}
}

// NewProvider creates a Provider with the default page cap.
func NewProvider(db *store.DB, resolver *scope.Resolver, opts ...Option) *Provider {
	p := &Provider{db: db, resolver: resolver, maxPage: MaxChanges}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// kindSource maps a kind to the column and closure set that bound its rows.
// Projects, properties, and records filter on their own id; units filter on
// the owning property, documents and comments on the owning record.
type kindSource struct {
	kind      entity.Kind
	filterCol string
	ids       func(*scope.Closure) map[string]bool
}

var kindSources = []kindSource{
	{entity.KindProject, "id", func(c *scope.Closure) map[string]bool { return c.ProjectIDs }},
	{entity.KindProperty, "id", func(c *scope.Closure) map[string]bool { return c.PropertyIDs }},
	{entity.KindUnit, "property_id", func(c *scope.Closure) map[string]bool { return c.PropertyIDs }},
	{entity.KindRecord, "id", func(c *scope.Closure) map[string]bool { return c.RecordIDs }},
	{entity.KindDocument, "record_id", func(c *scope.Closure) map[string]bool { return c.RecordIDs }},
	{entity.KindComment, "record_id", func(c *scope.Closure) map[string]bool { return c.RecordIDs }},
}

// Pull returns the page of scoped changes after sinceRevision.
func (p *Provider) Pull(ctx context.Context, actorID string, s scope.Scope, sinceRevision int64) (*Result, error) {
	ok, err := p.resolver.HasAccess(ctx, actorID, s)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scope access: %w", err)
	}
	if !ok {
		return nil, ErrScopeDenied
	}

	// Tombstoned parents stay in the closure so their descendants' delete
	// markers reach the client.
	closure, err := p.resolver.Closure(ctx, s, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compute scope closure: %w", err)
	}

	var changes []entity.PulledChange
	for _, src := range kindSources {
		ids := scope.Keys(src.ids(closure))
		if len(ids) == 0 {
			continue
		}
		rows, err := store.ChangedSince(ctx, p.db.RawDB(), src.kind, src.filterCol, ids, sinceRevision)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s changes: %w", src.kind, err)
		}
		for _, row := range rows {
			pc, err := toPulled(src.kind, row)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s %s: %w", src.kind, row.ID, err)
			}
			changes = append(changes, pc)
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Position < changes[j].Position })

	hasMore := false
	if len(changes) > p.maxPage {
		changes = changes[:p.maxPage]
		hasMore = true
	}

	cursor := sinceRevision
	if n := len(changes); n > 0 {
		cursor = changes[n-1].Position
	}

	return &Result{Changes: changes, Cursor: cursor, HasMore: hasMore}, nil
}

// toPulled renders a stored row as a feed entry. Tombstones become delete
// markers with no payload; a row whose timestamps never diverged is a
// create, anything else an update.
func toPulled(kind entity.Kind, row *store.Row) (entity.PulledChange, error) {
	pc := entity.PulledChange{
		EntityType: kind.String(),
		EntityID:   row.ID,
		Position:   row.Revision,
	}
	if row.Deleted {
		pc.Operation = "delete"
		return pc, nil
	}
	data, err := store.WireSnapshot(kind, row)
	if err != nil {
		return pc, err
	}
	pc.Data = data
	if row.CreatedAt.Equal(row.UpdatedAt) {
		pc.Operation = "create"
	} else {
		pc.Operation = "update"
	}
	return pc, nil
}
