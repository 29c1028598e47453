// Package scope decides which entities a sync request may touch.
//
// A scope is an authorization and replication boundary rooted at a project,
// property, or maintenance record. Resolution answers two questions: does
// this actor have access to the scope at all, and which entity ids are
// transitively reachable from its root. Both push and pull are bounded by
// the answer; access failures surface as false/empty, never as panics, and
// the transport layer turns them into 403/404 responses.
package scope

import (
	"context"
	"errors"
	"fmt"

	"github.com/upkeephq/upkeep/internal/store"
)

// Type identifies the scope root kind.
type Type int

const (
	TypeProject Type = iota
	TypeProperty
	TypeRecord
)

var typeNames = map[Type]string{
	TypeProject:  "project",
	TypeProperty: "property",
	TypeRecord:   "record",
}

// ParseType converts a wire token into a scope Type.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("invalid scope type %q", s)
}

// String returns the wire token for the scope type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("scope(%d)", int(t))
}

// Scope is an authorization+replication boundary.
type Scope struct {
	Type Type
	ID   string
}

func (s Scope) String() string {
	return fmt.Sprintf("%s:%s", s.Type, s.ID)
}

// Closure is the transitive set of entity ids reachable from a scope root.
// Units hang off properties and documents/comments off records, so those
// three id sets bound every kind.
type Closure struct {
	ProjectIDs  map[string]bool
	PropertyIDs map[string]bool
	RecordIDs   map[string]bool
}

func newClosure() *Closure {
	return &Closure{
		ProjectIDs:  make(map[string]bool),
		PropertyIDs: make(map[string]bool),
		RecordIDs:   make(map[string]bool),
	}
}

// ContainsProject reports whether the project is inside the closure.
func (c *Closure) ContainsProject(id string) bool { return c.ProjectIDs[id] }

// ContainsProperty reports whether the property is inside the closure.
func (c *Closure) ContainsProperty(id string) bool { return c.PropertyIDs[id] }

// ContainsRecord reports whether the record is inside the closure.
func (c *Closure) ContainsRecord(id string) bool { return c.RecordIDs[id] }

// AddProperty extends the closure with a property created mid-batch, so
// later changes in the same batch can reference it.
func (c *Closure) AddProperty(id string) { c.PropertyIDs[id] = true }

// AddRecord extends the closure with a record created mid-batch.
func (c *Closure) AddRecord(id string) { c.RecordIDs[id] = true }

// Keys flattens an id set for SQL IN clauses.
func Keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Resolver answers access and closure queries against the entity store.
type Resolver struct {
	db *store.DB
}

// NewResolver creates a Resolver backed by the given store.
func NewResolver(db *store.DB) *Resolver {
	return &Resolver{db: db}
}

// HasAccess reports whether the actor may sync against the scope.
//
//   - project scope: project owner, direct project member, or member of any
//     property under the project
//   - property scope: parent-project owner/member, or property member
//   - record scope: record member, or property-scope access on the record's
//     parent property
//
// An unknown scope root resolves to false, not an error.
func (r *Resolver) HasAccess(ctx context.Context, actorID string, s Scope) (bool, error) {
	switch s.Type {
	case TypeProject:
		return r.projectAccess(ctx, actorID, s.ID)
	case TypeProperty:
		return r.propertyAccess(ctx, actorID, s.ID)
	case TypeRecord:
		return r.recordAccess(ctx, actorID, s.ID)
	default:
		return false, nil
	}
}

func (r *Resolver) projectAccess(ctx context.Context, actorID, projectID string) (bool, error) {
	owner, err := r.db.ProjectOwner(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if owner == actorID {
		return true, nil
	}
	if ok, err := r.db.IsProjectMember(ctx, projectID, actorID); err != nil || ok {
		return ok, err
	}
	return r.db.IsMemberOfAnyProperty(ctx, projectID, actorID)
}

func (r *Resolver) propertyAccess(ctx context.Context, actorID, propertyID string) (bool, error) {
	if ok, err := r.db.IsPropertyMember(ctx, propertyID, actorID); err != nil || ok {
		return ok, err
	}
	projectID, err := r.db.PropertyProject(ctx, propertyID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	owner, err := r.db.ProjectOwner(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if owner == actorID {
		return true, nil
	}
	return r.db.IsProjectMember(ctx, projectID, actorID)
}

func (r *Resolver) recordAccess(ctx context.Context, actorID, recordID string) (bool, error) {
	if ok, err := r.db.IsRecordMember(ctx, recordID, actorID); err != nil || ok {
		return ok, err
	}
	propertyID, err := r.db.RecordProperty(ctx, recordID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.propertyAccess(ctx, actorID, propertyID)
}

// Exists reports whether the scope root entity is present, tombstoned or
// not. The transport layer uses it to tell an unknown scope (404) apart
// from a denied one (403).
func (r *Resolver) Exists(ctx context.Context, s Scope) (bool, error) {
	switch s.Type {
	case TypeProject:
		return r.db.ProjectExists(ctx, s.ID)
	case TypeProperty:
		_, err := r.db.PropertyProject(ctx, s.ID)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	case TypeRecord:
		_, err := r.db.RecordProperty(ctx, s.ID)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	default:
		return false, nil
	}
}

// Closure computes the transitive id sets reachable from the scope root.
// Replication must see deletions, so pull passes includeTombstones=true;
// an unknown root yields an empty closure.
func (r *Resolver) Closure(ctx context.Context, s Scope, includeTombstones bool) (*Closure, error) {
	c := newClosure()

	switch s.Type {
	case TypeProject:
		exists, err := r.db.ProjectExists(ctx, s.ID)
		if err != nil || !exists {
			return c, err
		}
		c.ProjectIDs[s.ID] = true
		props, err := r.db.PropertiesOfProject(ctx, s.ID, includeTombstones)
		if err != nil {
			return nil, err
		}
		for _, p := range props {
			c.PropertyIDs[p] = true
		}
		if err := r.addRecords(ctx, c, props, includeTombstones); err != nil {
			return nil, err
		}

	case TypeProperty:
		projectID, err := r.db.PropertyProject(ctx, s.ID)
		if errors.Is(err, store.ErrNotFound) {
			return c, nil
		}
		if err != nil {
			return nil, err
		}
		_ = projectID // the parent project itself is outside a property scope
		c.PropertyIDs[s.ID] = true
		if err := r.addRecords(ctx, c, []string{s.ID}, includeTombstones); err != nil {
			return nil, err
		}

	case TypeRecord:
		propertyID, err := r.db.RecordProperty(ctx, s.ID)
		if errors.Is(err, store.ErrNotFound) {
			return c, nil
		}
		if err != nil {
			return nil, err
		}
		_ = propertyID
		c.RecordIDs[s.ID] = true
	}

	return c, nil
}

func (r *Resolver) addRecords(ctx context.Context, c *Closure, propertyIDs []string, includeTombstones bool) error {
	for _, pid := range propertyIDs {
		recs, err := r.db.RecordsOfProperty(ctx, pid, includeTombstones)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			c.RecordIDs[rec] = true
		}
	}
	return nil
}
