package push

import (
	"context"
	"errors"

	"github.com/upkeephq/upkeep/internal/entity"
	"github.com/upkeephq/upkeep/internal/scope"
	"github.com/upkeephq/upkeep/internal/store"
)

// Containment checks. Only a create of a fresh id is judged by the parent
// the payload declares; anything touching an existing row is judged by the
// parent the store already holds, so a change cannot smuggle an entity into
// scope by lying about its parent. A payload that moves an entity to a
// different parent must land inside the closure as well.

// projectContained allows only the scope root project itself. A push can
// never create a fresh project; new projects arrive through the management
// API, not the sync channel.
func (p *Processor) projectContained(_ context.Context, _ store.Querier, c *scope.Closure, ch entity.Change, _ entity.Payload) (bool, error) {
	return c.ContainsProject(ch.EntityID), nil
}

func (p *Processor) propertyContained(ctx context.Context, q store.Querier, c *scope.Closure, ch entity.Change, payload entity.Payload) (bool, error) {
	if c.ContainsProperty(ch.EntityID) {
		stored, _, err := p.storedParent(ctx, q, entity.KindProperty, ch.EntityID)
		if err != nil {
			return false, err
		}
		// Moving the property to another project is only allowed when the
		// destination project is in scope too.
		if declared := payload.ParentID(); declared != "" && declared != stored && !c.ContainsProject(declared) {
			return false, nil
		}
		return true, nil
	}
	// A new property must attach to a project inside the closure. Under a
	// property or record scope the project set is empty, so creating
	// sibling properties is structurally impossible.
	if ch.Operation == "create" && payload.ParentID() != "" {
		return c.ContainsProject(payload.ParentID()), nil
	}
	return false, nil
}

func (p *Processor) unitContained(ctx context.Context, q store.Querier, c *scope.Closure, ch entity.Change, payload entity.Payload) (bool, error) {
	return p.childContained(ctx, q, c, ch, entity.KindUnit, payload, c.ContainsProperty)
}

func (p *Processor) recordContained(ctx context.Context, q store.Querier, c *scope.Closure, ch entity.Change, payload entity.Payload) (bool, error) {
	// Under a record scope the record itself is the closure root; under a
	// property scope the closure already enumerates its records.
	if c.ContainsRecord(ch.EntityID) {
		stored, _, err := p.storedParent(ctx, q, entity.KindRecord, ch.EntityID)
		if err != nil {
			return false, err
		}
		if declared := payload.ParentID(); declared != "" && declared != stored && !c.ContainsProperty(declared) {
			return false, nil
		}
		return true, nil
	}
	return p.childContained(ctx, q, c, ch, entity.KindRecord, payload, c.ContainsProperty)
}

// documentContained covers documents and comments; both hang off a record.
func (p *Processor) documentContained(ctx context.Context, q store.Querier, c *scope.Closure, ch entity.Change, payload entity.Payload) (bool, error) {
	kind, _ := entity.ParseKind(ch.EntityType)
	return p.childContained(ctx, q, c, ch, kind, payload, c.ContainsRecord)
}

// childContained resolves containment for entities hanging off a single
// parent. An existing row is judged by its stored parent; the declared
// parent matters only when it differs, which is a move and must stay
// inside the closure. A missing row is in scope only for a create whose
// declared parent the closure contains.
func (p *Processor) childContained(ctx context.Context, q store.Querier, c *scope.Closure, ch entity.Change, kind entity.Kind, payload entity.Payload, in func(string) bool) (bool, error) {
	stored, exists, err := p.storedParent(ctx, q, kind, ch.EntityID)
	if err != nil {
		return false, err
	}
	if !exists {
		if ch.Operation != "create" {
			return false, nil
		}
		declared := payload.ParentID()
		return declared != "" && in(declared), nil
	}
	if !in(stored) {
		return false, nil
	}
	if declared := payload.ParentID(); declared != "" && declared != stored && !in(declared) {
		return false, nil
	}
	return true, nil
}

// storedParent looks up the stored parent id of an existing row, tombstoned
// or not.
func (p *Processor) storedParent(ctx context.Context, q store.Querier, kind entity.Kind, id string) (parent string, exists bool, err error) {
	row, err := store.GetEntity(ctx, q, kind, id, true)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return store.ParentID(kind, row), true, nil
}
