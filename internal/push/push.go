// Package push applies client-submitted change batches to the entity store.
//
// A batch is processed change by change inside one transaction: shape and
// authorization failures reject the individual change, storage failures park
// it on the retry queue, and everything accepted is committed together at
// the end. One bad change never poisons its neighbors.
package push

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/upkeephq/upkeep/internal/entity"
	"github.com/upkeephq/upkeep/internal/scope"
	"github.com/upkeephq/upkeep/internal/store"
)

// Rejection describes a change the server refused. Reason is a short
// machine-readable token ("invalid entityType", "scope_mismatch", ...).
type Rejection struct {
	ChangeID string `json:"changeId"`
	Reason   string `json:"reason"`
}

// ReasonQueuedForRetry marks a change that failed on a transient storage
// error and was parked for asynchronous replay. Clients leave such changes
// pending; every other rejection reason is final.
const ReasonQueuedForRetry = "queued_for_retry"

// Conflict reports a stale optimistic write. The client compares
// CurrentRevision with what it held and re-pulls before retrying.
type Conflict struct {
	ChangeID        string `json:"changeId"`
	EntityID        string `json:"entityId"`
	CurrentRevision int64  `json:"currentRevision"`
}

// BatchResult is the per-change outcome of ApplyBatch. A change id appears
// in exactly one of Accepted, Rejected, or Conflicts; retry-parked changes
// show up under Rejected with ReasonQueuedForRetry.
type BatchResult struct {
	Accepted   []string    `json:"accepted"`
	Rejected   []Rejection `json:"rejected,omitempty"`
	Conflicts  []Conflict  `json:"conflicts,omitempty"`
	ServerTime time.Time   `json:"serverTime"`
}

// RetrySink receives changes that failed on a transient storage error.
// The retry queue implements it; tests substitute their own.
type RetrySink interface {
	Enqueue(ctx context.Context, actorID string, s scope.Scope, ch entity.Change, cause error) error
}

// Applied is emitted for every accepted change, after commit.
type Applied struct {
	ActorID    string
	EntityType string
	EntityID   string
	Operation  string
	Revision   int64
}

// Notifier broadcasts applied changes to interested listeners.
type Notifier interface {
	ChangeApplied(Applied)
}

// Processor validates and applies push batches.
type Processor struct {
	db       *store.DB
	resolver *scope.Resolver
	retries  RetrySink
	notifier Notifier
	logger   *log.Logger

	handlers map[entity.Kind]kindHandler
}

// Option configures a Processor.
type Option func(*Processor)

// WithRetrySink routes transiently failed changes to the given sink.
func WithRetrySink(s RetrySink) Option {
	return func(p *Processor) { p.retries = s }
}

// WithNotifier broadcasts accepted changes after commit.
func WithNotifier(n Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// WithLogger overrides the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor creates a Processor over the store.
func NewProcessor(db *store.DB, resolver *scope.Resolver, opts ...Option) *Processor {
	p := &Processor{
		db:       db,
		resolver: resolver,
		logger:   log.New(log.Writer(), "[push] ", log.LstdFlags),
	}
	p.handlers = map[entity.Kind]kindHandler{
		entity.KindProject:  {contained: p.projectContained, created: nil},
		entity.KindProperty: {contained: p.propertyContained, created: markProperty},
		entity.KindUnit:     {contained: p.unitContained, created: nil},
		entity.KindRecord:   {contained: p.recordContained, created: markRecord},
		entity.KindDocument: {contained: p.documentContained, created: nil},
		entity.KindComment:  {contained: p.documentContained, created: nil},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// kindHandler holds the per-kind hooks the apply pipeline dispatches on.
// contained checks the change against the scope closure; created extends
// the closure after a successful create so later changes in the batch can
// reference the new entity.
type kindHandler struct {
	contained func(ctx context.Context, q store.Querier, c *scope.Closure, ch entity.Change, payload entity.Payload) (bool, error)
	created   func(c *scope.Closure, entityID string)
}

func markProperty(c *scope.Closure, id string) { c.AddProperty(id) }
func markRecord(c *scope.Closure, id string)  { c.AddRecord(id) }

// ApplyBatch validates the actor's scope access, then applies each change
// in order inside a single transaction. Rejected and conflicted changes are
// skipped without aborting the batch. Retry enqueues happen after the
// transaction settles so they survive a failed flush.
func (p *Processor) ApplyBatch(ctx context.Context, actorID string, s scope.Scope, changes []entity.Change) (*BatchResult, error) {
	ok, err := p.resolver.HasAccess(ctx, actorID, s)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scope access: %w", err)
	}
	if !ok {
		return nil, ErrScopeDenied
	}

	closure, err := p.resolver.Closure(ctx, s, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compute scope closure: %w", err)
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result := &BatchResult{}
	var toRetry []retryEntry
	var applied []Applied

	for _, ch := range changes {
		outcome := p.applyOne(ctx, tx, closure, ch)
		switch outcome.status {
		case statusAccepted:
			result.Accepted = append(result.Accepted, ch.ID)
			applied = append(applied, Applied{
				ActorID:    actorID,
				EntityType: ch.EntityType,
				EntityID:   ch.EntityID,
				Operation:  ch.Operation,
				Revision:   outcome.revision,
			})
		case statusRejected:
			result.Rejected = append(result.Rejected, Rejection{ChangeID: ch.ID, Reason: outcome.reason})
		case statusConflict:
			result.Conflicts = append(result.Conflicts, Conflict{
				ChangeID:        ch.ID,
				EntityID:        ch.EntityID,
				CurrentRevision: outcome.revision,
			})
		case statusRetry:
			result.Rejected = append(result.Rejected, Rejection{ChangeID: ch.ID, Reason: ReasonQueuedForRetry})
			toRetry = append(toRetry, retryEntry{change: ch, cause: outcome.err})
		case statusFatal:
			return nil, outcome.err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}

	for _, e := range toRetry {
		if p.retries == nil {
			p.logger.Printf("dropping change %s: no retry sink: %v", e.change.ID, e.cause)
			continue
		}
		if err := p.retries.Enqueue(ctx, actorID, s, e.change, e.cause); err != nil {
			p.logger.Printf("failed to enqueue retry for change %s: %v", e.change.ID, err)
		}
	}

	if p.notifier != nil {
		for _, a := range applied {
			p.notifier.ChangeApplied(a)
		}
	}

	result.ServerTime = time.Now().UTC()
	return result, nil
}

// ErrScopeDenied means the actor has no access to the requested scope.
var ErrScopeDenied = errors.New("scope access denied")

// ScopeExists reports whether the scope root is a known entity.
func (p *Processor) ScopeExists(ctx context.Context, s scope.Scope) (bool, error) {
	return p.resolver.Exists(ctx, s)
}

type retryEntry struct {
	change entity.Change
	cause  error
}

type applyStatus int

const (
	statusAccepted applyStatus = iota
	statusRejected
	statusConflict
	statusRetry
	statusFatal
)

type applyOutcome struct {
	status   applyStatus
	reason   string
	revision int64
	err      error
}

func rejected(reason string) applyOutcome {
	return applyOutcome{status: statusRejected, reason: reason}
}

// ApplyOne applies a single change against the store in its own
// transaction, enforcing the same containment as a batch. The retry worker
// uses it to replay parked changes.
func (p *Processor) ApplyOne(ctx context.Context, actorID string, s scope.Scope, ch entity.Change) error {
	ok, err := p.resolver.HasAccess(ctx, actorID, s)
	if err != nil {
		return fmt.Errorf("failed to resolve scope access: %w", err)
	}
	if !ok {
		return ErrScopeDenied
	}
	closure, err := p.resolver.Closure(ctx, s, true)
	if err != nil {
		return fmt.Errorf("failed to compute scope closure: %w", err)
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	out := p.applyOne(ctx, tx, closure, ch)
	switch out.status {
	case statusAccepted:
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit change: %w", err)
		}
		if p.notifier != nil {
			p.notifier.ChangeApplied(Applied{
				ActorID:    actorID,
				EntityType: ch.EntityType,
				EntityID:   ch.EntityID,
				Operation:  ch.Operation,
				Revision:   out.revision,
			})
		}
		return nil
	case statusRejected:
		return &RejectedError{Reason: out.reason}
	case statusConflict:
		return &RejectedError{Reason: "conflict"}
	case statusRetry:
		return out.err
	default:
		return out.err
	}
}

// RejectedError marks a change that will never succeed as submitted.
// The retry worker treats it as permanent and fails the item.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "change rejected: " + e.Reason }

// applyOne runs the full pipeline for one change: parse, containment,
// apply. It never writes outside the supplied transaction.
func (p *Processor) applyOne(ctx context.Context, tx *sql.Tx, closure *scope.Closure, ch entity.Change) applyOutcome {
	kind, err := entity.ParseKind(ch.EntityType)
	if err != nil {
		return rejected("invalid entityType")
	}
	op, err := entity.ParseOp(ch.Operation)
	if err != nil {
		return rejected("invalid operation")
	}
	if ch.EntityID == "" {
		return rejected("missing entityId")
	}

	payload, err := entity.DecodePayload(kind, ch.Data)
	if err != nil {
		return rejected("malformed payload")
	}

	// A delete of an id nobody has ever seen is a no-op accept: there is
	// nothing to authorize and nothing to change, and replays converge.
	if op == entity.OpDelete {
		if _, err := store.GetEntity(ctx, tx, kind, ch.EntityID, true); errors.Is(err, store.ErrNotFound) {
			return applyOutcome{status: statusAccepted}
		} else if err != nil {
			return applyOutcome{status: statusRetry, err: err}
		}
	}

	h := p.handlers[kind]
	inScope, err := h.contained(ctx, tx, closure, ch, payload)
	if err != nil {
		return applyOutcome{status: statusRetry, err: err}
	}
	if !inScope {
		return rejected("scope_mismatch")
	}

	switch op {
	case entity.OpCreate:
		return p.applyCreate(ctx, tx, closure, kind, h, ch, payload)
	case entity.OpUpdate:
		return p.applyUpdate(ctx, tx, kind, ch, payload)
	case entity.OpDelete:
		return p.applyDelete(ctx, tx, kind, ch)
	}
	return rejected("invalid operation")
}

// applyCreate inserts the entity, or falls back to an update when the id
// already exists so that replayed creates stay idempotent.
func (p *Processor) applyCreate(ctx context.Context, tx *sql.Tx, closure *scope.Closure, kind entity.Kind, h kindHandler, ch entity.Change, payload entity.Payload) applyOutcome {
	existing, err := store.GetEntity(ctx, tx, kind, ch.EntityID, true)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return applyOutcome{status: statusRetry, err: err}
	}
	if existing != nil {
		// Replayed create. Re-apply as an update against the live row;
		// a tombstoned id stays deleted and the create is a no-op.
		if existing.Deleted {
			return applyOutcome{status: statusAccepted, revision: existing.Revision}
		}
		return p.applyUpdate(ctx, tx, kind, ch, payload)
	}

	if err := payload.ValidateCreate(); err != nil {
		return rejected(err.Error())
	}

	rev, err := store.NextRevision(ctx, tx)
	if err != nil {
		return applyOutcome{status: statusRetry, err: err}
	}
	if err := store.InsertEntity(ctx, tx, kind, ch.EntityID, rev, payload.Fields()); err != nil {
		return applyOutcome{status: statusRetry, err: err}
	}
	if h.created != nil {
		h.created(closure, ch.EntityID)
	}
	return applyOutcome{status: statusAccepted, revision: rev}
}

func (p *Processor) applyUpdate(ctx context.Context, tx *sql.Tx, kind entity.Kind, ch entity.Change, payload entity.Payload) applyOutcome {
	existing, err := store.GetEntity(ctx, tx, kind, ch.EntityID, false)
	if errors.Is(err, store.ErrNotFound) {
		return rejected("not_found")
	}
	if err != nil {
		return applyOutcome{status: statusRetry, err: err}
	}

	if ch.BaseRevision > 0 && existing.Revision > ch.BaseRevision {
		return applyOutcome{status: statusConflict, revision: existing.Revision}
	}

	if err := payload.ValidateUpdate(); err != nil {
		return rejected(err.Error())
	}

	fields := payload.Fields()
	if len(fields) == 0 {
		// Nothing to write; treat as applied at the current revision.
		return applyOutcome{status: statusAccepted, revision: existing.Revision}
	}

	rev, err := store.NextRevision(ctx, tx)
	if err != nil {
		return applyOutcome{status: statusRetry, err: err}
	}
	if err := store.UpdateEntityFields(ctx, tx, kind, ch.EntityID, rev, fields); err != nil {
		return applyOutcome{status: statusRetry, err: err}
	}
	return applyOutcome{status: statusAccepted, revision: rev}
}

// applyDelete tombstones the entity. Deleting a missing or already deleted
// id is accepted so that replays converge.
func (p *Processor) applyDelete(ctx context.Context, tx *sql.Tx, kind entity.Kind, ch entity.Change) applyOutcome {
	existing, err := store.GetEntity(ctx, tx, kind, ch.EntityID, true)
	if errors.Is(err, store.ErrNotFound) {
		return applyOutcome{status: statusAccepted}
	}
	if err != nil {
		return applyOutcome{status: statusRetry, err: err}
	}
	if existing.Deleted {
		return applyOutcome{status: statusAccepted, revision: existing.Revision}
	}

	// The optimistic token guards deletes the same way it guards updates: a
	// stale delete must not tombstone state the client never saw.
	if ch.BaseRevision > 0 && existing.Revision > ch.BaseRevision {
		return applyOutcome{status: statusConflict, revision: existing.Revision}
	}

	rev, err := store.NextRevision(ctx, tx)
	if err != nil {
		return applyOutcome{status: statusRetry, err: err}
	}
	if err := store.TombstoneEntity(ctx, tx, kind, ch.EntityID, rev); err != nil {
		return applyOutcome{status: statusRetry, err: err}
	}
	return applyOutcome{status: statusAccepted, revision: rev}
}
