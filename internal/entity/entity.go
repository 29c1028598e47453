// Package entity defines the syncable entity model shared by the server-side
// push/pull protocol and the device-local mirror.
//
// Every syncable row belongs to one of six kinds arranged in a tree:
//
//	Project ⊃ Property ⊃ {Unit, Record}; Record ⊃ {Document, Comment}
//
// Changes travel as typed payloads rather than free-form field bags, so an
// unsupported kind/operation combination is a parse error at the boundary,
// not a runtime default case deep inside apply.
package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a syncable entity kind.
type Kind int

const (
	KindProject Kind = iota
	KindProperty
	KindUnit
	KindRecord
	KindDocument
	KindComment
)

// Kinds lists all entity kinds in parent-before-child order. Pull merges
// per-kind result sets, so the order here only matters for readability.
var Kinds = []Kind{KindProject, KindProperty, KindUnit, KindRecord, KindDocument, KindComment}

var kindNames = map[Kind]string{
	KindProject:  "project",
	KindProperty: "property",
	KindUnit:     "unit",
	KindRecord:   "record",
	KindDocument: "document",
	KindComment:  "comment",
}

// ParseKind converts a wire token into a Kind.
// Unknown tokens return an error; nothing is applied for such changes.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("invalid entityType %q", s)
}

// String returns the wire token for the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Op is a change operation.
type Op int

const (
	OpCreate Op = iota
	OpUpdate
	OpDelete
)

var opNames = map[Op]string{
	OpCreate: "create",
	OpUpdate: "update",
	OpDelete: "delete",
}

// ParseOp converts a wire token into an Op.
func ParseOp(s string) (Op, error) {
	for o, name := range opNames {
		if name == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("invalid operation %q", s)
}

// String returns the wire token for the operation.
func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Change is a single client-authored mutation inside a push batch.
//
// ID is a client-generated correlation id; the server reports per-change
// outcomes keyed by it. Data is decoded into a typed payload by kind.
// BaseRevision is an optional optimistic token: when set on an update or
// delete and lower than the entity's current revision, the change is
// reported as a conflict instead of silently overwriting.
type Change struct {
	ID              string          `json:"id"`
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	Operation       string          `json:"operation"`
	Data            json.RawMessage `json:"data,omitempty"`
	BaseRevision    int64           `json:"baseRevision,omitempty"`
	ClientTimestamp time.Time       `json:"clientTimestamp,omitzero"`
}

// PulledChange is a single server-side mutation streamed back to clients.
// Data is nil when Operation is "delete" (tombstone replication).
// Position is the source revision and doubles as the pull cursor.
type PulledChange struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Operation  string          `json:"operation"`
	Data       json.RawMessage `json:"data"`
	Position   int64           `json:"position"`
}
