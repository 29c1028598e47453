package entity

import (
	"encoding/json"
	"fmt"
)

// Enumerated field values. These are closed sets: a create or update naming
// a value outside its set is rejected before any row is touched.
var (
	propertyTypes = map[string]bool{
		"house": true, "apartment": true, "condo": true, "commercial": true, "land": true,
	}
	unitTypes = map[string]bool{
		"room": true, "kitchen": true, "bathroom": true, "bedroom": true,
		"garage": true, "basement": true, "attic": true, "exterior": true, "other": true,
	}
	recordTypes = map[string]bool{
		"repair": true, "inspection": true, "renovation": true, "routine": true, "emergency": true,
	}
	recordStatuses = map[string]bool{
		"open": true, "scheduled": true, "in_progress": true, "done": true, "cancelled": true,
	}
)

// Payload is the typed per-kind change payload. Optional fields are pointers
// so an update can distinguish "absent" (leave unchanged) from "set to zero".
type Payload interface {
	// ValidateCreate checks that every field required to create the entity
	// is present and well formed. The returned error text is the
	// machine-readable rejection reason ("missing name", "invalid unitType").
	ValidateCreate() error

	// ValidateUpdate checks only the fields that are present.
	ValidateUpdate() error

	// ParentID returns the declared parent reference, or "" for kinds
	// without one (projects).
	ParentID() string

	// Fields returns the present fields as column → value for partial
	// patching. Slices are JSON-encoded by the store.
	Fields() map[string]any
}

// ProjectPayload carries project fields. Projects are scope roots and have
// no parent reference.
type ProjectPayload struct {
	OwnerID     *string `json:"ownerId,omitempty"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (p *ProjectPayload) ValidateCreate() error {
	if isBlank(p.Name) {
		return fmt.Errorf("missing name")
	}
	return nil
}

func (p *ProjectPayload) ValidateUpdate() error {
	if p.Name != nil && *p.Name == "" {
		return fmt.Errorf("missing name")
	}
	return nil
}

func (p *ProjectPayload) ParentID() string { return "" }

func (p *ProjectPayload) Fields() map[string]any {
	f := map[string]any{}
	putStr(f, "owner_id", p.OwnerID)
	putStr(f, "name", p.Name)
	putStr(f, "description", p.Description)
	return f
}

// PropertyPayload carries property fields; ProjectID is the parent reference.
type PropertyPayload struct {
	ProjectID    *string `json:"projectId,omitempty"`
	Name         *string `json:"name,omitempty"`
	Address      *string `json:"address,omitempty"`
	PropertyType *string `json:"propertyType,omitempty"`
}

func (p *PropertyPayload) ValidateCreate() error {
	if isBlank(p.ProjectID) {
		return fmt.Errorf("missing projectId")
	}
	if isBlank(p.Name) {
		return fmt.Errorf("missing name")
	}
	if p.PropertyType != nil && !propertyTypes[*p.PropertyType] {
		return fmt.Errorf("invalid propertyType")
	}
	return nil
}

func (p *PropertyPayload) ValidateUpdate() error {
	if p.Name != nil && *p.Name == "" {
		return fmt.Errorf("missing name")
	}
	if p.PropertyType != nil && !propertyTypes[*p.PropertyType] {
		return fmt.Errorf("invalid propertyType")
	}
	return nil
}

func (p *PropertyPayload) ParentID() string { return deref(p.ProjectID) }

func (p *PropertyPayload) Fields() map[string]any {
	f := map[string]any{}
	putStr(f, "project_id", p.ProjectID)
	putStr(f, "name", p.Name)
	putStr(f, "address", p.Address)
	putStr(f, "property_type", p.PropertyType)
	return f
}

// UnitPayload carries unit fields; PropertyID is the parent reference.
type UnitPayload struct {
	PropertyID *string `json:"propertyId,omitempty"`
	Name       *string `json:"name,omitempty"`
	UnitType   *string `json:"unitType,omitempty"`
}

func (p *UnitPayload) ValidateCreate() error {
	if isBlank(p.PropertyID) {
		return fmt.Errorf("missing propertyId")
	}
	if isBlank(p.Name) {
		return fmt.Errorf("missing name")
	}
	if isBlank(p.UnitType) || !unitTypes[*p.UnitType] {
		return fmt.Errorf("invalid unitType")
	}
	return nil
}

func (p *UnitPayload) ValidateUpdate() error {
	if p.Name != nil && *p.Name == "" {
		return fmt.Errorf("missing name")
	}
	if p.UnitType != nil && !unitTypes[*p.UnitType] {
		return fmt.Errorf("invalid unitType")
	}
	return nil
}

func (p *UnitPayload) ParentID() string { return deref(p.PropertyID) }

func (p *UnitPayload) Fields() map[string]any {
	f := map[string]any{}
	putStr(f, "property_id", p.PropertyID)
	putStr(f, "name", p.Name)
	putStr(f, "unit_type", p.UnitType)
	return f
}

// RecordPayload carries maintenance-record fields; PropertyID is the parent
// reference and UnitID optionally narrows the record to a unit.
type RecordPayload struct {
	PropertyID  *string   `json:"propertyId,omitempty"`
	UnitID      *string   `json:"unitId,omitempty"`
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	RecordType  *string   `json:"recordType,omitempty"`
	Status      *string   `json:"status,omitempty"`
	Cost        *float64  `json:"cost,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

func (p *RecordPayload) ValidateCreate() error {
	if isBlank(p.PropertyID) {
		return fmt.Errorf("missing propertyId")
	}
	if isBlank(p.Title) {
		return fmt.Errorf("missing title")
	}
	if isBlank(p.RecordType) || !recordTypes[*p.RecordType] {
		return fmt.Errorf("invalid recordType")
	}
	if p.Status != nil && !recordStatuses[*p.Status] {
		return fmt.Errorf("invalid recordStatus")
	}
	if p.Cost != nil && *p.Cost < 0 {
		return fmt.Errorf("invalid cost")
	}
	return nil
}

func (p *RecordPayload) ValidateUpdate() error {
	if p.Title != nil && *p.Title == "" {
		return fmt.Errorf("missing title")
	}
	if p.RecordType != nil && !recordTypes[*p.RecordType] {
		return fmt.Errorf("invalid recordType")
	}
	if p.Status != nil && !recordStatuses[*p.Status] {
		return fmt.Errorf("invalid recordStatus")
	}
	if p.Cost != nil && *p.Cost < 0 {
		return fmt.Errorf("invalid cost")
	}
	return nil
}

func (p *RecordPayload) ParentID() string { return deref(p.PropertyID) }

func (p *RecordPayload) Fields() map[string]any {
	f := map[string]any{}
	putStr(f, "property_id", p.PropertyID)
	putStr(f, "unit_id", p.UnitID)
	putStr(f, "title", p.Title)
	putStr(f, "description", p.Description)
	putStr(f, "record_type", p.RecordType)
	putStr(f, "status", p.Status)
	if p.Cost != nil {
		f["cost"] = *p.Cost
	}
	if p.Tags != nil {
		f["tags"] = *p.Tags
	}
	return f
}

// DocumentPayload carries document metadata; the blob itself lives in an
// external storage service and is referenced only by an opaque URL.
type DocumentPayload struct {
	RecordID    *string `json:"recordId,omitempty"`
	Name        *string `json:"name,omitempty"`
	URL         *string `json:"url,omitempty"`
	ContentType *string `json:"contentType,omitempty"`
}

func (p *DocumentPayload) ValidateCreate() error {
	if isBlank(p.RecordID) {
		return fmt.Errorf("missing recordId")
	}
	if isBlank(p.Name) {
		return fmt.Errorf("missing name")
	}
	return nil
}

func (p *DocumentPayload) ValidateUpdate() error {
	if p.Name != nil && *p.Name == "" {
		return fmt.Errorf("missing name")
	}
	return nil
}

func (p *DocumentPayload) ParentID() string { return deref(p.RecordID) }

func (p *DocumentPayload) Fields() map[string]any {
	f := map[string]any{}
	putStr(f, "record_id", p.RecordID)
	putStr(f, "name", p.Name)
	putStr(f, "url", p.URL)
	putStr(f, "content_type", p.ContentType)
	return f
}

// CommentPayload carries comment fields.
type CommentPayload struct {
	RecordID *string `json:"recordId,omitempty"`
	AuthorID *string `json:"authorId,omitempty"`
	Body     *string `json:"body,omitempty"`
}

func (p *CommentPayload) ValidateCreate() error {
	if isBlank(p.RecordID) {
		return fmt.Errorf("missing recordId")
	}
	if isBlank(p.Body) {
		return fmt.Errorf("missing body")
	}
	return nil
}

func (p *CommentPayload) ValidateUpdate() error {
	if p.Body != nil && *p.Body == "" {
		return fmt.Errorf("missing body")
	}
	return nil
}

func (p *CommentPayload) ParentID() string { return deref(p.RecordID) }

func (p *CommentPayload) Fields() map[string]any {
	f := map[string]any{}
	putStr(f, "record_id", p.RecordID)
	putStr(f, "author_id", p.AuthorID)
	putStr(f, "body", p.Body)
	return f
}

// DecodePayload parses raw change data into the typed payload for the kind.
// A nil/empty raw decodes to an empty payload (valid for deletes).
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindProject:
		p = &ProjectPayload{}
	case KindProperty:
		p = &PropertyPayload{}
	case KindUnit:
		p = &UnitPayload{}
	case KindRecord:
		p = &RecordPayload{}
	case KindDocument:
		p = &DocumentPayload{}
	case KindComment:
		p = &CommentPayload{}
	default:
		return nil, fmt.Errorf("invalid entityType %q", kind)
	}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	return p, nil
}

func isBlank(s *string) bool {
	return s == nil || *s == ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func putStr(f map[string]any, col string, v *string) {
	if v != nil {
		f[col] = *v
	}
}
