package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/upkeephq/upkeep/internal/entity"
)

// ErrNotFound is returned when an entity lookup matches no row.
var ErrNotFound = errors.New("entity not found")

// Querier is satisfied by both *sql.DB and *sql.Tx so entity access can run
// inside a push batch transaction or standalone.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// colType describes how a kind-specific column is stored and scanned.
type colType int

const (
	colText colType = iota
	colNullText
	colReal
	colJSON // TEXT column holding a JSON array of strings
)

type colSpec struct {
	name string // SQL column
	wire string // JSON key in payloads and pull snapshots
	typ  colType
}

type tableSpec struct {
	table     string
	parentCol string // column holding the parent reference, "" for projects
	cols      []colSpec
}

var tableSpecs = map[entity.Kind]tableSpec{
	entity.KindProject: {
		table: "projects",
		cols: []colSpec{
			{"owner_id", "ownerId", colText},
			{"name", "name", colText},
			{"description", "description", colText},
		},
	},
	entity.KindProperty: {
		table:     "properties",
		parentCol: "project_id",
		cols: []colSpec{
			{"project_id", "projectId", colText},
			{"name", "name", colText},
			{"address", "address", colText},
			{"property_type", "propertyType", colText},
		},
	},
	entity.KindUnit: {
		table:     "units",
		parentCol: "property_id",
		cols: []colSpec{
			{"property_id", "propertyId", colText},
			{"name", "name", colText},
			{"unit_type", "unitType", colText},
		},
	},
	entity.KindRecord: {
		table:     "records",
		parentCol: "property_id",
		cols: []colSpec{
			{"property_id", "propertyId", colText},
			{"unit_id", "unitId", colNullText},
			{"title", "title", colText},
			{"description", "description", colText},
			{"record_type", "recordType", colText},
			{"status", "status", colText},
			{"cost", "cost", colReal},
			{"tags", "tags", colJSON},
		},
	},
	entity.KindDocument: {
		table:     "documents",
		parentCol: "record_id",
		cols: []colSpec{
			{"record_id", "recordId", colText},
			{"name", "name", colText},
			{"url", "url", colText},
			{"content_type", "contentType", colText},
		},
	},
	entity.KindComment: {
		table:     "comments",
		parentCol: "record_id",
		cols: []colSpec{
			{"record_id", "recordId", colText},
			{"author_id", "authorId", colText},
			{"body", "body", colText},
		},
	},
}

// Row is a stored entity with its sync metadata. Fields holds the
// kind-specific columns keyed by SQL column name; tags are decoded to
// []string, nullable columns are absent when NULL.
type Row struct {
	ID        string
	Revision  int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Deleted   bool
	DeletedAt *time.Time
	Fields    map[string]any
}

// ParentID returns the row's parent reference, or "" for projects.
func ParentID(kind entity.Kind, row *Row) string {
	spec := tableSpecs[kind]
	if spec.parentCol == "" {
		return ""
	}
	if v, ok := row.Fields[spec.parentCol].(string); ok {
		return v
	}
	return ""
}

// GetEntity loads a single entity by id. Tombstoned rows are only visible
// when includeTombstones is true; otherwise they report ErrNotFound.
func GetEntity(ctx context.Context, q Querier, kind entity.Kind, id string, includeTombstones bool) (*Row, error) {
	spec, ok := tableSpecs[kind]
	if !ok {
		return nil, fmt.Errorf("invalid entityType %q", kind)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, selectList(spec), spec.table)
	if !includeTombstones {
		query += " AND deleted = 0"
	}

	row, err := scanRow(spec, q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}
	return row, nil
}

// InsertEntity inserts a new entity with the given revision.
// created_at and updated_at are both stamped with now, which is what marks
// the row as a "create" for pull's create-vs-update heuristic.
func InsertEntity(ctx context.Context, q Querier, kind entity.Kind, id string, rev int64, fields map[string]any) error {
	spec, ok := tableSpecs[kind]
	if !ok {
		return fmt.Errorf("invalid entityType %q", kind)
	}

	// Nanosecond stamps: created_at == updated_at is what marks a row as
	// never edited, so the two must not collide across distinct writes.
	now := time.Now().UTC().Format(time.RFC3339Nano)
	cols := []string{"id", "revision", "created_at", "updated_at", "deleted"}
	args := []any{id, rev, now, now, 0}

	for _, c := range spec.cols {
		v, ok := fields[c.name]
		if !ok {
			continue
		}
		sv, err := encodeColumn(c, v)
		if err != nil {
			return fmt.Errorf("failed to encode %s.%s: %w", spec.table, c.name, err)
		}
		cols = append(cols, c.name)
		args = append(args, sv)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		spec.table, strings.Join(cols, ", "), placeholders(len(cols)))

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert %s %s: %w", kind, id, err)
	}
	return nil
}

// UpdateEntityFields applies a partial patch: only the given fields change,
// everything else is left as is. The row gets a fresh revision and updated_at.
func UpdateEntityFields(ctx context.Context, q Querier, kind entity.Kind, id string, rev int64, fields map[string]any) error {
	spec, ok := tableSpecs[kind]
	if !ok {
		return fmt.Errorf("invalid entityType %q", kind)
	}

	sets := []string{"revision = ?", "updated_at = ?"}
	args := []any{rev, time.Now().UTC().Format(time.RFC3339Nano)}

	for _, c := range spec.cols {
		v, ok := fields[c.name]
		if !ok {
			continue
		}
		sv, err := encodeColumn(c, v)
		if err != nil {
			return fmt.Errorf("failed to encode %s.%s: %w", spec.table, c.name, err)
		}
		sets = append(sets, c.name+" = ?")
		args = append(args, sv)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, spec.table, strings.Join(sets, ", "))

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s %s: %w", kind, id, err)
	}
	return nil
}

// TombstoneEntity soft-deletes an entity: the row keeps its id, gains a
// fresh revision, and pulls replicate it as a delete with empty payload.
func TombstoneEntity(ctx context.Context, q Querier, kind entity.Kind, id string, rev int64) error {
	spec, ok := tableSpecs[kind]
	if !ok {
		return fmt.Errorf("invalid entityType %q", kind)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := fmt.Sprintf(
		`UPDATE %s SET deleted = 1, deleted_at = ?, updated_at = ?, revision = ? WHERE id = ?`,
		spec.table)

	if _, err := q.ExecContext(ctx, query, now, now, rev, id); err != nil {
		return fmt.Errorf("failed to tombstone %s %s: %w", kind, id, err)
	}
	return nil
}

// ChangedSince returns rows of the kind whose filterCol value is in ids and
// whose revision is greater than since, ordered by revision ascending.
// Tombstoned rows are always included - replication needs them.
func ChangedSince(ctx context.Context, q Querier, kind entity.Kind, filterCol string, ids []string, since int64) ([]*Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	spec, ok := tableSpecs[kind]
	if !ok {
		return nil, fmt.Errorf("invalid entityType %q", kind)
	}

	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, since)

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s IN (%s) AND revision > ? ORDER BY revision ASC`,
		selectList(spec), spec.table, filterCol, placeholders(len(ids)))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s changes: %w", kind, err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := scanRows(spec, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", kind, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s changes: %w", kind, err)
	}
	return out, nil
}

// ListByParent returns rows of the kind attached to the given parent,
// ordered by creation time. For projects, which have no parent, parentID is
// ignored and every project is returned. Tombstones are only visible when
// includeTombstones is true.
func ListByParent(ctx context.Context, q Querier, kind entity.Kind, parentID string, includeTombstones bool) ([]*Row, error) {
	spec, ok := tableSpecs[kind]
	if !ok {
		return nil, fmt.Errorf("invalid entityType %q", kind)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE 1=1`, selectList(spec), spec.table)
	var args []any
	if spec.parentCol != "" {
		query = fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`, selectList(spec), spec.table, spec.parentCol)
		args = append(args, parentID)
	}
	if !includeTombstones {
		query += " AND deleted = 0"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := scanRows(spec, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", kind, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", kind, err)
	}
	return out, nil
}

// WireSnapshot serializes a row's full field state using the wire field
// names, for pull responses. Sync metadata stays out of the payload.
func WireSnapshot(kind entity.Kind, row *Row) (json.RawMessage, error) {
	spec, ok := tableSpecs[kind]
	if !ok {
		return nil, fmt.Errorf("invalid entityType %q", kind)
	}

	m := make(map[string]any, len(spec.cols))
	for _, c := range spec.cols {
		if v, ok := row.Fields[c.name]; ok {
			m[c.wire] = v
		}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s snapshot: %w", kind, err)
	}
	return data, nil
}

func selectList(spec tableSpec) string {
	cols := []string{"id", "revision", "created_at", "updated_at", "deleted", "deleted_at"}
	for _, c := range spec.cols {
		cols = append(cols, c.name)
	}
	return strings.Join(cols, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func encodeColumn(c colSpec, v any) (any, error) {
	switch c.typ {
	case colJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return v, nil
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(spec tableSpec, r rowScanner) (*Row, error) {
	var (
		row       Row
		createdAt string
		updatedAt string
		deleted   int
		deletedAt sql.NullString
	)

	holders := make([]any, 0, 6+len(spec.cols))
	holders = append(holders, &row.ID, &row.Revision, &createdAt, &updatedAt, &deleted, &deletedAt)

	texts := make([]sql.NullString, len(spec.cols))
	reals := make([]sql.NullFloat64, len(spec.cols))
	for i, c := range spec.cols {
		switch c.typ {
		case colReal:
			holders = append(holders, &reals[i])
		default:
			holders = append(holders, &texts[i])
		}
	}

	if err := r.Scan(holders...); err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		row.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		row.UpdatedAt = t
	}
	row.Deleted = deleted != 0
	row.DeletedAt = nullStringToTime(deletedAt)

	row.Fields = make(map[string]any, len(spec.cols))
	for i, c := range spec.cols {
		switch c.typ {
		case colReal:
			if reals[i].Valid {
				row.Fields[c.name] = reals[i].Float64
			}
		case colJSON:
			if texts[i].Valid && texts[i].String != "" && texts[i].String != "null" {
				var tags []string
				if err := json.Unmarshal([]byte(texts[i].String), &tags); err != nil {
					return nil, fmt.Errorf("failed to unmarshal %s: %w", c.name, err)
				}
				row.Fields[c.name] = tags
			} else {
				row.Fields[c.name] = []string{}
			}
		default:
			if texts[i].Valid {
				row.Fields[c.name] = texts[i].String
			}
		}
	}

	return &row, nil
}

func scanRows(spec tableSpec, rows *sql.Rows) (*Row, error) {
	return scanRow(spec, rows)
}
