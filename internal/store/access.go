package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Access queries back scope resolution. Membership rows and project
// ownership are written by the CRUD/invitation surface; the sync subsystem
// only reads them.

// ProjectOwner returns the owner of a project, or ErrNotFound.
func (db *DB) ProjectOwner(ctx context.Context, projectID string) (string, error) {
	var owner string
	err := db.conn.QueryRowContext(ctx,
		`SELECT owner_id FROM projects WHERE id = ?`, projectID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load project owner: %w", err)
	}
	return owner, nil
}

// IsProjectMember reports direct project membership.
func (db *DB) IsProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	return db.exists(ctx,
		`SELECT 1 FROM project_members WHERE project_id = ? AND user_id = ?`, projectID, userID)
}

// IsPropertyMember reports direct property membership.
func (db *DB) IsPropertyMember(ctx context.Context, propertyID, userID string) (bool, error) {
	return db.exists(ctx,
		`SELECT 1 FROM property_members WHERE property_id = ? AND user_id = ?`, propertyID, userID)
}

// IsRecordMember reports direct record membership.
func (db *DB) IsRecordMember(ctx context.Context, recordID, userID string) (bool, error) {
	return db.exists(ctx,
		`SELECT 1 FROM record_members WHERE record_id = ? AND user_id = ?`, recordID, userID)
}

// IsMemberOfAnyProperty reports whether the user is a member of any property
// under the project. Project access is granted transitively through this.
func (db *DB) IsMemberOfAnyProperty(ctx context.Context, projectID, userID string) (bool, error) {
	return db.exists(ctx, `
		SELECT 1 FROM property_members pm
		JOIN properties p ON p.id = pm.property_id
		WHERE p.project_id = ? AND pm.user_id = ?`, projectID, userID)
}

// PropertyProject returns the parent project id of a property.
// Tombstoned properties still resolve: closures include deleted entities.
func (db *DB) PropertyProject(ctx context.Context, propertyID string) (string, error) {
	var projectID string
	err := db.conn.QueryRowContext(ctx,
		`SELECT project_id FROM properties WHERE id = ?`, propertyID).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load property parent: %w", err)
	}
	return projectID, nil
}

// RecordProperty returns the parent property id of a record.
func (db *DB) RecordProperty(ctx context.Context, recordID string) (string, error) {
	var propertyID string
	err := db.conn.QueryRowContext(ctx,
		`SELECT property_id FROM records WHERE id = ?`, recordID).Scan(&propertyID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load record parent: %w", err)
	}
	return propertyID, nil
}

// ProjectExists reports whether the project row exists, tombstoned or not.
func (db *DB) ProjectExists(ctx context.Context, projectID string) (bool, error) {
	return db.exists(ctx, `SELECT 1 FROM projects WHERE id = ?`, projectID)
}

// PropertiesOfProject returns all property ids under a project, including
// tombstoned ones when includeTombstones is set.
func (db *DB) PropertiesOfProject(ctx context.Context, projectID string, includeTombstones bool) ([]string, error) {
	query := `SELECT id FROM properties WHERE project_id = ?`
	if !includeTombstones {
		query += " AND deleted = 0"
	}
	return db.idList(ctx, query, projectID)
}

// RecordsOfProperty returns all record ids under a property.
func (db *DB) RecordsOfProperty(ctx context.Context, propertyID string, includeTombstones bool) ([]string, error) {
	query := `SELECT id FROM records WHERE property_id = ?`
	if !includeTombstones {
		query += " AND deleted = 0"
	}
	return db.idList(ctx, query, propertyID)
}

// AddProjectMember grants direct project membership. Seed/test helper for
// the membership data the CRUD surface normally manages.
func (db *DB) AddProjectMember(ctx context.Context, projectID, userID string) error {
	return db.addMember(ctx, "project_members", "project_id", projectID, userID)
}

// AddPropertyMember grants direct property membership.
func (db *DB) AddPropertyMember(ctx context.Context, propertyID, userID string) error {
	return db.addMember(ctx, "property_members", "property_id", propertyID, userID)
}

// AddRecordMember grants direct record membership.
func (db *DB) AddRecordMember(ctx context.Context, recordID, userID string) error {
	return db.addMember(ctx, "record_members", "record_id", recordID, userID)
}

func (db *DB) addMember(ctx context.Context, table, idCol, id, userID string) error {
	query := fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s, user_id) VALUES (?, ?)`, table, idCol)
	if _, err := db.conn.ExecContext(ctx, query, id, userID); err != nil {
		return fmt.Errorf("failed to add member to %s: %w", table, err)
	}
	return nil
}

func (db *DB) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("membership query failed: %w", err)
	}
	return true, nil
}

func (db *DB) idList(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("id query failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ids: %w", err)
	}
	return ids, nil
}
