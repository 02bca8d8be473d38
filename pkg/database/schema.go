package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks the live database against the content schema
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"content_items":     "Content metadata",
		"content_units":     "Content verses and lines",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies column names and declared types
// TECHNICAL DISCOVERY: declared types must match the Scan targets in the
// content store
func (v *SchemaValidator) ValidateTableStructure() error {
	itemColumns := map[string]string{
		"content_type": "TEXT",
		"content_id":   "TEXT",
		"title":        "TEXT",
		"arabic_title": "TEXT",
		"total_units":  "INTEGER",
		"position":     "INTEGER",
		"imported_at":  "DATETIME",
	}
	if err := v.validateColumns("content_items", itemColumns); err != nil {
		return fmt.Errorf("content_items table structure invalid: %w", err)
	}

	unitColumns := map[string]string{
		"content_type":    "TEXT",
		"content_id":      "TEXT",
		"unit_index":      "INTEGER",
		"arabic":          "TEXT",
		"transliteration": "TEXT",
		"translation":     "TEXT",
	}
	if err := v.validateColumns("content_units", unitColumns); err != nil {
		return fmt.Errorf("content_units table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies the lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_content_items_type_position": "Ordered metadata listing",
		"idx_content_units_item":          "Body retrieval",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints exercises the check and foreign key constraints. Test
// rows are written inside a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO content_units (content_type, content_id, unit_index)
		VALUES ('dua', '__missing__', 1)
	`); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: content_units -> content_items")
	}

	if _, err := tx.Exec(`
		INSERT INTO content_items (content_type, content_id, title)
		VALUES ('poetry', '__check__', 'check')
	`); err == nil {
		return fmt.Errorf("check constraint not enforced: content_type")
	}

	return nil
}

func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	return v.objectExists("table", tableName)
}

func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	return v.objectExists("index", indexName)
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue any
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}
	return nil
}
