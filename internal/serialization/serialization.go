// Package serialization moves catalog contents between a SQLite metadata
// database and a portable JSON document. The document is the exchange
// format of the bleepstore-meta tool: back up a catalog, move it between
// deployments, or diff two of them.
package serialization

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// FormatVersion is the version stamped into (and accepted from) the
	// bleepstore_export envelope.
	FormatVersion = 1

	// toolVersion identifies this producer in the envelope's source field.
	toolVersion = "1.0.0"

	// redactedSecret replaces secret keys unless the caller opts in.
	redactedSecret = "REDACTED"
)

// tableSpec names a catalog table, its columns in export order, and the
// ordering that makes exports deterministic.
type tableSpec struct {
	name    string
	columns []string
	orderBy string
}

// tableSpecs is the full catalog in foreign-key insert order. Deletions
// run in reverse.
var tableSpecs = []tableSpec{
	{
		name:    "buckets",
		columns: []string{"name", "region", "owner_id", "owner_display", "acl", "created_at"},
		orderBy: "name",
	},
	{
		name: "objects",
		columns: []string{
			"bucket", "key", "size", "etag", "content_type", "content_encoding",
			"content_language", "content_disposition", "cache_control", "expires",
			"storage_class", "acl", "user_metadata", "last_modified",
		},
		orderBy: "bucket, key",
	},
	{
		name: "uploads",
		columns: []string{
			"upload_id", "bucket", "key", "content_type", "content_encoding",
			"content_language", "content_disposition", "cache_control", "expires",
			"storage_class", "acl", "user_metadata", "owner_id", "owner_display",
			"initiated_at",
		},
		orderBy: "upload_id",
	},
	{
		name:    "parts",
		columns: []string{"upload_id", "part_number", "size", "etag", "last_modified"},
		orderBy: "upload_id, part_number",
	},
	{
		name:    "credentials",
		columns: []string{"access_key_id", "secret_key", "owner_id", "display_name", "active", "created_at"},
		orderBy: "access_key_id",
	},
}

// AllTables lists every exportable table in insert order.
func AllTables() []string {
	names := make([]string, len(tableSpecs))
	for i, spec := range tableSpecs {
		names[i] = spec.name
	}
	return names
}

func specFor(name string) (tableSpec, bool) {
	for _, spec := range tableSpecs {
		if spec.name == name {
			return spec, true
		}
	}
	return tableSpec{}, false
}

// jsonColumns hold JSON text in SQLite and expand to objects in the
// document. boolColumns hold integer booleans.
var jsonColumns = map[string]bool{"acl": true, "user_metadata": true}
var boolColumns = map[string]bool{"active": true}

// ExportOptions selects what Export writes. An empty Tables list means
// every table; secret keys are redacted unless IncludeCredentials is set.
type ExportOptions struct {
	Tables             []string
	IncludeCredentials bool
}

// ImportOptions controls how Import applies rows. Merge mode (the
// default) keeps existing rows on key conflicts; Replace clears each
// table present in the document first.
type ImportOptions struct {
	Replace bool
}

// Result reports what an import did, per table.
type Result struct {
	Inserted map[string]int
	Skipped  map[string]int
	Warnings []string
}

// Export reads the catalog at dbPath and renders it as an indented JSON
// document with deterministic ordering: tables sorted by key, object
// keys sorted by encoding/json.
func Export(dbPath string, opts ExportOptions) ([]byte, error) {
	tables := opts.Tables
	if len(tables) == 0 {
		tables = AllTables()
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	defer db.Close()

	doc := map[string]any{
		"bleepstore_export": map[string]any{
			"version":        FormatVersion,
			"exported_at":    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			"schema_version": schemaVersion(db),
			"source":         "bleepstore/" + toolVersion,
		},
	}

	for _, table := range tables {
		spec, ok := specFor(table)
		if !ok {
			return nil, fmt.Errorf("unknown table %q", table)
		}
		rows, err := exportTable(db, spec, opts.IncludeCredentials)
		if err != nil {
			return nil, err
		}
		doc[spec.name] = rows
	}

	return json.MarshalIndent(doc, "", "  ")
}

func exportTable(db *sql.DB, spec tableSpec, includeCredentials bool) ([]map[string]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(quoteColumns(spec.columns), ", "), spec.name, spec.orderBy)
	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", spec.name, err)
	}
	defer rows.Close()

	out := make([]map[string]any, 0)
	values := make([]any, len(spec.columns))
	ptrs := make([]any, len(spec.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", spec.name, err)
		}
		row := make(map[string]any, len(spec.columns))
		for i, col := range spec.columns {
			row[col] = decodeColumn(col, values[i])
		}
		if spec.name == "credentials" && !includeCredentials {
			row["secret_key"] = redactedSecret
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// quoteColumns wraps each name in double quotes so reserved words like
// "key" survive.
func quoteColumns(columns []string) []string {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = `"` + col + `"`
	}
	return quoted
}

// Import applies a previously exported document to the catalog at
// dbPath. The whole import is one transaction; a malformed document or
// version mismatch changes nothing. Individual bad rows are skipped with
// a warning rather than aborting the run.
func Import(dbPath string, doc []byte, opts ImportOptions) (*Result, error) {
	var data map[string]json.RawMessage
	if err := json.Unmarshal(doc, &data); err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	if err := checkEnvelope(data["bleepstore_export"]); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	defer db.Close()
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if opts.Replace {
		for i := len(tableSpecs) - 1; i >= 0; i-- {
			name := tableSpecs[i].name
			if _, ok := data[name]; !ok {
				continue
			}
			if _, err := tx.Exec("DELETE FROM " + name); err != nil {
				return nil, fmt.Errorf("clearing %s: %w", name, err)
			}
		}
	}

	result := &Result{
		Inserted: make(map[string]int),
		Skipped:  make(map[string]int),
	}
	for _, spec := range tableSpecs {
		raw, ok := data[spec.name]
		if !ok {
			continue
		}
		var tableRows []map[string]any
		if err := json.Unmarshal(raw, &tableRows); err != nil {
			return nil, fmt.Errorf("parsing %s rows: %w", spec.name, err)
		}
		importTable(tx, spec, tableRows, opts.Replace, result)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing import: %w", err)
	}
	return result, nil
}

func checkEnvelope(raw json.RawMessage) error {
	if raw == nil {
		return fmt.Errorf("missing bleepstore_export envelope")
	}
	var envelope struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("parsing envelope: %w", err)
	}
	if envelope.Version < 1 || envelope.Version > FormatVersion {
		return fmt.Errorf("unsupported export version %d", envelope.Version)
	}
	return nil
}

func importTable(tx *sql.Tx, spec tableSpec, tableRows []map[string]any, replace bool, result *Result) {
	verb := "INSERT OR IGNORE"
	if replace {
		verb = "INSERT"
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(spec.columns)), ", ")
	query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		verb, spec.name, strings.Join(quoteColumns(spec.columns), ", "), placeholders)

	for _, row := range tableRows {
		if spec.name == "credentials" {
			if secret, _ := row["secret_key"].(string); secret == redactedSecret {
				result.Skipped[spec.name]++
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("credential %v: secret key is redacted, not imported", row["access_key_id"]))
				continue
			}
		}

		values := make([]any, len(spec.columns))
		for i, col := range spec.columns {
			values[i] = encodeColumn(col, row[col])
		}
		res, err := tx.Exec(query, values...)
		if err != nil {
			result.Skipped[spec.name]++
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s row not imported: %v", spec.name, err))
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.Inserted[spec.name]++
		} else {
			result.Skipped[spec.name]++
		}
	}
}

// decodeColumn turns a scanned SQLite value into its document form: JSON
// text expands to a value, integer booleans become booleans, []byte
// becomes string.
func decodeColumn(col string, v any) any {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch {
	case jsonColumns[col]:
		s, ok := v.(string)
		if !ok {
			return map[string]any{}
		}
		var expanded any
		if err := json.Unmarshal([]byte(s), &expanded); err != nil {
			return map[string]any{}
		}
		return expanded
	case boolColumns[col]:
		switch n := v.(type) {
		case int64:
			return n != 0
		case float64:
			return n != 0
		case bool:
			return n
		}
		return false
	}
	return v
}

// encodeColumn is the inverse of decodeColumn for import: document
// values collapse back to what the schema stores.
func encodeColumn(col string, v any) any {
	if v == nil {
		return nil
	}
	switch {
	case jsonColumns[col]:
		b, err := json.Marshal(v)
		if err != nil {
			return "{}"
		}
		return string(b)
	case boolColumns[col]:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1)
			}
			return int64(0)
		}
	}
	return v
}

// schemaVersion reads the migration level, defaulting to 1 for databases
// created before the version table existed.
func schemaVersion(db *sql.DB) int {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		return 1
	}
	return version
}
