// Package migration implements the Migration Planner (C4): reconciling a
// logical Device Table against the physical schema of its bound DB Target,
// under strict namespace discipline (spec.md §4.4).
package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
)

// Namespace is the reserved area in which every row table and the
// device_mappings meta-table live.
const Namespace = "neuract"

// metaTableNames are always excluded from discovery reconciliation.
var metaTableNames = map[string]bool{
	"device_mappings": true,
	"mapping_history": true,
}

// isMetaTable reports whether logicalName (with any namespace prefix
// stripped) names a reserved meta-table (spec.md §4.4: "meta_*", "system_*"
// and the two named meta-tables are always excluded from discovery").
func isMetaTable(logicalName string) bool {
	if metaTableNames[logicalName] {
		return true
	}
	return strings.HasPrefix(logicalName, "meta_") || strings.HasPrefix(logicalName, "system_")
}

// Inspector abstracts the dialect-specific mechanics of namespace creation
// and schema introspection behind one interface, so Planner's plan/apply
// logic is written once (spec.md §8 "Runtime introspection of SQL schemas
// → explicit capability").
type Inspector interface {
	// EnsureNamespace idempotently creates the reserved namespace.
	EnsureNamespace(ctx context.Context, db *sqlx.DB) error
	// HasTable reports whether the physical table backing logicalName
	// exists in the namespace.
	HasTable(ctx context.Context, db *sqlx.DB, logicalName string) (bool, error)
	// ColumnsOf returns the set of column names physically present on the
	// table backing logicalName. Caller decides what's "missing".
	ColumnsOf(ctx context.Context, db *sqlx.DB, logicalName string) (map[string]bool, error)
	// HasIndex reports whether the timestamp index named by IndexName
	// already exists on the table backing logicalName.
	HasIndex(ctx context.Context, db *sqlx.DB, logicalName string) (bool, error)
	// ListTables lists every physical table name (unqualified, namespace
	// already stripped) in the reserved namespace, excluding meta-tables.
	ListTables(ctx context.Context, db *sqlx.DB) ([]string, error)
	// Qualify returns the fully-qualified, dialect-correct table
	// reference for logicalName (e.g. "neuract.Transformer_1" or
	// "neuract__Transformer_1").
	Qualify(logicalName string) string
	// IndexName returns the deterministic name of the timestamp index for
	// logicalName.
	IndexName(logicalName string) string
}

// NewInspector returns the Inspector appropriate for provider.
func NewInspector(provider catalog.Provider) (Inspector, error) {
	switch provider {
	case catalog.ProviderPostgres:
		return &schemaInspector{quote: `"`}, nil
	case catalog.ProviderSQLServer:
		return &schemaInspector{quote: `]`, quoteOpen: `[`}, nil
	case catalog.ProviderSQLite, catalog.ProviderMySQL:
		return &prefixInspector{}, nil
	default:
		return nil, fmt.Errorf("migration: unsupported provider %q", provider)
	}
}

// schemaInspector backs engines with native schema support (postgres,
// sqlserver): the namespace is a real SQL schema, tables are
// "neuract"."<logical>".
type schemaInspector struct {
	quoteOpen string
	quote     string
}

func (s *schemaInspector) openQuote() string {
	if s.quoteOpen != "" {
		return s.quoteOpen
	}
	return s.quote
}

func (s *schemaInspector) Qualify(logicalName string) string {
	oq, cq := s.openQuote(), s.quote
	return fmt.Sprintf("%s%s%s.%s%s%s", oq, Namespace, cq, oq, logicalName, cq)
}

func (s *schemaInspector) IndexName(logicalName string) string {
	return fmt.Sprintf("idx_%s_%s_ts", Namespace, logicalName)
}

func (s *schemaInspector) EnsureNamespace(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", Namespace))
	return err
}

func (s *schemaInspector) HasTable(ctx context.Context, db *sqlx.DB, logicalName string) (bool, error) {
	var count int
	err := db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2`,
		Namespace, logicalName)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *schemaInspector) ColumnsOf(ctx context.Context, db *sqlx.DB, logicalName string) (map[string]bool, error) {
	var names []string
	err := db.SelectContext(ctx, &names,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2`,
		Namespace, logicalName)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[strings.ToLower(n)] = true
	}
	return out, nil
}

func (s *schemaInspector) HasIndex(ctx context.Context, db *sqlx.DB, logicalName string) (bool, error) {
	indexName := s.IndexName(logicalName)
	var count int
	if db.DriverName() == "sqlserver" {
		err := db.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM sys.indexes i JOIN sys.tables t ON i.object_id = t.object_id
			 JOIN sys.schemas sc ON t.schema_id = sc.schema_id
			 WHERE sc.name = @p1 AND t.name = @p2 AND i.name = @p3`,
			Namespace, logicalName, indexName)
		return count > 0, err
	}
	err := db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM pg_indexes WHERE schemaname = $1 AND tablename = $2 AND indexname = $3`,
		Namespace, logicalName, indexName)
	return count > 0, err
}

func (s *schemaInspector) ListTables(ctx context.Context, db *sqlx.DB) ([]string, error) {
	var names []string
	err := db.SelectContext(ctx, &names,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = $1`, Namespace)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !isMetaTable(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// prefixInspector backs engines with no native schema concept (sqlite,
// mysql): the namespace is a literal "neuract__" table-name prefix.
type prefixInspector struct{}

func (p *prefixInspector) prefixed(logicalName string) string {
	return Namespace + "__" + logicalName
}

func (p *prefixInspector) Qualify(logicalName string) string {
	return p.prefixed(logicalName)
}

func (p *prefixInspector) IndexName(logicalName string) string {
	return fmt.Sprintf("idx_%s_ts", p.prefixed(logicalName))
}

func (p *prefixInspector) EnsureNamespace(ctx context.Context, db *sqlx.DB) error {
	return nil // the prefix itself is the namespace; nothing to create
}

func (p *prefixInspector) HasTable(ctx context.Context, db *sqlx.DB, logicalName string) (bool, error) {
	driver := db.DriverName()
	table := p.prefixed(logicalName)
	if driver == "mysql" {
		var count int
		err := db.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?`, table)
		return count > 0, err
	}
	var name string
	err := db.GetContext(ctx, &name, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *prefixInspector) ColumnsOf(ctx context.Context, db *sqlx.DB, logicalName string) (map[string]bool, error) {
	table := p.prefixed(logicalName)
	out := make(map[string]bool)
	if db.DriverName() == "mysql" {
		var names []string
		err := db.SelectContext(ctx, &names,
			`SELECT column_name FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ?`, table)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			out[strings.ToLower(n)] = true
		}
		return out, nil
	}

	rows, err := db.QueryxContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		cols, err := rows.SliceScan()
		if err != nil {
			return nil, err
		}
		// PRAGMA table_info: cid, name, type, notnull, dflt_value, pk
		if name, ok := cols[1].(string); ok {
			out[strings.ToLower(name)] = true
		}
	}
	return out, rows.Err()
}

func (p *prefixInspector) HasIndex(ctx context.Context, db *sqlx.DB, logicalName string) (bool, error) {
	indexName := p.IndexName(logicalName)
	if db.DriverName() == "mysql" {
		table := p.prefixed(logicalName)
		var count int
		err := db.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM information_schema.statistics WHERE table_schema = DATABASE() AND table_name = ? AND index_name = ?`,
			table, indexName)
		return count > 0, err
	}
	var name string
	err := db.GetContext(ctx, &name, `SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?`, indexName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *prefixInspector) ListTables(ctx context.Context, db *sqlx.DB) ([]string, error) {
	prefix := Namespace + "__"
	var raw []string
	if db.DriverName() == "mysql" {
		if err := db.SelectContext(ctx, &raw,
			`SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name LIKE ?`,
			prefix+"%"); err != nil {
			return nil, err
		}
	} else {
		if err := db.SelectContext(ctx, &raw,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ?`, prefix+"%"); err != nil {
			return nil, err
		}
	}
	out := make([]string, 0, len(raw))
	for _, n := range raw {
		logical := strings.TrimPrefix(n, prefix)
		if !isMetaTable(logical) {
			out = append(out, logical)
		}
	}
	return out, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
