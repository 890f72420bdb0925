package migration

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
	agenterrors "github.com/RohithBalasubramani/plc-logger/infrastructure/errors"
)

// Operation is one planned, idempotent DDL statement.
type Operation struct {
	SQL string `json:"sql"`
}

// columnAffinity maps a schema field's declared type to the SQL column
// type used across every supported dialect (spec.md §4.4).
func columnAffinity(dt catalog.DType) string {
	switch dt {
	case catalog.DTypeFloat:
		return "REAL"
	case catalog.DTypeInt:
		return "INTEGER"
	case catalog.DTypeBool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// Planner computes and applies DDL diffs between a logical Device Table and
// its bound DB Target's physical schema (C4).
type Planner struct {
	inspectorFor func(catalog.Provider) (Inspector, error)
}

// NewPlanner constructs a Planner using the package's built-in Inspector
// selection.
func NewPlanner() *Planner {
	return &Planner{inspectorFor: NewInspector}
}

// Plan computes the operations needed to bring table's physical schema in
// line with schema's fields, without executing anything (spec.md §4.4
// plan()).
func (p *Planner) Plan(ctx context.Context, db *sqlx.DB, provider catalog.Provider, table catalog.DeviceTable, schema catalog.Schema) ([]Operation, error) {
	insp, err := p.inspectorFor(provider)
	if err != nil {
		return nil, err
	}

	var ops []Operation

	exists, err := insp.HasTable(ctx, db, table.LogicalName)
	if err != nil {
		return nil, fmt.Errorf("migration: HasTable(%s): %w", table.LogicalName, err)
	}

	qualified := insp.Qualify(table.LogicalName)

	if !exists {
		var cols []string
		cols = append(cols, "timestamp_utc DATETIME NOT NULL")
		for _, f := range schema.Fields {
			cols = append(cols, fmt.Sprintf("%s %s", f.Key, columnAffinity(f.DType)))
		}
		ops = append(ops, Operation{SQL: fmt.Sprintf("CREATE TABLE %s (%s)", qualified, strings.Join(cols, ", "))})
	} else {
		existingCols, err := insp.ColumnsOf(ctx, db, table.LogicalName)
		if err != nil {
			return nil, fmt.Errorf("migration: ColumnsOf(%s): %w", table.LogicalName, err)
		}
		if !existingCols["timestamp_utc"] {
			ops = append(ops, Operation{SQL: fmt.Sprintf("ALTER TABLE %s ADD COLUMN timestamp_utc DATETIME", qualified)})
		}
		for _, f := range schema.Fields {
			if !existingCols[strings.ToLower(f.Key)] {
				ops = append(ops, Operation{SQL: fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", qualified, f.Key, columnAffinity(f.DType))})
			}
		}
	}

	if exists {
		hasIndex, err := insp.HasIndex(ctx, db, table.LogicalName)
		if err != nil {
			return nil, fmt.Errorf("migration: HasIndex(%s): %w", table.LogicalName, err)
		}
		if !hasIndex {
			ops = append(ops, Operation{SQL: fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(timestamp_utc)", insp.IndexName(table.LogicalName), qualified)})
		}
	} else {
		ops = append(ops, Operation{SQL: fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(timestamp_utc)", insp.IndexName(table.LogicalName), qualified)})
	}

	return ops, nil
}

// Apply runs ops against db inside a single transaction: all-or-nothing per
// table (spec.md §4.4 apply()). Per-column ADD COLUMN failures are
// aggregated into a multierror purely for reporting before the transaction
// is rolled back as a whole.
func (p *Planner) Apply(ctx context.Context, db *sqlx.DB, provider catalog.Provider, table catalog.DeviceTable, schema catalog.Schema) ([]Operation, error) {
	insp, err := p.inspectorFor(provider)
	if err != nil {
		return nil, err
	}
	if err := insp.EnsureNamespace(ctx, db); err != nil {
		return nil, agenterrors.Wrap(agenterrors.CodeDBTargetUnreachable, "failed to ensure namespace", 502, err)
	}

	ops, err := p.Plan(ctx, db, provider, table, schema)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return ops, nil
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.CodeDBTargetUnreachable, "failed to begin migration transaction", 502, err)
	}

	var merr *multierror.Error
	for _, op := range ops {
		if _, execErr := tx.ExecContext(ctx, op.SQL); execErr != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", op.SQL, execErr))
		}
	}

	if merr.ErrorOrNil() != nil {
		tx.Rollback()
		return nil, agenterrors.Wrap(agenterrors.CodeDBTargetUnreachable, "migration failed", 502, merr.ErrorOrNil())
	}

	if err := tx.Commit(); err != nil {
		return nil, agenterrors.Wrap(agenterrors.CodeDBTargetUnreachable, "failed to commit migration", 502, err)
	}

	return ops, nil
}

// ListPhysical reconciles Catalog device tables with tables physically
// present in the target's namespace (spec.md §4.4 discovery
// reconciliation): catalog entries marked migrated but physically absent
// are omitted; physically present tables with no catalog entry are
// returned as synthetic "phy_<logical>" ids.
func (p *Planner) ListPhysical(ctx context.Context, db *sqlx.DB, provider catalog.Provider, catalogTables []catalog.DeviceTable) (present map[string]bool, synthetic []string, err error) {
	insp, err := p.inspectorFor(provider)
	if err != nil {
		return nil, nil, err
	}

	physical, err := insp.ListTables(ctx, db)
	if err != nil {
		return nil, nil, fmt.Errorf("migration: ListTables: %w", err)
	}

	physicalSet := make(map[string]bool, len(physical))
	for _, name := range physical {
		physicalSet[name] = true
	}

	knownLogical := make(map[string]bool, len(catalogTables))
	for _, t := range catalogTables {
		knownLogical[t.LogicalName] = true
	}

	for _, name := range physical {
		if !knownLogical[name] {
			synthetic = append(synthetic, "phy_"+name)
		}
	}

	return physicalSet, synthetic, nil
}
