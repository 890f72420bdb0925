package migration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.db")
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sqlx.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testSchema() catalog.Schema {
	return catalog.Schema{
		ID:   "sc1",
		Name: "LTPanel",
		Fields: []catalog.Field{
			{Key: "r_current", DType: catalog.DTypeFloat},
			{Key: "voltage", DType: catalog.DTypeFloat},
		},
	}
}

// TestScenarioS1CreateThenNoop mirrors spec.md's S1: first apply emits a
// CREATE TABLE + CREATE INDEX; the second apply against the same table is a
// no-op.
func TestScenarioS1CreateThenNoop(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	p := NewPlanner()

	table := catalog.DeviceTable{ID: "t1", LogicalName: "Transformer_1", ParentSchemaID: "sc1"}
	schema := testSchema()

	ops, err := p.Apply(ctx, db, catalog.ProviderSQLite, table, schema)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected CREATE TABLE + CREATE INDEX, got %d ops: %+v", len(ops), ops)
	}

	again, err := p.Plan(ctx, db, catalog.ProviderSQLite, table, schema)
	if err != nil {
		t.Fatalf("Plan (second): %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no-op on re-plan, got %+v", again)
	}
}

func TestPlanAddsMissingColumn(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	p := NewPlanner()

	table := catalog.DeviceTable{ID: "t1", LogicalName: "Transformer_1", ParentSchemaID: "sc1"}
	baseSchema := catalog.Schema{ID: "sc1", Name: "LTPanel", Fields: []catalog.Field{{Key: "r_current", DType: catalog.DTypeFloat}}}

	if _, err := p.Apply(ctx, db, catalog.ProviderSQLite, table, baseSchema); err != nil {
		t.Fatalf("Apply (base): %v", err)
	}

	widerSchema := testSchema()
	ops, err := p.Plan(ctx, db, catalog.ProviderSQLite, table, widerSchema)
	if err != nil {
		t.Fatalf("Plan (wider): %v", err)
	}
	found := false
	for _, op := range ops {
		if op.SQL == "ALTER TABLE neuract__Transformer_1 ADD COLUMN voltage REAL" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ADD COLUMN voltage among ops, got %+v", ops)
	}
}

func TestListPhysicalSurfacesSyntheticIDs(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	p := NewPlanner()

	table := catalog.DeviceTable{ID: "t1", LogicalName: "Transformer_1", ParentSchemaID: "sc1"}
	if _, err := p.Apply(ctx, db, catalog.ProviderSQLite, table, testSchema()); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// A physically-present table with no catalog entry.
	if _, err := db.ExecContext(ctx, "CREATE TABLE neuract__Orphan_1 (timestamp_utc DATETIME)"); err != nil {
		t.Fatalf("create orphan table: %v", err)
	}

	_, synthetic, err := p.ListPhysical(ctx, db, catalog.ProviderSQLite, []catalog.DeviceTable{table})
	if err != nil {
		t.Fatalf("ListPhysical: %v", err)
	}
	if len(synthetic) != 1 || synthetic[0] != "phy_Orphan_1" {
		t.Fatalf("expected phy_Orphan_1 synthetic id, got %+v", synthetic)
	}
}

func TestPrefixInspectorNamespace(t *testing.T) {
	insp, err := NewInspector(catalog.ProviderSQLite)
	if err != nil {
		t.Fatalf("NewInspector: %v", err)
	}
	if got := insp.Qualify("Transformer_1"); got != "neuract__Transformer_1" {
		t.Fatalf("Qualify() = %q, want neuract__Transformer_1", got)
	}
}
