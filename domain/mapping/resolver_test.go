package mapping

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
)

type fakeEngine struct {
	db *sqlx.DB
}

func (f *fakeEngine) Engine(ctx context.Context, targetID string) (*sqlx.DB, error) {
	return f.db, nil
}

func newTestResolver(t *testing.T) (*Resolver, catalog.Store, string, string) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := catalog.OpenSQLiteStore(ctx, filepath.Join(dir, "app.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sc, err := store.CreateSchema(ctx, "LTPanel", []catalog.Field{
		{Key: "r_current", DType: catalog.DTypeFloat},
		{Key: "voltage", DType: catalog.DTypeFloat},
	})
	if err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}

	targetPath := filepath.Join(dir, "target.db")
	tgt, _, err := store.CreateTarget(ctx, catalog.ProviderSQLite, targetPath)
	if err != nil {
		t.Fatalf("CreateTarget: %v", err)
	}

	tables, _, err := store.AddTablesBulk(ctx, sc.ID, []string{"Transformer_1"}, &tgt.ID)
	if err != nil {
		t.Fatalf("AddTablesBulk: %v", err)
	}

	targetDB, err := sqlx.Open("sqlite", targetPath)
	if err != nil {
		t.Fatalf("sqlx.Open target: %v", err)
	}
	t.Cleanup(func() { targetDB.Close() })

	resolver := NewResolver(store, &fakeEngine{db: targetDB}, nil)
	return resolver, store, tgt.ID, tables[0].ID
}

func TestUpsertThenHydrateRoundTrips(t *testing.T) {
	ctx := context.Background()
	resolver, _, targetID, tableID := newTestResolver(t)

	row := catalog.MappingRow{FieldKey: "r_current", Protocol: catalog.ProtocolOPCUA, Address: "ns=2;s=Device1.Current"}
	if err := resolver.Upsert(ctx, targetID, tableID, "Transformer_1", row); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rows, err := resolver.Hydrate(ctx, targetID, tableID, "Transformer_1")
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if len(rows) != 1 || rows[0].FieldKey != "r_current" {
		t.Fatalf("unexpected hydrated rows: %+v", rows)
	}
}

func TestReplaceIsDeleteThenInsert(t *testing.T) {
	ctx := context.Background()
	resolver, _, targetID, tableID := newTestResolver(t)

	initial := []catalog.MappingRow{
		{FieldKey: "r_current", Protocol: catalog.ProtocolOPCUA, Address: "ns=2;s=Tag1"},
	}
	if err := resolver.Replace(ctx, targetID, tableID, "Transformer_1", initial); err != nil {
		t.Fatalf("Replace (initial): %v", err)
	}

	replacement := []catalog.MappingRow{
		{FieldKey: "voltage", Protocol: catalog.ProtocolOPCUA, Address: "ns=2;s=Tag2"},
	}
	if err := resolver.Replace(ctx, targetID, tableID, "Transformer_1", replacement); err != nil {
		t.Fatalf("Replace (replacement): %v", err)
	}

	rows := resolver.Rows(tableID)
	if len(rows) != 1 || rows[0].FieldKey != "voltage" {
		t.Fatalf("expected replacement to fully supersede initial rows, got %+v", rows)
	}
}

func TestValidateReportsIncompleteMapping(t *testing.T) {
	ctx := context.Background()
	resolver, store, targetID, tableID := newTestResolver(t)

	if err := resolver.Upsert(ctx, targetID, tableID, "Transformer_1",
		catalog.MappingRow{FieldKey: "r_current", Protocol: catalog.ProtocolOPCUA, Address: "ns=2;s=Tag1"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	result, err := resolver.Validate(ctx, tableID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	foundIncomplete := false
	foundNotBound := false
	for _, p := range result.Problems {
		if p == ProblemMappingIncomplete {
			foundIncomplete = true
		}
		if p == ProblemDeviceNotBound {
			foundNotBound = true
		}
	}
	if !foundIncomplete {
		t.Fatalf("expected MAPPING_INCOMPLETE for missing voltage, got %+v", result.Problems)
	}
	if !foundNotBound {
		t.Fatalf("expected DEVICE_NOT_BOUND (table has no device), got %+v", result.Problems)
	}

	d, _, err := store.CreateDevice(ctx, catalog.Device{Name: "PLC-1", Protocol: catalog.ProtocolOPCUA, Params: map[string]string{}})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if err := store.BindTableDevice(ctx, tableID, &d.ID); err != nil {
		t.Fatalf("BindTableDevice: %v", err)
	}

	result2, err := resolver.Validate(ctx, tableID)
	if err != nil {
		t.Fatalf("Validate (bound): %v", err)
	}
	for _, p := range result2.Problems {
		if p == ProblemDeviceNotBound {
			t.Fatalf("expected no DEVICE_NOT_BOUND once bound, got %+v", result2.Problems)
		}
	}
}

func TestCopyDuplicatesRowsToNewTable(t *testing.T) {
	ctx := context.Background()
	resolver, store, targetID, tableID := newTestResolver(t)

	if err := resolver.Upsert(ctx, targetID, tableID, "Transformer_1",
		catalog.MappingRow{FieldKey: "r_current", Protocol: catalog.ProtocolOPCUA, Address: "ns=2;s=Tag1"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	sc, err := store.GetSchema(ctx, (func() catalog.DeviceTable {
		tbl, _ := store.GetTable(ctx, tableID)
		return tbl
	})().ParentSchemaID)
	if err != nil {
		t.Fatalf("GetSchema: %v", err)
	}
	tables, _, err := store.AddTablesBulk(ctx, sc.ID, []string{"Transformer_2"}, &targetID)
	if err != nil {
		t.Fatalf("AddTablesBulk: %v", err)
	}

	if err := resolver.Copy(ctx, targetID, "Transformer_1", tables[0].ID, "Transformer_2"); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	rows := resolver.Rows(tables[0].ID)
	if len(rows) != 1 || rows[0].FieldKey != "r_current" || rows[0].TableID != "Transformer_2" {
		t.Fatalf("unexpected copied rows: %+v", rows)
	}
}
