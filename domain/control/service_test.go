package control

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
	"github.com/RohithBalasubramani/plc-logger/domain/device"
	"github.com/RohithBalasubramani/plc-logger/domain/engine"
	"github.com/RohithBalasubramani/plc-logger/domain/job"
	"github.com/RohithBalasubramani/plc-logger/domain/mapping"
	"github.com/RohithBalasubramani/plc-logger/domain/migration"
	"github.com/RohithBalasubramani/plc-logger/domain/target"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/metrics"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/runtime"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/secrets"
)

func newTestService(t *testing.T) (*Service, catalog.Store) {
	t.Helper()
	ctx := context.Background()

	store, err := catalog.OpenSQLiteStore(ctx, filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry, err := target.New(store, 4)
	if err != nil {
		t.Fatalf("target.New: %v", err)
	}
	t.Cleanup(func() { registry.Close() })

	planner := migration.NewPlanner()
	resolver := mapping.NewResolver(store, registry, nil)
	supervisor := device.NewSupervisor(store, nil)
	reg := metrics.NewRegistry(nil)
	mgr := engine.NewManager(store, registry, resolver, supervisor, reg, nil)

	box := secrets.New(runtime.ScopeUser, []byte("test-master-secret"))
	svc := NewService(store, registry, planner, resolver, supervisor, mgr, reg, nil, box, "secret-token", 9090)
	return svc, store
}

func TestHandshakeRequiresNoToken(t *testing.T) {
	svc, _ := newTestService(t)
	res := svc.Handshake()
	if !res.Success {
		t.Fatalf("expected handshake to succeed, got %+v", res)
	}
}

func TestVerbsRejectMissingOrWrongToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res := svc.ListSchemas(ctx, "")
	if res.Success || res.Code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED for empty token, got %+v", res)
	}

	res = svc.ListSchemas(ctx, "wrong-token")
	if res.Success || res.Code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED for wrong token, got %+v", res)
	}

	res = svc.ListSchemas(ctx, "secret-token")
	if !res.Success {
		t.Fatalf("expected success with correct token, got %+v", res)
	}
}

func TestMigrateReportsPerTableWithoutAbortingSiblings(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	tgt, _, err := store.CreateTarget(ctx, catalog.ProviderSQLite, filepath.Join(t.TempDir(), "target.db"))
	if err != nil {
		t.Fatalf("CreateTarget: %v", err)
	}

	schema, err := store.CreateSchema(ctx, "LTPanel", []catalog.Field{
		{Key: "r_current", DType: catalog.DTypeFloat},
	})
	if err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}

	good, _, err := store.AddTablesBulk(ctx, schema.ID, []string{"Good"}, &tgt.ID)
	if err != nil {
		t.Fatalf("AddTablesBulk good: %v", err)
	}
	orphan, _, err := store.AddTablesBulk(ctx, schema.ID, []string{"Orphan"}, nil)
	if err != nil {
		t.Fatalf("AddTablesBulk orphan: %v", err)
	}

	res := svc.Migrate(ctx, "secret-token", []string{good[0].ID, orphan[0].ID})
	if !res.Success {
		t.Fatalf("expected Migrate envelope to succeed, got %+v", res)
	}
	perTable, ok := res.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected per-table map, got %T", res.Data)
	}
	if r, ok := perTable[good[0].ID].(Result); !ok || !r.Success {
		t.Fatalf("expected good table to migrate, got %+v", perTable[good[0].ID])
	}
	if r, ok := perTable[orphan[0].ID].(Result); !ok || r.Success {
		t.Fatalf("expected unbound table to fail migration, got %+v", perTable[orphan[0].ID])
	}
}

func TestJobLifecycleCreateStartPauseDelete(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	tgt, _, err := store.CreateTarget(ctx, catalog.ProviderSQLite, filepath.Join(t.TempDir(), "target.db"))
	if err != nil {
		t.Fatalf("CreateTarget: %v", err)
	}
	schema, err := store.CreateSchema(ctx, "LTPanel", []catalog.Field{
		{Key: "r_current", DType: catalog.DTypeFloat},
	})
	if err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	tables, _, err := store.AddTablesBulk(ctx, schema.ID, []string{"Transformer_1"}, &tgt.ID)
	if err != nil {
		t.Fatalf("AddTablesBulk: %v", err)
	}
	table := tables[0]

	res := svc.UpsertMapping(ctx, "secret-token", tgt.ID, table.ID, table.LogicalName, catalog.MappingRow{
		FieldKey: "r_current",
		Protocol: catalog.ProtocolModbus,
		Address:  "100",
		DataType: "uint16",
	})
	if !res.Success {
		t.Fatalf("UpsertMapping failed: %+v", res)
	}

	res = svc.CreateJob(ctx, "secret-token", job.Job{
		Name:       "poll",
		Type:       job.TypeContinuous,
		Tables:     []string{table.ID},
		IntervalMs: 1000,
	})
	if !res.Success {
		t.Fatalf("CreateJob failed: %+v", res)
	}
	created, ok := res.Data.(job.Job)
	if !ok {
		t.Fatalf("expected job.Job payload, got %T", res.Data)
	}

	if res := svc.StartJob(ctx, "secret-token", created.ID); !res.Success {
		t.Fatalf("StartJob failed: %+v", res)
	}
	if res := svc.PauseJob(ctx, "secret-token", created.ID); !res.Success {
		t.Fatalf("PauseJob failed: %+v", res)
	}
	if res := svc.DeleteJob(ctx, "secret-token", created.ID); !res.Success {
		t.Fatalf("DeleteJob failed: %+v", res)
	}
}

func TestSystemSummaryReportsJobsByStatus(t *testing.T) {
	svc, _ := newTestService(t)
	res := svc.SystemSummary(context.Background(), "secret-token", 60)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
}

func TestCreateDeviceSealsSecretThroughBox(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	res := svc.CreateDevice(ctx, "secret-token", catalog.Device{
		Name:     "PLC-Sealed",
		Protocol: catalog.ProtocolModbus,
		Params:   map[string]string{"host": "127.0.0.1", "port": "502"},
	}, []byte("s3cr3t-password"))
	if !res.Success {
		t.Fatalf("CreateDevice failed: %+v", res)
	}
	payload, ok := res.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map payload, got %T", res.Data)
	}
	created, ok := payload["device"].(catalog.Device)
	if !ok {
		t.Fatalf("expected catalog.Device payload, got %T", payload["device"])
	}
	if len(created.SealedSecret) == 0 {
		t.Fatalf("expected sealed secret to be persisted")
	}

	stored, err := store.GetDevice(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if string(stored.SealedSecret) == "s3cr3t-password" {
		t.Fatalf("secret must not be persisted in plaintext")
	}
}
