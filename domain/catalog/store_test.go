package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/RohithBalasubramani/plc-logger/domain/job"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenSQLiteStore(context.Background(), filepath.Join(dir, "app.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateSchemaAndDuplicateFieldKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sc, err := s.CreateSchema(ctx, "Transformer", []Field{
		{Key: "r_current", DType: DTypeFloat},
		{Key: "voltage", DType: DTypeFloat},
	})
	if err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	if sc.ID == "" {
		t.Fatalf("expected generated id")
	}

	got, err := s.GetSchema(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchema: %v", err)
	}
	if len(got.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(got.Fields))
	}

	if _, err := s.CreateSchema(ctx, "Bad", []Field{
		{Key: "x", DType: DTypeFloat},
		{Key: "x", DType: DTypeInt},
	}); err == nil {
		t.Fatalf("expected duplicate field key error")
	}
}

func TestAddTablesBulkNormalizesAndWarns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sc, err := s.CreateSchema(ctx, "Transformer", []Field{{Key: "r_current", DType: DTypeFloat}})
	if err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}

	tables, warnings, err := s.AddTablesBulk(ctx, sc.ID, []string{"good_name", "1bad-name"}, nil)
	if err != nil {
		t.Fatalf("AddTablesBulk: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(tables))
	}
	if len(warnings) != 1 || warnings[0].Original != "1bad-name" {
		t.Fatalf("expected one normalization warning, got %+v", warnings)
	}

	if _, _, err := s.AddTablesBulk(ctx, "missing-schema", []string{"x"}, nil); err == nil {
		t.Fatalf("expected parent schema not found error")
	}
}

func TestCreateTargetReusesIdenticalConnection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1, created1, err := s.CreateTarget(ctx, ProviderPostgres, "postgres://a")
	if err != nil || !created1 {
		t.Fatalf("expected first create to succeed and be new: %v %v", created1, err)
	}
	t2, created2, err := s.CreateTarget(ctx, ProviderPostgres, "postgres://a")
	if err != nil {
		t.Fatalf("CreateTarget: %v", err)
	}
	if created2 {
		t.Fatalf("expected reuse of identical target")
	}
	if t1.ID != t2.ID {
		t.Fatalf("expected same target id on reuse")
	}
}

func TestDeviceCreateAndStatusUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d, created, err := s.CreateDevice(ctx, Device{Name: "PLC-1", Protocol: ProtocolModbus, Params: map[string]string{"host": "10.0.0.5"}})
	if err != nil || !created {
		t.Fatalf("CreateDevice: %v %v", created, err)
	}
	if d.Status != DeviceDisconnected {
		t.Fatalf("expected initial status disconnected, got %s", d.Status)
	}

	lat := 12.5
	if err := s.UpdateDeviceStatus(ctx, d.ID, DeviceConnected, &lat, nil); err != nil {
		t.Fatalf("UpdateDeviceStatus: %v", err)
	}
	got, err := s.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.Status != DeviceConnected || got.LatencyMs == nil || *got.LatencyMs != lat {
		t.Fatalf("expected updated status/latency, got %+v", got)
	}
}

func TestGatewayInvalidPorts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateGateway(ctx, Gateway{Name: "gw1", Host: "10.0.0.1", Ports: []int{0, 502}}); err == nil {
		t.Fatalf("expected invalid ports error")
	}

	g, err := s.CreateGateway(ctx, Gateway{Name: "gw2", Host: "10.0.0.2", Ports: []int{502, 4840}})
	if err != nil {
		t.Fatalf("CreateGateway: %v", err)
	}
	if g.Status != GatewayUnknown {
		t.Fatalf("expected unknown initial status")
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateJob(ctx, job.Job{Name: "j1", Type: job.TypeContinuous, Tables: nil}); err == nil {
		t.Fatalf("expected NO_TABLES error")
	}

	j, err := s.CreateJob(ctx, job.Job{Name: "j1", Type: job.TypeContinuous, Tables: []string{"t1"}, IntervalMs: 1000})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j.Status != job.StatusStopped {
		t.Fatalf("expected stopped initial status")
	}

	if err := s.UpdateJobStatus(ctx, j.ID, job.StatusRunning); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	if err := s.IncrementJobWriteFailures(ctx, j.ID, 5); err != nil {
		t.Fatalf("IncrementJobWriteFailures: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusRunning || got.ConsecutiveWriteFailures != 5 {
		t.Fatalf("unexpected job state: %+v", got)
	}

	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); err == nil {
		t.Fatalf("expected job not found after delete")
	}
}

func TestHydrateReopenSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.db")
	ctx := context.Background()

	s1, err := OpenSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	sc, err := s1.CreateSchema(ctx, "Transformer", []Field{{Key: "r_current", DType: DTypeFloat}})
	if err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	s1.Close()

	s2, err := OpenSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen OpenSQLiteStore: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetSchema(ctx, sc.ID)
	if err != nil {
		t.Fatalf("expected schema to survive restart: %v", err)
	}
	if got.Name != "Transformer" || len(got.Fields) != 1 {
		t.Fatalf("unexpected hydrated schema: %+v", got)
	}
}
