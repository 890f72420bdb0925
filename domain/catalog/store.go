package catalog

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/RohithBalasubramani/plc-logger/domain/job"
)

// TableWarning reports that add_tables_bulk normalized a requested table
// name (spec.md §4.1).
type TableWarning struct {
	Original   string `json:"original"`
	Normalized string `json:"normalized"`
}

// Store is the Catalog Store (C1): typed CRUD over every entity in spec.md
// §3, with uniqueness enforcement and write-through durability to an
// on-disk file. Every read returns copies — callers never observe mutation
// of the in-memory mirror out from under them.
type Store interface {
	CreateSchema(ctx context.Context, name string, fields []Field) (Schema, error)
	GetSchema(ctx context.Context, id string) (Schema, error)
	ListSchemas(ctx context.Context) ([]Schema, error)
	DeleteSchema(ctx context.Context, id string) error

	CreateTarget(ctx context.Context, provider Provider, connectionString string) (DBTarget, bool, error)
	GetTarget(ctx context.Context, id string) (DBTarget, error)
	ListTargets(ctx context.Context) ([]DBTarget, error)
	DeleteTarget(ctx context.Context, id string) error
	SetTargetStatus(ctx context.Context, id string, status TargetStatus, message *string) error

	AddTablesBulk(ctx context.Context, parentSchemaID string, names []string, targetID *string) ([]DeviceTable, []TableWarning, error)
	GetTable(ctx context.Context, id string) (DeviceTable, error)
	ListTables(ctx context.Context) ([]DeviceTable, error)
	DeleteTable(ctx context.Context, id string) error
	SetTableMigrated(ctx context.Context, id string) error
	SetTableMappingHealth(ctx context.Context, id string, health MappingHealth) error
	BindTableDevice(ctx context.Context, tableID string, deviceID *string) error

	CreateDevice(ctx context.Context, d Device) (Device, bool, error)
	GetDevice(ctx context.Context, id string) (Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
	DeleteDevice(ctx context.Context, id string) error
	UpdateDeviceStatus(ctx context.Context, id string, status DeviceStatus, latencyMs *float64, lastErr *string) error

	CreateGateway(ctx context.Context, g Gateway) (Gateway, error)
	GetGateway(ctx context.Context, id string) (Gateway, error)
	ListGateways(ctx context.Context) ([]Gateway, error)
	DeleteGateway(ctx context.Context, id string) error
	RecordGatewayTest(ctx context.Context, id string, status GatewayStatus, pingAt, tcpAt *time.Time) error

	CreateJob(ctx context.Context, j job.Job) (job.Job, error)
	GetJob(ctx context.Context, id string) (job.Job, error)
	ListJobs(ctx context.Context) ([]job.Job, error)
	DeleteJob(ctx context.Context, id string) error
	UpdateJobStatus(ctx context.Context, id string, status job.Status) error
	IncrementJobWriteFailures(ctx context.Context, id string, consecutive int) error

	AppendRun(ctx context.Context, r Run) error
	ListRuns(ctx context.Context, jobID string, from, to *time.Time) ([]Run, error)
	DeleteRunsForJob(ctx context.Context, jobID string) error

	// RawDB exposes the underlying app.db handle for the Metrics
	// Registry's minute-rollup writer, which persists into
	// app_metrics_jobs_minute/app_metrics_system_minute directly —
	// tables owned by this store's schema but not worth a typed CRUD
	// surface of their own.
	RawDB() *sqlx.DB

	Close() error
}
