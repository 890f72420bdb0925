package control

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
	"github.com/RohithBalasubramani/plc-logger/domain/device"
	"github.com/RohithBalasubramani/plc-logger/domain/engine"
	"github.com/RohithBalasubramani/plc-logger/domain/job"
	"github.com/RohithBalasubramani/plc-logger/domain/mapping"
	"github.com/RohithBalasubramani/plc-logger/domain/migration"
	"github.com/RohithBalasubramani/plc-logger/domain/target"
	agenterrors "github.com/RohithBalasubramani/plc-logger/infrastructure/errors"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/metrics"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/ratelimit"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/secrets"
)

// gatewayTestInterval is spec.md §5's "one test per gateway per 3s".
var gatewayTestInterval = 3 * time.Second

// Service implements every verb in spec.md §6/§10 against the wired
// components. No HTTP handler lives here — Service is the mechanical
// surface a transport adapter would wrap.
type Service struct {
	store      catalog.Store
	registry   *target.Registry
	planner    *migration.Planner
	resolver   *mapping.Resolver
	supervisor *device.Supervisor
	jobs       *engine.Manager
	metricsReg *metrics.Registry
	sampler    *metrics.SystemSampler
	secretBox  *secrets.Box

	token string
	port  int

	mu              sync.Mutex
	gatewayLimiters map[string]*ratelimit.RateLimiter
}

// NewService wires the Control Interface to every component it fronts.
func NewService(
	store catalog.Store,
	registry *target.Registry,
	planner *migration.Planner,
	resolver *mapping.Resolver,
	supervisor *device.Supervisor,
	jobs *engine.Manager,
	metricsReg *metrics.Registry,
	sampler *metrics.SystemSampler,
	secretBox *secrets.Box,
	token string,
	port int,
) *Service {
	return &Service{
		store:           store,
		registry:        registry,
		planner:         planner,
		resolver:        resolver,
		supervisor:      supervisor,
		jobs:            jobs,
		metricsReg:      metricsReg,
		sampler:         sampler,
		secretBox:       secretBox,
		token:           token,
		port:            port,
		gatewayLimiters: make(map[string]*ratelimit.RateLimiter),
	}
}

// Handshake is the only verb that does not require a token (spec.md §4.10).
func (s *Service) Handshake() Result {
	return ok(map[string]interface{}{"token": s.token, "port": s.port})
}

func (s *Service) authorize(token string) error {
	if token == "" || token != s.token {
		return agenterrors.PermissionDenied()
	}
	return nil
}

// --- Parent Schemas ------------------------------------------------------

func (s *Service) ListSchemas(ctx context.Context, token string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	schemas, err := s.store.ListSchemas(ctx)
	if err != nil {
		return fail(err)
	}
	return ok(schemas)
}

func (s *Service) CreateSchema(ctx context.Context, token, name string, fields []catalog.Field) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	schema, err := s.store.CreateSchema(ctx, name, fields)
	if err != nil {
		return fail(err)
	}
	return ok(schema)
}

func (s *Service) DeleteSchema(ctx context.Context, token, id string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	if err := s.store.DeleteSchema(ctx, id); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// --- DB Targets ------------------------------------------------------------

func (s *Service) ListTargets(ctx context.Context, token string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		return fail(err)
	}
	return ok(targets)
}

func (s *Service) CreateTarget(ctx context.Context, token string, provider catalog.Provider, connectionString string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	tgt, reused, err := s.store.CreateTarget(ctx, provider, connectionString)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"target": tgt, "reused": reused})
}

func (s *Service) DeleteTarget(ctx context.Context, token, id string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	if err := s.store.DeleteTarget(ctx, id); err != nil {
		return fail(err)
	}
	s.registry.Evict(id)
	return ok(nil)
}

func (s *Service) TestTarget(ctx context.Context, token, id string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	if err := s.registry.Test(ctx, id); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// --- Device Tables -----------------------------------------------------

func (s *Service) AddTablesBulk(ctx context.Context, token, parentSchemaID string, names []string, targetID *string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	tables, warnings, err := s.store.AddTablesBulk(ctx, parentSchemaID, names, targetID)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"tables": tables, "warnings": warnings})
}

func (s *Service) ListTables(ctx context.Context, token string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	tables, err := s.store.ListTables(ctx)
	if err != nil {
		return fail(err)
	}
	return ok(tables)
}

func (s *Service) DeleteTable(ctx context.Context, token, id string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	if err := s.store.DeleteTable(ctx, id); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// Migrate applies DDL for every table id, reporting operations (or the
// failure) per id without aborting sibling migrations (spec.md §4.10
// migrate, §4.4's "per-table migration failures are atomic ... without
// aborting sibling migrations").
func (s *Service) Migrate(ctx context.Context, token string, tableIDs []string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	out := make(map[string]interface{}, len(tableIDs))
	for _, id := range tableIDs {
		ops, err := s.migrateOne(ctx, id)
		if err != nil {
			out[id] = fail(err)
			continue
		}
		out[id] = ok(ops)
	}
	return ok(out)
}

// DryRunDDL previews DDL for every table id without applying it (spec.md §9
// "dry_run_ddl(ids[]) → operations without applying").
func (s *Service) DryRunDDL(ctx context.Context, token string, tableIDs []string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	out := make(map[string]interface{}, len(tableIDs))
	for _, id := range tableIDs {
		table, err := s.store.GetTable(ctx, id)
		if err != nil {
			out[id] = fail(err)
			continue
		}
		if table.DBTargetID == nil {
			out[id] = fail(agenterrors.New(agenterrors.CodeDBTargetUnreachable, "table has no bound target", 503))
			continue
		}
		db, tgt, err := s.engineAndTarget(ctx, *table.DBTargetID)
		if err != nil {
			out[id] = fail(err)
			continue
		}
		schema, err := s.store.GetSchema(ctx, table.ParentSchemaID)
		if err != nil {
			out[id] = fail(err)
			continue
		}
		ops, err := s.planner.Plan(ctx, db, tgt.Provider, table, schema)
		if err != nil {
			out[id] = fail(err)
			continue
		}
		out[id] = ok(ops)
	}
	return ok(out)
}

func (s *Service) migrateOne(ctx context.Context, tableID string) ([]migration.Operation, error) {
	table, err := s.store.GetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if table.DBTargetID == nil {
		return nil, agenterrors.New(agenterrors.CodeDBTargetUnreachable, "table has no bound target", 503)
	}
	db, tgt, err := s.engineAndTarget(ctx, *table.DBTargetID)
	if err != nil {
		return nil, err
	}
	schema, err := s.store.GetSchema(ctx, table.ParentSchemaID)
	if err != nil {
		return nil, err
	}
	ops, err := s.planner.Apply(ctx, db, tgt.Provider, table, schema)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetTableMigrated(ctx, tableID); err != nil {
		return nil, err
	}
	return ops, nil
}

func (s *Service) engineAndTarget(ctx context.Context, targetID string) (*sqlx.DB, catalog.DBTarget, error) {
	db, err := s.registry.Engine(ctx, targetID)
	if err != nil {
		return nil, catalog.DBTarget{}, err
	}
	tgt, err := s.store.GetTarget(ctx, targetID)
	if err != nil {
		return nil, catalog.DBTarget{}, err
	}
	return db, tgt, nil
}
