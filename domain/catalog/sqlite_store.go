package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/RohithBalasubramani/plc-logger/domain/job"
	agenterrors "github.com/RohithBalasubramani/plc-logger/infrastructure/errors"
)

// SQLiteStore is the Store (C1) implementation backed by an embedded
// sqlite file (app.db), with a write-through in-memory mirror guarded by a
// single RWMutex (spec.md §4.1, §5 "Catalog in-memory mirror").
type SQLiteStore struct {
	db *sqlx.DB

	mu       sync.RWMutex
	schemas  map[string]Schema
	targets  map[string]DBTarget
	tables   map[string]DeviceTable
	devices  map[string]Device
	gateways map[string]Gateway
	jobs     map[string]job.Job
}

// OpenSQLiteStore opens (creating if absent) the catalog file at path,
// applies the embedded schema, hydrates the in-memory mirror, and returns a
// ready-to-use Store.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers per process

	s := &SQLiteStore{
		db:       db,
		schemas:  make(map[string]Schema),
		targets:  make(map[string]DBTarget),
		tables:   make(map[string]DeviceTable),
		devices:  make(map[string]Device),
		gateways: make(map[string]Gateway),
		jobs:     make(map[string]job.Job),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.hydrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS app_meta (key TEXT PRIMARY KEY, value TEXT);
CREATE TABLE IF NOT EXISTS app_schemas (id TEXT PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS app_schema_fields (
	schema_id TEXT NOT NULL, key TEXT NOT NULL, type TEXT NOT NULL,
	unit TEXT, scale REAL, desc TEXT,
	PRIMARY KEY (schema_id, key)
);
CREATE TABLE IF NOT EXISTS app_db_targets (
	id TEXT PRIMARY KEY, provider TEXT NOT NULL, conn TEXT NOT NULL,
	status TEXT NOT NULL, last_msg TEXT, is_default INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS app_device_tables (
	id TEXT PRIMARY KEY, name TEXT NOT NULL, schema_id TEXT NOT NULL,
	db_target_id TEXT, status TEXT NOT NULL, last_migrated_at TEXT,
	schema_hash TEXT, mapping_health TEXT NOT NULL, device_id TEXT
);
CREATE TABLE IF NOT EXISTS app_gateways (
	id TEXT PRIMARY KEY, name TEXT UNIQUE NOT NULL, host TEXT UNIQUE NOT NULL,
	adapter_id TEXT, nic_hint TEXT, ports_json TEXT, protocol_hint TEXT,
	tags_json TEXT, status TEXT, last_ping_json TEXT, last_tcp_json TEXT,
	created_at TEXT, updated_at TEXT, last_test_at TEXT
);
CREATE TABLE IF NOT EXISTS app_devices (
	id TEXT PRIMARY KEY, name TEXT UNIQUE NOT NULL, protocol TEXT NOT NULL,
	params_json TEXT, vendor TEXT, model TEXT, status TEXT NOT NULL,
	latency_ms REAL, last_error TEXT, auto_reconnect INTEGER NOT NULL DEFAULT 0,
	created_at TEXT, updated_at TEXT
);
CREATE TABLE IF NOT EXISTS app_jobs (
	id TEXT PRIMARY KEY, name TEXT NOT NULL, description TEXT, type TEXT NOT NULL,
	tables_json TEXT, columns_json TEXT, interval_ms INTEGER, enabled INTEGER,
	status TEXT NOT NULL, batching_json TEXT, cpu_budget INTEGER,
	triggers_json TEXT, metrics_json TEXT, consecutive_write_failures INTEGER DEFAULT 0,
	created_at TEXT, updated_at TEXT
);
CREATE TABLE IF NOT EXISTS app_job_runs (
	id TEXT PRIMARY KEY, job_id TEXT NOT NULL, started_at TEXT NOT NULL,
	stopped_at TEXT, duration_ms INTEGER, rows INTEGER, read_lat_avg REAL,
	write_lat_avg REAL, error_pct REAL, last_error TEXT
);
CREATE TABLE IF NOT EXISTS app_metrics_jobs_minute (
	job_id TEXT NOT NULL, minute_utc TEXT NOT NULL, reads INTEGER, read_err INTEGER,
	writes INTEGER, write_err INTEGER, read_p50 REAL, read_p95 REAL,
	write_p50 REAL, write_p95 REAL, triggers INTEGER, fires INTEGER, suppressed INTEGER,
	PRIMARY KEY (job_id, minute_utc)
);
CREATE TABLE IF NOT EXISTS app_metrics_system_minute (
	minute_utc TEXT PRIMARY KEY, cpu_pct REAL, mem_pct REAL,
	disk_rx_bps REAL, disk_tx_bps REAL, net_rx_bps REAL, net_tx_bps REAL
);
CREATE TABLE IF NOT EXISTS app_job_errors_minute (
	job_id TEXT NOT NULL, code TEXT NOT NULL, minute_utc TEXT NOT NULL,
	count INTEGER, last_message TEXT,
	PRIMARY KEY (job_id, code, minute_utc)
);
`

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaDDL)
	return err
}

func (s *SQLiteStore) hydrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.hydrateSchemas(ctx); err != nil {
		return err
	}
	if err := s.hydrateTargets(ctx); err != nil {
		return err
	}
	if err := s.hydrateTables(ctx); err != nil {
		return err
	}
	if err := s.hydrateDevices(ctx); err != nil {
		return err
	}
	if err := s.hydrateGateways(ctx); err != nil {
		return err
	}
	return s.hydrateJobs(ctx)
}

func (s *SQLiteStore) hydrateSchemas(ctx context.Context) error {
	var rows []struct {
		ID   string `db:"id"`
		Name string `db:"name"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name FROM app_schemas`); err != nil {
		return err
	}
	for _, r := range rows {
		var fields []Field
		if err := s.db.SelectContext(ctx, &fields, `SELECT key, type, unit, scale, desc FROM app_schema_fields WHERE schema_id = ?`, r.ID); err != nil {
			return err
		}
		s.schemas[r.ID] = Schema{ID: r.ID, Name: r.Name, Fields: fields}
	}
	return nil
}

func (s *SQLiteStore) hydrateTargets(ctx context.Context) error {
	var rows []struct {
		ID        string  `db:"id"`
		Provider  string  `db:"provider"`
		Conn      string  `db:"conn"`
		Status    string  `db:"status"`
		LastMsg   *string `db:"last_msg"`
		IsDefault int     `db:"is_default"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, provider, conn, status, last_msg, is_default FROM app_db_targets`); err != nil {
		return err
	}
	for _, r := range rows {
		s.targets[r.ID] = DBTarget{
			ID: r.ID, Provider: Provider(r.Provider), ConnectionString: r.Conn,
			Status: TargetStatus(r.Status), LastMessage: r.LastMsg, IsDefault: r.IsDefault != 0,
		}
	}
	return nil
}

func (s *SQLiteStore) hydrateTables(ctx context.Context) error {
	var rows []struct {
		ID             string  `db:"id"`
		Name           string  `db:"name"`
		SchemaID       string  `db:"schema_id"`
		DBTargetID     *string `db:"db_target_id"`
		Status         string  `db:"status"`
		LastMigratedAt *string `db:"last_migrated_at"`
		MappingHealth  string  `db:"mapping_health"`
		DeviceID       *string `db:"device_id"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, schema_id, db_target_id, status, last_migrated_at, mapping_health, device_id FROM app_device_tables`); err != nil {
		return err
	}
	for _, r := range rows {
		t := DeviceTable{
			ID: r.ID, LogicalName: r.Name, ParentSchemaID: r.SchemaID, DBTargetID: r.DBTargetID,
			Status: TableStatus(r.Status), MappingHealth: MappingHealth(r.MappingHealth), DeviceID: r.DeviceID,
		}
		if r.LastMigratedAt != nil {
			if ts, err := time.Parse(time.RFC3339, *r.LastMigratedAt); err == nil {
				t.LastMigratedAt = &ts
			}
		}
		s.tables[r.ID] = t
	}
	return nil
}

func (s *SQLiteStore) hydrateDevices(ctx context.Context) error {
	var rows []struct {
		ID            string  `db:"id"`
		Name          string  `db:"name"`
		Protocol      string  `db:"protocol"`
		ParamsJSON    *string `db:"params_json"`
		Vendor        *string `db:"vendor"`
		Model         *string `db:"model"`
		Status        string  `db:"status"`
		LatencyMs     *float64 `db:"latency_ms"`
		LastError     *string `db:"last_error"`
		AutoReconnect int     `db:"auto_reconnect"`
		CreatedAt     string  `db:"created_at"`
		UpdatedAt     string  `db:"updated_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, protocol, params_json, vendor, model, status, latency_ms, last_error, auto_reconnect, created_at, updated_at FROM app_devices`); err != nil {
		return err
	}
	for _, r := range rows {
		params := map[string]string{}
		if r.ParamsJSON != nil {
			_ = json.Unmarshal([]byte(*r.ParamsJSON), &params)
		}
		d := Device{
			ID: r.ID, Name: r.Name, Protocol: Protocol(r.Protocol), Params: params,
			Vendor: r.Vendor, Model: r.Model, Status: DeviceStatus(r.Status),
			LatencyMs: r.LatencyMs, LastError: r.LastError, AutoReconnect: r.AutoReconnect != 0,
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339, r.CreatedAt)
		d.UpdatedAt, _ = time.Parse(time.RFC3339, r.UpdatedAt)
		s.devices[r.ID] = d
	}
	return nil
}

func (s *SQLiteStore) hydrateGateways(ctx context.Context) error {
	var rows []struct {
		ID       string  `db:"id"`
		Name     string  `db:"name"`
		Host     string  `db:"host"`
		NICHint  *string `db:"nic_hint"`
		Ports    *string `db:"ports_json"`
		Proto    *string `db:"protocol_hint"`
		Tags     *string `db:"tags_json"`
		Status   string  `db:"status"`
		CreatedAt string `db:"created_at"`
		UpdatedAt string `db:"updated_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, host, nic_hint, ports_json, protocol_hint, tags_json, status, created_at, updated_at FROM app_gateways`); err != nil {
		return err
	}
	for _, r := range rows {
		var ports []int
		if r.Ports != nil {
			_ = json.Unmarshal([]byte(*r.Ports), &ports)
		}
		var tags []string
		if r.Tags != nil {
			_ = json.Unmarshal([]byte(*r.Tags), &tags)
		}
		g := Gateway{
			ID: r.ID, Name: r.Name, Host: r.Host, NICHint: r.NICHint,
			Ports: ports, Tags: tags, Status: GatewayStatus(r.Status),
		}
		if r.Proto != nil {
			p := Protocol(*r.Proto)
			g.ProtocolHint = &p
		}
		g.CreatedAt, _ = time.Parse(time.RFC3339, r.CreatedAt)
		g.UpdatedAt, _ = time.Parse(time.RFC3339, r.UpdatedAt)
		s.gateways[r.ID] = g
	}
	return nil
}

func (s *SQLiteStore) hydrateJobs(ctx context.Context) error {
	var rows []struct {
		ID          string  `db:"id"`
		Name        string  `db:"name"`
		Description *string `db:"description"`
		Type        string  `db:"type"`
		Tables      *string `db:"tables_json"`
		Columns     *string `db:"columns_json"`
		IntervalMs  int     `db:"interval_ms"`
		Enabled     int     `db:"enabled"`
		Status      string  `db:"status"`
		Batching    *string `db:"batching_json"`
		CPUBudget   int     `db:"cpu_budget"`
		Triggers    *string `db:"triggers_json"`
		ConsecutiveWriteFailures int `db:"consecutive_write_failures"`
		CreatedAt   string  `db:"created_at"`
		UpdatedAt   string  `db:"updated_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, description, type, tables_json, columns_json, interval_ms, enabled, status, batching_json, cpu_budget, triggers_json, consecutive_write_failures, created_at, updated_at FROM app_jobs`); err != nil {
		return err
	}
	for _, r := range rows {
		j := job.Job{
			ID: r.ID, Name: r.Name, Type: job.Type(r.Type), IntervalMs: r.IntervalMs,
			Enabled: r.Enabled != 0, Status: job.Status(r.Status), CPUBudget: r.CPUBudget,
			ConsecutiveWriteFailures: r.ConsecutiveWriteFailures,
			Columns: job.ColumnsAll,
		}
		if r.Description != nil {
			j.Description = *r.Description
		}
		if r.Tables != nil {
			_ = json.Unmarshal([]byte(*r.Tables), &j.Tables)
		}
		if r.Columns != nil {
			j.Columns = job.ColumnSelection(*r.Columns)
		}
		if r.Batching != nil {
			_ = json.Unmarshal([]byte(*r.Batching), &j.Batching)
		}
		if r.Triggers != nil {
			_ = json.Unmarshal([]byte(*r.Triggers), &j.Triggers)
		}
		j.CreatedAt, _ = time.Parse(time.RFC3339, r.CreatedAt)
		j.UpdatedAt, _ = time.Parse(time.RFC3339, r.UpdatedAt)
		s.jobs[r.ID] = j
	}
	return nil
}

// --- Schemas -----------------------------------------------------------

func (s *SQLiteStore) CreateSchema(ctx context.Context, name string, fields []Field) (Schema, error) {
	if strings.TrimSpace(name) == "" {
		return Schema{}, agenterrors.NameRequired()
	}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if !ValidFieldKey(f.Key) {
			return Schema{}, agenterrors.FieldKeyInvalid(f.Key)
		}
		if _, dup := seen[f.Key]; dup {
			return Schema{}, agenterrors.FieldKeyDuplicate(f.Key)
		}
		seen[f.Key] = struct{}{}
	}

	sc := Schema{ID: uuid.New().String(), Name: name, Fields: fields}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Schema{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO app_schemas (id, name) VALUES (?, ?)`, sc.ID, sc.Name); err != nil {
		return Schema{}, err
	}
	for _, f := range fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO app_schema_fields (schema_id, key, type, unit, scale, desc) VALUES (?, ?, ?, ?, ?, ?)`,
			sc.ID, f.Key, f.DType, f.Unit, f.Scale, f.Description); err != nil {
			return Schema{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Schema{}, err
	}

	s.mu.Lock()
	s.schemas[sc.ID] = sc
	s.mu.Unlock()
	return sc, nil
}

func (s *SQLiteStore) GetSchema(ctx context.Context, id string) (Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schemas[id]
	if !ok {
		return Schema{}, agenterrors.New(agenterrors.CodeTableNotFound, "schema not found", 404)
	}
	return sc, nil
}

func (s *SQLiteStore) ListSchemas(ctx context.Context) ([]Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Schema, 0, len(s.schemas))
	for _, sc := range s.schemas {
		out = append(out, sc)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteSchema(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_schema_fields WHERE schema_id = ?`, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_schemas WHERE id = ?`, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.schemas, id)
	s.mu.Unlock()
	return nil
}

// --- Targets -------------------------------------------------------------

func (s *SQLiteStore) CreateTarget(ctx context.Context, provider Provider, connectionString string) (DBTarget, bool, error) {
	s.mu.RLock()
	for _, t := range s.targets {
		if t.Provider == provider && t.ConnectionString == connectionString {
			s.mu.RUnlock()
			return t, false, nil
		}
	}
	s.mu.RUnlock()

	t := DBTarget{ID: uuid.New().String(), Provider: provider, ConnectionString: connectionString, Status: TargetUntested}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO app_db_targets (id, provider, conn, status, is_default) VALUES (?, ?, ?, ?, 0)`,
		t.ID, t.Provider, t.ConnectionString, t.Status); err != nil {
		return DBTarget{}, false, err
	}
	s.mu.Lock()
	s.targets[t.ID] = t
	s.mu.Unlock()
	return t, true, nil
}

func (s *SQLiteStore) GetTarget(ctx context.Context, id string) (DBTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	if !ok {
		return DBTarget{}, agenterrors.TargetNotFound(id)
	}
	return t, nil
}

func (s *SQLiteStore) ListTargets(ctx context.Context) ([]DBTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DBTarget, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteTarget(ctx context.Context, id string) error {
	s.mu.RLock()
	t, ok := s.targets[id]
	s.mu.RUnlock()
	if ok && t.IsDefault {
		return agenterrors.TargetIsDefault(id)
	}
	s.mu.RLock()
	for _, tbl := range s.tables {
		if tbl.DBTargetID != nil && *tbl.DBTargetID == id {
			s.mu.RUnlock()
			return agenterrors.TargetInUse(id)
		}
	}
	s.mu.RUnlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_db_targets WHERE id = ?`, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.targets, id)
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) SetTargetStatus(ctx context.Context, id string, status TargetStatus, message *string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE app_db_targets SET status = ?, last_msg = ? WHERE id = ?`, status, message, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return agenterrors.TargetNotFound(id)
	}
	t.Status = status
	t.LastMessage = message
	s.targets[id] = t
	return nil
}

// --- Device Tables --------------------------------------------------------

func (s *SQLiteStore) AddTablesBulk(ctx context.Context, parentSchemaID string, names []string, targetID *string) ([]DeviceTable, []TableWarning, error) {
	s.mu.RLock()
	_, schemaExists := s.schemas[parentSchemaID]
	s.mu.RUnlock()
	if !schemaExists {
		return nil, nil, agenterrors.ParentSchemaNotFound(parentSchemaID)
	}

	created := make([]DeviceTable, 0, len(names))
	warnings := make([]TableWarning, 0)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	for _, raw := range names {
		normalized, changed := NormalizeTableName(raw)
		if changed {
			warnings = append(warnings, TableWarning{Original: raw, Normalized: normalized})
		}
		t := DeviceTable{
			ID: uuid.New().String(), LogicalName: normalized, ParentSchemaID: parentSchemaID,
			DBTargetID: targetID, Status: TableNotMigrated, MappingHealth: MappingUnmapped,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO app_device_tables (id, name, schema_id, db_target_id, status, mapping_health) VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.LogicalName, t.ParentSchemaID, t.DBTargetID, t.Status, t.MappingHealth); err != nil {
			return nil, nil, err
		}
		created = append(created, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	for _, t := range created {
		s.tables[t.ID] = t
	}
	s.mu.Unlock()
	return created, warnings, nil
}

func (s *SQLiteStore) GetTable(ctx context.Context, id string) (DeviceTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[id]
	if !ok {
		return DeviceTable{}, agenterrors.TableNotFound(id)
	}
	return t, nil
}

func (s *SQLiteStore) ListTables(ctx context.Context) ([]DeviceTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeviceTable, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteTable(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_device_tables WHERE id = ?`, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.tables, id)
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) SetTableMigrated(ctx context.Context, id string) error {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `UPDATE app_device_tables SET status = ?, last_migrated_at = ? WHERE id = ?`,
		TableMigrated, now.Format(time.RFC3339), id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[id]
	if !ok {
		return agenterrors.TableNotFound(id)
	}
	t.Status = TableMigrated
	t.LastMigratedAt = &now
	s.tables[id] = t
	return nil
}

func (s *SQLiteStore) SetTableMappingHealth(ctx context.Context, id string, health MappingHealth) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE app_device_tables SET mapping_health = ? WHERE id = ?`, health, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[id]
	if !ok {
		return agenterrors.TableNotFound(id)
	}
	t.MappingHealth = health
	s.tables[id] = t
	return nil
}

func (s *SQLiteStore) BindTableDevice(ctx context.Context, tableID string, deviceID *string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE app_device_tables SET device_id = ? WHERE id = ?`, deviceID, tableID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableID]
	if !ok {
		return agenterrors.TableNotFound(tableID)
	}
	t.DeviceID = deviceID
	s.tables[tableID] = t
	return nil
}

// --- Devices ---------------------------------------------------------------

func (s *SQLiteStore) CreateDevice(ctx context.Context, d Device) (Device, bool, error) {
	if strings.TrimSpace(d.Name) == "" {
		return Device{}, false, agenterrors.NameRequired()
	}
	s.mu.RLock()
	for _, existing := range s.devices {
		if strings.EqualFold(existing.Name, d.Name) {
			s.mu.RUnlock()
			return existing, false, nil
		}
	}
	s.mu.RUnlock()

	now := time.Now().UTC()
	d.ID = uuid.New().String()
	d.Status = DeviceDisconnected
	d.CreatedAt = now
	d.UpdatedAt = now

	paramsJSON, _ := json.Marshal(d.Params)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO app_devices (id, name, protocol, params_json, vendor, model, status, auto_reconnect, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Protocol, string(paramsJSON), d.Vendor, d.Model, d.Status,
		boolToInt(d.AutoReconnect), now.Format(time.RFC3339), now.Format(time.RFC3339)); err != nil {
		return Device{}, false, err
	}

	s.mu.Lock()
	s.devices[d.ID] = d
	s.mu.Unlock()
	return d, true, nil
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return Device{}, agenterrors.DeviceNotFound(id)
	}
	return d, nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_devices WHERE id = ?`, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.devices, id)
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) UpdateDeviceStatus(ctx context.Context, id string, status DeviceStatus, latencyMs *float64, lastErr *string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE app_devices SET status = ?, latency_ms = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, latencyMs, lastErr, time.Now().UTC().Format(time.RFC3339), id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return agenterrors.DeviceNotFound(id)
	}
	d.Status = status
	d.LatencyMs = latencyMs
	d.LastError = lastErr
	s.devices[id] = d
	return nil
}

// --- Gateways ---------------------------------------------------------------

func (s *SQLiteStore) CreateGateway(ctx context.Context, g Gateway) (Gateway, error) {
	if strings.TrimSpace(g.Name) == "" {
		return Gateway{}, agenterrors.NameRequired()
	}
	if strings.TrimSpace(g.Host) == "" {
		return Gateway{}, agenterrors.New(agenterrors.CodeHostRequired, "host is required", 400)
	}
	if !ValidPorts(g.Ports) {
		return Gateway{}, agenterrors.InvalidPorts(g.Ports)
	}

	now := time.Now().UTC()
	g.ID = uuid.New().String()
	g.Status = GatewayUnknown
	g.CreatedAt = now
	g.UpdatedAt = now

	portsJSON, _ := json.Marshal(g.Ports)
	tagsJSON, _ := json.Marshal(g.Tags)
	var protoHint *string
	if g.ProtocolHint != nil {
		v := string(*g.ProtocolHint)
		protoHint = &v
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO app_gateways (id, name, host, nic_hint, ports_json, protocol_hint, tags_json, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Host, g.NICHint, string(portsJSON), protoHint, string(tagsJSON), g.Status,
		now.Format(time.RFC3339), now.Format(time.RFC3339)); err != nil {
		return Gateway{}, err
	}

	s.mu.Lock()
	s.gateways[g.ID] = g
	s.mu.Unlock()
	return g, nil
}

func (s *SQLiteStore) GetGateway(ctx context.Context, id string) (Gateway, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gateways[id]
	if !ok {
		return Gateway{}, agenterrors.GatewayNotFound(id)
	}
	return g, nil
}

func (s *SQLiteStore) ListGateways(ctx context.Context) ([]Gateway, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Gateway, 0, len(s.gateways))
	for _, g := range s.gateways {
		out = append(out, g)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteGateway(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_gateways WHERE id = ?`, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.gateways, id)
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) RecordGatewayTest(ctx context.Context, id string, status GatewayStatus, pingAt, tcpAt *time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE app_gateways SET status = ?, last_test_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gateways[id]
	if !ok {
		return agenterrors.GatewayNotFound(id)
	}
	g.Status = status
	now := time.Now().UTC()
	g.LastTestAt = &now
	if pingAt != nil {
		g.LastPing = pingAt
	}
	if tcpAt != nil {
		g.LastTCP = tcpAt
	}
	s.gateways[id] = g
	return nil
}

// --- Jobs --------------------------------------------------------------

func (s *SQLiteStore) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	if len(j.Tables) == 0 {
		return job.Job{}, agenterrors.NoTables()
	}
	if j.Type != job.TypeContinuous && j.Type != job.TypeTrigger {
		return job.Job{}, agenterrors.TypeInvalid(string(j.Type))
	}

	now := time.Now().UTC()
	j.ID = uuid.New().String()
	j.Status = job.StatusStopped
	j.CreatedAt = now
	j.UpdatedAt = now

	tablesJSON, _ := json.Marshal(j.Tables)
	batchingJSON, _ := json.Marshal(j.Batching)
	triggersJSON, _ := json.Marshal(j.Triggers)

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO app_jobs (id, name, description, type, tables_json, columns_json, interval_ms, enabled, status, batching_json, cpu_budget, triggers_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.Description, j.Type, string(tablesJSON), string(j.Columns), j.IntervalMs,
		boolToInt(j.Enabled), j.Status, string(batchingJSON), j.CPUBudget, string(triggersJSON),
		now.Format(time.RFC3339), now.Format(time.RFC3339)); err != nil {
		return job.Job{}, err
	}

	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
	return j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, agenterrors.JobNotFound(id)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.RLock()
	_, exists := s.jobs[id]
	s.mu.RUnlock()
	if !exists {
		return agenterrors.JobNotFound(id)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM app_job_runs WHERE job_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM app_metrics_jobs_minute WHERE job_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM app_job_errors_minute WHERE job_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM app_jobs WHERE id = ?`, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id string, status job.Status) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE app_jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return agenterrors.JobNotFound(id)
	}
	j.Status = status
	s.jobs[id] = j
	return nil
}

func (s *SQLiteStore) IncrementJobWriteFailures(ctx context.Context, id string, consecutive int) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE app_jobs SET consecutive_write_failures = ? WHERE id = ?`, consecutive, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return agenterrors.JobNotFound(id)
	}
	j.ConsecutiveWriteFailures = consecutive
	s.jobs[id] = j
	return nil
}

// --- Runs --------------------------------------------------------------

func (s *SQLiteStore) AppendRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	var stoppedAt *string
	if r.StoppedAt != nil {
		v := r.StoppedAt.Format(time.RFC3339)
		stoppedAt = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_job_runs (id, job_id, started_at, stopped_at, duration_ms, rows, read_lat_avg, write_lat_avg, error_pct, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobID, r.StartedAt.Format(time.RFC3339), stoppedAt, r.DurationMs, r.Rows, r.ReadLatAvg, r.WriteLatAvg, r.ErrorPct, r.LastError)
	return err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, jobID string, from, to *time.Time) ([]Run, error) {
	query := `SELECT id, job_id, started_at, stopped_at, duration_ms, rows, read_lat_avg, write_lat_avg, error_pct, last_error FROM app_job_runs WHERE job_id = ?`
	args := []interface{}{jobID}
	if from != nil {
		query += ` AND started_at >= ?`
		args = append(args, from.Format(time.RFC3339))
	}
	if to != nil {
		query += ` AND started_at <= ?`
		args = append(args, to.Format(time.RFC3339))
	}
	query += ` ORDER BY started_at ASC`

	var rows []struct {
		ID          string  `db:"id"`
		JobID       string  `db:"job_id"`
		StartedAt   string  `db:"started_at"`
		StoppedAt   *string `db:"stopped_at"`
		DurationMs  *int64  `db:"duration_ms"`
		Rows        int64   `db:"rows"`
		ReadLatAvg  float64 `db:"read_lat_avg"`
		WriteLatAvg float64 `db:"write_lat_avg"`
		ErrorPct    float64 `db:"error_pct"`
		LastError   *string `db:"last_error"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	out := make([]Run, 0, len(rows))
	for _, r := range rows {
		run := Run{
			ID: r.ID, JobID: r.JobID, DurationMs: r.DurationMs, Rows: r.Rows,
			ReadLatAvg: r.ReadLatAvg, WriteLatAvg: r.WriteLatAvg, ErrorPct: r.ErrorPct, LastError: r.LastError,
		}
		run.StartedAt, _ = time.Parse(time.RFC3339, r.StartedAt)
		if r.StoppedAt != nil {
			if ts, err := time.Parse(time.RFC3339, *r.StoppedAt); err == nil {
				run.StoppedAt = &ts
			}
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteRunsForJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM app_job_runs WHERE job_id = ?`, jobID)
	return err
}

func (s *SQLiteStore) RawDB() *sqlx.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
