// Package mapping implements the Mapping Resolver (C7): the mapping rows
// binding a Device Table's fields to protocol tag addresses, persisted in
// the user's own target database rather than the catalog's app.db
// (spec.md §4.7).
package mapping

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
	"github.com/RohithBalasubramani/plc-logger/domain/device"
	"github.com/RohithBalasubramani/plc-logger/domain/migration"
	"github.com/RohithBalasubramani/plc-logger/domain/protocol"
)

const metaTableName = "device_mappings"

// Problem codes returned by Validate (spec.md §4.7).
const (
	ProblemDeviceNotBound      = "DEVICE_NOT_BOUND"
	ProblemMappingIncomplete   = "MAPPING_INCOMPLETE"
	ProblemMappingTypeMismatch = "MAPPING_TYPE_MISMATCH"
	ProblemTagUnreadable       = "TAG_UNREADABLE"
)

// ValidationResult is validate(table, rows, device?)'s return shape.
type ValidationResult struct {
	Health   catalog.MappingHealth
	Problems []string
}

// Engine abstracts the *sqlx.DB handle a target id resolves to — satisfied
// by *target.Registry, kept as an interface here so this package never
// imports target directly (it only needs Engine()).
type Engine interface {
	Engine(ctx context.Context, targetID string) (*sqlx.DB, error)
}

// Resolver is the Mapping Resolver (C7). It mirrors mapping rows for a
// table in memory once hydrated, write-through committing every mutation
// to the target's device_mappings meta-table before updating the mirror.
type Resolver struct {
	catalogStore catalog.Store
	engines      Engine
	supervisor   *device.Supervisor

	mu     sync.RWMutex
	mirror map[string][]catalog.MappingRow // table id -> rows
}

// NewResolver constructs a Resolver. supervisor may be nil when live
// probe-read validation is not needed (e.g. in tests).
func NewResolver(catalogStore catalog.Store, engines Engine, supervisor *device.Supervisor) *Resolver {
	return &Resolver{
		catalogStore: catalogStore,
		engines:      engines,
		supervisor:   supervisor,
		mirror:       make(map[string][]catalog.MappingRow),
	}
}

func (r *Resolver) providerAndEngine(ctx context.Context, targetID string) (*sqlx.DB, migration.Inspector, error) {
	db, err := r.engines.Engine(ctx, targetID)
	if err != nil {
		return nil, nil, err
	}
	tgt, err := r.catalogStore.GetTarget(ctx, targetID)
	if err != nil {
		return nil, nil, err
	}
	insp, err := migration.NewInspector(tgt.Provider)
	if err != nil {
		return nil, nil, err
	}
	return db, insp, nil
}

func (r *Resolver) ensureMetaTable(ctx context.Context, db *sqlx.DB, insp migration.Inspector) error {
	if err := insp.EnsureNamespace(ctx, db); err != nil {
		return err
	}
	qualified := insp.Qualify(metaTableName)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		table_name TEXT NOT NULL,
		field_key TEXT NOT NULL,
		protocol TEXT NOT NULL,
		address TEXT NOT NULL,
		data_type TEXT,
		scale REAL,
		deadband REAL,
		device_id TEXT,
		PRIMARY KEY (table_name, field_key)
	)`, qualified)
	_, err := db.ExecContext(ctx, ddl)
	return err
}

// Hydrate loads mapping rows for tableID (identified by its logical name)
// from targetID's meta-table into the in-memory mirror (spec.md §4.7: "on
// any read/list/job-start, attempts to hydrate").
func (r *Resolver) Hydrate(ctx context.Context, targetID, tableID, logicalName string) ([]catalog.MappingRow, error) {
	db, insp, err := r.providerAndEngine(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if err := r.ensureMetaTable(ctx, db, insp); err != nil {
		return nil, err
	}

	qualified := insp.Qualify(metaTableName)
	var rows []catalog.MappingRow
	err = db.SelectContext(ctx, &rows, fmt.Sprintf(
		`SELECT table_name, field_key, protocol, address, data_type, scale, deadband, device_id FROM %s WHERE table_name = ?`,
		qualified), logicalName)
	if err != nil {
		return nil, fmt.Errorf("mapping: hydrate %s: %w", logicalName, err)
	}

	r.mu.Lock()
	r.mirror[tableID] = rows
	r.mu.Unlock()

	return rows, nil
}

// Rows returns the in-memory mirror for tableID without touching the
// target database.
func (r *Resolver) Rows(tableID string) []catalog.MappingRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]catalog.MappingRow(nil), r.mirror[tableID]...)
}

// Upsert writes one mapping row, write-through (spec.md §4.7).
func (r *Resolver) Upsert(ctx context.Context, targetID, tableID, logicalName string, row catalog.MappingRow) error {
	db, insp, err := r.providerAndEngine(ctx, targetID)
	if err != nil {
		return err
	}
	if err := r.ensureMetaTable(ctx, db, insp); err != nil {
		return err
	}

	qualified := insp.Qualify(metaTableName)
	row.TableID = logicalName
	_, err = db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE table_name = ? AND field_key = ?`, qualified), logicalName, row.FieldKey)
	if err != nil {
		return fmt.Errorf("mapping: upsert delete-phase: %w", err)
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (table_name, field_key, protocol, address, data_type, scale, deadband, device_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		qualified), logicalName, row.FieldKey, row.Protocol, row.Address, row.DataType, row.Scale, row.Deadband, row.DeviceID)
	if err != nil {
		return fmt.Errorf("mapping: upsert insert-phase: %w", err)
	}

	r.mu.Lock()
	rows := r.mirror[tableID]
	replaced := false
	for i, existing := range rows {
		if existing.FieldKey == row.FieldKey {
			rows[i] = row
			replaced = true
			break
		}
	}
	if !replaced {
		rows = append(rows, row)
	}
	r.mirror[tableID] = rows
	r.mu.Unlock()

	return r.refreshHealth(ctx, tableID)
}

// Replace deletes every existing row for logicalName and inserts rows,
// under one transaction (spec.md §4.7 "replace semantics delete-then-
// insert under one transaction").
func (r *Resolver) Replace(ctx context.Context, targetID, tableID, logicalName string, rows []catalog.MappingRow) error {
	db, insp, err := r.providerAndEngine(ctx, targetID)
	if err != nil {
		return err
	}
	if err := r.ensureMetaTable(ctx, db, insp); err != nil {
		return err
	}
	qualified := insp.Qualify(metaTableName)

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE table_name = ?`, qualified), logicalName); err != nil {
		return fmt.Errorf("mapping: replace delete-phase: %w", err)
	}
	for _, row := range rows {
		row.TableID = logicalName
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (table_name, field_key, protocol, address, data_type, scale, deadband, device_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			qualified), logicalName, row.FieldKey, row.Protocol, row.Address, row.DataType, row.Scale, row.Deadband, row.DeviceID); err != nil {
			return fmt.Errorf("mapping: replace insert-phase: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	normalized := make([]catalog.MappingRow, len(rows))
	for i, row := range rows {
		row.TableID = logicalName
		normalized[i] = row
	}
	r.mu.Lock()
	r.mirror[tableID] = normalized
	r.mu.Unlock()

	return r.refreshHealth(ctx, tableID)
}

// DeleteRow removes one field's mapping row.
func (r *Resolver) DeleteRow(ctx context.Context, targetID, tableID, logicalName, fieldKey string) error {
	db, insp, err := r.providerAndEngine(ctx, targetID)
	if err != nil {
		return err
	}
	qualified := insp.Qualify(metaTableName)
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE table_name = ? AND field_key = ?`, qualified), logicalName, fieldKey); err != nil {
		return fmt.Errorf("mapping: delete row: %w", err)
	}

	r.mu.Lock()
	rows := r.mirror[tableID]
	out := rows[:0]
	for _, row := range rows {
		if row.FieldKey != fieldKey {
			out = append(out, row)
		}
	}
	r.mirror[tableID] = out
	r.mu.Unlock()

	return r.refreshHealth(ctx, tableID)
}

// Copy duplicates every mapping row from one logical table to another,
// rewriting table_name, within one transaction.
func (r *Resolver) Copy(ctx context.Context, targetID, fromLogical, toTableID, toLogical string) error {
	db, insp, err := r.providerAndEngine(ctx, targetID)
	if err != nil {
		return err
	}
	qualified := insp.Qualify(metaTableName)

	var rows []catalog.MappingRow
	if err := db.SelectContext(ctx, &rows, fmt.Sprintf(
		`SELECT table_name, field_key, protocol, address, data_type, scale, deadband, device_id FROM %s WHERE table_name = ?`,
		qualified), fromLogical); err != nil {
		return fmt.Errorf("mapping: copy source read: %w", err)
	}

	for i := range rows {
		rows[i].TableID = toLogical
	}
	return r.Replace(ctx, targetID, toTableID, toLogical, rows)
}

// refreshHealth recomputes and persists the table's mapping_health after
// a mutation (spec.md §4.1 mapping_health is derived, never stored
// independently of its inputs).
func (r *Resolver) refreshHealth(ctx context.Context, tableID string) error {
	table, err := r.catalogStore.GetTable(ctx, tableID)
	if err != nil {
		return err
	}
	schema, err := r.catalogStore.GetSchema(ctx, table.ParentSchemaID)
	if err != nil {
		return err
	}
	keys := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		keys[i] = f.Key
	}

	health := catalog.ComputeMappingHealth(r.Rows(tableID), keys)
	return r.catalogStore.SetTableMappingHealth(ctx, tableID, health)
}

// Validate implements spec.md §4.7's validate(table, rows, device?): it
// reports health plus a problems[] list, best-effort live-probing every
// mapped field when the table's device is connected.
func (r *Resolver) Validate(ctx context.Context, tableID string) (ValidationResult, error) {
	table, err := r.catalogStore.GetTable(ctx, tableID)
	if err != nil {
		return ValidationResult{}, err
	}
	schema, err := r.catalogStore.GetSchema(ctx, table.ParentSchemaID)
	if err != nil {
		return ValidationResult{}, err
	}
	requiredKeys := make([]string, len(schema.Fields))
	dtypeByKey := make(map[string]catalog.DType, len(schema.Fields))
	for i, f := range schema.Fields {
		requiredKeys[i] = f.Key
		dtypeByKey[f.Key] = f.DType
	}

	rows := r.Rows(tableID)
	result := ValidationResult{Health: catalog.ComputeMappingHealth(rows, requiredKeys)}

	if table.DeviceID == nil {
		result.Problems = append(result.Problems, ProblemDeviceNotBound)
	}

	byKey := make(map[string]catalog.MappingRow, len(rows))
	for _, row := range rows {
		byKey[row.FieldKey] = row
	}

	for _, key := range requiredKeys {
		row, mapped := byKey[key]
		if !mapped || !row.Valid() {
			result.Problems = append(result.Problems, ProblemMappingIncomplete)
			continue
		}
		if row.DataType != "" && !dtypeCompatible(row.DataType, dtypeByKey[key]) {
			result.Problems = append(result.Problems, ProblemMappingTypeMismatch)
			continue
		}
		if r.supervisor == nil || table.DeviceID == nil {
			continue
		}
		session, ok := r.supervisor.Session(*table.DeviceID)
		if !ok {
			continue
		}
		if _, err := session.Read(ctx, protocol.Tag{Address: row.Address, DataType: row.DataType}); err != nil {
			result.Problems = append(result.Problems, ProblemTagUnreadable)
		}
	}

	return result, nil
}

// dtypeCompatible reports whether a mapping row's declared wire data type
// is compatible with the schema field's logical type.
func dtypeCompatible(wireType string, dt catalog.DType) bool {
	wireType = strings.ToLower(wireType)
	switch dt {
	case catalog.DTypeFloat:
		return wireType == "float32" || wireType == "float64" || wireType == "uint16" || wireType == "int16" || wireType == ""
	case catalog.DTypeInt:
		return wireType == "uint16" || wireType == "int16" || wireType == "int32" || wireType == ""
	case catalog.DTypeBool:
		return wireType == "bool" || wireType == "uint16" || wireType == ""
	default:
		return true
	}
}
