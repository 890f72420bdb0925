// Package catalog implements the Catalog Store (C1): the durable registry of
// schemas, targets, device tables, mappings, devices, gateways, and jobs,
// mirrored in memory for fast reads (spec.md §4.1).
package catalog

import (
	"regexp"
	"strings"
	"time"
)

var fieldKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidFieldKey reports whether key matches the identifier grammar required
// of schema field keys and mapping field keys (spec.md §3).
func ValidFieldKey(key string) bool {
	return fieldKeyPattern.MatchString(key)
}

// DType is a schema field's declared data type.
type DType string

const (
	DTypeFloat  DType = "float"
	DTypeInt    DType = "int"
	DTypeBool   DType = "bool"
	DTypeString DType = "string"
)

// Field is one column of a Parent Schema.
type Field struct {
	Key         string  `json:"key" db:"key"`
	DType       DType   `json:"dtype" db:"type"`
	Unit        *string `json:"unit,omitempty" db:"unit"`
	Scale       *float64 `json:"scale,omitempty" db:"scale"`
	Description *string `json:"description,omitempty" db:"desc"`
}

// Schema is a Parent Schema: a named, reusable set of fields describing a
// family of devices.
type Schema struct {
	ID     string  `json:"id" db:"id"`
	Name   string  `json:"name" db:"name"`
	Fields []Field `json:"fields"`
}

// TargetStatus is the last-observed health of a DB Target connection.
type TargetStatus string

const (
	TargetUntested TargetStatus = "untested"
	TargetOK       TargetStatus = "ok"
	TargetFail     TargetStatus = "fail"
)

// Provider identifies a supported SQL dialect.
type Provider string

const (
	ProviderSQLite     Provider = "sqlite"
	ProviderPostgres   Provider = "postgres"
	ProviderMySQL      Provider = "mysql"
	ProviderSQLServer  Provider = "sqlserver"
)

// DBTarget is a user-configured external SQL database the agent writes to.
type DBTarget struct {
	ID               string       `json:"id" db:"id"`
	Provider         Provider     `json:"provider" db:"provider"`
	ConnectionString string       `json:"connection_string" db:"conn"`
	Status           TargetStatus `json:"status" db:"status"`
	LastMessage      *string      `json:"last_message,omitempty" db:"last_msg"`
	IsDefault        bool         `json:"is_default" db:"-"`
}

// TableStatus is whether a Device Table has a corresponding physical table.
type TableStatus string

const (
	TableNotMigrated TableStatus = "not_migrated"
	TableMigrated    TableStatus = "migrated"
)

// MappingHealth summarizes how completely a Device Table's fields are
// mapped to device tags (spec.md §4.1 mapping_health).
type MappingHealth string

const (
	MappingUnmapped MappingHealth = "unmapped"
	MappingPartial  MappingHealth = "partial"
	MappingMapped   MappingHealth = "mapped"
)

// DeviceTable is a physical time-series table bound to one Parent Schema.
type DeviceTable struct {
	ID             string        `json:"id" db:"id"`
	LogicalName    string        `json:"logical_name" db:"name"`
	ParentSchemaID string        `json:"parent_schema_id" db:"schema_id"`
	DBTargetID     *string       `json:"db_target_id,omitempty" db:"db_target_id"`
	Status         TableStatus   `json:"status" db:"status"`
	LastMigratedAt *time.Time    `json:"last_migrated_at,omitempty" db:"last_migrated_at"`
	MappingHealth  MappingHealth `json:"mapping_health" db:"mapping_health"`
	DeviceID       *string       `json:"device_id,omitempty" db:"device_id"`
}

// NormalizeTableName applies spec.md §4.1's add_tables_bulk normalization:
// non-identifier characters become '_', and a 't_' prefix is added when the
// leading character is not alpha/underscore. Returns the normalized name and
// whether normalization changed it (a "warning" in spec.md's terms).
func NormalizeTableName(raw string) (normalized string, changed bool) {
	var b strings.Builder
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	name := b.String()
	if name == "" {
		name = "t_"
	}
	first := name[0]
	if !((first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z') || first == '_') {
		name = "t_" + name
	}
	return name, name != raw
}

// Protocol identifies a field-device communication protocol.
type Protocol string

const (
	ProtocolModbus Protocol = "modbus"
	ProtocolOPCUA  Protocol = "opcua"
)

// MappingRow binds one device table field to a protocol tag address
// (spec.md §3 "Mapping Row").
type MappingRow struct {
	TableID  string   `json:"table_id" db:"table_name"`
	FieldKey string   `json:"field_key" db:"field_key"`
	Protocol Protocol `json:"protocol" db:"protocol"`
	Address  string   `json:"address" db:"address"`
	DataType string   `json:"data_type,omitempty" db:"data_type"`
	Scale    *float64 `json:"scale,omitempty" db:"scale"`
	Deadband *float64 `json:"deadband,omitempty" db:"deadband"`
	DeviceID *string  `json:"device_id,omitempty" db:"device_id"`
}

// Valid reports whether the row satisfies spec.md §4.1's per-protocol
// validity rule used by mapping_health: address present for opcua;
// address and data_type present for modbus.
func (r MappingRow) Valid() bool {
	if strings.TrimSpace(r.Address) == "" {
		return false
	}
	if r.Protocol == ProtocolModbus && strings.TrimSpace(r.DataType) == "" {
		return false
	}
	return true
}

// ComputeMappingHealth implements spec.md §4.1's mapping_health pure
// function over a set of rows and a logical table's required field keys.
func ComputeMappingHealth(rows []MappingRow, requiredKeys []string) MappingHealth {
	if len(rows) == 0 {
		return MappingUnmapped
	}
	if len(requiredKeys) == 0 {
		return MappingMapped
	}

	byKey := make(map[string]MappingRow, len(rows))
	for _, r := range rows {
		byKey[r.FieldKey] = r
	}

	ok := 0
	for _, key := range requiredKeys {
		if row, found := byKey[key]; found && row.Valid() {
			ok++
		}
	}

	switch {
	case ok == 0:
		return MappingUnmapped
	case ok == len(requiredKeys):
		return MappingMapped
	default:
		return MappingPartial
	}
}

// DeviceStatus is a device session's connectivity state (spec.md §3/§4.6).
type DeviceStatus string

const (
	DeviceDisconnected DeviceStatus = "disconnected"
	DeviceReconnecting DeviceStatus = "reconnecting"
	DeviceConnected    DeviceStatus = "connected"
	DeviceDegraded     DeviceStatus = "degraded"
)

// Device is a field device the agent can open protocol sessions against.
type Device struct {
	ID           string            `json:"id" db:"id"`
	Name         string            `json:"name" db:"name"`
	Protocol     Protocol          `json:"protocol" db:"protocol"`
	Params       map[string]string `json:"params"`
	Vendor       *string           `json:"vendor,omitempty" db:"vendor"`
	Model        *string           `json:"model,omitempty" db:"model"`
	SealedSecret []byte            `json:"-" db:"secrets"`
	Status       DeviceStatus      `json:"status" db:"status"`
	LatencyMs    *float64          `json:"latency_ms,omitempty" db:"latency_ms"`
	LastError    *string           `json:"last_error,omitempty" db:"last_error"`
	AutoReconnect bool             `json:"auto_reconnect" db:"auto_reconnect"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// GatewayStatus mirrors spec.md's generic status string for gateways.
type GatewayStatus string

const (
	GatewayUnknown   GatewayStatus = "unknown"
	GatewayReachable GatewayStatus = "reachable"
	GatewayUnreachable GatewayStatus = "unreachable"
)

// Gateway is a network host the UI can probe (ping/TCP) ahead of binding a
// Device to it.
type Gateway struct {
	ID           string        `json:"id" db:"id"`
	Name         string        `json:"name" db:"name"`
	Host         string        `json:"host" db:"host"`
	NICHint      *string       `json:"nic_hint,omitempty" db:"nic_hint"`
	Ports        []int         `json:"ports"`
	ProtocolHint *Protocol     `json:"protocol_hint,omitempty" db:"protocol_hint"`
	Tags         []string      `json:"tags"`
	Status       GatewayStatus `json:"status" db:"status"`
	LastPing     *time.Time    `json:"last_ping,omitempty" db:"last_ping"`
	LastTCP      *time.Time    `json:"last_tcp,omitempty" db:"last_tcp"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
	LastTestAt   *time.Time    `json:"-" db:"last_test_at"`
}

// ValidPorts reports whether every port is in [1,65535] and the set has no
// duplicates (spec.md §8 boundary behavior: port 0/>65535 → INVALID_PORTS).
func ValidPorts(ports []int) bool {
	seen := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return false
		}
		if _, dup := seen[p]; dup {
			return false
		}
		seen[p] = struct{}{}
	}
	return true
}

// Run is the record of one job execution interval (spec.md §3 "Run").
type Run struct {
	ID           string     `json:"id" db:"id"`
	JobID        string     `json:"job_id" db:"job_id"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty" db:"stopped_at"`
	DurationMs   *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
	Rows         int64      `json:"rows" db:"rows"`
	ReadLatAvg   float64    `json:"read_lat_avg" db:"read_lat_avg"`
	WriteLatAvg  float64    `json:"write_lat_avg" db:"write_lat_avg"`
	ErrorPct     float64    `json:"error_pct" db:"error_pct"`
	LastError    *string    `json:"last_error,omitempty" db:"last_error"`
}
