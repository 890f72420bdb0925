// Package errors provides the agent's unified error taxonomy (spec.md §7).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one error kind from the taxonomy. Codes are stable and
// returned to callers in the {success, code, message} result shape used
// throughout the Control Interface (C10).
type Code string

const (
	// Validation
	CodeNameRequired        Code = "NAME_REQUIRED"
	CodeFieldKeyRequired    Code = "FIELD_KEY_REQUIRED"
	CodeFieldKeyInvalid     Code = "FIELD_KEY_INVALID"
	CodeFieldKeyDuplicate   Code = "FIELD_KEY_DUPLICATE"
	CodeInvalidPorts        Code = "INVALID_PORTS"
	CodeTableNameInvalid    Code = "TABLE_NAME_INVALID"
	CodeParentSchemaMissing Code = "PARENT_SCHEMA_NOT_FOUND"
	CodeTypeInvalid         Code = "TYPE_INVALID"
	CodeNoTables            Code = "NO_TABLES"
	CodeNoMappedColumns     Code = "NO_MAPPED_COLUMNS"
	CodeEndpointRequired    Code = "ENDPOINT_REQUIRED"
	CodeHostRequired        Code = "HOST_REQUIRED"
	CodeProtocolInvalid     Code = "PROTOCOL_INVALID"

	// Not found
	CodeTableNotFound   Code = "TABLE_NOT_FOUND"
	CodeJobNotFound     Code = "JOB_NOT_FOUND"
	CodeDeviceNotFound  Code = "DEVICE_NOT_FOUND"
	CodeGatewayNotFound Code = "GATEWAY_NOT_FOUND"
	CodeTargetNotFound  Code = "TARGET_NOT_FOUND"

	// Conflict / lifecycle
	CodeTargetIsDefault Code = "TARGET_IS_DEFAULT"
	CodeTargetInUse     Code = "TARGET_IN_USE"
	CodeGatewayInUse    Code = "GATEWAY_IN_USE"
	CodeRateLimited     Code = "RATE_LIMITED"

	// Dependency / connectivity
	CodeTestFailed            Code = "TEST_FAILED"
	CodeDBTargetUnreachable   Code = "DB_TARGET_UNREACHABLE"
	CodeTCPConnectFailed      Code = "TCP_CONNECT_FAILED"
	CodeProtocolDriverMissing Code = "PROTOCOL_DRIVER_MISSING"

	// Mapping
	CodeDeviceNotBound      Code = "DEVICE_NOT_BOUND"
	CodeMappingIncomplete   Code = "MAPPING_INCOMPLETE"
	CodeMappingTypeMismatch Code = "MAPPING_TYPE_MISMATCH"
	CodeTagUnreadable       Code = "TAG_UNREADABLE"

	// Runtime (recoverable)
	CodeReadError     Code = "READ_ERROR"
	CodeWriteError    Code = "WRITE_ERROR"
	CodeConnectFailed Code = "CONNECT_FAILED"

	// Auth
	CodePermissionDenied Code = "PERMISSION_DENIED"
)

// AgentError is a structured error with a stable code, message, an
// HTTP-status equivalent for a transport adapter, and optional details.
type AgentError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AgentError) Unwrap() error { return e.Err }

// WithDetails attaches a key/value pair, returning the receiver for chaining.
func (e *AgentError) WithDetails(key string, value interface{}) *AgentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an AgentError.
func New(code Code, message string, httpStatus int) *AgentError {
	return &AgentError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates an AgentError around an underlying cause.
func Wrap(code Code, message string, httpStatus int, err error) *AgentError {
	return &AgentError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation constructors

func NameRequired() *AgentError {
	return New(CodeNameRequired, "name is required", http.StatusBadRequest)
}

func FieldKeyInvalid(key string) *AgentError {
	return New(CodeFieldKeyInvalid, "field key is not a valid identifier", http.StatusBadRequest).
		WithDetails("key", key)
}

func FieldKeyDuplicate(key string) *AgentError {
	return New(CodeFieldKeyDuplicate, "field key already used in this schema", http.StatusBadRequest).
		WithDetails("key", key)
}

func InvalidPorts(ports []int) *AgentError {
	return New(CodeInvalidPorts, "ports must be in [1,65535] and unique", http.StatusBadRequest).
		WithDetails("ports", ports)
}

func TableNameInvalid(name string) *AgentError {
	return New(CodeTableNameInvalid, "table name is not SQL-safe", http.StatusBadRequest).
		WithDetails("name", name)
}

func ParentSchemaNotFound(id string) *AgentError {
	return New(CodeParentSchemaMissing, "parent schema not found", http.StatusBadRequest).
		WithDetails("schema_id", id)
}

func TypeInvalid(got string) *AgentError {
	return New(CodeTypeInvalid, "invalid type", http.StatusBadRequest).WithDetails("type", got)
}

func NoTables() *AgentError {
	return New(CodeNoTables, "job must reference at least one table", http.StatusBadRequest)
}

func NoMappedColumns(tableID string) *AgentError {
	return New(CodeNoMappedColumns, "table has no mapped columns", http.StatusBadRequest).
		WithDetails("table_id", tableID)
}

// Not-found constructors

func TableNotFound(id string) *AgentError {
	return New(CodeTableNotFound, "device table not found", http.StatusNotFound).WithDetails("id", id)
}

func JobNotFound(id string) *AgentError {
	return New(CodeJobNotFound, "job not found", http.StatusNotFound).WithDetails("id", id)
}

func DeviceNotFound(id string) *AgentError {
	return New(CodeDeviceNotFound, "device not found", http.StatusNotFound).WithDetails("id", id)
}

func GatewayNotFound(id string) *AgentError {
	return New(CodeGatewayNotFound, "gateway not found", http.StatusNotFound).WithDetails("id", id)
}

func TargetNotFound(id string) *AgentError {
	return New(CodeTargetNotFound, "db target not found", http.StatusNotFound).WithDetails("id", id)
}

// Conflict / lifecycle constructors

func TargetIsDefault(id string) *AgentError {
	return New(CodeTargetIsDefault, "cannot remove the default target", http.StatusConflict).WithDetails("id", id)
}

func TargetInUse(id string) *AgentError {
	return New(CodeTargetInUse, "target is referenced by one or more tables", http.StatusConflict).WithDetails("id", id)
}

func GatewayInUse(id string) *AgentError {
	return New(CodeGatewayInUse, "gateway is referenced by one or more devices", http.StatusConflict).WithDetails("id", id)
}

func RateLimited(retryAfterMs int64) *AgentError {
	return New(CodeRateLimited, "rate limited", http.StatusTooManyRequests).WithDetails("retry_after_ms", retryAfterMs)
}

// Dependency / connectivity constructors

func TestFailed(reason string) *AgentError {
	return New(CodeTestFailed, "connection test failed", http.StatusServiceUnavailable).WithDetails("reason", reason)
}

func DBTargetUnreachable(err error) *AgentError {
	return Wrap(CodeDBTargetUnreachable, "database target unreachable", http.StatusServiceUnavailable, err)
}

func TCPConnectFailed(err error) *AgentError {
	return Wrap(CodeTCPConnectFailed, "tcp connect failed", http.StatusServiceUnavailable, err)
}

func ProtocolDriverMissing(protocol string) *AgentError {
	return New(CodeProtocolDriverMissing, "protocol driver not available", http.StatusServiceUnavailable).
		WithDetails("protocol", protocol)
}

// Mapping constructors

func DeviceNotBound(tableID string) *AgentError {
	return New(CodeDeviceNotBound, "table has no bound device", http.StatusConflict).WithDetails("table_id", tableID)
}

func MappingIncomplete(tableID, fieldKey string) *AgentError {
	return New(CodeMappingIncomplete, "mapping row is incomplete", http.StatusBadRequest).
		WithDetails("table_id", tableID).WithDetails("field_key", fieldKey)
}

func MappingTypeMismatch(tableID, fieldKey string) *AgentError {
	return New(CodeMappingTypeMismatch, "mapping data type mismatch", http.StatusBadRequest).
		WithDetails("table_id", tableID).WithDetails("field_key", fieldKey)
}

func TagUnreadable(tableID, fieldKey string, err error) *AgentError {
	return Wrap(CodeTagUnreadable, "tag could not be read", http.StatusServiceUnavailable, err).
		WithDetails("table_id", tableID).WithDetails("field_key", fieldKey)
}

// Runtime constructors

func ReadError(err error) *AgentError {
	return Wrap(CodeReadError, "read failed", http.StatusServiceUnavailable, err)
}

func WriteError(err error) *AgentError {
	return Wrap(CodeWriteError, "write failed", http.StatusServiceUnavailable, err)
}

func ConnectFailed(err error) *AgentError {
	return Wrap(CodeConnectFailed, "connect failed", http.StatusServiceUnavailable, err)
}

// Auth constructor

func PermissionDenied() *AgentError {
	return New(CodePermissionDenied, "permission denied", http.StatusForbidden)
}

// Helpers

func IsAgentError(err error) bool {
	var agentErr *AgentError
	return errors.As(err, &agentErr)
}

func GetAgentError(err error) *AgentError {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr
	}
	return nil
}

func GetHTTPStatus(err error) int {
	if agentErr := GetAgentError(err); agentErr != nil {
		return agentErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// GetCode returns the error's taxonomy code, or "" if err is not an AgentError.
func GetCode(err error) Code {
	if agentErr := GetAgentError(err); agentErr != nil {
		return agentErr.Code
	}
	return ""
}
