// Package control implements the Control Interface (C10): one verb per
// operation named in spec.md §6/§10, each returning the {success, code,
// message} result shape a thin transport adapter can wrap mechanically
// (spec.md §4.10).
package control

import (
	"errors"

	agenterrors "github.com/RohithBalasubramani/plc-logger/infrastructure/errors"
)

// Result is the uniform shape every verb returns.
type Result struct {
	Success bool                   `json:"success"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message,omitempty"`
	Data    interface{}            `json:"data,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ok wraps a successful verb's payload.
func ok(data interface{}) Result {
	return Result{Success: true, Data: data}
}

// fail translates err into a Result, preserving an AgentError's code and
// message, or falling back to a generic internal code for anything else.
func fail(err error) Result {
	var ae *agenterrors.AgentError
	if errors.As(err, &ae) {
		return Result{Success: false, Code: string(ae.Code), Message: ae.Message, Details: ae.Details}
	}
	return Result{Success: false, Code: "INTERNAL", Message: err.Error()}
}
