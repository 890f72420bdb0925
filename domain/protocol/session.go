// Package protocol abstracts field-device communication behind one
// session contract, with Modbus-TCP and OPC-UA implementations (spec.md
// §4.5).
package protocol

import (
	"context"
	"strings"
	"time"
)

// Quality mirrors the OPC-UA/Modbus convention of tagging every read with
// a confidence flag rather than trusting a bare value.
type Quality string

const (
	QualityGood Quality = "good"
	QualityBad  Quality = "bad"
)

// Tag addresses one readable point. For Modbus, Address holds the numeric
// register/coil address (as a string, to keep the interface dialect-
// agnostic); for OPC-UA, Address holds the node id. Function is not read
// by either session: Modbus reads always use holding registers (0x03).
type Tag struct {
	Address  string
	Function string
	DataType string
}

// Sample is the outcome of one read.
type Sample struct {
	Value   float64
	Quality Quality
}

// ProbeResult is the outcome of a connectivity probe.
type ProbeResult struct {
	OK        bool
	LatencyMs float64
	Err       error
}

// Session is the abstract per-device protocol contract (spec.md §4.5):
// open, probe, read, close. Each session is single-threaded — callers
// must not share one across goroutines without external serialization.
type Session interface {
	// Probe checks connectivity without reading application data.
	Probe(ctx context.Context) ProbeResult
	// Read fetches one tag's current value.
	Read(ctx context.Context, tag Tag) (Sample, error)
	// Close releases the underlying transport. Idempotent.
	Close() error
}

// Opener constructs a Session from connection params. OpenModbus and
// OpenOPCUA have this shape.
type Opener func(params map[string]string) (Session, error)

// NormalizeEndpoint rewrites the non-routable wildcard address 0.0.0.0 to
// the loopback address 127.0.0.1 before connect (spec.md §4.5).
func NormalizeEndpoint(endpoint string) string {
	return strings.ReplaceAll(endpoint, "0.0.0.0", "127.0.0.1")
}

// DialTimeout is the default per-protocol connect timeout used by
// quick_test and the reconnect supervisor's probe() calls.
const DialTimeout = 3 * time.Second
