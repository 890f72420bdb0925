package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-agent", reg)

	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}
	if m.JobRunsTotal == nil {
		t.Error("JobRunsTotal should not be nil")
	}
	if m.TagReadsTotal == nil {
		t.Error("TagReadsTotal should not be nil")
	}
	if m.ErrorsTotal == nil {
		t.Error("ErrorsTotal should not be nil")
	}
}

func TestRecordJobRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-agent", reg)

	m.RecordJobRun("job-1", "ok", 100*time.Millisecond)
	m.RecordJobRun("job-1", "error", 50*time.Millisecond)
	m.RecordRowsWritten("job-1", "table-1", 42)
}

func TestRecordError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-agent", reg)

	m.RecordError("job_engine", "READ_ERROR")
	m.RecordError("mapping_resolver", "MAPPING_TYPE_MISMATCH")
}

func TestRecordTagRead(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-agent", reg)

	m.RecordTagRead("table-1", "ok", 2*time.Millisecond)
	m.RecordTagRead("table-1", "error", 1*time.Millisecond)
}

func TestDeviceStateAndReconnects(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-agent", reg)

	m.SetDeviceState("device-1", 2)
	m.RecordReconnect("device-1", "success")
	m.RecordReconnect("device-1", "failed")
}

func TestRecordDBWrite(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-agent", reg)

	m.RecordDBWrite("target-1", "success", 10*time.Millisecond)
	m.RecordDBWrite("target-1", "failed", 5*time.Millisecond)
	m.SetDBConnsOpen("target-1", 3)
}

func TestUpdateUptime(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-agent", reg)
	startTime := time.Now().Add(-1 * time.Hour)

	m.UpdateUptime(startTime)
}

func TestSetHostUsage(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-agent", reg)

	m.SetHostUsage(12.5, 47.3)
}

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-agent", reg)

	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	if len(metricFamilies) == 0 {
		t.Error("Expected metrics to be registered")
	}
}
