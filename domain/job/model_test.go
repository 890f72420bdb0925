package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobFields(t *testing.T) {
	now := time.Now()
	j := Job{
		ID:         "job-1",
		Name:       "Transformer bank poll",
		Type:       TypeContinuous,
		Tables:     []string{"table-1"},
		IntervalMs: 1000,
		Enabled:    true,
		Status:     StatusRunning,
		CreatedAt:  now.Add(-time.Hour),
		UpdatedAt:  now,
	}

	require.NotEmpty(t, j.Name, "expected job to retain name")
	assert.True(t, j.Enabled, "expected job to be enabled")
	assert.Equal(t, time.Second, j.Interval())
}

func TestBatchingEnabled(t *testing.T) {
	cases := []struct {
		name string
		b    Batching
		want bool
	}{
		{"disabled by default", Batching{}, false},
		{"enabled with max rows", Batching{MaxRows: 50}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.b.Enabled())
		})
	}
}

func TestShouldDegrade(t *testing.T) {
	j := Job{ConsecutiveWriteFailures: DegradedThreshold - 1}
	assert.False(t, j.ShouldDegrade(), "ShouldDegrade() before threshold")

	j.ConsecutiveWriteFailures = DegradedThreshold
	assert.True(t, j.ShouldDegrade(), "ShouldDegrade() at threshold")
}

func TestTriggersByTable(t *testing.T) {
	j := Job{
		Triggers: []Trigger{
			{TableID: "t1", FieldKey: "r_current"},
			{TableID: "t1", FieldKey: "voltage"},
			{TableID: "t2", FieldKey: "r_current"},
		},
	}
	grouped := j.TriggersByTable()
	require.Len(t, grouped["t1"], 2)
	require.Len(t, grouped["t2"], 1)
}
