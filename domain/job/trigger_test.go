package job

import (
	"testing"
	"time"
)

func f(v float64) *float64 { return &v }

func TestTriggerEvaluateGT(t *testing.T) {
	trig := Trigger{Op: OpGT, Value: f(0.5)}

	cases := []struct {
		name    string
		current float64
		prev    *float64
		want    bool
	}{
		{"above threshold, no prev", 0.9, nil, true},
		{"below threshold, no prev", 0.4, nil, false},
		{"above threshold with prev", 0.9, f(0.4), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := trig.Evaluate(tc.current, EvalState{Prev: tc.prev})
			if got != tc.want {
				t.Fatalf("Evaluate() = %v, want %v", got, tc.want)
			}
		})
	}
}

// TestScenarioS3CooldownSuppression mirrors spec.md's S3: a job with trigger
// r_current > 0.5, cooldown_ms=2000, fed 0.4,0.9,0.9,0.9,0.2,0.9 at 1s
// cadence should fire exactly twice (second and sixth samples, i.e. the first
// and fourth samples above the threshold).
func TestScenarioS3CooldownSuppression(t *testing.T) {
	trig := Trigger{Op: OpGT, Value: f(0.5), CooldownMs: 2000}
	samples := []float64{0.4, 0.9, 0.9, 0.9, 0.2, 0.9}

	state := EvalState{}
	start := time.Unix(0, 0)
	fires := 0

	for i, v := range samples {
		now := start.Add(time.Duration(i) * time.Second)
		fired := trig.Evaluate(v, state)
		wroteRow := fired && trig.ReadyToFire(now, state)
		if wroteRow {
			fires++
			state.LastFireAt = now
		}
		state.Prev = f(v)
	}

	if fires != 2 {
		t.Fatalf("expected 2 fires with cooldown suppression, got %d", fires)
	}
}

func TestTriggerEvaluateRisingFalling(t *testing.T) {
	rising := Trigger{Op: OpRising, Value: f(10)}
	if rising.Evaluate(15, EvalState{Prev: f(5)}) != true {
		t.Fatalf("expected rising edge to fire")
	}
	if rising.Evaluate(15, EvalState{Prev: f(12)}) != false {
		t.Fatalf("expected no fire when already above threshold")
	}
	if rising.Evaluate(15, EvalState{}) != false {
		t.Fatalf("expected no fire on first sample (nil prev)")
	}

	falling := Trigger{Op: OpFalling, Value: f(10)}
	if falling.Evaluate(5, EvalState{Prev: f(15)}) != true {
		t.Fatalf("expected falling edge to fire")
	}
}

func TestTriggerEvaluateChangeDeadband(t *testing.T) {
	trig := Trigger{Op: OpChange, Deadband: f(1.0)}

	if trig.Evaluate(10, EvalState{}) != false {
		t.Fatalf("expected no fire on first sample (nil prev)")
	}
	if trig.Evaluate(10.5, EvalState{Prev: f(10)}) != false {
		t.Fatalf("expected no fire within deadband")
	}
	if trig.Evaluate(12, EvalState{Prev: f(10)}) != true {
		t.Fatalf("expected fire beyond deadband")
	}
}

func TestReadyToFire(t *testing.T) {
	trig := Trigger{CooldownMs: 2000}
	now := time.Now()

	if !trig.ReadyToFire(now, EvalState{}) {
		t.Fatalf("expected ready to fire when never fired")
	}
	if trig.ReadyToFire(now, EvalState{LastFireAt: now.Add(-time.Second)}) {
		t.Fatalf("expected not ready within cooldown window")
	}
	if !trig.ReadyToFire(now, EvalState{LastFireAt: now.Add(-3 * time.Second)}) {
		t.Fatalf("expected ready after cooldown window elapses")
	}
}
