package job

import "time"

// Op is a comparison or edge-detection operator evaluated against a mapped
// field's sampled value (spec.md §3 "Trigger").
type Op string

const (
	OpChange  Op = "change"
	OpGT      Op = ">"
	OpGTE     Op = ">="
	OpLT      Op = "<"
	OpLTE     Op = "<="
	OpEQ      Op = "=="
	OpNE      Op = "!="
	OpRising  Op = "rising"
	OpFalling Op = "falling"
)

// Trigger is a predicate over one mapped field that, when satisfied, causes
// the owning job to write a row (subject to Cooldown).
type Trigger struct {
	TableID      string
	FieldKey     string
	Op           Op
	Value        *float64
	Deadband     *float64
	CooldownMs   int
}

// Cooldown returns CooldownMs as a time.Duration.
func (t Trigger) Cooldown() time.Duration {
	return time.Duration(t.CooldownMs) * time.Millisecond
}

// EvalState is the per-(table,field) sampled history a Trigger is evaluated
// against. Owned by the Job Engine, not the Catalog (spec.md §3 ownership
// note: "Job Engine owns ... in-memory trigger state").
type EvalState struct {
	Prev       *float64
	LastFireAt time.Time
}

// Evaluate applies the trigger's operator to the current value given the
// field's previous sampled value. It returns fired=true when the predicate
// is satisfied; prev is always meant to be updated by the caller afterward
// regardless of whether the trigger fired (spec.md §4.8 step 3).
//
// Per spec.md §9's open-question resolution, comparison operators (>, >=,
// <, <=, ==, !=) evaluate against the threshold alone when prev is nil (the
// first sample for a field never yields a "no data" skip for those ops);
// change/rising/falling require a non-nil prev and do not fire on the first
// sample.
func (t Trigger) Evaluate(current float64, state EvalState) (fired bool) {
	switch t.Op {
	case OpChange:
		if state.Prev == nil {
			return false
		}
		delta := current - *state.Prev
		if delta < 0 {
			delta = -delta
		}
		return delta > t.deadband()
	case OpRising:
		if state.Prev == nil || t.Value == nil {
			return false
		}
		return *state.Prev <= *t.Value && current > *t.Value
	case OpFalling:
		if state.Prev == nil || t.Value == nil {
			return false
		}
		return *state.Prev >= *t.Value && current < *t.Value
	case OpGT:
		return t.Value != nil && current > *t.Value
	case OpGTE:
		return t.Value != nil && current >= *t.Value
	case OpLT:
		return t.Value != nil && current < *t.Value
	case OpLTE:
		return t.Value != nil && current <= *t.Value
	case OpEQ:
		return t.Value != nil && current == *t.Value
	case OpNE:
		return t.Value != nil && current != *t.Value
	default:
		return false
	}
}

func (t Trigger) deadband() float64 {
	if t.Deadband == nil {
		return 0
	}
	return *t.Deadband
}

// ReadyToFire reports whether enough time has elapsed since the trigger's
// last fire for it to fire again.
func (t Trigger) ReadyToFire(now time.Time, state EvalState) bool {
	if state.LastFireAt.IsZero() {
		return true
	}
	return now.Sub(state.LastFireAt) > t.Cooldown()
}
