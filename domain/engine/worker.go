package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
	"github.com/RohithBalasubramani/plc-logger/domain/device"
	"github.com/RohithBalasubramani/plc-logger/domain/job"
	"github.com/RohithBalasubramani/plc-logger/domain/mapping"
	"github.com/RohithBalasubramani/plc-logger/domain/migration"
	"github.com/RohithBalasubramani/plc-logger/domain/protocol"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/logging"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/metrics"
)

// pendingRow is one tick's worth of column values for a table, buffered
// when batching is enabled.
type pendingRow struct {
	timestampUTC time.Time
	values       map[string]interface{}
}

// tableBuffer accumulates pendingRows for one table between flushes.
type tableBuffer struct {
	rows      []pendingRow
	lastFlush time.Time
}

// worker drives one job's ticks: tick_deadline scheduling, continuous/
// trigger semantics, batching, and write-failure degradation (spec.md
// §4.8). One worker instance lives exactly as long as one Start/stop pair.
type worker struct {
	j          job.Job
	store      catalog.Store
	engines    mapping.Engine
	resolver   *mapping.Resolver
	supervisor *device.Supervisor
	metrics    *metrics.Registry
	logger     *logging.Logger

	buffers   map[string]*tableBuffer         // table id -> batch buffer
	evalState map[string]map[string]job.EvalState // table id -> field key -> trigger state
}

func newWorker(j job.Job, store catalog.Store, engines mapping.Engine, resolver *mapping.Resolver, supervisor *device.Supervisor, reg *metrics.Registry, logger *logging.Logger) *worker {
	return &worker{
		j:          j,
		store:      store,
		engines:    engines,
		resolver:   resolver,
		supervisor: supervisor,
		metrics:    reg,
		logger:     logger,
		buffers:    make(map[string]*tableBuffer),
		evalState:  make(map[string]map[string]job.EvalState),
	}
}

// run is the worker's goroutine body: tick_deadline scheduling that
// compensates for in-tick work and coalesces overrun ticks rather than
// queuing them (spec.md §4.8).
func (w *worker) run(cancel <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx := context.Background()
	interval := w.j.Interval()
	if interval <= 0 {
		interval = time.Second
	}

	deadline := time.Now()
	for {
		select {
		case <-cancel:
			return
		default:
		}

		w.tick(ctx)

		deadline = deadline.Add(interval)
		if now := time.Now(); deadline.Before(now) {
			deadline = now
		}
		sleep := time.Until(deadline)
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-cancel:
			return
		case <-time.After(sleep):
		}
	}
}

func (w *worker) tick(ctx context.Context) {
	switch w.j.Type {
	case job.TypeTrigger:
		for tableID, triggers := range w.j.TriggersByTable() {
			w.triggerTick(ctx, tableID, triggers)
		}
	default:
		for _, tableID := range w.j.Tables {
			w.continuousTick(ctx, tableID)
		}
	}
}

// readTable reads every mapped field of tableID under one logical session,
// applying scale, and returns the values keyed by field (nil for a failed
// read); each read's latency and ok/err is recorded in metrics
// (spec.md §4.8 continuous step 2 / trigger step 2 "coherent snapshot").
func (w *worker) readTable(ctx context.Context, table catalog.DeviceTable) map[string]interface{} {
	values := make(map[string]interface{})

	var session protocol.Session
	if table.DeviceID != nil {
		session, _ = w.supervisor.Session(*table.DeviceID)
	}

	for _, row := range w.resolver.Rows(table.ID) {
		start := time.Now()
		if session == nil {
			w.metrics.RecordRead(w.j.ID, 0, false)
			values[row.FieldKey] = nil
			continue
		}
		sample, err := session.Read(ctx, protocol.Tag{Address: row.Address, DataType: row.DataType})
		latencyMs := float64(time.Since(start)) / float64(time.Millisecond)
		ok := err == nil && sample.Quality == protocol.QualityGood
		w.metrics.RecordRead(w.j.ID, latencyMs, ok)
		if !ok {
			values[row.FieldKey] = nil
			continue
		}
		v := sample.Value
		if row.Scale != nil {
			v *= *row.Scale
		}
		values[row.FieldKey] = v
	}
	return values
}

func (w *worker) continuousTick(ctx context.Context, tableID string) {
	table, err := w.store.GetTable(ctx, tableID)
	if err != nil {
		return
	}
	values := w.readTable(ctx, table)
	w.writeRow(ctx, table, values)
}

func (w *worker) triggerTick(ctx context.Context, tableID string, triggers []job.Trigger) {
	table, err := w.store.GetTable(ctx, tableID)
	if err != nil {
		return
	}
	values := w.readTable(ctx, table)

	states, ok := w.evalState[tableID]
	if !ok {
		states = make(map[string]job.EvalState)
		w.evalState[tableID] = states
	}

	now := time.Now()
	anyFired := false
	for _, trig := range triggers {
		v, isFloat := values[trig.FieldKey].(float64)
		state := states[trig.FieldKey]

		fired := false
		suppressed := false
		if isFloat {
			if trig.Evaluate(v, state) {
				if trig.ReadyToFire(now, state) {
					fired = true
					state.LastFireAt = now
				} else {
					suppressed = true
				}
			}
			vv := v
			state.Prev = &vv
		}
		states[trig.FieldKey] = state
		w.metrics.RecordTrigger(w.j.ID, fired, suppressed)
		if fired {
			anyFired = true
		}
	}

	if !anyFired {
		return
	}

	projected := values
	if w.j.Columns == job.ColumnsSubset {
		keep := make(map[string]bool, len(triggers))
		for _, t := range triggers {
			keep[t.FieldKey] = true
		}
		projected = make(map[string]interface{}, len(keep))
		for k, v := range values {
			if keep[k] {
				projected[k] = v
			}
		}
	}
	w.writeRow(ctx, table, projected)
}

// writeRow inserts (or buffers, under batching) one row for table.
func (w *worker) writeRow(ctx context.Context, table catalog.DeviceTable, values map[string]interface{}) {
	row := pendingRow{timestampUTC: time.Now().UTC(), values: values}

	if !w.j.Batching.Enabled() {
		w.flushRows(ctx, table, []pendingRow{row})
		return
	}

	buf, ok := w.buffers[table.ID]
	if !ok {
		buf = &tableBuffer{lastFlush: time.Now()}
		w.buffers[table.ID] = buf
	}
	buf.rows = append(buf.rows, row)

	flushByCount := len(buf.rows) >= w.j.Batching.MaxRows
	flushByInterval := w.j.Batching.FlushInterval() > 0 && time.Since(buf.lastFlush) >= w.j.Batching.FlushInterval()
	if flushByCount || flushByInterval {
		rows := buf.rows
		buf.rows = nil
		buf.lastFlush = time.Now()
		w.flushRows(ctx, table, rows)
	}
}

// flushRows performs the actual multi-row INSERT, recording write latency
// and rows in C9 and applying the consecutive-write-failure degradation
// rule (spec.md §4.8 failure semantics).
func (w *worker) flushRows(ctx context.Context, table catalog.DeviceTable, rows []pendingRow) {
	if len(rows) == 0 {
		return
	}
	if table.DBTargetID == nil {
		w.recordWriteFailure(ctx, len(rows), "table has no bound target")
		return
	}

	db, err := w.engines.Engine(ctx, *table.DBTargetID)
	if err != nil {
		w.recordWriteFailure(ctx, len(rows), err.Error())
		return
	}
	insp, err := w.inspectorFor(ctx, *table.DBTargetID)
	if err != nil {
		w.recordWriteFailure(ctx, len(rows), err.Error())
		return
	}

	start := time.Now()
	err = insertRows(ctx, db, insp, table.LogicalName, rows)
	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		w.metrics.RecordWrite(w.j.ID, latencyMs, 0, false)
		w.recordWriteFailure(ctx, len(rows), err.Error())
		return
	}
	w.metrics.RecordWrite(w.j.ID, latencyMs, len(rows), true)
	_ = w.store.IncrementJobWriteFailures(ctx, w.j.ID, 0)
}

func (w *worker) recordWriteFailure(ctx context.Context, rows int, msg string) {
	w.j.ConsecutiveWriteFailures++
	_ = w.store.IncrementJobWriteFailures(ctx, w.j.ID, w.j.ConsecutiveWriteFailures)
	if w.j.ShouldDegrade() {
		_ = w.store.UpdateJobStatus(ctx, w.j.ID, job.StatusDegraded)
	}
	if w.logger != nil {
		w.logger.Warn(ctx, "job write failed", map[string]interface{}{"job_id": w.j.ID, "rows": rows, "error": msg})
	}
}

func (w *worker) inspectorFor(ctx context.Context, targetID string) (migration.Inspector, error) {
	tgt, err := w.store.GetTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return migration.NewInspector(tgt.Provider)
}

// insertRows builds and executes one multi-row INSERT covering every
// pendingRow, column set taken from the union of every row's keys plus
// timestamp_utc (spec.md §4.8 step 3 "single row ... batching flushes by
// max_rows or max_interval_ms").
func insertRows(ctx context.Context, db *sqlx.DB, insp migration.Inspector, logicalName string, rows []pendingRow) error {
	colSet := make(map[string]bool)
	for _, r := range rows {
		for k := range r.values {
			colSet[k] = true
		}
	}
	cols := make([]string, 0, len(colSet))
	for k := range colSet {
		cols = append(cols, k)
	}

	colList := append([]string{"timestamp_utc"}, cols...)
	placeholderGroup := "(" + strings.TrimSuffix(strings.Repeat("?,", len(colList)), ",") + ")"

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", insp.Qualify(logicalName), strings.Join(colList, ", "))
	args := make([]interface{}, 0, len(rows)*len(colList))
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholderGroup)
		args = append(args, r.timestampUTC.Format(time.RFC3339Nano))
		for _, c := range cols {
			args = append(args, r.values[c])
		}
	}

	_, err := db.ExecContext(ctx, sb.String(), args...)
	return err
}

// readFieldForPreview performs one read-only sample for dry_run, returning
// nil when the device has no live session rather than failing the whole
// preview.
func readFieldForPreview(ctx context.Context, supervisor *device.Supervisor, deviceID *string, row catalog.MappingRow) interface{} {
	if deviceID == nil {
		return nil
	}
	session, ok := supervisor.Session(*deviceID)
	if !ok {
		return nil
	}
	sample, err := session.Read(ctx, protocol.Tag{Address: row.Address, DataType: row.DataType})
	if err != nil || sample.Quality != protocol.QualityGood {
		return nil
	}
	v := sample.Value
	if row.Scale != nil {
		v *= *row.Scale
	}
	return v
}
