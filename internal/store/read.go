package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/simerr"
)

const runColumns = `id, name, config_hash, timestep_ns, status, cycles, started_at, ended_at, error, engine_version, protocol_version`

// ReadRun retrieves a run and its engines.
// Returns an error wrapping sql.ErrNoRows if not found.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		return Run{}, fmt.Errorf("read run %s: %w", id, err)
	}

	run.Engines, err = s.readRunEngines(ctx, id)
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns returns every run without engines, oldest first.
// Ties on start time are broken by id for a deterministic order.
//
// Returns empty slice (not nil) if the log is empty.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at ASC, id COLLATE BINARY ASC`)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func (s *Store) readRunEngines(ctx context.Context, runID string) ([]RunEngine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, endpoint, status, steps, engine_time_ns, error
		FROM run_engines
		WHERE run_id = ?
		ORDER BY position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run engines: %w", err)
	}
	defer rows.Close()

	engines := []RunEngine{}
	for rows.Next() {
		var e RunEngine
		var engineTime int64
		if err := rows.Scan(&e.Name, &e.Endpoint, &e.Status, &e.Steps, &engineTime, &e.Error); err != nil {
			return nil, fmt.Errorf("scan run engine: %w", err)
		}
		e.EngineTime = time.Duration(engineTime)
		engines = append(engines, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run engines: %w", err)
	}
	return engines, nil
}

// ReadSteps returns a summary of every recorded step of a run in step order.
func (s *Store) ReadSteps(ctx context.Context, runID string) ([]StepSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT st.step, st.sim_time_ns, st.snapshot_hash,
			(SELECT COUNT(*) FROM step_devices d WHERE d.run_id = st.run_id AND d.step = st.step),
			(SELECT COUNT(*) FROM failures f WHERE f.run_id = st.run_id AND f.step = st.step)
		FROM steps st
		WHERE st.run_id = ?
		ORDER BY st.step ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	steps := []StepSummary{}
	for rows.Next() {
		var st StepSummary
		var simTime int64
		if err := rows.Scan(&st.Step, &simTime, &st.SnapshotHash, &st.Devices, &st.Failures); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.SimTime = time.Duration(simTime)
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

// ReadStepDevices returns the devices recorded for one step in snapshot
// order.
//
// Returns empty slice (not nil) if the step has no devices.
func (s *Store) ReadStepDevices(ctx context.Context, runID string, step int64) ([]ir.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT engine_name, name, kind, data
		FROM step_devices
		WHERE run_id = ? AND step = ?
		ORDER BY position ASC
	`, runID, step)
	if err != nil {
		return nil, fmt.Errorf("query step devices: %w", err)
	}
	defer rows.Close()

	devices := []ir.Device{}
	for rows.Next() {
		var engine, name, kind, data string
		if err := rows.Scan(&engine, &name, &kind, &data); err != nil {
			return nil, fmt.Errorf("scan step device: %w", err)
		}
		obj, err := unmarshalData(data)
		if err != nil {
			return nil, fmt.Errorf("device %s/%s: %w", engine, name, err)
		}
		devices = append(devices, ir.Device{
			ID:   ir.NewDeviceID(name, engine),
			Kind: ir.DeviceKind(kind),
			Data: obj,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step devices: %w", err)
	}
	return devices, nil
}

// ReadFailures returns every failure recorded for a run, by step and then
// in the order they were reported. The cause chain is flattened into the
// message.
func (s *Store) ReadFailures(ctx context.Context, runID string) ([]*simerr.Error, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, code, message, engine, device_engine, device_name, function
		FROM failures
		WHERE run_id = ?
		ORDER BY step ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	failures := []*simerr.Error{}
	for rows.Next() {
		var f simerr.Error
		var code, deviceEngine, deviceName string
		if err := rows.Scan(&f.Step, &code, &f.Message, &f.Engine, &deviceEngine, &deviceName, &f.Function); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Code = simerr.Code(code)
		if deviceEngine != "" || deviceName != "" {
			f.Device = ir.NewDeviceID(deviceName, deviceEngine)
		}
		failures = append(failures, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return failures, nil
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var timestep, startedAt int64
	var endedAt sql.NullInt64
	var status string
	err := row.Scan(
		&run.ID,
		&run.Name,
		&run.ConfigHash,
		&timestep,
		&status,
		&run.Cycles,
		&startedAt,
		&endedAt,
		&run.Error,
		&run.EngineVersion,
		&run.ProtocolVersion,
	)
	if err != nil {
		return Run{}, err
	}
	run.Timestep = time.Duration(timestep)
	run.Status = RunStatus(status)
	run.StartedAt = unmarshalTime(startedAt)
	run.EndedAt = unmarshalNullTime(endedAt)
	return run, nil
}
