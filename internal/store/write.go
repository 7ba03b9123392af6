package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/simerr"
)

// BeginRun records the start of run together with its engines. The run is
// stored as running regardless of run.Status.
func (s *Store) BeginRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("begin run: id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, name, config_hash, timestep_ns, status, cycles, started_at, engine_version, protocol_version)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`,
		run.ID,
		run.Name,
		run.ConfigHash,
		int64(run.Timestep),
		string(RunRunning),
		marshalTime(run.StartedAt),
		run.EngineVersion,
		run.ProtocolVersion,
	)
	if err != nil {
		return fmt.Errorf("begin run %s: %w", run.ID, err)
	}

	for i, e := range run.Engines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_engines (run_id, position, name, endpoint, status)
			VALUES (?, ?, ?, ?, ?)
		`, run.ID, i, e.Name, e.Endpoint, e.Status)
		if err != nil {
			return fmt.Errorf("begin run %s: engine %s: %w", run.ID, e.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("begin run %s: commit: %w", run.ID, err)
	}
	return nil
}

// WriteStep records one completed step: the snapshot with its hash and the
// failures reported while producing it. Everything is written in a single
// transaction, and the run's cycle count is advanced to the step.
func (s *Store) WriteStep(ctx context.Context, runID string, snap *ir.Snapshot, simTime time.Duration, failures []*simerr.Error) error {
	hash, err := snap.Hash()
	if err != nil {
		return fmt.Errorf("write step %d: %w", snap.Step(), err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write step %d: begin tx: %w", snap.Step(), err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO steps (run_id, step, sim_time_ns, snapshot_hash)
		VALUES (?, ?, ?, ?)
	`, runID, snap.Step(), int64(simTime), hash)
	if err != nil {
		return fmt.Errorf("write step %d: %w", snap.Step(), err)
	}

	for i, d := range snap.Devices() {
		data, err := marshalData(d.Data)
		if err != nil {
			return fmt.Errorf("write step %d: device %s: %w", snap.Step(), d.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO step_devices (run_id, step, position, engine_name, name, kind, data)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, runID, snap.Step(), i, d.ID.EngineName, d.ID.Name, string(d.Kind), data)
		if err != nil {
			return fmt.Errorf("write step %d: device %s: %w", snap.Step(), d.ID, err)
		}
	}

	for _, f := range failures {
		if err := insertFailure(ctx, tx, runID, snap.Step(), f); err != nil {
			return fmt.Errorf("write step %d: %w", snap.Step(), err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET cycles = MAX(cycles, ?) WHERE id = ?
	`, snap.Step(), runID)
	if err != nil {
		return fmt.Errorf("write step %d: update run: %w", snap.Step(), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write step %d: commit: %w", snap.Step(), err)
	}
	return nil
}

// WriteFailures records failures that are not tied to a stored snapshot,
// such as initialization or shutdown errors.
func (s *Store) WriteFailures(ctx context.Context, runID string, step int64, failures []*simerr.Error) error {
	if len(failures) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write failures: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, f := range failures {
		if err := insertFailure(ctx, tx, runID, step, f); err != nil {
			return fmt.Errorf("write failures: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write failures: commit: %w", err)
	}
	return nil
}

// EndRun finalizes a run and the status of its engines.
func (s *Store) EndRun(ctx context.Context, runID string, end RunEnd) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("end run %s: begin tx: %w", runID, err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ?, error = ? WHERE id = ?
	`, string(end.Status), marshalNullTime(end.EndedAt), end.Error, runID)
	if err != nil {
		return fmt.Errorf("end run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end run %s: run not found", runID)
	}

	for _, e := range end.Engines {
		_, err := tx.ExecContext(ctx, `
			UPDATE run_engines
			SET status = ?, steps = ?, engine_time_ns = ?, error = ?
			WHERE run_id = ? AND name = ?
		`, e.Status, e.Steps, int64(e.EngineTime), e.Error, runID, e.Name)
		if err != nil {
			return fmt.Errorf("end run %s: engine %s: %w", runID, e.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("end run %s: commit: %w", runID, err)
	}
	return nil
}

func insertFailure(ctx context.Context, tx *sql.Tx, runID string, step int64, f *simerr.Error) error {
	message := f.Message
	if f.Err != nil {
		message = message + ": " + f.Err.Error()
	}
	if f.Step != 0 {
		step = f.Step
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO failures
		(run_id, step, code, message, engine, device_engine, device_name, function)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID,
		step,
		string(f.Code),
		message,
		f.Engine,
		f.Device.EngineName,
		f.Device.Name,
		f.Function,
	)
	if err != nil {
		return fmt.Errorf("insert failure %s: %w", f.Code, err)
	}
	return nil
}
