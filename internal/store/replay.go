package store

import (
	"context"
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
)

// ReadSnapshot rebuilds the snapshot recorded for a step and checks it
// against the stored hash. A mismatch means the log was modified after it
// was written.
func (s *Store) ReadSnapshot(ctx context.Context, runID string, step int64) (*ir.Snapshot, error) {
	var want string
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot_hash FROM steps WHERE run_id = ? AND step = ?
	`, runID, step).Scan(&want)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s/%d: %w", runID, step, err)
	}

	devices, err := s.ReadStepDevices(ctx, runID, step)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s/%d: %w", runID, step, err)
	}
	snap := ir.NewSnapshot(step, devices)

	got, err := snap.Hash()
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s/%d: %w", runID, step, err)
	}
	if got != want {
		return nil, fmt.Errorf("read snapshot %s/%d: hash mismatch: stored %s, computed %s", runID, step, want, got)
	}
	return snap, nil
}

// FindIncompleteRuns returns runs that were begun but never ended, which
// happens when the process dies mid-run. Oldest first.
func (s *Store) FindIncompleteRuns(ctx context.Context) ([]Run, error) {
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = ?
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`, string(RunRunning))
}

// LastStep returns the highest recorded step of a run, or -1 if none.
func (s *Store) LastStep(ctx context.Context, runID string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(step), -1) FROM steps WHERE run_id = ?
	`, runID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last step %s: %w", runID, err)
	}
	return last, nil
}
