package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/lockstep/internal/ir"
)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRun creates a run with two engines, nest and gazebo.
func createTestRun(id string, started time.Time) Run {
	return Run{
		ID:              id,
		Name:            "closed-loop",
		ConfigHash:      "cfg-hash",
		Timestep:        20 * time.Millisecond,
		StartedAt:       started,
		EngineVersion:   "0.1.0",
		ProtocolVersion: "1",
		Engines: []RunEngine{
			{Name: "nest", Endpoint: "inproc:table", Status: "connected"},
			{Name: "gazebo", Endpoint: "ws://localhost:9000/engine", Status: "connected"},
		},
	}
}

// beginTestRun stores createTestRun(id) and fails the test on error.
func beginTestRun(t *testing.T, s *Store, id string) Run {
	t.Helper()
	run := createTestRun(id, time.UnixMilli(1_700_000_000_000).UTC())
	if err := s.BeginRun(context.Background(), run); err != nil {
		t.Fatalf("BeginRun() failed: %v", err)
	}
	return run
}

func testSnapshot(step int64) *ir.Snapshot {
	return ir.NewSnapshot(step, []ir.Device{
		ir.NewFromEngine("voltage", "nest", ir.IRObject{"events": ir.IRArray{ir.IRFloat(-65.5)}}),
		ir.NewToEngine("noise", "nest", ir.IRObject{"rate": ir.IRFloat(15000)}),
		ir.NewFromEngine("joints", "gazebo", ir.IRObject{"angle": ir.IRInt(3)}),
	})
}
