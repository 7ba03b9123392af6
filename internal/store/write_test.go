package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/simerr"
)

func TestBeginRun_StoresRunAndEngines(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	want := beginTestRun(t, s, "run-1")

	got, err := s.ReadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("ReadRun() failed: %v", err)
	}
	if got.Status != RunRunning {
		t.Errorf("Status = %q, want %q", got.Status, RunRunning)
	}
	if !got.StartedAt.Equal(want.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, want.StartedAt)
	}
	if !got.EndedAt.IsZero() {
		t.Errorf("EndedAt = %v, want zero", got.EndedAt)
	}
	if got.Timestep != 20*time.Millisecond {
		t.Errorf("Timestep = %v", got.Timestep)
	}
	if diff := cmp.Diff(want.Engines, got.Engines); diff != "" {
		t.Errorf("Engines mismatch (-want +got):\n%s", diff)
	}
}

func TestBeginRun_DuplicateID(t *testing.T) {
	s := createTestStore(t)
	beginTestRun(t, s, "run-1")

	run := createTestRun("run-1", time.Now())
	if err := s.BeginRun(context.Background(), run); err == nil {
		t.Fatal("BeginRun() with duplicate id succeeded")
	}
}

func TestBeginRun_RequiresID(t *testing.T) {
	s := createTestStore(t)
	if err := s.BeginRun(context.Background(), Run{}); err == nil {
		t.Fatal("BeginRun() without id succeeded")
	}
}

func TestWriteStep_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	beginTestRun(t, s, "run-1")

	snap := testSnapshot(1)
	failures := []*simerr.Error{
		simerr.NewMissingInputError("voltage_to_noise", ir.NewDeviceID("voltage", "nest"), 1),
		simerr.NewEngineStepError("gazebo", "advance failed", errFake("physics exploded")),
	}
	if err := s.WriteStep(ctx, "run-1", snap, 20*time.Millisecond, failures); err != nil {
		t.Fatalf("WriteStep() failed: %v", err)
	}

	devices, err := s.ReadStepDevices(ctx, "run-1", 1)
	if err != nil {
		t.Fatalf("ReadStepDevices() failed: %v", err)
	}
	if diff := cmp.Diff(snap.Devices(), devices); diff != "" {
		t.Errorf("devices mismatch (-want +got):\n%s", diff)
	}

	got, err := s.ReadFailures(ctx, "run-1")
	if err != nil {
		t.Fatalf("ReadFailures() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(failures) = %d, want 2", len(got))
	}
	if got[0].Code != simerr.CodeMissingInput || got[0].Function != "voltage_to_noise" {
		t.Errorf("failure[0] = %+v", got[0])
	}
	if got[0].Device != ir.NewDeviceID("voltage", "nest") {
		t.Errorf("failure[0].Device = %v", got[0].Device)
	}
	if got[1].Engine != "gazebo" || got[1].Message != "advance failed: physics exploded" {
		t.Errorf("failure[1] = %+v", got[1])
	}
	if !got[1].Device.IsZero() {
		t.Errorf("failure[1].Device = %v, want zero", got[1].Device)
	}
	if got[1].Step != 1 {
		t.Errorf("failure[1].Step = %d, want 1", got[1].Step)
	}

	run, err := s.ReadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("ReadRun() failed: %v", err)
	}
	if run.Cycles != 1 {
		t.Errorf("Cycles = %d, want 1", run.Cycles)
	}
}

func TestWriteStep_DuplicateStepRollsBack(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	beginTestRun(t, s, "run-1")

	if err := s.WriteStep(ctx, "run-1", testSnapshot(1), 0, nil); err != nil {
		t.Fatalf("first WriteStep() failed: %v", err)
	}
	failures := []*simerr.Error{simerr.NewFunctionError("f", 1, errFake("x"))}
	if err := s.WriteStep(ctx, "run-1", testSnapshot(1), 0, failures); err == nil {
		t.Fatal("second WriteStep() for the same step succeeded")
	}

	got, err := s.ReadFailures(ctx, "run-1")
	if err != nil {
		t.Fatalf("ReadFailures() failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("failures written by a rolled back step: %v", got)
	}
}

func TestWriteStep_UnknownRun(t *testing.T) {
	s := createTestStore(t)
	if err := s.WriteStep(context.Background(), "missing", testSnapshot(1), 0, nil); err == nil {
		t.Fatal("WriteStep() for an unknown run succeeded")
	}
}

func TestWriteFailures(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	beginTestRun(t, s, "run-1")

	err := s.WriteFailures(ctx, "run-1", 0, []*simerr.Error{
		simerr.NewInitializationError("gazebo", errFake("no world file")),
	})
	if err != nil {
		t.Fatalf("WriteFailures() failed: %v", err)
	}
	if err := s.WriteFailures(ctx, "run-1", 0, nil); err != nil {
		t.Fatalf("WriteFailures(nil) failed: %v", err)
	}

	got, err := s.ReadFailures(ctx, "run-1")
	if err != nil {
		t.Fatalf("ReadFailures() failed: %v", err)
	}
	if len(got) != 1 || got[0].Code != simerr.CodeInitialization || got[0].Step != 0 {
		t.Errorf("failures = %+v", got)
	}
}

func TestEndRun(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	beginTestRun(t, s, "run-1")

	ended := time.UnixMilli(1_700_000_005_000).UTC()
	err := s.EndRun(ctx, "run-1", RunEnd{
		Status:  RunFailed,
		EndedAt: ended,
		Error:   "no engines left",
		Engines: []RunEngine{
			{Name: "nest", Status: "disconnected", Steps: 10, EngineTime: 200 * time.Millisecond},
			{Name: "gazebo", Status: "failed", Steps: 3, EngineTime: 60 * time.Millisecond, Error: "ENGINE_STEP: boom"},
		},
	})
	if err != nil {
		t.Fatalf("EndRun() failed: %v", err)
	}

	run, err := s.ReadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("ReadRun() failed: %v", err)
	}
	if run.Status != RunFailed || run.Error != "no engines left" || !run.EndedAt.Equal(ended) {
		t.Errorf("run = %+v", run)
	}
	want := []RunEngine{
		{Name: "nest", Endpoint: "inproc:table", Status: "disconnected", Steps: 10, EngineTime: 200 * time.Millisecond},
		{Name: "gazebo", Endpoint: "ws://localhost:9000/engine", Status: "failed", Steps: 3, EngineTime: 60 * time.Millisecond, Error: "ENGINE_STEP: boom"},
	}
	if diff := cmp.Diff(want, run.Engines); diff != "" {
		t.Errorf("engines mismatch (-want +got):\n%s", diff)
	}
}

func TestEndRun_UnknownRun(t *testing.T) {
	s := createTestStore(t)
	if err := s.EndRun(context.Background(), "missing", RunEnd{Status: RunCompleted}); err == nil {
		t.Fatal("EndRun() for an unknown run succeeded")
	}
}

type errFake string

func (e errFake) Error() string { return string(e) }
