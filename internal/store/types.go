package store

import "time"

// RunStatus is the lifecycle state of a recorded run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
	RunFailed    RunStatus = "failed"
)

// Run is one simulation run.
type Run struct {
	ID              string
	Name            string
	ConfigHash      string
	Timestep        time.Duration
	Status          RunStatus
	Cycles          int64
	StartedAt       time.Time
	EndedAt         time.Time // zero while the run is in progress
	Error           string
	EngineVersion   string
	ProtocolVersion string

	// Engines in registration order. Only populated by ReadRun.
	Engines []RunEngine
}

// RunEngine is the recorded state of one engine in a run.
type RunEngine struct {
	Name string

	// Endpoint is the remote address, or "inproc:<type>" for engines
	// hosted in the lockstep process.
	Endpoint string

	Status     string
	Steps      int64
	EngineTime time.Duration
	Error      string
}

// RunEnd carries the final state written by EndRun.
type RunEnd struct {
	Status  RunStatus
	EndedAt time.Time
	Error   string
	Engines []RunEngine
}

// StepSummary describes one recorded step.
type StepSummary struct {
	Step         int64
	SimTime      time.Duration
	SnapshotHash string
	Devices      int
	Failures     int
}
