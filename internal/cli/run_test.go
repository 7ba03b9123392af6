package cli

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/refengine"
	"github.com/roach88/lockstep/internal/server"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/testutil"
)

const simDir = "testdata/sim"

type runResponse struct {
	Status string     `json:"status"`
	Data   RunSummary `json:"data"`
	Error  *CLIError  `json:"error"`
	RunID  string     `json:"run_id"`
}

// serveTable serves a table engine on a random port until the test ends
// and returns its URL.
func serveTable(t *testing.T, name string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	eng, err := refengine.New(refengine.TableType, name)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- protocol.Serve(ctx, ln, server.New(name, eng))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return "ws://" + ln.Addr().String() + protocol.Path
}

// runDirect runs a simulation with opts, bypassing flag parsing.
func runDirect(t *testing.T, opts *RunOptions, dir string) (string, error) {
	t.Helper()
	buf := &syncBuffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(buf)
	cmd.SetErr(&syncBuffer{})
	cmd.SetContext(context.Background())
	err := runSimulation(opts, dir, cmd)
	return buf.String(), err
}

func TestRunSimulation(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	out, _, err := executeCommand(cmd, simDir)
	require.NoError(t, err)

	assert.Contains(t, out, "✓ Run")
	assert.Contains(t, out, "completed: 3 cycles, sim time 60ms")
	assert.Contains(t, out, "nest")
	assert.Contains(t, out, "gazebo")
	assert.NotContains(t, out, "Failures")
}

func TestRunSimulationJSON(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{Format: "json"})
	out, _, err := executeCommand(cmd, simDir)
	require.NoError(t, err)

	var resp runResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	assert.Equal(t, resp.Data.RunID, resp.RunID)

	s := resp.Data
	assert.Equal(t, "closed-loop", s.Name)
	assert.Equal(t, "completed", s.Status)
	assert.Equal(t, int64(3), s.Cycles)
	assert.Equal(t, (60 * time.Millisecond).Nanoseconds(), s.SimTimeNS)
	assert.Len(t, s.Hash, 64)
	assert.Empty(t, s.Failures)

	require.Len(t, s.Engines, 2)
	assert.Equal(t, "nest", s.Engines[0].Name)
	assert.Equal(t, "inproc:table", s.Engines[0].Endpoint)
	assert.Equal(t, "gazebo", s.Engines[1].Name)
	for _, e := range s.Engines {
		assert.Equal(t, "disconnected", e.Status, e.Name)
		assert.Equal(t, int64(3), e.Steps, e.Name)
	}
}

func TestRunRecordsToDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	opts := &RunOptions{
		RootOptions: &RootOptions{Format: "text"},
		Database:    dbPath,
		RunIDs:      testutil.NewFixedRunIDGenerator("run-1"),
	}

	out, err := runDirect(t, opts, simDir)
	require.NoError(t, err)
	assert.Contains(t, out, "Run run-1 completed")

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	run, err := st.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, int64(3), run.Cycles)
	assert.Equal(t, "closed-loop", run.Name)
	assert.NotEmpty(t, run.ConfigHash)
	require.Len(t, run.Engines, 2)

	last, err := st.LastStep(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	snap, err := st.ReadSnapshot(ctx, "run-1", last)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Len())
}

func TestRunCyclesFlagOverridesConfig(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{Format: "json"})
	out, _, err := executeCommand(cmd, "--cycles", "1", simDir)
	require.NoError(t, err)

	var resp runResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(1), resp.Data.Cycles)
}

func TestRunEnvironmentSetsFlags(t *testing.T) {
	t.Setenv("LOCKSTEP_CYCLES", "2")

	t.Run("env", func(t *testing.T) {
		cmd := NewRunCommand(&RootOptions{Format: "json"})
		out, _, err := executeCommand(cmd, simDir)
		require.NoError(t, err)

		var resp runResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.Equal(t, int64(2), resp.Data.Cycles)
	})

	t.Run("flag wins", func(t *testing.T) {
		cmd := NewRunCommand(&RootOptions{Format: "json"})
		out, _, err := executeCommand(cmd, "--cycles", "1", simDir)
		require.NoError(t, err)

		var resp runResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.Equal(t, int64(1), resp.Data.Cycles)
	})
}

func TestRunEnvFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "from-env.db")
	envFile := writeFile(t, dir, "lockstep.env", "LOCKSTEP_DB="+dbPath+"\n")
	t.Cleanup(func() { os.Unsetenv("LOCKSTEP_DB") })

	cmd := NewRunCommand(&RootOptions{Format: "text", EnvFile: envFile})
	_, _, err := executeCommand(cmd, simDir)
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database named in the env file should be created")
}

func TestRunMissingEnvFile(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{Format: "text", EnvFile: "/nonexistent/lockstep.env"})
	_, _, err := executeCommand(cmd, simDir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load settings")
}

func TestRunInvalidSimulation(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	_, _, err := executeCommand(cmd, "testdata/invalid")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load simulation")
	assert.Contains(t, err.Error(), "E101")
}

func TestRunUnknownFunction(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "simulation.cue", `
package sim

simulation: timestep: "10ms"
engine: nest: type: "table"
functions: ["no_such_function"]
`)

	cmd := NewRunCommand(&RootOptions{Format: "text"})
	_, _, err := executeCommand(cmd, dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "E120")
}

func TestRunNonExistentSimDir(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	_, _, err := executeCommand(cmd, "/nonexistent/directory")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "simulation directory not found")
}

func TestRunEmptySimDir(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	_, _, err := executeCommand(cmd, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no CUE files found")
}

func TestRunEngineFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "simulation.cue", `
package sim

simulation: {
	timestep:   "10ms"
	max_cycles: 5
}

engine: gazebo: {
	type: "table"
	config: {
		devices: [{name: "joints", kind: "from_engine", data: {angle: 1.0}}]
		fail_at_step: 2
	}
}
`)

	cmd := NewRunCommand(&RootOptions{Format: "json"})
	out, _, err := executeCommand(cmd, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp runResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "failed", resp.Data.Status)
	require.Len(t, resp.Data.Engines, 1)
	assert.Equal(t, "failed", resp.Data.Engines[0].Status)
	require.NotEmpty(t, resp.Data.Failures)
	assert.Equal(t, "ENGINE_STEP", resp.Data.Failures[0].Code)
	assert.Equal(t, int64(2), resp.Data.Failures[0].Step)
}

func TestRunRemoteEngine(t *testing.T) {
	url := serveTable(t, "gazebo")
	dir := t.TempDir()
	writeFile(t, dir, "simulation.cue", `
package sim

simulation: {
	timestep:   "10ms"
	max_cycles: 2
}

engine: nest: {
	type: "table"
	config: devices: [{name: "voltage", kind: "from_engine", data: {events: []}}]
}

engine: gazebo: {
	address: "`+url+`"
	config: {
		devices: [
			{name: "joints", kind: "from_engine", data: {angle: 0.5, gain: 2}},
			{name: "motor", kind: "to_engine"},
		]
		links: [{from: "motor.torque", to: "joints.angle"}]
	}
}

functions: ["joints_to_motor"]
`)

	cmd := NewRunCommand(&RootOptions{Format: "json"})
	out, _, err := executeCommand(cmd, dir)
	require.NoError(t, err)

	var resp runResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "completed", resp.Data.Status)
	require.Len(t, resp.Data.Engines, 2)
	gazebo := resp.Data.Engines[1]
	assert.Equal(t, url, gazebo.Endpoint)
	assert.Equal(t, "disconnected", gazebo.Status)
	assert.Equal(t, int64(2), gazebo.Steps)
}

func TestRunUnreachableEngine(t *testing.T) {
	// Reserve a port and close it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	dir := t.TempDir()
	writeFile(t, dir, "simulation.cue", `
package sim

simulation: timestep: "10ms"
engine: gazebo: address: "ws://`+addr+`/engine"
`)

	cmd := NewRunCommand(&RootOptions{Format: "text"})
	_, _, err = executeCommand(cmd, dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to connect engines")
}

func TestRunWithMetrics(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	_, _, err := executeCommand(cmd, "--metrics-addr", "127.0.0.1:0", simDir)
	require.NoError(t, err)
}

func TestRunBadMetricsAddr(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	_, _, err := executeCommand(cmd, "--metrics-addr", "not-an-address", simDir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to serve metrics")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "simulation.cue", `
package sim

simulation: {
	timestep:   "10ms"
	max_cycles: 0
}

engine: nest: {
	type: "table"
	config: {
		devices: [{name: "voltage", kind: "from_engine", data: {steps: 0}}]
		counters: ["voltage.steps"]
		step_delay: "2ms"
	}
}
`)

	buf := &syncBuffer{}
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(&syncBuffer{})
	cmd.SetArgs([]string{dir})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- cmd.ExecuteContext(ctx)
	}()

	select {
	case err := <-errChan:
		require.NoError(t, err, "a cancelled run is a stopped run, not a failure")
	case <-time.After(5 * time.Second):
		t.Fatal("command did not respect context cancellation")
	}
	assert.Contains(t, buf.String(), "stopped")
}

func TestRunHelpText(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	out, _, err := executeCommand(cmd, "--help")
	require.NoError(t, err)

	assert.Contains(t, out, "Run the simulation described by the CUE files")
	assert.Contains(t, out, "--db")
	assert.Contains(t, out, "--cycles")
	assert.Contains(t, out, "--metrics-addr")
	assert.Contains(t, out, "sim-dir")
}
