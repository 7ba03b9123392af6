package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/ir"
)

func writeSim(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sim.cue"), []byte(src), 0o644))
	return dir
}

func codes(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		var le *LoadError
		if errors.As(err, &le) {
			out = append(out, le.Code)
		} else {
			out = append(out, "?")
		}
	}
	return out
}

func TestLoadSimulation(t *testing.T) {
	sim, errs := Load(filepath.Join("testdata", "sim"), LoadModeCollectAll)
	require.Empty(t, errs)

	assert.Equal(t, "closed-loop", sim.Name)
	assert.Equal(t, 20*time.Millisecond, sim.Timestep)
	assert.Equal(t, int64(5), sim.MaxCycles)
	assert.Equal(t, 30*time.Second, sim.Timeout)
	assert.False(t, sim.AbortOnEngineFailure)
	assert.Equal(t, 2, sim.FileCount)
	assert.Equal(t, []string{"voltage_to_noise"}, sim.Functions)
	assert.Len(t, sim.Hash, 64)

	require.Len(t, sim.Engines, 2)
	nest, ok := sim.Engine("nest")
	require.True(t, ok)
	assert.Equal(t, "table", nest.Type)
	assert.False(t, nest.Remote())
	assert.Equal(t, 10*time.Millisecond, nest.Resolution)
	assert.Equal(t, ir.IRArray{ir.IRString("voltage.steps")}, nest.Config["counters"])

	devices, ok := nest.Config["devices"].(ir.IRArray)
	require.True(t, ok)
	require.Len(t, devices, 2)
	assert.Equal(t, ir.IRObject{
		"name": ir.IRString("voltage"),
		"kind": ir.IRString("from_engine"),
		"data": ir.IRObject{"events": ir.IRArray{}, "steps": ir.IRInt(0)},
	}, devices[0])

	gazebo, ok := sim.Engine("gazebo")
	require.True(t, ok)
	assert.True(t, gazebo.Remote())
	assert.Equal(t, "ws://127.0.0.1:9001/engine", gazebo.Address)
	assert.Equal(t, time.Duration(0), gazebo.Resolution)
	assert.Equal(t, ir.IRObject{}, gazebo.Config)

	_, ok = sim.Engine("missing")
	assert.False(t, ok)
}

func TestLoadKeepsEngineDeclarationOrder(t *testing.T) {
	dir := writeSim(t, `
simulation: timestep: "1ms"
engine: zeta: type: "table"
engine: alpha: type: "table"
engine: mid: type: "table"
`)
	sim, errs := Load(dir, LoadModeFailFast)
	require.Empty(t, errs)

	var names []string
	for _, e := range sim.Engines {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
	assert.Equal(t, "simulation", sim.Name)
	assert.Empty(t, sim.Functions)
}

func TestLoadHashTracksContent(t *testing.T) {
	a, errs := Load(writeSim(t, `
simulation: timestep: "1ms"
engine: nest: {type: "table", config: counters: ["a.b"]}
`), LoadModeFailFast)
	require.Empty(t, errs)

	b, errs := Load(writeSim(t, `
engine: nest: {config: counters: ["a.b"], type: "table"}
simulation: timestep: "1ms"
`), LoadModeFailFast)
	require.Empty(t, errs)

	c, errs := Load(writeSim(t, `
simulation: timestep: "2ms"
engine: nest: {type: "table", config: counters: ["a.b"]}
`), LoadModeFailFast)
	require.Empty(t, errs)

	assert.Equal(t, a.Hash, b.Hash)
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestLoadCollectsAllErrors(t *testing.T) {
	sim, errs := Load(filepath.Join("testdata", "bad"), LoadModeCollectAll)
	require.NotNil(t, sim)
	assert.ElementsMatch(t, []string{
		ErrCodeTimestep,
		ErrCodeDuration,
		ErrCodeEngineTarget,
		ErrCodeEngineTarget,
		ErrCodeDuration,
		ErrCodeDuplicateFunction,
	}, codes(errs))
	assert.Equal(t, []string{"a"}, sim.Functions)
}

func TestLoadFailFast(t *testing.T) {
	_, errs := Load(filepath.Join("testdata", "bad"), LoadModeFailFast)
	require.Len(t, errs, 1)
	assert.Equal(t, []string{ErrCodeTimestep}, codes(errs))
	assert.Contains(t, errs[0].Error(), "-5ms")
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
	}{
		{"missing timestep", `engine: nest: type: "table"`, ErrCodeTimestep},
		{"zero timestep", `simulation: timestep: "0s"
engine: nest: type: "table"`, ErrCodeTimestep},
		{"zero timeout", `simulation: {timestep: "1ms", timeout: "0s"}
engine: nest: type: "table"`, ErrCodeDuration},
		{"no engines", `simulation: timestep: "1ms"`, ErrCodeNoEngine},
		{"unknown simulation field", `simulation: {timestep: "1ms", max_cycle: 3}
engine: nest: type: "table"`, ErrCodeSchema},
		{"negative cycles", `simulation: {timestep: "1ms", max_cycles: -1}
engine: nest: type: "table"`, ErrCodeSchema},
		{"function not a string", `simulation: timestep: "1ms"
engine: nest: type: "table"
functions: [1]`, ErrCodeSchema},
		{"syntax error", `simulation: {`, ErrCodeLoadFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := Load(writeSim(t, tt.src), LoadModeFailFast)
			require.NotEmpty(t, errs)
			assert.Equal(t, tt.code, codes(errs)[0], "errors: %v", errs)
		})
	}
}

func TestLoadDirectoryErrors(t *testing.T) {
	_, errs := Load("/nonexistent/simulation", LoadModeFailFast)
	assert.Equal(t, []string{ErrCodeNotFound}, codes(errs))
	assert.Contains(t, errs[0].Error(), "not found")

	_, errs = Load(t.TempDir(), LoadModeFailFast)
	assert.Equal(t, []string{ErrCodeNoFiles}, codes(errs))

	file := filepath.Join(t.TempDir(), "sim.cue")
	require.NoError(t, os.WriteFile(file, []byte(`simulation: timestep: "1ms"`), 0o644))
	_, errs = Load(file, LoadModeFailFast)
	assert.Equal(t, []string{ErrCodeNotFound}, codes(errs))
	assert.Contains(t, errs[0].Error(), "not a directory")
}

func TestCheck(t *testing.T) {
	sim, errs := Load(filepath.Join("testdata", "sim"), LoadModeFailFast)
	require.Empty(t, errs)

	assert.Empty(t, sim.Check([]string{"table"}, []string{"voltage_to_noise", "count_spikes"}))
	assert.Equal(t, []string{ErrCodeUnknownType, ErrCodeUnknownFunction}, codes(sim.Check(nil, nil)))
}

func TestFindCUEFiles(t *testing.T) {
	files, err := FindCUEFiles(filepath.Join("testdata", "sim"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join("testdata", "sim", "functions.cue"),
		filepath.Join("testdata", "sim", "simulation.cue"),
	}, files)
}

func TestLoadErrorFormat(t *testing.T) {
	err := &LoadError{Code: ErrCodeGeneric, Message: "boom"}
	assert.Equal(t, "E001: boom", err.Error())
}
