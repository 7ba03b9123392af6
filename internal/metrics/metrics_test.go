package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	assert.NotNil(t, m.CyclesTotal)
	assert.NotNil(t, m.CycleDuration)
	assert.NotNil(t, m.EngineStepDuration)
	assert.NotNil(t, m.EngineStatus)
	assert.NotNil(t, m.FunctionFailures)
	assert.NotNil(t, m.SimulationTime)
}

func TestNewRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestRecording(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveCycle(5*time.Millisecond, 40*time.Millisecond)
	m.ObserveCycle(5*time.Millisecond, 60*time.Millisecond)
	m.SetEngineStatus("nest", StatusFailed)
	m.FunctionFailed("voltage_to_noise", "MISSING_INPUT")
	m.ObserveEngineStep("nest", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CyclesTotal))
	assert.InDelta(t, 0.06, testutil.ToFloat64(m.SimulationTime), 1e-9)
	assert.Equal(t, float64(StatusFailed), testutil.ToFloat64(m.EngineStatus.WithLabelValues("nest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FunctionFailures.WithLabelValues("voltage_to_noise", "MISSING_INPUT")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.EngineStepDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCycle(time.Second, time.Second)
		m.ObserveEngineStep("nest", time.Second)
		m.SetEngineStatus("nest", StatusConnected)
		m.FunctionFailed("f", "FUNCTION_FAILED")
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.ObserveCycle(time.Millisecond, time.Second)

	ts := httptest.NewServer(Handler(reg))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "lockstep_cycles_total 1"))
}
