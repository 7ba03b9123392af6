package protocol_test

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/refengine"
	"github.com/roach88/lockstep/internal/server"
	"github.com/roach88/lockstep/internal/simerr"
)

func tableConfig() ir.IRObject {
	return ir.IRObject{
		"devices": ir.IRArray{
			ir.IRObject{"name": ir.IRString("voltage"), "kind": ir.IRString("from_engine"), "data": ir.IRObject{
				"rate": ir.IRFloat(0),
			}},
			ir.IRObject{"name": ir.IRString("noise"), "kind": ir.IRString("to_engine")},
		},
		"links": ir.IRArray{ir.IRObject{"from": ir.IRString("noise.rate"), "to": ir.IRString("voltage.rate")}},
	}
}

// startServer serves a table engine named "nest" and dials it.
func startServer(t *testing.T) (*server.Server, *protocol.Client) {
	t.Helper()

	srv := server.New("nest", refengine.NewTable("nest"))
	ts := httptest.NewServer(protocol.NewHandler(srv))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + protocol.Path
	client, err := protocol.Dial(context.Background(), url, "nest")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Shutdown(context.Background()) })
	return srv, client
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv, client := startServer(t)

	devices, err := client.Initialize(ctx, tableConfig())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, ir.NewDeviceID("voltage", "nest"), devices[0].ID)
	assert.Equal(t, ir.FromEngine, devices[0].Kind)
	assert.Equal(t, ir.ToEngine, devices[1].Kind)

	require.NoError(t, client.ApplyInputs(ctx, []ir.Device{
		ir.NewToEngine("noise", "nest", ir.IRObject{"rate": ir.IRFloat(15000)}),
	}))

	result, err := client.Step(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, result.EngineTime)
	require.Len(t, result.Devices, 1)
	assert.Equal(t, ir.IRObject{"rate": ir.IRFloat(15000)}, result.Devices[0].Data)

	require.NoError(t, client.Shutdown(ctx))
	assert.Equal(t, server.StateStopped, srv.State())

	// A second shutdown is a no-op, other calls fail.
	require.NoError(t, client.Shutdown(ctx))
	_, err = client.Step(ctx, time.Millisecond)
	assert.True(t, simerr.Is(err, simerr.CodeInvalidState))
}

func TestClientRemoteErrorKeepsCode(t *testing.T) {
	ctx := context.Background()
	_, client := startServer(t)

	_, err := client.Initialize(ctx, tableConfig())
	require.NoError(t, err)

	err = client.ApplyInputs(ctx, []ir.Device{
		ir.NewToEngine("ghost", "nest", ir.IRObject{"x": ir.IRInt(1)}),
	})
	require.Error(t, err)
	se, ok := simerr.As(err)
	require.True(t, ok)
	assert.Equal(t, simerr.CodeUnknownDevice, se.Code)
	assert.Equal(t, ir.NewDeviceID("ghost", "nest"), se.Device)

	// The connection stays usable after a remote, non-transport error.
	_, err = client.Step(ctx, time.Millisecond)
	assert.NoError(t, err)
}

func TestClientSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	_, client := startServer(t)
	_, err := client.Initialize(ctx, tableConfig())
	require.NoError(t, err)

	noise := func(v ir.IRValue) []ir.Device {
		return []ir.Device{ir.NewToEngine("noise", "nest", ir.IRObject{"rate": v})}
	}
	require.NoError(t, client.ApplyInputs(ctx, noise(ir.IRFloat(1))))
	err = client.ApplyInputs(ctx, noise(ir.IRString("fast")))
	assert.True(t, simerr.Is(err, simerr.CodeSchemaMismatch))
}

func TestClientInitializationFailure(t *testing.T) {
	_, client := startServer(t)

	_, err := client.Initialize(context.Background(), ir.IRObject{"fail_on_init": ir.IRBool(true)})
	require.Error(t, err)
	assert.True(t, simerr.Is(err, simerr.CodeInitialization))
	assert.True(t, simerr.IsFatal(err))
}

func TestClientStepTimeout(t *testing.T) {
	_, client := startServer(t)
	_, err := client.Initialize(context.Background(), ir.IRObject{"step_delay": ir.IRString("2s")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = client.Step(ctx, time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, simerr.Is(err, simerr.CodeSynchronizationTimeout))

	// The connection is no longer trusted after a missed deadline.
	_, err = client.Step(context.Background(), time.Millisecond)
	require.Error(t, err)
	assert.True(t, simerr.Is(err, simerr.CodeEngineStep))
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := protocol.Dial(ctx, "ws://127.0.0.1:1/engine", "nest")
	require.Error(t, err)
	assert.True(t, simerr.Is(err, simerr.CodeInitialization))
}

func TestErrorBodyRoundTrip(t *testing.T) {
	id := ir.NewDeviceID("noise", "nest")
	orig := simerr.NewSchemaMismatchError(id, []string{"rate: number changed to string"})

	body := protocol.NewErrorBody("nest", orig)
	assert.Equal(t, simerr.CodeSchemaMismatch, body.Code)
	require.NotNil(t, body.Device)
	assert.Equal(t, id, *body.Device)

	back := body.Err()
	assert.Equal(t, orig.Code, back.Code)
	assert.Equal(t, id, back.Device)
}

func TestErrorBodyWrapsForeignErrors(t *testing.T) {
	body := protocol.NewErrorBody("nest", errors.New("boom"))
	assert.Equal(t, simerr.CodeEngineStep, body.Code)
	assert.Equal(t, "nest", body.Engine)
	assert.Contains(t, body.Message, "boom")
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- protocol.Serve(ctx, ln, server.New("nest", refengine.NewTable("nest")))
	}()

	client, err := protocol.Dial(context.Background(), "ws://"+ln.Addr().String()+protocol.Path, "nest")
	require.NoError(t, err)
	_, err = client.Initialize(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, client.Shutdown(context.Background()))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
