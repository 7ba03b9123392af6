package testutil

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/roach88/lockstep/internal/ir"
)

// MockEngine is a testify mock of the server.Engine capability.
type MockEngine struct {
	mock.Mock
}

// Initialize records the call and returns the configured devices and error.
func (m *MockEngine) Initialize(ctx context.Context, config ir.IRObject) ([]ir.Device, error) {
	args := m.Called(ctx, config)
	devices, _ := args.Get(0).([]ir.Device)
	return devices, args.Error(1)
}

// Advance records the call and returns the configured engine time and error.
func (m *MockEngine) Advance(ctx context.Context, d time.Duration) (time.Duration, error) {
	args := m.Called(ctx, d)
	return args.Get(0).(time.Duration), args.Error(1)
}

// ReadDevice records the call and returns the configured data and error.
func (m *MockEngine) ReadDevice(id ir.DeviceID) (ir.IRObject, error) {
	args := m.Called(id)
	data, _ := args.Get(0).(ir.IRObject)
	return data, args.Error(1)
}

// WriteDevice records the call and returns the configured error.
func (m *MockEngine) WriteDevice(id ir.DeviceID, data ir.IRObject) error {
	return m.Called(id, data).Error(0)
}

// Shutdown records the call and returns the configured error.
func (m *MockEngine) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// SlowEngine is a one-device engine whose Advance sleeps for Delay without
// watching its context. It records whether any two of its calls overlapped.
type SlowEngine struct {
	Name  string
	Delay time.Duration

	busy       atomic.Bool
	overlapped atomic.Bool
	shutdown   atomic.Bool
	engineTime time.Duration
}

func (e *SlowEngine) enter() {
	if !e.busy.CompareAndSwap(false, true) {
		e.overlapped.Store(true)
	}
}

func (e *SlowEngine) leave() {
	e.busy.Store(false)
}

// Initialize declares the from-engine device "clock".
func (e *SlowEngine) Initialize(context.Context, ir.IRObject) ([]ir.Device, error) {
	e.enter()
	defer e.leave()
	return []ir.Device{ir.NewFromEngine("clock", e.Name, ir.IRObject{"t": ir.IRFloat(0)})}, nil
}

// Advance sleeps for Delay and moves the engine time by d.
func (e *SlowEngine) Advance(_ context.Context, d time.Duration) (time.Duration, error) {
	e.enter()
	defer e.leave()
	time.Sleep(e.Delay)
	e.engineTime += d
	return e.engineTime, nil
}

// ReadDevice returns the engine time in seconds.
func (e *SlowEngine) ReadDevice(ir.DeviceID) (ir.IRObject, error) {
	e.enter()
	defer e.leave()
	return ir.IRObject{"t": ir.IRFloat(e.engineTime.Seconds())}, nil
}

// WriteDevice accepts and drops data.
func (e *SlowEngine) WriteDevice(ir.DeviceID, ir.IRObject) error {
	e.enter()
	defer e.leave()
	return nil
}

// Shutdown marks the engine released.
func (e *SlowEngine) Shutdown(context.Context) error {
	e.enter()
	defer e.leave()
	e.shutdown.Store(true)
	return nil
}

// Overlapped reports whether two calls ever ran at the same time.
func (e *SlowEngine) Overlapped() bool {
	return e.overlapped.Load()
}

// Busy reports whether a call is running.
func (e *SlowEngine) Busy() bool {
	return e.busy.Load()
}

// Released reports whether Shutdown was called.
func (e *SlowEngine) Released() bool {
	return e.shutdown.Load()
}
