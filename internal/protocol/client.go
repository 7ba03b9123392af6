package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/lockstep/internal/codec"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/simerr"
)

// Client drives a remote engine server. Calls are serialized; each waits
// for its response or for ctx to end, whichever comes first.
//
// A transport failure or missed deadline leaves the connection in an
// unknown state, so every later call fails fast.
type Client struct {
	name string
	conn *websocket.Conn

	mu     sync.Mutex
	nextID int64
	broken error
	closed bool
}

// Dial connects to the engine server at url (for example
// "ws://localhost:9000/engine"). name is the engine name the loop knows the
// server by.
func Dial(ctx context.Context, url, name string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, simerr.NewInitializationError(name, fmt.Errorf("dial %s: %w", url, err))
	}
	return &Client{name: name, conn: conn}, nil
}

// Name returns the engine name.
func (c *Client) Name() string {
	return c.name
}

// Initialize implements Engine.
func (c *Client) Initialize(ctx context.Context, config ir.IRObject) ([]ir.Device, error) {
	if config == nil {
		config = ir.IRObject{}
	}
	raw, err := ir.MarshalCanonical(config)
	if err != nil {
		return nil, simerr.NewInitializationError(c.name, fmt.Errorf("encode config: %w", err))
	}
	resp, err := c.call(ctx, Request{Op: OpInitialize, Config: raw})
	if err != nil {
		return nil, err
	}
	return c.decodeDevices(resp)
}

// Step implements Engine.
func (c *Client) Step(ctx context.Context, d time.Duration) (StepResult, error) {
	resp, err := c.call(ctx, Request{Op: OpStep, DurationNS: int64(d)})
	if err != nil {
		return StepResult{}, err
	}
	devices, err := c.decodeDevices(resp)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Devices: devices, EngineTime: time.Duration(resp.EngineTimeNS)}, nil
}

// ApplyInputs implements Engine.
func (c *Client) ApplyInputs(ctx context.Context, devices []ir.Device) error {
	raw, err := codec.EncodeRaw(devices)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, Request{Op: OpSetInputs, Devices: raw})
	return err
}

// Shutdown implements Engine. The connection is closed afterwards, even if
// the remote shutdown failed.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	broken := c.broken
	c.mu.Unlock()
	if closed {
		return nil
	}

	var err error
	if broken == nil {
		_, err = c.call(ctx, Request{Op: OpShutdown})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	if closeErr := c.conn.Close(); closeErr != nil && err == nil && !errors.Is(closeErr, net.ErrClosed) {
		err = fmt.Errorf("close connection: %w", closeErr)
	}
	return err
}

func (c *Client) call(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, simerr.NewInvalidStateError(c.name, string(req.Op), "closed")
	}
	if c.broken != nil {
		return nil, simerr.NewEngineStepError(c.name, "connection is unusable", c.broken)
	}

	c.nextID++
	req.ID = c.nextID

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	_ = c.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := c.conn.WriteJSON(req); err != nil {
		return nil, c.fail(ctx, req.Op, err)
	}
	var resp Response
	if err := c.conn.ReadJSON(&resp); err != nil {
		return nil, c.fail(ctx, req.Op, err)
	}
	if resp.ID != req.ID {
		return nil, c.fail(ctx, req.Op, fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID))
	}
	if !resp.OK {
		if resp.Error == nil {
			return nil, simerr.NewEngineStepError(c.name, fmt.Sprintf("%s failed without error details", req.Op), nil)
		}
		return nil, resp.Error.Err()
	}
	return &resp, nil
}

// fail marks the connection broken and classifies err. Caller holds mu.
func (c *Client) fail(ctx context.Context, op Op, err error) error {
	c.broken = err
	if ctx.Err() != nil || isTimeout(err) {
		return simerr.NewTimeoutError(c.name, string(op), err)
	}
	if op == OpInitialize {
		return simerr.NewInitializationError(c.name, err)
	}
	return simerr.NewEngineStepError(c.name, fmt.Sprintf("%s transport failure", op), err)
}

func (c *Client) decodeDevices(resp *Response) ([]ir.Device, error) {
	devices, err := codec.DecodeRaw(resp.Devices)
	if err != nil {
		return nil, simerr.Wrap(simerr.CodeMalformedPayload, c.name, err)
	}
	return devices, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
