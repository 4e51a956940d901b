package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parallelctl/parallelctl/internal/logger"
	"github.com/parallelctl/parallelctl/internal/metrics"
)

// Handler processes a single RPC method call and returns a JSON-encodable
// result or an error. Handlers may be invoked concurrently for
// overlapping requests and must be reentrant or self-synchronize.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

type pendingCall struct {
	method  string
	resolve chan rpcResult
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// Conn is one duplex RPC connection. namespace is the workerId the
// connection was opened for; Conn stores it but does not use it.
// Register frames advertise bare method names, without a workerId
// prefix. A caller reaches a Worker's method as "<workerId>:<method>" by
// passing the workerId to Call, and the receiving side strips the prefix
// before looking up its handler.
type Conn struct {
	namespace string
	rawConn   net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	writeMu   sync.Mutex
	cipher    *Cipher
	timeout   time.Duration

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	onRegister func(method string)
	onClose    func()

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps rawConn in a Conn. reader, if non-nil, is a bufio.Reader
// that has already consumed the connect handshake line — passing it
// keeps any bytes it buffered past that line from being lost to a fresh
// reader. cipher may be nil to disable encryption.
func NewConn(namespace string, rawConn net.Conn, reader *bufio.Reader, cipher *Cipher, timeout time.Duration) *Conn {
	if reader == nil {
		reader = bufio.NewReader(rawConn)
	}
	return &Conn{
		namespace: namespace,
		rawConn:   rawConn,
		reader:    reader,
		writer:    bufio.NewWriter(rawConn),
		cipher:    cipher,
		timeout:   timeout,
		handlers:  make(map[string]Handler),
		pending:   make(map[string]*pendingCall),
		closed:    make(chan struct{}),
	}
}

// OnRegister sets a callback invoked whenever the peer registers a
// method (including idempotent re-registration on reconnect).
func (c *Conn) OnRegister(fn func(method string)) { c.onRegister = fn }

// OnClose sets a callback invoked exactly once when the connection's
// read loop exits.
func (c *Conn) OnClose(fn func()) { c.onClose = fn }

// RegisterHandler registers a local handler and advertises it to the
// peer via an rpc-register frame. Calling this again for the same
// method replaces the handler locally and is a no-op otherwise
// (idempotent, per spec.md §4.5).
func (c *Conn) RegisterHandler(method string, h Handler) error {
	c.handlersMu.Lock()
	c.handlers[method] = h
	c.handlersMu.Unlock()

	return c.writeFrame(&Frame{Type: FrameRegister, Method: method})
}

// Call issues method against the peer with params, blocking until a
// response arrives, the context is cancelled, or the per-call timeout
// elapses. namespace, if non-empty, is the callee's advertised prefix
// (e.g. a workerId when the Master calls into a Worker).
func (c *Conn) Call(ctx context.Context, namespace, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal params: %w", err)
	}

	wireMethod := method
	if namespace != "" {
		wireMethod = namespace + ":" + method
	}

	id := uuid.New().String()
	call := &pendingCall{method: method, resolve: make(chan rpcResult, 1)}

	c.pendingMu.Lock()
	c.pending[id] = call
	c.pendingMu.Unlock()

	start := time.Now()
	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	frame := &Frame{Type: FrameRPCRequest, ID: id, Method: wireMethod, Params: raw}
	if err := c.writeFrame(frame); err != nil {
		cleanup()
		return nil, err
	}

	// The fixed per-connection timeout is a watchdog against a peer that
	// never responds; it must not fire before a caller-supplied context
	// deadline that legitimately runs longer (e.g. execute's deadline is
	// the task timeout, which can far exceed the RPC request timeout).
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > timeout {
			timeout = remaining
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.resolve:
		cleanup()
		metrics.RecordRPCRequest(method, time.Since(start).Seconds())
		if res.err != nil {
			metrics.RecordRPCError(method, errKind(res.err))
			return nil, res.err
		}
		return res.result, nil
	case <-timer.C:
		cleanup()
		metrics.RecordRPCError(method, "timeout")
		return nil, fmt.Errorf("%w: %s", ErrRPCTimeout, method)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-c.closed:
		cleanup()
		metrics.RecordRPCError(method, "disconnected")
		return nil, ErrDisconnected
	}
}

// Heartbeat emits a heartbeat frame.
func (c *Conn) Heartbeat() error {
	return c.writeFrame(&Frame{Type: FrameHeartbeat})
}

// Close closes the underlying socket and rejects every pending call with
// ErrDisconnected.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.rawConn.Close()

		c.pendingMu.Lock()
		for id, call := range c.pending {
			call.resolve <- rpcResult{err: ErrDisconnected}
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	})
	return err
}

// Serve runs the read loop until the connection closes or ctx is done.
// It dispatches incoming requests to local handlers concurrently and
// resolves pending calls as responses arrive.
func (c *Conn) Serve(ctx context.Context) error {
	defer func() {
		c.Close()
		if c.onClose != nil {
			c.onClose()
		}
	}()

	scanner := bufio.NewScanner(c.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			logger.WithComponent("rpc").Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		c.dispatch(ctx, &frame)
	}
	return scanner.Err()
}

func (c *Conn) dispatch(ctx context.Context, frame *Frame) {
	switch frame.Type {
	case FrameRPCRequest:
		go c.handleRequest(ctx, frame)
	case FrameRPCResponse:
		c.handleResponse(frame)
	case FrameRegister:
		if c.onRegister != nil {
			c.onRegister(frame.Method)
		}
	case FrameHeartbeat:
		// liveness only; the caller observes frames via OnRegister/OnClose
		// hooks and its own heartbeat bookkeeping layered on top of Conn.
	}
}

func (c *Conn) handleRequest(ctx context.Context, frame *Frame) {
	method := frame.Method
	if idx := strings.LastIndex(method, ":"); idx >= 0 {
		method = method[idx+1:]
	}

	params := frame.Params
	var err error
	if c.cipher != nil {
		params, err = c.cipher.OpenField(frame.Params)
		if err != nil {
			c.respondError(frame.ID, err)
			return
		}
	}

	c.handlersMu.RLock()
	h, ok := c.handlers[method]
	c.handlersMu.RUnlock()
	if !ok {
		c.respondError(frame.ID, fmt.Errorf("%w: %s", ErrMethodNotFound, method))
		return
	}

	result, err := h(ctx, params)
	if err != nil {
		c.respondError(frame.ID, &HandlerError{Message: err.Error()})
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		c.respondError(frame.ID, err)
		return
	}
	c.respondResult(frame.ID, raw)
}

func (c *Conn) respondResult(id string, result json.RawMessage) {
	if c.cipher != nil {
		sealed, err := c.cipher.SealField(result)
		if err != nil {
			c.respondError(id, err)
			return
		}
		result = sealed
	}
	_ = c.writeFrame(&Frame{Type: FrameRPCResponse, ID: id, Result: result})
}

func (c *Conn) respondError(id string, err error) {
	_ = c.writeFrame(&Frame{Type: FrameRPCResponse, ID: id, Error: err.Error()})
}

func (c *Conn) handleResponse(frame *Frame) {
	c.pendingMu.Lock()
	call, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	if frame.Error != "" {
		call.resolve <- rpcResult{err: &HandlerError{Message: frame.Error}}
		return
	}

	result := frame.Result
	if c.cipher != nil {
		opened, err := c.cipher.OpenField(frame.Result)
		if err != nil {
			call.resolve <- rpcResult{err: err}
			return
		}
		result = opened
	}
	call.resolve <- rpcResult{result: result}
}

func (c *Conn) writeFrame(frame *Frame) error {
	frame.Timestamp = time.Now().UTC()

	if c.cipher != nil {
		if frame.Type == FrameRPCRequest && len(frame.Params) > 0 {
			sealed, err := c.cipher.SealField(frame.Params)
			if err != nil {
				return err
			}
			frame.Params = sealed
		}
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("rpc: marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("rpc: write frame: %w", err)
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("rpc: write frame: %w", err)
	}
	return c.writer.Flush()
}

func errKind(err error) string {
	switch {
	case errors.Is(err, ErrRPCTimeout):
		return "timeout"
	case errors.Is(err, ErrDisconnected):
		return "disconnected"
	case errors.Is(err, ErrUndecryptable):
		return "undecryptable"
	default:
		return "handler"
	}
}
