package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/parallelctl/parallelctl/internal/logger"
	"github.com/parallelctl/parallelctl/internal/metrics"
)

// DialConfig controls how a Worker connects and reconnects to the
// Master's loopback socket.
type DialConfig struct {
	Addr           string
	WorkerID       string
	Token          string
	Cipher         *Cipher
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Backoff        time.Duration
	MaxBackoff     time.Duration
}

// Client maintains a Worker-side connection to the Master, transparently
// reconnecting with exponential backoff and re-registering every handler
// that was registered through it whenever a new Conn is established.
type Client struct {
	cfg DialConfig

	mu       sync.RWMutex
	conn     *Conn
	handlers map[string]Handler

	onConnect func(*Conn)

	stopped chan struct{}
	stopOnce sync.Once
}

// NewClient constructs a Client. Call Run to connect and maintain the
// connection until ctx is cancelled.
func NewClient(cfg DialConfig) *Client {
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Client{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		stopped:  make(chan struct{}),
	}
}

// OnConnect registers a callback invoked every time a new Conn is
// established (including reconnects), after handlers have been
// re-registered on it. Useful for starting a heartbeat loop.
func (c *Client) OnConnect(fn func(*Conn)) { c.onConnect = fn }

// RegisterHandler registers h under method for every current and future
// connection. If a Conn is already active, it is registered immediately.
func (c *Client) RegisterHandler(method string, h Handler) {
	c.mu.Lock()
	c.handlers[method] = h
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.RegisterHandler(method, h)
	}
}

// Conn returns the currently active connection, or nil if disconnected.
func (c *Client) Conn() *Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Call issues method against the Master over the current connection. It
// fails with ErrDisconnected if no connection is currently established.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn := c.Conn()
	if conn == nil {
		return nil, ErrDisconnected
	}
	return conn.Call(ctx, "", method, params)
}

// Run connects to the Master and serves the connection, reconnecting
// with exponential backoff on any failure, until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.Backoff
	log := logger.WithComponent("rpc-client").With().Str("worker_id", c.cfg.WorkerID).Logger()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			log.Warn().Err(err).Dur("backoff", backoff).Msg("dial failed, retrying")
			metrics.RecordRPCReconnect(c.cfg.WorkerID)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}

		backoff = c.cfg.Backoff

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if c.onConnect != nil {
			c.onConnect(conn)
		}

		err = conn.Serve(ctx)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("connection lost, reconnecting")
		metrics.RecordRPCReconnect(c.cfg.WorkerID)
	}
}

// Stop closes the active connection, if any, causing Run's Serve call to
// return so the caller's ctx-cancellation path can unwind.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
	if conn := c.Conn(); conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) dial(ctx context.Context) (*Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial: %w", err)
	}

	handshake := &Frame{
		Type:       FrameConnect,
		WorkerID:   c.cfg.WorkerID,
		Token:      c.cfg.Token,
		ClientType: "worker",
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(handshake)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("rpc: marshal handshake: %w", err)
	}
	data = append(data, '\n')
	if _, err := raw.Write(data); err != nil {
		raw.Close()
		return nil, fmt.Errorf("rpc: write handshake: %w", err)
	}

	reader := bufio.NewReader(raw)
	conn := NewConn(c.cfg.WorkerID, raw, reader, c.cfg.Cipher, c.cfg.RequestTimeout)

	c.mu.RLock()
	for method, h := range c.handlers {
		conn.handlers[method] = h
	}
	c.mu.RUnlock()
	for method := range conn.handlers {
		if err := conn.writeFrame(&Frame{Type: FrameRegister, Method: method}); err != nil {
			raw.Close()
			return nil, fmt.Errorf("rpc: advertise handler %s: %w", method, err)
		}
	}

	return conn, nil
}
