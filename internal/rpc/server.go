package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/parallelctl/parallelctl/internal/logger"
)

// Server listens for Worker connections on a loopback TCP port; Accept
// returns each one as a Conn once the connect handshake completes.
type Server struct {
	listener net.Listener
	cipher   *Cipher
	timeout  time.Duration
}

// Listen binds a Server to port on loopback. cipher may be nil.
func Listen(port int, cipher *Cipher, timeout time.Duration) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("rpc: listen: %w", err)
	}
	return &Server{listener: ln, cipher: cipher, timeout: timeout}, nil
}

// Addr returns the bound address, useful when port 0 was requested.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

// Accept blocks for the next incoming connection, performs the connect
// handshake, and returns a Conn namespaced to the connecting Worker's id
// plus the workerId and token it presented.
func (s *Server) Accept(ctx context.Context) (conn *Conn, workerID string, token string, err error) {
	raw, err := s.listener.Accept()
	if err != nil {
		return nil, "", "", fmt.Errorf("rpc: accept: %w", err)
	}

	reader := bufio.NewReader(raw)
	frame, err := readHandshake(reader)
	if err != nil {
		raw.Close()
		return nil, "", "", err
	}
	if frame.Type != FrameConnect {
		raw.Close()
		return nil, "", "", fmt.Errorf("rpc: expected connect frame, got %s", frame.Type)
	}

	c := NewConn(frame.WorkerID, raw, reader, s.cipher, s.timeout)
	logger.WithComponent("rpc").Info().Str("worker_id", frame.WorkerID).Msg("worker connected")
	return c, frame.WorkerID, frame.Token, nil
}

// readHandshake reads a single newline-terminated connect frame through
// reader, the same buffered reader that will later back the Conn's
// Serve loop, so no bytes the peer sent immediately after the handshake
// are stranded in a discarded decoder.
func readHandshake(reader *bufio.Reader) (*Frame, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("rpc: read handshake: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, fmt.Errorf("rpc: decode handshake: %w", err)
	}
	return &frame, nil
}
