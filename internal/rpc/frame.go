// Package rpc implements the line-oriented JSON request/response
// transport shared by the Master and every Worker. A single duplex
// socket connection carries frames in both directions; either side may
// initiate a request against the other.
package rpc

import (
	"encoding/json"
	"errors"
	"time"
)

// FrameType discriminates the envelopes carried over the wire.
type FrameType string

const (
	FrameConnect     FrameType = "connect"
	FrameRPCRequest  FrameType = "rpc-request"
	FrameRPCResponse FrameType = "rpc-response"
	FrameRegister    FrameType = "rpc-register"
	FrameHeartbeat   FrameType = "heartbeat"
)

// Frame is the outer envelope every line on the wire decodes into. Only
// the fields relevant to Type are populated.
type Frame struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`

	// Connect-only fields.
	WorkerID   string `json:"workerId,omitempty"`
	Token      string `json:"token,omitempty"`
	ClientType string `json:"clientType,omitempty"`
}

// Errors in the RPC failure taxonomy (spec.md §4.5).
var (
	ErrDisconnected   = errors.New("disconnected")
	ErrRPCTimeout     = errors.New("rpc timeout")
	ErrMethodNotFound = errors.New("method not found")
	ErrUndecryptable  = errors.New("failed to decrypt")
)

// HandlerError wraps an error returned by a local handler so callers can
// distinguish it from transport-level failures.
type HandlerError struct {
	Message string
}

func (e *HandlerError) Error() string { return e.Message }
