package core

import (
	"errors"
)

var (
	// ErrConfiguration indicates a missing required hardware capability. Fatal at startup.
	ErrConfiguration = errors.New("required capability missing")
	// ErrProtocol indicates a malformed or rejected client handshake. The connection
	// is dropped and the broker returns to idle.
	ErrProtocol = errors.New("protocol violation")
	// ErrDriver indicates a display or GPU call failed mid-loop. Fatal, triggers an
	// orderly process shutdown.
	ErrDriver = errors.New("driver failure")
	// ErrClientGone indicates the connected application disconnected or a write to it
	// failed. Isolated to the client slot.
	ErrClientGone = errors.New("client gone")
)
