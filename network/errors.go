package network

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout indicates a handshake or transfer deadline expired.
	ErrTimeout = errors.New("network: timed out")
	// ErrConnectionClosed indicates the channel is no longer usable.
	ErrConnectionClosed = errors.New("network: connection closed")
	// ErrAddressInUse indicates another listener already owns the address.
	ErrAddressInUse = errors.New("network: address already in use")
	// ErrAddressNotFound indicates no listener is reachable at the address.
	ErrAddressNotFound = errors.New("network: address not found")
)

// TransportError wraps failures to open, connect or send over the peer network.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err, or returns nil when err is nil.
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *TransportError
	if errors.As(err, &existing) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// ProtocolError reports a message that does not belong to the protocol.
type ProtocolError struct {
	Type   string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return "network: protocol error: " + e.Reason
	}
	return fmt.Sprintf("network: protocol error: %s (type %q)", e.Reason, e.Type)
}
