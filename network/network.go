package network

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("network")

// Conn is one bidirectional, ordered message channel to a remote peer.
type Conn interface {
	// PeerID is the remote peer's address as announced during connect.
	PeerID() string
	// Send delivers one message. It fails with a TransportError once the channel is closed.
	Send(msg Message) error
	// Receive blocks for the next message. A *ProtocolError leaves the channel usable; any
	// other error is terminal.
	Receive(ctx context.Context) (Message, error)
	// Done is closed when the channel is no longer usable.
	Done() <-chan struct{}
	Close() error
}

// Listener accepts inbound channels on one address.
type Listener interface {
	Address() string
	Incoming() <-chan Conn
	Close() error
}

// PeerNetwork opens listeners and connects to them by logical address.
type PeerNetwork interface {
	Listen(ctx context.Context, address string) (Listener, error)
	Connect(ctx context.Context, localID, address string) (Conn, error)
}
