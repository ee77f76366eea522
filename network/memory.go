package network

import (
	"context"
	"errors"
	"sync"
)

const memoryConnBuffer = 256

// MemoryNetwork is an in-process PeerNetwork. Messages are encoded on send and decoded on
// receive, so peers never share memory.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*memoryListener)}
}

// Listen registers address. Only one listener may own an address at a time.
func (n *MemoryNetwork) Listen(ctx context.Context, address string) (Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransportError("listen", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.listeners[address]; exists {
		return nil, NewTransportError("listen", ErrAddressInUse)
	}

	listener := &memoryListener{
		network:  n,
		address:  address,
		incoming: make(chan Conn, 16),
	}
	n.listeners[address] = listener
	log.Debugw("memory listener opened", "address", address)
	return listener, nil
}

// Connect opens a channel from localID to the listener at address.
func (n *MemoryNetwork) Connect(ctx context.Context, localID, address string) (Conn, error) {
	n.mu.Lock()
	listener := n.listeners[address]
	n.mu.Unlock()
	if listener == nil {
		return nil, NewTransportError("connect", ErrAddressNotFound)
	}

	if err := ctx.Err(); err != nil {
		return nil, NewTransportError("connect", err)
	}

	local, remote := newMemoryPair(localID, address)
	if err := listener.deliver(remote); err != nil {
		_ = local.Close()
		return nil, NewTransportError("connect", err)
	}
	return local, nil
}

func (n *MemoryNetwork) release(listener *memoryListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners[listener.address] == listener {
		delete(n.listeners, listener.address)
	}
}

type memoryListener struct {
	network  *MemoryNetwork
	address  string
	incoming chan Conn

	mu     sync.Mutex
	closed bool
}

func (l *memoryListener) deliver(conn Conn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrAddressNotFound
	}
	select {
	case l.incoming <- conn:
		return nil
	default:
		return errors.New("listener backlog full")
	}
}

func (l *memoryListener) Address() string {
	return l.address
}

func (l *memoryListener) Incoming() <-chan Conn {
	return l.incoming
}

func (l *memoryListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.network.release(l)
	close(l.incoming)
	return nil
}

// memoryConn is one end of an in-process channel. Closing either end closes both.
type memoryConn struct {
	peerID string
	inbox  chan []byte
	peer   *memoryConn
	state  *pairState
}

type pairState struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func newMemoryPair(localID, remoteID string) (*memoryConn, *memoryConn) {
	state := &pairState{closed: make(chan struct{})}
	local := &memoryConn{peerID: remoteID, inbox: make(chan []byte, memoryConnBuffer), state: state}
	remote := &memoryConn{peerID: localID, inbox: make(chan []byte, memoryConnBuffer), state: state}
	local.peer = remote
	remote.peer = local
	return local, remote
}

// NewMemoryPipe returns two connected in-process channels, one per side.
func NewMemoryPipe(aID, bID string) (Conn, Conn) {
	a, b := newMemoryPair(aID, bID)
	return a, b
}

func (c *memoryConn) PeerID() string {
	return c.peerID
}

func (c *memoryConn) Send(msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.state.closed:
		return NewTransportError("send", ErrConnectionClosed)
	default:
	}

	select {
	case c.peer.inbox <- payload:
		return nil
	case <-c.state.closed:
		return NewTransportError("send", ErrConnectionClosed)
	}
}

func (c *memoryConn) Receive(ctx context.Context) (Message, error) {
	select {
	case payload := <-c.inbox:
		return DecodeMessage(payload)
	default:
	}

	select {
	case payload := <-c.inbox:
		return DecodeMessage(payload)
	case <-c.state.closed:
		select {
		case payload := <-c.inbox:
			return DecodeMessage(payload)
		default:
		}
		return nil, NewTransportError("receive", ErrConnectionClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memoryConn) Done() <-chan struct{} {
	return c.state.closed
}

func (c *memoryConn) Close() error {
	c.state.closeOnce.Do(func() {
		close(c.state.closed)
	})
	return nil
}
