package network

import (
	"context"
	"errors"
	"sync"
)

// Handler receives everything that arrives on tracked connections. Calls for a single
// connection are sequential and in arrival order.
type Handler interface {
	HandleMessage(conn Conn, msg Message)
	HandleProtocolError(conn Conn, err *ProtocolError)
	// HandleClosed runs once per connection after its read loop ends. current is false when the
	// connection had already been replaced or removed.
	HandleClosed(conn Conn, current bool)
}

// Registry owns the live connection per remote peer and runs one read loop per connection.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]Conn
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry dispatching to handler. The handler may be set later with
// SetHandler, but before the first Track.
func NewRegistry(handler Handler) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		conns:   make(map[string]Conn),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetHandler replaces the dispatch target.
func (r *Registry) SetHandler(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// Track makes conn the current connection for its peer and starts reading from it. A previous
// connection for the same peer is closed; its close is not reported as the peer leaving.
func (r *Registry) Track(conn Conn) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	previous := r.conns[conn.PeerID()]
	r.conns[conn.PeerID()] = conn
	r.mu.Unlock()

	if previous != nil && previous != conn {
		log.Infow("replacing connection", "peer", conn.PeerID())
		_ = previous.Close()
	}

	r.wg.Add(1)
	go r.readLoop(conn)
}

// Get returns the current connection for peerID.
func (r *Registry) Get(peerID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[peerID]
	return conn, ok
}

// IsCurrent reports whether conn is still the registered connection for its peer.
func (r *Registry) IsCurrent(conn Conn) bool {
	if conn == nil {
		return false
	}
	current, ok := r.Get(conn.PeerID())
	return ok && current == conn
}

// Send delivers msg to peerID over its current connection.
func (r *Registry) Send(peerID string, msg Message) error {
	conn, ok := r.Get(peerID)
	if !ok {
		return NewTransportError("send", ErrConnectionClosed)
	}
	return conn.Send(msg)
}

// CloseAll closes every connection. Read loops finish asynchronously.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]Conn)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Close closes every connection and waits for all read loops to exit. It must not be called
// from a Handler.
func (r *Registry) Close() {
	r.cancel()
	r.CloseAll()
	r.wg.Wait()
}

func (r *Registry) currentHandler() Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handler
}

func (r *Registry) readLoop(conn Conn) {
	defer r.wg.Done()

	for {
		msg, err := conn.Receive(r.ctx)
		if err != nil {
			var protocolErr *ProtocolError
			if errors.As(err, &protocolErr) {
				log.Warnw("dropping invalid message", "peer", conn.PeerID(), "error", err)
				if handler := r.currentHandler(); handler != nil {
					handler.HandleProtocolError(conn, protocolErr)
				}
				continue
			}
			log.Debugw("connection read loop finished", "peer", conn.PeerID(), "error", err)
			break
		}

		if handler := r.currentHandler(); handler != nil {
			handler.HandleMessage(conn, msg)
		}
	}

	_ = conn.Close()
	r.mu.Lock()
	current := r.conns[conn.PeerID()] == conn
	if current {
		delete(r.conns, conn.PeerID())
	}
	r.mu.Unlock()

	if handler := r.currentHandler(); handler != nil {
		handler.HandleClosed(conn, current)
	}
}
