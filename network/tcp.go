package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Resolver maps a logical address to a dialable host:port.
type Resolver interface {
	Resolve(ctx context.Context, address string) (string, error)
}

// Advertiser publishes a logical address for a bound port until stop is called.
type Advertiser interface {
	Advertise(address string, port int) (stop func(), err error)
}

// TCPNetwork is a PeerNetwork over encrypted TCP sessions. Logical addresses are mapped to
// sockets through a Resolver and an Advertiser.
type TCPNetwork struct {
	bindHost   string
	resolver   Resolver
	advertiser Advertiser
	options    HandshakeOptions
}

// NewTCPNetwork creates a TCP peer network. bindHost may be empty to listen on all interfaces.
func NewTCPNetwork(bindHost string, resolver Resolver, advertiser Advertiser, options HandshakeOptions) *TCPNetwork {
	return &TCPNetwork{
		bindHost:   bindHost,
		resolver:   resolver,
		advertiser: advertiser,
		options:    options.withDefaults(),
	}
}

// Listen binds an ephemeral port and advertises it under address.
func (n *TCPNetwork) Listen(ctx context.Context, address string) (Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransportError("listen", err)
	}

	server, err := Listen(net.JoinHostPort(n.bindHost, "0"), address, n.options)
	if err != nil {
		return nil, NewTransportError("listen", err)
	}

	if n.advertiser != nil {
		stop, err := n.advertiser.Advertise(address, server.Port())
		if err != nil {
			_ = server.Close()
			return nil, NewTransportError("advertise", err)
		}
		server.onClose = stop
	}

	go func() {
		for err := range server.Errors() {
			log.Debugw("inbound handshake failed", "address", address, "error", err)
		}
	}()

	log.Infow("listening", "address", address, "port", server.Port())
	return server, nil
}

// Connect resolves address and dials it as localID.
func (n *TCPNetwork) Connect(ctx context.Context, localID, address string) (Conn, error) {
	if n.resolver == nil {
		return nil, NewTransportError("connect", ErrAddressNotFound)
	}

	hostPort, err := n.resolver.Resolve(ctx, address)
	if err != nil {
		return nil, NewTransportError("resolve", err)
	}

	conn, err := Dial(ctx, hostPort, localID, address, n.options)
	if err != nil {
		return nil, NewTransportError("connect", err)
	}
	return conn, nil
}

// StaticDirectory is an in-process Resolver and Advertiser. Advertised ports are reachable on
// host.
type StaticDirectory struct {
	host string

	mu      sync.RWMutex
	entries map[string]string
}

// NewStaticDirectory creates a directory resolving every address to host.
func NewStaticDirectory(host string) *StaticDirectory {
	if host == "" {
		host = "127.0.0.1"
	}
	return &StaticDirectory{host: host, entries: make(map[string]string)}
}

// Advertise records address at port.
func (d *StaticDirectory) Advertise(address string, port int) (func(), error) {
	hostPort := net.JoinHostPort(d.host, strconv.Itoa(port))

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.entries[address]; exists {
		return nil, ErrAddressInUse
	}
	d.entries[address] = hostPort

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.entries[address] == hostPort {
			delete(d.entries, address)
		}
	}, nil
}

// Resolve returns the host:port advertised for address.
func (d *StaticDirectory) Resolve(_ context.Context, address string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hostPort, ok := d.entries[address]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrAddressNotFound, address)
	}
	return hostPort, nil
}
