package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"skinparty/crypto"
)

// Server accepts inbound TCP sessions for one logical address and upgrades them to
// PeerConnection.
type Server struct {
	listener net.Listener
	address  string
	options  HandshakeOptions

	incoming chan Conn
	errs     chan error

	onClose func()

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener on bind and accepts handshakes that target address.
func Listen(bind, address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if address == "" {
		return nil, errors.New("listen address is required")
	}

	if bind == "" {
		bind = ":0"
	}

	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", bind, err)
	}

	server := &Server{
		listener: listener,
		address:  address,
		options:  opts,
		incoming: make(chan Conn, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Address returns the logical address the server answers for.
func (s *Server) Address() string {
	return s.address
}

// Addr returns the listening socket address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// Incoming returns accepted and handshaked peer connections.
func (s *Server) Incoming() <-chan Conn {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			select {
			case s.errs <- fmt.Errorf("accept connection: %w", err):
			default:
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		s.reportError(fmt.Errorf("set handshake deadline: %w", err))
		return
	}

	remote, err := readHello(conn, s.options.ConnectionTimeout)
	if err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			_ = s.sendError(conn, "version_mismatch", err.Error())
		}
		s.reportError(err)
		return
	}
	if remote.Target != s.address {
		_ = s.sendError(conn, "wrong_target", fmt.Sprintf("address %q is not served here", remote.Target))
		s.reportError(fmt.Errorf("%w: %q", ErrWrongTarget, remote.Target))
		return
	}

	localPrivateKey, localPublicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		s.reportError(err)
		return
	}
	local, err := newHello(s.address, "", localPublicKey)
	if err != nil {
		s.reportError(err)
		return
	}

	sessionKey, err := deriveSessionKey(localPrivateKey, local, remote, false)
	if err != nil {
		s.reportError(err)
		return
	}

	if err := writeHandshakeFrame(conn, local); err != nil {
		s.reportError(fmt.Errorf("write hello: %w", err))
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear handshake deadline: %w", err))
		return
	}

	peerConnection := newPeerConnection(conn, sessionKey, s.options.connectionOptions(s.address, remote.PeerID))
	log.Debugw("accepted peer", "address", s.address, "peer", remote.PeerID)

	closeConn = false
	select {
	case s.incoming <- peerConnection:
	case <-s.closed:
		_ = peerConnection.Close()
	}
}

func (s *Server) sendError(conn net.Conn, code, message string) error {
	return writeHandshakeFrame(conn, helloError{
		Type:    typeHelloError,
		Code:    code,
		Message: message,
	})
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
