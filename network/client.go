package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"skinparty/crypto"
)

// Dial connects to hostPort, asks for the logical address target, performs the handshake and
// returns a ready PeerConnection.
func Dial(ctx context.Context, hostPort, localID, target string, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", hostPort, err)
	}

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	localPrivateKey, localPublicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	local, err := newHello(localID, target, localPublicKey)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := writeHandshakeFrame(conn, local); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	remote, err := readHello(conn, opts.ConnectionTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if remote.PeerID != target {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: answered by %q", ErrWrongTarget, remote.PeerID)
	}

	sessionKey, err := deriveSessionKey(localPrivateKey, local, remote, true)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newPeerConnection(conn, sessionKey, opts.connectionOptions(localID, target)), nil
}
