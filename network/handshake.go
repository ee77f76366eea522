package network

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"skinparty/crypto"
)

const (
	typeHello      = "hello"
	typeHelloError = "hello-error"

	handshakeNonceSize = 32
)

var (
	// ErrWrongTarget indicates the dialer asked for an address this listener does not own.
	ErrWrongTarget = errors.New("network: handshake target mismatch")
)

// HandshakeOptions configures TCP connection setup and keepalive behavior.
type HandshakeOptions struct {
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o HandshakeOptions) connectionOptions(localID, peerID string) ConnectionOptions {
	return ConnectionOptions{
		LocalID:           localID,
		PeerID:            peerID,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameReadTimeout:  o.FrameReadTimeout,
	}
}

// hello is exchanged in plaintext by both sides before the session key exists.
type hello struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	PeerID          string `json:"peer_id"`
	Target          string `json:"target,omitempty"`
	X25519PublicKey string `json:"x25519_public_key"`
	Nonce           string `json:"nonce"`
}

type helloError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newHello(peerID, target string, publicKey *ecdh.PublicKey) (hello, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return hello{}, fmt.Errorf("generate handshake nonce: %w", err)
	}
	return hello{
		Type:            typeHello,
		ProtocolVersion: ProtocolVersion,
		PeerID:          peerID,
		Target:          target,
		X25519PublicKey: base64.StdEncoding.EncodeToString(publicKey.Bytes()),
		Nonce:           base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

func writeHandshakeFrame(conn net.Conn, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal handshake: %w", err)
	}
	return WriteFrame(conn, payload)
}

// readHello reads the peer's hello, surfacing a hello-error from the remote as an error.
func readHello(conn net.Conn, timeout time.Duration) (hello, error) {
	payload, err := ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		return hello{}, fmt.Errorf("read hello: %w", err)
	}

	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return hello{}, fmt.Errorf("decode hello envelope: %w", err)
	}
	switch envelope.Type {
	case typeHello:
	case typeHelloError:
		var remote helloError
		if err := json.Unmarshal(payload, &remote); err != nil {
			return hello{}, fmt.Errorf("decode remote hello error: %w", err)
		}
		if remote.Code == "wrong_target" {
			return hello{}, fmt.Errorf("%w: %s", ErrWrongTarget, remote.Message)
		}
		return hello{}, fmt.Errorf("remote error [%s]: %s", remote.Code, remote.Message)
	default:
		return hello{}, fmt.Errorf("expected %q, got %q", typeHello, envelope.Type)
	}

	var message hello
	if err := json.Unmarshal(payload, &message); err != nil {
		return hello{}, fmt.Errorf("decode hello: %w", err)
	}
	if message.ProtocolVersion != ProtocolVersion {
		return hello{}, fmt.Errorf("%w: expected %d, got %d", ErrUnsupportedVersion, ProtocolVersion, message.ProtocolVersion)
	}
	if message.PeerID == "" {
		return hello{}, errors.New("hello is missing peer_id")
	}
	return message, nil
}

// deriveSessionKey combines the ephemeral ECDH secret with both nonces. The dialer's nonce always
// comes first so both sides build the same salt.
func deriveSessionKey(localPrivateKey *ecdh.PrivateKey, local, remote hello, dialer bool) ([]byte, error) {
	peerPublicRaw, err := base64.StdEncoding.DecodeString(remote.X25519PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode peer ephemeral public key: %w", err)
	}
	peerPublicKey, err := crypto.ParseX25519PublicKey(peerPublicRaw)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := crypto.ComputeX25519SharedSecret(localPrivateKey, peerPublicKey)
	if err != nil {
		return nil, err
	}

	dialerNonce, listenerNonce := local.Nonce, remote.Nonce
	if !dialer {
		dialerNonce, listenerNonce = remote.Nonce, local.Nonce
	}
	salt, err := joinNonces(dialerNonce, listenerNonce)
	if err != nil {
		return nil, err
	}

	return crypto.DeriveSessionKeyWithContext(sharedSecret, local.PeerID, remote.PeerID, salt)
}

func joinNonces(first, second string) ([]byte, error) {
	out := make([]byte, 0, 2*handshakeNonceSize)
	for _, encoded := range []string{first, second} {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode handshake nonce: %w", err)
		}
		if len(raw) != handshakeNonceSize {
			return nil, fmt.Errorf("invalid handshake nonce length: got %d want %d", len(raw), handshakeNonceSize)
		}
		out = append(out, raw...)
	}
	return out, nil
}
