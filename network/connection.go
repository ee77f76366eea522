package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"skinparty/crypto"
)

var (
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// ConnectionState represents the lifecycle state of one peer connection.
type ConnectionState string

const (
	StateConnecting    ConnectionState = "CONNECTING"
	StateReady         ConnectionState = "READY"
	StateIdle          ConnectionState = "IDLE"
	StateDisconnecting ConnectionState = "DISCONNECTING"
	StateDisconnected  ConnectionState = "DISCONNECTED"
)

type frameKind byte

const (
	frameData frameKind = iota + 1
	framePing
	framePong
	frameBye
)

const nonceSize = 12

// ConnectionOptions controls runtime behavior of PeerConnection.
type ConnectionOptions struct {
	LocalID           string
	PeerID            string
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

// PeerConnection is an encrypted, framed TCP session that satisfies Conn.
type PeerConnection struct {
	conn net.Conn

	sessionKey []byte

	localID string
	peerID  string

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newPeerConnection(conn net.Conn, sessionKey []byte, options ConnectionOptions) *PeerConnection {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}

	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	pc := &PeerConnection{
		conn:              conn,
		sessionKey:        append([]byte(nil), sessionKey...),
		localID:           options.LocalID,
		peerID:            options.PeerID,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
		state:             StateConnecting,
	}

	pc.touchActivity()
	pc.setState(StateReady)
	go pc.readLoop()
	go pc.keepAliveLoop()

	return pc
}

// PeerID returns the remote peer's logical address.
func (pc *PeerConnection) PeerID() string {
	return pc.peerID
}

// State returns the current connection state.
func (pc *PeerConnection) State() ConnectionState {
	pc.stateMu.RLock()
	defer pc.stateMu.RUnlock()
	return pc.state
}

// Done is closed when the connection is fully disconnected.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal connection error, if any.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// Send encodes a protocol message and writes it as one encrypted frame.
func (pc *PeerConnection) Send(msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := pc.writeFrame(frameData, payload); err != nil {
		return NewTransportError("send", err)
	}
	pc.setState(StateReady)
	return nil
}

// Receive waits for the next protocol message.
func (pc *PeerConnection) Receive(ctx context.Context) (Message, error) {
	select {
	case payload := <-pc.inbound:
		return DecodeMessage(payload)
	default:
	}

	select {
	case payload := <-pc.inbound:
		return DecodeMessage(payload)
	case <-pc.closed:
		if err := pc.LastError(); err != nil {
			return nil, NewTransportError("receive", err)
		}
		return nil, NewTransportError("receive", ErrConnectionClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect tells the peer goodbye and closes the connection.
func (pc *PeerConnection) Disconnect() error {
	pc.setState(StateDisconnecting)
	_ = pc.writeFrame(frameBye, nil)
	return pc.Close()
}

// Close terminates the connection.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	return nil
}

func (pc *PeerConnection) writeFrame(kind frameKind, payload []byte) error {
	if pc.State() == StateDisconnected {
		if err := pc.LastError(); err != nil {
			return err
		}
		return ErrConnectionClosed
	}

	plaintext := make([]byte, 0, len(payload)+1)
	plaintext = append(plaintext, byte(kind))
	plaintext = append(plaintext, payload...)

	ciphertext, nonce, err := crypto.Encrypt(pc.sessionKey, plaintext)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(nonce)+len(ciphertext))
	frame = append(frame, nonce...)
	frame = append(frame, ciphertext...)

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	if err := WriteFrame(pc.conn, frame); err != nil {
		pc.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}

	pc.touchActivity()
	return nil
}

func (pc *PeerConnection) openFrame(frame []byte) (frameKind, []byte, error) {
	if len(frame) <= nonceSize {
		return 0, nil, errors.New("frame too short")
	}
	plaintext, err := crypto.Decrypt(pc.sessionKey, frame[:nonceSize], frame[nonceSize:])
	if err != nil {
		return 0, nil, err
	}
	if len(plaintext) == 0 {
		return 0, nil, errors.New("empty frame body")
	}
	return frameKind(plaintext[0]), plaintext[1:], nil
}

func (pc *PeerConnection) readLoop() {
	for {
		select {
		case <-pc.closed:
			return
		default:
		}

		frame, err := ReadFrameWithTimeout(pc.conn, pc.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				pc.closeWithError(nil)
				return
			}

			pc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		pc.touchActivity()
		if len(frame) == 0 {
			continue
		}

		kind, payload, err := pc.openFrame(frame)
		if err != nil {
			pc.closeWithError(fmt.Errorf("open frame: %w", err))
			return
		}

		switch kind {
		case framePing:
			pc.setState(StateIdle)
			_ = pc.writeFrame(framePong, nil)
		case framePong:
			pc.ackPong()
			pc.setState(StateIdle)
		case frameBye:
			pc.setState(StateDisconnecting)
			pc.closeWithError(nil)
			return
		case frameData:
			pc.setState(StateReady)
			select {
			case pc.inbound <- payload:
			case <-pc.closed:
				return
			}
		default:
			log.Warnw("ignoring unknown frame kind", "peer", pc.peerID, "kind", kind)
		}
	}
}

func (pc *PeerConnection) keepAliveLoop() {
	checkEvery := pc.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = pc.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if pc.State() == StateDisconnected {
				return
			}

			if pc.waitingPongExpired() {
				pc.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, pc.lastActivity.Load()))
			if idleFor < pc.keepAliveInterval {
				continue
			}

			if pc.isWaitingPong() {
				continue
			}

			if err := pc.writeFrame(framePing, nil); err != nil {
				return
			}
			pc.setWaitingPong(time.Now().Add(pc.keepAliveTimeout))
			pc.setState(StateIdle)
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) setState(state ConnectionState) {
	pc.stateMu.Lock()
	defer pc.stateMu.Unlock()
	pc.state = state
}

func (pc *PeerConnection) touchActivity() {
	pc.lastActivity.Store(time.Now().UnixNano())
}

func (pc *PeerConnection) setWaitingPong(deadline time.Time) {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = true
	pc.pongDeadline = deadline
}

func (pc *PeerConnection) ackPong() {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = false
	pc.pongDeadline = time.Time{}
}

func (pc *PeerConnection) isWaitingPong() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong
}

func (pc *PeerConnection) waitingPongExpired() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong && time.Now().After(pc.pongDeadline)
}

func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		pc.setState(StateDisconnected)
		_ = pc.conn.Close()
		close(pc.closed)
	})
}
