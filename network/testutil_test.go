package network

import (
	"context"
	"sync"
	"testing"
	"time"
)

func testTime() time.Time {
	return time.UnixMilli(1_700_000_000_000)
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func receiveWithTimeout(t *testing.T, conn Conn) Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	return msg
}

func acceptWithTimeout(t *testing.T, listener Listener) Conn {
	t.Helper()

	select {
	case conn := <-listener.Incoming():
		if conn == nil {
			t.Fatalf("listener closed before accepting")
		}
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound connection")
	}
	return nil
}

type recordingHandler struct {
	mu             sync.Mutex
	messages       []Message
	protocolErrors []*ProtocolError
	closed         []Conn
	closedCurrent  []bool
}

func (h *recordingHandler) HandleMessage(_ Conn, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleProtocolError(_ Conn, err *ProtocolError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.protocolErrors = append(h.protocolErrors, err)
}

func (h *recordingHandler) HandleClosed(conn Conn, current bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, conn)
	h.closedCurrent = append(h.closedCurrent, current)
}

func (h *recordingHandler) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func (h *recordingHandler) closedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.closed)
}
