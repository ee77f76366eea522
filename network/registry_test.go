package network

import (
	"testing"
	"time"
)

func TestRegistryDispatchesMessagesInOrder(t *testing.T) {
	handler := &recordingHandler{}
	registry := NewRegistry(handler)
	defer registry.Close()

	local, remote := NewMemoryPipe("host", "member")
	registry.Track(local)

	for i := 0; i < 5; i++ {
		if err := remote.Send(FileChunk{ID: "t1", Sequence: i, TotalChunks: 5, Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	waitForCondition(t, 2*time.Second, func() bool { return handler.messageCount() == 5 })

	handler.mu.Lock()
	defer handler.mu.Unlock()
	for i, msg := range handler.messages {
		chunk, ok := msg.(FileChunk)
		if !ok || chunk.Sequence != i {
			t.Fatalf("expected chunk %d at position %d, got %+v", i, i, msg)
		}
	}
}

func TestRegistrySendUsesCurrentConnection(t *testing.T) {
	registry := NewRegistry(&recordingHandler{})
	defer registry.Close()

	local, remote := NewMemoryPipe("host", "member")
	registry.Track(local)

	if err := registry.Send("member", FileAccept{ID: "t1"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg := receiveWithTimeout(t, remote); msg.MessageType() != TypeFileAccept {
		t.Fatalf("expected file-accept, got %s", msg.MessageType())
	}

	if err := registry.Send("stranger", FileAccept{ID: "t1"}); err == nil {
		t.Fatalf("expected send to unknown peer to fail")
	}
}

func TestRegistryReplacementClosesPreviousConnection(t *testing.T) {
	handler := &recordingHandler{}
	registry := NewRegistry(handler)
	defer registry.Close()

	first, _ := NewMemoryPipe("host", "member")
	second, _ := NewMemoryPipe("host", "member")
	registry.Track(first)
	registry.Track(second)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected replaced connection to be closed")
	}
	waitForCondition(t, 2*time.Second, func() bool { return handler.closedCount() == 1 })

	handler.mu.Lock()
	if handler.closed[0] != first || handler.closedCurrent[0] {
		handler.mu.Unlock()
		t.Fatalf("expected replaced connection to be reported as not current")
	}
	handler.mu.Unlock()

	if !registry.IsCurrent(second) {
		t.Fatalf("expected second connection to be current")
	}
}

func TestRegistryReportsRemoteClose(t *testing.T) {
	handler := &recordingHandler{}
	registry := NewRegistry(handler)
	defer registry.Close()

	local, remote := NewMemoryPipe("host", "member")
	registry.Track(local)
	_ = remote.Close()

	waitForCondition(t, 2*time.Second, func() bool { return handler.closedCount() == 1 })

	handler.mu.Lock()
	current := handler.closedCurrent[0]
	handler.mu.Unlock()
	if !current {
		t.Fatalf("expected remote close of the current connection to be reported as current")
	}
	if _, ok := registry.Get("member"); ok {
		t.Fatalf("expected closed connection to be forgotten")
	}
}

func TestRegistryProtocolErrorKeepsConnectionOpen(t *testing.T) {
	handler := &recordingHandler{}
	registry := NewRegistry(handler)
	defer registry.Close()

	local, remote := newMemoryPair("host", "member")
	registry.Track(local)

	remote.peer.inbox <- []byte(`{"type":"chat","text":"hi"}`)
	if err := remote.Send(FileComplete{ID: "t1"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool { return handler.messageCount() == 1 })

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.protocolErrors) != 1 || handler.protocolErrors[0].Type != "chat" {
		t.Fatalf("expected one protocol error for chat, got %+v", handler.protocolErrors)
	}
	if len(handler.closed) != 0 {
		t.Fatalf("expected connection to stay open after a protocol error")
	}
}
