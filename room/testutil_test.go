package room

import (
	"testing"
	"time"

	"skinparty/events"
	"skinparty/network"
)

type testPeer struct {
	service  *Service
	registry *network.Registry
	bus      *events.Bus
	sub      *events.Subscription
}

type roomDispatcher struct {
	service *Service
}

func (d roomDispatcher) HandleMessage(conn network.Conn, msg network.Message) {
	d.service.HandleMessage(conn, msg)
}

func (d roomDispatcher) HandleProtocolError(network.Conn, *network.ProtocolError) {}

func (d roomDispatcher) HandleClosed(conn network.Conn, current bool) {
	d.service.HandleClosed(conn, current)
}

func newTestPeer(t *testing.T, peerNetwork network.PeerNetwork, options Options) *testPeer {
	t.Helper()

	bus := events.NewBus()
	registry := network.NewRegistry(nil)
	options.Network = peerNetwork
	options.Registry = registry
	options.Bus = bus
	service := NewService(options)
	registry.SetHandler(roomDispatcher{service: service})

	peer := &testPeer{
		service:  service,
		registry: registry,
		bus:      bus,
		sub:      bus.Subscribe(128),
	}
	t.Cleanup(func() {
		_ = service.Leave()
		registry.Close()
		bus.Close()
	})
	return peer
}

func fixedCode(code string) func() (string, error) {
	return func() (string, error) {
		return code, nil
	}
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

// nextEvent returns the first event on sub matching match, skipping others.
func nextEvent[T events.Event](t *testing.T, sub *events.Subscription, match func(T) bool) T {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed")
			}
			typed, ok := event.(T)
			if ok && (match == nil || match(typed)) {
				return typed
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}
