package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("events")

const (
	// DefaultBuffer is the subscription buffer used when Subscribe is given a non-positive size.
	DefaultBuffer = 64
	// ConsentDeliveryWait bounds how long Publish waits on a full subscriber for a
	// TransferRequested before dropping it.
	ConsentDeliveryWait = 500 * time.Millisecond
)

// ErrAlreadyDecided is returned when a transfer request is accepted or rejected twice.
var ErrAlreadyDecided = errors.New("events: transfer request already decided")

// Bus fans events out to subscribers. A subscriber whose buffer is full misses the event, except
// TransferRequested, which waits up to ConsentDeliveryWait for room.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription receives events on C until closed.
type Subscription struct {
	C <-chan Event

	ch        chan Event
	bus       *Bus
	closeOnce sync.Once
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber with the given buffer size. Subscribers that handle consent
// should drain C promptly: a TransferRequested that still finds the buffer full after
// ConsentDeliveryWait is dropped and the offer expires unanswered.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeOnce.Do(func() { close(ch) })
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers event to every subscriber. Only TransferRequested may wait, and only briefly.
func (b *Bus) Publish(event Event) {
	if b == nil || event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- event:
			continue
		default:
		}
		if _, consent := event.(TransferRequested); consent && deliverWithin(sub.ch, event, ConsentDeliveryWait) {
			continue
		}
		log.Warnw("subscriber buffer full, dropping event", "event", fmt.Sprintf("%T", event))
	}
}

func deliverWithin(ch chan Event, event Event, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- event:
		return true
	case <-timer.C:
		return false
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
	b.subs = make(map[*Subscription]struct{})
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
	}
	s.closeOnce.Do(func() { close(s.ch) })
}
