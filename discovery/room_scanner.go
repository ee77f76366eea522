package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventRoomSeen is emitted when a hosted room appears or its advertisement changes.
	EventRoomSeen EventType = "room_seen"
	// EventRoomGone is emitted when a previously seen room disappears.
	EventRoomGone EventType = "room_gone"
)

// EventType identifies room discovery updates.
type EventType string

// Event carries room discovery updates.
type Event struct {
	Type EventType
	Room Entry
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// RoomScanner lists hosted rooms with periodic and manual mDNS browse operations.
type RoomScanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	rooms map[string]Entry

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewRoomScanner creates a scanner with config defaults applied.
func NewRoomScanner(config Config) (*RoomScanner, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return nil, err
	}

	return &RoomScanner{
		cfg:             cfg,
		browse:          browse,
		rooms:           make(map[string]Entry),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning. The first scan runs immediately.
func (s *RoomScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes Events.
func (s *RoomScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous room updates. Updates are dropped while the channel is full.
func (s *RoomScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for it to finish.
func (s *RoomScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("room scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("room scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("room scanner is stopped")
	}
}

// ListRooms returns the rooms seen by the latest scan, ordered by code.
func (s *RoomScanner) ListRooms() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.rooms))
	for _, room := range s.rooms {
		out = append(out, room)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Address < out[j].Address
	})
	return out
}

func (s *RoomScanner) loop() {
	defer s.wg.Done()

	if err := s.runScan(context.Background()); err != nil {
		log.Warnw("room scan failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.runScan(context.Background()); err != nil {
				log.Warnw("room scan failed", "error", err)
			}
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RoomScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Entry)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case raw, ok := <-entries:
				if !ok {
					return
				}
				if raw == nil {
					continue
				}
				entry, ok := parseEntry(raw)
				if !ok || entry.Role != RoleHost {
					continue
				}
				entry.LastSeen = time.Now()
				collected[entry.Address] = entry
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone

	s.applySnapshot(collected)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *RoomScanner) applySnapshot(next map[string]Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.rooms
	s.rooms = next

	for code, room := range next {
		old, exists := previous[code]
		if !exists || !entriesEqual(old, room) {
			s.emitEvent(Event{Type: EventRoomSeen, Room: room})
		}
	}

	for code, room := range previous {
		if _, exists := next[code]; !exists {
			s.emitEvent(Event{Type: EventRoomGone, Room: room})
		}
	}
}

func (s *RoomScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func entriesEqual(a, b Entry) bool {
	if a.Address != b.Address ||
		a.DisplayName != b.DisplayName ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
