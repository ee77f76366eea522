// Package room implements the host-authoritative room state machine. The host owns the room
// snapshot and rebroadcasts it in full after every change; members only ever replace their copy
// wholesale.
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"skinparty/events"
	"skinparty/models"
	"skinparty/network"
)

var log = logging.Logger("room")

const (
	// DefaultJoinTimeout bounds the wait for room-info after connecting to the host.
	DefaultJoinTimeout = 15 * time.Second

	maxCodeAttempts = 5
)

var (
	// ErrAlreadyInRoom indicates Create or Join while a room is active or being set up.
	ErrAlreadyInRoom = errors.New("room: already in a room")
	// ErrNotInRoom indicates an operation that needs an active room.
	ErrNotInRoom = errors.New("room: not in a room")
)

// State is the lifecycle state of the local room membership.
type State string

const (
	StateIdle     State = "idle"
	StateCreating State = "creating"
	StateJoining  State = "joining"
	StateActive   State = "active"
)

// Options configures a Service.
type Options struct {
	Network     network.PeerNetwork
	Registry    *network.Registry
	Bus         *events.Bus
	JoinTimeout time.Duration

	NewCode func() (string, error)
	Now     func() time.Time
}

// Service runs the room state machine for one process.
type Service struct {
	network     network.PeerNetwork
	registry    *network.Registry
	bus         *events.Bus
	joinTimeout time.Duration
	newCode     func() (string, error)
	now         func() time.Time

	mu       sync.Mutex
	state    State
	selfID   string
	isHost   bool
	room     *models.Room
	listener network.Listener
	hostConn network.Conn
	joined   chan struct{}

	// broadcastMu keeps snapshots leaving the host in the order they were produced.
	broadcastMu sync.Mutex
}

// NewService creates an idle room service.
func NewService(options Options) *Service {
	joinTimeout := options.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}
	newCode := options.NewCode
	if newCode == nil {
		newCode = NewCode
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		network:     options.Network,
		registry:    options.Registry,
		bus:         options.Bus,
		joinTimeout: joinTimeout,
		newCode:     newCode,
		now:         now,
		state:       StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the current room, or nil when not in a room. The pointer changes exactly when
// the room state changes.
func (s *Service) Snapshot() *models.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// SelfID returns the local peer address, or "" when idle.
func (s *Service) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

// IsHost reports whether the local instance hosts the current room.
func (s *Service) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isHost && s.state == StateActive
}

// Create opens a new room hosted by the local instance and returns its code.
func (s *Service) Create(ctx context.Context, displayName string) (string, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return "", ErrAlreadyInRoom
	}
	s.state = StateCreating
	s.mu.Unlock()

	code, listener, err := s.openHostAddress(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return "", err
	}

	room := models.NewRoom(code, displayName, s.now())

	s.mu.Lock()
	if s.state != StateCreating {
		s.mu.Unlock()
		_ = listener.Close()
		return "", ErrNotInRoom
	}
	s.state = StateActive
	s.selfID = code
	s.isHost = true
	s.listener = listener
	s.room = room
	s.bus.Publish(events.RoomUpdated{Room: room})
	s.mu.Unlock()

	go s.acceptLoop(listener)
	log.Infow("room created", "room", code, "host", displayName)
	return code, nil
}

func (s *Service) openHostAddress(ctx context.Context) (string, network.Listener, error) {
	var lastErr error
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return "", nil, err
		}
		listener, err := s.network.Listen(ctx, code)
		if err == nil {
			return code, listener, nil
		}
		lastErr = err
		if !errors.Is(err, network.ErrAddressInUse) {
			break
		}
		log.Debugw("room code taken, retrying", "room", code)
	}
	return "", nil, network.NewTransportError("open room", lastErr)
}

// Join connects to the host of roomID and waits for the initial snapshot.
func (s *Service) Join(ctx context.Context, roomID, displayName string) error {
	code, err := NormalizeCode(roomID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyInRoom
	}
	selfID := NewMemberID(code, s.now())
	joined := make(chan struct{})
	s.state = StateJoining
	s.selfID = selfID
	s.isHost = false
	s.joined = joined
	s.mu.Unlock()

	listener, err := s.network.Listen(ctx, selfID)
	if err != nil {
		s.abortJoin(joined)
		return network.NewTransportError("open member address", err)
	}
	s.mu.Lock()
	if s.joined != joined {
		s.mu.Unlock()
		_ = listener.Close()
		return ErrNotInRoom
	}
	s.listener = listener
	s.mu.Unlock()
	go s.acceptLoop(listener)

	conn, err := s.network.Connect(ctx, selfID, code)
	if err != nil {
		s.abortJoin(joined)
		return network.NewTransportError("connect to host", err)
	}

	s.mu.Lock()
	if s.joined != joined {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrNotInRoom
	}
	s.hostConn = conn
	s.mu.Unlock()
	s.registry.Track(conn)

	if err := conn.Send(network.MemberInfo{
		ID:               selfID,
		Name:             displayName,
		ActiveSelections: []models.Selection{},
	}); err != nil {
		s.abortJoin(joined)
		return network.NewTransportError("send member-info", err)
	}

	timer := time.NewTimer(s.joinTimeout)
	defer timer.Stop()

	var waitErr error
	select {
	case <-joined:
	case <-timer.C:
		waitErr = network.ErrTimeout
	case <-conn.Done():
		waitErr = network.NewTransportError("join", network.ErrConnectionClosed)
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	s.mu.Lock()
	success := s.joined == joined && s.state == StateActive
	s.mu.Unlock()
	if success {
		log.Infow("joined room", "room", code, "self", selfID)
		return nil
	}

	if waitErr == nil {
		waitErr = ErrNotInRoom
	}
	s.abortJoin(joined)
	log.Warnw("join failed", "room", code, "error", waitErr)
	return waitErr
}

// abortJoin tears down a join attempt if it is still the current one.
func (s *Service) abortJoin(joined chan struct{}) {
	s.mu.Lock()
	if s.joined != joined || s.state != StateJoining {
		s.mu.Unlock()
		return
	}
	listener := s.resetLocked()
	s.mu.Unlock()

	s.closeResources(listener)
}

// Leave closes every connection, discards the room and returns to Idle.
func (s *Service) Leave() error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return ErrNotInRoom
	}
	roomID := ""
	if s.room != nil {
		roomID = s.room.ID
	}
	hadRoom := s.room != nil
	listener := s.resetLocked()
	if hadRoom {
		s.bus.Publish(events.RoomUpdated{Room: nil})
	}
	s.mu.Unlock()

	s.closeResources(listener)
	log.Infow("left room", "room", roomID)
	return nil
}

// resetLocked returns to Idle and hands back the listener to close outside the lock.
func (s *Service) resetLocked() network.Listener {
	listener := s.listener
	s.state = StateIdle
	s.selfID = ""
	s.isHost = false
	s.room = nil
	s.listener = nil
	s.hostConn = nil
	s.joined = nil
	return listener
}

func (s *Service) closeResources(listener network.Listener) {
	if listener != nil {
		_ = listener.Close()
	}
	s.registry.CloseAll()
}

// BroadcastSelections publishes the local selections. The host applies them and rebroadcasts the
// snapshot; a member forwards them to the host only.
func (s *Service) BroadcastSelections(selections []models.Selection) error {
	s.mu.Lock()
	if s.state != StateActive || s.room == nil {
		s.mu.Unlock()
		return ErrNotInRoom
	}

	if !s.isHost {
		conn := s.hostConn
		s.mu.Unlock()
		if err := conn.Send(network.SkinsUpdate{Selections: models.CloneSelections(selections)}); err != nil {
			return network.NewTransportError("send skins-update", err)
		}
		return nil
	}

	room, _ := s.room.WithSelections(s.selfID, selections)
	s.setRoomLocked(room)
	s.broadcastMu.Lock()
	s.mu.Unlock()
	defer s.broadcastMu.Unlock()

	s.sendSnapshot(room, "")
	return nil
}

// HandleMessage applies one room message received on conn.
func (s *Service) HandleMessage(conn network.Conn, msg network.Message) {
	switch m := msg.(type) {
	case network.MemberInfo:
		s.handleMemberInfo(conn, m)
	case network.SkinsUpdate:
		s.handleSkinsUpdate(conn, m)
	case network.RoomInfo:
		s.handleSnapshot(conn, &m.Room)
	case network.RoomUpdate:
		s.handleSnapshot(conn, &m.Room)
	default:
		log.Debugw("ignoring non-room message", "peer", conn.PeerID(), "type", msg.MessageType())
	}
}

func (s *Service) handleMemberInfo(conn network.Conn, info network.MemberInfo) {
	s.mu.Lock()
	if !s.isHost || s.state != StateActive {
		s.mu.Unlock()
		log.Warnw("ignoring member-info while not hosting", "peer", conn.PeerID())
		return
	}

	memberID := conn.PeerID()
	if info.ID != "" && info.ID != memberID {
		log.Warnw("member-info id differs from connection", "peer", memberID, "claimed", info.ID)
	}

	_, rejoined := s.room.Member(memberID)
	member := models.Member{
		ID:               memberID,
		Name:             info.Name,
		ActiveSelections: models.CloneSelections(info.ActiveSelections),
		Connected:        true,
	}
	room := s.room.WithMember(member)
	s.setRoomLocked(room)
	if !rejoined {
		s.bus.Publish(events.MemberJoined{Member: member.Clone()})
	}
	s.broadcastMu.Lock()
	s.mu.Unlock()
	defer s.broadcastMu.Unlock()

	log.Infow("member joined", "room", room.ID, "member", memberID, "name", info.Name, "rejoined", rejoined)
	if err := conn.Send(network.RoomInfo{Room: *room}); err != nil {
		log.Warnw("send room-info failed", "member", memberID, "error", err)
	}
	s.sendSnapshot(room, memberID)
}

func (s *Service) handleSkinsUpdate(conn network.Conn, update network.SkinsUpdate) {
	s.mu.Lock()
	if !s.isHost || s.state != StateActive {
		s.mu.Unlock()
		log.Warnw("ignoring skins-update while not hosting", "peer", conn.PeerID())
		return
	}

	room, ok := s.room.WithSelections(conn.PeerID(), update.Selections)
	if !ok {
		s.mu.Unlock()
		log.Warnw("ignoring skins-update from non-member", "peer", conn.PeerID())
		return
	}
	s.setRoomLocked(room)
	s.broadcastMu.Lock()
	s.mu.Unlock()
	defer s.broadcastMu.Unlock()

	s.sendSnapshot(room, "")
}

func (s *Service) handleSnapshot(conn network.Conn, snapshot *models.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isHost || conn != s.hostConn {
		log.Warnw("ignoring room snapshot from non-host", "peer", conn.PeerID())
		return
	}

	switch s.state {
	case StateJoining:
		s.state = StateActive
		s.setRoomLocked(snapshot.Clone())
		close(s.joined)
	case StateActive:
		s.setRoomLocked(snapshot.Clone())
	default:
		log.Debugw("ignoring room snapshot", "state", s.state)
	}
}

// HandleClosed reacts to a closed connection. On the host a member leaving is a membership
// change; on a member losing the host ends the room.
func (s *Service) HandleClosed(conn network.Conn, current bool) {
	s.mu.Lock()

	if !s.isHost {
		if conn != s.hostConn || s.state == StateIdle {
			s.mu.Unlock()
			return
		}
		if s.state == StateJoining {
			// Join observes conn.Done and tears down itself.
			s.mu.Unlock()
			return
		}
		roomID := s.room.ID
		listener := s.resetLocked()
		s.bus.Publish(events.RoomUpdated{Room: nil})
		s.mu.Unlock()

		log.Warnw("lost connection to host", "room", roomID)
		s.closeResources(listener)
		return
	}

	if !current || s.state != StateActive {
		s.mu.Unlock()
		return
	}
	member, ok := s.room.Member(conn.PeerID())
	if !ok {
		s.mu.Unlock()
		return
	}
	room, _ := s.room.WithoutMember(member.ID)
	s.setRoomLocked(room)
	member.Connected = false
	s.bus.Publish(events.MemberLeft{Member: member})
	s.broadcastMu.Lock()
	s.mu.Unlock()
	defer s.broadcastMu.Unlock()

	log.Infow("member left", "room", room.ID, "member", member.ID)
	s.sendSnapshot(room, "")
}

// setRoomLocked publishes room unless it equals the current snapshot.
func (s *Service) setRoomLocked(room *models.Room) {
	if s.room.Equal(room) {
		return
	}
	s.room = room
	s.bus.Publish(events.RoomUpdated{Room: room})
}

// sendSnapshot sends room-update to every member except skip. Callers hold broadcastMu.
func (s *Service) sendSnapshot(room *models.Room, skip string) {
	update := network.RoomUpdate{Room: *room}
	for _, memberID := range room.MemberIDs() {
		if memberID == skip {
			continue
		}
		if err := s.registry.Send(memberID, update); err != nil {
			log.Warnw("send room-update failed", "member", memberID, "error", err)
		}
	}
}

func (s *Service) acceptLoop(listener network.Listener) {
	for conn := range listener.Incoming() {
		if conn == nil {
			continue
		}
		log.Debugw("accepted connection", "address", listener.Address(), "peer", conn.PeerID())
		s.registry.Track(conn)
	}
}
