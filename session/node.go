// Package session wires the room state machine, the transfer engine and the connection registry
// into one node and routes inbound messages between them.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"skinparty/events"
	"skinparty/models"
	"skinparty/network"
	"skinparty/room"
	"skinparty/transfer"
)

var log = logging.Logger("session")

// Options configures a Node. Zero durations and sizes use the package defaults of room and
// transfer.
type Options struct {
	Network network.PeerNetwork
	Files   transfer.FileStore
	History transfer.History
	// Bus is created and owned by the node when nil.
	Bus *events.Bus

	JoinTimeout     time.Duration
	ChunkSize       int
	MaxFileSize     int64
	ResponseTimeout time.Duration
	ReceiveTimeout  time.Duration
	ChunkDelay      time.Duration

	// AutoAcceptTransfers accepts every inbound offer that reaches the consent step.
	AutoAcceptTransfers bool
}

// Node is one running peer.
type Node struct {
	network   network.PeerNetwork
	registry  *network.Registry
	bus       *events.Bus
	ownsBus   bool
	room      *room.Service
	transfers *transfer.Engine

	autoAccept *events.Subscription
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// New builds a node from options.
func New(options Options) (*Node, error) {
	if options.Network == nil {
		return nil, errors.New("peer network is required")
	}
	if options.Files == nil {
		return nil, errors.New("file store is required")
	}

	bus := options.Bus
	ownsBus := false
	if bus == nil {
		bus = events.NewBus()
		ownsBus = true
	}

	registry := network.NewRegistry(nil)
	n := &Node{
		network:  options.Network,
		registry: registry,
		bus:      bus,
		ownsBus:  ownsBus,
		room: room.NewService(room.Options{
			Network:     options.Network,
			Registry:    registry,
			Bus:         bus,
			JoinTimeout: options.JoinTimeout,
		}),
		transfers: transfer.NewEngine(transfer.Options{
			Files:           options.Files,
			Bus:             bus,
			History:         options.History,
			ChunkSize:       options.ChunkSize,
			MaxFileSize:     options.MaxFileSize,
			ResponseTimeout: options.ResponseTimeout,
			ReceiveTimeout:  options.ReceiveTimeout,
			ChunkDelay:      options.ChunkDelay,
		}),
	}
	registry.SetHandler(n)

	if options.AutoAcceptTransfers {
		n.autoAccept = bus.Subscribe(64)
		n.wg.Add(1)
		go n.acceptLoop(n.autoAccept)
	}
	return n, nil
}

// Bus returns the event bus the node publishes on.
func (n *Node) Bus() *events.Bus {
	return n.bus
}

// Room returns the room state machine.
func (n *Node) Room() *room.Service {
	return n.room
}

// Transfers returns the transfer engine.
func (n *Node) Transfers() *transfer.Engine {
	return n.transfers
}

// Create hosts a new room and returns its code.
func (n *Node) Create(ctx context.Context, displayName string) (string, error) {
	return n.room.Create(ctx, displayName)
}

// Join joins the room hosted at roomID.
func (n *Node) Join(ctx context.Context, roomID, displayName string) error {
	return n.room.Join(ctx, roomID, displayName)
}

// Leave leaves the current room. Transfers riding the closed connections fail.
func (n *Node) Leave() error {
	return n.room.Leave()
}

// BroadcastSelections publishes the local selections to the room.
func (n *Node) BroadcastSelections(selections []models.Selection) error {
	return n.room.BroadcastSelections(selections)
}

// ConnectPeer returns the live connection to peerID, dialing it when there is none.
func (n *Node) ConnectPeer(ctx context.Context, peerID string) (network.Conn, error) {
	if conn, ok := n.registry.Get(peerID); ok {
		return conn, nil
	}

	selfID := n.room.SelfID()
	if selfID == "" {
		return nil, room.ErrNotInRoom
	}
	if peerID == selfID {
		return nil, errors.New("cannot connect to self")
	}

	conn, err := n.network.Connect(ctx, selfID, peerID)
	if err != nil {
		return nil, err
	}
	n.registry.Track(conn)
	log.Debugw("connected to peer", "self", selfID, "peer", peerID)
	return conn, nil
}

// RequestFile offers selection to peerID, connecting first if needed.
func (n *Node) RequestFile(ctx context.Context, peerID string, selection models.Selection, localPathToken string) (string, error) {
	conn, err := n.ConnectPeer(ctx, peerID)
	if err != nil {
		return "", err
	}
	return n.transfers.RequestFile(ctx, conn, selection, localPathToken)
}

// HandleMessage routes room messages to the room service and file messages to the engine.
func (n *Node) HandleMessage(conn network.Conn, msg network.Message) {
	switch msg.(type) {
	case network.MemberInfo, network.RoomInfo, network.RoomUpdate, network.SkinsUpdate:
		n.room.HandleMessage(conn, msg)
	case network.FileOffer, network.FileAccept, network.FileReject,
		network.FileChunk, network.FileComplete, network.FileError:
		n.transfers.HandleMessage(conn, msg)
	default:
		log.Warnw("unroutable message", "peer", conn.PeerID(), "type", msg.MessageType())
	}
}

// HandleProtocolError publishes the violation. The connection stays open.
func (n *Node) HandleProtocolError(conn network.Conn, err *network.ProtocolError) {
	n.bus.Publish(events.ProtocolViolation{PeerID: conn.PeerID(), Err: err})
}

// HandleClosed tells both state machines about a closed connection.
func (n *Node) HandleClosed(conn network.Conn, current bool) {
	n.transfers.HandleClosed(conn)
	n.room.HandleClosed(conn, current)
}

// Close leaves the room, stops every transfer and waits for the read loops.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		if err := n.room.Leave(); err != nil && !errors.Is(err, room.ErrNotInRoom) {
			log.Warnw("leave on close failed", "error", err)
		}
		n.transfers.Close()
		n.registry.Close()
		if n.autoAccept != nil {
			n.autoAccept.Close()
		}
		n.wg.Wait()
		if n.ownsBus {
			n.bus.Close()
		}
	})
}

func (n *Node) acceptLoop(sub *events.Subscription) {
	defer n.wg.Done()

	for event := range sub.C {
		requested, ok := event.(events.TransferRequested)
		if !ok {
			continue
		}
		request := requested.Request
		if err := request.Accept(); err != nil {
			log.Debugw("auto-accept skipped", "transfer", request.TransferID, "error", err)
			continue
		}
		log.Infow("transfer auto-accepted", "transfer", request.TransferID, "peer", request.PeerID, "file", request.Metadata.FileName)
	}
}
