package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"skinparty/models"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (4 MB).
	MaxFrameSize = 4 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial/handshake duration.
	DefaultConnectionTimeout = 15 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

const (
	TypeMemberInfo   = "member-info"
	TypeRoomInfo     = "room-info"
	TypeRoomUpdate   = "room-update"
	TypeSkinsUpdate  = "skins-update"
	TypeFileOffer    = "file-offer"
	TypeFileAccept   = "file-accept"
	TypeFileReject   = "file-reject"
	TypeFileChunk    = "file-chunk"
	TypeFileComplete = "file-complete"
	TypeFileError    = "file-error"
)

const (
	// OfferModePush means the offerer holds the file and wants to send it.
	OfferModePush = "push"
	// OfferModePull means the offerer wants the responder to send the file.
	OfferModePull = "pull"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
)

// Message is the closed set of protocol messages. Only types declared in this file implement it.
type Message interface {
	MessageType() string
	isMessage()
}

// MemberInfo is the join handshake sent by a member to the host.
type MemberInfo struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	ActiveSelections []models.Selection `json:"activeSelections"`
}

// RoomInfo is the initial snapshot sent by the host to a new member.
type RoomInfo struct {
	models.Room
}

// RoomUpdate is a snapshot broadcast by the host after every change.
type RoomUpdate struct {
	models.Room
}

// SkinsUpdate carries a member's new selections to the host.
type SkinsUpdate struct {
	Selections []models.Selection `json:"selections"`
}

// FileOffer opens a transfer handshake.
type FileOffer struct {
	ID          string              `json:"id"`
	Mode        string              `json:"mode,omitempty"`
	Metadata    models.FileMetadata `json:"metadata"`
	SubjectInfo models.Subject      `json:"subjectInfo"`
}

// FileAccept accepts an offer.
type FileAccept struct {
	ID string `json:"id"`
}

// FileReject declines an offer.
type FileReject struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// FileChunk carries one chunk; Data is base64 on the wire.
type FileChunk struct {
	ID          string `json:"id"`
	Sequence    int    `json:"sequence"`
	TotalChunks int    `json:"totalChunks"`
	Data        []byte `json:"data"`
}

// FileComplete is sent once every chunk has been sent.
type FileComplete struct {
	ID string `json:"id"`
}

// FileError aborts a transfer on the remote side.
type FileError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func (MemberInfo) MessageType() string   { return TypeMemberInfo }
func (RoomInfo) MessageType() string     { return TypeRoomInfo }
func (RoomUpdate) MessageType() string   { return TypeRoomUpdate }
func (SkinsUpdate) MessageType() string  { return TypeSkinsUpdate }
func (FileOffer) MessageType() string    { return TypeFileOffer }
func (FileAccept) MessageType() string   { return TypeFileAccept }
func (FileReject) MessageType() string   { return TypeFileReject }
func (FileChunk) MessageType() string    { return TypeFileChunk }
func (FileComplete) MessageType() string { return TypeFileComplete }
func (FileError) MessageType() string    { return TypeFileError }

func (MemberInfo) isMessage()   {}
func (RoomInfo) isMessage()     {}
func (RoomUpdate) isMessage()   {}
func (SkinsUpdate) isMessage()  {}
func (FileOffer) isMessage()    {}
func (FileAccept) isMessage()   {}
func (FileReject) isMessage()   {}
func (FileChunk) isMessage()    {}
func (FileComplete) isMessage() {}
func (FileError) isMessage()    {}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// EncodeMessage marshals a message with its "type" discriminator merged into the object.
func EncodeMessage(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, &ProtocolError{Reason: "nil message"}
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", msg.MessageType(), err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("flatten %s message: %w", msg.MessageType(), err)
	}
	typeValue, _ := json.Marshal(msg.MessageType())
	fields["type"] = typeValue

	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msg.MessageType(), err)
	}
	return payload, nil
}

// DecodeMessage parses an envelope into its concrete message. Unknown types yield a ProtocolError.
func DecodeMessage(payload []byte) (Message, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, &ProtocolError{Reason: "malformed envelope: " + err.Error()}
	}

	switch envelope.Type {
	case TypeMemberInfo:
		return decodeBody[MemberInfo](envelope.Type, payload)
	case TypeRoomInfo:
		return decodeBody[RoomInfo](envelope.Type, payload)
	case TypeRoomUpdate:
		return decodeBody[RoomUpdate](envelope.Type, payload)
	case TypeSkinsUpdate:
		return decodeBody[SkinsUpdate](envelope.Type, payload)
	case TypeFileOffer:
		return decodeBody[FileOffer](envelope.Type, payload)
	case TypeFileAccept:
		return decodeBody[FileAccept](envelope.Type, payload)
	case TypeFileReject:
		return decodeBody[FileReject](envelope.Type, payload)
	case TypeFileChunk:
		return decodeBody[FileChunk](envelope.Type, payload)
	case TypeFileComplete:
		return decodeBody[FileComplete](envelope.Type, payload)
	case TypeFileError:
		return decodeBody[FileError](envelope.Type, payload)
	case "":
		return nil, &ProtocolError{Reason: "missing message type"}
	default:
		return nil, &ProtocolError{Type: envelope.Type, Reason: "unknown message type"}
	}
}

func decodeBody[T Message](messageType string, payload []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, &ProtocolError{Type: messageType, Reason: "malformed body: " + err.Error()}
	}
	return msg, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
