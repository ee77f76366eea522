// Package events carries room and transfer notifications from the session core to the
// application layer.
package events

import (
	"sync"

	"skinparty/models"
)

// Event is the closed set of notifications published on a Bus.
type Event interface {
	isEvent()
}

// RoomUpdated carries the new room snapshot. Room is nil after leaving or losing the host.
type RoomUpdated struct {
	Room *models.Room
}

// MemberJoined is published on the host when a member is admitted.
type MemberJoined struct {
	Member models.Member
}

// MemberLeft is published on the host when a member's connection closes.
type MemberLeft struct {
	Member models.Member
}

// TransferRequested asks the application to consent to an inbound offer.
type TransferRequested struct {
	Request *TransferRequest
}

// TransferProgress reports chunk-level progress for one transfer.
type TransferProgress struct {
	TransferID       string
	PeerID           string
	Direction        models.TransferDirection
	FileName         string
	ChunkIndex       int
	TotalChunks      int
	BytesTransferred int64
	TotalBytes       int64
	Percent          float64
}

// TransferCompleted is published once a transfer reached its terminal success state. Path is the
// imported asset on the receiving side and the source file on the sending side.
type TransferCompleted struct {
	TransferID string
	PeerID     string
	Direction  models.TransferDirection
	Path       string
}

// TransferFailed is published when a transfer ends with an error.
type TransferFailed struct {
	TransferID string
	PeerID     string
	Direction  models.TransferDirection
	Err        error
}

// TransferCancelled is published when a transfer is cancelled locally.
type TransferCancelled struct {
	TransferID string
	PeerID     string
}

// ProtocolViolation reports a message that could not be decoded. The connection stays open.
type ProtocolViolation struct {
	PeerID string
	Err    error
}

func (RoomUpdated) isEvent()       {}
func (MemberJoined) isEvent()      {}
func (MemberLeft) isEvent()        {}
func (TransferRequested) isEvent() {}
func (TransferProgress) isEvent()  {}
func (TransferCompleted) isEvent() {}
func (TransferFailed) isEvent()    {}
func (TransferCancelled) isEvent() {}
func (ProtocolViolation) isEvent() {}

// DecisionFunc resolves a pending transfer request.
type DecisionFunc func(accept bool, reason string) error

// TransferRequest is an inbound offer awaiting consent. Only the first decision counts.
type TransferRequest struct {
	TransferID string
	PeerID     string
	Metadata   models.FileMetadata
	Subject    models.Subject

	decide DecisionFunc
	once   sync.Once
}

// NewTransferRequest wraps an offer with the callback that resolves it.
func NewTransferRequest(transferID, peerID string, metadata models.FileMetadata, subject models.Subject, decide DecisionFunc) *TransferRequest {
	return &TransferRequest{
		TransferID: transferID,
		PeerID:     peerID,
		Metadata:   metadata,
		Subject:    subject,
		decide:     decide,
	}
}

// Accept consents to the offer.
func (r *TransferRequest) Accept() error {
	return r.resolve(true, "")
}

// Reject declines the offer with an optional reason for the peer.
func (r *TransferRequest) Reject(reason string) error {
	return r.resolve(false, reason)
}

func (r *TransferRequest) resolve(accept bool, reason string) error {
	err := ErrAlreadyDecided
	r.once.Do(func() {
		err = nil
		if r.decide != nil {
			err = r.decide(accept, reason)
		}
	})
	return err
}
