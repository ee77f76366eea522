package transfer

import (
	"errors"
	"fmt"

	"skinparty/network"
)

var (
	// ErrTimeout is shared with the network layer so callers match a single sentinel.
	ErrTimeout = network.ErrTimeout
	// ErrOversize indicates a file larger than the configured maximum, or more bytes than offered.
	ErrOversize = errors.New("transfer: file exceeds maximum size")
	// ErrHashMismatch indicates the assembled file does not match the offered content hash.
	ErrHashMismatch = errors.New("transfer: content hash mismatch")
	// ErrIncompleteTransfer indicates file-complete arrived before every chunk, or the chunks did
	// not add up to the offered size.
	ErrIncompleteTransfer = errors.New("transfer: incomplete transfer")
	// ErrCancelled indicates the transfer was cancelled locally.
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrUnknownTransfer indicates no active or recently finished transfer has the id.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
	// ErrNotTransferable indicates a selection without a transfer descriptor or local source.
	ErrNotTransferable = errors.New("transfer: selection is not transferable")
)

// RejectedError is returned by RequestFile when the peer declines the offer.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "transfer: rejected by peer"
	}
	return "transfer: rejected by peer: " + e.Reason
}

// RemoteError carries the reason of a file-error sent by the peer.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return "transfer: peer reported error: " + e.Reason
}

// MissingChunkError names the first sequence absent at assembly time.
type MissingChunkError struct {
	Sequence int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("transfer: missing chunk %d", e.Sequence)
}

const (
	reasonNotAvailable = "File not available"
	reasonMissingHash  = "Missing content hash"
	reasonDuplicate    = "Transfer already active"
	reasonDeclined     = "Declined"
	reasonNoResponse   = "Request timed out"
	reasonCancelled    = "Transfer cancelled"
	reasonTimedOut     = "Transfer timed out"
)
