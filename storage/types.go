package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"skinparty/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// TransferRecord is the SQLite representation of one transfer history row.
type TransferRecord struct {
	TransferID string
	Direction  models.TransferDirection
	PeerID     string
	Metadata   models.FileMetadata
	Subject    models.Subject
	State      models.TransferState
	Reason     string
	StartedAt  int64
	FinishedAt *int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateTransferDirection(direction models.TransferDirection) error {
	switch direction {
	case models.DirectionSend, models.DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferState(state models.TransferState) error {
	switch state {
	case models.TransferRequested, models.TransferAccepted, models.TransferTransferring,
		models.TransferCompleted, models.TransferRejected, models.TransferErrored,
		models.TransferCancelled, models.TransferTimedOut:
		return nil
	default:
		return fmt.Errorf("invalid transfer state %q", state)
	}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
