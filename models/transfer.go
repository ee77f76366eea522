package models

import "time"

// TransferDirection is the local role in a transfer.
type TransferDirection string

const (
	DirectionSend    TransferDirection = "send"
	DirectionReceive TransferDirection = "receive"
)

// TransferState tracks the lifecycle of one transfer.
type TransferState string

const (
	TransferRequested    TransferState = "requested"
	TransferAccepted     TransferState = "accepted"
	TransferTransferring TransferState = "transferring"
	TransferCompleted    TransferState = "completed"
	TransferRejected     TransferState = "rejected"
	TransferErrored      TransferState = "errored"
	TransferCancelled    TransferState = "cancelled"
	TransferTimedOut     TransferState = "timed_out"
)

// Terminal reports whether no further transitions are possible.
func (s TransferState) Terminal() bool {
	switch s {
	case TransferCompleted, TransferRejected, TransferErrored, TransferCancelled, TransferTimedOut:
		return true
	default:
		return false
	}
}

// FileMetadata describes the file moved by a transfer.
type FileMetadata struct {
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ContentHash string `json:"contentHash"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Transfer is a point-in-time view of one active transfer.
type Transfer struct {
	ID              string            `json:"id"`
	Direction       TransferDirection `json:"direction"`
	State           TransferState     `json:"state"`
	Metadata        FileMetadata      `json:"metadata"`
	Subject         Subject           `json:"subjectInfo"`
	PeerID          string            `json:"peerId"`
	ChunkSize       int               `json:"chunkSize"`
	TotalChunks     int               `json:"totalChunks"`
	ReceivedChunks  int               `json:"receivedChunks"`
	ProgressPercent float64           `json:"progressPercent"`
	StartedAt       time.Time         `json:"startedAt"`
}

// AssetRecord is a custom asset stored in the local library.
type AssetRecord struct {
	ID          string  `json:"id"`
	Subject     Subject `json:"subject"`
	FileName    string  `json:"fileName"`
	Path        string  `json:"path"`
	ContentHash string  `json:"contentHash"`
	ByteSize    int64   `json:"byteSize"`
	ImportedAt  int64   `json:"importedAt"`
}

// ChunkCount returns ceil(size/chunkSize); empty files have no chunks.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}
