package transfer

import "skinparty/models"

// FileStore is the local file-system access the engine needs. WriteAssembled must return an
// error wrapping ErrHashMismatch when the written content does not match expectedHash.
type FileStore interface {
	ReadChunk(token string, offset int64, length int) ([]byte, error)
	Size(token string) (int64, error)
	Hash(token string) (string, error)
	WriteAssembled(dest string, chunks [][]byte, expectedHash string) error
	AllocateTempPath(fileName string) (string, error)
	ImportAsset(path string, subject models.Subject) (models.AssetRecord, error)
	FindLocal(subject models.Subject, fileName string) (string, bool)
}

// History records transfer outcomes. It is optional.
type History interface {
	RecordTransfer(transfer models.Transfer) error
	FinishTransfer(id string, state models.TransferState, reason string) error
}
