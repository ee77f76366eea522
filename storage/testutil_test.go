package storage

import (
	"testing"
	"time"

	"skinparty/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustRecordTransfer(t *testing.T, store *Store, id string, startedAt time.Time) models.Transfer {
	t.Helper()

	transfer := models.Transfer{
		ID:        id,
		Direction: models.DirectionReceive,
		State:     models.TransferRequested,
		Metadata: models.FileMetadata{
			FileName:    "ahri.fantome",
			FileSize:    2048,
			ContentHash: "abc123",
			MimeType:    "application/octet-stream",
		},
		Subject:   models.Subject{Champion: "Ahri", ItemID: "103001", Name: "Spirit Blossom Ahri"},
		PeerID:    "peer-1",
		StartedAt: startedAt,
	}
	if err := store.RecordTransfer(transfer); err != nil {
		t.Fatalf("record transfer %q: %v", id, err)
	}
	return transfer
}
