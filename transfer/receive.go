package transfer

import (
	"fmt"
	"time"

	"skinparty/events"
	"skinparty/models"
	"skinparty/network"
)

// beginReceiveLocked prepares t to collect chunks. Callers hold e.mu.
func (e *Engine) beginReceiveLocked(t *activeTransfer) error {
	if e.files == nil {
		return ErrNotTransferable
	}
	tempPath, err := e.files.AllocateTempPath(t.info.Metadata.FileName)
	if err != nil {
		return fmt.Errorf("allocate temp file: %w", err)
	}

	t.tempPath = tempPath
	t.chunks = make(map[int][]byte)
	t.info.State = models.TransferAccepted
	id := t.info.ID
	t.receiveTimer = time.AfterFunc(e.options.ReceiveTimeout, func() {
		e.fail(id, ErrTimeout, true)
	})
	return nil
}

// completeIfEmpty finishes a zero-byte receive, which never sees a chunk.
func (e *Engine) completeIfEmpty(t *activeTransfer) {
	if t.info.Direction != models.DirectionReceive || t.info.Metadata.FileSize != 0 {
		return
	}
	e.mu.Lock()
	if e.active[t.info.ID] != t {
		e.mu.Unlock()
		return
	}
	t.totalKnown = true
	t.info.TotalChunks = 0
	e.mu.Unlock()
	e.assemble(t)
}

func (e *Engine) handleChunk(conn network.Conn, chunk network.FileChunk) {
	e.mu.Lock()
	t, ok := e.active[chunk.ID]
	if !ok || t.conn != conn || t.info.Direction != models.DirectionReceive || t.chunks == nil {
		e.mu.Unlock()
		log.Debugw("ignoring file-chunk", "id", chunk.ID, "sequence", chunk.Sequence, "peer", conn.PeerID())
		return
	}

	if !t.totalKnown {
		if chunk.TotalChunks <= 0 {
			e.mu.Unlock()
			e.fail(chunk.ID, &network.ProtocolError{Type: network.TypeFileChunk, Reason: "invalid chunk count"}, true)
			return
		}
		t.totalKnown = true
		t.info.TotalChunks = chunk.TotalChunks
	}

	if chunk.Sequence < 0 || chunk.Sequence >= t.info.TotalChunks {
		e.mu.Unlock()
		e.fail(chunk.ID, &network.ProtocolError{
			Type:   network.TypeFileChunk,
			Reason: fmt.Sprintf("chunk sequence %d out of range", chunk.Sequence),
		}, true)
		return
	}
	if _, seen := t.chunks[chunk.Sequence]; seen {
		e.mu.Unlock()
		log.Debugw("ignoring duplicate chunk", "id", chunk.ID, "sequence", chunk.Sequence)
		return
	}

	t.bytes += int64(len(chunk.Data))
	if t.bytes > t.info.Metadata.FileSize {
		e.mu.Unlock()
		e.fail(chunk.ID, fmt.Errorf("%w: received more than %d bytes", ErrOversize, t.info.Metadata.FileSize), true)
		return
	}

	t.chunks[chunk.Sequence] = chunk.Data
	t.info.State = models.TransferTransferring
	t.info.ReceivedChunks = len(t.chunks)
	t.info.ProgressPercent = percent(len(t.chunks), t.info.TotalChunks)
	progress := events.TransferProgress{
		TransferID:       t.info.ID,
		PeerID:           t.info.PeerID,
		Direction:        models.DirectionReceive,
		FileName:         t.info.Metadata.FileName,
		ChunkIndex:       chunk.Sequence,
		TotalChunks:      t.info.TotalChunks,
		BytesTransferred: t.bytes,
		TotalBytes:       t.info.Metadata.FileSize,
		Percent:          t.info.ProgressPercent,
	}
	done := len(t.chunks) == t.info.TotalChunks
	e.mu.Unlock()

	e.bus.Publish(progress)
	if done {
		e.assemble(t)
	}
}

func (e *Engine) handleComplete(conn network.Conn, complete network.FileComplete) {
	e.mu.Lock()
	t, ok := e.active[complete.ID]
	if !ok || t.conn != conn || t.info.Direction != models.DirectionReceive || t.chunks == nil {
		e.mu.Unlock()
		log.Debugw("ignoring file-complete", "id", complete.ID, "peer", conn.PeerID())
		return
	}
	missing := firstMissing(t.chunks, t.info.TotalChunks)
	e.mu.Unlock()

	// Receives finish on their last chunk, so a file-complete for an active one is early.
	e.fail(complete.ID, fmt.Errorf("%w: %w", ErrIncompleteTransfer, &MissingChunkError{Sequence: missing}), true)
}

// assemble writes the chunks in sequence order, verifies the hash and imports the asset.
func (e *Engine) assemble(t *activeTransfer) {
	e.mu.Lock()
	if e.active[t.info.ID] != t {
		e.mu.Unlock()
		return
	}
	e.detachLocked(t, models.TransferCompleted)
	ordered := make([][]byte, 0, t.info.TotalChunks)
	missing := -1
	for sequence := 0; sequence < t.info.TotalChunks; sequence++ {
		data, ok := t.chunks[sequence]
		if !ok {
			missing = sequence
			break
		}
		ordered = append(ordered, data)
	}
	t.chunks = nil
	received := t.bytes
	e.mu.Unlock()

	if missing >= 0 {
		e.failDetached(t, fmt.Errorf("%w: %w", ErrIncompleteTransfer, &MissingChunkError{Sequence: missing}), true)
		return
	}
	if received != t.info.Metadata.FileSize {
		e.failDetached(t, fmt.Errorf("%w: received %d of %d bytes", ErrIncompleteTransfer, received, t.info.Metadata.FileSize), true)
		return
	}

	if err := e.files.WriteAssembled(t.tempPath, ordered, t.info.Metadata.ContentHash); err != nil {
		e.failDetached(t, fmt.Errorf("assemble %s: %w", t.info.Metadata.FileName, err), true)
		return
	}

	record, err := e.files.ImportAsset(t.tempPath, t.info.Subject)
	if err != nil {
		e.failDetached(t, fmt.Errorf("import %s: %w", t.info.Metadata.FileName, err), true)
		return
	}

	log.Infow("file received", "id", t.info.ID, "peer", t.info.PeerID, "path", record.Path)
	result := Result{TransferID: t.info.ID, Direction: models.DirectionReceive, Path: record.Path}
	e.bus.Publish(events.TransferCompleted{
		TransferID: t.info.ID,
		PeerID:     t.info.PeerID,
		Direction:  models.DirectionReceive,
		Path:       record.Path,
	})
	e.finish(t, models.TransferCompleted, result, nil)
}

func firstMissing(chunks map[int][]byte, total int) int {
	for sequence := 0; sequence < total; sequence++ {
		if _, ok := chunks[sequence]; !ok {
			return sequence
		}
	}
	return total
}
