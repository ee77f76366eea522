package transfer

import (
	"context"
	"fmt"
	"time"

	"skinparty/events"
	"skinparty/models"
	"skinparty/network"
)

func (e *Engine) startSending(ctx context.Context, t *activeTransfer) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runSend(ctx, t)
	}()
}

// runSend streams every chunk in order, then file-complete. Transfer state changes happen under
// e.mu; file and connection I/O does not.
func (e *Engine) runSend(ctx context.Context, t *activeTransfer) {
	e.mu.Lock()
	if e.active[t.info.ID] != t {
		e.mu.Unlock()
		return
	}
	t.info.State = models.TransferTransferring
	info := t.info
	e.mu.Unlock()

	log.Infow("sending file", "id", info.ID, "peer", info.PeerID, "file", info.Metadata.FileName, "chunks", info.TotalChunks)

	var bytesSent int64
	for sequence := 0; sequence < info.TotalChunks; sequence++ {
		if ctx.Err() != nil {
			return
		}

		data, err := e.files.ReadChunk(t.token, int64(sequence)*int64(info.ChunkSize), info.ChunkSize)
		if err != nil {
			e.fail(info.ID, fmt.Errorf("read chunk %d: %w", sequence, err), true)
			return
		}

		if err := t.conn.Send(network.FileChunk{
			ID:          info.ID,
			Sequence:    sequence,
			TotalChunks: info.TotalChunks,
			Data:        data,
		}); err != nil {
			e.fail(info.ID, network.NewTransportError("send file-chunk", err), false)
			return
		}

		bytesSent += int64(len(data))
		if !e.progress(t, sequence, bytesSent) {
			return
		}

		if e.options.ChunkDelay > 0 && sequence < info.TotalChunks-1 {
			if !sleepContext(ctx, e.options.ChunkDelay) {
				return
			}
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := t.conn.Send(network.FileComplete{ID: info.ID}); err != nil {
		e.fail(info.ID, network.NewTransportError("send file-complete", err), false)
		return
	}

	e.mu.Lock()
	if e.active[info.ID] != t {
		e.mu.Unlock()
		return
	}
	e.detachLocked(t, models.TransferCompleted)
	e.mu.Unlock()

	log.Infow("file sent", "id", info.ID, "peer", info.PeerID, "bytes", bytesSent)
	result := Result{TransferID: info.ID, Direction: models.DirectionSend, Path: t.token}
	e.bus.Publish(events.TransferCompleted{TransferID: info.ID, PeerID: info.PeerID, Direction: models.DirectionSend, Path: t.token})
	e.finish(t, models.TransferCompleted, result, nil)
}

// progress records and publishes one sent chunk. It reports false once t is no longer active, so
// nothing is published after a cancel or failure.
func (e *Engine) progress(t *activeTransfer, sequence int, bytesSent int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[t.info.ID] != t {
		return false
	}
	t.info.ReceivedChunks = sequence + 1
	t.info.ProgressPercent = percent(sequence+1, t.info.TotalChunks)
	e.bus.Publish(events.TransferProgress{
		TransferID:       t.info.ID,
		PeerID:           t.info.PeerID,
		Direction:        models.DirectionSend,
		FileName:         t.info.Metadata.FileName,
		ChunkIndex:       sequence,
		TotalChunks:      t.info.TotalChunks,
		BytesTransferred: bytesSent,
		TotalBytes:       t.info.Metadata.FileSize,
		Percent:          t.info.ProgressPercent,
	})
	return true
}

func percent(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
