// Package transfer moves custom asset files between peers: offer/accept handshake, sequential
// chunk streaming, out-of-order reassembly, hash verification, timeouts and cancellation.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"skinparty/events"
	"skinparty/models"
	"skinparty/network"
)

var log = logging.Logger("transfer")

const (
	DefaultChunkSize       = 64 * 1024
	DefaultMaxFileSize     = 500 * 1024 * 1024
	DefaultResponseTimeout = 30 * time.Second
	DefaultReceiveTimeout  = 5 * time.Minute
	DefaultChunkDelay      = 5 * time.Millisecond

	finishedRetention = 256
)

// Options configures an Engine.
type Options struct {
	Files   FileStore
	Bus     *events.Bus
	History History

	ChunkSize       int
	MaxFileSize     int64
	ResponseTimeout time.Duration
	ReceiveTimeout  time.Duration
	// ChunkDelay is the pause between chunks. Negative disables it.
	ChunkDelay time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.MaxFileSize <= 0 {
		out.MaxFileSize = DefaultMaxFileSize
	}
	if out.ResponseTimeout <= 0 {
		out.ResponseTimeout = DefaultResponseTimeout
	}
	if out.ReceiveTimeout <= 0 {
		out.ReceiveTimeout = DefaultReceiveTimeout
	}
	if out.ChunkDelay == 0 {
		out.ChunkDelay = DefaultChunkDelay
	}
	if out.ChunkDelay < 0 {
		out.ChunkDelay = 0
	}
	return out
}

// Result is the terminal outcome of a successful transfer.
type Result struct {
	TransferID string
	Direction  models.TransferDirection
	// Path is the imported asset for received files.
	Path string
}

type outcome struct {
	result Result
	err    error
}

// activeTransfer is engine-private state for one transfer. Fields are guarded by Engine.mu.
type activeTransfer struct {
	info models.Transfer
	conn network.Conn

	// offered is set while a locally initiated offer waits for accept or reject.
	offered chan error
	// decisionTimer expires an inbound offer nobody decided on.
	decisionTimer *time.Timer

	// send side
	token  string
	cancel context.CancelFunc

	// receive side
	chunks       map[int][]byte
	totalKnown   bool
	bytes        int64
	tempPath     string
	receiveTimer *time.Timer
}

// Engine runs every transfer of the local instance.
type Engine struct {
	options Options
	files   FileStore
	bus     *events.Bus
	history History

	mu     sync.Mutex
	active map[string]*activeTransfer

	// finishing holds transfers removed from active whose outcome is not published yet.
	finishing     map[string]struct{}
	waiters       map[string][]chan outcome
	finished      map[string]outcome
	finishedOrder []string

	wg sync.WaitGroup
}

// NewEngine creates a transfer engine.
func NewEngine(options Options) *Engine {
	opts := options.withDefaults()
	return &Engine{
		options:   opts,
		files:     opts.Files,
		bus:       opts.Bus,
		history:   opts.History,
		active:    make(map[string]*activeTransfer),
		finishing: make(map[string]struct{}),
		waiters:   make(map[string][]chan outcome),
		finished:  make(map[string]outcome),
	}
}

// RequestFile offers a transfer of selection to the peer on conn. The engine sends when
// localPathToken is set or the library holds a matching copy, and asks the peer to send
// otherwise. It returns once the peer accepted.
func (e *Engine) RequestFile(ctx context.Context, conn network.Conn, selection models.Selection, localPathToken string) (string, error) {
	subject := selection.Subject()
	fileName := ""
	if selection.Transfer != nil {
		fileName = selection.Transfer.FileName
	}

	token := localPathToken
	if token == "" && e.files != nil {
		if path, ok := e.files.FindLocal(subject, fileName); ok {
			token = path
		}
	}

	var (
		metadata  models.FileMetadata
		direction models.TransferDirection
		mode      string
	)
	if token != "" {
		direction, mode = models.DirectionSend, network.OfferModePush
		var err error
		metadata, err = e.localMetadata(token, fileName)
		if err != nil {
			return "", err
		}
		if metadata.FileSize > e.options.MaxFileSize {
			return "", fmt.Errorf("%w: %d bytes", ErrOversize, metadata.FileSize)
		}
	} else {
		if !selection.Transferable() || selection.Transfer.ContentHash == "" {
			return "", ErrNotTransferable
		}
		direction, mode = models.DirectionReceive, network.OfferModePull
		metadata = models.FileMetadata{
			FileName:    selection.Transfer.FileName,
			FileSize:    selection.Transfer.ByteSize,
			ContentHash: selection.Transfer.ContentHash,
			MimeType:    mimeTypeFor(selection.Transfer.FileName),
		}
	}

	id := uuid.NewString()
	offered := make(chan error, 1)
	t := &activeTransfer{
		info: models.Transfer{
			ID:          id,
			Direction:   direction,
			State:       models.TransferRequested,
			Metadata:    metadata,
			Subject:     subject,
			PeerID:      conn.PeerID(),
			ChunkSize:   e.options.ChunkSize,
			TotalChunks: models.ChunkCount(metadata.FileSize, e.options.ChunkSize),
			StartedAt:   time.Now(),
		},
		conn:    conn,
		offered: offered,
		token:   token,
	}

	e.mu.Lock()
	e.active[id] = t
	e.mu.Unlock()
	e.record(t.info)

	log.Infow("offering transfer", "id", id, "peer", conn.PeerID(), "file", metadata.FileName, "mode", mode)
	if err := conn.Send(network.FileOffer{
		ID:          id,
		Mode:        mode,
		Metadata:    metadata,
		SubjectInfo: subject,
	}); err != nil {
		err = network.NewTransportError("send file-offer", err)
		e.abandonOffer(id, models.TransferErrored, err)
		return "", err
	}

	timer := time.NewTimer(e.options.ResponseTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-offered:
	case <-timer.C:
		if !e.abandonOffer(id, models.TransferTimedOut, ErrTimeout) {
			// A response won the race; it is already on its way.
			err = <-offered
			break
		}
		_ = conn.Send(network.FileError{ID: id, Error: reasonNoResponse})
		err = ErrTimeout
	case <-ctx.Done():
		if !e.abandonOffer(id, models.TransferCancelled, ctx.Err()) {
			err = <-offered
			break
		}
		_ = conn.Send(network.FileError{ID: id, Error: reasonCancelled})
		err = ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// abandonOffer drops a locally initiated offer that is still waiting for a response.
func (e *Engine) abandonOffer(id string, state models.TransferState, cause error) bool {
	e.mu.Lock()
	t, ok := e.active[id]
	if !ok || t.info.State != models.TransferRequested {
		e.mu.Unlock()
		return false
	}
	e.removeLocked(id)
	t.info.State = state
	t.offered = nil
	e.mu.Unlock()

	e.finish(t, state, Result{}, cause)
	return true
}

func (e *Engine) localMetadata(token, fileName string) (models.FileMetadata, error) {
	if e.files == nil {
		return models.FileMetadata{}, ErrNotTransferable
	}
	size, err := e.files.Size(token)
	if err != nil {
		return models.FileMetadata{}, fmt.Errorf("stat source: %w", err)
	}
	hash, err := e.files.Hash(token)
	if err != nil {
		return models.FileMetadata{}, fmt.Errorf("hash source: %w", err)
	}
	if fileName == "" {
		fileName = filepath.Base(token)
	}
	return models.FileMetadata{
		FileName:    fileName,
		FileSize:    size,
		ContentHash: hash,
		MimeType:    mimeTypeFor(fileName),
	}, nil
}

// HandleMessage dispatches one file-* message received on conn.
func (e *Engine) HandleMessage(conn network.Conn, msg network.Message) {
	switch m := msg.(type) {
	case network.FileOffer:
		e.HandleOffer(conn, m)
	case network.FileAccept:
		e.handleAccept(conn, m)
	case network.FileReject:
		e.handleReject(conn, m)
	case network.FileChunk:
		e.handleChunk(conn, m)
	case network.FileComplete:
		e.handleComplete(conn, m)
	case network.FileError:
		e.handleFileError(conn, m)
	default:
		log.Debugw("ignoring non-transfer message", "peer", conn.PeerID(), "type", msg.MessageType())
	}
}

// HandleOffer answers an inbound file-offer: reject, auto-accept as sender, or ask the
// application for consent.
func (e *Engine) HandleOffer(conn network.Conn, offer network.FileOffer) {
	if offer.ID == "" {
		log.Warnw("ignoring file-offer without id", "peer", conn.PeerID())
		return
	}

	if offer.Metadata.FileSize > e.options.MaxFileSize {
		log.Infow("rejecting oversize offer", "id", offer.ID, "size", offer.Metadata.FileSize)
		_ = conn.Send(network.FileReject{ID: offer.ID, Reason: e.tooLargeReason()})
		return
	}
	if offer.Metadata.ContentHash == "" {
		log.Warnw("rejecting offer without content hash", "id", offer.ID, "peer", conn.PeerID())
		_ = conn.Send(network.FileReject{ID: offer.ID, Reason: reasonMissingHash})
		return
	}

	e.mu.Lock()
	_, duplicate := e.active[offer.ID]
	e.mu.Unlock()
	if duplicate {
		log.Warnw("rejecting offer with active id", "id", offer.ID, "peer", conn.PeerID())
		_ = conn.Send(network.FileReject{ID: offer.ID, Reason: reasonDuplicate})
		return
	}

	localPath := ""
	if offer.Mode != network.OfferModePush && e.files != nil {
		if path, ok := e.files.FindLocal(offer.SubjectInfo, offer.Metadata.FileName); ok {
			localPath = path
		}
	}

	switch {
	case localPath != "":
		e.autoAcceptAsSender(conn, offer, localPath)
	case offer.Mode == network.OfferModePull:
		log.Infow("rejecting pull for missing file", "id", offer.ID, "file", offer.Metadata.FileName)
		_ = conn.Send(network.FileReject{ID: offer.ID, Reason: reasonNotAvailable})
	default:
		e.askForConsent(conn, offer)
	}
}

func (e *Engine) tooLargeReason() string {
	return fmt.Sprintf("File too large (max %d MiB)", e.options.MaxFileSize/(1024*1024))
}

func (e *Engine) autoAcceptAsSender(conn network.Conn, offer network.FileOffer, path string) {
	metadata, err := e.localMetadata(path, offer.Metadata.FileName)
	if err != nil {
		log.Warnw("local copy unreadable", "id", offer.ID, "path", path, "error", err)
		_ = conn.Send(network.FileReject{ID: offer.ID, Reason: reasonNotAvailable})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &activeTransfer{
		info: models.Transfer{
			ID:          offer.ID,
			Direction:   models.DirectionSend,
			State:       models.TransferAccepted,
			Metadata:    metadata,
			Subject:     offer.SubjectInfo,
			PeerID:      conn.PeerID(),
			ChunkSize:   e.options.ChunkSize,
			TotalChunks: models.ChunkCount(metadata.FileSize, e.options.ChunkSize),
			StartedAt:   time.Now(),
		},
		conn:   conn,
		token:  path,
		cancel: cancel,
	}

	e.mu.Lock()
	if _, exists := e.active[offer.ID]; exists {
		e.mu.Unlock()
		cancel()
		_ = conn.Send(network.FileReject{ID: offer.ID, Reason: reasonDuplicate})
		return
	}
	e.active[offer.ID] = t
	e.mu.Unlock()
	e.record(t.info)

	if err := conn.Send(network.FileAccept{ID: offer.ID}); err != nil {
		e.fail(t.info.ID, network.NewTransportError("send file-accept", err), false)
		return
	}

	log.Infow("auto-accepted offer from local copy", "id", offer.ID, "path", path)
	e.startSending(ctx, t)
}

func (e *Engine) askForConsent(conn network.Conn, offer network.FileOffer) {
	t := &activeTransfer{
		info: models.Transfer{
			ID:          offer.ID,
			Direction:   models.DirectionReceive,
			State:       models.TransferRequested,
			Metadata:    offer.Metadata,
			Subject:     offer.SubjectInfo,
			PeerID:      conn.PeerID(),
			ChunkSize:   e.options.ChunkSize,
			TotalChunks: models.ChunkCount(offer.Metadata.FileSize, e.options.ChunkSize),
			StartedAt:   time.Now(),
		},
		conn: conn,
	}

	e.mu.Lock()
	if _, exists := e.active[offer.ID]; exists {
		e.mu.Unlock()
		_ = conn.Send(network.FileReject{ID: offer.ID, Reason: reasonDuplicate})
		return
	}
	e.active[offer.ID] = t
	t.decisionTimer = time.AfterFunc(e.options.ResponseTimeout, func() {
		e.expireDecision(t)
	})
	e.mu.Unlock()
	e.record(t.info)

	request := events.NewTransferRequest(offer.ID, conn.PeerID(), offer.Metadata, offer.SubjectInfo, func(accept bool, reason string) error {
		return e.decide(t, accept, reason)
	})
	log.Infow("awaiting consent for offer", "id", offer.ID, "peer", conn.PeerID(), "file", offer.Metadata.FileName)
	e.bus.Publish(events.TransferRequested{Request: request})
}

func (e *Engine) decide(t *activeTransfer, accept bool, reason string) error {
	e.mu.Lock()
	if e.active[t.info.ID] != t || t.info.State != models.TransferRequested {
		e.mu.Unlock()
		return ErrUnknownTransfer
	}
	if t.decisionTimer != nil {
		t.decisionTimer.Stop()
	}

	if !accept {
		e.removeLocked(t.info.ID)
		t.info.State = models.TransferRejected
		e.mu.Unlock()

		if reason == "" {
			reason = reasonDeclined
		}
		_ = t.conn.Send(network.FileReject{ID: t.info.ID, Reason: reason})
		e.finish(t, models.TransferRejected, Result{}, &RejectedError{Reason: reason})
		return nil
	}

	if err := e.beginReceiveLocked(t); err != nil {
		e.removeLocked(t.info.ID)
		e.mu.Unlock()
		_ = t.conn.Send(network.FileReject{ID: t.info.ID, Reason: reasonNotAvailable})
		e.finish(t, models.TransferErrored, Result{}, err)
		return err
	}
	e.mu.Unlock()

	if err := t.conn.Send(network.FileAccept{ID: t.info.ID}); err != nil {
		e.fail(t.info.ID, network.NewTransportError("send file-accept", err), false)
		return err
	}
	e.completeIfEmpty(t)
	return nil
}

func (e *Engine) expireDecision(t *activeTransfer) {
	e.mu.Lock()
	if e.active[t.info.ID] != t || t.info.State != models.TransferRequested {
		e.mu.Unlock()
		return
	}
	e.removeLocked(t.info.ID)
	t.info.State = models.TransferTimedOut
	e.mu.Unlock()

	log.Infow("offer expired without a decision", "id", t.info.ID)
	_ = t.conn.Send(network.FileReject{ID: t.info.ID, Reason: reasonNoResponse})
	e.finish(t, models.TransferTimedOut, Result{}, ErrTimeout)
}

func (e *Engine) handleAccept(conn network.Conn, accept network.FileAccept) {
	e.mu.Lock()
	t, ok := e.active[accept.ID]
	if !ok || t.conn != conn || t.offered == nil || t.info.State != models.TransferRequested {
		e.mu.Unlock()
		log.Debugw("ignoring file-accept", "id", accept.ID, "peer", conn.PeerID())
		return
	}
	offered := t.offered
	t.offered = nil

	if t.info.Direction == models.DirectionSend {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.info.State = models.TransferAccepted
		e.mu.Unlock()

		offered <- nil
		e.startSending(ctx, t)
		return
	}

	if err := e.beginReceiveLocked(t); err != nil {
		e.removeLocked(t.info.ID)
		e.mu.Unlock()
		_ = conn.Send(network.FileError{ID: t.info.ID, Error: err.Error()})
		offered <- err
		e.finish(t, models.TransferErrored, Result{}, err)
		return
	}
	e.mu.Unlock()

	offered <- nil
	e.completeIfEmpty(t)
}

func (e *Engine) handleReject(conn network.Conn, reject network.FileReject) {
	e.mu.Lock()
	t, ok := e.active[reject.ID]
	if !ok || t.conn != conn || t.offered == nil || t.info.State != models.TransferRequested {
		e.mu.Unlock()
		log.Debugw("ignoring file-reject", "id", reject.ID, "peer", conn.PeerID())
		return
	}
	offered := t.offered
	t.offered = nil
	e.removeLocked(reject.ID)
	t.info.State = models.TransferRejected
	e.mu.Unlock()

	err := &RejectedError{Reason: reject.Reason}
	log.Infow("offer rejected", "id", reject.ID, "reason", reject.Reason)
	offered <- err
	e.finish(t, models.TransferRejected, Result{}, err)
}

func (e *Engine) handleFileError(conn network.Conn, fileErr network.FileError) {
	e.mu.Lock()
	t, ok := e.active[fileErr.ID]
	if !ok || t.conn != conn {
		e.mu.Unlock()
		log.Debugw("ignoring file-error", "id", fileErr.ID, "peer", conn.PeerID())
		return
	}
	offered := e.detachLocked(t, models.TransferErrored)
	e.mu.Unlock()

	err := &RemoteError{Reason: fileErr.Error}
	log.Warnw("peer aborted transfer", "id", fileErr.ID, "reason", fileErr.Error)
	if offered != nil {
		offered <- err
		e.finish(t, models.TransferErrored, Result{}, err)
		return
	}
	e.bus.Publish(events.TransferFailed{TransferID: t.info.ID, PeerID: t.info.PeerID, Direction: t.info.Direction, Err: err})
	e.finish(t, models.TransferErrored, Result{}, err)
}

// Cancel aborts an active transfer and tells the peer. The connection stays open.
func (e *Engine) Cancel(transferID string) error {
	e.mu.Lock()
	t, ok := e.active[transferID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTransfer
	}
	offered := e.detachLocked(t, models.TransferCancelled)
	e.mu.Unlock()

	log.Infow("cancelling transfer", "id", transferID)
	_ = t.conn.Send(network.FileError{ID: transferID, Error: reasonCancelled})
	if offered != nil {
		offered <- ErrCancelled
	}
	e.bus.Publish(events.TransferCancelled{TransferID: transferID, PeerID: t.info.PeerID})
	e.finish(t, models.TransferCancelled, Result{}, ErrCancelled)
	return nil
}

// HandleClosed fails every transfer riding conn.
func (e *Engine) HandleClosed(conn network.Conn) {
	e.mu.Lock()
	var affected []*activeTransfer
	var offers []chan error
	for _, t := range e.active {
		if t.conn != conn {
			continue
		}
		affected = append(affected, t)
		offers = append(offers, e.detachLocked(t, models.TransferErrored))
	}
	e.mu.Unlock()

	for i, t := range affected {
		err := network.NewTransportError("transfer", network.ErrConnectionClosed)
		log.Warnw("connection closed mid-transfer", "id", t.info.ID, "peer", t.info.PeerID)
		if offers[i] != nil {
			offers[i] <- err
		} else {
			e.bus.Publish(events.TransferFailed{TransferID: t.info.ID, PeerID: t.info.PeerID, Direction: t.info.Direction, Err: err})
		}
		e.finish(t, models.TransferErrored, Result{}, err)
	}
}

func (e *Engine) removeLocked(transferID string) {
	delete(e.active, transferID)
	e.finishing[transferID] = struct{}{}
}

// detachLocked removes t from the active set, stops its timers and sender, and returns the
// pending offer channel if RequestFile is still waiting on it.
func (e *Engine) detachLocked(t *activeTransfer, state models.TransferState) chan error {
	e.removeLocked(t.info.ID)
	t.info.State = state
	if t.decisionTimer != nil {
		t.decisionTimer.Stop()
	}
	if t.receiveTimer != nil {
		t.receiveTimer.Stop()
	}
	if t.cancel != nil {
		t.cancel()
	}
	offered := t.offered
	t.offered = nil
	return offered
}

// fail ends an active transfer with err, publishes TransferFailed and optionally tells the peer.
func (e *Engine) fail(transferID string, err error, notifyPeer bool) {
	e.mu.Lock()
	t, ok := e.active[transferID]
	if !ok {
		e.mu.Unlock()
		return
	}
	e.detachLocked(t, failureState(err))
	e.mu.Unlock()

	e.failDetached(t, err, notifyPeer)
}

// failDetached reports the failure of a transfer already removed from the active set.
func (e *Engine) failDetached(t *activeTransfer, err error, notifyPeer bool) {
	log.Warnw("transfer failed", "id", t.info.ID, "peer", t.info.PeerID, "error", err)
	if notifyPeer {
		reason := err.Error()
		if errors.Is(err, ErrTimeout) {
			reason = reasonTimedOut
		}
		_ = t.conn.Send(network.FileError{ID: t.info.ID, Error: reason})
	}
	e.bus.Publish(events.TransferFailed{TransferID: t.info.ID, PeerID: t.info.PeerID, Direction: t.info.Direction, Err: err})
	e.finish(t, failureState(err), Result{}, err)
}

func failureState(err error) models.TransferState {
	if errors.Is(err, ErrTimeout) {
		return models.TransferTimedOut
	}
	return models.TransferErrored
}

// finish records the terminal state and resolves Wait callers.
func (e *Engine) finish(t *activeTransfer, state models.TransferState, result Result, err error) {
	if e.history != nil {
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		if historyErr := e.history.FinishTransfer(t.info.ID, state, reason); historyErr != nil {
			log.Warnw("record transfer outcome failed", "id", t.info.ID, "error", historyErr)
		}
	}

	e.mu.Lock()
	delete(e.finishing, t.info.ID)
	done := outcome{result: result, err: err}
	e.finished[t.info.ID] = done
	e.finishedOrder = append(e.finishedOrder, t.info.ID)
	if len(e.finishedOrder) > finishedRetention {
		delete(e.finished, e.finishedOrder[0])
		e.finishedOrder = e.finishedOrder[1:]
	}
	waiters := e.waiters[t.info.ID]
	delete(e.waiters, t.info.ID)
	e.mu.Unlock()

	for _, ch := range waiters {
		ch <- done
	}
}

func (e *Engine) record(info models.Transfer) {
	if e.history == nil {
		return
	}
	if err := e.history.RecordTransfer(info); err != nil {
		log.Warnw("record transfer failed", "id", info.ID, "error", err)
	}
}

// Wait blocks until the transfer reaches a terminal state.
func (e *Engine) Wait(ctx context.Context, transferID string) (Result, error) {
	e.mu.Lock()
	if done, ok := e.finished[transferID]; ok {
		e.mu.Unlock()
		return done.result, done.err
	}
	_, active := e.active[transferID]
	_, finishing := e.finishing[transferID]
	if !active && !finishing {
		e.mu.Unlock()
		return Result{}, ErrUnknownTransfer
	}
	ch := make(chan outcome, 1)
	e.waiters[transferID] = append(e.waiters[transferID], ch)
	e.mu.Unlock()

	select {
	case done := <-ch:
		return done.result, done.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Active returns a snapshot of every in-flight transfer, oldest first.
func (e *Engine) Active() []models.Transfer {
	e.mu.Lock()
	out := make([]models.Transfer, 0, len(e.active))
	for _, t := range e.active {
		out = append(out, t.info)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Close cancels every active transfer and waits for senders to stop.
func (e *Engine) Close() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.Cancel(id)
	}
	e.wg.Wait()
}

func mimeTypeFor(fileName string) string {
	if mimeType := mime.TypeByExtension(filepath.Ext(fileName)); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}
