package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"skinparty/events"
	"skinparty/models"
	"skinparty/network"
)

// memStore is an in-memory FileStore keyed by path token.
type memStore struct {
	mu       sync.Mutex
	files    map[string][]byte
	local    map[string]string
	imported []models.AssetRecord
	tempSeq  int
}

func newMemStore() *memStore {
	return &memStore{
		files: make(map[string][]byte),
		local: make(map[string]string),
	}
}

func (s *memStore) put(token string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[token] = data
}

func (s *memStore) putLocal(subject models.Subject, fileName string, data []byte) string {
	token := "library/" + subject.Champion + "/" + fileName
	s.put(token, data)
	s.mu.Lock()
	s.local[subject.Champion+"|"+fileName] = token
	s.mu.Unlock()
	return token
}

func (s *memStore) get(token string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[token]
	return data, ok
}

func (s *memStore) ReadChunk(token string, offset int64, length int) ([]byte, error) {
	data, ok := s.get(token)
	if !ok {
		return nil, fmt.Errorf("no such file %q", token)
	}
	if offset >= int64(len(data)) {
		return []byte{}, nil
	}
	end := offset + int64(length)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return append([]byte(nil), data[offset:end]...), nil
}

func (s *memStore) Size(token string) (int64, error) {
	data, ok := s.get(token)
	if !ok {
		return 0, fmt.Errorf("no such file %q", token)
	}
	return int64(len(data)), nil
}

func (s *memStore) Hash(token string) (string, error) {
	data, ok := s.get(token)
	if !ok {
		return "", fmt.Errorf("no such file %q", token)
	}
	return hashOf(data), nil
}

func (s *memStore) WriteAssembled(dest string, chunks [][]byte, expectedHash string) error {
	data := bytes.Join(chunks, nil)
	if expectedHash == "" || hashOf(data) != expectedHash {
		return fmt.Errorf("%w: %s", ErrHashMismatch, dest)
	}
	s.put(dest, data)
	return nil
}

func (s *memStore) AllocateTempPath(fileName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tempSeq++
	return fmt.Sprintf("tmp/%d-%s", s.tempSeq, fileName), nil
}

func (s *memStore) ImportAsset(path string, subject models.Subject) (models.AssetRecord, error) {
	data, ok := s.get(path)
	if !ok {
		return models.AssetRecord{}, errors.New("nothing to import")
	}
	fileName := filepath.Base(path)
	if idx := strings.IndexByte(fileName, '-'); idx >= 0 {
		fileName = fileName[idx+1:]
	}
	dest := s.putLocal(subject, fileName, data)

	record := models.AssetRecord{
		ID:          path,
		Subject:     subject,
		FileName:    fileName,
		Path:        dest,
		ContentHash: hashOf(data),
		ByteSize:    int64(len(data)),
	}
	s.mu.Lock()
	s.imported = append(s.imported, record)
	s.mu.Unlock()
	return record, nil
}

func (s *memStore) FindLocal(subject models.Subject, fileName string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.local[subject.Champion+"|"+fileName]
	return token, ok
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func patternedBytes(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

type engineHandler struct {
	engine *Engine
}

func (h engineHandler) HandleMessage(conn network.Conn, msg network.Message) {
	h.engine.HandleMessage(conn, msg)
}

func (h engineHandler) HandleProtocolError(network.Conn, *network.ProtocolError) {}

func (h engineHandler) HandleClosed(conn network.Conn, _ bool) {
	h.engine.HandleClosed(conn)
}

type testEngine struct {
	engine *Engine
	store  *memStore
	bus    *events.Bus
	sub    *events.Subscription
}

func newTestEngine(t *testing.T, options Options) *testEngine {
	t.Helper()

	store := newMemStore()
	bus := events.NewBus()
	options.Files = store
	options.Bus = bus
	if options.ChunkDelay == 0 {
		options.ChunkDelay = -1
	}

	te := &testEngine{
		engine: NewEngine(options),
		store:  store,
		bus:    bus,
		sub:    bus.Subscribe(256),
	}
	t.Cleanup(func() {
		te.engine.Close()
		bus.Close()
	})
	return te
}

// attach tracks conn in a registry that feeds te's engine.
func (te *testEngine) attach(t *testing.T, conn network.Conn) {
	t.Helper()

	registry := network.NewRegistry(engineHandler{engine: te.engine})
	registry.Track(conn)
	t.Cleanup(registry.Close)
}

// answerRequests resolves every consent request on te's bus until the test ends.
func (te *testEngine) answerRequests(t *testing.T, accept bool, reason string) {
	t.Helper()

	sub := te.bus.Subscribe(64)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				requested, ok := event.(events.TransferRequested)
				if !ok {
					continue
				}
				if accept {
					_ = requested.Request.Accept()
				} else {
					_ = requested.Request.Reject(reason)
				}
			case <-stop:
				return
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
		sub.Close()
	})
}

// connectEngines links two engines the way a session would.
func connectEngines(t *testing.T, a, b *testEngine) (network.Conn, network.Conn) {
	t.Helper()

	aConn, bConn := network.NewMemoryPipe("peer-a", "peer-b")
	a.attach(t, aConn)
	b.attach(t, bConn)
	return aConn, bConn
}

func receiveWithTimeout(t *testing.T, conn network.Conn) network.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	return msg
}

func expectMessage[T network.Message](t *testing.T, conn network.Conn) T {
	t.Helper()

	msg := receiveWithTimeout(t, conn)
	typed, ok := msg.(T)
	if !ok {
		var zero T
		t.Fatalf("expected %T, got %#v", zero, msg)
	}
	return typed
}

func nextEvent[T events.Event](t *testing.T, sub *events.Subscription, match func(T) bool) T {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed")
			}
			typed, ok := event.(T)
			if ok && (match == nil || match(typed)) {
				return typed
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}

func waitResult(t *testing.T, engine *Engine, transferID string) (Result, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := engine.Wait(ctx, transferID)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("transfer %s did not finish", transferID)
	}
	return result, err
}

func testSubject() models.Subject {
	return models.Subject{Champion: "Ahri", ItemID: "103001", Name: "Spirit Blossom Ahri"}
}
