package library

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"skinparty/models"
	"skinparty/storage"
	"skinparty/transfer"
)

func newTestLibrary(t *testing.T, withIndex bool) (*Library, *storage.Store) {
	t.Helper()

	root := t.TempDir()
	options := Options{
		AssetsDir: filepath.Join(root, "assets"),
		TempDir:   filepath.Join(root, "tmp"),
	}

	var store *storage.Store
	if withIndex {
		var err error
		store, _, err = storage.Open(filepath.Join(root, "data"))
		if err != nil {
			t.Fatalf("storage.Open failed: %v", err)
		}
		t.Cleanup(func() {
			_ = store.Close()
		})
		options.Index = store
	}

	lib, err := New(options)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return lib, store
}

func writeTestFile(t *testing.T, path string, data []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s failed: %v", path, err)
	}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

var ahri = models.Subject{Champion: "Ahri", ItemID: "103001", Name: "Spirit Blossom Ahri"}

func TestReadChunkSizeAndHash(t *testing.T) {
	lib, _ := newTestLibrary(t, false)
	data := bytes.Repeat([]byte("0123456789"), 10)
	source := filepath.Join(t.TempDir(), "source.fantome")
	writeTestFile(t, source, data)

	size, err := lib.Size(source)
	if err != nil || size != int64(len(data)) {
		t.Fatalf("Size returned %d, %v", size, err)
	}
	hash, err := lib.Hash(source)
	if err != nil || hash != sha256Hex(data) {
		t.Fatalf("Hash returned %q, %v", hash, err)
	}

	chunk, err := lib.ReadChunk(source, 96, 64)
	if err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}
	if string(chunk) != "6789" {
		t.Fatalf("expected short final chunk, got %q", chunk)
	}
	if _, err := lib.ReadChunk(source, 100, 64); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF past the end, got %v", err)
	}
}

func TestWriteAssembledVerifiesHash(t *testing.T) {
	lib, _ := newTestLibrary(t, false)
	chunks := [][]byte{[]byte("abc"), []byte("def")}

	good, err := lib.AllocateTempPath("skin.fantome")
	if err != nil {
		t.Fatalf("AllocateTempPath failed: %v", err)
	}
	if err := lib.WriteAssembled(good, chunks, sha256Hex([]byte("abcdef"))); err != nil {
		t.Fatalf("WriteAssembled failed: %v", err)
	}
	written, err := os.ReadFile(good)
	if err != nil || string(written) != "abcdef" {
		t.Fatalf("unexpected assembled file %q, %v", written, err)
	}

	bad, _ := lib.AllocateTempPath("skin.fantome")
	err = lib.WriteAssembled(bad, chunks, sha256Hex([]byte("abcdeg")))
	if !errors.Is(err, transfer.ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Fatalf("expected mismatched file to be removed, stat err: %v", err)
	}

	unverified, _ := lib.AllocateTempPath("skin.fantome")
	if err := lib.WriteAssembled(unverified, chunks, ""); !errors.Is(err, transfer.ErrHashMismatch) {
		t.Fatalf("expected missing hash to fail with ErrHashMismatch, got %v", err)
	}
	if _, err := os.Stat(unverified); !os.IsNotExist(err) {
		t.Fatalf("expected nothing written without a hash, stat err: %v", err)
	}
}

func TestAllocateTempPathIsUniqueAndSafe(t *testing.T) {
	lib, _ := newTestLibrary(t, false)

	first, _ := lib.AllocateTempPath("../../etc/passwd")
	second, _ := lib.AllocateTempPath("../../etc/passwd")
	if first == second {
		t.Fatalf("expected unique temp paths")
	}
	if filepath.Dir(first) != filepath.Clean(lib.tempDir) {
		t.Fatalf("temp path escaped temp dir: %s", first)
	}
	if !strings.HasSuffix(first, "_passwd") {
		t.Fatalf("expected sanitized base name, got %s", first)
	}
}

func TestImportAssetMovesTempFileAndIndexes(t *testing.T) {
	lib, store := newTestLibrary(t, true)

	temp, _ := lib.AllocateTempPath("ahri.fantome")
	if err := lib.WriteAssembled(temp, [][]byte{[]byte("skin-bytes")}, sha256Hex([]byte("skin-bytes"))); err != nil {
		t.Fatalf("WriteAssembled failed: %v", err)
	}

	record, err := lib.ImportAsset(temp, ahri)
	if err != nil {
		t.Fatalf("ImportAsset failed: %v", err)
	}
	wantPath := filepath.Join(lib.AssetsDir(), "Ahri", "ahri.fantome")
	if record.Path != wantPath || record.FileName != "ahri.fantome" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.ContentHash != sha256Hex([]byte("skin-bytes")) || record.ByteSize != int64(len("skin-bytes")) {
		t.Fatalf("unexpected record metadata: %+v", record)
	}
	if _, err := os.Stat(temp); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be moved")
	}

	indexed, err := store.FindAsset("Ahri", "ahri.fantome")
	if err != nil {
		t.Fatalf("FindAsset failed: %v", err)
	}
	if indexed.Path != wantPath || indexed.Subject != ahri {
		t.Fatalf("unexpected index row: %+v", indexed)
	}

	path, ok := lib.FindLocal(ahri, "ahri.fantome")
	if !ok || path != wantPath {
		t.Fatalf("FindLocal returned %q, %v", path, ok)
	}
	if _, ok := lib.FindLocal(models.Subject{Champion: "Lux"}, "ahri.fantome"); ok {
		t.Fatalf("expected other champion to miss")
	}
}

func TestImportAssetCopiesExternalFile(t *testing.T) {
	lib, _ := newTestLibrary(t, true)
	source := filepath.Join(t.TempDir(), "mine.fantome")
	writeTestFile(t, source, []byte("custom"))

	record, err := lib.ImportAsset(source, ahri)
	if err != nil {
		t.Fatalf("ImportAsset failed: %v", err)
	}
	if _, err := os.Stat(source); err != nil {
		t.Fatalf("expected external source to stay in place: %v", err)
	}
	if record.FileName != "mine.fantome" {
		t.Fatalf("unexpected file name: %s", record.FileName)
	}
}

func TestFindLocalDropsStaleRows(t *testing.T) {
	lib, store := newTestLibrary(t, true)
	source := filepath.Join(t.TempDir(), "ahri.fantome")
	writeTestFile(t, source, []byte("custom"))

	record, err := lib.ImportAsset(source, ahri)
	if err != nil {
		t.Fatalf("ImportAsset failed: %v", err)
	}
	if err := os.Remove(record.Path); err != nil {
		t.Fatalf("remove asset failed: %v", err)
	}

	if _, ok := lib.FindLocal(ahri, "ahri.fantome"); ok {
		t.Fatalf("expected removed asset to miss")
	}
	if _, err := store.FindAsset("Ahri", "ahri.fantome"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected stale row to be dropped, got %v", err)
	}
}

func TestFindLocalWithoutIndexUsesLayout(t *testing.T) {
	lib, _ := newTestLibrary(t, false)
	writeTestFile(t, filepath.Join(lib.AssetsDir(), "Ahri", "ahri.fantome"), []byte("x"))

	path, ok := lib.FindLocal(ahri, "ahri.fantome")
	if !ok || filepath.Base(path) != "ahri.fantome" {
		t.Fatalf("FindLocal returned %q, %v", path, ok)
	}
	assets, err := lib.Assets()
	if err != nil || len(assets) != 0 {
		t.Fatalf("expected empty asset listing without index, got %v, %v", assets, err)
	}
}

func TestWatchDropsRowsForDeletedFiles(t *testing.T) {
	lib, store := newTestLibrary(t, true)
	source := filepath.Join(t.TempDir(), "ahri.fantome")
	writeTestFile(t, source, []byte("custom"))
	record, err := lib.ImportAsset(source, ahri)
	if err != nil {
		t.Fatalf("ImportAsset failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- lib.Watch(ctx, ready)
	}()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not start")
	}

	if err := os.Remove(record.Path); err != nil {
		t.Fatalf("remove asset failed: %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		_, err := store.FindAsset("Ahri", "ahri.fantome")
		return errors.Is(err, storage.ErrNotFound)
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not stop after cancel")
	}
}
