// Package library is the local file-system side of transfers: it reads and hashes source files,
// writes verified downloads and keeps imported assets indexed by champion and file name.
package library

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"skinparty/models"
	"skinparty/storage"
	"skinparty/transfer"
)

var log = logging.Logger("library")

// Index persists imported assets. *storage.Store implements it.
type Index interface {
	SaveAsset(asset models.AssetRecord) error
	FindAsset(champion, fileName string) (*models.AssetRecord, error)
	ListAssets() ([]models.AssetRecord, error)
	DeleteAssetByPath(path string) error
}

// Options configures a Library.
type Options struct {
	AssetsDir string
	TempDir   string
	// Index is optional; without it lookups fall back to the directory layout.
	Index Index
}

// Library implements transfer.FileStore on the local disk.
type Library struct {
	assetsDir string
	tempDir   string
	index     Index
}

var _ transfer.FileStore = (*Library)(nil)

// New creates the assets and temp directories if needed.
func New(options Options) (*Library, error) {
	if options.AssetsDir == "" {
		return nil, errors.New("assets directory is required")
	}
	if options.TempDir == "" {
		options.TempDir = filepath.Join(options.AssetsDir, ".incoming")
	}
	for _, dir := range []string{options.AssetsDir, options.TempDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create library directory %q: %w", dir, err)
		}
	}

	return &Library{
		assetsDir: options.AssetsDir,
		tempDir:   options.TempDir,
		index:     options.Index,
	}, nil
}

// AssetsDir returns the root of the imported asset tree.
func (l *Library) AssetsDir() string {
	return l.assetsDir
}

// ReadChunk reads up to length bytes at offset. Reading past the end yields io.EOF.
func (l *Library) ReadChunk(token string, offset int64, length int) ([]byte, error) {
	file, err := os.Open(token)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	buffer := make([]byte, length)
	n, err := file.ReadAt(buffer, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read file chunk at offset %d: %w", offset, err)
	}
	if n == 0 {
		return nil, io.EOF
	}
	return buffer[:n], nil
}

// Size returns the byte size of the file.
func (l *Library) Size(token string) (int64, error) {
	info, err := os.Stat(token)
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%q is a directory", token)
	}
	return info.Size(), nil
}

// Hash returns the lowercase hex SHA-256 of the file.
func (l *Library) Hash(token string) (string, error) {
	return fileChecksumHex(token)
}

// WriteAssembled writes chunks to dest in order. A content hash that differs from expectedHash
// removes dest and returns an error wrapping transfer.ErrHashMismatch. expectedHash is required.
func (l *Library) WriteAssembled(dest string, chunks [][]byte, expectedHash string) error {
	if expectedHash == "" {
		return fmt.Errorf("%w: no expected hash for %s", transfer.ErrHashMismatch, filepath.Base(dest))
	}
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create assembled file: %w", err)
	}

	hasher := sha256.New()
	writer := io.MultiWriter(file, hasher)
	for i, chunk := range chunks {
		if _, err := writer.Write(chunk); err != nil {
			_ = file.Close()
			_ = os.Remove(dest)
			return fmt.Errorf("write chunk %d: %w", i, err)
		}
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("close assembled file: %w", err)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(actual, expectedHash) {
		_ = os.Remove(dest)
		return fmt.Errorf("%w: expected %s, got %s", transfer.ErrHashMismatch, expectedHash, actual)
	}
	return nil
}

// AllocateTempPath returns a fresh path in the temp directory for fileName.
func (l *Library) AllocateTempPath(fileName string) (string, error) {
	return filepath.Join(l.tempDir, prefixedFilename(uuid.NewString(), fileName)), nil
}

// ImportAsset files path under <assets>/<champion>/<name> and indexes it. Temp files are moved,
// anything else is copied. An existing asset with the same name is replaced.
func (l *Library) ImportAsset(path string, subject models.Subject) (models.AssetRecord, error) {
	if subject.Champion == "" {
		return models.AssetRecord{}, errors.New("subject champion is required")
	}

	fileName := safeFilename(filepath.Base(path))
	fromTemp := filepath.Dir(path) == filepath.Clean(l.tempDir)
	if fromTemp {
		fileName = stripPrefix(fileName)
	}

	destDir := filepath.Join(l.assetsDir, safeFilename(subject.Champion))
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return models.AssetRecord{}, fmt.Errorf("create asset directory: %w", err)
	}
	dest := filepath.Join(destDir, fileName)

	if fromTemp {
		if err := os.Rename(path, dest); err != nil {
			return models.AssetRecord{}, fmt.Errorf("move asset into library: %w", err)
		}
	} else if err := copyFile(path, dest); err != nil {
		return models.AssetRecord{}, err
	}

	size, err := l.Size(dest)
	if err != nil {
		return models.AssetRecord{}, err
	}
	hash, err := fileChecksumHex(dest)
	if err != nil {
		return models.AssetRecord{}, err
	}

	record := models.AssetRecord{
		ID:          uuid.NewString(),
		Subject:     subject,
		FileName:    fileName,
		Path:        dest,
		ContentHash: hash,
		ByteSize:    size,
		ImportedAt:  time.Now().UnixMilli(),
	}
	if l.index != nil {
		if err := l.index.SaveAsset(record); err != nil {
			return models.AssetRecord{}, fmt.Errorf("index asset: %w", err)
		}
	}

	log.Infow("asset imported", "champion", subject.Champion, "file", fileName, "path", dest)
	return record, nil
}

// FindLocal returns the stored copy of fileName for the subject's champion. Index rows whose
// file disappeared are dropped.
func (l *Library) FindLocal(subject models.Subject, fileName string) (string, bool) {
	if subject.Champion == "" || fileName == "" {
		return "", false
	}

	if l.index == nil {
		candidate := filepath.Join(l.assetsDir, safeFilename(subject.Champion), safeFilename(fileName))
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
		return "", false
	}

	asset, err := l.index.FindAsset(subject.Champion, fileName)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warnw("asset lookup failed", "champion", subject.Champion, "file", fileName, "error", err)
		}
		return "", false
	}
	if _, err := os.Stat(asset.Path); err != nil {
		log.Debugw("dropping stale asset row", "path", asset.Path)
		l.forget(asset.Path)
		return "", false
	}
	return asset.Path, true
}

// Assets lists indexed assets.
func (l *Library) Assets() ([]models.AssetRecord, error) {
	if l.index == nil {
		return []models.AssetRecord{}, nil
	}
	return l.index.ListAssets()
}

func (l *Library) forget(path string) {
	if l.index == nil {
		return
	}
	if err := l.index.DeleteAssetByPath(path); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warnw("remove asset row failed", "path", path, "error", err)
	}
}

func fileChecksumHex(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open asset source: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create asset copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("copy asset: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close asset copy: %w", err)
	}
	return nil
}

func prefixedFilename(id, fileName string) string {
	return id + "_" + safeFilename(fileName)
}

func stripPrefix(fileName string) string {
	if _, rest, ok := strings.Cut(fileName, "_"); ok && rest != "" {
		return rest
	}
	return fileName
}

func safeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "file.bin"
	}
	return base
}
