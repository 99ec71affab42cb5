// Package assets stores uploaded board assets (images, video) as files on disk.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	opStoreNew = "assets.store.new"
	opStorePut = "assets.store.put"
	opStoreGet = "assets.store.get"

	// URLPrefix is the route assets are served from.
	URLPrefix = "/uploads/"

	defaultMaxBytes = 32 << 20
	assetFileMode   = 0o644
	assetDirMode    = 0o755
	maxIDLength     = 190
)

var (
	// ErrInvalidAssetID indicates an identifier that cannot name a file.
	ErrInvalidAssetID = errors.New("assets: invalid asset id")
	// ErrAssetNotFound indicates that nothing was uploaded under the id.
	ErrAssetNotFound = errors.New("assets: asset not found")
	// ErrAssetTooLarge indicates an upload above the configured limit.
	ErrAssetTooLarge = errors.New("assets: asset too large")
)

var unsafeAssetCharacters = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// AssetID names an uploaded file. Characters outside [a-zA-Z0-9_.-] are replaced with "_".
type AssetID string

// NewAssetID validates and sanitises raw input.
func NewAssetID(rawInput string) (AssetID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAssetID)
	}
	if len(trimmed) > maxIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAssetID, maxIDLength)
	}
	sanitized := unsafeAssetCharacters.ReplaceAllString(trimmed, "_")
	if strings.Trim(sanitized, ".") == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidAssetID, trimmed)
	}
	return AssetID(sanitized), nil
}

// String returns the underlying identifier.
func (id AssetID) String() string {
	return string(id)
}

// URL returns the path the asset is served from.
func (id AssetID) URL() string {
	return URLPrefix + string(id)
}

// OperationError carries an "<operation>.<reason>" code.
type OperationError struct {
	code string
	err  error
}

func (e *OperationError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *OperationError) Unwrap() error {
	return e.err
}

// Code returns the operation code.
func (e *OperationError) Code() string {
	return e.code
}

func newOperationError(operation, reason string, cause error) error {
	return &OperationError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config configures a FileStore.
type Config struct {
	Directory string
	MaxBytes  int64
	Logger    *zap.Logger
}

// Asset is a stored file.
type Asset struct {
	ID          AssetID
	ContentType string
	Data        []byte
}

// FileStore keeps one file per asset id.
type FileStore struct {
	directory string
	maxBytes  int64
	logger    *zap.Logger
}

// NewFileStore creates the directory when missing.
func NewFileStore(cfg Config) (*FileStore, error) {
	if cfg.Directory == "" {
		return nil, newOperationError(opStoreNew, "missing_directory", errors.New("directory is required"))
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Directory, assetDirMode); err != nil {
		return nil, newOperationError(opStoreNew, "mkdir_failed", err)
	}
	return &FileStore{directory: cfg.Directory, maxBytes: cfg.MaxBytes, logger: logger}, nil
}

// Put streams body into the asset file, replacing any previous upload, and
// returns the URL the asset is served from.
func (s *FileStore) Put(ctx context.Context, id AssetID, body io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", newOperationError(opStorePut, "context_closed", err)
	}
	target := filepath.Join(s.directory, id.String())
	temp, err := os.CreateTemp(s.directory, id.String()+".*.upload")
	if err != nil {
		return "", s.fail(opStorePut, "write_failed", id, err)
	}
	tempPath := temp.Name()
	written, copyErr := io.Copy(temp, io.LimitReader(body, s.maxBytes+1))
	closeErr := temp.Close()
	if copyErr == nil && written > s.maxBytes {
		copyErr = fmt.Errorf("%w: limit is %d bytes", ErrAssetTooLarge, s.maxBytes)
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil {
		copyErr = os.Chmod(tempPath, assetFileMode)
	}
	if copyErr == nil {
		copyErr = os.Rename(tempPath, target)
	}
	if copyErr != nil {
		_ = os.Remove(tempPath)
		if errors.Is(copyErr, ErrAssetTooLarge) {
			return "", newOperationError(opStorePut, "too_large", copyErr)
		}
		return "", s.fail(opStorePut, "write_failed", id, copyErr)
	}
	s.logger.Info("asset stored", zap.String("asset_id", id.String()), zap.Int64("bytes", written))
	return id.URL(), nil
}

// Get reads an asset and sniffs its content type.
func (s *FileStore) Get(ctx context.Context, id AssetID) (Asset, error) {
	if err := ctx.Err(); err != nil {
		return Asset{}, newOperationError(opStoreGet, "context_closed", err)
	}
	data, err := os.ReadFile(filepath.Join(s.directory, id.String()))
	if errors.Is(err, fs.ErrNotExist) {
		return Asset{}, newOperationError(opStoreGet, "not_found", ErrAssetNotFound)
	}
	if err != nil {
		return Asset{}, s.fail(opStoreGet, "read_failed", id, err)
	}
	return Asset{ID: id, ContentType: mimetype.Detect(data).String(), Data: data}, nil
}

func (s *FileStore) fail(operation, reason string, id AssetID, err error) error {
	s.logger.Error("asset store error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("asset_id", id.String()),
		zap.Error(err))
	return newOperationError(operation, reason, err)
}
