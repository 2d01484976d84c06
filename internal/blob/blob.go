package blob

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrTooLarge       = errors.New("attachment is too large")
	ErrInvalidDataURL = errors.New("invalid data URL")
)

// Store keeps attachment bytes and hands back a URL clients can fetch.
type Store interface {
	Put(ctx context.Context, name, contentType string, body io.Reader) (string, error)
}

// LocalStore writes attachments to a directory served under urlPrefix.
type LocalStore struct {
	dir       string
	urlPrefix string
	maxSize   int64
}

func NewLocalStore(dir, urlPrefix string, maxSize int64) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStore{dir: dir, urlPrefix: strings.TrimSuffix(urlPrefix, "/"), maxSize: maxSize}, nil
}

func (s *LocalStore) Dir() string {
	return s.dir
}

// Put stores body under a fresh random name that keeps the extension of
// name (or one derived from contentType).
func (s *LocalStore) Put(ctx context.Context, name, contentType string, body io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	filename := uuid.NewString() + extension(name, contentType)
	path := filepath.Join(s.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	reader := body
	if s.maxSize > 0 {
		reader = io.LimitReader(body, s.maxSize+1)
	}
	n, err := io.Copy(f, reader)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && s.maxSize > 0 && n > s.maxSize {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return "", err
		}
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	return s.urlPrefix + "/" + filename, nil
}

func extension(name, contentType string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if ext != "" && len(ext) <= 10 && !strings.ContainsAny(ext, `/\`) {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// DataURL is a decoded "data:<type>;base64,<payload>" string.
type DataURL struct {
	ContentType string
	Data        []byte
}

// IsDataURL reports whether s looks like a data URL.
func IsDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// DecodeDataURL parses a base64 data URL.
func DecodeDataURL(s string) (*DataURL, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, ErrInvalidDataURL
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, ErrInvalidDataURL
	}
	contentType, encoding, _ := strings.Cut(header, ";")
	if encoding != "base64" {
		return nil, fmt.Errorf("%w: only base64 payloads are supported", ErrInvalidDataURL)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &DataURL{ContentType: contentType, Data: data}, nil
}
