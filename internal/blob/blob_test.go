package blob

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorePut(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, "/api/files/", 1024)
	require.NoError(t, err)

	url, err := s.Put(context.Background(), "../../report.PDF", "application/pdf", strings.NewReader("content"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "/api/files/"))
	assert.True(t, strings.HasSuffix(url, ".pdf"))

	data, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(url, "/api/files/")))
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestLocalStoreRejectsOversizedFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, "/api/files", 4)
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "big.txt", "text/plain", bytes.NewReader([]byte("12345")))
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDecodeDataURL(t *testing.T) {
	d, err := DecodeDataURL("data:image/png;base64,aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, "image/png", d.ContentType)
	assert.Equal(t, []byte("hello"), d.Data)

	for _, bad := range []string{
		"https://example.com/a.png",
		"data:image/png,hello",
		"data:image/png;base64",
		"data:image/png;base64,***",
	} {
		_, err := DecodeDataURL(bad)
		assert.ErrorIs(t, err, ErrInvalidDataURL, bad)
	}

	assert.True(t, IsDataURL("data:text/plain;base64,eA=="))
	assert.False(t, IsDataURL("/api/files/x.png"))
}
