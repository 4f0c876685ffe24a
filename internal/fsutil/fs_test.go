package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMimeType(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"a":1}`), 0o644))
	assert.Equal(t, "application/json", OS{}.MimeType(jsonPath))

	noExt := filepath.Join(dir, "blob")
	require.NoError(t, os.WriteFile(noExt, []byte("\x89PNG\r\n\x1a\n0000"), 0o644))
	assert.Equal(t, "image/png", OS{}.MimeType(noExt))

	assert.Empty(t, OS{}.MimeType(filepath.Join(dir, "missing")))
}

func TestReadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))
	b, err := OS{}.ReadFile(p)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "hello"))
}
