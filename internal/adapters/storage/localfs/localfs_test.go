package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avs/internal/pkg/errors"
	"avs/internal/ports"
)

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fs := New(root)

	out, err := fs.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   "renders/job_1/final.mp4",
		ContentType: "video/mp4",
		Reader:      strings.NewReader("movie bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, "renders/job_1/final.mp4", out.ObjectKey)
	assert.EqualValues(t, len("movie bytes"), out.Size)

	rc, ct, size, err := fs.GetObject(ctx, out.ObjectKey)
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "movie bytes", string(body))
	assert.Equal(t, "video/mp4", ct)
	assert.EqualValues(t, 11, size)

	entries, err := os.ReadDir(filepath.Join(root, "renders", "job_1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, fs.DeleteObject(ctx, out.ObjectKey))
	require.NoError(t, fs.DeleteObject(ctx, out.ObjectKey), "deleting twice is not an error")

	_, _, _, err = fs.GetObject(ctx, out.ObjectKey)
	assert.True(t, errors.IsNotFound(err))
}

func TestGetObjectSniffsType(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob"), []byte("\x89PNG\r\n\x1a\nrest"), 0o644))

	rc, ct, _, err := New(root).GetObject(context.Background(), "blob")
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, "image/png", ct)

	body, _ := io.ReadAll(rc)
	assert.True(t, strings.HasPrefix(string(body), "\x89PNG"), "reader is rewound after sniffing")
}

func TestRejectsEscapingKeys(t *testing.T) {
	fs := New(t.TempDir())
	for _, key := range []string{"", "  ", "../outside", "a/../../outside"} {
		_, err := fs.PutObject(context.Background(), ports.PutObjectInput{ObjectKey: key, Reader: strings.NewReader("x")})
		assert.True(t, errors.IsValidation(err), "key %q", key)
	}
}

func TestPing(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested")
	assert.NoError(t, New(root).Ping(context.Background()))

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.Error(t, New(file).Ping(context.Background()))
}
