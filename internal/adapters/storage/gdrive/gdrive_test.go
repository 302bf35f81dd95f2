package gdrive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"avs/internal/pkg/errors"
	"avs/internal/ports"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	svc, err := drive.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return NewClient(svc, "folder-1")
}

func TestPutObjectReturnsFileID(t *testing.T) {
	var body string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"file-123","size":"5"}`)
	})

	out, err := c.PutObject(context.Background(), ports.PutObjectInput{
		ObjectKey:   "renders/job_1/final.mp4",
		ContentType: "video/mp4",
		Reader:      strings.NewReader("bytes"),
		Size:        5,
	})
	require.NoError(t, err)
	assert.Equal(t, "file-123", out.ObjectKey)
	assert.EqualValues(t, 5, out.Size)
	assert.Contains(t, body, "folder-1")
	assert.Contains(t, body, "renders/job_1/final.mp4")
}

func TestGetObject(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/files/file-123"), r.URL.Path)
		assert.Equal(t, "media", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, "png!")
	})

	rc, ct, _, err := c.GetObject(context.Background(), "file-123")
	require.NoError(t, err)
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	assert.Equal(t, "png!", string(b))
	assert.Equal(t, "image/png", ct)
}

func TestMissingFile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"message":"File not found"}}`)
	})

	_, _, _, err := c.GetObject(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
	assert.NoError(t, c.DeleteObject(context.Background(), "missing"), "deleting a missing file is not an error")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   errors.Code
	}{
		{http.StatusNotFound, errors.CodeNotFound},
		{http.StatusTooManyRequests, errors.CodeUnavailable},
		{http.StatusBadGateway, errors.CodeUnavailable},
		{http.StatusForbidden, errors.CodeInternal},
	}
	for _, tt := range tests {
		err := classify(&googleapi.Error{Code: tt.status}, "gdrive.test", "failed")
		assert.Equal(t, tt.want, errors.GetCode(err), "status %d", tt.status)
	}
}
