package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avs/internal/pkg/errors"
)

var pngHead = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13}

func TestOpenAIGenerate(t *testing.T) {
	var got imageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/images/generations":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(pngHead)}},
			})
		case "/models":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	g := NewOpenAIGenerator(OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Size: "1024x1024"}, nil)
	path := filepath.Join(t.TempDir(), "scenes", "scene-000.png")
	require.NoError(t, g.Generate(context.Background(), Request{Prompt: "a lighthouse", Path: path}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pngHead, data)
	assert.Equal(t, "a lighthouse", got.Prompt)
	assert.Equal(t, "b64_json", got.ResponseFormat)
	assert.Equal(t, "1024x1024", got.Size)
	assert.Equal(t, "dall-e-3", got.Model)
	assert.True(t, g.IsAvailable(context.Background()))
}

func TestOpenAIGenerateFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   errors.Code
	}{
		{"rate limited", http.StatusTooManyRequests, "", errors.CodeUnavailable},
		{"content policy", http.StatusBadRequest, `{"error":{"message":"rejected"}}`, errors.CodeNonRetryable},
		{"no data", http.StatusOK, `{"data":[]}`, errors.CodeNonRetryable},
		{"bad base64", http.StatusOK, `{"data":[{"b64_json":"%%%"}]}`, errors.CodeNonRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			g := NewOpenAIGenerator(OpenAIConfig{BaseURL: srv.URL, APIKey: "k"}, nil)
			err := g.Generate(context.Background(), Request{Prompt: "p", Path: filepath.Join(t.TempDir(), "x.png")})
			require.Error(t, err)
			assert.Equal(t, tt.want, errors.GetCode(err))
		})
	}
}

func TestOpenAIGeneratorWithoutKey(t *testing.T) {
	g := NewOpenAIGenerator(OpenAIConfig{}, nil)
	assert.False(t, g.IsAvailable(context.Background()))
	assert.Error(t, g.Generate(context.Background(), Request{Prompt: "p", Path: "x.png"}))
}
