package index

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIProvider_GenerateEmbeddings(t *testing.T) {
	var gotModel string
	var gotInput []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel, gotInput = body.Model, body.Input

		w.Header().Set("Content-Type", "application/json")
		// Returned out of order to check index mapping.
		_, _ = w.Write([]byte(`{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0.5, 0.25]},
				{"object": "embedding", "index": 0, "embedding": [1, 0]}
			],
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("sk-test", "", option.WithBaseURL(server.URL), option.WithMaxRetries(0))
	assert.Equal(t, 1536, p.Dimension())

	vectors, err := p.GenerateEmbeddings(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-small", gotModel)
	assert.Equal(t, []string{"first", "second"}, gotInput)
	assert.Equal(t, [][]float32{{1, 0}, {0.5, 0.25}}, vectors)
}

func TestOpenAIProvider_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad key", "type": "invalid_request_error"}}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("sk-bad", "text-embedding-3-large", option.WithBaseURL(server.URL), option.WithMaxRetries(0))
	assert.Equal(t, 3072, p.Dimension())

	_, err := p.GenerateEmbeddings(context.Background(), []string{"x"})
	assert.Error(t, err)

	vectors, err := p.GenerateEmbeddings(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, vectors)
}
