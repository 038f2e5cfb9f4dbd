package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/runeai/core"
)

func TestEmbed(t *testing.T) {
	var got embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	e := New(srv.URL+"/", "test-model", 3)
	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, "hello", got.Prompt)
	assert.Equal(t, 3, e.Dimensions())
}

func TestEmbed_Errors(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer notFound.Close()

	_, err := New(notFound.URL, "m", 3).Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "status 404")
	assert.ErrorIs(t, err, core.ErrUpstream)

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":[]}`))
	}))
	defer empty.Close()

	_, err = New(empty.URL, "m", 3).Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "empty embedding")
	assert.ErrorIs(t, err, core.ErrUpstream)
}
