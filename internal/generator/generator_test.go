package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/cpsynth/internal/config"
	"github.com/pbaille/cpsynth/internal/domain"
)

func newTestClient(url string) *Client {
	return NewWithKey(config.GenerationConfig{
		Endpoint: url,
		Model:    "test-model",
		Timeout:  5 * time.Second,
	}, "test-key")
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var req apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, 1024, req.MaxTokens)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "hello", req.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"world"}]}`))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "world", out)
}

func TestGenerate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":{"message":"boom"}}`},
		{"api error payload", http.StatusOK, `{"error":{"message":"overloaded"}}`},
		{"empty content", http.StatusOK, `{"content":[]}`},
		{"not json", http.StatusOK, `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Generate(context.Background(), "x")
			require.Error(t, err)
			assert.True(t, domain.IsCode(err, domain.CodeGenerationUnavailable))
		})
	}
}

func TestNew_RequiresKey(t *testing.T) {
	t.Setenv("CPSYNTH_TEST_GEN_KEY", "")
	_, err := New(config.GenerationConfig{APIKeyEnv: "CPSYNTH_TEST_GEN_KEY"})
	assert.Error(t, err)

	t.Setenv("CPSYNTH_TEST_GEN_KEY", "k")
	c, err := New(config.GenerationConfig{APIKeyEnv: "CPSYNTH_TEST_GEN_KEY"})
	require.NoError(t, err)
	assert.Equal(t, "k", c.apiKey)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"title":"x"}`, `{"title":"x"}`},
		{"fenced", "```json\n{\"title\":\"x\"}\n```", `{"title":"x"}`},
		{"prose around", "Sure! {\"title\":\"x\"} Hope it helps.", `{"title":"x"}`},
		{"trailing comma", `{"steps":[1,2,],}`, `{"steps":[1,2]}`},
		{"none", "no json here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Title string `json:"title"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"title\":\"Attendance\"}\n```", &out))
	assert.Equal(t, "Attendance", out.Title)

	err := DecodeJSON("nothing", &out)
	assert.True(t, domain.IsCode(err, domain.CodeMalformedExternalOutput))

	err = DecodeJSON(`{"title": }`, &out)
	assert.True(t, domain.IsCode(err, domain.CodeMalformedExternalOutput))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "a b", Truncate("a\nb", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))

	// "é" is two bytes; the cut must not land inside it.
	out := Truncate("abcdeé fin du texte", 9)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "abcde...", out)

	assert.Equal(t, "...", Truncate("ééééé", 2))
}
