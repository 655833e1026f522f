package openaicompat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseroute/pulseroute"
	"github.com/pulseroute/pulseroute/provider"
)

var testModel = &pulseroute.ModelMetadata{
	ID:                    "openai/gpt-4o-mini",
	Provider:              "openai",
	Name:                  "gpt-4o-mini",
	Capabilities:          []string{"text-generation"},
	CostPer1kInputTokens:  0.001,
	CostPer1kOutputTokens: 0.002,
	Enabled:               true,
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)

	adapter, err := New("openai", upstream.URL, provider.StaticCredentials{"openai": "sk-test"})
	require.NoError(t, err)
	return adapter
}

func completionBody(content string, promptTokens int, completionTokens int) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": promptTokens, "completion_tokens": completionTokens},
	}
}

func TestNew(t *testing.T) {
	t.Run("rejects an endpoint without scheme", func(t *testing.T) {
		_, err := New("openai", "api.openai.com/v1", nil)
		require.Error(t, err)
	})

	t.Run("keeps the provider name", func(t *testing.T) {
		adapter, err := New("openai", "https://api.openai.com/v1", nil)
		require.NoError(t, err)
		assert.Equal(t, "openai", adapter.Provider())
	})
}

func TestInvoke(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		var received map[string]any
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			json.NewEncoder(w).Encode(completionBody("it works", 12, 34))
		})

		temperature := float32(0.2)
		response, err := adapter.Invoke(context.Background(), testModel, &pulseroute.ModelRequest{
			Prompt:      "say hi",
			Temperature: &temperature,
			Parameters:  map[string]any{"top_p": 0.9},
		})
		require.NoError(t, err)

		assert.Equal(t, "it works", response.Content)
		assert.Equal(t, testModel.ID, response.ModelID)
		assert.Equal(t, pulseroute.TokenUsage{InputTokens: 12, OutputTokens: 34}, response.Usage)
		assert.InDelta(t, 12.0/1000*0.001+34.0/1000*0.002, response.Cost, 1e-12)
		assert.Equal(t, "stop", response.Metadata["finish_reason"])

		assert.Equal(t, "gpt-4o-mini", received["model"])
		assert.Equal(t, 0.9, received["top_p"])
	})

	t.Run("extra parameters never override reserved fields", func(t *testing.T) {
		var received map[string]any
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			json.NewEncoder(w).Encode(completionBody("ok", 1, 1))
		})

		_, err := adapter.Invoke(context.Background(), testModel, &pulseroute.ModelRequest{
			Prompt:     "say hi",
			Parameters: map[string]any{"model": "something-else"},
		})
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o-mini", received["model"])
	})

	t.Run("429 maps to a rate limit error with retry hint", func(t *testing.T) {
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		})

		_, err := adapter.Invoke(context.Background(), testModel, &pulseroute.ModelRequest{Prompt: "hi"})

		var rateLimited *pulseroute.RateLimitError
		require.ErrorAs(t, err, &rateLimited)
		assert.Equal(t, 7*time.Second, rateLimited.RetryAfter)
	})

	t.Run("5xx maps to model unavailable", func(t *testing.T) {
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		})

		_, err := adapter.Invoke(context.Background(), testModel, &pulseroute.ModelRequest{Prompt: "hi"})

		var unavailable *pulseroute.ModelUnavailableError
		require.ErrorAs(t, err, &unavailable)
	})

	t.Run("4xx maps to a permanent error", func(t *testing.T) {
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
		})

		_, err := adapter.Invoke(context.Background(), testModel, &pulseroute.ModelRequest{Prompt: "hi"})

		var permanent *pulseroute.PermanentError
		require.ErrorAs(t, err, &permanent)
	})

	t.Run("empty choices map to model unavailable", func(t *testing.T) {
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
		})

		_, err := adapter.Invoke(context.Background(), testModel, &pulseroute.ModelRequest{Prompt: "hi"})

		var unavailable *pulseroute.ModelUnavailableError
		require.ErrorAs(t, err, &unavailable)
	})

	t.Run("connection refusal is a plain error", func(t *testing.T) {
		upstream := httptest.NewServer(http.NotFoundHandler())
		upstream.Close()

		adapter, err := New("openai", upstream.URL, provider.StaticCredentials{"openai": "sk-test"})
		require.NoError(t, err)

		_, err = adapter.Invoke(context.Background(), testModel, &pulseroute.ModelRequest{Prompt: "hi"})
		require.Error(t, err)

		var rateLimited *pulseroute.RateLimitError
		var unavailable *pulseroute.ModelUnavailableError
		var permanent *pulseroute.PermanentError
		assert.False(t, errors.As(err, &rateLimited))
		assert.False(t, errors.As(err, &unavailable))
		assert.False(t, errors.As(err, &permanent))
	})

	t.Run("cancellation propagates", func(t *testing.T) {
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := adapter.Invoke(ctx, testModel, &pulseroute.ModelRequest{Prompt: "hi"})
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("missing credential is permanent", func(t *testing.T) {
		upstream := httptest.NewServer(http.NotFoundHandler())
		t.Cleanup(upstream.Close)

		adapter, err := New("openai", upstream.URL, provider.StaticCredentials{})
		require.NoError(t, err)

		_, err = adapter.Invoke(context.Background(), testModel, &pulseroute.ModelRequest{Prompt: "hi"})

		var permanent *pulseroute.PermanentError
		require.ErrorAs(t, err, &permanent)
	})
}

func TestPing(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, 1.0, payload["max_tokens"])
		json.NewEncoder(w).Encode(completionBody("pong", 1, 1))
	})

	latency, err := adapter.Ping(context.Background(), testModel)
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))
}
