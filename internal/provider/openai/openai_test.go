package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/provider-gateway/internal/provider"
)

func TestInvoke_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "P0301 means cylinder 1 misfire."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 15, "completion_tokens": 25, "total_tokens": 40}
		}`))
	}))
	defer server.Close()

	a, err := New(provider.Config{
		Name:     "openai",
		Endpoint: provider.Endpoint{BaseURL: server.URL + "/v1", APIKey: "test-key"},
	})
	require.NoError(t, err)

	payload, err := provider.Invoke(context.Background(), a, &provider.Request{
		Capability: provider.CapabilityDiagnostics,
		Params:     map[string]string{"codes": "p0301, ", "vehicle": "truck-7"},
	})
	require.NoError(t, err)

	var out Analysis
	require.NoError(t, json.Unmarshal(payload, &out))
	assert.Equal(t, []string{"P0301"}, out.Codes)
	assert.Equal(t, "truck-7", out.Vehicle)
	assert.Contains(t, out.Analysis, "misfire")
}

func TestInvoke_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`))
	}))
	defer server.Close()

	a, err := New(provider.Config{Name: "openai", Endpoint: provider.Endpoint{BaseURL: server.URL + "/v1", APIKey: "bad"}})
	require.NoError(t, err)

	_, err = provider.Invoke(context.Background(), a, &provider.Request{Params: map[string]string{"codes": "P0420"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrAuth))
}

func TestSplitCodes(t *testing.T) {
	assert.Equal(t, []string{"P0420", "U0100"}, splitCodes(" p0420 ,U0100,,"))
	assert.Empty(t, splitCodes(""))
}
