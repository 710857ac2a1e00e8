package geotab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/provider-gateway/internal/provider"
)

func testConfig(url string) provider.Config {
	return provider.Config{
		Name: "Geotab",
		Endpoint: provider.Endpoint{
			BaseURL: url,
			APIKey:  "secret",
			Options: map[string]string{"database": "fleet", "username": "ops@example.com"},
		},
	}
}

func TestInvoke_AuthenticatesOnce(t *testing.T) {
	var authCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")

		switch req.Method {
		case "Authenticate":
			authCalls.Add(1)
			_, _ = w.Write([]byte(`{"result":{"credentials":{"database":"fleet","userName":"ops@example.com","sessionId":"s1"}}}`))
		case "Get":
			_, _ = w.Write([]byte(`{"result":[{"data":91.5,"dateTime":"2024-01-15T10:00:00Z","diagnostic":{"id":"DiagnosticEngineCoolantTemperatureId"},"device":{"id":"b1"}}]}`))
		}
	}))
	defer server.Close()

	a, err := New(testConfig(server.URL))
	require.NoError(t, err)

	req := &provider.Request{Capability: provider.CapabilityDiagnostics, Params: map[string]string{"device": "b1"}}
	for i := 0; i < 2; i++ {
		payload, err := provider.Invoke(context.Background(), a, req)
		require.NoError(t, err)

		var out struct {
			Readings []Reading `json:"readings"`
		}
		require.NoError(t, json.Unmarshal(payload, &out))
		require.Len(t, out.Readings, 1)
		assert.Equal(t, 91.5, out.Readings[0].Value)
	}
	assert.Equal(t, int32(1), authCalls.Load())
}

func TestInvoke_InvalidUser(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"name":"InvalidUserException","message":"bad credentials"}}`))
	}))
	defer server.Close()

	a, err := New(testConfig(server.URL))
	require.NoError(t, err)

	_, err = provider.Invoke(context.Background(), a, &provider.Request{Params: map[string]string{"device": "b1"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrAuth))
}

func TestAuthenticate_MissingCredentials(t *testing.T) {
	a, err := New(provider.Config{Name: "Geotab"})
	require.NoError(t, err)
	assert.True(t, errors.Is(a.Authenticate(context.Background()), provider.ErrAuth))
}
