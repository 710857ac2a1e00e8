package geotab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/vnmchuo/provider-gateway/internal/provider"
)

// GeotabProvider reads vehicle diagnostics through the MyGeotab JSON-RPC API.
// The session obtained from Authenticate is reused until the server rejects it.
type GeotabProvider struct {
	name     string
	baseURL  string
	database string
	userName string
	password string
	client   *http.Client

	mu      sync.Mutex
	session *credentials
}

type credentials struct {
	Database  string `json:"database"`
	UserName  string `json:"userName"`
	SessionID string `json:"sessionId"`
}

type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type statusData struct {
	Data       float64 `json:"data"`
	DateTime   string  `json:"dateTime"`
	Diagnostic struct {
		ID string `json:"id"`
	} `json:"diagnostic"`
	Device struct {
		ID string `json:"id"`
	} `json:"device"`
}

type Reading struct {
	Device     string  `json:"device"`
	Diagnostic string  `json:"diagnostic"`
	Value      float64 `json:"value"`
	At         string  `json:"at"`
}

func New(cfg provider.Config) (provider.Adapter, error) {
	baseURL := cfg.Endpoint.BaseURL
	if baseURL == "" {
		baseURL = "https://my.geotab.com"
	}
	return &GeotabProvider{
		name:     cfg.Name,
		baseURL:  baseURL,
		database: cfg.Endpoint.Options["database"],
		userName: cfg.Endpoint.Options["username"],
		password: cfg.Endpoint.APIKey,
		client:   &http.Client{},
	}, nil
}

func (p *GeotabProvider) Authenticate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != nil {
		return nil
	}
	if p.userName == "" || p.password == "" {
		return provider.NewCallError(p.name, provider.KindAuth, fmt.Errorf("username and password are required"))
	}

	result, err := p.rpc(ctx, rpcRequest{
		Method: "Authenticate",
		Params: map[string]string{
			"database": p.database,
			"userName": p.userName,
			"password": p.password,
		},
	})
	if err != nil {
		return err
	}

	var auth struct {
		Credentials credentials `json:"credentials"`
	}
	if err := json.Unmarshal(result, &auth); err != nil || auth.Credentials.SessionID == "" {
		return provider.NewCallError(p.name, provider.KindAuth, fmt.Errorf("authenticate returned no session"))
	}
	p.session = &auth.Credentials
	return nil
}

func (p *GeotabProvider) Call(ctx context.Context, req *provider.Request) (*provider.RawResponse, error) {
	device := req.Params["device"]
	if device == "" {
		return nil, provider.InvalidParams(p.name, "device is required")
	}

	p.mu.Lock()
	session := p.session
	p.mu.Unlock()
	if session == nil {
		return nil, provider.NewCallError(p.name, provider.KindAuth, fmt.Errorf("not authenticated"))
	}

	search := map[string]any{"deviceSearch": map[string]string{"id": device}}
	if diag := req.Params["diagnostic"]; diag != "" {
		search["diagnosticSearch"] = map[string]string{"id": diag}
	}

	result, err := p.rpc(ctx, rpcRequest{
		Method: "Get",
		Params: map[string]any{
			"typeName":     "StatusData",
			"search":       search,
			"resultsLimit": 50,
			"credentials":  session,
		},
	})
	if err != nil {
		if provider.Classify(err) == provider.KindAuth {
			p.mu.Lock()
			p.session = nil
			p.mu.Unlock()
		}
		return nil, err
	}
	return &provider.RawResponse{StatusCode: http.StatusOK, Body: result}, nil
}

func (p *GeotabProvider) ParseResponse(raw *provider.RawResponse) (json.RawMessage, error) {
	var rows []statusData
	if err := json.Unmarshal(raw.Body, &rows); err != nil {
		return nil, provider.NewCallError(p.name, provider.KindUpstream, fmt.Errorf("decode status data: %w", err))
	}

	readings := make([]Reading, 0, len(rows))
	for _, r := range rows {
		readings = append(readings, Reading{
			Device:     r.Device.ID,
			Diagnostic: r.Diagnostic.ID,
			Value:      r.Data,
			At:         r.DateTime,
		})
	}
	return json.Marshal(map[string]any{"readings": readings})
}

func (p *GeotabProvider) rpc(ctx context.Context, call rpcRequest) (json.RawMessage, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/apiv1", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	raw, err := provider.Do(p.client, p.name, httpReq)
	if err != nil {
		return nil, err
	}

	var resp rpcResponse
	if err := json.Unmarshal(raw.Body, &resp); err != nil {
		return nil, provider.NewCallError(p.name, provider.KindUpstream, fmt.Errorf("decode rpc response: %w", err))
	}
	if resp.Error != nil {
		kind := provider.KindUpstream
		switch resp.Error.Name {
		case "InvalidUserException", "DbUnavailableException":
			kind = provider.KindAuth
		}
		return nil, provider.NewCallError(p.name, kind, fmt.Errorf("%s: %s", resp.Error.Name, resp.Error.Message))
	}
	return resp.Result, nil
}
