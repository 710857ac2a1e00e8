package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/vnmchuo/provider-gateway/internal/provider"
)

// GeocodeProvider speaks the Nominatim search/reverse dialect, which is also
// served by LocationIQ and most self-hosted geocoders.
type GeocodeProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

type place struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

type Result struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Label string  `json:"label"`
}

func New(cfg provider.Config) (provider.Adapter, error) {
	if cfg.Endpoint.BaseURL == "" {
		return nil, fmt.Errorf("geocode: base_url is required")
	}
	return &GeocodeProvider{
		name:    cfg.Name,
		apiKey:  cfg.Endpoint.APIKey,
		baseURL: cfg.Endpoint.BaseURL,
		client:  &http.Client{},
	}, nil
}

// Authenticate is a no-op: the key, when present, travels as a query parameter.
func (p *GeocodeProvider) Authenticate(ctx context.Context) error {
	return nil
}

func (p *GeocodeProvider) Call(ctx context.Context, req *provider.Request) (*provider.RawResponse, error) {
	q := url.Values{}
	q.Set("format", "json")
	path := "/search"

	if address := req.Params["q"]; address != "" {
		q.Set("q", address)
	} else if req.Params["lat"] != "" && req.Params["lon"] != "" {
		path = "/reverse"
		q.Set("lat", req.Params["lat"])
		q.Set("lon", req.Params["lon"])
	} else {
		return nil, provider.InvalidParams(p.name, "either q or lat/lon is required")
	}
	if p.apiKey != "" {
		q.Set("key", p.apiKey)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")

	return provider.Do(p.client, p.name, httpReq)
}

func (p *GeocodeProvider) ParseResponse(raw *provider.RawResponse) (json.RawMessage, error) {
	var places []place
	if err := json.Unmarshal(raw.Body, &places); err != nil {
		// reverse lookups return a single object
		var single place
		if err2 := json.Unmarshal(raw.Body, &single); err2 != nil {
			return nil, provider.NewCallError(p.name, provider.KindUpstream, fmt.Errorf("decode geocode response: %w", err))
		}
		places = []place{single}
	}

	results := make([]Result, 0, len(places))
	for _, pl := range places {
		lat, err := strconv.ParseFloat(pl.Lat, 64)
		if err != nil {
			continue
		}
		lon, err := strconv.ParseFloat(pl.Lon, 64)
		if err != nil {
			continue
		}
		results = append(results, Result{Lat: lat, Lon: lon, Label: pl.DisplayName})
	}
	if len(results) == 0 {
		return nil, provider.InvalidParams(p.name, "no place matches the query")
	}

	return json.Marshal(map[string]any{"results": results})
}
