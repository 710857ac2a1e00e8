package openweather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/vnmchuo/provider-gateway/internal/provider"
)

type OpenWeatherProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

type weatherResponse struct {
	Name string `json:"name"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity float64 `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

type Conditions struct {
	Location    string  `json:"location"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	WindSpeed   float64 `json:"wind_speed"`
	Summary     string  `json:"summary"`
	Units       string  `json:"units"`
}

func New(cfg provider.Config) (provider.Adapter, error) {
	baseURL := cfg.Endpoint.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openweathermap.org"
	}
	return &OpenWeatherProvider{
		name:    cfg.Name,
		apiKey:  cfg.Endpoint.APIKey,
		baseURL: baseURL,
		client:  &http.Client{},
	}, nil
}

func (p *OpenWeatherProvider) Authenticate(ctx context.Context) error {
	if p.apiKey == "" {
		return provider.NewCallError(p.name, provider.KindAuth, fmt.Errorf("appid is not configured"))
	}
	return nil
}

func (p *OpenWeatherProvider) Call(ctx context.Context, req *provider.Request) (*provider.RawResponse, error) {
	lat, lon := req.Params["lat"], req.Params["lon"]
	if lat == "" || lon == "" {
		return nil, provider.InvalidParams(p.name, "lat and lon are required")
	}
	units := req.Params["units"]
	if units == "" {
		units = "metric"
	}

	q := url.Values{}
	q.Set("lat", lat)
	q.Set("lon", lon)
	q.Set("units", units)
	q.Set("appid", p.apiKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/data/2.5/weather?%s", p.baseURL, q.Encode()), nil)
	if err != nil {
		return nil, err
	}

	return provider.Do(p.client, p.name, httpReq)
}

func (p *OpenWeatherProvider) ParseResponse(raw *provider.RawResponse) (json.RawMessage, error) {
	var wr weatherResponse
	if err := json.Unmarshal(raw.Body, &wr); err != nil {
		return nil, provider.NewCallError(p.name, provider.KindUpstream, fmt.Errorf("decode weather response: %w", err))
	}

	c := Conditions{
		Location:    wr.Name,
		Temperature: wr.Main.Temp,
		Humidity:    wr.Main.Humidity,
		WindSpeed:   wr.Wind.Speed,
		Units:       "metric",
	}
	if len(wr.Weather) > 0 {
		c.Summary = wr.Weather[0].Description
	}
	return json.Marshal(c)
}
