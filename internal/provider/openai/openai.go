package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/vnmchuo/provider-gateway/internal/provider"
)

const systemPrompt = "You are a fleet maintenance assistant. Explain the given diagnostic trouble codes " +
	"for the vehicle, their likely cause and urgency, in at most five short sentences."

// OpenAIProvider answers AI diagnostics requests by interpreting trouble codes.
type OpenAIProvider struct {
	name   string
	apiKey string
	model  string
	client *goopenai.Client
}

type Analysis struct {
	Vehicle  string   `json:"vehicle,omitempty"`
	Codes    []string `json:"codes"`
	Analysis string   `json:"analysis"`
	Model    string   `json:"model"`
}

func New(cfg provider.Config) (provider.Adapter, error) {
	clientCfg := goopenai.DefaultConfig(cfg.Endpoint.APIKey)
	if cfg.Endpoint.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.Endpoint.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{}

	model := cfg.Endpoint.Options["model"]
	if model == "" {
		model = goopenai.GPT4oMini
	}

	return &OpenAIProvider{
		name:   cfg.Name,
		apiKey: cfg.Endpoint.APIKey,
		model:  model,
		client: goopenai.NewClientWithConfig(clientCfg),
	}, nil
}

func (p *OpenAIProvider) Authenticate(ctx context.Context) error {
	if p.apiKey == "" {
		return provider.NewCallError(p.name, provider.KindAuth, fmt.Errorf("api key is not configured"))
	}
	return nil
}

func (p *OpenAIProvider) Call(ctx context.Context, req *provider.Request) (*provider.RawResponse, error) {
	codes := splitCodes(req.Params["codes"])
	if len(codes) == 0 {
		return nil, provider.InvalidParams(p.name, "codes are required")
	}

	prompt := fmt.Sprintf("Codes: %s", strings.Join(codes, ", "))
	if v := req.Params["vehicle"]; v != "" {
		prompt = fmt.Sprintf("Vehicle: %s\n%s", v, prompt)
	}

	resp, err := p.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: p.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: 300,
	})
	if err != nil {
		return nil, p.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, provider.NewCallError(p.name, provider.KindUpstream, fmt.Errorf("openai returned no choices"))
	}

	body, err := json.Marshal(Analysis{
		Vehicle:  req.Params["vehicle"],
		Codes:    codes,
		Analysis: resp.Choices[0].Message.Content,
		Model:    resp.Model,
	})
	if err != nil {
		return nil, err
	}
	return &provider.RawResponse{StatusCode: http.StatusOK, Body: body}, nil
}

func (p *OpenAIProvider) ParseResponse(raw *provider.RawResponse) (json.RawMessage, error) {
	var a Analysis
	if err := json.Unmarshal(raw.Body, &a); err != nil {
		return nil, provider.NewCallError(p.name, provider.KindUpstream, err)
	}
	if strings.TrimSpace(a.Analysis) == "" {
		return nil, provider.NewCallError(p.name, provider.KindUpstream, fmt.Errorf("empty analysis"))
	}
	return json.RawMessage(raw.Body), nil
}

func (p *OpenAIProvider) mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.NewCallError(p.name, provider.KindTimeout, err)
	}

	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status != 0 {
		ce := provider.StatusError(p.name, status, []byte(err.Error()))
		ce.Err = err
		return ce
	}
	return provider.NewCallError(p.name, provider.KindUpstream, err)
}

func splitCodes(raw string) []string {
	var codes []string
	for _, c := range strings.Split(raw, ",") {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			codes = append(codes, c)
		}
	}
	return codes
}
