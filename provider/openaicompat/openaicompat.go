// Package openaicompat implements the provider adapter contract against any
// endpoint speaking the OpenAI chat-completions protocol, which covers
// OpenAI itself plus the many local runtimes and gateways that mimic it.
package openaicompat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/pulseroute/pulseroute"
	"github.com/pulseroute/pulseroute/provider"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`

	// Free-form provider parameters folded in at marshal time.
	extra map[string]any
}

func (r chatRequest) MarshalJSON() ([]byte, error) {
	type plain chatRequest
	data, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.extra) == 0 {
		return data, nil
	}

	merged := make(map[string]any, len(r.extra)+4)
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.extra {
		if _, reserved := merged[k]; !reserved {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Adapter speaks the OpenAI-compatible protocol for one provider.
type Adapter struct {
	providerName string
	baseURL      *url.URL
	credentials  provider.Credentials
	client       *http.Client
}

func New(providerName string, baseURL string, credentials provider.Credentials) (*Adapter, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %v", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid endpoint: URL must have a scheme and host")
	}

	return &Adapter{
		providerName: providerName,
		baseURL:      parsed,
		credentials:  credentials,
		client:       &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func (a *Adapter) Provider() string { return a.providerName }

func (a *Adapter) Invoke(ctx context.Context, model *pulseroute.ModelMetadata, request *pulseroute.ModelRequest) (*pulseroute.ModelResponse, error) {
	payload := chatRequest{
		Model:       model.Name,
		Messages:    []chatMessage{{Role: "user", Content: request.Prompt}},
		MaxTokens:   request.MaxTokens,
		Temperature: request.Temperature,
		extra:       request.Parameters,
	}

	started := time.Now()
	parsed, err := a.post(ctx, model, "chat/completions", payload)
	if err != nil {
		return nil, err
	}
	latency := time.Since(started)

	if len(parsed.Choices) == 0 {
		return nil, &pulseroute.ModelUnavailableError{
			ModelID: model.ID,
			Cause:   errors.New("provider returned no choices"),
		}
	}

	usage := pulseroute.TokenUsage{
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}
	return &pulseroute.ModelResponse{
		Content: parsed.Choices[0].Message.Content,
		ModelID: model.ID,
		Usage:   usage,
		Latency: latency,
		Cost:    model.Cost(usage),
		Metadata: map[string]string{
			"finish_reason": parsed.Choices[0].FinishReason,
		},
	}, nil
}

func (a *Adapter) Ping(ctx context.Context, model *pulseroute.ModelMetadata) (time.Duration, error) {
	one := 1
	payload := chatRequest{
		Model:     model.Name,
		Messages:  []chatMessage{{Role: "user", Content: "ping"}},
		MaxTokens: &one,
	}

	started := time.Now()
	if _, err := a.post(ctx, model, "chat/completions", payload); err != nil {
		return 0, err
	}
	return time.Since(started), nil
}

func (a *Adapter) Shutdown() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *Adapter) post(ctx context.Context, model *pulseroute.ModelMetadata, path string, payload chatRequest) (*chatResponse, error) {
	apiKey, err := a.credentials.APIKey(a.providerName)
	if err != nil {
		return nil, &pulseroute.PermanentError{ModelID: model.ID, Cause: err}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &pulseroute.PermanentError{
			ModelID: model.ID,
			Cause:   fmt.Errorf("failed to marshal request: %v", err),
		}
	}

	endpointPath, err := url.JoinPath(a.baseURL.String(), path)
	if err != nil {
		return nil, &pulseroute.PermanentError{ModelID: model.ID, Cause: err}
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointPath, bytes.NewReader(body))
	if err != nil {
		return nil, &pulseroute.PermanentError{ModelID: model.ID, Cause: err}
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+apiKey)

	httpResponse, err := a.client.Do(httpRequest)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Dial failures and client timeouts are transient: the model is not
		// known to be down, this one call just did not get through.
		return nil, fmt.Errorf("request to %q failed: %w", a.providerName, err)
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, &pulseroute.ModelUnavailableError{ModelID: model.ID, Cause: err}
	}

	if err := classifyStatus(model.ID, httpResponse, responseBody); err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return nil, &pulseroute.ModelUnavailableError{
			ModelID: model.ID,
			Cause:   fmt.Errorf("malformed provider response: %v", err),
		}
	}
	return &parsed, nil
}

func classifyStatus(modelID string, response *http.Response, body []byte) error {
	switch {
	case response.StatusCode == http.StatusOK:
		return nil
	case response.StatusCode == http.StatusTooManyRequests:
		return &pulseroute.RateLimitError{
			ModelID:    modelID,
			RetryAfter: retryAfter(response),
		}
	case response.StatusCode >= 500:
		return &pulseroute.ModelUnavailableError{
			ModelID: modelID,
			Cause:   fmt.Errorf("status %d: %s", response.StatusCode, truncate(body)),
		}
	default:
		// 4xx other than 429: bad request, authentication, unknown model.
		return &pulseroute.PermanentError{
			ModelID: modelID,
			Cause:   fmt.Errorf("status %d: %s", response.StatusCode, truncate(body)),
		}
	}
}

func retryAfter(response *http.Response) time.Duration {
	header := response.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
