package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OpenAI talks to an OpenAI-compatible /chat/completions endpoint. Azure
// OpenAI deployments and local gateways that mimic the API work too.
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewOpenAI builds the adapter. baseURL is e.g. "https://api.openai.com/v1".
func NewOpenAI(baseURL, apiKey, model string, httpClient *http.Client) *OpenAI {
	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    httpClient,
	}
}

func (o *OpenAI) Name() string { return "openai:" + o.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (o *OpenAI) Run(ctx context.Context, prompt Prompt) (Result, error) {
	req := chatRequest{
		Model:       o.model,
		Temperature: 0,
		MaxTokens:   512,
	}
	if prompt.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: prompt.System})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: prompt.User})

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("reasoning: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("reasoning: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("reasoning: %s request: %w", o.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("reasoning: %s status %d: %s", o.Name(), resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("reasoning: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return Result{}, ErrEmptyResponse
	}
	return normalize(out.Choices[0].Message.Content)
}
