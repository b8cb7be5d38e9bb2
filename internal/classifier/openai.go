package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/whisper/guardian/internal/ratelimit"
)

// Quota is a call allowance shared between replicas, satisfied by
// ratelimit.Limiter.
type Quota interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// OpenAI calls an OpenAI-compatible /moderations endpoint. Image URLs are
// sent as image_url inputs for multi-modal models.
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	quota   Quota
}

// NewOpenAI builds the adapter. baseURL is e.g. "https://api.openai.com/v1".
// quota may be nil.
func NewOpenAI(baseURL, apiKey, model string, httpClient *http.Client, quota Quota) *OpenAI {
	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    httpClient,
		quota:   quota,
	}
}

type moderationInput struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ImageURL *moderationURL `json:"image_url,omitempty"`
}

type moderationURL struct {
	URL string `json:"url"`
}

type moderationRequest struct {
	Model string            `json:"model"`
	Input []moderationInput `json:"input"`
}

type moderationResponse struct {
	Results []struct {
		Flagged        bool               `json:"flagged"`
		Categories     map[string]bool    `json:"categories"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

func (o *OpenAI) Classify(ctx context.Context, text string, imageURLs []string) (Result, error) {
	if o.quota != nil {
		if ok, err := o.quota.Allow(ctx, "openai", ratelimit.RuleClassifier); err == nil && !ok {
			return Result{}, fmt.Errorf("classifier: shared quota exhausted")
		}
	}

	req := moderationRequest{Model: o.model}
	if text != "" {
		req.Input = append(req.Input, moderationInput{Type: "text", Text: text})
	}
	for _, u := range imageURLs {
		req.Input = append(req.Input, moderationInput{Type: "image_url", ImageURL: &moderationURL{URL: u}})
	}
	if len(req.Input) == 0 {
		return Result{Categories: map[string]bool{}}, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("classifier: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/moderations", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("classifier: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("classifier: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("classifier: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out moderationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("classifier: decode response: %w", err)
	}
	if len(out.Results) == 0 {
		return Result{}, fmt.Errorf("classifier: empty results")
	}

	// Some endpoints return one result per input; merge them.
	res := Result{Categories: map[string]bool{}, Scores: map[string]float64{}}
	for _, r := range out.Results {
		res.Flagged = res.Flagged || r.Flagged
		for k, v := range r.Categories {
			res.Categories[k] = res.Categories[k] || v
		}
		for k, v := range r.CategoryScores {
			if v > res.Scores[k] {
				res.Scores[k] = v
			}
		}
	}
	return res, nil
}
