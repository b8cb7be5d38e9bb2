package reasoning

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// generator is the slice of genai.Models the adapter uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini calls Google's Gemini API through the genai SDK.
type Gemini struct {
	models generator
	model  string
}

// NewGemini creates a Gemini API client for model.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("reasoning: create genai client: %w", err)
	}
	return &Gemini{models: client.Models, model: model}, nil
}

func (g *Gemini) Name() string { return "gemini:" + g.model }

func (g *Gemini) Run(ctx context.Context, prompt Prompt) (Result, error) {
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0),
		MaxOutputTokens: 512,
	}
	if prompt.System != "" {
		config.SystemInstruction = genai.NewContentFromText(prompt.System, genai.RoleUser)
	}

	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt.User), config)
	if err != nil {
		return Result{}, fmt.Errorf("reasoning: %s generate: %w", g.Name(), err)
	}
	if resp == nil {
		return Result{}, ErrEmptyResponse
	}
	return normalize(resp.Text())
}
