// Package reasoning wraps the large-language-model services used for the
// second-opinion review of flagged content. Every adapter returns the same
// typed Result so callers never inspect provider-specific shapes.
package reasoning

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyResponse is returned when a service answered with no usable text.
var ErrEmptyResponse = errors.New("reasoning: empty response")

// Result is a service's answer to a prompt.
type Result struct {
	Text string
}

// Reasoner runs a single prompt against a model.
type Reasoner interface {
	Name() string
	Run(ctx context.Context, prompt Prompt) (Result, error)
}

// Prompt is a system instruction plus the user message.
type Prompt struct {
	System string
	User   string
}

// normalize trims the answer and fails with ErrEmptyResponse if nothing is
// left.
func normalize(text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyResponse
	}
	return Result{Text: text}, nil
}
