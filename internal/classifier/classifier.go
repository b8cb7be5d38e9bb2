// Package classifier calls a content-moderation model and reports which
// policy categories a message trips.
package classifier

import (
	"context"
	"sort"
)

// Result is a classifier verdict.
type Result struct {
	Flagged    bool
	Categories map[string]bool
	Scores     map[string]float64
}

// FlaggedCategories returns the names of the categories set to true, sorted.
func (r Result) FlaggedCategories() []string {
	var out []string
	for name, on := range r.Categories {
		if on {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Classifier is implemented by moderation model adapters.
type Classifier interface {
	Classify(ctx context.Context, text string, imageURLs []string) (Result, error)
}
