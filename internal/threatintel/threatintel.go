// Package threatintel looks URLs up in an external multi-engine scanner.
package threatintel

import (
	"context"
	"errors"
	"time"

	"github.com/whisper/guardian/internal/ratelimit"
)

// ErrTransient marks failures worth retrying: rate limits, 5xx responses,
// network errors and analyses that have not finished yet.
var ErrTransient = errors.New("threatintel: transient failure")

// Stats are engine vote counts for one URL. Other holds every category the
// provider reports beyond the four named ones (timeouts, unsupported types).
type Stats struct {
	Malicious  int
	Suspicious int
	Harmless   int
	Undetected int
	Other      int
}

// StatsFromCounts builds Stats from a provider's category -> count map.
func StatsFromCounts(counts map[string]int) Stats {
	var s Stats
	for k, v := range counts {
		switch k {
		case "malicious":
			s.Malicious = v
		case "suspicious":
			s.Suspicious = v
		case "harmless":
			s.Harmless = v
		case "undetected":
			s.Undetected = v
		default:
			s.Other += v
		}
	}
	return s
}

// Total is the number of engines that reported. It is never zero so it can
// be used as a divisor.
func (s Stats) Total() int {
	n := s.Malicious + s.Suspicious + s.Harmless + s.Undetected + s.Other
	if n == 0 {
		return 1
	}
	return n
}

// UnsafeScore is the fraction of engines voting malicious or suspicious.
func (s Stats) UnsafeScore() float64 {
	return float64(s.Malicious+s.Suspicious) / float64(s.Total())
}

// EngineVerdict is one engine's classification of the URL.
type EngineVerdict struct {
	Engine   string `json:"engine_name"`
	Category string `json:"category"`
	Result   string `json:"result"`
}

// Report is a completed analysis.
type Report struct {
	Status  string
	Stats   Stats
	Engines []EngineVerdict
}

// Client is implemented by threat-intel providers.
type Client interface {
	Lookup(ctx context.Context, url string) (*Report, error)
}

// Quota is a call allowance shared between replicas, satisfied by
// ratelimit.Limiter.
type Quota interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	ResetIn(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}
