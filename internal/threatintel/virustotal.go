package threatintel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/whisper/guardian/internal/ratelimit"
)

const defaultVirusTotalURL = "https://www.virustotal.com/api/v3"

// VirusTotalConfig configures the VirusTotal v3 client.
type VirusTotalConfig struct {
	APIKey  string
	BaseURL string
	// MaxRetries bounds both transient-error retries and analysis polls.
	MaxRetries int
	// RetryDelay is the first backoff; attempt n waits RetryDelay * 2^(n-1).
	RetryDelay time.Duration
	// MaxDelay caps a single backoff.
	MaxDelay time.Duration
	// PerMinute paces calls from this process.
	PerMinute int
}

// VirusTotal implements Client against the VirusTotal v3 REST API. A URL that
// has been analysed before is read directly; otherwise it is submitted and
// the analysis is polled until it completes.
type VirusTotal struct {
	cfg     VirusTotalConfig
	http    *http.Client
	pace    *rate.Limiter
	quota   Quota
	log     *zap.SugaredLogger
	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewVirusTotal builds a client. quota may be nil when no shared Redis quota
// is available.
func NewVirusTotal(cfg VirusTotalConfig, httpClient *http.Client, quota Quota, logger *zap.SugaredLogger) *VirusTotal {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultVirusTotalURL
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	pace := rate.NewLimiter(rate.Inf, 1)
	if cfg.PerMinute > 0 {
		pace = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), 1)
	}

	return &VirusTotal{
		cfg:     cfg,
		http:    httpClient,
		pace:    pace,
		quota:   quota,
		log:     logger,
		sleepFn: sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// URLIdentifier is VirusTotal's id for a URL: unpadded URL-safe base64.
func URLIdentifier(u string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(u))
}

func (v *VirusTotal) backoff(attempt int) time.Duration {
	d := v.cfg.RetryDelay << (attempt - 1)
	if d > v.cfg.MaxDelay || d <= 0 {
		d = v.cfg.MaxDelay
	}
	return d
}

// Lookup returns the analysis for u. It reads the existing report, submits
// the URL when there is none and then polls that one analysis. Every step,
// including each poll, spends one of MaxRetries attempts, with exponential
// backoff between attempts; transient failures repeat the failed step only.
// The final error wraps ErrTransient when the attempts ran out.
func (v *VirusTotal) Lookup(ctx context.Context, u string) (*Report, error) {
	if v.cfg.APIKey == "" {
		return nil, fmt.Errorf("threatintel: no VirusTotal API key configured")
	}

	var (
		analysisID string
		lastErr    error
	)
	for attempt := 1; attempt <= v.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := v.backoff(attempt - 1)
			v.log.Debugw("threat intel lookup waiting",
				"url", u, "attempt", attempt, "delay", delay, "error", lastErr)
			if err := v.sleepFn(ctx, delay); err != nil {
				return nil, err
			}
		}

		var (
			report *Report
			err    error
		)
		if analysisID == "" {
			report, analysisID, err = v.reportOrSubmit(ctx, u)
		} else {
			report, err = v.pollAnalysis(ctx, analysisID)
		}
		if err == nil && report != nil {
			return report, nil
		}
		if err != nil && !errors.Is(err, ErrTransient) {
			return nil, err
		}
		if err == nil {
			err = fmt.Errorf("%w: analysis %s still queued", ErrTransient, analysisID)
		} else {
			v.log.Warnw("threat intel lookup failed", "url", u, "attempt", attempt, "error", err)
		}
		lastErr = err
	}
	return nil, lastErr
}

// reportOrSubmit returns the existing report for u, or submits u and returns
// the new analysis id.
func (v *VirusTotal) reportOrSubmit(ctx context.Context, u string) (*Report, string, error) {
	report, found, err := v.urlReport(ctx, u)
	if err != nil {
		return nil, "", err
	}
	if found {
		return report, "", nil
	}
	id, err := v.submit(ctx, u)
	if err != nil {
		return nil, "", err
	}
	return nil, id, nil
}

// urlReport reads an existing report. found is false when VirusTotal has no
// record of the URL.
func (v *VirusTotal) urlReport(ctx context.Context, u string) (*Report, bool, error) {
	var body struct {
		Data struct {
			Attributes struct {
				Stats   map[string]int           `json:"last_analysis_stats"`
				Results map[string]EngineVerdict `json:"last_analysis_results"`
			} `json:"attributes"`
		} `json:"data"`
	}

	status, err := v.do(ctx, http.MethodGet, "/urls/"+URLIdentifier(u), nil, &body)
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	attrs := body.Data.Attributes
	return &Report{
		Status:  "completed",
		Stats:   StatsFromCounts(attrs.Stats),
		Engines: engines(attrs.Results),
	}, true, nil
}

func (v *VirusTotal) submit(ctx context.Context, u string) (string, error) {
	var body struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	form := url.Values{"url": {u}}
	if _, err := v.do(ctx, http.MethodPost, "/urls", form, &body); err != nil {
		return "", err
	}
	if body.Data.ID == "" {
		return "", fmt.Errorf("threatintel: submit returned no analysis id")
	}
	return body.Data.ID, nil
}

// pollAnalysis reads the analysis once. A nil report with a nil error means
// it has not finished.
func (v *VirusTotal) pollAnalysis(ctx context.Context, id string) (*Report, error) {
	var body struct {
		Data struct {
			Attributes struct {
				Status  string                   `json:"status"`
				Stats   map[string]int           `json:"stats"`
				Results map[string]EngineVerdict `json:"results"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if _, err := v.do(ctx, http.MethodGet, "/analyses/"+id, nil, &body); err != nil {
		return nil, err
	}

	attrs := body.Data.Attributes
	switch attrs.Status {
	case "completed":
		return &Report{
			Status:  attrs.Status,
			Stats:   StatsFromCounts(attrs.Stats),
			Engines: engines(attrs.Results),
		}, nil
	case "queued", "in-progress":
		return nil, nil
	default:
		return nil, fmt.Errorf("threatintel: analysis %s status %q", id, attrs.Status)
	}
}

// do issues one API call and decodes a 200 response into out. It returns
// the HTTP status alongside any error so callers can special-case 404.
func (v *VirusTotal) do(ctx context.Context, method, path string, form url.Values, out any) (int, error) {
	if err := v.pace.Wait(ctx); err != nil {
		return 0, err
	}
	if v.quota != nil {
		ok, err := v.quota.Allow(ctx, "virustotal", ratelimit.RuleThreatIntel)
		if err == nil && !ok {
			reset, _ := v.quota.ResetIn(ctx, "virustotal", ratelimit.RuleThreatIntel)
			return 0, fmt.Errorf("%w: shared quota exhausted, resets in %s", ErrTransient, reset)
		}
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, v.cfg.BaseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("threatintel: build request: %w", err)
	}
	req.Header.Set("x-apikey", v.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := v.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: %s %s: %v", ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, fmt.Errorf("threatintel: %s %s: not found", method, path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return resp.StatusCode, fmt.Errorf("%w: %s %s: status %d", ErrTransient, method, path, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("threatintel: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("threatintel: decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

func engines(results map[string]EngineVerdict) []EngineVerdict {
	out := make([]EngineVerdict, 0, len(results))
	for name, r := range results {
		if r.Engine == "" {
			r.Engine = name
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Engine < out[j].Engine })
	return out
}

