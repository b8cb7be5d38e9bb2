package urlsafety

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// Resolver follows a URL's redirect chain to its final destination.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (string, error)
}

// Unshortener resolves redirects hop by hop with HEAD requests, falling back
// to GET for servers that reject HEAD. Redirects are never followed by the
// HTTP client itself so the hop count stays bounded.
type Unshortener struct {
	client  *http.Client
	maxHops int
}

// NewUnshortener returns an Unshortener that follows at most maxHops
// redirects, each request bounded by timeout.
func NewUnshortener(maxHops int, timeout time.Duration) *Unshortener {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if maxHops < 1 {
		maxHops = 1
	}
	return &Unshortener{client: client, maxHops: maxHops}
}

// Resolve returns the last URL reached. When a hop fails, the URL reached so
// far is returned together with the error.
func (u *Unshortener) Resolve(ctx context.Context, rawURL string) (string, error) {
	current := rawURL
	for hop := 0; hop < u.maxHops; hop++ {
		next, err := u.step(ctx, current)
		if err != nil {
			return current, err
		}
		if next == "" || next == current {
			return current, nil
		}
		current = next
	}
	return current, nil
}

// step returns the redirect target of target, or "" if it does not redirect.
func (u *Unshortener) step(ctx context.Context, target string) (string, error) {
	resp, err := u.request(ctx, http.MethodHead, target)
	if err != nil || resp.StatusCode == http.StatusMethodNotAllowed ||
		resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotImplemented {
		if resp != nil {
			resp.Body.Close()
		}
		resp, err = u.request(ctx, http.MethodGet, target)
		if err != nil {
			return "", err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return "", nil
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", nil
	}

	base, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("urlsafety: parse %q: %w", target, err)
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("urlsafety: parse location %q: %w", loc, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (u *Unshortener) request(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("urlsafety: build %s request: %w", method, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; guardian-linkcheck/1.0)")
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("urlsafety: %s %s: %w", method, target, err)
	}
	return resp, nil
}
