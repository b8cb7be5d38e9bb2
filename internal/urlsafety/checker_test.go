package urlsafety

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/guardian/internal/reputation"
	"github.com/whisper/guardian/internal/threatintel"
)

type fakeIntel struct {
	mu      sync.Mutex
	reports map[string]*threatintel.Report
	err     error
	calls   []string
}

func (f *fakeIntel) Lookup(_ context.Context, u string) (*threatintel.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u)
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.reports[u]; ok {
		return r, nil
	}
	return &threatintel.Report{Status: "completed", Stats: threatintel.Stats{Harmless: 10}}, nil
}

func (f *fakeIntel) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, u string) (string, error) {
	if v, ok := m[u]; ok {
		return v, nil
	}
	return u, nil
}

func testConfig() Config {
	return Config{
		Threshold:          0.05,
		MaxURLs:            5,
		HighSeverityCutoff: 8,
		SeverityLevels:     map[string]int{"PHISHING": 8, "MALWARE": 9, "SCAM": 7, "SUSPICIOUS": 5},
		ListDomains:        true,
	}
}

func TestCheckURLs_SamplingCap(t *testing.T) {
	intel := &fakeIntel{}
	c := NewChecker(testConfig(), reputation.NewMemory(), nil, nil, intel, nil)

	var urls []string
	for i := 0; i < 10; i++ {
		urls = append(urls, fmt.Sprintf("https://safe%d.example/", i))
	}

	unsafe, results := c.CheckURLs(context.Background(), urls)
	assert.False(t, unsafe)
	require.Len(t, results, 10)

	checked, skipped := 0, 0
	for _, r := range results {
		if r.Skipped {
			skipped++
			assert.False(t, r.IsUnsafe)
		} else {
			checked++
		}
	}
	assert.Equal(t, 5, checked)
	assert.Equal(t, 5, skipped)
	assert.Len(t, intel.Calls(), 5)
}

func TestCheckURLs_SkippedNeverUnsafe(t *testing.T) {
	intel := &fakeIntel{reports: map[string]*threatintel.Report{
		"https://bad.example/": {Stats: threatintel.Stats{Malicious: 5, Harmless: 5}},
	}}
	c := NewChecker(Config{Threshold: 0.05, MaxURLs: 1}, reputation.NewMemory(), nil, nil, intel, nil)
	// Always pick the first candidate so the bad URL is skipped.
	c.perm = func(n int) []int {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}

	unsafe, results := c.CheckURLs(context.Background(), []string{"https://ok.example/", "https://bad.example/"})
	assert.False(t, unsafe)
	assert.True(t, results["https://bad.example/"].Skipped)
}

func TestCheckURLs_ExactHitShortCircuits(t *testing.T) {
	store := reputation.NewMemory()
	store.AddUnsafe("https://evil.example/x", reputation.Entry{Reason: "phish", Severity: 8, ThreatTypes: []string{"PHISHING"}}, false)
	intel := &fakeIntel{}
	c := NewChecker(testConfig(), store, mapResolver{}, nil, intel, nil)

	unsafe, results := c.CheckURLs(context.Background(), []string{"https://evil.example/x"})
	assert.True(t, unsafe)
	r := results["https://evil.example/x"]
	assert.True(t, r.FromBlacklist)
	assert.Equal(t, 8, r.Severity)
	assert.Empty(t, intel.Calls(), "blacklisted URL must not reach threat intel")
}

func TestCheckURLs_ShortenedToKnownBad(t *testing.T) {
	store := reputation.NewMemory()
	store.AddUnsafe("https://evil.example/gift", reputation.Entry{Reason: "phish", Severity: 8}, false)
	intel := &fakeIntel{}
	resolver := mapResolver{"https://bit.ly/abc": "https://evil.example/gift"}
	c := NewChecker(testConfig(), store, resolver, nil, intel, nil)

	unsafe, results := c.CheckURLs(context.Background(), []string{"https://bit.ly/abc"})
	assert.True(t, unsafe)
	r := results["https://bit.ly/abc"]
	assert.True(t, r.FromBlacklist)
	assert.True(t, r.Redirected)
	assert.Equal(t, "https://evil.example/gift", r.ExpandedURL)
	assert.Empty(t, intel.Calls())

	expanded, ok := store.Expanded("https://bit.ly/abc")
	assert.True(t, ok, "shortened mapping should be persisted")
	assert.Equal(t, "https://evil.example/gift", expanded)

	// The next sighting is answered from the mapping without resolving.
	hit, ok := store.Lookup("https://bit.ly/abc")
	assert.True(t, ok)
	assert.Equal(t, reputation.MatchShortened, hit.Kind)
}

func TestCheckURLs_MappingRecordedForSafeDestination(t *testing.T) {
	store := reputation.NewMemory()
	resolver := mapResolver{"https://t.co/x": "https://news.example/story"}
	c := NewChecker(testConfig(), store, resolver, nil, &fakeIntel{}, nil)

	unsafe, results := c.CheckURLs(context.Background(), []string{"https://t.co/x"})
	assert.False(t, unsafe)
	assert.True(t, results["https://t.co/x"].Redirected)
	_, ok := store.Expanded("https://t.co/x")
	assert.True(t, ok)
}

func TestCheckURLs_ThreatIntelUnsafePersists(t *testing.T) {
	store := reputation.NewMemory()
	intel := &fakeIntel{reports: map[string]*threatintel.Report{
		"https://malware.example/a.exe": {
			Stats: threatintel.Stats{Malicious: 4, Harmless: 6},
			Engines: []threatintel.EngineVerdict{
				{Engine: "A", Category: "malicious", Result: "malware site"},
				{Engine: "B", Category: "malicious", Result: "phishing"},
				{Engine: "C", Category: "harmless", Result: "clean"},
			},
		},
	}}
	c := NewChecker(testConfig(), store, nil, nil, intel, nil)

	unsafe, results := c.CheckURLs(context.Background(), []string{"https://malware.example/a.exe"})
	require.True(t, unsafe)
	r := results["https://malware.example/a.exe"]
	assert.InDelta(t, 0.4, r.UnsafeScore, 1e-9)
	assert.Equal(t, []string{"MALWARE", "PHISHING"}, r.ThreatTypes)
	assert.Equal(t, 9, r.Severity)
	assert.Equal(t, 10, r.TotalEngines)

	hit, ok := store.Lookup("https://malware.example/other")
	require.True(t, ok, "severity 9 should list the domain")
	assert.Equal(t, reputation.MatchDomain, hit.Kind)
}

func TestCheckURLs_LowSeverityDoesNotListDomain(t *testing.T) {
	store := reputation.NewMemory()
	intel := &fakeIntel{reports: map[string]*threatintel.Report{
		"https://shady.example/x": {
			Stats:   threatintel.Stats{Suspicious: 1, Harmless: 9},
			Engines: []threatintel.EngineVerdict{{Engine: "A", Category: "suspicious", Result: "suspicious"}},
		},
	}}
	c := NewChecker(testConfig(), store, nil, nil, intel, nil)

	unsafe, _ := c.CheckURLs(context.Background(), []string{"https://shady.example/x"})
	require.True(t, unsafe)
	_, ok := store.Lookup("https://shady.example/x")
	assert.True(t, ok)
	_, ok = store.Lookup("https://shady.example/y")
	assert.False(t, ok, "severity 5 must not list the domain")
}

func TestCheckURLs_BelowThresholdIsSafe(t *testing.T) {
	intel := &fakeIntel{reports: map[string]*threatintel.Report{
		"https://mostly.example/": {Stats: threatintel.Stats{Malicious: 1, Harmless: 99}},
	}}
	c := NewChecker(testConfig(), reputation.NewMemory(), nil, nil, intel, nil)

	unsafe, results := c.CheckURLs(context.Background(), []string{"https://mostly.example/"})
	assert.False(t, unsafe)
	assert.InDelta(t, 0.01, results["https://mostly.example/"].UnsafeScore, 1e-9)
}

func TestCheckURLs_LookupErrorDefaultsSafe(t *testing.T) {
	intel := &fakeIntel{err: fmt.Errorf("%w: status 503", threatintel.ErrTransient)}
	c := NewChecker(testConfig(), reputation.NewMemory(), nil, nil, intel, nil)

	unsafe, results := c.CheckURLs(context.Background(), []string{"https://x.example/"})
	assert.False(t, unsafe)
	assert.NotEmpty(t, results["https://x.example/"].Error)
}

func TestCheckURLs_ImpersonationSkipsLookup(t *testing.T) {
	store := reputation.NewMemory()
	intel := &fakeIntel{}
	c := NewChecker(testConfig(), store, nil, NewTyposquatDetector(nil), intel, nil)

	unsafe, results := c.CheckURLs(context.Background(), []string{"https://d1scord.com/nitro"})
	require.True(t, unsafe)
	r := results["https://d1scord.com/nitro"]
	require.NotNil(t, r.Impersonation)
	assert.Equal(t, "discord", r.Impersonation.Brand)
	assert.Equal(t, []string{"PHISHING"}, r.ThreatTypes)
	assert.Equal(t, 8, r.Severity)
	assert.Empty(t, intel.Calls())

	_, ok := store.Lookup("https://d1scord.com/anything")
	assert.True(t, ok, "impersonation domain should be listed")
}

func TestClassifyThreats(t *testing.T) {
	got := ClassifyThreats([]threatintel.EngineVerdict{
		{Category: "malicious", Result: "Phishing"},
		{Category: "suspicious", Result: "scam site"},
		{Category: "malicious", Result: "unrated"},
		{Category: "harmless", Result: "malware"},
	})
	assert.Equal(t, []string{"PHISHING", "SCAM", "SUSPICIOUS"}, got)
}

func TestUnshortener_FollowsRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/s":
			http.Redirect(w, r, "/hop", http.StatusMovedPermanently)
		case "/hop":
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			http.Redirect(w, r, srv.URL+"/final", http.StatusFound)
		case "/loop":
			http.Redirect(w, r, "/loop2", http.StatusFound)
		case "/loop2":
			http.Redirect(w, r, "/loop", http.StatusFound)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	u := NewUnshortener(5, 2*time.Second)

	got, err := u.Resolve(context.Background(), srv.URL+"/s")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/final", got)

	got, err = u.Resolve(context.Background(), srv.URL+"/final")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/final", got)

	// A loop stops at the hop limit instead of spinning.
	got, err = u.Resolve(context.Background(), srv.URL+"/loop")
	require.NoError(t, err)
	assert.Contains(t, got, "/loop")
}

func TestUnshortener_UnreachableReturnsInput(t *testing.T) {
	u := NewUnshortener(3, 200*time.Millisecond)
	got, err := u.Resolve(context.Background(), "http://127.0.0.1:1/x")
	assert.Error(t, err)
	assert.Equal(t, "http://127.0.0.1:1/x", got)
	assert.False(t, errors.Is(err, context.Canceled))
}
