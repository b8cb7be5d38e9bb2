// Package urlsafety decides whether the URLs in a message are unsafe. Each URL
// is checked against the reputation store first, then resolved through its
// redirect chain, screened for brand impersonation and finally scored by an
// external threat-intel service. Confirmed hits are written back to the
// reputation store so the next sighting is answered locally.
package urlsafety

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/guardian/internal/metrics"
	"github.com/whisper/guardian/internal/reputation"
	"github.com/whisper/guardian/internal/threatintel"
)

// Threat types reported in results and stored in the reputation store.
const (
	ThreatPhishing   = "PHISHING"
	ThreatMalware    = "MALWARE"
	ThreatScam       = "SCAM"
	ThreatSuspicious = "SUSPICIOUS"
)

// Result is the outcome for one URL found in the checked text.
type Result struct {
	URL           string
	IsUnsafe      bool
	FromBlacklist bool
	Skipped       bool
	Redirected    bool
	ExpandedURL   string
	UnsafeScore   float64
	Severity      int
	ThreatTypes   []string
	Malicious     int
	Suspicious    int
	TotalEngines  int
	Impersonation *Impersonation
	Message       string
	CheckedAt     time.Time
	// Error records a lookup failure. Such URLs are reported safe.
	Error string
}

// Config holds checker settings.
type Config struct {
	Threshold          float64
	MaxURLs            int
	HighSeverityCutoff int
	SeverityLevels     map[string]int
	// ListDomains enables domain-wide listing for high-severity hits.
	ListDomains bool
}

// Checker is safe for concurrent use.
type Checker struct {
	cfg       Config
	store     *reputation.Store
	resolver  Resolver
	typosquat *TyposquatDetector
	intel     threatintel.Client
	log       *zap.SugaredLogger

	now  func() time.Time
	perm func(n int) []int
}

// NewChecker wires a checker. resolver and intel may be nil, which disables
// unshortening or the external lookup respectively.
func NewChecker(cfg Config, store *reputation.Store, resolver Resolver, typosquat *TyposquatDetector, intel threatintel.Client, logger *zap.SugaredLogger) *Checker {
	if cfg.MaxURLs < 1 {
		cfg.MaxURLs = 1
	}
	if cfg.SeverityLevels == nil {
		cfg.SeverityLevels = map[string]int{}
	}
	if typosquat == nil {
		typosquat = NewTyposquatDetector(nil)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Checker{
		cfg:       cfg,
		store:     store,
		resolver:  resolver,
		typosquat: typosquat,
		intel:     intel,
		log:       logger,
		now:       time.Now,
		perm:      rand.Perm,
	}
}

// CheckText extracts the URLs in text and checks them.
func (c *Checker) CheckText(ctx context.Context, text string) (bool, map[string]*Result) {
	urls := ExtractURLs(text)
	if len(urls) == 0 {
		return false, map[string]*Result{}
	}
	return c.CheckURLs(ctx, urls)
}

// CheckURLs checks every URL and reports whether any is unsafe. Results are
// keyed by the URL as given.
func (c *Checker) CheckURLs(ctx context.Context, urls []string) (bool, map[string]*Result) {
	results := make(map[string]*Result, len(urls))
	var candidates []string

	for _, u := range urls {
		if _, dup := results[u]; dup {
			continue
		}
		if hit, ok := c.store.Lookup(u); ok {
			results[u] = c.blacklisted(u, hit)
			continue
		}
		results[u] = nil
		candidates = append(candidates, u)
	}

	checked, skipped := c.sample(candidates)
	for _, u := range skipped {
		results[u] = &Result{
			URL:       u,
			Skipped:   true,
			Message:   fmt.Sprintf("skipped: only %d URLs are checked per message", c.cfg.MaxURLs),
			CheckedAt: c.now(),
		}
		metrics.URLChecks.WithLabelValues("skipped").Inc()
	}

	for _, u := range checked {
		results[u] = c.check(ctx, u)
	}

	unsafe := false
	for _, r := range results {
		if r.IsUnsafe {
			unsafe = true
		}
	}
	return unsafe, results
}

// sample picks MaxURLs candidates uniformly at random, preserving their
// original order, and returns the rest as skipped.
func (c *Checker) sample(candidates []string) (checked, skipped []string) {
	if len(candidates) <= c.cfg.MaxURLs {
		return candidates, nil
	}

	picked := c.perm(len(candidates))[:c.cfg.MaxURLs]
	keep := make(map[int]bool, len(picked))
	for _, i := range picked {
		keep[i] = true
	}
	for i, u := range candidates {
		if keep[i] {
			checked = append(checked, u)
		} else {
			skipped = append(skipped, u)
		}
	}
	c.log.Infow("sampling URLs", "total", len(candidates), "checked", len(checked), "skipped", len(skipped))
	return checked, skipped
}

func (c *Checker) blacklisted(u string, hit reputation.Hit) *Result {
	metrics.URLChecks.WithLabelValues("blacklisted").Inc()
	return &Result{
		URL:           u,
		IsUnsafe:      true,
		FromBlacklist: true,
		Redirected:    hit.ExpandedURL != "",
		ExpandedURL:   hit.ExpandedURL,
		UnsafeScore:   hit.Entry.UnsafeScore,
		Severity:      hit.Entry.Severity,
		ThreatTypes:   append([]string(nil), hit.Entry.ThreatTypes...),
		Message:       fmt.Sprintf("listed in reputation store (%s match on %s)", hit.Kind, hit.Key),
		CheckedAt:     c.now(),
	}
}

func (c *Checker) check(ctx context.Context, u string) *Result {
	target := u
	redirected := false

	if expanded, ok := c.store.Expanded(u); ok {
		target, redirected = expanded, true
	} else if c.resolver != nil {
		resolved, err := c.resolver.Resolve(ctx, u)
		if err != nil {
			c.log.Debugw("redirect resolution incomplete", "url", u, "error", err)
		}
		if resolved != "" && resolved != u {
			target, redirected = resolved, true
			c.store.AddShortened(u, resolved)
		}
	}

	if redirected {
		if hit, ok := c.store.Lookup(target); ok {
			r := c.blacklisted(u, hit)
			r.Redirected = true
			r.ExpandedURL = target
			return r
		}
	}

	res := &Result{URL: u, Redirected: redirected, CheckedAt: c.now()}
	if redirected {
		res.ExpandedURL = target
	}

	if imp, ok := c.impersonation(u, target); ok {
		res.IsUnsafe = true
		res.Impersonation = imp
		res.ThreatTypes = []string{ThreatPhishing}
		res.Severity = c.severity(res.ThreatTypes)
		res.UnsafeScore = imp.Confidence
		if imp.Listed {
			res.Message = fmt.Sprintf("known impersonation domain %s", imp.Domain)
		} else {
			res.Message = fmt.Sprintf("domain %s impersonates %s", imp.Domain, imp.Brand)
		}
		metrics.URLChecks.WithLabelValues("impersonation").Inc()
		c.persist(u, target, res)
		return res
	}

	if c.intel == nil {
		res.Message = "no threat-intel service configured"
		metrics.URLChecks.WithLabelValues("safe").Inc()
		return res
	}

	report, err := c.intel.Lookup(ctx, target)
	if err != nil {
		c.log.Warnw("threat intel lookup failed, treating URL as safe", "url", target, "error", err)
		res.Error = err.Error()
		res.Message = "lookup failed"
		metrics.URLChecks.WithLabelValues("error").Inc()
		return res
	}

	res.Malicious = report.Stats.Malicious
	res.Suspicious = report.Stats.Suspicious
	res.TotalEngines = report.Stats.Total()
	res.UnsafeScore = report.Stats.UnsafeScore()
	res.IsUnsafe = res.UnsafeScore >= c.cfg.Threshold
	res.ThreatTypes = ClassifyThreats(report.Engines)
	res.Severity = c.severity(res.ThreatTypes)

	c.log.Infow("threat intel verdict",
		"url", target, "malicious", res.Malicious, "suspicious", res.Suspicious,
		"total", res.TotalEngines, "score", res.UnsafeScore, "threshold", c.cfg.Threshold)

	if !res.IsUnsafe {
		res.Message = "URL passed safety checks"
		metrics.URLChecks.WithLabelValues("safe").Inc()
		return res
	}

	res.Message = "external threat detection"
	metrics.URLChecks.WithLabelValues("unsafe").Inc()
	c.persist(u, target, res)
	return res
}

func (c *Checker) impersonation(u, target string) (*Impersonation, bool) {
	if imp, ok := c.typosquat.Detect(target); ok {
		return imp, true
	}
	if target != u {
		return c.typosquat.Detect(u)
	}
	return nil, false
}

// persist stores an unsafe result. The destination's domain is listed for
// high-severity hits; a shortener's own domain never is.
func (c *Checker) persist(u, target string, res *Result) {
	entry := reputation.Entry{
		Reason:      res.Message,
		ThreatTypes: res.ThreatTypes,
		Severity:    res.Severity,
		UnsafeScore: res.UnsafeScore,
	}
	listDomain := c.cfg.ListDomains && res.Severity >= c.cfg.HighSeverityCutoff

	c.store.AddUnsafe(target, entry, listDomain)
	if target != u {
		c.store.AddUnsafe(u, entry, false)
	}
}

func (c *Checker) severity(threats []string) int {
	sev := 0
	for _, t := range threats {
		if v := c.cfg.SeverityLevels[t]; v > sev {
			sev = v
		}
	}
	return sev
}

// ClassifyThreats maps the verdict strings of engines that voted malicious
// or suspicious to threat types, sorted and de-duplicated.
func ClassifyThreats(engines []threatintel.EngineVerdict) []string {
	set := make(map[string]struct{})
	for _, e := range engines {
		if e.Category != "malicious" && e.Category != "suspicious" {
			continue
		}
		result := strings.ToLower(e.Result)
		switch {
		case strings.Contains(result, "phish"):
			set[ThreatPhishing] = struct{}{}
		case strings.Contains(result, "malware"):
			set[ThreatMalware] = struct{}{}
		case strings.Contains(result, "scam"):
			set[ThreatScam] = struct{}{}
		default:
			set[ThreatSuspicious] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
