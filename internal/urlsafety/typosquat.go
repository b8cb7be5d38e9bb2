package urlsafety

import (
	"net/url"
	"regexp"
	"strings"
)

// brandRule describes one impersonated brand: its plain name, the domains it
// really owns, and the obfuscated spellings used to imitate it.
type brandRule struct {
	brand    string
	official []string
	patterns []*regexp.Regexp
}

// brandRules is checked in order; the first matching brand wins.
var brandRules = []brandRule{
	{
		brand:    "discord",
		official: []string{"discord.com", "discord.gg", "discordapp.com", "discordapp.net", "discord.media", "discord.gift", "discordstatus.com"},
		patterns: compile(
			`d[i1l!|]+[s5$]+[ck][o0]+r[dcb]`,
			`d[i1l!|]+[s5$]+c[o0]{2,}r[dt]`,
			`d[i1l!|]+[s5$]+c[o0]+r[t]`,
			`d[i1l!|]+[s5$]+c[o0]+r?d?-?(?:app|gift|nitro)`,
		),
	},
	{
		brand:    "steam",
		official: []string{"steampowered.com", "steamcommunity.com", "steamstatic.com", "steamgames.com", "steamusercontent.com"},
		patterns: compile(
			`[s5$]t[e3]{1,2}a?[mn]-?c[o0]m+[uv]n[i1l!]t[yi]`,
			`[s5$]t[e3]{1,2}a?[mn]-?p[o0]w[e3]r[e3]d`,
			`[s5$]t[e3]a[mn]-?(?:gift|trade|offer|nitro)`,
			`(?:5|\$)t[e3]a[mn]|[s5]t3a[mn]`,
		),
	},
	{
		brand:    "paypal",
		official: []string{"paypal.com", "paypal.me", "paypalobjects.com"},
		patterns: compile(`p[a@4]yp[a@4][l1i]`),
	},
	{
		brand:    "google",
		official: []string{"google.com", "googleapis.com", "googleusercontent.com", "google.com.tw", "google.co.jp"},
		patterns: compile(`g[o0]{2,}g[l1i][e3]`),
	},
	{
		brand:    "apple",
		official: []string{"apple.com", "icloud.com"},
		patterns: compile(`[a@4]pp[l1][e3]`),
	},
	{
		brand:    "microsoft",
		official: []string{"microsoft.com", "live.com", "office.com"},
		patterns: compile(`m[i1l]cr[o0]s[o0]ft`),
	},
	{
		brand:    "facebook",
		official: []string{"facebook.com", "fb.com", "fbcdn.net"},
		patterns: compile(`f[a@4]c[e3]b[o0]{2}k`),
	},
	{
		brand:    "instagram",
		official: []string{"instagram.com", "cdninstagram.com"},
		patterns: compile(`[i1l]nst[a@4]gr[a@4]m`),
	},
	{
		brand:    "netflix",
		official: []string{"netflix.com"},
		patterns: compile(`n[e3]tf[l1i][i1l]x`),
	},
}

// suspiciousKeywords raise confidence when they appear in the host, path or
// query of an impersonating URL.
var suspiciousKeywords = []string{
	"login", "signin", "verify", "gift", "claim", "nitro", "free",
	"airdrop", "wallet", "account", "reward", "password", "auth", "promo",
}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// Impersonation describes a domain crafted to look like a trusted brand.
type Impersonation struct {
	Brand      string
	Domain     string
	Pattern    string
	Keywords   []string
	Confidence float64
	// Listed is set when the domain came from the configured
	// known-impersonation list rather than a pattern match.
	Listed bool
}

// TyposquatDetector flags look-alike domains.
type TyposquatDetector struct {
	known map[string]struct{}
}

// NewTyposquatDetector returns a detector that also treats every domain in
// known (and its subdomains) as an impersonation.
func NewTyposquatDetector(known []string) *TyposquatDetector {
	d := &TyposquatDetector{known: make(map[string]struct{}, len(known))}
	for _, k := range known {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			d.known[k] = struct{}{}
		}
	}
	return d
}

// Detect returns an Impersonation if rawURL's domain imitates a brand.
//
// A pattern hit requires that the host is not one of the brand's own domains
// or a subdomain of one; an official name used as a label elsewhere
// ("discord.com.gift-claim.ru") does not count. A host spelling the brand
// correctly ("discord-nitro.xyz") is only a hit when it also carries a
// suspicious keyword; an obfuscated spelling ("d1scord.com",
// "steamcommunlty.com") is a hit on its own.
func (d *TyposquatDetector) Detect(rawURL string) (*Impersonation, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host == "" {
		return nil, false
	}

	if d.isKnown(host) {
		return &Impersonation{
			Domain:     host,
			Keywords:   keywords(host, u),
			Confidence: 1,
			Listed:     true,
		}, true
	}

	for _, rule := range brandRules {
		if rule.isOfficial(host) {
			continue
		}
		for _, re := range rule.patterns {
			match := re.FindString(host)
			if match == "" {
				continue
			}
			kws := keywords(strings.ReplaceAll(host, rule.brand, ""), u)
			if rule.isCanonicalSpelling(match) && len(kws) == 0 {
				break
			}
			return &Impersonation{
				Brand:      rule.brand,
				Domain:     host,
				Pattern:    re.String(),
				Keywords:   kws,
				Confidence: confidence(len(kws)),
			}, true
		}
	}
	return nil, false
}

// isOfficial reports whether host is one of the brand's domains or a
// subdomain of one.
func (r brandRule) isOfficial(host string) bool {
	for _, o := range r.official {
		if host == o || strings.HasSuffix(host, "."+o) {
			return true
		}
	}
	return false
}

// isCanonicalSpelling reports whether match is the brand's real name or the
// first label of one of its official domains ("steamcommunity").
func (r brandRule) isCanonicalSpelling(match string) bool {
	match = strings.ToLower(match)
	if match == r.brand {
		return true
	}
	for _, o := range r.official {
		if label, _, _ := strings.Cut(o, "."); label == match {
			return true
		}
	}
	return false
}

func (d *TyposquatDetector) isKnown(host string) bool {
	for h := host; h != ""; {
		if _, ok := d.known[h]; ok {
			return true
		}
		i := strings.IndexByte(h, '.')
		if i < 0 {
			break
		}
		h = h[i+1:]
	}
	return false
}

func keywords(host string, u *url.URL) []string {
	rest := host + " " + strings.ToLower(u.Path+"?"+u.RawQuery)
	var found []string
	for _, kw := range suspiciousKeywords {
		if strings.Contains(rest, kw) {
			found = append(found, kw)
		}
	}
	return found
}

// confidence starts at 0.7 for a bare pattern match and rises 0.1 per
// suspicious keyword, capped at 1.
func confidence(keywords int) float64 {
	c := 0.7 + 0.1*float64(keywords)
	if c > 1 {
		c = 1
	}
	return c
}
