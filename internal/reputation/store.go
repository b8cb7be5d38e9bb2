// Package reputation keeps the persisted list of known-bad URLs, domains and
// shortened-URL mappings consulted before any network lookup.
//
// The store is a write-behind cache: mutations mark it dirty and Run flushes
// it to disk on a fixed interval, so a crash loses at most one interval of
// updates. The file layout is:
//
//	{"urls": {...}, "domains": {...}, "shortened_urls": {...}, "last_updated": "..."}
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/purell"
	"go.uber.org/zap"
)

// Entry describes why a URL or domain is considered unsafe.
type Entry struct {
	Reason        string    `json:"reason"`
	ThreatTypes   []string  `json:"threat_types"`
	Severity      int       `json:"severity"`
	UnsafeScore   float64   `json:"unsafe_score"`
	BlacklistedAt time.Time `json:"blacklisted_at"`
	// SourceURL is set on domain entries to the URL that caused the domain
	// to be listed.
	SourceURL string `json:"source_url,omitempty"`
}

// MatchKind reports which section of the store produced a hit.
type MatchKind string

const (
	MatchExact     MatchKind = "url"
	MatchShortened MatchKind = "shortened"
	MatchDomain    MatchKind = "domain"
)

// Hit is the result of a successful Lookup.
type Hit struct {
	Kind  MatchKind
	Key   string
	Entry Entry
	// ExpandedURL is set when the hit came through a shortened mapping.
	ExpandedURL string
}

// Stats summarises the store contents.
type Stats struct {
	URLs        int       `json:"urls"`
	Domains     int       `json:"domains"`
	Shortened   int       `json:"shortened_urls"`
	LastUpdated time.Time `json:"last_updated"`
	Dirty       bool      `json:"dirty"`
}

type document struct {
	URLs        map[string]Entry  `json:"urls"`
	Domains     map[string]Entry  `json:"domains"`
	Shortened   map[string]string `json:"shortened_urls"`
	LastUpdated time.Time         `json:"last_updated"`
}

// Store is safe for concurrent use. Methods with a "Locked" suffix assume mu
// is already held.
type Store struct {
	mu          sync.RWMutex
	path        string
	urls        map[string]Entry
	domains     map[string]Entry
	shortened   map[string]string
	lastUpdated time.Time
	dirty       bool

	log *zap.SugaredLogger
	now func() time.Time
}

// NewMemory returns a store that is never written to disk.
func NewMemory() *Store {
	return &Store{
		urls:      make(map[string]Entry),
		domains:   make(map[string]Entry),
		shortened: make(map[string]string),
		log:       zap.NewNop().Sugar(),
		now:       time.Now,
	}
}

// Open loads the store from path. A missing file yields an empty store that
// will be created on the first save.
func Open(path string, logger *zap.SugaredLogger) (*Store, error) {
	s := NewMemory()
	s.path = path
	if logger != nil {
		s.log = logger
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Infow("reputation file not found, starting empty", "path", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reputation: read %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("reputation: decode %s: %w", path, err)
	}
	for k, v := range doc.URLs {
		s.urls[k] = v
	}
	for k, v := range doc.Domains {
		s.domains[k] = v
	}
	for k, v := range doc.Shortened {
		s.shortened[k] = v
	}
	s.lastUpdated = doc.LastUpdated

	s.log.Infow("reputation loaded",
		"urls", len(s.urls), "domains", len(s.domains), "shortened", len(s.shortened))
	return s, nil
}

// NormalizeURL canonicalises a URL for use as a store key. Unparseable input
// is returned trimmed so it can still be matched verbatim.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	norm, err := purell.NormalizeURLString(raw, purell.FlagsSafe|purell.FlagRemoveFragment)
	if err != nil {
		return raw
	}
	return norm
}

// DomainOf returns the lower-cased host of a URL without its port, or "" if
// the URL has no host.
func DomainOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Lookup checks a URL in precedence order: exact URL, then a shortened
// mapping whose expansion is listed, then the URL's domain.
func (s *Store) Lookup(rawURL string) (Hit, bool) {
	key := NormalizeURL(rawURL)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.urls[key]; ok {
		return Hit{Kind: MatchExact, Key: key, Entry: e}, true
	}

	if expanded, ok := s.shortened[key]; ok {
		if e, ok := s.urls[expanded]; ok {
			return Hit{Kind: MatchShortened, Key: key, Entry: e, ExpandedURL: expanded}, true
		}
		if hit, ok := s.domainLocked(expanded); ok {
			hit.Kind = MatchShortened
			hit.ExpandedURL = expanded
			return hit, true
		}
	}

	return s.domainLocked(key)
}

func (s *Store) domainLocked(rawURL string) (Hit, bool) {
	domain := DomainOf(rawURL)
	if domain == "" {
		return Hit{}, false
	}
	if e, ok := s.domains[domain]; ok {
		return Hit{Kind: MatchDomain, Key: domain, Entry: e}, true
	}
	return Hit{}, false
}

// AddUnsafe records a confirmed-unsafe URL. When listDomain is set the URL's
// domain is listed too, so every other path on it is blocked.
func (s *Store) AddUnsafe(rawURL string, e Entry, listDomain bool) {
	key := NormalizeURL(rawURL)
	if e.BlacklistedAt.IsZero() {
		e.BlacklistedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.urls[key] = e
	if listDomain {
		if domain := DomainOf(key); domain != "" {
			de := e
			de.SourceURL = key
			s.domains[domain] = de
		}
	}
	s.touchLocked()
}

// AddDomain lists a whole domain.
func (s *Store) AddDomain(domain string, e Entry) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return
	}
	if e.BlacklistedAt.IsZero() {
		e.BlacklistedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[domain] = e
	s.touchLocked()
}

// AddShortened records that shortURL redirects to expandedURL. Mappings are
// kept whether or not the destination is unsafe, so the redirect chain is
// not resolved twice.
func (s *Store) AddShortened(shortURL, expandedURL string) {
	short := NormalizeURL(shortURL)
	expanded := NormalizeURL(expandedURL)
	if short == expanded {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shortened[short] == expanded {
		return
	}
	s.shortened[short] = expanded
	s.touchLocked()
}

// Expanded returns the known expansion of a shortened URL.
func (s *Store) Expanded(shortURL string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.shortened[NormalizeURL(shortURL)]
	return v, ok
}

// RemoveURL deletes an exact-URL entry. It reports whether an entry existed.
func (s *Store) RemoveURL(rawURL string) bool {
	key := NormalizeURL(rawURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.urls[key]; !ok {
		return false
	}
	delete(s.urls, key)
	s.touchLocked()
	return true
}

// RemoveDomain deletes a domain entry.
func (s *Store) RemoveDomain(domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.domains[domain]; !ok {
		return false
	}
	delete(s.domains, domain)
	s.touchLocked()
	return true
}

// RemoveShortened deletes a shortened mapping.
func (s *Store) RemoveShortened(shortURL string) bool {
	key := NormalizeURL(shortURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shortened[key]; !ok {
		return false
	}
	delete(s.shortened, key)
	s.touchLocked()
	return true
}

// Clear empties every section.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = make(map[string]Entry)
	s.domains = make(map[string]Entry)
	s.shortened = make(map[string]string)
	s.touchLocked()
}

// Stats returns section sizes.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		URLs:        len(s.urls),
		Domains:     len(s.domains),
		Shortened:   len(s.shortened),
		LastUpdated: s.lastUpdated,
		Dirty:       s.dirty,
	}
}

// URLs returns a copy of the exact-URL section.
func (s *Store) URLs() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.urls))
	for k, v := range s.urls {
		out[k] = v
	}
	return out
}

// Domains returns a copy of the domain section.
func (s *Store) Domains() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.domains))
	for k, v := range s.domains {
		out[k] = v
	}
	return out
}

func (s *Store) touchLocked() {
	s.dirty = true
	s.lastUpdated = s.now().UTC()
}

// Save writes the store to disk if it has unsaved changes. The file is
// replaced atomically through a temp file in the same directory.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	data, err := json.MarshalIndent(document{
		URLs:        s.urls,
		Domains:     s.domains,
		Shortened:   s.shortened,
		LastUpdated: s.lastUpdated,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("reputation: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("reputation: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".reputation-*.json")
	if err != nil {
		return fmt.Errorf("reputation: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("reputation: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("reputation: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("reputation: rename: %w", err)
	}

	s.dirty = false
	return nil
}

// Run flushes dirty state every interval until ctx is cancelled, then saves
// one final time.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Save(); err != nil {
				s.log.Errorw("final reputation save failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := s.Save(); err != nil {
				s.log.Errorw("reputation autosave failed", "error", err)
			}
		}
	}
}
