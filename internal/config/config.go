// Package config loads the moderator's settings from the environment.
// Every value has a default; environment variables override it, and a .env
// file in the working directory is read first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// QueueConfig controls the moderation task queue.
type QueueConfig struct {
	MaxConcurrent    int
	CheckInterval    time.Duration
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	MaxRetries       int
}

// URLSafetyConfig controls URL extraction, unshortening and threat scoring.
type URLSafetyConfig struct {
	APIKey                string
	Threshold             float64
	RequestTimeout        time.Duration
	MaxRetries            int
	RetryDelay            time.Duration
	MaxURLs               int
	MaxRedirects          int
	HighSeverityCutoff    int
	SeverityLevels        map[string]int
	ImpersonationDomains  []string
	BlacklistFile         string
	AutosaveInterval      time.Duration
	LookupRatePerMinute   int
	BlacklistDomainOnHigh bool
}

// ReviewConfig controls the secondary reasoning pass.
type ReviewConfig struct {
	Enabled         bool
	ContextMessages int

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	GeminiAPIKey string
	GeminiModel  string

	RequestTimeout time.Duration
}

// EscalationConfig controls punishment deduplication, timeout retries and
// the mute sweeper.
type EscalationConfig struct {
	DedupWindow   time.Duration
	SweepInterval time.Duration

	TimeoutRetries    int
	TimeoutBackoff    time.Duration
	TimeoutMaxBackoff time.Duration
}

// Config is the full moderator configuration.
type Config struct {
	Queue      QueueConfig
	URLSafety  URLSafetyConfig
	Review     ReviewConfig
	Escalation EscalationConfig

	ClassifierModel string

	BypassUserIDs []string
	BypassRoleIDs []string

	RedisAddr     string
	NATSURL       string
	DatabaseURL   string
	MetricsListen string
	LogLevel      string
	LogJSON       bool
}

// DefaultSeverityLevels maps threat types to severities on a 0-10 scale.
func DefaultSeverityLevels() map[string]int {
	return map[string]int{
		"PHISHING":   8,
		"MALWARE":    9,
		"SCAM":       7,
		"SUSPICIOUS": 5,
	}
}

// Default returns the configuration used when no environment overrides are set.
func Default() Config {
	return Config{
		Queue: QueueConfig{
			MaxConcurrent:    3,
			CheckInterval:    time.Second,
			RetryInterval:    5 * time.Second,
			MaxRetryInterval: time.Minute,
			MaxRetries:       3,
		},
		URLSafety: URLSafetyConfig{
			Threshold:             0.05,
			RequestTimeout:        10 * time.Second,
			MaxRetries:            3,
			RetryDelay:            2 * time.Second,
			MaxURLs:               5,
			MaxRedirects:          5,
			HighSeverityCutoff:    8,
			SeverityLevels:        DefaultSeverityLevels(),
			BlacklistFile:         "data/url_blacklist.json",
			AutosaveInterval:      60 * time.Second,
			LookupRatePerMinute:   4,
			BlacklistDomainOnHigh: true,
		},
		Review: ReviewConfig{
			Enabled:         true,
			ContextMessages: 5,
			OpenAIBaseURL:   "https://api.openai.com/v1",
			OpenAIModel:     "gpt-4o-mini",
			GeminiModel:     "gemini-2.0-flash",
			RequestTimeout:  30 * time.Second,
		},
		Escalation: EscalationConfig{
			DedupWindow:       5 * time.Minute,
			SweepInterval:     time.Minute,
			TimeoutRetries:    3,
			TimeoutBackoff:    time.Second,
			TimeoutMaxBackoff: 30 * time.Second,
		},
		ClassifierModel: "omni-moderation-latest",
		RedisAddr:       "localhost:6379",
		NATSURL:         "nats://localhost:4222",
		DatabaseURL:     "postgres://localhost:5432/guardian?sslmode=disable",
		MetricsListen:   ":9090",
		LogLevel:        "info",
		LogJSON:         true,
	}
}

// Load reads .env (if present) and applies environment overrides on top of
// Default. Malformed values are reported rather than silently ignored.
func Load() (Config, error) {
	// A missing .env file is the normal production case.
	_ = godotenv.Load()

	cfg := Default()
	l := loader{}

	l.int("MODERATION_QUEUE_MAX_CONCURRENT", &cfg.Queue.MaxConcurrent)
	l.seconds("MODERATION_QUEUE_CHECK_INTERVAL", &cfg.Queue.CheckInterval)
	l.seconds("MODERATION_QUEUE_RETRY_INTERVAL", &cfg.Queue.RetryInterval)
	l.seconds("MODERATION_QUEUE_MAX_RETRY_INTERVAL", &cfg.Queue.MaxRetryInterval)
	l.int("MODERATION_QUEUE_MAX_RETRIES", &cfg.Queue.MaxRetries)

	l.str("URL_SAFETY_API_KEY", &cfg.URLSafety.APIKey)
	l.float("URL_SAFETY_THRESHOLD", &cfg.URLSafety.Threshold)
	l.seconds("URL_SAFETY_REQUEST_TIMEOUT", &cfg.URLSafety.RequestTimeout)
	l.int("URL_SAFETY_MAX_RETRIES", &cfg.URLSafety.MaxRetries)
	l.seconds("URL_SAFETY_RETRY_DELAY", &cfg.URLSafety.RetryDelay)
	l.int("URL_SAFETY_MAX_URLS", &cfg.URLSafety.MaxURLs)
	l.int("URL_SAFETY_MAX_REDIRECTS", &cfg.URLSafety.MaxRedirects)
	l.int("URL_SAFETY_HIGH_SEVERITY", &cfg.URLSafety.HighSeverityCutoff)
	l.severities("URL_SAFETY_SEVERITY_LEVELS", &cfg.URLSafety.SeverityLevels)
	l.list("URL_SAFETY_IMPERSONATION_DOMAINS", &cfg.URLSafety.ImpersonationDomains)
	l.str("URL_BLACKLIST_FILE", &cfg.URLSafety.BlacklistFile)
	l.seconds("URL_BLACKLIST_AUTOSAVE_INTERVAL", &cfg.URLSafety.AutosaveInterval)
	l.int("URL_SAFETY_LOOKUPS_PER_MINUTE", &cfg.URLSafety.LookupRatePerMinute)
	l.bool("URL_BLACKLIST_DOMAINS", &cfg.URLSafety.BlacklistDomainOnHigh)

	l.bool("MODERATION_REVIEW_ENABLED", &cfg.Review.Enabled)
	l.int("MODERATION_REVIEW_CONTEXT_MESSAGES", &cfg.Review.ContextMessages)
	l.str("OPENAI_API_KEY", &cfg.Review.OpenAIAPIKey)
	l.str("OPENAI_BASE_URL", &cfg.Review.OpenAIBaseURL)
	l.str("OPENAI_MODEL", &cfg.Review.OpenAIModel)
	l.str("GEMINI_API_KEY", &cfg.Review.GeminiAPIKey)
	l.str("GEMINI_MODEL", &cfg.Review.GeminiModel)
	l.seconds("MODERATION_REVIEW_TIMEOUT", &cfg.Review.RequestTimeout)

	l.seconds("PUNISHMENT_DEDUP_WINDOW", &cfg.Escalation.DedupWindow)
	l.seconds("MUTE_SWEEP_INTERVAL", &cfg.Escalation.SweepInterval)
	l.int("PUNISHMENT_TIMEOUT_RETRIES", &cfg.Escalation.TimeoutRetries)
	l.seconds("PUNISHMENT_TIMEOUT_BACKOFF", &cfg.Escalation.TimeoutBackoff)
	l.seconds("PUNISHMENT_TIMEOUT_MAX_BACKOFF", &cfg.Escalation.TimeoutMaxBackoff)

	l.str("CLASSIFIER_MODEL", &cfg.ClassifierModel)
	l.list("BYPASS_USER_IDS", &cfg.BypassUserIDs)
	l.list("BYPASS_ROLE_IDS", &cfg.BypassRoleIDs)

	l.str("REDIS_ADDR", &cfg.RedisAddr)
	l.str("NATS_URL", &cfg.NATSURL)
	l.str("DATABASE_URL", &cfg.DatabaseURL)
	l.str("METRICS_LISTEN", &cfg.MetricsListen)
	l.str("LOG_LEVEL", &cfg.LogLevel)
	l.bool("LOG_JSON", &cfg.LogJSON)

	if len(l.errs) > 0 {
		return cfg, fmt.Errorf("config: %s", strings.Join(l.errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Queue.MaxConcurrent < 1:
		return fmt.Errorf("config: MODERATION_QUEUE_MAX_CONCURRENT must be >= 1")
	case c.Queue.MaxRetries < 0:
		return fmt.Errorf("config: MODERATION_QUEUE_MAX_RETRIES must be >= 0")
	case c.Queue.CheckInterval <= 0:
		return fmt.Errorf("config: MODERATION_QUEUE_CHECK_INTERVAL must be positive")
	case c.URLSafety.Threshold < 0 || c.URLSafety.Threshold > 1:
		return fmt.Errorf("config: URL_SAFETY_THRESHOLD must be within [0, 1]")
	case c.URLSafety.MaxURLs < 1:
		return fmt.Errorf("config: URL_SAFETY_MAX_URLS must be >= 1")
	}
	for t, sev := range c.URLSafety.SeverityLevels {
		if sev < 0 || sev > 10 {
			return fmt.Errorf("config: severity for %s must be within [0, 10]", t)
		}
	}
	if c.Escalation.TimeoutRetries < 1 {
		return fmt.Errorf("config: PUNISHMENT_TIMEOUT_RETRIES must be >= 1")
	}
	return nil
}

// loader collects parse errors so every bad variable is reported at once.
type loader struct {
	errs []string
}

func (l *loader) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (l *loader) int(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*dst = n
}

func (l *loader) float(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*dst = f
}

func (l *loader) bool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*dst = b
}

// seconds accepts either a Go duration ("1m30s") or a bare number of seconds.
func (l *loader) seconds(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: not a duration: %q", key, v))
		return
	}
	*dst = time.Duration(f * float64(time.Second))
}

func (l *loader) list(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

// severities parses "PHISHING=8,MALWARE=9" into a severity table.
func (l *loader) severities(key string, dst *map[string]int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	table := make(map[string]int)
	for _, part := range strings.Split(v, ",") {
		name, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			l.errs = append(l.errs, fmt.Sprintf("%s: malformed entry %q", key, part))
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			l.errs = append(l.errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		table[strings.ToUpper(strings.TrimSpace(name))] = n
	}
	*dst = table
}
