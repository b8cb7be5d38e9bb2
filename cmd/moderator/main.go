package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/guardian/internal/arbiter"
	"github.com/whisper/guardian/internal/classifier"
	"github.com/whisper/guardian/internal/config"
	"github.com/whisper/guardian/internal/escalation"
	"github.com/whisper/guardian/internal/gate"
	"github.com/whisper/guardian/internal/httpclient"
	"github.com/whisper/guardian/internal/ledger"
	"github.com/whisper/guardian/internal/logging"
	"github.com/whisper/guardian/internal/messaging"
	"github.com/whisper/guardian/internal/metrics"
	"github.com/whisper/guardian/internal/platform"
	"github.com/whisper/guardian/internal/queue"
	"github.com/whisper/guardian/internal/ratelimit"
	"github.com/whisper/guardian/internal/reasoning"
	"github.com/whisper/guardian/internal/reputation"
	"github.com/whisper/guardian/internal/threatintel"
	"github.com/whisper/guardian/internal/urlsafety"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet; the config error is the only thing worth printing.
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	root, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer root.Sync()

	if err := run(cfg, root); err != nil {
		root.Fatal("moderator exited", zap.Error(err))
	}
}

func run(cfg config.Config, root *zap.Logger) error {
	log := logging.Component(root, "moderator")
	log.Info("starting guardian moderation service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return err
	}
	defer rdb.Close()

	// NATS setup.
	natsConfig := messaging.DefaultConfig()
	natsConfig.URL = cfg.NATSURL
	natsClient, err := messaging.Connect(natsConfig, logging.Component(root, "nats"))
	if err != nil {
		return err
	}
	defer natsClient.Close()

	// Violation ledger.
	var violations ledger.Ledger
	if cfg.DatabaseURL != "" {
		db, err := ledger.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := ledger.Migrate(db); err != nil {
			return err
		}
		violations = ledger.NewPostgres(db)
	} else {
		log.Warn("DATABASE_URL not set, violations are kept in memory only")
		violations = ledger.NewMemory()
	}

	// URL reputation.
	store, err := reputation.Open(cfg.URLSafety.BlacklistFile, logging.Component(root, "reputation"))
	if err != nil {
		return err
	}

	limiter := ratelimit.NewLimiter(rdb, logging.Component(root, "ratelimit"))
	httpLog := logging.Component(root, "http")

	var intel threatintel.Client
	if cfg.URLSafety.APIKey != "" {
		intel = threatintel.NewVirusTotal(threatintel.VirusTotalConfig{
			APIKey:     cfg.URLSafety.APIKey,
			MaxRetries: cfg.URLSafety.MaxRetries,
			RetryDelay: cfg.URLSafety.RetryDelay,
			MaxDelay:   30 * time.Second,
			PerMinute:  cfg.URLSafety.LookupRatePerMinute,
		},
			httpclient.New(cfg.URLSafety.RequestTimeout, httpclient.WithMaxRetries(0), httpclient.WithLogger(httpLog)),
			limiter,
			logging.Component(root, "threatintel"),
		)
	} else {
		log.Warn("URL_SAFETY_API_KEY not set, threat-intel lookups disabled")
	}

	checker := urlsafety.NewChecker(urlsafety.Config{
		Threshold:          cfg.URLSafety.Threshold,
		MaxURLs:            cfg.URLSafety.MaxURLs,
		HighSeverityCutoff: cfg.URLSafety.HighSeverityCutoff,
		SeverityLevels:     cfg.URLSafety.SeverityLevels,
		ListDomains:        cfg.URLSafety.BlacklistDomainOnHigh,
	},
		store,
		urlsafety.NewUnshortener(cfg.URLSafety.MaxRedirects, cfg.URLSafety.RequestTimeout),
		urlsafety.NewTyposquatDetector(cfg.URLSafety.ImpersonationDomains),
		intel,
		logging.Component(root, "urlsafety"),
	)

	apiHTTP := httpclient.New(cfg.Review.RequestTimeout, httpclient.WithLogger(httpLog))
	moderations := classifier.NewOpenAI(cfg.Review.OpenAIBaseURL, cfg.Review.OpenAIAPIKey, cfg.ClassifierModel, apiHTTP, limiter)

	primary, backup, err := reasoners(ctx, cfg.Review, apiHTTP)
	if err != nil {
		return err
	}
	arb := arbiter.New(primary, backup, logging.Component(root, "arbiter"))

	actions := platform.NewNATSPlatform(natsClient, 10*time.Second)
	engine := escalation.NewEngine(
		escalation.Config{
			TimeoutRetries:    cfg.Escalation.TimeoutRetries,
			TimeoutBackoff:    cfg.Escalation.TimeoutBackoff,
			TimeoutMaxBackoff: cfg.Escalation.TimeoutMaxBackoff,
		},
		violations,
		actions,
		escalation.NewRedisMarkers(rdb, cfg.Escalation.DedupWindow),
		logging.Component(root, "escalation"),
	)

	tasks := queue.New(queue.Config{
		MaxConcurrent:    cfg.Queue.MaxConcurrent,
		CheckInterval:    cfg.Queue.CheckInterval,
		RetryInterval:    cfg.Queue.RetryInterval,
		MaxRetryInterval: cfg.Queue.MaxRetryInterval,
		MaxRetries:       cfg.Queue.MaxRetries,
	}, logging.Component(root, "queue"))

	g := gate.New(gate.Config{
		BypassUserIDs:   cfg.BypassUserIDs,
		BypassRoleIDs:   cfg.BypassRoleIDs,
		ReviewEnabled:   cfg.Review.Enabled,
		ContextMessages: cfg.Review.ContextMessages,
	}, tasks, moderations, checker, arb, engine, actions, logging.Component(root, "gate"))

	group, ctx := errgroup.WithContext(ctx)

	tasks.Start(ctx)
	group.Go(func() error {
		<-ctx.Done()
		tasks.Stop()
		return nil
	})
	group.Go(func() error {
		store.Run(ctx, cfg.URLSafety.AutosaveInterval)
		return nil
	})
	group.Go(func() error {
		engine.RunSweeper(ctx, cfg.Escalation.SweepInterval)
		return nil
	})
	group.Go(func() error {
		return serveMetrics(ctx, cfg.MetricsListen, natsClient.Connected, tasks, log)
	})

	if err := natsClient.SubscribeMessageEvents(g.HandleEvent); err != nil {
		stop()
		_ = group.Wait()
		return err
	}

	log.Infow("guardian moderation service running",
		"redis_addr", cfg.RedisAddr,
		"nats_url", cfg.NATSURL,
		"metrics", cfg.MetricsListen,
		"max_concurrent", cfg.Queue.MaxConcurrent,
		"review", cfg.Review.Enabled,
	)

	err = group.Wait()
	log.Info("shut down")
	return err
}

// reasoners builds the primary and backup review services from whichever API
// keys are configured. Either may be nil.
func reasoners(ctx context.Context, cfg config.ReviewConfig, httpClient *http.Client) (primary, backup reasoning.Reasoner, err error) {
	if cfg.OpenAIAPIKey != "" {
		primary = reasoning.NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, httpClient)
	}
	if cfg.GeminiAPIKey != "" {
		gemini, err := reasoning.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, nil, err
		}
		backup = gemini
	}
	if primary == nil {
		primary, backup = backup, nil
	}
	return primary, backup, nil
}

type failedTask struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Error      string    `json:"error"`
}

func serveMetrics(ctx context.Context, addr string, healthy func() bool, tasks *queue.Queue, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/debug/queue", func(w http.ResponseWriter, _ *http.Request) {
		var failed []failedTask
		for _, t := range tasks.Failed() {
			ft := failedTask{ID: t.ID, Name: t.Name, Attempts: t.Attempts, EnqueuedAt: t.EnqueuedAt}
			if t.LastError != nil {
				ft.Error = t.LastError.Error()
			}
			failed = append(failed, ft)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Stats  queue.Stats  `json:"stats"`
			Failed []failedTask `json:"failed"`
		}{tasks.Stats(), failed})
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infow("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
