// Package gate is the entry point for chat messages. It filters out messages
// that need no review, queues the rest, and runs the moderation pipeline for
// each queued message: classify, check URLs, arbitrate, delete, escalate.
package gate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/guardian/internal/arbiter"
	"github.com/whisper/guardian/internal/classifier"
	"github.com/whisper/guardian/internal/escalation"
	"github.com/whisper/guardian/internal/messaging"
	"github.com/whisper/guardian/internal/metrics"
	"github.com/whisper/guardian/internal/platform"
	"github.com/whisper/guardian/internal/queue"
	"github.com/whisper/guardian/internal/urlsafety"
)

// CategoryUnsafeURL is added to the categories when a message links to an
// unsafe URL.
const CategoryUnsafeURL = "unsafe_url"

// Decision is the pipeline's conclusion for a message.
type Decision string

const (
	DecisionClean         Decision = "clean"
	DecisionViolation     Decision = "violation"
	DecisionFalsePositive Decision = "false_positive"
)

// URLChecker is satisfied by urlsafety.Checker.
type URLChecker interface {
	CheckText(ctx context.Context, text string) (bool, map[string]*urlsafety.Result)
}

// Arbitrator is satisfied by arbiter.Arbiter.
type Arbitrator interface {
	Arbitrate(ctx context.Context, content string, categories []string, history []string) arbiter.Verdict
}

// Escalator is satisfied by escalation.Engine.
type Escalator interface {
	ConfirmViolation(ctx context.Context, off escalation.Offense) (escalation.Outcome, error)
}

// Enqueuer is satisfied by queue.Queue.
type Enqueuer interface {
	Enqueue(name string, fn queue.Func) (string, error)
}

// Config controls the gate.
type Config struct {
	BypassUserIDs []string
	BypassRoleIDs []string

	// ReviewEnabled sends classifier hits through the arbiter. When off,
	// every hit is a violation.
	ReviewEnabled   bool
	ContextMessages int

	DeleteRetries    int
	DeleteBackoff    time.Duration
	DeleteMaxBackoff time.Duration
}

// Report is what Process concluded and did for one message.
type Report struct {
	Decision   Decision
	Categories []string
	URLResults map[string]*urlsafety.Result
	Verdict    *arbiter.Verdict
	Deleted    bool
	Outcome    *escalation.Outcome
}

// Gate wires the pipeline together.
type Gate struct {
	cfg        Config
	queue      Enqueuer
	classifier classifier.Classifier
	urls       URLChecker
	arbiter    Arbitrator
	escalator  Escalator
	platform   platform.Platform
	history    *History
	logger     *zap.SugaredLogger

	bypassUsers map[string]struct{}
	bypassRoles map[string]struct{}

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Gate.
func New(cfg Config, q Enqueuer, c classifier.Classifier, urls URLChecker, arb Arbitrator, esc Escalator, p platform.Platform, logger *zap.SugaredLogger) *Gate {
	if cfg.DeleteRetries < 1 {
		cfg.DeleteRetries = 3
	}
	if cfg.DeleteBackoff <= 0 {
		cfg.DeleteBackoff = time.Second
	}
	if cfg.DeleteMaxBackoff <= 0 {
		cfg.DeleteMaxBackoff = 10 * time.Second
	}
	g := &Gate{
		cfg:         cfg,
		queue:       q,
		classifier:  c,
		urls:        urls,
		arbiter:     arb,
		escalator:   esc,
		platform:    p,
		history:     NewHistory(cfg.ContextMessages),
		logger:      logger,
		bypassUsers: toSet(cfg.BypassUserIDs),
		bypassRoles: toSet(cfg.BypassRoleIDs),
		sleep:       sleepCtx,
	}
	return g
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

// HandleEvent decodes a gateway payload received on subject and passes it to
// HandleMessage. Bad payloads are logged and dropped.
func (g *Gate) HandleEvent(subject string, data []byte) {
	ev, err := platform.DecodeMessageEvent(data)
	if err != nil {
		g.logger.Warnw("dropping malformed event", "subject", subject, "error", err)
		return
	}
	ev.Edited = ev.Edited || subject == messaging.SubjectMessageEdited
	if _, err := g.HandleMessage(ev); err != nil {
		g.logger.Errorw("failed to queue message", "message", ev.Ref.MessageID, "error", err)
	}
}

// HandleMessage queues a message for moderation. It returns false without
// queueing for bypassed authors and messages with nothing to check. Edited
// messages are handled exactly like new ones.
func (g *Gate) HandleMessage(ev platform.MessageEvent) (bool, error) {
	if g.bypassed(ev.Author) {
		metrics.MessagesTotal.WithLabelValues("bypassed").Inc()
		return false, nil
	}
	if strings.TrimSpace(ev.Content) == "" && len(ev.ImageURLs()) == 0 {
		metrics.MessagesTotal.WithLabelValues("empty").Inc()
		return false, nil
	}

	// Context is what the channel looked like before this message.
	history := Lines(g.history.Get(ev.Ref.ChannelID))
	if !ev.Edited {
		g.history.Add(ev.Ref.ChannelID, HistoryEntry{Author: authorName(ev.Author), Text: ev.Content})
	}

	_, err := g.queue.Enqueue("moderate:"+ev.Ref.MessageID, func(ctx context.Context) error {
		_, err := g.Process(ctx, ev, history)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("gate: enqueue: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("queued").Inc()
	return true, nil
}

func (g *Gate) bypassed(a platform.Author) bool {
	if a.Bot {
		return true
	}
	if _, ok := g.bypassUsers[a.ID]; ok {
		return true
	}
	return slices.ContainsFunc(a.RoleIDs, func(id string) bool {
		_, ok := g.bypassRoles[id]
		return ok
	})
}

func authorName(a platform.Author) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.ID
}

// Process runs the pipeline for one message. An error means the message
// should be retried; every policy decision is returned in the Report.
func (g *Gate) Process(ctx context.Context, ev platform.MessageEvent, history []string) (Report, error) {
	cls, err := g.classifier.Classify(ctx, ev.Content, ev.ImageURLs())
	if err != nil {
		return Report{}, fmt.Errorf("gate: classify: %w", err)
	}

	var (
		unsafeURL  bool
		urlResults map[string]*urlsafety.Result
	)
	if g.urls != nil && ev.Content != "" {
		unsafeURL, urlResults = g.urls.CheckText(ctx, ev.Content)
	}

	categories := cls.FlaggedCategories()
	classifierHit := cls.Flagged || len(categories) > 0
	if unsafeURL {
		categories = append(categories, CategoryUnsafeURL)
	}

	rep := Report{Categories: categories, URLResults: urlResults}
	log := g.logger.With("message", ev.Ref.MessageID, "author", ev.Author.ID)

	if !classifierHit && !unsafeURL {
		rep.Decision = DecisionClean
		metrics.MessagesTotal.WithLabelValues("clean").Inc()
		return rep, nil
	}

	details := unsafeURLSummary(urlResults)
	if classifierHit && g.cfg.ReviewEnabled && g.arbiter != nil {
		v := g.arbiter.Arbitrate(ctx, ev.Content, categories, history)
		rep.Verdict = &v
		if !v.IsViolation {
			if !unsafeURL {
				rep.Decision = DecisionFalsePositive
				metrics.MessagesTotal.WithLabelValues("false_positive").Inc()
				log.Infow("flag overturned on review", "categories", categories, "source", v.Source, "reason", v.Reason)
				return rep, nil
			}
			// The text was fine but the link is not; punish the link only.
			rep.Categories = []string{CategoryUnsafeURL}
		} else {
			details = joinDetails(v.Reason, details)
		}
	}

	rep.Decision = DecisionViolation
	metrics.MessagesTotal.WithLabelValues("violation").Inc()
	log.Infow("violation confirmed", "categories", rep.Categories, "unsafe_url", unsafeURL)

	rep.Deleted = g.deleteMessage(ctx, ev.Ref)

	if g.escalator == nil {
		return rep, nil
	}
	out, err := g.escalator.ConfirmViolation(ctx, escalation.Offense{
		Member:     platform.MemberRef{GuildID: ev.Ref.GuildID, UserID: ev.Author.ID},
		MessageID:  ev.Ref.MessageID,
		ChannelID:  ev.Ref.ChannelID,
		Content:    ev.Content,
		Categories: rep.Categories,
		Details:    details,
	})
	if err != nil {
		return rep, fmt.Errorf("gate: escalate: %w", err)
	}
	rep.Outcome = &out
	return rep, nil
}

// deleteMessage removes the message, treating "already gone" as success and
// retrying throttled or failed calls with capped exponential backoff.
func (g *Gate) deleteMessage(ctx context.Context, ref platform.MessageRef) bool {
	backoff := g.cfg.DeleteBackoff
	for attempt := 1; ; attempt++ {
		err := g.platform.DeleteMessage(ctx, ref)
		switch {
		case err == nil:
			metrics.Enforcement.WithLabelValues("delete", "ok").Inc()
			return true
		case errors.Is(err, platform.ErrNotFound):
			metrics.Enforcement.WithLabelValues("delete", "not_found").Inc()
			return true
		case errors.Is(err, platform.ErrForbidden):
			metrics.Enforcement.WithLabelValues("delete", "forbidden").Inc()
			g.logger.Warnw("missing permission to delete message", "message", ref.MessageID, "channel", ref.ChannelID)
			return false
		}

		if attempt >= g.cfg.DeleteRetries {
			metrics.Enforcement.WithLabelValues("delete", "error").Inc()
			g.logger.Errorw("giving up deleting message", "message", ref.MessageID, "attempts", attempt, "error", err)
			return false
		}

		wait := backoff
		if ra := platform.RetryAfter(err); ra > wait {
			wait = ra
		}
		if wait > g.cfg.DeleteMaxBackoff {
			wait = g.cfg.DeleteMaxBackoff
		}
		g.logger.Warnw("delete failed, retrying", "message", ref.MessageID, "attempt", attempt, "wait", wait, "error", err)
		if err := g.sleep(ctx, wait); err != nil {
			return false
		}
		backoff *= 2
	}
}

func unsafeURLSummary(results map[string]*urlsafety.Result) string {
	var urls []string
	for u, r := range results {
		if r != nil && r.IsUnsafe {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return ""
	}
	slices.Sort(urls)
	return "unsafe urls: " + strings.Join(urls, ", ")
}

func joinDetails(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
