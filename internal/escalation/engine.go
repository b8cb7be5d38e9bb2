// Package escalation turns confirmed violations into timeouts whose length
// grows with the member's violation count. A short-lived marker per member
// keeps a burst of correlated violations from being punished more than once.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/whisper/guardian/internal/ledger"
	"github.com/whisper/guardian/internal/metrics"
	"github.com/whisper/guardian/internal/platform"
)

// Offense is a confirmed violation to act on. MessageID identifies the
// offending message so a retried offense resumes instead of being counted
// twice.
type Offense struct {
	Member     platform.MemberRef
	MessageID  string
	ChannelID  string
	Content    string
	Categories []string
	Details    string
}

// Outcome describes what ConfirmViolation did.
type Outcome struct {
	// Deduplicated is true when the member was punished within the dedup
	// window; nothing was recorded or applied.
	Deduplicated bool

	ViolationCount int
	Duration       time.Duration
	Until          time.Time
	Justification  string

	// Muted is true when the platform accepted the timeout and a mute was
	// recorded.
	Muted bool
	Mute  *ledger.Mute

	// Replaced is the member's mute that was still running when this one was
	// applied, if any.
	Replaced *ledger.Mute
}

// Config controls how timeouts are retried.
type Config struct {
	TimeoutRetries    int
	TimeoutBackoff    time.Duration
	TimeoutMaxBackoff time.Duration
}

// pendingTimeout is a recorded violation whose timeout has not been applied.
type pendingTimeout struct {
	count         int
	justification string
}

// pendingTTL bounds how long a recorded violation waits for its timeout to
// be retried.
const pendingTTL = time.Hour

// Engine applies the escalation ladder.
type Engine struct {
	cfg      Config
	ledger   ledger.Ledger
	platform platform.Platform
	markers  MarkerStore
	pending  *expirable.LRU[string, pendingTimeout]
	logger   *zap.SugaredLogger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, l ledger.Ledger, p platform.Platform, markers MarkerStore, logger *zap.SugaredLogger) *Engine {
	if cfg.TimeoutRetries < 1 {
		cfg.TimeoutRetries = 3
	}
	if cfg.TimeoutBackoff <= 0 {
		cfg.TimeoutBackoff = time.Second
	}
	if cfg.TimeoutMaxBackoff <= 0 {
		cfg.TimeoutMaxBackoff = 30 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		ledger:   l,
		platform: p,
		markers:  markers,
		pending:  expirable.NewLRU[string, pendingTimeout](4096, nil, pendingTTL),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
}

func markerKey(m platform.MemberRef) string {
	return m.GuildID + ":" + m.UserID
}

func pendingKey(off Offense) string {
	return markerKey(off.Member) + ":" + off.MessageID
}

// ConfirmViolation records the offense and times the member out for the
// duration the ladder gives for their new violation count, then notifies them
// and the channel.
//
// Throttled or failed timeouts are retried with capped backoff. When the
// retries run out the dedup marker is released and an error is returned; the
// violation stays recorded, and a later call for the same message only
// retries the timeout. Permission failures are logged and end enforcement
// without an error.
func (e *Engine) ConfirmViolation(ctx context.Context, off Offense) (Outcome, error) {
	key := markerKey(off.Member)
	pkey := pendingKey(off)

	fresh, err := e.markers.Mark(ctx, key)
	if err != nil {
		// A broken marker store must not stop enforcement.
		e.logger.Warnw("dedup marker unavailable", "member", key, "error", err)
		fresh = true
	}
	if !fresh {
		// Whoever holds the marker punished the member already.
		e.pending.Remove(pkey)
		e.logger.Infow("member punished recently, skipping", "member", key)
		metrics.Enforcement.WithLabelValues("timeout", "deduplicated").Inc()
		return Outcome{Deduplicated: true}, nil
	}

	now := e.now()
	var out Outcome
	if p, ok := e.pending.Get(pkey); ok {
		out = Outcome{ViolationCount: p.count, Justification: p.justification}
		e.logger.Infow("retrying timeout for recorded violation", "member", key, "violations", p.count)
	} else {
		count, err := e.record(ctx, off, now)
		if err != nil {
			e.release(ctx, key)
			return Outcome{}, err
		}
		out = Outcome{ViolationCount: count, Justification: Justification(count, off.Categories)}
	}
	out.Duration = Ladder(out.ViolationCount)
	out.Until = now.Add(out.Duration)

	if out.Duration <= 0 {
		return out, nil
	}

	prev, err := e.ledger.ActiveMute(ctx, off.Member.UserID, off.Member.GuildID, now)
	if err != nil {
		e.logger.Warnw("look up active mute", "member", key, "error", err)
	}
	out.Replaced = prev

	if err := e.timeout(ctx, off.Member, out.Until, auditReason(out.ViolationCount)); err != nil {
		if errors.Is(err, platform.ErrForbidden) || errors.Is(err, platform.ErrNotFound) {
			e.pending.Remove(pkey)
			return out, nil
		}
		e.pending.Add(pkey, pendingTimeout{count: out.ViolationCount, justification: out.Justification})
		e.release(ctx, key)
		return out, fmt.Errorf("escalation: timeout member: %w", err)
	}
	e.pending.Remove(pkey)
	metrics.Enforcement.WithLabelValues("timeout", "ok").Inc()
	metrics.MutesApplied.Observe(out.Duration.Seconds())

	end := out.Until
	mute, err := e.ledger.AddMute(ctx, ledger.Mute{
		UserID:         off.Member.UserID,
		GuildID:        off.Member.GuildID,
		Start:          now,
		End:            &end,
		ViolationCount: out.ViolationCount,
		Active:         true,
	})
	if err != nil {
		return out, fmt.Errorf("escalation: record mute: %w", err)
	}
	out.Muted = true
	out.Mute = &mute

	e.logger.Infow("member timed out",
		"member", key,
		"violations", out.ViolationCount,
		"duration", out.Duration,
		"categories", off.Categories,
		"replaced_mute", out.Replaced != nil,
	)

	e.notify(ctx, off, out)
	return out, nil
}

// record appends the violation and returns the member's new count.
func (e *Engine) record(ctx context.Context, off Offense, now time.Time) (int, error) {
	if _, err := e.ledger.AddViolation(ctx, ledger.Violation{
		UserID:     off.Member.UserID,
		GuildID:    off.Member.GuildID,
		Timestamp:  now,
		Content:    off.Content,
		Categories: off.Categories,
		Details:    off.Details,
	}); err != nil {
		return 0, fmt.Errorf("escalation: record violation: %w", err)
	}

	count, err := e.ledger.CountViolations(ctx, off.Member.UserID, off.Member.GuildID)
	if err != nil {
		return 0, fmt.Errorf("escalation: count violations: %w", err)
	}
	if count > 1 {
		e.logRecent(ctx, off.Member)
	}
	return count, nil
}

// timeout applies a platform timeout, retrying throttled and failed calls
// with capped exponential backoff that honours the platform's retry-after.
// Permission and not-found errors are returned at once.
func (e *Engine) timeout(ctx context.Context, member platform.MemberRef, until time.Time, reason string) error {
	backoff := e.cfg.TimeoutBackoff
	for attempt := 1; ; attempt++ {
		err := e.platform.TimeoutMember(ctx, member, until, reason)
		if err == nil {
			return nil
		}
		if errors.Is(err, platform.ErrForbidden) || errors.Is(err, platform.ErrNotFound) {
			e.logEnforcementError("timeout", markerKey(member), err)
			return err
		}
		if attempt >= e.cfg.TimeoutRetries {
			e.logEnforcementError("timeout", markerKey(member), err)
			return err
		}

		wait := backoff
		if ra := platform.RetryAfter(err); ra > wait {
			wait = ra
		}
		if wait > e.cfg.TimeoutMaxBackoff {
			wait = e.cfg.TimeoutMaxBackoff
		}
		e.logger.Warnw("timeout failed, retrying", "member", markerKey(member), "attempt", attempt, "wait", wait, "error", err)
		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
		backoff *= 2
	}
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

func (e *Engine) notify(ctx context.Context, off Offense, out Outcome) {
	dm := platform.Notice{
		Title: "禁言通知",
		Body:  "您已被暫時禁言。",
		Fields: []platform.NoticeField{
			{Name: "禁言時間", Value: FormatDuration(out.Duration)},
			{Name: "原因", Value: out.Justification},
		},
	}
	if err := e.platform.NotifyUserDM(ctx, off.Member.UserID, dm); err != nil {
		e.logEnforcementError("notify_dm", markerKey(off.Member), err)
	} else {
		metrics.Enforcement.WithLabelValues("notify_dm", "ok").Inc()
	}

	if off.ChannelID == "" {
		return
	}
	notice := platform.Notice{
		Title: "內容審核",
		Body:  fmt.Sprintf("<@%s> 的訊息因違反社群規範已被移除，並已被禁言 %s。", off.Member.UserID, FormatDuration(out.Duration)),
		Fields: []platform.NoticeField{
			{Name: "原因", Value: out.Justification},
		},
	}
	if err := e.platform.NotifyChannel(ctx, off.ChannelID, notice); err != nil {
		e.logEnforcementError("notify_channel", markerKey(off.Member), err)
	} else {
		metrics.Enforcement.WithLabelValues("notify_channel", "ok").Inc()
	}
}

func (e *Engine) logEnforcementError(action, member string, err error) {
	switch {
	case errors.Is(err, platform.ErrForbidden):
		metrics.Enforcement.WithLabelValues(action, "forbidden").Inc()
		e.logger.Warnw("missing permission for enforcement action", "action", action, "member", member, "error", err)
	case errors.Is(err, platform.ErrNotFound):
		metrics.Enforcement.WithLabelValues(action, "not_found").Inc()
		e.logger.Infow("enforcement target gone", "action", action, "member", member)
	default:
		metrics.Enforcement.WithLabelValues(action, "error").Inc()
		e.logger.Errorw("enforcement action failed", "action", action, "member", member, "error", err)
	}
}

// logRecent gives operators the member's recent history next to a repeat
// offense.
func (e *Engine) logRecent(ctx context.Context, m platform.MemberRef) {
	recent, err := e.ledger.RecentViolations(ctx, m.UserID, m.GuildID, 3)
	if err != nil {
		e.logger.Warnw("load recent violations", "member", markerKey(m), "error", err)
		return
	}
	history := make([]string, 0, len(recent))
	for _, v := range recent {
		history = append(history, v.Timestamp.Format(time.RFC3339)+" "+strings.Join(v.Categories, ","))
	}
	e.logger.Infow("repeat offense", "member", markerKey(m), "recent", history)
}

func (e *Engine) release(ctx context.Context, key string) {
	if err := e.markers.Release(ctx, key); err != nil {
		e.logger.Warnw("release dedup marker", "member", key, "error", err)
	}
}

// SweepExpired deactivates mutes whose end has passed and returns how many
// changed. Platform timeouts lapse on their own; this keeps the ledger in
// step with them.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	n, err := e.ledger.ExpireMutes(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("escalation: expire mutes: %w", err)
	}
	if n > 0 {
		e.logger.Infow("expired mutes deactivated", "count", n)
	}
	return n, nil
}

// RunSweeper calls SweepExpired every interval until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("mute sweeper stopped")
			return
		case <-ticker.C:
			if _, err := e.SweepExpired(ctx); err != nil {
				e.logger.Errorw("mute sweep failed", "error", err)
			}
		}
	}
}
