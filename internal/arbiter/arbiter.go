// Package arbiter settles whether flagged content is a real violation. A
// keyword heuristic decides clear-cut cases; everything else goes to a
// primary reasoning service with one failover to a backup. Any path that
// cannot reach a confident answer resolves to a violation.
package arbiter

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/whisper/guardian/internal/metrics"
	"github.com/whisper/guardian/internal/reasoning"
)

// Source identifies which stage produced a verdict.
type Source string

const (
	SourceHeuristic Source = "heuristic"
	SourcePrimary   Source = "primary"
	SourceBackup    Source = "backup"
	SourceFallback  Source = "fallback"
)

const (
	maxReasonLen = 1000
	maxRawLen    = 300
	hintSnippet  = 200

	// minSevereCategories is how many categories must fire before a severe
	// term alone decides the case.
	minSevereCategories = 3
)

const (
	reasonUndetermined = "內容經AI評估但未能確定結果，基於安全考慮判定為違規。"
	reasonAmbiguous    = "無法確定是否為誤判，為安全起見視為違規。"
	reasonLikelyFP     = "內容可能是誤判。"
	reasonMarkedFP     = "這是一個誤判。"
	rawHeuristic       = "SEVERE_VIOLATION: Automatic detection"
	rawAllFailed       = "ERROR: All AI services failed to evaluate"
)

// Verdict is the outcome of arbitration.
type Verdict struct {
	IsViolation bool
	Reason      string
	Source      Source
	RawResponse string
}

// Arbiter runs the two-stage review. backup may be nil.
type Arbiter struct {
	primary reasoning.Reasoner
	backup  reasoning.Reasoner
	logger  *zap.SugaredLogger
}

// New creates an Arbiter.
func New(primary, backup reasoning.Reasoner, logger *zap.SugaredLogger) *Arbiter {
	return &Arbiter{primary: primary, backup: backup, logger: logger}
}

// parsed is one service's answer after interpretation. decided is false when
// the text carried neither a marker nor a hint.
type parsed struct {
	isViolation bool
	reason      string
	decided     bool
}

// Arbitrate reviews content flagged under categories. history holds recent
// channel messages, oldest first, for the reviewer's benefit.
func (a *Arbiter) Arbitrate(ctx context.Context, content string, categories []string, history []string) Verdict {
	v := a.arbitrate(ctx, content, categories, history)
	decision := "false_positive"
	if v.IsViolation {
		decision = "violation"
	}
	metrics.Verdicts.WithLabelValues(string(v.Source), decision).Inc()
	return v
}

func (a *Arbiter) arbitrate(ctx context.Context, content string, categories []string, history []string) Verdict {
	severe := containsSevereTerm(content)
	if len(categories) >= minSevereCategories && severe {
		a.logger.Infow("severe content decided without review", "categories", categories)
		return Verdict{
			IsViolation: true,
			Reason:      severeReason(categories),
			Source:      SourceHeuristic,
			RawResponse: rawHeuristic,
		}
	}

	prompt := reasoning.Prompt{System: systemPrompt, User: buildPrompt(content, categories, history)}

	var (
		ambiguous   *Verdict
		blankAnswer bool
	)
	for _, stage := range a.stages() {
		res, err := stage.reasoner.Run(ctx, prompt)
		if err != nil {
			a.logger.Warnw("reasoning call failed", "service", stage.reasoner.Name(), "error", err)
			continue
		}
		text := cleanResponse(res.Text)
		if text == "" {
			a.logger.Warnw("reasoning response empty after cleanup", "service", stage.reasoner.Name())
			blankAnswer = true
			continue
		}
		p := parseResponse(text)
		v := Verdict{
			IsViolation: p.isViolation,
			Reason:      truncate(p.reason, maxReasonLen),
			Source:      stage.source,
			RawResponse: truncate(text, maxRawLen),
		}
		if p.decided {
			return v
		}
		a.logger.Warnw("reasoning response had no verdict marker", "service", stage.reasoner.Name())
		if ambiguous == nil {
			ambiguous = &v
		}
	}

	if ambiguous != nil {
		ambiguous.Source = SourceFallback
		return *ambiguous
	}
	if blankAnswer {
		return Verdict{IsViolation: true, Reason: reasonUndetermined, Source: SourceFallback}
	}

	a.logger.Errorw("all reasoning services failed, defaulting to violation", "severe", severe)
	reason := "內容評估過程發生錯誤，"
	if severe {
		reason += "內容包含可能的嚴重違規，"
	}
	reason += "基於安全考慮判定為違規。"
	return Verdict{
		IsViolation: true,
		Reason:      reason,
		Source:      SourceFallback,
		RawResponse: rawAllFailed,
	}
}

type stage struct {
	reasoner reasoning.Reasoner
	source   Source
}

func (a *Arbiter) stages() []stage {
	var out []stage
	if a.primary != nil {
		out = append(out, stage{a.primary, SourcePrimary})
	}
	if a.backup != nil {
		out = append(out, stage{a.backup, SourceBackup})
	}
	return out
}

func severeReason(categories []string) string {
	shown := categories
	if len(shown) > 3 {
		shown = shown[:3]
	}
	return "內容包含明顯違規詞彙且同時觸發多種違規類型(" + strings.Join(shown, ", ") + "等)，經系統判定為違規。"
}

// cleanResponse strips whitespace and one layer of wrapping quotes.
func cleanResponse(text string) string {
	text = strings.TrimSpace(text)
	for _, pair := range [][2]string{{`"`, `"`}, {"'", "'"}, {"「", "」"}} {
		if len(text) >= len(pair[0])+len(pair[1]) && strings.HasPrefix(text, pair[0]) && strings.HasSuffix(text, pair[1]) {
			text = strings.TrimSpace(text[len(pair[0]) : len(text)-len(pair[1])])
		}
	}
	return text
}

func parseResponse(text string) parsed {
	if indexFold(text, "false_positive") >= 0 {
		if i := indexFold(text, "false_positive:"); i >= 0 {
			return parsed{reason: strings.TrimSpace(text[i+len("false_positive:"):]), decided: true}
		}
		return parsed{reason: reasonMarkedFP + text, decided: true}
	}
	if i := indexFold(text, "violation:"); i >= 0 {
		return parsed{isViolation: true, reason: strings.TrimSpace(text[i+len("violation:"):]), decided: true}
	}

	lower := strings.ToLower(text)
	for _, hint := range falsePositiveHints {
		if strings.Contains(lower, hint) {
			return parsed{reason: reasonLikelyFP + runePrefix(text, hintSnippet), decided: true}
		}
	}
	return parsed{isViolation: true, reason: reasonAmbiguous + runePrefix(text, hintSnippet)}
}

// indexFold is a case-insensitive strings.Index for an ASCII marker. Offsets
// refer to s itself, so s can be sliced with them.
func indexFold(s, marker string) int {
	for i := 0; i+len(marker) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(marker)], marker) {
			return i
		}
	}
	return -1
}

// truncate caps s at max runes, marking the cut with "...".
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func runePrefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
