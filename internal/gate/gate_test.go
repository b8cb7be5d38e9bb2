package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whisper/guardian/internal/arbiter"
	"github.com/whisper/guardian/internal/classifier"
	"github.com/whisper/guardian/internal/escalation"
	"github.com/whisper/guardian/internal/ledger"
	"github.com/whisper/guardian/internal/messaging"
	"github.com/whisper/guardian/internal/platform"
	"github.com/whisper/guardian/internal/platform/platformtest"
	"github.com/whisper/guardian/internal/queue"
	"github.com/whisper/guardian/internal/reasoning"
	"github.com/whisper/guardian/internal/urlsafety"
)

type fakeClassifier struct {
	result classifier.Result
	err    error
	calls  int
}

func (f *fakeClassifier) Classify(context.Context, string, []string) (classifier.Result, error) {
	f.calls++
	return f.result, f.err
}

func flagged(categories ...string) classifier.Result {
	r := classifier.Result{Flagged: true, Categories: map[string]bool{}}
	for _, c := range categories {
		r.Categories[c] = true
	}
	return r
}

type fakeURLs struct {
	unsafe  bool
	results map[string]*urlsafety.Result
}

func (f *fakeURLs) CheckText(context.Context, string) (bool, map[string]*urlsafety.Result) {
	return f.unsafe, f.results
}

type fakeArbiter struct {
	verdict arbiter.Verdict
	calls   int
	history []string
}

func (f *fakeArbiter) Arbitrate(_ context.Context, _ string, _ []string, history []string) arbiter.Verdict {
	f.calls++
	f.history = history
	return f.verdict
}

type captureQueue struct {
	names []string
	fns   []queue.Func
}

func (c *captureQueue) Enqueue(name string, fn queue.Func) (string, error) {
	c.names = append(c.names, name)
	c.fns = append(c.fns, fn)
	return name, nil
}

type fixture struct {
	gate     *Gate
	cls      *fakeClassifier
	urls     *fakeURLs
	arb      *fakeArbiter
	platform *platformtest.Recorder
	ledger   *ledger.Memory
	queue    *captureQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cls:      &fakeClassifier{result: classifier.Result{Categories: map[string]bool{}}},
		urls:     &fakeURLs{},
		arb:      &fakeArbiter{verdict: arbiter.Verdict{IsViolation: true, Reason: "insult", Source: arbiter.SourcePrimary}},
		platform: &platformtest.Recorder{},
		ledger:   ledger.NewMemory(),
		queue:    &captureQueue{},
	}
	logger := zap.NewNop().Sugar()
	esc := escalation.NewEngine(escalation.Config{TimeoutBackoff: time.Millisecond, TimeoutMaxBackoff: time.Millisecond}, f.ledger, f.platform, escalation.NewMemoryMarkers(64, 5*time.Minute), logger)
	f.gate = New(Config{
		BypassUserIDs:   []string{"admin"},
		BypassRoleIDs:   []string{"mods"},
		ReviewEnabled:   true,
		ContextMessages: 3,
		DeleteRetries:   3,
	}, f.queue, f.cls, f.urls, f.arb, esc, f.platform, logger)
	f.gate.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func message(id, content string) platform.MessageEvent {
	return platform.MessageEvent{
		Ref:     platform.MessageRef{GuildID: "g1", ChannelID: "c1", MessageID: id},
		Author:  platform.Author{ID: "u1", DisplayName: "Ann"},
		Content: content,
	}
}

func TestHandleMessage_Filters(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*platform.MessageEvent)
		queued bool
	}{
		{name: "normal", queued: true},
		{name: "bot", mutate: func(e *platform.MessageEvent) { e.Author.Bot = true }},
		{name: "bypass user", mutate: func(e *platform.MessageEvent) { e.Author.ID = "admin" }},
		{name: "bypass role", mutate: func(e *platform.MessageEvent) { e.Author.RoleIDs = []string{"x", "mods"} }},
		{name: "empty", mutate: func(e *platform.MessageEvent) { e.Content = "   " }},
		{
			name: "image only",
			mutate: func(e *platform.MessageEvent) {
				e.Content = ""
				e.Attachments = []platform.Attachment{{URL: "https://cdn/x.png", ContentType: "image/png"}}
			},
			queued: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ev := message("m1", "hello")
			if tt.mutate != nil {
				tt.mutate(&ev)
			}
			queued, err := f.gate.HandleMessage(ev)
			require.NoError(t, err)
			assert.Equal(t, tt.queued, queued)
			assert.Equal(t, tt.queued, len(f.queue.fns) == 1)
		})
	}
}

func TestHandleMessage_ContextWindow(t *testing.T) {
	f := newFixture(t)
	f.cls.result = flagged("harassment")

	for i, text := range []string{"one", "two", "three", "four"} {
		_, err := f.gate.HandleMessage(message(string(rune('a'+i)), text))
		require.NoError(t, err)
	}

	// The last task sees the three messages before it.
	require.Len(t, f.queue.fns, 4)
	require.NoError(t, f.queue.fns[3](context.Background()))
	assert.Equal(t, []string{"Ann: one", "Ann: two", "Ann: three"}, f.arb.history)
}

func TestHandleEvent_Edited(t *testing.T) {
	f := newFixture(t)
	f.gate.HandleEvent(messaging.SubjectMessageEdited, []byte(`{
		"ref": {"guild_id": "g1", "channel_id": "c1", "message_id": "m9"},
		"author": {"id": "u1"},
		"content": "edited text"
	}`))
	f.gate.HandleEvent(messaging.SubjectMessageCreated, []byte(`garbage`))

	assert.Equal(t, []string{"moderate:m9"}, f.queue.names)
	assert.Empty(t, f.gate.history.Get("c1"), "edits do not enter the context window")
}

func TestProcess_Clean(t *testing.T) {
	f := newFixture(t)

	rep, err := f.gate.Process(context.Background(), message("m1", "good morning"), nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionClean, rep.Decision)
	assert.Zero(t, f.arb.calls)
	assert.Zero(t, f.platform.DeleteCalls)
}

func TestProcess_FalsePositiveTakesNoAction(t *testing.T) {
	f := newFixture(t)
	f.cls.result = flagged("violence")
	f.arb.verdict = arbiter.Verdict{IsViolation: false, Reason: "this matches a song title", Source: arbiter.SourcePrimary}

	rep, err := f.gate.Process(context.Background(), message("m1", "Killing in the Name"), nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionFalsePositive, rep.Decision)
	assert.Equal(t, 1, f.arb.calls)

	deletes, timeouts, channel, dms := f.platform.Counts()
	assert.Zero(t, f.platform.DeleteCalls)
	assert.Zero(t, deletes+timeouts+channel+dms)

	n, err := f.ledger.CountViolations(context.Background(), "u1", "g1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcess_ConfirmedViolation(t *testing.T) {
	f := newFixture(t)
	f.cls.result = flagged("harassment")

	rep, err := f.gate.Process(context.Background(), message("m1", "you idiot"), nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionViolation, rep.Decision)
	assert.True(t, rep.Deleted)
	require.NotNil(t, rep.Outcome)
	assert.True(t, rep.Outcome.Muted)
	assert.Equal(t, 5*time.Minute, rep.Outcome.Duration)

	require.Len(t, f.platform.Deleted, 1)
	assert.Equal(t, "m1", f.platform.Deleted[0].MessageID)

	recent, err := f.ledger.RecentViolations(context.Background(), "u1", "g1", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, []string{"harassment"}, recent[0].Categories)
	assert.Equal(t, "insult", recent[0].Details)
}

func TestProcess_ThrottledTimeoutRetriedByQueue(t *testing.T) {
	f := newFixture(t)
	f.cls.result = flagged("harassment")
	throttled := &platform.RateLimitError{}
	f.platform.TimeoutErrs = []error{throttled, throttled, throttled}
	ctx := context.Background()

	_, err := f.gate.Process(ctx, message("m1", "you idiot"), nil)
	require.ErrorIs(t, err, platform.ErrRateLimited)

	rep, err := f.gate.Process(ctx, message("m1", "you idiot"), nil)
	require.NoError(t, err)
	require.NotNil(t, rep.Outcome)
	assert.True(t, rep.Outcome.Muted)
	assert.Equal(t, 1, rep.Outcome.ViolationCount)
	assert.Equal(t, 4, f.platform.TimeoutCalls)

	n, err := f.ledger.CountViolations(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcess_URLOnlySkipsArbitration(t *testing.T) {
	f := newFixture(t)
	f.urls.unsafe = true
	f.urls.results = map[string]*urlsafety.Result{
		"https://steam-gift.ru/claim": {URL: "https://steam-gift.ru/claim", IsUnsafe: true},
	}

	rep, err := f.gate.Process(context.Background(), message("m1", "free nitro https://steam-gift.ru/claim"), nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionViolation, rep.Decision)
	assert.Equal(t, []string{CategoryUnsafeURL}, rep.Categories)
	assert.Zero(t, f.arb.calls)
	assert.Equal(t, 1, f.platform.DeleteCalls)

	recent, err := f.ledger.RecentViolations(context.Background(), "u1", "g1", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "unsafe urls: https://steam-gift.ru/claim", recent[0].Details)
}

func TestProcess_OverturnedTextStillPunishesUnsafeURL(t *testing.T) {
	f := newFixture(t)
	f.cls.result = flagged("violence")
	f.urls.unsafe = true
	f.arb.verdict = arbiter.Verdict{IsViolation: false, Reason: "game talk"}

	rep, err := f.gate.Process(context.Background(), message("m1", "gg https://bad.example"), nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionViolation, rep.Decision)
	assert.Equal(t, []string{CategoryUnsafeURL}, rep.Categories)
}

func TestProcess_ReviewDisabled(t *testing.T) {
	f := newFixture(t)
	f.gate.cfg.ReviewEnabled = false
	f.cls.result = flagged("sexual")

	rep, err := f.gate.Process(context.Background(), message("m1", "nsfw"), nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionViolation, rep.Decision)
	assert.Zero(t, f.arb.calls)
}

func TestProcess_ClassifierErrorIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.cls.err = errors.New("503")

	_, err := f.gate.Process(context.Background(), message("m1", "x"), nil)
	assert.ErrorContains(t, err, "classify")
}

func TestProcess_DeleteIdempotence(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		deleted   bool
		wantCalls int
	}{
		{name: "already gone", errs: []error{platform.ErrNotFound}, deleted: true, wantCalls: 1},
		{name: "forbidden", errs: []error{platform.ErrForbidden}, deleted: false, wantCalls: 1},
		{
			name:      "rate limited then ok",
			errs:      []error{&platform.RateLimitError{RetryAfter: time.Second}, &platform.RateLimitError{}},
			deleted:   true,
			wantCalls: 3,
		},
		{
			name:      "keeps failing",
			errs:      []error{errors.New("500"), errors.New("500"), errors.New("500"), errors.New("500")},
			deleted:   false,
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.platform.DeleteErrs = tt.errs

			ok := f.gate.deleteMessage(context.Background(), platform.MessageRef{MessageID: "m1"})
			assert.Equal(t, tt.deleted, ok)
			assert.Equal(t, tt.wantCalls, f.platform.DeleteCalls)
		})
	}
}

func TestProcess_SeverePipelineEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.cls.result = flagged("harassment", "hate", "violence")

	reasoner := &countingReasoner{}
	f.gate.arbiter = arbiter.New(reasoner, nil, zap.NewNop().Sugar())

	rep, err := f.gate.Process(context.Background(), message("m1", "去死"), nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionViolation, rep.Decision)
	require.NotNil(t, rep.Verdict)
	assert.Equal(t, arbiter.SourceHeuristic, rep.Verdict.Source)
	assert.Zero(t, reasoner.calls)
}

type countingReasoner struct{ calls int }

func (c *countingReasoner) Name() string { return "counting" }

func (c *countingReasoner) Run(context.Context, reasoning.Prompt) (reasoning.Result, error) {
	c.calls++
	return reasoning.Result{Text: "FALSE_POSITIVE: x"}, nil
}

func TestHistory_Ring(t *testing.T) {
	h := NewHistory(2)
	assert.Empty(t, h.Get("c"))

	h.Add("c", HistoryEntry{Author: "a", Text: "1"})
	h.Add("c", HistoryEntry{Author: "b", Text: "2"})
	h.Add("c", HistoryEntry{Author: "c", Text: "3"})
	assert.Equal(t, []string{"b: 2", "c: 3"}, Lines(h.Get("c")))

	disabled := NewHistory(0)
	disabled.Add("c", HistoryEntry{Text: "x"})
	assert.Nil(t, disabled.Get("c"))
}
