package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whisper/guardian/internal/ledger"
	"github.com/whisper/guardian/internal/platform"
	"github.com/whisper/guardian/internal/platform/platformtest"
)

func TestLadder(t *testing.T) {
	tests := []struct {
		count int
		want  time.Duration
	}{
		{-1, 0},
		{0, 0},
		{1, 5 * time.Minute},
		{2, 12 * time.Hour},
		{3, 7 * 24 * time.Hour},
		{4, 7 * 24 * time.Hour},
		{5, 28 * 24 * time.Hour},
		{50, 28 * 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := Ladder(tt.count); got != tt.want {
			t.Errorf("Ladder(%d) = %s, want %s", tt.count, got, tt.want)
		}
	}
}

func TestLadder_MonotonicAndCapped(t *testing.T) {
	prev := time.Duration(0)
	for n := 0; n <= 100; n++ {
		d := Ladder(n)
		if d < prev {
			t.Fatalf("Ladder(%d) = %s is below Ladder(%d) = %s", n, d, n-1, prev)
		}
		if d > MaxTimeout {
			t.Fatalf("Ladder(%d) = %s exceeds %s", n, d, MaxTimeout)
		}
		prev = d
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5 分鐘", FormatDuration(5*time.Minute))
	assert.Equal(t, "12 小時", FormatDuration(12*time.Hour))
	assert.Equal(t, "7 天", FormatDuration(7*24*time.Hour))
	assert.Equal(t, "28 天", FormatDuration(MaxTimeout))
}

func TestJustification(t *testing.T) {
	got := Justification(1, []string{"harassment", "made-up"})
	assert.Equal(t, "**第一次違規**：5 分鐘禁言\n您違反了以下社群規範：\n- 禁止騷擾他人或發布冒犯性內容\n- 違反社群規範", got)

	got = Justification(7, []string{"unsafe_url"})
	assert.Contains(t, got, "**第五次或更多違規**：28 天禁言")
}

type fixture struct {
	engine   *Engine
	ledger   *ledger.Memory
	platform *platformtest.Recorder
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger:   ledger.NewMemory(),
		platform: &platformtest.Recorder{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(Config{}, f.ledger, f.platform, NewMemoryMarkers(128, 5*time.Minute), zap.NewNop().Sugar())
	f.engine.now = func() time.Time { return f.now }
	f.engine.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func offense(user string) Offense {
	return Offense{
		Member:     platform.MemberRef{GuildID: "g1", UserID: user},
		MessageID:  "m-" + user,
		ChannelID:  "c1",
		Content:    "bad words",
		Categories: []string{"harassment"},
	}
}

func TestConfirmViolation_FirstOffense(t *testing.T) {
	f := newFixture(t)

	out, err := f.engine.ConfirmViolation(context.Background(), offense("u1"))
	require.NoError(t, err)
	assert.False(t, out.Deduplicated)
	assert.True(t, out.Muted)
	assert.Equal(t, 1, out.ViolationCount)
	assert.Equal(t, 5*time.Minute, out.Duration)

	require.Len(t, f.platform.Timeouts, 1)
	assert.Equal(t, f.now.Add(5*time.Minute), f.platform.Timeouts[0].Until)
	assert.Equal(t, "內容審核 - 第 1 次違規", f.platform.Timeouts[0].Reason)

	_, _, channel, dms := f.platform.Counts()
	assert.Equal(t, 1, channel)
	assert.Equal(t, 1, dms)

	mute, err := f.ledger.ActiveMute(context.Background(), "u1", "g1", f.now)
	require.NoError(t, err)
	require.NotNil(t, mute)
	assert.Equal(t, 1, mute.ViolationCount)

	recent, err := f.ledger.RecentViolations(context.Background(), "u1", "g1", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Muted)
}

func TestConfirmViolation_DedupWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.ConfirmViolation(ctx, offense("u1"))
	require.NoError(t, err)
	second, err := f.engine.ConfirmViolation(ctx, offense("u1"))
	require.NoError(t, err)

	assert.False(t, first.Deduplicated)
	assert.True(t, second.Deduplicated)

	_, timeouts, channel, dms := f.platform.Counts()
	assert.Equal(t, 1, timeouts)
	assert.Equal(t, 1, channel)
	assert.Equal(t, 1, dms)

	n, err := f.ledger.CountViolations(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Another member is unaffected.
	other, err := f.engine.ConfirmViolation(ctx, offense("u2"))
	require.NoError(t, err)
	assert.False(t, other.Deduplicated)
}

func TestConfirmViolation_Escalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.ledger.AddViolation(ctx, ledger.Violation{UserID: "u1", GuildID: "g1", Categories: []string{"spam"}})
		require.NoError(t, err)
	}

	out, err := f.engine.ConfirmViolation(ctx, offense("u1"))
	require.NoError(t, err)
	assert.Equal(t, 3, out.ViolationCount)
	assert.Equal(t, 7*24*time.Hour, out.Duration)
	assert.Contains(t, out.Justification, "第三次違規")
}

func TestConfirmViolation_ReportsReplacedMute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	end := f.now.Add(time.Hour)
	running, err := f.ledger.AddMute(ctx, ledger.Mute{UserID: "u1", GuildID: "g1", Start: f.now.Add(-time.Hour), End: &end, ViolationCount: 1, Active: true})
	require.NoError(t, err)

	out, err := f.engine.ConfirmViolation(ctx, offense("u1"))
	require.NoError(t, err)
	require.NotNil(t, out.Replaced)
	assert.Equal(t, running.ID, out.Replaced.ID)
	assert.True(t, out.Muted)
}

func TestConfirmViolation_ForbiddenTimeout(t *testing.T) {
	f := newFixture(t)
	f.platform.TimeoutErr = platform.ErrForbidden

	out, err := f.engine.ConfirmViolation(context.Background(), offense("u1"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.platform.TimeoutCalls)
	assert.False(t, out.Muted)
	assert.Equal(t, 1, out.ViolationCount)

	_, _, channel, dms := f.platform.Counts()
	assert.Zero(t, channel)
	assert.Zero(t, dms)

	mute, err := f.ledger.ActiveMute(context.Background(), "u1", "g1", f.now)
	require.NoError(t, err)
	assert.Nil(t, mute)
}

func TestConfirmViolation_RateLimitedTimeoutRetried(t *testing.T) {
	f := newFixture(t)
	var waits []time.Duration
	f.engine.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	f.platform.TimeoutErrs = []error{&platform.RateLimitError{RetryAfter: 4 * time.Second}}

	out, err := f.engine.ConfirmViolation(context.Background(), offense("u1"))
	require.NoError(t, err)
	assert.True(t, out.Muted)
	assert.Equal(t, 2, f.platform.TimeoutCalls)
	assert.Equal(t, []time.Duration{4 * time.Second}, waits)
	require.Len(t, f.platform.Timeouts, 1)
}

func TestConfirmViolation_TimeoutRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.platform.TimeoutErr = &platform.RateLimitError{RetryAfter: time.Minute}

	out, err := f.engine.ConfirmViolation(ctx, offense("u1"))
	require.ErrorIs(t, err, platform.ErrRateLimited)
	assert.False(t, out.Muted)
	assert.Equal(t, 3, f.platform.TimeoutCalls)

	// The queue retries the task: only the timeout is attempted again.
	f.platform.TimeoutErr = nil
	out, err = f.engine.ConfirmViolation(ctx, offense("u1"))
	require.NoError(t, err)
	assert.False(t, out.Deduplicated)
	assert.True(t, out.Muted)
	assert.Equal(t, 1, out.ViolationCount)
	require.Len(t, f.platform.Timeouts, 1)
	assert.Equal(t, f.now.Add(5*time.Minute), f.platform.Timeouts[0].Until)

	n, err := f.ledger.CountViolations(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The member is now inside the dedup window.
	again, err := f.engine.ConfirmViolation(ctx, offense("u1"))
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
}

func TestConfirmViolation_TimeoutBackoffCapped(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg = Config{TimeoutRetries: 4, TimeoutBackoff: time.Second, TimeoutMaxBackoff: 3 * time.Second}
	var waits []time.Duration
	f.engine.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	f.platform.TimeoutErr = errors.New("gateway 502")

	_, err := f.engine.ConfirmViolation(context.Background(), offense("u1"))
	require.Error(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, waits)
}

func TestConfirmViolation_NotifyFailureIgnored(t *testing.T) {
	f := newFixture(t)
	f.platform.NotifyErr = platform.ErrForbidden

	out, err := f.engine.ConfirmViolation(context.Background(), offense("u1"))
	require.NoError(t, err)
	assert.True(t, out.Muted)
}

type failingLedger struct {
	ledger.Ledger
}

func (failingLedger) AddViolation(context.Context, ledger.Violation) (ledger.Violation, error) {
	return ledger.Violation{}, errors.New("db down")
}

func TestConfirmViolation_LedgerFailureReleasesMarker(t *testing.T) {
	f := newFixture(t)
	markers := NewMemoryMarkers(16, time.Minute)
	e := NewEngine(Config{}, failingLedger{Ledger: f.ledger}, f.platform, markers, zap.NewNop().Sugar())

	_, err := e.ConfirmViolation(context.Background(), offense("u1"))
	assert.ErrorContains(t, err, "db down")

	fresh, err := markers.Mark(context.Background(), "g1:u1")
	require.NoError(t, err)
	assert.True(t, fresh, "marker should have been released")
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ConfirmViolation(ctx, offense("u1"))
	require.NoError(t, err)

	n, err := f.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.now = f.now.Add(6 * time.Minute)
	n, err = f.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryMarkers_Expire(t *testing.T) {
	m := NewMemoryMarkers(16, 50*time.Millisecond)
	ctx := context.Background()

	ok, _ := m.Mark(ctx, "k")
	assert.True(t, ok)
	ok, _ = m.Mark(ctx, "k")
	assert.False(t, ok)

	time.Sleep(120 * time.Millisecond)
	ok, _ = m.Mark(ctx, "k")
	assert.True(t, ok)
}

func TestRedisMarkers(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.Del(ctx, MarkerPrefix+"test_g:test_u")
		client.Close()
	})

	m := NewRedisMarkers(client, time.Minute)
	require.NoError(t, m.Release(ctx, "test_g:test_u"))

	ok, err := m.Mark(ctx, "test_g:test_u")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Mark(ctx, "test_g:test_u")
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.TTL(ctx, MarkerPrefix+"test_g:test_u").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	require.NoError(t, m.Release(ctx, "test_g:test_u"))
	ok, err = m.Mark(ctx, "test_g:test_u")
	require.NoError(t, err)
	assert.True(t, ok)
}
