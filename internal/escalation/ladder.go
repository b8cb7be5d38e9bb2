package escalation

import (
	"fmt"
	"time"
)

// MaxTimeout is the longest timeout the platform accepts. Repeat offenders
// beyond the top rung stay at this duration; timeouts are not reapplied when
// they lapse.
const MaxTimeout = 28 * 24 * time.Hour

// ladder is indexed by violation count; counts past the end use the last rung.
var ladder = []time.Duration{
	0,
	5 * time.Minute,
	12 * time.Hour,
	7 * 24 * time.Hour,
	7 * 24 * time.Hour,
	MaxTimeout,
}

// Ladder returns the timeout for a member's n-th violation. It is zero for
// n <= 0, never decreases with n, and never exceeds MaxTimeout.
func Ladder(n int) time.Duration {
	switch {
	case n <= 0:
		return 0
	case n >= len(ladder):
		return ladder[len(ladder)-1]
	default:
		return ladder[n]
	}
}

// FormatDuration renders d the way notices show it: whole minutes below an
// hour, whole hours below a day, whole days otherwise.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%d 分鐘", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d 小時", int(d/time.Hour))
	default:
		return fmt.Sprintf("%d 天", int(d/(24*time.Hour)))
	}
}
