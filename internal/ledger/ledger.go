// Package ledger records confirmed violations and the mutes applied for them,
// per (user, guild). Violations are append-only; the number of violations is
// what drives the escalation ladder.
package ledger

import (
	"context"
	"time"
)

// Violation is one confirmed policy violation.
type Violation struct {
	ID         int64
	UserID     string
	GuildID    string
	Timestamp  time.Time
	Content    string
	Categories []string
	Details    string
	Muted      bool
}

// Mute is a timeout applied to a member. End is nil for an open-ended mute.
type Mute struct {
	ID             int64
	UserID         string
	GuildID        string
	Start          time.Time
	End            *time.Time
	ViolationCount int
	Active         bool
}

// Expired reports whether the mute has an end time at or before now.
func (m Mute) Expired(now time.Time) bool {
	return m.End != nil && !m.End.After(now)
}

// Ledger is implemented by the Postgres store and the in-memory store.
type Ledger interface {
	// AddViolation appends a violation and returns it with its ID assigned.
	AddViolation(ctx context.Context, v Violation) (Violation, error)

	// CountViolations returns the number of violations recorded for the member.
	CountViolations(ctx context.Context, userID, guildID string) (int, error)

	// RecentViolations returns up to limit violations, newest first.
	RecentViolations(ctx context.Context, userID, guildID string, limit int) ([]Violation, error)

	// AddMute persists a mute and marks the member's latest violation muted.
	AddMute(ctx context.Context, m Mute) (Mute, error)

	// ActiveMute returns the member's current mute, or nil. A mute whose end
	// has passed is deactivated on read and not returned.
	ActiveMute(ctx context.Context, userID, guildID string, now time.Time) (*Mute, error)

	// ExpireMutes deactivates every active mute whose end is at or before now
	// and returns how many were changed.
	ExpireMutes(ctx context.Context, now time.Time) (int, error)
}
