// Package platform describes the chat platform the moderator acts on: the
// inbound message events and the enforcement actions it can call back.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means the target no longer exists. Deleting a message
	// that is already gone is treated as success by callers.
	ErrNotFound = errors.New("platform: not found")

	// ErrForbidden means the bot lacks permission for the action.
	ErrForbidden = errors.New("platform: forbidden")

	// ErrRateLimited means the platform throttled the call. Use
	// RetryAfter to read the suggested wait.
	ErrRateLimited = errors.New("platform: rate limited")
)

// RateLimitError is returned for throttled calls and matches ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("platform: rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfter returns the wait suggested by a rate-limit error, or zero.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// MessageRef identifies a posted message.
type MessageRef struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// MemberRef identifies a member of a guild.
type MemberRef struct {
	GuildID string `json:"guild_id"`
	UserID  string `json:"user_id"`
}

// Notice is a short embed-style message shown to members.
type Notice struct {
	Title  string        `json:"title"`
	Body   string        `json:"body"`
	Fields []NoticeField `json:"fields,omitempty"`
}

// NoticeField is one labeled line of a Notice.
type NoticeField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Platform is the set of actions the moderator can take.
type Platform interface {
	// DeleteMessage removes a message. It returns ErrNotFound when the
	// message is already gone.
	DeleteMessage(ctx context.Context, ref MessageRef) error

	// TimeoutMember mutes a member until the given time.
	TimeoutMember(ctx context.Context, member MemberRef, until time.Time, reason string) error

	// NotifyChannel posts a notice in a channel.
	NotifyChannel(ctx context.Context, channelID string, notice Notice) error

	// NotifyUserDM sends a notice to a member by direct message.
	NotifyUserDM(ctx context.Context, userID string, notice Notice) error
}
