package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/guardian/internal/messaging"
)

// Action kinds, appended to messaging.SubjectPlatformAction.
const (
	ActionDelete  = "delete"
	ActionTimeout = "timeout"
	ActionNotify  = "notify_channel"
	ActionDM      = "notify_dm"
)

// Reply statuses sent back by the gateway.
const (
	StatusOK          = "ok"
	StatusNotFound    = "not_found"
	StatusForbidden   = "forbidden"
	StatusRateLimited = "rate_limited"
	StatusError       = "error"
)

// Requester is satisfied by messaging.Client.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

type actionRequest struct {
	RequestID string      `json:"request_id"`
	Kind      string      `json:"kind"`
	Message   *MessageRef `json:"message,omitempty"`
	Member    *MemberRef  `json:"member,omitempty"`
	ChannelID string      `json:"channel_id,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
	Until     *time.Time  `json:"until,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Notice    *Notice     `json:"notice,omitempty"`
}

type actionReply struct {
	RequestID    string `json:"request_id"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// NATSPlatform sends enforcement actions to the chat gateway over NATS
// request/reply. Each request carries a fresh ID so the gateway can drop
// duplicates.
type NATSPlatform struct {
	nc      Requester
	timeout time.Duration
}

// NewNATSPlatform creates the adapter. timeout bounds each request.
func NewNATSPlatform(nc Requester, timeout time.Duration) *NATSPlatform {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSPlatform{nc: nc, timeout: timeout}
}

func (p *NATSPlatform) DeleteMessage(ctx context.Context, ref MessageRef) error {
	return p.do(ctx, actionRequest{Kind: ActionDelete, Message: &ref})
}

func (p *NATSPlatform) TimeoutMember(ctx context.Context, member MemberRef, until time.Time, reason string) error {
	until = until.UTC()
	return p.do(ctx, actionRequest{Kind: ActionTimeout, Member: &member, Until: &until, Reason: reason})
}

func (p *NATSPlatform) NotifyChannel(ctx context.Context, channelID string, notice Notice) error {
	return p.do(ctx, actionRequest{Kind: ActionNotify, ChannelID: channelID, Notice: &notice})
}

func (p *NATSPlatform) NotifyUserDM(ctx context.Context, userID string, notice Notice) error {
	return p.do(ctx, actionRequest{Kind: ActionDM, UserID: userID, Notice: &notice})
}

func (p *NATSPlatform) do(ctx context.Context, req actionRequest) error {
	req.RequestID = uuid.NewString()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("platform: marshal %s: %w", req.Kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.nc.Request(ctx, messaging.SubjectPlatformAction+"."+req.Kind, data)
	if err != nil {
		return fmt.Errorf("platform: %s: %w", req.Kind, err)
	}

	var reply actionReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("platform: decode %s reply: %w", req.Kind, err)
	}
	return replyError(req.Kind, reply)
}

func replyError(kind string, reply actionReply) error {
	switch reply.Status {
	case StatusOK:
		return nil
	case StatusNotFound:
		return fmt.Errorf("platform: %s: %w", kind, ErrNotFound)
	case StatusForbidden:
		return fmt.Errorf("platform: %s: %w", kind, ErrForbidden)
	case StatusRateLimited:
		return fmt.Errorf("platform: %s: %w", kind, &RateLimitError{
			RetryAfter: time.Duration(reply.RetryAfterMS) * time.Millisecond,
		})
	case StatusError:
		return fmt.Errorf("platform: %s: %s", kind, reply.Error)
	default:
		return fmt.Errorf("platform: %s: unknown reply status %q", kind, reply.Status)
	}
}
