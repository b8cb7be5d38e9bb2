// Package messaging is the moderator's NATS connection. Chat events arrive on
// the chat.message.* subjects; enforcement actions go back to the platform
// gateway as request/reply on platform.action.<kind>.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects shared with the chat gateway.
const (
	SubjectMessageCreated = "chat.message.created"
	SubjectMessageEdited  = "chat.message.edited"
	SubjectPlatformAction = "platform.action" // + .<kind>

	// QueueGroupModerators spreads chat events across moderator replicas.
	QueueGroupModerators = "moderators"
)

// Config holds connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 retries forever
	DrainTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "guardian-moderator",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		DrainTimeout:  10 * time.Second,
	}
}

// Client owns the connection and every subscription made through it.
type Client struct {
	conn   *nats.Conn
	logger *zap.SugaredLogger

	mu   sync.Mutex
	subs map[string][]*nats.Subscription
}

// Connect dials the server. The first connection must succeed; later
// disconnects are retried according to cfg.
func Connect(cfg Config, logger *zap.SugaredLogger) (*Client, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnw("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infow("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Errorw("nats async error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", cfg.URL, err)
	}
	logger.Infow("nats connected", "url", nc.ConnectedUrl())

	return &Client{
		conn:   nc,
		logger: logger,
		subs:   make(map[string][]*nats.Subscription),
	}, nil
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Request sends data and waits for a single reply, bounded by ctx.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("messaging: request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// QueueSubscribe delivers each message on subject to one member of group.
func (c *Client) QueueSubscribe(subject, group string, handler nats.MsgHandler) error {
	sub, err := c.conn.QueueSubscribe(subject, group, handler)
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = append(c.subs[subject], sub)
	c.mu.Unlock()
	return nil
}

// SubscribeMessageEvents subscribes handler to created and edited chat
// messages. The handler gets the subject so it can tell the two apart.
func (c *Client) SubscribeMessageEvents(handler func(subject string, data []byte)) error {
	for _, subject := range []string{SubjectMessageCreated, SubjectMessageEdited} {
		err := c.QueueSubscribe(subject, QueueGroupModerators, func(msg *nats.Msg) {
			handler(msg.Subject, msg.Data)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe drops every subscription on subject.
func (c *Client) Unsubscribe(subject string) error {
	c.mu.Lock()
	subs := c.subs[subject]
	delete(c.subs, subject)
	c.mu.Unlock()

	if len(subs) == 0 {
		return fmt.Errorf("messaging: not subscribed to %s", subject)
	}
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("messaging: unsubscribe %s: %w", subject, err)
		}
	}
	return nil
}

// Close lets in-flight handlers finish, then closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	c.subs = make(map[string][]*nats.Subscription)
	c.mu.Unlock()

	if err := c.conn.Drain(); err != nil {
		c.logger.Warnw("nats drain", "error", err)
		c.conn.Close()
	}
}
