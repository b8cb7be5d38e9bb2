package platform

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequester struct {
	subject string
	sent    actionRequest
	reply   actionReply
	err     error
}

func (f *fakeRequester) Request(_ context.Context, subject string, data []byte) ([]byte, error) {
	f.subject = subject
	if err := json.Unmarshal(data, &f.sent); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	f.reply.RequestID = f.sent.RequestID
	return json.Marshal(f.reply)
}

func TestNATSPlatform_ReplyMapping(t *testing.T) {
	tests := []struct {
		name    string
		reply   actionReply
		wantErr error
		retry   time.Duration
	}{
		{name: "ok", reply: actionReply{Status: StatusOK}},
		{name: "not found", reply: actionReply{Status: StatusNotFound}, wantErr: ErrNotFound},
		{name: "forbidden", reply: actionReply{Status: StatusForbidden}, wantErr: ErrForbidden},
		{name: "rate limited", reply: actionReply{Status: StatusRateLimited, RetryAfterMS: 1500}, wantErr: ErrRateLimited, retry: 1500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nc := &fakeRequester{reply: tt.reply}
			p := NewNATSPlatform(nc, time.Second)

			err := p.DeleteMessage(context.Background(), MessageRef{GuildID: "g", ChannelID: "c", MessageID: "m"})
			assert.Equal(t, "platform.action.delete", nc.subject)
			assert.NotEmpty(t, nc.sent.RequestID)
			require.NotNil(t, nc.sent.Message)
			assert.Equal(t, "m", nc.sent.Message.MessageID)

			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.retry, RetryAfter(err))
		})
	}
}

func TestNATSPlatform_Actions(t *testing.T) {
	nc := &fakeRequester{reply: actionReply{Status: StatusOK}}
	p := NewNATSPlatform(nc, time.Second)
	ctx := context.Background()

	until := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, p.TimeoutMember(ctx, MemberRef{GuildID: "g", UserID: "u"}, until, "spam"))
	assert.Equal(t, "platform.action.timeout", nc.subject)
	require.NotNil(t, nc.sent.Until)
	assert.True(t, until.Equal(*nc.sent.Until))
	assert.Equal(t, "spam", nc.sent.Reason)

	require.NoError(t, p.NotifyChannel(ctx, "c1", Notice{Title: "t"}))
	assert.Equal(t, "platform.action.notify_channel", nc.subject)
	assert.Equal(t, "c1", nc.sent.ChannelID)

	require.NoError(t, p.NotifyUserDM(ctx, "u1", Notice{Title: "t"}))
	assert.Equal(t, "platform.action.notify_dm", nc.subject)
	assert.Equal(t, "u1", nc.sent.UserID)
}

func TestNATSPlatform_TransportAndGatewayErrors(t *testing.T) {
	boom := errors.New("no responders")
	p := NewNATSPlatform(&fakeRequester{err: boom}, time.Second)
	assert.ErrorIs(t, p.NotifyUserDM(context.Background(), "u", Notice{}), boom)

	p = NewNATSPlatform(&fakeRequester{reply: actionReply{Status: StatusError, Error: "discord 500"}}, time.Second)
	assert.ErrorContains(t, p.NotifyUserDM(context.Background(), "u", Notice{}), "discord 500")

	p = NewNATSPlatform(&fakeRequester{reply: actionReply{Status: "weird"}}, time.Second)
	assert.ErrorContains(t, p.NotifyUserDM(context.Background(), "u", Notice{}), "unknown reply status")
}

func TestDecodeMessageEvent(t *testing.T) {
	data := []byte(`{
		"ref": {"guild_id": "g", "channel_id": "c", "message_id": "m"},
		"author": {"id": "u", "display_name": "Ann", "role_ids": ["r1"]},
		"content": "hello",
		"attachments": [
			{"url": "https://cdn/a.png", "content_type": "image/png"},
			{"url": "https://cdn/b.JPG", "filename": "b.JPG"},
			{"url": "https://cdn/c.zip", "content_type": "application/zip", "filename": "c.zip"}
		]
	}`)

	ev, err := DecodeMessageEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "hello", ev.Content)
	assert.Equal(t, []string{"https://cdn/a.png", "https://cdn/b.JPG"}, ev.ImageURLs())

	_, err = DecodeMessageEvent([]byte(`{"author":{"id":"u"}}`))
	assert.Error(t, err)
	_, err = DecodeMessageEvent([]byte(`{"ref":{"channel_id":"c","message_id":"m"}}`))
	assert.Error(t, err)
	_, err = DecodeMessageEvent([]byte(`not json`))
	assert.Error(t, err)
}
