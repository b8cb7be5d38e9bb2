// Package platformtest provides an in-memory platform.Platform that records
// every action, for tests of components that enforce decisions.
package platformtest

import (
	"context"
	"sync"
	"time"

	"github.com/whisper/guardian/internal/platform"
)

// Timeout is a recorded TimeoutMember call.
type Timeout struct {
	Member platform.MemberRef
	Until  time.Time
	Reason string
}

// Notification is a recorded NotifyChannel or NotifyUserDM call.
type Notification struct {
	Target string
	Notice platform.Notice
}

// Recorder implements platform.Platform in memory. The *Err fields, when set,
// are returned by the matching action; DeleteErrs and TimeoutErrs are
// consumed one error per call before falling back to DeleteErr and
// TimeoutErr.
type Recorder struct {
	mu sync.Mutex

	Deleted  []platform.MessageRef
	Timeouts []Timeout
	Channel  []Notification
	DMs      []Notification

	DeleteCalls int
	DeleteErrs  []error
	DeleteErr   error

	TimeoutCalls int
	TimeoutErrs  []error
	TimeoutErr   error

	NotifyErr error
}

var _ platform.Platform = (*Recorder)(nil)

func (r *Recorder) DeleteMessage(_ context.Context, ref platform.MessageRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.DeleteCalls++
	if len(r.DeleteErrs) > 0 {
		err := r.DeleteErrs[0]
		r.DeleteErrs = r.DeleteErrs[1:]
		if err != nil {
			return err
		}
	} else if r.DeleteErr != nil {
		return r.DeleteErr
	}
	r.Deleted = append(r.Deleted, ref)
	return nil
}

func (r *Recorder) TimeoutMember(_ context.Context, member platform.MemberRef, until time.Time, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TimeoutCalls++
	if len(r.TimeoutErrs) > 0 {
		err := r.TimeoutErrs[0]
		r.TimeoutErrs = r.TimeoutErrs[1:]
		if err != nil {
			return err
		}
	} else if r.TimeoutErr != nil {
		return r.TimeoutErr
	}
	r.Timeouts = append(r.Timeouts, Timeout{Member: member, Until: until, Reason: reason})
	return nil
}

func (r *Recorder) NotifyChannel(_ context.Context, channelID string, notice platform.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.NotifyErr != nil {
		return r.NotifyErr
	}
	r.Channel = append(r.Channel, Notification{Target: channelID, Notice: notice})
	return nil
}

func (r *Recorder) NotifyUserDM(_ context.Context, userID string, notice platform.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.NotifyErr != nil {
		return r.NotifyErr
	}
	r.DMs = append(r.DMs, Notification{Target: userID, Notice: notice})
	return nil
}

// Counts returns the number of deletes, timeouts, channel notices and DMs
// recorded so far.
func (r *Recorder) Counts() (deletes, timeouts, channel, dms int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Deleted), len(r.Timeouts), len(r.Channel), len(r.DMs)
}
