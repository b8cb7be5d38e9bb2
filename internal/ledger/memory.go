package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Ledger used in tests and when no database is
// configured.
type Memory struct {
	mu         sync.Mutex
	violations []Violation
	mutes      []Mute
	nextID     int64
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) AddViolation(_ context.Context, v Violation) (Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v.ID = m.id()
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	v.Categories = append([]string(nil), v.Categories...)
	m.violations = append(m.violations, v)
	return v, nil
}

func (m *Memory) CountViolations(_ context.Context, userID, guildID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, v := range m.violations {
		if v.UserID == userID && v.GuildID == guildID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) RecentViolations(_ context.Context, userID, guildID string, limit int) ([]Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Violation
	for i := len(m.violations) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		v := m.violations[i]
		if v.UserID == userID && v.GuildID == guildID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *Memory) AddMute(_ context.Context, mute Mute) (Mute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mute.ID = m.id()
	mute.Active = true
	m.mutes = append(m.mutes, mute)

	for i := len(m.violations) - 1; i >= 0; i-- {
		if m.violations[i].UserID == mute.UserID && m.violations[i].GuildID == mute.GuildID {
			m.violations[i].Muted = true
			break
		}
	}
	return mute, nil
}

func (m *Memory) ActiveMute(_ context.Context, userID, guildID string, now time.Time) (*Mute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.mutes) - 1; i >= 0; i-- {
		mute := &m.mutes[i]
		if mute.UserID != userID || mute.GuildID != guildID || !mute.Active {
			continue
		}
		if mute.Expired(now) {
			mute.Active = false
			return nil, nil
		}
		out := *mute
		return &out, nil
	}
	return nil, nil
}

func (m *Memory) ExpireMutes(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for i := range m.mutes {
		if m.mutes[i].Active && m.mutes[i].Expired(now) {
			m.mutes[i].Active = false
			n++
		}
	}
	return n, nil
}
