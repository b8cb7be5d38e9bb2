package gate

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxTrackedChannels bounds how many channels keep recent history.
const maxTrackedChannels = 4096

// HistoryEntry is one remembered message.
type HistoryEntry struct {
	Author string
	Text   string
}

// History stores the last N messages per channel in memory. Channels are
// evicted least-recently-used once maxTrackedChannels is reached.
type History struct {
	size     int
	mu       sync.Mutex
	channels *lru.Cache[string, *ringBuffer]
}

// ringBuffer is a fixed-size circular buffer of HistoryEntry.
type ringBuffer struct {
	items []HistoryEntry
	pos   int
	count int
}

// NewHistory keeps size messages per channel. size <= 0 disables history.
func NewHistory(size int) *History {
	cache, err := lru.New[string, *ringBuffer](maxTrackedChannels)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &History{size: size, channels: cache}
}

// Add appends a message to the channel's ring buffer, overwriting the oldest
// entry when full.
func (h *History) Add(channelID string, e HistoryEntry) {
	if h.size <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	rb, ok := h.channels.Get(channelID)
	if !ok {
		rb = &ringBuffer{items: make([]HistoryEntry, h.size)}
		h.channels.Add(channelID, rb)
	}

	rb.items[rb.pos] = e
	rb.pos = (rb.pos + 1) % h.size
	if rb.count < h.size {
		rb.count++
	}
}

// Get returns the channel's messages oldest first.
func (h *History) Get(channelID string) []HistoryEntry {
	if h.size <= 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	rb, ok := h.channels.Get(channelID)
	if !ok {
		return nil
	}

	out := make([]HistoryEntry, rb.count)
	start := (rb.pos - rb.count + h.size) % h.size
	for i := 0; i < rb.count; i++ {
		out[i] = rb.items[(start+i)%h.size]
	}
	return out
}

// Lines renders entries as "author: text" lines for a review prompt.
func Lines(entries []HistoryEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Author+": "+e.Text)
	}
	return out
}
