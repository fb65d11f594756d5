package bus

import (
	"context"
	"sync"
)

// HistorySink mirrors delivered messages to external storage.
type HistorySink interface {
	Append(ctx context.Context, msg *Message) error
}

// HistoryFilter narrows a history lookup. Empty fields match everything.
type HistoryFilter struct {
	Sender    string
	Recipient string
	Type      string
	Limit     int
}

const defaultHistoryLimit = 100

// history is a fixed-size ring of delivered messages.
type history struct {
	mu    sync.RWMutex
	buf   []*Message
	next  int
	count int
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 1000
	}
	return &history{buf: make([]*Message, size)}
}

func (h *history) add(msg *Message) {
	h.mu.Lock()
	h.buf[h.next] = msg
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
	h.mu.Unlock()
}

func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// query returns the newest matching messages in delivery order.
func (h *history) query(f HistoryFilter) []*Message {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	matched := make([]*Message, 0, min(limit, h.count))
	for i := 0; i < h.count && len(matched) < limit; i++ {
		idx := (h.next - 1 - i + len(h.buf)) % len(h.buf)
		msg := h.buf[idx]
		if f.Sender != "" && msg.Sender != f.Sender {
			continue
		}
		if f.Recipient != "" && msg.Recipient != f.Recipient {
			continue
		}
		if f.Type != "" && msg.Type != f.Type {
			continue
		}
		matched = append(matched, msg)
	}

	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched
}
