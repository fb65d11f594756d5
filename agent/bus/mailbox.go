package bus

import (
	"context"
	"sync"
)

// mailbox is a per-recipient multi-lane queue. Each lane is FIFO and lanes
// are drained strictly from critical down to normal.
type mailbox struct {
	mu     sync.Mutex
	lanes  [numPriorities][]*Message
	notify chan struct{}
	closed bool
	topics map[string]struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		topics: make(map[string]struct{}),
	}
}

func (m *mailbox) push(msg *Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	p := msg.Priority
	if !p.Valid() {
		p = PriorityNormal
	}
	m.lanes[p] = append(m.lanes[p], msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) pop() (*Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := numPriorities - 1; p >= 0; p-- {
		lane := m.lanes[p]
		if len(lane) == 0 {
			continue
		}
		msg := lane[0]
		lane[0] = nil
		m.lanes[p] = lane[1:]
		return msg, true
	}
	return nil, false
}

// wait blocks until a message is available, the mailbox closes or ctx ends.
func (m *mailbox) wait(ctx context.Context) (*Message, error) {
	for {
		if msg, ok := m.pop(); ok {
			return msg, nil
		}
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, errMailboxClosed
		}
		select {
		case <-m.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, lane := range m.lanes {
		n += len(lane)
	}
	return n
}

func (m *mailbox) laneLens() [numPriorities]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [numPriorities]int
	for i, lane := range m.lanes {
		out[i] = len(lane)
	}
	return out
}

// close drops queued messages and wakes any waiter. It returns how many
// messages were discarded.
func (m *mailbox) close() int {
	m.mu.Lock()
	dropped := 0
	if !m.closed {
		m.closed = true
		for i := range m.lanes {
			dropped += len(m.lanes[i])
			m.lanes[i] = nil
		}
	}
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (m *mailbox) subscribe(topic string) {
	m.mu.Lock()
	m.topics[topic] = struct{}{}
	m.mu.Unlock()
}

func (m *mailbox) unsubscribe(topic string) {
	m.mu.Lock()
	delete(m.topics, topic)
	m.mu.Unlock()
}

func (m *mailbox) subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.topics[topic]
	return ok
}
