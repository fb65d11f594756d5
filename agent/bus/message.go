package bus

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders delivery inside a mailbox. Higher values drain first.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

const numPriorities = 3

// Broadcast is the recipient marker used for broadcast messages.
const Broadcast = "*"

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the known tiers.
func (p Priority) Valid() bool {
	return p >= PriorityNormal && p <= PriorityCritical
}

// ParsePriority converts a name into a Priority. Unknown names map to normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Message is the unit carried by the bus. Payload is opaque to the bus.
type Message struct {
	ID            string    `json:"id"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Priority      Priority  `json:"priority"`
	Type          string    `json:"type"`
	Topic         string    `json:"topic,omitempty"`
	Payload       any       `json:"payload,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	DeliveredAt   time.Time `json:"delivered_at,omitempty"`
}

// IsReply reports whether the message answers an earlier request.
func (m *Message) IsReply() bool {
	return m.ReplyTo != "" && m.CorrelationID != ""
}

// clone returns a shallow copy so each broadcast target owns its envelope.
func (m *Message) clone() *Message {
	c := *m
	return &c
}
