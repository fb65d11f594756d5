package registry

import (
	"slices"
	"time"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusActive       Status = "active"
	StatusIdle         Status = "idle"
	StatusError        Status = "error"
	StatusUnregistered Status = "unregistered"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusIdle, StatusError, StatusUnregistered:
		return true
	}
	return false
}

// Capability distinguishes rule-based agents from LLM-backed ones.
type Capability string

const (
	CapabilityDeterministic Capability = "deterministic"
	CapabilityGenerative    Capability = "generative"
)

// Descriptor is what an agent declares when it registers.
type Descriptor struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Capability Capability        `json:"capability"`
	Kinds      []string          `json:"kinds,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Supports reports whether the agent declared the task kind. An agent with
// no declared kinds accepts everything.
func (d Descriptor) Supports(kind string) bool {
	return len(d.Kinds) == 0 || slices.Contains(d.Kinds, kind)
}

// Agent is an immutable snapshot of a registered agent.
type Agent struct {
	Descriptor

	Status              Status        `json:"status"`
	RegisteredAt        time.Time     `json:"registered_at"`
	LastHeartbeat       time.Time     `json:"last_heartbeat"`
	LastActivity        time.Time     `json:"last_activity,omitzero"`
	TasksAttempted      int64         `json:"tasks_attempted"`
	TasksSucceeded      int64         `json:"tasks_succeeded"`
	TasksFailed         int64         `json:"tasks_failed"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	TotalDuration       time.Duration `json:"total_duration"`
}

// SuccessRate is succeeded over attempted, or 1 when nothing ran yet.
func (a Agent) SuccessRate() float64 {
	if a.TasksAttempted == 0 {
		return 1
	}
	return float64(a.TasksSucceeded) / float64(a.TasksAttempted)
}

// AverageDuration is the mean task duration.
func (a Agent) AverageDuration() time.Duration {
	if a.TasksAttempted == 0 {
		return 0
	}
	return a.TotalDuration / time.Duration(a.TasksAttempted)
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Status     Status
	Capability Capability
	Kind       string
}

func (f Filter) match(a Agent) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Capability != "" && a.Capability != f.Capability {
		return false
	}
	return f.Kind == "" || a.Supports(f.Kind)
}
