package tracker

import (
	"errors"
	"time"
)

// Status is the lifecycle state of one action execution.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
	StatusTimedOut  Status = "TimedOut"
)

var (
	ErrNotFound          = errors.New("invocation not found")
	ErrDuplicate         = errors.New("invocation already recorded")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusSucceeded, StatusFailed, StatusTimedOut:
		return 2
	}
	return -1
}

// Invocation is the runtime record of one action execution.
type Invocation struct {
	ID               string     `json:"id"`
	Playbook         string     `json:"playbook"`
	PlaybookIndex    int        `json:"playbookIndex"`
	ActionIndex      int        `json:"actionIndex"`
	Action           string     `json:"action"`
	AlertName        string     `json:"alertName"`
	AlertFingerprint string     `json:"alertFingerprint"`
	JobName          string     `json:"jobName,omitempty"`
	Namespace        string     `json:"namespace,omitempty"`
	Status           Status     `json:"status"`
	Detached         bool       `json:"detached"`
	Error            string     `json:"error,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
}

// Duration is the time spent so far, or in total once ended.
func (inv Invocation) Duration() time.Duration {
	if inv.EndedAt != nil {
		return inv.EndedAt.Sub(inv.StartedAt)
	}
	return time.Since(inv.StartedAt)
}

func (inv Invocation) clone() Invocation {
	if inv.EndedAt != nil {
		t := *inv.EndedAt
		inv.EndedAt = &t
	}
	return inv
}
