package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Notification reports the outcome of one invocation.
type Notification struct {
	InvocationID string        `json:"invocationId"`
	AlertName    string        `json:"alertName"`
	Playbook     string        `json:"playbook"`
	Status       string        `json:"status"`
	Duration     time.Duration `json:"-"`
	JobName      string        `json:"jobName"`
	Namespace    string        `json:"namespace"`
	Message      string        `json:"message,omitempty"`
	LogTail      string        `json:"logTail,omitempty"`
}

// Notifier delivers notifications to an external channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	log.Info().
		Str("invocation", n.InvocationID).
		Str("alert", n.AlertName).
		Str("playbook", n.Playbook).
		Str("status", n.Status).
		Str("job", n.Namespace+"/"+n.JobName).
		Dur("duration", n.Duration).
		Str("message", n.Message).
		Msg("remediation notification")
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }
