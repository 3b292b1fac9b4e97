package remediation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qiniu/remediator/internal/alerting/model"
	"github.com/qiniu/remediator/internal/alerting/service/jobrunner"
	"github.com/qiniu/remediator/internal/alerting/service/matcher"
	"github.com/qiniu/remediator/internal/alerting/service/notify"
	"github.com/qiniu/remediator/internal/alerting/service/playbook"
	"github.com/rs/zerolog/log"
)

// Policy decides how the actions matched by one alert are run.
type Policy string

const (
	// PolicySequential runs actions one after another in match order. A
	// failed action does not stop the ones after it.
	PolicySequential Policy = "sequential"
	// PolicyConcurrent starts all matched actions at once.
	PolicyConcurrent Policy = "concurrent"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicySequential:
		return PolicySequential, nil
	case PolicyConcurrent:
		return PolicyConcurrent, nil
	}
	return "", fmt.Errorf("unknown execution policy %q", s)
}

// Executor runs one run_job_from_alert action. *jobrunner.Runner implements it.
type Executor interface {
	Run(ctx context.Context, a *model.Alert, act *playbook.RunJobFromAlert, meta jobrunner.Meta) (*jobrunner.Result, error)
}

// Outcome is what happened to one matched action.
type Outcome struct {
	Playbook    string
	ActionIndex int
	Action      string
	// Result is nil when the action was skipped or never recorded.
	Result  *jobrunner.Result
	Skipped bool
	Err     error
}

// Requeuer takes back alerts that were received but never handled, so they
// survive a shutdown. *source.RedisQueue implements it.
type Requeuer interface {
	Requeue(ctx context.Context, raws ...model.RawAlert) error
}

const (
	defaultMaxInFlight   = 64
	defaultNotifyTimeout = 15 * time.Second
	defaultDrainTimeout  = 2 * time.Second
)

// Consumer takes alerts off a channel and drives each one through matching,
// execution and notification. Every alert gets its own goroutine; a failure
// in one pipeline never touches another.
type Consumer struct {
	Source   matcher.Source
	Executor Executor
	Notifier notify.Notifier
	Metrics  *Metrics
	Policy   Policy

	// MaxInFlight bounds the number of alerts handled at once.
	MaxInFlight int

	// Windows and ObservationPeriod enable post-success suppression. Both
	// must be set.
	Windows           ObservationWindowManager
	ObservationPeriod time.Duration

	NotifyTimeout time.Duration

	// Requeue receives the alerts left unhandled on shutdown. Without it
	// they are logged and dropped. DrainTimeout bounds how long Start keeps
	// reading ch for stragglers once ctx is done.
	Requeue      Requeuer
	DrainTimeout time.Duration
}

func NewConsumer(src matcher.Source, exec Executor, n notify.Notifier, m *Metrics) *Consumer {
	if n == nil {
		n = notify.LogNotifier{}
	}
	return &Consumer{
		Source:        src,
		Executor:      exec,
		Notifier:      n,
		Metrics:       m,
		Policy:        PolicySequential,
		MaxInFlight:   defaultMaxInFlight,
		NotifyTimeout: defaultNotifyTimeout,
		DrainTimeout:  defaultDrainTimeout,
	}
}

// Start consumes alerts until ctx is cancelled or ch is closed, then waits
// for the pipelines already running. Alerts received but not yet started
// when ctx is cancelled are handed to Requeue.
func (c *Consumer) Start(ctx context.Context, ch <-chan model.RawAlert) {
	if ch == nil {
		log.Warn().Msg("remediation consumer started without channel; no-op")
		return
	}
	limit := c.MaxInFlight
	if limit <= 0 {
		limit = defaultMaxInFlight
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			c.giveBack(ctx, c.drain(ch))
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				c.giveBack(ctx, append([]model.RawAlert{raw}, c.drain(ch)...))
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				c.giveBack(ctx, append([]model.RawAlert{raw}, c.drain(ch)...))
				return
			}
			wg.Add(1)
			go func(raw model.RawAlert) {
				defer wg.Done()
				defer func() { <-sem }()
				if _, err := c.Handle(ctx, raw); err != nil {
					log.Warn().Err(err).Str("alert", raw.Name).Msg("alert rejected")
				}
			}(raw)
		}
	}
}

// drain collects what is left in ch until it is closed or stays quiet for
// DrainTimeout. A producer that stops on the same ctx either requeues its
// last alert itself or delivers it here.
func (c *Consumer) drain(ch <-chan model.RawAlert) []model.RawAlert {
	wait := c.DrainTimeout
	if wait <= 0 {
		wait = defaultDrainTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	var pending []model.RawAlert
	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				return pending
			}
			pending = append(pending, raw)
		case <-timer.C:
			return pending
		}
	}
}

func (c *Consumer) giveBack(ctx context.Context, pending []model.RawAlert) {
	if len(pending) == 0 {
		return
	}
	if c.Requeue != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		err := c.Requeue.Requeue(rctx, pending...)
		if err == nil {
			log.Info().Int("alerts", len(pending)).Msg("requeued unhandled alerts on shutdown")
			return
		}
		log.Error().Err(err).Int("alerts", len(pending)).Msg("failed to requeue unhandled alerts")
	}
	for _, raw := range pending {
		log.Error().Str("alert", raw.Name).Str("status", raw.Status).Interface("labels", raw.Labels).
			Msg("dropping unhandled alert on shutdown")
	}
}

// Handle runs the whole pipeline for one alert. The only error it returns is
// a malformed alert; per-action failures are reported in the outcomes.
func (c *Consumer) Handle(ctx context.Context, raw model.RawAlert) ([]Outcome, error) {
	a, err := model.NewAlert(raw)
	if err != nil {
		c.Metrics.alert("malformed")
		return nil, err
	}

	matches := matcher.Evaluate(a, c.Source)
	if len(matches) == 0 {
		c.Metrics.alert("unmatched")
		log.Debug().Str("alert", a.Name()).Str("fingerprint", a.Fingerprint()).Msg("no playbook matched")
		return nil, nil
	}
	c.Metrics.alert("matched")
	log.Info().
		Str("alert", a.Name()).
		Str("status", string(a.Status())).
		Str("fingerprint", a.Fingerprint()).
		Int("actions", len(matches)).
		Msg("alert matched playbooks")

	outcomes := make([]Outcome, len(matches))
	if c.Policy == PolicyConcurrent {
		var wg sync.WaitGroup
		for i, m := range matches {
			wg.Add(1)
			go func(i int, m matcher.Match) {
				defer wg.Done()
				outcomes[i] = c.execute(ctx, a, m)
			}(i, m)
		}
		wg.Wait()
		return outcomes, nil
	}
	for i, m := range matches {
		outcomes[i] = c.execute(ctx, a, m)
	}
	return outcomes, nil
}

func (c *Consumer) execute(ctx context.Context, a *model.Alert, m matcher.Match) Outcome {
	out := Outcome{Playbook: m.Playbook.DisplayName(), ActionIndex: m.ActionIndex, Action: m.Action.Kind()}
	logger := log.With().
		Str("alert", a.Name()).
		Str("playbook", out.Playbook).
		Int("action_index", m.ActionIndex).
		Logger()

	act, ok := m.Action.(*playbook.RunJobFromAlert)
	if !ok {
		out.Err = fmt.Errorf("no executor for action kind %q", m.Action.Kind())
		logger.Error().Err(out.Err).Msg("skipping action")
		return out
	}

	key := WindowKey(a.Fingerprint(), m.Playbook.Index, m.ActionIndex)
	if c.observing() {
		if a.Status() == model.StatusResolved {
			if err := c.Windows.CancelObservation(ctx, key); err != nil {
				logger.Error().Err(err).Msg("failed to cancel observation window")
			}
		} else if w, err := c.Windows.CheckObservation(ctx, key); err != nil {
			logger.Error().Err(err).Msg("failed to check observation window")
		} else if w != nil {
			logger.Info().Str("invocation", w.InvocationID).Time("until", w.EndTime).Msg("action under observation, skipping")
			out.Skipped = true
			return out
		}
	}

	res, err := c.Executor.Run(ctx, a, act, jobrunner.Meta{
		Playbook:      out.Playbook,
		PlaybookIndex: m.Playbook.Index,
		ActionIndex:   m.ActionIndex,
	})
	out.Result, out.Err = res, err
	if res == nil {
		// nothing was recorded, so there is no invocation to report on
		logger.Error().Err(err).Msg("action could not be started")
		return out
	}
	c.Metrics.invocation(act.Kind(), res)

	if act.Notify {
		c.notify(ctx, a, out.Playbook, res)
	}
	if res.Outcome == jobrunner.OutcomeSucceeded && c.observing() {
		if err := c.Windows.StartObservation(ctx, key, res.Invocation.ID, c.ObservationPeriod); err != nil {
			logger.Error().Err(err).Msg("failed to start observation window")
		}
	}
	return out
}

func (c *Consumer) observing() bool {
	return c.Windows != nil && c.ObservationPeriod > 0
}

// notify sends exactly one notification for a recorded invocation. It still
// runs when ctx is already cancelled so that shutdown does not swallow it.
func (c *Consumer) notify(ctx context.Context, a *model.Alert, playbookName string, res *jobrunner.Result) {
	if c.Notifier == nil {
		return
	}
	timeout := c.NotifyTimeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	inv := res.Invocation
	n := notify.Notification{
		InvocationID: inv.ID,
		AlertName:    a.Name(),
		Playbook:     playbookName,
		Status:       string(res.Outcome),
		JobName:      inv.JobName,
		Namespace:    inv.Namespace,
		Message:      res.Message,
		LogTail:      res.LogTail,
	}
	if inv.EndedAt != nil {
		n.Duration = inv.Duration()
	}
	if err := c.Notifier.Notify(nctx, n); err != nil {
		log.Error().Err(err).Str("invocation", inv.ID).Str("status", n.Status).Msg("failed to deliver notification")
	}
}
