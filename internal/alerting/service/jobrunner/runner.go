package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/remediator/internal/alerting/model"
	"github.com/qiniu/remediator/internal/alerting/service/playbook"
	"github.com/qiniu/remediator/internal/alerting/service/tracker"
	"github.com/rs/zerolog/log"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
)

// Outcome is what Run reports back for one action.
type Outcome string

const (
	OutcomeSubmitted Outcome = "Submitted"
	OutcomeSucceeded Outcome = "Succeeded"
	OutcomeFailed    Outcome = "Failed"
	OutcomeTimedOut  Outcome = "TimedOut"
)

var (
	// ErrTimeout is returned when the job is not finished within the
	// action's completion timeout.
	ErrTimeout = errors.New("timed out waiting for job completion")
	// ErrJobFailed is returned when the Job controller reports failure.
	ErrJobFailed = errors.New("job failed")
)

// SubmissionError means the orchestrator was unreachable or rejected the
// Job. It is never retried.
type SubmissionError struct {
	Job       string
	Namespace string
	Err       error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit job %s/%s: %v", e.Namespace, e.Job, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Meta identifies where an action came from.
type Meta struct {
	InvocationID  string
	Playbook      string
	PlaybookIndex int
	ActionIndex   int
}

// Result describes one finished (or detached) run.
type Result struct {
	Outcome    Outcome
	Invocation tracker.Invocation
	Message    string
	LogTail    string
}

const (
	defaultPollInterval = 2 * time.Second
	defaultLogTailLines = 50
	deleteTimeout       = 10 * time.Second

	// used when an action was built without a completion timeout
	defaultCompletionTimeout = 300 * time.Second
)

// Runner submits run_job_from_alert Jobs and follows them to completion.
type Runner struct {
	Client       kubernetes.Interface
	Tracker      *tracker.Tracker
	PollInterval time.Duration
	LogTailLines int64

	// newID allows overriding for tests
	newID func() string
}

func NewRunner(client kubernetes.Interface, tr *tracker.Tracker) *Runner {
	if tr == nil {
		tr = tracker.New(tracker.Options{})
	}
	return &Runner{
		Client:       client,
		Tracker:      tr,
		PollInterval: defaultPollInterval,
		LogTailLines: defaultLogTailLines,
		newID:        uuid.NewString,
	}
}

// Run executes one action for an alert. The invocation is recorded before
// submission. Without wait_for_completion Run returns right after the Job is
// accepted. Otherwise it blocks until the Job finishes, the completion
// timeout passes, or ctx is cancelled. The returned Result is non-nil
// whenever an invocation was recorded, including on error.
func (r *Runner) Run(ctx context.Context, a *model.Alert, act *playbook.RunJobFromAlert, meta Meta) (*Result, error) {
	id := meta.InvocationID
	if id == "" {
		id = r.id()
	}
	job := BuildJob(a, act, id)
	logger := log.With().
		Str("invocation", id).
		Str("alert", a.Name()).
		Str("job", job.Name).
		Str("namespace", job.Namespace).
		Logger()

	inv := tracker.Invocation{
		ID:               id,
		Playbook:         meta.Playbook,
		PlaybookIndex:    meta.PlaybookIndex,
		ActionIndex:      meta.ActionIndex,
		Action:           act.Kind(),
		AlertName:        a.Name(),
		AlertFingerprint: a.Fingerprint(),
		JobName:          job.Name,
		Namespace:        job.Namespace,
		Status:           tracker.StatusPending,
		Detached:         !act.WaitForCompletion,
	}
	if err := r.Tracker.Record(inv); err != nil {
		return nil, err
	}

	if _, err := r.Client.BatchV1().Jobs(job.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		serr := &SubmissionError{Job: job.Name, Namespace: job.Namespace, Err: err}
		logger.Error().Err(err).Msg("job submission failed")
		r.update(id, tracker.StatusFailed, serr)
		return r.result(id, OutcomeFailed, serr.Error(), ""), serr
	}
	logger.Info().Bool("wait", act.WaitForCompletion).Msg("job submitted")

	if !act.WaitForCompletion {
		return r.result(id, OutcomeSubmitted, "Created job "+job.Name, ""), nil
	}
	return r.await(ctx, id, job, act.CompletionTimeout)
}

func (r *Runner) await(ctx context.Context, id string, job *batchv1.Job, timeout time.Duration) (*Result, error) {
	logger := log.With().Str("invocation", id).Str("job", job.Name).Str("namespace", job.Namespace).Logger()
	if timeout <= 0 {
		timeout = defaultCompletionTimeout
	}
	jobs := r.Client.BatchV1().Jobs(job.Namespace)

	var final Outcome
	var message string
	err := wait.PollUntilContextTimeout(ctx, r.pollInterval(), timeout, true, func(ctx context.Context) (bool, error) {
		cur, err := jobs.Get(ctx, job.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				final, message = OutcomeFailed, "job disappeared before completion"
				return true, nil
			}
			// transient API errors only delay the next observation
			logger.Warn().Err(err).Msg("failed to get job status")
			return false, nil
		}
		if done, ok, msg := finished(cur); done {
			if ok {
				final = OutcomeSucceeded
			} else {
				final = OutcomeFailed
			}
			message = msg
			return true, nil
		}
		if cur.Status.Active > 0 || cur.Status.StartTime != nil {
			r.update(id, tracker.StatusRunning, nil)
		}
		return false, nil
	})

	if err != nil {
		if ctx.Err() != nil {
			// shutdown: the job keeps running, we just stop following it
			logger.Warn().Err(ctx.Err()).Msg("stopped waiting for job")
			r.update(id, tracker.StatusFailed, ctx.Err())
			return r.result(id, OutcomeFailed, "Stopped waiting: "+ctx.Err().Error(), ""), ctx.Err()
		}
		if wait.Interrupted(err) {
			logger.Warn().Dur("timeout", timeout).Msg("job did not complete in time")
			r.update(id, tracker.StatusTimedOut, ErrTimeout)
			r.cancel(job)
			return r.result(id, OutcomeTimedOut, "Timed out, could not fetch output", ""), ErrTimeout
		}
		r.update(id, tracker.StatusFailed, err)
		return r.result(id, OutcomeFailed, err.Error(), ""), err
	}

	tail := r.logTail(ctx, job)
	if final == OutcomeSucceeded {
		r.update(id, tracker.StatusSucceeded, nil)
		logger.Info().Msg("job succeeded")
		return r.result(id, final, message, tail), nil
	}
	jerr := fmt.Errorf("%w: %s", ErrJobFailed, message)
	r.update(id, tracker.StatusFailed, jerr)
	logger.Warn().Str("reason", message).Msg("job failed")
	return r.result(id, final, message, tail), jerr
}

// finished reports whether the Job reached a terminal condition and whether
// it succeeded.
func finished(job *batchv1.Job) (done, succeeded bool, message string) {
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return true, true, "Job completed"
		case batchv1.JobFailed:
			msg := c.Message
			if msg == "" {
				msg = c.Reason
			}
			return true, false, msg
		}
	}
	return false, false, ""
}

// cancel issues exactly one best-effort delete. Failure is logged only.
func (r *Runner) cancel(job *batchv1.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()
	policy := metav1.DeletePropagationBackground
	err := r.Client.BatchV1().Jobs(job.Namespace).Delete(ctx, job.Name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil {
		log.Error().Err(err).Str("job", job.Name).Str("namespace", job.Namespace).Msg("failed to cancel timed out job")
		return
	}
	log.Info().Str("job", job.Name).Str("namespace", job.Namespace).Msg("timed out job cancelled")
}

// logTail fetches the last lines of the newest pod of the job. Errors yield
// an empty tail.
func (r *Runner) logTail(ctx context.Context, job *batchv1.Job) string {
	if r.LogTailLines <= 0 {
		return ""
	}
	pods, err := r.Client.CoreV1().Pods(job.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: jobNameLabel + "=" + job.Name,
	})
	if err != nil || len(pods.Items) == 0 {
		if err != nil {
			log.Warn().Err(err).Str("job", job.Name).Msg("failed to list job pods")
		}
		return ""
	}
	items := pods.Items
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreationTimestamp.After(items[j].CreationTimestamp.Time)
	})
	lines := r.LogTailLines
	raw, err := r.Client.CoreV1().Pods(job.Namespace).GetLogs(items[0].Name, &corev1.PodLogOptions{TailLines: &lines}).DoRaw(ctx)
	if err != nil {
		log.Warn().Err(err).Str("pod", items[0].Name).Msg("failed to fetch job logs")
		return ""
	}
	return strings.TrimRight(string(raw), "\n")
}

func (r *Runner) update(id string, status tracker.Status, cause error) {
	if err := r.Tracker.Update(id, status, cause); err != nil {
		log.Error().Err(err).Str("invocation", id).Str("status", string(status)).Msg("failed to update invocation")
	}
}

func (r *Runner) result(id string, outcome Outcome, message, tail string) *Result {
	inv, _ := r.Tracker.Get(id)
	return &Result{Outcome: outcome, Invocation: inv, Message: message, LogTail: tail}
}

func (r *Runner) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return defaultPollInterval
}

func (r *Runner) id() string {
	if r.newID != nil {
		return r.newID()
	}
	return uuid.NewString()
}
