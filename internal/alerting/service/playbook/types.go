package playbook

import (
	"fmt"
	"time"

	"github.com/qiniu/remediator/internal/alerting/model"
)

// Trigger decides whether a playbook applies to an alert. Each trigger kind
// is a separate type registered through RegisterTrigger.
type Trigger interface {
	Kind() string
	Matches(a *model.Alert) bool
}

// Action is one unit of remediation work. Executors switch on the concrete type.
type Action interface {
	Kind() string
}

// Playbook binds triggers to an ordered list of actions. It fires when any
// trigger matches.
type Playbook struct {
	Index    int
	Name     string
	Triggers []Trigger
	Actions  []Action
}

// Matches reports whether any trigger accepts the alert.
func (p *Playbook) Matches(a *model.Alert) bool {
	for _, t := range p.Triggers {
		if t.Matches(a) {
			return true
		}
	}
	return false
}

// DisplayName returns the configured name or a positional fallback.
func (p *Playbook) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("customPlaybooks[%d]", p.Index)
}

const (
	KindOnPrometheusAlert = "on_prometheus_alert"
	KindOnAlertLabels     = "on_alert_labels"
	KindRunJobFromAlert   = "run_job_from_alert"
)

// OnPrometheusAlert matches on exact, case-sensitive alert name equality.
// An empty Status matches alerts in any state.
type OnPrometheusAlert struct {
	AlertName string
	Status    model.Status
}

func (t *OnPrometheusAlert) Kind() string { return KindOnPrometheusAlert }

func (t *OnPrometheusAlert) Matches(a *model.Alert) bool {
	if a == nil || a.Name() != t.AlertName {
		return false
	}
	return t.Status == "" || t.Status == a.Status()
}

// OnAlertLabels matches when every configured label equals the alert's value
// after normalization. AlertName narrows the match when set. Aliases maps
// alternative alert label keys onto the keys used in Match, so one trigger
// covers exporters that disagree on naming.
type OnAlertLabels struct {
	AlertName string
	Match     LabelMap
	Aliases   map[string]string
}

func (t *OnAlertLabels) Kind() string { return KindOnAlertLabels }

func (t *OnAlertLabels) Matches(a *model.Alert) bool {
	if a == nil {
		return false
	}
	if t.AlertName != "" && a.Name() != t.AlertName {
		return false
	}
	labels := NormalizeLabels(a.Labels(), t.Aliases)
	for k, v := range t.Match {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// Selector renders Match in canonical form, e.g. severity=critical|team=db.
func (t *OnAlertLabels) Selector() string { return CanonicalLabelKey(t.Match) }

// SecretRef points at a key of a Kubernetes Secret. It never carries the
// secret value; the orchestrator resolves it when the pod starts.
type SecretRef struct {
	Namespace string
	Name      string
	Key       string
}

func (s SecretRef) String() string {
	if s.Namespace == "" {
		return fmt.Sprintf("secret:%s/%s", s.Name, s.Key)
	}
	return fmt.Sprintf("secret:%s/%s/%s", s.Namespace, s.Name, s.Key)
}

// EnvVar is an explicit variable from configuration. Exactly one of Value or
// SecretRef is meaningful.
type EnvVar struct {
	Name      string
	Value     string
	SecretRef *SecretRef
}

// RunJobFromAlert launches a Kubernetes Job built from the alert.
type RunJobFromAlert struct {
	Name                    string
	Namespace               string
	Image                   string
	Command                 []string
	Notify                  bool
	WaitForCompletion       bool
	CompletionTimeout       time.Duration
	EnvVars                 []EnvVar
	ServiceAccount          string
	TTLSecondsAfterFinished *int32
	BackoffLimit            int32
	ActiveDeadlineSeconds   *int64
}

func (a *RunJobFromAlert) Kind() string { return KindRunJobFromAlert }
