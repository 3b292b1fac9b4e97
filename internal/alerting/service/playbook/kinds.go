package playbook

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qiniu/remediator/internal/alerting/model"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation"
)

// TriggerParser decodes the body of one trigger kind.
type TriggerParser func(node *yaml.Node) (Trigger, error)

// ActionParser decodes the body of one action kind.
type ActionParser func(node *yaml.Node) (Action, error)

var (
	kindsMu        sync.RWMutex
	triggerParsers = map[string]TriggerParser{}
	actionParsers  = map[string]ActionParser{}
)

// RegisterTrigger makes a trigger kind available to the loader. Registering
// the same tag twice panics.
func RegisterTrigger(tag string, p TriggerParser) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	if _, dup := triggerParsers[tag]; dup {
		panic("playbook: trigger kind registered twice: " + tag)
	}
	triggerParsers[tag] = p
}

// RegisterAction makes an action kind available to the loader.
func RegisterAction(tag string, p ActionParser) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	if _, dup := actionParsers[tag]; dup {
		panic("playbook: action kind registered twice: " + tag)
	}
	actionParsers[tag] = p
}

func lookupTrigger(tag string) (TriggerParser, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	p, ok := triggerParsers[tag]
	return p, ok
}

func lookupAction(tag string) (ActionParser, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	p, ok := actionParsers[tag]
	return p, ok
}

func triggerTags() string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	return sortedTags(triggerParsers)
}

func actionTags() string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	return sortedTags(actionParsers)
}

func sortedTags[V any](m map[string]V) string {
	tags := make([]string, 0, len(m))
	for k := range m {
		tags = append(tags, k)
	}
	sort.Strings(tags)
	return strings.Join(tags, ", ")
}

func init() {
	RegisterTrigger(KindOnPrometheusAlert, parseOnPrometheusAlert)
	RegisterTrigger(KindOnAlertLabels, parseOnAlertLabels)
	RegisterAction(KindRunJobFromAlert, parseRunJobFromAlert)
}

type onPrometheusAlertSpec struct {
	AlertName string `yaml:"alert_name"`
	Status    string `yaml:"status"`
}

func parseOnPrometheusAlert(node *yaml.Node) (Trigger, error) {
	var spec onPrometheusAlertSpec
	if err := node.Decode(&spec); err != nil {
		return nil, fieldErr(KindOnPrometheusAlert, "%v", err)
	}
	if strings.TrimSpace(spec.AlertName) == "" {
		return nil, fieldErr(KindOnPrometheusAlert+".alert_name", "must not be empty")
	}
	status, err := parseStatus(spec.Status)
	if err != nil {
		return nil, fieldErr(KindOnPrometheusAlert+".status", "%v", err)
	}
	return &OnPrometheusAlert{AlertName: spec.AlertName, Status: status}, nil
}

type onAlertLabelsSpec struct {
	AlertName string            `yaml:"alert_name"`
	Match     map[string]string `yaml:"match"`
	Aliases   map[string]string `yaml:"aliases"`
}

func parseOnAlertLabels(node *yaml.Node) (Trigger, error) {
	var spec onAlertLabelsSpec
	if err := node.Decode(&spec); err != nil {
		return nil, fieldErr(KindOnAlertLabels, "%v", err)
	}
	match := NormalizeLabels(spec.Match, nil)
	if len(match) == 0 {
		return nil, fieldErr(KindOnAlertLabels+".match", "must contain at least one non-empty label")
	}
	var aliases map[string]string
	if len(spec.Aliases) > 0 {
		aliases = make(map[string]string, len(spec.Aliases))
		for alias, canonical := range NormalizeLabels(spec.Aliases, nil) {
			canonical = strings.ToLower(canonical)
			if alias == canonical {
				continue
			}
			aliases[alias] = canonical
		}
	}
	return &OnAlertLabels{AlertName: spec.AlertName, Match: match, Aliases: aliases}, nil
}

func parseStatus(s string) (model.Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return "", nil
	case string(model.StatusFiring):
		return model.StatusFiring, nil
	case string(model.StatusResolved):
		return model.StatusResolved, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

const (
	defaultJobName           = "remediation-job"
	defaultNamespace         = "default"
	defaultCompletionTimeout = 300
	defaultTTLAfterFinished  = int32(120)
)

type secretKeyRefSpec struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	Key       string `yaml:"key"`
}

type envVarSpec struct {
	Name      string  `yaml:"name"`
	Value     *string `yaml:"value"`
	ValueFrom *struct {
		SecretKeyRef *secretKeyRefSpec `yaml:"secretKeyRef"`
	} `yaml:"valueFrom"`
}

type runJobSpec struct {
	Name                  string       `yaml:"name"`
	Namespace             string       `yaml:"namespace"`
	Image                 string       `yaml:"image"`
	Command               []string     `yaml:"command"`
	Notify                bool         `yaml:"notify"`
	WaitForCompletion     *bool        `yaml:"wait_for_completion"`
	CompletionTimeout     *int         `yaml:"completion_timeout"`
	EnvVars               []envVarSpec `yaml:"env_vars"`
	ServiceAccount        string       `yaml:"service_account"`
	JobTTLAfterFinished   *int32       `yaml:"job_ttl_after_finished"`
	BackoffLimit          *int32       `yaml:"backoff_limit"`
	ActiveDeadlineSeconds *int64       `yaml:"active_deadline_seconds"`
}

func parseRunJobFromAlert(node *yaml.Node) (Action, error) {
	const p = KindRunJobFromAlert + "."
	var spec runJobSpec
	if err := node.Decode(&spec); err != nil {
		return nil, fieldErr(KindRunJobFromAlert, "%v", err)
	}

	a := &RunJobFromAlert{
		Name:              defaultJobName,
		Namespace:         defaultNamespace,
		Image:             strings.TrimSpace(spec.Image),
		Command:           spec.Command,
		Notify:            spec.Notify,
		WaitForCompletion: true,
		CompletionTimeout: defaultCompletionTimeout * time.Second,
		ServiceAccount:    spec.ServiceAccount,
		BackoffLimit:      0,
	}
	ttl := defaultTTLAfterFinished
	a.TTLSecondsAfterFinished = &ttl

	if spec.Name != "" {
		a.Name = spec.Name
	}
	if spec.Namespace != "" {
		if errs := validation.IsDNS1123Label(spec.Namespace); len(errs) > 0 {
			return nil, fieldErr(p+"namespace", "%s", strings.Join(errs, "; "))
		}
		a.Namespace = spec.Namespace
	}
	if a.Image == "" {
		return nil, fieldErr(p+"image", "must not be empty")
	}
	if len(spec.Command) == 0 {
		return nil, fieldErr(p+"command", "must contain at least one element")
	}
	if spec.WaitForCompletion != nil {
		a.WaitForCompletion = *spec.WaitForCompletion
	}
	if spec.CompletionTimeout != nil {
		if *spec.CompletionTimeout <= 0 {
			return nil, fieldErr(p+"completion_timeout", "must be a positive number of seconds")
		}
		a.CompletionTimeout = time.Duration(*spec.CompletionTimeout) * time.Second
	}
	if spec.JobTTLAfterFinished != nil {
		if *spec.JobTTLAfterFinished < 0 {
			return nil, fieldErr(p+"job_ttl_after_finished", "must not be negative")
		}
		ttl := *spec.JobTTLAfterFinished
		a.TTLSecondsAfterFinished = &ttl
	}
	if spec.BackoffLimit != nil {
		if *spec.BackoffLimit < 0 {
			return nil, fieldErr(p+"backoff_limit", "must not be negative")
		}
		a.BackoffLimit = *spec.BackoffLimit
	}
	if spec.ActiveDeadlineSeconds != nil {
		if *spec.ActiveDeadlineSeconds <= 0 {
			return nil, fieldErr(p+"active_deadline_seconds", "must be positive")
		}
		d := *spec.ActiveDeadlineSeconds
		a.ActiveDeadlineSeconds = &d
	}

	seen := map[string]struct{}{}
	for i, ev := range spec.EnvVars {
		field := fmt.Sprintf("%senv_vars[%d]", p, i)
		v, err := buildEnvVar(ev, a.Namespace)
		if err != nil {
			fe := err.(*fieldError)
			return nil, fieldErr(field+fe.field, "%s", fe.msg)
		}
		if _, dup := seen[v.Name]; dup {
			return nil, fieldErr(field+".name", "duplicate variable %q", v.Name)
		}
		seen[v.Name] = struct{}{}
		a.EnvVars = append(a.EnvVars, v)
	}
	return a, nil
}

func buildEnvVar(ev envVarSpec, namespace string) (EnvVar, error) {
	if errs := validation.IsEnvVarName(ev.Name); len(errs) > 0 {
		return EnvVar{}, &fieldError{field: ".name", msg: strings.Join(errs, "; ")}
	}
	hasRef := ev.ValueFrom != nil && ev.ValueFrom.SecretKeyRef != nil
	switch {
	case ev.Value != nil && hasRef:
		return EnvVar{}, &fieldError{field: "", msg: "value and valueFrom are mutually exclusive"}
	case ev.Value != nil:
		return EnvVar{Name: ev.Name, Value: *ev.Value}, nil
	case hasRef:
		ref := ev.ValueFrom.SecretKeyRef
		if ref.Name == "" {
			return EnvVar{}, &fieldError{field: ".valueFrom.secretKeyRef.name", msg: "must not be empty"}
		}
		if ref.Key == "" {
			return EnvVar{}, &fieldError{field: ".valueFrom.secretKeyRef.key", msg: "must not be empty"}
		}
		if ref.Namespace != "" && ref.Namespace != namespace {
			return EnvVar{}, &fieldError{field: ".valueFrom.secretKeyRef.namespace", msg: fmt.Sprintf("must equal the job namespace %q", namespace)}
		}
		return EnvVar{Name: ev.Name, SecretRef: &SecretRef{Namespace: namespace, Name: ref.Name, Key: ref.Key}}, nil
	}
	return EnvVar{}, &fieldError{field: "", msg: "one of value or valueFrom.secretKeyRef is required"}
}
