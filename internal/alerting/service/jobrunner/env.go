package jobrunner

import (
	"strings"

	"github.com/qiniu/remediator/internal/alerting/model"
	"github.com/qiniu/remediator/internal/alerting/service/playbook"
	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
)

// Reserved variables describing the alert itself. A label that upper-cases
// to one of these names is exposed under its ALERT_LABEL_ form instead.
const (
	EnvAlertName         = "ALERT_NAME"
	EnvAlertStatus       = "ALERT_STATUS"
	EnvAlertObjKind      = "ALERT_OBJ_KIND"
	EnvAlertObjName      = "ALERT_OBJ_NAME"
	EnvAlertObjNamespace = "ALERT_OBJ_NAMESPACE"
	EnvAlertObjNode      = "ALERT_OBJ_NODE"

	labelEnvPrefix      = "ALERT_"
	labelLongEnvPrefix  = "ALERT_LABEL_"
	annotationEnvPrefix = "ALERT_ANNOTATION_"
)

var reservedEnv = map[string]struct{}{
	EnvAlertName:         {},
	EnvAlertStatus:       {},
	EnvAlertObjKind:      {},
	EnvAlertObjName:      {},
	EnvAlertObjNamespace: {},
	EnvAlertObjNode:      {},
}

// LabelEnvName maps a label key to its variable name, e.g. label1 -> ALERT_LABEL1.
// Keys whose short form would read as a reserved name, an annotation or a
// long form get ALERT_LABEL_<KEY>, e.g. status -> ALERT_LABEL_STATUS and
// annotation_owner -> ALERT_LABEL_ANNOTATION_OWNER.
func LabelEnvName(key string) string {
	safe := envSafe(key)
	name := labelEnvPrefix + safe
	if _, reserved := reservedEnv[name]; reserved ||
		strings.HasPrefix(name, annotationEnvPrefix) ||
		strings.HasPrefix(name, labelLongEnvPrefix) {
		return labelLongEnvPrefix + safe
	}
	return name
}

// AnnotationEnvName maps an annotation key, e.g. runbook_url -> ALERT_ANNOTATION_RUNBOOK_URL.
func AnnotationEnvName(key string) string { return annotationEnvPrefix + envSafe(key) }

// envSafe upper-cases key and replaces anything outside [A-Z0-9_] with '_'.
// Label names already satisfy this; annotation keys may not.
func envSafe(key string) string {
	up := strings.ToUpper(key)
	var b strings.Builder
	b.Grow(len(up))
	for _, r := range up {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// AlertEnv derives the variables for an alert: reserved names first, then
// labels, then annotations, each group in lexicographic key order. Label
// names never collide with reserved or annotation names. Keys that still map
// to one name (labels differing only in case, annotations differing only in
// punctuation) keep the lexicographically first.
func AlertEnv(a *model.Alert) []corev1.EnvVar {
	out := make([]corev1.EnvVar, 0, 6+len(a.SortedLabelKeys())+len(a.SortedAnnotationKeys()))
	seen := make(map[string]struct{}, cap(out))
	add := func(name, value string) bool {
		if _, dup := seen[name]; dup {
			return false
		}
		seen[name] = struct{}{}
		out = append(out, corev1.EnvVar{Name: name, Value: value})
		return true
	}

	subject := a.Subject()
	add(EnvAlertName, a.Name())
	add(EnvAlertStatus, string(a.Status()))
	add(EnvAlertObjKind, string(subject.Kind))
	if subject.Name != "" {
		add(EnvAlertObjName, subject.Name)
	}
	if subject.Namespace != "" {
		add(EnvAlertObjNamespace, subject.Namespace)
	}
	if subject.Node != "" {
		add(EnvAlertObjNode, subject.Node)
	}

	for _, k := range a.SortedLabelKeys() {
		v, _ := a.Label(k)
		if name := LabelEnvName(k); !add(name, v) {
			log.Warn().Str("alert", a.Name()).Str("label", k).Str("env", name).Msg("label shadowed by another label with the same variable name")
		}
	}
	for _, k := range a.SortedAnnotationKeys() {
		v, _ := a.Annotation(k)
		add(AnnotationEnvName(k), v)
	}
	return out
}

// BuildEnv returns the alert variables overlaid with the action's explicit
// env_vars. An explicit variable replaces an alert-derived one of the same
// name in place; new names are appended in configuration order. Secret
// references are passed through as secretKeyRef and never resolved here.
func BuildEnv(a *model.Alert, act *playbook.RunJobFromAlert) []corev1.EnvVar {
	env := AlertEnv(a)
	index := make(map[string]int, len(env))
	for i, e := range env {
		index[e.Name] = i
	}
	for _, ev := range act.EnvVars {
		v := explicitEnv(ev)
		if i, ok := index[v.Name]; ok {
			env[i] = v
			continue
		}
		index[v.Name] = len(env)
		env = append(env, v)
	}
	return env
}

func explicitEnv(ev playbook.EnvVar) corev1.EnvVar {
	if ev.SecretRef == nil {
		return corev1.EnvVar{Name: ev.Name, Value: ev.Value}
	}
	return corev1.EnvVar{
		Name: ev.Name,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: ev.SecretRef.Name},
				Key:                  ev.SecretRef.Key,
			},
		},
	}
}

// ParseAlertLabels recovers label keys and values from variables produced by
// AlertEnv. Keys come back lower-cased, which is lossless for the usual
// lower-case Prometheus label names.
func ParseAlertLabels(env []corev1.EnvVar) map[string]string {
	out := map[string]string{}
	for _, e := range env {
		if e.ValueFrom != nil {
			continue
		}
		if _, reserved := reservedEnv[e.Name]; reserved {
			continue
		}
		var key string
		switch {
		case strings.HasPrefix(e.Name, annotationEnvPrefix):
			continue
		case strings.HasPrefix(e.Name, labelLongEnvPrefix):
			key = strings.TrimPrefix(e.Name, labelLongEnvPrefix)
		case strings.HasPrefix(e.Name, labelEnvPrefix):
			key = strings.TrimPrefix(e.Name, labelEnvPrefix)
		default:
			continue
		}
		out[strings.ToLower(key)] = e.Value
	}
	return out
}
