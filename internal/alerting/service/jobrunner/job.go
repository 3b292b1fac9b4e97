package jobrunner

import (
	"strings"

	"github.com/qiniu/remediator/internal/alerting/model"
	"github.com/qiniu/remediator/internal/alerting/service/playbook"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
)

const (
	LabelManagedBy    = "app.kubernetes.io/managed-by"
	ManagedByValue    = "remediator"
	LabelInvocationID = "remediator/invocation-id"
	LabelAlert        = "remediator/alert"

	// jobNameLabel is set on pods by the Job controller.
	jobNameLabel = "job-name"

	idSuffixLen = 8
)

// JobName derives a unique object name from the configured action name and
// the invocation id: "<sanitized name>-<first 8 hex digits of id>".
func JobName(base, invocationID string) string {
	suffix := strings.ReplaceAll(invocationID, "-", "")
	if len(suffix) > idSuffixLen {
		suffix = suffix[:idSuffixLen]
	}
	suffix = sanitizeName(suffix, idSuffixLen)
	name := sanitizeName(base, validation.DNS1123LabelMaxLength-len(suffix)-1)
	if name == "" {
		name = "remediation"
	}
	if suffix == "" {
		return name
	}
	return name + "-" + suffix
}

// sanitizeName lower-cases s, maps characters outside [a-z0-9-] to '-',
// collapses runs of '-' and trims it to a valid DNS-1123 label of at most max
// characters.
func sanitizeName(s string, max int) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		ok := r >= 'a' && r <= 'z' || r >= '0' && r <= '9'
		if !ok {
			if lastDash {
				continue
			}
			r = '-'
		}
		lastDash = r == '-'
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > max {
		out = strings.TrimRight(out[:max], "-")
	}
	return out
}

// labelValue makes s usable as a label value, falling back to a sanitized
// form when it is not already valid.
func labelValue(s string) string {
	if len(validation.IsValidLabelValue(s)) == 0 {
		return s
	}
	return sanitizeName(s, validation.LabelValueMaxLength)
}

// BuildJob materializes the Job for one invocation. Pods never restart in
// place; retries are bounded by the action's backoff limit.
func BuildJob(a *model.Alert, act *playbook.RunJobFromAlert, invocationID string) *batchv1.Job {
	name := JobName(act.Name, invocationID)
	labels := map[string]string{
		LabelManagedBy:    ManagedByValue,
		LabelInvocationID: labelValue(invocationID),
		LabelAlert:        labelValue(a.Name()),
	}

	containerName := sanitizeName(act.Name, validation.DNS1123LabelMaxLength)
	if containerName == "" {
		containerName = "remediation"
	}

	backoff := act.BackoffLimit
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: act.Namespace,
			Labels:    labels,
			Annotations: map[string]string{
				"remediator/alert-fingerprint": a.Fingerprint(),
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: act.TTLSecondsAfterFinished,
			ActiveDeadlineSeconds:   act.ActiveDeadlineSeconds,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: copyLabels(labels)},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: act.ServiceAccount,
					Containers: []corev1.Container{{
						Name:    containerName,
						Image:   act.Image,
						Command: append([]string(nil), act.Command...),
						Env:     BuildEnv(a, act),
					}},
				},
			},
		},
	}
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
