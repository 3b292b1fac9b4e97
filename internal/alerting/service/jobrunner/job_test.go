package jobrunner

import (
	"strings"
	"testing"

	"github.com/qiniu/remediator/internal/alerting/model"
	"github.com/qiniu/remediator/internal/alerting/service/playbook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/validation"
)

func TestJobName(t *testing.T) {
	tests := []struct {
		base, id, want string
	}{
		{"remediation-job", "0123abcd-ef45-6789-0000-000000000000", "remediation-job-0123abcd"},
		{"Restart_Pod!!", "deadbeefcafe", "restart-pod-deadbeef"},
		{"---", "abc", "remediation-abc"},
		{strings.Repeat("x", 80), "11111111", strings.Repeat("x", 54) + "-11111111"},
	}
	for _, tt := range tests {
		got := JobName(tt.base, tt.id)
		assert.Equal(t, tt.want, got)
		assert.Empty(t, validation.IsDNS1123Label(got), got)
	}
}

func int32p(v int32) *int32 { return &v }
func int64p(v int64) *int64 { return &v }

func TestBuildJob(t *testing.T) {
	a, err := model.NewAlert(model.RawAlert{
		Name:   "TestAlert",
		Labels: map[string]any{"label1": "123", "label2": "abc"},
	})
	require.NoError(t, err)
	act := &playbook.RunJobFromAlert{
		Name:                    "remediation-job",
		Namespace:               "ops",
		Image:                   "busybox",
		Command:                 []string{"sh", "-c", "env"},
		ServiceAccount:          "remediator",
		TTLSecondsAfterFinished: int32p(120),
		BackoffLimit:            2,
		ActiveDeadlineSeconds:   int64p(600),
	}

	job := BuildJob(a, act, "0123abcd-ef45-6789-0000-000000000000")

	assert.Equal(t, "remediation-job-0123abcd", job.Name)
	assert.Equal(t, "ops", job.Namespace)
	assert.Equal(t, ManagedByValue, job.Labels[LabelManagedBy])
	assert.Equal(t, "0123abcd-ef45-6789-0000-000000000000", job.Labels[LabelInvocationID])
	assert.Equal(t, "TestAlert", job.Labels[LabelAlert])
	assert.Equal(t, job.Labels, job.Spec.Template.Labels)
	assert.Equal(t, a.Fingerprint(), job.Annotations["remediator/alert-fingerprint"])

	require.NotNil(t, job.Spec.BackoffLimit)
	assert.Equal(t, int32(2), *job.Spec.BackoffLimit)
	assert.Equal(t, int32(120), *job.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, int64(600), *job.Spec.ActiveDeadlineSeconds)

	pod := job.Spec.Template.Spec
	assert.Equal(t, corev1.RestartPolicyNever, pod.RestartPolicy)
	assert.Equal(t, "remediator", pod.ServiceAccountName)
	require.Len(t, pod.Containers, 1)
	c := pod.Containers[0]
	assert.Equal(t, "remediation-job", c.Name)
	assert.Equal(t, "busybox", c.Image)
	assert.Equal(t, []string{"sh", "-c", "env"}, c.Command)
	assert.Equal(t, BuildEnv(a, act), c.Env)

	// the job must not alias the action's command slice
	c.Command[0] = "bash"
	assert.Equal(t, "sh", act.Command[0])
}

func TestBuildJob_SanitizesAlertLabel(t *testing.T) {
	a, err := model.NewAlert(model.RawAlert{Name: "Disk full on /var"})
	require.NoError(t, err)
	job := BuildJob(a, &playbook.RunJobFromAlert{Name: "x", Image: "busybox", Command: []string{"true"}}, "abcdef0123")
	assert.Empty(t, validation.IsValidLabelValue(job.Labels[LabelAlert]))
	assert.Equal(t, "disk-full-on-var", job.Labels[LabelAlert])
}
