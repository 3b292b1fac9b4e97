package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/qiniu/remediator/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
customPlaybooks:
- triggers:
  - on_prometheus_alert:
      alert_name: TestAlert
  actions:
  - run_job_from_alert:
      image: busybox
      command: ["sh", "-c", "env"]
`), 0o600))

	var out bytes.Buffer
	require.NoError(t, validate(&out, good))
	assert.Equal(t, "ok: 1 playbooks, 1 actions\n"+
		"note: customPlaybooks[0].triggers[0] matches TestAlert when it resolves too; set status: firing to skip resolutions\n", out.String())

	firingOnly := filepath.Join(dir, "firing.yaml")
	require.NoError(t, os.WriteFile(firingOnly, []byte(`
customPlaybooks:
- triggers:
  - on_prometheus_alert:
      alert_name: TestAlert
      status: firing
  actions:
  - run_job_from_alert:
      image: busybox
      command: ["sh", "-c", "env"]
`), 0o600))
	out.Reset()
	require.NoError(t, validate(&out, firingOnly))
	assert.Equal(t, "ok: 1 playbooks, 1 actions\n", out.String())

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
customPlaybooks:
- triggers:
  - on_prometheus_alert:
      alert_name: TestAlert
  actions:
  - run_job_from_alert:
      image: 7
      command: ["sh", "-c", "env"]
`), 0o600))

	out.Reset()
	assert.Error(t, validate(&out, bad))
	assert.Contains(t, out.String(), "customPlaybooks[0].actions[0]")

	out.Reset()
	assert.Error(t, validate(&out, filepath.Join(dir, "missing.yaml")))
	assert.Empty(t, out.String())
}

func TestBuildNotifier(t *testing.T) {
	n, err := buildNotifier(config.NotifyConfig{Type: "log", URL: ""})
	require.NoError(t, err)
	assert.NotNil(t, n)

	_, err = buildNotifier(config.NotifyConfig{Type: "slack", URL: ""})
	assert.Error(t, err)

	n, err = buildNotifier(config.NotifyConfig{Type: "http", URL: "http://localhost:9/hook"})
	require.NoError(t, err)
	assert.NotNil(t, n)
}
