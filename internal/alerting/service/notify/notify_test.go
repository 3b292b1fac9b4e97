package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Notification {
	return Notification{
		InvocationID: "inv-1",
		AlertName:    "TestAlert",
		Playbook:     "customPlaybooks[0]",
		Status:       "Succeeded",
		Duration:     3 * time.Second,
		JobName:      "remediation-job-0123abcd",
		Namespace:    "default",
		LogTail:      "ALERT_NAME=TestAlert",
	}
}

func TestWebhook_HTTP(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
	}))
	defer srv.Close()

	wh, err := NewWebhook("http", srv.URL, time.Second)
	require.NoError(t, err)
	require.NoError(t, wh.Notify(context.Background(), sample()))

	n := got["notification"].(map[string]any)
	assert.Equal(t, "inv-1", n["invocationId"])
	assert.Equal(t, "Succeeded", n["status"])
	assert.Equal(t, "remediation-job-0123abcd", n["jobName"])
	assert.Equal(t, 3.0, got["durationSeconds"])
}

func TestWebhook_Slack(t *testing.T) {
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		text = body["text"]
	}))
	defer srv.Close()

	wh, err := NewWebhook("slack", srv.URL, time.Second)
	require.NoError(t, err)
	n := sample()
	n.Status = "TimedOut"
	n.Message = "Timed out, could not fetch output"
	n.LogTail = ""
	require.NoError(t, wh.Notify(context.Background(), n))

	assert.True(t, strings.HasPrefix(text, "[TIMEOUT] *TimedOut*"), text)
	assert.Contains(t, text, "default/remediation-job-0123abcd")
	assert.Contains(t, text, "Timed out, could not fetch output")
}

func TestWebhook_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh, err := NewWebhook("teams", srv.URL, time.Second)
	require.NoError(t, err)
	err = wh.Notify(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNewWebhook_Validation(t *testing.T) {
	_, err := NewWebhook("pager", "http://x", 0)
	assert.Error(t, err)
	_, err = NewWebhook("slack", "", 0)
	assert.Error(t, err)
}

func TestMulti(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	m := Multi{
		Func(func(_ context.Context, n Notification) error { calls = append(calls, "a:"+n.Status); return nil }),
		Func(func(_ context.Context, n Notification) error { calls = append(calls, "b:"+n.Status); return boom }),
		LogNotifier{},
	}
	err := m.Notify(context.Background(), sample())
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, []string{"a:Succeeded", "b:Succeeded"}, calls)
}
