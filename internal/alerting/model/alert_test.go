package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAlert(t *testing.T) {
	tests := []struct {
		name      string
		raw       RawAlert
		wantName  string
		wantState Status
		wantField string
	}{
		{
			name:      "explicit name",
			raw:       RawAlert{Name: "TestAlert", Status: "firing", Labels: map[string]any{"label1": "123"}},
			wantName:  "TestAlert",
			wantState: StatusFiring,
		},
		{
			name:      "name from alertname label",
			raw:       RawAlert{Status: "resolved", Labels: map[string]any{"alertname": "HighLatency"}},
			wantName:  "HighLatency",
			wantState: StatusResolved,
		},
		{
			name:      "empty status defaults to firing",
			raw:       RawAlert{Name: "A"},
			wantName:  "A",
			wantState: StatusFiring,
		},
		{
			name:      "missing name",
			raw:       RawAlert{Labels: map[string]any{"service": "s3"}},
			wantField: "name",
		},
		{
			name:      "nested label value",
			raw:       RawAlert{Name: "A", Labels: map[string]any{"nested": map[string]any{"a": "b"}}},
			wantField: "labels.nested",
		},
		{
			name:      "numeric annotation value",
			raw:       RawAlert{Name: "A", Annotations: map[string]any{"value": 1.5}},
			wantField: "annotations.value",
		},
		{
			name:      "invalid label name",
			raw:       RawAlert{Name: "A", Labels: map[string]any{"bad-key": "x"}},
			wantField: "labels.bad-key",
		},
		{
			name:      "unknown status",
			raw:       RawAlert{Name: "A", Status: "pending"},
			wantField: "status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAlert(tt.raw)
			if tt.wantField != "" {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedAlert))
				var me *MalformedAlertError
				require.True(t, errors.As(err, &me))
				assert.Equal(t, tt.wantField, me.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, a.Name())
			assert.Equal(t, tt.wantState, a.Status())
		})
	}
}

func TestAlert_ReadOnly(t *testing.T) {
	a, err := NewAlert(RawAlert{Name: "A", Labels: map[string]any{"b": "2", "a": "1"}})
	require.NoError(t, err)

	labels := a.Labels()
	labels["a"] = "changed"
	v, _ := a.Label("a")
	assert.Equal(t, "1", v)
	assert.Equal(t, []string{"a", "b"}, a.SortedLabelKeys())
}

func TestAlert_Fingerprint(t *testing.T) {
	a1, err := NewAlert(RawAlert{Name: "A", Labels: map[string]any{"x": "1", "y": "2"}})
	require.NoError(t, err)
	a2, err := NewAlert(RawAlert{Name: "A", Labels: map[string]any{"y": "2", "x": "1"}})
	require.NoError(t, err)
	a3, err := NewAlert(RawAlert{Name: "B", Labels: map[string]any{"x": "1", "y": "2"}})
	require.NoError(t, err)

	assert.Equal(t, a1.Fingerprint(), a2.Fingerprint())
	assert.NotEqual(t, a1.Fingerprint(), a3.Fingerprint())
}

func TestAlert_Subject(t *testing.T) {
	a, err := NewAlert(RawAlert{Name: "A", Labels: map[string]any{
		"pod":        "api-7d9f",
		"deployment": "api",
		"namespace":  "prod",
		"node":       "node-1",
	}})
	require.NoError(t, err)

	s := a.Subject()
	assert.Equal(t, SubjectPod, s.Kind)
	assert.Equal(t, "api-7d9f", s.Name)
	assert.Equal(t, "prod", s.Namespace)
	assert.Equal(t, "node-1", s.Node)

	b, err := NewAlert(RawAlert{Name: "B"})
	require.NoError(t, err)
	assert.Equal(t, SubjectUnknown, b.Subject().Kind)
}
