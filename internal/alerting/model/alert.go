package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	pmodel "github.com/prometheus/common/model"
)

// Status is the lifecycle state reported by the alerting tool.
type Status string

const (
	StatusFiring   Status = Status(pmodel.AlertFiring)
	StatusResolved Status = Status(pmodel.AlertResolved)
)

// ErrMalformedAlert is matched by every *MalformedAlertError.
var ErrMalformedAlert = errors.New("malformed alert")

// MalformedAlertError reports why a raw payload could not become an Alert.
type MalformedAlertError struct {
	Field  string
	Reason string
}

func (e *MalformedAlertError) Error() string {
	return fmt.Sprintf("malformed alert: %s: %s", e.Field, e.Reason)
}

func (e *MalformedAlertError) Is(target error) bool { return target == ErrMalformedAlert }

// RawAlert is the payload handed over by the ingestion collaborator. Label and
// annotation values are decoded loosely so that non-string values can be
// rejected with a precise error instead of a generic JSON failure.
type RawAlert struct {
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Labels      map[string]any `json:"labels"`
	Annotations map[string]any `json:"annotations"`
	StartsAt    time.Time      `json:"startsAt"`
}

// Alert is the normalized, read-only view of one alert event.
type Alert struct {
	name        string
	status      Status
	labels      map[string]string
	annotations map[string]string
	startsAt    time.Time
	fingerprint string
}

// NewAlert validates raw and builds an Alert. The name falls back to the
// alertname label when the payload does not carry one explicitly.
func NewAlert(raw RawAlert) (*Alert, error) {
	labels, err := flatten("labels", raw.Labels)
	if err != nil {
		return nil, err
	}
	for k := range labels {
		if !pmodel.LabelName(k).IsValidLegacy() {
			return nil, &MalformedAlertError{Field: "labels." + k, Reason: "invalid label name"}
		}
	}
	annotations, err := flatten("annotations", raw.Annotations)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(raw.Name)
	if name == "" {
		name = strings.TrimSpace(labels[string(pmodel.AlertNameLabel)])
	}
	if name == "" {
		return nil, &MalformedAlertError{Field: "name", Reason: "missing"}
	}

	var status Status
	switch strings.ToLower(strings.TrimSpace(raw.Status)) {
	case "", string(StatusFiring):
		status = StatusFiring
	case string(StatusResolved):
		status = StatusResolved
	default:
		return nil, &MalformedAlertError{Field: "status", Reason: fmt.Sprintf("unknown status %q", raw.Status)}
	}

	ls := make(pmodel.LabelSet, len(labels)+1)
	for k, v := range labels {
		ls[pmodel.LabelName(k)] = pmodel.LabelValue(v)
	}
	ls[pmodel.AlertNameLabel] = pmodel.LabelValue(name)

	return &Alert{
		name:        name,
		status:      status,
		labels:      labels,
		annotations: annotations,
		startsAt:    raw.StartsAt,
		fingerprint: ls.Fingerprint().String(),
	}, nil
}

func flatten(field string, in map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if strings.TrimSpace(k) == "" {
			return nil, &MalformedAlertError{Field: field, Reason: "empty key"}
		}
		s, ok := v.(string)
		if !ok {
			return nil, &MalformedAlertError{Field: field + "." + k, Reason: fmt.Sprintf("value must be a string, got %T", v)}
		}
		out[k] = s
	}
	return out, nil
}

func (a *Alert) Name() string        { return a.name }
func (a *Alert) Status() Status      { return a.status }
func (a *Alert) StartsAt() time.Time { return a.startsAt }

// Fingerprint identifies the alert by its name and label set.
func (a *Alert) Fingerprint() string { return a.fingerprint }

// Label returns a single label value.
func (a *Alert) Label(key string) (string, bool) {
	v, ok := a.labels[key]
	return v, ok
}

// Labels returns a copy of the label set.
func (a *Alert) Labels() map[string]string { return copyMap(a.labels) }

// Annotations returns a copy of the annotation set.
func (a *Alert) Annotations() map[string]string { return copyMap(a.annotations) }

// Annotation returns a single annotation value.
func (a *Alert) Annotation(key string) (string, bool) {
	v, ok := a.annotations[key]
	return v, ok
}

// SortedLabelKeys returns label keys in lexicographic order.
func (a *Alert) SortedLabelKeys() []string { return sortedKeys(a.labels) }

// SortedAnnotationKeys returns annotation keys in lexicographic order.
func (a *Alert) SortedAnnotationKeys() []string { return sortedKeys(a.annotations) }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
