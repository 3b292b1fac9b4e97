package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ObservationWindow holds off re-running an action for the same alert after
// it succeeded. Alertmanager keeps renotifying a firing alert until the fix
// shows up in the metrics, and each renotification would otherwise spawn a
// new Job.
type ObservationWindow struct {
	Key          string        `json:"key"`
	InvocationID string        `json:"invocation_id"`
	Duration     time.Duration `json:"duration"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
}

// ObservationWindowManager stores windows keyed by alert fingerprint and
// action position.
type ObservationWindowManager interface {
	StartObservation(ctx context.Context, key, invocationID string, duration time.Duration) error
	CheckObservation(ctx context.Context, key string) (*ObservationWindow, error)
	CancelObservation(ctx context.Context, key string) error
}

// WindowKey identifies one action of one playbook for one alert.
func WindowKey(fingerprint string, playbookIndex, actionIndex int) string {
	return fmt.Sprintf("%s:%d:%d", fingerprint, playbookIndex, actionIndex)
}

const observationKeyPrefix = "remediator:observation:"

// RedisObservationWindowManager keeps windows in Redis so that replicas
// sharing a queue also share suppression.
type RedisObservationWindowManager struct {
	redis *redis.Client
}

func NewRedisObservationWindowManager(rdb *redis.Client) *RedisObservationWindowManager {
	return &RedisObservationWindowManager{redis: rdb}
}

func (m *RedisObservationWindowManager) StartObservation(ctx context.Context, key, invocationID string, duration time.Duration) error {
	if m.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	now := time.Now()
	window := &ObservationWindow{
		Key:          key,
		InvocationID: invocationID,
		Duration:     duration,
		StartTime:    now,
		EndTime:      now.Add(duration),
	}
	data, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("failed to marshal observation window: %w", err)
	}
	// the TTL is the window itself; expiry ends the observation
	if err := m.redis.Set(ctx, observationKeyPrefix+key, data, duration).Err(); err != nil {
		return fmt.Errorf("failed to store observation window: %w", err)
	}
	log.Info().
		Str("key", key).
		Str("invocation", invocationID).
		Dur("duration", duration).
		Time("end_time", window.EndTime).
		Msg("started observation window")
	return nil
}

// CheckObservation returns nil when no window is active for key.
func (m *RedisObservationWindowManager) CheckObservation(ctx context.Context, key string) (*ObservationWindow, error) {
	if m.redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	data, err := m.redis.Get(ctx, observationKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get observation window: %w", err)
	}
	var window ObservationWindow
	if err := json.Unmarshal(data, &window); err != nil {
		return nil, fmt.Errorf("failed to unmarshal observation window: %w", err)
	}
	if time.Now().After(window.EndTime) {
		m.redis.Del(ctx, observationKeyPrefix+key)
		return nil, nil
	}
	return &window, nil
}

func (m *RedisObservationWindowManager) CancelObservation(ctx context.Context, key string) error {
	if m.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	n, err := m.redis.Del(ctx, observationKeyPrefix+key).Result()
	if err != nil {
		return fmt.Errorf("failed to cancel observation window: %w", err)
	}
	if n > 0 {
		log.Info().Str("key", key).Msg("cancelled observation window")
	}
	return nil
}
