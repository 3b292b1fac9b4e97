package source

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/qiniu/remediator/internal/alerting/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultQueueKey = "remediator:alerts"

// RedisQueue pops normalized alert JSON that the ingestion side pushes onto
// a Redis list (RPUSH) and hands it to the pipeline.
type RedisQueue struct {
	Client  *redis.Client
	Key     string
	Timeout time.Duration // BLPOP block time per round

	// errBackoff allows overriding for tests
	errBackoff time.Duration
}

func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{Client: rdb, Key: key, Timeout: 5 * time.Second, errBackoff: time.Second}
}

// Run forwards alerts to out until ctx is cancelled. Payloads that do not
// decode are logged and dropped.
func (q *RedisQueue) Run(ctx context.Context, out chan<- model.RawAlert) error {
	log.Info().Str("key", q.Key).Msg("consuming alerts from redis queue")
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := q.Client.BLPop(ctx, q.Timeout, q.Key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Str("key", q.Key).Msg("failed to pop alert")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.errBackoff):
			}
			continue
		}
		// res is [key, value]
		if len(res) != 2 {
			continue
		}
		raw, err := Decode([]byte(res[1]))
		if err != nil {
			log.Error().Err(err).Str("key", q.Key).Msg("dropping undecodable alert payload")
			continue
		}
		select {
		case out <- raw:
		case <-ctx.Done():
			q.requeueOnStop(raw)
			return nil
		}
	}
}

func (q *RedisQueue) requeueOnStop(raw model.RawAlert) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Requeue(ctx, raw); err != nil {
		log.Error().Err(err).Str("key", q.Key).Str("alert", raw.Name).Msg("failed to requeue alert on stop")
	}
}

// Push enqueues an alert; used by tooling and tests.
func (q *RedisQueue) Push(ctx context.Context, raw model.RawAlert) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return q.Client.RPush(ctx, q.Key, data).Err()
}

// Requeue puts alerts back at the head of the list in their original order,
// so they are the next ones popped.
func (q *RedisQueue) Requeue(ctx context.Context, raws ...model.RawAlert) error {
	if len(raws) == 0 {
		return nil
	}
	values := make([]any, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		data, err := json.Marshal(raws[i])
		if err != nil {
			return err
		}
		values = append(values, data)
	}
	return q.Client.LPush(ctx, q.Key, values...).Err()
}

// Decode parses one queued payload.
func Decode(data []byte) (model.RawAlert, error) {
	var raw model.RawAlert
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.RawAlert{}, err
	}
	return raw, nil
}
