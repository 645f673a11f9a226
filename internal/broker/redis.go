package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "settlement:queue:"

type redisEnvelope struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

// claimScript возвращает в очередь сообщения с истёкшей арендой и переносит доступные
// в набор захваченных. Ответ — пары member, attempts.
var claimScript = redis.NewScript(`
local ready, inflight, attempts = KEYS[1], KEYS[2], KEYS[3]
local now, limit, deadline = ARGV[1], tonumber(ARGV[2]), ARGV[3]

for _, m in ipairs(redis.call('ZRANGEBYSCORE', inflight, '-inf', now)) do
	redis.call('ZREM', inflight, m)
	redis.call('ZADD', ready, now, m)
end

local res = {}
for _, m in ipairs(redis.call('ZRANGEBYSCORE', ready, '-inf', now, 'LIMIT', 0, limit)) do
	redis.call('ZREM', ready, m)
	redis.call('ZADD', inflight, deadline, m)
	res[#res + 1] = m
	res[#res + 1] = redis.call('HINCRBY', attempts, m, 1)
end
return res
`)

// retryScript переносит сообщение из захваченных в готовые, если аренда ещё у вызывающего.
var retryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// Redis хранит каждый топик в двух sorted set: готовые сообщения с временем доступности
// в качестве score и захваченные сообщения со сроком окончания аренды. Число попыток
// лежит в hash по тому же member. Переносы между наборами выполняются скриптами.
type Redis struct {
	client redis.Cmdable
	now    func() time.Time
}

// NewRedis создаёт брокер поверх клиента Redis.
func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client, now: time.Now}
}

func readyKey(topic string) string {
	return redisKeyPrefix + topic
}

func inflightKey(topic string) string {
	return redisKeyPrefix + topic + ":inflight"
}

func attemptsKey(topic string) string {
	return redisKeyPrefix + topic + ":attempts"
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Publish добавляет сообщение в готовый набор со score = время доступности.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte, delay time.Duration) error {
	data, err := json.Marshal(redisEnvelope{ID: uuid.NewString(), Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.client.ZAdd(ctx, readyKey(topic), redis.Z{
		Score:  float64(r.now().Add(delay).UnixMilli()),
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", topic, err)
	}
	return nil
}

// Claim возвращает в очередь сообщения с истёкшей арендой и захватывает доступные.
func (r *Redis) Claim(ctx context.Context, topic string, limit int, lease time.Duration) ([]Message, error) {
	now := r.now()
	keys := []string{readyKey(topic), inflightKey(topic), attemptsKey(topic)}

	reply, err := claimScript.Run(ctx, r.client, keys, millis(now), limit, millis(now.Add(lease))).Slice()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", topic, err)
	}

	res := make([]Message, 0, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		member, _ := reply[i].(string)
		attempts, _ := reply[i+1].(int64)

		var env redisEnvelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			return res, fmt.Errorf("unmarshal envelope: %w", err)
		}

		res = append(res, Message{
			ID:       env.ID,
			Topic:    topic,
			Payload:  env.Payload,
			Attempts: int(attempts),
			member:   member,
		})
	}
	return res, nil
}

// Ack удаляет захваченное сообщение и его счётчик попыток.
func (r *Redis) Ack(ctx context.Context, msg Message) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, inflightKey(msg.Topic), msg.member)
		pipe.HDel(ctx, attemptsKey(msg.Topic), msg.member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", msg.Topic, err)
	}
	return nil
}

// Retry переносит сообщение из захваченных в готовые со сдвигом delay.
// Если аренда уже истекла и сообщение вернул другой воркер, ничего не делает.
func (r *Redis) Retry(ctx context.Context, msg Message, delay time.Duration) error {
	keys := []string{inflightKey(msg.Topic), readyKey(msg.Topic)}
	if err := retryScript.Run(ctx, r.client, keys, msg.member, millis(r.now().Add(delay))).Err(); err != nil {
		return fmt.Errorf("retry %s: %w", msg.Topic, err)
	}
	return nil
}
