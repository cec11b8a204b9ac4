package progress

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisChannel = "storetalon:progress"

// RedisSink publishes events as JSON on a Redis pub/sub channel so the
// hosting transport (SSE, websocket relay) can stream them to the client.
// Each plan gets its own channel suffix when PerPlan is set.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
	perPlan bool
	timeout time.Duration
}

type RedisOption func(*RedisSink)

// WithPerPlanChannel publishes to "<channel>:<planID>" instead of the shared channel.
func WithPerPlanChannel() RedisOption {
	return func(s *RedisSink) { s.perPlan = true }
}

func WithPublishTimeout(d time.Duration) RedisOption {
	return func(s *RedisSink) { s.timeout = d }
}

func NewRedisSink(client redis.UniversalClient, channel string, opts ...RedisOption) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	s := &RedisSink{
		client:  client,
		channel: channel,
		timeout: 2 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Channel returns the channel events for planID are published on.
func (s *RedisSink) Channel(planID string) string {
	if s.perPlan && planID != "" {
		return s.channel + ":" + planID
	}
	return s.channel
}

// Emit publishes e. Publish failures are logged and dropped; progress is
// advisory and must never fail a plan.
func (s *RedisSink) Emit(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("progress: marshal event: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.Channel(e.PlanID), data).Err(); err != nil {
		log.Printf("progress: publish to %s: %v", s.Channel(e.PlanID), err)
	}
}
