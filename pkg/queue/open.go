package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options selects and configures a Queue backend.
type Options struct {
	// Backend is one of "redis", "amqp" or "local".
	Backend       string
	RedisClient   *redis.Client
	RedisAddr     string
	RedisPassword string
	AMQPURL       string
	// Name is the Redis stream or AMQP queue name.
	Name       string
	Group      string
	MaxRetries int
	RetryDelay time.Duration
}

// Open builds the configured queue. AMQP queues hold a connection; callers
// close it through io.Closer.
func Open(opts Options) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "redis":
		return NewRedisJobQueue(RedisQueueConfig{
			Client:     opts.RedisClient,
			Addr:       opts.RedisAddr,
			Password:   opts.RedisPassword,
			Stream:     opts.Name,
			Group:      opts.Group,
			MaxRetries: opts.MaxRetries,
			RetryDelay: opts.RetryDelay,
		})
	case "amqp":
		return NewAMQPQueue(AMQPQueueConfig{
			URL:        opts.AMQPURL,
			Queue:      opts.Name,
			MaxRetries: opts.MaxRetries,
			RetryDelay: opts.RetryDelay,
		})
	case "local":
		return NewLocalQueue(LocalQueueConfig{MaxRetries: opts.MaxRetries, RetryDelay: opts.RetryDelay}), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", opts.Backend)
	}
}
