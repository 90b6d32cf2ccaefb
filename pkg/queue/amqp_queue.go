package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"filevault/internal/util"
)

// AMQPQueue publishes jobs to a durable RabbitMQ queue.
type AMQPQueue struct {
	conn       *amqp.Connection
	pubMu      sync.Mutex
	pub        *amqp.Channel
	queue      string
	maxRetries int
	retryDelay time.Duration
}

type AMQPQueueConfig struct {
	URL        string
	Queue      string
	MaxRetries int
	RetryDelay time.Duration
}

func NewAMQPQueue(cfg AMQPQueueConfig) (*AMQPQueue, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		return nil, errors.New("amqp queue name required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	return &AMQPQueue{
		conn:       conn,
		pub:        ch,
		queue:      name,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}, nil
}

func (q *AMQPQueue) Close() error {
	return q.conn.Close()
}

func (q *AMQPQueue) Enqueue(ctx context.Context, job Job) (Job, error) {
	if err := validateJob(job); err != nil {
		return Job{}, err
	}
	now := time.Now().UTC()
	job.ID = util.NewID()
	if job.Name == "" {
		job.Name = job.Kind
	}
	job.Status = StatusQueued
	job.Attempts = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := q.publish(ctx, job); err != nil {
		return Job{}, fmt.Errorf("enqueue %s: %w", job.Kind, err)
	}
	return job, nil
}

func (q *AMQPQueue) publish(ctx context.Context, job Job) error {
	msg, err := jobPublishing(job)
	if err != nil {
		return err
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.pub.PublishWithContext(ctx, "", q.queue, false, false, msg)
}

// Start opens one channel per consumer with prefetch 1.
func (q *AMQPQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		ch, err := q.conn.Channel()
		if err != nil {
			util.LoggerFromContext(ctx).Error("open amqp consumer channel", "queue", q.queue, "err", err)
			return
		}
		if err := ch.Qos(1, 0, false); err != nil {
			util.LoggerFromContext(ctx).Warn("set amqp prefetch", "queue", q.queue, "err", err)
		}
		deliveries, err := ch.ConsumeWithContext(ctx, q.queue, fmt.Sprintf("filevault-%d", i), false, false, false, false, nil)
		if err != nil {
			util.LoggerFromContext(ctx).Error("consume amqp queue", "queue", q.queue, "err", err)
			_ = ch.Close()
			return
		}
		go func() {
			defer ch.Close()
			for d := range deliveries {
				q.handleDelivery(ctx, d, handler)
			}
		}()
	}
}

func (q *AMQPQueue) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	job, err := jobFromDelivery(d)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("drop malformed job", "queue", q.queue, "err", err)
		_ = d.Ack(false)
		return
	}
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	err = handler(ctx, job)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "file_id", job.FileID, "kind", job.Kind, "attempts", job.Attempts)
	if job.Attempts >= q.maxRetries {
		logger.Error("job failed permanently", "err", err)
		_ = d.Ack(false)
		return
	}
	logger.Warn("job failed, requeueing", "err", err)
	job.Status = StatusQueued
	job.ErrorMessage = err.Error()
	select {
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	case <-time.After(q.retryDelay):
	}
	if err := q.publish(ctx, job); err != nil {
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func jobPublishing(job Job) (amqp.Publishing, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Type:         job.Kind,
		Timestamp:    job.UpdatedAt,
		Body:         body,
	}, nil
}

func jobFromDelivery(d amqp.Delivery) (Job, error) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if job.ID == "" {
		job.ID = d.MessageId
	}
	if err := validateJob(job); err != nil {
		return Job{}, err
	}
	return job, nil
}
