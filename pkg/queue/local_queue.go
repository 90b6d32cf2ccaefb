package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"filevault/internal/util"
)

const defaultRetainFinished = 1024

// LocalQueue runs jobs in-process. Jobs do not survive a restart. Only the
// most recent finished jobs stay visible to GetJob.
type LocalQueue struct {
	mu         sync.Mutex
	jobs       map[string]Job
	finished   []string
	retain     int
	pending    chan Job
	maxRetries int
	retryDelay time.Duration
}

type LocalQueueConfig struct {
	Buffer     int
	MaxRetries int
	RetryDelay time.Duration
	// RetainFinished bounds how many done or failed jobs are kept for GetJob.
	RetainFinished int
}

func NewLocalQueue(cfg LocalQueueConfig) *LocalQueue {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retain := cfg.RetainFinished
	if retain <= 0 {
		retain = defaultRetainFinished
	}
	return &LocalQueue{
		jobs:       make(map[string]Job),
		retain:     retain,
		pending:    make(chan Job, buffer),
		maxRetries: maxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, job Job) (Job, error) {
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

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	select {
	case q.pending <- job:
		return job, nil
	case <-ctx.Done():
		q.updateStatus(job.ID, StatusFailed, ctx.Err().Error())
		return Job{}, ctx.Err()
	default:
		q.updateStatus(job.ID, StatusFailed, "queue full")
		return Job{}, errors.New("local queue full")
	}
}

// GetJob returns a job by ID.
func (q *LocalQueue) GetJob(id string) (Job, bool) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	q.mu.Unlock()
	return job, ok
}

func (q *LocalQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.pending:
					q.process(ctx, job, handler)
				}
			}
		}()
	}
}

func (q *LocalQueue) process(ctx context.Context, job Job, handler Handler) {
	for {
		job.Attempts++
		job.Status = StatusProcessing
		q.store(job)
		err := handler(ctx, job)
		if err == nil {
			q.updateStatus(job.ID, StatusDone, "")
			return
		}
		if job.Attempts >= q.maxRetries || ctx.Err() != nil {
			util.LoggerFromContext(ctx).Error("job failed permanently", "job_id", job.ID, "file_id", job.FileID, "kind", job.Kind, "err", err)
			q.updateStatus(job.ID, StatusFailed, err.Error())
			return
		}
		q.updateStatus(job.ID, StatusQueued, err.Error())
		if q.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.retryDelay):
			}
		}
	}
}

func (q *LocalQueue) store(job Job) {
	job.UpdatedAt = time.Now().UTC()
	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()
}

func (q *LocalQueue) updateStatus(id, status, errMsg string) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	q.jobs[id] = job
	if status == StatusDone || status == StatusFailed {
		q.finished = append(q.finished, id)
		for len(q.finished) > q.retain {
			delete(q.jobs, q.finished[0])
			q.finished = q.finished[1:]
		}
	}
	q.mu.Unlock()
}
