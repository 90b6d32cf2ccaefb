// Package queue dispatches secondary processing work outside the request path.
// Delivery is at-least-once; handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job is a named unit of work: {fileId, derivativeKind, params}.
type Job struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	FileID       string            `json:"fileId"`
	Kind         string            `json:"kind"`
	Params       map[string]string `json:"params,omitempty"`
	Status       string            `json:"status"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Attempts     int               `json:"attempts"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Handler processes a delivered job. A nil error acknowledges it.
type Handler func(context.Context, Job) error

// Queue is the secondary-processing collaborator.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (Job, error)
	Start(ctx context.Context, concurrency int, handler Handler)
}

// Enqueuer is the producer side only.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) (Job, error)
}

func validateJob(job Job) error {
	if strings.TrimSpace(job.FileID) == "" {
		return errors.New("fileId required")
	}
	if strings.TrimSpace(job.Kind) == "" {
		return errors.New("kind required")
	}
	return nil
}

func encodeParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	raw, _ := json.Marshal(params)
	return string(raw)
}

func decodeParams(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var params map[string]string
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil
	}
	return params
}
