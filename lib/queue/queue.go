package queue

import (
	"context"

	"github.com/google/uuid"
)

// Job is one enqueued unit of fan-out work. It carries record identity
// only; the engine reloads the notifier so the job always sees the
// record's final post-event state.
type Job struct {
	ID           string `json:"id"`
	NotifierKind string `json:"notifier_kind"`
	NotifierID   uint   `json:"notifier_id"`
	Association  string `json:"association"`
	Method       string `json:"method"`
	Priority     int    `json:"priority"`
}

func NewJob(notifierKind string, notifierID uint, association, method string, priority int) Job {
	return Job{
		ID:           uuid.NewString(),
		NotifierKind: notifierKind,
		NotifierID:   notifierID,
		Association:  association,
		Method:       method,
		Priority:     priority,
	}
}

// Handler executes one job. A returned error means the job failed
// permanently; the queue reports it and moves on, it does not retry.
type Handler func(ctx context.Context, job Job) error

// Queue accepts jobs for asynchronous execution. Lower priority numbers
// are preferred; ordering among equal priorities is unspecified.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}
