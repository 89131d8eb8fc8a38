package queue

import (
	"context"

	"github.com/itstheanurag/judgebox/internal/executor"
	"github.com/itstheanurag/judgebox/internal/metrics"
	"github.com/itstheanurag/judgebox/internal/report"
)

type Job struct {
	ID         string
	Submission executor.Submission
	Result     chan report.AggregateResult
	Err        chan error
	Ctx        context.Context
}

// NewJob returns a job whose result channels are buffered, so a worker never
// blocks on a caller that has gone away.
func NewJob(ctx context.Context, id string, sub executor.Submission) *Job {
	return &Job{
		ID:         id,
		Submission: sub,
		Result:     make(chan report.AggregateResult, 1),
		Err:        make(chan error, 1),
		Ctx:        ctx,
	}
}

// Reply is the message-queue response to a submission.
type Reply struct {
	ID     string                  `json:"id"`
	Result *report.AggregateResult `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// Request is the message-queue form of a submission. ID is echoed back in
// the Reply and generated when empty.
type Request struct {
	ID string `json:"id,omitempty"`
	executor.Submission
}

type Manager struct {
	jobQueue chan *Job
}

func NewManager(capacity int) *Manager {
	return &Manager{
		jobQueue: make(chan *Job, capacity),
	}
}

// Submit enqueues job, waiting for room until ctx is done.
func (m *Manager) Submit(ctx context.Context, job *Job) error {
	select {
	case m.jobQueue <- job:
		metrics.QueueDepth.Set(float64(len(m.jobQueue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run submits a job and waits for its outcome.
func (m *Manager) Run(ctx context.Context, id string, sub executor.Submission) (report.AggregateResult, error) {
	job := NewJob(ctx, id, sub)
	if err := m.Submit(ctx, job); err != nil {
		return report.AggregateResult{}, err
	}
	select {
	case res := <-job.Result:
		return res, nil
	case err := <-job.Err:
		return report.AggregateResult{}, err
	case <-ctx.Done():
		return report.AggregateResult{}, ctx.Err()
	}
}

func (m *Manager) NextJob() <-chan *Job {
	return m.jobQueue
}

func (m *Manager) Len() int { return len(m.jobQueue) }

func (m *Manager) UpdateQueueMetric() {
	metrics.QueueDepth.Set(float64(len(m.jobQueue)))
}
