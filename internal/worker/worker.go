package worker

import (
	"context"
	"time"

	"github.com/itstheanurag/judgebox/internal/executor"
	"github.com/itstheanurag/judgebox/internal/metrics"
	"github.com/itstheanurag/judgebox/internal/queue"
	"github.com/itstheanurag/judgebox/internal/report"
	"github.com/rs/zerolog"
)

// Runner executes one submission. *executor.Engine satisfies it.
type Runner interface {
	Execute(ctx context.Context, sub executor.Submission) (report.AggregateResult, error)
}

type Worker struct {
	id      int
	runner  Runner
	manager *queue.Manager
	logger  *zerolog.Logger
}

func NewWorker(id int, runner Runner, manager *queue.Manager, logger *zerolog.Logger) *Worker {
	return &Worker{
		id:      id,
		runner:  runner,
		manager: manager,
		logger:  logger,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().Int("worker_id", w.id).Msg("worker started")
	for {
		select {
		case job := <-w.manager.NextJob():
			w.manager.UpdateQueueMetric()
			metrics.ActiveWorkers.Inc()
			w.processJob(job)
			metrics.ActiveWorkers.Dec()
		case <-ctx.Done():
			w.logger.Info().Int("worker_id", w.id).Msg("worker stopping")
			return
		}
	}
}

func (w *Worker) processJob(job *queue.Job) {
	if err := job.Ctx.Err(); err != nil {
		w.logger.Warn().Int("worker_id", w.id).Str("job_id", job.ID).Msg("dropping job, caller gave up")
		job.Err <- err
		return
	}

	w.logger.Info().
		Int("worker_id", w.id).
		Str("job_id", job.ID).
		Str("language", job.Submission.Language).
		Int("repeat", job.Submission.RepeatCount).
		Msg("processing job")

	startTime := time.Now()
	result, err := w.runner.Execute(job.Ctx, job.Submission)
	if err != nil {
		w.logger.Error().Err(err).Int("worker_id", w.id).Str("job_id", job.ID).Msg("job failed")
		job.Err <- err
		return
	}

	w.logger.Info().
		Int("worker_id", w.id).
		Str("job_id", job.ID).
		Bool("output_matched", result.OutputMatched).
		Dur("took", time.Since(startTime)).
		Msg("job finished")
	job.Result <- result
}
