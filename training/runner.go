package training

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"optiver-forecast/apperr"
	"optiver-forecast/database/jobs"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/logger"
	"optiver-forecast/metrics"
)

// JobEventsChannel is the redis channel job status changes are published on.
const JobEventsChannel = "trainer:jobs"

var errQueueFull = errors.New("job queue is full")

// Executor runs the work behind a job.
type Executor interface {
	Train(ctx context.Context, req TrainRequest) (TrainResult, error)
	Inference(ctx context.Context, req InferenceRequest) (InferenceResult, error)
}

// Broadcaster pushes events to live listeners.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// Publisher publishes events to other processes.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

// Notifier is told about every job that reached a terminal status.
type Notifier interface {
	Notify(ctx context.Context, job *models.Job)
}

// RunnerOptions configures a Runner. Nil collaborators are skipped.
type RunnerOptions struct {
	Workers     int
	QueueSize   int
	Broadcaster Broadcaster
	Publisher   Publisher
	Notifier    Notifier
	Logger      *logger.Logger
}

// Runner executes queued jobs on a fixed pool of workers. The job table is
// the source of truth: the in-memory queue only carries ids.
type Runner struct {
	repo     *jobs.Repository
	exec     Executor
	queue    chan string
	workers  int
	broker   Broadcaster
	pub      Publisher
	notifier Notifier
	log      *logger.Logger
}

// NewRunner creates a runner over repo.
func NewRunner(repo *jobs.Repository, exec Executor, opts RunnerOptions) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Runner{
		repo:     repo,
		exec:     exec,
		queue:    make(chan string, opts.QueueSize),
		workers:  opts.Workers,
		broker:   opts.Broadcaster,
		pub:      opts.Publisher,
		notifier: opts.Notifier,
		log:      opts.Logger,
	}
}

// SubmitTrain queues a training job.
func (r *Runner) SubmitTrain(ctx context.Context, req TrainRequest) (*models.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return r.submit(ctx, models.JobKindTrain, req)
}

// SubmitInference queues an inference job.
func (r *Runner) SubmitInference(ctx context.Context, req InferenceRequest) (*models.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return r.submit(ctx, models.JobKindInference, req)
}

func (r *Runner) submit(ctx context.Context, kind string, req any) (*models.Job, error) {
	if len(r.queue) >= cap(r.queue) {
		return nil, apperr.Dependency(errQueueFull, "job queue is full, try again later")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "failed to encode job payload")
	}
	job, err := r.repo.Create(ctx, kind, payload)
	if err != nil {
		return nil, err
	}
	r.emit(ctx, job)
	return job, r.enqueue(ctx, job.ID)
}

// Retry puts a failed job back in the queue.
func (r *Runner) Retry(ctx context.Context, id string) (*models.Job, error) {
	job, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobFailed {
		return nil, apperr.Conflict("only failed jobs can be retried, job %s is %s", id, job.Status)
	}
	if job, err = r.repo.Requeue(ctx, id); err != nil {
		return nil, err
	}
	r.emit(ctx, job)
	return job, r.enqueue(ctx, job.ID)
}

// Run re-queues jobs left unfinished by a previous process and then works
// the queue until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	pending, err := r.recoverUnfinished(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		worker := i
		g.Go(func() error {
			r.work(ctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		for _, id := range pending {
			if err := r.enqueue(ctx, id); err != nil {
				return nil
			}
		}
		return nil
	})

	r.log.Info("job runner started", logger.NewField("workers", r.workers), logger.NewField("recovered", len(pending)))
	err = g.Wait()
	r.log.Info("job runner stopped")
	return err
}

func (r *Runner) recoverUnfinished(ctx context.Context) ([]string, error) {
	unfinished, err := r.repo.Unfinished(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(unfinished))
	for _, job := range unfinished {
		if job.Status == models.JobRunning {
			requeued, err := r.repo.Requeue(ctx, job.ID)
			if err != nil {
				r.log.Warn("failed to requeue interrupted job", logger.NewField("job_id", job.ID), logger.NewField("error", err.Error()))
				continue
			}
			r.emit(ctx, requeued)
		}
		ids = append(ids, job.ID)
	}
	return ids, nil
}

func (r *Runner) enqueue(ctx context.Context, id string) error {
	select {
	case r.queue <- id:
		metrics.QueueDepth.Set(float64(len(r.queue)))
		return nil
	case <-ctx.Done():
		return apperr.Dependency(ctx.Err(), "job was stored but not queued")
	}
}

func (r *Runner) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.queue:
			metrics.QueueDepth.Set(float64(len(r.queue)))
			r.process(ctx, id, worker)
		}
	}
}

// process runs one job. A job interrupted by shutdown stays running so the
// next process picks it up again.
func (r *Runner) process(ctx context.Context, id string, worker int) {
	log := r.log.WithFields(logger.NewField("job_id", id), logger.NewField("worker", worker))

	job, err := r.repo.MarkRunning(ctx, id)
	if err != nil {
		log.Warn("skipping job", logger.NewField("error", err.Error()))
		return
	}
	r.emit(ctx, job)
	log.Info("job started", logger.NewField("kind", job.Kind), logger.NewField("attempt", job.Attempts))

	start := time.Now()
	result, runErr := r.execute(logger.WithContext(ctx, log), job)
	if runErr != nil && ctx.Err() != nil {
		log.Warn("job interrupted by shutdown")
		return
	}

	// record the outcome even if shutdown starts now
	ctx = context.WithoutCancel(ctx)
	if runErr != nil {
		log.Error(runErr, logger.NewField("kind", job.Kind))
		job, err = r.repo.MarkFailed(ctx, id, runErr.Error())
	} else {
		log.Info("job succeeded", logger.NewField("kind", job.Kind))
		job, err = r.repo.MarkSucceeded(ctx, id, string(result))
	}
	if err != nil {
		log.Error(err)
		return
	}
	metrics.JobDuration.WithLabelValues(job.Kind, job.Status).Observe(time.Since(start).Seconds())
	r.emit(ctx, job)
}

func (r *Runner) execute(ctx context.Context, job *models.Job) ([]byte, error) {
	var out any
	switch job.Kind {
	case models.JobKindTrain:
		var req TrainRequest
		if err := json.Unmarshal([]byte(job.Payload), &req); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "invalid train payload")
		}
		res, err := r.exec.Train(ctx, req)
		if err != nil {
			return nil, err
		}
		out = res
	case models.JobKindInference:
		var req InferenceRequest
		if err := json.Unmarshal([]byte(job.Payload), &req); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "invalid inference payload")
		}
		res, err := r.exec.Inference(ctx, req)
		if err != nil {
			return nil, err
		}
		out = res
	default:
		return nil, apperr.Validation("unknown job kind %q", job.Kind)
	}
	return json.Marshal(out)
}

// emit fans a status change out to metrics, live listeners, redis and,
// for finished jobs, webhooks.
func (r *Runner) emit(ctx context.Context, job *models.Job) {
	metrics.JobTransitions.WithLabelValues(job.Kind, job.Status).Inc()
	if r.broker != nil {
		r.broker.Broadcast("job", job)
	}
	if r.pub != nil {
		if err := r.pub.Publish(ctx, JobEventsChannel, job); err != nil {
			r.log.Warn("failed to publish job event", logger.NewField("job_id", job.ID), logger.NewField("error", err.Error()))
		}
	}
	if r.notifier != nil && job.Finished() {
		r.notifier.Notify(ctx, job)
	}
}
