package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/transfa/bonus-service/internal/domain"
)

var (
	ErrDispatcherStopped = errors.New("dispatcher stopped")
	errPipelinePanic     = errors.New("pipeline panicked")
)

type workerKey struct{}

// WorkerFromContext returns the id of the dispatcher worker running the pipeline.
func WorkerFromContext(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(workerKey{}).(int)
	return id, ok
}

type loginPipeline interface {
	Process(ctx context.Context, unit domain.LoginProcessEvent) Outcome
}

type dispatchJob struct {
	ctx    context.Context
	unit   domain.LoginProcessEvent
	result chan Outcome
}

// Dispatcher runs pipelines on a fixed set of worker goroutines. A unit is handed to
// exactly one worker and stays there until it reaches a terminal state.
type Dispatcher struct {
	pipeline loginPipeline
	workers  int
	logger   *slog.Logger

	jobs     chan dispatchJob
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDispatcher(pipeline loginPipeline, workers int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		pipeline: pipeline,
		workers:  workers,
		logger:   logger,
		jobs:     make(chan dispatchJob),
		stop:     make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(i + 1)
	}
	d.logger.Info("dispatcher started", "workers", d.workers)
}

// Dispatch blocks until a worker accepts unit. The returned channel yields its Outcome.
// An error means the unit was not accepted and must be redelivered. Once accepted, the
// unit runs to a terminal state even if ctx is cancelled afterwards.
func (d *Dispatcher) Dispatch(ctx context.Context, unit domain.LoginProcessEvent) (<-chan Outcome, error) {
	job := dispatchJob{ctx: context.WithoutCancel(ctx), unit: unit, result: make(chan Outcome, 1)}
	select {
	case <-d.stop:
		return nil, ErrDispatcherStopped
	default:
	}
	select {
	case d.jobs <- job:
		return job.result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("dispatch event %s: %w", unit.EventID, ctx.Err())
	case <-d.stop:
		return nil, ErrDispatcherStopped
	}
}

// Stop refuses new units and waits for running pipelines to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) work(id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case job := <-d.jobs:
			job.result <- d.run(id, job)
		}
	}
}

func (d *Dispatcher) run(id int, job dispatchJob) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("pipeline panic recovered",
				"worker", id,
				"event_id", job.unit.EventID,
				"user_id", job.unit.UserID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			out = Outcome{
				EventID:   job.unit.EventID,
				UserID:    job.unit.UserID,
				State:     StateFailed,
				Err:       fmt.Errorf("%w: %v", errPipelinePanic, r),
				Redeliver: true,
			}
		}
	}()
	ctx := context.WithValue(job.ctx, workerKey{}, id)
	return d.pipeline.Process(ctx, job.unit)
}
