package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
)

// Handler processes one request. Errors are logged and reported, never retried.
type Handler func(ctx context.Context, req Request) error

// ResultFunc observes the outcome of every processed request.
type ResultFunc func(req Request, err error)

// laneBuffer is how many requests may wait on a single partition.
const laneBuffer = 16

// defaultDequeueBackoff is the pause after a failed Dequeue before polling again.
const defaultDequeueBackoff = time.Second

// Worker drains a Queue. Requests are routed to a partition by target job id and each
// partition runs sequentially, so at most one request per target is in flight.
type Worker struct {
	queue      Queue
	handle     Handler
	partitions int
	limiter    *rate.Limiter
	onResult   ResultFunc
	backoff    time.Duration
	logger     *slog.Logger
}

type WorkerOption func(*Worker)

func WithPartitions(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.partitions = n
		}
	}
}

// WithRate bounds processing across all partitions. perSecond <= 0 disables the limit.
func WithRate(perSecond float64, burst int) WorkerOption {
	return func(w *Worker) {
		if perSecond <= 0 {
			w.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithResultFunc(fn ResultFunc) WorkerOption {
	return func(w *Worker) { w.onResult = fn }
}

// WithDequeueBackoff sets the pause after a transient Dequeue failure.
func WithDequeueBackoff(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.backoff = d
		}
	}
}

func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

func NewWorker(q Queue, h Handler, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:      q,
		handle:     h,
		partitions: 4,
		limiter:    rate.NewLimiter(rate.Inf, 0),
		backoff:    defaultDequeueBackoff,
		logger:     slog.Default().With("component", "queue.worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Partition returns the lane index for a target job id.
func Partition(targetJobID string, partitions int) int {
	return int(xxhash.Sum64String(targetJobID) % uint64(partitions))
}

// Run consumes until ctx is cancelled or the queue is closed. Both end the run cleanly.
// A message that cannot be decoded is reported and skipped; any other Dequeue failure
// is logged and polled again after the backoff.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	lanes := make([]chan Request, w.partitions)
	for i := range lanes {
		lanes[i] = make(chan Request, laneBuffer)
		g.Go(func() error {
			w.drain(gctx, i, lanes[i])
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, lane := range lanes {
				close(lane)
			}
		}()
		for {
			req, err := w.queue.Dequeue(gctx)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, ErrClosed) {
					return nil
				}
				if errors.Is(err, repairerrors.ErrInvalidInput) {
					w.logger.WarnContext(gctx, "dropping undecodable request", "error", err)
					w.report(req, err)
					continue
				}
				w.logger.ErrorContext(gctx, "dequeue failed", "error", err, "retry_in", w.backoff)
				select {
				case <-time.After(w.backoff):
					continue
				case <-gctx.Done():
					return nil
				}
			}
			if err := req.Validate(); err != nil {
				w.logger.WarnContext(gctx, "dropping invalid request", "request_id", req.RequestID, "error", err)
				w.report(req, err)
				continue
			}
			select {
			case lanes[Partition(req.TargetJobID, w.partitions)] <- req:
			case <-gctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

func (w *Worker) drain(ctx context.Context, lane int, in <-chan Request) {
	for req := range in {
		if ctx.Err() != nil {
			continue
		}
		if err := w.limiter.Wait(ctx); err != nil {
			continue
		}
		err := w.handle(ctx, req)
		if err != nil {
			w.logger.ErrorContext(ctx, "repair request failed",
				"request_id", req.RequestID, "target_job_id", req.TargetJobID, "partition", lane, "error", err)
		} else {
			w.logger.InfoContext(ctx, "repair request processed",
				"request_id", req.RequestID, "target_job_id", req.TargetJobID, "partition", lane)
		}
		w.report(req, err)
	}
}

func (w *Worker) report(req Request, err error) {
	if w.onResult != nil {
		w.onResult(req, err)
	}
}
