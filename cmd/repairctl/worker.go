package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/queue"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/repair"
)

// executeHandler runs queued requests through the orchestrator. The queued
// requested_at is kept so a redelivered request resolves to the same contract.
func executeHandler(orch *repair.Orchestrator, log *slog.Logger) queue.Handler {
	return func(ctx context.Context, req queue.Request) error {
		res, err := orch.ExecuteRepair(ctx, repair.RepairRequest{
			TargetJobID:   req.TargetJobID,
			BatchIndices:  req.BatchIndices,
			Reason:        req.Reason,
			OperationMode: manifest.OperationMode(req.OperationMode),
			RequestedAt:   req.RequestedAt,
		})
		if err != nil {
			return err
		}
		if res.PendingHuman() {
			log.InfoContext(ctx, "repair request awaits approval",
				"request_id", req.RequestID, "job_id", res.RepairJobID, "reason_code", res.Evaluation.ReasonCode)
		}
		return nil
	}
}

func newWorkerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume queued repair requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			q, err := queue.OpenShared(ctx, a.cfg.Queue)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()

			log := a.logger.With("component", "worker")
			w := queue.NewWorker(q, executeHandler(a.orch, log),
				queue.WithPartitions(a.cfg.Queue.Partitions),
				queue.WithRate(a.cfg.Queue.RatePerSecond, a.cfg.Queue.Partitions),
				queue.WithWorkerLogger(log),
				queue.WithResultFunc(func(req queue.Request, err error) {
					if err != nil {
						log.Warn("repair request dropped", "request_id", req.RequestID,
							"code", repairerrors.CodeOf(err), "retryable", repairerrors.RetryableOf(err))
					}
				}),
			)
			log.InfoContext(ctx, "worker started", "queue", a.cfg.Queue.Type, "partitions", a.cfg.Queue.Partitions)
			return w.Run(ctx)
		},
	}
}
