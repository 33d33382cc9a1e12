package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/queue"
)

func newEnqueueCmd(a *app) *cobra.Command {
	var f requestFlags
	cmd := &cobra.Command{
		Use:         "enqueue",
		Short:       "Queue a repair request for the worker",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"offline": "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlags(cmd, "target", "batches", "reason"); err != nil {
				return err
			}
			req, err := queue.NewRequest(f.target, f.batches, f.reason, strings.ToUpper(f.mode), time.Now())
			if err != nil {
				return err
			}

			q, err := queue.OpenShared(cmd.Context(), a.cfg.Queue)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()

			if err := q.Enqueue(cmd.Context(), req); err != nil {
				return err
			}
			depth, err := q.Len(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(map[string]any{"request": req, "queue_depth": depth}, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "Queued %s for %s (depth %d)\n", req.RequestID, req.TargetJobID, depth)
			})
		},
	}
	f.register(cmd)
	return cmd
}
