package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/health"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/policy"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/repair"
)

func newRepairCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Create, approve and inspect repairs",
	}
	cmd.AddCommand(
		newDryRunCmd(a),
		newExecuteCmd(a),
		newTransitionCmd(a, "approve", "Approve a pending repair", a.approve),
		newTransitionCmd(a, "reject", "Reject a pending repair", a.reject),
		newTransitionCmd(a, "rollback", "Revoke an authoritative repair", a.rollback),
		newListPendingCmd(a),
		newHealthCmd(a),
		newSweepCmd(a),
		newCleanupCmd(a),
		newEffectiveCmd(a),
	)
	return cmd
}

type requestFlags struct {
	target      string
	batches     []int
	reason      string
	mode        string
	requestedAt string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.target, "target", "", "PRIMARY job id to repair")
	cmd.Flags().IntSliceVar(&f.batches, "batches", nil, "Batch indices to repair, e.g. 1,2")
	cmd.Flags().StringVar(&f.reason, "reason", "", "Why the batches need repair")
	cmd.Flags().StringVar(&f.mode, "mode", string(manifest.ModeRepair), "Operation mode: REPAIR, PATCH, RECOMPUTE or SNAPSHOT")
	cmd.Flags().StringVar(&f.requestedAt, "requested-at", "", "RFC 3339 request time; reuse it to make a retry idempotent")
}

func (f *requestFlags) request(cmd *cobra.Command) (repair.RepairRequest, error) {
	if err := requireFlags(cmd, "target", "batches", "reason"); err != nil {
		return repair.RepairRequest{}, err
	}
	req := repair.RepairRequest{
		TargetJobID:   f.target,
		BatchIndices:  f.batches,
		Reason:        f.reason,
		OperationMode: manifest.OperationMode(strings.ToUpper(f.mode)),
	}
	if f.requestedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, f.requestedAt)
		if err != nil {
			return req, fmt.Errorf("%w: --requested-at: %v", repairerrors.ErrInvalidInput, err)
		}
		req.RequestedAt = t
	}
	return req, nil
}

func printEvaluation(w io.Writer, ev policy.Evaluation) {
	_, _ = fmt.Fprintf(w, "Decision:    %s (%s)\n", ev.Decision, ev.ReasonCode)
	if overlap, ok := ev.Details["overlapping_indices"]; ok {
		_, _ = fmt.Fprintf(w, "Overlapping: %v\n", overlap)
	}
}

func printList(w io.Writer, label string, items []string) {
	for _, item := range items {
		_, _ = fmt.Fprintf(w, "%s %s\n", label, item)
	}
}

func newDryRunCmd(a *app) *cobra.Command {
	var f requestFlags
	cmd := &cobra.Command{
		Use:   "dry-run",
		Short: "Show what a repair would do without persisting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := f.request(cmd)
			if err != nil {
				return err
			}
			res, err := a.orch.DryRunRepair(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := a.emit(res, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "Repair job:  %s\n", res.RepairJobID)
				if res.Base != nil {
					_, _ = fmt.Fprintf(w, "Base:        %s gen %d, %d batches\n", res.Base.JobID, res.Base.Generation, res.Base.BatchCount)
				}
				printEvaluation(w, res.Evaluation)
				printList(w, "error:", res.Errors)
				printList(w, "warning:", res.Warnings)
			}); err != nil {
				return err
			}
			switch {
			case !res.Valid():
				return fmt.Errorf("%w: %s", repairerrors.ErrInvalidInput, strings.Join(res.Errors, "; "))
			case res.Evaluation.Decision == policy.DecisionBlock:
				return fmt.Errorf("%w: %s", repairerrors.ErrBlocked, res.Evaluation.ReasonCode)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newExecuteCmd(a *app) *cobra.Command {
	var f requestFlags
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Create a repair and act on the policy decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := f.request(cmd)
			if err != nil {
				return err
			}
			res, err := a.orch.ExecuteRepair(cmd.Context(), req)
			if res != nil {
				if perr := a.emit(res, func(w io.Writer) {
					_, _ = fmt.Fprintf(w, "Repair job:  %s\n", res.RepairJobID)
					printEvaluation(w, res.Evaluation)
					if res.Manifest != nil {
						_, _ = fmt.Fprintf(w, "State:       %s\n", res.Manifest.Authority.State)
					}
					if res.Duplicate {
						_, _ = fmt.Fprintln(w, "Duplicate:   already executed")
					}
					printList(w, "warning:", res.Warnings)
				}); perr != nil && err == nil {
					err = perr
				}
			}
			if err != nil {
				return err
			}
			if res.PendingHuman() {
				return errPendingHuman
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

type transitionFunc func(cmd *cobra.Command, jobID, by string) (*manifest.CompositeManifest, error)

func (a *app) approve(cmd *cobra.Command, jobID, by string) (*manifest.CompositeManifest, error) {
	return a.orch.ApproveRepair(cmd.Context(), jobID, by)
}

func (a *app) reject(cmd *cobra.Command, jobID, by string) (*manifest.CompositeManifest, error) {
	return a.orch.RejectRepair(cmd.Context(), jobID, by)
}

func (a *app) rollback(cmd *cobra.Command, jobID, by string) (*manifest.CompositeManifest, error) {
	return a.orch.RollbackRepair(cmd.Context(), jobID, by)
}

func newTransitionCmd(a *app, use, short string, fn transitionFunc) *cobra.Command {
	var job, by string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlags(cmd, "job", "by"); err != nil {
				return err
			}
			m, err := fn(cmd, job, by)
			if err != nil {
				return err
			}
			return a.emit(m, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "%s: %s\n", m.JobID, m.Authority.State)
				if r := m.Authority.Revocation; r != nil {
					_, _ = fmt.Fprintf(w, "Revoked by %s (%s)\n", r.RevokedBy, r.Reason)
				} else if m.Authority.PromotedBy != "" {
					_, _ = fmt.Fprintf(w, "Promoted by %s\n", m.Authority.PromotedBy)
				}
			})
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "Repair job id")
	cmd.Flags().StringVar(&by, "by", "", "Actor recorded on the transition")
	return cmd
}

func newListPendingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-pending",
		Short: "List repairs waiting for approval, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pending, err := a.orch.PendingWithTTL(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(pending, func(w io.Writer) {
				if len(pending) == 0 {
					_, _ = fmt.Fprintln(w, "No pending repairs.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "JOB\tTARGET\tBATCHES\tHOURS\tLEVEL")
				for _, p := range pending {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%v\t%.1f\t%s\n",
						p.Manifest.JobID, p.Manifest.TruthAnchor.RootJobID,
						manifest.RepairIndices(p.Manifest), p.TTL.HoursInPending, p.TTL.EscalationLevel)
				}
				_ = tw.Flush()
			})
		},
	}
}

func newHealthCmd(a *app) *cobra.Command {
	var h7, h30 float64
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Compute manifest health metrics and escalation candidates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hm, err := a.monitor.Check(cmd.Context(), h7, h30)
			if err != nil {
				return err
			}
			esc, err := a.monitor.Escalations(cmd.Context())
			if err != nil {
				return err
			}
			resp := struct {
				Metrics     health.HealthMetrics        `json:"metrics"`
				Escalations health.EscalationCandidates `json:"escalations"`
			}{hm, esc}
			return a.emit(resp, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "Status:        %s\n", hm.Status)
				_, _ = fmt.Fprintf(w, "Pending:       %d of %d derived\n", hm.PendingCount, hm.TotalDerived)
				_, _ = fmt.Fprintf(w, "Failure rate:  %.3f (7d %+.3f, 30d %+.3f)\n", hm.FailureRate, hm.FailureRateDelta7d, hm.FailureRateDelta30d)
				_, _ = fmt.Fprintf(w, "Overlap ratio: %.3f\n", hm.OverlapRatio)
				_, _ = fmt.Fprintf(w, "Escalations:   notify %d, reminder %d, auto-revoke %d\n",
					len(esc.Notify), len(esc.Reminder), len(esc.AutoRevoke))
			})
		},
	}
	cmd.Flags().Float64Var(&h7, "hist-7d", 0, "Historical 7-day failure rate")
	cmd.Flags().Float64Var(&h30, "hist-30d", 0, "Historical 30-day failure rate")
	return cmd
}

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Revoke pending repairs whose approval window has expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.orch.SweepExpired(cmd.Context())
			if res != nil {
				if perr := a.emit(res, func(w io.Writer) {
					_, _ = fmt.Fprintf(w, "Revoked %d expired repair(s)\n", len(res.Revoked))
					printList(w, "  revoked:", res.Revoked)
					printList(w, "  skipped:", res.Skipped)
				}); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete revoked repairs past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dryRun {
				candidates, err := a.monitor.CleanupCandidates(cmd.Context())
				if err != nil {
					return err
				}
				ids := make([]string, 0, len(candidates))
				for _, m := range candidates {
					ids = append(ids, m.JobID)
				}
				return a.emit(map[string]any{"candidates": ids}, func(w io.Writer) {
					_, _ = fmt.Fprintf(w, "%d manifest(s) would be deleted\n", len(ids))
					printList(w, "  ", ids)
				})
			}
			res, err := a.monitor.PurgeCleanupCandidates(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(res, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "Deleted %d manifest(s)\n", len(res.Deleted))
				printList(w, "  deleted:", res.Deleted)
				printList(w, "  retained:", res.Retained)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only list what would be deleted")
	return cmd
}

func newEffectiveCmd(a *app) *cobra.Command {
	var job string
	cmd := &cobra.Command{
		Use:   "effective",
		Short: "Print the effective manifest of a PRIMARY job with its authoritative repairs applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlags(cmd, "job"); err != nil {
				return err
			}
			m, err := a.orch.EffectiveManifest(cmd.Context(), job)
			if err != nil {
				return err
			}
			return a.emit(m, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "%s generation %d\n", m.JobID, m.TruthAnchor.Generation)
				_, _ = fmt.Fprintf(w, "Batches: %v\n", manifest.ExistingIndices(m))
				_, _ = fmt.Fprintf(w, "Total hash: %s\n", m.Checksum.TotalHash)
			})
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "PRIMARY job id")
	return cmd
}
