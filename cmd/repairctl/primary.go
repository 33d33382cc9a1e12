package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
)

func newPrimaryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "primary",
		Short: "Register and verify PRIMARY job manifests",
	}
	cmd.AddCommand(newRegisterCmd(a), newVerifyCmd(a))
	return cmd
}

func printManifest(w io.Writer, m *manifest.CompositeManifest) {
	_, _ = fmt.Fprintf(w, "%s (%s) %s\n", m.JobID, m.JobIdentity, m.Authority.State)
	_, _ = fmt.Fprintf(w, "Batches:    %v\n", manifest.ExistingIndices(m))
	_, _ = fmt.Fprintf(w, "Total hash: %s\n", m.Checksum.TotalHash)
}

func newRegisterCmd(a *app) *cobra.Command {
	var (
		job        string
		batches    []int
		checkpoint string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a completed job as an AUTHORITATIVE PRIMARY manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				m   *manifest.CompositeManifest
				err error
			)
			switch {
			case checkpoint != "" && cmd.Flags().Changed("batches"):
				return fmt.Errorf("%w: --batches and --checkpoint are mutually exclusive", repairerrors.ErrInvalidInput)
			case checkpoint != "":
				raw, rerr := os.ReadFile(checkpoint)
				if rerr != nil {
					return fmt.Errorf("%w: read checkpoint: %v", repairerrors.ErrInvalidInput, rerr)
				}
				cp, perr := manifest.ParseCheckpoint(raw)
				if perr != nil {
					return perr
				}
				m, err = a.orch.RegisterPrimaryFromCheckpoint(cmd.Context(), cp)
			default:
				if err := requireFlags(cmd, "job", "batches"); err != nil {
					return err
				}
				m, err = a.orch.RegisterPrimary(cmd.Context(), job, batches)
			}
			if err != nil {
				return err
			}
			return a.emit(m, func(w io.Writer) { printManifest(w, m) })
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "PRIMARY job id")
	cmd.Flags().IntSliceVar(&batches, "batches", nil, "Completed batch indices, e.g. 0,1,2")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "Path to a completed job checkpoint (JSON)")
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	var job string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a PRIMARY manifest checksum, revoking it when tampered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlags(cmd, "job"); err != nil {
				return err
			}
			m, err := a.orch.VerifyPrimary(cmd.Context(), job)
			if m != nil {
				if perr := a.emit(m, func(w io.Writer) { printManifest(w, m) }); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "PRIMARY job id")
	return cmd
}
