package main

import (
	"fmt"

	"github.com/spf13/cobra"

	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "repairctl",
		Short:         "Inspect, repair and approve composite manifests",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.format(); err != nil {
				return err
			}
			if err := a.load(); err != nil {
				return err
			}
			if cmd.Annotations["offline"] == "true" {
				return nil
			}
			return a.open(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "Path to a YAML config file")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "Print JSON output")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "human", "Output format: human, json or yaml")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", repairerrors.ErrInvalidInput, err)
	})

	root.AddCommand(
		newRepairCmd(a),
		newPrimaryCmd(a),
		newServeCmd(a),
		newWorkerCmd(a),
		newEnqueueCmd(a),
		newTokenCmd(a),
	)
	return root
}

// requireFlags reports every missing required flag at once.
func requireFlags(cmd *cobra.Command, names ...string) error {
	var missing []string
	for _, name := range names {
		if !cmd.Flags().Changed(name) {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: required flag(s) %v not set", repairerrors.ErrInvalidInput, missing)
	}
	return nil
}
