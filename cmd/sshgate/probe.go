package main

import (
	"fmt"

	"github.com/andrej220/sshgate/pkg/executor"
	"github.com/spf13/cobra"
)

func newProbeCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Report whether the command-line helper is usable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			cache := executor.NewCapabilityCache(executor.NewHelperDetector(cfg.Executor.Helper, cfg.Executor.SSHBinary))
			state := cache.Resolve(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", cfg.Executor.Helper, state)
			return nil
		},
	}
}
