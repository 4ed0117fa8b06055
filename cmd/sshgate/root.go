package main

import (
	"github.com/andrej220/sshgate/internal/bootstrap"
	"github.com/andrej220/sshgate/pkg/lg"
	"github.com/spf13/cobra"
)

var version = "dev"

type globalOptions struct {
	configPath string
	helper     string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "sshgate",
		Short: "Run commands on remote hosts over SSH",
		Long: `sshgate runs a command on a remote host with password
authentication. It prefers the local sshpass helper and
falls back to a built-in SSH session when the helper is
missing.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.helper, "helper", "", "helper binary to use instead of sshpass")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "log to stderr")

	root.AddCommand(newExecCmd(opts), newProbeCmd(opts))
	return root
}

// load reads the shared config and applies the global flags on top.
func (o *globalOptions) load() (bootstrap.Config, error) {
	cfg, err := bootstrap.Load(o.configPath)
	if err != nil {
		return bootstrap.Config{}, err
	}
	if o.helper != "" {
		cfg.Executor.Helper = o.helper
	}
	return cfg, nil
}

func (o *globalOptions) logger() lg.Logger {
	if !o.debug {
		return lg.Discard
	}
	return lg.New(&lg.Config{ServiceName: "sshgate", Debug: true, Format: "console"})
}
