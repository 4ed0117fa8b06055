package main

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/andrej220/sshgate/internal/bootstrap"
	"github.com/andrej220/sshgate/pkg/executor"
	"github.com/andrej220/sshgate/pkg/persistence"
	"github.com/spf13/cobra"
)

const passwordEnv = "SSHGATE_PASSWORD"

// errCommandFailed is returned after an unsuccessful result was printed.
var errCommandFailed = errors.New("command failed")

type execOptions struct {
	host          string
	port          int
	user          string
	password      string
	method        string
	output        string
	timeout       time.Duration
	eagerFallback bool
}

func newExecCmd(global *globalOptions) *cobra.Command {
	opts := &execOptions{}
	cmd := &cobra.Command{
		Use:   "exec --host HOST --user USER [flags] -- COMMAND",
		Short: "Run one command and print the result as JSON",
		Long: `Run one command on a remote host and print the result
as JSON. The password is read from --password or from
the ` + passwordEnv + ` variable. The exit status is 1 when
the command did not succeed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Executor.CommandTimeout = opts.timeout
				cfg.Executor.ExecTimeout = opts.timeout
			}
			if cmd.Flags().Changed("eager-fallback") {
				cfg.Executor.EagerFallback = opts.eagerFallback
			}
			return runExec(cmd, cfg, opts, global, strings.Join(args, " "))
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.host, "host", "H", "", "remote host")
	f.IntVarP(&opts.port, "port", "p", executor.DefaultPort, "remote port")
	f.StringVarP(&opts.user, "user", "u", "", "remote user")
	f.StringVar(&opts.password, "password", "", "password (defaults to $"+passwordEnv+")")
	f.StringVarP(&opts.method, "method", "m", "", "force command-line or session")
	f.StringVarP(&opts.output, "output", "o", "", "also save the result to this .json or .yaml file")
	f.DurationVar(&opts.timeout, "timeout", executor.DefaultCommandTimeout, "command timeout")
	f.BoolVar(&opts.eagerFallback, "eager-fallback", false, "retry with the session on any command-line failure")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runExec(cmd *cobra.Command, cfg bootstrap.Config, opts *execOptions, global *globalOptions, command string) error {
	method, err := executor.ParseMethod(opts.method)
	if err != nil {
		return err
	}
	password := opts.password
	if password == "" {
		password = os.Getenv(passwordEnv)
	}

	logger := global.logger()
	defer logger.Sync()

	d := bootstrap.NewDispatcher(cfg.Executor, logger)
	res := d.Execute(cmd.Context(), executor.Target{
		Host:     opts.host,
		Port:     opts.port,
		Username: opts.user,
		Password: password,
		Command:  command,
	}, method)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if opts.output != "" {
		if err := persistence.Save(res, opts.output); err != nil {
			return err
		}
	}
	if !res.Success {
		return errCommandFailed
	}
	return nil
}
