// Package bootstrap builds the pieces shared by the sshgate binaries from
// one Config.
package bootstrap

import (
	"context"
	"errors"
	"net"

	"github.com/andrej220/sshgate/pkg/config"
	"github.com/andrej220/sshgate/pkg/config/filestore"
	"github.com/andrej220/sshgate/pkg/executor"
	"github.com/andrej220/sshgate/pkg/kafkautil"
	"github.com/andrej220/sshgate/pkg/lg"
	"github.com/andrej220/sshgate/pkg/notify"
	"github.com/andrej220/sshgate/pkg/servers"
)

// NewDispatcher wires both strategies with the helper detector.
func NewDispatcher(c ExecutorConfig, logger lg.Logger) *executor.Dispatcher {
	cmdline := executor.NewCommandLineStrategy(c.Helper, c.SSHBinary, logger)
	if c.CommandTimeout > 0 {
		cmdline.Timeout = c.CommandTimeout
	}
	if c.ReadyTimeout > 0 {
		cmdline.ConnectTimeout = c.ReadyTimeout
	}

	resilience := executor.DefaultResilienceConfig()
	resilience.MaxDialRetries = c.MaxDialRetries
	session := executor.NewSessionStrategy(executor.NewResilientDialer(&net.Dialer{}, resilience), logger)
	if c.ReadyTimeout > 0 {
		session.ReadyTimeout = c.ReadyTimeout
	}
	session.ExecTimeout = c.ExecTimeout

	return executor.NewDispatcher(cmdline, session,
		executor.NewHelperDetector(c.Helper, c.SSHBinary),
		executor.WithEagerFallback(c.EagerFallback),
		executor.WithLogger(logger))
}

// NewServerProvider prefers ACCOUNTS_JSON and falls back to the configured
// store, which is watched for changes until ctx is done.
func NewServerProvider(ctx context.Context, c Config, logger lg.Logger) (servers.Provider, error) {
	if c.Accounts != "" {
		return servers.FromEnv(EnvAccounts)
	}
	if c.Servers == nil {
		return nil, servers.ErrNotConfigured
	}
	store, err := config.Open(*c.Servers)
	if err != nil {
		return nil, err
	}
	if file, ok := store.(*filestore.FileStore); ok {
		file.Logger = logger
	}
	p, err := servers.NewStoreProvider(store, logger)
	if err != nil {
		return nil, err
	}
	if err := p.Watch(ctx, store); err != nil {
		logger.Warn("server list will not be reloaded", lg.Err(err))
	}
	return p, nil
}

// NewNotifier combines every configured sink. The returned close function
// releases the Kafka writer.
func NewNotifier(c Config, logger lg.Logger) (notify.Sink, func() error) {
	var sinks notify.Multi
	var closers []func() error
	if c.Telegram.Token != "" && c.Telegram.ChatID != "" {
		sinks = append(sinks, notify.NewTelegramSink(c.Telegram.Token, c.Telegram.ChatID))
		logger.Info("telegram notifications enabled")
	}
	if kc := c.Kafka.Notify(); kc.Enabled() {
		k := notify.NewKafkaSink(kafkautil.NewWriter(kc))
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
		logger.Info("kafka notifications enabled", lg.String("topic", kc.Topic))
	}
	closeAll := func() error {
		var errs []error
		for _, fn := range closers {
			errs = append(errs, fn())
		}
		return errors.Join(errs...)
	}
	if len(sinks) == 0 {
		return nil, closeAll
	}
	return sinks, closeAll
}
