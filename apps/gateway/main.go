package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/andrej220/sshgate/internal/bootstrap"
	"github.com/andrej220/sshgate/pkg/kafkautil"
	"github.com/andrej220/sshgate/pkg/lg"
	"github.com/andrej220/sshgate/pkg/notify"
	"github.com/andrej220/sshgate/pkg/servers"
	"github.com/andrej220/sshgate/pkg/serverutil"
	"github.com/andrej220/sshgate/pkg/workerpool"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	logCfg := lg.BindFlags(flag.CommandLine, serviceName)
	flag.Parse()

	logger := lg.New(logCfg)
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Error("gateway stopped with error", lg.Err(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(configPath string, logger lg.Logger) error {
	cfg, err := bootstrap.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := &gateway{
		exec:   bootstrap.NewDispatcher(cfg.Executor, logger),
		logger: logger,
		now:    time.Now,
	}

	provider, err := bootstrap.NewServerProvider(ctx, cfg, logger)
	switch {
	case errors.Is(err, servers.ErrNotConfigured):
		logger.Warn("no server list configured, /api routes are disabled")
	case err != nil:
		return err
	default:
		g.servers = provider
	}

	sink, closeSinks := bootstrap.NewNotifier(cfg, logger)
	defer closeSinks()
	if sink != nil {
		g.notifier = sink
		g.pool = workerpool.NewPool[notify.Event](cfg.NotifyWorkers,
			workerpool.WithQueueSize(cfg.NotifyWorkers*16),
			workerpool.WithLogger(logger))
		defer g.pool.Stop()
	}

	if qc := cfg.Kafka.Queue(); qc.Enabled() {
		w := kafkautil.NewWriter(qc)
		defer w.Close()
		g.queue = w
		logger.Info("command queue enabled", lg.String("topic", qc.Topic))
	}

	logger.Info("starting service", lg.String("port", cfg.Service.Port),
		lg.String("helper", cfg.Executor.Helper),
		lg.Bool("eagerFallback", cfg.Executor.EagerFallback))
	return serverutil.RunServer(ctx, g.routes(), cfg.Service, logger)
}
