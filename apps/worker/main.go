package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrej220/sshgate/internal/bootstrap"
	"github.com/andrej220/sshgate/pkg/kafkautil"
	"github.com/andrej220/sshgate/pkg/lg"
	"github.com/andrej220/sshgate/pkg/models"
	"github.com/andrej220/sshgate/pkg/workerpool"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	workers := flag.Int("workers", workerpool.TotalMaxWorkers, "concurrent dispatches")
	logCfg := lg.BindFlags(flag.CommandLine, serviceName)
	flag.Parse()

	logger := lg.New(logCfg)
	defer logger.Sync()

	if err := run(*configPath, *workers, logger); err != nil {
		logger.Error("worker stopped with error", lg.Err(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(configPath string, workers int, logger lg.Logger) error {
	cfg, err := bootstrap.Load(configPath)
	if err != nil {
		return err
	}
	qc := cfg.Kafka.Queue()
	if !qc.Enabled() {
		return errors.New("kafka brokers and queue topic are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := bootstrap.NewServerProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	sink, closeSinks := bootstrap.NewNotifier(cfg, logger)
	defer closeSinks()

	w := &worker{
		exec:     bootstrap.NewDispatcher(cfg.Executor, logger),
		servers:  provider,
		notifier: sink,
		pool:     workerpool.NewPool[models.QueuedCommand](workers, workerpool.WithLogger(logger)),
		logger:   logger,
		timeout:  jobTimeout,
	}
	defer w.pool.Stop()

	consumer := kafkautil.NewConsumer[models.QueuedCommand](qc)
	defer consumer.Close()

	logger.Info("consuming commands", lg.Any("brokers", qc.Brokers), lg.String("topic", qc.Topic), lg.String("group", qc.GroupID))
	return w.consume(ctx, consumer)
}
