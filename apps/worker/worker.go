// worker consumes queued commands from Kafka and dispatches them
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/sshgate/pkg/executor"
	"github.com/andrej220/sshgate/pkg/kafkautil"
	"github.com/andrej220/sshgate/pkg/lg"
	"github.com/andrej220/sshgate/pkg/models"
	"github.com/andrej220/sshgate/pkg/notify"
	"github.com/andrej220/sshgate/pkg/servers"
	"github.com/andrej220/sshgate/pkg/serverutil"
	"github.com/andrej220/sshgate/pkg/workerpool"
)

const (
	serviceName = "sshgate-worker"
	jobTimeout  = 2 * time.Minute
	readBackoff = time.Second
)

type executorService interface {
	Execute(ctx context.Context, t executor.Target, method executor.Method) executor.Result
}

type commandReader interface {
	Read(ctx context.Context) (models.QueuedCommand, error)
}

type worker struct {
	exec     executorService
	servers  servers.Provider
	notifier notify.Sink
	pool     *workerpool.Pool[models.QueuedCommand]
	logger   lg.Logger
	timeout  time.Duration
}

// consume reads commands until ctx is done. Read failures other than
// malformed messages are retried after a pause.
func (w *worker) consume(ctx context.Context, r commandReader) error {
	for {
		cmd, err := r.Read(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, kafkautil.ErrMalformed):
			w.logger.Warn("skipping malformed command", lg.Err(err))
			continue
		case err != nil:
			w.logger.Error("failed to read command", lg.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readBackoff):
			}
			continue
		}
		if err := w.serve(ctx, cmd); err != nil {
			w.logger.Warn("command rejected", lg.String("exuid", cmd.ExecutionUID.String()), lg.Err(err))
		}
	}
}

// serve hands cmd to the pool. Submit blocks while every worker is busy,
// which holds back the consumer.
func (w *worker) serve(ctx context.Context, cmd models.QueuedCommand) error {
	if err := serverutil.ValidateRequest(cmd); err != nil {
		return err
	}
	if _, err := executor.ParseMethod(cmd.Method); err != nil {
		return err
	}

	logger := w.logger.With(lg.String("exuid", cmd.ExecutionUID.String()))
	jobCtx, cancel := context.WithTimeout(lg.Attach(ctx, logger), w.timeout)
	err := w.pool.Submit(workerpool.Job[models.QueuedCommand]{
		Payload: cmd,
		Fn:      w.run,
		Ctx:     jobCtx,
		// a dispatch is never repeated, the remote command may not be idempotent
		MaxAttempts: 1,
		CleanupFunc: cancel,
	})
	if err != nil {
		cancel()
	}
	return err
}

// run executes one queued command and reports the result.
func (w *worker) run(ctx context.Context, cmd models.QueuedCommand) error {
	logger := lg.FromContextOr(ctx, w.logger)

	server, err := w.servers.Get(ctx, cmd.ServerIndex)
	if err != nil {
		return fmt.Errorf("resolve server %d: %w", cmd.ServerIndex, err)
	}
	method, _ := executor.ParseMethod(cmd.Method)
	target := server.Target(cmd.Command)

	res := w.exec.Execute(ctx, target, method)
	logger.Info("command finished",
		lg.String("remote", target.Address()),
		lg.Bool("success", res.Success),
		lg.String("method", string(res.Method)),
		lg.Bool("fallbackUsed", res.FallbackUsed))

	if w.notifier == nil || res.Kind == executor.KindValidation {
		return nil
	}
	// the dispatch context may already be spent by a slow command
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := w.notifier.Notify(nctx, notify.NewEvent(cmd.ExecutionUID, server.Host, target.Command, res)); err != nil {
		logger.Warn("notification failed", lg.Err(err))
	}
	return nil
}
