// gateway exposes the remote command dispatcher over HTTP

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/andrej220/sshgate/pkg/executor"
	"github.com/andrej220/sshgate/pkg/kafkautil"
	"github.com/andrej220/sshgate/pkg/lg"
	"github.com/andrej220/sshgate/pkg/models"
	"github.com/andrej220/sshgate/pkg/notify"
	"github.com/andrej220/sshgate/pkg/servers"
	"github.com/andrej220/sshgate/pkg/serverutil"
	"github.com/andrej220/sshgate/pkg/workerpool"
	"github.com/google/uuid"
)

const (
	serviceName       = "sshgate-gateway"
	serviceVersion    = "1.0.0"
	executionIDHeader = "X-Execution-ID"
	notifyTimeout     = 30 * time.Second
	queueTimeout      = 10 * time.Second
)

type executorService interface {
	Execute(ctx context.Context, t executor.Target, method executor.Method) executor.Result
	Capability() executor.CapabilityState
	Methods() []executor.Method
}

type gateway struct {
	exec     executorService
	servers  servers.Provider        // nil when no server list is configured
	notifier notify.Sink             // nil disables notifications
	queue    kafkautil.MessageWriter // nil disables /api/queue
	pool     *workerpool.Pool[notify.Event]
	logger   lg.Logger
	now      func() time.Time
}

func (g *gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /execute",
		serverutil.NewValidationHandler[models.ExecuteRequest](http.HandlerFunc(g.handleExecute)))
	mux.Handle("POST /api/execute",
		serverutil.NewValidationHandler[models.ServerCommandRequest](http.HandlerFunc(g.handleServerExecute)))
	mux.Handle("POST /api/queue",
		serverutil.NewValidationHandler[models.ServerCommandRequest](http.HandlerFunc(g.handleQueue)))
	mux.HandleFunc("GET /api/servers", g.handleServers)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /{$}", g.handleRoot)
	return serverutil.WithCORS(serverutil.WithLogger(g.logger, mux))
}

// begin assigns an execution id and returns a context carrying a logger
// tagged with it.
func (g *gateway) begin(rw http.ResponseWriter, r *http.Request) (uuid.UUID, context.Context, lg.Logger) {
	id := uuid.New()
	rw.Header().Set(executionIDHeader, id.String())
	logger := g.logger.With(lg.String("exuid", id.String()))
	return id, lg.Attach(r.Context(), logger), logger
}

func resultStatus(res executor.Result) int {
	if res.Kind == executor.KindValidation {
		return http.StatusBadRequest
	}
	return http.StatusOK
}

func (g *gateway) handleExecute(rw http.ResponseWriter, r *http.Request) {
	req, ok := serverutil.RequestFrom[models.ExecuteRequest](r.Context())
	if !ok {
		serverutil.WriteError(rw, http.StatusInternalServerError, "internal server error")
		return
	}
	method, err := executor.ParseMethod(req.Method)
	if err != nil {
		serverutil.WriteError(rw, http.StatusBadRequest, err.Error())
		return
	}

	_, ctx, logger := g.begin(rw, r)
	target := executor.Target{
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
		Password: req.Password,
		Command:  req.Command,
	}
	logger.Info("execute", lg.String("remote", target.Address()), lg.String("override", req.Method))

	res := g.exec.Execute(ctx, target, method)
	serverutil.WriteJSON(rw, resultStatus(res), res)
}

func (g *gateway) lookup(ctx context.Context, rw http.ResponseWriter, index int) (servers.Server, bool) {
	if g.servers == nil {
		serverutil.WriteError(rw, http.StatusServiceUnavailable, servers.ErrNotConfigured.Error())
		return servers.Server{}, false
	}
	s, err := g.servers.Get(ctx, index)
	if errors.Is(err, servers.ErrUnknownServer) {
		serverutil.WriteError(rw, http.StatusNotFound, err.Error())
		return servers.Server{}, false
	}
	if err != nil {
		serverutil.WriteError(rw, http.StatusInternalServerError, err.Error())
		return servers.Server{}, false
	}
	return s, true
}

func (g *gateway) handleServerExecute(rw http.ResponseWriter, r *http.Request) {
	req, ok := serverutil.RequestFrom[models.ServerCommandRequest](r.Context())
	if !ok {
		serverutil.WriteError(rw, http.StatusInternalServerError, "internal server error")
		return
	}
	method, err := executor.ParseMethod(req.Method)
	if err != nil {
		serverutil.WriteError(rw, http.StatusBadRequest, err.Error())
		return
	}
	server, ok := g.lookup(r.Context(), rw, *req.ServerIndex)
	if !ok {
		return
	}

	id, ctx, logger := g.begin(rw, r)
	target := server.Target(req.Command)
	logger.Info("execute on configured server", lg.Int("serverIndex", *req.ServerIndex), lg.String("remote", target.Address()))

	res := g.exec.Execute(ctx, target, method)
	if res.Kind != executor.KindValidation {
		g.enqueueNotification(logger, notify.NewEvent(id, server.Host, target.Command, res))
	}
	serverutil.WriteJSON(rw, resultStatus(res), res)
}

// enqueueNotification hands the event to the pool without waiting.
func (g *gateway) enqueueNotification(logger lg.Logger, e notify.Event) {
	if g.notifier == nil || g.pool == nil {
		return
	}
	ctx, cancel := context.WithTimeout(lg.Attach(context.Background(), logger), notifyTimeout)
	err := g.pool.TrySubmit(workerpool.Job[notify.Event]{
		Payload:     e,
		Fn:          g.notifier.Notify,
		Ctx:         ctx,
		CleanupFunc: cancel,
	})
	if err != nil {
		cancel()
		logger.Warn("notification dropped", lg.Err(err))
	}
}

func (g *gateway) handleQueue(rw http.ResponseWriter, r *http.Request) {
	req, ok := serverutil.RequestFrom[models.ServerCommandRequest](r.Context())
	if !ok {
		serverutil.WriteError(rw, http.StatusInternalServerError, "internal server error")
		return
	}
	if g.queue == nil {
		serverutil.WriteError(rw, http.StatusServiceUnavailable, "command queue is not configured")
		return
	}
	if _, err := executor.ParseMethod(req.Method); err != nil {
		serverutil.WriteError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := g.lookup(r.Context(), rw, *req.ServerIndex); !ok {
		return
	}

	id, ctx, logger := g.begin(rw, r)
	ctx, cancel := context.WithTimeout(ctx, queueTimeout)
	defer cancel()

	msg := models.QueuedCommand{ExecutionUID: id, ServerIndex: *req.ServerIndex, Command: req.Command, Method: req.Method}
	if err := kafkautil.Publish(ctx, g.queue, id[:], msg); err != nil {
		logger.Error("failed to queue command", lg.Err(err))
		serverutil.WriteError(rw, http.StatusBadGateway, "failed to queue command")
		return
	}
	logger.Info("command queued", lg.Int("serverIndex", msg.ServerIndex))
	serverutil.WriteJSON(rw, http.StatusAccepted, models.QueuedResponse{Success: true, ExecutionUID: id})
}

func (g *gateway) handleServers(rw http.ResponseWriter, r *http.Request) {
	if g.servers == nil {
		serverutil.WriteError(rw, http.StatusServiceUnavailable, servers.ErrNotConfigured.Error())
		return
	}
	list, err := g.servers.List(r.Context())
	if err != nil {
		serverutil.WriteError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	serverutil.WriteJSON(rw, http.StatusOK, models.ServersResponse{Success: true, Servers: servers.Redact(list)})
}

func (g *gateway) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	methods := g.exec.Methods()
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = string(m)
	}
	serverutil.WriteJSON(rw, http.StatusOK, models.HealthResponse{
		Status:     "ok",
		Service:    serviceName,
		Capability: g.exec.Capability().String(),
		Methods:    names,
		Timestamp:  g.now().UTC(),
	})
}

func (g *gateway) handleRoot(rw http.ResponseWriter, _ *http.Request) {
	serverutil.WriteJSON(rw, http.StatusOK, models.ServiceInfo{
		Service: serviceName,
		Version: serviceVersion,
		Endpoints: map[string]string{
			"/execute":     "POST - run a command on the given host",
			"/api/execute": "POST - run a command on a configured server",
			"/api/queue":   "POST - queue a command for the worker",
			"/api/servers": "GET - list configured servers",
			"/health":      "GET - health check",
		},
	})
}
