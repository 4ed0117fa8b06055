package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/andrej220/sshgate/pkg/lg"
)

// Dispatcher picks a strategy for each request, runs it, and falls back to
// the session strategy when the command-line helper turns out to be missing.
// A Dispatcher is safe for concurrent use; the only state shared between
// calls is its capability cache.
type Dispatcher struct {
	commandLine   Strategy
	session       Strategy
	capability    *CapabilityCache
	eagerFallback bool
	logger        lg.Logger
}

type Option func(*Dispatcher)

// WithEagerFallback makes any command-line failure, not only a missing
// helper, trigger a retry with the session strategy.
func WithEagerFallback(eager bool) Option {
	return func(d *Dispatcher) { d.eagerFallback = eager }
}

func WithLogger(l lg.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithCapabilityCache replaces the cache built from the detector.
func WithCapabilityCache(c *CapabilityCache) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.capability = c
		}
	}
}

func NewDispatcher(commandLine, session Strategy, detector Detector, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		commandLine: commandLine,
		session:     session,
		capability:  NewCapabilityCache(detector),
		logger:      lg.Discard,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Capability reports the cached helper availability without probing.
func (d *Dispatcher) Capability() CapabilityState {
	return d.capability.State()
}

// Methods lists the strategies this dispatcher can run.
func (d *Dispatcher) Methods() []Method {
	var methods []Method
	if d.commandLine != nil {
		methods = append(methods, MethodCommandLine)
	}
	if d.session != nil {
		methods = append(methods, MethodSession)
	}
	return methods
}

// Execute validates t, runs it through the selected strategy chain and
// returns exactly one Result. It never panics and never returns partial
// output.
func (d *Dispatcher) Execute(ctx context.Context, t Target, override Method) (res Result) {
	logger := lg.FromContextOr(ctx, d.logger)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("dispatch panicked", lg.Any("panic", r))
			res = failed(res.Method, KindInternal, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := t.Validate(); err != nil {
		return failed(MethodAuto, KindValidation, err.Error())
	}
	t = t.Normalize()

	chain, err := d.chain(ctx, override)
	if err != nil {
		return failed(MethodAuto, KindValidation, err.Error())
	}

	logger = logger.With(lg.String("remote", t.Address()), lg.String("user", t.Username))
	for i, s := range chain {
		start := time.Now()
		res = d.run(ctx, logger, s, t)
		if i > 0 {
			res.FallbackUsed = true
		}
		logger.Info("strategy finished",
			lg.String("method", string(res.Method)),
			lg.Bool("success", res.Success),
			lg.String("kind", string(res.Kind)),
			lg.Bool("fallbackUsed", res.FallbackUsed),
			lg.Duration("elapsed", time.Since(start)))

		if res.Success || i == len(chain)-1 || !d.shouldFallBack(res) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		logger.Warn("falling back to next strategy", lg.String("reason", res.Error))
	}
	res.FallbackNeeded = false
	return res
}

func (d *Dispatcher) chain(ctx context.Context, override Method) ([]Strategy, error) {
	switch override {
	case MethodSession:
		return d.only(d.session, MethodSession)
	case MethodCommandLine:
		return d.only(d.commandLine, MethodCommandLine)
	case MethodAuto:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, override)
	}

	if d.commandLine == nil {
		return d.only(d.session, MethodSession)
	}
	if d.session == nil {
		return []Strategy{d.commandLine}, nil
	}
	if d.capability.Resolve(ctx) == CapabilityAvailable {
		return []Strategy{d.commandLine, d.session}, nil
	}
	return []Strategy{d.session}, nil
}

func (d *Dispatcher) only(s Strategy, m Method) ([]Strategy, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: %s is not configured", ErrUnknownMethod, m)
	}
	return []Strategy{s}, nil
}

func (d *Dispatcher) shouldFallBack(res Result) bool {
	return res.FallbackNeeded || d.eagerFallback
}

// run shields the dispatcher from a panicking strategy.
func (d *Dispatcher) run(ctx context.Context, logger lg.Logger, s Strategy, t Target) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("strategy panicked", lg.String("method", string(s.Method())), lg.Any("panic", r))
			res = failed(s.Method(), KindInternal, fmt.Sprintf("internal error in %s strategy: %v", s.Method(), r))
		}
	}()
	res = s.Execute(ctx, t)
	if res.Method == "" {
		res.Method = s.Method()
	}
	return res
}
