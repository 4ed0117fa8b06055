package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// Dialer opens the raw transport for a session. *net.Dialer satisfies it;
// tests substitute counting doubles.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type ResilienceConfig struct {
	BackoffSettings        backoff.ExponentialBackOff
	CircuitBreakerSettings gobreaker.Settings
	MaxDialRetries         uint64
}

// DefaultResilienceConfig retries a failed TCP dial twice and opens the
// breaker for an address after five consecutive dial failures.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		BackoffSettings: backoff.ExponentialBackOff{
			InitialInterval:     250 * time.Millisecond,
			MaxInterval:         2 * time.Second,
			Multiplier:          1.5,
			RandomizationFactor: 0.5,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		},
		CircuitBreakerSettings: gobreaker.Settings{
			MaxRequests: 1,
			Interval:    1 * time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
		MaxDialRetries: 2,
	}
}

// ResilientDialer wraps a Dialer with bounded retries and a circuit breaker
// per remote address. Only the TCP dial is retried: nothing has been sent
// to the remote host at that point.
type ResilientDialer struct {
	dialer Dialer
	conf   ResilienceConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewResilientDialer(d Dialer, conf ResilienceConfig) *ResilientDialer {
	if d == nil {
		d = &net.Dialer{}
	}
	return &ResilientDialer{
		dialer:   d,
		conf:     conf,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (r *ResilientDialer) breaker(address string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[address]
	if !ok {
		settings := r.conf.CircuitBreakerSettings
		settings.Name = "ssh-dial " + address
		cb = gobreaker.NewCircuitBreaker(settings)
		r.breakers[address] = cb
	}
	return cb
}

// BreakerState reports the breaker state for address; "closed" when the
// address has never been dialed.
func (r *ResilientDialer) BreakerState(address string) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[address]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (r *ResilientDialer) newBackOff(ctx context.Context) backoff.BackOff {
	b := r.conf.BackoffSettings // copy: ExponentialBackOff is stateful
	if b.Clock == nil {
		b.Clock = backoff.SystemClock
	}
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(&b, r.conf.MaxDialRetries), ctx)
}

func (r *ResilientDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	res, err := r.breaker(address).Execute(func() (any, error) {
		var conn net.Conn
		operation := func() error {
			c, err := r.dialer.DialContext(ctx, network, address)
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		}
		if err := backoff.Retry(operation, r.newBackOff(ctx)); err != nil {
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w for %s", ErrCircuitOpen, address)
		}
		return nil, err
	}
	return res.(net.Conn), nil
}
