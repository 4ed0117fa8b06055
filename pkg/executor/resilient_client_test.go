package executor

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyDialer struct {
	failures int32
	calls    atomic.Int32
}

func (d *flakyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	n := d.calls.Add(1)
	if n <= d.failures {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func fastResilience(retries uint64, tripAfter uint32) ResilienceConfig {
	conf := DefaultResilienceConfig()
	conf.BackoffSettings = backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		Multiplier:          1.5,
		RandomizationFactor: 0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	conf.MaxDialRetries = retries
	conf.CircuitBreakerSettings.ReadyToTrip = func(c gobreaker.Counts) bool {
		return c.ConsecutiveFailures >= tripAfter
	}
	return conf
}

func TestResilientDialerRetriesDial(t *testing.T) {
	inner := &flakyDialer{failures: 2}
	d := NewResilientDialer(inner, fastResilience(2, 5))

	conn, err := d.DialContext(context.Background(), "tcp", "10.0.0.5:22")

	require.NoError(t, err)
	_ = conn.Close()
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestResilientDialerGivesUp(t *testing.T) {
	inner := &flakyDialer{failures: 100}
	d := NewResilientDialer(inner, fastResilience(1, 5))

	_, err := d.DialContext(context.Background(), "tcp", "10.0.0.5:22")

	require.Error(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestResilientDialerOpensBreakerPerAddress(t *testing.T) {
	inner := &flakyDialer{failures: 100}
	d := NewResilientDialer(inner, fastResilience(0, 2))

	for i := 0; i < 2; i++ {
		_, err := d.DialContext(context.Background(), "tcp", "10.0.0.5:22")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, gobreaker.StateOpen, d.BreakerState("10.0.0.5:22"))

	_, err := d.DialContext(context.Background(), "tcp", "10.0.0.5:22")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), inner.calls.Load(), "an open breaker does not dial")

	assert.Equal(t, gobreaker.StateClosed, d.BreakerState("10.0.0.6:22"))
	_, err = d.DialContext(context.Background(), "tcp", "10.0.0.6:22")
	assert.NotErrorIs(t, err, ErrCircuitOpen)
}

func TestResilientDialerStopsOnCancel(t *testing.T) {
	inner := &flakyDialer{failures: 100}
	d := NewResilientDialer(inner, fastResilience(10, 50))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.DialContext(ctx, "tcp", "10.0.0.5:22")

	require.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
}
