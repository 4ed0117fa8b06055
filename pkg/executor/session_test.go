package executor

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
)

const fakePassword = "fake_password"

func fakeSSHServer(t *testing.T) (host string, port int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &ssh.Server{
		Handler: func(s ssh.Session) {
			switch s.RawCommand() {
			case "whoami":
				_, _ = io.WriteString(s, "alice")
				_ = s.Exit(0)
			case "true":
				_ = s.Exit(0)
			case "fail":
				_, _ = io.WriteString(s.Stderr(), "boom")
				_ = s.Exit(3)
			case "silent-fail":
				_ = s.Exit(2)
			case "hang":
				<-s.Context().Done()
			case "killed":
				// close right away, the server would otherwise report exit 0
				// once the handler returns
				_, _ = s.SendRequest("exit-signal", false, gossh.Marshal(&struct {
					Signal     string
					CoreDumped bool
					Error      string
					Lang       string
				}{Signal: "KILL"}))
				_ = s.Close()
			case "vanish":
				_ = s.Close()
			default:
				_, _ = io.WriteString(s.Stderr(), "sh: "+s.RawCommand()+": command not found")
				_ = s.Exit(127)
			}
		},
		PasswordHandler: func(ctx ssh.Context, password string) bool {
			return password == fakePassword
		},
	}
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(func() { _ = server.Close() })

	h, p, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(p)
	require.NoError(t, err)
	return h, port
}

type countingConn struct {
	net.Conn
	once   sync.Once
	closed *atomic.Int32
}

func (c *countingConn) Close() error {
	c.once.Do(func() { c.closed.Add(1) })
	return c.Conn.Close()
}

type countingDialer struct {
	dialer net.Dialer
	opened atomic.Int32
	closed atomic.Int32
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	d.opened.Add(1)
	return &countingConn{Conn: conn, closed: &d.closed}, nil
}

func sessionTarget(host string, port int, command string) Target {
	return Target{Host: host, Port: port, Username: "alice", Password: fakePassword, Command: command}
}

func TestSessionSuccess(t *testing.T) {
	host, port := fakeSSHServer(t)
	dialer := &countingDialer{}
	s := NewSessionStrategy(dialer, nil)

	res := s.Execute(context.Background(), sessionTarget(host, port, "whoami"))

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "alice", res.Output)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, MethodSession, res.Method)
	assert.Equal(t, int32(1), dialer.opened.Load())
	assert.Equal(t, int32(1), dialer.closed.Load())
}

func TestSessionEmptyOutputPlaceholder(t *testing.T) {
	host, port := fakeSSHServer(t)
	s := NewSessionStrategy(&countingDialer{}, nil)

	res := s.Execute(context.Background(), sessionTarget(host, port, "true"))

	assert.True(t, res.Success)
	assert.Equal(t, "command executed successfully", res.Output)
}

func TestSessionNonZeroExit(t *testing.T) {
	host, port := fakeSSHServer(t)
	dialer := &countingDialer{}
	s := NewSessionStrategy(dialer, nil)

	res := s.Execute(context.Background(), sessionTarget(host, port, "fail"))

	assert.False(t, res.Success)
	assert.Equal(t, KindRemoteExitNonZero, res.Kind)
	assert.Equal(t, "boom", res.Error)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
	assert.Equal(t, int32(1), dialer.closed.Load())
}

func TestSessionNonZeroExitWithoutStderr(t *testing.T) {
	host, port := fakeSSHServer(t)
	s := NewSessionStrategy(&countingDialer{}, nil)

	res := s.Execute(context.Background(), sessionTarget(host, port, "silent-fail"))

	assert.False(t, res.Success)
	assert.Equal(t, "exited with code 2", res.Error)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 2, *res.ExitCode)
}

func TestSessionTerminatedBySignal(t *testing.T) {
	host, port := fakeSSHServer(t)
	dialer := &countingDialer{}
	s := NewSessionStrategy(dialer, nil)

	res := s.Execute(context.Background(), sessionTarget(host, port, "killed"))

	assert.False(t, res.Success)
	assert.Equal(t, KindRemoteExitNonZero, res.Kind)
	assert.Equal(t, "terminated by signal KILL", res.Error)
	assert.Nil(t, res.ExitCode)
	assert.Equal(t, int32(1), dialer.closed.Load())
}

func TestSessionExitWithoutStatus(t *testing.T) {
	host, port := fakeSSHServer(t)
	s := NewSessionStrategy(&countingDialer{}, nil)

	res := s.Execute(context.Background(), sessionTarget(host, port, "vanish"))

	assert.False(t, res.Success)
	assert.Equal(t, KindTransport, res.Kind)
	assert.Equal(t, ErrMissingExitStatus.Error(), res.Error)
	assert.Nil(t, res.ExitCode)
}

func TestSessionAuthFailureClosesConnection(t *testing.T) {
	host, port := fakeSSHServer(t)
	dialer := &countingDialer{}
	s := NewSessionStrategy(dialer, nil)
	target := sessionTarget(host, port, "whoami")
	target.Password = "wrong"

	res := s.Execute(context.Background(), target)

	assert.False(t, res.Success)
	assert.Equal(t, KindTransport, res.Kind)
	assert.Contains(t, res.Error, "unable to authenticate")
	assert.Nil(t, res.ExitCode)
	assert.Equal(t, int32(1), dialer.opened.Load())
	assert.Equal(t, int32(1), dialer.closed.Load())
}

func TestSessionConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().(*net.TCPAddr)
	require.NoError(t, listener.Close())

	s := NewSessionStrategy(&countingDialer{}, nil)
	res := s.Execute(context.Background(), sessionTarget("127.0.0.1", addr.Port, "whoami"))

	assert.False(t, res.Success)
	assert.Equal(t, KindTransport, res.Kind)
	assert.Equal(t, MethodSession, res.Method)
}

func TestSessionReadinessTimeout(t *testing.T) {
	// accepts TCP but never speaks SSH
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var mu sync.Mutex
	var accepted []net.Conn
	t.Cleanup(func() {
		_ = listener.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range accepted {
			_ = c.Close()
		}
	})
	go func() {
		for {
			c, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, c)
			mu.Unlock()
		}
	}()
	addr := listener.Addr().(*net.TCPAddr)

	dialer := &countingDialer{}
	s := NewSessionStrategy(dialer, nil)
	s.ReadyTimeout = 200 * time.Millisecond

	start := time.Now()
	res := s.Execute(context.Background(), sessionTarget("127.0.0.1", addr.Port, "whoami"))

	assert.Equal(t, KindTimeout, res.Kind)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, int32(1), dialer.closed.Load())
}

func TestSessionExecTimeout(t *testing.T) {
	host, port := fakeSSHServer(t)
	dialer := &countingDialer{}
	s := NewSessionStrategy(dialer, nil)
	s.ExecTimeout = 200 * time.Millisecond

	start := time.Now()
	res := s.Execute(context.Background(), sessionTarget(host, port, "hang"))

	assert.False(t, res.Success)
	assert.Equal(t, KindTimeout, res.Kind)
	assert.Contains(t, res.Error, "timeout")
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, int32(1), dialer.closed.Load())
}

func TestSessionCallerCancellation(t *testing.T) {
	host, port := fakeSSHServer(t)
	s := NewSessionStrategy(&countingDialer{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := s.Execute(ctx, sessionTarget(host, port, "hang"))

	assert.Equal(t, KindInternal, res.Kind)
	assert.Contains(t, res.Error, "cancelled")
}

func TestSessionStateNames(t *testing.T) {
	assert.Equal(t, "connecting", stateConnecting.String())
	assert.Equal(t, "draining", stateDraining.String())
	assert.Equal(t, "errored", stateErrored.String())
}
