package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/andrej220/sshgate/pkg/lg"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultReadyTimeout = 10 * time.Second
	DefaultExecTimeout  = 30 * time.Second
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticating
	stateReady
	stateExecuting
	stateDraining
	stateClosed
	stateErrored
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateReady:
		return "ready"
	case stateExecuting:
		return "executing"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	default:
		return "errored"
	}
}

// SessionStrategy runs the command over a programmatic SSH session. Every
// call opens its own connection and closes it before returning.
type SessionStrategy struct {
	Dialer          Dialer
	ReadyTimeout    time.Duration
	ExecTimeout     time.Duration
	HostKeyCallback ssh.HostKeyCallback
	Logger          lg.Logger
}

func NewSessionStrategy(d Dialer, logger lg.Logger) *SessionStrategy {
	if d == nil {
		d = NewResilientDialer(&net.Dialer{}, DefaultResilienceConfig())
	}
	if logger == nil {
		logger = lg.Discard
	}
	return &SessionStrategy{
		Dialer:       d,
		ReadyTimeout: DefaultReadyTimeout,
		ExecTimeout:  DefaultExecTimeout,
		Logger:       logger,
	}
}

func (s *SessionStrategy) Method() Method { return MethodSession }

func (s *SessionStrategy) readyTimeout() time.Duration {
	if s.ReadyTimeout <= 0 {
		return DefaultReadyTimeout
	}
	return s.ReadyTimeout
}

func (s *SessionStrategy) clientConfig(t Target) *ssh.ClientConfig {
	hostKeyCallback := s.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	password := t.Password
	return &ssh.ClientConfig{
		User: t.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.readyTimeout(),
		BannerCallback:  func(message string) error { return nil }, //ignore banner
	}
}

func (s *SessionStrategy) Execute(ctx context.Context, t Target) Result {
	t = t.Normalize()
	address := t.Address()
	logger := s.Logger
	if logger == nil {
		logger = lg.Discard
	}
	logger = logger.With(lg.String("method", string(MethodSession)), lg.String("remote", address))
	enter := func(st sessionState) {
		logger.Debug("session state", lg.String("state", st.String()))
	}

	client, res, ok := s.connect(ctx, t, enter)
	if !ok {
		enter(stateErrored)
		return res
	}
	defer func() {
		client.Close()
		enter(stateClosed)
	}()
	enter(stateReady)

	sess, err := client.NewSession()
	if err != nil {
		enter(stateErrored)
		return failed(MethodSession, KindTransport, fmt.Sprintf("open session on %s: %v", address, err))
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	enter(stateExecuting)
	if err := sess.Start(t.Command); err != nil {
		enter(stateErrored)
		return failed(MethodSession, KindTransport, fmt.Sprintf("start remote command on %s: %v", address, err))
	}

	execCtx := ctx
	if s.ExecTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.ExecTimeout)
		defer cancel()
	}

	// Wait returns only after both output streams are fully copied.
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	enter(stateDraining)
	select {
	case err = <-done:
	case <-execCtx.Done():
		client.Close()
		<-done
		enter(stateErrored)
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failed(MethodSession, KindInternal, fmt.Sprintf("execution cancelled: %v", ctx.Err()))
		}
		return failed(MethodSession, KindTimeout, fmt.Sprintf("session execution timeout after %s", s.ExecTimeout))
	}

	return classifySessionExit(err, stdout.String(), stderr.String())
}

// connect walks Connecting -> Authenticating. On failure the raw
// connection has already been closed and the returned Result describes why.
func (s *SessionStrategy) connect(ctx context.Context, t Target, enter func(sessionState)) (*ssh.Client, Result, bool) {
	address := t.Address()
	readyTimeout := s.readyTimeout()
	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	enter(stateConnecting)
	conn, err := s.Dialer.DialContext(readyCtx, "tcp", address)
	if err != nil {
		return nil, s.connectFailure(ctx, readyCtx, "connect to "+address, err), false
	}

	enter(stateAuthenticating)
	if deadline, ok := readyCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(readyCtx, func() { conn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, s.clientConfig(t))
	stopped := stop()
	if err != nil || !stopped {
		if err == nil {
			// readiness deadline or caller cancellation raced the handshake
			sshConn.Close()
			err = readyCtx.Err()
		}
		conn.Close()
		return nil, s.connectFailure(ctx, readyCtx, "ssh handshake with "+address, err), false
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), Result{}, true
}

func (s *SessionStrategy) connectFailure(ctx, readyCtx context.Context, what string, err error) Result {
	switch {
	case ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		return failed(MethodSession, KindInternal, fmt.Sprintf("execution cancelled: %v", ctx.Err()))
	case readyCtx.Err() != nil, errors.Is(err, os.ErrDeadlineExceeded):
		return failed(MethodSession, KindTimeout, fmt.Sprintf("%s: readiness timeout after %s: %v", what, s.readyTimeout(), err))
	}
	return failed(MethodSession, KindTransport, fmt.Sprintf("%s: %v", what, err))
}

func classifySessionExit(err error, stdout, stderr string) Result {
	if err == nil {
		return succeeded(MethodSession, stdout, 0)
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		msg := stderr
		if sig := exitErr.Signal(); sig != "" {
			if msg == "" {
				msg = fmt.Sprintf("terminated by signal %s", sig)
			}
			return failed(MethodSession, KindRemoteExitNonZero, msg)
		}
		code := exitErr.ExitStatus()
		if msg == "" {
			msg = fmt.Sprintf("exited with code %d", code)
		}
		return failedWithCode(MethodSession, KindRemoteExitNonZero, msg, code)
	}

	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		msg := stderr
		if msg == "" {
			msg = ErrMissingExitStatus.Error()
		}
		return failed(MethodSession, KindTransport, msg)
	}
	return failed(MethodSession, KindTransport, fmt.Sprintf("remote command: %v", err))
}
