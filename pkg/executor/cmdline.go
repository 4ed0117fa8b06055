package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andrej220/sshgate/pkg/lg"
)

const (
	DefaultHelper         = "sshpass"
	DefaultSSHBinary      = "ssh"
	DefaultCommandTimeout = 30 * time.Second

	passwordEnv  = "SSHPASS"
	waitDelay    = 2 * time.Second
	redactedText = "[PASSWORD]"
)

// sshpass reserves these exit codes for its own failures.
const (
	sshpassWrongPassword = 5
	sshpassHostKey       = 6
	sshTransportFailure  = 255
)

// CommandLineStrategy runs the command through a local authenticate-and-run
// helper (sshpass wrapping the ssh client). The helper is spawned with an
// argument vector; no local shell ever sees the caller's strings.
type CommandLineStrategy struct {
	Helper         string
	SSH            string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	Logger         lg.Logger
}

func NewCommandLineStrategy(helper, sshBinary string, logger lg.Logger) *CommandLineStrategy {
	if logger == nil {
		logger = lg.Discard
	}
	return &CommandLineStrategy{
		Helper:         helper,
		SSH:            sshBinary,
		Timeout:        DefaultCommandTimeout,
		ConnectTimeout: DefaultReadyTimeout,
		Logger:         logger,
	}
}

func (s *CommandLineStrategy) Method() Method { return MethodCommandLine }

// Invocation is a fully built helper command line.
type Invocation struct {
	Path     string
	Args     []string
	Password string
}

// String renders the invocation as a shell line with every argument
// quoted and the password redacted. Used for logs only.
func (inv Invocation) String() string {
	return passwordEnv + "=" + redactedText + " " + ShellQuote(inv.Path) + " " + ShellJoin(inv.Args)
}

// Env returns the child environment: the current one with SSHPASS set.
func (inv Invocation) Env() []string {
	base := os.Environ()
	env := make([]string, 0, len(base)+1)
	for _, kv := range base {
		if strings.HasPrefix(kv, passwordEnv+"=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, passwordEnv+"="+inv.Password)
}

func (s *CommandLineStrategy) helper() string {
	if s.Helper == "" {
		return DefaultHelper
	}
	return s.Helper
}

func (s *CommandLineStrategy) sshBinary() string {
	if s.SSH == "" {
		return DefaultSSHBinary
	}
	return s.SSH
}

func (s *CommandLineStrategy) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultCommandTimeout
	}
	return s.Timeout
}

// Invocation builds the helper call for t.
func (s *CommandLineStrategy) Invocation(t Target) Invocation {
	t = t.Normalize()
	connectTimeout := s.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultReadyTimeout
	}
	args := []string{
		"-e",
		s.sshBinary(),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
		"-o", "ConnectTimeout=" + strconv.Itoa(int(connectTimeout.Seconds())),
		"-p", strconv.Itoa(t.Port),
		t.Username + "@" + t.Host,
		"--",
		t.Command,
	}
	return Invocation{Path: s.helper(), Args: args, Password: t.Password}
}

func (s *CommandLineStrategy) logger() lg.Logger {
	if s.Logger == nil {
		return lg.Discard
	}
	return s.Logger
}

func (s *CommandLineStrategy) Execute(ctx context.Context, t Target) Result {
	inv := s.Invocation(t)
	timeout := s.timeout()
	logger := s.logger().With(lg.String("method", string(MethodCommandLine)), lg.String("remote", t.Address()))
	logger.Debug("spawning helper", lg.String("invocation", inv.String()))

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, inv.Path, inv.Args...)
	cmd.Env = inv.Env()
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	start := time.Now()
	err := cmd.Run()
	logger.Debug("helper finished", lg.Duration("elapsed", time.Since(start)), lg.Err(err))

	if err == nil {
		return succeeded(MethodCommandLine, stdout.String(), 0)
	}

	if runCtx.Err() != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failed(MethodCommandLine, KindInternal, fmt.Sprintf("execution cancelled: %v", ctx.Err()))
		}
		return failed(MethodCommandLine, KindTimeout, fmt.Sprintf("command-line execution timeout after %s", timeout))
	}

	errText := strings.TrimSpace(stderr.String())

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// the helper never started
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || mentionsMissingTool(err.Error(), s.tools()...) {
			r := failed(MethodCommandLine, KindCapabilityUnavailable, fmt.Sprintf("%v: %v", ErrHelperNotFound, err))
			r.FallbackNeeded = true
			return r
		}
		if errText == "" {
			errText = err.Error()
		}
		return failed(MethodCommandLine, KindInternal, errText)
	}

	code := exitErr.ExitCode()
	if mentionsMissingTool(errText, s.tools()...) {
		r := failedWithCode(MethodCommandLine, KindCapabilityUnavailable, fmt.Sprintf("%v: %s", ErrHelperNotFound, errText), code)
		r.FallbackNeeded = true
		return r
	}
	if errText == "" {
		errText = err.Error()
	}
	return failedWithCode(MethodCommandLine, exitKind(code), errText, code)
}

func (s *CommandLineStrategy) tools() []string {
	return []string{filepath.Base(s.helper()), filepath.Base(s.sshBinary())}
}

func exitKind(code int) ErrorKind {
	switch code {
	case sshTransportFailure, sshpassWrongPassword, sshpassHostKey:
		return KindTransport
	}
	return KindRemoteExitNonZero
}

var missingPhrases = []string{"command not found", "not found", "no such file or directory"}

// mentionsMissingTool reports whether text has a line, written by one of
// tools (or naming one of them), that says the program could not be found.
// Lines produced by the remote shell ("bash: foo: command not found") do
// not count.
func mentionsMissingTool(text string, tools ...string) bool {
	for _, line := range strings.Split(strings.ToLower(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		hasPhrase := false
		for _, p := range missingPhrases {
			if strings.Contains(line, p) {
				hasPhrase = true
				break
			}
		}
		if !hasPhrase {
			continue
		}
		for _, tool := range tools {
			tool = strings.ToLower(tool)
			if strings.HasPrefix(line, tool+":") ||
				strings.Contains(line, "\""+tool+"\"") ||
				strings.Contains(line, ": "+tool+":") {
				return true
			}
		}
	}
	return false
}
