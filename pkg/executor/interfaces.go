package executor

import (
	"context"
	"fmt"
)

// Method names the mechanism that produced a Result.
type Method string

const (
	MethodAuto        Method = ""
	MethodCommandLine Method = "command-line"
	MethodSession     Method = "session"
)

// ParseMethod accepts the wire names plus the legacy aliases "sshpass" and
// "ssh2" that older front-ends still send.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "auto":
		return MethodAuto, nil
	case string(MethodCommandLine), "sshpass":
		return MethodCommandLine, nil
	case string(MethodSession), "ssh2":
		return MethodSession, nil
	}
	return MethodAuto, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// ErrorKind classifies a failed Result.
type ErrorKind string

const (
	KindValidation            ErrorKind = "ValidationError"
	KindCapabilityUnavailable ErrorKind = "CapabilityUnavailable"
	KindTimeout               ErrorKind = "Timeout"
	KindTransport             ErrorKind = "TransportError"
	KindRemoteExitNonZero     ErrorKind = "RemoteExitNonZero"
	KindInternal              ErrorKind = "InternalError"
)

// DefaultPort is used when a Target leaves Port unset.
const DefaultPort = 22

// successPlaceholder replaces empty stdout on success.
const successPlaceholder = "command executed successfully"

// Target describes one remote execution request.
type Target struct {
	Host     string `json:"host" yaml:"host" validate:"required,notblank,noflag"`
	Port     int    `json:"port,omitempty" yaml:"port" validate:"min=1,max=65535"`
	Username string `json:"username" yaml:"username" validate:"required,notblank,noflag"`
	Password string `json:"password" yaml:"password" validate:"required"`
	Command  string `json:"command" yaml:"command" validate:"required,notblank"`
}

// Address returns host:port, with the default port filled in.
func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return joinHostPort(t.Host, port)
}

// Result is the normalised outcome of one dispatch.
type Result struct {
	Success      bool      `json:"success" yaml:"success"`
	Output       string    `json:"output,omitempty" yaml:"output,omitempty"`
	Error        string    `json:"error,omitempty" yaml:"error,omitempty"`
	ExitCode     *int      `json:"exitCode,omitempty" yaml:"exitCode,omitempty"`
	Method       Method    `json:"method,omitempty" yaml:"method,omitempty"`
	FallbackUsed bool      `json:"fallbackUsed" yaml:"fallbackUsed"`
	Kind         ErrorKind `json:"kind,omitempty" yaml:"kind,omitempty"`

	// FallbackNeeded marks a command-line failure caused by the helper
	// tool being absent; the Dispatcher retries with the session strategy.
	FallbackNeeded bool `json:"-" yaml:"-"`
}

// Strategy knows how to run a command on a remote host. Implementations
// never return Go errors: every failure is folded into the Result.
type Strategy interface {
	Method() Method
	Execute(ctx context.Context, target Target) Result
}

func succeeded(method Method, stdout string, exitCode int) Result {
	if stdout == "" {
		stdout = successPlaceholder
	}
	return Result{
		Success:  true,
		Output:   stdout,
		ExitCode: &exitCode,
		Method:   method,
	}
}

func failed(method Method, kind ErrorKind, msg string) Result {
	return Result{
		Success: false,
		Error:   msg,
		Method:  method,
		Kind:    kind,
	}
}

func failedWithCode(method Method, kind ErrorKind, msg string, exitCode int) Result {
	r := failed(method, kind, msg)
	r.ExitCode = &exitCode
	return r
}
