package executor

import (
	"errors"
	"net"
	"strconv"
)

var (
	ErrUnknownMethod     = errors.New("unknown execution method")
	ErrHelperNotFound    = errors.New("command-line helper not found")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrMissingExitStatus = errors.New("remote command exited without status")
	ErrInvalidTarget     = errors.New("invalid target")
)

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
