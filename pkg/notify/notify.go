// Package notify reports finished executions to chat and message-bus sinks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andrej220/sshgate/pkg/executor"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Event describes one finished execution. It never carries credentials.
type Event struct {
	ExecutionID  uuid.UUID       `json:"exuid"`
	Host         string          `json:"host"`
	Command      string          `json:"command"`
	Success      bool            `json:"success"`
	Output       string          `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	ExitCode     *int            `json:"exitCode,omitempty"`
	Method       executor.Method `json:"method,omitempty"`
	FallbackUsed bool            `json:"fallbackUsed"`
	Time         time.Time       `json:"time"`
}

// NewEvent builds the event for res.
func NewEvent(id uuid.UUID, host, command string, res executor.Result) Event {
	return Event{
		ExecutionID:  id,
		Host:         host,
		Command:      command,
		Success:      res.Success,
		Output:       res.Output,
		Error:        res.Error,
		ExitCode:     res.ExitCode,
		Method:       res.Method,
		FallbackUsed: res.FallbackUsed,
		Time:         time.Now().UTC(),
	}
}

// Format renders the event as a chat message.
func Format(e Event) string {
	mark, body := "✅", e.Output
	if !e.Success {
		mark, body = "❌", e.Error
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Server: %s\n", e.Host)
	fmt.Fprintf(&b, "Command: %s\n", e.Command)
	fmt.Fprintf(&b, "%s Result:\n%s", mark, body)
	return b.String()
}

type Sink interface {
	Notify(ctx context.Context, e Event) error
}

type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Multi delivers every event to all sinks concurrently and joins their
// errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, e Event) error {
	errs := make([]error, len(m))
	var g errgroup.Group
	for i, s := range m {
		g.Go(func() error {
			errs[i] = s.Notify(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })
