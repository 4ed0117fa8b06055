package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	Host     string `json:"host" validate:"required"`
	Port     int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	Command  string `json:"command" validate:"required"`
	Method   string `json:"method,omitempty"`
}

// ServerCommandRequest is the body of POST /api/execute. An empty Command
// runs the server's default command.
type ServerCommandRequest struct {
	ServerIndex *int   `json:"serverIndex" validate:"required,min=0"`
	Command     string `json:"command"`
	Method      string `json:"method,omitempty"`
}

// QueuedCommand is the Kafka message consumed by the worker.
type QueuedCommand struct {
	ExecutionUID uuid.UUID `json:"exuid"`
	ServerIndex  int       `json:"serverIndex" validate:"min=0"`
	Command      string    `json:"command"`
	Method       string    `json:"method,omitempty"`
}

// ErrorResponse is written for every request rejected before dispatch.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type ServersResponse struct {
	Success bool `json:"success"`
	Servers any  `json:"servers"`
}

type HealthResponse struct {
	Status     string    `json:"status"`
	Service    string    `json:"service"`
	Capability string    `json:"capability"`
	Methods    []string  `json:"methods"`
	Timestamp  time.Time `json:"timestamp"`
}

type ServiceInfo struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// QueuedResponse acknowledges a command handed to the worker queue.
type QueuedResponse struct {
	Success      bool      `json:"success"`
	ExecutionUID uuid.UUID `json:"exuid"`
}
