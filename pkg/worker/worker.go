// Package worker defines the static registration model for specialist
// workers and the uniform task/result/error types exchanged with them.
// Worker reasoning is opaque to this system: a worker accepts a task
// description and returns findings.
package worker

import (
	"fmt"
	"time"
)

// Protocol identifies the invocation transport for a worker. It is fixed
// at registration time, never inferred at call time.
type Protocol string

const (
	// ProtocolManaged delegates to an external agent registry by symbolic
	// name. The registry owns endpoint management.
	ProtocolManaged Protocol = "managed"
	// ProtocolContainer calls a fixed, already-provisioned HTTP endpoint
	// implementing the streaming response contract.
	ProtocolContainer Protocol = "container"
	// ProtocolPeer calls a sibling service over the A2A request/response
	// contract, authenticated with a process identity.
	ProtocolPeer Protocol = "peer"
)

// Valid reports whether p is a known protocol tag.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolManaged, ProtocolContainer, ProtocolPeer:
		return true
	}
	return false
}

// Worker is a static registration for one specialist capability unit.
type Worker struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Protocol    Protocol `json:"protocol" yaml:"protocol"`
	// Endpoint is the registry URL for managed workers, the HTTP endpoint
	// for container workers, or the agent URL for peer workers.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// Phase is the research phase this worker serves (market, competitor,
	// location, finance, synthesis).
	Phase string `json:"phase" yaml:"phase"`
}

// TaskDescription is the outbound unit of work handed to a worker.
type TaskDescription struct {
	Query        string            `json:"query"`
	ContextHints map[string]string `json:"context_hints,omitempty"`
}

// Result is the uniform successful outcome of a worker invocation,
// identical across all three protocols.
type Result struct {
	Content       string        `json:"content"`
	ExecutionTime time.Duration `json:"execution_time_ms"`
}

// ErrorKind classifies invocation failures for retry and propagation
// decisions.
type ErrorKind string

const (
	// ErrTransient covers rate limiting, timeouts on the provider side and
	// other conditions worth retrying.
	ErrTransient ErrorKind = "transient"
	// ErrPermanent covers bad input and auth failures. Never retried.
	ErrPermanent ErrorKind = "permanent"
	// ErrTimeout means the per-invocation budget was exceeded.
	ErrTimeout ErrorKind = "timeout"
	// ErrIsolation means a worker attempted to act outside its session
	// scope. Always fatal to the whole session.
	ErrIsolation ErrorKind = "isolation"
)

// Error is the typed failure returned by the invocation adapter.
type Error struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	// RetryAfter carries a server-advised delay when the provider sent one.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("worker error (%s): %s", e.Kind, e.Message)
}

// NewTransient builds a retryable transient error.
func NewTransient(msg string) *Error {
	return &Error{Kind: ErrTransient, Message: msg, Retryable: true}
}

// NewPermanent builds a non-retryable permanent error.
func NewPermanent(msg string) *Error {
	return &Error{Kind: ErrPermanent, Message: msg}
}

// NewTimeout builds a timeout error for an exhausted invocation budget.
func NewTimeout(msg string) *Error {
	return &Error{Kind: ErrTimeout, Message: msg, Retryable: true}
}

// NewIsolation builds an isolation violation. Not retryable; the
// orchestrator aborts the session on sight.
func NewIsolation(msg string) *Error {
	return &Error{Kind: ErrIsolation, Message: msg}
}
