// Package invoke is the uniform call interface over the three worker
// transports: managed-agent calls through an MCP registry, hosted
// container endpoints with a streaming response contract, and peer
// agents speaking A2A. Strategy selection is driven by the protocol tag
// on the worker's static registration, never inferred at call time.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/fieldwork-ai/fieldwork/pkg/credentials"
	"github.com/fieldwork-ai/fieldwork/pkg/worker"
)

// InvocationTimeout caps a single worker call, retries included.
const InvocationTimeout = 60 * time.Second

const (
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
	maxJitter      = 250 * time.Millisecond
)

// Invoker is the protocol-agnostic invocation contract.
type Invoker interface {
	Invoke(ctx context.Context, w worker.Worker, task worker.TaskDescription, handle credentials.Handle) (worker.Result, error)
}

// Strategy performs one transport-specific call attempt.
type Strategy interface {
	Call(ctx context.Context, w worker.Worker, task worker.TaskDescription, handle credentials.Handle) (worker.Result, error)
}

// Adapter dispatches to the registered strategy for a worker's protocol
// and applies the shared retry and timeout policy.
type Adapter struct {
	strategies map[worker.Protocol]Strategy
	timeout    time.Duration
}

var _ Invoker = (*Adapter)(nil)

// NewAdapter creates an adapter with the default strategies. Peer calls
// authenticate with processToken, a process identity rather than any
// session token.
func NewAdapter(processToken string) *Adapter {
	return &Adapter{
		strategies: map[worker.Protocol]Strategy{
			worker.ProtocolManaged:   NewManagedStrategy(),
			worker.ProtocolContainer: NewContainerStrategy(nil),
			worker.ProtocolPeer:      NewPeerStrategy(processToken),
		},
		timeout: InvocationTimeout,
	}
}

// NewAdapterWithStrategies lets tests swap in fake transports.
func NewAdapterWithStrategies(strategies map[worker.Protocol]Strategy) *Adapter {
	return &Adapter{strategies: strategies, timeout: InvocationTimeout}
}

// Invoke runs a worker call with up to three attempts, exponential
// backoff with jitter, and a server-advised retry delay when present.
// Non-retryable errors fail immediately. Exceeding the invocation budget
// yields a Timeout error; the caller decides whether to continue the
// plan without this worker.
func (a *Adapter) Invoke(ctx context.Context, w worker.Worker, task worker.TaskDescription, handle credentials.Handle) (worker.Result, error) {
	strategy, ok := a.strategies[w.Protocol]
	if !ok {
		return worker.Result{}, worker.NewPermanent(fmt.Sprintf("no strategy for protocol %q", w.Protocol))
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := strategy.Call(ctx, w, task, handle)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return worker.Result{}, worker.NewTimeout(fmt.Sprintf("worker %s exceeded invocation budget: %v", w.Name, err))
		}

		var werr *worker.Error
		if errors.As(err, &werr) && !werr.Retryable {
			return worker.Result{}, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(attempt, err)
		slog.Debug("Retrying worker invocation", "worker", w.Name, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return worker.Result{}, worker.NewTimeout(fmt.Sprintf("worker %s exceeded invocation budget during backoff", w.Name))
		}
	}

	return worker.Result{}, lastErr
}

// backoffDelay doubles per attempt with jitter, unless the server advised
// its own delay.
func backoffDelay(attempt int, err error) time.Duration {
	var werr *worker.Error
	if errors.As(err, &werr) && werr.RetryAfter > 0 {
		return werr.RetryAfter
	}
	delay := initialBackoff << (attempt - 1)
	return delay + time.Duration(rand.Int63n(int64(maxJitter)))
}
