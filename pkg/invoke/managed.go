package invoke

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fieldwork-ai/fieldwork/pkg/credentials"
	"github.com/fieldwork-ai/fieldwork/pkg/version"
	"github.com/fieldwork-ai/fieldwork/pkg/worker"
)

// ManagedStrategy delegates to an external agent registry over MCP. The
// worker's symbolic name is the tool name; the registry owns endpoint
// management. Sessions to a registry are cached and lazily connected.
type ManagedStrategy struct {
	mu       sync.Mutex
	sessions map[string]*mcp.ClientSession
}

var _ Strategy = (*ManagedStrategy)(nil)

// NewManagedStrategy creates the MCP-backed strategy.
func NewManagedStrategy() *ManagedStrategy {
	return &ManagedStrategy{sessions: make(map[string]*mcp.ClientSession)}
}

func (s *ManagedStrategy) session(ctx context.Context, endpoint string) (*mcp.ClientSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[endpoint]; ok {
		return sess, nil
	}

	transport := &mcp.StreamableClientTransport{Endpoint: endpoint}
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "fieldwork",
		Version: version.Version,
	}, nil)

	sess, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, worker.NewTransient(fmt.Sprintf("connecting to agent registry %s: %v", endpoint, err))
	}
	slog.Debug("Connected to agent registry", "endpoint", endpoint)

	s.sessions[endpoint] = sess
	return sess, nil
}

// Call invokes the worker as a registry tool. The credential handle
// rides along as an opaque binding; the worker never sees raw secret
// material it could rewrite.
func (s *ManagedStrategy) Call(ctx context.Context, w worker.Worker, task worker.TaskDescription, handle credentials.Handle) (worker.Result, error) {
	sess, err := s.session(ctx, w.Endpoint)
	if err != nil {
		return worker.Result{}, err
	}

	args := map[string]any{
		"query":        task.Query,
		"memory_token": handle.Token,
		"caller":       handle.Caller,
	}
	if len(task.ContextHints) > 0 {
		args["context_hints"] = task.ContextHints
	}

	start := time.Now()
	result, err := sess.CallTool(ctx, &mcp.CallToolParams{
		Name:      w.Name,
		Arguments: args,
	})
	if err != nil {
		s.evict(w.Endpoint)
		return worker.Result{}, worker.NewTransient(fmt.Sprintf("registry call for %s failed: %v", w.Name, err))
	}

	content := ""
	for _, c := range result.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			content += text.Text
		}
	}
	if result.IsError {
		return worker.Result{}, worker.NewPermanent(fmt.Sprintf("worker %s reported error: %s", w.Name, content))
	}

	return worker.Result{Content: content, ExecutionTime: time.Since(start)}, nil
}

// evict drops a cached session after a transport failure so the next
// attempt reconnects.
func (s *ManagedStrategy) evict(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, endpoint)
}

// Close tears down all cached registry sessions.
func (s *ManagedStrategy) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for endpoint, sess := range s.sessions {
		if err := sess.Close(); err != nil {
			slog.Warn("Closing registry session failed", "endpoint", endpoint, "error", err)
		}
		delete(s.sessions, endpoint)
	}
	return nil
}
