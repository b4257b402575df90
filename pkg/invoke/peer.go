package invoke

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-a2a-go/client"
	"trpc.group/trpc-go/trpc-a2a-go/protocol"

	"github.com/fieldwork-ai/fieldwork/pkg/credentials"
	"github.com/fieldwork-ai/fieldwork/pkg/worker"
)

// PeerStrategy calls a sibling agent service over the A2A protocol.
// Unlike the other transports, authentication uses a process identity
// token shared between peer deployments, not the per-session handle; the
// session handle still rides in message metadata as the worker's opaque
// memory binding.
type PeerStrategy struct {
	processToken string

	mu      sync.Mutex
	clients map[string]*client.A2AClient
}

var _ Strategy = (*PeerStrategy)(nil)

// NewPeerStrategy creates the A2A-backed strategy.
func NewPeerStrategy(processToken string) *PeerStrategy {
	return &PeerStrategy{
		processToken: processToken,
		clients:      make(map[string]*client.A2AClient),
	}
}

// identityTransport injects the process identity on every request.
type identityTransport struct {
	token string
	base  http.RoundTripper
}

func (t *identityTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func (s *PeerStrategy) peer(endpoint string) (*client.A2AClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[endpoint]; ok {
		return c, nil
	}

	httpClient := &http.Client{Transport: &identityTransport{token: s.processToken}}
	c, err := client.NewA2AClient(endpoint, client.WithHTTPClient(httpClient))
	if err != nil {
		return nil, worker.NewTransient(fmt.Sprintf("creating a2a client for %s: %v", endpoint, err))
	}
	s.clients[endpoint] = c
	return c, nil
}

func (s *PeerStrategy) Call(ctx context.Context, w worker.Worker, task worker.TaskDescription, handle credentials.Handle) (worker.Result, error) {
	peer, err := s.peer(w.Endpoint)
	if err != nil {
		return worker.Result{}, err
	}

	message := protocol.NewMessage(protocol.MessageRoleUser, []protocol.Part{
		protocol.NewTextPart(task.Query),
	})
	message.Metadata = map[string]any{
		"memory_token": handle.Token,
		"caller":       handle.Caller,
	}
	for k, v := range task.ContextHints {
		message.Metadata["hint."+k] = v
	}

	start := time.Now()
	result, err := peer.SendMessage(ctx, protocol.SendMessageParams{Message: message})
	if err != nil {
		if ctx.Err() != nil {
			return worker.Result{}, worker.NewTimeout(fmt.Sprintf("peer %s: %v", w.Name, err))
		}
		return worker.Result{}, worker.NewTransient(fmt.Sprintf("peer %s call failed: %v", w.Name, err))
	}

	content, err := extractPeerContent(w.Name, result)
	if err != nil {
		return worker.Result{}, err
	}
	return worker.Result{Content: content, ExecutionTime: time.Since(start)}, nil
}

func extractPeerContent(name string, result *protocol.MessageResult) (string, error) {
	if result == nil {
		return "", worker.NewTransient(fmt.Sprintf("peer %s returned empty result", name))
	}
	switch r := result.Result.(type) {
	case *protocol.Message:
		return textFromParts(r.Parts), nil
	case *protocol.Task:
		if r.Status.Message != nil {
			return textFromParts(r.Status.Message.Parts), nil
		}
		return "", worker.NewTransient(fmt.Sprintf("peer %s task carried no message", name))
	default:
		return "", worker.NewPermanent(fmt.Sprintf("peer %s returned unexpected a2a result %T", name, result.Result))
	}
}

func textFromParts(parts []protocol.Part) string {
	content := ""
	for _, part := range parts {
		switch p := part.(type) {
		case *protocol.TextPart:
			content += p.Text
		case protocol.TextPart:
			content += p.Text
		}
	}
	return content
}
