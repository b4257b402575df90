package invoke

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fieldwork-ai/fieldwork/pkg/credentials"
	"github.com/fieldwork-ai/fieldwork/pkg/worker"
)

// ContainerStrategy calls a fixed, already-provisioned HTTP endpoint.
// The response is a server-sent event stream: any number of "delta"
// events carrying content chunks, then one "result" event with the final
// content and execution time.
type ContainerStrategy struct {
	client *http.Client
}

var _ Strategy = (*ContainerStrategy)(nil)

// NewContainerStrategy creates the strategy. A nil client uses a default
// without its own timeout; the adapter's invocation budget governs.
func NewContainerStrategy(client *http.Client) *ContainerStrategy {
	if client == nil {
		client = &http.Client{}
	}
	return &ContainerStrategy{client: client}
}

type containerRequest struct {
	Query        string            `json:"query"`
	ContextHints map[string]string `json:"context_hints,omitempty"`
}

type containerEvent struct {
	Content         string `json:"content"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

func (s *ContainerStrategy) Call(ctx context.Context, w worker.Worker, task worker.TaskDescription, handle credentials.Handle) (worker.Result, error) {
	body, err := json.Marshal(containerRequest{Query: task.Query, ContextHints: task.ContextHints})
	if err != nil {
		return worker.Result{}, worker.NewPermanent(fmt.Sprintf("encoding task for %s: %v", w.Name, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(body))
	if err != nil {
		return worker.Result{}, worker.NewPermanent(fmt.Sprintf("building request for %s: %v", w.Name, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	// The handle is injected here, at call time. The worker only ever
	// receives the assembled token; the session tag travels inside its
	// signed claims and cannot be overridden by worker output.
	req.Header.Set("Authorization", "Bearer "+handle.Token)
	req.Header.Set("X-Caller", handle.Caller)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return worker.Result{}, worker.NewTimeout(fmt.Sprintf("worker %s: %v", w.Name, err))
		}
		return worker.Result{}, worker.NewTransient(fmt.Sprintf("worker %s unreachable: %v", w.Name, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return worker.Result{}, classifyHTTPError(w.Name, resp)
	}

	content, executionMs, err := readEventStream(resp)
	if err != nil {
		return worker.Result{}, worker.NewTransient(fmt.Sprintf("worker %s stream: %v", w.Name, err))
	}

	execution := time.Duration(executionMs) * time.Millisecond
	if execution == 0 {
		execution = time.Since(start)
	}
	return worker.Result{Content: content, ExecutionTime: execution}, nil
}

// readEventStream consumes the SSE response. Delta chunks accumulate;
// a final "result" event supersedes them when it carries content.
func readEventStream(resp *http.Response) (string, int64, error) {
	var (
		accumulated strings.Builder
		final       *containerEvent
		eventName   string
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			eventName = ""
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				continue
			}
			var ev containerEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return "", 0, fmt.Errorf("malformed stream event: %w", err)
			}
			if eventName == "result" {
				final = &ev
			} else {
				accumulated.WriteString(ev.Content)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", 0, err
	}

	if final != nil {
		content := final.Content
		if content == "" {
			content = accumulated.String()
		}
		return content, final.ExecutionTimeMs, nil
	}
	return accumulated.String(), 0, nil
}

func classifyHTTPError(name string, resp *http.Response) *worker.Error {
	msg := fmt.Sprintf("worker %s returned %s", name, resp.Status)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		werr := worker.NewTransient(msg)
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil {
				werr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return werr
	case resp.StatusCode >= 500:
		return worker.NewTransient(msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return worker.NewPermanent(msg)
	default:
		return worker.NewPermanent(msg)
	}
}
