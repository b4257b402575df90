package invoke

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldwork-ai/fieldwork/pkg/credentials"
	"github.com/fieldwork-ai/fieldwork/pkg/worker"
)

func containerWorker(endpoint string) worker.Worker {
	return worker.Worker{Name: "competitor-scout", Protocol: worker.ProtocolContainer, Endpoint: endpoint}
}

func TestContainerStreamingResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "competitor-scout", r.Header.Get("X-Caller"))

		var req containerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "map the competition", req.Query)
		assert.Equal(t, "PT", req.ContextHints["region"])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: delta\ndata: {\"content\": \"three \"}\n\n")
		fmt.Fprint(w, "event: delta\ndata: {\"content\": \"competitors\"}\n\n")
		fmt.Fprint(w, "event: result\ndata: {\"content\": \"three competitors found\", \"execution_time_ms\": 1200}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	strategy := NewContainerStrategy(nil)
	result, err := strategy.Call(t.Context(), containerWorker(srv.URL), worker.TaskDescription{
		Query:        "map the competition",
		ContextHints: map[string]string{"region": "PT"},
	}, credentials.Handle{Token: "token", Caller: "competitor-scout"})

	require.NoError(t, err)
	assert.Equal(t, "three competitors found", result.Content)
	assert.Equal(t, 1200*time.Millisecond, result.ExecutionTime)
}

func TestContainerDeltaOnlyStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: delta\ndata: {\"content\": \"partial \"}\n\n")
		fmt.Fprint(w, "event: delta\ndata: {\"content\": \"findings\"}\n\n")
	}))
	defer srv.Close()

	strategy := NewContainerStrategy(nil)
	result, err := strategy.Call(t.Context(), containerWorker(srv.URL), worker.TaskDescription{Query: "q"}, credentials.Handle{})

	require.NoError(t, err)
	assert.Equal(t, "partial findings", result.Content)
	assert.Greater(t, result.ExecutionTime, time.Duration(0))
}

func TestContainerRateLimitCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	strategy := NewContainerStrategy(nil)
	_, err := strategy.Call(t.Context(), containerWorker(srv.URL), worker.TaskDescription{Query: "q"}, credentials.Handle{})

	var werr *worker.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, worker.ErrTransient, werr.Kind)
	assert.True(t, werr.Retryable)
	assert.Equal(t, 2*time.Second, werr.RetryAfter)
}

func TestContainerErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		wantKind worker.ErrorKind
	}{
		{"server error is transient", http.StatusBadGateway, worker.ErrTransient},
		{"unavailable is transient", http.StatusServiceUnavailable, worker.ErrTransient},
		{"unauthorized is permanent", http.StatusUnauthorized, worker.ErrPermanent},
		{"bad request is permanent", http.StatusBadRequest, worker.ErrPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			strategy := NewContainerStrategy(nil)
			_, err := strategy.Call(t.Context(), containerWorker(srv.URL), worker.TaskDescription{Query: "q"}, credentials.Handle{})

			var werr *worker.Error
			require.ErrorAs(t, err, &werr)
			assert.Equal(t, tt.wantKind, werr.Kind)
		})
	}
}

func TestContainerUnreachableEndpoint(t *testing.T) {
	t.Parallel()

	strategy := NewContainerStrategy(nil)
	_, err := strategy.Call(t.Context(), containerWorker("http://127.0.0.1:1"), worker.TaskDescription{Query: "q"}, credentials.Handle{})

	var werr *worker.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, worker.ErrTransient, werr.Kind)
}

func TestContainerMalformedStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: delta\ndata: not-json\n\n")
	}))
	defer srv.Close()

	strategy := NewContainerStrategy(nil)
	_, err := strategy.Call(t.Context(), containerWorker(srv.URL), worker.TaskDescription{Query: "q"}, credentials.Handle{})

	var werr *worker.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, worker.ErrTransient, werr.Kind)
}
