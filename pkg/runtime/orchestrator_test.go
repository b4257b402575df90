package runtime

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldwork-ai/fieldwork/pkg/aggregator"
	"github.com/fieldwork-ai/fieldwork/pkg/credentials"
	"github.com/fieldwork-ai/fieldwork/pkg/memory"
	"github.com/fieldwork-ai/fieldwork/pkg/session"
	"github.com/fieldwork-ai/fieldwork/pkg/telemetry"
	"github.com/fieldwork-ai/fieldwork/pkg/worker"
)

// fakeInvoker scripts per-worker behavior and records invocation order
// and the credential handle each worker received.
type fakeInvoker struct {
	mu      sync.Mutex
	calls   []string
	handles map[string]credentials.Handle
	behave  map[string]func(ctx context.Context, handle credentials.Handle) (worker.Result, error)
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		handles: make(map[string]credentials.Handle),
		behave:  make(map[string]func(context.Context, credentials.Handle) (worker.Result, error)),
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, w worker.Worker, task worker.TaskDescription, handle credentials.Handle) (worker.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, w.Name)
	f.handles[w.Name] = handle
	fn := f.behave[w.Name]
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, handle)
	}
	return worker.Result{Content: "findings from " + w.Name, ExecutionTime: 10 * time.Millisecond}, nil
}

func (f *fakeInvoker) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testTeam() []worker.Worker {
	return []worker.Worker{
		{Name: "market-analyst", Protocol: worker.ProtocolManaged, Endpoint: "http://registry", Phase: PhaseMarket},
		{Name: "finance-modeler", Protocol: worker.ProtocolContainer, Endpoint: "http://finance", Phase: PhaseFinance},
		{Name: "synthesizer", Protocol: worker.ProtocolPeer, Endpoint: "http://synth", Phase: PhaseSynthesis},
	}
}

type fixture struct {
	orch   *Orchestrator
	mem    memory.Service
	scoper *credentials.Scoper
	fake   *fakeInvoker
}

func newFixture(t *testing.T, team []worker.Worker, opts ...Option) *fixture {
	t.Helper()

	scoper := credentials.NewScoper([]byte("test-secret"))
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"), scoper)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	provider, err := telemetry.Init(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	fake := newFakeInvoker()
	orch := New(session.NewInMemoryStore(), store, scoper, fake, provider.Tracer(), provider.Recorder(), team, opts...)
	t.Cleanup(orch.Stop)

	return &fixture{orch: orch, mem: store, scoper: scoper, fake: fake}
}

func (f *fixture) startSession(t *testing.T) (*session.Session, <-chan aggregator.Envelope) {
	t.Helper()

	ctx := t.Context()
	sess, err := f.orch.CreateSession(ctx, "should we open a coffee shop in Lisbon?", map[string]string{"region": "PT"})
	require.NoError(t, err)

	events, cancel, err := f.orch.StartSession(ctx, sess.ID)
	require.NoError(t, err)
	t.Cleanup(cancel)
	return sess, events
}

func waitForStatus(t *testing.T, sess *session.Session, want session.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sess.CurrentStatus() == want
	}, 10*time.Second, 10*time.Millisecond, "session never reached %s (got %s)", want, sess.CurrentStatus())
}

func collectEvents(events <-chan aggregator.Envelope) []aggregator.Envelope {
	var out []aggregator.Envelope
	for env := range events {
		out = append(out, env)
	}
	return out
}

func TestWorkflowRunsAllPhasesToCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTeam())
	f.fake.behave["synthesizer"] = func(context.Context, credentials.Handle) (worker.Result, error) {
		return worker.Result{Content: "go: the market supports it", ExecutionTime: 10 * time.Millisecond}, nil
	}

	sess, events := f.startSession(t)
	waitForStatus(t, sess, session.StatusCompleted)

	snap := sess.Snapshot()
	assert.Equal(t, "go: the market supports it", snap.FinalReport)
	for _, task := range snap.Checklist {
		assert.Equal(t, memory.TaskCompleted, task.Status, "task for %s", task.Worker)
	}

	// Phases execute strictly in order.
	assert.Equal(t, []string{"market-analyst", "finance-modeler", "synthesizer"}, f.fake.callOrder())

	// Each worker got its own short-lived credential, all tagged to this
	// one session.
	wantTag := f.scoper.SessionTag(sess.ID)
	for name, handle := range f.fake.handles {
		assert.Equal(t, wantTag, handle.SessionTag, "handle for %s", name)
		assert.Equal(t, name, handle.Caller)
	}

	got := collectEvents(events)
	require.NotEmpty(t, got)
	var last uint64
	toolCalls := 0
	sawCompleted := false
	for _, env := range got {
		assert.Greater(t, env.Seq, last, "stream must stay ordered")
		last = env.Seq
		switch env.Kind {
		case aggregator.KindToolCall:
			toolCalls++
		case aggregator.KindSessionCompleted:
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted)
	// Interceptor and trace poller both saw every invocation; dedup
	// collapses each to a single envelope.
	assert.Equal(t, 3, toolCalls)

	// The plan in shared memory converged with the checklist.
	plan, err := f.orch.Plan(t.Context(), sess.ID)
	require.NoError(t, err)
	require.Len(t, plan, 3)
	for _, task := range plan {
		assert.Equal(t, memory.TaskCompleted, task.Status)
	}
}

func TestWorkerFailureDegradesWorkflow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTeam())
	f.fake.behave["market-analyst"] = func(context.Context, credentials.Handle) (worker.Result, error) {
		return worker.Result{}, worker.NewPermanent("model rejected the prompt")
	}

	sess, events := f.startSession(t)
	waitForStatus(t, sess, session.StatusCompleted)

	snap := sess.Snapshot()
	byWorker := make(map[string]memory.TaskStatus)
	for _, task := range snap.Checklist {
		byWorker[task.Worker] = task.Status
	}
	assert.Equal(t, memory.TaskSkipped, byWorker["market-analyst"])
	assert.Equal(t, memory.TaskCompleted, byWorker["finance-modeler"])
	assert.Equal(t, memory.TaskCompleted, byWorker["synthesizer"])

	// The report names what it is missing.
	assert.Contains(t, snap.FinalReport, "Research gaps")
	assert.Contains(t, snap.FinalReport, "market-analyst")

	sawFailed := false
	for _, env := range collectEvents(events) {
		if env.Kind == aggregator.KindWorkerFailed {
			sawFailed = true
		}
	}
	assert.True(t, sawFailed)
}

func TestIsolationViolationAbortsSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTeam())
	f.fake.behave["market-analyst"] = func(context.Context, credentials.Handle) (worker.Result, error) {
		return worker.Result{}, worker.NewIsolation("attempted cross-session read")
	}

	sess, events := f.startSession(t)
	waitForStatus(t, sess, session.StatusFailed)

	snap := sess.Snapshot()
	assert.Contains(t, snap.Err, "isolation")

	sawSessionFailed := false
	for _, env := range collectEvents(events) {
		if env.Kind == aggregator.KindSessionFailed {
			sawSessionFailed = true
		}
	}
	assert.True(t, sawSessionFailed)

	// Later phases never ran.
	assert.NotContains(t, f.fake.callOrder(), "synthesizer")
}

func TestPauseAtBoundaryAndResumeOnAnswers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTeam())
	// The market worker raises a blocking question through its injected
	// credential, exactly as a real worker would.
	f.fake.behave["market-analyst"] = func(ctx context.Context, handle credentials.Handle) (worker.Result, error) {
		_, err := f.mem.AddQuestion(ctx, handle, memory.Question{
			Text:     "Which neighborhood should we model?",
			Priority: memory.PriorityBlocking,
		})
		if err != nil {
			return worker.Result{}, worker.NewPermanent(err.Error())
		}
		return worker.Result{Content: "market findings"}, nil
	}

	sess, events := f.startSession(t)
	waitForStatus(t, sess, session.StatusWaitingInput)

	// Later phases are held back while paused.
	assert.NotContains(t, f.fake.callOrder(), "finance-modeler")

	ctx := t.Context()
	pending, err := f.orch.PendingQuestions(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	answered, err := f.orch.SubmitAnswers(ctx, sess.ID, map[string]string{pending[0].ID: "Baixa"})
	require.NoError(t, err)
	require.Len(t, answered, 1)

	waitForStatus(t, sess, session.StatusCompleted)
	assert.Contains(t, f.fake.callOrder(), "finance-modeler")
	assert.Contains(t, f.fake.callOrder(), "synthesizer")

	// The answer is immutable even after the session completed.
	_, err = f.orch.SubmitAnswers(ctx, sess.ID, map[string]string{pending[0].ID: "Alfama"})
	assert.ErrorIs(t, err, memory.ErrQuestionAnswered)

	var sawPaused, sawResumed bool
	for _, env := range collectEvents(events) {
		switch env.Kind {
		case aggregator.KindWorkflowPaused:
			sawPaused = true
		case aggregator.KindWorkflowResumed:
			assert.True(t, sawPaused, "resume must follow pause")
			sawResumed = true
		}
	}
	assert.True(t, sawPaused)
	assert.True(t, sawResumed)
}

func TestWorkflowTimeoutFailsSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTeam(), WithWorkflowTimeout(50*time.Millisecond))
	f.fake.behave["market-analyst"] = func(ctx context.Context, _ credentials.Handle) (worker.Result, error) {
		select {
		case <-time.After(5 * time.Second):
			return worker.Result{Content: "too late"}, nil
		case <-ctx.Done():
			return worker.Result{}, worker.NewTimeout("invocation budget exceeded")
		}
	}

	sess, _ := f.startSession(t)
	waitForStatus(t, sess, session.StatusFailed)
	assert.Contains(t, sess.Snapshot().Err, "budget")
}

func TestStartStreamCarriesFirstAndLastEvents(t *testing.T) {
	t.Parallel()

	// Workers here finish instantly, so any gap between launching the
	// workflow and attaching the subscription would lose the opening
	// envelopes.
	f := newFixture(t, testTeam())
	sess, events := f.startSession(t)
	waitForStatus(t, sess, session.StatusCompleted)

	got := collectEvents(events)
	require.NotEmpty(t, got)
	assert.Equal(t, aggregator.KindSessionStarted, got[0].Kind)
	assert.Equal(t, aggregator.KindSessionCompleted, got[len(got)-1].Kind)
}

func TestSnapshotReportsLiveDroppedEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTeam(), WithEventCapacity(1))

	release := make(chan struct{})
	f.fake.behave["finance-modeler"] = func(ctx context.Context, _ credentials.Handle) (worker.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return worker.Result{Content: "findings"}, nil
	}

	// The subscription from start is never read, so the tiny buffer
	// overflows while the run is still in flight.
	sess, _ := f.startSession(t)

	require.Eventually(t, func() bool {
		got, err := f.orch.GetSession(t.Context(), sess.ID)
		return err == nil && got.Snapshot().DroppedEvents > 0
	}, 10*time.Second, 10*time.Millisecond, "mid-run snapshot never reported drops")

	close(release)
	waitForStatus(t, sess, session.StatusCompleted)
}

func TestStartSessionGuards(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTeam())
	ctx := t.Context()

	_, _, err := f.orch.StartSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Hold the first run open long enough to observe the double-start.
	release := make(chan struct{})
	f.fake.behave["market-analyst"] = func(ctx context.Context, _ credentials.Handle) (worker.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return worker.Result{Content: "findings"}, nil
	}

	sess, err := f.orch.CreateSession(ctx, "query", nil)
	require.NoError(t, err)
	_, cancel, err := f.orch.StartSession(ctx, sess.ID)
	require.NoError(t, err)
	t.Cleanup(cancel)
	_, _, err = f.orch.StartSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	// Extra consumers can still attach to the live run.
	_, cancelExtra, err := f.orch.Subscribe(sess.ID)
	require.NoError(t, err)
	cancelExtra()

	close(release)
	waitForStatus(t, sess, session.StatusCompleted)

	// Terminal sessions cannot be restarted.
	_, _, err = f.orch.StartSession(ctx, sess.ID)
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestSubmitAnswersUnknownSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTeam())
	_, err := f.orch.SubmitAnswers(t.Context(), "missing", map[string]string{"q": "a"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeleteSessionCancelsRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTeam())
	f.fake.behave["market-analyst"] = func(ctx context.Context, _ credentials.Handle) (worker.Result, error) {
		<-ctx.Done()
		return worker.Result{}, worker.NewTimeout("cancelled")
	}

	ctx := t.Context()
	sess, err := f.orch.CreateSession(ctx, "query", nil)
	require.NoError(t, err)
	_, cancel, err := f.orch.StartSession(ctx, sess.ID)
	require.NoError(t, err)
	t.Cleanup(cancel)

	require.NoError(t, f.orch.DeleteSession(ctx, sess.ID))
	_, err = f.orch.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
